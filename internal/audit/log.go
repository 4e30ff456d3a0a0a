package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"sacristy.org/internal/auth"
	"sacristy.org/internal/booking"
	"sacristy.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and actor context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if actor, ok := auth.ActorFromContext(ctx); ok {
		entry["actor_id"] = actor.ID
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// Mirror logs committed audit entries, one line each.
func Mirror(ctx context.Context, entries ...booking.AuditEntry) {
	for _, e := range entries {
		fields := map[string]any{
			"booking_id": e.RequestID,
			"actor":      e.ActorID,
			"at":         e.At.UTC().Format(time.RFC3339Nano),
		}
		if e.Target != 0 {
			fields["target"] = e.Target
		}
		if e.Detail != "" {
			fields["detail"] = e.Detail
		}
		_ = LogEvent(ctx, "booking."+e.Action, fields)
	}
}
