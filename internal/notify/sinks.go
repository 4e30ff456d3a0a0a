package notify

import (
	"context"
	"encoding/json"

	"sacristy.org/internal/obs"
	"sacristy.org/internal/stream"
)

// LogSink writes each message as a JSON log line.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Deliver(_ context.Context, to Target, msg Message) error {
	obs.Info("notification", map[string]any{
		"notification_id": msg.ID,
		"kind":            string(msg.Kind),
		"target":          to.Subject(),
		"booking_id":      msg.RequestID,
		"text":            msg.Text,
	})
	return nil
}

// StreamSink pushes messages to live SSE subscribers.
type StreamSink struct {
	hub *stream.Hub
}

func NewStreamSink(hub *stream.Hub) *StreamSink {
	return &StreamSink{hub: hub}
}

func (s *StreamSink) Name() string { return "stream" }

func (s *StreamSink) Deliver(_ context.Context, to Target, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.hub.Publish(stream.Event{Topic: to.Subject(), Data: data, Timestamp: msg.At})
	return nil
}
