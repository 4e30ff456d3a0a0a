package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"sacristy.org/internal/audit"
	"sacristy.org/internal/auth"
)

const botSecretHeader = "X-Bot-Secret"

type tokenRequest struct {
	UserID int64  `json:"user_id"`
	Handle string `json:"handle,omitempty"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Roles     []string  `json:"roles"`
}

// handleAuthToken issues a bearer token for a messaging identity. Only the
// messaging front-end holding the bot secret may call it; roles come from
// the configured directory, never from the caller.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if a.issuer == nil || a.botSecret == "" {
		writeError(w, r, http.StatusServiceUnavailable, "token issuance disabled")
		return
	}
	got := r.Header.Get(botSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.botSecret)) != 1 {
		unauthorized(w, r, "invalid bot secret")
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID <= 0 {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	handle := strings.TrimSpace(req.Handle)

	actor := a.directory.Actor(req.UserID)
	// Fulfillers register themselves the first time they show up with a
	// handle, so they can be assigned by @handle.
	if actor.Has(auth.RoleFulfiller) && handle != "" && a.lifecycle != nil {
		if _, err := a.lifecycle.RegisterFulfiller(r.Context(), actor, handle); err != nil {
			handleBookingError(w, r, err)
			return
		}
	}

	token, expiresAt, err := a.issuer.GenerateToken(actor, handle)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	roles := make([]string, 0, len(actor.Roles))
	for _, role := range actor.Roles {
		roles = append(roles, string(role))
	}
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"user_id":    req.UserID,
		"roles":      roles,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Roles:     roles,
	})
}
