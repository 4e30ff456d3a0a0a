package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"sacristy.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if a.issuer == nil {
			writeError(w, r, http.StatusServiceUnavailable, "authentication disabled")
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}
		claims, err := a.issuer.ParseAndValidate(token)
		if err != nil {
			unauthorized(w, r, "invalid token")
			return
		}
		actor, err := claims.Actor()
		if err != nil {
			unauthorized(w, r, "invalid token")
			return
		}

		ctx := auth.ContextWithActor(r.Context(), actor)
		ctx = auth.ContextWithHandle(ctx, claims.Handle)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// require rejects callers lacking perm. Missing identity is 401, a known
// identity without the permission is 403.
func (a *API) require(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := auth.ActorFromContext(r.Context())
			if !ok {
				unauthorized(w, r, "authentication required")
				return
			}
			if err := auth.Authorize(actor, perm); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
				writeError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="sacristy"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

// actorFrom returns the authenticated actor. Routes behind withAuth
// always have one.
func actorFrom(r *http.Request) auth.Actor {
	actor, _ := auth.ActorFromContext(r.Context())
	return actor
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
