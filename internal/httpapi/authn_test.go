package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sacristy.org/internal/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAllowsMatchingPermission(t *testing.T) {
	a := &API{}
	handler := a.require(auth.PermAssign)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/suggestions", nil)
	req = req.WithContext(auth.ContextWithActor(req.Context(), auth.Actor{ID: 7, Roles: []auth.Role{auth.RoleDirector}}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequireRejectsMissingPermission(t *testing.T) {
	a := &API{}
	handler := a.require(auth.PermAssign)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/suggestions", nil)
	req = req.WithContext(auth.ContextWithActor(req.Context(), auth.Actor{ID: 7, Roles: []auth.Role{auth.RoleFulfiller}}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestRequireRejectsMissingActor(t *testing.T) {
	a := &API{}
	handler := a.require(auth.PermAssign)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/suggestions", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestWithAuthAttachesActorAndHandle(t *testing.T) {
	issuer, err := auth.NewIssuer("test-secret", time.Minute)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	token, _, err := issuer.GenerateToken(auth.Actor{ID: 11, Roles: []auth.Role{auth.RoleMember, auth.RoleFulfiller}}, "alfa")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	var (
		got    auth.Actor
		handle string
	)
	a := &API{issuer: issuer}
	handler := a.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.ActorFromContext(r.Context())
		handle, _ = auth.HandleFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/me/assignments", nil)
	req.Header.Set(authHeader, "bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got.ID != 11 || !got.Has(auth.RoleFulfiller) || handle != "alfa" {
		t.Fatalf("unexpected actor %+v handle %q", got, handle)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]bool{
		"":              false,
		"Basic abc":     false,
		"Bearer ":       false,
		"Bearer abc":    true,
		"  bearer xyz ": true,
	}
	for header, ok := range cases {
		_, err := extractBearerToken(header)
		if (err == nil) != ok {
			t.Fatalf("header %q: expected ok=%v, got err=%v", header, ok, err)
		}
	}
}
