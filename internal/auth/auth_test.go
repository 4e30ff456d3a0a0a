package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestIssuerGenerateAndValidate(t *testing.T) {
	iss, err := NewIssuer("test-secret", 30*time.Minute)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	dir := NewDirectory(nil, []int64{42}, []int64{42})

	token, expiresAt, err := iss.GenerateToken(dir.Actor(42), "don_mario")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("expected future expiration, got %v", expiresAt)
	}

	claims, err := iss.ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "42" || claims.Handle != "don_mario" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !slices.Contains(claims.Roles, "director") || !slices.Contains(claims.Roles, "fulfiller") {
		t.Fatalf("roles were not preserved: %v", claims.Roles)
	}
	actor, err := claims.Actor()
	if err != nil {
		t.Fatalf("Actor: %v", err)
	}
	if actor.ID != 42 || !actor.Has(RoleDirector) || !actor.Has(RoleMember) {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestIssuerRejectsTampering(t *testing.T) {
	iss, _ := NewIssuer("secret-a", time.Minute)
	other, _ := NewIssuer("secret-b", time.Minute)

	token, _, err := iss.GenerateToken(Actor{ID: 7, Roles: []Role{RoleMember}}, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign secret, got %v", err)
	}
	if _, err := iss.ParseAndValidate(token + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for corrupted token, got %v", err)
	}
	if _, err := iss.ParseAndValidate(" "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestIssuerRejectsExpired(t *testing.T) {
	iss, _ := NewIssuer("secret", time.Minute)
	issued := time.Now().Add(-time.Hour)
	iss.now = func() time.Time { return issued }
	token, _, err := iss.GenerateToken(Actor{ID: 1, Roles: []Role{RoleMember}}, "")
	if err != nil {
		t.Fatal(err)
	}
	iss.now = time.Now
	if _, err := iss.ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestNewIssuerValidation(t *testing.T) {
	if _, err := NewIssuer("  ", time.Minute); err == nil {
		t.Fatal("expected missing secret error")
	}
	if _, err := NewIssuer("s", 0); err == nil {
		t.Fatal("expected ttl error")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := ActorFromContext(ctx); ok {
		t.Fatal("empty context should have no actor")
	}
	ctx = ContextWithActor(ctx, Actor{ID: 7, Roles: []Role{RoleMember, RoleSecretary}})
	ctx = ContextWithHandle(ctx, "sister_ada")
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.ID != 7 || !actor.Has(RoleSecretary) {
		t.Fatalf("unexpected actor: %+v ok=%v", actor, ok)
	}
	if h, ok := HandleFromContext(ctx); !ok || h != "sister_ada" {
		t.Fatalf("unexpected handle: %q ok=%v", h, ok)
	}
}

func TestParseRoles(t *testing.T) {
	roles := ParseRoles([]string{"Director", "director", "admin", " member "})
	if len(roles) != 2 || roles[0] != RoleDirector || roles[1] != RoleMember {
		t.Fatalf("unexpected roles: %v", roles)
	}
}
