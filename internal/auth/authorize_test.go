package auth

import (
	"errors"
	"testing"
)

func TestDirectoryRoles(t *testing.T) {
	dir := NewDirectory([]int64{10}, []int64{20, 30}, []int64{30, 40})

	if a := dir.Actor(99); len(a.Roles) != 1 || a.Roles[0] != RoleMember {
		t.Fatalf("unknown identity should be a plain member: %+v", a)
	}
	if a := dir.Actor(30); !a.Has(RoleFulfiller) || !a.Has(RoleDirector) {
		t.Fatalf("30 should hold both roles: %+v", a)
	}
	if got := dir.Directors(); len(got) != 2 || got[0] != 30 || got[1] != 40 {
		t.Fatalf("unexpected directors: %v", got)
	}
	if got := dir.Fulfillers(); len(got) != 2 || got[0] != 20 {
		t.Fatalf("unexpected fulfillers: %v", got)
	}
}

func TestActorPermissions(t *testing.T) {
	dir := NewDirectory([]int64{10}, []int64{20}, []int64{40})
	cases := []struct {
		id   int64
		perm string
		want bool
	}{
		{99, PermSubmit, true},
		{99, PermRegister, false},
		{10, PermRegister, true},
		{10, PermAssign, false},
		{20, PermTake, true},
		{20, PermViewAll, false},
		{40, PermAssign, true},
		{40, PermPurge, true},
		{40, PermTake, false},
	}
	for _, tc := range cases {
		if got := dir.Actor(tc.id).Can(tc.perm); got != tc.want {
			t.Fatalf("actor %d Can(%s)=%v, want %v", tc.id, tc.perm, got, tc.want)
		}
	}
	if err := Authorize(System, PermAssign); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("system actor has no roles, got %v", err)
	}
}
