package auth

import (
	"sort"
	"strings"
)

// Role is a capability group a messaging identity belongs to.
type Role string

const (
	RoleMember    Role = "member"
	RoleSecretary Role = "secretary"
	RoleFulfiller Role = "fulfiller"
	RoleDirector  Role = "director"
)

// Actor is the caller of a core operation: an external identity and the
// roles it holds. The zero Actor is the system itself.
type Actor struct {
	ID    int64  `json:"id"`
	Roles []Role `json:"roles"`
}

// System is the actor used for timer and sweep driven actions.
var System = Actor{}

func (a Actor) Has(r Role) bool {
	for _, have := range a.Roles {
		if have == r {
			return true
		}
	}
	return false
}

func (a Actor) IsSystem() bool { return a.ID == 0 }

// Directory resolves roles from configured identity lists. Every known
// or unknown identity is at least a member.
type Directory struct {
	roles map[int64][]Role
}

// NewDirectory builds a directory from the configured id lists.
func NewDirectory(secretaries, fulfillers, directors []int64) *Directory {
	d := &Directory{roles: make(map[int64][]Role)}
	add := func(ids []int64, r Role) {
		for _, id := range ids {
			if id == 0 {
				continue
			}
			d.roles[id] = append(d.roles[id], r)
		}
	}
	add(secretaries, RoleSecretary)
	add(fulfillers, RoleFulfiller)
	add(directors, RoleDirector)
	return d
}

// Actor returns the actor for id with every role it holds.
func (d *Directory) Actor(id int64) Actor {
	roles := []Role{RoleMember}
	if d != nil {
		roles = append(roles, d.roles[id]...)
	}
	return Actor{ID: id, Roles: normalizeRoles(roles)}
}

// Directors returns the identities holding the director role.
func (d *Directory) Directors() []int64 {
	return d.withRole(RoleDirector)
}

// Fulfillers returns the identities holding the fulfiller role.
func (d *Directory) Fulfillers() []int64 {
	return d.withRole(RoleFulfiller)
}

func (d *Directory) withRole(r Role) []int64 {
	if d == nil {
		return nil
	}
	var out []int64
	for id, roles := range d.roles {
		for _, have := range roles {
			if have == r {
				out = append(out, id)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseRoles converts raw role names, dropping unknown and duplicate ones.
func ParseRoles(raw []string) []Role {
	roles := make([]Role, 0, len(raw))
	for _, r := range dedupeRoles(raw) {
		switch Role(r) {
		case RoleMember, RoleSecretary, RoleFulfiller, RoleDirector:
			roles = append(roles, Role(r))
		}
	}
	return roles
}

func roleNames(roles []Role) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, string(r))
	}
	return out
}

func normalizeRoles(roles []Role) []Role {
	seen := make(map[Role]bool, len(roles))
	out := make([]Role, 0, len(roles))
	for _, r := range roles {
		r = Role(strings.ToLower(strings.TrimSpace(string(r))))
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
