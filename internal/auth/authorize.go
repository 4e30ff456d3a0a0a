package auth

// Can reports whether any of the actor's roles grants perm.
func (a Actor) Can(perm string) bool {
	for _, r := range a.Roles {
		for _, p := range rolePermissions[r] {
			if p == perm {
				return true
			}
		}
	}
	return false
}

// Authorize returns ErrUnauthorized unless the actor holds perm.
func Authorize(a Actor, perm string) error {
	if a.Can(perm) {
		return nil
	}
	return ErrUnauthorized
}
