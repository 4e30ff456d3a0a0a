package auth

const (
	PermSubmit      = "request.submit"
	PermRegister    = "request.register"
	PermTake        = "request.take"
	PermAssign      = "request.assign"
	PermComplete    = "request.complete"
	PermCancelAny   = "request.cancel_any"
	PermPurge       = "request.purge"
	PermViewAll     = "request.view_all"
	PermViewOwn     = "request.view_own"
	PermReport      = "report.view"
	PermSubscribe   = "events.subscribe"
	PermViewCatalog = "catalog.view"
)

// rolePermissions is the static policy. Complete additionally requires
// the caller to be the assigned fulfiller, which the engine checks.
var rolePermissions = map[Role][]string{
	RoleMember:    {PermSubmit, PermViewCatalog},
	RoleSecretary: {PermRegister, PermViewCatalog},
	RoleFulfiller: {PermTake, PermComplete, PermViewOwn, PermViewCatalog},
	RoleDirector: {
		PermRegister, PermAssign, PermCancelAny, PermPurge,
		PermViewAll, PermReport, PermSubscribe, PermViewCatalog,
	},
}
