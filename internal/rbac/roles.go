package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleAdmin    = "admin"
	RoleBusiness = "business" // business owner running the dashboard
	RoleAgent    = "agent"    // staff answering calls on the owner's behalf
)

func IsAdmin(role string) bool { return role == RoleAdmin }
