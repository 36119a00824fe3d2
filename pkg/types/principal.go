package types

// Role identifies the access level attached to a Principal.
type Role string

// Roles recognized by the permission tables.
const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// Permission names a single allowed action in "resource:action" form.
type Permission string

// Permissions required by the streaming endpoints.
const (
	PermContainerLogs Permission = "containers:logs"
	PermContainerExec Permission = "containers:exec"
	PermBuildsGet     Permission = "builds:get"
)

// Principal is the authenticated identity attached to a gateway connection
// after successful credential verification. It is immutable for the lifetime
// of the connection.
type Principal struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}
