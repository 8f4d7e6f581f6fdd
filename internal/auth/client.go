package auth

// Role is the access level carried in a token.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReadOnly Role = "readonly"
)

// Client is the caller identified by a bearer token.
type Client struct {
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// IsAdmin reports whether the client may change device state.
func (c *Client) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	return r == RoleAdmin || r == RoleReadOnly
}
