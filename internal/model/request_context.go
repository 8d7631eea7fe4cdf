package model

const RoleAdmin = "admin"

// RequestContext is the caller identity and correlation data handed to
// every service call.
type RequestContext struct {
	UserID    string
	Email     string
	Role      string
	RequestID string
	ClientIP  string
}

func (rc RequestContext) Authenticated() bool {
	return rc.UserID != ""
}

func (rc RequestContext) IsAdmin() bool {
	return rc.Role == RoleAdmin
}
