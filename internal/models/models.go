// Package models defines the data types shared across the access control
// plane: users, roles, permission grants, tool bindings, credential claims,
// session records, rate buckets, cache entries, and the per-request context
// threaded through the middleware pipeline.
package models

import "time"

// User is owned by the User Directory (C3). Email is unique among all
// users, deactivated ones included; PasswordHash is never serialized outside the directory package.
type User struct {
	ID           string    `bson:"_id" json:"id"`
	Email        string    `bson:"email" json:"email"`
	PasswordHash string    `bson:"password_hash" json:"-"`
	Roles        []string  `bson:"roles" json:"roles"`
	Active       bool      `bson:"active" json:"active"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at" json:"updated_at"`
}

// HasRole reports whether the user carries the named role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Built-in role names. Aliases may map onto these in the Authorization Engine.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
	RoleGuest = "guest"
)

// Resource type enumeration for Permission Grants and Tool Bindings.
const (
	ResourceWebSearch = "web_search"
	ResourceVectorDB  = "vector_db"
	ResourceDatabase  = "database"
)

// Action enumeration.
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
)

// PermissionGrant binds a subject (a role name or a user id) to a resource
// pattern and the actions it permits. Owned by the Authorization Engine (C4).
// The admin role's implicit "*" grant is never represented as a stored
// PermissionGrant; it is handled as a short-circuit in the decision function.
type PermissionGrant struct {
	ID             string     `bson:"_id" json:"id"`
	Subject        string     `bson:"subject" json:"subject"`
	ResourceType   string     `bson:"resource_type" json:"resource_type"`
	ResourcePattern string    `bson:"resource_pattern" json:"resource_pattern"`
	Actions        []string   `bson:"actions" json:"actions"`
	GrantedAt      time.Time  `bson:"granted_at" json:"granted_at"`
	ExpiresAt      *time.Time `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
}

// AllowsAction reports whether the grant's action set includes action.
func (g *PermissionGrant) AllowsAction(action string) bool {
	for _, a := range g.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Expired reports whether the grant has an expiry that has passed at t.
func (g *PermissionGrant) Expired(t time.Time) bool {
	return g.ExpiresAt != nil && !t.Before(*g.ExpiresAt)
}

// ToolBinding is the static mapping tool_name -> (resource_type, action,
// minimum_roles). Owned by the Authorization Engine (C4). Every dispatchable
// tool name has exactly one binding, or is marked Public.
type ToolBinding struct {
	ToolName     string
	ResourceType string
	Action       string
	MinimumRoles []string
	Public       bool
	// ResourceVarying marks tools whose result set differs per principal,
	// requiring the principal scope to participate in cache fingerprinting.
	ResourceVarying bool
	// Admin marks tools that additionally require the admin role; the Tool
	// Dispatcher lists them with the admin kind and never caches their results.
	Admin bool
}

// HasAnyRole reports whether roles intersects the binding's minimum roles.
func (b *ToolBinding) HasAnyRole(roles []string) bool {
	for _, want := range b.MinimumRoles {
		for _, have := range roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Credential kinds.
const (
	CredentialKindAccess  = "access"
	CredentialKindRefresh = "refresh"
)

// AccessClaims is the decoded payload of an access credential.
type AccessClaims struct {
	Subject   string   `json:"sub"`
	Email     string   `json:"email"`
	Roles     []string `json:"roles"`
	JTI       string   `json:"jti"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
	Kind      string   `json:"kind"`
}

// RefreshClaims is the decoded payload of a refresh credential.
type RefreshClaims struct {
	Subject   string `json:"sub"`
	JTI       string `json:"jti"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Kind      string `json:"kind"`
	Device    string `json:"device,omitempty"`
}

// CredentialPair is returned by login and rotate operations.
type CredentialPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// SessionRecord is owned by the Session Store (C2). Created when a refresh
// credential is minted; destroyed on revocation or TTL expiry. The user's
// role set is deliberately not encoded here — roles are re-derived from the
// User Directory when the refresh credential is rotated, so role changes
// reach the next access credential without waiting for session expiry.
type SessionRecord struct {
	JTI       string            `json:"jti"`
	UserID    string            `json:"user_id"`
	IssuedAt  time.Time         `json:"issued_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Device    string            `json:"device,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Principal is the authenticated identity attached to a request, or the zero
// value representing "anonymous".
type Principal struct {
	Anonymous bool
	UserID    string
	Email     string
	Roles     []string
	// Service indicates the principal was attached via the internal trust
	// token rather than a verified access credential.
	Service bool
}

// HasRole reports whether the principal carries the named role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AnonymousPrincipal is the canonical unauthenticated principal value.
var AnonymousPrincipal = Principal{Anonymous: true}

// RequestContext is the per-request, append-only value threaded through the
// Middleware Pipeline (C6). Each stage returns an augmented copy; no stage
// mutates shared state through it.
type RequestContext struct {
	RequestID    string
	Principal    Principal
	TraceContext string
	Method       string
	Arguments    map[string]any
	ReceivedAt   time.Time
	Deadline     *time.Time
	// InternalTrust indicates the request carried the gateway's internal
	// trust token and principal headers, bypassing the Tool Server's own
	// Authentication stage.
	InternalTrust bool
	// ClientAddress is the caller's network address (IP, optionally with
	// port), used to key the Rate Limiter for anonymous traffic that has no
	// principal id to key on.
	ClientAddress string
}

// WithPrincipal returns a copy of rc with the principal attached.
func (rc RequestContext) WithPrincipal(p Principal) RequestContext {
	rc.Principal = p
	return rc
}
