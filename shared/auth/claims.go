// Package auth provides JWT validation middleware for HTTP and gRPC handlers.
//
// Tokens are issued by the org's OIDC provider or by session-api's token
// endpoint (pod enrollment keys). Each token carries claims:
//   - sub:       user ID, or "pod:<serial>" for pod credentials
//   - org_id:    organization identifier (multi-tenant isolation)
//   - squad_set: squad IDs this principal may access ("*" = all)
//   - role:      "analyst" | "coach" | "admin" | "pod"
//   - exp:       expiry (standard JWT claim)
//
// JWKS public keys are fetched at startup and refreshed in the background by
// keyfunc. Tokens are validated locally — no network call per request.
package auth

import "context"

type Role string

const (
	RoleAdmin   Role = "admin"   // full access including pod enrollment
	RoleCoach   Role = "coach"   // can start/stop recordings, manage assignments
	RoleAnalyst Role = "analyst" // read-only replay and live views
	RolePod     Role = "pod"     // pod bridge credentials, frame intake only
)

// CanRecord reports whether the role may start and stop recording sessions.
func (r Role) CanRecord() bool {
	return r == RoleAdmin || r == RoleCoach
}

func (r Role) IsAdmin() bool {
	return r == RoleAdmin
}

type Claims struct {
	Subject  string   `json:"sub"`
	Email    string   `json:"email"`
	OrgID    string   `json:"org_id"`
	Role     Role     `json:"role"`
	SquadSet []string `json:"squad_set"`
}

// CanAccessSquad returns true when the claims grant access to squadID.
// Admins always have access. An empty SquadSet means unrestricted.
// A wildcard "*" entry grants access to every squad.
func (c *Claims) CanAccessSquad(squadID string) bool {
	if c.Role.IsAdmin() || len(c.SquadSet) == 0 {
		return true
	}
	for _, s := range c.SquadSet {
		if s == "*" || s == squadID {
			return true
		}
	}
	return false
}

type ctxKey struct{}

func ContextWithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok
}
