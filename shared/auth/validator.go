package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Validator verifies bearer JWTs against one or more JWKS endpoints — the
// org's OIDC provider plus the sessions API's pod-token keys. keyfunc fetches
// the key sets at construction and refreshes them in the background, so
// verification never touches the network on the request path.
type Validator struct {
	keyfunc jwt.Keyfunc
}

// NewValidator takes a comma-separated JWKS URL list, e.g.
// "https://id.example.com/realms/club/certs,http://sessions:8083/v1/.well-known/jwks.json".
func NewValidator(jwksURLs string) (*Validator, error) {
	var urls []string
	for _, u := range strings.Split(jwksURLs, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("auth: JWKS_URLS is empty")
	}

	kf, err := keyfunc.NewDefault(urls)
	if err != nil {
		return nil, fmt.Errorf("auth: fetch JWKS %v: %w", urls, err)
	}
	return &Validator{keyfunc: kf.Keyfunc}, nil
}

// Validate parses and verifies a compact JWT and maps its claims. Clock skew
// between pods, gateways and the token issuer gets 30s of leeway.
func (v *Validator) Validate(tokenStr string) (*Claims, error) {
	token, err := jwt.Parse(tokenStr, v.keyfunc,
		jwt.WithValidMethods([]string{"RS256", "ES256"}),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: malformed claims")
	}
	return mapClaims(mc), nil
}

func mapClaims(mc jwt.MapClaims) *Claims {
	c := &Claims{
		Subject: str(mc["sub"]),
		Email:   str(mc["email"]),
		OrgID:   str(mc["org_id"]),
		Role:    Role(str(mc["role"])),
	}
	if set, ok := mc["squad_set"].([]interface{}); ok {
		for _, item := range set {
			if s, ok := item.(string); ok {
				c.SquadSet = append(c.SquadSet, s)
			}
		}
	}
	return c
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
