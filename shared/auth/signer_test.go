package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validatorFor wires a Validator directly to the signer's public key, standing
// in for the JWKS fetch.
func validatorFor(s *Signer) *Validator {
	return &Validator{keyfunc: func(t *jwt.Token) (interface{}, error) {
		return &s.key.PublicKey, nil
	}}
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	t.Setenv("RSA_KEY_PATH", "")
	s, err := NewSigner()
	require.NoError(t, err, "ephemeral signer should not fail")
	return s
}

func TestSignAndValidateRoundTrip(t *testing.T) {
	s := newTestSigner(t)
	v := validatorFor(s)

	now := time.Now()
	tok, err := s.SignToken(jwt.MapClaims{
		"sub":       "pod:4417",
		"org_id":    "org-1",
		"role":      "pod",
		"squad_set": []string{"squad-a"},
		"iat":       now.Unix(),
		"exp":       now.Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	claims, err := v.Validate(tok)
	require.NoError(t, err, "token signed by our key should verify")
	assert.Equal(t, "pod:4417", claims.Subject)
	assert.Equal(t, "org-1", claims.OrgID)
	assert.Equal(t, RolePod, claims.Role)
	assert.Equal(t, []string{"squad-a"}, claims.SquadSet)
}

func TestValidateExpiry(t *testing.T) {
	s := newTestSigner(t)
	v := validatorFor(s)

	longDead, err := s.SignToken(jwt.MapClaims{
		"sub": "u1", "exp": time.Now().Add(-2 * time.Minute).Unix(),
	})
	require.NoError(t, err)
	_, err = v.Validate(longDead)
	assert.Error(t, err, "a token expired past the leeway is rejected")

	justExpired, err := s.SignToken(jwt.MapClaims{
		"sub": "u1", "exp": time.Now().Add(-10 * time.Second).Unix(),
	})
	require.NoError(t, err)
	_, err = v.Validate(justExpired)
	assert.NoError(t, err, "30s leeway absorbs small clock skew")
}

func TestClaimsFromAuthorizationScheme(t *testing.T) {
	s := newTestSigner(t)
	v := validatorFor(s)
	tok, err := s.SignToken(jwt.MapClaims{
		"sub": "u1", "exp": time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	_, err = claimsFromAuthorization(v, "")
	assert.ErrorIs(t, err, errNoBearer, "missing header")

	_, err = claimsFromAuthorization(v, "Basic dXNlcjpwYXNz")
	assert.ErrorIs(t, err, errNoBearer, "wrong scheme")

	_, err = claimsFromAuthorization(v, "Bearer "+tok)
	assert.NoError(t, err)

	_, err = claimsFromAuthorization(v, "bearer "+tok)
	assert.NoError(t, err, "scheme match is case-insensitive")
}

func TestKeyIDStableAcrossRestarts(t *testing.T) {
	s := newTestSigner(t)
	assert.Equal(t, keyIDFor(&s.key.PublicKey), s.keyID, "kid derives from the modulus")

	other := newTestSigner(t)
	assert.NotEqual(t, s.keyID, other.keyID, "distinct keys get distinct kids")
}

func TestJWKSShape(t *testing.T) {
	s := newTestSigner(t)
	set := s.JWKS()

	keys, ok := set["keys"].([]map[string]interface{})
	require.True(t, ok, "JWKS carries a keys array")
	require.Len(t, keys, 1)
	assert.Equal(t, "RSA", keys[0]["kty"])
	assert.Equal(t, "RS256", keys[0]["alg"])
	assert.Equal(t, s.keyID, keys[0]["kid"])
	assert.NotEmpty(t, keys[0]["n"], "modulus is published")
	assert.NotEmpty(t, keys[0]["e"], "exponent is published")
}
