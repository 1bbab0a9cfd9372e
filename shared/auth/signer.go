package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// Signer issues RS256 JWTs for pod credentials. The sessions service holds
// one; every other service verifies against its published JWKS.
type Signer struct {
	key   *rsa.PrivateKey
	keyID string
}

// NewSigner loads the PEM private key from RSA_KEY_PATH, or generates an
// ephemeral 2048-bit key when the variable is unset (dev mode — issued
// tokens die with the process).
func NewSigner() (*Signer, error) {
	path := os.Getenv("RSA_KEY_PATH")
	if path == "" {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("auth: generate signing key: %w", err)
		}
		return &Signer{key: key, keyID: keyIDFor(&key.PublicKey)}, nil
	}

	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read signing key %s: %w", path, err)
	}
	key, err := parsePrivateKeyPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("auth: signing key %s: %w", path, err)
	}

	kid := os.Getenv("RSA_KEY_ID")
	if kid == "" {
		kid = keyIDFor(&key.PublicKey)
	}
	return &Signer{key: key, keyID: kid}, nil
}

// parsePrivateKeyPEM accepts PKCS#1 ("RSA PRIVATE KEY") and PKCS#8
// ("PRIVATE KEY") encodings.
func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("PKCS#8 key is %T, want RSA", parsed)
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported PEM type %q", block.Type)
	}
}

// keyIDFor derives the kid from the public modulus, so the JWKS advertises a
// stable identifier across restarts with the same key. Pod tokens live 24h;
// a random kid would orphan them on every deploy.
func keyIDFor(pub *rsa.PublicKey) string {
	sum := sha256.Sum256(pub.N.Bytes())
	return hex.EncodeToString(sum[:8])
}

// SignToken signs a claims map with RS256 under the signer's kid.
func (s *Signer) SignToken(claims jwt.MapClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.keyID
	return tok.SignedString(s.key)
}

// JWKS returns the public half as a JSON-serialisable JWK Set.
func (s *Signer) JWKS() map[string]interface{} {
	pub := &s.key.PublicKey
	return map[string]interface{}{
		"keys": []map[string]interface{}{{
			"kty": "RSA",
			"kid": s.keyID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
}
