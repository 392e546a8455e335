package passport

import (
	"crypto/rsa"
	"fmt"
)

// RevocationChecker is the read-only revocation surface the edge verifier
// needs; the edge revocation set satisfies it.
type RevocationChecker interface {
	Contains(jti string) bool
}

// Verifier is the edge-side passport verifier. It holds only public key
// material and a pointer to the locally synced revocation set, so a verify
// never touches the network. "Online" versus "degraded" is the pipeline's
// business, not the verifier's.
type Verifier struct {
	key        interface{}
	alg        string
	revocation RevocationChecker
}

// NewHS256Verifier builds a dev-mode verifier over the shared secret.
func NewHS256Verifier(secret string, rev RevocationChecker) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: empty JWT secret", ErrInvalidConfiguration)
	}
	return &Verifier{key: []byte(secret), alg: "HS256", revocation: rev}, nil
}

// NewRS256Verifier builds a production verifier over the issuer's public key.
func NewRS256Verifier(pub *rsa.PublicKey, rev RevocationChecker) (*Verifier, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: missing RSA public key", ErrInvalidConfiguration)
	}
	return &Verifier{key: pub, alg: "RS256", revocation: rev}, nil
}

// Verify checks signature, expiry, and the locally held revocation set.
func (v *Verifier) Verify(token string) (*Claims, error) {
	claims, err := decode(token, v.key, v.alg)
	if err != nil {
		return nil, err
	}
	if v.revocation != nil && v.revocation.Contains(claims.ID) {
		return nil, ErrRevoked
	}
	return claims, nil
}
