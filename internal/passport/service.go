package passport

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL is the passport lifetime when Data.TTL is zero.
const DefaultTTL = 24 * time.Hour

// DefaultIssuer identifies the control plane in the iss claim.
const DefaultIssuer = "agentgovern-control-plane"

// Claims is the full decoded payload of a passport token.
type Claims struct {
	AG GovernanceClaims `json:"ag"`
	jwt.RegisteredClaims
}

// Revoker is the revocation surface the passport service needs. The
// control-plane registry satisfies it.
type Revoker interface {
	Add(jti string)
	Contains(jti string) bool
}

// Service mints, verifies, rotates, and revokes passports. HS256 with a
// shared secret in dev, RS256 with an RSA key pair in production. The
// service is stateless apart from the revocation registry it points at.
type Service struct {
	method     jwt.SigningMethod
	signKey    interface{} // []byte for HS256, *rsa.PrivateKey for RS256
	verifyKey  interface{} // []byte for HS256, *rsa.PublicKey for RS256
	issuer     string
	ttl        time.Duration
	revocation Revoker
	now        func() time.Time
}

// NewHS256Service builds a dev-mode service over a shared secret.
func NewHS256Service(secret string, rev Revoker) (*Service, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: empty JWT secret", ErrInvalidConfiguration)
	}
	return &Service{
		method:     jwt.SigningMethodHS256,
		signKey:    []byte(secret),
		verifyKey:  []byte(secret),
		issuer:     DefaultIssuer,
		ttl:        DefaultTTL,
		revocation: rev,
		now:        time.Now,
	}, nil
}

// NewRS256Service builds a production service over an RSA key pair.
func NewRS256Service(priv *rsa.PrivateKey, pub *rsa.PublicKey, rev Revoker) (*Service, error) {
	if priv == nil || pub == nil {
		return nil, fmt.Errorf("%w: missing RSA key material", ErrInvalidConfiguration)
	}
	return &Service{
		method:     jwt.SigningMethodRS256,
		signKey:    priv,
		verifyKey:  pub,
		issuer:     DefaultIssuer,
		ttl:        DefaultTTL,
		revocation: rev,
		now:        time.Now,
	}, nil
}

// Issue signs a passport token embedding the governance claims. The
// revocation registry is untouched.
func (s *Service) Issue(data Data) (string, error) {
	if len(data.AllowedEnvironments) == 0 {
		return "", fmt.Errorf("%w: allowed_environments is empty", ErrInvalidConfiguration)
	}
	for _, env := range data.AllowedEnvironments {
		if !ValidEnvironments[env] {
			return "", fmt.Errorf("%w: unknown environment %q", ErrInvalidConfiguration, env)
		}
	}

	ttl := data.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	limit := data.AuthorityLimit
	if limit == 0 {
		limit = DefaultAuthorityLimits[data.Tier]
	}

	now := s.now().UTC()
	claims := Claims{
		AG: GovernanceClaims{
			Name:                data.AgentName,
			Role:                data.Role,
			Tier:                data.Tier,
			TrustScore:          data.TrustScore,
			AuthorityLimit:      limit,
			AllowedEnvironments: data.AllowedEnvironments,
			DNAFingerprint:      data.DNAFingerprint,
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   data.AgentID,
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token, err := jwt.NewWithClaims(s.method, claims).SignedString(s.signKey)
	if err != nil {
		return "", fmt.Errorf("%w: signing failed: %v", ErrInvalidConfiguration, err)
	}

	slog.Info("passport issued",
		"agent_id", data.AgentID,
		"tier", claims.AG.Tier,
		"jti", claims.ID,
		"environments", data.AllowedEnvironments)
	return token, nil
}

// Verify checks signature, expiry, and revocation. No network I/O: the
// signature check uses only local key material and the revocation check is
// against the registry snapshot the service holds.
func (s *Service) Verify(token string) (*Claims, error) {
	claims, err := decode(token, s.verifyKey, s.method.Alg())
	if err != nil {
		return nil, err
	}
	if s.revocation != nil && s.revocation.Contains(claims.ID) {
		return nil, ErrRevoked
	}
	return claims, nil
}

// Rotate revokes the old token's JTI and issues a replacement. The old JTI
// is in the revocation set before the new token is returned, so from the
// caller's viewpoint the swap is atomic. The old token is decoded
// best-effort: an already expired or otherwise invalid token still rotates.
func (s *Service) Rotate(oldToken string, data Data) (string, error) {
	if claims, err := ExtractClaims(oldToken); err == nil && claims.ID != "" {
		s.Revoke(claims.ID)
	}
	return s.Issue(data)
}

// Revoke adds a JTI to the revocation registry. Idempotent.
func (s *Service) Revoke(jti string) {
	if s.revocation != nil {
		s.revocation.Add(jti)
		slog.Warn("passport revoked", "jti", jti)
	}
}

// ExtractClaims decodes a token without verifying the signature. Only for
// contexts where verification already happened (or is about to), such as
// recovering the JTI during rotation of an expired token.
func ExtractClaims(token string) (*Claims, error) {
	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return nil, ErrMalformed
	}
	return &claims, nil
}

// decode parses and validates a token against key, mapping jwt library
// errors onto the package's typed error kinds.
func decode(token string, key interface{}, alg string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{alg}))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrBadSignature
		default:
			return nil, ErrMalformed
		}
	}
	return &claims, nil
}
