package passport

import "errors"

// Verification error kinds. Handlers map all four to HTTP 401; none of them
// produce a ledger write.
var (
	ErrExpired      = errors.New("passport expired")
	ErrBadSignature = errors.New("passport signature invalid")
	ErrMalformed    = errors.New("passport malformed")
	ErrRevoked      = errors.New("passport revoked")
)

// ErrInvalidConfiguration is returned by Issue when the passport data or key
// material cannot produce a valid token.
var ErrInvalidConfiguration = errors.New("invalid passport configuration")
