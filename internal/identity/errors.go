package identity

import "errors"

// Authentication failures. The PEP boundary collapses all of these into
// "authentication required"; audit records the specific kind.
var (
	ErrBadCredentials = errors.New("identity: bad credentials")
	ErrAccountLocked  = errors.New("identity: account locked")
	ErrMFARequired    = errors.New("identity: mfa required")
	ErrMFAReplay      = errors.New("identity: mfa code already used")
	ErrMFABadCode     = errors.New("identity: mfa code invalid")
	ErrUserNotFound   = errors.New("identity: user not found")
	ErrUserInactive   = errors.New("identity: user inactive")
)

// Token verification failures, in verification order.
var (
	ErrTokenMalformed = errors.New("identity: token malformed")
	ErrTokenSignature = errors.New("identity: token signature invalid")
	ErrTokenExpired   = errors.New("identity: token expired")
	ErrTokenWrongType = errors.New("identity: token type mismatch")
	ErrTokenRevoked   = errors.New("identity: token revoked")
)
