package rotor

import "errors"

var (
	// ErrInvalidRefreshToken is returned when the presented token fails
	// verification: malformed, expired, or already revoked.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrTokenReuseDetected is returned when an already-rotated token is
	// presented outside the grace window. The user's tokens have been revoked
	// by the time the caller sees this error.
	ErrTokenReuseDetected = errors.New("refresh token reuse detected")
	// ErrRateLimitExceeded is returned when the per-user rotation budget for
	// the current window is exhausted.
	ErrRateLimitExceeded = errors.New("rotation rate limit exceeded")
	// ErrRotationFailed is returned when the family-advance step cannot be
	// persisted; callers should retry with backoff.
	ErrRotationFailed = errors.New("rotation failed")
	// ErrUserNotFound is returned when the identity resolver has no subject
	// for the verified user id.
	ErrUserNotFound = errors.New("user not found")
	// ErrFamilyNotFound is returned by family lookups for unknown ids.
	ErrFamilyNotFound = errors.New("token family not found")
	// ErrFamilyInactive is returned when a rotation targets a terminated
	// family.
	ErrFamilyInactive = errors.New("token family inactive")
	// ErrEngineNotReady is returned when a Rotator method is invoked on an
	// incompletely constructed instance.
	ErrEngineNotReady = errors.New("rotator not ready")
	// ErrSignerUnavailable is returned when the token signer cannot produce a
	// pair.
	ErrSignerUnavailable = errors.New("token signer unavailable")
	// ErrRevocationUnavailable is returned when the revocation store rejects a
	// mandatory revoke call.
	ErrRevocationUnavailable = errors.New("revocation store unavailable")
)

// Stable machine-readable codes carried on RotationResult.ErrorCode and audit
// records. Transport layers map these to their own status vocabulary.
const (
	CodeInvalidRefreshToken = "INVALID_REFRESH_TOKEN"
	CodeTokenReuseDetected  = "TOKEN_REUSE_DETECTED"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeRotationError       = "ROTATION_ERROR"
	CodeUserNotFound        = "USER_NOT_FOUND"
)

// ErrorCode maps a rotor error to its stable code. Unknown errors map to
// CodeRotationError because they abort the operation the same way.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRefreshToken):
		return CodeInvalidRefreshToken
	case errors.Is(err, ErrTokenReuseDetected):
		return CodeTokenReuseDetected
	case errors.Is(err, ErrRateLimitExceeded):
		return CodeRateLimitExceeded
	case errors.Is(err, ErrUserNotFound):
		return CodeUserNotFound
	default:
		return CodeRotationError
	}
}
