// internal/membership/errors.go
package membership

import "errors"

var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrMemberNotFound      = errors.New("member not found")
	ErrPhoneMissing        = errors.New("member has no phone number")
	ErrPhoneAlreadyClaimed = errors.New("phone already claimed")
	ErrCodeSpaceExhausted  = errors.New("referral code space exhausted")
	ErrAdminRequired       = errors.New("admin privileges required")
	ErrRateLimited         = errors.New("rate limit exceeded")

	// ErrCodeTaken is returned by a Store when a reservation collides with
	// an existing code.
	ErrCodeTaken = errors.New("referral code already reserved")
	// ErrAlreadyRegistered is returned by a Store when the member row exists.
	ErrAlreadyRegistered = errors.New("member already registered")
)

// Retryable reports whether the client may retry the failed call as is.
// Registration conflicts are final; generation and rate-limit failures
// are transient.
func Retryable(err error) bool {
	return errors.Is(err, ErrCodeSpaceExhausted) || errors.Is(err, ErrRateLimited)
}
