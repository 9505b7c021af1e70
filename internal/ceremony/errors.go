package ceremony

import "errors"

// Failure taxonomy shared by the passkey and fallback flows. Callers
// narrow with errors.Is; the HTTP layer maps each kind to a status.
// Messages are deliberately generic: verifier internals never reach
// the caller.
var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrConflict              = errors.New("conflict")
	ErrNoCredentialsEnrolled = errors.New("no credentials enrolled")
	ErrChallengeInvalid      = errors.New("challenge invalid or expired")
	ErrCredentialNotFound    = errors.New("credential not found")
	ErrVerificationFailed    = errors.New("verification failed")
	ErrRateLimited           = errors.New("rate limited")
	ErrDeliveryFailed        = errors.New("delivery failed")
	ErrMaxAttemptsExceeded   = errors.New("max attempts exceeded")
	ErrCodeMismatch          = errors.New("code mismatch")
	ErrInternal              = errors.New("internal error")
)
