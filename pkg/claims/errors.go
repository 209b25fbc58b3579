package claims

import "errors"

var (
	// ErrInvalidRequest covers malformed input: body, address or signature encoding.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidSignature means the signature does not recover the claimed address.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrInvalidChallenge means the message is not a live challenge for the
	// claimed address and the current window.
	ErrInvalidChallenge = errors.New("invalid challenge")
	// ErrAlreadyClaimed means the (address, window) key is already reserved.
	ErrAlreadyClaimed = errors.New("already claimed")
	// ErrDisbursementFailed means the transfer was rejected or reverted.
	ErrDisbursementFailed = errors.New("disbursement failed")
	// ErrUnresolved means the transfer was submitted but not confirmed in time.
	ErrUnresolved = errors.New("confirmation pending")
	// ErrDependencyUnavailable means a dependency could not be reached.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

// Reason returns the stable reason code reported to callers for err.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return "InvalidRequest"
	case errors.Is(err, ErrInvalidSignature):
		return "InvalidSignature"
	case errors.Is(err, ErrInvalidChallenge):
		return "InvalidChallenge"
	case errors.Is(err, ErrAlreadyClaimed):
		return "AlreadyClaimed"
	case errors.Is(err, ErrDisbursementFailed):
		return "DisbursementFailed"
	case errors.Is(err, ErrUnresolved):
		return "Unresolved"
	default:
		return "DependencyUnavailable"
	}
}
