package engine

import "errors"

// Failure conditions, grouped by taxonomy. Every entry point fails fast with
// one of these; a failed call leaves persisted state untouched.
var (
	// Authorization.
	ErrNotOwner    = errors.New("engine: caller is not the owner")
	ErrNotProvider = errors.New("engine: caller is not an allow-listed provider")

	// Lifecycle.
	ErrPaused           = errors.New("engine: paused")
	ErrBatchNotOpen     = errors.New("engine: current batch is not open")
	ErrBatchAlreadyOpen = errors.New("engine: current batch is already open")

	// Rate limiting.
	ErrCooldownActive = errors.New("engine: cooldown active")

	// Input validity.
	ErrInvalidArgument = errors.New("engine: invalid argument")

	// Ciphertext-handle state.
	ErrAlreadyInitialized = errors.New("engine: ciphertext handle already registered")
	ErrNotInitialized     = errors.New("engine: deal handles not initialized")
	ErrDealExists         = errors.New("engine: deal already exists")

	// Protocol integrity.
	ErrRequestNotFound = errors.New("engine: decryption request not found")
	ErrRequestExpired  = errors.New("engine: decryption request expired")
	ErrReplayAttempt   = errors.New("engine: decryption request already processed")
	ErrStateMismatch   = errors.New("engine: commitment does not match stored state")
	ErrInvalidProof    = errors.New("engine: oracle proof verification failed")
)

var conditionNames = map[error]string{
	ErrNotOwner:           "NotOwner",
	ErrNotProvider:        "NotProvider",
	ErrPaused:             "Paused",
	ErrBatchNotOpen:       "BatchNotOpen",
	ErrBatchAlreadyOpen:   "BatchAlreadyOpen",
	ErrCooldownActive:     "CooldownActive",
	ErrInvalidArgument:    "InvalidArgument",
	ErrAlreadyInitialized: "AlreadyInitialized",
	ErrNotInitialized:     "NotInitialized",
	ErrDealExists:         "DealExists",
	ErrRequestNotFound:    "RequestNotFound",
	ErrRequestExpired:     "RequestExpired",
	ErrReplayAttempt:      "ReplayAttempt",
	ErrStateMismatch:      "StateMismatch",
	ErrInvalidProof:       "InvalidProof",
}

// Condition names the failure condition carried by err, or "Internal" for
// anything outside the taxonomy.
func Condition(err error) string {
	for sentinel, name := range conditionNames {
		if errors.Is(err, sentinel) {
			return name
		}
	}
	return "Internal"
}

// IsSecurityRejection reports whether err is a protocol-integrity rejection
// that must never be silently swallowed.
func IsSecurityRejection(err error) bool {
	return errors.Is(err, ErrReplayAttempt) ||
		errors.Is(err, ErrStateMismatch) ||
		errors.Is(err, ErrInvalidProof)
}
