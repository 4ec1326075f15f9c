package errs

import "github.com/pkg/errors"

// Error taxonomy shared by every layer. Lower layers wrap these with context
// (errors.Wrapf) and callers match with errors.Is.
var (
	// ErrIO is a device-level failure. It may be transient.
	ErrIO = errors.New("sealdisk: i/o error")
	// ErrIntegrity is an authentication, rollback or corruption failure. Never retried.
	ErrIntegrity = errors.New("sealdisk: integrity check failed")
	// ErrInvalidArgs is a caller contract violation.
	ErrInvalidArgs = errors.New("sealdisk: invalid arguments")
	// ErrRecovery means the disk cannot be mounted.
	ErrRecovery = errors.New("sealdisk: recovery failed")
	// ErrNotFound is a negative lookup.
	ErrNotFound = errors.New("sealdisk: key not found")

	ErrClosed        = errors.New("sealdisk: disk closed")
	ErrNoSpace       = errors.New("sealdisk: no free blocks")
	ErrLogFull       = errors.New("sealdisk: log extents exhausted")
	ErrEmptyKey      = errors.New("sealdisk: key cannot be empty")
	ErrKeyTooLarge   = errors.New("sealdisk: key too large")
	ErrValueTooLarge = errors.New("sealdisk: value too large")
)

// Panic panics if err is not nil.
func Panic(err error) {
	if err != nil {
		panic(err)
	}
}

// CondPanic panics with err when condition holds.
func CondPanic(condition bool, err error) {
	if condition {
		Panic(err)
	}
}

// Is reports whether err matches any of targets.
func Is(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
