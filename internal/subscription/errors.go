package subscription

import "errors"

// User-facing failures. The command processor turns them into reply text.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("subscription not found")
	ErrUnknownCommand  = errors.New("unknown command")
)

// ErrStorage marks a persistence failure. The command that triggered it
// is treated as not applied.
var ErrStorage = errors.New("storage failure")

// IsUserError reports whether err should be answered with a hint rather
// than logged as a failure.
func IsUserError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownCommand)
}
