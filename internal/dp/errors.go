package dp

import "errors"

var (
	// ErrAlreadyPublished is returned when a published release would be overwritten.
	ErrAlreadyPublished = errors.New("release already published")

	// ErrLedgerInvariant signals a programming fault in budget accounting,
	// such as a missing budget row right after initialization.
	ErrLedgerInvariant = errors.New("ledger invariant violated")

	// ErrTickInProgress is returned when a publish tick is requested while
	// another one is running.
	ErrTickInProgress = errors.New("publish tick already in progress")

	// ErrWindowNotFound is returned when a window ID does not exist.
	ErrWindowNotFound = errors.New("window not found")
)
