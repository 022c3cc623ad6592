package radar

import "errors"

var (
	// ErrTransientUpstream marks network or LLM failures that may succeed on a later attempt.
	ErrTransientUpstream = errors.New("transient upstream failure")
	// ErrMalformedResponse marks LLM output that does not have the expected shape.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrDuplicateItem marks an item that was already processed.
	ErrDuplicateItem = errors.New("duplicate item")
	// ErrPersistenceConflict marks a unique constraint violation in the store.
	ErrPersistenceConflict = errors.New("persistence conflict")
	// ErrConfiguration marks missing credentials, profile or wiring. It aborts a run.
	ErrConfiguration = errors.New("configuration error")
)

// IsDuplicate reports whether err means "already seen" and should be skipped silently.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateItem) || errors.Is(err, ErrPersistenceConflict)
}

// IsTransient reports whether err is worth retrying on a later run.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientUpstream)
}
