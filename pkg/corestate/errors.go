package corestate

import "errors"

// State taxonomy, mirrored one-for-one off the acteon-state crate's
// error.rs so backend implementations (memstate, redisstate) can be swapped
// without callers re-typing their error handling.
var (
	ErrNotFound      = errors.New("corestate: key not found")
	ErrAlreadyExists = errors.New("corestate: key already exists")
	ErrVersionConflict = errors.New("corestate: version conflict")
	ErrLockHeld      = errors.New("corestate: lock held by another owner")
	ErrNotOwner      = errors.New("corestate: caller does not own this lock")
	ErrBackendUnavailable = errors.New("corestate: backend unavailable")
	ErrInvalidKey    = errors.New("corestate: invalid key")
)
