package audit

import "errors"

// Audit taxonomy: Storage, Serialization, ImmutableViolation.
var (
	ErrStorage            = errors.New("audit: storage error")
	ErrSerialization      = errors.New("audit: serialization error")
	ErrImmutableViolation = errors.New("audit: immutable audit mode forbids this operation")
	ErrNotFound           = errors.New("audit: record not found")
)
