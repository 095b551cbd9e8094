package store

import "errors"

var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicateSequence = errors.New("duplicate sequence for entity")
	ErrConflictResolved  = errors.New("conflict already resolved")
	ErrAlreadyVerified   = errors.New("credit verification already finalized")
)
