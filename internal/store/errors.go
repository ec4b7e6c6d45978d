package store

import "errors"

var (
	// ErrNotFound reports that the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate reports a uniqueness violation (user name, group name,
	// friend edge, group membership).
	ErrDuplicate = errors.New("duplicate")
)
