package tenant

import "errors"

var (
	// ErrNotFound is returned when no tenant exists with the given ID.
	ErrNotFound = errors.New("tenant not found")

	// ErrDomainNotFound is returned when no sending domain row matches.
	ErrDomainNotFound = errors.New("sending domain not found")
)
