package suppression

import "errors"

var (
	// ErrNotFound is returned when removing an entry that does not exist.
	ErrNotFound = errors.New("suppression entry not found")

	// ErrInvalidEmail is returned for addresses without a domain part.
	ErrInvalidEmail = errors.New("invalid email address")
)
