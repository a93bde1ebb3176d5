package domain

import "errors"

// Queue-level sentinel errors shared by the store and its callers.
var (
	// ErrDuplicateMessage is returned on a message-id collision.
	ErrDuplicateMessage = errors.New("duplicate message id")

	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("delivery job not found")
)
