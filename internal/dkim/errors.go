package dkim

import "errors"

var (
	// ErrDomainNotVerified is returned when a key is requested for a
	// sending domain that has not passed DNS verification.
	ErrDomainNotVerified = errors.New("sending domain not verified")

	// ErrNoActiveKey is returned by Rotate when the domain has no key
	// rows at all.
	ErrNoActiveKey = errors.New("no dkim key for domain")

	// ErrInvalidKey is returned when a stored private key fails to parse.
	ErrInvalidKey = errors.New("invalid dkim private key")
)
