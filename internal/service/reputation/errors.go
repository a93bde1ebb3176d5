package reputation

import "errors"

// ErrUnknownDomain is returned when no statistics exist for a domain.
var ErrUnknownDomain = errors.New("no reputation recorded for domain")
