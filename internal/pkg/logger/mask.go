package logger

import (
	"regexp"
	"strings"
)

// Keys whose values always carry a recipient address.
var addressKeys = map[string]bool{
	"to":        true,
	"from":      true,
	"email":     true,
	"recipient": true,
	"address":   true,
}

var addressPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// maskValue masks address material in a field value. Non-string values
// pass through; addresses never hide inside ints or bools.
func maskValue(key string, val interface{}) interface{} {
	s, ok := val.(string)
	if !ok {
		return val
	}
	if addressKeys[strings.ToLower(key)] {
		return MaskAddress(s)
	}
	return addressPattern.ReplaceAllStringFunc(s, MaskAddress)
}

// MaskAddress keeps the domain and the first two characters of the
// local part: "carol.ops@example.org" becomes "ca***@example.org".
// Local parts of two characters or fewer are masked entirely.
func MaskAddress(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "***"
	}
	local, dom := addr[:at], addr[at+1:]
	if len(local) <= 2 {
		return "***@" + dom
	}
	return local[:2] + "***@" + dom
}
