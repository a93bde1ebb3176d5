package suppression

import (
	"strings"

	"github.com/ultrazend/mailroom/internal/domain"
)

// Substring markers checked against the lowercased SMTP response.
// Permanent recipient failures come first, then policy rejections, then
// transient markers. Anything unrecognized is treated as soft so an
// ambiguous response never permanently blocks an address.
var (
	hardMarkers = []string{
		"5.1.1",
		"user unknown",
		"no such user",
		"mailbox not found",
		"recipient not found",
		"address rejected",
		"does not exist",
	}
	blockMarkers = []string{
		"5.7.1",
		"blocked",
		"blacklisted",
		"policy",
		"spam",
		"denied",
	}
	softMarkers = []string{
		"4.2.2",
		"4.3.1",
		"4.4.1",
		"try again",
		"temporar",
		"mailbox full",
		"over quota",
		"rate limit",
		"too many",
	}
)

// ClassifyBounce maps a raw SMTP failure response to a bounce type.
func ClassifyBounce(smtpResponse string) domain.BounceType {
	resp := strings.ToLower(smtpResponse)

	for _, m := range hardMarkers {
		if strings.Contains(resp, m) {
			return domain.BounceHard
		}
	}
	for _, m := range blockMarkers {
		if strings.Contains(resp, m) {
			return domain.BounceBlock
		}
	}
	for _, m := range softMarkers {
		if strings.Contains(resp, m) {
			return domain.BounceSoft
		}
	}
	// Generic 4.x.x enhanced status codes are transient.
	if strings.HasPrefix(strings.TrimSpace(resp), "4") {
		return domain.BounceSoft
	}
	return domain.BounceSoft
}
