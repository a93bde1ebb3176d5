package smtp

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ultrazend/mailroom/internal/dkim"
	"github.com/ultrazend/mailroom/internal/domain"
)

// Message is a fully assembled outbound message, split so the DKIM
// signer can hash headers and body separately before the wire form is
// produced.
type Message struct {
	Headers []dkim.Header
	Body    string
}

// Build assembles the MIME message for a delivery job. User-supplied
// headers are carried over unless they collide with a structural header
// the builder owns.
func Build(job *domain.DeliveryJob) (*Message, error) {
	if job.TextBody == "" && job.HTMLBody == "" {
		return nil, fmt.Errorf("job %s has no body", job.ID)
	}

	headers := []dkim.Header{
		{Name: "From", Value: job.FromEmail},
		{Name: "To", Value: job.ToEmail},
		{Name: "Subject", Value: job.Subject},
		{Name: "Date", Value: time.Now().UTC().Format(time.RFC1123Z)},
		{Name: "Message-ID", Value: "<" + job.MessageID + ">"},
		{Name: "MIME-Version", Value: "1.0"},
	}

	var body string
	switch {
	case job.TextBody != "" && job.HTMLBody != "":
		boundary, err := randomBoundary()
		if err != nil {
			return nil, err
		}
		headers = append(headers, dkim.Header{
			Name:  "Content-Type",
			Value: `multipart/alternative; boundary="` + boundary + `"`,
		})
		var b strings.Builder
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		b.WriteString(toCRLF(job.TextBody))
		b.WriteString("\r\n--" + boundary + "\r\n")
		b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		b.WriteString(toCRLF(job.HTMLBody))
		b.WriteString("\r\n--" + boundary + "--\r\n")
		body = b.String()
	case job.HTMLBody != "":
		headers = append(headers, dkim.Header{Name: "Content-Type", Value: "text/html; charset=utf-8"})
		body = toCRLF(job.HTMLBody)
	default:
		headers = append(headers, dkim.Header{Name: "Content-Type", Value: "text/plain; charset=utf-8"})
		body = toCRLF(job.TextBody)
	}

	// User headers, deterministic order, structural names excluded.
	reserved := make(map[string]bool, len(headers))
	for _, h := range headers {
		reserved[strings.ToLower(h.Name)] = true
	}
	reserved["dkim-signature"] = true

	names := make([]string, 0, len(job.Headers))
	for name := range job.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if reserved[strings.ToLower(name)] {
			continue
		}
		headers = append(headers, dkim.Header{Name: name, Value: job.Headers[name]})
	}

	return &Message{Headers: headers, Body: body}, nil
}

// Raw renders the wire form, prepending the DKIM-Signature header when
// one was produced.
func (m *Message) Raw(dkimSignature string) []byte {
	var b strings.Builder
	if dkimSignature != "" {
		b.WriteString("DKIM-Signature: " + dkimSignature + "\r\n")
	}
	for _, h := range m.Headers {
		b.WriteString(h.Name + ": " + h.Value + "\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(m.Body)
	return []byte(b.String())
}

func toCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func randomBoundary() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate boundary: %w", err)
	}
	return "=_" + hex.EncodeToString(buf[:]), nil
}
