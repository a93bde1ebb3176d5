package dkim

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ultrazend/mailroom/internal/domain"
)

// Header is one message header field as it will appear on the wire.
type Header struct {
	Name  string
	Value string
}

// signedHeaderNames is the fixed h= list, in signing order.
var signedHeaderNames = []string{"from", "to", "subject", "date", "message-id"}

var wsRun = regexp.MustCompile(`[ \t]+`)

// canonicalizeBody applies relaxed body canonicalization: interior
// whitespace runs collapse to a single space, trailing whitespace on
// each line is stripped, trailing empty lines are removed, and a
// non-empty body ends in exactly one CRLF.
func canonicalizeBody(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		line = wsRun.ReplaceAllString(line, " ")
		lines[i] = strings.TrimRight(line, " ")
	}
	out := strings.Join(lines, "\r\n")
	out = strings.TrimRight(out, "\r\n")
	if out == "" {
		return ""
	}
	return out + "\r\n"
}

// canonicalizeHeader applies relaxed header canonicalization to one
// field: lowercased name, unfolded value with whitespace collapsed.
func canonicalizeHeader(name, value string) string {
	value = strings.ReplaceAll(value, "\r\n", " ")
	value = strings.ReplaceAll(value, "\n", " ")
	value = wsRun.ReplaceAllString(value, " ")
	value = strings.Trim(value, " ")
	return strings.ToLower(strings.TrimSpace(name)) + ":" + value
}

// Sign produces the value of a DKIM-Signature header for the message.
// The caller prepends "DKIM-Signature: " and inserts it ahead of the
// signed headers. Missing headers from the h= list are skipped, which
// RFC 6376 permits (a verifier treats absent fields as empty).
func Sign(key *domain.DKIMKey, headers []Header, body string) (string, error) {
	priv, err := ParsePrivateKey(key.PrivateKeyPEM)
	if err != nil {
		return "", err
	}

	bodyHash := sha256.Sum256([]byte(canonicalizeBody(body)))
	bh := base64.StdEncoding.EncodeToString(bodyHash[:])

	var signed []string
	var hList []string
	for _, want := range signedHeaderNames {
		for _, h := range headers {
			if strings.EqualFold(strings.TrimSpace(h.Name), want) {
				signed = append(signed, canonicalizeHeader(h.Name, h.Value))
				hList = append(hList, want)
				break
			}
		}
	}

	tags := fmt.Sprintf(
		"v=1; a=%s; c=%s; d=%s; s=%s; t=%d; h=%s; bh=%s; b=",
		key.Algorithm, key.Canonicalization, key.Domain, key.Selector,
		time.Now().Unix(), strings.Join(hList, ":"), bh,
	)

	var buf strings.Builder
	for _, h := range signed {
		buf.WriteString(h)
		buf.WriteString("\r\n")
	}
	buf.WriteString(canonicalizeHeader("DKIM-Signature", tags))

	digest := sha256.Sum256([]byte(buf.String()))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}

	return tags + base64.StdEncoding.EncodeToString(sig), nil
}
