package dkim

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrazend/mailroom/internal/domain"
)

func TestCanonicalizeBodyRelaxed(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		// RFC 6376 3.4.5 example.
		{" C \r\nD \t E\r\n\r\n\r\n", " C\r\nD E\r\n"},
		{"", ""},
		{"\r\n\r\n", ""},
		{"hello", "hello\r\n"},
		{"hello\r\n", "hello\r\n"},
		{"a  b\tc  \r\nnext", "a b c\r\nnext\r\n"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, canonicalizeBody(tc.in), "input %q", tc.in)
	}
}

func TestCanonicalizeHeaderRelaxed(t *testing.T) {
	assert.Equal(t, "a:X", canonicalizeHeader("A", " X "))
	assert.Equal(t, "b:Y Z", canonicalizeHeader("B ", " Y\t\r\n\tZ  "))
	assert.Equal(t, "from:Alice <alice@example.com>",
		canonicalizeHeader("From", "Alice   <alice@example.com>"))
}

func testKey(t *testing.T) (*domain.DKIMKey, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	return &domain.DKIMKey{
		ID:               "k1",
		DomainID:         "d1",
		Domain:           "example.com",
		Selector:         "default",
		PrivateKeyPEM:    string(privPEM),
		PublicKeyBase64:  base64.StdEncoding.EncodeToString(pubDER),
		Algorithm:        domain.DKIMAlgorithm,
		Canonicalization: domain.DKIMCanonicalization,
		KeySize:          1024,
		Active:           true,
	}, priv
}

func tagValue(t *testing.T, sigHeader, tag string) string {
	t.Helper()
	for _, part := range strings.Split(sigHeader, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, tag+"=") {
			return part[len(tag)+1:]
		}
	}
	t.Fatalf("tag %s not found in %q", tag, sigHeader)
	return ""
}

func TestSignProducesVerifiableSignature(t *testing.T) {
	key, priv := testKey(t)
	headers := []Header{
		{Name: "From", Value: "Alice <alice@example.com>"},
		{Name: "To", Value: "bob@example.org"},
		{Name: "Subject", Value: "Hello"},
		{Name: "Date", Value: "Mon, 24 Aug 2026 10:00:00 +0000"},
		{Name: "Message-ID", Value: "<123@example.com>"},
	}
	body := "Hi Bob,\r\n\r\nthis is a test.\r\n"

	sigHeader, err := Sign(key, headers, body)
	require.NoError(t, err)

	assert.Equal(t, "1", tagValue(t, sigHeader, "v"))
	assert.Equal(t, "rsa-sha256", tagValue(t, sigHeader, "a"))
	assert.Equal(t, "relaxed/relaxed", tagValue(t, sigHeader, "c"))
	assert.Equal(t, "example.com", tagValue(t, sigHeader, "d"))
	assert.Equal(t, "default", tagValue(t, sigHeader, "s"))
	assert.Equal(t, "from:to:subject:date:message-id", tagValue(t, sigHeader, "h"))

	// Recompute the body hash with the receiver-side canonicalizer.
	bodyHash := sha256.Sum256([]byte(verifierBody(body)))
	assert.Equal(t, base64.StdEncoding.EncodeToString(bodyHash[:]), tagValue(t, sigHeader, "bh"))

	// Verify b= the way a receiver would: pick the signed headers from
	// the h= tag, rebuild the signed data with b= emptied, and check
	// the RSA signature.
	b := tagValue(t, sigHeader, "b")
	sig, err := base64.StdEncoding.DecodeString(b)
	require.NoError(t, err)

	byName := make(map[string]string, len(headers))
	for _, h := range headers {
		byName[strings.ToLower(h.Name)] = h.Value
	}
	var buf strings.Builder
	for _, name := range strings.Split(tagValue(t, sigHeader, "h"), ":") {
		val, ok := byName[name]
		require.True(t, ok, "h= names a header the message lacks: %s", name)
		buf.WriteString(verifierHeader(name, val))
		buf.WriteString("\r\n")
	}
	unsigned := sigHeader[:strings.LastIndex(sigHeader, "; b=")+4]
	buf.WriteString(verifierHeader("DKIM-Signature", unsigned))

	digest := sha256.Sum256([]byte(buf.String()))
	assert.NoError(t, rsa.VerifyPKCS1v15(&priv.PublicKey, crypto.SHA256, digest[:], sig))
}

// verifierHeader is a receiver-side relaxed header canonicalizer, kept
// deliberately separate from the signing code so the two cannot share a
// bug: lowercased name, folded value flattened to single spaces.
func verifierHeader(name, folded string) string {
	flat := strings.NewReplacer("\r\n", " ", "\n", " ").Replace(folded)
	return strings.ToLower(strings.TrimSpace(name)) + ":" + strings.Join(strings.Fields(flat), " ")
}

// verifierBody is a receiver-side relaxed body canonicalizer. A WSP run
// becomes one space only when more text follows it on the line, so
// trailing whitespace vanishes while interior and leading runs survive
// as a single space. Trailing empty lines are dropped and a non-empty
// body ends with exactly one CRLF.
func verifierBody(raw string) string {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	out := make([]string, len(lines))
	for i, line := range lines {
		var b []byte
		pendingWSP := false
		for j := 0; j < len(line); j++ {
			switch c := line[j]; c {
			case ' ', '\t':
				pendingWSP = true
			default:
				if pendingWSP {
					b = append(b, ' ')
					pendingWSP = false
				}
				b = append(b, c)
			}
		}
		out[i] = string(b)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, "\r\n") + "\r\n"
}

// The two canonicalizer implementations must agree on the tricky cases,
// including the RFC 6376 3.4.5 example.
func TestVerifierCanonicalizersAgree(t *testing.T) {
	bodies := []string{
		" C \r\nD \t E\r\n\r\n\r\n",
		"",
		"\r\n\r\n",
		"hello",
		"a  b\tc  \r\nnext",
		"Hi Bob,\r\n\r\nthis is a test.\r\n",
	}
	for _, body := range bodies {
		assert.Equal(t, canonicalizeBody(body), verifierBody(body), "body %q", body)
	}

	values := [][2]string{
		{"A", " X "},
		{"B ", " Y\t\r\n\tZ  "},
		{"From", "Alice   <alice@example.com>"},
	}
	for _, v := range values {
		assert.Equal(t, canonicalizeHeader(v[0], v[1]), verifierHeader(v[0], v[1]), "header %q", v)
	}
}

func TestSignSkipsMissingHeaders(t *testing.T) {
	key, _ := testKey(t)
	headers := []Header{
		{Name: "From", Value: "alice@example.com"},
		{Name: "To", Value: "bob@example.org"},
		{Name: "Subject", Value: "no date or message-id"},
	}

	sigHeader, err := Sign(key, headers, "body\r\n")
	require.NoError(t, err)
	assert.Equal(t, "from:to:subject", tagValue(t, sigHeader, "h"))
}

func TestSignRejectsBadKey(t *testing.T) {
	key, _ := testKey(t)
	key.PrivateKeyPEM = "not a pem"

	_, err := Sign(key, []Header{{Name: "From", Value: "a@b.c"}}, "x")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
