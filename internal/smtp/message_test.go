package smtp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrazend/mailroom/internal/domain"
)

func testJob() *domain.DeliveryJob {
	return &domain.DeliveryJob{
		ID:        "j1",
		MessageID: "1724500000000.abc123@acme.example",
		FromEmail: "news@acme.example",
		ToEmail:   "bob@example.org",
		Subject:   "Welcome",
		TextBody:  "Hello Bob\nWelcome aboard.",
	}
}

func headerValue(m *Message, name string) string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func TestBuildTextOnly(t *testing.T) {
	m, err := Build(testJob())
	require.NoError(t, err)

	assert.Equal(t, "news@acme.example", headerValue(m, "From"))
	assert.Equal(t, "<1724500000000.abc123@acme.example>", headerValue(m, "Message-ID"))
	assert.Equal(t, "text/plain; charset=utf-8", headerValue(m, "Content-Type"))
	assert.Equal(t, "Hello Bob\r\nWelcome aboard.", m.Body)
}

func TestBuildMultipartAlternative(t *testing.T) {
	job := testJob()
	job.HTMLBody = "<p>Hello Bob</p>"

	m, err := Build(job)
	require.NoError(t, err)

	ct := headerValue(m, "Content-Type")
	assert.Contains(t, ct, "multipart/alternative")
	require.Contains(t, ct, `boundary="`)
	boundary := ct[strings.Index(ct, `boundary="`)+len(`boundary="`) : len(ct)-1]

	assert.Contains(t, m.Body, "--"+boundary+"\r\n")
	assert.Contains(t, m.Body, "--"+boundary+"--")
	assert.Contains(t, m.Body, "text/plain")
	assert.Contains(t, m.Body, "text/html")
}

func TestBuildRejectsEmptyBody(t *testing.T) {
	job := testJob()
	job.TextBody = ""

	_, err := Build(job)
	assert.Error(t, err)
}

func TestUserHeadersCarriedNotStructural(t *testing.T) {
	job := testJob()
	job.Headers = map[string]string{
		"X-Campaign":     "launch-42",
		"From":           "spoof@evil.example",
		"DKIM-Signature": "v=1; forged",
	}

	m, err := Build(job)
	require.NoError(t, err)

	assert.Equal(t, "launch-42", headerValue(m, "X-Campaign"))
	assert.Equal(t, "news@acme.example", headerValue(m, "From"))

	count := 0
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, "DKIM-Signature") || strings.EqualFold(h.Name, "From") {
			count++
		}
	}
	assert.Equal(t, 1, count, "only the structural From survives")
}

func TestRawPrependsSignature(t *testing.T) {
	m, err := Build(testJob())
	require.NoError(t, err)

	raw := string(m.Raw("v=1; a=rsa-sha256; b=abc"))
	assert.True(t, strings.HasPrefix(raw, "DKIM-Signature: v=1; a=rsa-sha256; b=abc\r\n"))
	assert.Contains(t, raw, "\r\n\r\nHello Bob\r\n")

	unsigned := string(m.Raw(""))
	assert.False(t, strings.Contains(unsigned, "DKIM-Signature"))
}
