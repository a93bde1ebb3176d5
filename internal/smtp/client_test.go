package smtp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedMessage struct {
	From string
	To   []string
	Data string
}

type testBackend struct {
	rcptErr  error
	messages []capturedMessage
}

type testSession struct {
	backend *testBackend
	current capturedMessage
}

func (b *testBackend) NewSession(*gosmtp.Conn) (gosmtp.Session, error) {
	return &testSession{backend: b}, nil
}

func (s *testSession) Mail(from string, _ *gosmtp.MailOptions) error {
	s.current = capturedMessage{From: from}
	return nil
}

func (s *testSession) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if s.backend.rcptErr != nil {
		return s.backend.rcptErr
	}
	s.current.To = append(s.current.To, to)
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.current.Data = string(data)
	s.backend.messages = append(s.backend.messages, s.current)
	return nil
}

func (s *testSession) Reset()        {}
func (s *testSession) Logout() error { return nil }

func startServer(t *testing.T, be *testBackend) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := gosmtp.NewServer(be)
	srv.Domain = "mx.test"
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return l.Addr().String()
}

func TestSendThroughSmartHost(t *testing.T) {
	be := &testBackend{}
	addr := startServer(t, be)

	c := NewClient(Config{
		Hostname:       "mailroom.test",
		SmartHost:      addr,
		ConnectTimeout: 5 * time.Second,
	})

	raw := []byte("From: a@b.test\r\nTo: c@d.test\r\nSubject: hi\r\n\r\nbody\r\n")
	res, err := c.Send(context.Background(), "a@b.test", "c@d.test", raw)
	require.NoError(t, err)
	assert.NotZero(t, res.MXServer)

	require.Len(t, be.messages, 1)
	assert.Equal(t, "a@b.test", be.messages[0].From)
	assert.Equal(t, []string{"c@d.test"}, be.messages[0].To)
	assert.True(t, strings.Contains(be.messages[0].Data, "body"))
}

func TestSendSurfacesRemoteRejection(t *testing.T) {
	be := &testBackend{rcptErr: &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
		Message:      "user unknown",
	}}
	addr := startServer(t, be)

	c := NewClient(Config{
		Hostname:       "mailroom.test",
		SmartHost:      addr,
		ConnectTimeout: 5 * time.Second,
	})

	_, err := c.Send(context.Background(), "a@b.test", "gone@d.test", []byte("x"))
	var remote *RemoteError
	require.True(t, errors.As(err, &remote), "want RemoteError, got %v", err)
	assert.Equal(t, 550, remote.Code)
	assert.False(t, remote.Temporary())
	assert.Contains(t, remote.Message, "user unknown")
}

func TestSmartHostCredentialsRequireTLS(t *testing.T) {
	// The server offers no STARTTLS, so the authenticated smart-host
	// path must refuse to proceed rather than send credentials in clear.
	be := &testBackend{}
	addr := startServer(t, be)

	c := NewClient(Config{
		Hostname:       "mailroom.test",
		SmartHost:      addr,
		SmartHostUser:  "relay",
		SmartHostPass:  "secret",
		ConnectTimeout: 5 * time.Second,
	})

	_, err := c.Send(context.Background(), "a@b.test", "c@d.test", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starttls")
	assert.Empty(t, be.messages)
}

func TestSendTransportErrorIsNotRemote(t *testing.T) {
	// Nothing listens here.
	c := NewClient(Config{
		Hostname:       "mailroom.test",
		SmartHost:      "127.0.0.1:1",
		ConnectTimeout: time.Second,
	})

	_, err := c.Send(context.Background(), "a@b.test", "c@d.test", []byte("x"))
	require.Error(t, err)
	var remote *RemoteError
	assert.False(t, errors.As(err, &remote))
}

func TestTemporaryClassification(t *testing.T) {
	assert.True(t, (&RemoteError{Code: 451}).Temporary())
	assert.False(t, (&RemoteError{Code: 550}).Temporary())
}
