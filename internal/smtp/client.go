// Package smtp implements the outbound SMTP transaction against a
// recipient MX or a configured smart host.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/ultrazend/mailroom/internal/pkg/logger"
)

// Config holds egress transport settings.
type Config struct {
	// Hostname is announced on EHLO.
	Hostname string
	// SmartHost relays all mail through host:port when set; otherwise
	// delivery goes directly to the recipient MX.
	SmartHost     string
	SmartHostUser string
	SmartHostPass string
	// ConnectTimeout bounds dial, greeting, and each command.
	ConnectTimeout time.Duration
}

// Result describes a completed (accepted) SMTP transaction.
type Result struct {
	MXServer   string
	DurationMs int64
}

// RemoteError is a definitive SMTP rejection from the remote server.
// Transport failures (dial, TLS, timeouts) are returned as plain errors
// and never carry this type.
type RemoteError struct {
	MXServer string
	Code     int
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

// Temporary reports whether the rejection was a 4xx.
func (e *RemoteError) Temporary() bool { return e.Code >= 400 && e.Code < 500 }

// Client sends messages over SMTP with opportunistic STARTTLS against
// recipient MXes, or mandatory STARTTLS plus AUTH against a smart host.
type Client struct {
	cfg      Config
	resolver *net.Resolver
}

// NewClient creates an egress SMTP client.
func NewClient(cfg Config) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &Client{cfg: cfg, resolver: net.DefaultResolver}
}

// Send delivers the raw message to the recipient. It returns the MX
// that accepted the message, or a RemoteError on SMTP rejection, or a
// plain error when no host could be reached.
func (c *Client) Send(ctx context.Context, from, to string, raw []byte) (*Result, error) {
	hosts, err := c.targetHosts(ctx, to)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var lastErr error
	for _, host := range hosts {
		err := c.sendToHost(ctx, host, from, to, raw)
		if err == nil {
			return &Result{
				MXServer:   host,
				DurationMs: time.Since(start).Milliseconds(),
			}, nil
		}
		var remote *RemoteError
		if errors.As(err, &remote) {
			// The server answered; trying another MX would just repeat
			// the same policy decision.
			return nil, err
		}
		lastErr = err
		logger.Debug("mx host unreachable", "host", host, "error", err.Error())
	}
	return nil, fmt.Errorf("all hosts failed for %s: %w", to, lastErr)
}

func (c *Client) targetHosts(ctx context.Context, to string) ([]string, error) {
	if c.cfg.SmartHost != "" {
		return []string{c.cfg.SmartHost}, nil
	}

	parts := strings.SplitN(to, "@", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("malformed recipient %q", to)
	}
	domainName := parts[1]

	mxs, err := c.resolver.LookupMX(ctx, domainName)
	if err != nil || len(mxs) == 0 {
		// RFC 5321 implicit MX: fall back to the domain's A record.
		return []string{net.JoinHostPort(domainName, "25")}, nil
	}
	sort.Slice(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })

	hosts := make([]string, 0, len(mxs))
	for _, mx := range mxs {
		hosts = append(hosts, net.JoinHostPort(strings.TrimSuffix(mx.Host, "."), "25"))
	}
	return hosts, nil
}

func (c *Client) sendToHost(ctx context.Context, addr, from, to string, raw []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		addr = net.JoinHostPort(addr, "25")
	}

	client, err := c.connect(ctx, addr, host)
	if err != nil {
		return err
	}
	defer client.Close()
	client.CommandTimeout = c.cfg.ConnectTimeout
	client.SubmissionTimeout = c.cfg.ConnectTimeout

	if c.cfg.SmartHost != "" && c.cfg.SmartHostUser != "" {
		auth := sasl.NewPlainClient("", c.cfg.SmartHostUser, c.cfg.SmartHostPass)
		if err := client.Auth(auth); err != nil {
			if ok, _ := client.Extension("AUTH"); ok {
				loginErr := client.Auth(sasl.NewLoginClient(c.cfg.SmartHostUser, c.cfg.SmartHostPass))
				if loginErr != nil {
					return c.wrapSMTP(host, "AUTH", loginErr)
				}
			} else {
				return c.wrapSMTP(host, "AUTH", err)
			}
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return c.wrapSMTP(host, "MAIL FROM", err)
	}
	if err := client.Rcpt(to, nil); err != nil {
		return c.wrapSMTP(host, "RCPT TO", err)
	}

	w, err := client.Data()
	if err != nil {
		return c.wrapSMTP(host, "DATA", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", host, err)
	}
	if err := w.Close(); err != nil {
		return c.wrapSMTP(host, "DATA close", err)
	}

	if err := client.Quit(); err != nil {
		logger.Debug("quit failed after accepted message", "host", host, "error", err.Error())
	}
	return nil
}

// connect dials addr and negotiates the transport policy: STARTTLS when
// the server offers it, cleartext fallback for direct MX delivery, and
// never cleartext when smart-host credentials are configured.
func (c *Client) connect(ctx context.Context, addr, host string) (*gosmtp.Client, error) {
	dialer := &net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	tlsCfg := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	client, tlsErr := gosmtp.NewClientStartTLS(conn, tlsCfg)
	if tlsErr == nil {
		return client, nil
	}
	// NewClientStartTLS closed the connection on failure.
	if c.cfg.SmartHost != "" && c.cfg.SmartHostUser != "" {
		// Never authenticate over a cleartext channel.
		return nil, fmt.Errorf("starttls %s: %w", host, tlsErr)
	}
	var se *gosmtp.SMTPError
	if errors.As(tlsErr, &se) && se.Code >= 500 {
		return nil, c.wrapSMTP(host, "STARTTLS", tlsErr)
	}
	logger.Debug("starttls unavailable, continuing in clear", "host", host, "error", tlsErr.Error())

	conn, err = dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	client = gosmtp.NewClient(conn)
	if err := client.Hello(c.cfg.Hostname); err != nil {
		client.Close()
		return nil, c.wrapSMTP(host, "EHLO", err)
	}
	return client, nil
}

// wrapSMTP converts a server rejection into a RemoteError; anything
// else stays a transport error.
func (c *Client) wrapSMTP(host, phase string, err error) error {
	var se *gosmtp.SMTPError
	if errors.As(err, &se) {
		return &RemoteError{MXServer: host, Code: se.Code, Message: se.Message}
	}
	return fmt.Errorf("%s %s: %w", phase, host, err)
}
