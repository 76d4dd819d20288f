// Package smtp submits campaign messages to a mail submission server.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/followup/internal/dispatch"
	"github.com/foxzi/followup/internal/secret"
)

// TLS modes
const (
	TLSStartTLS = "starttls"
	TLSImplicit = "implicit"
	TLSNone     = "none"
)

// SecretSource looks up the password for an account
type SecretSource interface {
	Get(account string) (string, error)
}

// Signer signs a composed message
type Signer interface {
	Sign(message []byte) ([]byte, error)
}

// Config describes the submission server and the sending account
type Config struct {
	Host               string
	Port               int
	TLS                string
	Username           string
	HeloName           string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// DeliveryError is a failed submission. It unwraps to one of the dispatch
// transport sentinels.
type DeliveryError struct {
	Kind    error
	Stage   string
	Code    int
	Message string
}

func (e *DeliveryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s failed: %d %s", e.Stage, e.Code, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Stage, e.Message)
}

func (e *DeliveryError) Unwrap() error {
	return e.Kind
}

// Client submits messages over SMTP with authentication
type Client struct {
	cfg     Config
	secrets SecretSource
	signer  Signer
	logger  *slog.Logger
	now     func() time.Time
}

// NewClient creates a submission client. Credentials are read from secrets
// on every connection, so a password set while running is picked up.
func NewClient(cfg Config, secrets SecretSource, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = dispatch.DefaultTimeout
	}
	if cfg.TLS == "" {
		cfg.TLS = TLSStartTLS
	}
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	return &Client{
		cfg:     cfg,
		secrets: secrets,
		logger:  logger,
		now:     time.Now,
	}
}

// SetSigner enables DKIM signing of outgoing messages
func (c *Client) SetSigner(s Signer) {
	c.signer = s
}

// CheckCredentials reports dispatch.ErrCredentialsMissing if the account
// needs a password and none is stored
func (c *Client) CheckCredentials(ctx context.Context) error {
	_, err := c.password()
	return err
}

func (c *Client) password() (string, error) {
	if c.cfg.Username == "" {
		return "", nil
	}
	if c.secrets == nil {
		return "", fmt.Errorf("%w: %s", dispatch.ErrCredentialsMissing, c.cfg.Username)
	}
	pass, err := c.secrets.Get(c.cfg.Username)
	if errors.Is(err, secret.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", dispatch.ErrCredentialsMissing, c.cfg.Username)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credentials: %w", err)
	}
	return pass, nil
}

// Send composes, optionally signs and submits msg
func (c *Client) Send(ctx context.Context, msg *dispatch.Message) error {
	data, err := Compose(msg, c.now())
	if err != nil {
		return &DeliveryError{Kind: dispatch.ErrTransportOther, Stage: "compose", Message: err.Error()}
	}

	if c.signer != nil {
		signed, err := c.signer.Sign(data)
		if err != nil {
			c.logger.Warn("DKIM signing failed, sending unsigned", "error", err)
		} else {
			data = signed
		}
	}

	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Mail(msg.From, nil); err != nil {
		return c.categorizeError(ctx, err, "MAIL FROM")
	}
	if err := client.Rcpt(msg.To, nil); err != nil {
		return c.categorizeError(ctx, err, "RCPT TO")
	}

	wc, err := client.Data()
	if err != nil {
		return c.categorizeError(ctx, err, "DATA")
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return c.categorizeError(ctx, err, "DATA write")
	}
	if err := wc.Close(); err != nil {
		return c.categorizeError(ctx, err, "DATA close")
	}

	client.Quit()

	c.logger.Debug("message submitted",
		"server", c.addr(),
		"to", msg.To,
		"bytes", len(data),
	)
	return nil
}

// TestConnection connects, authenticates and quits
func (c *Client) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Quit(); err != nil {
		return c.categorizeError(ctx, err, "QUIT")
	}
	return nil
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// connect dials the server and runs the greeting, TLS and AUTH steps
func (c *Client) connect(ctx context.Context) (*smtp.Client, error) {
	pass, err := c.password()
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		ServerName:         c.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.cfg.InsecureSkipVerify,
	}

	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	var conn net.Conn
	if c.cfg.TLS == TLSImplicit {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", c.addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.addr())
	}
	if err != nil {
		return nil, c.categorizeError(ctx, err, "connect")
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.cfg.Timeout)
	}
	conn.SetDeadline(deadline)

	client := smtp.NewClient(conn)
	// The client resets connection deadlines per command; keep them within
	// the remaining budget.
	remaining := time.Until(deadline)
	client.CommandTimeout = remaining
	client.SubmissionTimeout = remaining

	if err := client.Hello(c.cfg.HeloName); err != nil {
		client.Close()
		return nil, c.categorizeError(ctx, err, "EHLO")
	}

	if c.cfg.TLS == TLSStartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			client.Close()
			return nil, &DeliveryError{
				Kind:    dispatch.ErrTransportOther,
				Stage:   "STARTTLS",
				Message: "server does not support STARTTLS",
			}
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, c.categorizeError(ctx, err, "STARTTLS")
		}
	}

	if c.cfg.Username != "" {
		auth, err := c.saslClient(client, pass)
		if err != nil {
			client.Close()
			return nil, err
		}
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, c.categorizeError(ctx, err, "AUTH")
		}
	}

	return client, nil
}

// saslClient picks PLAIN, falling back to LOGIN when only LOGIN is offered
func (c *Client) saslClient(client *smtp.Client, pass string) (sasl.Client, error) {
	ok, params := client.Extension("AUTH")
	if !ok {
		return nil, &DeliveryError{
			Kind:    dispatch.ErrTransportAuth,
			Stage:   "AUTH",
			Message: "server does not offer authentication",
		}
	}

	mechs := strings.Fields(strings.ToUpper(params))
	for _, m := range mechs {
		if m == sasl.Plain {
			return sasl.NewPlainClient("", c.cfg.Username, pass), nil
		}
	}
	for _, m := range mechs {
		if m == sasl.Login {
			return sasl.NewLoginClient(c.cfg.Username, pass), nil
		}
	}
	return nil, &DeliveryError{
		Kind:    dispatch.ErrTransportAuth,
		Stage:   "AUTH",
		Message: "no supported mechanism in " + params,
	}
}

// categorizeError maps a client error onto the dispatch error kinds
func (c *Client) categorizeError(ctx context.Context, err error, stage string) *DeliveryError {
	de := &DeliveryError{Kind: dispatch.ErrTransportOther, Stage: stage, Message: err.Error()}

	var smtpErr *smtp.SMTPError
	var netErr net.Error
	switch {
	case errors.As(err, &smtpErr):
		de.Code = smtpErr.Code
		de.Message = smtpErr.Message
		switch smtpErr.Code {
		case 530, 534, 535, 538:
			de.Kind = dispatch.ErrTransportAuth
		}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		de.Kind = dispatch.ErrTransportTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		de.Kind = dispatch.ErrTransportTimeout
	case stage == "AUTH":
		de.Kind = dispatch.ErrTransportAuth
	}
	return de
}
