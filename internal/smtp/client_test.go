package smtp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/foxzi/followup/internal/dispatch"
	"github.com/foxzi/followup/internal/secret"
)

type received struct {
	from string
	to   []string
	data string
}

type testBackend struct {
	user, pass string
	rejectRcpt string

	mu       sync.Mutex
	messages []received
}

func (b *testBackend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	return &testSession{b: b}, nil
}

func (b *testBackend) received() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.messages...)
}

type testSession struct {
	b      *testBackend
	authed bool
	from   string
	to     []string
}

func (s *testSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *testSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.b.user || password != s.b.pass {
			return gosmtp.ErrAuthFailed
		}
		s.authed = true
		return nil
	}), nil
}

func (s *testSession) Mail(from string, opts *gosmtp.MailOptions) error {
	if s.b.user != "" && !s.authed {
		return gosmtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *testSession) Rcpt(to string, opts *gosmtp.RcptOptions) error {
	if to == s.b.rejectRcpt {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "User unknown",
		}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.b.mu.Lock()
	s.b.messages = append(s.b.messages, received{from: s.from, to: s.to, data: string(data)})
	s.b.mu.Unlock()
	return nil
}

func (s *testSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *testSession) Logout() error {
	return nil
}

func startServer(t *testing.T, be *testBackend) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := gosmtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	addr := l.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

type staticSecrets map[string]string

func (s staticSecrets) Get(account string) (string, error) {
	if p, ok := s[account]; ok {
		return p, nil
	}
	return "", secret.ErrNotFound
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(host string, port int, secrets SecretSource) *Client {
	return NewClient(Config{
		Host:     host,
		Port:     port,
		TLS:      TLSNone,
		Username: "me@example.com",
		Timeout:  3 * time.Second,
	}, secrets, testLogger())
}

func testMessage(to string) *dispatch.Message {
	return &dispatch.Message{
		From:     "me@example.com",
		FromName: "Jane Doe",
		To:       to,
		Subject:  "Application",
		Body:     "Hello Acme",
	}
}

func TestClient_Send(t *testing.T) {
	be := &testBackend{user: "me@example.com", pass: "secret"}
	host, port := startServer(t, be)

	c := newTestClient(host, port, staticSecrets{"me@example.com": "secret"})
	if err := c.Send(context.Background(), testMessage("hr@acme.com")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msgs := be.received()
	if len(msgs) != 1 {
		t.Fatalf("received %d messages, want 1", len(msgs))
	}
	if msgs[0].from != "me@example.com" || len(msgs[0].to) != 1 || msgs[0].to[0] != "hr@acme.com" {
		t.Errorf("envelope = %+v", msgs[0])
	}
	if !strings.Contains(msgs[0].data, "Hello Acme") || !strings.Contains(msgs[0].data, "Subject: Application") {
		t.Errorf("data = %q", msgs[0].data)
	}
}

func TestClient_AuthFailure(t *testing.T) {
	be := &testBackend{user: "me@example.com", pass: "secret"}
	host, port := startServer(t, be)

	c := newTestClient(host, port, staticSecrets{"me@example.com": "wrong"})
	err := c.Send(context.Background(), testMessage("hr@acme.com"))
	if !errors.Is(err, dispatch.ErrTransportAuth) {
		t.Fatalf("Send() error = %v, want ErrTransportAuth", err)
	}

	var de *DeliveryError
	if !errors.As(err, &de) || de.Code != 535 {
		t.Errorf("DeliveryError = %+v, want code 535", de)
	}
	if len(be.received()) != 0 {
		t.Error("message accepted after failed auth")
	}
}

func TestClient_RecipientRejected(t *testing.T) {
	be := &testBackend{user: "me@example.com", pass: "secret", rejectRcpt: "gone@acme.com"}
	host, port := startServer(t, be)

	c := newTestClient(host, port, staticSecrets{"me@example.com": "secret"})
	err := c.Send(context.Background(), testMessage("gone@acme.com"))
	if !errors.Is(err, dispatch.ErrTransportOther) {
		t.Fatalf("Send() error = %v, want ErrTransportOther", err)
	}
	if !strings.Contains(err.Error(), "550") {
		t.Errorf("error %q does not carry the reply code", err)
	}
}

func TestClient_CredentialsMissing(t *testing.T) {
	c := newTestClient("127.0.0.1", 1, staticSecrets{})

	if err := c.CheckCredentials(context.Background()); !errors.Is(err, dispatch.ErrCredentialsMissing) {
		t.Errorf("CheckCredentials() error = %v, want ErrCredentialsMissing", err)
	}
	if err := c.Send(context.Background(), testMessage("hr@acme.com")); !errors.Is(err, dispatch.ErrCredentialsMissing) {
		t.Errorf("Send() error = %v, want ErrCredentialsMissing", err)
	}

	anonymous := NewClient(Config{Host: "127.0.0.1", Port: 1}, nil, testLogger())
	if err := anonymous.CheckCredentials(context.Background()); err != nil {
		t.Errorf("CheckCredentials() without username error = %v", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	// Accepts connections but never greets
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	addr := l.Addr().(*net.TCPAddr)
	c := NewClient(Config{
		Host:    addr.IP.String(),
		Port:    addr.Port,
		TLS:     TLSNone,
		Timeout: 200 * time.Millisecond,
	}, nil, testLogger())

	start := time.Now()
	err = c.Send(context.Background(), testMessage("hr@acme.com"))
	if !errors.Is(err, dispatch.ErrTransportTimeout) {
		t.Fatalf("Send() error = %v, want ErrTransportTimeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Send() took %s, timeout not applied", time.Since(start))
	}
}

func TestClient_TestConnection(t *testing.T) {
	be := &testBackend{user: "me@example.com", pass: "secret"}
	host, port := startServer(t, be)

	if err := newTestClient(host, port, staticSecrets{"me@example.com": "secret"}).TestConnection(context.Background()); err != nil {
		t.Errorf("TestConnection() error = %v", err)
	}
	if err := newTestClient(host, port, staticSecrets{"me@example.com": "bad"}).TestConnection(context.Background()); !errors.Is(err, dispatch.ErrTransportAuth) {
		t.Errorf("TestConnection() with bad password error = %v, want ErrTransportAuth", err)
	}
}

func TestClient_StartTLSRequired(t *testing.T) {
	be := &testBackend{}
	host, port := startServer(t, be)

	c := NewClient(Config{Host: host, Port: port, TLS: TLSStartTLS, Timeout: 3 * time.Second}, nil, testLogger())
	err := c.Send(context.Background(), testMessage("hr@acme.com"))
	if !errors.Is(err, dispatch.ErrTransportOther) || !strings.Contains(err.Error(), "STARTTLS") {
		t.Errorf("Send() error = %v, want STARTTLS failure", err)
	}
}
