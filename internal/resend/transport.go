// Package resend delivers campaign messages through the Resend HTTP API
// instead of SMTP submission.
package resend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/mail"
	"os"
	"path/filepath"

	"github.com/resend/resend-go/v3"

	"github.com/foxzi/followup/internal/dispatch"
	"github.com/foxzi/followup/internal/secret"
)

// DefaultKeyAccount is the secret store account holding the API key
const DefaultKeyAccount = "resend"

// SecretSource looks up the API key
type SecretSource interface {
	Get(account string) (string, error)
}

// Transport implements dispatch.Transport using the Resend API
type Transport struct {
	secrets SecretSource
	account string
	logger  *slog.Logger
}

// New creates a Resend transport. The API key is read from secrets on every
// send so a key stored while the server runs is picked up.
func New(secrets SecretSource, account string, logger *slog.Logger) *Transport {
	if account == "" {
		account = DefaultKeyAccount
	}
	return &Transport{secrets: secrets, account: account, logger: logger}
}

// CheckCredentials reports dispatch.ErrCredentialsMissing if no API key is stored
func (t *Transport) CheckCredentials(ctx context.Context) error {
	_, err := t.apiKey()
	return err
}

func (t *Transport) apiKey() (string, error) {
	if t.secrets == nil {
		return "", fmt.Errorf("%w: %s", dispatch.ErrCredentialsMissing, t.account)
	}
	key, err := t.secrets.Get(t.account)
	if errors.Is(err, secret.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", dispatch.ErrCredentialsMissing, t.account)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read API key: %w", err)
	}
	return key, nil
}

// Send submits msg to the Resend API
func (t *Transport) Send(ctx context.Context, msg *dispatch.Message) error {
	key, err := t.apiKey()
	if err != nil {
		return err
	}

	req, err := buildRequest(msg)
	if err != nil {
		return err
	}

	client := resend.NewClient(key)
	if _, err := client.Emails.SendWithContext(ctx, req); err != nil {
		return fmt.Errorf("resend: %w", err)
	}

	t.logger.Debug("message accepted", "to", msg.To)
	return nil
}

func buildRequest(msg *dispatch.Message) (*resend.SendEmailRequest, error) {
	from := msg.From
	if msg.FromName != "" {
		from = (&mail.Address{Name: msg.FromName, Address: msg.From}).String()
	}

	req := &resend.SendEmailRequest{
		From:    from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Body,
	}

	for _, path := range msg.Attachments {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: attachment %s: %v", dispatch.ErrTransportOther, path, err)
		}
		contentType := mime.TypeByExtension(filepath.Ext(path))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		req.Attachments = append(req.Attachments, &resend.Attachment{
			Filename:    filepath.Base(path),
			Content:     content,
			ContentType: contentType,
		})
	}

	return req, nil
}
