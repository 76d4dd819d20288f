package resend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/foxzi/followup/internal/dispatch"
	"github.com/foxzi/followup/internal/secret"
)

type mockSecrets map[string]string

func (m mockSecrets) Get(account string) (string, error) {
	v, ok := m[account]
	if !ok {
		return "", secret.ErrNotFound
	}
	return v, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCheckCredentials(t *testing.T) {
	ctx := context.Background()

	if err := New(mockSecrets{}, "", testLogger()).CheckCredentials(ctx); !errors.Is(err, dispatch.ErrCredentialsMissing) {
		t.Errorf("missing key: error = %v, want ErrCredentialsMissing", err)
	}
	if err := New(nil, "", testLogger()).CheckCredentials(ctx); !errors.Is(err, dispatch.ErrCredentialsMissing) {
		t.Errorf("no store: error = %v, want ErrCredentialsMissing", err)
	}
	if err := New(mockSecrets{"resend": "re_123"}, "", testLogger()).CheckCredentials(ctx); err != nil {
		t.Errorf("stored key: error = %v", err)
	}
}

func TestSend_CredentialsMissing(t *testing.T) {
	tr := New(mockSecrets{"other": "x"}, "resend", testLogger())
	err := tr.Send(context.Background(), &dispatch.Message{From: "me@example.com", To: "hr@acme.com"})
	if !errors.Is(err, dispatch.ErrCredentialsMissing) {
		t.Errorf("Send() error = %v, want ErrCredentialsMissing", err)
	}
}

func TestBuildRequest(t *testing.T) {
	dir := t.TempDir()
	cv := filepath.Join(dir, "cv.pdf")
	if err := os.WriteFile(cv, []byte("%PDF-1.4"), 0644); err != nil {
		t.Fatal(err)
	}

	req, err := buildRequest(&dispatch.Message{
		From:        "jane@example.com",
		FromName:    "Jane Doe",
		To:          "hr@acme.com",
		Subject:     "Application",
		Body:        "Hello",
		Attachments: []string{cv},
	})
	if err != nil {
		t.Fatalf("buildRequest() error = %v", err)
	}

	if req.From != `"Jane Doe" <jane@example.com>` {
		t.Errorf("From = %q", req.From)
	}
	if len(req.To) != 1 || req.To[0] != "hr@acme.com" || req.Text != "Hello" {
		t.Errorf("request = %+v", req)
	}
	if len(req.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(req.Attachments))
	}
	att := req.Attachments[0]
	if att.Filename != "cv.pdf" || att.ContentType != "application/pdf" || string(att.Content) != "%PDF-1.4" {
		t.Errorf("attachment = %+v", att)
	}
}

func TestBuildRequest_MissingAttachment(t *testing.T) {
	_, err := buildRequest(&dispatch.Message{
		From:        "jane@example.com",
		To:          "hr@acme.com",
		Attachments: []string{filepath.Join(t.TempDir(), "missing.pdf")},
	})
	if !errors.Is(err, dispatch.ErrTransportOther) {
		t.Errorf("error = %v, want ErrTransportOther", err)
	}
}
