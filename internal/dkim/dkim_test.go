package dkim

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emersion/go-msgauth/dkim"
)

const testMessage = "From: Jane <jane@example.com>\r\n" +
	"To: hr@acme.com\r\n" +
	"Subject: Application\r\n" +
	"Date: Mon, 2 Mar 2026 09:00:00 +0000\r\n" +
	"Message-ID: <1@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hello Acme\r\n"

func TestSignVerify(t *testing.T) {
	kp, err := GenerateKey("example.com", "followup", 1024)
	if err != nil {
		t.Fatal(err)
	}
	record, err := kp.DNSRecord()
	if err != nil {
		t.Fatal(err)
	}

	signer := NewSigner(kp.PrivateKey, "example.com", "followup")
	signed, err := signer.Sign([]byte(testMessage))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !bytes.HasPrefix(signed, []byte("DKIM-Signature:")) {
		t.Fatal("signed message does not start with DKIM-Signature")
	}

	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(signed), &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			if domain != kp.DNSName() {
				t.Errorf("lookup for %q, want %q", domain, kp.DNSName())
			}
			return []string{record}, nil
		},
	})
	if err != nil {
		t.Fatalf("VerifyWithOptions() error = %v", err)
	}
	if len(verifications) != 1 || verifications[0].Err != nil {
		t.Fatalf("verification failed: %+v", verifications)
	}
	if verifications[0].Domain != "example.com" {
		t.Errorf("verified domain = %q", verifications[0].Domain)
	}
}

func TestKeyPairFiles(t *testing.T) {
	kp, err := GenerateKey("example.com", "sel", 1024)
	if err != nil {
		t.Fatal(err)
	}
	if kp.DNSName() != "sel._domainkey.example.com" {
		t.Errorf("DNSName() = %q", kp.DNSName())
	}
	record, _ := kp.DNSRecord()
	if !strings.HasPrefix(record, "v=DKIM1; k=rsa; p=") {
		t.Errorf("DNSRecord() = %q", record)
	}

	path := filepath.Join(t.TempDir(), "keys", "dkim.pem")
	if err := kp.SavePrivateKey(path); err != nil {
		t.Fatalf("SavePrivateKey() error = %v", err)
	}
	if err := kp.SavePrivateKey(path); err == nil {
		t.Error("SavePrivateKey() overwrote an existing key")
	}

	signer, err := NewSignerFromFile(path, "example.com", "sel")
	if err != nil {
		t.Fatalf("NewSignerFromFile() error = %v", err)
	}
	if !signer.key.Equal(kp.PrivateKey) {
		t.Error("loaded key differs from saved key")
	}
	if signer.Domain() != "example.com" || signer.Selector() != "sel" {
		t.Errorf("signer identity = %s/%s", signer.Domain(), signer.Selector())
	}

	if _, err := LoadPrivateKey(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Error("LoadPrivateKey() on missing file should fail")
	}
}
