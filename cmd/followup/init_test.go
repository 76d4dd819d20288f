package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foxzi/followup/internal/config"
)

func TestGenerateRandomString(t *testing.T) {
	for _, length := range []int{8, 16, 32, 64} {
		if result := generateRandomString(length); len(result) != length {
			t.Errorf("generateRandomString(%d) returned string of length %d", length, len(result))
		}
	}

	if generateRandomString(32) == generateRandomString(32) {
		t.Error("generateRandomString should generate unique strings")
	}
}

func setInitFlags() {
	initEmail = "jane@example.com"
	initName = "Jane Doe"
	initTitle = "Backend Engineer"
	initSMTPHost = "smtp.example.com"
	initMode = "sandbox"
	initSendTime = "10:15"
	initAPIKey = "testapikey"
	initDataDir = "data"
}

func TestGenerateConfig(t *testing.T) {
	setInitFlags()
	generated := generateConfig()

	for _, check := range []string{
		`email: "jane@example.com"`,
		`host: "smtp.example.com"`,
		`api_key: "testapikey"`,
		`mode: sandbox`,
		`send_time: "10:15"`,
	} {
		if !strings.Contains(generated, check) {
			t.Errorf("generated config missing: %s", check)
		}
	}
}

func TestGenerateConfigLoads(t *testing.T) {
	setInitFlags()
	initName = `Jane "JD" Doe`

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(generateConfig()), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Sender.Name != `Jane "JD" Doe` {
		t.Errorf("Sender.Name = %q", cfg.Sender.Name)
	}
	if cfg.SMTP.Mode != config.ModeSandbox || !cfg.API.Enabled {
		t.Errorf("smtp mode = %q, api enabled = %t", cfg.SMTP.Mode, cfg.API.Enabled)
	}
	body, err := cfg.TemplateBody()
	if err != nil || !strings.Contains(body, "{hr_name}") {
		t.Errorf("TemplateBody() = %q, %v", body, err)
	}
}
