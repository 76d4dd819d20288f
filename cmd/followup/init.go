package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/followup/internal/config"
	"github.com/foxzi/followup/internal/email"
)

var (
	initEmail    string
	initName     string
	initTitle    string
	initSMTPHost string
	initMode     string
	initSendTime string
	initAPIKey   string
	initDataDir  string
	initOutput   string
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a configuration file",
	Long: `Interactive wizard to create a followup configuration file.

Examples:
  # Interactive mode - prompts for missing values
  followup init

  # Dry run setup that captures messages instead of sending
  followup init --email me@example.com --mode sandbox -o test.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initEmail, "email", "", "Sender email address")
	initCmd.Flags().StringVar(&initName, "name", "", "Sender name")
	initCmd.Flags().StringVar(&initTitle, "title", "", "Sender title")
	initCmd.Flags().StringVar(&initSMTPHost, "smtp-host", "", "SMTP submission host (default: smtp.gmail.com)")
	initCmd.Flags().StringVar(&initMode, "mode", "production", "SMTP mode: production, sandbox, resend")
	initCmd.Flags().StringVar(&initSendTime, "send-time", "09:00", "Daily send time (HH:MM)")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "data", "Directory for recipients, history and state")
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Followup Configuration Wizard")
	fmt.Println("=============================")
	fmt.Println()

	if initEmail == "" {
		initEmail = prompt(reader, "Your email address", "")
	}
	if !email.Valid(initEmail) {
		return fmt.Errorf("a valid sender email is required")
	}
	if initName == "" {
		initName = prompt(reader, "Your name", "")
	}
	if initTitle == "" {
		initTitle = prompt(reader, "Your title", "")
	}
	if initSMTPHost == "" {
		initSMTPHost = prompt(reader, "SMTP host", "smtp.gmail.com")
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	if dir := filepath.Dir(initOutput); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(initOutput, []byte(generateConfig()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("\nConfiguration saved to: %s\n\n", initOutput)
	printNextSteps()
	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func generateConfig() string {
	return fmt.Sprintf(`# Followup configuration

campaign:
  interval_days: 3
  max_resends: 3
  send_time: "%s"
  subject: "Application for {position} at {company}"
  body: |
    Dear {hr_name},

    I am writing to follow up on my application for the {position} role
    at {company}.

    Best regards,
    {your_name}
    {your_title}
  # body_file: "body.txt"
  # attachments:
  #   - "cv.pdf"

sender:
  name: %q
  title: %q
  email: %q

smtp:
  mode: %s
  host: %q
  tls: starttls
  # username defaults to sender.email; store the password with
  #   FOLLOWUP_SECRET_KEY=... followup secret set
  timeout: 10s

scheduler:
  poll_interval: 30s
  tolerance: 1m

storage:
  recipients_file: "%s/recipients.json"
  history_file: "%s/history.csv"
  state_db: "%s/state.db"

secrets:
  key_env: FOLLOWUP_SECRET_KEY

api:
  enabled: true
  listen_addr: "127.0.0.1:8080"
  api_key: %q

metrics:
  enabled: false
  listen_addr: "127.0.0.1:9091"

dkim:
  enabled: false
  # selector: followup
  # key_file: "%s/dkim.key"

logging:
  level: info
  format: text
`, initSendTime, initName, initTitle, initEmail, initMode, initSMTPHost,
		initDataDir, initDataDir, initDataDir, initAPIKey, initDataDir)
}

func printNextSteps() {
	fmt.Println("Next steps:")
	fmt.Println("  1. Export a passphrase for the password store:")
	fmt.Println("       export FOLLOWUP_SECRET_KEY=...")
	if initMode == config.ModeResend {
		fmt.Println("  2. Store your Resend API key:")
	} else {
		fmt.Println("  2. Store your SMTP password (for Gmail use an app password):")
	}
	fmt.Printf("       followup -c %s secret set\n", initOutput)
	fmt.Println("  3. Check the connection:")
	fmt.Printf("       followup -c %s test-connection\n", initOutput)
	fmt.Println("  4. Add recipients and start the scheduler:")
	fmt.Printf("       followup -c %s recipient add hr@company.com --company Company --position \"Go Engineer\"\n", initOutput)
	fmt.Printf("       followup -c %s serve\n", initOutput)
}
