package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/followup/internal/campaign"
	"github.com/foxzi/followup/internal/email"
)

// Modes for smtp.mode
const (
	ModeProduction = "production"
	ModeSandbox    = "sandbox"
	ModeResend     = "resend"
)

// Config is the main configuration structure
type Config struct {
	Campaign  CampaignConfig  `yaml:"campaign"`
	Sender    SenderConfig    `yaml:"sender"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Storage   StorageConfig   `yaml:"storage"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	DKIM      DKIMConfig      `yaml:"dkim"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// CampaignConfig holds the schedule and the initial template. Schedule
// values changed at runtime override these and are kept in the state DB.
type CampaignConfig struct {
	IntervalDays int      `yaml:"interval_days"`
	MaxResends   int      `yaml:"max_resends"`
	SendTime     string   `yaml:"send_time"` // HH:MM, local time
	Subject      string   `yaml:"subject"`
	Body         string   `yaml:"body"`
	BodyFile     string   `yaml:"body_file"` // Used when body is empty
	Attachments  []string `yaml:"attachments"`
}

// SenderConfig identifies the person sending the campaign
type SenderConfig struct {
	Name  string `yaml:"name"`
	Title string `yaml:"title"`
	Email string `yaml:"email"`
}

// SMTPConfig contains submission server settings
type SMTPConfig struct {
	Mode               string        `yaml:"mode"` // production, sandbox, resend
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	TLS                string        `yaml:"tls"`      // starttls, implicit, none
	Username           string        `yaml:"username"` // Default: sender.email
	HeloName           string        `yaml:"helo_name"`
	Timeout            time.Duration `yaml:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`

	// Sandbox only
	SimulateErrors   bool    `yaml:"simulate_errors"`
	ErrorProbability float64 `yaml:"error_probability"`

	// Resend only: secret store account holding the API key
	ResendKeyAccount string `yaml:"resend_key_account"`
}

// SchedulerConfig contains resend loop settings
type SchedulerConfig struct {
	Enabled      *bool         `yaml:"enabled"` // Default: true
	PollInterval time.Duration `yaml:"poll_interval"`
	Tolerance    time.Duration `yaml:"tolerance"`
}

// SchedulerEnabled reports whether the scheduled loop should run
func (c *Config) SchedulerEnabled() bool {
	return c.Scheduler.Enabled == nil || *c.Scheduler.Enabled
}

// StorageConfig contains data file locations
type StorageConfig struct {
	RecipientsFile string `yaml:"recipients_file"`
	HistoryFile    string `yaml:"history_file"`
	StateDB        string `yaml:"state_db"`
}

// SecretsConfig names the environment variable holding the passphrase that
// encrypts stored passwords
type SecretsConfig struct {
	KeyEnv string `yaml:"key_env"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	AllowedIPs    []string      `yaml:"allowed_ips"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"` // Default: domain of sender.email
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file. Relative paths in the file are
// resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()
	cfg.resolvePaths(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Campaign.IntervalDays == 0 {
		c.Campaign.IntervalDays = 3
	}
	if c.Campaign.MaxResends == 0 {
		c.Campaign.MaxResends = 3
	}
	if c.Campaign.SendTime == "" {
		c.Campaign.SendTime = "09:00"
	}

	if c.SMTP.Mode == "" {
		c.SMTP.Mode = ModeProduction
	}
	if c.SMTP.Host == "" {
		c.SMTP.Host = "smtp.gmail.com"
	}
	if c.SMTP.TLS == "" {
		c.SMTP.TLS = "starttls"
	}
	if c.SMTP.Port == 0 {
		switch c.SMTP.TLS {
		case "implicit":
			c.SMTP.Port = 465
		case "none":
			c.SMTP.Port = 25
		default:
			c.SMTP.Port = 587
		}
	}
	if c.SMTP.Username == "" {
		c.SMTP.Username = c.Sender.Email
	}
	if c.SMTP.Timeout == 0 {
		c.SMTP.Timeout = 10 * time.Second
	}
	if c.SMTP.ErrorProbability == 0 {
		c.SMTP.ErrorProbability = 0.1
	}
	if c.SMTP.ResendKeyAccount == "" {
		c.SMTP.ResendKeyAccount = "resend"
	}

	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = 30 * time.Second
	}
	if c.Scheduler.Tolerance == 0 {
		c.Scheduler.Tolerance = time.Minute
	}

	if c.Storage.RecipientsFile == "" {
		c.Storage.RecipientsFile = "data/recipients.json"
	}
	if c.Storage.HistoryFile == "" {
		c.Storage.HistoryFile = "data/history.csv"
	}
	if c.Storage.StateDB == "" {
		c.Storage.StateDB = "data/state.db"
	}

	if c.Secrets.KeyEnv == "" {
		c.Secrets.KeyEnv = "FOLLOWUP_SECRET_KEY"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = "127.0.0.1:8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 5 * time.Minute // manual sends run inside the request
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = "127.0.0.1:9091"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.DKIM.Selector == "" {
		c.DKIM.Selector = "followup"
	}
	if c.DKIM.Domain == "" {
		c.DKIM.Domain = email.ExtractDomain(c.Sender.Email)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) resolvePaths(base string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	resolve(&c.Storage.RecipientsFile)
	resolve(&c.Storage.HistoryFile)
	resolve(&c.Storage.StateDB)
	resolve(&c.Campaign.BodyFile)
	resolve(&c.DKIM.KeyFile)
	for i := range c.Campaign.Attachments {
		resolve(&c.Campaign.Attachments[i])
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := c.CampaignSettings(); err != nil {
		return fmt.Errorf("campaign: %w", err)
	}

	if c.Sender.Email == "" {
		return errors.New("sender.email is required")
	}
	if !email.Valid(c.Sender.Email) {
		return fmt.Errorf("invalid sender.email: %s", c.Sender.Email)
	}

	if err := c.validateSMTP(); err != nil {
		return err
	}

	if c.Scheduler.PollInterval < time.Second {
		return fmt.Errorf("scheduler.poll_interval must be at least 1s, got %s", c.Scheduler.PollInterval)
	}
	if c.Scheduler.Tolerance < c.Scheduler.PollInterval/2 {
		return fmt.Errorf("scheduler.tolerance (%s) must be at least half of poll_interval (%s) or ticks can miss the send time",
			c.Scheduler.Tolerance, c.Scheduler.PollInterval)
	}

	if c.API.Enabled && c.API.APIKey == "" {
		return errors.New("api.api_key is required when the API is enabled")
	}

	if c.DKIM.Enabled {
		if c.DKIM.KeyFile == "" {
			return errors.New("dkim.key_file is required when DKIM is enabled")
		}
		if c.DKIM.Domain == "" {
			return errors.New("dkim.domain is required when DKIM is enabled")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

func (c *Config) validateSMTP() error {
	switch c.SMTP.Mode {
	case ModeProduction, ModeSandbox, ModeResend:
	default:
		return fmt.Errorf("invalid smtp.mode: %s (must be production, sandbox, or resend)", c.SMTP.Mode)
	}

	switch c.SMTP.TLS {
	case "starttls", "implicit", "none":
	default:
		return fmt.Errorf("invalid smtp.tls: %s (must be starttls, implicit, or none)", c.SMTP.TLS)
	}

	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		return fmt.Errorf("invalid smtp.port: %d", c.SMTP.Port)
	}
	if c.SMTP.Timeout < 0 {
		return errors.New("smtp.timeout must be positive")
	}
	if c.SMTP.ErrorProbability < 0 || c.SMTP.ErrorProbability > 1 {
		return fmt.Errorf("smtp.error_probability must be between 0 and 1, got %v", c.SMTP.ErrorProbability)
	}
	return nil
}

// CampaignSettings returns the schedule part of the campaign section
func (c *Config) CampaignSettings() (campaign.Settings, error) {
	at, err := campaign.ParseTimeOfDay(c.Campaign.SendTime)
	if err != nil {
		return campaign.Settings{}, err
	}
	s := campaign.Settings{
		IntervalDays: c.Campaign.IntervalDays,
		MaxResends:   c.Campaign.MaxResends,
		SendTime:     at,
	}
	return s, s.Validate()
}

// TemplateBody returns campaign.body, or the contents of campaign.body_file
// when body is empty
func (c *Config) TemplateBody() (string, error) {
	if c.Campaign.Body != "" || c.Campaign.BodyFile == "" {
		return c.Campaign.Body, nil
	}
	data, err := os.ReadFile(c.Campaign.BodyFile)
	if err != nil {
		return "", fmt.Errorf("failed to read campaign.body_file: %w", err)
	}
	return string(data), nil
}

// SecretPassphrase returns the passphrase from the configured environment
// variable
func (c *Config) SecretPassphrase() string {
	return os.Getenv(c.Secrets.KeyEnv)
}
