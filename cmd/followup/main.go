package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/followup/internal/app"
	"github.com/foxzi/followup/internal/config"
)

var (
	cfgFile   string
	verbose   bool
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "followup",
	Short: "Followup - scheduled email resends",
	Long: `Followup sends a campaign email to a list of recipients and resends it
on a fixed day interval until each recipient has received the configured
number of messages or was stopped manually.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP API",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("followup version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "keep the configured log level for one-shot commands")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openApp wires the application for a one-shot command. The caller closes
// it. Info logs are suppressed so they do not mix with command output.
func openApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !verbose && (cfg.Logging.Level == "info" || cfg.Logging.Level == "debug") {
		cfg.Logging.Level = "warn"
	}

	a, err := app.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open application (is the server running?): %w", err)
	}
	return a, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	if _, err := cfg.TemplateBody(); err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Sender: %s <%s>\n", cfg.Sender.Name, cfg.Sender.Email)
	fmt.Printf("  Schedule: every %d day(s) at %s, %d send(s) per recipient\n",
		cfg.Campaign.IntervalDays, cfg.Campaign.SendTime, cfg.Campaign.MaxResends)
	fmt.Printf("  SMTP: %s:%d (%s, mode %s)\n", cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.TLS, cfg.SMTP.Mode)
	if cfg.API.Enabled {
		fmt.Printf("  API: %s\n", cfg.API.ListenAddr)
	}
	fmt.Printf("  Recipients: %s\n", cfg.Storage.RecipientsFile)
	fmt.Printf("  History: %s\n", cfg.Storage.HistoryFile)
	fmt.Printf("  State: %s\n", cfg.Storage.StateDB)

	return nil
}
