package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/followup/internal/api"
	"github.com/foxzi/followup/internal/campaign"
	"github.com/foxzi/followup/internal/config"
	"github.com/foxzi/followup/internal/dispatch"
	"github.com/foxzi/followup/internal/dkim"
	"github.com/foxzi/followup/internal/history"
	"github.com/foxzi/followup/internal/metrics"
	"github.com/foxzi/followup/internal/recipient"
	"github.com/foxzi/followup/internal/resend"
	"github.com/foxzi/followup/internal/sandbox"
	"github.com/foxzi/followup/internal/scheduler"
	"github.com/foxzi/followup/internal/secret"
	"github.com/foxzi/followup/internal/smtp"
	"github.com/foxzi/followup/internal/state"
	"github.com/foxzi/followup/internal/template"
)

// App is the main application. The CLI uses the same wiring without
// calling Run.
type App struct {
	config         *config.Config
	logger         *slog.Logger
	state          *state.Store
	settings       *campaign.Live
	templates      *template.Storage
	secrets        *secret.Store
	smtpClient     *smtp.Client
	sandboxStorage *sandbox.Storage
	history        *history.Log
	recipients     *recipient.Store
	engine         *dispatch.Engine
	scheduler      *scheduler.Scheduler
	metrics        *metrics.Metrics
	collector      *metrics.Collector
	metricsServer  *metrics.Server
	apiServer      *api.Server
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	st, err := state.Open(cfg.Storage.StateDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open state: %w", err)
	}

	a := &App{config: cfg, logger: logger, state: st}
	if err := a.build(); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg, logger := a.config, a.logger
	db := a.state.DB()

	// Campaign settings: runtime overrides win over the config file
	seed, err := cfg.CampaignSettings()
	if err != nil {
		return err
	}
	persisted, err := a.state.CampaignSettings()
	if err != nil {
		return fmt.Errorf("failed to load campaign settings: %w", err)
	}
	if persisted != nil {
		logger.Info("using persisted campaign settings",
			"interval_days", persisted.IntervalDays,
			"max_resends", persisted.MaxResends,
			"send_time", persisted.SendTime.String(),
		)
		seed = *persisted
	}
	a.settings, err = campaign.NewLive(seed)
	if err != nil {
		return fmt.Errorf("invalid campaign settings: %w", err)
	}
	a.settings.OnChange(a.state.SaveCampaignSettings)

	body, err := cfg.TemplateBody()
	if err != nil {
		return err
	}
	a.templates, err = template.NewStorage(db, template.Template{
		Subject:     cfg.Campaign.Subject,
		Body:        body,
		Attachments: cfg.Campaign.Attachments,
	})
	if err != nil {
		return fmt.Errorf("failed to create template storage: %w", err)
	}

	if passphrase := cfg.SecretPassphrase(); passphrase != "" {
		a.secrets, err = secret.NewStore(db, passphrase)
		if err != nil {
			return fmt.Errorf("failed to open secret store: %w", err)
		}
	} else {
		logger.Warn("secret passphrase not set, SMTP password is unavailable", "env", cfg.Secrets.KeyEnv)
	}

	a.sandboxStorage, err = sandbox.NewStorage(db)
	if err != nil {
		return fmt.Errorf("failed to create sandbox storage: %w", err)
	}

	transport, err := a.buildTransport()
	if err != nil {
		return err
	}

	a.history, err = history.Open(cfg.Storage.HistoryFile, logger.With("component", "history"))
	if err != nil {
		return err
	}

	a.recipients = recipient.NewStore(cfg.Storage.RecipientsFile, logger.With("component", "recipients"))
	if err := a.recipients.Load(seed.MaxResends); err != nil {
		// A corrupt file keeps the store read-only and blocks sends; the server still starts
		if !errors.Is(err, recipient.ErrCorrupt) {
			return fmt.Errorf("failed to load recipients: %w", err)
		}
		logger.Error("recipient file is corrupt, changes and sends are refused", "error", err)
	}

	a.engine = dispatch.NewEngine(dispatch.Config{
		From:        cfg.Sender.Email,
		FromName:    cfg.Sender.Name,
		SenderTitle: cfg.Sender.Title,
		Timeout:     cfg.SMTP.Timeout,
	}, a.recipients, a.templates, a.history, transport, logger.With("component", "dispatch"))

	a.scheduler, err = scheduler.New(scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval,
		Tolerance:    cfg.Scheduler.Tolerance,
	}, a.settings, a.recipients, a.engine, a.state, logger.With("component", "scheduler"))
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		metrics.SetGlobal(a.metrics)

		a.collector, err = metrics.NewCollector(db, a.metrics, a.recipients, cfg.Storage.StateDB, cfg.Metrics.FlushInterval)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServerWithAllowedIPs(a.metrics, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
	}

	if cfg.API.Enabled {
		a.apiServer = api.NewServer(api.Deps{
			Recipients: a.recipients,
			Engine:     a.engine,
			Scheduler:  a.scheduler,
			History:    a.history,
			Templates:  a.templates,
			Settings:   a.settings,
			Sandbox:    a.sandboxStorage,
		}, &cfg.API, logger.With("component", "api"))
	}

	return nil
}

func (a *App) buildTransport() (dispatch.Transport, error) {
	cfg := a.config

	if cfg.SMTP.Mode == config.ModeSandbox {
		sender := sandbox.NewSender(a.sandboxStorage, a.logger.With("component", "sandbox"))
		sender.SetErrorSimulation(cfg.SMTP.SimulateErrors, cfg.SMTP.ErrorProbability)
		a.logger.Info("sandbox mode: messages are captured, not sent")
		return sender, nil
	}

	if cfg.SMTP.Mode == config.ModeResend {
		var secrets resend.SecretSource
		if a.secrets != nil {
			secrets = a.secrets
		}
		a.logger.Info("resend mode: messages are sent through the Resend API")
		return resend.New(secrets, cfg.SMTP.ResendKeyAccount, a.logger.With("component", "resend")), nil
	}

	var secrets smtp.SecretSource
	if a.secrets != nil {
		secrets = a.secrets
	}
	a.smtpClient = smtp.NewClient(smtp.Config{
		Host:               cfg.SMTP.Host,
		Port:               cfg.SMTP.Port,
		TLS:                cfg.SMTP.TLS,
		Username:           cfg.SMTP.Username,
		HeloName:           cfg.SMTP.HeloName,
		Timeout:            cfg.SMTP.Timeout,
		InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
	}, secrets, a.logger.With("component", "smtp"))

	if cfg.DKIM.Enabled {
		signer, err := dkim.NewSignerFromFile(cfg.DKIM.KeyFile, cfg.DKIM.Domain, cfg.DKIM.Selector)
		if err != nil {
			return nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		a.smtpClient.SetSigner(signer)
		a.logger.Info("DKIM signing enabled", "domain", cfg.DKIM.Domain, "selector", cfg.DKIM.Selector)
	}

	return a.smtpClient, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	settings := a.settings.Settings()
	logAttrs := []any{
		"smtp_mode", a.config.SMTP.Mode,
		"recipients", a.recipients.Len(),
		"send_time", settings.SendTime.String(),
		"interval_days", settings.IntervalDays,
		"max_resends", settings.MaxResends,
	}
	if a.apiServer != nil {
		logAttrs = append(logAttrs, "api_addr", a.config.API.ListenAddr)
	}
	a.logger.Info("starting followup", logAttrs...)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.engine.CheckCredentials(ctx); err != nil {
		a.logger.Warn("credentials check failed, scheduled sends will wait for a password", "error", err)
	}

	if a.collector != nil {
		a.collector.Start(ctx)
	}

	if a.config.SchedulerEnabled() {
		a.scheduler.Start(ctx)
	} else {
		a.logger.Info("scheduler disabled, only manual sends are performed")
	}

	errCh := make(chan error, 2)

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop the scheduler first; a running batch halts before its next recipient
	a.scheduler.Stop()

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
	}

	if err := a.Close(); err != nil {
		a.logger.Error("close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// Close flushes unsaved recipient changes and closes the state database
func (a *App) Close() error {
	var errs []error
	if a.recipients.Dirty() {
		if err := a.recipients.Save(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.state.Close(); err != nil {
		errs = append(errs, fmt.Errorf("state close: %w", err))
	}
	return errors.Join(errs...)
}

// Config returns the loaded configuration
func (a *App) Config() *config.Config { return a.config }

// Logger returns the application logger
func (a *App) Logger() *slog.Logger { return a.logger }

// Settings returns the live campaign settings
func (a *App) Settings() *campaign.Live { return a.settings }

// Recipients returns the recipient store
func (a *App) Recipients() *recipient.Store { return a.recipients }

// History returns the history log
func (a *App) History() *history.Log { return a.history }

// Templates returns the template storage
func (a *App) Templates() *template.Storage { return a.templates }

// Engine returns the dispatch engine
func (a *App) Engine() *dispatch.Engine { return a.engine }

// Scheduler returns the scheduler
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Sandbox returns storage of captured messages
func (a *App) Sandbox() *sandbox.Storage { return a.sandboxStorage }

// Secrets returns the secret store, or nil when no passphrase is set
func (a *App) Secrets() *secret.Store { return a.secrets }

// SMTPClient returns the submission client, or nil in sandbox and resend modes
func (a *App) SMTPClient() *smtp.Client { return a.smtpClient }

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
