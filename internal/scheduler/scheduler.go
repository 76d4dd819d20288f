// Package scheduler runs the daily resend batch. It polls the wall clock and
// dispatches every eligible recipient once per calendar day, when the
// configured send time comes around.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxzi/followup/internal/campaign"
	"github.com/foxzi/followup/internal/dispatch"
	"github.com/foxzi/followup/internal/metrics"
	"github.com/foxzi/followup/internal/recipient"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultTolerance    = time.Minute
)

// RunState persists the date of the last completed scheduled batch
type RunState interface {
	LastRunDate() (string, error)
	SetLastRunDate(date string) error
}

// Dispatcher sends to a list of recipients
type Dispatcher interface {
	SendBatch(ctx context.Context, addrs []string, opts dispatch.SendOptions, stop func() bool) (*dispatch.BatchResult, error)
}

// Config contains scheduler configuration
type Config struct {
	PollInterval time.Duration
	Tolerance    time.Duration
}

// Outcome is the result of one tick
type Outcome string

const (
	OutcomeNotDue             Outcome = "not_due"
	OutcomeAlreadyRan         Outcome = "already_ran"
	OutcomeCompleted          Outcome = "completed"
	OutcomeStopped            Outcome = "stopped"
	OutcomeCredentialsMissing Outcome = "credentials_missing"
)

// TickResult describes what a tick did
type TickResult struct {
	Outcome Outcome               `json:"outcome"`
	RunDate string                `json:"run_date,omitempty"`
	Batch   *dispatch.BatchResult `json:"batch,omitempty"`
}

// Status is a snapshot of the scheduler for display
type Status struct {
	Running     bool      `json:"running"`
	LastRunDate string    `json:"last_run_date,omitempty"`
	NextRun     time.Time `json:"next_run"`
	SendTime    string    `json:"send_time"`
}

// Scheduler drives scheduled and manual sends
type Scheduler struct {
	settings     *campaign.Live
	recipients   *recipient.Store
	dispatcher   Dispatcher
	state        RunState
	pollInterval time.Duration
	tolerance    time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.Mutex
	lastRun string
	running bool

	stopping atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a scheduler. The last run date is read from state.
func New(cfg Config, settings *campaign.Live, recipients *recipient.Store, dispatcher Dispatcher, state RunState, logger *slog.Logger) (*Scheduler, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}

	lastRun, err := state.LastRunDate()
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		settings:     settings,
		recipients:   recipients,
		dispatcher:   dispatcher,
		state:        state,
		pollInterval: cfg.PollInterval,
		tolerance:    cfg.Tolerance,
		logger:       logger,
		now:          time.Now,
		lastRun:      lastRun,
	}, nil
}

// SetClock overrides the time source
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start starts the polling loop. A stopped scheduler can be started again.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopping.Store(false)
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.mu.Unlock()

	settings := s.settings.Settings()
	s.logger.Info("starting scheduler",
		"send_time", settings.SendTime.String(),
		"interval_days", settings.IntervalDays,
		"poll_interval", s.pollInterval,
		"last_run_date", s.lastRunDate(),
	)

	s.wg.Add(1)
	go s.loop(ctx, stopCh)
}

// Stop asks the loop to exit and waits for it. A batch in progress finishes
// its current send and skips the remaining recipients.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh := s.stopCh
	s.mu.Unlock()

	s.logger.Info("stopping scheduler")
	s.stopping.Store(true)
	close(stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.tickLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("scheduler stopped by context")
			return
		case <-stopCh:
			s.logger.Debug("scheduler stopped by signal")
			return
		case <-ticker.C:
			s.tickLogged(ctx)
		}
	}
}

func (s *Scheduler) tickLogged(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil {
		s.logger.Warn("scheduled batch not run", "error", err)
	}
}

// Tick evaluates the schedule once. If the send time is within tolerance
// and no batch ran for the slot's date, it dispatches every eligible
// recipient in order and records the date. ErrCredentialsMissing leaves the
// date unrecorded so a later tick retries.
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	settings := s.settings.Settings()
	now := s.now()

	slot, ok := s.dueSlot(now, settings.SendTime)
	if !ok {
		return &TickResult{Outcome: OutcomeNotDue}, nil
	}
	runDate := slot.Format(time.DateOnly)
	if s.lastRunDate() == runDate {
		return &TickResult{Outcome: OutcomeAlreadyRan, RunDate: runDate}, nil
	}

	logger := s.logger.With("run_date", runDate)

	eligible := s.recipients.ListEligibleForSend(now, settings.IntervalDays)
	addrs := make([]string, 0, len(eligible))
	for _, r := range eligible {
		addrs = append(addrs, r.Email)
	}
	logger.Info("starting scheduled batch", "eligible", len(addrs))

	batch := &dispatch.BatchResult{}
	if len(addrs) > 0 {
		var err error
		opts := dispatch.SendOptions{CheckEligibility: true, IntervalDays: settings.IntervalDays}
		batch, err = s.dispatcher.SendBatch(ctx, addrs, opts, s.stopping.Load)
		if errors.Is(err, dispatch.ErrCredentialsMissing) {
			metrics.IncSchedulerRuns(string(OutcomeCredentialsMissing))
			return &TickResult{Outcome: OutcomeCredentialsMissing, RunDate: runDate}, err
		}
		if err != nil {
			return nil, err
		}
	}

	if batch.Stopped {
		metrics.IncSchedulerRuns(string(OutcomeStopped))
		logger.Info("scheduled batch interrupted", "sent", batch.Sent, "failed", batch.Failed)
		return &TickResult{Outcome: OutcomeStopped, RunDate: runDate, Batch: batch}, nil
	}

	s.setLastRunDate(runDate)
	metrics.IncSchedulerRuns(string(OutcomeCompleted))
	logger.Info("scheduled batch completed",
		"sent", batch.Sent,
		"failed", batch.Failed,
		"skipped", batch.Skipped,
	)

	return &TickResult{Outcome: OutcomeCompleted, RunDate: runDate, Batch: batch}, nil
}

// SendNow dispatches the given recipients immediately, ignoring the time of
// day, stop flags and the last run date. The send limit still applies.
func (s *Scheduler) SendNow(ctx context.Context, addrs []string) (*dispatch.BatchResult, error) {
	s.logger.Info("manual send", "recipients", len(addrs))
	return s.dispatcher.SendBatch(ctx, addrs, dispatch.SendOptions{}, nil)
}

// SendEligibleNow dispatches every currently eligible recipient immediately
// without touching the last run date
func (s *Scheduler) SendEligibleNow(ctx context.Context) (*dispatch.BatchResult, error) {
	settings := s.settings.Settings()
	eligible := s.recipients.ListEligibleForSend(s.now(), settings.IntervalDays)
	addrs := make([]string, 0, len(eligible))
	for _, r := range eligible {
		addrs = append(addrs, r.Email)
	}
	return s.SendNow(ctx, addrs)
}

// Status returns the scheduler state and the next scheduled run
func (s *Scheduler) Status() Status {
	settings := s.settings.Settings()
	now := s.now()

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return Status{
		Running:     running,
		LastRunDate: s.lastRunDate(),
		NextRun:     s.nextRun(now, settings.SendTime),
		SendTime:    settings.SendTime.String(),
	}
}

// dueSlot finds the scheduled send instant within tolerance of now. The
// previous and next day are checked so a window crossing midnight resolves
// to the right date.
func (s *Scheduler) dueSlot(now time.Time, at campaign.TimeOfDay) (time.Time, bool) {
	for _, offset := range []int{0, -1, 1} {
		slot := at.On(now.AddDate(0, 0, offset))
		diff := now.Sub(slot)
		if diff < 0 {
			diff = -diff
		}
		if diff <= s.tolerance {
			return slot, true
		}
	}
	return time.Time{}, false
}

func (s *Scheduler) nextRun(now time.Time, at campaign.TimeOfDay) time.Time {
	slot := at.On(now)
	if slot.Add(s.tolerance).Before(now) || s.lastRunDate() == slot.Format(time.DateOnly) {
		slot = at.On(now.AddDate(0, 0, 1))
	}
	return slot
}

func (s *Scheduler) lastRunDate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// setLastRunDate updates the in-memory guard first so a failed write still
// prevents a second batch in this process
func (s *Scheduler) setLastRunDate(date string) {
	s.mu.Lock()
	s.lastRun = date
	s.mu.Unlock()

	if err := s.state.SetLastRunDate(date); err != nil {
		s.logger.Error("failed to persist last run date", "run_date", date, "error", err)
	}
}
