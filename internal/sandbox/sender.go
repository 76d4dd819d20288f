package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/followup/internal/dispatch"
	"github.com/foxzi/followup/internal/smtp"
)

// simulatedErrors are returned at random when error simulation is on
var simulatedErrors = []string{
	"451 4.7.1 Greylisted, please try again later",
	"452 4.2.2 Mailbox full",
	"550 5.1.1 User unknown",
	"554 5.7.1 Message rejected as spam",
}

// Sender is a dispatch transport that stores messages instead of sending
type Sender struct {
	storage *Storage
	logger  *slog.Logger
	now     func() time.Time

	mu               sync.Mutex
	simulateErrors   bool
	errorProbability float64
}

// NewSender creates a capturing transport
func NewSender(storage *Storage, logger *slog.Logger) *Sender {
	return &Sender{
		storage:          storage,
		logger:           logger,
		now:              time.Now,
		errorProbability: 0.1,
	}
}

// SetErrorSimulation makes a fraction of sends fail with a transport error
func (s *Sender) SetErrorSimulation(enabled bool, probability float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.simulateErrors = enabled
	if probability > 0 && probability <= 1 {
		s.errorProbability = probability
	}
}

func (s *Sender) simulatedError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.simulateErrors || rand.Float64() >= s.errorProbability {
		return ""
	}
	return simulatedErrors[rand.IntN(len(simulatedErrors))]
}

// Send composes msg and stores it
func (s *Sender) Send(ctx context.Context, msg *dispatch.Message) error {
	now := s.now()
	data, err := smtp.Compose(msg, now)
	if err != nil {
		return fmt.Errorf("%w: compose: %v", dispatch.ErrTransportOther, err)
	}

	captured := &Message{
		ID:              uuid.New().String(),
		From:            msg.From,
		To:              msg.To,
		Subject:         msg.Subject,
		Data:            data,
		AttachmentCount: len(msg.Attachments),
		CapturedAt:      now,
		SimulatedErr:    s.simulatedError(),
	}

	if err := s.storage.Save(ctx, captured); err != nil {
		return fmt.Errorf("%w: sandbox save: %v", dispatch.ErrTransportOther, err)
	}

	s.logger.Info("message captured in sandbox",
		"id", captured.ID,
		"to", captured.To,
		"subject", captured.Subject,
	)

	if captured.SimulatedErr != "" {
		return fmt.Errorf("%w: simulated: %s", dispatch.ErrTransportOther, captured.SimulatedErr)
	}
	return nil
}
