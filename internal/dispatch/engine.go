// Package dispatch sends one campaign message at a time and records the
// resulting state transition on the recipient and in the history log.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/followup/internal/history"
	"github.com/foxzi/followup/internal/metrics"
	"github.com/foxzi/followup/internal/recipient"
	"github.com/foxzi/followup/internal/render"
	"github.com/foxzi/followup/internal/template"
)

// DefaultTimeout bounds a single transport call
const DefaultTimeout = 10 * time.Second

// Message is a rendered email ready for the transport
type Message struct {
	From        string
	FromName    string
	To          string
	Subject     string
	Body        string
	Attachments []string
}

// Transport submits a message to the mail system
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}

// CredentialChecker is implemented by transports that need stored
// credentials. CheckCredentials returns ErrCredentialsMissing when the
// password for the sending account is absent.
type CredentialChecker interface {
	CheckCredentials(ctx context.Context) error
}

// TemplateSource provides the live campaign template
type TemplateSource interface {
	Live(ctx context.Context) (*template.Template, error)
}

// HistoryWriter appends send attempts to the history log
type HistoryWriter interface {
	Append(e history.Entry) error
}

// Config holds sender identity and transport limits
type Config struct {
	From        string
	FromName    string
	SenderTitle string
	Timeout     time.Duration
}

// SendOptions controls a single send
type SendOptions struct {
	// CheckEligibility re-evaluates the resend predicate under the send lock
	// and skips the recipient if it is no longer due. Manual sends leave it
	// off.
	CheckEligibility bool
	IntervalDays     int
}

// Result describes what happened to one recipient
type Result struct {
	Email       string `json:"email"`
	Sent        bool   `json:"sent"`
	Skipped     bool   `json:"skipped,omitempty"`
	SendOrdinal int    `json:"send_ordinal,omitempty"`
	Error       string `json:"error,omitempty"`
}

// BatchResult summarizes a sequence of sends
type BatchResult struct {
	Results []*Result `json:"results"`
	Sent    int       `json:"sent"`
	Failed  int       `json:"failed"`
	Skipped int       `json:"skipped"`
	Stopped bool      `json:"stopped,omitempty"`
}

// Preview is what the next send to a recipient would contain
type Preview struct {
	Email       string   `json:"email"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
	Frozen      bool     `json:"frozen"`
	SendOrdinal int      `json:"send_ordinal"`
}

// Engine performs sends. All sends go through one lock, so the scheduler and
// manual sends never run concurrently.
type Engine struct {
	cfg        Config
	recipients *recipient.Store
	templates  TemplateSource
	history    HistoryWriter
	transport  Transport
	logger     *slog.Logger
	now        func() time.Time

	sendMu sync.Mutex
}

// NewEngine creates a dispatch engine
func NewEngine(cfg Config, recipients *recipient.Store, templates TemplateSource, hist HistoryWriter, transport Transport, logger *slog.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Engine{
		cfg:        cfg,
		recipients: recipients,
		templates:  templates,
		history:    hist,
		transport:  transport,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the time source
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// CheckCredentials reports ErrCredentialsMissing if the transport cannot
// authenticate for lack of a stored password
func (e *Engine) CheckCredentials(ctx context.Context) error {
	if cc, ok := e.transport.(CredentialChecker); ok {
		return cc.CheckCredentials(ctx)
	}
	return nil
}

// SendTo sends the next message to addr. Lookup errors, ErrSendLimitReached
// and ErrCredentialsMissing are returned without touching the recipient. A
// transport failure marks the recipient FAILED, is logged to history and is
// returned wrapped in one of the transport sentinels.
func (e *Engine) SendTo(ctx context.Context, addr string, opts SendOptions) (*Result, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	return e.sendLocked(ctx, addr, opts)
}

// SendBatch sends to each address in order. A per-recipient failure does not
// stop the batch. stop is checked between recipients; a nil stop never
// stops. The returned error is non-nil only when the batch was halted by
// ErrCredentialsMissing or the recipient store refuses writes.
func (e *Engine) SendBatch(ctx context.Context, addrs []string, opts SendOptions, stop func() bool) (*BatchResult, error) {
	batch := &BatchResult{}

	if err := e.recipients.WriteBlocked(); err != nil {
		return batch, err
	}
	if err := e.CheckCredentials(ctx); err != nil {
		return batch, err
	}

	for _, addr := range addrs {
		if (stop != nil && stop()) || ctx.Err() != nil {
			batch.Stopped = true
			break
		}

		res, err := e.SendTo(ctx, addr, opts)
		if errors.Is(err, ErrCredentialsMissing) {
			return batch, err
		}
		if res == nil {
			res = &Result{Email: addr, Skipped: true}
		}
		if err != nil && res.Error == "" {
			res.Error = err.Error()
		}

		switch {
		case res.Sent:
			batch.Sent++
		case res.Skipped:
			batch.Skipped++
		default:
			batch.Failed++
		}
		batch.Results = append(batch.Results, res)
	}

	return batch, nil
}

// Preview renders the message the next send to addr would use
func (e *Engine) Preview(ctx context.Context, addr string) (*Preview, error) {
	r, err := e.recipients.Get(addr)
	if err != nil {
		return nil, err
	}
	c, err := e.content(ctx, r)
	if err != nil {
		return nil, err
	}

	subject, body := render.Message(c.subject, c.body, fieldsOf(r), e.sender(), e.now())
	return &Preview{
		Email:       addr,
		Subject:     subject,
		Body:        body,
		Attachments: DedupeAttachments(c.attachments),
		Frozen:      !c.freeze,
		SendOrdinal: r.SendCount + 1,
	}, nil
}

func (e *Engine) sendLocked(ctx context.Context, addr string, opts SendOptions) (*Result, error) {
	// a send whose state cannot be recorded could be repeated later
	if err := e.recipients.WriteBlocked(); err != nil {
		return nil, err
	}
	r, err := e.recipients.Get(addr)
	if err != nil {
		return nil, err
	}

	res := &Result{Email: addr}
	now := e.now()

	if r.Completed() {
		return nil, fmt.Errorf("%w: %s", ErrSendLimitReached, addr)
	}
	if opts.CheckEligibility && !r.EligibleAt(now, opts.IntervalDays) {
		res.Skipped = true
		return res, nil
	}

	c, err := e.content(ctx, r)
	if err != nil {
		return nil, err
	}

	subject, body := render.Message(c.subject, c.body, fieldsOf(r), e.sender(), now)
	msg := &Message{
		From:        e.cfg.From,
		FromName:    e.cfg.FromName,
		To:          addr,
		Subject:     subject,
		Body:        body,
		Attachments: DedupeAttachments(c.attachments),
	}
	ordinal := r.SendCount + 1

	// The in-flight send is not cancelled by the caller; only the timeout
	// bounds it.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
	start := time.Now()
	err = e.transport.Send(sendCtx, msg)
	metrics.ObserveSendDuration(time.Since(start).Seconds())
	if err != nil {
		err = classify(sendCtx, err)
	}
	cancel()

	if errors.Is(err, ErrCredentialsMissing) {
		return nil, err
	}
	if err != nil {
		e.recordFailure(r, msg, ordinal, err)
		res.SendOrdinal = ordinal
		res.Error = err.Error()
		return res, err
	}

	e.recordSuccess(r, msg, c, ordinal)
	res.Sent = true
	res.SendOrdinal = ordinal
	return res, nil
}

// sendContent holds the unrendered subject, body and attachments for a send
type sendContent struct {
	subject     string
	body        string
	attachments []string
	// freeze is set when the live template is used and must be saved on
	// success
	freeze bool
}

// content picks the frozen artifact for started recipients and the live
// template otherwise
func (e *Engine) content(ctx context.Context, r *recipient.Recipient) (*sendContent, error) {
	if r.Started() {
		return &sendContent{
			subject:     r.SavedSubject,
			body:        r.SavedBody,
			attachments: r.SavedAttachments,
		}, nil
	}

	tmpl, err := e.templates.Live(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load template: %w", err)
	}
	if r.SendCount > 0 {
		e.logger.Warn("recipient has sends but no saved message, using live template",
			"email", r.Email,
			"send_count", r.SendCount,
		)
	}
	return &sendContent{
		subject:     tmpl.Subject,
		body:        tmpl.Body,
		attachments: tmpl.Attachments,
		freeze:      true,
	}, nil
}

func (e *Engine) recordSuccess(r *recipient.Recipient, msg *Message, c *sendContent, ordinal int) {
	sentAt := e.now()

	updated, err := e.recipients.Update(r.Email, func(cur *recipient.Recipient) error {
		cur.SendCount++
		cur.LastSentAt = &sentAt
		if c.freeze {
			cur.SavedSubject = c.subject
			cur.SavedBody = c.body
			cur.SavedAttachments = append([]string(nil), c.attachments...)
		}
		cur.Status = cur.NextStatus()
		return nil
	})
	if err != nil {
		e.logger.Error("failed to record successful send",
			"email", r.Email,
			"send_ordinal", ordinal,
			"error", err,
		)
	}

	e.appendHistory(history.Entry{
		Timestamp:       sentAt,
		RecipientEmail:  r.Email,
		Company:         r.Company,
		Subject:         msg.Subject,
		Outcome:         history.OutcomeSent,
		AttachmentCount: len(msg.Attachments),
		SendOrdinal:     ordinal,
	})
	metrics.IncSends("sent")

	attrs := []any{"email", r.Email, "send_ordinal", ordinal}
	if updated != nil {
		attrs = append(attrs, "status", updated.Status)
	}
	e.logger.Info("message sent", attrs...)
}

func (e *Engine) recordFailure(r *recipient.Recipient, msg *Message, ordinal int, sendErr error) {
	failedAt := e.now()

	_, err := e.recipients.Update(r.Email, func(cur *recipient.Recipient) error {
		cur.Status = recipient.StatusFailed
		return nil
	})
	if err != nil {
		e.logger.Error("failed to record failed send", "email", r.Email, "error", err)
	}

	e.appendHistory(history.Entry{
		Timestamp:       failedAt,
		RecipientEmail:  r.Email,
		Company:         r.Company,
		Subject:         msg.Subject,
		Outcome:         history.OutcomeFailed,
		Reason:          truncateReason(sendErr),
		AttachmentCount: len(msg.Attachments),
		SendOrdinal:     ordinal,
	})
	metrics.IncSends("failed")
	metrics.IncSendFailures(ErrorKind(sendErr))

	e.logger.Warn("message send failed",
		"email", r.Email,
		"send_ordinal", ordinal,
		"error_type", ErrorKind(sendErr),
		"error", sendErr,
	)
}

func (e *Engine) appendHistory(entry history.Entry) {
	if err := e.history.Append(entry); err != nil {
		e.logger.Error("failed to append history", "email", entry.RecipientEmail, "error", err)
	}
}

func (e *Engine) sender() render.Sender {
	return render.Sender{Name: e.cfg.FromName, Title: e.cfg.SenderTitle}
}

func fieldsOf(r *recipient.Recipient) render.Fields {
	return render.Fields{
		Company:     r.Company,
		ContactName: r.ContactName,
		Position:    r.Position,
	}
}
