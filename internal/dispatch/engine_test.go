package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/foxzi/followup/internal/history"
	"github.com/foxzi/followup/internal/recipient"
	"github.com/foxzi/followup/internal/template"
)

type mockTransport struct {
	mu       sync.Mutex
	sent     []*Message
	sendFunc func(ctx context.Context, msg *Message) error
	credErr  error
}

func (m *mockTransport) Send(ctx context.Context, msg *Message) error {
	if m.sendFunc != nil {
		if err := m.sendFunc(ctx, msg); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) CheckCredentials(ctx context.Context) error {
	return m.credErr
}

func (m *mockTransport) last() *Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}

type liveTemplate struct {
	tmpl template.Template
}

func (l *liveTemplate) Live(ctx context.Context) (*template.Template, error) {
	return l.tmpl.Clone(), nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fixture struct {
	engine     *Engine
	recipients *recipient.Store
	history    *history.Log
	transport  *mockTransport
	templates  *liveTemplate
	clock      *testClock
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	logger := testLogger()

	clock := &testClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}

	recipients := recipient.NewStore(filepath.Join(dir, "recipients.json"), logger)
	recipients.SetClock(clock.Now)

	hist, err := history.Open(filepath.Join(dir, "history.csv"), logger)
	if err != nil {
		t.Fatalf("history.Open() error = %v", err)
	}

	f := &fixture{
		recipients: recipients,
		history:    hist,
		transport:  &mockTransport{},
		templates:  &liveTemplate{tmpl: template.Template{Subject: "Re: {position}", Body: "Hello {company}"}},
		clock:      clock,
	}
	f.engine = NewEngine(Config{From: "me@example.com", FromName: "Jane Doe", SenderTitle: "Engineer"},
		recipients, f.templates, hist, f.transport, logger)
	f.engine.SetClock(clock.Now)
	return f
}

func (f *fixture) add(t *testing.T, addr, company string, maxSends int) {
	t.Helper()
	if _, err := f.recipients.Add(recipient.NewRecipient{Email: addr, Company: company}, maxSends); err != nil {
		t.Fatalf("Add(%s) error = %v", addr, err)
	}
}

func TestSendTo_ResendUntilCompleted(t *testing.T) {
	f := newFixture(t)
	f.add(t, "hr@acme.com", "Acme", 3)
	ctx := context.Background()
	opts := SendOptions{CheckEligibility: true, IntervalDays: 1}

	for i := 1; i <= 3; i++ {
		f.clock.Set(time.Date(2026, 3, i, 9, 0, 0, 0, time.UTC))

		eligible := f.recipients.ListEligibleForSend(f.clock.Now(), 1)
		if len(eligible) != 1 {
			t.Fatalf("day %d: eligible = %d, want 1", i, len(eligible))
		}

		res, err := f.engine.SendTo(ctx, "hr@acme.com", opts)
		if err != nil {
			t.Fatalf("day %d: SendTo() error = %v", i, err)
		}
		if !res.Sent || res.SendOrdinal != i {
			t.Errorf("day %d: result = %+v", i, res)
		}

		r, _ := f.recipients.Get("hr@acme.com")
		if r.SendCount != i {
			t.Errorf("day %d: SendCount = %d, want %d", i, r.SendCount, i)
		}
		want := recipient.StatusSent
		if i == 3 {
			want = recipient.StatusCompleted
		}
		if r.Status != want {
			t.Errorf("day %d: Status = %s, want %s", i, r.Status, want)
		}

		// Same day again: no longer due
		if got := f.recipients.ListEligibleForSend(f.clock.Now(), 1); len(got) != 0 {
			t.Errorf("day %d: still eligible after send", i)
		}
	}

	f.clock.Set(time.Date(2026, 3, 30, 9, 0, 0, 0, time.UTC))
	if got := f.recipients.ListEligibleForSend(f.clock.Now(), 1); len(got) != 0 {
		t.Error("completed recipient is eligible")
	}
	if _, err := f.engine.SendTo(ctx, "hr@acme.com", SendOptions{}); !errors.Is(err, ErrSendLimitReached) {
		t.Errorf("SendTo() on completed recipient error = %v, want ErrSendLimitReached", err)
	}

	entries := f.history.ForRecipient("hr@acme.com")
	if len(entries) != 3 {
		t.Fatalf("history entries = %d, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Outcome != history.OutcomeSent || e.SendOrdinal != i+1 {
			t.Errorf("entry %d = %+v", i, e)
		}
	}
}

func TestSendTo_TransportFailure(t *testing.T) {
	f := newFixture(t)
	f.add(t, "hr@acme.com", "Acme", 3)
	f.transport.sendFunc = func(ctx context.Context, msg *Message) error {
		return fmt.Errorf("%w: 554 rejected", ErrTransportOther)
	}

	res, err := f.engine.SendTo(context.Background(), "hr@acme.com", SendOptions{})
	if !errors.Is(err, ErrTransportOther) {
		t.Fatalf("SendTo() error = %v, want ErrTransportOther", err)
	}
	if res.Sent || res.SendOrdinal != 1 {
		t.Errorf("result = %+v", res)
	}

	r, _ := f.recipients.Get("hr@acme.com")
	if r.SendCount != 0 || r.LastSentAt != nil {
		t.Errorf("failure changed delivery state: %+v", r)
	}
	if r.Status != recipient.StatusFailed {
		t.Errorf("Status = %s, want FAILED", r.Status)
	}
	if r.SavedBody != "" {
		t.Error("failure froze the template")
	}

	entries := f.history.Entries()
	if len(entries) != 1 || entries[0].Outcome != history.OutcomeFailed || entries[0].SendOrdinal != 1 {
		t.Fatalf("history = %+v", entries)
	}
	if !strings.Contains(entries[0].Reason, "554 rejected") {
		t.Errorf("Reason = %q", entries[0].Reason)
	}

	if got := f.recipients.ListEligibleForSend(f.clock.Now(), 1); len(got) != 1 {
		t.Error("failed recipient should stay eligible")
	}
}

func TestSendTo_FrozenArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, "hr@acme.com", "Acme", 3)

	if _, err := f.engine.SendTo(ctx, "hr@acme.com", SendOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := f.transport.last().Body; got != "Hello Acme" {
		t.Fatalf("first body = %q", got)
	}

	f.templates.tmpl.Body = "Goodbye {company}"
	f.add(t, "jobs@beta.io", "Beta", 3)

	f.clock.Set(f.clock.Now().AddDate(0, 0, 1))
	if _, err := f.engine.SendTo(ctx, "hr@acme.com", SendOptions{CheckEligibility: true, IntervalDays: 1}); err != nil {
		t.Fatal(err)
	}
	if got := f.transport.last().Body; got != "Hello Acme" {
		t.Errorf("resend body = %q, want frozen Hello Acme", got)
	}

	if _, err := f.engine.SendTo(ctx, "jobs@beta.io", SendOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := f.transport.last().Body; got != "Goodbye Beta" {
		t.Errorf("new recipient body = %q, want Goodbye Beta", got)
	}

	r, _ := f.recipients.Get("hr@acme.com")
	if r.SavedBody != "Hello {company}" || r.SavedSubject != "Re: {position}" {
		t.Errorf("saved artifact = %q / %q", r.SavedSubject, r.SavedBody)
	}
}

func TestSendTo_DedupesAttachments(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	cv := filepath.Join(dir, "cv.pdf")
	if err := os.WriteFile(cv, []byte("%PDF"), 0644); err != nil {
		t.Fatal(err)
	}

	paths := []string{cv, filepath.Join(dir, ".", "sub", "..", "cv.pdf"), cv}
	link := filepath.Join(dir, "link.pdf")
	if err := os.Symlink(cv, link); err == nil {
		paths = append(paths, link)
	}
	f.templates.tmpl.Attachments = paths
	f.add(t, "hr@acme.com", "Acme", 3)

	if _, err := f.engine.SendTo(context.Background(), "hr@acme.com", SendOptions{}); err != nil {
		t.Fatal(err)
	}
	msg := f.transport.last()
	if len(msg.Attachments) != 1 {
		t.Fatalf("attachments = %v, want exactly one", msg.Attachments)
	}
	if entries := f.history.Entries(); entries[0].AttachmentCount != 1 {
		t.Errorf("AttachmentCount = %d, want 1", entries[0].AttachmentCount)
	}
}

func TestSendTo_Timeout(t *testing.T) {
	f := newFixture(t)
	f.engine.cfg.Timeout = 50 * time.Millisecond
	f.add(t, "hr@acme.com", "Acme", 3)
	f.transport.sendFunc = func(ctx context.Context, msg *Message) error {
		<-ctx.Done()
		return ctx.Err()
	}

	_, err := f.engine.SendTo(context.Background(), "hr@acme.com", SendOptions{})
	if !errors.Is(err, ErrTransportTimeout) {
		t.Fatalf("SendTo() error = %v, want ErrTransportTimeout", err)
	}
	if kind := ErrorKind(err); kind != "timeout" {
		t.Errorf("ErrorKind() = %q", kind)
	}
}

func TestSendTo_CallerCancelDoesNotAbortSend(t *testing.T) {
	f := newFixture(t)
	f.add(t, "hr@acme.com", "Acme", 3)

	ctx, cancel := context.WithCancel(context.Background())
	f.transport.sendFunc = func(sendCtx context.Context, msg *Message) error {
		cancel()
		if sendCtx.Err() != nil {
			return sendCtx.Err()
		}
		return nil
	}

	res, err := f.engine.SendTo(ctx, "hr@acme.com", SendOptions{})
	if err != nil || !res.Sent {
		t.Errorf("SendTo() = %+v, %v; want sent", res, err)
	}
}

func TestSendTo_ReasonTruncated(t *testing.T) {
	f := newFixture(t)
	f.add(t, "hr@acme.com", "Acme", 3)
	f.transport.sendFunc = func(ctx context.Context, msg *Message) error {
		return fmt.Errorf("%w: %s", ErrTransportAuth, strings.Repeat("é", 500))
	}

	f.engine.SendTo(context.Background(), "hr@acme.com", SendOptions{})

	reason := f.history.Entries()[0].Reason
	if n := utf8.RuneCountInString(reason); n != maxReasonRunes {
		t.Errorf("reason length = %d runes, want %d", n, maxReasonRunes)
	}
}

func TestSendTo_NotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.SendTo(context.Background(), "nobody@example.com", SendOptions{}); !errors.Is(err, recipient.ErrNotFound) {
		t.Errorf("SendTo() error = %v, want ErrNotFound", err)
	}
}

func TestSendTo_StoppedRecipientManualSend(t *testing.T) {
	f := newFixture(t)
	f.add(t, "hr@acme.com", "Acme", 3)
	f.recipients.SetStopResend("hr@acme.com", true)

	res, err := f.engine.SendTo(context.Background(), "hr@acme.com", SendOptions{CheckEligibility: true, IntervalDays: 1})
	if err != nil || !res.Skipped {
		t.Errorf("eligibility-checked send to stopped recipient = %+v, %v; want skipped", res, err)
	}

	res, err = f.engine.SendTo(context.Background(), "hr@acme.com", SendOptions{})
	if err != nil || !res.Sent {
		t.Fatalf("manual send = %+v, %v", res, err)
	}
	r, _ := f.recipients.Get("hr@acme.com")
	if r.Status != recipient.StatusStopped {
		t.Errorf("Status = %s, want STOPPED", r.Status)
	}
}

func TestSendBatch(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a@acme.com", "Acme", 3)
	f.add(t, "b@beta.io", "Beta", 3)
	f.add(t, "c@gamma.org", "Gamma", 3)

	f.transport.sendFunc = func(ctx context.Context, msg *Message) error {
		if msg.To == "b@beta.io" {
			return fmt.Errorf("%w: 535 bad credentials", ErrTransportAuth)
		}
		return nil
	}

	batch, err := f.engine.SendBatch(context.Background(),
		[]string{"a@acme.com", "b@beta.io", "missing@x.com", "c@gamma.org"}, SendOptions{}, nil)
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if batch.Sent != 2 || batch.Failed != 1 || batch.Skipped != 1 {
		t.Errorf("batch = sent %d failed %d skipped %d", batch.Sent, batch.Failed, batch.Skipped)
	}

	r, _ := f.recipients.Get("c@gamma.org")
	if r.SendCount != 1 {
		t.Error("batch stopped after a failure")
	}
}

func TestSendBatch_CredentialsMissing(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a@acme.com", "Acme", 3)
	f.transport.credErr = ErrCredentialsMissing

	batch, err := f.engine.SendBatch(context.Background(), []string{"a@acme.com"}, SendOptions{}, nil)
	if !errors.Is(err, ErrCredentialsMissing) {
		t.Fatalf("SendBatch() error = %v, want ErrCredentialsMissing", err)
	}
	if len(batch.Results) != 0 || f.transport.last() != nil {
		t.Error("batch attempted a send without credentials")
	}
	if f.history.Len() != 0 {
		t.Error("history written without an attempt")
	}
}

func TestSend_CorruptStoreBlocksSends(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a@acme.com", "Acme", 3)

	if err := os.WriteFile(f.recipients.Path(), []byte("not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := f.recipients.Load(3); !errors.Is(err, recipient.ErrCorrupt) {
		t.Fatalf("Load() error = %v, want ErrCorrupt", err)
	}

	ctx := context.Background()
	if _, err := f.engine.SendTo(ctx, "a@acme.com", SendOptions{}); !errors.Is(err, recipient.ErrCorrupt) {
		t.Errorf("SendTo() error = %v, want ErrCorrupt", err)
	}
	batch, err := f.engine.SendBatch(ctx, []string{"a@acme.com"}, SendOptions{CheckEligibility: true, IntervalDays: 1}, nil)
	if !errors.Is(err, recipient.ErrCorrupt) {
		t.Errorf("SendBatch() error = %v, want ErrCorrupt", err)
	}
	if batch.Sent != 0 || f.transport.last() != nil {
		t.Error("message sent while the recipient store refuses writes")
	}
	if f.history.Len() != 0 {
		t.Error("history written while the recipient store refuses writes")
	}
}

func TestSendBatch_Stop(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a@acme.com", "Acme", 3)
	f.add(t, "b@beta.io", "Beta", 3)

	calls := 0
	stop := func() bool {
		calls++
		return calls > 1
	}

	batch, err := f.engine.SendBatch(context.Background(), []string{"a@acme.com", "b@beta.io"}, SendOptions{}, stop)
	if err != nil {
		t.Fatal(err)
	}
	if !batch.Stopped || batch.Sent != 1 {
		t.Errorf("batch = %+v, want one send then stop", batch)
	}
}

func TestPreview(t *testing.T) {
	f := newFixture(t)
	f.add(t, "hr@acme.com", "Acme", 3)

	p, err := f.engine.Preview(context.Background(), "hr@acme.com")
	if err != nil {
		t.Fatal(err)
	}
	if p.Body != "Hello Acme" || p.Subject != "Re: the position" || p.Frozen || p.SendOrdinal != 1 {
		t.Errorf("Preview() = %+v", p)
	}
	if f.transport.last() != nil {
		t.Error("Preview() sent a message")
	}

	f.engine.SendTo(context.Background(), "hr@acme.com", SendOptions{})
	f.templates.tmpl.Body = "Changed"

	p, _ = f.engine.Preview(context.Background(), "hr@acme.com")
	if !p.Frozen || p.Body != "Hello Acme" || p.SendOrdinal != 2 {
		t.Errorf("Preview() after first send = %+v", p)
	}
}

func TestDedupeAttachments(t *testing.T) {
	if got := DedupeAttachments(nil); got != nil {
		t.Errorf("DedupeAttachments(nil) = %v", got)
	}

	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	got := DedupeAttachments([]string{a, b, "", a, filepath.Join(dir, "x", "..", "b.txt")})
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("DedupeAttachments() = %v", got)
	}
}

func TestSend_ScheduledAndManualNeverOverlap(t *testing.T) {
	f := newFixture(t)
	f.add(t, "hr@acme.com", "Acme", 5)

	var inFlight, maxInFlight atomic.Int32
	f.transport.sendFunc = func(ctx context.Context, msg *Message) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return nil
	}

	ctx := context.Background()
	scheduled := SendOptions{CheckEligibility: true, IntervalDays: 1}

	var wg sync.WaitGroup
	errCh := make(chan error, 16)
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 2; j++ {
				if _, err := f.engine.SendBatch(ctx, []string{"hr@acme.com"}, scheduled, nil); err != nil {
					errCh <- fmt.Errorf("SendBatch: %w", err)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 2; j++ {
				_, err := f.engine.SendTo(ctx, "hr@acme.com", SendOptions{})
				if err != nil && !errors.Is(err, ErrSendLimitReached) {
					errCh <- fmt.Errorf("SendTo: %w", err)
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}

	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent transport calls = %d, want 1", got)
	}

	r, err := f.recipients.Get("hr@acme.com")
	if err != nil {
		t.Fatal(err)
	}
	if r.SendCount != 5 || r.Status != recipient.StatusCompleted {
		t.Errorf("recipient = count %d status %s, want 5 COMPLETED", r.SendCount, r.Status)
	}
	if n := len(f.transport.sent); n != r.SendCount {
		t.Errorf("transport sends = %d, sendCount = %d", n, r.SendCount)
	}
	if n := len(f.history.ForRecipient("hr@acme.com")); n != r.SendCount {
		t.Errorf("history entries = %d, sendCount = %d", n, r.SendCount)
	}

	ordinals := make(map[int]bool)
	for _, e := range f.history.ForRecipient("hr@acme.com") {
		if ordinals[e.SendOrdinal] {
			t.Errorf("send ordinal %d recorded twice", e.SendOrdinal)
		}
		ordinals[e.SendOrdinal] = true
	}
}
