package history

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAppendAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.csv")
	l, err := Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	ts := time.Date(2026, 2, 3, 9, 30, 5, 0, time.Local)
	entries := []Entry{
		{Timestamp: ts, RecipientEmail: "a@acme.com", Company: "Acme, Inc.", Subject: `Re: "Backend" role`, Outcome: OutcomeSent, SendOrdinal: 1, AttachmentCount: 2},
		{Timestamp: ts.Add(time.Minute), RecipientEmail: "b@beta.com", Company: "Beta", Subject: "Hello\nworld", Outcome: OutcomeFailed, Reason: "535 auth failed", SendOrdinal: 1},
	}
	for _, e := range entries {
		if err := l.Append(e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	reloaded, err := Open(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	got := reloaded.Entries()
	if len(got) != 2 {
		t.Fatalf("reloaded %d entries, want 2", len(got))
	}

	if !got[0].Timestamp.Equal(ts) || got[0].Company != "Acme, Inc." || got[0].Subject != `Re: "Backend" role` {
		t.Errorf("entry 0 = %+v", got[0])
	}
	if got[0].Outcome != OutcomeSent || got[0].SendOrdinal != 1 || got[0].AttachmentCount != 2 {
		t.Errorf("entry 0 outcome fields = %+v", got[0])
	}
	if got[1].Outcome != OutcomeFailed || got[1].Reason != "535 auth failed" || got[1].Subject != "Hello world" {
		t.Errorf("entry 1 = %+v", got[1])
	}
}

func TestOpenSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.csv")
	content := "" +
		"2026-01-02,10:00:00,a@acme.com,Acme,Hi,SENT\n" +
		"short,line\n" +
		"\n" +
		"not-a-date,10:00:00,a@acme.com,Acme,Hi,SENT\n" +
		"2026-01-03,11:00:00,a@acme.com,Acme,Hi,MAYBE\n" +
		"2026-01-04,12:00:00,b@beta.com,Beta,Hi,FAILED: timeout,2\n" +
		"2026-01-05,12:00:00,b@beta.com,Beta,Hi,SENT,x\n" +
		"2026-01-06,08:00:00,c@gamma.com,\"Gamma, \"\"LLC\"\"\",Hi,SENT,3,1\r\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	l, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got := l.Entries()
	if len(got) != 3 {
		t.Fatalf("loaded %d entries, want 3: %+v", len(got), got)
	}
	if got[0].SendOrdinal != 0 {
		t.Errorf("missing ordinal should default to 0, got %d", got[0].SendOrdinal)
	}
	if got[1].Reason != "timeout" || got[1].SendOrdinal != 2 {
		t.Errorf("failed entry = %+v", got[1])
	}
	if got[2].Company != `Gamma, "LLC"` || got[2].SendOrdinal != 3 || got[2].AttachmentCount != 1 {
		t.Errorf("quoted entry = %+v", got[2])
	}
}

func TestAppendFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	os.WriteFile(blocker, nil, 0600)

	l, err := Open(filepath.Join(blocker, "history.csv"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	err = l.Append(Entry{Timestamp: time.Now(), RecipientEmail: "a@acme.com", Outcome: OutcomeSent})
	if !errors.Is(err, ErrPersistence) {
		t.Errorf("Append() error = %v, want ErrPersistence", err)
	}
	if l.Len() != 0 {
		t.Error("failed append must not be recorded in memory")
	}
}

func TestForRecipientAndSummary(t *testing.T) {
	l, _ := Open(filepath.Join(t.TempDir(), "history.csv"), testLogger())
	now := time.Now()
	for _, e := range []Entry{
		{RecipientEmail: "a@acme.com", Outcome: OutcomeSent, SendOrdinal: 1},
		{RecipientEmail: "b@beta.com", Outcome: OutcomeFailed, SendOrdinal: 1},
		{RecipientEmail: "a@acme.com", Outcome: OutcomeSent, SendOrdinal: 2},
		{RecipientEmail: "b@beta.com", Outcome: OutcomeSent, SendOrdinal: 1},
		{RecipientEmail: "a@acme.com", Outcome: OutcomeSent, SendOrdinal: 3},
	} {
		e.Timestamp = now
		if err := l.Append(e); err != nil {
			t.Fatal(err)
		}
	}

	if got := len(l.ForRecipient("a@acme.com")); got != 3 {
		t.Errorf("ForRecipient() = %d entries, want 3", got)
	}

	s := Summarize(l.Entries())
	want := Summary{Attempts: 5, Sent: 4, Failed: 1, UniqueRecipients: 2, Resends: 2}
	if s != want {
		t.Errorf("Summarize() = %+v, want %+v", s, want)
	}
}
