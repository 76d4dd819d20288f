// Package history keeps the append-only log of send attempts.
//
// Each attempt is one CSV line:
//
//	date,time,to,company,subject,outcome,send_ordinal,attachment_count
//
// The outcome column is "SENT" or "FAILED: <reason>". The two trailing
// columns are optional when reading, so files written by older versions
// still load.
package history

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	dateLayout = time.DateOnly
	timeLayout = time.TimeOnly

	minFields = 6
)

var ErrPersistence = errors.New("history persistence failed")

// Outcome is the result of a send attempt
type Outcome string

const (
	OutcomeSent   Outcome = "SENT"
	OutcomeFailed Outcome = "FAILED"
)

// Entry is one immutable send attempt record
type Entry struct {
	Timestamp       time.Time `json:"timestamp"`
	RecipientEmail  string    `json:"recipient_email"`
	Company         string    `json:"company"`
	Subject         string    `json:"subject"`
	Outcome         Outcome   `json:"outcome"`
	Reason          string    `json:"reason,omitempty"`
	AttachmentCount int       `json:"attachment_count"`
	SendOrdinal     int       `json:"send_ordinal"`
}

// Log is the history file plus an in-memory copy of its entries
type Log struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	entries []Entry
}

// Open loads the history file at path, creating it lazily on first append.
// Short or malformed lines are skipped.
func Open(path string, logger *slog.Logger) (*Log, error) {
	l := &Log{path: path, logger: logger}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return l, nil
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrPersistence, path, err)
	}
	defer f.Close()

	entries, skipped, err := readEntries(f)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrPersistence, path, err)
	}
	if skipped > 0 {
		logger.Warn("skipped malformed history lines", "path", path, "skipped", skipped)
	}
	l.entries = entries
	return l, nil
}

// Append writes e to the file and then to memory
func (l *Log) Append(e Entry) error {
	line, err := formatEntry(e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("%w: create directory: %v", ErrPersistence, err)
	}
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrPersistence, l.path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("%w: write %s: %v", ErrPersistence, l.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrPersistence, l.path, err)
	}

	l.entries = append(l.entries, e)
	return nil
}

// Entries returns a copy of all entries in append order
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

// ForRecipient returns the entries for one address in append order
func (l *Log) ForRecipient(addr string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if e.RecipientEmail == addr {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func formatEntry(e Entry) ([]byte, error) {
	outcome := string(e.Outcome)
	if e.Outcome == OutcomeFailed && e.Reason != "" {
		outcome += ": " + e.Reason
	}

	ts := e.Timestamp.Local()
	record := []string{
		ts.Format(dateLayout),
		ts.Format(timeLayout),
		e.RecipientEmail,
		oneLine(e.Company),
		oneLine(e.Subject),
		oneLine(outcome),
		strconv.Itoa(e.SendOrdinal),
		strconv.Itoa(e.AttachmentCount),
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(record); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readEntries parses the file line by line so one bad line cannot take the
// rest of the file with it.
func readEntries(r io.Reader) ([]Entry, int, error) {
	var (
		entries []Entry
		skipped int
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, ok := parseLine(line)
		if !ok {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	return entries, skipped, nil
}

func parseLine(line string) (Entry, bool) {
	cr := csv.NewReader(strings.NewReader(line))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	record, err := cr.Read()
	if err != nil || len(record) < minFields {
		return Entry{}, false
	}

	ts, err := time.ParseInLocation(dateLayout+" "+timeLayout, record[0]+" "+record[1], time.Local)
	if err != nil {
		return Entry{}, false
	}

	e := Entry{
		Timestamp:      ts,
		RecipientEmail: record[2],
		Company:        record[3],
		Subject:        record[4],
	}

	outcome := strings.TrimSpace(record[5])
	switch {
	case strings.EqualFold(outcome, string(OutcomeSent)):
		e.Outcome = OutcomeSent
	case strings.HasPrefix(strings.ToUpper(outcome), string(OutcomeFailed)):
		e.Outcome = OutcomeFailed
		e.Reason = strings.TrimSpace(strings.TrimPrefix(outcome[len(OutcomeFailed):], ":"))
	default:
		return Entry{}, false
	}

	if len(record) > 6 && record[6] != "" {
		n, err := strconv.Atoi(record[6])
		if err != nil {
			return Entry{}, false
		}
		e.SendOrdinal = n
	}
	if len(record) > 7 && record[7] != "" {
		n, err := strconv.Atoi(record[7])
		if err != nil {
			return Entry{}, false
		}
		e.AttachmentCount = n
	}
	return e, true
}

func oneLine(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.Join(strings.Fields(s), " ")
}
