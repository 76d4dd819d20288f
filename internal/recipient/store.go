// Package recipient implements the recipient store: the in-memory set of
// campaign targets with their delivery state, persisted as a JSON list.
package recipient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/foxzi/followup/internal/email"
)

var (
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrDuplicateRecipient = errors.New("recipient already exists")
	ErrNotFound           = errors.New("recipient not found")
	ErrPersistence        = errors.New("recipient persistence failed")
	// ErrCorrupt is returned when the recipient file is not a JSON list. The
	// store then refuses to overwrite the file.
	ErrCorrupt = fmt.Errorf("%w: recipient file is corrupt", ErrPersistence)
)

// NewRecipient holds the user-supplied fields of a recipient
type NewRecipient struct {
	Email       string `json:"email"`
	Company     string `json:"company"`
	ContactName string `json:"contact_name"`
	Position    string `json:"position"`
	Notes       string `json:"notes"`
}

// Store keeps recipients in insertion order behind a single lock. Every
// mutation is written to disk before the lock is released.
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	order   []string
	byEmail map[string]*Recipient
	// held are stored records that could not be used; they are written
	// back unchanged
	held       []json.RawMessage
	dirty      bool
	writeBlock error
}

// NewStore creates an empty store backed by path
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{
		path:    path,
		logger:  logger,
		now:     time.Now,
		byEmail: make(map[string]*Recipient),
	}
}

// SetClock overrides the time source used for AddedAt
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Path returns the backing file path
func (s *Store) Path() string {
	return s.path
}

// Add inserts a new recipient with sendCount=0 and status PENDING
func (s *Store) Add(in NewRecipient, maxSends int) (*Recipient, error) {
	addr := strings.TrimSpace(in.Email)
	if !email.Valid(addr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEmail, in.Email)
	}
	if maxSends < 1 {
		return nil, fmt.Errorf("max sends must be at least 1, got %d", maxSends)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeBlock != nil {
		return nil, s.writeBlock
	}
	if _, ok := s.byEmail[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRecipient, addr)
	}

	added := s.now()
	r := &Recipient{
		Email:       addr,
		Company:     strings.TrimSpace(in.Company),
		ContactName: strings.TrimSpace(in.ContactName),
		Position:    strings.TrimSpace(in.Position),
		Notes:       strings.TrimSpace(in.Notes),
		MaxSends:    maxSends,
		Status:      StatusPending,
		AddedAt:     &added,
	}
	s.order = append(s.order, addr)
	s.byEmail[addr] = r
	s.persistLocked()

	return r.Clone(), nil
}

// Remove deletes a recipient. Removing an absent address reports ErrNotFound.
func (s *Store) Remove(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeBlock != nil {
		return s.writeBlock
	}
	if _, ok := s.byEmail[addr]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	delete(s.byEmail, addr)
	for i, e := range s.order {
		if e == addr {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.persistLocked()
	return nil
}

// SetStopResend sets or clears the manual stop flag. Stopping moves a
// not-yet-completed recipient to STOPPED; resuming restores PENDING or SENT.
func (s *Store) SetStopResend(addr string, stop bool) (*Recipient, error) {
	return s.Update(addr, func(r *Recipient) error {
		r.StopResend = stop
		if r.Status == StatusCompleted {
			return nil
		}
		if stop {
			r.Status = StatusStopped
		} else if r.Status == StatusStopped {
			r.Status = StatusPending
			if r.SendCount > 0 {
				r.Status = StatusSent
			}
		}
		return nil
	})
}

// Get returns a copy of the recipient
func (s *Store) Get(addr string) (*Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byEmail[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	return r.Clone(), nil
}

// List returns copies of all recipients in insertion order
func (s *Store) List() []*Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Recipient, 0, len(s.order))
	for _, addr := range s.order {
		out = append(out, s.byEmail[addr].Clone())
	}
	return out
}

// Len returns the number of recipients
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// StatusCounts returns the number of recipients per status
func (s *Store) StatusCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, r := range s.byEmail {
		counts[string(r.Status)]++
	}
	return counts
}

// ListEligibleForSend returns a snapshot, in insertion order, of recipients
// due for a send at now. Recipients found at their send limit are forced to
// COMPLETED on the way.
func (s *Store) ListEligibleForSend(now time.Time, intervalDays int) []*Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		out     []*Recipient
		changed bool
	)
	for _, addr := range s.order {
		r := s.byEmail[addr]
		if r.Completed() && r.Status != StatusCompleted {
			r.Status = StatusCompleted
			changed = true
		}
		if r.EligibleAt(now, intervalDays) {
			out = append(out, r.Clone())
		}
	}
	if changed && s.writeBlock == nil {
		s.persistLocked()
	}
	return out
}

// Update applies fn to the stored recipient under the store lock and
// persists the result. fn errors abort the update without persisting.
func (s *Store) Update(addr string, fn func(r *Recipient) error) (*Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeBlock != nil {
		return nil, s.writeBlock
	}
	r, ok := s.byEmail[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}

	next := r.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.SendCount < 0 {
		next.SendCount = 0
	}
	if next.SendCount > next.MaxSends {
		return nil, fmt.Errorf("send count %d exceeds max sends %d for %s", next.SendCount, next.MaxSends, addr)
	}
	next.Email = addr
	s.byEmail[addr] = next
	s.persistLocked()

	return next.Clone(), nil
}

// persistLocked writes the store to disk. A failure is logged and the store
// stays dirty, so the write is retried with the next mutation.
func (s *Store) persistLocked() {
	s.dirty = true
	if err := s.saveLocked(); err != nil {
		s.logger.Error("failed to persist recipients, will retry on next change",
			"path", s.path,
			"error", err,
		)
	}
}

// Dirty reports whether in-memory state has not been written yet
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// WriteBlocked returns ErrCorrupt while the backing file could not be
// loaded. All changes are refused until a successful Load.
func (s *Store) WriteBlocked() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeBlock
}

// Save writes all recipients to the backing file
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if s.writeBlock != nil {
		return s.writeBlock
	}

	list := make([]any, 0, len(s.order)+len(s.held))
	for _, addr := range s.order {
		list = append(list, s.byEmail[addr])
	}
	for _, raw := range s.held {
		list = append(list, raw)
	}

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal recipients: %v", ErrPersistence, err)
	}
	if err := writeFileAtomic(s.path, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	s.dirty = false
	return nil
}

// Load replaces the store contents with the backing file. A missing file
// yields an empty store. A file that is not a JSON list returns ErrCorrupt
// and blocks all further changes so the operator can recover it. Individual
// records that cannot be used (unreadable delivery state, no email, or a
// repeated email) are kept aside and written back as they were.
func (s *Store) Load(defaultMaxSends int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.order = nil
			s.byEmail = make(map[string]*Recipient)
			s.held = nil
			s.writeBlock = nil
			return nil
		}
		return fmt.Errorf("%w: read %s: %v", ErrPersistence, s.path, err)
	}

	var raw []json.RawMessage
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			s.writeBlock = fmt.Errorf("%w: refusing to overwrite %s", ErrCorrupt, s.path)
			return fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
		}
	}

	order := make([]string, 0, len(raw))
	byEmail := make(map[string]*Recipient, len(raw))
	var held []json.RawMessage
	for i, item := range raw {
		r, err := decodeRecipient(item, defaultMaxSends)
		if err != nil {
			s.logger.Warn("keeping unreadable recipient record as is", "index", i, "error", err)
			held = append(held, item)
			continue
		}
		if _, dup := byEmail[r.Email]; dup {
			s.logger.Warn("keeping duplicate recipient record as is", "index", i, "email", r.Email)
			held = append(held, item)
			continue
		}
		if !email.Valid(r.Email) {
			s.logger.Warn("recipient email does not look valid", "index", i, "email", r.Email)
		}
		order = append(order, r.Email)
		byEmail[r.Email] = r
	}

	s.order = order
	s.byEmail = byEmail
	s.held = held
	s.writeBlock = nil
	s.dirty = false
	return nil
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
