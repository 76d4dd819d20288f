package recipient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status represents the delivery status of a recipient
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusStopped   Status = "STOPPED"
)

// ParseStatus parses a status case-insensitively. Unknown values return false.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, true
	case StatusSent:
		return StatusSent, true
	case StatusCompleted:
		return StatusCompleted, true
	case StatusFailed:
		return StatusFailed, true
	case StatusStopped:
		return StatusStopped, true
	}
	return "", false
}

// Recipient is one campaign target, keyed by email address
type Recipient struct {
	Email       string `json:"email"`
	Company     string `json:"company"`
	ContactName string `json:"contact_name"`
	Position    string `json:"position"`
	Notes       string `json:"notes"`

	SendCount  int        `json:"send_count"`
	MaxSends   int        `json:"max_sends"`
	LastSentAt *time.Time `json:"last_sent_at,omitempty"`
	Status     Status     `json:"status"`
	StopResend bool       `json:"stop_resend"`

	// Frozen at the first successful send and reused for every resend
	SavedSubject     string   `json:"saved_subject,omitempty"`
	SavedBody        string   `json:"saved_body,omitempty"`
	SavedAttachments []string `json:"saved_attachments,omitempty"`

	AddedAt *time.Time `json:"added_at,omitempty"`
}

// Clone returns a deep copy
func (r *Recipient) Clone() *Recipient {
	c := *r
	if r.LastSentAt != nil {
		t := *r.LastSentAt
		c.LastSentAt = &t
	}
	if r.AddedAt != nil {
		t := *r.AddedAt
		c.AddedAt = &t
	}
	if r.SavedAttachments != nil {
		c.SavedAttachments = append([]string(nil), r.SavedAttachments...)
	}
	return &c
}

// Completed reports whether the send limit has been reached
func (r *Recipient) Completed() bool {
	return r.SendCount >= r.MaxSends
}

// Started reports whether the frozen send artifact has been captured
func (r *Recipient) Started() bool {
	return r.SendCount > 0 && (r.SavedSubject != "" || r.SavedBody != "")
}

// EligibleAt evaluates the resend predicate at now. The interval is counted
// in whole calendar days in now's location.
func (r *Recipient) EligibleAt(now time.Time, intervalDays int) bool {
	if r.StopResend {
		return false
	}
	if r.Completed() {
		return false
	}
	if r.LastSentAt == nil {
		return true
	}
	return DaysBetween(*r.LastSentAt, now) >= intervalDays
}

// NextStatus is the status after a successful send
func (r *Recipient) NextStatus() Status {
	switch {
	case r.Completed():
		return StatusCompleted
	case r.StopResend:
		return StatusStopped
	default:
		return StatusSent
	}
}

// DaysBetween returns the number of calendar days from the date of a to the
// date of b, both taken in b's location.
func DaysBetween(a, b time.Time) int {
	a = a.In(b.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	// Noon UTC avoids DST shifts in the subtraction.
	da := time.Date(ay, am, ad, 12, 0, 0, 0, time.UTC)
	db := time.Date(by, bm, bd, 12, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

// fields is one stored record, decoded key by key so a single odd value
// does not cost the whole record.
type fields map[string]json.RawMessage

func (f fields) has(key string) bool {
	v, ok := f[key]
	return ok && string(bytes.TrimSpace(v)) != "null"
}

// str reads a text field. A non-string value is kept as its JSON text.
func (f fields) str(key string) string {
	if !f.has(key) {
		return ""
	}
	var s string
	if err := json.Unmarshal(f[key], &s); err != nil {
		return strings.TrimSpace(string(f[key]))
	}
	return s
}

func (f fields) strs(key string) []string {
	if !f.has(key) {
		return nil
	}
	var list []string
	if err := json.Unmarshal(f[key], &list); err == nil {
		return list
	}
	if s := f.str(key); s != "" {
		return []string{s}
	}
	return nil
}

// integer accepts a JSON number or a quoted one
func (f fields) integer(key string) (int, bool, error) {
	if !f.has(key) {
		return 0, false, nil
	}
	var n int
	if err := json.Unmarshal(f[key], &n); err == nil {
		return n, true, nil
	}
	var s string
	if err := json.Unmarshal(f[key], &s); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n, true, nil
		}
	}
	return 0, true, fmt.Errorf("field %s: not a number: %s", key, f[key])
}

// boolean accepts true/false, 0/1 and their quoted forms
func (f fields) boolean(key string) (bool, error) {
	if !f.has(key) {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(f[key], &b); err == nil {
		return b, nil
	}
	if b, err := strconv.ParseBool(f.str(key)); err == nil {
		return b, nil
	}
	return false, fmt.Errorf("field %s: not a boolean: %s", key, f[key])
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	time.DateTime,
	time.DateOnly,
}

// timestamp accepts RFC 3339 and the zone-less forms older files used,
// which are read as local time.
func (f fields) timestamp(key string) (*time.Time, error) {
	if !f.has(key) {
		return nil, nil
	}
	s := strings.TrimSpace(f.str(key))
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("field %s: not a time: %s", key, f[key])
}

// decodeRecipient converts one stored record, filling in defaults for
// missing fields. Descriptive fields of the wrong type are read as text or
// defaulted. The delivery fields (send_count, max_sends, last_sent_at,
// stop_resend) must be readable: a wrong guess there would repeat or
// resume sends, so such a record is rejected and the caller keeps it as is.
func decodeRecipient(raw json.RawMessage, defaultMaxSends int) (*Recipient, error) {
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}

	r := &Recipient{
		Email:            strings.TrimSpace(f.str("email")),
		Company:          f.str("company"),
		Position:         f.str("position"),
		Notes:            f.str("notes"),
		SavedSubject:     f.str("saved_subject"),
		SavedBody:        f.str("saved_body"),
		SavedAttachments: f.strs("saved_attachments"),
	}
	if r.Email == "" {
		return nil, errors.New("record has no email")
	}

	if f.has("contact_name") {
		r.ContactName = f.str("contact_name")
	} else {
		r.ContactName = f.str("contact")
	}

	sendCount, _, err := f.integer("send_count")
	if err != nil {
		return nil, err
	}
	if sendCount > 0 {
		r.SendCount = sendCount
	}

	maxSends, ok, err := f.integer("max_sends")
	if err != nil {
		return nil, err
	}
	r.MaxSends = defaultMaxSends
	if ok && maxSends >= 1 {
		r.MaxSends = maxSends
	}
	if r.SendCount > r.MaxSends {
		r.SendCount = r.MaxSends
	}

	if r.LastSentAt, err = f.timestamp("last_sent_at"); err != nil {
		return nil, err
	}
	if r.StopResend, err = f.boolean("stop_resend"); err != nil {
		return nil, err
	}

	if added, err := f.timestamp("added_at"); err == nil && added != nil {
		r.AddedAt = added
	} else if added, err := f.timestamp("added_date"); err == nil {
		r.AddedAt = added
	}

	status, ok := ParseStatus(f.str("status"))
	if !ok {
		status = StatusPending
		if r.SendCount > 0 {
			status = StatusSent
		}
		if r.StopResend {
			status = StatusStopped
		}
	}
	if r.Completed() {
		status = StatusCompleted
	}
	r.Status = status

	return r, nil
}
