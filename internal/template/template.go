// Package template stores the live campaign template: the subject, body and
// attachment list used for every recipient's first send.
package template

import (
	"time"
)

// Template is the live campaign content. Subject and Body may contain
// render placeholders.
type Template struct {
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	Attachments []string  `json:"attachments,omitempty"`
	Version     int       `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a deep copy
func (t *Template) Clone() *Template {
	c := *t
	if t.Attachments != nil {
		c.Attachments = append([]string(nil), t.Attachments...)
	}
	return &c
}
