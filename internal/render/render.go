// Package render substitutes recipient placeholders into campaign templates.
package render

import (
	"strings"
	"time"
)

const (
	fallbackContact  = "Hiring Manager"
	fallbackPosition = "the position"

	// DateLayout is the human-readable form used for {date}
	DateLayout = "January 2, 2006"
)

// Fields are the recipient values available to a template
type Fields struct {
	Company     string
	ContactName string
	Position    string
}

// Sender identifies the person the campaign is sent on behalf of
type Sender struct {
	Name  string
	Title string
}

// Render replaces the recognized placeholders in tmpl. Unknown placeholders
// are left untouched. The result depends only on the arguments.
func Render(tmpl string, f Fields, sender Sender, now time.Time) string {
	if !strings.Contains(tmpl, "{") {
		return tmpl
	}

	contact := f.ContactName
	if strings.TrimSpace(contact) == "" {
		contact = fallbackContact
	}
	position := f.Position
	if strings.TrimSpace(position) == "" {
		position = fallbackPosition
	}

	r := strings.NewReplacer(
		"{company}", f.Company,
		"{hr_name}", contact,
		"{position}", position,
		"{date}", now.Format(DateLayout),
		"{your_name}", sender.Name,
		"{your_title}", sender.Title,
	)
	return r.Replace(tmpl)
}

// Message renders subject and body the same way
func Message(subject, body string, f Fields, sender Sender, now time.Time) (string, string) {
	return Render(subject, f, sender, now), Render(body, f, sender, now)
}
