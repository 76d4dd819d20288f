package render

import (
	"testing"
	"time"
)

func TestRender(t *testing.T) {
	now := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	sender := Sender{Name: "Alex Doe", Title: "Backend Engineer"}

	tests := []struct {
		name   string
		tmpl   string
		fields Fields
		want   string
	}{
		{
			name:   "all placeholders",
			tmpl:   "{date}: Dear {hr_name}, {your_name} ({your_title}) applies for {position} at {company}.",
			fields: Fields{Company: "Acme", ContactName: "Jane", Position: "SRE"},
			want:   "March 9, 2026: Dear Jane, Alex Doe (Backend Engineer) applies for SRE at Acme.",
		},
		{
			name:   "fallbacks",
			tmpl:   "Dear {hr_name}, about {position}",
			fields: Fields{Company: "Acme", ContactName: "  "},
			want:   "Dear Hiring Manager, about the position",
		},
		{
			name:   "unknown placeholder kept",
			tmpl:   "Hi {first_name} from {company} {",
			fields: Fields{Company: "Acme"},
			want:   "Hi {first_name} from Acme {",
		},
		{
			name:   "repeated placeholder",
			tmpl:   "{company}/{company}",
			fields: Fields{Company: "Beta"},
			want:   "Beta/Beta",
		},
		{
			name:   "empty company stays empty",
			tmpl:   "at {company}.",
			fields: Fields{},
			want:   "at .",
		},
		{
			name:   "value containing a placeholder is not expanded again",
			tmpl:   "{company}",
			fields: Fields{Company: "{position}"},
			want:   "{position}",
		},
		{
			name: "no placeholders",
			tmpl: "plain text",
			want: "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Render(tt.tmpl, tt.fields, sender, now)
			if got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
			if again := Render(tt.tmpl, tt.fields, sender, now); again != got {
				t.Errorf("Render() not deterministic: %q vs %q", got, again)
			}
		})
	}
}

func TestMessageAppliesToBoth(t *testing.T) {
	now := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	subject, body := Message("Application: {position}", "Hello {company}", Fields{Company: "Acme"}, Sender{}, now)
	if subject != "Application: the position" {
		t.Errorf("subject = %q", subject)
	}
	if body != "Hello Acme" {
		t.Errorf("body = %q", body)
	}
}
