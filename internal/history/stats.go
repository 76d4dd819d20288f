package history

// Summary is derived reporting data; nothing here is stored
type Summary struct {
	Attempts         int `json:"attempts"`
	Sent             int `json:"sent"`
	Failed           int `json:"failed"`
	UniqueRecipients int `json:"unique_recipients"`
	Resends          int `json:"resends"`
}

// Summarize counts attempts. Resends are successful sends beyond the first
// per recipient: sent minus unique recipients reached.
func Summarize(entries []Entry) Summary {
	var s Summary
	reached := make(map[string]struct{})
	for _, e := range entries {
		s.Attempts++
		switch e.Outcome {
		case OutcomeSent:
			s.Sent++
			reached[e.RecipientEmail] = struct{}{}
		case OutcomeFailed:
			s.Failed++
		}
	}
	s.UniqueRecipients = len(reached)
	s.Resends = s.Sent - s.UniqueRecipients
	return s
}
