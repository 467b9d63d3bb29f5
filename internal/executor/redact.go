package executor

import (
	"strings"
	"unicode/utf8"
)

const (
	redacted      = "***REDACTED***"
	maxMessageLen = 1000
)

// Redactor turns error text into a single line safe to store on a run
type Redactor struct {
	secrets []string
}

func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	for _, s := range secrets {
		if strings.TrimSpace(s) != "" {
			r.secrets = append(r.secrets, s)
		}
	}
	return r
}

// Message replaces configured secrets, collapses whitespace and newlines to
// single spaces and caps the length.
func (r *Redactor) Message(msg string) string {
	for _, s := range r.secrets {
		msg = strings.ReplaceAll(msg, s, redacted)
	}
	msg = strings.Join(strings.Fields(msg), " ")
	if utf8.RuneCountInString(msg) > maxMessageLen {
		msg = string([]rune(msg)[:maxMessageLen]) + "..."
	}
	return msg
}
