package channel

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrUnknownDriver = errors.New("channel: unknown driver")
	ErrNotFound      = errors.New("channel: handle not found")
)

// Handle identifies one submitted attempt. Opaque to callers.
type Handle string

// Message is what a channel delivers. Text is already rendered.
type Message struct {
	Label string
	Text  string
}

// Channel places outbound notifications and reports their status.
// Submit is a new attempt every time; channels do not deduplicate.
type Channel interface {
	Name() string
	Normalize(raw string) (string, error)
	Submit(ctx context.Context, addr string, msg Message) (Handle, error)
	FetchStatus(ctx context.Context, h Handle) (Status, error)
}

// Render substitutes {label} in tmpl.
func Render(tmpl, label string) Message {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultTemplate
	}
	return Message{Label: label, Text: strings.ReplaceAll(tmpl, "{label}", label)}
}

const DefaultTemplate = "Reminder. {label}. Take your insulin."
