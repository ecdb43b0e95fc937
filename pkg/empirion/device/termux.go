// Package device provides the platform-facing implementations of the
// assistant's Phone and Store seams: telephony through the Termux API
// command-line tools, and an HTTP client for the app-store service.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/empirion-ai/empirion/pkg/empirion/assistant"
)

// runner executes one command and returns its stdout. Factored out so tests
// can run without the termux-api tools installed.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return nil, fmt.Errorf("%s: %s", name, strings.TrimSpace(string(ee.Stderr)))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// TermuxPhone drives telephony through the termux-api tools. It expects
// termux-telephony-call, termux-sms-send, termux-contact-list, and
// termux-notification-list on PATH.
type TermuxPhone struct {
	run    runner
	logger *slog.Logger
}

// NewTermuxPhone creates a phone backed by the termux-api tools.
func NewTermuxPhone(logger *slog.Logger) *TermuxPhone {
	if logger == nil {
		logger = slog.Default()
	}
	return &TermuxPhone{
		run:    execRunner,
		logger: logger.With("component", "phone"),
	}
}

// MakeCall implements assistant.Phone.
func (p *TermuxPhone) MakeCall(ctx context.Context, number string) error {
	p.logger.Info("placing call", "number", number)
	_, err := p.run(ctx, "termux-telephony-call", number)
	return err
}

// SendSMS implements assistant.Phone.
func (p *TermuxPhone) SendSMS(ctx context.Context, number, message string) error {
	p.logger.Info("sending sms", "number", number)
	_, err := p.run(ctx, "termux-sms-send", "-n", number, message)
	return err
}

// Contacts implements assistant.Phone. A non-empty query filters by
// case-insensitive name substring.
func (p *TermuxPhone) Contacts(ctx context.Context, query string) ([]assistant.Contact, error) {
	out, err := p.run(ctx, "termux-contact-list")
	if err != nil {
		return nil, err
	}
	var contacts []assistant.Contact
	if err := json.Unmarshal(out, &contacts); err != nil {
		return nil, fmt.Errorf("parse contact list: %w", err)
	}
	if query == "" {
		return contacts, nil
	}
	needle := strings.ToLower(query)
	filtered := contacts[:0]
	for _, c := range contacts {
		if strings.Contains(strings.ToLower(c.Name), needle) {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

// Notifications implements assistant.Phone.
func (p *TermuxPhone) Notifications(ctx context.Context) ([]map[string]any, error) {
	out, err := p.run(ctx, "termux-notification-list")
	if err != nil {
		return nil, err
	}
	var notifications []map[string]any
	if err := json.Unmarshal(out, &notifications); err != nil {
		return nil, fmt.Errorf("parse notification list: %w", err)
	}
	return notifications, nil
}
