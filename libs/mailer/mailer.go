package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrNoRecipients = errors.New("mailer: message has no recipients")

// Message is one outgoing email.
type Message struct {
	From    string
	To      []string
	ReplyTo string
	Subject string
	HTML    string
	Text    string
}

// SendResult contains the response from the provider.
type SendResult struct {
	ProviderMessageID string
}

// Provider sends emails via a specific backend.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) (SendResult, error)
}

// Mailer fills in the sender address and hands messages to a provider.
type Mailer struct {
	provider    Provider
	fromAddress string
}

// New creates a Mailer that sends through provider with fromAddress as the
// default sender.
func New(provider Provider, fromAddress string) *Mailer {
	return &Mailer{
		provider:    provider,
		fromAddress: fromAddress,
	}
}

// Send delivers msg. An empty msg.From falls back to the default sender.
func (m *Mailer) Send(ctx context.Context, msg Message) (SendResult, error) {
	msg.To = cleanRecipients(msg.To)
	if len(msg.To) == 0 {
		return SendResult{}, ErrNoRecipients
	}
	if msg.From == "" {
		msg.From = m.fromAddress
	}
	return m.provider.Send(ctx, msg)
}

// SendEach sends one message per recipient so addresses are never disclosed
// to each other. Every recipient is attempted; failures are joined.
func (m *Mailer) SendEach(ctx context.Context, recipients []string, build func(to string) Message) ([]SendResult, error) {
	results := make([]SendResult, 0, len(recipients))
	var errs []error
	for _, to := range cleanRecipients(recipients) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		msg := build(to)
		msg.To = []string{to}
		result, err := m.Send(ctx, msg)
		if err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", to, err))
			continue
		}
		results = append(results, result)
	}
	return results, errors.Join(errs...)
}

// ProviderName returns the name of the underlying provider.
func (m *Mailer) ProviderName() string {
	return m.provider.Name()
}

func cleanRecipients(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		addr := strings.ToLower(strings.TrimSpace(raw))
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}
