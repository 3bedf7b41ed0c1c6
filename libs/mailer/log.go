package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// LogProvider writes messages to the log instead of delivering them. It is
// what development setups without an API key use.
type LogProvider struct {
	Logger *slog.Logger
}

// NewLogProvider creates a new log-only provider.
func NewLogProvider(logger *slog.Logger) *LogProvider {
	return &LogProvider{Logger: logger}
}

// Name returns the provider name.
func (l *LogProvider) Name() string {
	return "log"
}

// Send logs the message and returns a generated message ID.
func (l *LogProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}
	id := fmt.Sprintf("log-%s", uuid.NewString())
	l.Logger.InfoContext(ctx, "mailer: email logged (not sent)",
		"from", msg.From,
		"to", strings.Join(msg.To, ", "),
		"subject", msg.Subject,
		"text", msg.Text,
		"message_id", id,
	)
	return SendResult{ProviderMessageID: id}, nil
}
