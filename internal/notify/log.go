package notify

import (
	"context"
	"log/slog"
)

// LogSender writes alert text to the structured log. It is the fallback
// sink when no Telegram token is configured, so alerts are never silently
// dropped on a bare deployment.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With(slog.String("component", "alert_log"))}
}

func (l *LogSender) Send(ctx context.Context, text string) error {
	l.logger.Warn("alert", slog.String("text", text))
	return nil
}

func (l *LogSender) Name() string {
	return "log"
}
