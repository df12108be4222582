package notify

import (
	"context"
	"log/slog"
)

// Sink receives deal transition events. Implementations must not block
// and must swallow their own failures.
type Sink interface {
	Notify(ctx context.Context, accountID, eventKind string, payload map[string]any)
}

// LogSink writes every event to the structured log. Default sink in
// demo mode, and a useful tee in production.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(ctx context.Context, accountID, eventKind string, payload map[string]any) {
	s.logger.Info("deal event",
		"account", accountID,
		"event", eventKind,
		"deal_id", payload["dealId"],
		"state", payload["state"],
	)
}

// Fanout forwards each event to every configured sink in order.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, accountID, eventKind string, payload map[string]any) {
	for _, s := range f {
		s.Notify(ctx, accountID, eventKind, payload)
	}
}
