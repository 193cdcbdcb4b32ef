package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/resale-search-gateway/internal/events"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.logger.Info("search event",
			zap.String("event_id", evt.ID),
			zap.Time("ts", evt.TS),
			zap.String("site", evt.Site),
			zap.String("fingerprint", evt.Fingerprint),
			zap.String("outcome", string(evt.Outcome)),
			zap.Int("items", evt.Items),
			zap.Int("dropped", evt.Dropped),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements events.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
