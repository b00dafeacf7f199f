package history

import (
	"context"
	"log/slog"
	"os"
)

// SlogSink writes history records as structured log lines. This is the
// default sink for local runs where no ClickHouse instance is available.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink creates a SlogSink. When logger is nil a JSON logger on stdout
// is used.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return &SlogSink{log: logger}
}

func (s *SlogSink) WriteBatch(ctx context.Context, records []Record) error {
	for _, rec := range records {
		s.log.InfoContext(ctx, "request_history",
			slog.String("id", rec.ID.String()),
			slog.String("alias", rec.Alias),
			slog.String("candidate", rec.Candidate),
			slog.String("outcome", rec.Outcome),
			slog.Uint64("attempts", uint64(rec.Attempts)),
			slog.Uint64("input_tokens", uint64(rec.InputTokens)),
			slog.Uint64("output_tokens", uint64(rec.OutputTokens)),
			slog.Uint64("latency_ms", uint64(rec.LatencyMs)),
			slog.Uint64("status", uint64(rec.Status)),
			slog.Bool("cached", rec.Cached),
			slog.Bool("streamed", rec.Streamed),
			slog.Time("created_at", normalizeTime(rec.CreatedAt)),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }
