package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const createTableDDL = `
CREATE TABLE IF NOT EXISTS request_history (
    id            UUID,
    alias         LowCardinality(String),
    candidate     LowCardinality(String),
    outcome       LowCardinality(String),
    attempts      UInt8,
    input_tokens  UInt32,
    output_tokens UInt32,
    latency_ms    UInt16,
    status        UInt16,
    cached        Bool,
    streamed      Bool,
    created_at    DateTime
)
ENGINE = MergeTree
PARTITION BY toYYYYMM(created_at)
ORDER BY (alias, created_at)
TTL created_at + INTERVAL 90 DAY
`

// ClickHouseConfig holds connection parameters for the analytics sink.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ClickHouseSink persists history batches into a ClickHouse table for
// analytics queries (per-alias win rates, blacklist churn, latency
// percentiles).
type ClickHouseSink struct {
	conn driver.Conn
	log  *slog.Logger
}

// NewClickHouseSink connects to ClickHouse, ensures the history table exists,
// and returns the sink.
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig, log *slog.Logger) (*ClickHouseSink, error) {
	if log == nil {
		log = slog.Default()
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("history: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("history: clickhouse ping: %w", err)
	}

	if err := conn.Exec(ctx, createTableDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("history: create table: %w", err)
	}

	return &ClickHouseSink{conn: conn, log: log}, nil
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, records []Record) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO request_history")
	if err != nil {
		s.log.WarnContext(ctx, "history_batch_prepare_failed", slog.String("error", err.Error()))
		return err
	}

	for _, rec := range records {
		if err := batch.Append(
			rec.ID,
			rec.Alias,
			rec.Candidate,
			rec.Outcome,
			rec.Attempts,
			rec.InputTokens,
			rec.OutputTokens,
			rec.LatencyMs,
			rec.Status,
			rec.Cached,
			rec.Streamed,
			normalizeTime(rec.CreatedAt),
		); err != nil {
			s.log.WarnContext(ctx, "history_batch_append_failed", slog.String("error", err.Error()))
			return err
		}
	}

	if err := batch.Send(); err != nil {
		s.log.WarnContext(ctx, "history_batch_send_failed",
			slog.Int("records", len(records)),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
