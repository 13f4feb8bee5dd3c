package events

import (
	"context"
	"encoding/json"
	"fmt"
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS otp_events (
	id            String,
	type          LowCardinality(String),
	identity_hash String,
	occurred_at   DateTime64(3, 'UTC'),
	attributes    String
) ENGINE = MergeTree
ORDER BY (type, occurred_at)`

const insertEvents = `INSERT INTO otp_events (id, type, identity_hash, occurred_at, attributes)`

// BatchExecer is the part of client.ClickHouseClient the sink needs.
type BatchExecer interface {
	Exec(ctx context.Context, query string, args ...any) error
	BatchInsert(ctx context.Context, query string, rows [][]any) error
	Close() error
}

type ClickHouseSink struct {
	db BatchExecer
}

// NewClickHouseSink creates the events table when it does not exist.
func NewClickHouseSink(ctx context.Context, db BatchExecer) (*ClickHouseSink, error) {
	if err := db.Exec(ctx, createEventsTable); err != nil {
		return nil, fmt.Errorf("failed to ensure otp_events table: %w", err)
	}
	return &ClickHouseSink{db: db}, nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, batch []Event) error {
	rows := make([][]any, 0, len(batch))
	for _, ev := range batch {
		attrs := "{}"
		if len(ev.Attributes) > 0 {
			raw, err := json.Marshal(ev.Attributes)
			if err != nil {
				return fmt.Errorf("failed to encode attributes of event %s: %w", ev.ID, err)
			}
			attrs = string(raw)
		}
		rows = append(rows, []any{ev.ID, string(ev.Type), ev.IdentityHash, ev.OccurredAt, attrs})
	}
	return s.db.BatchInsert(ctx, insertEvents, rows)
}

func (s *ClickHouseSink) Close() error {
	return s.db.Close()
}
