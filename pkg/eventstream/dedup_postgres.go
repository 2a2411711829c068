package eventstream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresDedupStore is the dedup table for multi-instance consumers: the
// (subscriber, stream_message_id) primary key plus ON CONFLICT DO NOTHING
// makes exactly-one-insert atomic across replicas. Import lib/pq for the
// driver.
type PostgresDedupStore struct {
	db *sql.DB
}

// NewPostgresDedupStore wraps an open database. Call EnsureSchema once at
// startup when migrations are not managed externally.
func NewPostgresDedupStore(db *sql.DB) *PostgresDedupStore {
	return &PostgresDedupStore{db: db}
}

// EnsureSchema creates the processed_events table if missing.
func (s *PostgresDedupStore) EnsureSchema(ctx context.Context) error {
	query := `
    CREATE TABLE IF NOT EXISTS processed_events (
        subscriber TEXT NOT NULL,
        stream_message_id TEXT NOT NULL,
        event_id TEXT,
        event_type TEXT,
        processed_at TIMESTAMPTZ,
        metadata JSONB,
        PRIMARY KEY (subscriber, stream_message_id)
    );`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("processed_events schema: %w", err)
	}
	return nil
}

// Seen reports whether the row exists.
func (s *PostgresDedupStore) Seen(ctx context.Context, subscriber, streamMessageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_events WHERE subscriber = $1 AND stream_message_id = $2`,
		subscriber, streamMessageID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup lookup failed: %w", err)
	}
	return true, nil
}

// MarkProcessed inserts the row; ON CONFLICT DO NOTHING reports an existing
// row through the affected-row count.
func (s *PostgresDedupStore) MarkProcessed(ctx context.Context, rec ProcessedEvent) (bool, error) {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return false, fmt.Errorf("dedup metadata encode failed: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_events
		 (subscriber, stream_message_id, event_id, event_type, processed_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (subscriber, stream_message_id) DO NOTHING`,
		rec.Subscriber, rec.StreamMessageID, rec.EventID, rec.EventType, rec.ProcessedAt, meta,
	)
	if err != nil {
		return false, fmt.Errorf("dedup insert failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup insert result: %w", err)
	}
	return n > 0, nil
}
