package eventstream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SQLiteDedupStore is the durable dedup table for single-node (lite mode)
// deployments. Open the database with the modernc.org/sqlite driver.
type SQLiteDedupStore struct {
	db *sql.DB
}

// NewSQLiteDedupStore wraps an open database and creates the table.
func NewSQLiteDedupStore(db *sql.DB) (*SQLiteDedupStore, error) {
	s := &SQLiteDedupStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDedupStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS processed_events (
        subscriber TEXT NOT NULL,
        stream_message_id TEXT NOT NULL,
        event_id TEXT,
        event_type TEXT,
        processed_at DATETIME,
        metadata JSON,
        PRIMARY KEY (subscriber, stream_message_id)
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Seen reports whether the row exists.
func (s *SQLiteDedupStore) Seen(ctx context.Context, subscriber, streamMessageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_events WHERE subscriber = ? AND stream_message_id = ?`,
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

// MarkProcessed inserts the row with INSERT OR IGNORE; returns false when it
// already existed.
func (s *SQLiteDedupStore) MarkProcessed(ctx context.Context, rec ProcessedEvent) (bool, error) {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return false, fmt.Errorf("dedup metadata encode failed: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_events
		 (subscriber, stream_message_id, event_id, event_type, processed_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Subscriber, rec.StreamMessageID, rec.EventID, rec.EventType, rec.ProcessedAt, string(meta),
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
