package eventstream

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresDedup_MarkProcessedInserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresDedupStore(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processed_events")).
		WithArgs("worker", "42-0", "evt-1", "task.created", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inserted, err := store.MarkProcessed(ctx, ProcessedEvent{
		Subscriber:      "worker",
		StreamMessageID: "42-0",
		EventID:         "evt-1",
		EventType:       "task.created",
		ProcessedAt:     time.Now().UTC(),
	})
	assert.NoError(t, err)
	assert.True(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDedup_ConflictReportsExisting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresDedupStore(db)
	ctx := context.Background()

	// ON CONFLICT DO NOTHING yields zero affected rows on duplicate.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO processed_events")).
		WithArgs("worker", "42-0", "", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := store.MarkProcessed(ctx, ProcessedEvent{
		Subscriber:      "worker",
		StreamMessageID: "42-0",
		ProcessedAt:     time.Now().UTC(),
	})
	assert.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDedup_Seen(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresDedupStore(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM processed_events WHERE subscriber = $1 AND stream_message_id = $2")).
		WithArgs("worker", "42-0").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	seen, err := store.Seen(ctx, "worker", "42-0")
	assert.NoError(t, err)
	assert.True(t, seen)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM processed_events")).
		WithArgs("worker", "43-0").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	seen, err = store.Seen(ctx, "worker", "43-0")
	assert.NoError(t, err)
	assert.False(t, seen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDedup_EnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresDedupStore(db)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS processed_events")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
