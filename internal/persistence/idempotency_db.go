package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresOperationIndex is the durable tier behind the in-memory dedup LRU.
// It answers "was this operation ever applied" from the event log itself:
// every applied operation leaves at least one event row keyed by its
// operation key, so no separate dedup table is needed.
type PostgresOperationIndex struct {
	db *sql.DB
}

func NewPostgresOperationIndex(db *sql.DB) *PostgresOperationIndex {
	return &PostgresOperationIndex{db: db}
}

// Contains reports whether an event with this operation key was persisted.
// Operation keys are UUIDs assigned by the request producer, so the lookup
// ignores opType: a key never repeats across operation types.
func (idx *PostgresOperationIndex) Contains(opType, requestID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM clearing.events
        WHERE operation_key = $1
        LIMIT 1
    `

	var exists int
	err := idx.db.QueryRowContext(ctx, query, requestID).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
