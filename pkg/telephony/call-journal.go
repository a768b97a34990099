package telephony

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ============================================
// CALL JOURNAL
// Append-only record of calls that reached a terminal status
// ============================================

// CallJournal records finished calls. It is write-only: nothing is ever
// loaded back into the registry.
type CallJournal interface {
	Record(ctx context.Context, session CallSession) error
}

// PostgresJournal writes finished calls to the call_records table
type PostgresJournal struct {
	db *pgxpool.Pool
}

// NewPostgresJournal creates a journal backed by db
func NewPostgresJournal(db *pgxpool.Pool) *PostgresJournal {
	return &PostgresJournal{db: db}
}

// EnsureSchema creates the call_records table if it does not exist
func (j *PostgresJournal) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS call_records (
			call_sid         TEXT PRIMARY KEY,
			to_address       TEXT NOT NULL,
			from_address     TEXT NOT NULL,
			direction        TEXT NOT NULL,
			status           TEXT NOT NULL,
			duration_seconds INTEGER,
			created_at       TIMESTAMPTZ NOT NULL,
			ended_at         TIMESTAMPTZ NOT NULL
		)
	`
	if _, err := j.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create call_records: %w", err)
	}
	return nil
}

// Record upserts the final state of a call; duplicate terminal webhooks overwrite.
func (j *PostgresJournal) Record(ctx context.Context, session CallSession) error {
	query := `
		INSERT INTO call_records (
			call_sid, to_address, from_address, direction,
			status, duration_seconds, created_at, ended_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (call_sid) DO UPDATE SET
			status = EXCLUDED.status,
			duration_seconds = EXCLUDED.duration_seconds,
			ended_at = EXCLUDED.ended_at
	`

	endedAt := session.LastUpdated
	if endedAt.IsZero() {
		endedAt = time.Now()
	}

	_, err := j.db.Exec(ctx, query,
		session.ID, session.To, session.From, string(session.Direction),
		string(session.Status), session.Duration, session.CreatedAt, endedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record call %s: %w", session.ID, err)
	}
	return nil
}

// Close releases the pool
func (j *PostgresJournal) Close() {
	j.db.Close()
}
