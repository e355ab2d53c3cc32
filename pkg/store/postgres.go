package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCallStore persists call records in the calls table
type PostgresCallStore struct {
	db *pgxpool.Pool
}

// NewPostgresCallStore creates a call store over the connection pool
func NewPostgresCallStore(db *pgxpool.Pool) *PostgresCallStore {
	return &PostgresCallStore{db: db}
}

// CreateCall implements CallStore
func (s *PostgresCallStore) CreateCall(ctx context.Context, rec *CallRecord) error {
	query := `
		INSERT INTO calls (
			id, user_id, to_number, state, started_at
		) VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.db.Exec(ctx, query,
		rec.CallID, rec.UserID, rec.ToNumber, rec.State, rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert call %s: %w", rec.CallID, err)
	}
	return nil
}

// UpdateCallState implements CallStore
func (s *PostgresCallStore) UpdateCallState(ctx context.Context, callID, state, providerSID string) error {
	query := `
		UPDATE calls SET
			state = $1,
			provider_sid = COALESCE(NULLIF($2, ''), provider_sid),
			updated_at = NOW()
		WHERE id = $3
	`

	tag, err := s.db.Exec(ctx, query, state, providerSID, callID)
	if err != nil {
		return fmt.Errorf("failed to update call %s: %w", callID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeCall implements CallStore
func (s *PostgresCallStore) FinalizeCall(ctx context.Context, rec *CallRecord) error {
	query := `
		UPDATE calls SET
			state = $1,
			outcome = $2,
			transcript_text = $3,
			summary = $4,
			ended_at = $5,
			duration_seconds = $6,
			updated_at = NOW()
		WHERE id = $7
	`

	tag, err := s.db.Exec(ctx, query,
		rec.State, rec.Outcome, rec.Transcript, rec.Summary,
		rec.EndedAt, rec.Duration, rec.CallID,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize call %s: %w", rec.CallID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
