package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL with pgx
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables used by the store if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS claudepipe_compaction_events (
			id UUID PRIMARY KEY,
			session_id TEXT NOT NULL,
			tokens_before BIGINT NOT NULL,
			tokens_after BIGINT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			synthesized BOOLEAN NOT NULL DEFAULT FALSE,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_claudepipe_compaction_events_session
			ON claudepipe_compaction_events (session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS claudepipe_token_snapshots (
			id UUID PRIMARY KEY,
			session_id TEXT NOT NULL,
			input_tokens BIGINT NOT NULL,
			output_tokens BIGINT NOT NULL,
			cache_creation_tokens BIGINT NOT NULL,
			cache_read_tokens BIGINT NOT NULL,
			total_tokens BIGINT NOT NULL,
			percentage DOUBLE PRECISION NOT NULL,
			state TEXT NOT NULL,
			compaction_count INT NOT NULL DEFAULT 0,
			stale BOOLEAN NOT NULL DEFAULT FALSE,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_claudepipe_token_snapshots_session
			ON claudepipe_token_snapshots (session_id, recorded_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// SaveCompactionEvent persists one completed compaction.
func (s *PostgresStore) SaveCompactionEvent(ctx context.Context, event *CompactionEvent) error {
	if event.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO claudepipe_compaction_events
			(id, session_id, tokens_before, tokens_after, summary, synthesized, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.pool.Exec(ctx, query,
		event.ID, event.SessionID, event.TokensBefore, event.TokensAfter,
		event.Summary, event.Synthesized, event.DurationMs, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save compaction event: %w", err)
	}
	return nil
}

// GetCompactionHistory returns all compaction events for a session, oldest first.
func (s *PostgresStore) GetCompactionHistory(ctx context.Context, sessionID string) ([]*CompactionEvent, error) {
	query := `
		SELECT id, session_id, tokens_before, tokens_after, summary, synthesized, duration_ms, created_at
		FROM claudepipe_compaction_events
		WHERE session_id = $1
		ORDER BY created_at ASC
	`

	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query compaction history: %w", err)
	}
	defer rows.Close()

	var events []*CompactionEvent
	for rows.Next() {
		var e CompactionEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TokensBefore, &e.TokensAfter,
			&e.Summary, &e.Synthesized, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan compaction event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read compaction history: %w", err)
	}

	return events, nil
}

// SaveTokenSnapshot persists the accounting state of a session.
func (s *PostgresStore) SaveTokenSnapshot(ctx context.Context, snapshot *TokenSnapshot) error {
	if snapshot.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if snapshot.ID == "" {
		snapshot.ID = uuid.New().String()
	}
	if snapshot.RecordedAt.IsZero() {
		snapshot.RecordedAt = time.Now()
	}

	query := `
		INSERT INTO claudepipe_token_snapshots
			(id, session_id, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
			 total_tokens, percentage, state, compaction_count, stale, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.pool.Exec(ctx, query,
		snapshot.ID, snapshot.SessionID, snapshot.InputTokens, snapshot.OutputTokens,
		snapshot.CacheCreationTokens, snapshot.CacheReadTokens, snapshot.TotalTokens,
		snapshot.Percentage, snapshot.State, snapshot.CompactionCount, snapshot.Stale,
		snapshot.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to save token snapshot: %w", err)
	}
	return nil
}

// GetLatestTokenSnapshot returns the most recent snapshot for a session.
func (s *PostgresStore) GetLatestTokenSnapshot(ctx context.Context, sessionID string) (*TokenSnapshot, error) {
	query := `
		SELECT id, session_id, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
		       total_tokens, percentage, state, compaction_count, stale, recorded_at
		FROM claudepipe_token_snapshots
		WHERE session_id = $1
		ORDER BY recorded_at DESC
		LIMIT 1
	`

	var snap TokenSnapshot
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(
		&snap.ID, &snap.SessionID, &snap.InputTokens, &snap.OutputTokens,
		&snap.CacheCreationTokens, &snap.CacheReadTokens, &snap.TotalTokens,
		&snap.Percentage, &snap.State, &snap.CompactionCount, &snap.Stale,
		&snap.RecordedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query token snapshot: %w", err)
	}

	return &snap, nil
}
