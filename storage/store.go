// Package storage provides optional persistence for accounting and
// compaction history. Stores consume events at the sink boundary; sessions
// never read persisted state back.
package storage

import (
	"context"
	"time"
)

// Store defines the persistence interface for session accounting history.
type Store interface {
	// Compaction operations
	SaveCompactionEvent(ctx context.Context, event *CompactionEvent) error
	GetCompactionHistory(ctx context.Context, sessionID string) ([]*CompactionEvent, error)

	// Token snapshot operations
	SaveTokenSnapshot(ctx context.Context, snapshot *TokenSnapshot) error
	GetLatestTokenSnapshot(ctx context.Context, sessionID string) (*TokenSnapshot, error)
}

// CompactionEvent records one completed compaction.
type CompactionEvent struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	TokensBefore int       `json:"tokens_before"`
	TokensAfter  int       `json:"tokens_after"`
	Summary      string    `json:"summary,omitempty"`
	Synthesized  bool      `json:"synthesized"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// TokenSnapshot records the accounting state of a session at a point in
// time, typically at termination.
type TokenSnapshot struct {
	ID                  string    `json:"id"`
	SessionID           string    `json:"session_id"`
	InputTokens         int       `json:"input_tokens"`
	OutputTokens        int       `json:"output_tokens"`
	CacheCreationTokens int       `json:"cache_creation_tokens"`
	CacheReadTokens     int       `json:"cache_read_tokens"`
	TotalTokens         int       `json:"total_tokens"`
	Percentage          float64   `json:"percentage"`
	State               string    `json:"state"`
	CompactionCount     int       `json:"compaction_count"`
	Stale               bool      `json:"stale"`
	RecordedAt          time.Time `json:"recorded_at"`
}
