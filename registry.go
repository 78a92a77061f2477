package claudepipe

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claudepipe/claudepipe/notifier"
)

// Registry manages sessions and fans their events out to subscribers.
// A single Registry serves any number of concurrent sessions.
type Registry struct {
	cfg    *internalConfig
	events *notifier.Notifier

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// New creates a Registry from the required Config plus any Options.
func New(cfg Config, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ic := newInternalConfig(cfg)
	for _, opt := range opts {
		if err := opt(ic); err != nil {
			return nil, err
		}
	}

	return &Registry{
		cfg:      ic,
		events:   notifier.NewNotifier(),
		sessions: make(map[string]*Session),
	}, nil
}

// StartSession spawns a subprocess and begins accounting for it. The
// returned ID addresses the session in every other Registry call.
func (r *Registry) StartSession(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", NewSessionError("StartSession", ErrSessionTerminated).
			WithContext("reason", "registry is closed")
	}

	handle, err := r.cfg.spawner(ctx, r.cfg.procConfig())
	if err != nil {
		return "", NewSessionError("StartSession", err)
	}

	id := uuid.New().String()
	session := newSession(id, r.cfg, handle, r.events)
	r.sessions[id] = session

	go session.run()

	r.cfg.logger.Printf("claudepipe: session %s started (model=%s)", id, r.cfg.model)
	return id, nil
}

// SendMessage forwards a user message to the session's subprocess. A
// pending auto compaction resolves here: the summarization cycle runs
// first and the message is forwarded after it completes.
func (r *Registry) SendMessage(ctx context.Context, sessionID, text string) error {
	session, err := r.session("SendMessage", sessionID)
	if err != nil {
		return err
	}
	return session.SendMessage(ctx, text)
}

// TerminateSession kills the session's subprocess. The final accounting
// snapshot remains queryable through TokenState, flagged stale.
func (r *Registry) TerminateSession(ctx context.Context, sessionID string) error {
	session, err := r.session("TerminateSession", sessionID)
	if err != nil {
		return err
	}
	return session.Terminate(ctx)
}

// TokenState returns the session's current accounting snapshot. Works on
// terminated sessions too, returning the final stale snapshot.
func (r *Registry) TokenState(sessionID string) (*TokenState, error) {
	session, err := r.session("TokenState", sessionID)
	if err != nil {
		return nil, err
	}
	return session.TokenState(), nil
}

// CompactionStats summarizes a session's compaction activity.
type CompactionStats struct {
	SessionID      string
	Count          int
	LastCompaction time.Time

	// LastSummary is the most recent summary text, empty before the first
	// compaction.
	LastSummary string

	// LastSummaryTokens is the token cost of LastSummary, exact when a
	// token counting client is configured, approximated otherwise.
	LastSummaryTokens int
}

// CompactionStats reports how often a session has compacted and what the
// latest summary cost.
func (r *Registry) CompactionStats(ctx context.Context, sessionID string) (*CompactionStats, error) {
	session, err := r.session("CompactionStats", sessionID)
	if err != nil {
		return nil, err
	}

	st := session.TokenState()
	stats := &CompactionStats{
		SessionID:      sessionID,
		Count:          st.CompactionCount,
		LastCompaction: st.LastCompaction,
		LastSummary:    session.LastSummary(),
	}

	if stats.LastSummary != "" {
		n, err := r.cfg.counter.CountTokens(ctx, r.cfg.model, stats.LastSummary)
		if err != nil {
			return nil, NewSessionErrorWithSession("CompactionStats", sessionID, err)
		}
		stats.LastSummaryTokens = n
	}

	return stats, nil
}

// Subscribe registers a handler for one event type across all sessions.
// The returned function unsubscribes it.
func (r *Registry) Subscribe(eventType notifier.EventType, handler notifier.Handler) func() {
	return r.events.Subscribe(eventType, handler)
}

// Sessions returns the IDs of all known sessions, including terminated
// ones whose snapshots remain queryable.
func (r *Registry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close terminates every live session. The registry accepts no new
// sessions afterward.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.Terminate(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// session looks up a live or terminated session by ID.
func (r *Registry) session(op, sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, NewSessionErrorWithSession(op, sessionID, ErrSessionNotFound)
	}
	return session, nil
}
