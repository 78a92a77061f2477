// Package hooks provides observability hook points for session processing.
package hooks

import (
	"context"
	"sync"

	"github.com/claudepipe/claudepipe/compaction"
)

// TokenStateHook is called after every accounting update.
// Parameters: ctx, sessionID, totalTokens, percentage, state
type TokenStateHook func(ctx context.Context, sessionID string, totalTokens int, percentage float64, state string) error

// BeforeCompactionHook is called before a compaction attempt starts.
type BeforeCompactionHook func(ctx context.Context, sessionID string) error

// AfterCompactionHook is called after a successful compaction.
type AfterCompactionHook func(ctx context.Context, result *compaction.Result) error

// SessionEndHook is called when a session terminates, whether explicitly or
// through a subprocess crash.
type SessionEndHook func(ctx context.Context, sessionID string, reason string) error

// Registry holds all registered hooks
type Registry struct {
	mu               sync.RWMutex
	tokenState       []TokenStateHook
	beforeCompaction []BeforeCompactionHook
	afterCompaction  []AfterCompactionHook
	sessionEnd       []SessionEndHook
}

// NewRegistry creates a new hook registry
func NewRegistry() *Registry {
	return &Registry{
		tokenState:       []TokenStateHook{},
		beforeCompaction: []BeforeCompactionHook{},
		afterCompaction:  []AfterCompactionHook{},
		sessionEnd:       []SessionEndHook{},
	}
}

// OnTokenState registers a hook to be called after accounting updates
func (r *Registry) OnTokenState(hook TokenStateHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokenState = append(r.tokenState, hook)
}

// OnBeforeCompaction registers a hook to be called before compaction
func (r *Registry) OnBeforeCompaction(hook BeforeCompactionHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeCompaction = append(r.beforeCompaction, hook)
}

// OnAfterCompaction registers a hook to be called after compaction
func (r *Registry) OnAfterCompaction(hook AfterCompactionHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterCompaction = append(r.afterCompaction, hook)
}

// OnSessionEnd registers a hook to be called when a session terminates
func (r *Registry) OnSessionEnd(hook SessionEndHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionEnd = append(r.sessionEnd, hook)
}

// TriggerTokenState calls all registered token-state hooks
func (r *Registry) TriggerTokenState(ctx context.Context, sessionID string, totalTokens int, percentage float64, state string) error {
	r.mu.RLock()
	hooks := make([]TokenStateHook, len(r.tokenState))
	copy(hooks, r.tokenState)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, sessionID, totalTokens, percentage, state); err != nil {
			return err
		}
	}
	return nil
}

// TriggerBeforeCompaction calls all registered before-compaction hooks
func (r *Registry) TriggerBeforeCompaction(ctx context.Context, sessionID string) error {
	r.mu.RLock()
	hooks := make([]BeforeCompactionHook, len(r.beforeCompaction))
	copy(hooks, r.beforeCompaction)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// TriggerAfterCompaction calls all registered after-compaction hooks
func (r *Registry) TriggerAfterCompaction(ctx context.Context, result *compaction.Result) error {
	r.mu.RLock()
	hooks := make([]AfterCompactionHook, len(r.afterCompaction))
	copy(hooks, r.afterCompaction)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, result); err != nil {
			return err
		}
	}
	return nil
}

// TriggerSessionEnd calls all registered session-end hooks
func (r *Registry) TriggerSessionEnd(ctx context.Context, sessionID string, reason string) error {
	r.mu.RLock()
	hooks := make([]SessionEndHook, len(r.sessionEnd))
	copy(hooks, r.sessionEnd)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, sessionID, reason); err != nil {
			return err
		}
	}
	return nil
}
