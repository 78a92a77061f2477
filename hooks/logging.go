package hooks

import (
	"context"
	"log"

	"github.com/claudepipe/claudepipe/compaction"
)

// LoggingHooks provides built-in logging hooks for observability
type LoggingHooks struct {
	logger *log.Logger
}

// NewLoggingHooks creates logging hooks with the provided logger
func NewLoggingHooks(logger *log.Logger) *LoggingHooks {
	return &LoggingHooks{logger: logger}
}

// DefaultLoggingHooks creates logging hooks with default logger
func DefaultLoggingHooks() *LoggingHooks {
	return &LoggingHooks{logger: log.Default()}
}

// BeforeCompaction logs before context compaction
func (h *LoggingHooks) BeforeCompaction(ctx context.Context, sessionID string) error {
	h.logger.Printf("[ClaudePipe] Starting context compaction for session %s", sessionID)
	return nil
}

// AfterCompaction logs after context compaction
func (h *LoggingHooks) AfterCompaction(ctx context.Context, result *compaction.Result) error {
	reduction := float64(0)
	if result.TokensBefore > 0 {
		reduction = float64(result.TokensBefore-result.TokensAfter) / float64(result.TokensBefore) * 100
	}

	h.logger.Printf("[ClaudePipe] Compaction complete: %d → %d tokens (%.1f%% reduction, synthesized=%v, took %s)",
		result.TokensBefore, result.TokensAfter, reduction, result.Synthesized, result.Duration)
	return nil
}

// SessionEnd logs session termination
func (h *LoggingHooks) SessionEnd(ctx context.Context, sessionID string, reason string) error {
	h.logger.Printf("[ClaudePipe] Session %s terminated: %s", sessionID, reason)
	return nil
}

// Register attaches the logging hooks to a registry.
func (h *LoggingHooks) Register(r *Registry) {
	r.OnBeforeCompaction(h.BeforeCompaction)
	r.OnAfterCompaction(h.AfterCompaction)
	r.OnSessionEnd(h.SessionEnd)
}

// VerboseLoggingHooks provides detailed logging for debugging
type VerboseLoggingHooks struct {
	logger *log.Logger
}

// NewVerboseLoggingHooks creates verbose logging hooks
func NewVerboseLoggingHooks(logger *log.Logger) *VerboseLoggingHooks {
	return &VerboseLoggingHooks{logger: logger}
}

// TokenState logs every accounting update
func (h *VerboseLoggingHooks) TokenState(ctx context.Context, sessionID string, totalTokens int, percentage float64, state string) error {
	h.logger.Printf("[ClaudePipe][VERBOSE] Session %s: %d tokens (%.1f%%), state=%s",
		sessionID, totalTokens, percentage*100, state)
	return nil
}

// BeforeCompaction logs detailed compaction information
func (h *VerboseLoggingHooks) BeforeCompaction(ctx context.Context, sessionID string) error {
	h.logger.Printf("[ClaudePipe][VERBOSE] === Starting Compaction ===")
	h.logger.Printf("[ClaudePipe][VERBOSE] Session: %s", sessionID)
	return nil
}

// AfterCompaction logs detailed compaction results
func (h *VerboseLoggingHooks) AfterCompaction(ctx context.Context, result *compaction.Result) error {
	h.logger.Printf("[ClaudePipe][VERBOSE] === Compaction Complete ===")
	h.logger.Printf("[ClaudePipe][VERBOSE] Tokens before: %d", result.TokensBefore)
	h.logger.Printf("[ClaudePipe][VERBOSE] Tokens after: %d", result.TokensAfter)
	h.logger.Printf("[ClaudePipe][VERBOSE] Synthesized locally: %v", result.Synthesized)
	h.logger.Printf("[ClaudePipe][VERBOSE] Duration: %s", result.Duration)

	if result.TokensBefore > 0 {
		h.logger.Printf("[ClaudePipe][VERBOSE] Reduction: %.1f%%",
			float64(result.TokensBefore-result.TokensAfter)/float64(result.TokensBefore)*100)
	}

	return nil
}

// SessionEnd logs detailed termination information
func (h *VerboseLoggingHooks) SessionEnd(ctx context.Context, sessionID string, reason string) error {
	h.logger.Printf("[ClaudePipe][VERBOSE] === Session Terminated ===")
	h.logger.Printf("[ClaudePipe][VERBOSE] Session: %s", sessionID)
	h.logger.Printf("[ClaudePipe][VERBOSE] Reason: %s", reason)
	return nil
}

// Register attaches the verbose logging hooks to a registry.
func (h *VerboseLoggingHooks) Register(r *Registry) {
	r.OnTokenState(h.TokenState)
	r.OnBeforeCompaction(h.BeforeCompaction)
	r.OnAfterCompaction(h.AfterCompaction)
	r.OnSessionEnd(h.SessionEnd)
}

// MetricsHooks collects metrics for monitoring
type MetricsHooks struct {
	OnMetric func(name string, value float64, tags map[string]string)
}

// NewMetricsHooks creates metrics collection hooks
func NewMetricsHooks(onMetric func(string, float64, map[string]string)) *MetricsHooks {
	return &MetricsHooks{OnMetric: onMetric}
}

// TokenState records accounting metrics
func (h *MetricsHooks) TokenState(ctx context.Context, sessionID string, totalTokens int, percentage float64, state string) error {
	tags := map[string]string{"session": sessionID, "state": state}

	h.OnMetric("pipe.tokens.total", float64(totalTokens), tags)
	h.OnMetric("pipe.tokens.percentage", percentage, tags)
	return nil
}

// AfterCompaction records compaction metrics
func (h *MetricsHooks) AfterCompaction(ctx context.Context, result *compaction.Result) error {
	tags := map[string]string{"session": result.SessionID}

	h.OnMetric("pipe.compaction.tokens_before", float64(result.TokensBefore), tags)
	h.OnMetric("pipe.compaction.tokens_after", float64(result.TokensAfter), tags)
	h.OnMetric("pipe.compaction.duration_ms", float64(result.Duration.Milliseconds()), tags)

	if result.Synthesized {
		h.OnMetric("pipe.compaction.synthesized", 1, tags)
	}

	if result.TokensBefore > 0 {
		h.OnMetric("pipe.compaction.reduction_pct",
			float64(result.TokensBefore-result.TokensAfter)/float64(result.TokensBefore)*100, tags)
	}

	return nil
}

// SessionEnd records termination metrics
func (h *MetricsHooks) SessionEnd(ctx context.Context, sessionID string, reason string) error {
	h.OnMetric("pipe.session.terminated", 1, map[string]string{"session": sessionID, "reason": reason})
	return nil
}

// Register attaches the metrics hooks to a registry.
func (h *MetricsHooks) Register(r *Registry) {
	r.OnTokenState(h.TokenState)
	r.OnAfterCompaction(h.AfterCompaction)
	r.OnSessionEnd(h.SessionEnd)
}
