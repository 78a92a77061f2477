package compaction

import "errors"

// Sentinel errors for compaction operations.
var (
	// ErrInvalidConfig indicates invalid compaction configuration.
	ErrInvalidConfig = errors.New("invalid compaction configuration")

	// ErrCompactionInProgress indicates compaction is already running for
	// this session. Duplicate triggers are guarded as no-ops by the caller;
	// this sentinel exists for diagnostics.
	ErrCompactionInProgress = errors.New("compaction already in progress")

	// ErrTimeout indicates the summarization response did not arrive within
	// the configured deadline.
	ErrTimeout = errors.New("compaction response timed out")

	// ErrWriteFailed indicates the summarization request could not be
	// delivered to the subprocess.
	ErrWriteFailed = errors.New("compaction request write failed")

	// ErrDegenerateSummary indicates the subprocess billed zero tokens for
	// the summary turn. Recovered by local synthesis, never user-visible.
	ErrDegenerateSummary = errors.New("degenerate zero-token summary response")
)
