package claudepipe

import "time"

// ThresholdState is the compaction state of a session.
type ThresholdState string

const (
	// StateNormal means usage is below every threshold.
	StateNormal ThresholdState = "normal"

	// StateWarning means the warning threshold was crossed. No compaction
	// is scheduled yet.
	StateWarning ThresholdState = "warning"

	// StateAutoPending means compaction will be injected ahead of the next
	// outgoing user message.
	StateAutoPending ThresholdState = "auto_pending"

	// StateForcePending means compaction will run as soon as the in-flight
	// response completes, without waiting for user input.
	StateForcePending ThresholdState = "force_pending"

	// StateCompacting means a summarization turn is in flight.
	StateCompacting ThresholdState = "compacting"

	// StateTerminated is terminal. No token updates are applied after it.
	StateTerminated ThresholdState = "terminated"
)

// PendingKind identifies the scheduled compaction, at most one per session.
type PendingKind string

const (
	PendingNone  PendingKind = "none"
	PendingAuto  PendingKind = "auto"
	PendingForce PendingKind = "force"
)

// TokenState is a point-in-time snapshot of a session's accounting.
// Returned by Registry.TokenState and carried on TokenStateEvent.
type TokenState struct {
	SessionID string

	// The four accumulated counters. All four count toward the context
	// window, not merely input+output.
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int

	// TotalTokens is the sum of the four counters.
	TotalTokens int

	// MaxContextTokens is the fixed context window for the session's model.
	MaxContextTokens int

	// Percentage is TotalTokens / MaxContextTokens.
	Percentage float64

	State   ThresholdState
	Pending PendingKind

	CompactionCount int
	LastCompaction  time.Time

	// Stale marks snapshots of terminated sessions. The values remain
	// queryable for display but receive no further updates.
	Stale bool

	UpdatedAt time.Time
}

// Thresholds is the configured threshold scheme, included on every token
// state event so consumers can render progress bars without extra lookups.
type Thresholds struct {
	Warning float64
	Auto    float64
	Force   float64
}

// TokenStateEvent is published after every accounting update and on every
// state transition.
type TokenStateEvent struct {
	State      TokenState
	Thresholds Thresholds

	// Notice is a human-readable message for threshold crossings, empty
	// otherwise.
	Notice string
}

// CompactionCompletedEvent is published exactly once per successful
// compaction.
type CompactionCompletedEvent struct {
	SessionID    string
	TokensBefore int
	TokensAfter  int

	// Summary is the markdown summary text, never empty.
	Summary string

	// SummaryHTML is the sanitized HTML rendering of Summary for UI display.
	SummaryHTML string

	// Synthesized reports that the summary was generated locally because
	// the subprocess returned a degenerate zero-token response.
	Synthesized bool

	Duration    time.Duration
	CompletedAt time.Time
}

// SessionTerminatedEvent is published when a session ends.
type SessionTerminatedEvent struct {
	SessionID string

	// Reason describes why the session ended, e.g. "terminated by caller"
	// or "subprocess exited".
	Reason string

	// Err is the subprocess exit error for crashes, nil for clean
	// terminations.
	Err error

	// LastState is the final stale snapshot.
	LastState TokenState
}
