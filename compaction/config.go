package compaction

import (
	"fmt"
	"time"
)

// Default configuration values. The threshold scheme follows the behavior
// users of the desktop client are accustomed to: warn early, schedule at
// 60%, force at 65%.
const (
	DefaultWarningThreshold = 0.55
	DefaultAutoThreshold    = 0.60
	DefaultForceThreshold   = 0.65

	// DefaultMaxContextTokens is the Claude Sonnet context window.
	DefaultMaxContextTokens = 200000

	// DefaultResponseTimeout bounds the wait for the summarization response.
	DefaultResponseTimeout = 120 * time.Second

	// DefaultMessageLogCapacity bounds the per-session log used only for
	// fallback summary synthesis.
	DefaultMessageLogCapacity = 128
)

// Action is the advisory outcome of evaluating accumulated usage against
// the thresholds.
type Action int

const (
	// ActionNone means usage is below every threshold.
	ActionNone Action = iota

	// ActionWarning means the warning threshold was crossed.
	ActionWarning

	// ActionAuto means compaction should run at the next user message.
	ActionAuto

	// ActionForce means compaction should run as soon as the in-flight
	// response completes.
	ActionForce
)

// Notice returns the human-readable message attached to token state
// updates when a threshold is crossed.
func (a Action) Notice() string {
	switch a {
	case ActionWarning:
		return "Context window is filling up. The conversation will be compacted automatically soon."
	case ActionAuto:
		return "Context compaction scheduled. The conversation will be summarized before your next message."
	case ActionForce:
		return "Context window nearly full. Compacting the conversation now."
	default:
		return ""
	}
}

// Config holds compaction configuration.
type Config struct {
	// WarningThreshold is the context usage fraction (0.0-1.0) at which the
	// user is warned. Default: 0.55
	WarningThreshold float64

	// AutoThreshold is the fraction at which compaction is scheduled for
	// the next outgoing user message. Default: 0.60
	AutoThreshold float64

	// ForceThreshold is the fraction at which compaction runs as soon as
	// the current response completes. Default: 0.65
	ForceThreshold float64

	// MaxContextTokens is the model's context window, the denominator for
	// every percentage computation. Default: 200000
	MaxContextTokens int

	// ResponseTimeout bounds the wait for the summarization response.
	// On expiry the attempt is aborted and the pending state restored.
	// Default: 120s
	ResponseTimeout time.Duration

	// MessageLogCapacity bounds the message log kept for fallback summary
	// synthesis. Oldest entries are dropped first. Default: 128
	MessageLogCapacity int

	// SummaryPrompt overrides the summarization request sent to the
	// subprocess. Default: SummaryPrompt
	SummaryPrompt string
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		WarningThreshold:   DefaultWarningThreshold,
		AutoThreshold:      DefaultAutoThreshold,
		ForceThreshold:     DefaultForceThreshold,
		MaxContextTokens:   DefaultMaxContextTokens,
		ResponseTimeout:    DefaultResponseTimeout,
		MessageLogCapacity: DefaultMessageLogCapacity,
		SummaryPrompt:      SummaryPrompt,
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.WarningThreshold <= 0 || c.WarningThreshold > 1.0 {
		return fmt.Errorf("%w: warning_threshold must be between 0 and 1, got %f", ErrInvalidConfig, c.WarningThreshold)
	}

	if c.AutoThreshold <= 0 || c.AutoThreshold > 1.0 {
		return fmt.Errorf("%w: auto_threshold must be between 0 and 1, got %f", ErrInvalidConfig, c.AutoThreshold)
	}

	if c.ForceThreshold <= 0 || c.ForceThreshold > 1.0 {
		return fmt.Errorf("%w: force_threshold must be between 0 and 1, got %f", ErrInvalidConfig, c.ForceThreshold)
	}

	if c.WarningThreshold >= c.AutoThreshold {
		return fmt.Errorf("%w: warning_threshold (%f) must be below auto_threshold (%f)",
			ErrInvalidConfig, c.WarningThreshold, c.AutoThreshold)
	}

	if c.AutoThreshold >= c.ForceThreshold {
		return fmt.Errorf("%w: auto_threshold (%f) must be below force_threshold (%f)",
			ErrInvalidConfig, c.AutoThreshold, c.ForceThreshold)
	}

	if c.MaxContextTokens <= 0 {
		return fmt.Errorf("%w: max_context_tokens must be positive, got %d", ErrInvalidConfig, c.MaxContextTokens)
	}

	if c.ResponseTimeout <= 0 {
		return fmt.Errorf("%w: response_timeout must be positive, got %s", ErrInvalidConfig, c.ResponseTimeout)
	}

	if c.MessageLogCapacity <= 0 {
		return fmt.Errorf("%w: message_log_capacity must be positive, got %d", ErrInvalidConfig, c.MessageLogCapacity)
	}

	return nil
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.WarningThreshold == 0 {
		c.WarningThreshold = DefaultWarningThreshold
	}
	if c.AutoThreshold == 0 {
		c.AutoThreshold = DefaultAutoThreshold
	}
	if c.ForceThreshold == 0 {
		c.ForceThreshold = DefaultForceThreshold
	}
	if c.MaxContextTokens == 0 {
		c.MaxContextTokens = DefaultMaxContextTokens
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.MessageLogCapacity == 0 {
		c.MessageLogCapacity = DefaultMessageLogCapacity
	}
	if c.SummaryPrompt == "" {
		c.SummaryPrompt = SummaryPrompt
	}
}

// Percentage returns totalTokens as a fraction of the context window.
func (c *Config) Percentage(totalTokens int) float64 {
	if c.MaxContextTokens <= 0 {
		return 0
	}
	return float64(totalTokens) / float64(c.MaxContextTokens)
}

// Evaluate maps accumulated usage to the strongest threshold action it
// satisfies.
func (c *Config) Evaluate(totalTokens int) Action {
	pct := c.Percentage(totalTokens)

	switch {
	case pct >= c.ForceThreshold:
		return ActionForce
	case pct >= c.AutoThreshold:
		return ActionAuto
	case pct >= c.WarningThreshold:
		return ActionWarning
	default:
		return ActionNone
	}
}
