package claudepipe

import (
	"log"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/claudepipe/claudepipe/compaction"
	"github.com/claudepipe/claudepipe/hooks"
	"github.com/claudepipe/claudepipe/proc"
	"github.com/claudepipe/claudepipe/storage"
)

// Option is a functional option for configuring a Registry
type Option func(*internalConfig) error

// WithSpawner replaces the subprocess spawner. Tests use this to inject
// in-memory handles.
func WithSpawner(spawner proc.Spawner) Option {
	return func(c *internalConfig) error {
		if spawner == nil {
			return NewSessionError("WithSpawner", ErrInvalidConfig).
				WithContext("reason", "spawner must not be nil")
		}
		c.spawner = spawner
		return nil
	}
}

// WithCompactionConfig replaces the full compaction configuration.
func WithCompactionConfig(cfg *compaction.Config) Option {
	return func(c *internalConfig) error {
		if cfg == nil {
			return NewSessionError("WithCompactionConfig", ErrInvalidConfig).
				WithContext("reason", "config must not be nil")
		}
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return err
		}
		c.compaction = cfg
		return nil
	}
}

// WithThresholds sets the warning, auto, and force threshold fractions.
func WithThresholds(warning, auto, force float64) Option {
	return func(c *internalConfig) error {
		c.compaction.WarningThreshold = warning
		c.compaction.AutoThreshold = auto
		c.compaction.ForceThreshold = force
		return c.compaction.Validate()
	}
}

// WithMaxContextTokens overrides the context window size used for
// percentage computation.
func WithMaxContextTokens(n int) Option {
	return func(c *internalConfig) error {
		c.compaction.MaxContextTokens = n
		return c.compaction.Validate()
	}
}

// WithCompactionTimeout bounds the wait for the summarization response.
func WithCompactionTimeout(d time.Duration) Option {
	return func(c *internalConfig) error {
		c.compaction.ResponseTimeout = d
		return c.compaction.Validate()
	}
}

// WithMessageLogCapacity bounds the per-session message log used for
// fallback summary synthesis.
func WithMessageLogCapacity(n int) Option {
	return func(c *internalConfig) error {
		c.compaction.MessageLogCapacity = n
		return c.compaction.Validate()
	}
}

// WithHooks replaces the hook registry.
func WithHooks(registry *hooks.Registry) Option {
	return func(c *internalConfig) error {
		if registry == nil {
			return NewSessionError("WithHooks", ErrInvalidConfig).
				WithContext("reason", "registry must not be nil")
		}
		c.hooks = registry
		return nil
	}
}

// WithStore attaches a persistence store. Compaction events and terminal
// token snapshots are written to it; persistence failures are logged and
// never affect session state.
func WithStore(store storage.Store) Option {
	return func(c *internalConfig) error {
		c.store = store
		return nil
	}
}

// WithTokenCountingClient enables exact token counting for compaction
// statistics through the Anthropic token counting API. Without it, counts
// use a character-based approximation.
func WithTokenCountingClient(client *anthropic.Client) Option {
	return func(c *internalConfig) error {
		c.counter = compaction.NewTokenCounter(client)
		return nil
	}
}

// WithLogger replaces the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *internalConfig) error {
		if logger == nil {
			return NewSessionError("WithLogger", ErrInvalidConfig).
				WithContext("reason", "logger must not be nil")
		}
		c.logger = logger
		return nil
	}
}
