package claudepipe

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/claudepipe/claudepipe/compaction"
	"github.com/claudepipe/claudepipe/hooks"
	"github.com/claudepipe/claudepipe/proc"
	"github.com/claudepipe/claudepipe/storage"
)

// ModelInfo contains model-specific parameters
type ModelInfo struct {
	MaxContextTokens int
}

// KnownModels maps model IDs to their capabilities
var KnownModels = map[string]ModelInfo{
	// Claude 4 models
	"claude-sonnet-4-5-20250929": {MaxContextTokens: 200000},
	"claude-opus-4-5-20251101":   {MaxContextTokens: 200000},
	// Claude 3.5 models
	"claude-3-5-sonnet-20241022": {MaxContextTokens: 200000},
	"claude-3-5-haiku-20241022":  {MaxContextTokens: 200000},
	// Claude 3 models
	"claude-3-opus-20240229":   {MaxContextTokens: 200000},
	"claude-3-sonnet-20240229": {MaxContextTokens: 200000},
	"claude-3-haiku-20240307":  {MaxContextTokens: 200000},
}

// GetModelInfo returns model info, using sensible defaults for unknown models
func GetModelInfo(model string) ModelInfo {
	if info, ok := KnownModels[model]; ok {
		return info
	}
	// Sensible defaults for unknown models
	return ModelInfo{MaxContextTokens: 200000}
}

// Config holds the required configuration for a session registry.
//
// Example:
//
//	registry, _ := claudepipe.New(claudepipe.Config{
//	    Model: "claude-sonnet-4-5-20250929",
//	})
type Config struct {
	// Model is the model ID the subprocess runs (required). Used to size
	// the context window for percentage computation.
	Model string

	// Command is the CLI binary path or name. Default: "claude"
	Command string

	// Args are the CLI arguments. Default: stream-json in/out framing.
	Args []string

	// Dir is the subprocess working directory. Empty means inherit.
	Dir string

	// Env holds environment overrides for the subprocess, "KEY=value" form.
	Env []string
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("%w: Model is required", ErrInvalidConfig)
	}
	return nil
}

// internalConfig holds the full registry configuration including optional
// parameters set through Options.
type internalConfig struct {
	// Required from Config
	model string

	// Subprocess launch parameters
	command string
	args    []string
	dir     string
	env     []string

	// Compaction configuration, including the threshold scheme
	compaction *compaction.Config

	// Collaborators
	spawner proc.Spawner
	hooks   *hooks.Registry
	store   storage.Store
	counter *compaction.TokenCounter
	logger  *log.Logger
}

// newInternalConfig creates a new internal config from the public Config
func newInternalConfig(cfg Config) *internalConfig {
	modelInfo := GetModelInfo(cfg.Model)

	cc := compaction.DefaultConfig()
	cc.MaxContextTokens = modelInfo.MaxContextTokens

	return &internalConfig{
		model:   cfg.Model,
		command: cfg.Command,
		args:    cfg.Args,
		dir:     cfg.Dir,
		env:     cfg.Env,

		compaction: cc,

		// Defaults
		spawner: proc.Spawn,
		hooks:   hooks.NewRegistry(),
		counter: compaction.NewTokenCounter(nil),
		logger:  log.Default(),
	}
}

// procConfig builds the subprocess launch configuration.
func (c *internalConfig) procConfig() proc.Config {
	return proc.Config{
		Command: c.command,
		Args:    c.args,
		Dir:     c.dir,
		Env:     c.env,
	}
}

// FileConfig is the YAML settings file layout. Durations are expressed in
// seconds to keep the file format plain.
type FileConfig struct {
	Model   string   `yaml:"model"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Dir     string   `yaml:"dir"`

	MaxContextTokens       int     `yaml:"max_context_tokens"`
	WarningThreshold       float64 `yaml:"warning_threshold"`
	AutoThreshold          float64 `yaml:"auto_threshold"`
	ForceThreshold         float64 `yaml:"force_threshold"`
	CompactionTimeoutSecs  int     `yaml:"compaction_timeout_seconds"`
	MessageLogCapacity     int     `yaml:"message_log_capacity"`
	SummaryPrompt          string  `yaml:"summary_prompt"`
}

// LoadConfig reads a YAML settings file.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &fc, nil
}

// Config converts the file settings to the registry Config.
func (f *FileConfig) Config() Config {
	return Config{
		Model:   f.Model,
		Command: f.Command,
		Args:    f.Args,
		Dir:     f.Dir,
	}
}

// CompactionConfig converts the file settings to a compaction Config,
// filling unset values with defaults.
func (f *FileConfig) CompactionConfig() *compaction.Config {
	cc := &compaction.Config{
		WarningThreshold:   f.WarningThreshold,
		AutoThreshold:      f.AutoThreshold,
		ForceThreshold:     f.ForceThreshold,
		MaxContextTokens:   f.MaxContextTokens,
		ResponseTimeout:    time.Duration(f.CompactionTimeoutSecs) * time.Second,
		MessageLogCapacity: f.MessageLogCapacity,
		SummaryPrompt:      f.SummaryPrompt,
	}
	cc.ApplyDefaults()

	if f.MaxContextTokens == 0 && f.Model != "" {
		cc.MaxContextTokens = GetModelInfo(f.Model).MaxContextTokens
	}

	return cc
}
