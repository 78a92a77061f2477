package claudepipe

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	if err := (&Config{}).Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
	}
	if err := (&Config{Model: testModel}).Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestGetModelInfo(t *testing.T) {
	if info := GetModelInfo(testModel); info.MaxContextTokens != 200000 {
		t.Errorf("MaxContextTokens = %d, want 200000", info.MaxContextTokens)
	}
	if info := GetModelInfo("some-future-model"); info.MaxContextTokens != 200000 {
		t.Errorf("unknown model MaxContextTokens = %d, want the 200000 default", info.MaxContextTokens)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claudepipe.yaml")
	content := `model: claude-sonnet-4-5-20250929
command: /usr/local/bin/claude
warning_threshold: 0.50
auto_threshold: 0.58
force_threshold: 0.62
compaction_timeout_seconds: 90
message_log_capacity: 64
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	fc, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	cfg := fc.Config()
	if cfg.Model != testModel {
		t.Errorf("Model = %q", cfg.Model)
	}
	if cfg.Command != "/usr/local/bin/claude" {
		t.Errorf("Command = %q", cfg.Command)
	}

	cc := fc.CompactionConfig()
	if cc.WarningThreshold != 0.50 || cc.AutoThreshold != 0.58 || cc.ForceThreshold != 0.62 {
		t.Errorf("thresholds = %v/%v/%v", cc.WarningThreshold, cc.AutoThreshold, cc.ForceThreshold)
	}
	if cc.ResponseTimeout != 90*time.Second {
		t.Errorf("ResponseTimeout = %v, want 90s", cc.ResponseTimeout)
	}
	if cc.MessageLogCapacity != 64 {
		t.Errorf("MessageLogCapacity = %d, want 64", cc.MessageLogCapacity)
	}
	// The model's context window fills in when max_context_tokens is unset.
	if cc.MaxContextTokens != 200000 {
		t.Errorf("MaxContextTokens = %d, want 200000 from the model", cc.MaxContextTokens)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadConfig() on a missing file succeeded, want error")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("model: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("LoadConfig() error = %v, want ErrInvalidConfig", err)
	}
}

func TestFileConfigDefaults(t *testing.T) {
	fc := &FileConfig{Model: testModel}
	cc := fc.CompactionConfig()

	if cc.WarningThreshold != 0.55 || cc.AutoThreshold != 0.60 || cc.ForceThreshold != 0.65 {
		t.Errorf("default thresholds = %v/%v/%v, want 0.55/0.60/0.65",
			cc.WarningThreshold, cc.AutoThreshold, cc.ForceThreshold)
	}
	if err := cc.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}
