// Package proc manages the lifecycle of one external CLI subprocess per session.
//
// Each session owns exactly one Handle. The handle exposes the process's
// standard output as a channel of raw text lines, accepts prompt writes on
// standard input, and signals process exit through Done. After exit, every
// operation against the handle fails with ErrProcessDead.
package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Errors returned by the proc package.
var (
	// ErrSpawnFailed is returned when the subprocess binary cannot be launched.
	ErrSpawnFailed = errors.New("subprocess spawn failed")

	// ErrProcessDead is returned for any operation against an exited process.
	ErrProcessDead = errors.New("subprocess is dead")

	// ErrWriteFailed is returned when a prompt cannot be delivered to stdin.
	ErrWriteFailed = errors.New("subprocess write failed")

	// ErrInvalidConfig is returned when the subprocess configuration is invalid.
	ErrInvalidConfig = errors.New("invalid subprocess configuration")
)

// Default configuration values.
const (
	// DefaultCommand is the CLI binary launched when none is configured.
	DefaultCommand = "claude"

	// maxLineBytes bounds a single output line. Stream-json records can carry
	// whole file contents, so the scanner buffer is generous.
	maxLineBytes = 10 * 1024 * 1024
)

// DefaultArgs returns the argument list used when none is configured.
// The CLI is driven over stdin/stdout in stream-json framing.
func DefaultArgs() []string {
	return []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
}

// Config describes how to launch the subprocess.
type Config struct {
	// Command is the binary path or name. Default: "claude"
	Command string

	// Args are the command-line arguments. Default: DefaultArgs()
	Args []string

	// Dir is the working directory. Empty means the caller's directory.
	Dir string

	// Env holds environment overrides appended to the parent environment,
	// in "KEY=value" form.
	Env []string
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidConfig)
	}
	return nil
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Command == "" {
		c.Command = DefaultCommand
	}
	if c.Args == nil {
		c.Args = DefaultArgs()
	}
}

// Handle is one live subprocess. Implementations must be safe for use by a
// single consuming loop plus concurrent Write callers.
type Handle interface {
	// Write delivers one prompt line to the process's stdin.
	// Fails with ErrProcessDead after exit.
	Write(ctx context.Context, data []byte) error

	// Lines yields raw stdout lines. The channel is closed when stdout
	// reaches EOF. The sequence is not restartable.
	Lines() <-chan string

	// ErrLines yields raw stderr lines for diagnostics. Closed on EOF.
	ErrLines() <-chan string

	// Done is closed once the process has fully exited.
	Done() <-chan struct{}

	// Err reports the exit error, valid after Done is closed.
	Err() error

	// Kill terminates the process. Idempotent.
	Kill() error
}

// Spawner launches a subprocess. The package-level Spawn is the production
// implementation; tests inject their own.
type Spawner func(ctx context.Context, cfg Config) (Handle, error)

// Spawn launches the configured subprocess and wires up its pipes.
func Spawn(ctx context.Context, cfg Config) (Handle, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, cfg.Command, err)
	}

	h := &osHandle{
		cmd:      cmd,
		stdin:    stdin,
		lines:    make(chan string, 64),
		errLines: make(chan string, 16),
		done:     make(chan struct{}),
	}

	go h.scan(stdout, h.lines)
	go h.scan(stderr, h.errLines)
	go h.wait()

	return h, nil
}

// osHandle is the production Handle backed by os/exec.
type osHandle struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	lines    chan string
	errLines chan string

	done    chan struct{}
	exitErr error

	writeMu sync.Mutex
	killMu  sync.Mutex
	killed  bool
}

func (h *osHandle) Write(ctx context.Context, data []byte) error {
	select {
	case <-h.done:
		return ErrProcessDead
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if _, err := h.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (h *osHandle) Lines() <-chan string    { return h.lines }
func (h *osHandle) ErrLines() <-chan string { return h.errLines }
func (h *osHandle) Done() <-chan struct{}   { return h.done }

func (h *osHandle) Err() error {
	select {
	case <-h.done:
		return h.exitErr
	default:
		return nil
	}
}

func (h *osHandle) Kill() error {
	h.killMu.Lock()
	defer h.killMu.Unlock()

	if h.killed {
		return nil
	}
	h.killed = true

	// Closing stdin first lets a well-behaved CLI exit on its own;
	// Kill covers the rest.
	_ = h.stdin.Close()
	if h.cmd.Process != nil {
		return h.cmd.Process.Kill()
	}
	return nil
}

// scan pumps one pipe into a line channel until EOF.
func (h *osHandle) scan(r io.Reader, out chan<- string) {
	defer close(out)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// wait reaps the process and publishes the exit signal.
func (h *osHandle) wait() {
	h.exitErr = h.cmd.Wait()
	close(h.done)
}
