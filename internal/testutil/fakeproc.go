package testutil

import (
	"context"
	"sync"

	"github.com/claudepipe/claudepipe/proc"
)

// FakeHandle is an in-memory proc.Handle for driving session tests without
// spawning a real subprocess. Tests emit output lines and exit signals;
// everything written to the handle is recorded.
type FakeHandle struct {
	lines    chan string
	errLines chan string
	done     chan struct{}

	mu      sync.Mutex
	writes  []string
	exitErr error
	closed  bool
}

// NewFakeHandle creates a fake subprocess handle with buffered channels.
func NewFakeHandle() *FakeHandle {
	return &FakeHandle{
		lines:    make(chan string, 256),
		errLines: make(chan string, 64),
		done:     make(chan struct{}),
	}
}

// Spawner returns a proc.Spawner that always hands out this handle.
func (h *FakeHandle) Spawner() proc.Spawner {
	return func(ctx context.Context, cfg proc.Config) (proc.Handle, error) {
		return h, nil
	}
}

// FailingSpawner returns a proc.Spawner that always fails with err.
func FailingSpawner(err error) proc.Spawner {
	return func(ctx context.Context, cfg proc.Config) (proc.Handle, error) {
		return nil, err
	}
}

// EmitLine queues one stdout line for the consuming loop.
func (h *FakeHandle) EmitLine(line string) {
	h.lines <- line
}

// EmitStderr queues one stderr line.
func (h *FakeHandle) EmitStderr(line string) {
	h.errLines <- line
}

// Exit simulates process exit with the given error.
func (h *FakeHandle) Exit(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	h.exitErr = err
	close(h.done)
}

// Writes returns everything written to the fake stdin so far.
func (h *FakeHandle) Writes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, len(h.writes))
	copy(out, h.writes)
	return out
}

// WriteCount returns how many writes the handle has received.
func (h *FakeHandle) WriteCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.writes)
}

func (h *FakeHandle) Write(ctx context.Context, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return proc.ErrProcessDead
	}
	h.writes = append(h.writes, string(data))
	return nil
}

func (h *FakeHandle) Lines() <-chan string    { return h.lines }
func (h *FakeHandle) ErrLines() <-chan string { return h.errLines }
func (h *FakeHandle) Done() <-chan struct{}   { return h.done }

func (h *FakeHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *FakeHandle) Kill() error {
	h.Exit(nil)
	return nil
}
