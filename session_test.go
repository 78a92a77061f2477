package claudepipe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/claudepipe/claudepipe/internal/testutil"
	"github.com/claudepipe/claudepipe/notifier"
)

const testModel = "claude-sonnet-4-5-20250929"

func newTestRegistry(t *testing.T, fake *testutil.FakeHandle, opts ...Option) (*Registry, string) {
	t.Helper()

	opts = append([]Option{WithSpawner(fake.Spawner())}, opts...)
	registry, err := New(Config{Model: testModel}, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	id, err := registry.StartSession(context.Background())
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = registry.Close(ctx)
	})

	return registry, id
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// resultLine builds a result record with top-level usage.
func resultLine(input, output, cacheCreation, cacheRead int) string {
	return fmt.Sprintf(`{"type":"result","result":"done","is_error":false,`+
		`"usage":{"input_tokens":%d,"output_tokens":%d,"cache_creation_input_tokens":%d,"cache_read_input_tokens":%d}}`,
		input, output, cacheCreation, cacheRead)
}

// assistantLine builds an assistant record with nested message usage.
func assistantLine(text string, input, output int) string {
	return fmt.Sprintf(`{"type":"assistant","message":{"role":"assistant",`+
		`"content":[{"type":"text","text":%q}],`+
		`"usage":{"input_tokens":%d,"output_tokens":%d,"cache_creation_input_tokens":0,"cache_read_input_tokens":0}}}`,
		text, input, output)
}

func sessionState(t *testing.T, registry *Registry, id string) *TokenState {
	t.Helper()
	st, err := registry.TokenState(id)
	if err != nil {
		t.Fatalf("TokenState() error = %v", err)
	}
	return st
}

func TestSessionWarningBelowAutoThreshold(t *testing.T) {
	fake := testutil.NewFakeHandle()
	registry, id := newTestRegistry(t, fake)

	// 119000 of 200000 is 59.5%: past the warning line, short of auto.
	fake.EmitLine(resultLine(100000, 19000, 0, 0))

	waitFor(t, "warning state", func() bool {
		return sessionState(t, registry, id).State == StateWarning
	})

	st := sessionState(t, registry, id)
	if st.TotalTokens != 119000 {
		t.Errorf("TotalTokens = %d, want 119000", st.TotalTokens)
	}
	if st.Percentage != 0.595 {
		t.Errorf("Percentage = %v, want 0.595", st.Percentage)
	}
	if st.Pending != PendingNone {
		t.Errorf("Pending = %q, want %q", st.Pending, PendingNone)
	}
	if n := fake.WriteCount(); n != 0 {
		t.Errorf("WriteCount() = %d, want 0: no compaction should start", n)
	}
}

func TestSessionAutoCompactionOnNextMessage(t *testing.T) {
	fake := testutil.NewFakeHandle()
	registry, id := newTestRegistry(t, fake)

	var mu sync.Mutex
	var completed []CompactionCompletedEvent
	registry.Subscribe(notifier.EventCompactionCompleted, func(ev *notifier.Event) {
		mu.Lock()
		defer mu.Unlock()
		completed = append(completed, ev.Payload.(CompactionCompletedEvent))
	})

	// 121000 of 200000 is 60.5%: auto compaction becomes pending.
	fake.EmitLine(resultLine(100000, 21000, 0, 0))
	waitFor(t, "auto pending state", func() bool {
		return sessionState(t, registry, id).State == StateAutoPending
	})

	if st := sessionState(t, registry, id); st.Pending != PendingAuto {
		t.Fatalf("Pending = %q, want %q", st.Pending, PendingAuto)
	}

	// The pending compaction resolves here: the summarization prompt goes
	// out first and the user message is queued behind it.
	if err := registry.SendMessage(context.Background(), id, "what about errors?"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	waitFor(t, "summary prompt write", func() bool { return fake.WriteCount() == 1 })
	if writes := fake.Writes(); !strings.Contains(writes[0], "summary") {
		t.Errorf("first write should carry the summarization prompt, got %q", writes[0])
	}

	fake.EmitLine(assistantLine("The conversation covered parser design.", 2000, 500))
	fake.EmitLine(`{"type":"result","result":"","is_error":false}`)

	waitFor(t, "queued message forwarded", func() bool { return fake.WriteCount() == 2 })
	if writes := fake.Writes(); !strings.Contains(writes[1], "what about errors?") {
		t.Errorf("second write should carry the queued user message, got %q", writes[1])
	}

	waitFor(t, "normal state after compaction", func() bool {
		return sessionState(t, registry, id).State == StateNormal
	})

	st := sessionState(t, registry, id)
	if st.TotalTokens != 2500 {
		t.Errorf("TotalTokens = %d, want 2500: counters rebase to the summary turn", st.TotalTokens)
	}
	if st.CompactionCount != 1 {
		t.Errorf("CompactionCount = %d, want 1", st.CompactionCount)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(completed) != 1 {
		t.Fatalf("got %d compaction events, want 1", len(completed))
	}
	ev := completed[0]
	if ev.TokensBefore != 121000 {
		t.Errorf("TokensBefore = %d, want 121000", ev.TokensBefore)
	}
	if ev.TokensAfter != 2500 {
		t.Errorf("TokensAfter = %d, want 2500", ev.TokensAfter)
	}
	if ev.Synthesized {
		t.Error("Synthesized = true, want false: the subprocess produced a real summary")
	}
	if !strings.Contains(ev.Summary, "parser design") {
		t.Errorf("Summary = %q, want the assistant text", ev.Summary)
	}
}

func TestSessionForceCompactionWithoutUserMessage(t *testing.T) {
	fake := testutil.NewFakeHandle()
	registry, id := newTestRegistry(t, fake)

	// 131000 of 200000 is 65.5%: force fires with no message in flight.
	fake.EmitLine(resultLine(100000, 31000, 0, 0))

	waitFor(t, "summary prompt write", func() bool { return fake.WriteCount() == 1 })

	waitFor(t, "compacting state", func() bool {
		return sessionState(t, registry, id).State == StateCompacting
	})

	fake.EmitLine(assistantLine("Condensed history.", 1500, 400))
	fake.EmitLine(`{"type":"result","result":"","is_error":false}`)

	waitFor(t, "normal state after compaction", func() bool {
		return sessionState(t, registry, id).State == StateNormal
	})

	st := sessionState(t, registry, id)
	if st.TotalTokens != 1900 {
		t.Errorf("TotalTokens = %d, want 1900", st.TotalTokens)
	}
	if st.CompactionCount != 1 {
		t.Errorf("CompactionCount = %d, want 1", st.CompactionCount)
	}
}

func TestSessionDegenerateSummarySynthesized(t *testing.T) {
	fake := testutil.NewFakeHandle()
	registry, id := newTestRegistry(t, fake)

	var mu sync.Mutex
	var completed []CompactionCompletedEvent
	registry.Subscribe(notifier.EventCompactionCompleted, func(ev *notifier.Event) {
		mu.Lock()
		defer mu.Unlock()
		completed = append(completed, ev.Payload.(CompactionCompletedEvent))
	})

	if err := registry.SendMessage(context.Background(), id, "explain goroutine leaks"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	fake.EmitLine(assistantLine("Leaks happen when a goroutine blocks forever.", 100, 50))
	fake.EmitLine(resultLine(131000, 0, 0, 0))

	waitFor(t, "summary prompt write", func() bool { return fake.WriteCount() == 2 })

	// The subprocess answers the summarization prompt with a zero-token
	// empty response.
	fake.EmitLine(`{"type":"result","result":"","is_error":false,"usage":{"input_tokens":0,"output_tokens":0,"cache_creation_input_tokens":0,"cache_read_input_tokens":0}}`)

	waitFor(t, "compaction completion", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 1
	})

	mu.Lock()
	ev := completed[0]
	mu.Unlock()

	if !ev.Synthesized {
		t.Error("Synthesized = false, want true for a degenerate response")
	}
	if strings.TrimSpace(ev.Summary) == "" {
		t.Fatal("Summary is blank: a degenerate compaction must synthesize one")
	}
	if !strings.Contains(ev.Summary, "goroutine") {
		t.Errorf("Summary = %q, want content drawn from the message log", ev.Summary)
	}
}

func TestSessionMessageLogBounded(t *testing.T) {
	fake := testutil.NewFakeHandle()
	registry, id := newTestRegistry(t, fake, WithMessageLogCapacity(2))

	var mu sync.Mutex
	var completed []CompactionCompletedEvent
	registry.Subscribe(notifier.EventCompactionCompleted, func(ev *notifier.Event) {
		mu.Lock()
		defer mu.Unlock()
		completed = append(completed, ev.Payload.(CompactionCompletedEvent))
	})

	// Two full turns overflow a two-entry log: only the latest user message
	// and assistant response survive, oldest entries evicted first.
	if err := registry.SendMessage(context.Background(), id, "alpha question"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	fake.EmitLine(assistantLine("bravo answer", 100, 50))
	fake.EmitLine(resultLine(100, 50, 0, 0))
	waitFor(t, "first turn applied", func() bool {
		return sessionState(t, registry, id).TotalTokens == 300
	})

	if err := registry.SendMessage(context.Background(), id, "charlie question"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	fake.EmitLine(assistantLine("delta answer", 100, 50))
	fake.EmitLine(resultLine(131000, 0, 0, 0))

	waitFor(t, "summary prompt write", func() bool { return fake.WriteCount() == 3 })

	// Degenerate response forces synthesis from whatever the log retained.
	fake.EmitLine(`{"type":"result","result":"","is_error":false,"usage":{"input_tokens":0,"output_tokens":0,"cache_creation_input_tokens":0,"cache_read_input_tokens":0}}`)

	waitFor(t, "compaction completion", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 1
	})

	mu.Lock()
	summary := completed[0].Summary
	mu.Unlock()

	if !strings.Contains(summary, "charlie question") || !strings.Contains(summary, "delta answer") {
		t.Errorf("Summary = %q, want the two retained entries", summary)
	}
	if strings.Contains(summary, "alpha question") || strings.Contains(summary, "bravo answer") {
		t.Errorf("Summary = %q, want evicted entries absent", summary)
	}
}

func TestSessionCompactionCompletesOnMessageStop(t *testing.T) {
	fake := testutil.NewFakeHandle()
	registry, id := newTestRegistry(t, fake)

	fake.EmitLine(resultLine(131000, 0, 0, 0))
	waitFor(t, "summary prompt write", func() bool { return fake.WriteCount() == 1 })

	// The summary turn ends with the bare terminator instead of a result
	// record.
	fake.EmitLine(assistantLine("Condensed history.", 1500, 400))
	fake.EmitLine("$")

	waitFor(t, "normal state after compaction", func() bool {
		return sessionState(t, registry, id).State == StateNormal
	})

	st := sessionState(t, registry, id)
	if st.TotalTokens != 1900 {
		t.Errorf("TotalTokens = %d, want 1900", st.TotalTokens)
	}
	if st.CompactionCount != 1 {
		t.Errorf("CompactionCount = %d, want 1", st.CompactionCount)
	}
}

func TestSessionCompactionTimeoutRetriesForQueuedMessages(t *testing.T) {
	fake := testutil.NewFakeHandle()
	registry, id := newTestRegistry(t, fake, WithCompactionTimeout(100*time.Millisecond))

	fake.EmitLine(resultLine(131000, 0, 0, 0))
	waitFor(t, "summary prompt write", func() bool { return fake.WriteCount() == 1 })

	// Queue a message behind the running compaction, then let the first
	// attempt time out. The queued message may only go out behind a
	// compaction, so a second attempt starts instead of a bare flush.
	if err := registry.SendMessage(context.Background(), id, "held back"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	waitFor(t, "retry summary prompt write", func() bool { return fake.WriteCount() == 2 })
	if writes := fake.Writes(); !strings.Contains(writes[1], "summary") {
		t.Errorf("second write should carry the summarization prompt, got %q", writes[1])
	}

	fake.EmitLine(assistantLine("Second attempt summary.", 1000, 200))
	fake.EmitLine(`{"type":"result","result":"","is_error":false}`)

	waitFor(t, "queued message forwarded after retry", func() bool { return fake.WriteCount() == 3 })
	if writes := fake.Writes(); !strings.Contains(writes[2], "held back") {
		t.Errorf("third write should carry the queued message, got %q", writes[2])
	}

	st := sessionState(t, registry, id)
	if st.CompactionCount != 1 {
		t.Errorf("CompactionCount = %d, want 1: the timed-out attempt must not count", st.CompactionCount)
	}
	if st.TotalTokens != 1200 {
		t.Errorf("TotalTokens = %d, want 1200", st.TotalTokens)
	}
}

func TestSessionDuplicateTriggersSingleCompaction(t *testing.T) {
	fake := testutil.NewFakeHandle()
	registry, id := newTestRegistry(t, fake)

	var mu sync.Mutex
	var completed int
	registry.Subscribe(notifier.EventCompactionCompleted, func(ev *notifier.Event) {
		mu.Lock()
		defer mu.Unlock()
		completed++
	})

	fake.EmitLine(resultLine(131000, 0, 0, 0))
	waitFor(t, "summary prompt write", func() bool { return fake.WriteCount() == 1 })

	// Messages sent while compacting queue without starting another cycle.
	if err := registry.SendMessage(context.Background(), id, "first"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if err := registry.SendMessage(context.Background(), id, "second"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if n := fake.WriteCount(); n != 1 {
		t.Fatalf("WriteCount() = %d, want 1: queued messages must not reach the subprocess", n)
	}

	fake.EmitLine(assistantLine("Summary.", 1000, 200))
	fake.EmitLine(`{"type":"result","result":"","is_error":false}`)

	waitFor(t, "queued messages forwarded in order", func() bool { return fake.WriteCount() == 3 })

	writes := fake.Writes()
	if !strings.Contains(writes[1], "first") || !strings.Contains(writes[2], "second") {
		t.Errorf("queued messages out of order: %q, %q", writes[1], writes[2])
	}

	mu.Lock()
	defer mu.Unlock()
	if completed != 1 {
		t.Errorf("got %d compaction events, want exactly 1", completed)
	}
}

func TestSessionCompactionTimeoutRestoresPending(t *testing.T) {
	fake := testutil.NewFakeHandle()
	registry, id := newTestRegistry(t, fake, WithCompactionTimeout(30*time.Millisecond))

	fake.EmitLine(resultLine(131000, 0, 0, 0))
	waitFor(t, "summary prompt write", func() bool { return fake.WriteCount() == 1 })

	// No summary arrives. The timer fires, the attempt aborts, and the
	// force trigger is re-armed with counters untouched.
	waitFor(t, "force pending restored", func() bool {
		return sessionState(t, registry, id).State == StateForcePending
	})

	st := sessionState(t, registry, id)
	if st.TotalTokens != 131000 {
		t.Errorf("TotalTokens = %d, want 131000: a failed compaction never touches counters", st.TotalTokens)
	}
	if st.CompactionCount != 0 {
		t.Errorf("CompactionCount = %d, want 0", st.CompactionCount)
	}
	if st.Pending != PendingForce {
		t.Errorf("Pending = %q, want %q", st.Pending, PendingForce)
	}
}

func TestSessionCrashLeavesStaleSnapshot(t *testing.T) {
	fake := testutil.NewFakeHandle()
	registry, id := newTestRegistry(t, fake)

	var mu sync.Mutex
	var terminated []SessionTerminatedEvent
	registry.Subscribe(notifier.EventSessionTerminated, func(ev *notifier.Event) {
		mu.Lock()
		defer mu.Unlock()
		terminated = append(terminated, ev.Payload.(SessionTerminatedEvent))
	})

	fake.EmitLine(resultLine(50000, 10000, 5000, 2000))
	waitFor(t, "usage applied", func() bool {
		return sessionState(t, registry, id).TotalTokens == 67000
	})

	fake.Exit(errors.New("signal: killed"))

	waitFor(t, "termination event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(terminated) == 1
	})

	mu.Lock()
	ev := terminated[0]
	mu.Unlock()
	if ev.Err == nil {
		t.Error("SessionTerminatedEvent.Err = nil, want the exit error")
	}
	if ev.Reason != "subprocess exited" {
		t.Errorf("Reason = %q, want %q", ev.Reason, "subprocess exited")
	}

	err := registry.SendMessage(context.Background(), id, "anyone there?")
	if !errors.Is(err, ErrProcessDead) {
		t.Errorf("SendMessage() after crash = %v, want ErrProcessDead", err)
	}

	// The last snapshot stays queryable, flagged stale.
	st := sessionState(t, registry, id)
	if !st.Stale {
		t.Error("Stale = false, want true after termination")
	}
	if st.TotalTokens != 67000 {
		t.Errorf("TotalTokens = %d, want 67000 preserved", st.TotalTokens)
	}
	if st.State != StateTerminated {
		t.Errorf("State = %q, want %q", st.State, StateTerminated)
	}
}

func TestSessionMalformedLinesNeverBill(t *testing.T) {
	fake := testutil.NewFakeHandle()
	registry, id := newTestRegistry(t, fake)

	var mu sync.Mutex
	var raw []string
	registry.Subscribe(notifier.EventRawLine, func(ev *notifier.Event) {
		mu.Lock()
		defer mu.Unlock()
		raw = append(raw, ev.Payload.(string))
	})

	fake.EmitLine(`Warning: slow startup detected`)
	fake.EmitLine(`{"no_type_field":true}`)
	fake.EmitLine(resultLine(100, 50, 0, 0))

	waitFor(t, "valid record applied", func() bool {
		return sessionState(t, registry, id).TotalTokens == 150
	})

	st := sessionState(t, registry, id)
	if st.TotalTokens != 150 {
		t.Errorf("TotalTokens = %d, want 150: malformed lines must not bill", st.TotalTokens)
	}

	// Malformed lines still pass through for diagnostics.
	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, line := range raw {
		if strings.Contains(line, "slow startup") {
			found = true
		}
	}
	if !found {
		t.Error("malformed line was not forwarded on the raw event stream")
	}
}

func TestSessionSendMessageForwardsWhenNormal(t *testing.T) {
	fake := testutil.NewFakeHandle()
	registry, id := newTestRegistry(t, fake)

	if err := registry.SendMessage(context.Background(), id, "hello"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	writes := fake.Writes()
	if len(writes) != 1 {
		t.Fatalf("got %d writes, want 1", len(writes))
	}
	if !strings.Contains(writes[0], `"type":"user"`) || !strings.Contains(writes[0], "hello") {
		t.Errorf("write = %q, want a stream-json user record", writes[0])
	}
	if !strings.HasSuffix(writes[0], "\n") {
		t.Error("write is not newline terminated")
	}
}

func TestSessionTerminateIsIdempotent(t *testing.T) {
	fake := testutil.NewFakeHandle()
	registry, id := newTestRegistry(t, fake)

	if err := registry.TerminateSession(context.Background(), id); err != nil {
		t.Fatalf("TerminateSession() error = %v", err)
	}
	if err := registry.TerminateSession(context.Background(), id); err != nil {
		t.Fatalf("second TerminateSession() error = %v", err)
	}
}

func TestSessionStderrForwardedNotBilled(t *testing.T) {
	fake := testutil.NewFakeHandle()
	registry, id := newTestRegistry(t, fake)

	var mu sync.Mutex
	var raw []string
	registry.Subscribe(notifier.EventRawLine, func(ev *notifier.Event) {
		mu.Lock()
		defer mu.Unlock()
		raw = append(raw, ev.Payload.(string))
	})

	fake.EmitStderr(`{"type":"result","usage":{"input_tokens":999999}}`)

	waitFor(t, "stderr forwarded", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(raw) == 1
	})

	if st := sessionState(t, registry, id); st.TotalTokens != 0 {
		t.Errorf("TotalTokens = %d, want 0: stderr is never parsed", st.TotalTokens)
	}
}
