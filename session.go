package claudepipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/claudepipe/claudepipe/compaction"
	"github.com/claudepipe/claudepipe/notifier"
	"github.com/claudepipe/claudepipe/proc"
	"github.com/claudepipe/claudepipe/storage"
	"github.com/claudepipe/claudepipe/stream"
)

type cmdKind int

const (
	cmdSend cmdKind = iota
	cmdTerminate
)

type command struct {
	kind  cmdKind
	text  string
	reply chan error
}

// Session owns one subprocess and its accounting state. All mutation
// happens on the run loop, which reads one line at a time, updates the
// counters, evaluates thresholds, and optionally drives a compaction
// cycle, strictly in sequence. External callers interact through the
// command channel and the atomically published snapshot, so no locks are
// needed inside a session.
type Session struct {
	id     string
	cfg    *internalConfig
	handle proc.Handle
	events *notifier.Notifier

	ctx    context.Context
	cancel context.CancelFunc

	cmds   chan command
	closed chan struct{}

	snapshot    atomic.Pointer[TokenState]
	lastSummary atomic.Pointer[string]

	// Everything below is owned by the run loop.
	parser          *stream.Parser
	acc             accumulator
	mon             *monitor
	messageLog      []compaction.Entry
	compactionCount int
	lastCompaction  time.Time

	responseInFlight bool

	compacting          bool
	compactRetried      bool
	compactTokensBefore int
	compactStart        time.Time
	compactUsage        stream.Usage
	compactSummary      strings.Builder
	compactTimer        *time.Timer
	queued              []string
}

func newSession(id string, cfg *internalConfig, handle proc.Handle, events *notifier.Notifier) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:     id,
		cfg:    cfg,
		handle: handle,
		events: events,
		ctx:    ctx,
		cancel: cancel,
		cmds:   make(chan command),
		closed: make(chan struct{}),
		parser: stream.NewParser(),
		mon:    newMonitor(cfg.compaction),
	}

	st := s.buildState(false)
	s.snapshot.Store(&st)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// TokenState returns the latest published snapshot. Safe from any
// goroutine; terminated sessions return their final snapshot flagged stale.
func (s *Session) TokenState() *TokenState {
	st := *s.snapshot.Load()
	return &st
}

// LastSummary returns the most recent compaction summary, empty before the
// first compaction.
func (s *Session) LastSummary() string {
	if p := s.lastSummary.Load(); p != nil {
		return *p
	}
	return ""
}

// SendMessage forwards a user message to the subprocess, injecting a
// pending compaction cycle first when one is due. Messages submitted while
// a compaction is in flight are queued and forwarded once it resolves.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	reply := make(chan error, 1)

	select {
	case s.cmds <- command{kind: cmdSend, text: text, reply: reply}:
	case <-s.closed:
		return NewSessionErrorWithSession("SendMessage", s.id, ErrProcessDead)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate kills the subprocess and moves the session to its terminal
// state. Idempotent.
func (s *Session) Terminate(ctx context.Context) error {
	reply := make(chan error, 1)

	select {
	case s.cmds <- command{kind: cmdTerminate, reply: reply}:
	case <-s.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the serialized processing loop and the sole mutator of session
// state.
func (s *Session) run() {
	defer close(s.closed)

	s.publishTokenState("")

	lines := s.handle.Lines()
	errLines := s.handle.ErrLines()

	for {
		var timeoutC <-chan time.Time
		if s.compactTimer != nil {
			timeoutC = s.compactTimer.C
		}

		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			s.handleLine(line)

		case line, ok := <-errLines:
			if !ok {
				errLines = nil
				continue
			}
			// Stderr is diagnostics only, never parsed, never billed.
			s.events.Publish(notifier.EventRawLine, s.id, line)

		case <-s.handle.Done():
			s.drainLines(lines)
			s.terminate("subprocess exited", s.handle.Err())
			return

		case cmd := <-s.cmds:
			switch cmd.kind {
			case cmdSend:
				cmd.reply <- s.handleSend(cmd.text)
			case cmdTerminate:
				_ = s.handle.Kill()
				<-s.handle.Done()
				s.terminate("terminated by caller", nil)
				cmd.reply <- nil
				return
			}

		case <-timeoutC:
			s.compactTimer = nil
			s.failCompaction(compaction.ErrTimeout)

		case <-s.ctx.Done():
			_ = s.handle.Kill()
			s.terminate("context canceled", s.ctx.Err())
			return
		}
	}
}

// drainLines consumes output that was already buffered when the subprocess
// exited, so the final snapshot accounts for every record the process
// emitted.
func (s *Session) drainLines(lines <-chan string) {
	if lines == nil {
		return
	}
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			s.handleLine(line)
		default:
			return
		}
	}
}

// handleLine processes exactly one raw output line.
func (s *Session) handleLine(line string) {
	ev := s.parser.Parse(line)
	if ev == nil {
		// Buffering an incomplete record.
		return
	}

	// Forward everything for diagnostics. Valid records are tagged with
	// the session ID; parse failures pass through verbatim.
	raw := ev.Raw
	if ev.Kind != stream.KindParseError {
		raw = stream.TagSession(ev.Raw, s.id)
	}
	s.events.Publish(notifier.EventRawLine, s.id, raw)

	if ev.Kind == stream.KindParseError {
		// Malformed lines never touch the counters.
		return
	}

	if s.compacting {
		s.handleCompactionEvent(ev)
		return
	}

	if ev.Kind == stream.KindAssistant && ev.Text != "" {
		s.appendLog(compaction.Entry{Role: "assistant", Content: ev.Text, At: time.Now()})
	}

	if ev.Usage != nil {
		s.acc.Apply(*ev.Usage)
		notice, _ := s.mon.observe(s.acc.Total())
		s.publishTokenState(notice)

		// Force compaction fires immediately when nothing is mid-stream.
		if s.mon.state == StateForcePending && !s.responseInFlight {
			s.beginCompaction()
			return
		}
	}

	if ev.Kind == stream.KindResult || ev.Kind == stream.KindMessageStop {
		s.responseInFlight = false
		if s.mon.state == StateForcePending {
			s.beginCompaction()
		}
	}
}

// handleCompactionEvent consumes the summary turn while compacting.
func (s *Session) handleCompactionEvent(ev *stream.Event) {
	if ev.Usage != nil {
		s.compactUsage.InputTokens += ev.Usage.InputTokens
		s.compactUsage.OutputTokens += ev.Usage.OutputTokens
		s.compactUsage.CacheCreationTokens += ev.Usage.CacheCreationTokens
		s.compactUsage.CacheReadTokens += ev.Usage.CacheReadTokens
	}

	switch ev.Kind {
	case stream.KindAssistant:
		s.compactSummary.WriteString(ev.Text)
	case stream.KindResult:
		if s.compactSummary.Len() == 0 && ev.Text != "" {
			s.compactSummary.WriteString(ev.Text)
		}
		s.finishCompaction()
	case stream.KindMessageStop:
		// Some turns end with a bare terminator instead of a result record.
		s.finishCompaction()
	}
}

// handleSend processes one send command on the loop.
func (s *Session) handleSend(text string) error {
	if s.mon.state == StateTerminated {
		return NewSessionErrorWithSession("SendMessage", s.id, ErrProcessDead)
	}

	if s.compacting {
		s.queued = append(s.queued, text)
		return nil
	}

	// A pending compaction is injected ahead of the message.
	if s.mon.state == StateAutoPending || s.mon.state == StateForcePending {
		s.queued = append(s.queued, text)
		s.beginCompaction()
		return nil
	}

	return s.forward(text)
}

// forward writes one user message to the subprocess.
func (s *Session) forward(text string) error {
	if err := s.writeUserMessage(text); err != nil {
		return NewSessionErrorWithSession("SendMessage", s.id, err)
	}
	s.responseInFlight = true
	s.appendLog(compaction.Entry{Role: "user", Content: text, At: time.Now()})
	return nil
}

// beginCompaction starts the summarization cycle. Duplicate triggers are a
// guarded no-op.
func (s *Session) beginCompaction() {
	if !s.mon.beginCompaction() {
		return
	}

	if err := s.cfg.hooks.TriggerBeforeCompaction(s.ctx, s.id); err != nil {
		s.cfg.logger.Printf("claudepipe: session %s: before-compaction hook: %v", s.id, err)
	}

	s.compacting = true
	s.compactTokensBefore = s.acc.Total()
	s.compactStart = time.Now()
	s.compactUsage = stream.Usage{}
	s.compactSummary.Reset()

	s.publishTokenState("")

	if err := s.writeUserMessage(s.cfg.compaction.SummaryPrompt); err != nil {
		s.failCompaction(fmt.Errorf("%w: %v", compaction.ErrWriteFailed, err))
		return
	}

	s.compactTimer = time.NewTimer(s.cfg.compaction.ResponseTimeout)
}

// finishCompaction commits a completed summary turn: counters rebase to the
// turn's own cost, the message log collapses to the summary, and queued
// messages flush.
func (s *Session) finishCompaction() {
	s.stopCompactTimer()
	s.compacting = false
	s.compactRetried = false

	summary := strings.TrimSpace(s.compactSummary.String())
	synthesized := false
	if s.compactUsage.IsZero() || summary == "" {
		// The subprocess failed to bill a real response. Never surface a
		// blank summary; synthesize one from the buffered log.
		s.cfg.logger.Printf("claudepipe: session %s: %v, synthesizing locally", s.id, compaction.ErrDegenerateSummary)
		summary = compaction.Synthesize(s.messageLog)
		synthesized = true
	}

	tokensBefore := s.compactTokensBefore
	s.acc.Rebase(s.compactUsage)
	s.compactionCount++
	s.lastCompaction = time.Now()
	s.messageLog = []compaction.Entry{{Role: "assistant", Content: summary, At: s.lastCompaction}}
	s.lastSummary.Store(&summary)

	s.mon.completeCompaction(true)
	notice, _ := s.mon.observe(s.acc.Total())
	s.publishTokenState(notice)

	result := &compaction.Result{
		SessionID:    s.id,
		TokensBefore: tokensBefore,
		TokensAfter:  s.acc.Total(),
		Summary:      summary,
		Synthesized:  synthesized,
		Duration:     time.Since(s.compactStart),
	}
	if err := s.cfg.hooks.TriggerAfterCompaction(s.ctx, result); err != nil {
		s.cfg.logger.Printf("claudepipe: session %s: after-compaction hook: %v", s.id, err)
	}

	s.events.Publish(notifier.EventCompactionCompleted, s.id, CompactionCompletedEvent{
		SessionID:    s.id,
		TokensBefore: tokensBefore,
		TokensAfter:  result.TokensAfter,
		Summary:      summary,
		SummaryHTML:  compaction.RenderHTML(summary),
		Synthesized:  synthesized,
		Duration:     result.Duration,
		CompletedAt:  s.lastCompaction,
	})

	if s.cfg.store != nil {
		s.persistCompaction(result)
	}

	s.flushQueued()
}

// failCompaction aborts the attempt without touching counters and restores
// the pending state so the trigger re-fires at the next eligible boundary.
func (s *Session) failCompaction(err error) {
	if !s.compacting {
		return
	}
	s.stopCompactTimer()
	s.compacting = false

	s.cfg.logger.Printf("claudepipe: session %s: compaction failed (recoverable): %v", s.id, err)

	s.mon.completeCompaction(false)
	s.publishTokenState("")

	// Queued messages may only enter behind a compaction while one is
	// pending, so retry once before giving up on the cycle. Write failures
	// skip the retry: the prompt would hit the same dead pipe.
	if s.mon.pending != PendingNone && len(s.queued) > 0 &&
		!s.compactRetried && !errors.Is(err, compaction.ErrWriteFailed) {
		s.compactRetried = true
		s.beginCompaction()
		return
	}

	s.compactRetried = false
	s.flushQueued()
}

// flushQueued forwards messages held back during compaction, in order.
func (s *Session) flushQueued() {
	queued := s.queued
	s.queued = nil
	for _, text := range queued {
		if err := s.forward(text); err != nil {
			s.cfg.logger.Printf("claudepipe: session %s: forwarding queued message: %v", s.id, err)
		}
	}
}

// terminate finalizes the session. The last snapshot stays queryable,
// flagged stale; an in-flight compaction is discarded.
func (s *Session) terminate(reason string, err error) {
	if s.mon.state == StateTerminated {
		return
	}

	s.stopCompactTimer()
	s.compacting = false
	s.mon.terminate()

	st := s.buildState(true)
	s.snapshot.Store(&st)

	s.events.Publish(notifier.EventSessionTerminated, s.id, SessionTerminatedEvent{
		SessionID: s.id,
		Reason:    reason,
		Err:       err,
		LastState: st,
	})

	if hookErr := s.cfg.hooks.TriggerSessionEnd(s.ctx, s.id, reason); hookErr != nil {
		s.cfg.logger.Printf("claudepipe: session %s: session-end hook: %v", s.id, hookErr)
	}

	if s.cfg.store != nil {
		s.persistSnapshot(st)
	}

	s.cancel()
}

// appendLog adds an entry to the bounded message log, dropping the oldest
// entries first.
func (s *Session) appendLog(entry compaction.Entry) {
	s.messageLog = append(s.messageLog, entry)
	if over := len(s.messageLog) - s.cfg.compaction.MessageLogCapacity; over > 0 {
		s.messageLog = s.messageLog[over:]
	}
}

// buildState assembles a snapshot from loop-owned state.
func (s *Session) buildState(stale bool) TokenState {
	input, output, cacheCreation, cacheRead := s.acc.Counters()
	total := s.acc.Total()

	return TokenState{
		SessionID:           s.id,
		InputTokens:         input,
		OutputTokens:        output,
		CacheCreationTokens: cacheCreation,
		CacheReadTokens:     cacheRead,
		TotalTokens:         total,
		MaxContextTokens:    s.cfg.compaction.MaxContextTokens,
		Percentage:          s.cfg.compaction.Percentage(total),
		State:               s.mon.state,
		Pending:             s.mon.pending,
		CompactionCount:     s.compactionCount,
		LastCompaction:      s.lastCompaction,
		Stale:               stale,
		UpdatedAt:           time.Now(),
	}
}

// publishTokenState stores a fresh snapshot and emits it on the notifier.
func (s *Session) publishTokenState(notice string) {
	st := s.buildState(false)
	s.snapshot.Store(&st)

	s.events.Publish(notifier.EventTokenState, s.id, TokenStateEvent{
		State: st,
		Thresholds: Thresholds{
			Warning: s.cfg.compaction.WarningThreshold,
			Auto:    s.cfg.compaction.AutoThreshold,
			Force:   s.cfg.compaction.ForceThreshold,
		},
		Notice: notice,
	})

	if err := s.cfg.hooks.TriggerTokenState(s.ctx, s.id, st.TotalTokens, st.Percentage, string(st.State)); err != nil {
		s.cfg.logger.Printf("claudepipe: session %s: token-state hook: %v", s.id, err)
	}
}

// wire format for prompts written to the subprocess stdin.
type wireBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

type wireEnvelope struct {
	Type    string      `json:"type"`
	Message wireMessage `json:"message"`
}

// writeUserMessage frames a prompt as a stream-json user record and writes
// it to the subprocess. The summarization request uses the same path.
func (s *Session) writeUserMessage(text string) error {
	envelope := wireEnvelope{
		Type: "user",
		Message: wireMessage{
			Role:    "user",
			Content: []wireBlock{{Type: "text", Text: text}},
		},
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	return s.handle.Write(s.ctx, data)
}

func (s *Session) stopCompactTimer() {
	if s.compactTimer != nil {
		s.compactTimer.Stop()
		s.compactTimer = nil
	}
}

// persistCompaction writes a compaction record to the store. Persistence
// failures are logged and never affect session state.
func (s *Session) persistCompaction(result *compaction.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.cfg.store.SaveCompactionEvent(ctx, &storage.CompactionEvent{
		SessionID:    result.SessionID,
		TokensBefore: result.TokensBefore,
		TokensAfter:  result.TokensAfter,
		Summary:      result.Summary,
		Synthesized:  result.Synthesized,
		DurationMs:   result.Duration.Milliseconds(),
		CreatedAt:    s.lastCompaction,
	})
	if err != nil {
		s.cfg.logger.Printf("claudepipe: session %s: persisting compaction event: %v", s.id, err)
	}
}

// persistSnapshot writes the terminal accounting snapshot to the store.
func (s *Session) persistSnapshot(st TokenState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.cfg.store.SaveTokenSnapshot(ctx, &storage.TokenSnapshot{
		SessionID:           st.SessionID,
		InputTokens:         st.InputTokens,
		OutputTokens:        st.OutputTokens,
		CacheCreationTokens: st.CacheCreationTokens,
		CacheReadTokens:     st.CacheReadTokens,
		TotalTokens:         st.TotalTokens,
		Percentage:          st.Percentage,
		State:               string(st.State),
		CompactionCount:     st.CompactionCount,
		Stale:               st.Stale,
		RecordedAt:          st.UpdatedAt,
	})
	if err != nil {
		s.cfg.logger.Printf("claudepipe: session %s: persisting token snapshot: %v", s.id, err)
	}
}
