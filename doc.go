// Package claudepipe sits between a chat interface and a Claude CLI
// subprocess, accounting for token usage and compacting the conversation
// before it outgrows the model's context window.
//
// Each session wraps one subprocess speaking line-delimited stream-json.
// The session reads every output record, accumulates the four usage
// counters (input, output, cache creation, cache read), and evaluates the
// total against three thresholds: a warning notice, an automatic
// compaction injected ahead of the next user message, and a forced
// compaction that runs as soon as the in-flight response completes.
//
// Compaction is an ordinary conversational turn: the session writes a
// summarization prompt to the subprocess, collects the assistant's
// summary, and rebases the counters to the cost of that single turn. A
// degenerate zero-token response never produces a blank summary; one is
// synthesized locally from the session's buffered message log.
//
// Basic usage:
//
//	registry, err := claudepipe.New(claudepipe.Config{
//	    Model: "claude-sonnet-4-5-20250929",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	registry.Subscribe(notifier.EventTokenState, func(ev *notifier.Event) {
//	    state := ev.Payload.(claudepipe.TokenStateEvent)
//	    fmt.Printf("%.1f%% of context used\n", state.State.Percentage*100)
//	})
//
//	id, err := registry.StartSession(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer registry.TerminateSession(ctx, id)
//
//	if err := registry.SendMessage(ctx, id, "hello"); err != nil {
//	    log.Fatal(err)
//	}
//
// All accounting for a session happens on a single goroutine, so callers
// may use a Registry from any number of goroutines without coordination.
package claudepipe
