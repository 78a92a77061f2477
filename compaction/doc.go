// Package compaction provides context window management for CLI-driven
// conversations.
//
// When accumulated token usage approaches the model's context window, the
// conversation must be replaced by a generated summary to free capacity.
// This package holds the threshold configuration, the summarization prompt,
// the local fallback summary synthesizer, and token counting utilities. The
// orchestration itself lives with the session loop that owns the subprocess.
//
// # Thresholds
//
// Three configurable percentage thresholds drive the state machine:
//
//   - Warning (default 55%): the user is notified that context is filling up.
//   - Auto (default 60%): compaction is scheduled for the next outgoing
//     user message.
//   - Force (default 65%): compaction runs as soon as the in-flight response
//     completes, without waiting for user input.
//
// # Summarization
//
// Compaction is an ordinary conversational turn: the summarization request
// is written to the subprocess over the same channel as user messages. If
// the subprocess bills zero tokens for the turn (a degenerate response), a
// summary is synthesized locally from the buffered message log so the user
// never sees a blank summary.
//
// # Token Counting
//
// Token counting uses the Anthropic token counting API when a client is
// configured, with a character-based approximation fallback (~3.5 characters
// per token) otherwise.
package compaction
