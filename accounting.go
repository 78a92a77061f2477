package claudepipe

import "github.com/claudepipe/claudepipe/stream"

// accumulator holds the four per-session token counters. It is owned
// exclusively by the session's processing loop; Apply is the only code path
// that increments the counters, and each stream record is applied exactly
// once.
type accumulator struct {
	inputTokens         int
	outputTokens        int
	cacheCreationTokens int
	cacheReadTokens     int
	messagesProcessed   int
}

// Apply adds one record's usage to the running totals. Counters only grow;
// missing fields arrive as zero from the parser.
func (a *accumulator) Apply(u stream.Usage) {
	a.inputTokens += u.InputTokens
	a.outputTokens += u.OutputTokens
	a.cacheCreationTokens += u.CacheCreationTokens
	a.cacheReadTokens += u.CacheReadTokens
	a.messagesProcessed++
}

// Total returns the sum of all four counters. This is the sole basis for
// percentage computation.
func (a *accumulator) Total() int {
	return a.inputTokens + a.outputTokens + a.cacheCreationTokens + a.cacheReadTokens
}

// Rebase resets the counters to the cost of the summary turn only. Called
// exactly at a compaction boundary. A zero-usage summary turn leaves the
// baseline at zero.
func (a *accumulator) Rebase(u stream.Usage) {
	a.inputTokens = u.InputTokens
	a.outputTokens = u.OutputTokens
	a.cacheCreationTokens = u.CacheCreationTokens
	a.cacheReadTokens = u.CacheReadTokens
	a.messagesProcessed = 0
}

// Counters returns the four counters in declaration order.
func (a *accumulator) Counters() (input, output, cacheCreation, cacheRead int) {
	return a.inputTokens, a.outputTokens, a.cacheCreationTokens, a.cacheReadTokens
}
