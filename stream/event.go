package stream

import (
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Kind classifies a parsed stream record.
type Kind string

const (
	// KindSystem is a system record (subtypes include "init" and "compact_boundary").
	KindSystem Kind = "system"

	// KindAssistant is an assistant message envelope.
	KindAssistant Kind = "assistant"

	// KindUser is a user message envelope echoed back by the CLI.
	KindUser Kind = "user"

	// KindResult is the terminal record of a turn.
	KindResult Kind = "result"

	// KindMessageStop is emitted for the bare "$" terminator line.
	KindMessageStop Kind = "message_stop"

	// KindOther is valid JSON whose type is not recognized. Forwarded as a
	// diagnostic, never billed unless it carries a usage object.
	KindOther Kind = "other"

	// KindParseError wraps a line that failed structured decoding. The raw
	// line is preserved unchanged and carries no usage.
	KindParseError Kind = "parse_error"
)

// Usage is the token cost reported by one stream record. All four fields
// count toward the context window.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
}

// Total returns the sum of all four counters.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheCreationTokens + u.CacheReadTokens
}

// IsZero reports whether the record billed nothing.
func (u Usage) IsZero() bool {
	return u.Total() == 0
}

// Event is one typed record decoded from the subprocess output stream.
type Event struct {
	// Kind is the classification of the record.
	Kind Kind

	// Type is the raw "type" field as emitted.
	Type string

	// Subtype is the system record subtype, e.g. "init" or "compact_boundary".
	Subtype string

	// Raw is the original line (or reassembled fragment group), unmodified.
	Raw string

	// Usage is the token cost carried by this record, nil when absent.
	Usage *Usage

	// Text is the textual content for assistant and result records.
	Text string

	// IsError is the result record's is_error flag.
	IsError bool

	// PreTokens is compact_metadata.pre_tokens on compact_boundary records.
	PreTokens int

	// CLISessionID is the session identifier assigned by the CLI itself,
	// present on system init records.
	CLISessionID string

	// Err holds the decode failure for KindParseError events.
	Err error

	// Timestamp is when the record was parsed.
	Timestamp time.Time
}

// TagSession annotates a valid JSON line with the owning session ID so
// downstream consumers can route diagnostics without re-parsing. Lines that
// are not valid JSON are returned unchanged.
func TagSession(raw, sessionID string) string {
	if !gjson.Valid(raw) {
		return raw
	}
	tagged, err := sjson.Set(raw, "pipe_session_id", sessionID)
	if err != nil {
		return raw
	}
	return tagged
}
