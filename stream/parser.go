// Package stream decodes the line-delimited stream-json protocol emitted by
// the agent CLI into typed events.
//
// The protocol is not fully specified: the CLI may emit banners, warnings,
// partial writes, and records split across multiple physical lines. The
// parser is therefore defensive. A line that cannot be decoded becomes a
// KindParseError event carrying the raw text unchanged; it is never dropped
// and never bills tokens.
package stream

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// MaxBufferBytes bounds the reassembly buffer for records split across
// lines. Exceeding it clears the buffer and yields a parse error.
const MaxBufferBytes = 100_000

// ErrBufferOverflow is the decode failure attached to parse-error events
// produced when the reassembly buffer exceeds MaxBufferBytes.
var ErrBufferOverflow = errors.New("stream reassembly buffer overflow")

// ErrMalformedRecord is the decode failure attached to parse-error events
// produced by lines that are not valid JSON.
var ErrMalformedRecord = errors.New("malformed stream record")

// Parser converts raw output lines into events. It keeps reassembly state
// across calls and must be used by a single goroutine.
type Parser struct {
	buf strings.Builder
}

// NewParser creates a parser with an empty reassembly buffer.
func NewParser() *Parser {
	return &Parser{}
}

// Parse processes one raw line. It returns nil while buffering an incomplete
// record; otherwise it returns exactly one event. Parse never fails: decode
// problems surface as KindParseError events.
func (p *Parser) Parse(line string) *Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	// Bare "$" terminates the current message.
	if trimmed == "$" {
		return &Event{Kind: KindMessageStop, Raw: line, Timestamp: time.Now()}
	}

	// Fast path: the line is a complete record on its own.
	if p.buf.Len() == 0 && gjson.Valid(trimmed) {
		return p.decode(trimmed)
	}

	if p.buf.Len()+len(line)+1 > MaxBufferBytes {
		p.Reset()
		return &Event{
			Kind:      KindParseError,
			Raw:       line,
			Err:       fmt.Errorf("%w: record exceeds %d bytes", ErrBufferOverflow, MaxBufferBytes),
			Timestamp: time.Now(),
		}
	}

	p.buf.WriteString(line)
	p.buf.WriteByte('\n')

	if !balanced(p.buf.String()) {
		// Still inside a multi-line record.
		return nil
	}

	assembled := strings.TrimSpace(p.buf.String())
	p.Reset()

	if gjson.Valid(assembled) {
		return p.decode(assembled)
	}

	return &Event{
		Kind:      KindParseError,
		Raw:       assembled,
		Err:       ErrMalformedRecord,
		Timestamp: time.Now(),
	}
}

// Reset discards any buffered partial record.
func (p *Parser) Reset() {
	p.buf.Reset()
}

// Buffered reports how many bytes of an incomplete record are held.
func (p *Parser) Buffered() int {
	return p.buf.Len()
}

// decode classifies a syntactically valid JSON record.
func (p *Parser) decode(raw string) *Event {
	ev := &Event{Raw: raw, Timestamp: time.Now()}

	typ := gjson.Get(raw, "type")
	if !typ.Exists() {
		ev.Kind = KindParseError
		ev.Err = fmt.Errorf("%w: missing type field", ErrMalformedRecord)
		return ev
	}
	ev.Type = typ.String()

	switch ev.Type {
	case "system":
		ev.Kind = KindSystem
		ev.Subtype = gjson.Get(raw, "subtype").String()
		ev.CLISessionID = gjson.Get(raw, "session_id").String()
		if ev.Subtype == "compact_boundary" {
			ev.PreTokens = int(gjson.Get(raw, "compact_metadata.pre_tokens").Int())
		}
	case "assistant":
		ev.Kind = KindAssistant
		ev.Text = contentText(gjson.Get(raw, "message.content"))
	case "user":
		ev.Kind = KindUser
		ev.Text = contentText(gjson.Get(raw, "message.content"))
	case "result":
		ev.Kind = KindResult
		ev.Text = gjson.Get(raw, "result").String()
		ev.IsError = gjson.Get(raw, "is_error").Bool()
	case "message_stop":
		ev.Kind = KindMessageStop
	default:
		ev.Kind = KindOther
	}

	ev.Usage = extractUsage(raw)
	return ev
}

// extractUsage pulls the usage object from a record, checking both the
// top-level position (result, usage records) and the nested message
// envelope (assistant, user records). Missing fields count as zero.
func extractUsage(raw string) *Usage {
	obj := gjson.Get(raw, "usage")
	if !obj.Exists() {
		obj = gjson.Get(raw, "message.usage")
	}
	if !obj.Exists() || !obj.IsObject() {
		return nil
	}

	return &Usage{
		InputTokens:         int(obj.Get("input_tokens").Int()),
		OutputTokens:        int(obj.Get("output_tokens").Int()),
		CacheCreationTokens: int(obj.Get("cache_creation_input_tokens").Int()),
		CacheReadTokens:     int(obj.Get("cache_read_input_tokens").Int()),
	}
}

// contentText concatenates the text blocks of a message content array.
func contentText(content gjson.Result) string {
	if !content.Exists() {
		return ""
	}
	if content.Type == gjson.String {
		return content.String()
	}

	var sb strings.Builder
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			sb.WriteString(block.Get("text").String())
		}
		return true
	})
	return sb.String()
}

// balanced reports whether the buffered text closes every JSON object and
// array it opens, tracking string literals and escape sequences so braces
// inside strings do not count.
func balanced(s string) bool {
	depth := 0
	inString := false
	escaped := false

	for _, ch := range s {
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
		}
		if !inString {
			switch ch {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}

	return depth == 0 && !inString
}
