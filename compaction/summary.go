package compaction

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

// SummaryPrompt is the summarization request written to the subprocess as
// an ordinary user message. The subprocess has no dedicated compaction
// primitive, so the request is indistinguishable from normal input.
const SummaryPrompt = `Please provide a comprehensive summary of our conversation so far. This summary will replace the conversation history to free up context space, so include everything needed to continue seamlessly:

1. The main goals and requests, with any constraints or requirements
2. Key decisions made and the reasoning behind them
3. Files, code, or artifacts that were created or discussed
4. Errors encountered and how they were resolved
5. The current state of the work and the immediate next steps

Be specific: keep exact names, paths, and error messages. Do not add commentary about the summarization itself.`

// Entry is one message retained in the bounded per-session log. The log
// exists only to synthesize a fallback summary; it is never the source of
// truth for token counts.
type Entry struct {
	Role    string
	Content string
	At      time.Time
}

// Result describes one completed compaction.
type Result struct {
	SessionID    string
	TokensBefore int
	TokensAfter  int
	Summary      string
	Synthesized  bool
	Duration     time.Duration
}

// maxEntryChars bounds how much of a single message is quoted in a
// synthesized summary.
const maxEntryChars = 500

// Synthesize builds a summary locally from the buffered message log. Used
// when the subprocess returns a degenerate zero-token response; the result
// is never empty.
func Synthesize(entries []Entry) string {
	var sb strings.Builder
	sb.WriteString("## Conversation Summary\n\n")

	var userCount, assistantCount int
	for _, e := range entries {
		switch e.Role {
		case "user":
			userCount++
		case "assistant":
			assistantCount++
		}
	}
	fmt.Fprintf(&sb, "The conversation so far contains %d user message(s) and %d assistant response(s).\n\n",
		userCount, assistantCount)

	if len(entries) > 0 {
		sb.WriteString("### Recent exchanges\n\n")
		for _, e := range entries {
			content := strings.TrimSpace(e.Content)
			if content == "" {
				continue
			}
			if len(content) > maxEntryChars {
				content = content[:maxEntryChars] + "..."
			}
			fmt.Fprintf(&sb, "- **%s**: %s\n", roleLabel(e.Role), content)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("_This summary was generated locally because the model returned an empty summarization response. The conversation continues from this point._")
	return sb.String()
}

func roleLabel(role string) string {
	switch role {
	case "assistant":
		return "Assistant"
	case "system":
		return "System"
	default:
		return "User"
	}
}

var (
	summaryMarkdown = goldmark.New()
	summaryPolicy   = bluemonday.UGCPolicy()
)

// RenderHTML renders a markdown summary to sanitized HTML for UI display.
// Rendering failures fall back to the escaped source text.
func RenderHTML(markdown string) string {
	var buf bytes.Buffer
	if err := summaryMarkdown.Convert([]byte(markdown), &buf); err != nil {
		return summaryPolicy.Sanitize(markdown)
	}
	return summaryPolicy.Sanitize(buf.String())
}
