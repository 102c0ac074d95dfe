package job

import (
	"regexp"
	"strings"

	"github.com/p-blackswan/claude-remote/internal/store"
)

// leadInPattern marks text deltas that read like the start of a new step.
var leadInPattern = regexp.MustCompile(`(?i)^(?:now|next|let me|i'll|first|finally|done)\b`)

// chunker segments the assistant text stream into chunks. A new chunk opens
// when the previous delta was a tool_use, when the text starts with a double
// newline, or when the trimmed text begins with a lead-in word. The first
// text always opens a chunk.
type chunker struct {
	chunks      []store.Chunk
	prevToolUse bool
	lastTool    string
}

// feed appends one text delta, opening a new chunk when a boundary rule
// matches. Empty deltas are ignored entirely.
func (c *chunker) feed(text string) {
	if text == "" {
		return
	}

	boundary := len(c.chunks) == 0 ||
		c.prevToolUse ||
		strings.HasPrefix(text, "\n\n") ||
		leadInPattern.MatchString(strings.TrimSpace(text))

	if boundary {
		chunk := store.Chunk{Text: text}
		if c.prevToolUse {
			chunk.AfterTool = c.lastTool
		}
		c.chunks = append(c.chunks, chunk)
	} else {
		c.chunks[len(c.chunks)-1].Text += text
	}

	c.prevToolUse = false
	c.lastTool = ""
}

// noteToolUse records that the latest delta was a tool_use, so the next text
// opens a chunk attributed to that tool.
func (c *chunker) noteToolUse(tool string) {
	c.prevToolUse = true
	c.lastTool = tool
}

// noteOther records a delta of any other kind (thinking, tool_result), which
// clears the pending tool attribution.
func (c *chunker) noteOther() {
	c.prevToolUse = false
	c.lastTool = ""
}
