package job

import (
	"encoding/json"
	"fmt"
)

// deltaKind labels the stream deltas parsed from agent output lines.
type deltaKind string

const (
	deltaThinking   deltaKind = "thinking"
	deltaText       deltaKind = "text"
	deltaToolUse    deltaKind = "tool_use"
	deltaToolResult deltaKind = "tool_result"
	deltaSession    deltaKind = "session"
	deltaResult     deltaKind = "result"
)

// delta is one parsed unit of agent output.
type delta struct {
	kind      deltaKind
	text      string          // thinking, text
	tool      string          // tool_use
	raw       json.RawMessage // tool_use, tool_result
	sessionID string          // session
}

// agentLine is the type-discriminated head every stream line shares.
type agentLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Message   json.RawMessage `json:"message"`
}

// contentBlock is one entry of an assistant or user message content array.
// Tool use lines carry the tool under "name"; older agents used "tool".
type contentBlock struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking"`
	Text     string `json:"text"`
	Name     string `json:"name"`
	Tool     string `json:"tool"`
}

// parseLine parses one newline-delimited JSON line from the agent into zero
// or more deltas. Lines of an unrecognized type yield an empty slice; only
// malformed JSON yields an error.
func parseLine(line []byte) ([]delta, error) {
	var head agentLine
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, fmt.Errorf("parsing agent line: %w", err)
	}

	switch head.Type {
	case "system":
		if head.Subtype == "init" && head.SessionID != "" {
			return []delta{{kind: deltaSession, sessionID: head.SessionID}}, nil
		}
		return nil, nil

	case "assistant":
		return parseContent(head.Message, false)

	case "user":
		return parseContent(head.Message, true)

	case "tool_result":
		// Bare tool_result: the whole line is the payload.
		return []delta{{kind: deltaToolResult, raw: json.RawMessage(line)}}, nil

	case "result":
		return []delta{{kind: deltaResult}}, nil

	default:
		return nil, nil
	}
}

// parseContent walks a message's content blocks in order. resultsOnly keeps
// just tool_result blocks, the shape user lines carry.
func parseContent(message json.RawMessage, resultsOnly bool) ([]delta, error) {
	if len(message) == 0 {
		return nil, nil
	}

	var msg struct {
		Content []json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return nil, fmt.Errorf("parsing message content: %w", err)
	}

	var deltas []delta
	for _, raw := range msg.Content {
		var block contentBlock
		if err := json.Unmarshal(raw, &block); err != nil {
			return nil, fmt.Errorf("parsing content block: %w", err)
		}

		switch block.Type {
		case "tool_result":
			deltas = append(deltas, delta{kind: deltaToolResult, raw: raw})
		case "thinking":
			if !resultsOnly {
				deltas = append(deltas, delta{kind: deltaThinking, text: block.Thinking})
			}
		case "text":
			if !resultsOnly {
				deltas = append(deltas, delta{kind: deltaText, text: block.Text})
			}
		case "tool_use":
			if !resultsOnly {
				tool := block.Name
				if tool == "" {
					tool = block.Tool
				}
				deltas = append(deltas, delta{kind: deltaToolUse, tool: tool, raw: raw})
			}
		}
	}
	return deltas, nil
}
