// Package job runs at most one agent subprocess per project: it spawns the
// agent, parses its newline-delimited JSON output into deltas, fans those out
// to subscribed clients, accumulates the turn for replay and persistence, and
// supports cooperative cancel plus a no-output watchdog.
package job

import (
	"encoding/json"

	"github.com/p-blackswan/claude-remote/internal/store"
)

// EventType enumerates the deltas a job emits to its subscribers.
type EventType string

const (
	EventThinking   EventType = "thinking"
	EventText       EventType = "text"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventError      EventType = "error"
	EventDone       EventType = "done"
	EventRestore    EventType = "streaming_restore"
)

// Event is one delta fanned out to subscribers. Which fields are set depends
// on Type.
type Event struct {
	Type       EventType
	ProjectID  string
	Text       string          // thinking, text
	ToolUse    json.RawMessage // tool_use
	ToolResult json.RawMessage // tool_result
	Err        string          // error
	Status     string          // done: completed|cancelled|error
	Replay     *Replay         // streaming_restore
}

// Replay is the snapshot of a job's in-flight buffers, used to refresh a
// client that subscribed mid-stream.
type Replay struct {
	Thinking string
	Text     string
	Activity []store.ActivityEntry
}

// Client receives a job's events. Send must not block: implementations drop
// when their buffer is full and rely on replay to heal; the per-job buffer
// stays authoritative.
type Client interface {
	ID() string
	Send(Event) bool
}

// Notifier is told when a job reaches a terminal state, for push delivery.
type Notifier interface {
	NotifyCompletion(projectID, projectName string, ok bool, detail string)
}
