package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Assistant message terminal status values.
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusError     = "error"
)

// Chunk is one segmented span of assistant text. AfterTool names the tool
// whose use immediately preceded the chunk, when any.
type Chunk struct {
	Text      string `json:"text"`
	AfterTool string `json:"afterTool,omitempty"`
}

// ActivityEntry records one tool_use or tool_result in stream order.
type ActivityEntry struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// Message is one conversation turn. Assistant messages are only ever
// persisted at a terminal state, never mid-stream.
type Message struct {
	Role        string          `json:"role"`
	Text        string          `json:"text,omitempty"`
	Task        string          `json:"task,omitempty"`
	Chunks      []Chunk         `json:"chunks,omitempty"`
	Thinking    string          `json:"thinking,omitempty"`
	Activity    []ActivityEntry `json:"activity,omitempty"`
	Status      string          `json:"status,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Conversation is the per-project append-only message log plus the agent's
// opaque session id for context resume.
type Conversation struct {
	ProjectID      string    `json:"projectId"`
	Messages       []Message `json:"messages"`
	AgentSessionID string    `json:"agentSessionId,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (s *Store) conversationPath(projectID string) string {
	return filepath.Join(s.dir, "projects", projectID, "conversation.json")
}

// Conversation loads a project's conversation. A missing file yields an
// empty conversation.
func (s *Store) Conversation(projectID string) (Conversation, error) {
	lock := s.convMu.get(projectID)
	lock.Lock()
	defer lock.Unlock()
	return s.readConversation(projectID)
}

// AppendMessage appends one message and bumps UpdatedAt.
func (s *Store) AppendMessage(projectID string, msg Message) error {
	return s.updateConversation(projectID, func(c *Conversation) {
		c.Messages = append(c.Messages, msg)
	})
}

// SetAgentSessionID records the opaque session id reported by the agent so
// the next run can resume its context.
func (s *Store) SetAgentSessionID(projectID, sessionID string) error {
	return s.updateConversation(projectID, func(c *Conversation) {
		c.AgentSessionID = sessionID
	})
}

// ClearConversation resets the message log and the agent session id.
func (s *Store) ClearConversation(projectID string) error {
	return s.updateConversation(projectID, func(c *Conversation) {
		c.Messages = nil
		c.AgentSessionID = ""
	})
}

// ConversationUpdatedAt returns the last write time of a project's
// conversation, with ok=false when none exists yet.
func (s *Store) ConversationUpdatedAt(projectID string) (time.Time, bool) {
	conv, err := s.Conversation(projectID)
	if err != nil || conv.UpdatedAt.IsZero() {
		return time.Time{}, false
	}
	return conv.UpdatedAt, true
}

func (s *Store) readConversation(projectID string) (Conversation, error) {
	var conv Conversation
	if err := readJSON(s.conversationPath(projectID), &conv); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Conversation{ProjectID: projectID}, nil
		}
		return Conversation{}, fmt.Errorf("loading conversation for %s: %w", projectID, err)
	}
	return conv, nil
}

func (s *Store) updateConversation(projectID string, mutate func(*Conversation)) error {
	lock := s.convMu.get(projectID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := s.readConversation(projectID)
	if err != nil {
		return err
	}
	mutate(&conv)
	conv.ProjectID = projectID
	conv.UpdatedAt = time.Now().UTC()

	path := s.conversationPath(projectID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating conversation dir for %s: %w", projectID, err)
	}
	if err := writeJSON(path, conv, 0o644); err != nil {
		return fmt.Errorf("persisting conversation for %s: %w", projectID, err)
	}
	return nil
}
