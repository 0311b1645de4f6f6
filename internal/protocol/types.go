// Package protocol defines the entities exchanged with the agent backend and
// the tolerant decoders that normalize them off the wire.
package protocol

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// AgentState is the coarse lifecycle state of the agent in a session.
type AgentState string

const (
	AgentIdle           AgentState = "idle"
	AgentThinking       AgentState = "thinking"
	AgentPlanning       AgentState = "planning"
	AgentExecuting      AgentState = "executing"
	AgentWaitingForUser AgentState = "waiting_for_user"
	AgentError          AgentState = "error"
	AgentCompleted      AgentState = "completed"
)

// Known reports whether s is one of the states the backend documents.
// States are stored verbatim; Known only matters for rendering.
func (s AgentState) Known() bool {
	switch s {
	case AgentIdle, AgentThinking, AgentPlanning, AgentExecuting, AgentWaitingForUser, AgentError, AgentCompleted:
		return true
	}
	return false
}

// Busy reports whether the agent is planning or executing.
func (s AgentState) Busy() bool {
	return s == AgentPlanning || s == AgentExecuting
}

type FileAttachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	URL  string `json:"url,omitempty"`
}

type Message struct {
	ID        string           `json:"id"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	Files     []FileAttachment `json:"files,omitempty"`
}

type Task struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	Progress    int        `json:"progress"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type TaskStep struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Output      string     `json:"output,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Model struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	ContextLength int    `json:"context_length"`
	Parameters    string `json:"parameters,omitempty"`
}

// ChatSession is the backend's view of a conversation. Messages and Tasks
// are only populated by endpoints that embed them.
type ChatSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	ModelID   string    `json:"model_id,omitempty"`
	Model     *Model    `json:"model,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
	Tasks     []Task    `json:"tasks,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveModelID returns ModelID, falling back to the embedded model.
func (s ChatSession) EffectiveModelID() string {
	if s.ModelID != "" {
		return s.ModelID
	}
	if s.Model != nil {
		return s.Model.ID
	}
	return ""
}

type wireMessage struct {
	ID        string           `json:"id"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Timestamp json.RawMessage  `json:"timestamp"`
	Files     []FileAttachment `json:"files"`
}

type wireTask struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Status      TaskStatus      `json:"status"`
	Progress    *float64        `json:"progress"`
	CreatedAt   json.RawMessage `json:"created_at"`
	UpdatedAt   json.RawMessage `json:"updated_at"`
}

type wireTaskStep struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Status      TaskStatus      `json:"status"`
	Output      *string         `json:"output"`
	CreatedAt   json.RawMessage `json:"created_at"`
	UpdatedAt   json.RawMessage `json:"updated_at"`
}

type wireSession struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	ModelID   string            `json:"model_id"`
	Model     *Model            `json:"model"`
	Messages  []json.RawMessage `json:"messages"`
	Tasks     []json.RawMessage `json:"tasks"`
	CreatedAt json.RawMessage   `json:"created_at"`
	UpdatedAt json.RawMessage   `json:"updated_at"`
}
