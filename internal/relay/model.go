// Package relay implements the request correlation core: the in-memory
// request registry, the streaming bridge router that fans worker output
// back out to subscribers, the content accumulator, and the abort
// coordinator.
package relay

import (
	"encoding/json"
	"time"
)

// Broadcast group keys. Clients subscribe to conversation and project
// groups; workers join the reserved pool group.
const WorkerPoolGroup = "workers"

// ConversationGroup returns the broadcast group key for a conversation.
func ConversationGroup(conversationID string) string {
	return "conversation:" + conversationID
}

// ProjectGroup returns the broadcast group key for a project.
func ProjectGroup(projectID string) string {
	return "project:" + projectID
}

// Event names emitted to clients.
const (
	EventStreamUpdate    = "stream_update"
	EventRequestTerminal = "request_terminal"
)

// Event names sent to workers.
const (
	EventExecute = "execute"
	EventAbort   = "abort"
)

// ChatRequest identifies one client-initiated execution.
type ChatRequest struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SessionID      string    `json:"session_id,omitempty"`
	WorkerID       string    `json:"worker_id,omitempty"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// EventKind classifies a unit of worker output.
type EventKind string

const (
	KindData    EventKind = "data"
	KindDone    EventKind = "done"
	KindError   EventKind = "error"
	KindAborted EventKind = "aborted"
)

// StreamEvent is one unit of worker output, correlated by request id.
type StreamEvent struct {
	RequestID string          `json:"request_id"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SubmitRequest is a client execution request.
type SubmitRequest struct {
	RequestID      string   `json:"request_id"`
	ConversationID string   `json:"conversation_id"`
	Content        string   `json:"content"`
	SessionID      string   `json:"session_id,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
}

// ExecutePayload is the execute event sent to a worker.
type ExecutePayload struct {
	RequestID      string   `json:"request_id"`
	ConversationID string   `json:"conversation_id"`
	Content        string   `json:"content"`
	SessionID      string   `json:"session_id,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
}

// AbortPayload is the abort event sent to a worker.
type AbortPayload struct {
	RequestID string `json:"request_id"`
}

// StreamUpdate is broadcast to the conversation group for each data
// event, tagged with the placeholder message id so clients can merge it
// into the right UI element.
type StreamUpdate struct {
	RequestID string          `json:"request_id"`
	MessageID string          `json:"message_id"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RequestTerminal is the single terminal event every request ends with.
type RequestTerminal struct {
	RequestID string `json:"request_id"`
	MessageID string `json:"message_id"`
	Status    Status `json:"status"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Broadcaster delivers events to client broadcast groups. The error
// reports delivery problems such as an empty group; streaming callers
// are free to ignore it.
type Broadcaster interface {
	EmitToGroup(group, event string, payload any) error
}

// Worker is one connected bridge worker.
type Worker interface {
	ID() string
	Send(event string, payload any) error
}

// WorkerPool exposes the currently connected workers.
type WorkerPool interface {
	Workers() []Worker
	Worker(id string) (Worker, bool)
}

// MessageStore is the persistence collaborator consumed by the router
// and accumulator.
type MessageStore interface {
	CreatePlaceholderMessage(conversationID string) (string, error)
	UpdateMessageContent(id, text string, isFinal bool, sessionID string) error
	MarkMessageFailed(id, reason string) error
	GrantedTools(conversationID string) ([]string, error)
}
