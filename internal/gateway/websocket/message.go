// Package websocket provides the WebSocket hub for subscriber clients
// and bridge workers.
package websocket

import "encoding/json"

// Envelope is the wire format for every WebSocket message in both
// directions. Unused fields are omitted.
type Envelope struct {
	Type      string          `json:"type"`
	Group     string          `json:"group,omitempty"`
	Event     string          `json:"event,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	PromptID  string          `json:"prompt_id,omitempty"`
	OptionID  string          `json:"option_id,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Message types sent by subscriber clients.
const (
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypeSubmitRequest = "submit_request"
	TypeAbortRequest  = "abort_request"
	TypeRespondPrompt = "respond_prompt"
	TypeAckPrompt     = "ack_prompt"
	TypePing          = "ping"
	TypePong          = "pong"
)

// Message types sent by bridge workers.
const (
	TypeStreamData       = "stream_data"
	TypeStreamDone       = "stream_done"
	TypeStreamError      = "stream_error"
	TypeStreamAborted    = "stream_aborted"
	TypePermissionNeeded = "permission_needed"
)

// Message types pushed by the server.
const (
	TypeEvent = "event"
	TypeError = "error"
)

// EventRequestAccepted acknowledges a submit with the assigned
// request id.
const EventRequestAccepted = "request_accepted"
