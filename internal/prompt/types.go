// Package prompt implements interactive prompt delivery: multi-channel
// fan-out of decisions required from a human, acknowledgment tracking,
// and timer-driven escalation for unanswered prompts.
package prompt

import (
	"time"
)

// Type classifies what kind of decision a prompt asks for.
type Type string

const (
	TypeToolPermission Type = "tool-permission"
	TypePlanReview     Type = "plan-review"
)

// Status is the lifecycle state of a prompt. Prompts are never deleted,
// only marked terminal, so the record survives for audit.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAnswered Status = "answered"
	StatusTimeout  Status = "timeout"
)

// Option is one selectable choice presented to the human.
type Option struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// Option values understood by the permission decision mapping.
// Everything else is a one-shot decision forwarded to the worker only.
const (
	DecisionAllowOnce    = "allow_once"
	DecisionAllowSession = "allow_session"
	DecisionAllowAlways  = "allow_always"
	DecisionDeny         = "deny"
)

// Context carries the free-form details shown alongside the prompt.
type Context struct {
	ToolName  string         `json:"tool_name,omitempty"`
	RiskLevel string         `json:"risk_level,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// Prompt is a pending decision required from a human.
type Prompt struct {
	ID             string     `json:"id"`
	RequestID      string     `json:"request_id,omitempty"`
	ConversationID string     `json:"conversation_id"`
	ProjectID      string     `json:"project_id,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	WorkerID       string     `json:"-"`
	Type           Type       `json:"type"`
	Options        []Option   `json:"options"`
	Context        Context    `json:"context"`
	Status         Status     `json:"status"`
	Stage          int        `json:"escalation_stage"`
	AnsweredOption string     `json:"answered_option,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	RespondedAt    *time.Time `json:"responded_at,omitempty"`
}

// Option returns the option with the given id.
func (p *Prompt) Option(id string) (Option, bool) {
	for _, o := range p.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

// DefaultPermissionOptions is the standard choice set for a
// tool-permission prompt.
func DefaultPermissionOptions() []Option {
	return []Option{
		{ID: "allow", Label: "Allow once", Value: DecisionAllowOnce},
		{ID: "allow-session", Label: "Allow for this session", Value: DecisionAllowSession},
		{ID: "allow-always", Label: "Always allow", Value: DecisionAllowAlways},
		{ID: "deny", Label: "Deny", Value: DecisionDeny},
	}
}

// CanonicalAnswer maps a decision value to the textual response the
// paused worker execution resumes with.
func CanonicalAnswer(decision string) string {
	switch decision {
	case DecisionAllowOnce:
		return "yes"
	case DecisionAllowSession, DecisionAllowAlways:
		return "yes and don't ask again"
	case DecisionDeny:
		return "no"
	default:
		return "yes"
	}
}

// Event names emitted to clients.
const (
	EventPromptCreated   = "prompt_created"
	EventPromptEscalated = "prompt_escalated"
	EventPromptResolved  = "prompt_resolved"
)

// EventPermissionResolved is sent to the worker that asked.
const EventPermissionResolved = "permission_resolved"

// EscalatedPayload is broadcast on each escalation stage.
type EscalatedPayload struct {
	PromptID string `json:"prompt_id"`
	Stage    int    `json:"stage"`
	Urgency  string `json:"urgency"`
}

// ResolvedPayload is broadcast when a prompt leaves pending.
type ResolvedPayload struct {
	PromptID string `json:"prompt_id"`
	Status   Status `json:"status"`
	OptionID string `json:"option_id,omitempty"`
}

// WorkerResolution is the permission_resolved payload sent to the
// worker. On timeout the worker applies its own conservative default,
// this layer does not decide what timeout means.
type WorkerResolution struct {
	PromptID  string `json:"prompt_id"`
	RequestID string `json:"request_id,omitempty"`
	OptionID  string `json:"option_id,omitempty"`
	Answer    string `json:"answer,omitempty"`
	TimedOut  bool   `json:"timed_out,omitempty"`
}
