package prompt

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"conduit/internal/relay"
	"conduit/internal/storage"
	"conduit/pkg/logger"
)

// Broadcaster pushes events to client broadcast groups.
type Broadcaster interface {
	EmitToGroup(group, event string, payload any) error
}

// WorkerNotifier sends an event to a specific worker connection.
type WorkerNotifier interface {
	NotifyWorker(workerID, event string, payload any) error
}

// Archive persists the pollable prompt rows.
type Archive interface {
	SavePrompt(rec *storage.PromptRecord) error
	UpdatePromptState(id, status string, stage int, respondedAt *time.Time) error
}

// PermissionStore is the durable permission collaborator. Consulted and
// written by the response mapping, owned elsewhere.
type PermissionStore interface {
	IsToolPermitted(conversationID, toolName string) (bool, error)
	UpsertPermission(conversationID, toolName, status, grantedBy string, expiresAt *time.Time) error
}

// Escalator starts the escalation timer chain for a prompt.
type Escalator interface {
	Track(promptID string)
}

// ChannelOutcome records how one delivery channel fared.
type ChannelOutcome struct {
	Channel string `json:"channel"`
	Err     error  `json:"-"`
}

// DeliveryResult is the outcome of one delivery attempt across all
// channels. Success means at least one channel accepted the prompt.
type DeliveryResult struct {
	Success  bool             `json:"success"`
	Channels []ChannelOutcome `json:"channels"`
	Attempts int              `json:"attempts"`
}

// Stats are aggregate delivery counters for observability.
type Stats struct {
	Created      int64 `json:"created"`
	AutoResolved int64 `json:"auto_resolved"`
	Escalations  int64 `json:"escalations"`
	Answered     int64 `json:"answered"`
	TimedOut     int64 `json:"timed_out"`
	Acknowledged int64 `json:"acknowledged"`
	Pending      int   `json:"pending"`
}

// PermissionNeeded is a worker's request for a human decision.
type PermissionNeeded struct {
	RequestID      string
	ConversationID string
	ProjectID      string
	SessionID      string
	WorkerID       string
	Type           Type
	ToolName       string
	RiskLevel      string
	Params         map[string]any
	Options        []Option
}

// deliveryMeta is the per-prompt delivery bookkeeping.
type deliveryMeta struct {
	acks     map[string]bool
	attempts int
}

// ServiceConfig configures the delivery service.
type ServiceConfig struct {
	// SessionTTL is the expiry applied to session-scoped grants.
	SessionTTL time.Duration
}

// Service delivers interactive prompts across all available channels,
// tracks acknowledgments, and maps responses to permission decisions.
type Service struct {
	mu          sync.Mutex
	store       Store
	archive     Archive
	permissions PermissionStore
	broadcast   Broadcaster
	workers     WorkerNotifier
	escalator   Escalator
	meta        map[string]*deliveryMeta
	sessionTTL  time.Duration
	stats       Stats
}

// NewService creates a delivery service. A nil store defaults to the
// in-memory implementation.
func NewService(store Store, archive Archive, permissions PermissionStore, broadcast Broadcaster, workers WorkerNotifier, config ServiceConfig) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	ttl := config.SessionTTL
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &Service{
		store:       store,
		archive:     archive,
		permissions: permissions,
		broadcast:   broadcast,
		workers:     workers,
		meta:        make(map[string]*deliveryMeta),
		sessionTTL:  ttl,
	}
}

// SetEscalator wires the escalation scheduler.
func (s *Service) SetEscalator(e Escalator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalator = e
}

// HandlePermissionNeeded creates and delivers a prompt for a worker's
// decision request. When a live grant already covers the tool, the
// worker is resumed immediately and no prompt is created (the returned
// prompt is nil).
func (s *Service) HandlePermissionNeeded(req PermissionNeeded) (*Prompt, error) {
	if req.Type == "" {
		req.Type = TypeToolPermission
	}

	if req.Type == TypeToolPermission && req.ToolName != "" {
		permitted, err := s.permissions.IsToolPermitted(req.ConversationID, req.ToolName)
		if err != nil {
			logger.Warn().Err(err).Str("conversation_id", req.ConversationID).
				Str("tool", req.ToolName).Msg("Permission lookup failed, prompting anyway")
		} else if permitted {
			s.mu.Lock()
			s.stats.AutoResolved++
			s.mu.Unlock()
			logger.Debug().Str("conversation_id", req.ConversationID).
				Str("tool", req.ToolName).Msg("Tool already permitted, resuming worker")
			return nil, s.workers.NotifyWorker(req.WorkerID, EventPermissionResolved, WorkerResolution{
				RequestID: req.RequestID,
				Answer:    CanonicalAnswer(DecisionAllowOnce),
			})
		}
	}

	options := req.Options
	if len(options) == 0 {
		options = DefaultPermissionOptions()
	}

	p := &Prompt{
		ID:             uuid.New().String(),
		RequestID:      req.RequestID,
		ConversationID: req.ConversationID,
		ProjectID:      req.ProjectID,
		SessionID:      req.SessionID,
		WorkerID:       req.WorkerID,
		Type:           req.Type,
		Options:        options,
		Context: Context{
			ToolName:  req.ToolName,
			RiskLevel: req.RiskLevel,
			Params:    req.Params,
		},
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}

	s.store.Put(p)
	s.mu.Lock()
	s.meta[p.ID] = &deliveryMeta{acks: make(map[string]bool)}
	s.stats.Created++
	escalator := s.escalator
	s.mu.Unlock()

	result := s.Deliver(p)
	if !result.Success {
		logger.Error().Str("prompt_id", p.ID).Msg("Prompt delivery failed on every channel")
	}

	if escalator != nil {
		escalator.Track(p.ID)
	}
	return p, nil
}

// Deliver attempts delivery across all available channels: the push
// broadcast to the conversation's subscriber group, and the pollable
// storage row which is always written as the fallback. It does not
// block on acknowledgment.
func (s *Service) Deliver(p *Prompt) DeliveryResult {
	s.mu.Lock()
	m, ok := s.meta[p.ID]
	if !ok {
		m = &deliveryMeta{acks: make(map[string]bool)}
		s.meta[p.ID] = m
	}
	m.attempts++
	attempts := m.attempts
	s.mu.Unlock()

	var outcomes []ChannelOutcome

	bErr := s.broadcast.EmitToGroup(relay.ConversationGroup(p.ConversationID), EventPromptCreated, p)
	outcomes = append(outcomes, ChannelOutcome{Channel: "broadcast", Err: bErr})
	if bErr != nil {
		logger.Debug().Err(bErr).Str("prompt_id", p.ID).Msg("Broadcast delivery failed")
	}

	aErr := s.archive.SavePrompt(toRecord(p))
	outcomes = append(outcomes, ChannelOutcome{Channel: "storage", Err: aErr})
	if aErr != nil {
		logger.Warn().Err(aErr).Str("prompt_id", p.ID).Msg("Failed to persist prompt row")
	}

	return DeliveryResult{
		Success:  bErr == nil || aErr == nil,
		Channels: outcomes,
		Attempts: attempts,
	}
}

// Acknowledge records that a client confirmed receipt. Idempotent; used
// to suppress redundant re-delivery, never to change status.
func (s *Service) Acknowledge(promptID, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meta[promptID]
	if !ok {
		return
	}
	if !m.acks[clientID] {
		m.acks[clientID] = true
		s.stats.Acknowledged++
	}
}

// Acknowledged reports whether any client confirmed receipt.
func (s *Service) Acknowledged(promptID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meta[promptID]
	return ok && len(m.acks) > 0
}

// Respond records the human decision for a prompt. Fails with
// ErrNotFound for unknown ids and ErrAlreadyAnswered when the prompt is
// no longer pending. Tool-permission decisions are mapped to durable
// permissions: always-allow and deny persist against the exact tool,
// allow-for-session persists against the session-wide sentinel with an
// expiry, and a one-shot allow is forwarded to the worker only.
func (s *Service) Respond(promptID, optionID, respondedBy string) (*Prompt, error) {
	p, ok := s.store.Get(promptID)
	if !ok {
		return nil, ErrNotFound
	}

	s.mu.Lock()
	if p.Status != StatusPending {
		s.mu.Unlock()
		return nil, ErrAlreadyAnswered
	}
	option, ok := p.Option(optionID)
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownOption
	}

	now := time.Now()
	p.Status = StatusAnswered
	p.AnsweredOption = optionID
	p.RespondedAt = &now
	stage := p.Stage
	s.stats.Answered++
	s.mu.Unlock()

	if err := s.archive.UpdatePromptState(p.ID, string(StatusAnswered), stage, &now); err != nil {
		logger.Warn().Err(err).Str("prompt_id", p.ID).Msg("Failed to persist prompt answer")
	}

	if p.Type == TypeToolPermission {
		s.persistDecision(p, option, respondedBy)
	}

	if p.WorkerID != "" {
		resolution := WorkerResolution{
			PromptID:  p.ID,
			RequestID: p.RequestID,
			OptionID:  optionID,
		}
		if p.SessionID != "" {
			// Continue-session instruction: the paused execution
			// resumes with a deterministic textual answer.
			resolution.Answer = CanonicalAnswer(option.Value)
		}
		if err := s.workers.NotifyWorker(p.WorkerID, EventPermissionResolved, resolution); err != nil {
			logger.Warn().Err(err).Str("prompt_id", p.ID).
				Str("worker_id", p.WorkerID).Msg("Failed to notify worker of resolution")
		}
	}

	_ = s.broadcast.EmitToGroup(relay.ConversationGroup(p.ConversationID), EventPromptResolved, ResolvedPayload{
		PromptID: p.ID,
		Status:   StatusAnswered,
		OptionID: optionID,
	})

	logger.Info().Str("prompt_id", p.ID).Str("option", optionID).Msg("Prompt answered")
	return p, nil
}

// persistDecision maps an answered option to the three-tier permission
// model. One-shot decisions are deliberately not persisted.
func (s *Service) persistDecision(p *Prompt, option Option, respondedBy string) {
	tool := p.Context.ToolName
	if tool == "" {
		return
	}

	var err error
	switch option.Value {
	case DecisionAllowAlways:
		err = s.permissions.UpsertPermission(p.ConversationID, tool, storage.PermissionGranted, respondedBy, nil)
	case DecisionAllowSession:
		expires := time.Now().Add(s.sessionTTL)
		err = s.permissions.UpsertPermission(p.ConversationID, storage.AllToolsSentinel, storage.PermissionGranted, respondedBy, &expires)
	case DecisionDeny:
		err = s.permissions.UpsertPermission(p.ConversationID, tool, storage.PermissionDenied, respondedBy, nil)
	default:
		return
	}
	if err != nil {
		logger.Warn().Err(err).Str("prompt_id", p.ID).Str("tool", tool).Msg("Failed to persist permission decision")
	}
}

// Escalate bumps the prompt to the given stage and re-delivers it to a
// widening audience. Stages are monotonic; escalation stops once the
// prompt leaves pending.
func (s *Service) Escalate(promptID string, stage int) bool {
	p, ok := s.store.Get(promptID)
	if !ok {
		return false
	}

	s.mu.Lock()
	if p.Status != StatusPending || stage <= p.Stage {
		s.mu.Unlock()
		return false
	}
	p.Stage = stage
	s.stats.Escalations++
	acked := false
	if m, ok := s.meta[promptID]; ok {
		acked = len(m.acks) > 0
	}
	// Snapshot for re-delivery: an answer can land while the broadcast
	// serializes the prompt, and the live pointer must not be read
	// outside the lock.
	snapshot := *p
	s.mu.Unlock()

	if err := s.archive.UpdatePromptState(p.ID, string(StatusPending), stage, nil); err != nil {
		logger.Warn().Err(err).Str("prompt_id", p.ID).Msg("Failed to persist escalation stage")
	}

	escalated := EscalatedPayload{PromptID: p.ID, Stage: stage, Urgency: urgency(stage)}
	_ = s.broadcast.EmitToGroup(relay.ConversationGroup(p.ConversationID), EventPromptEscalated, escalated)
	if p.ProjectID != "" {
		// Widen the audience past the first attempt.
		_ = s.broadcast.EmitToGroup(relay.ProjectGroup(p.ProjectID), EventPromptEscalated, escalated)
	}

	// Re-deliver the full prompt unless someone already confirmed
	// receipt; acknowledgment suppresses the redundant re-send.
	if !acked {
		s.Deliver(&snapshot)
		if p.ProjectID != "" {
			_ = s.broadcast.EmitToGroup(relay.ProjectGroup(p.ProjectID), EventPromptCreated, &snapshot)
		}
	}

	logger.Info().Str("prompt_id", p.ID).Int("stage", stage).Msg("Prompt escalated")
	return true
}

// Timeout marks an unanswered prompt timed out and notifies the worker
// so it can apply its own conservative default policy.
func (s *Service) Timeout(promptID string) bool {
	p, ok := s.store.Get(promptID)
	if !ok {
		return false
	}

	s.mu.Lock()
	if p.Status != StatusPending {
		s.mu.Unlock()
		return false
	}
	p.Status = StatusTimeout
	stage := p.Stage
	s.stats.TimedOut++
	s.mu.Unlock()

	if err := s.archive.UpdatePromptState(p.ID, string(StatusTimeout), stage, nil); err != nil {
		logger.Warn().Err(err).Str("prompt_id", p.ID).Msg("Failed to persist prompt timeout")
	}

	if p.WorkerID != "" {
		if err := s.workers.NotifyWorker(p.WorkerID, EventPermissionResolved, WorkerResolution{
			PromptID:  p.ID,
			RequestID: p.RequestID,
			TimedOut:  true,
		}); err != nil {
			logger.Warn().Err(err).Str("prompt_id", p.ID).Msg("Failed to notify worker of timeout")
		}
	}

	_ = s.broadcast.EmitToGroup(relay.ConversationGroup(p.ConversationID), EventPromptResolved, ResolvedPayload{
		PromptID: p.ID,
		Status:   StatusTimeout,
	})

	logger.Warn().Str("prompt_id", p.ID).Msg("Prompt timed out without an answer")
	return true
}

// Get returns a live prompt by id.
func (s *Service) Get(promptID string) (*Prompt, bool) {
	return s.store.Get(promptID)
}

// Stats returns a snapshot of the delivery counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	for _, p := range s.store.List() {
		if p.Status == StatusPending {
			stats.Pending++
		}
	}
	return stats
}

func urgency(stage int) string {
	if stage >= 2 {
		return "critical"
	}
	return "elevated"
}

func toRecord(p *Prompt) *storage.PromptRecord {
	options, _ := json.Marshal(p.Options)
	ctx, _ := json.Marshal(p.Context)
	return &storage.PromptRecord{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		ProjectID:      p.ProjectID,
		SessionID:      p.SessionID,
		Type:           string(p.Type),
		Options:        string(options),
		Context:        string(ctx),
		Status:         string(p.Status),
		Stage:          p.Stage,
		CreatedAt:      p.CreatedAt,
		RespondedAt:    p.RespondedAt,
	}
}
