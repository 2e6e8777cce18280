package relay

import (
	"context"
	"sync"

	"conduit/pkg/logger"
)

// entry holds the live state for one request. The cancel channel is the
// request's cancellation signal: closed at most once. The terminal
// channel is closed when the request reaches a terminal status.
type entry struct {
	req      ChatRequest
	cancel   chan struct{}
	terminal chan struct{}
	canceled bool
}

// Registry is the single source of truth for "is this request still
// live". At most one entry exists per request id; lifecycle is strictly
// forward. Contention is per-key only in effect: the map lock is held
// briefly and no cross-request invariant is maintained.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a new request in status pending. Fails with
// ErrDuplicateRequest if the id is already present and not terminal.
func (r *Registry) Register(req ChatRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[req.ID]; ok && !existing.req.Status.Terminal() {
		return ErrDuplicateRequest
	}

	req.Status = StatusPending
	r.entries[req.ID] = &entry{
		req:      req,
		cancel:   make(chan struct{}),
		terminal: make(chan struct{}),
	}
	return nil
}

// Get returns a snapshot of the request state.
func (r *Registry) Get(requestID string) (ChatRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[requestID]
	if !ok {
		return ChatRequest{}, ErrNotFound
	}
	return e.req, nil
}

// Transition moves the request to newStatus. Fails with
// ErrInvalidTransition if newStatus does not follow the forward-only
// lifecycle, or ErrNotFound if the id is absent.
func (r *Registry) Transition(requestID string, newStatus Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[requestID]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(e.req.Status, newStatus) {
		return ErrInvalidTransition
	}

	e.req.Status = newStatus
	if newStatus.Terminal() {
		close(e.terminal)
	}
	return nil
}

// Cancel triggers the request's cancellation signal. Idempotent: returns
// false if the id is absent, already terminal, or already canceled.
func (r *Registry) Cancel(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[requestID]
	if !ok || e.req.Status.Terminal() || e.canceled {
		return false
	}
	e.canceled = true
	close(e.cancel)
	return true
}

// CancelSignal returns the channel closed when the request is canceled.
func (r *Registry) CancelSignal(requestID string) (<-chan struct{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[requestID]
	if !ok {
		return nil, false
	}
	return e.cancel, true
}

// SetSessionID records the worker-assigned session id. Captured once,
// then immutable for the request.
func (r *Registry) SetSessionID(requestID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[requestID]; ok && e.req.SessionID == "" {
		e.req.SessionID = sessionID
	}
}

// SetMessageID records the placeholder message row backing the request.
func (r *Registry) SetMessageID(requestID, messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[requestID]; ok {
		e.req.MessageID = messageID
	}
}

// SetWorkerID records the worker a request was delegated to.
func (r *Registry) SetWorkerID(requestID, workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[requestID]; ok {
		e.req.WorkerID = workerID
	}
}

// Remove frees the request entry. Called once, on terminal status.
func (r *Registry) Remove(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[requestID]; ok {
		if !e.req.Status.Terminal() {
			logger.Warn().Str("request_id", requestID).
				Str("status", string(e.req.Status)).
				Msg("Removing non-terminal request")
		}
		delete(r.entries, requestID)
	}
}

// WaitTerminal blocks until the request reaches a terminal status or ctx
// expires, whichever fires first. Returns the final status, or
// ErrNotFound if the id is unknown (including already removed).
func (r *Registry) WaitTerminal(ctx context.Context, requestID string) (Status, error) {
	r.mu.RLock()
	e, ok := r.entries[requestID]
	r.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}

	select {
	case <-e.terminal:
		r.mu.RLock()
		defer r.mu.RUnlock()
		return e.req.Status, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// IDs returns the ids of all live entries.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
