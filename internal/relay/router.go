package relay

import (
	"sync"
	"time"

	"conduit/pkg/logger"
)

// Stats are aggregate router counters for observability.
type Stats struct {
	Submitted     int64 `json:"submitted"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	Aborted       int64 `json:"aborted"`
	TimedOut      int64 `json:"timed_out"`
	DroppedEvents int64 `json:"dropped_events"`
	Live          int   `json:"live"`
}

// RouterConfig configures the router.
type RouterConfig struct {
	// RequestTimeout bounds the total lifetime of a request. Zero
	// disables the timeout.
	RequestTimeout time.Duration
}

// Router delivers exactly one execution request to exactly one worker
// and fans the worker's response stream back out by request id. Every
// request ends with exactly one terminal event to its conversation
// group, whatever happens.
type Router struct {
	registry  *Registry
	pool      WorkerPool
	selector  WorkerSelector
	broadcast Broadcaster
	store     MessageStore
	acc       *Accumulator
	config    RouterConfig

	mu    sync.Mutex
	stats Stats
}

// NewRouter creates a router. A nil selector defaults to FirstAvailable.
func NewRouter(registry *Registry, pool WorkerPool, broadcast Broadcaster, store MessageStore, acc *Accumulator, selector WorkerSelector, config RouterConfig) *Router {
	if selector == nil {
		selector = FirstAvailable{}
	}
	return &Router{
		registry:  registry,
		pool:      pool,
		selector:  selector,
		broadcast: broadcast,
		store:     store,
		acc:       acc,
		config:    config,
	}
}

// Submit registers the request, persists its placeholder message, and
// forwards it to an available worker. An empty worker pool is surfaced
// to the client as a terminal failed event, not an error return; the
// caller does not retry.
func (r *Router) Submit(req SubmitRequest) error {
	chat := ChatRequest{
		ID:             req.RequestID,
		ConversationID: req.ConversationID,
		SessionID:      req.SessionID,
		CreatedAt:      time.Now(),
	}
	if err := r.registry.Register(chat); err != nil {
		return err
	}

	r.mu.Lock()
	r.stats.Submitted++
	r.mu.Unlock()

	messageID, err := r.store.CreatePlaceholderMessage(req.ConversationID)
	if err != nil {
		logger.Error().Err(err).Str("request_id", req.RequestID).Msg("Failed to create placeholder message")
		r.registry.Remove(req.RequestID)
		return err
	}
	r.registry.SetMessageID(req.RequestID, messageID)

	// Durable grants ride along with the client-provided allowance.
	allowed := req.AllowedTools
	if granted, err := r.store.GrantedTools(req.ConversationID); err == nil {
		allowed = mergeTools(allowed, granted)
	} else {
		logger.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("Failed to load granted tools")
	}

	worker, ok := r.selector.Pick(r.pool.Workers())
	if !ok {
		logger.Warn().Str("request_id", req.RequestID).Msg("No worker available")
		r.failSubmit(req.RequestID, messageID, ErrNoWorkerAvailable.Error())
		return nil
	}

	payload := ExecutePayload{
		RequestID:      req.RequestID,
		ConversationID: req.ConversationID,
		Content:        req.Content,
		SessionID:      req.SessionID,
		AllowedTools:   allowed,
	}
	if err := worker.Send(EventExecute, payload); err != nil {
		logger.Warn().Err(err).Str("request_id", req.RequestID).
			Str("worker_id", worker.ID()).Msg("Failed to deliver execute to worker")
		r.failSubmit(req.RequestID, messageID, ErrNoWorkerAvailable.Error())
		return nil
	}

	r.registry.SetWorkerID(req.RequestID, worker.ID())
	if err := r.registry.Transition(req.RequestID, StatusDelegated); err != nil {
		// Aborted in the delegation window: local state is already
		// terminal, but the worker holds the execute. The abort path
		// never saw a worker id, so the outbound abort is on us.
		logger.Debug().Err(err).Str("request_id", req.RequestID).Msg("Request no longer pending after delegate")
		r.sendAbort(worker, req.RequestID)
		return nil
	}
	if cancel, ok := r.registry.CancelSignal(req.RequestID); ok {
		select {
		case <-cancel:
			// Cancel fired before the worker id was recorded; same
			// window, but the entry is still live for the grace path.
			r.sendAbort(worker, req.RequestID)
		default:
		}
	}

	if r.config.RequestTimeout > 0 {
		time.AfterFunc(r.config.RequestTimeout, func() { r.timeout(req.RequestID) })
	}

	logger.Info().Str("request_id", req.RequestID).
		Str("conversation_id", req.ConversationID).
		Str("worker_id", worker.ID()).Msg("Request delegated")
	return nil
}

// sendAbort tells a worker to stop a request, best-effort.
func (r *Router) sendAbort(worker Worker, requestID string) {
	if err := worker.Send(EventAbort, AbortPayload{RequestID: requestID}); err != nil {
		logger.Warn().Err(err).Str("request_id", requestID).
			Str("worker_id", worker.ID()).Msg("Failed to deliver abort to worker")
	}
}

// HandleWorkerEvent demultiplexes one unit of worker output. Events for
// unknown or already-terminal requests are dropped: this is the primary
// defense against duplicate/late delivery, which is expected given
// at-least-once semantics upstream.
func (r *Router) HandleWorkerEvent(ev StreamEvent) {
	req, err := r.registry.Get(ev.RequestID)
	if err != nil || req.Status.Terminal() {
		r.mu.Lock()
		r.stats.DroppedEvents++
		r.mu.Unlock()
		logger.Debug().Str("request_id", ev.RequestID).
			Str("kind", string(ev.Kind)).Msg("Dropped late or unknown worker event")
		return
	}

	switch ev.Kind {
	case KindData:
		r.handleData(req, ev)
	case KindDone:
		r.handleDone(req)
	case KindError:
		reason := ExtractError(ev.Payload, "worker reported an error")
		if err := r.store.MarkMessageFailed(req.MessageID, reason); err != nil {
			logger.Warn().Err(err).Str("message_id", req.MessageID).Msg("Failed to persist failure reason")
		}
		r.finish(ev.RequestID, StatusFailed, reason)
	case KindAborted:
		r.finish(ev.RequestID, StatusAborted, "")
	default:
		logger.Debug().Str("request_id", ev.RequestID).
			Str("kind", string(ev.Kind)).Msg("Unknown worker event kind")
	}
}

func (r *Router) handleData(req ChatRequest, ev StreamEvent) {
	if req.Status == StatusDelegated {
		if err := r.registry.Transition(ev.RequestID, StatusStreaming); err != nil {
			logger.Debug().Err(err).Str("request_id", ev.RequestID).Msg("Streaming transition skipped")
		}
	}

	extracted := r.acc.Ingest(ev.RequestID, ev.Payload)
	if extracted.NewSession {
		r.registry.SetSessionID(ev.RequestID, extracted.SessionID)
	}

	// Nobody subscribed is not an error for streaming: the content is
	// still persisted and pollable.
	_ = r.broadcast.EmitToGroup(ConversationGroup(req.ConversationID), EventStreamUpdate, StreamUpdate{
		RequestID: ev.RequestID,
		MessageID: req.MessageID,
		Kind:      KindData,
		Payload:   ev.Payload,
	})

	// Mid-stream persistence is best-effort: the user experience of
	// seeing output matters more than the write succeeding immediately.
	if err := r.acc.Flush(ev.RequestID, req.MessageID, false); err != nil {
		logger.Warn().Err(err).Str("request_id", ev.RequestID).Msg("Mid-stream flush failed")
	}
}

func (r *Router) handleDone(req ChatRequest) {
	if err := r.acc.Flush(req.ID, req.MessageID, true); err != nil {
		// The terminal flush is the durability boundary: tell the
		// client the output may not be durable.
		logger.Error().Err(err).Str("request_id", req.ID).Msg("Terminal flush failed")
		reason := "output may not be durable: " + err.Error()
		if mErr := r.store.MarkMessageFailed(req.MessageID, reason); mErr != nil {
			logger.Warn().Err(mErr).Str("message_id", req.MessageID).Msg("Failed to persist failure reason")
		}
		r.finish(req.ID, StatusFailed, reason)
		return
	}
	r.finish(req.ID, StatusCompleted, "")
}

// ForceAbort forces the request terminal as aborted. Used by the abort
// coordinator when no worker is attached or the grace period elapses.
func (r *Router) ForceAbort(requestID, reason string) {
	r.finish(requestID, StatusAborted, reason)
}

// timeout forces a request that exceeded its total lifetime terminal.
func (r *Router) timeout(requestID string) {
	req, err := r.registry.Get(requestID)
	if err != nil || req.Status.Terminal() {
		return
	}
	logger.Warn().Str("request_id", requestID).Msg("Request timed out")
	if req.WorkerID != "" {
		if w, ok := r.pool.Worker(req.WorkerID); ok {
			r.sendAbort(w, requestID)
		}
	}
	r.finish(requestID, StatusTimedOut, "request timed out")
}

// finish transitions the request terminal, emits the single terminal
// event, and frees all request-scoped state. Only the caller that wins
// the terminal transition emits the event, so the client observes
// exactly one terminal event per request.
func (r *Router) finish(requestID string, status Status, reason string) {
	req, err := r.registry.Get(requestID)
	if err != nil {
		return
	}

	if err := r.registry.Transition(requestID, status); err != nil {
		// Lost the race against another terminal transition.
		logger.Debug().Err(err).Str("request_id", requestID).
			Str("status", string(status)).Msg("Terminal transition skipped")
		return
	}
	// Re-read for the session id captured during streaming.
	if current, err := r.registry.Get(requestID); err == nil {
		req = current
	}

	_ = r.broadcast.EmitToGroup(ConversationGroup(req.ConversationID), EventRequestTerminal, RequestTerminal{
		RequestID: requestID,
		MessageID: req.MessageID,
		Status:    status,
		SessionID: req.SessionID,
		Reason:    reason,
	})

	r.mu.Lock()
	switch status {
	case StatusCompleted:
		r.stats.Completed++
	case StatusFailed:
		r.stats.Failed++
	case StatusAborted:
		r.stats.Aborted++
	case StatusTimedOut:
		r.stats.TimedOut++
	}
	r.mu.Unlock()

	r.acc.Drop(requestID)
	r.registry.Remove(requestID)

	logger.Info().Str("request_id", requestID).
		Str("status", string(status)).Msg("Request finished")
}

// failSubmit handles submit-time failures: one terminal failed event,
// failure persisted, registry entry freed.
func (r *Router) failSubmit(requestID, messageID, reason string) {
	if err := r.store.MarkMessageFailed(messageID, reason); err != nil {
		logger.Warn().Err(err).Str("message_id", messageID).Msg("Failed to persist failure reason")
	}
	r.finish(requestID, StatusFailed, reason)
}

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	s := r.stats
	r.mu.Unlock()
	s.Live = r.registry.Count()
	return s
}

func mergeTools(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, t := range append(a, b...) {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		merged = append(merged, t)
	}
	return merged
}
