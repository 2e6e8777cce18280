package relay

import (
	"time"

	"conduit/pkg/logger"
)

// AbortCoordinator propagates cancellation both locally and to the
// execution worker. The worker is authoritative for actually stopping
// work: its own aborted stream event is the terminal transition when it
// arrives. If it never does, a bounded grace period forces the request
// terminal locally so the client is never left hanging.
type AbortCoordinator struct {
	registry *Registry
	pool     WorkerPool
	router   *Router
	grace    time.Duration
}

// NewAbortCoordinator creates an abort coordinator with the given grace
// period for unacknowledged aborts.
func NewAbortCoordinator(registry *Registry, pool WorkerPool, router *Router, grace time.Duration) *AbortCoordinator {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &AbortCoordinator{
		registry: registry,
		pool:     pool,
		router:   router,
		grace:    grace,
	}
}

// Abort cancels the request. Idempotent: returns false if the id is
// unknown, already terminal, or already canceled. The cancellation
// signal triggers exactly once.
func (a *AbortCoordinator) Abort(requestID string) bool {
	if !a.registry.Cancel(requestID) {
		return false
	}

	req, err := a.registry.Get(requestID)
	if err != nil {
		return false
	}

	logger.Info().Str("request_id", requestID).Msg("Abort requested")

	var notified bool
	if req.WorkerID != "" {
		if w, ok := a.pool.Worker(req.WorkerID); ok {
			if err := w.Send(EventAbort, AbortPayload{RequestID: requestID}); err != nil {
				logger.Warn().Err(err).Str("request_id", requestID).
					Str("worker_id", req.WorkerID).Msg("Failed to deliver abort to worker")
			} else {
				notified = true
			}
		}
	}

	if !notified {
		// No worker attached: abort eagerly to unblock the client.
		a.router.ForceAbort(requestID, "aborted by client")
		return true
	}

	// Await the worker's own aborted event; force terminal after the
	// grace period if it never lands. Fatal-but-non-blocking.
	time.AfterFunc(a.grace, func() {
		req, err := a.registry.Get(requestID)
		if err != nil || req.Status.Terminal() {
			return
		}
		logger.Warn().Str("request_id", requestID).
			Dur("grace", a.grace).Msg("Abort not confirmed by worker, forcing terminal state")
		a.router.ForceAbort(requestID, "abort not confirmed by worker")
	})

	return true
}
