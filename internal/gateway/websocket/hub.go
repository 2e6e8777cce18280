package websocket

import (
	"encoding/json"
	"errors"
	"sync"

	"conduit/internal/prompt"
	"conduit/internal/relay"
	"conduit/pkg/logger"
)

var (
	// ErrNoSubscribers indicates an emit to a group nobody is in.
	ErrNoSubscribers = errors.New("no subscribers in group")

	// ErrWorkerGone indicates a send to a worker that disconnected.
	ErrWorkerGone = errors.New("worker not connected")

	// ErrSendBufferFull indicates a peer too slow to keep up.
	ErrSendBufferFull = errors.New("send buffer full")
)

// SubmitHandler handles execution requests from clients.
type SubmitHandler func(req relay.SubmitRequest) error

// AbortHandler handles abort requests from clients.
type AbortHandler func(requestID string) error

// RespondHandler handles prompt answers from clients.
type RespondHandler func(promptID, optionID, respondedBy string) error

// AckHandler records a client's prompt receipt confirmation.
type AckHandler func(promptID, clientID string)

// WorkerEventHandler handles stream events from bridge workers.
type WorkerEventHandler func(workerID string, ev relay.StreamEvent)

// PermissionHandler handles a worker's request for a human decision.
type PermissionHandler func(req prompt.PermissionNeeded) error

// Hub maintains the set of connected clients and workers, the broadcast
// group memberships, and the callbacks the rest of the daemon hangs off
// inbound messages.
type Hub struct {
	// Registered subscriber clients.
	clients map[*Client]bool

	// Group key to subscriber mapping for targeted broadcasts.
	groups map[string]map[*Client]bool

	// Connected bridge workers by worker id.
	workers map[string]*Client

	// Register requests from connections.
	register chan *Client

	// Unregister requests from connections.
	unregister chan *Client

	mu sync.RWMutex

	submitHandler      SubmitHandler
	abortHandler       AbortHandler
	respondHandler     RespondHandler
	ackHandler         AckHandler
	workerEventHandler WorkerEventHandler
	permissionHandler  PermissionHandler
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		groups:     make(map[string]map[*Client]bool),
		workers:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// SetSubmitHandler sets the callback for execution requests.
func (h *Hub) SetSubmitHandler(handler SubmitHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.submitHandler = handler
}

// SetAbortHandler sets the callback for abort requests.
func (h *Hub) SetAbortHandler(handler AbortHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.abortHandler = handler
}

// SetRespondHandler sets the callback for prompt answers.
func (h *Hub) SetRespondHandler(handler RespondHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.respondHandler = handler
}

// SetAckHandler sets the callback for prompt acknowledgments.
func (h *Hub) SetAckHandler(handler AckHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ackHandler = handler
}

// SetWorkerEventHandler sets the callback for worker stream events.
func (h *Hub) SetWorkerEventHandler(handler WorkerEventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workerEventHandler = handler
}

// SetPermissionHandler sets the callback for worker permission requests.
func (h *Hub) SetPermissionHandler(handler PermissionHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.permissionHandler = handler
}

func (h *Hub) submitCallback() SubmitHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.submitHandler
}

func (h *Hub) abortCallback() AbortHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.abortHandler
}

func (h *Hub) respondCallback() RespondHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.respondHandler
}

func (h *Hub) ackCallback() AckHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ackHandler
}

func (h *Hub) workerEventCallback() WorkerEventHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.workerEventHandler
}

func (h *Hub) permissionCallback() PermissionHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.permissionHandler
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if client.workerID != "" {
				h.workers[client.workerID] = client
			} else {
				h.clients[client] = true
			}
			h.mu.Unlock()
			logger.Info().Str("client_id", client.id).
				Bool("worker", client.workerID != "").Msg("WebSocket peer connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if client.workerID != "" {
				if h.workers[client.workerID] == client {
					delete(h.workers, client.workerID)
					client.closeSend()
				}
			} else if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()

				// Remove from all group memberships
				for group := range client.groups {
					if members, ok := h.groups[group]; ok {
						delete(members, client)
						if len(members) == 0 {
							delete(h.groups, group)
						}
					}
				}
			}
			h.mu.Unlock()
			logger.Info().Str("client_id", client.id).
				Bool("worker", client.workerID != "").Msg("WebSocket peer disconnected")
		}
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a connection from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds a client to a group's subscriber list.
func (h *Hub) Subscribe(client *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.groups[group] = true
	if h.groups[group] == nil {
		h.groups[group] = make(map[*Client]bool)
	}
	h.groups[group][client] = true

	logger.Debug().
		Str("client_id", client.id).
		Str("group", group).
		Msg("Client subscribed to group")
}

// Unsubscribe removes a client from a group's subscriber list.
func (h *Hub) Unsubscribe(client *Client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.groups, group)
	if members, ok := h.groups[group]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}

	logger.Debug().
		Str("client_id", client.id).
		Str("group", group).
		Msg("Client unsubscribed from group")
}

// EmitToGroup sends a typed event to every subscriber of a group.
// Returns ErrNoSubscribers when the group is empty so callers that need
// a fallback channel can tell nobody was listening.
func (h *Hub) EmitToGroup(group, event string, payload any) error {
	data, err := marshalEvent(event, payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	members, ok := h.groups[group]
	if !ok || len(members) == 0 {
		return ErrNoSubscribers
	}

	for client := range members {
		select {
		case client.send <- data:
		default:
			// Client buffer full, skip
		}
	}
	return nil
}

// NotifyWorker sends a typed event to one connected worker.
func (h *Hub) NotifyWorker(workerID, event string, payload any) error {
	h.mu.RLock()
	worker, ok := h.workers[workerID]
	h.mu.RUnlock()
	if !ok {
		return ErrWorkerGone
	}
	return worker.Send(event, payload)
}

// Workers returns the currently connected workers in pool order.
func (h *Hub) Workers() []relay.Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]relay.Worker, 0, len(h.workers))
	for _, w := range h.workers {
		out = append(out, w)
	}
	return out
}

// Worker returns a connected worker by id.
func (h *Hub) Worker(id string) (relay.Worker, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	w, ok := h.workers[id]
	return w, ok
}

// ClientCount returns the number of connected subscriber clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// WorkerCount returns the number of connected workers.
func (h *Hub) WorkerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.workers)
}

func marshalEvent(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event payload")
		return nil, err
	}
	return json.Marshal(Envelope{Type: TypeEvent, Event: event, Payload: raw})
}
