package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"conduit/internal/prompt"
	"conduit/internal/relay"
	"conduit/pkg/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1024 * 1024 // 1MB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// Client represents one WebSocket connection: either a subscriber
// client or a bridge worker (workerID set).
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	groups      map[string]bool
	id          string
	workerID    string
	connectedAt time.Time

	// Guards send against the hub closing it on unregister. Callers
	// holding a stale handle (the relay keeps one between worker
	// selection and delivery) must get an error, not a panic.
	sendMu sync.Mutex
	closed bool
}

// NewClient creates a subscriber client connection.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, 256),
		groups:      make(map[string]bool),
		id:          uuid.New().String(),
		connectedAt: time.Now(),
	}
}

// NewWorkerClient creates a bridge worker connection.
func NewWorkerClient(hub *Hub, conn *websocket.Conn, workerID string) *Client {
	c := NewClient(hub, conn)
	c.workerID = workerID
	return c
}

// ID returns the worker id for worker connections, the connection id
// otherwise.
func (c *Client) ID() string {
	if c.workerID != "" {
		return c.workerID
	}
	return c.id
}

// Send queues a typed event for this connection. Fails instead of
// blocking when the peer cannot keep up, and fails with ErrWorkerGone
// once the connection has unregistered.
func (c *Client) Send(event string, payload any) error {
	data, err := marshalEvent(event, payload)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// enqueue hands raw bytes to the write pump.
func (c *Client) enqueue(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return ErrWorkerGone
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// closeSend closes the send channel exactly once and fails all later
// Send calls. Called by the hub on unregister.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump pumps messages from the WebSocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error().Err(err).Str("client_id", c.id).Msg("WebSocket read error")
			}
			break
		}

		if c.workerID != "" {
			c.handleWorkerMessage(message)
		} else {
			c.handleMessage(message)
		}
	}
}

// handleMessage processes messages from subscriber clients.
func (c *Client) handleMessage(message []byte) {
	var msg Envelope
	if err := json.Unmarshal(message, &msg); err != nil {
		logger.Error().Err(err).Str("client_id", c.id).Msg("Failed to parse WebSocket message")
		c.sendError("INVALID_MESSAGE", "failed to parse message")
		return
	}

	logger.Debug().
		Str("client_id", c.id).
		Str("type", msg.Type).
		Msg("Received WebSocket message")

	switch msg.Type {
	case TypeSubscribe:
		if msg.Group != "" {
			c.hub.Subscribe(c, msg.Group)
		}

	case TypeUnsubscribe:
		if msg.Group != "" {
			c.hub.Unsubscribe(c, msg.Group)
		}

	case TypePing:
		c.sendPong()

	case TypeSubmitRequest:
		c.handleSubmit(msg)

	case TypeAbortRequest:
		if msg.RequestID == "" {
			c.sendError("INVALID_REQUEST", "abort requires request_id")
			return
		}
		handler := c.hub.abortCallback()
		if handler == nil {
			c.sendError("NOT_READY", "abort handler not configured")
			return
		}
		if err := handler(msg.RequestID); err != nil {
			logger.Debug().Err(err).Str("client_id", c.id).
				Str("request_id", msg.RequestID).Msg("Abort rejected")
			c.sendError("ABORT_ERROR", err.Error())
		}

	case TypeRespondPrompt:
		if msg.PromptID == "" || msg.OptionID == "" {
			c.sendError("INVALID_REQUEST", "prompt response requires prompt_id and option_id")
			return
		}
		handler := c.hub.respondCallback()
		if handler == nil {
			c.sendError("NOT_READY", "prompt handler not configured")
			return
		}
		if err := handler(msg.PromptID, msg.OptionID, c.id); err != nil {
			c.sendError("PROMPT_ERROR", err.Error())
			return
		}
		logger.Debug().
			Str("client_id", c.id).
			Str("prompt_id", msg.PromptID).
			Str("option", msg.OptionID).
			Msg("Processed prompt response")

	case TypeAckPrompt:
		if msg.PromptID == "" {
			return
		}
		if handler := c.hub.ackCallback(); handler != nil {
			handler(msg.PromptID, c.id)
		}

	default:
		logger.Debug().
			Str("client_id", c.id).
			Str("type", msg.Type).
			Msg("Unknown message type")
	}
}

// handleSubmit parses and forwards an execution request, subscribing
// the sender to the conversation group so it sees its own stream.
func (c *Client) handleSubmit(msg Envelope) {
	var req relay.SubmitRequest
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			c.sendError("INVALID_REQUEST", "malformed submit payload")
			return
		}
	}
	if req.ConversationID == "" || req.Content == "" {
		c.sendError("INVALID_REQUEST", "submit requires conversation_id and content")
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	handler := c.hub.submitCallback()
	if handler == nil {
		c.sendError("NOT_READY", "submit handler not configured")
		return
	}

	c.hub.Subscribe(c, relay.ConversationGroup(req.ConversationID))

	if err := handler(req); err != nil {
		logger.Error().Err(err).Str("client_id", c.id).
			Str("request_id", req.RequestID).Msg("Failed to handle submit")
		c.sendError("SUBMIT_ERROR", err.Error())
		return
	}

	_ = c.Send(EventRequestAccepted, map[string]string{"request_id": req.RequestID})
}

// handleWorkerMessage processes messages from bridge workers.
func (c *Client) handleWorkerMessage(message []byte) {
	var msg Envelope
	if err := json.Unmarshal(message, &msg); err != nil {
		logger.Error().Err(err).Str("worker_id", c.workerID).Msg("Failed to parse worker message")
		c.sendError("INVALID_MESSAGE", "failed to parse message")
		return
	}

	switch msg.Type {
	case TypePing:
		c.sendPong()

	case TypeStreamData, TypeStreamDone, TypeStreamError, TypeStreamAborted:
		if msg.RequestID == "" {
			c.sendError("INVALID_REQUEST", "stream event requires request_id")
			return
		}
		handler := c.hub.workerEventCallback()
		if handler == nil {
			return
		}
		handler(c.workerID, relay.StreamEvent{
			RequestID: msg.RequestID,
			Kind:      streamKind(msg.Type),
			Payload:   msg.Payload,
			Timestamp: time.Now(),
		})

	case TypePermissionNeeded:
		c.handlePermissionNeeded(msg)

	default:
		logger.Debug().
			Str("worker_id", c.workerID).
			Str("type", msg.Type).
			Msg("Unknown worker message type")
	}
}

func (c *Client) handlePermissionNeeded(msg Envelope) {
	var body struct {
		RequestID      string          `json:"request_id"`
		ConversationID string          `json:"conversation_id"`
		ProjectID      string          `json:"project_id"`
		SessionID      string          `json:"session_id"`
		Type           string          `json:"type"`
		ToolName       string          `json:"tool_name"`
		RiskLevel      string          `json:"risk_level"`
		Params         map[string]any  `json:"params"`
		Options        []prompt.Option `json:"options"`
	}
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			c.sendError("INVALID_REQUEST", "malformed permission payload")
			return
		}
	}
	if body.ConversationID == "" {
		c.sendError("INVALID_REQUEST", "permission request requires conversation_id")
		return
	}

	handler := c.hub.permissionCallback()
	if handler == nil {
		c.sendError("NOT_READY", "permission handler not configured")
		return
	}

	err := handler(prompt.PermissionNeeded{
		RequestID:      body.RequestID,
		ConversationID: body.ConversationID,
		ProjectID:      body.ProjectID,
		SessionID:      body.SessionID,
		WorkerID:       c.workerID,
		Type:           prompt.Type(body.Type),
		ToolName:       body.ToolName,
		RiskLevel:      body.RiskLevel,
		Params:         body.Params,
		Options:        body.Options,
	})
	if err != nil {
		logger.Error().Err(err).Str("worker_id", c.workerID).Msg("Failed to handle permission request")
		c.sendError("PERMISSION_ERROR", err.Error())
	}
}

// writePump pumps messages from the hub to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Error().Err(err).Str("client_id", c.id).Msg("WebSocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendPong sends a pong response.
func (c *Client) sendPong() {
	data, _ := json.Marshal(Envelope{Type: TypePong})
	_ = c.enqueue(data)
}

// sendError sends an error message to the peer.
func (c *Client) sendError(code, message string) {
	data, _ := json.Marshal(Envelope{
		Type:    TypeError,
		Code:    code,
		Message: message,
	})
	_ = c.enqueue(data)
}

func streamKind(msgType string) relay.EventKind {
	switch msgType {
	case TypeStreamDone:
		return relay.KindDone
	case TypeStreamError:
		return relay.KindError
	case TypeStreamAborted:
		return relay.KindAborted
	default:
		return relay.KindData
	}
}

// ServeWs handles WebSocket upgrades for subscriber clients.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := NewClient(hub, conn)
	hub.Register(client)

	go client.writePump()
	go client.readPump()
}

// ServeBridge handles WebSocket upgrades for bridge workers. The worker
// identifies itself with the worker_id query parameter; one is assigned
// when absent.
func ServeBridge(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade bridge connection")
		return
	}

	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		workerID = uuid.New().String()
	}

	client := NewWorkerClient(hub, conn, workerID)
	hub.Register(client)

	go client.writePump()
	go client.readPump()

	logger.Info().Str("worker_id", workerID).Msg("Bridge worker connected")
}
