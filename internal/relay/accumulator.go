package relay

import (
	"encoding/json"
	"sync"
)

// Extracted is the result of ingesting one worker payload.
type Extracted struct {
	// Text is the best-known full text for the request.
	Text string

	// SessionID is the captured session id, if any.
	SessionID string

	// NewSession is true when this payload is the first to carry a
	// session id for the request.
	NewSession bool
}

// accState is the per-request accumulation state.
type accState struct {
	text      string
	sessionID string
}

// Accumulator extracts text and session ids from opaque worker payloads
// and writes accumulated content through to the persistence collaborator.
// The latest payload is treated as the authoritative full text, so a
// duplicated delta cannot corrupt the accumulated content.
type Accumulator struct {
	mu     sync.Mutex
	states map[string]*accState
	store  MessageStore
}

// NewAccumulator creates an accumulator backed by the given store.
func NewAccumulator(store MessageStore) *Accumulator {
	return &Accumulator{
		states: make(map[string]*accState),
		store:  store,
	}
}

// workerPayload is the subset of the worker payload the accumulator
// understands. Everything else is passed through opaque.
type workerPayload struct {
	SessionID  string `json:"session_id"`
	SessionID2 string `json:"sessionId"`
	Content    string `json:"content"`
	Text       string `json:"text"`
	Error      string `json:"error"`
}

// Ingest parses a worker payload for a session id (captured once) and
// the accumulated text (latest full content wins).
func (a *Accumulator) Ingest(requestID string, payload []byte) Extracted {
	var p workerPayload
	// Unparseable payloads leave the state untouched.
	_ = json.Unmarshal(payload, &p)

	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = p.SessionID2
	}
	text := p.Content
	if text == "" {
		text = p.Text
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[requestID]
	if !ok {
		st = &accState{}
		a.states[requestID] = st
	}

	if text != "" {
		st.text = text
	}

	newSession := false
	if sessionID != "" && st.sessionID == "" {
		st.sessionID = sessionID
		newSession = true
	}

	return Extracted{Text: st.text, SessionID: st.sessionID, NewSession: newSession}
}

// Text returns the best-known full text for a request.
func (a *Accumulator) Text(requestID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.states[requestID]; ok {
		return st.text
	}
	return ""
}

// Flush writes the accumulated content through to the message row.
func (a *Accumulator) Flush(requestID, messageID string, isFinal bool) error {
	a.mu.Lock()
	st, ok := a.states[requestID]
	var text, sessionID string
	if ok {
		text = st.text
		sessionID = st.sessionID
	}
	a.mu.Unlock()

	return a.store.UpdateMessageContent(messageID, text, isFinal, sessionID)
}

// ExtractError pulls a human-readable error message out of a worker
// error payload, falling back to the given default.
func ExtractError(payload []byte, fallback string) string {
	var p workerPayload
	if err := json.Unmarshal(payload, &p); err == nil && p.Error != "" {
		return p.Error
	}
	return fallback
}

// Drop discards the accumulation state for a finished request.
func (a *Accumulator) Drop(requestID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.states, requestID)
}
