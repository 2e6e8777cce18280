package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// emitted captures one broadcast for assertions.
type emitted struct {
	Group   string
	Event   string
	Payload any
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []emitted
}

func (b *fakeBroadcaster) EmitToGroup(group, event string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, emitted{Group: group, Event: event, Payload: payload})
	return nil
}

func (b *fakeBroadcaster) all() []emitted {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]emitted(nil), b.events...)
}

func (b *fakeBroadcaster) byEvent(event string) []emitted {
	var out []emitted
	for _, e := range b.all() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type sentMsg struct {
	Event   string
	Payload any
}

type fakeWorker struct {
	mu      sync.Mutex
	id      string
	sent    []sentMsg
	sendErr error

	// onSend, when set, runs after a successful send. Lets tests
	// interleave registry mutations with the delivery itself.
	onSend func(event string)
}

func (w *fakeWorker) ID() string { return w.id }

func (w *fakeWorker) Send(event string, payload any) error {
	w.mu.Lock()
	if w.sendErr != nil {
		w.mu.Unlock()
		return w.sendErr
	}
	w.sent = append(w.sent, sentMsg{Event: event, Payload: payload})
	hook := w.onSend
	w.mu.Unlock()
	if hook != nil {
		hook(event)
	}
	return nil
}

func (w *fakeWorker) messages() []sentMsg {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]sentMsg(nil), w.sent...)
}

type fakePool struct {
	mu      sync.Mutex
	workers []*fakeWorker
}

func (p *fakePool) Workers() []Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Worker, len(p.workers))
	for i, w := range p.workers {
		out[i] = w
	}
	return out
}

func (p *fakePool) Worker(id string) (Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.id == id {
			return w, true
		}
	}
	return nil, false
}

// fakeStore is an in-memory MessageStore with failure injection.
type fakeStore struct {
	mu         sync.Mutex
	nextID     int
	content    map[string]string
	final      map[string]bool
	failed     map[string]string
	granted    []string
	updateErr  error
	finalErr   error
	createErr  error
	grantedErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		content: make(map[string]string),
		final:   make(map[string]bool),
		failed:  make(map[string]string),
	}
}

func (s *fakeStore) CreatePlaceholderMessage(conversationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	s.nextID++
	id := fmt.Sprintf("msg-%d", s.nextID)
	s.content[id] = ""
	return id, nil
}

func (s *fakeStore) UpdateMessageContent(id, text string, isFinal bool, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isFinal && s.finalErr != nil {
		return s.finalErr
	}
	if s.updateErr != nil {
		return s.updateErr
	}
	s.content[id] = text
	s.final[id] = isFinal
	return nil
}

func (s *fakeStore) MarkMessageFailed(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = reason
	return nil
}

func (s *fakeStore) GrantedTools(conversationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grantedErr != nil {
		return nil, s.grantedErr
	}
	return append([]string(nil), s.granted...), nil
}

type harness struct {
	registry  *Registry
	pool      *fakePool
	broadcast *fakeBroadcaster
	store     *fakeStore
	acc       *Accumulator
	router    *Router
}

func newHarness(t *testing.T, workers ...*fakeWorker) *harness {
	t.Helper()
	h := &harness{
		registry:  NewRegistry(),
		pool:      &fakePool{workers: workers},
		broadcast: &fakeBroadcaster{},
		store:     newFakeStore(),
	}
	h.acc = NewAccumulator(h.store)
	h.router = NewRouter(h.registry, h.pool, h.broadcast, h.store, h.acc, nil, RouterConfig{})
	return h
}

func dataEvent(requestID, body string) StreamEvent {
	return StreamEvent{
		RequestID: requestID,
		Kind:      KindData,
		Payload:   json.RawMessage(body),
		Timestamp: time.Now(),
	}
}

func TestSubmitNoWorkerAvailable(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.router.Submit(SubmitRequest{RequestID: "r1", ConversationID: "c1", Content: "hi"}))

	// Exactly one terminal event, status failed.
	terminals := h.broadcast.byEvent(EventRequestTerminal)
	require.Len(t, terminals, 1)
	term := terminals[0].Payload.(RequestTerminal)
	assert.Equal(t, StatusFailed, term.Status)
	assert.Equal(t, ErrNoWorkerAvailable.Error(), term.Reason)
	assert.Equal(t, ConversationGroup("c1"), terminals[0].Group)

	// No registry entry afterward.
	_, err := h.registry.Get("r1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Failure persisted on the placeholder row.
	assert.Contains(t, h.store.failed, "msg-1")
}

func TestSubmitDuplicateRequest(t *testing.T) {
	w := &fakeWorker{id: "w1"}
	h := newHarness(t, w)

	require.NoError(t, h.router.Submit(SubmitRequest{RequestID: "r1", ConversationID: "c1"}))
	err := h.router.Submit(SubmitRequest{RequestID: "r1", ConversationID: "c1"})
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestStreamingLifecycle(t *testing.T) {
	w := &fakeWorker{id: "w1"}
	h := newHarness(t, w)

	require.NoError(t, h.router.Submit(SubmitRequest{RequestID: "r1", ConversationID: "c1", Content: "hi"}))

	// Execute delivered to the worker.
	msgs := w.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, EventExecute, msgs[0].Event)

	req, err := h.registry.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, StatusDelegated, req.Status)
	assert.Equal(t, "w1", req.WorkerID)

	h.router.HandleWorkerEvent(dataEvent("r1", `{"content":"Hello","session_id":"sess-1"}`))
	h.router.HandleWorkerEvent(dataEvent("r1", `{"content":"Hello world"}`))

	req, err = h.registry.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, StatusStreaming, req.Status)
	assert.Equal(t, "sess-1", req.SessionID)

	h.router.HandleWorkerEvent(StreamEvent{RequestID: "r1", Kind: KindDone})

	// Two stream updates then exactly one terminal completed.
	updates := h.broadcast.byEvent(EventStreamUpdate)
	require.Len(t, updates, 2)
	assert.Equal(t, "msg-1", updates[0].Payload.(StreamUpdate).MessageID)

	terminals := h.broadcast.byEvent(EventRequestTerminal)
	require.Len(t, terminals, 1)
	term := terminals[0].Payload.(RequestTerminal)
	assert.Equal(t, StatusCompleted, term.Status)
	assert.Equal(t, "sess-1", term.SessionID)

	// Persisted content is the latest full text.
	assert.Equal(t, "Hello world", h.store.content["msg-1"])
	assert.True(t, h.store.final["msg-1"])

	_, err = h.registry.Get("r1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLateEventsDropped(t *testing.T) {
	w := &fakeWorker{id: "w1"}
	h := newHarness(t, w)

	require.NoError(t, h.router.Submit(SubmitRequest{RequestID: "r1", ConversationID: "c1"}))
	h.router.HandleWorkerEvent(StreamEvent{RequestID: "r1", Kind: KindDone})

	before := len(h.broadcast.all())

	// Late data and duplicate done for a finished request, plus an
	// event for an unknown request: all no-ops.
	h.router.HandleWorkerEvent(dataEvent("r1", `{"content":"late"}`))
	h.router.HandleWorkerEvent(StreamEvent{RequestID: "r1", Kind: KindDone})
	h.router.HandleWorkerEvent(dataEvent("ghost", `{"content":"x"}`))

	assert.Len(t, h.broadcast.all(), before, "late events must produce no client-visible events")
	assert.EqualValues(t, 3, h.router.Stats().DroppedEvents)
}

func TestWorkerErrorEvent(t *testing.T) {
	w := &fakeWorker{id: "w1"}
	h := newHarness(t, w)

	require.NoError(t, h.router.Submit(SubmitRequest{RequestID: "r1", ConversationID: "c1"}))
	h.router.HandleWorkerEvent(StreamEvent{
		RequestID: "r1",
		Kind:      KindError,
		Payload:   json.RawMessage(`{"error":"model exploded"}`),
	})

	terminals := h.broadcast.byEvent(EventRequestTerminal)
	require.Len(t, terminals, 1)
	term := terminals[0].Payload.(RequestTerminal)
	assert.Equal(t, StatusFailed, term.Status)
	assert.Equal(t, "model exploded", term.Reason)
	assert.Equal(t, "model exploded", h.store.failed["msg-1"])
}

func TestMidStreamFlushFailureDoesNotAbortStream(t *testing.T) {
	w := &fakeWorker{id: "w1"}
	h := newHarness(t, w)
	h.store.updateErr = errors.New("disk full")

	require.NoError(t, h.router.Submit(SubmitRequest{RequestID: "r1", ConversationID: "c1"}))
	h.router.HandleWorkerEvent(dataEvent("r1", `{"content":"Hello"}`))

	// The stream to the client continues despite the failed write.
	assert.Len(t, h.broadcast.byEvent(EventStreamUpdate), 1)
	req, err := h.registry.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, StatusStreaming, req.Status)
}

func TestTerminalFlushFailureMarksFailed(t *testing.T) {
	w := &fakeWorker{id: "w1"}
	h := newHarness(t, w)
	h.store.finalErr = errors.New("disk full")

	require.NoError(t, h.router.Submit(SubmitRequest{RequestID: "r1", ConversationID: "c1"}))
	h.router.HandleWorkerEvent(dataEvent("r1", `{"content":"Hello"}`))
	h.router.HandleWorkerEvent(StreamEvent{RequestID: "r1", Kind: KindDone})

	terminals := h.broadcast.byEvent(EventRequestTerminal)
	require.Len(t, terminals, 1)
	term := terminals[0].Payload.(RequestTerminal)
	assert.Equal(t, StatusFailed, term.Status)
	assert.Contains(t, term.Reason, "output may not be durable")
}

func TestRequestTimeout(t *testing.T) {
	w := &fakeWorker{id: "w1"}
	h := newHarness(t, w)
	h.router.config.RequestTimeout = 30 * time.Millisecond

	require.NoError(t, h.router.Submit(SubmitRequest{RequestID: "r1", ConversationID: "c1"}))

	require.Eventually(t, func() bool {
		return len(h.broadcast.byEvent(EventRequestTerminal)) == 1
	}, time.Second, 5*time.Millisecond)

	term := h.broadcast.byEvent(EventRequestTerminal)[0].Payload.(RequestTerminal)
	assert.Equal(t, StatusTimedOut, term.Status)

	// The worker was told to stop.
	msgs := w.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, EventAbort, msgs[1].Event)
}

func TestGrantedToolsMergedIntoExecute(t *testing.T) {
	w := &fakeWorker{id: "w1"}
	h := newHarness(t, w)
	h.store.granted = []string{"bash", "edit"}

	require.NoError(t, h.router.Submit(SubmitRequest{
		RequestID:      "r1",
		ConversationID: "c1",
		AllowedTools:   []string{"edit", "read"},
	}))

	msgs := w.messages()
	require.Len(t, msgs, 1)
	payload := msgs[0].Payload.(ExecutePayload)
	assert.ElementsMatch(t, []string{"edit", "read", "bash"}, payload.AllowedTools)
}

func TestFirstAvailableSelector(t *testing.T) {
	w1 := &fakeWorker{id: "w1"}
	w2 := &fakeWorker{id: "w2"}
	h := newHarness(t, w1, w2)

	require.NoError(t, h.router.Submit(SubmitRequest{RequestID: "r1", ConversationID: "c1"}))

	assert.Len(t, w1.messages(), 1, "first worker wins")
	assert.Empty(t, w2.messages())
}
