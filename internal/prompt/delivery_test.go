package prompt

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/relay"
	"conduit/internal/storage"
)

type emitted struct {
	Group   string
	Event   string
	Payload any
}

type fakeBroadcast struct {
	mu      sync.Mutex
	events  []emitted
	emitErr error
}

func (f *fakeBroadcast) EmitToGroup(group, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.events = append(f.events, emitted{Group: group, Event: event, Payload: payload})
	return nil
}

func (f *fakeBroadcast) byEvent(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type fakeNotifier struct {
	mu       sync.Mutex
	sent     []emitted // Group holds the worker id
	notifyErr error
}

func (f *fakeNotifier) NotifyWorker(workerID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notifyErr != nil {
		return f.notifyErr
	}
	f.sent = append(f.sent, emitted{Group: workerID, Event: event, Payload: payload})
	return nil
}

func (f *fakeNotifier) all() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.sent...)
}

type fakeArchive struct {
	mu      sync.Mutex
	saved   []*storage.PromptRecord
	updates []string // "<status>@<stage>"
	saveErr error
}

func (f *fakeArchive) SavePrompt(rec *storage.PromptRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, rec)
	return nil
}

func (f *fakeArchive) UpdatePromptState(id, status string, stage int, respondedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, status)
	return nil
}

type grant struct {
	Tool      string
	Status    string
	ExpiresAt *time.Time
}

type fakePerms struct {
	mu        sync.Mutex
	permitted bool
	lookupErr error
	grants    []grant
}

func (f *fakePerms) IsToolPermitted(conversationID, toolName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permitted, f.lookupErr
}

func (f *fakePerms) UpsertPermission(conversationID, toolName, status, grantedBy string, expiresAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants = append(f.grants, grant{Tool: toolName, Status: status, ExpiresAt: expiresAt})
	return nil
}

type fakeEscalator struct {
	mu      sync.Mutex
	tracked []string
}

func (f *fakeEscalator) Track(promptID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, promptID)
}

type promptHarness struct {
	service   *Service
	broadcast *fakeBroadcast
	workers   *fakeNotifier
	archive   *fakeArchive
	perms     *fakePerms
	escalator *fakeEscalator
}

func newPromptHarness(t *testing.T) *promptHarness {
	t.Helper()
	h := &promptHarness{
		broadcast: &fakeBroadcast{},
		workers:   &fakeNotifier{},
		archive:   &fakeArchive{},
		perms:     &fakePerms{},
		escalator: &fakeEscalator{},
	}
	h.service = NewService(nil, h.archive, h.perms, h.broadcast, h.workers, ServiceConfig{
		SessionTTL: time.Hour,
	})
	h.service.SetEscalator(h.escalator)
	return h
}

func permissionRequest() PermissionNeeded {
	return PermissionNeeded{
		RequestID:      "req-1",
		ConversationID: "conv-1",
		ProjectID:      "proj-1",
		SessionID:      "sess-1",
		WorkerID:       "worker-1",
		ToolName:       "shell",
		RiskLevel:      "high",
	}
}

func TestHandlePermissionNeededDeliversPrompt(t *testing.T) {
	h := newPromptHarness(t)

	p, err := h.service.HandlePermissionNeeded(permissionRequest())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, TypeToolPermission, p.Type)
	assert.Len(t, p.Options, 4)

	created := h.broadcast.byEvent(EventPromptCreated)
	require.Len(t, created, 1)
	assert.Equal(t, relay.ConversationGroup("conv-1"), created[0].Group)

	require.Len(t, h.archive.saved, 1)
	assert.Equal(t, p.ID, h.archive.saved[0].ID)
	assert.Equal(t, "pending", h.archive.saved[0].Status)

	assert.Equal(t, []string{p.ID}, h.escalator.tracked)
}

func TestHandlePermissionNeededExistingGrantResumesWorker(t *testing.T) {
	h := newPromptHarness(t)
	h.perms.permitted = true

	p, err := h.service.HandlePermissionNeeded(permissionRequest())
	require.NoError(t, err)
	assert.Nil(t, p, "covered tool must not create a prompt")

	sent := h.workers.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "worker-1", sent[0].Group)
	assert.Equal(t, EventPermissionResolved, sent[0].Event)
	res := sent[0].Payload.(WorkerResolution)
	assert.Equal(t, "yes", res.Answer)

	assert.Empty(t, h.broadcast.byEvent(EventPromptCreated))
	assert.Empty(t, h.escalator.tracked)
	assert.Equal(t, int64(1), h.service.Stats().AutoResolved)
}

func TestDeliverStorageIsFallbackChannel(t *testing.T) {
	h := newPromptHarness(t)
	h.broadcast.emitErr = errors.New("no subscribers")

	p, err := h.service.HandlePermissionNeeded(permissionRequest())
	require.NoError(t, err)
	require.NotNil(t, p)

	// Broadcast failed but the pollable row still landed.
	require.Len(t, h.archive.saved, 1)

	result := h.service.Deliver(p)
	assert.True(t, result.Success)
	require.Len(t, result.Channels, 2)
	assert.Error(t, result.Channels[0].Err)
	assert.NoError(t, result.Channels[1].Err)
}

func TestDeliverAllChannelsFailing(t *testing.T) {
	h := newPromptHarness(t)
	h.broadcast.emitErr = errors.New("no subscribers")
	h.archive.saveErr = errors.New("disk full")

	p, err := h.service.HandlePermissionNeeded(permissionRequest())
	require.NoError(t, err)

	result := h.service.Deliver(p)
	assert.False(t, result.Success)
	assert.Equal(t, 2, result.Attempts)
}

func TestRespondAllowAlwaysPersistsDurableGrant(t *testing.T) {
	h := newPromptHarness(t)
	p, err := h.service.HandlePermissionNeeded(permissionRequest())
	require.NoError(t, err)

	answered, err := h.service.Respond(p.ID, "allow-always", "client-1")
	require.NoError(t, err)
	assert.Equal(t, StatusAnswered, answered.Status)
	assert.Equal(t, "allow-always", answered.AnsweredOption)
	require.NotNil(t, answered.RespondedAt)

	require.Len(t, h.perms.grants, 1)
	g := h.perms.grants[0]
	assert.Equal(t, "shell", g.Tool)
	assert.Equal(t, storage.PermissionGranted, g.Status)
	assert.Nil(t, g.ExpiresAt, "always-allow never expires")

	sent := h.workers.all()
	require.Len(t, sent, 1)
	res := sent[0].Payload.(WorkerResolution)
	assert.Equal(t, p.ID, res.PromptID)
	assert.Equal(t, "yes and don't ask again", res.Answer)

	resolved := h.broadcast.byEvent(EventPromptResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, "answered", h.archive.updates[0])
}

func TestRespondAllowSessionUsesSentinelWithExpiry(t *testing.T) {
	h := newPromptHarness(t)
	p, err := h.service.HandlePermissionNeeded(permissionRequest())
	require.NoError(t, err)

	_, err = h.service.Respond(p.ID, "allow-session", "client-1")
	require.NoError(t, err)

	require.Len(t, h.perms.grants, 1)
	g := h.perms.grants[0]
	assert.Equal(t, storage.AllToolsSentinel, g.Tool)
	assert.Equal(t, storage.PermissionGranted, g.Status)
	require.NotNil(t, g.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *g.ExpiresAt, 5*time.Second)
}

func TestRespondDenyPersistsDenial(t *testing.T) {
	h := newPromptHarness(t)
	p, err := h.service.HandlePermissionNeeded(permissionRequest())
	require.NoError(t, err)

	_, err = h.service.Respond(p.ID, "deny", "client-1")
	require.NoError(t, err)

	require.Len(t, h.perms.grants, 1)
	assert.Equal(t, storage.PermissionDenied, h.perms.grants[0].Status)

	res := h.workers.all()[0].Payload.(WorkerResolution)
	assert.Equal(t, "no", res.Answer)
}

func TestRespondAllowOncePersistsNothing(t *testing.T) {
	h := newPromptHarness(t)
	p, err := h.service.HandlePermissionNeeded(permissionRequest())
	require.NoError(t, err)

	_, err = h.service.Respond(p.ID, "allow", "client-1")
	require.NoError(t, err)

	assert.Empty(t, h.perms.grants, "one-shot allow is not durable")
	res := h.workers.all()[0].Payload.(WorkerResolution)
	assert.Equal(t, "yes", res.Answer)
}

func TestRespondErrors(t *testing.T) {
	h := newPromptHarness(t)
	p, err := h.service.HandlePermissionNeeded(permissionRequest())
	require.NoError(t, err)

	_, err = h.service.Respond("nope", "allow", "client-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.service.Respond(p.ID, "launch-missiles", "client-1")
	assert.ErrorIs(t, err, ErrUnknownOption)

	_, err = h.service.Respond(p.ID, "allow", "client-1")
	require.NoError(t, err)

	_, err = h.service.Respond(p.ID, "deny", "client-2")
	assert.ErrorIs(t, err, ErrAlreadyAnswered)
	assert.Len(t, h.workers.all(), 1, "second answer must not reach the worker")
}

func TestEscalateWidensAudienceAndRedelivers(t *testing.T) {
	h := newPromptHarness(t)
	p, err := h.service.HandlePermissionNeeded(permissionRequest())
	require.NoError(t, err)

	require.True(t, h.service.Escalate(p.ID, 1))

	escalated := h.broadcast.byEvent(EventPromptEscalated)
	require.Len(t, escalated, 2, "conversation and project group")
	assert.Equal(t, relay.ConversationGroup("conv-1"), escalated[0].Group)
	assert.Equal(t, relay.ProjectGroup("proj-1"), escalated[1].Group)
	assert.Equal(t, "elevated", escalated[0].Payload.(EscalatedPayload).Urgency)

	// Initial delivery plus re-delivery to both groups.
	created := h.broadcast.byEvent(EventPromptCreated)
	assert.Len(t, created, 3)
}

func TestAcknowledgmentSuppressesRedelivery(t *testing.T) {
	h := newPromptHarness(t)
	p, err := h.service.HandlePermissionNeeded(permissionRequest())
	require.NoError(t, err)

	h.service.Acknowledge(p.ID, "client-1")
	h.service.Acknowledge(p.ID, "client-1") // idempotent
	assert.True(t, h.service.Acknowledged(p.ID))
	assert.Equal(t, int64(1), h.service.Stats().Acknowledged)

	require.True(t, h.service.Escalate(p.ID, 1))

	// Escalation notice still goes out, full prompt is not re-sent.
	assert.Len(t, h.broadcast.byEvent(EventPromptEscalated), 2)
	assert.Len(t, h.broadcast.byEvent(EventPromptCreated), 1)
}

func TestEscalateGuards(t *testing.T) {
	h := newPromptHarness(t)
	p, err := h.service.HandlePermissionNeeded(permissionRequest())
	require.NoError(t, err)

	require.True(t, h.service.Escalate(p.ID, 1))
	assert.False(t, h.service.Escalate(p.ID, 1), "stages are monotonic")
	assert.False(t, h.service.Escalate("nope", 1))

	_, err = h.service.Respond(p.ID, "allow", "client-1")
	require.NoError(t, err)
	assert.False(t, h.service.Escalate(p.ID, 2), "answered prompts do not escalate")
}

func TestTimeoutNotifiesWorker(t *testing.T) {
	h := newPromptHarness(t)
	p, err := h.service.HandlePermissionNeeded(permissionRequest())
	require.NoError(t, err)

	require.True(t, h.service.Timeout(p.ID))

	got, _ := h.service.Get(p.ID)
	assert.Equal(t, StatusTimeout, got.Status)

	sent := h.workers.all()
	require.Len(t, sent, 1)
	res := sent[0].Payload.(WorkerResolution)
	assert.True(t, res.TimedOut)
	assert.Empty(t, res.Answer, "timeout carries no decision")

	resolved := h.broadcast.byEvent(EventPromptResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, StatusTimeout, resolved[0].Payload.(ResolvedPayload).Status)

	assert.False(t, h.service.Timeout(p.ID), "timeout is one-shot")
	_, err = h.service.Respond(p.ID, "allow", "client-1")
	assert.ErrorIs(t, err, ErrAlreadyAnswered)
}

func TestStatsCountsPending(t *testing.T) {
	h := newPromptHarness(t)
	p1, err := h.service.HandlePermissionNeeded(permissionRequest())
	require.NoError(t, err)
	_, err = h.service.HandlePermissionNeeded(permissionRequest())
	require.NoError(t, err)

	_, err = h.service.Respond(p1.ID, "allow", "client-1")
	require.NoError(t, err)

	stats := h.service.Stats()
	assert.Equal(t, int64(2), stats.Created)
	assert.Equal(t, int64(1), stats.Answered)
	assert.Equal(t, 1, stats.Pending)
}
