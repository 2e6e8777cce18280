package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(ChatRequest{ID: "r1", ConversationID: "c1"}))
	assert.ErrorIs(t, r.Register(ChatRequest{ID: "r1"}), ErrDuplicateRequest)

	// A different id is fine.
	require.NoError(t, r.Register(ChatRequest{ID: "r2"}))
	assert.Equal(t, 2, r.Count())
}

func TestIDsListsLiveEntries(t *testing.T) {
	r := NewRegistry()

	assert.Empty(t, r.IDs())

	require.NoError(t, r.Register(ChatRequest{ID: "r1"}))
	require.NoError(t, r.Register(ChatRequest{ID: "r2"}))
	assert.ElementsMatch(t, []string{"r1", "r2"}, r.IDs())

	r.Remove("r1")
	assert.ElementsMatch(t, []string{"r2"}, r.IDs())
}

func TestGetNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestForwardOnlyLifecycle(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ChatRequest{ID: "r1"}))

	require.NoError(t, r.Transition("r1", StatusDelegated))
	require.NoError(t, r.Transition("r1", StatusStreaming))

	// No regression.
	assert.ErrorIs(t, r.Transition("r1", StatusDelegated), ErrInvalidTransition)
	assert.ErrorIs(t, r.Transition("r1", StatusPending), ErrInvalidTransition)

	require.NoError(t, r.Transition("r1", StatusCompleted))

	// Terminal is final.
	assert.ErrorIs(t, r.Transition("r1", StatusFailed), ErrInvalidTransition)
	assert.ErrorIs(t, r.Transition("r1", StatusAborted), ErrInvalidTransition)
}

func TestTransitionSkipsStates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ChatRequest{ID: "r1"}))

	// pending -> failed directly is a legal forward jump.
	require.NoError(t, r.Transition("r1", StatusFailed))

	req, err := r.Get("r1")
	require.NoError(t, err)
	assert.True(t, req.Status.Terminal())
}

func TestCancelIdempotent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ChatRequest{ID: "r1"}))

	assert.True(t, r.Cancel("r1"))
	assert.False(t, r.Cancel("r1"), "second cancel is a no-op")
	assert.False(t, r.Cancel("unknown"))

	sig, ok := r.CancelSignal("r1")
	require.True(t, ok)
	select {
	case <-sig:
	default:
		t.Fatal("cancel signal not triggered")
	}
}

func TestCancelTerminalReturnsFalse(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ChatRequest{ID: "r1"}))
	require.NoError(t, r.Transition("r1", StatusCompleted))

	assert.False(t, r.Cancel("r1"))
}

func TestSessionIDCapturedOnce(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ChatRequest{ID: "r1"}))

	r.SetSessionID("r1", "sess-1")
	r.SetSessionID("r1", "sess-2")

	req, err := r.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", req.SessionID)
}

func TestWaitTerminal(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ChatRequest{ID: "r1"}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = r.Transition("r1", StatusCompleted)
	}()

	status, err := r.WaitTerminal(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
}

func TestWaitTerminalTimeout(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ChatRequest{ID: "r1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.WaitTerminal(ctx, "r1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRemoveFreesEntry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(ChatRequest{ID: "r1"}))
	require.NoError(t, r.Transition("r1", StatusCompleted))

	r.Remove("r1")
	assert.Equal(t, 0, r.Count())

	// The id can be reused after removal.
	require.NoError(t, r.Register(ChatRequest{ID: "r1"}))
}
