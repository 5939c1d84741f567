package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/lifecycle"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
)

func newTestStore(t *testing.T) (*store.Memory, string, string) {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	now := time.Now().UTC()
	require.NoError(t, m.CreateSession(ctx, &models.Session{ID: "s1", Name: "s", CreatedAt: now, LastActiveAt: now}))
	require.NoError(t, m.CreateRun(ctx, &models.Run{
		ID: "r1", SessionID: "s1", Task: "t", Mode: models.ModeOneShot,
		Status: string(lifecycle.StateDraft), CreatedAt: now,
	}))
	return m, "r1", "s1"
}

func appendHandoff(t *testing.T, m *store.Memory, runID, sessionID string) *models.Event {
	t.Helper()
	ev, err := models.Build(runID, sessionID, "", models.HandoffPayload{FromAgent: "a", ToAgent: "b"})
	require.NoError(t, err)
	require.NoError(t, m.AppendEvent(context.Background(), ev))
	return ev
}

func sinceOrder(n int64) *int64 { return &n }

func collectOrders(t *testing.T, sub *Subscription, n int) []int64 {
	t.Helper()
	var orders []int64
	timeout := time.After(2 * time.Second)
	for len(orders) < n {
		select {
		case frame, ok := <-sub.Frames():
			if !ok {
				t.Fatalf("channel closed after %d frames (err: %v)", len(orders), sub.Err())
			}
			if frame.EventType == string(models.EventHeartbeat) {
				continue
			}
			orders = append(orders, frame.ExecutionOrder)
		case <-timeout:
			t.Fatalf("timed out after %d frames", len(orders))
		}
	}
	return orders
}

func TestSubscribeReplaysThenStreamsLive(t *testing.T) {
	m, runID, sessionID := newTestStore(t)
	hub := NewHub(m, 16, 0)

	for i := 0; i < 3; i++ {
		appendHandoff(t, m, runID, sessionID)
	}

	sub, err := hub.Subscribe(context.Background(), runID, sinceOrder(0))
	require.NoError(t, err)
	defer hub.Unsubscribe(sub)

	hub.Publish(appendHandoff(t, m, runID, sessionID))

	orders := collectOrders(t, sub, 4)
	assert.Equal(t, []int64{1, 2, 3, 4}, orders)
}

func TestSubscribeWithCursorSkipsDelivered(t *testing.T) {
	m, runID, sessionID := newTestStore(t)
	hub := NewHub(m, 16, 0)

	for i := 0; i < 3; i++ {
		appendHandoff(t, m, runID, sessionID)
	}

	sub, err := hub.Subscribe(context.Background(), runID, sinceOrder(2))
	require.NoError(t, err)
	defer hub.Unsubscribe(sub)

	orders := collectOrders(t, sub, 1)
	assert.Equal(t, []int64{3}, orders)
	assert.Equal(t, int64(3), sub.LastOrder())
}

func TestSubscribeNilSinceStartsLiveOnly(t *testing.T) {
	m, runID, sessionID := newTestStore(t)
	hub := NewHub(m, 16, 0)

	// History that must not be replayed.
	for i := 0; i < 3; i++ {
		appendHandoff(t, m, runID, sessionID)
	}

	sub, err := hub.Subscribe(context.Background(), runID, nil)
	require.NoError(t, err)
	defer hub.Unsubscribe(sub)

	hub.Publish(appendHandoff(t, m, runID, sessionID))

	orders := collectOrders(t, sub, 1)
	assert.Equal(t, []int64{4}, orders, "only the live event is delivered")

	select {
	case frame, ok := <-sub.Frames():
		require.True(t, ok)
		t.Fatalf("unexpected replayed frame with order %d", frame.ExecutionOrder)
	case <-time.After(50 * time.Millisecond):
	}
}

// racingReplayer publishes an event to the hub between subscriber
// registration and replay, so the same event reaches the subscription via
// both paths. Exactly one copy must be delivered.
type racingReplayer struct {
	inner *store.Memory
	hub   **Hub
	racer *models.Event
}

func (r *racingReplayer) EventsForRun(ctx context.Context, runID string, f store.Filter) ([]*models.Event, error) {
	(*r.hub).Publish(r.racer)
	return r.inner.EventsForRun(ctx, runID, f)
}

func TestReplayLiveOverlapDeduplicated(t *testing.T) {
	m, runID, sessionID := newTestStore(t)
	racer := appendHandoff(t, m, runID, sessionID)

	var hub *Hub
	hub = NewHub(&racingReplayer{inner: m, hub: &hub, racer: racer}, 16, 0)

	sub, err := hub.Subscribe(context.Background(), runID, sinceOrder(0))
	require.NoError(t, err)
	defer hub.Unsubscribe(sub)

	orders := collectOrders(t, sub, 1)
	assert.Equal(t, []int64{1}, orders)

	// No duplicate frame behind it.
	select {
	case frame, ok := <-sub.Frames():
		require.True(t, ok)
		t.Fatalf("unexpected extra frame with order %d", frame.ExecutionOrder)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberTerminatedWithLag(t *testing.T) {
	m, runID, sessionID := newTestStore(t)
	hub := NewHub(m, 2, 0)

	sub, err := hub.Subscribe(context.Background(), runID, sinceOrder(0))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		hub.Publish(appendHandoff(t, m, runID, sessionID))
	}

	// Drain: buffered frames then closure.
	received := 0
	for range sub.Frames() {
		received++
	}
	assert.Equal(t, 2, received)
	assert.ErrorIs(t, sub.Err(), ErrSubscriberLagged)

	// Publishing to a dead subscription is a no-op.
	hub.Publish(appendHandoff(t, m, runID, sessionID))
	hub.Unsubscribe(sub)
	assert.ErrorIs(t, sub.Err(), ErrSubscriberLagged)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	m, runID, _ := newTestStore(t)
	hub := NewHub(m, 4, 0)

	sub, err := hub.Subscribe(context.Background(), runID, sinceOrder(0))
	require.NoError(t, err)
	assert.Equal(t, 1, hub.SubscriberCount(runID))

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	assert.Equal(t, 0, hub.SubscriberCount(runID))
	assert.NoError(t, sub.Err())

	_, ok := <-sub.Frames()
	assert.False(t, ok)
}

func TestHeartbeatFrames(t *testing.T) {
	m, runID, _ := newTestStore(t)
	hub := NewHub(m, 16, 10*time.Millisecond)
	hub.Start()
	defer hub.Stop()

	sub, err := hub.Subscribe(context.Background(), runID, sinceOrder(0))
	require.NoError(t, err)

	select {
	case frame, ok := <-sub.Frames():
		require.True(t, ok)
		assert.Equal(t, string(models.EventHeartbeat), frame.EventType)
		assert.Nil(t, frame.Data)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat frame")
	}
}

func TestPublishScopedToRun(t *testing.T) {
	m, runID, sessionID := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, m.CreateRun(ctx, &models.Run{
		ID: "r2", SessionID: sessionID, Task: "t2", Mode: models.ModeOneShot,
		Status: string(lifecycle.StateDraft), CreatedAt: now,
	}))
	hub := NewHub(m, 16, 0)

	other, err := hub.Subscribe(ctx, "r2", sinceOrder(0))
	require.NoError(t, err)
	defer hub.Unsubscribe(other)

	hub.Publish(appendHandoff(t, m, runID, sessionID))

	select {
	case frame := <-other.Frames():
		t.Fatalf("subscriber for r2 received frame for %s", frame.RunID)
	case <-time.After(50 * time.Millisecond):
	}
}
