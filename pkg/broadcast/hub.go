// Package broadcast fans persisted events out to live subscribers. Events
// are always persisted before they are published, so per-run execution order
// is monotonic on the publish path; subscribers reconnecting with a cursor
// get a replay from the store followed by the live feed, with overlap
// deduplicated by execution order.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
)

// Replayer is the slice of the store the hub needs for catchup.
type Replayer interface {
	EventsForRun(ctx context.Context, runID string, f store.Filter) ([]*models.Event, error)
}

// Frame is the unit delivered to subscribers.
type Frame struct {
	EventType      string        `json:"event_type"`
	Timestamp      time.Time     `json:"timestamp"`
	RunID          string        `json:"run_id,omitempty"`
	SessionID      string        `json:"session_id,omitempty"`
	ExecutionOrder int64         `json:"execution_order,omitempty"`
	Data           *models.Event `json:"data,omitempty"`
}

func eventFrame(ev *models.Event) Frame {
	return Frame{
		EventType:      string(ev.Type),
		Timestamp:      ev.Timestamp,
		RunID:          ev.RunID,
		SessionID:      ev.SessionID,
		ExecutionOrder: ev.ExecutionOrder,
		Data:           ev,
	}
}

// Hub routes published events to run-scoped subscriptions and emits periodic
// heartbeat frames so transports can detect dead connections.
type Hub struct {
	replayer          Replayer
	bufferSize        int
	heartbeatInterval time.Duration

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{} // runID -> subscriptions

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates a hub. bufferSize bounds each subscription's queue;
// heartbeatInterval <= 0 disables heartbeats.
func NewHub(replayer Replayer, bufferSize int, heartbeatInterval time.Duration) *Hub {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Hub{
		replayer:          replayer,
		bufferSize:        bufferSize,
		heartbeatInterval: heartbeatInterval,
		subs:              make(map[string]map[*Subscription]struct{}),
		stopCh:            make(chan struct{}),
	}
}

// Start launches the heartbeat loop.
func (h *Hub) Start() {
	if h.heartbeatInterval <= 0 {
		return
	}
	h.wg.Add(1)
	go h.heartbeatLoop()
}

// Stop terminates the heartbeat loop and closes every subscription.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()

	h.mu.Lock()
	var all []*Subscription
	for _, set := range h.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	h.subs = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	for _, s := range all {
		s.close(nil)
	}
}

func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case now := <-ticker.C:
			frame := Frame{EventType: string(models.EventHeartbeat), Timestamp: now.UTC()}
			h.mu.RLock()
			for _, set := range h.subs {
				for s := range set {
					s.pushControl(frame)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish delivers an already-persisted event to the run's subscribers.
// It never blocks: a subscriber whose queue is full is terminated with
// ErrSubscriberLagged.
func (h *Hub) Publish(ev *models.Event) {
	h.mu.RLock()
	set := h.subs[ev.RunID]
	targets := make([]*Subscription, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.push(ev)
	}
}

// Subscribe registers a subscription for runID. A non-nil since replays
// stored events with execution order greater than since before switching to
// live delivery; a nil since starts live-only. Events published during the
// replay are queued and flushed afterwards; duplicates across the replay/live
// seam are dropped by order.
func (h *Hub) Subscribe(ctx context.Context, runID string, since *int64) (*Subscription, error) {
	s := &Subscription{
		id:         uuid.New().String(),
		runID:      runID,
		hub:        h,
		ch:         make(chan Frame, h.bufferSize),
		catchingUp: since != nil,
	}
	if since != nil {
		s.lastOrder = *since
	}

	// Register before reading so nothing published mid-replay is lost.
	h.mu.Lock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[*Subscription]struct{})
	}
	h.subs[runID][s] = struct{}{}
	h.mu.Unlock()

	if since == nil {
		slog.Debug("Subscriber attached live-only", "run_id", runID, "subscription_id", s.id)
		return s, nil
	}

	replay, err := h.replayer.EventsForRun(ctx, runID, store.Filter{
		AfterOrder:      *since,
		IncludeInternal: true,
	})
	if err != nil {
		h.Unsubscribe(s)
		return nil, fmt.Errorf("replay events for run %s: %w", runID, err)
	}
	s.finishCatchup(replay)

	slog.Debug("Subscriber attached", "run_id", runID, "subscription_id", s.id,
		"since", *since, "replayed", len(replay))
	return s, nil
}

// Unsubscribe detaches and closes the subscription. Idempotent.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	if set, ok := h.subs[s.runID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.runID)
		}
	}
	h.mu.Unlock()
	s.close(nil)
}

// SubscriberCount reports the number of live subscriptions for a run.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[runID])
}
