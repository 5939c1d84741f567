package broadcast

import (
	"errors"
	"sync"

	"github.com/loomworks/loom/pkg/models"
)

// ErrSubscriberLagged terminates a subscription whose queue filled up. The
// client reconnects with its last seen execution order and replays the gap.
var ErrSubscriberLagged = errors.New("subscriber lagged behind broadcast")

// Subscription is one consumer's ordered view of a run's event stream.
// Frames arrive on Frames(); after the channel closes, Err() reports why.
type Subscription struct {
	id    string
	runID string
	hub   *Hub
	ch    chan Frame

	mu         sync.Mutex
	lastOrder  int64
	catchingUp bool
	pending    []*models.Event
	closed     bool
	err        error
}

// ID returns the subscription's identifier.
func (s *Subscription) ID() string { return s.id }

// RunID returns the subscribed run.
func (s *Subscription) RunID() string { return s.runID }

// Frames is the delivery channel. It is closed on unsubscribe, hub shutdown
// or lag termination.
func (s *Subscription) Frames() <-chan Frame { return s.ch }

// Err returns the terminal error, if any, once Frames is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// LastOrder returns the highest execution order delivered so far.
func (s *Subscription) LastOrder() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOrder
}

// push enqueues a live event. During catchup the event is parked until the
// replay finishes so channel ordering stays monotonic.
func (s *Subscription) push(ev *models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.catchingUp {
		s.pending = append(s.pending, ev)
		return
	}
	s.deliverLocked(ev)
}

// finishCatchup delivers the replayed events, flushes anything parked during
// the replay and switches the subscription live.
func (s *Subscription) finishCatchup(replay []*models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ev := range replay {
		s.deliverLocked(ev)
		if s.closed {
			return
		}
	}
	for _, ev := range s.pending {
		s.deliverLocked(ev)
		if s.closed {
			return
		}
	}
	s.pending = nil
	s.catchingUp = false
}

// deliverLocked enqueues one event frame, dropping anything at or below the
// delivery cursor. Caller holds mu.
func (s *Subscription) deliverLocked(ev *models.Event) {
	if ev.ExecutionOrder <= s.lastOrder {
		return
	}
	select {
	case s.ch <- eventFrame(ev):
		s.lastOrder = ev.ExecutionOrder
	default:
		s.failLocked(ErrSubscriberLagged)
	}
}

// pushControl enqueues an out-of-band frame (heartbeats). Best effort: a
// full queue drops the frame rather than terminating the subscription.
func (s *Subscription) pushControl(frame Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.catchingUp {
		return
	}
	select {
	case s.ch <- frame:
	default:
	}
}

func (s *Subscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.failLocked(err)
}

// failLocked marks the subscription terminated. Caller holds mu.
func (s *Subscription) failLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}
