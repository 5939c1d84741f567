// Package capture turns agent activity into persisted, broadcast events.
// The recorder sits synchronously on the emitting code path: an event is
// persisted first, published second, and the emitting call does not proceed
// until both were attempted. Publish failures never fail the caller; persist
// failures surface so the run can degrade explicitly instead of losing
// history silently.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
)

// Appender is the slice of the store the recorder writes through.
type Appender interface {
	AppendEvent(ctx context.Context, ev *models.Event) error
}

// Publisher delivers a persisted event to live subscribers. In-process
// fanout cannot fail, but transport-backed publishers can.
type Publisher interface {
	Publish(ev *models.Event) error
}

// Options tunes persistence retry behavior.
type Options struct {
	// MaxPersistAttempts bounds retries on ErrStoreUnavailable. Values
	// below 1 use the default of 3.
	MaxPersistAttempts int
	// RetryBaseDelay is the first backoff delay, doubled per attempt.
	RetryBaseDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxPersistAttempts < 1 {
		o.MaxPersistAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 50 * time.Millisecond
	}
	return o
}

// openEvent is one entry of the nesting stack.
type openEvent struct {
	id        string
	kind      models.EventType
	startedAt time.Time
}

// fileSet tracks paths already captured for a run, shared across scopes.
type fileSet struct {
	mu sync.Mutex
	m  map[string]bool
}

// claim marks a path captured, reporting whether it was new.
func (f *fileSet) claim(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m[path] {
		return false
	}
	f.m[path] = true
	return true
}

// Recorder captures events for a single run. It is safe for concurrent use,
// but the open-event stack assumes one emitting goroutine; concurrent nodes
// each use their own Scope.
type Recorder struct {
	appender  Appender
	publisher Publisher
	runID     string
	sessionID string
	opts      Options
	seen      *fileSet    // shared across scopes
	emitMu    *sync.Mutex // shared across scopes; see emit

	mu    sync.Mutex
	stack []openEvent
}

// NewRecorder creates a recorder bound to one run.
func NewRecorder(appender Appender, publisher Publisher, runID, sessionID string, opts Options) *Recorder {
	return &Recorder{
		appender:  appender,
		publisher: publisher,
		runID:     runID,
		sessionID: sessionID,
		opts:      opts.withDefaults(),
		seen:      &fileSet{m: make(map[string]bool)},
		emitMu:    &sync.Mutex{},
	}
}

// Scope returns a recorder sharing this recorder's run identity and file
// dedupe state but with an independent nesting stack. One scope per
// concurrently executing node keeps parent links correct.
func (r *Recorder) Scope() *Recorder {
	return &Recorder{
		appender:  r.appender,
		publisher: r.publisher,
		runID:     r.runID,
		sessionID: r.sessionID,
		opts:      r.opts,
		seen:      r.seen,
		emitMu:    r.emitMu,
	}
}

// Record persists and publishes one event. nodeID may be empty for run-level
// events. The event's parent is the innermost open event, if any.
func (r *Recorder) Record(ctx context.Context, nodeID string, p models.Payload) (*models.Event, error) {
	ev, err := models.Build(r.runID, r.sessionID, nodeID, p)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if n := len(r.stack); n > 0 {
		parent := r.stack[n-1].id
		ev.ParentEventID = &parent
	}
	r.mu.Unlock()
	if err := r.emit(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Begin records the opening half of a paired event and pushes it onto the
// nesting stack: events recorded until the matching End become its children.
func (r *Recorder) Begin(ctx context.Context, nodeID string, p models.Payload) (*models.Event, error) {
	ev, err := r.Record(ctx, nodeID, p)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.stack = append(r.stack, openEvent{id: ev.ID, kind: ev.Type, startedAt: ev.Timestamp})
	r.mu.Unlock()
	return ev, nil
}

// End records the closing half of a paired event. The closing event is
// parented to its opening event and carries the elapsed duration.
func (r *Recorder) End(ctx context.Context, nodeID string, p models.Payload, status string) (*models.Event, error) {
	r.mu.Lock()
	var open *openEvent
	if n := len(r.stack); n > 0 {
		top := r.stack[n-1]
		r.stack = r.stack[:n-1]
		open = &top
	}
	r.mu.Unlock()

	ev, err := models.Build(r.runID, r.sessionID, nodeID, p)
	if err != nil {
		return nil, err
	}
	ev.Status = status
	if open != nil {
		id := open.id
		ev.ParentEventID = &id
		ev.DurationMS = time.Since(open.startedAt).Milliseconds()
	}
	if err := r.emit(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// emit persists with bounded retries for unavailable-store errors, then
// publishes. Publish is retried at most once. The emit lock is shared by
// every scope of the run, so persist and publish are one ordered step and
// the publisher sees execution orders monotonically even with concurrent
// node scopes.
func (r *Recorder) emit(ctx context.Context, ev *models.Event) error {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if err := r.persist(ctx, ev); err != nil {
		return err
	}
	r.publish(ev)
	return nil
}

func (r *Recorder) persist(ctx context.Context, ev *models.Event) error {
	delay := r.opts.RetryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxPersistAttempts; attempt++ {
		lastErr = r.appender.AppendEvent(ctx, ev)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, store.ErrStoreUnavailable) {
			return lastErr
		}
		if attempt == r.opts.MaxPersistAttempts {
			break
		}
		slog.Warn("Event persist failed, retrying",
			"run_id", r.runID, "event_type", ev.Type, "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("persist event after %d attempts: %w", r.opts.MaxPersistAttempts, lastErr)
}

// publish broadcasts with a single retry. The event is already durable, so
// a dropped broadcast only costs live subscribers a replay on reconnect.
func (r *Recorder) publish(ev *models.Event) {
	err := r.publisher.Publish(ev)
	if err == nil {
		return
	}
	slog.Warn("Event publish failed, retrying once",
		"run_id", r.runID, "event_type", ev.Type, "error", err)
	if err := r.publisher.Publish(ev); err != nil {
		slog.Error("Event publish dropped",
			"run_id", r.runID, "event_id", ev.ID, "event_type", ev.Type, "error", err)
	}
}
