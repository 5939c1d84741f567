// Package registry tracks the live supervisors of this process: at most one
// per run. It rehydrates non-terminal runs on startup and runs the heartbeat
// watchdog that declares abandoned runs failed.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/capture"
	"github.com/loomworks/loom/pkg/lifecycle"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/supervisor"
)

// ErrRunActive is returned when a run already has a live supervisor.
var ErrRunActive = errors.New("run already has a live supervisor")

// Factory builds a supervisor for a run; the engine closes over the shared
// store, publisher, provider and executor.
type Factory func(run *models.Run) *supervisor.Supervisor

// Options tunes the watchdog.
type Options struct {
	// HeartbeatInterval is the supervisors' emission interval; the watchdog
	// derives its stall cutoff from it.
	HeartbeatInterval time.Duration
	// MissedHeartbeats is how many intervals may pass before a run without a
	// live supervisor is declared failed.
	MissedHeartbeats int
	// WatchdogInterval is how often the stall scan runs. Zero disables the
	// watchdog.
	WatchdogInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.MissedHeartbeats <= 0 {
		o.MissedHeartbeats = 4
	}
	return o
}

// Registry owns the run -> supervisor map.
type Registry struct {
	st      store.Store
	pub     capture.Publisher
	factory Factory
	opts    Options

	mu   sync.Mutex
	live map[string]*supervisor.Supervisor

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a registry. Call StartWatchdog to enable stall detection.
func New(st store.Store, pub capture.Publisher, factory Factory, opts Options) *Registry {
	return &Registry{
		st:      st,
		pub:     pub,
		factory: factory,
		opts:    opts.withDefaults(),
		live:    make(map[string]*supervisor.Supervisor),
		stopCh:  make(chan struct{}),
	}
}

// Start attaches a supervisor to the run and launches it. A run can have at
// most one live supervisor; a second Start fails with ErrRunActive.
func (r *Registry) Start(run *models.Run) (*supervisor.Supervisor, error) {
	r.mu.Lock()
	if _, ok := r.live[run.ID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("run %s: %w", run.ID, ErrRunActive)
	}
	sup := r.factory(run)
	r.live[run.ID] = sup
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		state, err := sup.Run(context.Background())
		if err != nil {
			slog.Error("Run finished with error", "run_id", run.ID, "state", state, "error", err)
		} else {
			slog.Info("Run finished", "run_id", run.ID, "state", state)
		}
		r.mu.Lock()
		delete(r.live, run.ID)
		r.mu.Unlock()
	}()
	return sup, nil
}

// Get returns the live supervisor for a run, if any.
func (r *Registry) Get(runID string) (*supervisor.Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sup, ok := r.live[runID]
	return sup, ok
}

// LiveCount returns the number of runs this process is currently driving.
func (r *Registry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Rehydrate re-attaches supervisors to every non-terminal run found in the
// store, typically at process startup. Idempotent: runs that already have a
// live supervisor are skipped.
func (r *Registry) Rehydrate(ctx context.Context) (int, error) {
	resumable := []lifecycle.State{
		lifecycle.StateDraft,
		lifecycle.StatePlanning,
		lifecycle.StateExecuting,
		lifecycle.StatePaused,
		lifecycle.StateWaitingApproval,
	}
	started := 0
	for _, state := range resumable {
		list, err := r.st.ListRuns(ctx, "", models.RunFilters{Status: string(state)}, models.Page{Limit: 500})
		if err != nil {
			return started, fmt.Errorf("list %s runs: %w", state, err)
		}
		for _, run := range list.Runs {
			if _, err := r.Start(run); err != nil {
				if errors.Is(err, ErrRunActive) {
					continue
				}
				return started, err
			}
			slog.Info("Rehydrated run", "run_id", run.ID, "state", run.Status)
			started++
		}
	}
	return started, nil
}

// StartWatchdog launches the stall scanner. No-op when the watchdog interval
// is zero.
func (r *Registry) StartWatchdog() {
	if r.opts.WatchdogInterval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.opts.WatchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.reapStalled()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// reapStalled fails runs whose heartbeat went quiet for longer than the
// missed-heartbeat budget and that no live supervisor owns. Paused runs are
// included: a paused run with a live owner still heartbeats.
func (r *Registry) reapStalled() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-time.Duration(r.opts.MissedHeartbeats) * r.opts.HeartbeatInterval)
	stalled, err := r.st.StalledRuns(ctx, cutoff)
	if err != nil {
		slog.Warn("Stall scan failed", "error", err)
		return
	}
	for _, run := range stalled {
		if _, ok := r.Get(run.ID); ok {
			continue
		}
		r.failStalled(ctx, run)
	}
}

func (r *Registry) failStalled(ctx context.Context, run *models.Run) {
	from := lifecycle.State(run.Status)
	reason := fmt.Sprintf("no heartbeat since %s", heartbeatAge(run))
	if err := r.st.UpdateRunState(ctx, run.ID, from, lifecycle.StateFailed, reason); err != nil {
		// Lost a race with another transition; the next scan re-evaluates.
		slog.Warn("Could not fail stalled run", "run_id", run.ID, "from", from, "error", err)
		return
	}
	slog.Warn("Stalled run failed by watchdog", "run_id", run.ID, "from", from)

	rec := capture.NewRecorder(r.st, r.pub, run.ID, run.SessionID, capture.Options{})
	if _, err := rec.Record(ctx, "", models.ErrorOccurredPayload{
		Class:   "heartbeat_lost",
		Message: reason,
	}); err != nil {
		slog.Warn("Stall notice dropped", "run_id", run.ID, "error", err)
	}
	if _, err := rec.Record(ctx, "", models.WorkflowStateChangedPayload{
		From: string(from), To: string(lifecycle.StateFailed), Reason: reason,
	}); err != nil {
		slog.Warn("Stall transition event dropped", "run_id", run.ID, "error", err)
	}
}

func heartbeatAge(run *models.Run) string {
	last := run.CreatedAt
	if run.LastHeartbeatAt != nil {
		last = *run.LastHeartbeatAt
	}
	return last.UTC().Format(time.RFC3339)
}

// Close stops the watchdog. Live runs are left to the process lifetime;
// they rehydrate on the next startup.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}
