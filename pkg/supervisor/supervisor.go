// Package supervisor owns one live run end to end: it bridges planner output
// into the DAG, runs the scheduler, aggregates cost, emits heartbeats, and
// degrades to paused when the store stops accepting events.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/agent"
	"github.com/loomworks/loom/pkg/capture"
	"github.com/loomworks/loom/pkg/dag"
	"github.com/loomworks/loom/pkg/exec"
	"github.com/loomworks/loom/pkg/lifecycle"
	"github.com/loomworks/loom/pkg/llm"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/scheduler"
	"github.com/loomworks/loom/pkg/store"
)

// Config tunes one supervisor.
type Config struct {
	Workers           int
	Grace             time.Duration
	HeartbeatInterval time.Duration
	MaxHandoffs       int
	MaxRounds         int
	Workdir           string
	MaxEmbedFileSize  int64
	EmbedBytes        int
	IdeaAgents        []string
	Personas          map[string]agent.Persona
	PlannerPersona    agent.Persona
	DefaultPersona    agent.Persona
	Tools             []agent.Tool
	Policies          map[models.NodeType]scheduler.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.MaxHandoffs <= 0 {
		c.MaxHandoffs = 3
	}
	if c.PlannerPersona.Name == "" {
		c.PlannerPersona = agent.Persona{
			Name:         "planner",
			SystemPrompt: "You are a planning assistant. You decompose tasks into concrete, ordered steps.",
			Model:        c.DefaultPersona.Model,
		}
	}
	return c
}

// Supervisor drives a single run. Create one per run; Run must be called
// exactly once.
type Supervisor struct {
	st       store.Store
	provider llm.Provider
	executor exec.CodeExecutor
	cfg      Config
	run      *models.Run
	rec      *capture.Recorder
	scanner  *capture.FileScanner
	graph    *dag.Graph
	sched    *scheduler.Scheduler

	mu       sync.Mutex
	state    lifecycle.State
	degraded bool

	hbStop   chan struct{}
	hbDone   chan struct{}
	done     chan struct{}
	finalMu  sync.Mutex
	final    lifecycle.State
	finalErr error
}

// New creates a supervisor for the given run. pub fans persisted events out
// to live subscribers; run.Status decides whether this is a fresh start or a
// rehydration.
func New(st store.Store, pub capture.Publisher, provider llm.Provider, executor exec.CodeExecutor, run *models.Run, cfg Config) *Supervisor {
	cfg = cfg.withDefaults()
	runCopy := *run
	return &Supervisor{
		st:       st,
		provider: provider,
		executor: executor,
		cfg:      cfg,
		run:      &runCopy,
		rec:      capture.NewRecorder(st, pub, run.ID, run.SessionID, capture.Options{}),
		scanner:  capture.NewFileScanner(filepath.Join(cfg.Workdir, run.ID), cfg.MaxEmbedFileSize, cfg.EmbedBytes),
		state:    lifecycle.State(run.Status),
		hbStop:   make(chan struct{}),
		hbDone:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RunID returns the supervised run's identifier.
func (s *Supervisor) RunID() string { return s.run.ID }

// Done closes when Run has returned.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Final returns the terminal state once Done is closed.
func (s *Supervisor) Final() (lifecycle.State, error) {
	s.finalMu.Lock()
	defer s.finalMu.Unlock()
	return s.final, s.finalErr
}

// State returns the supervisor's view of the run state.
func (s *Supervisor) State() lifecycle.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition implements scheduler.RunStateController: compare-and-set the
// persisted run state and record the change as an event.
func (s *Supervisor) Transition(ctx context.Context, to lifecycle.State, reason string) error {
	s.mu.Lock()
	from := s.state
	s.mu.Unlock()

	errMsg := ""
	if to == lifecycle.StateFailed {
		errMsg = reason
	}
	if err := s.st.UpdateRunState(ctx, s.run.ID, from, to, errMsg); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()

	if _, err := s.rec.Record(ctx, "", models.WorkflowStateChangedPayload{
		From: string(from), To: string(to), Reason: reason,
	}); err != nil {
		s.noteRecordErr(err)
	}
	slog.Info("Run state changed", "run_id", s.run.ID, "from", from, "to", to, "reason", reason)
	return nil
}

// Run executes the run to a terminal state. Blocking; registry callers run
// it in a goroutine and watch Done.
func (s *Supervisor) Run(ctx context.Context) (lifecycle.State, error) {
	state, err := s.runInner(ctx)
	s.finalMu.Lock()
	s.final, s.finalErr = state, err
	s.finalMu.Unlock()
	close(s.done)
	return state, err
}

func (s *Supervisor) runInner(ctx context.Context) (lifecycle.State, error) {
	var opts scheduler.Options
	switch s.State() {
	case lifecycle.StateDraft:
		if err := s.startFresh(ctx); err != nil {
			s.failStartup(ctx, err)
			return lifecycle.StateFailed, err
		}
		opts = s.schedOptions(lifecycle.StateExecuting, nil)
	default:
		pending, err := s.rehydrate(ctx)
		if err != nil {
			s.failStartup(ctx, err)
			return lifecycle.StateFailed, err
		}
		opts = s.schedOptions(s.State(), pending)
	}

	sched := scheduler.New(s.graph, s.st, s.rec, s, s, opts)
	s.mu.Lock()
	s.sched = sched
	s.mu.Unlock()
	if s.State() == lifecycle.StatePaused {
		sched.Pause()
	}

	go s.heartbeatLoop()
	defer func() {
		close(s.hbStop)
		<-s.hbDone
	}()

	return sched.Run(ctx)
}

// scheduler returns the live scheduler, or nil before startup finished.
func (s *Supervisor) scheduler() *scheduler.Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched
}

func (s *Supervisor) schedOptions(initial lifecycle.State, pending map[string]string) scheduler.Options {
	return scheduler.Options{
		Workers:          s.cfg.Workers,
		Grace:            s.cfg.Grace,
		Policies:         s.cfg.Policies,
		InitialState:     initial,
		PendingApprovals: pending,
	}
}

// startFresh records workflow_started, builds the mode's initial DAG and
// moves the run to executing.
func (s *Supervisor) startFresh(ctx context.Context) error {
	if _, err := s.rec.Record(ctx, "", models.WorkflowStartedPayload{
		Task: s.run.Task, Mode: string(s.run.Mode),
	}); err != nil {
		return fmt.Errorf("record workflow start: %w", err)
	}
	if err := s.Transition(ctx, lifecycle.StatePlanning, ""); err != nil {
		return err
	}

	g, err := s.initialGraph()
	if err != nil {
		return err
	}
	if err := s.persistGraph(ctx, g); err != nil {
		return err
	}
	s.graph = g
	return s.Transition(ctx, lifecycle.StateExecuting, "")
}

// rehydrate rebuilds the in-memory graph and open approval gates from the
// store after a restart. Nodes caught mid-flight are reset to pending so the
// scheduler re-runs them.
func (s *Supervisor) rehydrate(ctx context.Context) (map[string]string, error) {
	nodes, err := s.st.NodesForRun(ctx, s.run.ID)
	if err != nil {
		return nil, fmt.Errorf("rehydrate nodes: %w", err)
	}
	edges, err := s.st.EdgesForRun(ctx, s.run.ID)
	if err != nil {
		return nil, fmt.Errorf("rehydrate edges: %w", err)
	}

	if len(nodes) == 0 {
		// Crashed before the initial graph was persisted.
		g, err := s.initialGraph()
		if err != nil {
			return nil, err
		}
		if err := s.persistGraph(ctx, g); err != nil {
			return nil, err
		}
		s.graph = g
		if s.State() == lifecycle.StatePlanning {
			if err := s.Transition(ctx, lifecycle.StateExecuting, "recovered"); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	for _, n := range nodes {
		if n.Status == models.NodeRunning || n.Status == models.NodeRetrying {
			n.Status = models.NodePending
			if err := s.st.UpsertNode(ctx, n); err != nil {
				return nil, fmt.Errorf("reset node %s: %w", n.NodeID, err)
			}
		}
	}
	g, err := dag.FromPersisted(s.run.ID, nodes, edges)
	if err != nil {
		return nil, err
	}
	s.graph = g

	if s.State() == lifecycle.StatePlanning {
		if err := s.Transition(ctx, lifecycle.StateExecuting, "recovered"); err != nil {
			return nil, err
		}
	}
	return s.openApprovals(ctx)
}

// openApprovals scans the event log for approval_requested events that never
// received a decision.
func (s *Supervisor) openApprovals(ctx context.Context) (map[string]string, error) {
	evs, err := s.st.EventsForRun(ctx, s.run.ID, store.Filter{
		Types:           []models.EventType{models.EventApprovalRequested, models.EventApprovalReceived},
		IncludeInternal: true,
	})
	if err != nil {
		return nil, fmt.Errorf("rehydrate approvals: %w", err)
	}

	open := make(map[string]string)
	for _, ev := range evs {
		switch ev.Type {
		case models.EventApprovalRequested:
			var in struct {
				ApprovalID string `json:"approval_id"`
			}
			if json.Unmarshal(ev.Inputs, &in) == nil && in.ApprovalID != "" && ev.NodeID != nil {
				open[in.ApprovalID] = *ev.NodeID
			}
		case models.EventApprovalReceived:
			var out struct {
				ApprovalID string `json:"approval_id"`
			}
			if json.Unmarshal(ev.Outputs, &out) == nil {
				delete(open, out.ApprovalID)
			}
		}
	}
	if len(open) == 0 {
		return nil, nil
	}
	return open, nil
}

// failStartup lands a run that broke before the scheduler could own it.
func (s *Supervisor) failStartup(ctx context.Context, cause error) {
	slog.Error("Run startup failed", "run_id", s.run.ID, "error", cause)
	if err := s.Transition(ctx, lifecycle.StateFailed, cause.Error()); err != nil {
		slog.Error("Could not mark run failed", "run_id", s.run.ID, "error", err)
	}
}

// Pause stops dispatch at the next safe point.
func (s *Supervisor) Pause() {
	if sc := s.scheduler(); sc != nil {
		sc.Pause()
	}
}

// Resume lifts a pause.
func (s *Supervisor) Resume() {
	if sc := s.scheduler(); sc != nil {
		sc.Resume()
	}
}

// Cancel latches the run toward cancelled.
func (s *Supervisor) Cancel() {
	if sc := s.scheduler(); sc != nil {
		sc.Cancel()
	}
}

// RespondToApproval resolves a pending approval gate.
func (s *Supervisor) RespondToApproval(approvalID string, approved bool, feedback string) error {
	sc := s.scheduler()
	if sc == nil {
		return fmt.Errorf("run %s: %w", s.run.ID, scheduler.ErrUnknownApproval)
	}
	return sc.RespondToApproval(approvalID, approved, feedback)
}

// ResumableNodes lists play-from pivots: nodes that ran to completed or
// failed.
func (s *Supervisor) ResumableNodes() []*models.Node {
	sc := s.scheduler()
	if sc == nil {
		return nil
	}
	return sc.ResumableNodes()
}

// addCost aggregates a per-event cost delta into the run total and makes the
// new total visible as a cost_update event.
func (s *Supervisor) addCost(ctx context.Context, rec *capture.Recorder, delta float64) {
	if delta <= 0 {
		return
	}
	total, err := s.st.AddRunCost(ctx, s.run.ID, delta)
	if err != nil {
		slog.Warn("Cost aggregation failed", "run_id", s.run.ID, "delta_usd", delta, "error", err)
		s.noteRecordErr(err)
		return
	}
	if _, err := rec.Record(ctx, "", models.CostUpdatePayload{DeltaUSD: delta, TotalUSD: total}); err != nil {
		s.noteRecordErr(err)
	}
}

// noteRecordErr watches for the store going away. Once event persistence
// fails past the recorder's retry budget the run pauses instead of silently
// losing history; a degraded notice is attempted best-effort.
func (s *Supervisor) noteRecordErr(err error) {
	if err == nil || !errors.Is(err, store.ErrStoreUnavailable) {
		return
	}
	s.mu.Lock()
	first := !s.degraded
	s.degraded = true
	s.mu.Unlock()
	if !first {
		return
	}

	slog.Error("Event store unavailable, pausing run", "run_id", s.run.ID, "error", err)
	if s.sched != nil {
		s.sched.Pause()
	}
	if _, recErr := s.rec.Record(context.Background(), "", models.ErrorOccurredPayload{
		Class:   "store_unavailable",
		Message: "event persistence failing, run paused in degraded mode",
	}); recErr != nil {
		slog.Warn("Degraded-mode notice dropped", "run_id", s.run.ID, "error", recErr)
	}
}

// Degraded reports whether the run was paused by store unavailability.
func (s *Supervisor) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Supervisor) heartbeatLoop() {
	defer close(s.hbDone)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.st.TouchHeartbeat(ctx, s.run.ID, time.Now().UTC()); err != nil {
				slog.Warn("Heartbeat touch failed", "run_id", s.run.ID, "error", err)
			}
			if _, err := s.rec.Record(ctx, "", models.HeartbeatPayload{}); err != nil {
				s.noteRecordErr(err)
			}
			cancel()
		case <-s.hbStop:
			return
		}
	}
}
