// Package engine is the public facade over the workflow core: it owns the
// store, the broadcast hub and the supervisor registry, and exposes the
// operations the API layer calls.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/broadcast"
	"github.com/loomworks/loom/pkg/capture"
	"github.com/loomworks/loom/pkg/exec"
	"github.com/loomworks/loom/pkg/lifecycle"
	"github.com/loomworks/loom/pkg/llm"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/supervisor"
)

var (
	// ErrRunNotLive is returned for control operations on a run this process
	// is not currently driving.
	ErrRunNotLive = errors.New("run has no live supervisor")
	// ErrNotResumable is returned when the play-from pivot never ran to
	// completed or failed.
	ErrNotResumable = errors.New("node is not resumable")
	// ErrSessionBusy is returned when deleting a session that still has live
	// runs.
	ErrSessionBusy = errors.New("session has live runs")
)

// Config tunes the engine's supervisors and watchdog.
type Config struct {
	Supervisor supervisor.Config
	Registry   registry.Options
}

// hubPublisher adapts the hub's fire-and-forget publish to the recorder's
// Publisher contract.
type hubPublisher struct {
	hub *broadcast.Hub
}

func (p hubPublisher) Publish(ev *models.Event) error {
	p.hub.Publish(ev)
	return nil
}

// Engine wires store, hub and registry together. Create one per process.
type Engine struct {
	st  store.Store
	hub *broadcast.Hub
	reg *registry.Registry
	cfg Config
}

// New creates an engine. The provider and executor are shared by every
// supervisor the engine starts; per-run model overrides come from the run row.
func New(st store.Store, hub *broadcast.Hub, provider llm.Provider, executor exec.CodeExecutor, cfg Config) *Engine {
	if cfg.Registry.HeartbeatInterval <= 0 {
		cfg.Registry.HeartbeatInterval = cfg.Supervisor.HeartbeatInterval
	}
	pub := hubPublisher{hub: hub}
	factory := func(run *models.Run) *supervisor.Supervisor {
		scfg := cfg.Supervisor
		if run.Model != "" {
			scfg.DefaultPersona.Model = run.Model
		}
		return supervisor.New(st, pub, provider, executor, run, scfg)
	}
	return &Engine{
		st:  st,
		hub: hub,
		reg: registry.New(st, pub, factory, cfg.Registry),
		cfg: cfg,
	}
}

// Start rehydrates non-terminal runs left over from a previous process and
// arms the heartbeat watchdog.
func (e *Engine) Start(ctx context.Context) error {
	n, err := e.reg.Rehydrate(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate runs: %w", err)
	}
	if n > 0 {
		slog.Info("Rehydrated runs from previous process", "count", n)
	}
	e.reg.StartWatchdog()
	return nil
}

// Shutdown stops the watchdog and waits for live runs to land or the context
// to expire. Runs still live at the deadline rehydrate on the next startup.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.reg.Close()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for e.reg.LiveCount() > 0 {
		select {
		case <-ctx.Done():
			slog.Warn("Shutdown deadline reached with live runs", "live", e.reg.LiveCount())
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// LiveRunCount reports how many runs this process is currently driving.
func (e *Engine) LiveRunCount() int { return e.reg.LiveCount() }

// Ping reports store reachability.
func (e *Engine) Ping(ctx context.Context) error { return e.st.Ping(ctx) }

// --- Sessions ---

// CreateSession creates a named session.
func (e *Engine) CreateSession(ctx context.Context, name string) (*models.Session, error) {
	if name == "" {
		return nil, fmt.Errorf("session name is required")
	}
	now := time.Now().UTC()
	s := &models.Session{
		ID:           uuid.NewString(),
		Name:         name,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := e.st.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// GetSession fetches one session.
func (e *Engine) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return e.st.GetSession(ctx, id)
}

// ListSessions lists sessions.
func (e *Engine) ListSessions(ctx context.Context, f models.SessionFilters, page models.Page) (*models.SessionList, error) {
	return e.st.ListSessions(ctx, f, page)
}

// DeleteSession removes a session and everything it owns. Sessions with live
// runs are refused; cancel the runs first.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	if _, err := e.st.GetSession(ctx, id); err != nil {
		return err
	}
	list, err := e.st.ListRuns(ctx, id, models.RunFilters{}, models.Page{Limit: 500})
	if err != nil {
		return err
	}
	for _, run := range list.Runs {
		if _, live := e.reg.Get(run.ID); live {
			return fmt.Errorf("session %s: run %s: %w", id, run.ID, ErrSessionBusy)
		}
	}
	return e.st.DeleteSession(ctx, id)
}

// --- Runs ---

// StartRunRequest describes a new run.
type StartRunRequest struct {
	SessionID string          `json:"session_id"`
	Task      string          `json:"task"`
	Mode      models.RunMode  `json:"mode"`
	Agent     string          `json:"agent,omitempty"`
	Model     string          `json:"model,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
}

// StartRun creates a draft run and attaches a supervisor to it. The returned
// run is already executing in the background.
func (e *Engine) StartRun(ctx context.Context, req StartRunRequest) (*models.Run, error) {
	if req.Task == "" {
		return nil, fmt.Errorf("task is required")
	}
	if req.Mode == "" {
		req.Mode = models.ModeOneShot
	}
	if !models.ValidRunMode(req.Mode) {
		return nil, fmt.Errorf("unsupported run mode %q", req.Mode)
	}
	if _, err := e.st.GetSession(ctx, req.SessionID); err != nil {
		return nil, fmt.Errorf("session %s: %w", req.SessionID, err)
	}

	run := &models.Run{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		Task:      req.Task,
		Mode:      req.Mode,
		Agent:     req.Agent,
		Model:     req.Model,
		Status:    string(lifecycle.StateDraft),
		CreatedAt: time.Now().UTC(),
		Config:    req.Config,
	}
	if err := e.st.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if _, err := e.reg.Start(run); err != nil {
		return nil, err
	}
	slog.Info("Run started", "run_id", run.ID, "session_id", run.SessionID, "mode", run.Mode)
	return run, nil
}

// GetRun fetches one run.
func (e *Engine) GetRun(ctx context.Context, id string) (*models.Run, error) {
	return e.st.GetRun(ctx, id)
}

// ListRuns lists a session's runs.
func (e *Engine) ListRuns(ctx context.Context, sessionID string, f models.RunFilters, page models.Page) (*models.RunList, error) {
	return e.st.ListRuns(ctx, sessionID, f, page)
}

// PauseRun stops dispatch for a live run at the next safe point.
func (e *Engine) PauseRun(runID string) error {
	sup, ok := e.reg.Get(runID)
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotLive)
	}
	sup.Pause()
	return nil
}

// ResumeRun lifts a pause on a live run.
func (e *Engine) ResumeRun(runID string) error {
	sup, ok := e.reg.Get(runID)
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotLive)
	}
	sup.Resume()
	return nil
}

// CancelRun latches a live run toward cancelled.
func (e *Engine) CancelRun(runID string) error {
	sup, ok := e.reg.Get(runID)
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotLive)
	}
	sup.Cancel()
	return nil
}

// RespondToApproval resolves a pending approval gate on a live run.
func (e *Engine) RespondToApproval(runID, approvalID string, approved bool, feedback string) error {
	sup, ok := e.reg.Get(runID)
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotLive)
	}
	return sup.RespondToApproval(approvalID, approved, feedback)
}

// ListResumableNodes lists the run's play-from pivots: nodes that ran to
// completed or failed.
func (e *Engine) ListResumableNodes(ctx context.Context, runID string) ([]*models.Node, error) {
	if _, err := e.st.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	nodes, err := e.st.NodesForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	var out []*models.Node
	for _, n := range nodes {
		if n.Status == models.NodeCompleted || n.Status == models.NodeFailed {
			out = append(out, n)
		}
	}
	return out, nil
}

// --- History ---

// History returns a run's event log under the given filter. The zero filter
// is the default view with internal bookkeeping events hidden.
func (e *Engine) History(ctx context.Context, runID string, f store.Filter) ([]*models.Event, error) {
	if _, err := e.st.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.st.EventsForRun(ctx, runID, f)
}

// NodeHistory returns one node's events within a run.
func (e *Engine) NodeHistory(ctx context.Context, runID, nodeID string, f store.Filter) ([]*models.Event, error) {
	if _, err := e.st.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.st.EventsForNode(ctx, runID, nodeID, f)
}

// Files returns the file artifacts captured during a run.
func (e *Engine) Files(ctx context.Context, runID string) ([]*models.FileArtifact, error) {
	if _, err := e.st.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.st.FilesForRun(ctx, runID)
}

// Branches lists the runs forked off the given run.
func (e *Engine) Branches(ctx context.Context, runID string) ([]*models.Branch, error) {
	if _, err := e.st.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.st.ListBranches(ctx, runID)
}

// Subscribe attaches a live event subscription for a run. A non-nil since
// replays history after that execution order first; nil starts live-only.
func (e *Engine) Subscribe(ctx context.Context, runID string, since *int64) (*broadcast.Subscription, error) {
	if _, err := e.st.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.hub.Subscribe(ctx, runID, since)
}

// Unsubscribe detaches a subscription. Idempotent.
func (e *Engine) Unsubscribe(s *broadcast.Subscription) { e.hub.Unsubscribe(s) }

// --- Play-from-node ---

// PlayFromNode forks a run at a pivot node: a new run copies the source's
// event history up to and including the pivot's last event, inherits the DAG
// with everything downstream of the pivot reset to pending, and resumes
// execution from there. The source run is never modified. A completed pivot
// keeps its result and only its descendants re-run; a failed pivot re-runs
// itself. With createBranch the fork is recorded as a named branch.
func (e *Engine) PlayFromNode(ctx context.Context, runID, nodeID string, createBranch bool, hypothesis string) (*models.Run, error) {
	src, err := e.st.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if _, live := e.reg.Get(runID); live {
		return nil, fmt.Errorf("run %s is still live: %w", runID, registry.ErrRunActive)
	}

	nodes, err := e.st.NodesForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	edges, err := e.st.EdgesForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	var pivot *models.Node
	for _, n := range nodes {
		if n.NodeID == nodeID {
			pivot = n
			break
		}
	}
	if pivot == nil {
		return nil, fmt.Errorf("node %s in run %s: %w", nodeID, runID, store.ErrNotFound)
	}
	if pivot.Status != models.NodeCompleted && pivot.Status != models.NodeFailed {
		return nil, fmt.Errorf("node %s is %s: %w", nodeID, pivot.Status, ErrNotResumable)
	}

	pivotEvents, err := e.st.EventsForNode(ctx, runID, nodeID, store.Filter{IncludeInternal: true})
	if err != nil {
		return nil, err
	}
	var upTo int64
	for _, ev := range pivotEvents {
		if ev.ExecutionOrder > upTo {
			upTo = ev.ExecutionOrder
		}
	}

	now := time.Now().UTC()
	derived := &models.Run{
		ID:          uuid.NewString(),
		SessionID:   src.SessionID,
		Task:        src.Task,
		Mode:        src.Mode,
		Agent:       src.Agent,
		Model:       src.Model,
		Status:      string(lifecycle.StateExecuting),
		CreatedAt:   now,
		StartedAt:   &now,
		Config:      src.Config,
		ParentRunID: &src.ID,
	}

	var branch *models.Branch
	if createBranch {
		branch = &models.Branch{
			ID:             uuid.NewString(),
			RunID:          derived.ID,
			ParentRunID:    src.ID,
			ParentBranchID: src.BranchID,
			ForkNodeID:     nodeID,
			Hypothesis:     hypothesis,
			Name:           fmt.Sprintf("fork at %s", nodeID),
			CreatedAt:      now,
			Status:         "active",
		}
		derived.BranchID = &branch.ID
	}

	if err := e.st.CreateRun(ctx, derived); err != nil {
		return nil, err
	}
	if branch != nil {
		if err := e.st.CreateBranch(ctx, branch); err != nil {
			return nil, err
		}
	}
	if _, err := e.st.CopyEvents(ctx, derived.ID, src.ID, upTo); err != nil {
		return nil, fmt.Errorf("copy events: %w", err)
	}
	if err := e.copyTopology(ctx, derived.ID, pivot, nodes, edges); err != nil {
		return nil, err
	}

	if _, err := e.reg.Start(derived); err != nil {
		return nil, err
	}
	slog.Info("Run forked", "run_id", derived.ID, "parent_run_id", src.ID, "fork_node", nodeID, "branch", createBranch)
	return derived, nil
}

// copyTopology clones the source DAG into the derived run, resetting the
// pivot's downstream (and a failed pivot itself) to pending.
func (e *Engine) copyTopology(ctx context.Context, dstRunID string, pivot *models.Node, nodes []*models.Node, edges []models.Edge) error {
	reset := descendantSet(pivot.NodeID, edges)
	if pivot.Status == models.NodeFailed {
		reset[pivot.NodeID] = true
	}

	for _, n := range nodes {
		clone := *n
		clone.RunID = dstRunID
		if reset[clone.NodeID] {
			clone.Status = models.NodePending
			clone.Summary = ""
			clone.Error = ""
			clone.StartedAt = nil
			clone.CompletedAt = nil
			clone.Retry = models.RetryMeta{}
			clone.Payload = nil
		}
		if err := e.st.UpsertNode(ctx, &clone); err != nil {
			return fmt.Errorf("copy node %s: %w", clone.NodeID, err)
		}
	}
	for _, edge := range edges {
		edge.RunID = dstRunID
		if err := e.st.UpsertEdge(ctx, edge); err != nil {
			return fmt.Errorf("copy edge %s->%s: %w", edge.SourceNodeID, edge.TargetNodeID, err)
		}
	}
	return nil
}

// descendantSet returns every node reachable from start, excluding start.
func descendantSet(start string, edges []models.Edge) map[string]bool {
	adj := make(map[string][]string, len(edges))
	for _, e := range edges {
		adj[e.SourceNodeID] = append(adj[e.SourceNodeID], e.TargetNodeID)
	}
	seen := make(map[string]bool)
	stack := append([]string(nil), adj[start]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, adj[n]...)
	}
	return seen
}

var _ capture.Publisher = hubPublisher{}
