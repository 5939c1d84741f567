// Package scheduler drives one run's DAG to a terminal state. A single
// coordinator goroutine owns all node status transitions; workers only
// execute node bodies and report outcomes back over a channel. Pause is
// cooperative, cancel is a one-way latch with a bounded grace period, and
// approval gates suspend a node without holding a worker slot.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/capture"
	"github.com/loomworks/loom/pkg/dag"
	"github.com/loomworks/loom/pkg/lifecycle"
	"github.com/loomworks/loom/pkg/models"
)

// ErrUnknownApproval is returned for decisions on approval IDs the run never
// issued, or already resolved.
var ErrUnknownApproval = errors.New("unknown approval id")

// NodeResult is what a worker produced for one node execution.
type NodeResult struct {
	Summary string
	Payload json.RawMessage
}

// NodeRunner executes the body of one node. The recorder is the node's
// capture scope; everything recorded through it nests under the node's
// node_started event. Implementations must honor ctx cancellation.
type NodeRunner interface {
	RunNode(ctx context.Context, node *models.Node, rec *capture.Recorder) (*NodeResult, error)
}

// RunStateController applies run-level lifecycle transitions. The supervisor
// implements it on top of the store's compare-and-set update.
type RunStateController interface {
	Transition(ctx context.Context, to lifecycle.State, reason string) error
}

// NodePersister is the slice of the store the scheduler writes node status
// changes through.
type NodePersister interface {
	UpsertNode(ctx context.Context, n *models.Node) error
}

// Options tunes one scheduler instance.
type Options struct {
	// Workers bounds concurrent node executions. Values below 1 default to 2.
	Workers int
	// Grace bounds how long cancellation waits for in-flight workers.
	Grace time.Duration
	// Policies maps node types to retry policies; missing types never retry.
	Policies map[models.NodeType]RetryPolicy
	// Classifier buckets node failures; nil uses DefaultClassifier.
	Classifier Classifier
	// InitialState is the run state the scheduler starts from, for
	// rehydrated runs. Zero value means executing.
	InitialState lifecycle.State
	// PendingApprovals restores open approval gates on rehydrate,
	// keyed approval_id -> node_id.
	PendingApprovals map[string]string
}

func (o Options) withDefaults() Options {
	if o.Workers < 1 {
		o.Workers = 2
	}
	if o.Grace <= 0 {
		o.Grace = 5 * time.Second
	}
	if o.Policies == nil {
		o.Policies = DefaultPolicies()
	}
	if o.Classifier == nil {
		o.Classifier = DefaultClassifier
	}
	if o.InitialState == "" {
		o.InitialState = lifecycle.StateExecuting
	}
	return o
}

type nodeOutcome struct {
	nodeID string
	result *NodeResult
	err    error
}

type approvalDecision struct {
	approvalID string
	approved   bool
	feedback   string
	reply      chan error
}

// Scheduler coordinates one run. Run must be called exactly once; the signal
// methods (Pause, Resume, Cancel, RespondToApproval) are safe from any
// goroutine for the lifetime of Run.
type Scheduler struct {
	graph  *dag.Graph
	nodes  NodePersister
	rec    *capture.Recorder
	runner NodeRunner
	ctrl   RunStateController
	opts   Options

	doneCh     chan nodeOutcome
	retryCh    chan string
	approvalCh chan approvalDecision
	wakeCh     chan struct{}
	cancelCh   chan struct{}
	cancelOnce sync.Once
	stoppedCh  chan struct{}

	mu     sync.Mutex
	paused bool
	timers []*time.Timer

	// coordinator-only state, no lock needed
	inflight      int
	runState      lifecycle.State
	failedReason  string
	cancels       map[string]context.CancelFunc
	scopes        map[string]*capture.Recorder
	pendingAppr   map[string]string // approval_id -> node_id
	adaptiveTried map[string]bool
}

// New creates a scheduler over an already built graph. rec is the run's
// recorder; each node gets its own scope from it.
func New(graph *dag.Graph, nodes NodePersister, rec *capture.Recorder, runner NodeRunner, ctrl RunStateController, opts Options) *Scheduler {
	opts = opts.withDefaults()
	pendingAppr := make(map[string]string)
	for id, nodeID := range opts.PendingApprovals {
		pendingAppr[id] = nodeID
	}
	return &Scheduler{
		graph:         graph,
		nodes:         nodes,
		rec:           rec,
		runner:        runner,
		ctrl:          ctrl,
		opts:          opts,
		doneCh:        make(chan nodeOutcome, opts.Workers),
		retryCh:       make(chan string, 16),
		approvalCh:    make(chan approvalDecision),
		wakeCh:        make(chan struct{}, 1),
		cancelCh:      make(chan struct{}),
		stoppedCh:     make(chan struct{}),
		runState:      opts.InitialState,
		cancels:       make(map[string]context.CancelFunc),
		scopes:        make(map[string]*capture.Recorder),
		pendingAppr:   pendingAppr,
		adaptiveTried: make(map[string]bool),
	}
}

// Pause stops dispatching new nodes at the next safe point. In-flight
// workers are allowed to finish; their outcomes are recorded.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.wake()
}

// Resume lifts a pause and replays the dispatch loop.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.wake()
}

// Cancel requests cancellation. It is a one-way latch: the run will reach
// cancelled after in-flight workers stop or the grace period elapses.
// Non-blocking for the caller.
func (s *Scheduler) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// RespondToApproval resolves a pending approval gate. Blocks until the
// coordinator has applied the decision.
func (s *Scheduler) RespondToApproval(approvalID string, approved bool, feedback string) error {
	d := approvalDecision{approvalID: approvalID, approved: approved, feedback: feedback, reply: make(chan error, 1)}
	select {
	case s.approvalCh <- d:
		return <-d.reply
	case <-s.stoppedCh:
		return fmt.Errorf("%w: %s (run finished)", ErrUnknownApproval, approvalID)
	}
}

// ResumableNodes returns the nodes eligible as play-from pivots: those that
// actually ran to a result, completed or failed.
func (s *Scheduler) ResumableNodes() []*models.Node {
	var out []*models.Node
	for _, n := range s.graph.Nodes() {
		if n.Status == models.NodeCompleted || n.Status == models.NodeFailed {
			out = append(out, n)
		}
	}
	return out
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) cancelRequested() bool {
	select {
	case <-s.cancelCh:
		return true
	default:
		return false
	}
}

// Run drives the graph to a terminal run state and returns it. The caller
// must have transitioned the run to executing beforehand.
func (s *Scheduler) Run(ctx context.Context) (lifecycle.State, error) {
	defer close(s.stoppedCh)
	defer s.stopTimers()

	for {
		if s.cancelRequested() {
			return s.finishCancelled(ctx)
		}
		// Announce before dispatching so a resume is visible as a state
		// change before the next node_started.
		s.announceStates(ctx)
		if !s.isPaused() {
			if s.failedReason == "" {
				s.dispatchReady(ctx)
			}
			if s.inflight == 0 && len(s.pendingAppr) == 0 && (s.graph.AllTerminal() || s.failedReason != "") {
				return s.finish(ctx)
			}
		}

		select {
		case out := <-s.doneCh:
			s.handleOutcome(ctx, out)
		case nodeID := <-s.retryCh:
			s.graph.SetStatus(nodeID, models.NodePending)
			s.persistNode(ctx, nodeID)
		case d := <-s.approvalCh:
			d.reply <- s.handleApproval(ctx, d)
		case <-s.wakeCh:
		case <-s.cancelCh:
		case <-ctx.Done():
			s.Cancel()
		}
	}
}

// announceStates keeps the run-level state in step with what the scheduler
// is actually doing: executing, paused, or waiting on an approval.
func (s *Scheduler) announceStates(ctx context.Context) {
	paused := s.isPaused()
	switch {
	case paused && s.runState == lifecycle.StateExecuting && s.inflight == 0:
		s.transition(ctx, lifecycle.StatePaused, "pause requested")
	case !paused && s.runState == lifecycle.StatePaused:
		s.transition(ctx, lifecycle.StateExecuting, "resumed")
	case !paused && s.runState == lifecycle.StateExecuting && len(s.pendingAppr) > 0 && s.inflight == 0:
		s.transition(ctx, lifecycle.StateWaitingApproval, "awaiting approval")
	case s.runState == lifecycle.StateWaitingApproval && len(s.pendingAppr) == 0:
		s.transition(ctx, lifecycle.StateExecuting, "approval resolved")
	}
}

func (s *Scheduler) transition(ctx context.Context, to lifecycle.State, reason string) {
	if err := s.ctrl.Transition(ctx, to, reason); err != nil {
		slog.Error("Run state transition failed",
			"run_id", s.graph.RunID(), "from", s.runState, "to", to, "error", err)
		return
	}
	s.runState = to
}

// dispatchReady starts ready nodes until the worker budget is spent.
// Structural nodes (approval gates, parallel markers, terminators) are
// handled inline and never consume a worker slot.
func (s *Scheduler) dispatchReady(ctx context.Context) {
	for {
		progressed := false
		for _, nodeID := range s.graph.ReadySet() {
			node := s.graph.Node(nodeID)
			switch node.Type {
			case models.NodeApproval:
				s.openApprovalGate(ctx, node)
				progressed = true
			case models.NodeParallel, models.NodeTerminator:
				s.completeStructural(ctx, node)
				progressed = true
			default:
				if s.inflight >= s.opts.Workers {
					continue
				}
				s.startWorker(ctx, node)
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// scopeFor returns the node's capture scope, opening its node_started event
// on first use. The scope stays open across retries so attempt history
// nests under a single node_started.
func (s *Scheduler) scopeFor(ctx context.Context, node *models.Node) *capture.Recorder {
	if sc, ok := s.scopes[node.NodeID]; ok {
		return sc
	}
	sc := s.rec.Scope()
	s.scopes[node.NodeID] = sc
	if _, err := sc.Begin(ctx, node.NodeID, models.NodeLifecyclePayload{
		Phase:     models.PhaseStart,
		NodeLabel: node.Label,
		Status:    string(models.NodeRunning),
	}); err != nil {
		slog.Error("Node start event dropped", "run_id", s.graph.RunID(), "node_id", node.NodeID, "error", err)
	}
	return sc
}

func (s *Scheduler) startWorker(ctx context.Context, node *models.Node) {
	s.graph.Update(node.NodeID, func(n *models.Node) {
		n.Status = models.NodeRunning
		if n.StartedAt == nil {
			now := time.Now().UTC()
			n.StartedAt = &now
		}
	})
	s.persistNode(ctx, node.NodeID)
	scope := s.scopeFor(ctx, node)

	nctx, cancel := context.WithCancel(ctx)
	s.cancels[node.NodeID] = cancel
	s.inflight++

	snapshot := s.graph.Node(node.NodeID)
	go func() {
		result, err := s.runner.RunNode(nctx, snapshot, scope)
		s.doneCh <- nodeOutcome{nodeID: snapshot.NodeID, result: result, err: err}
	}()
}

// completeStructural finishes nodes that carry no work of their own.
func (s *Scheduler) completeStructural(ctx context.Context, node *models.Node) {
	scope := s.scopeFor(ctx, node)
	s.markTerminal(ctx, node.NodeID, models.NodeCompleted, "")
	s.closeScope(ctx, scope, node.NodeID, models.NodeCompleted, "")
}

// openApprovalGate suspends a node awaiting a human decision. No worker
// slot is held while waiting.
func (s *Scheduler) openApprovalGate(ctx context.Context, node *models.Node) {
	approvalID := uuid.New().String()
	s.graph.SetStatus(node.NodeID, models.NodeWaitingApproval)
	s.persistNode(ctx, node.NodeID)

	scope := s.scopeFor(ctx, node)
	description := node.Description
	if description == "" {
		description = node.Goal
	}
	if _, err := scope.Record(ctx, node.NodeID, models.ApprovalRequestedPayload{
		ApprovalID:  approvalID,
		Description: description,
		Options:     []string{"approve", "reject"},
	}); err != nil {
		slog.Error("Approval request event dropped", "run_id", s.graph.RunID(), "node_id", node.NodeID, "error", err)
	}
	s.pendingAppr[approvalID] = node.NodeID
	slog.Info("Approval requested", "run_id", s.graph.RunID(), "node_id", node.NodeID, "approval_id", approvalID)
	s.wake()
}

func (s *Scheduler) handleApproval(ctx context.Context, d approvalDecision) error {
	nodeID, ok := s.pendingAppr[d.approvalID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownApproval, d.approvalID)
	}
	delete(s.pendingAppr, d.approvalID)

	// Gates restored on rehydrate have no open scope; decisions on them
	// record unnested.
	scope := s.scopes[nodeID]
	if scope == nil {
		scope = s.rec.Scope()
		s.scopes[nodeID] = scope
	}
	if _, err := scope.Record(ctx, nodeID, models.ApprovalReceivedPayload{
		ApprovalID: d.approvalID,
		Approved:   d.approved,
		Feedback:   d.feedback,
	}); err != nil {
		slog.Error("Approval decision event dropped", "run_id", s.graph.RunID(), "node_id", nodeID, "error", err)
	}

	if d.approved {
		s.graph.Update(nodeID, func(n *models.Node) {
			n.Summary = d.feedback
		})
		s.markTerminal(ctx, nodeID, models.NodeCompleted, "")
		s.closeScope(ctx, scope, nodeID, models.NodeCompleted, "")
		return nil
	}
	err := ErrUserRejected
	if d.feedback != "" {
		err = fmt.Errorf("%w: %s", ErrUserRejected, d.feedback)
	}
	s.failNode(ctx, nodeID, err, ClassUserRejected)
	return nil
}

func (s *Scheduler) handleOutcome(ctx context.Context, out nodeOutcome) {
	s.inflight--
	if cancel, ok := s.cancels[out.nodeID]; ok {
		cancel()
		delete(s.cancels, out.nodeID)
	}

	if out.err == nil {
		s.completeNode(ctx, out)
		return
	}
	s.handleFailure(ctx, out.nodeID, out.err)
}

func (s *Scheduler) completeNode(ctx context.Context, out nodeOutcome) {
	node := s.graph.Node(out.nodeID)
	scope := s.scopes[out.nodeID]
	if node.Retry.Attempt > 0 {
		s.recordRetry(ctx, scope, out.nodeID, models.NodeRetryPayload{
			Marker:      models.SubtypeRetrySucceeded,
			Attempt:     node.Retry.Attempt + 1,
			MaxAttempts: node.Retry.MaxAttempts,
		})
	}
	s.graph.Update(out.nodeID, func(n *models.Node) {
		if out.result != nil {
			n.Summary = out.result.Summary
			n.Payload = out.result.Payload
		}
		n.Error = ""
	})
	s.markTerminal(ctx, out.nodeID, models.NodeCompleted, "")
	s.closeScope(ctx, scope, out.nodeID, models.NodeCompleted, "")
}

func (s *Scheduler) handleFailure(ctx context.Context, nodeID string, nodeErr error) {
	// A worker unwound by the cancel latch is not a failure of the node's
	// logic: record the terminal status and let the latch own the run state.
	if errors.Is(nodeErr, context.Canceled) {
		s.markTerminal(ctx, nodeID, models.NodeFailed, nodeErr.Error())
		s.closeScope(ctx, s.scopes[nodeID], nodeID, models.NodeFailed, nodeErr.Error())
		return
	}

	class := s.opts.Classifier(nodeErr)
	node := s.graph.Node(nodeID)
	policy := s.opts.Policies[node.Type]
	scope := s.scopes[nodeID]

	if class.Retryable() && policy.MaxAttempts > 1 {
		failures := node.Retry.Attempt + 1
		if failures < policy.MaxAttempts {
			s.scheduleRetry(ctx, nodeID, nodeErr, class, policy, failures)
			return
		}
		s.recordRetry(ctx, scope, nodeID, models.NodeRetryPayload{
			Marker:      models.SubtypeRetryExhausted,
			Attempt:     failures,
			MaxAttempts: policy.MaxAttempts,
			ErrorClass:  string(class),
			Error:       nodeErr.Error(),
		})
		s.failNode(ctx, nodeID, nodeErr, class)
		return
	}

	if class == ClassLogic && !s.adaptiveTried[nodeID] {
		s.adaptiveTried[nodeID] = true
		s.recordRetry(ctx, scope, nodeID, models.NodeRetryPayload{
			Marker:      models.SubtypeRetryStarted,
			Attempt:     node.Retry.Attempt + 1,
			MaxAttempts: node.Retry.Attempt + 2,
			ErrorClass:  string(class),
			Error:       nodeErr.Error(),
		})
		// The error lands on the node so the runner can augment the prompt.
		s.graph.Update(nodeID, func(n *models.Node) {
			n.Status = models.NodePending
			n.Error = nodeErr.Error()
			n.Retry.Attempt++
		})
		s.persistNode(ctx, nodeID)
		s.wake()
		return
	}

	s.failNode(ctx, nodeID, nodeErr, class)
}

func (s *Scheduler) scheduleRetry(ctx context.Context, nodeID string, nodeErr error, class ErrorClass, policy RetryPolicy, failures int) {
	scope := s.scopes[nodeID]
	s.graph.Update(nodeID, func(n *models.Node) {
		n.Status = models.NodeRetrying
		n.Error = nodeErr.Error()
		n.Retry.Attempt = failures
		n.Retry.MaxAttempts = policy.MaxAttempts
	})
	s.persistNode(ctx, nodeID)

	delay := policy.Delay(failures)
	s.recordRetry(ctx, scope, nodeID, models.NodeRetryPayload{
		Marker:      models.SubtypeRetryStarted,
		Attempt:     failures,
		MaxAttempts: policy.MaxAttempts,
		ErrorClass:  string(class),
		Error:       nodeErr.Error(),
	})
	s.recordRetry(ctx, scope, nodeID, models.NodeRetryPayload{
		Marker:      models.SubtypeRetryBackoff,
		Attempt:     failures,
		MaxAttempts: policy.MaxAttempts,
		DelayMS:     delay.Milliseconds(),
	})
	slog.Info("Node retry scheduled",
		"run_id", s.graph.RunID(), "node_id", nodeID, "attempt", failures,
		"max_attempts", policy.MaxAttempts, "delay", delay, "class", class)

	t := time.AfterFunc(delay, func() {
		select {
		case s.retryCh <- nodeID:
		case <-s.stoppedCh:
		}
	})
	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()
}

// failNode marks a node failed and latches the run toward failed. Fatal
// classes additionally surface a structured error_occurred event.
func (s *Scheduler) failNode(ctx context.Context, nodeID string, nodeErr error, class ErrorClass) {
	scope := s.scopes[nodeID]
	if class == ClassFatal {
		if _, err := scope.Record(ctx, nodeID, models.ErrorOccurredPayload{
			Class:   string(class),
			Message: nodeErr.Error(),
		}); err != nil {
			slog.Error("Error event dropped", "run_id", s.graph.RunID(), "node_id", nodeID, "error", err)
		}
	}
	s.graph.Update(nodeID, func(n *models.Node) {
		n.Error = nodeErr.Error()
	})
	s.markTerminal(ctx, nodeID, models.NodeFailed, nodeErr.Error())
	s.closeScope(ctx, scope, nodeID, models.NodeFailed, nodeErr.Error())
	s.skipDescendants(ctx, nodeID)

	if s.failedReason == "" {
		s.failedReason = fmt.Sprintf("node %s failed: %v", nodeID, nodeErr)
	}
	slog.Warn("Node failed",
		"run_id", s.graph.RunID(), "node_id", nodeID, "class", class, "error", nodeErr)
}

func (s *Scheduler) skipDescendants(ctx context.Context, nodeID string) {
	for _, desc := range s.graph.Descendants(nodeID) {
		n := s.graph.Node(desc)
		if n == nil || models.TerminalNodeStatus(n.Status) {
			continue
		}
		s.markTerminal(ctx, desc, models.NodeSkipped, "")
	}
}

// markTerminal applies a terminal node status and persists it.
func (s *Scheduler) markTerminal(ctx context.Context, nodeID string, status models.NodeStatus, errMsg string) {
	s.graph.Update(nodeID, func(n *models.Node) {
		n.Status = status
		now := time.Now().UTC()
		n.CompletedAt = &now
		if errMsg != "" {
			n.Error = errMsg
		}
	})
	s.persistNode(ctx, nodeID)
}

// closeScope ends the node's node_started pair with its terminal status.
func (s *Scheduler) closeScope(ctx context.Context, scope *capture.Recorder, nodeID string, status models.NodeStatus, errMsg string) {
	if scope == nil {
		return
	}
	node := s.graph.Node(nodeID)
	if _, err := scope.End(ctx, nodeID, models.NodeLifecyclePayload{
		Phase:     models.PhaseComplete,
		NodeLabel: node.Label,
		Status:    string(status),
		Error:     errMsg,
	}, string(status)); err != nil {
		slog.Error("Node completion event dropped", "run_id", s.graph.RunID(), "node_id", nodeID, "error", err)
	}
}

func (s *Scheduler) recordRetry(ctx context.Context, scope *capture.Recorder, nodeID string, p models.NodeRetryPayload) {
	if scope == nil {
		scope = s.rec
	}
	if _, err := scope.Record(ctx, nodeID, p); err != nil {
		slog.Error("Retry event dropped", "run_id", s.graph.RunID(), "node_id", nodeID, "error", err)
	}
}

func (s *Scheduler) persistNode(ctx context.Context, nodeID string) {
	n := s.graph.Node(nodeID)
	if n == nil {
		return
	}
	if err := s.nodes.UpsertNode(ctx, n); err != nil {
		slog.Warn("Node persist failed", "run_id", s.graph.RunID(), "node_id", nodeID, "error", err)
	}
}

// finish resolves the run once no work remains: failed if any node
// fatal-failed, completed otherwise.
func (s *Scheduler) finish(ctx context.Context) (lifecycle.State, error) {
	if s.failedReason != "" {
		for _, id := range s.graph.NonTerminal() {
			s.markTerminal(ctx, id, models.NodeSkipped, "")
		}
		s.transition(ctx, lifecycle.StateFailed, s.failedReason)
		return lifecycle.StateFailed, nil
	}
	s.transition(ctx, lifecycle.StateCompleted, "")
	return lifecycle.StateCompleted, nil
}

// finishCancelled aborts in-flight workers, records whatever outcomes arrive
// within the grace period, skips the rest, and lands the run on cancelled.
// Bookkeeping runs on a detached context so a dead caller context cannot
// block the final persists.
func (s *Scheduler) finishCancelled(ctx context.Context) (lifecycle.State, error) {
	fctx, cancel := context.WithTimeout(context.Background(), s.opts.Grace+5*time.Second)
	defer cancel()

	for _, abort := range s.cancels {
		abort()
	}
	deadline := time.NewTimer(s.opts.Grace)
	defer deadline.Stop()
	for s.inflight > 0 {
		select {
		case out := <-s.doneCh:
			s.handleOutcome(fctx, out)
		case <-deadline.C:
			slog.Warn("Grace period elapsed with workers in flight",
				"run_id", s.graph.RunID(), "in_flight", s.inflight)
			s.inflight = 0
		}
	}

	for _, id := range s.graph.NonTerminal() {
		s.markTerminal(fctx, id, models.NodeSkipped, "")
	}
	s.transition(fctx, lifecycle.StateCancelled, "cancel requested")
	return lifecycle.StateCancelled, nil
}

func (s *Scheduler) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}
