package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/capture"
	"github.com/loomworks/loom/pkg/dag"
	"github.com/loomworks/loom/pkg/lifecycle"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
)

type nopPublisher struct{}

func (nopPublisher) Publish(*models.Event) error { return nil }

// runController mirrors what the supervisor does: compare-and-set the run
// state and record the transition as an event.
type runController struct {
	st    *store.Memory
	rec   *capture.Recorder
	runID string

	mu    sync.Mutex
	state lifecycle.State
}

func (c *runController) Transition(ctx context.Context, to lifecycle.State, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.st.UpdateRunState(ctx, c.runID, c.state, to, reason); err != nil {
		return err
	}
	from := c.state
	c.state = to
	_, err := c.rec.Record(ctx, "", models.WorkflowStateChangedPayload{
		From: string(from), To: string(to), Reason: reason,
	})
	return err
}

type fixture struct {
	st    *store.Memory
	rec   *capture.Recorder
	ctrl  *runController
	runID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	sessionID := uuid.NewString()
	runID := uuid.NewString()
	require.NoError(t, st.CreateSession(ctx, &models.Session{ID: sessionID, Name: "sched-test", CreatedAt: time.Now().UTC()}))
	require.NoError(t, st.CreateRun(ctx, &models.Run{
		ID: runID, SessionID: sessionID, Task: "task", Mode: models.ModeOneShot,
		Status: string(lifecycle.StateDraft), CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.UpdateRunState(ctx, runID, lifecycle.StateDraft, lifecycle.StatePlanning, ""))
	require.NoError(t, st.UpdateRunState(ctx, runID, lifecycle.StatePlanning, lifecycle.StateExecuting, ""))

	rec := capture.NewRecorder(st, nopPublisher{}, runID, sessionID, capture.Options{})
	return &fixture{
		st:    st,
		rec:   rec,
		ctrl:  &runController{st: st, rec: rec, runID: runID, state: lifecycle.StateExecuting},
		runID: runID,
	}
}

func (f *fixture) events(t *testing.T) []*models.Event {
	t.Helper()
	evs, err := f.st.EventsForRun(context.Background(), f.runID, store.Filter{IncludeInternal: true})
	require.NoError(t, err)
	return evs
}

func (f *fixture) nodes(t *testing.T) map[string]*models.Node {
	t.Helper()
	nodes, err := f.st.NodesForRun(context.Background(), f.runID)
	require.NoError(t, err)
	byID := make(map[string]*models.Node, len(nodes))
	for _, n := range nodes {
		byID[n.NodeID] = n
	}
	return byID
}

func (f *fixture) runStatus(t *testing.T) string {
	t.Helper()
	r, err := f.st.GetRun(context.Background(), f.runID)
	require.NoError(t, err)
	return r.Status
}

func tags(evs []*models.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = string(ev.Type)
		if ev.Subtype != models.SubtypeNone {
			out[i] += "/" + string(ev.Subtype)
		}
	}
	return out
}

func ofType(evs []*models.Event, typ models.EventType) []*models.Event {
	var out []*models.Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func metaField(t *testing.T, ev *models.Event, key string) any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(ev.Meta, &m))
	return m[key]
}

func inputField(t *testing.T, ev *models.Event, key string) any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(ev.Inputs, &m))
	return m[key]
}

func agentNode(runID, id string) *models.Node {
	return &models.Node{NodeID: id, RunID: runID, Label: id, Type: models.NodeAgent, Status: models.NodePending}
}

func buildChain(t *testing.T, runID string, ids ...string) *dag.Graph {
	t.Helper()
	g := dag.New(runID)
	for _, id := range ids {
		g.AddNode(agentNode(runID, id))
	}
	for i := 1; i < len(ids); i++ {
		require.NoError(t, g.AddEdge(ids[i-1], ids[i]))
	}
	return g
}

// scriptedRunner fails each node according to its script: entry i is the
// error for attempt i, nil meaning success. Attempts beyond the script
// succeed. Nodes listed in hold block until their gate closes.
type scriptedRunner struct {
	mu         sync.Mutex
	scripts    map[string][]error
	hold       map[string]chan struct{}
	calls      map[string]int
	seenErrors map[string][]string
	delay      time.Duration

	cur, maxCur int32
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		scripts:    make(map[string][]error),
		hold:       make(map[string]chan struct{}),
		calls:      make(map[string]int),
		seenErrors: make(map[string][]string),
	}
}

func (r *scriptedRunner) RunNode(ctx context.Context, node *models.Node, _ *capture.Recorder) (*NodeResult, error) {
	cur := atomic.AddInt32(&r.cur, 1)
	defer atomic.AddInt32(&r.cur, -1)
	for {
		old := atomic.LoadInt32(&r.maxCur)
		if cur <= old || atomic.CompareAndSwapInt32(&r.maxCur, old, cur) {
			break
		}
	}

	r.mu.Lock()
	attempt := r.calls[node.NodeID]
	r.calls[node.NodeID]++
	r.seenErrors[node.NodeID] = append(r.seenErrors[node.NodeID], node.Error)
	script := r.scripts[node.NodeID]
	gate := r.hold[node.NodeID]
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if attempt < len(script) && script[attempt] != nil {
		return nil, script[attempt]
	}
	return &NodeResult{Summary: node.NodeID + " done"}, nil
}

func (r *scriptedRunner) callCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func runAsync(s *Scheduler) chan lifecycle.State {
	ch := make(chan lifecycle.State, 1)
	go func() {
		st, _ := s.Run(context.Background())
		ch <- st
	}()
	return ch
}

func waitState(t *testing.T, ch chan lifecycle.State) lifecycle.State {
	t.Helper()
	select {
	case st := <-ch:
		return st
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not finish")
		return ""
	}
}

var errTransient = fmt.Errorf("llm call: %w", context.DeadlineExceeded)

func TestRunLinearChainCompletes(t *testing.T) {
	f := newFixture(t)
	g := buildChain(t, f.runID, "step_1", "step_2", "step_3")
	r := newScriptedRunner()
	s := New(g, f.st, f.rec, r, f.ctrl, Options{Workers: 1})

	state, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCompleted, state)
	assert.Equal(t, string(lifecycle.StateCompleted), f.runStatus(t))

	nodes := f.nodes(t)
	for _, id := range []string{"step_1", "step_2", "step_3"} {
		require.Contains(t, nodes, id)
		assert.Equal(t, models.NodeCompleted, nodes[id].Status)
		assert.Equal(t, id+" done", nodes[id].Summary)
		assert.NotNil(t, nodes[id].CompletedAt)
	}

	assert.Equal(t, []string{
		"node_started", "node_completed",
		"node_started", "node_completed",
		"node_started", "node_completed",
		"workflow_state_changed",
	}, tags(f.events(t)))
}

func TestRetryTransientThenSucceeds(t *testing.T) {
	f := newFixture(t)
	g := buildChain(t, f.runID, "step_1")
	r := newScriptedRunner()
	r.scripts["step_1"] = []error{errTransient, errTransient, nil}
	s := New(g, f.st, f.rec, r, f.ctrl, Options{
		Policies: map[models.NodeType]RetryPolicy{
			models.NodeAgent: {MaxAttempts: 3, BackoffInitial: 10 * time.Millisecond, BackoffMultiplier: 2},
		},
	})

	state, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCompleted, state)
	assert.Equal(t, 3, r.callCount("step_1"))

	evs := f.events(t)
	assert.Equal(t, []string{
		"node_started",
		"node_retry/step_retry_started", "node_retry/step_retry_backoff",
		"node_retry/step_retry_started", "node_retry/step_retry_backoff",
		"node_retry/step_retry_succeeded",
		"node_completed",
		"workflow_state_changed",
	}, tags(evs))

	retries := ofType(evs, models.EventNodeRetry)
	require.Len(t, retries, 5)
	assert.EqualValues(t, 1, metaField(t, retries[0], "attempt"))
	assert.EqualValues(t, 1, metaField(t, retries[1], "attempt"))
	assert.EqualValues(t, 2, metaField(t, retries[2], "attempt"))
	assert.EqualValues(t, 2, metaField(t, retries[3], "attempt"))
	assert.EqualValues(t, 3, metaField(t, retries[4], "attempt"))
	// Second backoff is doubled.
	assert.EqualValues(t, 10, metaField(t, retries[1], "delay_ms"))
	assert.EqualValues(t, 20, metaField(t, retries[3], "delay_ms"))

	node := f.nodes(t)["step_1"]
	assert.Equal(t, models.NodeCompleted, node.Status)
	assert.Equal(t, 2, node.Retry.Attempt)
	assert.Equal(t, 3, node.Retry.MaxAttempts)
}

func TestRetryExhaustedFailsRun(t *testing.T) {
	f := newFixture(t)
	g := buildChain(t, f.runID, "step_1", "step_2")
	r := newScriptedRunner()
	r.scripts["step_1"] = []error{errTransient, errTransient}
	s := New(g, f.st, f.rec, r, f.ctrl, Options{
		Policies: map[models.NodeType]RetryPolicy{
			models.NodeAgent: {MaxAttempts: 2, BackoffInitial: 5 * time.Millisecond, BackoffMultiplier: 2},
		},
	})

	state, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateFailed, state)
	assert.Equal(t, string(lifecycle.StateFailed), f.runStatus(t))

	assert.Equal(t, []string{
		"node_started",
		"node_retry/step_retry_started", "node_retry/step_retry_backoff",
		"node_retry/step_retry_exhausted",
		"node_completed",
		"workflow_state_changed",
	}, tags(f.events(t)))

	nodes := f.nodes(t)
	assert.Equal(t, models.NodeFailed, nodes["step_1"].Status)
	assert.Equal(t, models.NodeSkipped, nodes["step_2"].Status)
}

func TestLogicErrorGetsOneAdaptiveRetry(t *testing.T) {
	f := newFixture(t)
	g := buildChain(t, f.runID, "step_1")
	r := newScriptedRunner()
	r.scripts["step_1"] = []error{&LogicError{Reason: "plan was not valid JSON"}}
	s := New(g, f.st, f.rec, r, f.ctrl, Options{})

	state, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCompleted, state)
	require.Equal(t, 2, r.callCount("step_1"))

	// The retry attempt sees the previous error so the prompt can be
	// augmented with it.
	assert.Empty(t, r.seenErrors["step_1"][0])
	assert.Contains(t, r.seenErrors["step_1"][1], "plan was not valid JSON")

	retries := ofType(f.events(t), models.EventNodeRetry)
	require.Len(t, retries, 2)
	assert.Equal(t, models.SubtypeRetryStarted, retries[0].Subtype)
	assert.Equal(t, string(ClassLogic), metaField(t, retries[0], "error_class"))
	assert.Equal(t, models.SubtypeRetrySucceeded, retries[1].Subtype)
}

func TestLogicErrorFailsAfterSecondStrike(t *testing.T) {
	f := newFixture(t)
	g := buildChain(t, f.runID, "step_1")
	r := newScriptedRunner()
	r.scripts["step_1"] = []error{&LogicError{Reason: "bad"}, &LogicError{Reason: "still bad"}}
	s := New(g, f.st, f.rec, r, f.ctrl, Options{})

	state, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateFailed, state)
	assert.Equal(t, 2, r.callCount("step_1"))
	assert.Equal(t, models.NodeFailed, f.nodes(t)["step_1"].Status)
}

func TestFatalFailureSkipsDescendants(t *testing.T) {
	f := newFixture(t)
	g := buildChain(t, f.runID, "step_1", "step_2", "step_3")
	r := newScriptedRunner()
	r.scripts["step_1"] = []error{errors.New("nil persona in node payload")}
	s := New(g, f.st, f.rec, r, f.ctrl, Options{})

	state, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateFailed, state)
	assert.Equal(t, 1, r.callCount("step_1"))
	assert.Zero(t, r.callCount("step_2"))

	nodes := f.nodes(t)
	assert.Equal(t, models.NodeFailed, nodes["step_1"].Status)
	assert.Equal(t, models.NodeSkipped, nodes["step_2"].Status)
	assert.Equal(t, models.NodeSkipped, nodes["step_3"].Status)

	evs := f.events(t)
	errEvents := ofType(evs, models.EventErrorOccurred)
	require.Len(t, errEvents, 1)
	assert.Equal(t, string(ClassFatal), metaField(t, errEvents[0], "class"))
	assert.Contains(t, errEvents[0].ErrorMessage, "nil persona")

	resumable := s.ResumableNodes()
	require.Len(t, resumable, 1)
	assert.Equal(t, "step_1", resumable[0].NodeID)
}

func TestResumableNodesAfterPartialFailure(t *testing.T) {
	f := newFixture(t)
	g := buildChain(t, f.runID, "step_1", "step_2", "step_3")
	r := newScriptedRunner()
	r.scripts["step_2"] = []error{errors.New("boom")}
	s := New(g, f.st, f.rec, r, f.ctrl, Options{})

	state, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateFailed, state)

	var ids []string
	for _, n := range s.ResumableNodes() {
		ids = append(ids, n.NodeID)
	}
	assert.Equal(t, []string{"step_1", "step_2"}, ids)
}

func approvalChain(t *testing.T, runID string) *dag.Graph {
	t.Helper()
	g := dag.New(runID)
	g.AddNode(agentNode(runID, "step_1"))
	g.AddNode(&models.Node{
		NodeID: "gate", RunID: runID, Label: "gate", Type: models.NodeApproval,
		Status: models.NodePending, Description: "deploy to production?",
	})
	g.AddNode(agentNode(runID, "step_3"))
	require.NoError(t, g.AddEdge("step_1", "gate"))
	require.NoError(t, g.AddEdge("gate", "step_3"))
	return g
}

func waitApprovalID(t *testing.T, f *fixture) string {
	t.Helper()
	var approvalID string
	require.Eventually(t, func() bool {
		reqs := ofType(f.events(t), models.EventApprovalRequested)
		if len(reqs) == 0 {
			return false
		}
		approvalID, _ = inputField(t, reqs[0], "approval_id").(string)
		return approvalID != ""
	}, 5*time.Second, 10*time.Millisecond)

	// The run itself parks on waiting_approval while the gate is open.
	require.Eventually(t, func() bool {
		return f.runStatus(t) == string(lifecycle.StateWaitingApproval)
	}, 5*time.Second, 10*time.Millisecond)
	return approvalID
}

func TestApprovalApproved(t *testing.T) {
	f := newFixture(t)
	r := newScriptedRunner()
	s := New(approvalChain(t, f.runID), f.st, f.rec, r, f.ctrl, Options{})
	done := runAsync(s)

	approvalID := waitApprovalID(t, f)
	require.NoError(t, s.RespondToApproval(approvalID, true, "lgtm"))

	assert.Equal(t, lifecycle.StateCompleted, waitState(t, done))
	nodes := f.nodes(t)
	assert.Equal(t, models.NodeCompleted, nodes["gate"].Status)
	assert.Equal(t, "lgtm", nodes["gate"].Summary)
	assert.Equal(t, models.NodeCompleted, nodes["step_3"].Status)

	evs := f.events(t)
	received := ofType(evs, models.EventApprovalReceived)
	require.Len(t, received, 1)
	var out map[string]any
	require.NoError(t, json.Unmarshal(received[0].Outputs, &out))
	assert.Equal(t, approvalID, out["approval_id"])
	assert.Equal(t, true, out["approved"])
}

func TestApprovalRejectedFailsRun(t *testing.T) {
	f := newFixture(t)
	r := newScriptedRunner()
	s := New(approvalChain(t, f.runID), f.st, f.rec, r, f.ctrl, Options{})
	done := runAsync(s)

	approvalID := waitApprovalID(t, f)
	require.NoError(t, s.RespondToApproval(approvalID, false, "not safe"))

	assert.Equal(t, lifecycle.StateFailed, waitState(t, done))
	assert.Equal(t, string(lifecycle.StateFailed), f.runStatus(t))

	nodes := f.nodes(t)
	assert.Equal(t, models.NodeFailed, nodes["gate"].Status)
	assert.Contains(t, nodes["gate"].Error, "rejected by user")
	assert.Equal(t, models.NodeSkipped, nodes["step_3"].Status)
	assert.Zero(t, r.callCount("step_3"))
}

func TestRespondToUnknownApproval(t *testing.T) {
	f := newFixture(t)
	g := buildChain(t, f.runID, "step_1")
	r := newScriptedRunner()
	gate := make(chan struct{})
	r.hold["step_1"] = gate
	s := New(g, f.st, f.rec, r, f.ctrl, Options{})
	done := runAsync(s)

	require.Eventually(t, func() bool { return r.callCount("step_1") == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.RespondToApproval("nope", true, ""), ErrUnknownApproval)

	close(gate)
	assert.Equal(t, lifecycle.StateCompleted, waitState(t, done))
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	g := buildChain(t, f.runID, "step_1", "step_2", "step_3")
	r := newScriptedRunner()
	gate := make(chan struct{})
	r.hold["step_1"] = gate
	s := New(g, f.st, f.rec, r, f.ctrl, Options{Workers: 1})
	done := runAsync(s)

	require.Eventually(t, func() bool { return r.callCount("step_1") == 1 }, 5*time.Second, 5*time.Millisecond)
	s.Pause()
	close(gate) // the in-flight node is allowed to finish

	require.Eventually(t, func() bool {
		return f.runStatus(t) == string(lifecycle.StatePaused)
	}, 5*time.Second, 10*time.Millisecond)

	// step_1 finished, step_2 must not have started while paused.
	nodes := f.nodes(t)
	assert.Equal(t, models.NodeCompleted, nodes["step_1"].Status)
	assert.Zero(t, r.callCount("step_2"))
	evs, err := f.st.EventsForNode(context.Background(), f.runID, "step_2", store.Filter{IncludeInternal: true})
	require.NoError(t, err)
	assert.Empty(t, evs)

	s.Resume()
	assert.Equal(t, lifecycle.StateCompleted, waitState(t, done))

	// workflow_resumed precedes node_started(step_2).
	all := f.events(t)
	var resumedOrder, step2Order int64
	for _, ev := range all {
		if ev.Type == models.EventWorkflowStateChanged && metaField(t, ev, "to") == string(lifecycle.StateExecuting) {
			resumedOrder = ev.ExecutionOrder
		}
		if ev.Type == models.EventNodeStarted && ev.NodeID != nil && *ev.NodeID == "step_2" {
			step2Order = ev.ExecutionOrder
		}
	}
	require.NotZero(t, resumedOrder)
	require.NotZero(t, step2Order)
	assert.Less(t, resumedOrder, step2Order)
}

func TestCancelDuringRun(t *testing.T) {
	f := newFixture(t)
	g := buildChain(t, f.runID, "step_1", "step_2", "step_3", "step_4", "step_5")
	r := newScriptedRunner()
	r.hold["step_2"] = make(chan struct{}) // never released; aborts on ctx
	s := New(g, f.st, f.rec, r, f.ctrl, Options{Workers: 1, Grace: 2 * time.Second})
	done := runAsync(s)

	require.Eventually(t, func() bool { return r.callCount("step_2") == 1 }, 5*time.Second, 5*time.Millisecond)
	s.Cancel()

	assert.Equal(t, lifecycle.StateCancelled, waitState(t, done))
	assert.Equal(t, string(lifecycle.StateCancelled), f.runStatus(t))

	nodes := f.nodes(t)
	assert.Equal(t, models.NodeCompleted, nodes["step_1"].Status)
	assert.True(t, models.TerminalNodeStatus(nodes["step_2"].Status))
	for _, id := range []string{"step_3", "step_4", "step_5"} {
		assert.Equal(t, models.NodeSkipped, nodes[id].Status, id)
	}

	// The terminal transition is the last event of the run.
	evs := f.events(t)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, models.EventWorkflowStateChanged, last.Type)
	assert.Equal(t, string(lifecycle.StateCancelled), metaField(t, last, "to"))
}

func TestWorkerLimitBoundsConcurrency(t *testing.T) {
	f := newFixture(t)
	g := dag.New(f.runID)
	for _, id := range []string{"a", "b", "c", "d"} {
		g.AddNode(agentNode(f.runID, id))
	}
	r := newScriptedRunner()
	r.delay = 30 * time.Millisecond
	s := New(g, f.st, f.rec, r, f.ctrl, Options{Workers: 2})

	state, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCompleted, state)
	assert.Equal(t, int32(2), atomic.LoadInt32(&r.maxCur))
}

func TestStructuralNodesNeedNoWorker(t *testing.T) {
	f := newFixture(t)
	g := dag.New(f.runID)
	g.AddNode(&models.Node{NodeID: "fan", RunID: f.runID, Label: "fan", Type: models.NodeParallel, Status: models.NodePending})
	g.AddNode(agentNode(f.runID, "a"))
	g.AddNode(agentNode(f.runID, "b"))
	g.AddNode(&models.Node{NodeID: "end", RunID: f.runID, Label: "end", Type: models.NodeTerminator, Status: models.NodePending})
	require.NoError(t, g.AddEdge("fan", "a"))
	require.NoError(t, g.AddEdge("fan", "b"))
	require.NoError(t, g.AddEdge("a", "end"))
	require.NoError(t, g.AddEdge("b", "end"))

	r := newScriptedRunner()
	s := New(g, f.st, f.rec, r, f.ctrl, Options{Workers: 2})

	state, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCompleted, state)
	assert.Zero(t, r.callCount("fan"))
	assert.Zero(t, r.callCount("end"))
	assert.Equal(t, 1, r.callCount("a"))
	assert.Equal(t, 1, r.callCount("b"))

	nodes := f.nodes(t)
	for _, id := range []string{"fan", "a", "b", "end"} {
		assert.Equal(t, models.NodeCompleted, nodes[id].Status, id)
	}
}

func TestPolicyDelayCaps(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BackoffInitial: 10 * time.Millisecond, BackoffMultiplier: 2, BackoffMax: 25 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, p.Delay(1))
	assert.Equal(t, 20*time.Millisecond, p.Delay(2))
	assert.Equal(t, 25*time.Millisecond, p.Delay(3))
	assert.Equal(t, 25*time.Millisecond, p.Delay(4))
}

func TestDefaultClassifier(t *testing.T) {
	assert.Equal(t, ClassTransient, DefaultClassifier(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.Equal(t, ClassTransient, DefaultClassifier(fmt.Errorf("append: %w", store.ErrStoreUnavailable)))
	assert.Equal(t, ClassUserRejected, DefaultClassifier(fmt.Errorf("gate: %w", ErrUserRejected)))
	assert.Equal(t, ClassLogic, DefaultClassifier(&LogicError{Reason: "bad output"}))
	assert.Equal(t, ClassFatal, DefaultClassifier(errors.New("index out of range")))
}
