package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/agent"
	"github.com/loomworks/loom/pkg/exec"
	"github.com/loomworks/loom/pkg/lifecycle"
	"github.com/loomworks/loom/pkg/llm"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
)

type nopPublisher struct{}

func (nopPublisher) Publish(*models.Event) error { return nil }

func testConfig(workdir string) Config {
	return Config{
		Workers:           1,
		Grace:             2 * time.Second,
		HeartbeatInterval: time.Hour,
		Workdir:           workdir,
		DefaultPersona: agent.Persona{
			Name:         "assistant",
			SystemPrompt: "You are a capable assistant.",
			Model:        "test-model",
		},
	}
}

func newDraftRun(t *testing.T, st store.Store, mode models.RunMode, task string) *models.Run {
	t.Helper()
	ctx := context.Background()
	sessionID := uuid.NewString()
	require.NoError(t, st.CreateSession(ctx, &models.Session{ID: sessionID, Name: "sup-test", CreatedAt: time.Now().UTC()}))
	run := &models.Run{
		ID: uuid.NewString(), SessionID: sessionID, Task: task, Mode: mode,
		Agent: "assistant", Status: string(lifecycle.StateDraft), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateRun(ctx, run))
	return run
}

func runEvents(t *testing.T, st store.Store, runID string, internal bool) []*models.Event {
	t.Helper()
	evs, err := st.EventsForRun(context.Background(), runID, store.Filter{IncludeInternal: internal})
	require.NoError(t, err)
	return evs
}

func eventTags(evs []*models.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = string(ev.Type)
		if ev.Subtype != models.SubtypeNone {
			out[i] += "/" + string(ev.Subtype)
		}
	}
	return out
}

func nodesByID(t *testing.T, st store.Store, runID string) map[string]*models.Node {
	t.Helper()
	nodes, err := st.NodesForRun(context.Background(), runID)
	require.NoError(t, err)
	byID := make(map[string]*models.Node, len(nodes))
	for _, n := range nodes {
		byID[n.NodeID] = n
	}
	return byID
}

func TestOneShotRunCompletes(t *testing.T) {
	st := store.NewMemory()
	run := newDraftRun(t, st, models.ModeOneShot, "say done")
	provider := llm.NewStub(llm.StubTurn{Response: llm.Response{Content: "All done.", CostUSD: 0.05}})
	sup := New(st, nopPublisher{}, provider, exec.NewStubExecutor(), run, testConfig(t.TempDir()))

	state, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCompleted, state)

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.StateCompleted), stored.Status)
	assert.InDelta(t, 0.05, stored.CostUSD, 1e-9)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.CompletedAt)

	assert.Equal(t, []string{
		"workflow_started",
		"workflow_state_changed", // planning
		"workflow_state_changed", // executing
		"node_started",
		"agent_call/start",
		"agent_call/complete",
		"cost_update",
		"node_completed",
		"workflow_state_changed", // completed
	}, eventTags(runEvents(t, st, run.ID, true)))

	// Default read filter hides the start half and the node lifecycle pair.
	visible := runEvents(t, st, run.ID, false)
	assert.Len(t, visible, 6)
	for _, ev := range visible {
		assert.NotEqual(t, models.EventNodeStarted, ev.Type)
		assert.NotEqual(t, models.EventNodeCompleted, ev.Type)
	}

	node := nodesByID(t, st, run.ID)["step_1"]
	require.NotNil(t, node)
	assert.Equal(t, models.NodeCompleted, node.Status)
	assert.Equal(t, "All done.", node.Summary)
}

func TestPlanningControlBridgesPlan(t *testing.T) {
	st := store.NewMemory()
	run := newDraftRun(t, st, models.ModePlanningControl, "write a report")
	provider := llm.NewStub(
		llm.StubTurn{Response: llm.Response{Content: `{"steps": [` +
			`{"label": "research", "agent": "researcher", "goal": "find facts"},` +
			`{"label": "write", "agent": "writer", "goal": "write the report"}]}`}},
		llm.StubTurn{Response: llm.Response{Content: "facts found"}},
		llm.StubTurn{Response: llm.Response{Content: "report written"}},
	)
	sup := New(st, nopPublisher{}, provider, exec.NewStubExecutor(), run, testConfig(t.TempDir()))

	state, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCompleted, state)
	assert.Equal(t, 3, provider.Calls())

	nodes := nodesByID(t, st, run.ID)
	require.Len(t, nodes, 3)
	planner := nodes["planner"]
	require.NotNil(t, planner)
	assert.Equal(t, models.NodeCompleted, planner.Status)
	assert.Equal(t, "planned 2 steps", planner.Summary)
	assert.NotEmpty(t, planner.Payload)
	assert.Equal(t, "researcher", nodes["research"].Agent)
	assert.Equal(t, "report written", nodes["write"].Summary)

	edges, err := st.EdgesForRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, edges, 2)

	// Steps run strictly after the plan lands, attributed to their personas.
	var agents []string
	for _, ev := range runEvents(t, st, run.ID, true) {
		if ev.Type == models.EventAgentCall && ev.Subtype == models.SubtypeComplete {
			agents = append(agents, ev.AgentName)
		}
	}
	assert.Equal(t, []string{"planner", "researcher", "writer"}, agents)
}

func TestPlannerBadPlanGetsAdaptiveRetry(t *testing.T) {
	st := store.NewMemory()
	run := newDraftRun(t, st, models.ModePlanningControl, "small task")
	provider := llm.NewStub(
		llm.StubTurn{Response: llm.Response{Content: "I think we should just wing it."}},
		llm.StubTurn{Response: llm.Response{Content: `{"steps": [{"label": "step_1", "agent": "assistant", "goal": "do it"}]}`}},
		llm.StubTurn{Response: llm.Response{Content: "did it"}},
	)
	sup := New(st, nopPublisher{}, provider, exec.NewStubExecutor(), run, testConfig(t.TempDir()))

	state, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCompleted, state)

	// The retry prompt carries the parse failure back to the planner.
	reqs := provider.Requests()
	require.Len(t, reqs, 3)
	retryPrompt := reqs[1].Messages[len(reqs[1].Messages)-1].Content
	assert.Contains(t, retryPrompt, "previous plan was rejected")

	var markers []models.EventSubtype
	for _, ev := range runEvents(t, st, run.ID, true) {
		if ev.Type == models.EventNodeRetry {
			markers = append(markers, ev.Subtype)
		}
	}
	assert.Equal(t, []models.EventSubtype{models.SubtypeRetryStarted, models.SubtypeRetrySucceeded}, markers)
}

func TestIdeaGenerationFansOut(t *testing.T) {
	st := store.NewMemory()
	run := newDraftRun(t, st, models.ModeIdeaGeneration, "name the product")
	provider := llm.NewStub()
	provider.Default = llm.Response{Content: "an idea"}
	cfg := testConfig(t.TempDir())
	cfg.Workers = 2
	cfg.IdeaAgents = []string{"optimist", "skeptic"}
	sup := New(st, nopPublisher{}, provider, exec.NewStubExecutor(), run, cfg)

	state, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCompleted, state)
	assert.Equal(t, 2, provider.Calls())

	nodes := nodesByID(t, st, run.ID)
	for _, id := range []string{"fan", "idea_1", "idea_2", "end"} {
		require.Contains(t, nodes, id)
		assert.Equal(t, models.NodeCompleted, nodes[id].Status, id)
	}
	assert.Equal(t, "optimist", nodes["idea_1"].Agent)
	assert.Equal(t, "skeptic", nodes["idea_2"].Agent)
}

func TestCodeExecAndFileCaptureOrdering(t *testing.T) {
	st := store.NewMemory()
	run := newDraftRun(t, st, models.ModeOneShot, "crunch the numbers")
	workdir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workdir, run.ID), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workdir, run.ID, "output.csv"), []byte("a,b\n1,2\n"), 0o644))

	provider := llm.NewStub(
		llm.StubTurn{Response: llm.Response{Content: "Running it:\n```python\nprint('hi')\n```"}},
		llm.StubTurn{Response: llm.Response{Content: "Saved results to output.csv. Done."}},
	)
	executor := exec.NewStubExecutor(exec.StubRun{Result: exec.Result{Stdout: "hi\n"}})
	sup := New(st, nopPublisher{}, provider, executor, run, testConfig(workdir))

	state, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCompleted, state)

	evs, err := st.EventsForNode(context.Background(), run.ID, "step_1", store.Filter{IncludeInternal: true})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"node_started",
		"agent_call/start", "agent_call/complete",
		"code_exec/start", "code_exec/complete",
		"agent_call/start", "agent_call/complete",
		"file_gen",
		"node_completed",
	}, eventTags(evs))

	// The completing half of a pair is parented to its opening half.
	codeStart, codeEnd := evs[3], evs[4]
	require.NotNil(t, codeEnd.ParentEventID)
	assert.Equal(t, codeStart.ID, *codeEnd.ParentEventID)

	// The artifact links back to the event whose text revealed it.
	fileGen := evs[7]
	var meta map[string]any
	require.NoError(t, json.Unmarshal(fileGen.Meta, &meta))
	assert.Equal(t, evs[6].ID, meta["trigger_event_id"])
	var out map[string]any
	require.NoError(t, json.Unmarshal(fileGen.Outputs, &out))
	assert.Equal(t, "a,b\n1,2\n", out["content"])
}

func TestRehydrateRunsOnlyUnfinishedNodes(t *testing.T) {
	st := store.NewMemory()
	run := newDraftRun(t, st, models.ModeOneShot, "two step task")
	ctx := context.Background()
	require.NoError(t, st.UpdateRunState(ctx, run.ID, lifecycle.StateDraft, lifecycle.StatePlanning, ""))
	require.NoError(t, st.UpdateRunState(ctx, run.ID, lifecycle.StatePlanning, lifecycle.StateExecuting, ""))
	require.NoError(t, st.UpsertNode(ctx, &models.Node{
		NodeID: "step_1", RunID: run.ID, Label: "step_1", Type: models.NodeAgent,
		Status: models.NodeCompleted, Summary: "first done",
	}))
	require.NoError(t, st.UpsertNode(ctx, &models.Node{
		NodeID: "step_2", RunID: run.ID, Label: "step_2", Type: models.NodeAgent,
		Status: models.NodeRunning, Goal: "finish up",
	}))
	require.NoError(t, st.UpsertEdge(ctx, models.Edge{SourceNodeID: "step_1", TargetNodeID: "step_2", RunID: run.ID}))

	run.Status = string(lifecycle.StateExecuting)
	provider := llm.NewStub(llm.StubTurn{Response: llm.Response{Content: "second done"}})
	sup := New(st, nopPublisher{}, provider, exec.NewStubExecutor(), run, testConfig(t.TempDir()))

	state, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCompleted, state)
	assert.Equal(t, 1, provider.Calls())

	nodes := nodesByID(t, st, run.ID)
	assert.Equal(t, "first done", nodes["step_1"].Summary)
	assert.Equal(t, models.NodeCompleted, nodes["step_2"].Status)

	// The resumed step sees its predecessor's result.
	found := false
	for _, msg := range provider.Requests()[0].Messages {
		if msg.Role == llm.RoleUser && strings.Contains(msg.Content, "first done") {
			found = true
		}
	}
	assert.True(t, found, "predecessor summary not in prompt context")
}

func TestRehydratedPausedRunStaysPausedUntilResume(t *testing.T) {
	st := store.NewMemory()
	run := newDraftRun(t, st, models.ModeOneShot, "task")
	ctx := context.Background()
	require.NoError(t, st.UpdateRunState(ctx, run.ID, lifecycle.StateDraft, lifecycle.StatePlanning, ""))
	require.NoError(t, st.UpdateRunState(ctx, run.ID, lifecycle.StatePlanning, lifecycle.StateExecuting, ""))
	require.NoError(t, st.UpdateRunState(ctx, run.ID, lifecycle.StateExecuting, lifecycle.StatePaused, ""))
	require.NoError(t, st.UpsertNode(ctx, &models.Node{
		NodeID: "step_1", RunID: run.ID, Label: "step_1", Type: models.NodeAgent,
		Status: models.NodePending, Goal: "do it",
	}))

	run.Status = string(lifecycle.StatePaused)
	provider := llm.NewStub(llm.StubTurn{Response: llm.Response{Content: "done"}})
	sup := New(st, nopPublisher{}, provider, exec.NewStubExecutor(), run, testConfig(t.TempDir()))

	done := make(chan lifecycle.State, 1)
	go func() {
		state, _ := sup.Run(context.Background())
		done <- state
	}()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, provider.Calls(), "paused run must not dispatch")
	assert.Equal(t, lifecycle.StatePaused, sup.State())

	sup.Resume()
	select {
	case state := <-done:
		assert.Equal(t, lifecycle.StateCompleted, state)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not complete after resume")
	}
	assert.Equal(t, 1, provider.Calls())
}

// outageStore simulates the event store going away mid-run.
type outageStore struct {
	store.Store
	armed atomic.Bool
}

func (o *outageStore) AppendEvent(ctx context.Context, ev *models.Event) error {
	if o.armed.Load() {
		return store.ErrStoreUnavailable
	}
	return o.Store.AppendEvent(ctx, ev)
}

// gatedProvider blocks the first completion until released, so tests can
// change conditions while a node is mid-flight.
type gatedProvider struct {
	inner   llm.Provider
	started chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (g *gatedProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.proceed:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.inner.Complete(ctx, req)
}

func TestStoreOutagePausesRunDegraded(t *testing.T) {
	mem := store.NewMemory()
	st := &outageStore{Store: mem}
	run := newDraftRun(t, mem, models.ModeOneShot, "task")
	provider := &gatedProvider{
		inner:   llm.NewStub(llm.StubTurn{Response: llm.Response{Content: "done"}}),
		started: make(chan struct{}),
		proceed: make(chan struct{}),
	}
	sup := New(st, nopPublisher{}, provider, exec.NewStubExecutor(), run, testConfig(t.TempDir()))

	done := make(chan lifecycle.State, 1)
	go func() {
		state, _ := sup.Run(context.Background())
		done <- state
	}()

	<-provider.started
	st.armed.Store(true)
	close(provider.proceed)

	require.Eventually(t, func() bool {
		r, err := mem.GetRun(context.Background(), run.ID)
		return err == nil && r.Status == string(lifecycle.StatePaused)
	}, 10*time.Second, 20*time.Millisecond)
	assert.True(t, sup.Degraded())

	// Store comes back; the operator resumes.
	st.armed.Store(false)
	sup.Resume()
	select {
	case state := <-done:
		assert.Equal(t, lifecycle.StateCompleted, state)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish after store recovery")
	}
}

func TestHeartbeatEmission(t *testing.T) {
	st := store.NewMemory()
	run := newDraftRun(t, st, models.ModeOneShot, "task")
	provider := &gatedProvider{
		inner:   llm.NewStub(llm.StubTurn{Response: llm.Response{Content: "done"}}),
		started: make(chan struct{}),
		proceed: make(chan struct{}),
	}
	cfg := testConfig(t.TempDir())
	cfg.HeartbeatInterval = 20 * time.Millisecond
	sup := New(st, nopPublisher{}, provider, exec.NewStubExecutor(), run, cfg)

	done := make(chan lifecycle.State, 1)
	go func() {
		state, _ := sup.Run(context.Background())
		done <- state
	}()
	<-provider.started

	require.Eventually(t, func() bool {
		var beats int
		for _, ev := range runEvents(t, st, run.ID, true) {
			if ev.Type == models.EventHeartbeat {
				beats++
			}
		}
		r, err := st.GetRun(context.Background(), run.ID)
		return beats >= 2 && err == nil && r.LastHeartbeatAt != nil
	}, 5*time.Second, 10*time.Millisecond)

	close(provider.proceed)
	select {
	case state := <-done:
		assert.Equal(t, lifecycle.StateCompleted, state)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestHandoffSwitchesPersona(t *testing.T) {
	st := store.NewMemory()
	run := newDraftRun(t, st, models.ModeOneShot, "analyze the data")
	provider := llm.NewStub(
		llm.StubTurn{Response: llm.Response{Content: "HANDOFF(analyst): needs statistics"}},
		llm.StubTurn{Response: llm.Response{Content: "mean is 4.2"}},
	)
	sup := New(st, nopPublisher{}, provider, exec.NewStubExecutor(), run, testConfig(t.TempDir()))

	state, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCompleted, state)

	node := nodesByID(t, st, run.ID)["step_1"]
	assert.Equal(t, "mean is 4.2", node.Summary)

	evs := runEvents(t, st, run.ID, true)
	var handoffs int
	var agents []string
	for _, ev := range evs {
		if ev.Type == models.EventHandoff {
			handoffs++
			assert.Equal(t, "assistant", ev.AgentName)
		}
		if ev.Type == models.EventAgentCall && ev.Subtype == models.SubtypeComplete {
			agents = append(agents, ev.AgentName)
		}
	}
	assert.Equal(t, 1, handoffs)
	assert.Equal(t, []string{"assistant", "analyst"}, agents)

	// The handed-off prompt names the source and reason.
	reqs := provider.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1].Content
	assert.Contains(t, last, "handoff from assistant")
	assert.Contains(t, last, "needs statistics")
}
