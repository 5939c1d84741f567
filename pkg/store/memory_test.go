package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/lifecycle"
	"github.com/loomworks/loom/pkg/models"
)

func seedRun(t *testing.T, m *Memory) (sessionID, runID string) {
	t.Helper()
	ctx := context.Background()
	sessionID = uuid.New().String()
	runID = uuid.New().String()
	now := time.Now().UTC()
	require.NoError(t, m.CreateSession(ctx, &models.Session{
		ID: sessionID, Name: "test session", CreatedAt: now, LastActiveAt: now,
	}))
	require.NoError(t, m.CreateRun(ctx, &models.Run{
		ID: runID, SessionID: sessionID, Task: "do the thing",
		Mode: models.ModeOneShot, Status: string(lifecycle.StateDraft), CreatedAt: now,
	}))
	return sessionID, runID
}

func appendEvent(t *testing.T, m *Memory, runID, sessionID, nodeID string, p models.Payload) *models.Event {
	t.Helper()
	ev, err := models.Build(runID, sessionID, nodeID, p)
	require.NoError(t, err)
	require.NoError(t, m.AppendEvent(context.Background(), ev))
	return ev
}

func TestAppendEventAssignsMonotonicOrder(t *testing.T) {
	m := NewMemory()
	sessionID, runID := seedRun(t, m)

	for i := 1; i <= 5; i++ {
		ev := appendEvent(t, m, runID, sessionID, "", models.WorkflowStartedPayload{Task: "x", Mode: "one_shot"})
		assert.Equal(t, int64(i), ev.ExecutionOrder)
	}

	// A second run gets its own sequence.
	_, otherRun := seedRun(t, m)
	ev := appendEvent(t, m, otherRun, sessionID, "", models.WorkflowStartedPayload{Task: "y", Mode: "one_shot"})
	assert.Equal(t, int64(1), ev.ExecutionOrder)
}

func TestAppendEventUnknownRun(t *testing.T) {
	m := NewMemory()
	ev, err := models.Build("missing", "s", "", models.HeartbeatPayload{})
	require.NoError(t, err)
	assert.ErrorIs(t, m.AppendEvent(context.Background(), ev), ErrNotFound)
}

func TestUpdateRunStateCAS(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, runID := seedRun(t, m)

	require.NoError(t, m.UpdateRunState(ctx, runID, lifecycle.StateDraft, lifecycle.StatePlanning, ""))
	require.NoError(t, m.UpdateRunState(ctx, runID, lifecycle.StatePlanning, lifecycle.StateExecuting, ""))

	run, err := m.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, string(lifecycle.StateExecuting), run.Status)
	require.NotNil(t, run.StartedAt)

	// Stale expectation fails with conflict; state is unchanged.
	err = m.UpdateRunState(ctx, runID, lifecycle.StateDraft, lifecycle.StatePlanning, "")
	assert.ErrorIs(t, err, ErrConflict)

	// Illegal edge fails regardless of stored state.
	err = m.UpdateRunState(ctx, runID, lifecycle.StateExecuting, lifecycle.StateDraft, "")
	assert.ErrorIs(t, err, ErrIllegalTransition)

	require.NoError(t, m.UpdateRunState(ctx, runID, lifecycle.StateExecuting, lifecycle.StateFailed, "boom"))
	run, err = m.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "boom", run.ErrorMessage)
	assert.NotNil(t, run.CompletedAt)

	// Terminal states are final.
	err = m.UpdateRunState(ctx, runID, lifecycle.StateFailed, lifecycle.StateExecuting, "")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestDefaultFilterHidesInternalEvents(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sessionID, runID := seedRun(t, m)

	appendEvent(t, m, runID, sessionID, "n1", models.NodeLifecyclePayload{Phase: models.PhaseStart, NodeLabel: "step"})
	appendEvent(t, m, runID, sessionID, "n1", models.AgentCallPayload{Phase: models.PhaseStart, Agent: "coder"})
	appendEvent(t, m, runID, sessionID, "n1", models.AgentCallPayload{Phase: models.PhaseComplete, Agent: "coder", Response: "done"})
	appendEvent(t, m, runID, sessionID, "n1", models.NodeLifecyclePayload{Phase: models.PhaseComplete, NodeLabel: "step", Status: "completed"})

	visible, err := m.EventsForRun(ctx, runID, Filter{})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, models.EventAgentCall, visible[0].Type)
	assert.Equal(t, models.SubtypeComplete, visible[0].Subtype)

	// Filtering an already-filtered view changes nothing.
	for _, ev := range visible {
		assert.False(t, internalEvent(ev))
	}

	all, err := m.EventsForRun(ctx, runID, Filter{IncludeInternal: true})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestEventsForRunFilterOptions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sessionID, runID := seedRun(t, m)

	appendEvent(t, m, runID, sessionID, "n1", models.ToolCallPayload{Phase: models.PhaseComplete, Tool: "search"})
	appendEvent(t, m, runID, sessionID, "n1", models.HandoffPayload{FromAgent: "a", ToAgent: "b"})
	appendEvent(t, m, runID, sessionID, "n2", models.ToolCallPayload{Phase: models.PhaseComplete, Tool: "fetch"})

	byType, err := m.EventsForRun(ctx, runID, Filter{Types: []models.EventType{models.EventToolCall}})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	after, err := m.EventsForRun(ctx, runID, Filter{AfterOrder: 2})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, int64(3), after[0].ExecutionOrder)

	limited, err := m.EventsForRun(ctx, runID, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	byNode, err := m.EventsForNode(ctx, runID, "n1", Filter{})
	require.NoError(t, err)
	assert.Len(t, byNode, 2)

	_, err = m.EventsForNode(ctx, "", "n1", Filter{})
	assert.ErrorIs(t, err, ErrUnscopedNodeQuery)
}

func TestDeleteSessionCascades(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sessionID, runID := seedRun(t, m)
	appendEvent(t, m, runID, sessionID, "", models.WorkflowStartedPayload{Task: "x", Mode: "one_shot"})
	require.NoError(t, m.UpsertNode(ctx, &models.Node{NodeID: "n1", RunID: runID, Type: models.NodeAgent, Status: models.NodePending}))

	require.NoError(t, m.DeleteSession(ctx, sessionID))

	_, err := m.GetSession(ctx, sessionID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetRun(ctx, runID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.EventsForRun(ctx, runID, Filter{})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, m.DeleteSession(ctx, sessionID), ErrNotFound)
}

func TestUpsertEdgeValidation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, runID := seedRun(t, m)
	require.NoError(t, m.UpsertNode(ctx, &models.Node{NodeID: "a", RunID: runID, Type: models.NodeAgent, Status: models.NodePending}))

	err := m.UpsertEdge(ctx, models.Edge{SourceNodeID: "a", TargetNodeID: "ghost", RunID: runID})
	assert.ErrorIs(t, err, ErrInvalidTopology)

	require.NoError(t, m.UpsertNode(ctx, &models.Node{NodeID: "b", RunID: runID, Type: models.NodeAgent, Status: models.NodePending}))
	require.NoError(t, m.UpsertEdge(ctx, models.Edge{SourceNodeID: "a", TargetNodeID: "b", RunID: runID}))
	// Duplicate insert is idempotent.
	require.NoError(t, m.UpsertEdge(ctx, models.Edge{SourceNodeID: "a", TargetNodeID: "b", RunID: runID}))

	edges, err := m.EdgesForRun(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestUpsertEdgeRejectsCycles(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, runID := seedRun(t, m)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.UpsertNode(ctx, &models.Node{NodeID: id, RunID: runID, Type: models.NodeAgent, Status: models.NodePending}))
	}
	require.NoError(t, m.UpsertEdge(ctx, models.Edge{SourceNodeID: "a", TargetNodeID: "b", RunID: runID}))
	require.NoError(t, m.UpsertEdge(ctx, models.Edge{SourceNodeID: "b", TargetNodeID: "c", RunID: runID}))

	err := m.UpsertEdge(ctx, models.Edge{SourceNodeID: "c", TargetNodeID: "a", RunID: runID})
	assert.ErrorIs(t, err, ErrInvalidTopology)
	err = m.UpsertEdge(ctx, models.Edge{SourceNodeID: "a", TargetNodeID: "a", RunID: runID})
	assert.ErrorIs(t, err, ErrInvalidTopology)

	// The rejected edges left the topology untouched.
	edges, err := m.EdgesForRun(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, edges, 2)
}

func TestCopyEventsUpToOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sessionID, srcRun := seedRun(t, m)

	for i := 0; i < 4; i++ {
		appendEvent(t, m, srcRun, sessionID, "", models.HandoffPayload{FromAgent: "a", ToAgent: "b"})
	}

	dstRun := uuid.New().String()
	require.NoError(t, m.CreateRun(ctx, &models.Run{
		ID: dstRun, SessionID: sessionID, Task: "fork", Mode: models.ModeOneShot,
		Status: string(lifecycle.StateDraft), CreatedAt: time.Now().UTC(), ParentRunID: &srcRun,
	}))

	n, err := m.CopyEvents(ctx, dstRun, srcRun, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	copied, err := m.EventsForRun(ctx, dstRun, Filter{IncludeInternal: true})
	require.NoError(t, err)
	require.Len(t, copied, 2)
	assert.Equal(t, int64(1), copied[0].ExecutionOrder)
	assert.Equal(t, int64(2), copied[1].ExecutionOrder)
	assert.Equal(t, dstRun, copied[0].RunID)

	// Source history is untouched.
	src, err := m.EventsForRun(ctx, srcRun, Filter{IncludeInternal: true})
	require.NoError(t, err)
	assert.Len(t, src, 4)
}

func TestAddRunCostAggregatesToSession(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sessionID, runID := seedRun(t, m)

	total, err := m.AddRunCost(ctx, runID, 0.25)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, total, 1e-9)

	total, err = m.AddRunCost(ctx, runID, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, total, 1e-9)

	s, err := m.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, s.TotalCostUSD, 1e-9)
	assert.Equal(t, 1, s.RunCount)
}

func TestStalledRuns(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, fresh := seedRun(t, m)
	_, stale := seedRun(t, m)
	_, terminal := seedRun(t, m)

	now := time.Now().UTC()
	require.NoError(t, m.TouchHeartbeat(ctx, fresh, now))
	require.NoError(t, m.TouchHeartbeat(ctx, stale, now.Add(-10*time.Minute)))
	require.NoError(t, m.TouchHeartbeat(ctx, terminal, now.Add(-10*time.Minute)))
	require.NoError(t, m.UpdateRunState(ctx, terminal, lifecycle.StateDraft, lifecycle.StatePlanning, ""))
	require.NoError(t, m.UpdateRunState(ctx, terminal, lifecycle.StatePlanning, lifecycle.StateCancelled, ""))

	stalled, err := m.StalledRuns(ctx, now.Add(-5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, stale, stalled[0].ID)
}

func TestFilesForRunProjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sessionID, runID := seedRun(t, m)

	appendEvent(t, m, runID, sessionID, "n1", models.FileGenPayload{
		Path: "out/report.md", FileType: "md", SizeBytes: 120, Content: "# Report", Agent: "writer",
	})
	appendEvent(t, m, runID, sessionID, "n1", models.FileGenPayload{
		Path: "out/data.bin", FileType: "bin", SizeBytes: 1 << 21, ContentOmitted: true,
	})
	appendEvent(t, m, runID, sessionID, "n1", models.HandoffPayload{FromAgent: "a", ToAgent: "b"})

	files, err := m.FilesForRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "out/report.md", files[0].Path)
	assert.Equal(t, "# Report", files[0].Content)
	assert.False(t, files[0].ContentOmitted)
	assert.True(t, files[1].ContentOmitted)
	assert.Empty(t, files[1].Content)
}

func TestListRunsFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sessionID, runID := seedRun(t, m)
	require.NoError(t, m.UpdateRunState(ctx, runID, lifecycle.StateDraft, lifecycle.StatePlanning, ""))

	otherSession, _ := seedRun(t, m)

	list, err := m.ListRuns(ctx, sessionID, models.RunFilters{}, models.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, list.TotalCount)

	list, err = m.ListRuns(ctx, "", models.RunFilters{}, models.Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, list.TotalCount)

	list, err = m.ListRuns(ctx, sessionID, models.RunFilters{Status: string(lifecycle.StatePlanning)}, models.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, list.TotalCount)

	list, err = m.ListRuns(ctx, otherSession, models.RunFilters{Status: string(lifecycle.StatePlanning)}, models.Page{})
	require.NoError(t, err)
	assert.Equal(t, 0, list.TotalCount)
}

func TestBranches(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sessionID, parentRun := seedRun(t, m)

	forkRun := uuid.New().String()
	require.NoError(t, m.CreateRun(ctx, &models.Run{
		ID: forkRun, SessionID: sessionID, Task: "fork", Mode: models.ModeOneShot,
		Status: string(lifecycle.StateDraft), CreatedAt: time.Now().UTC(), ParentRunID: &parentRun,
	}))
	require.NoError(t, m.CreateBranch(ctx, &models.Branch{
		ID: uuid.New().String(), RunID: forkRun, ParentRunID: parentRun,
		ForkNodeID: "n2", Hypothesis: "try a different approach", Name: "alt-1",
		CreatedAt: time.Now().UTC(), Status: string(lifecycle.StateDraft),
	}))

	branches, err := m.ListBranches(ctx, parentRun)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	assert.Equal(t, forkRun, branches[0].RunID)
	assert.Equal(t, "n2", branches[0].ForkNodeID)
}
