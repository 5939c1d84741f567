package supervisor

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/pkg/dag"
	"github.com/loomworks/loom/pkg/models"
)

// initialGraph builds the mode-specific starting DAG for a run. Modes that
// plan dynamically (planning_control) start with just the planner node; the
// plan is bridged in when it completes.
func (s *Supervisor) initialGraph() (*dag.Graph, error) {
	g := dag.New(s.run.ID)
	switch s.run.Mode {
	case models.ModeOneShot:
		g.AddNode(&models.Node{
			NodeID: "step_1", RunID: s.run.ID, Label: "step_1",
			Type: models.NodeAgent, Status: models.NodePending,
			Agent: s.run.Agent, Goal: s.run.Task,
		})

	case models.ModeChat:
		g.AddNode(&models.Node{
			NodeID: "chat", RunID: s.run.ID, Label: "chat",
			Type: models.NodeAgent, Status: models.NodePending,
			Agent: s.run.Agent, Goal: s.run.Task,
		})

	case models.ModePlanningControl:
		g.AddNode(&models.Node{
			NodeID: "planner", RunID: s.run.ID, Label: "planner",
			Type: models.NodePlanning, Status: models.NodePending,
			Goal: s.run.Task,
		})

	case models.ModeIdeaGeneration:
		g.AddNode(&models.Node{
			NodeID: "fan", RunID: s.run.ID, Label: "fan",
			Type: models.NodeParallel, Status: models.NodePending,
		})
		g.AddNode(&models.Node{
			NodeID: "end", RunID: s.run.ID, Label: "end",
			Type: models.NodeTerminator, Status: models.NodePending,
		})
		agents := s.cfg.IdeaAgents
		if len(agents) == 0 {
			agents = []string{s.run.Agent, s.run.Agent, s.run.Agent}
		}
		for i, agentName := range agents {
			id := fmt.Sprintf("idea_%d", i+1)
			idx := i
			g.AddNode(&models.Node{
				NodeID: id, RunID: s.run.ID, Label: id,
				Type: models.NodeAgent, Status: models.NodePending,
				Agent: agentName, Goal: s.run.Task, StepIndex: &idx,
			})
			if err := g.AddEdge("fan", id); err != nil {
				return nil, err
			}
			if err := g.AddEdge(id, "end"); err != nil {
				return nil, err
			}
		}

	default:
		return nil, fmt.Errorf("unsupported run mode %q", s.run.Mode)
	}
	return g, nil
}

// bridgePlan extends the live graph with the planner's steps as a sequential
// chain hanging off the planning node, and persists the extension.
func (s *Supervisor) bridgePlan(ctx context.Context, plannerNodeID string, plan *Plan) error {
	prev := plannerNodeID
	for i, step := range plan.Steps {
		nodeType := models.NodeAgent
		if step.NeedsApproval {
			nodeType = models.NodeApproval
		}
		idx := i
		n := &models.Node{
			NodeID: step.Label, RunID: s.run.ID, Label: step.Label,
			Type: nodeType, Status: models.NodePending,
			Agent: step.Agent, Goal: step.Goal, StepIndex: &idx,
		}
		s.graph.AddNode(n)
		if err := s.graph.AddEdge(prev, step.Label); err != nil {
			return fmt.Errorf("bridge plan: %w", err)
		}
		if err := s.st.UpsertNode(ctx, s.graph.Node(step.Label)); err != nil {
			return fmt.Errorf("persist plan node %s: %w", step.Label, err)
		}
		edge := models.Edge{SourceNodeID: prev, TargetNodeID: step.Label, RunID: s.run.ID}
		if err := s.st.UpsertEdge(ctx, edge); err != nil {
			return fmt.Errorf("persist plan edge %s->%s: %w", prev, step.Label, err)
		}
		prev = step.Label
	}
	return nil
}

// persistGraph writes every node and edge of the graph to the store.
func (s *Supervisor) persistGraph(ctx context.Context, g *dag.Graph) error {
	for _, n := range g.Nodes() {
		if err := s.st.UpsertNode(ctx, n); err != nil {
			return fmt.Errorf("persist node %s: %w", n.NodeID, err)
		}
	}
	for _, e := range g.Edges() {
		if err := s.st.UpsertEdge(ctx, e); err != nil {
			return fmt.Errorf("persist edge %s->%s: %w", e.SourceNodeID, e.TargetNodeID, err)
		}
	}
	return nil
}
