package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomworks/loom/pkg/agent"
	"github.com/loomworks/loom/pkg/capture"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/scheduler"
)

var _ scheduler.NodeRunner = (*Supervisor)(nil)

// RunNode executes one node's body on behalf of the scheduler.
func (s *Supervisor) RunNode(ctx context.Context, node *models.Node, rec *capture.Recorder) (*scheduler.NodeResult, error) {
	switch node.Type {
	case models.NodePlanning:
		return s.runPlannerNode(ctx, node, rec)
	default:
		return s.runAgentNode(ctx, node, rec)
	}
}

// personaFor resolves a node's agent name against the configured personas.
// Unknown names get the default persona under the requested name so event
// attribution stays truthful.
func (s *Supervisor) personaFor(name string) agent.Persona {
	if p, ok := s.cfg.Personas[name]; ok {
		return p
	}
	p := s.cfg.DefaultPersona
	if name != "" {
		p.Name = name
	}
	return p
}

func (s *Supervisor) newSession(rec *capture.Recorder, nodeID string) *agent.Session {
	hooks := &captureHooks{sup: s, rec: rec, nodeID: nodeID}
	return agent.NewSession(s.provider, s.executor, hooks, s.cfg.Tools, s.cfg.MaxRounds)
}

// contextFor summarizes the node's completed predecessors for the persona.
func (s *Supervisor) contextFor(node *models.Node) string {
	var b strings.Builder
	for _, pred := range s.graph.Predecessors(node.NodeID) {
		p := s.graph.Node(pred)
		if p == nil || p.Status != models.NodeCompleted || p.Summary == "" {
			continue
		}
		fmt.Fprintf(&b, "Result of %s:\n%s\n\n", p.Label, p.Summary)
	}
	return strings.TrimSpace(b.String())
}

// nodeInput builds the step input, augmenting the prompt with the previous
// attempt's error when the scheduler granted an adaptive retry.
func nodeInput(node *models.Node, task string) string {
	input := node.Goal
	if input == "" {
		input = task
	}
	if node.Error != "" {
		input += "\n\nThe previous attempt failed with: " + node.Error +
			"\nAdjust your approach and try again."
	}
	return input
}

// runAgentNode holds a session with the node's persona, following handoffs
// to other personas up to the configured budget.
func (s *Supervisor) runAgentNode(ctx context.Context, node *models.Node, rec *capture.Recorder) (*scheduler.NodeResult, error) {
	persona := s.personaFor(node.Agent)
	sess := s.newSession(rec, node.NodeID)
	sess.Start(persona, s.contextFor(node))
	input := nodeInput(node, s.run.Task)

	for hop := 0; ; hop++ {
		res, err := sess.Step(ctx, input)
		if err != nil {
			return nil, err
		}
		if res.Handoff == nil {
			return &scheduler.NodeResult{Summary: res.Output}, nil
		}
		if hop+1 > s.cfg.MaxHandoffs {
			return nil, &scheduler.LogicError{
				Reason: fmt.Sprintf("node %s exceeded %d handoffs", node.NodeID, s.cfg.MaxHandoffs),
			}
		}

		target := s.personaFor(res.Handoff.ToAgent)
		sess = s.newSession(rec, node.NodeID)
		sess.Start(target, s.contextFor(node))
		input = fmt.Sprintf("You received a handoff from %s: %s\n\nTask: %s",
			res.Handoff.FromAgent, res.Handoff.Reason, nodeInput(node, s.run.Task))
	}
}

// runPlannerNode asks the planner persona for a plan and bridges it into
// the DAG. An unparseable plan is a logic error and gets one adaptive retry.
func (s *Supervisor) runPlannerNode(ctx context.Context, node *models.Node, rec *capture.Recorder) (*scheduler.NodeResult, error) {
	sess := s.newSession(rec, node.NodeID)
	sess.Start(s.cfg.PlannerPersona, "")

	input := plannerPrompt(s.run.Task)
	if node.Error != "" {
		input += "\n\nYour previous plan was rejected: " + node.Error
	}
	res, err := sess.Step(ctx, input)
	if err != nil {
		return nil, err
	}

	plan, err := parsePlan(res.Output)
	if err != nil {
		return nil, err
	}
	if err := s.bridgePlan(ctx, node.NodeID, plan); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	return &scheduler.NodeResult{
		Summary: fmt.Sprintf("planned %d steps", len(plan.Steps)),
		Payload: payload,
	}, nil
}
