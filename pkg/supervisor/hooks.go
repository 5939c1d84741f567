package supervisor

import (
	"context"

	"github.com/loomworks/loom/pkg/agent"
	"github.com/loomworks/loom/pkg/capture"
	"github.com/loomworks/loom/pkg/models"
)

// captureHooks feeds one node's session activity into the capture pipeline.
// Every action becomes a start/complete event pair on the node's scope, so
// nested activity hangs off the node_started event.
type captureHooks struct {
	sup    *Supervisor
	rec    *capture.Recorder
	nodeID string
}

var _ agent.Hooks = (*captureHooks)(nil)

func (h *captureHooks) OnAgentMessage(ctx context.Context, m agent.AgentMessage) {
	_, err := h.rec.Begin(ctx, h.nodeID, models.AgentCallPayload{
		Phase: models.PhaseStart, Agent: m.Agent, Model: m.Model, Prompt: m.Prompt,
	})
	h.sup.noteRecordErr(err)
	ev, err := h.rec.End(ctx, h.nodeID, models.AgentCallPayload{
		Phase: models.PhaseComplete, Agent: m.Agent, Model: m.Model,
		Prompt: m.Prompt, Response: m.Response, CostUSD: m.CostUSD,
	}, "completed")
	h.sup.noteRecordErr(err)

	h.sup.addCost(ctx, h.rec, m.CostUSD)
	if ev != nil {
		h.rec.CaptureFiles(ctx, h.nodeID, m.Agent, ev.ID, h.sup.scanner, m.Response)
	}
}

func (h *captureHooks) OnToolCall(ctx context.Context, c agent.ToolCall) {
	_, err := h.rec.Begin(ctx, h.nodeID, models.ToolCallPayload{
		Phase: models.PhaseStart, Agent: c.Agent, Tool: c.Tool, Args: c.Args,
	})
	h.sup.noteRecordErr(err)

	status := "completed"
	result := c.Result
	if c.Err != nil {
		status = "error"
		result = c.Err.Error()
	}
	ev, err := h.rec.End(ctx, h.nodeID, models.ToolCallPayload{
		Phase: models.PhaseComplete, Agent: c.Agent, Tool: c.Tool, Args: c.Args,
		Result: result, Status: status,
	}, status)
	h.sup.noteRecordErr(err)
	if ev != nil && c.Err == nil {
		h.rec.CaptureFiles(ctx, h.nodeID, c.Agent, ev.ID, h.sup.scanner, c.Result)
	}
}

func (h *captureHooks) OnCodeExec(ctx context.Context, c agent.CodeExec) {
	imports := capture.ExtractImports(c.Language, c.Code)
	_, err := h.rec.Begin(ctx, h.nodeID, models.CodeExecPayload{
		Phase: models.PhaseStart, Agent: c.Agent,
		Language: c.Language, Code: c.Code, Imports: imports,
	})
	h.sup.noteRecordErr(err)

	status := "completed"
	if c.ExitCode != 0 {
		status = "error"
	}
	ev, err := h.rec.End(ctx, h.nodeID, models.CodeExecPayload{
		Phase: models.PhaseComplete, Agent: c.Agent,
		Language: c.Language, Code: c.Code,
		Stdout: c.Stdout, Stderr: c.Stderr, ExitCode: c.ExitCode,
		Imports: imports,
	}, status)
	h.sup.noteRecordErr(err)
	if ev != nil {
		h.rec.CaptureFiles(ctx, h.nodeID, c.Agent, ev.ID, h.sup.scanner, c.Code, c.Stdout)
	}
}

func (h *captureHooks) OnHandoff(ctx context.Context, ho agent.Handoff) {
	_, err := h.rec.Record(ctx, h.nodeID, models.HandoffPayload{
		FromAgent: ho.FromAgent, ToAgent: ho.ToAgent, Reason: ho.Reason,
	})
	h.sup.noteRecordErr(err)
}
