// Package models defines the persisted domain entities of the workflow
// engine: sessions, runs, DAG nodes and edges, execution events, branches,
// and the projected file-artifact view.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of an execution event. The wire tag is
// derived from the typed payload via Payload.Kind — callers never pass
// free-form strings.
type EventType string

const (
	EventAgentCall            EventType = "agent_call"
	EventToolCall             EventType = "tool_call"
	EventCodeExec             EventType = "code_exec"
	EventHandoff              EventType = "handoff"
	EventFileGen              EventType = "file_gen"
	EventNodeStarted          EventType = "node_started"
	EventNodeCompleted        EventType = "node_completed"
	EventNodeRetry            EventType = "node_retry"
	EventWorkflowStarted      EventType = "workflow_started"
	EventWorkflowStateChanged EventType = "workflow_state_changed"
	EventCostUpdate           EventType = "cost_update"
	EventApprovalRequested    EventType = "approval_requested"
	EventApprovalReceived     EventType = "approval_received"
	EventErrorOccurred        EventType = "error_occurred"
	EventHeartbeat            EventType = "heartbeat"
)

// EventSubtype refines an event type. agent_call/tool_call/code_exec use the
// start/complete pair; node_retry uses the step_retry_* attempt markers.
type EventSubtype string

const (
	SubtypeNone      EventSubtype = ""
	SubtypeStart     EventSubtype = "start"
	SubtypeComplete  EventSubtype = "complete"
	SubtypeExecution EventSubtype = "execution"
	SubtypeMessage   EventSubtype = "message"

	SubtypeRetryStarted   EventSubtype = "step_retry_started"
	SubtypeRetryBackoff   EventSubtype = "step_retry_backoff"
	SubtypeRetrySucceeded EventSubtype = "step_retry_succeeded"
	SubtypeRetryExhausted EventSubtype = "step_retry_exhausted"
)

// Event is one append-only record in a run's execution log. Events are never
// mutated after insert; ExecutionOrder is assigned by the store under the
// per-run append lock and is strictly increasing within a run.
//
// Inputs, Outputs and Meta are opaque JSON at this layer — consumers decode
// them lazily against the schema implied by Type.
type Event struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	NodeID         *string         `json:"node_id,omitempty"` // nil for run-level events
	SessionID      string          `json:"session_id"`
	ExecutionOrder int64           `json:"execution_order"`
	Timestamp      time.Time       `json:"timestamp"`
	Type           EventType       `json:"event_type"`
	Subtype        EventSubtype    `json:"event_subtype,omitempty"`
	ParentEventID  *string         `json:"parent_event_id,omitempty"`
	AgentName      string          `json:"agent_name,omitempty"`
	DurationMS     int64           `json:"duration_ms,omitempty"`
	Status         string          `json:"status,omitempty"`
	Inputs         json.RawMessage `json:"inputs,omitempty"`
	Outputs        json.RawMessage `json:"outputs,omitempty"`
	Meta           json.RawMessage `json:"meta,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// Payload is the sum type of event payloads. Exactly one variant exists per
// event kind; the transport string tag is a pure function of the variant.
type Payload interface {
	Kind() EventType
	Subtype() EventSubtype
	// Blobs splits the payload into the three opaque columns. A nil entry
	// leaves the column empty.
	Blobs() (inputs, outputs, meta any)
}

// Build assembles an immutable Event from a typed payload. nodeID may be
// empty for run-level events. ExecutionOrder is zero until the store
// assigns it on append.
func Build(runID, sessionID, nodeID string, p Payload) (*Event, error) {
	ev := &Event{
		ID:        uuid.New().String(),
		RunID:     runID,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Type:      p.Kind(),
		Subtype:   p.Subtype(),
	}
	if nodeID != "" {
		ev.NodeID = &nodeID
	}
	ev.AgentName = agentOf(p)
	if e, ok := p.(ErrorOccurredPayload); ok {
		ev.ErrorMessage = e.Message
	}

	in, out, meta := p.Blobs()
	var err error
	if ev.Inputs, err = marshalBlob(in); err != nil {
		return nil, fmt.Errorf("marshal %s inputs: %w", p.Kind(), err)
	}
	if ev.Outputs, err = marshalBlob(out); err != nil {
		return nil, fmt.Errorf("marshal %s outputs: %w", p.Kind(), err)
	}
	if ev.Meta, err = marshalBlob(meta); err != nil {
		return nil, fmt.Errorf("marshal %s meta: %w", p.Kind(), err)
	}
	return ev, nil
}

// agentOf maps each payload variant to the agent it attributes the event to.
func agentOf(p Payload) string {
	switch v := p.(type) {
	case AgentCallPayload:
		return v.Agent
	case ToolCallPayload:
		return v.Agent
	case CodeExecPayload:
		return v.Agent
	case HandoffPayload:
		return v.FromAgent
	case FileGenPayload:
		return v.Agent
	}
	return ""
}

func marshalBlob(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// --- Payload variants ---

// CallPhase distinguishes the opening and closing halves of a call pair.
type CallPhase string

const (
	PhaseStart    CallPhase = "start"
	PhaseComplete CallPhase = "complete"
)

// AgentCallPayload records one LLM round with an agent persona. Start and
// complete are emitted as a pair; the default read filter hides the start.
type AgentCallPayload struct {
	Phase    CallPhase
	Agent    string
	Model    string
	Prompt   string
	Response string
	CostUSD  float64
}

func (p AgentCallPayload) Kind() EventType { return EventAgentCall }
func (p AgentCallPayload) Subtype() EventSubtype {
	if p.Phase == PhaseStart {
		return SubtypeStart
	}
	return SubtypeComplete
}
func (p AgentCallPayload) Blobs() (any, any, any) {
	in := map[string]any{"prompt": p.Prompt, "model": p.Model}
	var out any
	if p.Phase == PhaseComplete {
		out = map[string]any{"response": p.Response}
	}
	return in, out, map[string]any{"cost_usd": p.CostUSD}
}

// ToolCallPayload records a single tool invocation by an agent.
type ToolCallPayload struct {
	Phase  CallPhase
	Agent  string
	Tool   string
	Args   map[string]any
	Result string
	Status string
}

func (p ToolCallPayload) Kind() EventType { return EventToolCall }
func (p ToolCallPayload) Subtype() EventSubtype {
	if p.Phase == PhaseStart {
		return SubtypeStart
	}
	return SubtypeComplete
}
func (p ToolCallPayload) Blobs() (any, any, any) {
	in := map[string]any{"tool": p.Tool, "args": p.Args}
	var out any
	if p.Phase == PhaseComplete {
		out = map[string]any{"result": p.Result, "status": p.Status}
	}
	return in, out, nil
}

// CodeExecPayload records one sandboxed code execution, including the
// dependency hints extracted from the code block.
type CodeExecPayload struct {
	Phase    CallPhase
	Agent    string
	Language string
	Code     string
	Stdout   string
	Stderr   string
	ExitCode int
	Imports  []string
}

func (p CodeExecPayload) Kind() EventType { return EventCodeExec }
func (p CodeExecPayload) Subtype() EventSubtype {
	if p.Phase == PhaseStart {
		return SubtypeStart
	}
	return SubtypeComplete
}
func (p CodeExecPayload) Blobs() (any, any, any) {
	in := map[string]any{"language": p.Language, "code": p.Code}
	var out any
	if p.Phase == PhaseComplete {
		out = map[string]any{"stdout": p.Stdout, "stderr": p.Stderr, "exit_code": p.ExitCode}
	}
	imports := p.Imports
	if imports == nil {
		imports = []string{}
	}
	return in, out, map[string]any{"imports": imports}
}

// HandoffPayload records a delegation from one agent persona to another.
type HandoffPayload struct {
	FromAgent string
	ToAgent   string
	Reason    string
}

func (p HandoffPayload) Kind() EventType       { return EventHandoff }
func (p HandoffPayload) Subtype() EventSubtype { return SubtypeNone }
func (p HandoffPayload) Blobs() (any, any, any) {
	return map[string]any{"from": p.FromAgent, "to": p.ToAgent, "reason": p.Reason}, nil, nil
}

// FileGenPayload records a discovered file artifact. Content carries at most
// the first 5 KB when the file is textual and under the capture size limit;
// ContentOmitted marks files whose content was deliberately not embedded.
type FileGenPayload struct {
	Path           string
	FileType       string
	SizeBytes      int64
	Content        string
	ContentOmitted bool
	Agent          string
	TriggerEventID string
}

func (p FileGenPayload) Kind() EventType       { return EventFileGen }
func (p FileGenPayload) Subtype() EventSubtype { return SubtypeNone }
func (p FileGenPayload) Blobs() (any, any, any) {
	out := map[string]any{
		"path":       p.Path,
		"file_type":  p.FileType,
		"size_bytes": p.SizeBytes,
	}
	if p.ContentOmitted {
		out["content_omitted"] = true
	} else {
		out["content"] = p.Content
	}
	return nil, out, map[string]any{"trigger_event_id": p.TriggerEventID}
}

// NodeLifecyclePayload is emitted when a node starts or reaches a terminal
// status. These are internal events hidden by the default read filter.
type NodeLifecyclePayload struct {
	Phase     CallPhase // start ⇒ node_started, complete ⇒ node_completed
	NodeLabel string
	Status    string
	Error     string
}

func (p NodeLifecyclePayload) Kind() EventType {
	if p.Phase == PhaseStart {
		return EventNodeStarted
	}
	return EventNodeCompleted
}
func (p NodeLifecyclePayload) Subtype() EventSubtype { return SubtypeNone }
func (p NodeLifecyclePayload) Blobs() (any, any, any) {
	meta := map[string]any{"label": p.NodeLabel, "status": p.Status}
	if p.Error != "" {
		meta["error"] = p.Error
	}
	return nil, nil, meta
}

// NodeRetryPayload marks one step of the retry pipeline for a node.
type NodeRetryPayload struct {
	Marker      EventSubtype // one of the step_retry_* subtypes
	Attempt     int
	MaxAttempts int
	DelayMS     int64
	ErrorClass  string
	Error       string
}

func (p NodeRetryPayload) Kind() EventType       { return EventNodeRetry }
func (p NodeRetryPayload) Subtype() EventSubtype { return p.Marker }
func (p NodeRetryPayload) Blobs() (any, any, any) {
	meta := map[string]any{
		"attempt":      p.Attempt,
		"max_attempts": p.MaxAttempts,
	}
	if p.DelayMS > 0 {
		meta["delay_ms"] = p.DelayMS
	}
	if p.ErrorClass != "" {
		meta["error_class"] = p.ErrorClass
	}
	if p.Error != "" {
		meta["error"] = p.Error
	}
	return nil, nil, meta
}

// WorkflowStartedPayload is the first event of every run.
type WorkflowStartedPayload struct {
	Task string
	Mode string
}

func (p WorkflowStartedPayload) Kind() EventType       { return EventWorkflowStarted }
func (p WorkflowStartedPayload) Subtype() EventSubtype { return SubtypeNone }
func (p WorkflowStartedPayload) Blobs() (any, any, any) {
	return map[string]any{"task": p.Task, "mode": p.Mode}, nil, nil
}

// WorkflowStateChangedPayload records one run-level state transition.
type WorkflowStateChangedPayload struct {
	From   string
	To     string
	Reason string
}

func (p WorkflowStateChangedPayload) Kind() EventType       { return EventWorkflowStateChanged }
func (p WorkflowStateChangedPayload) Subtype() EventSubtype { return SubtypeNone }
func (p WorkflowStateChangedPayload) Blobs() (any, any, any) {
	meta := map[string]any{"from": p.From, "to": p.To}
	if p.Reason != "" {
		meta["reason"] = p.Reason
	}
	return nil, nil, meta
}

// CostUpdatePayload reports a change in the run's aggregate cost.
type CostUpdatePayload struct {
	DeltaUSD float64
	TotalUSD float64
}

func (p CostUpdatePayload) Kind() EventType       { return EventCostUpdate }
func (p CostUpdatePayload) Subtype() EventSubtype { return SubtypeNone }
func (p CostUpdatePayload) Blobs() (any, any, any) {
	return nil, nil, map[string]any{"delta_usd": p.DeltaUSD, "total_usd": p.TotalUSD}
}

// ApprovalRequestedPayload suspends a node until a human decision arrives.
type ApprovalRequestedPayload struct {
	ApprovalID  string
	Description string
	Options     []string
}

func (p ApprovalRequestedPayload) Kind() EventType       { return EventApprovalRequested }
func (p ApprovalRequestedPayload) Subtype() EventSubtype { return SubtypeNone }
func (p ApprovalRequestedPayload) Blobs() (any, any, any) {
	options := p.Options
	if options == nil {
		options = []string{}
	}
	return map[string]any{
		"approval_id": p.ApprovalID,
		"description": p.Description,
		"options":     options,
	}, nil, nil
}

// ApprovalReceivedPayload records the human decision for a pending approval.
type ApprovalReceivedPayload struct {
	ApprovalID string
	Approved   bool
	Feedback   string
}

func (p ApprovalReceivedPayload) Kind() EventType       { return EventApprovalReceived }
func (p ApprovalReceivedPayload) Subtype() EventSubtype { return SubtypeNone }
func (p ApprovalReceivedPayload) Blobs() (any, any, any) {
	out := map[string]any{"approval_id": p.ApprovalID, "approved": p.Approved}
	if p.Feedback != "" {
		out["feedback"] = p.Feedback
	}
	return nil, out, nil
}

// ErrorOccurredPayload records a structured failure.
type ErrorOccurredPayload struct {
	Class   string
	Message string
}

func (p ErrorOccurredPayload) Kind() EventType       { return EventErrorOccurred }
func (p ErrorOccurredPayload) Subtype() EventSubtype { return SubtypeNone }
func (p ErrorOccurredPayload) Blobs() (any, any, any) {
	return nil, nil, map[string]any{"class": p.Class, "message": p.Message}
}

// HeartbeatPayload is a liveness marker emitted by the supervisor.
type HeartbeatPayload struct{}

func (p HeartbeatPayload) Kind() EventType        { return EventHeartbeat }
func (p HeartbeatPayload) Subtype() EventSubtype  { return SubtypeNone }
func (p HeartbeatPayload) Blobs() (any, any, any) { return nil, nil, nil }
