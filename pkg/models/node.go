package models

import (
	"encoding/json"
	"time"
)

// NodeType classifies a DAG node.
type NodeType string

const (
	NodePlanning   NodeType = "planning"
	NodeControl    NodeType = "control"
	NodeAgent      NodeType = "agent"
	NodeApproval   NodeType = "approval"
	NodeParallel   NodeType = "parallel"
	NodeTerminator NodeType = "terminator"
)

// NodeStatus is the execution status of a DAG node. Only the scheduler
// mutates node status.
type NodeStatus string

const (
	NodePending         NodeStatus = "pending"
	NodeRunning         NodeStatus = "running"
	NodeCompleted       NodeStatus = "completed"
	NodeFailed          NodeStatus = "failed"
	NodePaused          NodeStatus = "paused"
	NodeWaitingApproval NodeStatus = "waiting_approval"
	NodeRetrying        NodeStatus = "retrying"
	NodeSkipped         NodeStatus = "skipped"
)

// TerminalNodeStatus reports whether s is a terminal node status.
func TerminalNodeStatus(s NodeStatus) bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeSkipped
}

// RetryMeta tracks retry bookkeeping for a node.
type RetryMeta struct {
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`
}

// Node is a single step in a run's DAG. Identity is the composite
// (NodeID, RunID) — NodeID alone is not unique across runs, so every
// query must scope by run. Nodes are never deleted, only marked
// skipped or failed.
type Node struct {
	NodeID      string          `json:"node_id"`
	RunID       string          `json:"run_id"`
	Label       string          `json:"label"`
	Type        NodeType        `json:"node_type"`
	Status      NodeStatus      `json:"status"`
	Agent       string          `json:"agent,omitempty"`
	StepIndex   *int            `json:"step_index,omitempty"`
	Goal        string          `json:"goal,omitempty"`
	Summary     string          `json:"summary,omitempty"`
	Description string          `json:"description,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	Retry       RetryMeta       `json:"retry"`
	Payload     json.RawMessage `json:"payload,omitempty"` // e.g. the generated plan for planning nodes
}

// Edge is a directed dependency between two nodes of the same run.
type Edge struct {
	SourceNodeID string `json:"source_node_id"`
	TargetNodeID string `json:"target_node_id"`
	RunID        string `json:"run_id"`
}
