package models

import "time"

// Branch labels a run forked from another run at a specific node. The branch
// itself is a run; the "main" branch is the run with no ParentBranchID. A
// fork copies the parent's event history up to and including the fork point.
type Branch struct {
	ID             string    `json:"id"`
	RunID          string    `json:"run_id"` // the forked run
	ParentRunID    string    `json:"parent_run_id"`
	ParentBranchID *string   `json:"parent_branch_id,omitempty"`
	ForkNodeID     string    `json:"fork_node_id"`
	Hypothesis     string    `json:"hypothesis,omitempty"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
	Status         string    `json:"status"`
}
