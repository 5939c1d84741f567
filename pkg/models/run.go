package models

import (
	"encoding/json"
	"time"
)

// RunMode selects the planning strategy for a run.
type RunMode string

const (
	ModeOneShot         RunMode = "one_shot"
	ModePlanningControl RunMode = "planning_control"
	ModeChat            RunMode = "chat"
	ModeIdeaGeneration  RunMode = "idea_generation"
)

// ValidRunMode reports whether m is one of the supported modes.
func ValidRunMode(m RunMode) bool {
	switch m {
	case ModeOneShot, ModePlanningControl, ModeChat, ModeIdeaGeneration:
		return true
	}
	return false
}

// Run is one end-to-end execution of a task. A run exclusively owns its DAG
// nodes, edges and events. Status transitions follow the lifecycle state
// machine; a run identifier is never re-used.
type Run struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	Task            string          `json:"task"`
	Mode            RunMode         `json:"mode"`
	Agent           string          `json:"agent,omitempty"`
	Model           string          `json:"model,omitempty"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CostUSD         float64         `json:"cost_usd"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Config          json.RawMessage `json:"config,omitempty"` // mode-specific config
	ParentRunID     *string         `json:"parent_run_id,omitempty"`
	BranchID        *string         `json:"branch_id,omitempty"`
}

// RunFilters narrows ListRuns results.
type RunFilters struct {
	Status string
	Mode   RunMode
	Since  *time.Time
	Before *time.Time
}

// Page is offset pagination for list queries.
type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 50
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// RunList is a paginated list of runs.
type RunList struct {
	Runs       []*Run `json:"runs"`
	TotalCount int    `json:"total_count"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}
