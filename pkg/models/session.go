package models

import "time"

// Session is a user-scoped namespace for runs. Destroyed only on explicit
// deletion, which cascades to owned runs.
type Session struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	RunCount     int       `json:"run_count"`
	TotalCostUSD float64   `json:"total_cost_usd"`
}

// SessionFilters narrows ListSessions results.
type SessionFilters struct {
	NameContains string
	ActiveSince  *time.Time
}

// SessionList is a paginated list of sessions.
type SessionList struct {
	Sessions   []*Session `json:"sessions"`
	TotalCount int        `json:"total_count"`
	Limit      int        `json:"limit"`
	Offset     int        `json:"offset"`
}
