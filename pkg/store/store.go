// Package store persists sessions, runs, DAG topology, branches and the
// append-only event log. Two implementations share the same semantics: a
// Postgres store for production and an in-memory store for tests and for
// running without a database.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/loomworks/loom/pkg/lifecycle"
	"github.com/loomworks/loom/pkg/models"
)

var (
	// ErrStoreUnavailable wraps transient backend failures. Callers may retry.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrConflict is returned when a compare-and-set precondition fails.
	ErrConflict = errors.New("state conflict")
	// ErrIllegalTransition is returned for a lifecycle edge that does not exist.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrInvalidTopology is returned for edges referencing unknown nodes.
	ErrInvalidTopology = errors.New("invalid topology")
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnscopedNodeQuery is returned when a node-scoped query omits the run.
	// Node IDs are only unique within a run.
	ErrUnscopedNodeQuery = errors.New("node query requires a run scope")
)

// Filter narrows event reads. The zero value is the default view: internal
// bookkeeping events (agent_call start halves, node_started, node_completed)
// are hidden unless IncludeInternal is set.
type Filter struct {
	Types           []models.EventType
	AfterOrder      int64 // strictly greater than; orders start at 1
	IncludeInternal bool
	Limit           int
}

// Store is the persistence boundary of the engine. All methods are safe for
// concurrent use.
type Store interface {
	// Sessions.
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, f models.SessionFilters, page models.Page) (*models.SessionList, error)
	// DeleteSession removes the session and cascades to its runs, nodes,
	// edges, events and branches.
	DeleteSession(ctx context.Context, id string) error

	// Runs.
	CreateRun(ctx context.Context, r *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, sessionID string, f models.RunFilters, page models.Page) (*models.RunList, error)
	// UpdateRunState performs a compare-and-set transition. It fails with
	// ErrIllegalTransition for unknown edges and ErrConflict when the stored
	// state no longer matches from. errMsg is recorded for failure states.
	UpdateRunState(ctx context.Context, runID string, from, to lifecycle.State, errMsg string) error
	// AddRunCost atomically adds delta to the run's cost and the owning
	// session's total, returning the run's new total.
	AddRunCost(ctx context.Context, runID string, delta float64) (float64, error)
	TouchHeartbeat(ctx context.Context, runID string, at time.Time) error
	// StalledRuns returns non-terminal runs whose last heartbeat is older
	// than cutoff (never-beaten runs use their creation time).
	StalledRuns(ctx context.Context, cutoff time.Time) ([]*models.Run, error)

	// DAG topology. UpsertEdge fails with ErrInvalidTopology when either
	// endpoint is missing or the edge would close a cycle: the persisted
	// edge set is acyclic at all times.
	UpsertNode(ctx context.Context, n *models.Node) error
	UpsertEdge(ctx context.Context, e models.Edge) error
	NodesForRun(ctx context.Context, runID string) ([]*models.Node, error)
	EdgesForRun(ctx context.Context, runID string) ([]models.Edge, error)

	// Events. AppendEvent assigns ExecutionOrder under the per-run append
	// lock; the stored row is immutable afterwards.
	AppendEvent(ctx context.Context, ev *models.Event) error
	EventsForRun(ctx context.Context, runID string, f Filter) ([]*models.Event, error)
	EventsForNode(ctx context.Context, runID, nodeID string, f Filter) ([]*models.Event, error)
	FilesForRun(ctx context.Context, runID string) ([]*models.FileArtifact, error)
	// CopyEvents copies the source run's events with execution_order up to
	// and including upToOrder into the destination run, preserving relative
	// order. Returns the number of events copied.
	CopyEvents(ctx context.Context, dstRunID, srcRunID string, upToOrder int64) (int, error)

	// Branches.
	CreateBranch(ctx context.Context, b *models.Branch) error
	ListBranches(ctx context.Context, parentRunID string) ([]*models.Branch, error)

	Ping(ctx context.Context) error
	Close() error
}

// internalEvent reports whether ev is hidden by the default read filter.
func internalEvent(ev *models.Event) bool {
	switch ev.Type {
	case models.EventNodeStarted, models.EventNodeCompleted:
		return true
	case models.EventAgentCall:
		return ev.Subtype == models.SubtypeStart
	}
	return false
}

// matchesFilter applies Filter semantics shared by both implementations.
func matchesFilter(ev *models.Event, f Filter) bool {
	if ev.ExecutionOrder <= f.AfterOrder {
		return false
	}
	if !f.IncludeInternal && internalEvent(ev) {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
