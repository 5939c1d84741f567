package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/lifecycle"
	"github.com/loomworks/loom/pkg/models"
)

// Memory is an in-memory Store. It mirrors the Postgres implementation's
// semantics (append ordering, CAS transitions, cascade deletes) and backs
// unit tests and database-less operation.
type Memory struct {
	mu sync.RWMutex

	sessions map[string]*models.Session
	runs     map[string]*models.Run
	nodes    map[string]map[string]*models.Node // runID -> nodeID -> node
	edges    map[string][]models.Edge           // runID -> edges
	events   map[string][]*models.Event         // runID -> ordered events
	nextSeq  map[string]int64                   // runID -> next execution_order
	branches map[string][]*models.Branch        // parentRunID -> branches
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*models.Session),
		runs:     make(map[string]*models.Run),
		nodes:    make(map[string]map[string]*models.Node),
		edges:    make(map[string][]models.Edge),
		events:   make(map[string][]*models.Event),
		nextSeq:  make(map[string]int64),
		branches: make(map[string][]*models.Branch),
	}
}

var _ Store = (*Memory)(nil)

// --- Sessions ---

func (m *Memory) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s: %w", s.ID, ErrConflict)
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	cp := *s
	cp.RunCount = m.runCountLocked(id)
	return &cp, nil
}

func (m *Memory) runCountLocked(sessionID string) int {
	n := 0
	for _, r := range m.runs {
		if r.SessionID == sessionID {
			n++
		}
	}
	return n
}

func (m *Memory) ListSessions(_ context.Context, f models.SessionFilters, page models.Page) (*models.SessionList, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	page = page.Normalize()

	var all []*models.Session
	for _, s := range m.sessions {
		if f.NameContains != "" && !strings.Contains(strings.ToLower(s.Name), strings.ToLower(f.NameContains)) {
			continue
		}
		if f.ActiveSince != nil && s.LastActiveAt.Before(*f.ActiveSince) {
			continue
		}
		cp := *s
		cp.RunCount = m.runCountLocked(s.ID)
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastActiveAt.After(all[j].LastActiveAt) })

	total := len(all)
	all = slicePage(all, page)
	return &models.SessionList{Sessions: all, TotalCount: total, Limit: page.Limit, Offset: page.Offset}, nil
}

func (m *Memory) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	delete(m.sessions, id)
	for runID, r := range m.runs {
		if r.SessionID != id {
			continue
		}
		delete(m.runs, runID)
		delete(m.nodes, runID)
		delete(m.edges, runID)
		delete(m.events, runID)
		delete(m.nextSeq, runID)
		delete(m.branches, runID)
	}
	return nil
}

// --- Runs ---

func (m *Memory) CreateRun(_ context.Context, r *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[r.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", r.SessionID, ErrNotFound)
	}
	if _, ok := m.runs[r.ID]; ok {
		return fmt.Errorf("run %s: %w", r.ID, ErrConflict)
	}
	cp := *r
	m.runs[r.ID] = &cp
	m.nodes[r.ID] = make(map[string]*models.Node)
	m.sessions[r.SessionID].LastActiveAt = cp.CreatedAt
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) ListRuns(_ context.Context, sessionID string, f models.RunFilters, page models.Page) (*models.RunList, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	page = page.Normalize()

	var all []*models.Run
	for _, r := range m.runs {
		if sessionID != "" && r.SessionID != sessionID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Mode != "" && r.Mode != f.Mode {
			continue
		}
		if f.Since != nil && r.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.Before != nil && !r.CreatedAt.Before(*f.Before) {
			continue
		}
		cp := *r
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	total := len(all)
	all = slicePage(all, page)
	return &models.RunList{Runs: all, TotalCount: total, Limit: page.Limit, Offset: page.Offset}, nil
}

func (m *Memory) UpdateRunState(_ context.Context, runID string, from, to lifecycle.State, errMsg string) error {
	if !lifecycle.CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrIllegalTransition)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if r.Status != string(from) {
		return fmt.Errorf("run %s is %s, expected %s: %w", runID, r.Status, from, ErrConflict)
	}
	applyTransition(r, to, errMsg, time.Now().UTC())
	if lifecycle.Terminal(to) {
		if s, ok := m.sessions[r.SessionID]; ok {
			s.LastActiveAt = *r.CompletedAt
		}
	}
	return nil
}

// applyTransition mutates the run row for a legal transition. Shared shape
// with the SQL path: started_at set on first executing, completed_at on any
// terminal state.
func applyTransition(r *models.Run, to lifecycle.State, errMsg string, now time.Time) {
	r.Status = string(to)
	if to == lifecycle.StateExecuting && r.StartedAt == nil {
		t := now
		r.StartedAt = &t
	}
	if lifecycle.Terminal(to) {
		t := now
		r.CompletedAt = &t
	}
	if errMsg != "" {
		r.ErrorMessage = errMsg
	}
}

func (m *Memory) AddRunCost(_ context.Context, runID string, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return 0, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	r.CostUSD += delta
	if s, ok := m.sessions[r.SessionID]; ok {
		s.TotalCostUSD += delta
	}
	return r.CostUSD, nil
}

func (m *Memory) TouchHeartbeat(_ context.Context, runID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	t := at
	r.LastHeartbeatAt = &t
	return nil
}

func (m *Memory) StalledRuns(_ context.Context, cutoff time.Time) ([]*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Run
	for _, r := range m.runs {
		if lifecycle.Terminal(lifecycle.State(r.Status)) {
			continue
		}
		last := r.CreatedAt
		if r.LastHeartbeatAt != nil {
			last = *r.LastHeartbeatAt
		}
		if last.Before(cutoff) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- DAG topology ---

func (m *Memory) UpsertNode(_ context.Context, n *models.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.nodes[n.RunID]
	if !ok {
		return fmt.Errorf("run %s: %w", n.RunID, ErrNotFound)
	}
	cp := *n
	byID[n.NodeID] = &cp
	return nil
}

func (m *Memory) UpsertEdge(_ context.Context, e models.Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.nodes[e.RunID]
	if !ok {
		return fmt.Errorf("run %s: %w", e.RunID, ErrNotFound)
	}
	if _, ok := byID[e.SourceNodeID]; !ok {
		return fmt.Errorf("edge source %s: %w", e.SourceNodeID, ErrInvalidTopology)
	}
	if _, ok := byID[e.TargetNodeID]; !ok {
		return fmt.Errorf("edge target %s: %w", e.TargetNodeID, ErrInvalidTopology)
	}
	for _, existing := range m.edges[e.RunID] {
		if existing == e {
			return nil
		}
	}
	if m.reachesLocked(e.RunID, e.TargetNodeID, e.SourceNodeID) {
		return fmt.Errorf("edge %s->%s closes a cycle: %w", e.SourceNodeID, e.TargetNodeID, ErrInvalidTopology)
	}
	m.edges[e.RunID] = append(m.edges[e.RunID], e)
	return nil
}

// reachesLocked reports whether to is reachable from from over the run's
// edges. A self edge counts as reachable. Caller holds mu.
func (m *Memory) reachesLocked(runID, from, to string) bool {
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		for _, e := range m.edges[runID] {
			if e.SourceNodeID == n && !seen[e.TargetNodeID] {
				seen[e.TargetNodeID] = true
				stack = append(stack, e.TargetNodeID)
			}
		}
	}
	return false
}

func (m *Memory) NodesForRun(_ context.Context, runID string) ([]*models.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID, ok := m.nodes[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	out := make([]*models.Node, 0, len(byID))
	for _, n := range byID {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (m *Memory) EdgesForRun(_ context.Context, runID string) ([]models.Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	out := make([]models.Edge, len(m.edges[runID]))
	copy(out, m.edges[runID])
	return out, nil
}

// --- Events ---

func (m *Memory) AppendEvent(_ context.Context, ev *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[ev.RunID]; !ok {
		return fmt.Errorf("run %s: %w", ev.RunID, ErrNotFound)
	}
	m.nextSeq[ev.RunID]++
	ev.ExecutionOrder = m.nextSeq[ev.RunID]
	cp := *ev
	m.events[ev.RunID] = append(m.events[ev.RunID], &cp)
	return nil
}

func (m *Memory) EventsForRun(_ context.Context, runID string, f Filter) ([]*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return filterEvents(m.events[runID], f, func(*models.Event) bool { return true }), nil
}

func (m *Memory) EventsForNode(_ context.Context, runID, nodeID string, f Filter) ([]*models.Event, error) {
	if runID == "" {
		return nil, ErrUnscopedNodeQuery
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return filterEvents(m.events[runID], f, func(ev *models.Event) bool {
		return ev.NodeID != nil && *ev.NodeID == nodeID
	}), nil
}

func filterEvents(events []*models.Event, f Filter, extra func(*models.Event) bool) []*models.Event {
	var out []*models.Event
	for _, ev := range events {
		if !matchesFilter(ev, f) || !extra(ev) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func (m *Memory) FilesForRun(_ context.Context, runID string) ([]*models.FileArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	var out []*models.FileArtifact
	for _, ev := range m.events[runID] {
		if f, ok := models.FileFromEvent(ev); ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *Memory) CopyEvents(_ context.Context, dstRunID, srcRunID string, upToOrder int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dst, ok := m.runs[dstRunID]
	if !ok {
		return 0, fmt.Errorf("run %s: %w", dstRunID, ErrNotFound)
	}
	if _, ok := m.runs[srcRunID]; !ok {
		return 0, fmt.Errorf("run %s: %w", srcRunID, ErrNotFound)
	}
	copied := 0
	for _, ev := range m.events[srcRunID] {
		if ev.ExecutionOrder > upToOrder {
			break
		}
		cp := *ev
		cp.ID = uuid.New().String()
		cp.RunID = dstRunID
		cp.SessionID = dst.SessionID
		m.nextSeq[dstRunID]++
		cp.ExecutionOrder = m.nextSeq[dstRunID]
		m.events[dstRunID] = append(m.events[dstRunID], &cp)
		copied++
	}
	return copied, nil
}

// --- Branches ---

func (m *Memory) CreateBranch(_ context.Context, b *models.Branch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[b.ParentRunID]; !ok {
		return fmt.Errorf("run %s: %w", b.ParentRunID, ErrNotFound)
	}
	cp := *b
	m.branches[b.ParentRunID] = append(m.branches[b.ParentRunID], &cp)
	return nil
}

func (m *Memory) ListBranches(_ context.Context, parentRunID string) ([]*models.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.runs[parentRunID]; !ok {
		return nil, fmt.Errorf("run %s: %w", parentRunID, ErrNotFound)
	}
	out := make([]*models.Branch, 0, len(m.branches[parentRunID]))
	for _, b := range m.branches[parentRunID] {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func slicePage[T any](all []T, page models.Page) []T {
	if page.Offset >= len(all) {
		return nil
	}
	all = all[page.Offset:]
	if len(all) > page.Limit {
		all = all[:page.Limit]
	}
	return all
}
