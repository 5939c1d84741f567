package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/loomworks/loom/pkg/lifecycle"
	"github.com/loomworks/loom/pkg/models"
)

// Postgres is the production Store. Event ordering is assigned inside a
// transaction holding a per-run advisory lock, so execution_order is strictly
// increasing per run even with concurrent appenders.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool, verifies connectivity and applies
// pending migrations.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w: %v", ErrStoreUnavailable, err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("Database connected and migrated")
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing pool without running migrations. Used
// by tests that manage schemas themselves.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

var _ Store = (*Postgres)(nil)

// mapErr translates driver errors into the store's sentinel errors. Unknown
// failures are classified unavailable so callers can retry.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503": // foreign key violation
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		case "23505": // unique violation
			return fmt.Errorf("%s: %w", op, ErrConflict)
		}
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

// --- Sessions ---

func (p *Postgres) CreateSession(ctx context.Context, s *models.Session) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, created_at, last_active_at, total_cost_usd)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.Name, s.CreatedAt, s.LastActiveAt, s.TotalCostUSD)
	return mapErr("create session", err)
}

const sessionColumns = `s.id, s.name, s.created_at, s.last_active_at, s.total_cost_usd,
	(SELECT COUNT(*) FROM runs r WHERE r.session_id = s.id) AS run_count`

func (p *Postgres) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions s WHERE s.id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		return nil, mapErr("get session", err)
	}
	return s, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	if err := row.Scan(&s.ID, &s.Name, &s.CreatedAt, &s.LastActiveAt, &s.TotalCostUSD, &s.RunCount); err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) ListSessions(ctx context.Context, f models.SessionFilters, page models.Page) (*models.SessionList, error) {
	page = page.Normalize()
	where, args := []string{"1=1"}, []any{}
	if f.NameContains != "" {
		args = append(args, "%"+f.NameContains+"%")
		where = append(where, fmt.Sprintf("s.name ILIKE $%d", len(args)))
	}
	if f.ActiveSince != nil {
		args = append(args, *f.ActiveSince)
		where = append(where, fmt.Sprintf("s.last_active_at >= $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions s WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, mapErr("count sessions", err)
	}

	args = append(args, page.Limit, page.Offset)
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions s WHERE `+cond+
			fmt.Sprintf(` ORDER BY s.last_active_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, mapErr("list sessions", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, mapErr("scan session", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list sessions", err)
	}
	return &models.SessionList{Sessions: sessions, TotalCount: total, Limit: page.Limit, Offset: page.Offset}, nil
}

func (p *Postgres) DeleteSession(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return mapErr("delete session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete session %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Runs ---

func (p *Postgres) CreateRun(ctx context.Context, r *models.Run) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("create run", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, session_id, task, mode, agent, model, status, created_at,
		                   cost_usd, error_message, config, parent_run_id, branch_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, r.SessionID, r.Task, r.Mode, r.Agent, r.Model, r.Status, r.CreatedAt,
		r.CostUSD, r.ErrorMessage, nullJSON(r.Config), r.ParentRunID, r.BranchID)
	if err != nil {
		return mapErr("create run", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = $2 WHERE id = $1`, r.SessionID, r.CreatedAt)
	if err != nil {
		return mapErr("touch session", err)
	}
	return mapErr("create run", tx.Commit())
}

const runColumns = `id, session_id, task, mode, agent, model, status, created_at, started_at,
	completed_at, cost_usd, last_heartbeat_at, error_message, config, parent_run_id, branch_id`

func scanRun(row rowScanner) (*models.Run, error) {
	var r models.Run
	var config []byte
	err := row.Scan(&r.ID, &r.SessionID, &r.Task, &r.Mode, &r.Agent, &r.Model, &r.Status,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.CostUSD, &r.LastHeartbeatAt,
		&r.ErrorMessage, &config, &r.ParentRunID, &r.BranchID)
	if err != nil {
		return nil, err
	}
	r.Config = config
	return &r, nil
}

func (p *Postgres) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err != nil {
		return nil, mapErr("get run", err)
	}
	return r, nil
}

func (p *Postgres) ListRuns(ctx context.Context, sessionID string, f models.RunFilters, page models.Page) (*models.RunList, error) {
	page = page.Normalize()
	where, args := []string{"1=1"}, []any{}
	if sessionID != "" {
		args = append(args, sessionID)
		where = append(where, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Mode != "" {
		args = append(args, f.Mode)
		where = append(where, fmt.Sprintf("mode = $%d", len(args)))
	}
	if f.Since != nil {
		args = append(args, *f.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if f.Before != nil {
		args = append(args, *f.Before)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, mapErr("count runs", err)
	}

	args = append(args, page.Limit, page.Offset)
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE `+cond+
			fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, mapErr("list runs", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, mapErr("scan run", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list runs", err)
	}
	return &models.RunList{Runs: runs, TotalCount: total, Limit: page.Limit, Offset: page.Offset}, nil
}

func (p *Postgres) UpdateRunState(ctx context.Context, runID string, from, to lifecycle.State, errMsg string) error {
	if !lifecycle.CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrIllegalTransition)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("update run state", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current, sessionID string
	err = tx.QueryRowContext(ctx,
		`SELECT status, session_id FROM runs WHERE id = $1 FOR UPDATE`, runID).
		Scan(&current, &sessionID)
	if err != nil {
		return mapErr("update run state", err)
	}
	if current != string(from) {
		return fmt.Errorf("run %s is %s, expected %s: %w", runID, current, from, ErrConflict)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET
		   status = $2,
		   started_at = CASE WHEN $3 AND started_at IS NULL THEN $5 ELSE started_at END,
		   completed_at = CASE WHEN $4 THEN $5 ELSE completed_at END,
		   error_message = CASE WHEN $6 <> '' THEN $6 ELSE error_message END
		 WHERE id = $1`,
		runID, string(to), to == lifecycle.StateExecuting, lifecycle.Terminal(to), now, errMsg)
	if err != nil {
		return mapErr("update run state", err)
	}
	if lifecycle.Terminal(to) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET last_active_at = $2 WHERE id = $1`, sessionID, now); err != nil {
			return mapErr("touch session", err)
		}
	}
	return mapErr("update run state", tx.Commit())
}

func (p *Postgres) AddRunCost(ctx context.Context, runID string, delta float64) (float64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, mapErr("add run cost", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total float64
	var sessionID string
	err = tx.QueryRowContext(ctx,
		`UPDATE runs SET cost_usd = cost_usd + $2 WHERE id = $1
		 RETURNING cost_usd, session_id`, runID, delta).
		Scan(&total, &sessionID)
	if err != nil {
		return 0, mapErr("add run cost", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET total_cost_usd = total_cost_usd + $2 WHERE id = $1`,
		sessionID, delta); err != nil {
		return 0, mapErr("add session cost", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, mapErr("add run cost", err)
	}
	return total, nil
}

func (p *Postgres) TouchHeartbeat(ctx context.Context, runID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE runs SET last_heartbeat_at = $2 WHERE id = $1`, runID, at)
	if err != nil {
		return mapErr("touch heartbeat", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("touch heartbeat %s: %w", runID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) StalledRuns(ctx context.Context, cutoff time.Time) ([]*models.Run, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE status NOT IN ('completed', 'failed', 'cancelled')
		   AND COALESCE(last_heartbeat_at, created_at) < $1
		 ORDER BY id`, cutoff)
	if err != nil {
		return nil, mapErr("stalled runs", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, mapErr("scan run", err)
		}
		out = append(out, r)
	}
	return out, mapErr("stalled runs", rows.Err())
}

// --- DAG topology ---

func (p *Postgres) UpsertNode(ctx context.Context, n *models.Node) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO nodes (node_id, run_id, label, node_type, status, agent, step_index,
		                    goal, summary, description, started_at, completed_at, error,
		                    retry_attempt, retry_max_attempts, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (run_id, node_id) DO UPDATE SET
		   label = EXCLUDED.label, node_type = EXCLUDED.node_type,
		   status = EXCLUDED.status, agent = EXCLUDED.agent,
		   step_index = EXCLUDED.step_index, goal = EXCLUDED.goal,
		   summary = EXCLUDED.summary, description = EXCLUDED.description,
		   started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at,
		   error = EXCLUDED.error, retry_attempt = EXCLUDED.retry_attempt,
		   retry_max_attempts = EXCLUDED.retry_max_attempts, payload = EXCLUDED.payload`,
		n.NodeID, n.RunID, n.Label, n.Type, n.Status, n.Agent, n.StepIndex,
		n.Goal, n.Summary, n.Description, n.StartedAt, n.CompletedAt, n.Error,
		n.Retry.Attempt, n.Retry.MaxAttempts, nullJSON(n.Payload))
	return mapErr("upsert node", err)
}

// UpsertEdge inserts the edge inside a transaction holding the run's
// topology advisory lock, after checking that the source is not reachable
// from the target: the persisted edge set stays acyclic.
func (p *Postgres) UpsertEdge(ctx context.Context, e models.Edge) error {
	if e.SourceNodeID == e.TargetNodeID {
		return fmt.Errorf("edge %s->%s closes a cycle: %w", e.SourceNodeID, e.TargetNodeID, ErrInvalidTopology)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("upsert edge", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1 || '/topology'))`, e.RunID); err != nil {
		return mapErr("upsert edge", err)
	}

	var cyclic bool
	err = tx.QueryRowContext(ctx,
		`WITH RECURSIVE reach AS (
		   SELECT target_node_id FROM edges
		   WHERE run_id = $1 AND source_node_id = $2
		   UNION
		   SELECT e.target_node_id FROM edges e
		   JOIN reach r ON e.run_id = $1 AND e.source_node_id = r.target_node_id
		 )
		 SELECT EXISTS (SELECT 1 FROM reach WHERE target_node_id = $3)`,
		e.RunID, e.TargetNodeID, e.SourceNodeID).Scan(&cyclic)
	if err != nil {
		return mapErr("upsert edge", err)
	}
	if cyclic {
		return fmt.Errorf("edge %s->%s closes a cycle: %w", e.SourceNodeID, e.TargetNodeID, ErrInvalidTopology)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO edges (run_id, source_node_id, target_node_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (run_id, source_node_id, target_node_id) DO NOTHING`,
		e.RunID, e.SourceNodeID, e.TargetNodeID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("edge %s->%s: %w", e.SourceNodeID, e.TargetNodeID, ErrInvalidTopology)
		}
		return mapErr("upsert edge", err)
	}
	return mapErr("upsert edge", tx.Commit())
}

func (p *Postgres) NodesForRun(ctx context.Context, runID string) ([]*models.Node, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT node_id, run_id, label, node_type, status, agent, step_index, goal, summary,
		        description, started_at, completed_at, error, retry_attempt,
		        retry_max_attempts, payload
		 FROM nodes WHERE run_id = $1 ORDER BY node_id`, runID)
	if err != nil {
		return nil, mapErr("nodes for run", err)
	}
	defer rows.Close()

	var out []*models.Node
	for rows.Next() {
		var n models.Node
		var payload []byte
		err := rows.Scan(&n.NodeID, &n.RunID, &n.Label, &n.Type, &n.Status, &n.Agent,
			&n.StepIndex, &n.Goal, &n.Summary, &n.Description, &n.StartedAt, &n.CompletedAt,
			&n.Error, &n.Retry.Attempt, &n.Retry.MaxAttempts, &payload)
		if err != nil {
			return nil, mapErr("scan node", err)
		}
		n.Payload = payload
		out = append(out, &n)
	}
	return out, mapErr("nodes for run", rows.Err())
}

func (p *Postgres) EdgesForRun(ctx context.Context, runID string) ([]models.Edge, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT run_id, source_node_id, target_node_id FROM edges
		 WHERE run_id = $1 ORDER BY source_node_id, target_node_id`, runID)
	if err != nil {
		return nil, mapErr("edges for run", err)
	}
	defer rows.Close()

	var out []models.Edge
	for rows.Next() {
		var e models.Edge
		if err := rows.Scan(&e.RunID, &e.SourceNodeID, &e.TargetNodeID); err != nil {
			return nil, mapErr("scan edge", err)
		}
		out = append(out, e)
	}
	return out, mapErr("edges for run", rows.Err())
}

// --- Events ---

// AppendEvent inserts the event and assigns execution_order inside a
// transaction holding the run's advisory lock, so concurrent appenders for
// the same run serialize and orders never collide.
func (p *Postgres) AppendEvent(ctx context.Context, ev *models.Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("append event", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, ev.RunID); err != nil {
		return mapErr("append event", err)
	}
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(execution_order), 0) + 1 FROM events WHERE run_id = $1`,
		ev.RunID).Scan(&ev.ExecutionOrder)
	if err != nil {
		return mapErr("append event", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (id, run_id, node_id, session_id, execution_order, timestamp,
		                     event_type, event_subtype, parent_event_id, agent_name,
		                     duration_ms, status, inputs, outputs, meta, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		ev.ID, ev.RunID, ev.NodeID, ev.SessionID, ev.ExecutionOrder, ev.Timestamp,
		ev.Type, ev.Subtype, ev.ParentEventID, ev.AgentName, ev.DurationMS, ev.Status,
		nullJSON(ev.Inputs), nullJSON(ev.Outputs), nullJSON(ev.Meta), ev.ErrorMessage)
	if err != nil {
		return mapErr("append event", err)
	}
	return mapErr("append event", tx.Commit())
}

const eventColumns = `id, run_id, node_id, session_id, execution_order, timestamp, event_type,
	event_subtype, parent_event_id, agent_name, duration_ms, status, inputs, outputs, meta,
	error_message`

func scanEvent(row rowScanner) (*models.Event, error) {
	var ev models.Event
	var inputs, outputs, meta []byte
	err := row.Scan(&ev.ID, &ev.RunID, &ev.NodeID, &ev.SessionID, &ev.ExecutionOrder,
		&ev.Timestamp, &ev.Type, &ev.Subtype, &ev.ParentEventID, &ev.AgentName,
		&ev.DurationMS, &ev.Status, &inputs, &outputs, &meta, &ev.ErrorMessage)
	if err != nil {
		return nil, err
	}
	ev.Inputs, ev.Outputs, ev.Meta = inputs, outputs, meta
	return &ev, nil
}

// eventFilterSQL renders Filter into WHERE fragments. args must already hold
// the run-scope parameters.
func eventFilterSQL(f Filter, args []any) ([]string, []any) {
	var where []string
	if f.AfterOrder > 0 {
		args = append(args, f.AfterOrder)
		where = append(where, fmt.Sprintf("execution_order > $%d", len(args)))
	}
	if !f.IncludeInternal {
		where = append(where,
			`NOT (event_type IN ('node_started', 'node_completed')
			      OR (event_type = 'agent_call' AND event_subtype = 'start'))`)
	}
	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			args = append(args, string(t))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	return where, args
}

func (p *Postgres) queryEvents(ctx context.Context, where []string, args []any, f Filter) ([]*models.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY execution_order`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapErr("query events", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, mapErr("scan event", err)
		}
		out = append(out, ev)
	}
	return out, mapErr("query events", rows.Err())
}

func (p *Postgres) EventsForRun(ctx context.Context, runID string, f Filter) ([]*models.Event, error) {
	args := []any{runID}
	where := []string{"run_id = $1"}
	extra, args := eventFilterSQL(f, args)
	return p.queryEvents(ctx, append(where, extra...), args, f)
}

func (p *Postgres) EventsForNode(ctx context.Context, runID, nodeID string, f Filter) ([]*models.Event, error) {
	if runID == "" {
		return nil, ErrUnscopedNodeQuery
	}
	args := []any{runID, nodeID}
	where := []string{"run_id = $1", "node_id = $2"}
	extra, args := eventFilterSQL(f, args)
	return p.queryEvents(ctx, append(where, extra...), args, f)
}

func (p *Postgres) FilesForRun(ctx context.Context, runID string) ([]*models.FileArtifact, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE run_id = $1 AND event_type = 'file_gen' ORDER BY execution_order`, runID)
	if err != nil {
		return nil, mapErr("files for run", err)
	}
	defer rows.Close()

	var out []*models.FileArtifact
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, mapErr("scan event", err)
		}
		if f, ok := models.FileFromEvent(ev); ok {
			out = append(out, f)
		}
	}
	return out, mapErr("files for run", rows.Err())
}

func (p *Postgres) CopyEvents(ctx context.Context, dstRunID, srcRunID string, upToOrder int64) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, mapErr("copy events", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, dstRunID); err != nil {
		return 0, mapErr("copy events", err)
	}
	var dstSession string
	if err := tx.QueryRowContext(ctx,
		`SELECT session_id FROM runs WHERE id = $1`, dstRunID).Scan(&dstSession); err != nil {
		return 0, mapErr("copy events", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, run_id, node_id, session_id, execution_order, timestamp,
		                     event_type, event_subtype, parent_event_id, agent_name,
		                     duration_ms, status, inputs, outputs, meta, error_message)
		 SELECT gen_random_uuid()::text, $1, node_id, $2,
		        COALESCE((SELECT MAX(execution_order) FROM events WHERE run_id = $1), 0)
		          + ROW_NUMBER() OVER (ORDER BY execution_order),
		        timestamp, event_type, event_subtype, parent_event_id, agent_name,
		        duration_ms, status, inputs, outputs, meta, error_message
		 FROM events
		 WHERE run_id = $3 AND execution_order <= $4`,
		dstRunID, dstSession, srcRunID, upToOrder)
	if err != nil {
		return 0, mapErr("copy events", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, mapErr("copy events", err)
	}
	return int(n), nil
}

// --- Branches ---

func (p *Postgres) CreateBranch(ctx context.Context, b *models.Branch) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO branches (id, run_id, parent_run_id, parent_branch_id, fork_node_id,
		                       hypothesis, name, created_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.RunID, b.ParentRunID, b.ParentBranchID, b.ForkNodeID,
		b.Hypothesis, b.Name, b.CreatedAt, b.Status)
	return mapErr("create branch", err)
}

func (p *Postgres) ListBranches(ctx context.Context, parentRunID string) ([]*models.Branch, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, run_id, parent_run_id, parent_branch_id, fork_node_id, hypothesis,
		        name, created_at, status
		 FROM branches WHERE parent_run_id = $1 ORDER BY created_at, id`, parentRunID)
	if err != nil {
		return nil, mapErr("list branches", err)
	}
	defer rows.Close()

	var out []*models.Branch
	for rows.Next() {
		var b models.Branch
		err := rows.Scan(&b.ID, &b.RunID, &b.ParentRunID, &b.ParentBranchID, &b.ForkNodeID,
			&b.Hypothesis, &b.Name, &b.CreatedAt, &b.Status)
		if err != nil {
			return nil, mapErr("scan branch", err)
		}
		out = append(out, &b)
	}
	return out, mapErr("list branches", rows.Err())
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// nullJSON maps empty raw JSON to SQL NULL so JSONB columns never hold ''.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
