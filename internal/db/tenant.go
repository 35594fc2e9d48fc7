package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/tenantflow/internal/db/driver"
)

// ErrNotFound is returned by tenant queries when a row does not exist.
var ErrNotFound = errors.New("not found")

// Category groups statuses into the todo / in-progress / done families used
// for statistics.
type Category string

const (
	CategoryTodo       Category = "todo"
	CategoryInProgress Category = "in_progress"
	CategoryDone       Category = "done"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryTodo, CategoryInProgress, CategoryDone:
		return true
	}
	return false
}

// SprintState is the lifecycle position of a sprint.
type SprintState string

const (
	SprintPlanned   SprintState = "planned"
	SprintActive    SprintState = "active"
	SprintCompleted SprintState = "completed"
)

// Status is a workflow state in one tenant.
type Status struct {
	ID       int64
	Name     string
	Category Category
	Position int
}

// Transition is a directed workflow edge. A nil From is an explicit initial
// edge (unset → To).
type Transition struct {
	From *int64
	To   int64
}

// Task is a work item stored in a tenant database.
type Task struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	StatusID    *int64    `json:"status_id"`
	SprintID    *int64    `json:"sprint_id,omitempty"`
	AssigneeID  string    `json:"assignee_id,omitempty"`
	Archived    bool      `json:"archived"`
	// Version is bumped on every write and used for compare-and-swap.
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	UpdatedBy   string    `json:"updated_by,omitempty"`
}

// Sprint groups tasks for statistics.
type Sprint struct {
	ID        int64       `json:"id"`
	Name      string      `json:"name"`
	State     SprintState `json:"state"`
	StartsAt  *time.Time  `json:"starts_at,omitempty"`
	EndsAt    *time.Time  `json:"ends_at,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// HistoryEntry records one applied status change.
type HistoryEntry struct {
	ID           int64     `json:"id"`
	TaskID       int64     `json:"task_id"`
	FromStatusID *int64    `json:"from_status_id"`
	ToStatusID   int64     `json:"to_status_id"`
	ActorID      string    `json:"actor_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// StatusCount is the number of tasks currently in a status; a nil StatusID
// counts tasks whose status is unset.
type StatusCount struct {
	StatusID *int64
	Count    int
}

// querier is satisfied by both driver.Driver and driver.Tx.
type querier interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds the tenant-schema queries. The same methods run against the
// pool (TenantDB) or inside a transaction (TenantTx).
type Queries struct {
	q querier
}

// TenantDB provides operations on one tenant database.
type TenantDB struct {
	*DB
	Queries
}

// TenantTx provides tenant queries bound to a transaction.
type TenantTx struct {
	Queries
	tx driver.Tx
}

// OpenTenantWithDialect opens a tenant database and applies the base schema.
// For SQLite, dsn is the file path. For PostgreSQL, dsn is the connection string.
func OpenTenantWithDialect(ctx context.Context, dsn string, dialect driver.Dialect) (*TenantDB, error) {
	db, err := OpenWithDialect(ctx, dsn, dialect)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx, SchemaTenant); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate tenant db: %w", err)
	}

	return NewTenantDB(db), nil
}

// OpenTenantInMemory opens an in-memory tenant database with the base schema.
func OpenTenantInMemory(ctx context.Context) (*TenantDB, error) {
	db, err := OpenInMemory(ctx)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, SchemaTenant); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate tenant db: %w", err)
	}
	return NewTenantDB(db), nil
}

// NewTenantDB wraps an already migrated database.
func NewTenantDB(db *DB) *TenantDB {
	return &TenantDB{DB: db, Queries: Queries{q: db.driver}}
}

// RunInTx executes fn within a database transaction.
// If fn returns an error, the transaction is rolled back.
// If fn returns nil, the transaction is committed.
// Cancelling ctx rolls the transaction back.
func (t *TenantDB) RunInTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *TenantTx) error) error {
	tx, err := t.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&TenantTx{Queries: Queries{q: tx}, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback failed: %w (original error: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// RunInReadTx executes fn in a transaction that sees one consistent
// snapshot. PostgreSQL uses a read-only repeatable-read transaction; a
// SQLite WAL reader holds its snapshot from the first read until commit.
func (t *TenantDB) RunInReadTx(ctx context.Context, fn func(tx *TenantTx) error) error {
	var opts *sql.TxOptions
	if t.Dialect() == driver.DialectPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	return t.RunInTx(ctx, opts, fn)
}

// IsBusy reports whether err is a lock conflict with a concurrent writer.
func (t *TenantDB) IsBusy(err error) bool {
	return t.driver.IsBusy(err)
}

// --- Statuses & transitions ---

// ListStatuses returns all statuses ordered by position.
func (q Queries) ListStatuses(ctx context.Context) ([]Status, error) {
	rows, err := q.q.Query(ctx, "SELECT id, name, category, position FROM statuses ORDER BY position, id")
	if err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var statuses []Status
	for rows.Next() {
		var s Status
		if err := rows.Scan(&s.ID, &s.Name, &s.Category, &s.Position); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		statuses = append(statuses, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate statuses: %w", err)
	}
	return statuses, nil
}

// GetStatus returns a status by ID, or ErrNotFound.
func (q Queries) GetStatus(ctx context.Context, id int64) (*Status, error) {
	var s Status
	err := q.q.QueryRow(ctx, "SELECT id, name, category, position FROM statuses WHERE id = ?", id).
		Scan(&s.ID, &s.Name, &s.Category, &s.Position)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get status %d: %w", id, err)
	}
	return &s, nil
}

// CreateStatus inserts a status and sets its ID.
func (q Queries) CreateStatus(ctx context.Context, s *Status) error {
	if !s.Category.Valid() {
		return fmt.Errorf("create status %q: invalid category %q", s.Name, s.Category)
	}
	err := q.q.QueryRow(ctx,
		"INSERT INTO statuses (name, category, position) VALUES (?, ?, ?) RETURNING id",
		s.Name, string(s.Category), s.Position,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("create status %q: %w", s.Name, err)
	}
	return nil
}

// ListTransitions returns every stored edge.
func (q Queries) ListTransitions(ctx context.Context) ([]Transition, error) {
	rows, err := q.q.Query(ctx, "SELECT from_status_id, to_status_id FROM status_transitions ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var edges []Transition
	for rows.Next() {
		var from sql.NullInt64
		var e Transition
		if err := rows.Scan(&from, &e.To); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		e.From = nullInt(from)
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return edges, nil
}

// AddTransition stores an edge. Adding an existing edge is a no-op.
func (q Queries) AddTransition(ctx context.Context, from *int64, to int64) error {
	where, args := edgeWhere(from, to)
	var exists int
	if err := q.q.QueryRow(ctx, "SELECT COUNT(*) FROM status_transitions WHERE "+where, args...).Scan(&exists); err != nil {
		return fmt.Errorf("check transition: %w", err)
	}
	if exists > 0 {
		return nil
	}
	if _, err := q.q.Exec(ctx,
		"INSERT INTO status_transitions (from_status_id, to_status_id) VALUES (?, ?)",
		toNullInt(from), to,
	); err != nil {
		return fmt.Errorf("add transition: %w", err)
	}
	return nil
}

// RemoveTransition deletes an edge if present.
func (q Queries) RemoveTransition(ctx context.Context, from *int64, to int64) error {
	where, args := edgeWhere(from, to)
	if _, err := q.q.Exec(ctx, "DELETE FROM status_transitions WHERE "+where, args...); err != nil {
		return fmt.Errorf("remove transition: %w", err)
	}
	return nil
}

// edgeWhere matches one edge; a nil from matches the unset-origin edge.
func edgeWhere(from *int64, to int64) (string, []any) {
	if from == nil {
		return "from_status_id IS NULL AND to_status_id = ?", []any{to}
	}
	return "from_status_id = ? AND to_status_id = ?", []any{*from, to}
}

// --- Tasks ---

const taskColumns = `id, title, description, status_id, sprint_id, assignee_id,
	archived, version, created_at, updated_at, updated_by`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var statusID, sprintID sql.NullInt64
	var assignee sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &statusID, &sprintID, &assignee,
		&t.Archived, &t.Version, &createdAt, &updatedAt, &t.UpdatedBy); err != nil {
		return nil, err
	}
	t.StatusID = nullInt(statusID)
	t.SprintID = nullInt(sprintID)
	t.AssigneeID = assignee.String
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// GetTask returns a task by ID, or ErrNotFound.
func (q Queries) GetTask(ctx context.Context, id int64) (*Task, error) {
	t, err := scanTask(q.q.QueryRow(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// ListTasks returns tasks, optionally limited to one sprint.
func (q Queries) ListTasks(ctx context.Context, sprintID *int64, includeArchived bool) ([]Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE 1 = 1"
	var args []any
	if sprintID != nil {
		query += " AND sprint_id = ?"
		args = append(args, *sprintID)
	}
	if !includeArchived {
		query += " AND archived = ?"
		args = append(args, false)
	}
	query += " ORDER BY id"

	rows, err := q.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// CreateTask inserts a task and sets its ID and version.
func (q Queries) CreateTask(ctx context.Context, t *Task) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	t.Version = 1

	var assignee sql.NullString
	if t.AssigneeID != "" {
		assignee = sql.NullString{String: t.AssigneeID, Valid: true}
	}

	err := q.q.QueryRow(ctx, `
		INSERT INTO tasks (title, description, status_id, sprint_id, assignee_id, archived,
			version, created_at, updated_at, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, t.Title, t.Description, toNullInt(t.StatusID), toNullInt(t.SprintID), assignee, false,
		t.Version, formatTime(t.CreatedAt), formatTime(t.UpdatedAt), t.UpdatedBy,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("create task %q: %w", t.Title, err)
	}
	return nil
}

// UpdateTaskStatus sets a task's status if its version still matches
// expectedVersion and it is not archived. Returns false when the
// compare-and-swap lost to a concurrent writer.
func (q Queries) UpdateTaskStatus(ctx context.Context, id, expectedVersion, statusID int64, actorID string, at time.Time) (bool, error) {
	res, err := q.q.Exec(ctx, `
		UPDATE tasks
		SET status_id = ?, version = version + 1, updated_at = ?, updated_by = ?
		WHERE id = ? AND version = ? AND archived = ?
	`, statusID, formatTime(at), actorID, id, expectedVersion, false)
	if err != nil {
		return false, fmt.Errorf("update task %d status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update task %d status: %w", id, err)
	}
	return n == 1, nil
}

// ArchiveTask sets the archival flag if the version still matches.
// The status is left untouched.
func (q Queries) ArchiveTask(ctx context.Context, id, expectedVersion int64, at time.Time) (bool, error) {
	res, err := q.q.Exec(ctx, `
		UPDATE tasks
		SET archived = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND archived = ?
	`, true, formatTime(at), id, expectedVersion, false)
	if err != nil {
		return false, fmt.Errorf("archive task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("archive task %d: %w", id, err)
	}
	return n == 1, nil
}

// AppendHistory records an applied status change.
func (q Queries) AppendHistory(ctx context.Context, h *HistoryEntry) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	err := q.q.QueryRow(ctx, `
		INSERT INTO task_status_history (task_id, from_status_id, to_status_id, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`, h.TaskID, toNullInt(h.FromStatusID), h.ToStatusID, h.ActorID, formatTime(h.CreatedAt)).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("append history for task %d: %w", h.TaskID, err)
	}
	return nil
}

// ListHistory returns a task's status changes, oldest first.
func (q Queries) ListHistory(ctx context.Context, taskID int64) ([]HistoryEntry, error) {
	rows, err := q.q.Query(ctx, `
		SELECT id, task_id, from_status_id, to_status_id, actor_id, created_at
		FROM task_status_history WHERE task_id = ? ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list history for task %d: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var from sql.NullInt64
		var createdAt string
		if err := rows.Scan(&h.ID, &h.TaskID, &from, &h.ToStatusID, &h.ActorID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.FromStatusID = nullInt(from)
		h.CreatedAt = parseTime(createdAt)
		entries = append(entries, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// --- Sprints ---

// CreateSprint inserts a sprint in the planned state and sets its ID.
func (q Queries) CreateSprint(ctx context.Context, s *Sprint) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.State == "" {
		s.State = SprintPlanned
	}
	err := q.q.QueryRow(ctx, `
		INSERT INTO sprints (name, state, starts_at, ends_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`, s.Name, string(s.State), formatNullTime(s.StartsAt), formatNullTime(s.EndsAt), formatTime(s.CreatedAt)).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("create sprint %q: %w", s.Name, err)
	}
	return nil
}

// GetSprint returns a sprint by ID, or ErrNotFound.
func (q Queries) GetSprint(ctx context.Context, id int64) (*Sprint, error) {
	var s Sprint
	var startsAt, endsAt sql.NullString
	var createdAt string
	err := q.q.QueryRow(ctx,
		"SELECT id, name, state, starts_at, ends_at, created_at FROM sprints WHERE id = ?", id,
	).Scan(&s.ID, &s.Name, &s.State, &startsAt, &endsAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sprint %d: %w", id, err)
	}
	s.StartsAt = parseNullTime(startsAt)
	s.EndsAt = parseNullTime(endsAt)
	s.CreatedAt = parseTime(createdAt)
	return &s, nil
}

// UpdateSprintState moves a sprint from one state to another. Returns false
// when the sprint is not in the expected state.
func (q Queries) UpdateSprintState(ctx context.Context, id int64, from, to SprintState, at time.Time) (bool, error) {
	query := "UPDATE sprints SET state = ?"
	args := []any{string(to)}
	switch to {
	case SprintActive:
		query += ", starts_at = COALESCE(starts_at, ?)"
		args = append(args, formatTime(at))
	case SprintCompleted:
		query += ", ends_at = ?"
		args = append(args, formatTime(at))
	}
	query += " WHERE id = ? AND state = ?"
	args = append(args, id, string(from))

	res, err := q.q.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update sprint %d state: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update sprint %d state: %w", id, err)
	}
	return n == 1, nil
}

// CountSprintTasksByStatus counts the sprint's non-archived tasks per status.
func (q Queries) CountSprintTasksByStatus(ctx context.Context, sprintID int64) ([]StatusCount, error) {
	rows, err := q.q.Query(ctx, `
		SELECT status_id, COUNT(*) FROM tasks
		WHERE sprint_id = ? AND archived = ?
		GROUP BY status_id
	`, sprintID, false)
	if err != nil {
		return nil, fmt.Errorf("count sprint %d tasks: %w", sprintID, err)
	}
	defer func() { _ = rows.Close() }()

	var counts []StatusCount
	for rows.Next() {
		var id sql.NullInt64
		var c StatusCount
		if err := rows.Scan(&id, &c.Count); err != nil {
			return nil, fmt.Errorf("scan sprint count: %w", err)
		}
		c.StatusID = nullInt(id)
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sprint counts: %w", err)
	}
	return counts, nil
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}

func toNullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
