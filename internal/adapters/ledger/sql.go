package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/okian/evalboard/internal/adapters/database"
	"github.com/okian/evalboard/internal/domain/model"
)

const taskColumns = "id, status, plan, result, error, requester, created_at, updated_at, completed_at"

// SQLLedger persists tasks in evaluation_tasks.
type SQLLedger struct {
	db   *database.DB
	opts options
}

// NewSQLLedger builds a ledger over an opened, migrated database.
func NewSQLLedger(db *database.DB, opts ...Option) *SQLLedger {
	return &SQLLedger{db: db, opts: newOptions(opts)}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (Task, error) {
	var (
		t                    Task
		status               string
		plan, result         sql.NullString
		createdAt, updatedAt int64
		completedAt          sql.NullInt64
	)
	if err := row.Scan(&t.ID, &status, &plan, &result, &t.Error, &t.Requester, &createdAt, &updatedAt, &completedAt); err != nil {
		return Task{}, err
	}
	t.Status = model.Status(status)
	if plan.Valid {
		t.Plan = []byte(plan.String)
	}
	if result.Valid {
		t.Result = []byte(result.String)
	}
	t.CreatedAt = database.Time(createdAt)
	t.UpdatedAt = database.Time(updatedAt)
	t.CompletedAt = database.TimePtr(completedAt)
	return t, nil
}

func nullJSON(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// Create implements Ledger.Create.
func (l *SQLLedger) Create(ctx context.Context, in CreateInput) (Task, error) {
	if in.ID == "" {
		return Task{}, ErrInvalidID
	}
	status := model.StatusPending
	if in.Hold {
		status = model.StatusHold
	}
	now := database.Nanos(l.opts.now())

	q := l.db.Rebind(`INSERT INTO evaluation_tasks (id, status, plan, requester, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
		RETURNING ` + taskColumns)
	t, err := scanTask(l.db.QueryRowContext(ctx, q, in.ID, string(status), nullJSON(in.Plan), in.Requester, now, now))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("%w: %s", ErrAlreadyExists, in.ID)
	}
	if err != nil {
		return Task{}, fmt.Errorf("create task %s: %w", in.ID, err)
	}
	return t, nil
}

// Transition is one UPDATE ... WHERE status IN (allowed sources).
func (l *SQLLedger) Transition(ctx context.Context, id string, to model.Status, in TransitionInput) (Task, error) {
	from := model.AllowedFrom(to)
	if len(from) == 0 {
		return Task{}, fmt.Errorf("%w: nothing transitions to %s", ErrInvalidTransition, to)
	}
	now := l.opts.now()

	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), database.Nanos(now)}
	if in.Result != nil {
		set = append(set, "result = ?")
		args = append(args, string(in.Result))
	}
	if in.Error != "" {
		set = append(set, "error = ?")
		args = append(args, in.Error)
	}
	if to.IsTerminal() {
		set = append(set, "completed_at = ?")
		args = append(args, database.Nanos(now))
	}
	args = append(args, id)
	for _, s := range from {
		args = append(args, string(s))
	}

	q := l.db.Rebind(`UPDATE evaluation_tasks SET ` + strings.Join(set, ", ") +
		` WHERE id = ? AND status IN (` + placeholders(len(from)) + `) RETURNING ` + taskColumns)
	t, err := scanTask(l.db.QueryRowContext(ctx, q, args...))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("transition %s: %w", id, err)
	}

	cur, gerr := l.Get(ctx, id)
	if gerr != nil {
		return Task{}, gerr
	}
	return Task{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
}

// Get implements Ledger.Get.
func (l *SQLLedger) Get(ctx context.Context, id string) (Task, error) {
	q := l.db.Rebind(`SELECT ` + taskColumns + ` FROM evaluation_tasks WHERE id = ?`)
	t, err := scanTask(l.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// Cancel implements Ledger.Cancel.
func (l *SQLLedger) Cancel(ctx context.Context, id string) (bool, error) {
	return cancel(ctx, l, id)
}

// List implements Ledger.List.
func (l *SQLLedger) List(ctx context.Context, f ListFilter) (TaskPage, error) {
	f = f.normalized()

	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.Requester != "" {
		where = append(where, "requester = ?")
		args = append(args, f.Requester)
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, database.Nanos(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, database.Nanos(f.To))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	page := TaskPage{Page: f.Page, PageSize: f.PageSize, Tasks: []Task{}}
	if err := l.db.QueryRowContext(ctx, l.db.Rebind(`SELECT COUNT(*) FROM evaluation_tasks`+cond), args...).Scan(&page.Total); err != nil {
		return TaskPage{}, fmt.Errorf("count tasks: %w", err)
	}

	q := `SELECT ` + taskColumns + ` FROM evaluation_tasks` + cond + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(q), append(args, f.PageSize, f.offset())...)
	if err != nil {
		return TaskPage{}, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return TaskPage{}, fmt.Errorf("scan task: %w", err)
		}
		page.Tasks = append(page.Tasks, t)
	}
	return page, rows.Err()
}

// Cleanup implements Ledger.Cleanup.
func (l *SQLLedger) Cleanup(ctx context.Context, before time.Time, statuses ...model.Status) (int, error) {
	statuses = cleanupStatuses(statuses)
	args := make([]any, 0, len(statuses)+1)
	for _, s := range statuses {
		args = append(args, string(s))
	}
	args = append(args, database.Nanos(before))

	q := l.db.Rebind(`DELETE FROM evaluation_tasks WHERE status IN (` + placeholders(len(statuses)) +
		`) AND COALESCE(completed_at, updated_at) < ?`)
	res, err := l.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountByStatus implements Ledger.CountByStatus.
func (l *SQLLedger) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM evaluation_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := zeroCounts()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[model.Status(status)] = n
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
