package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/okian/evalboard/internal/adapters/database"
	"github.com/okian/evalboard/internal/domain/model"
	"github.com/okian/evalboard/pkg/logger"
	"github.com/okian/evalboard/pkg/metrics"
)

const entryColumns = "id, model, language, subject, task, score, updated_at, quarantined, deleted_at"

// SQLStore persists entries in leaderboard_entries.
type SQLStore struct {
	db   *database.DB
	opts options
}

// NewSQLStore builds a store over an opened, migrated database.
func NewSQLStore(db *database.DB, opts ...Option) *SQLStore {
	s := &SQLStore{
		db: db,
		opts: options{
			now:   time.Now,
			newID: uuid.NewString,
		},
	}
	for _, opt := range opts {
		opt(&s.opts)
	}
	if s.opts.logger == nil {
		s.opts.logger = logger.Nop()
	}
	return s
}

// Close is a no-op; the database is owned by the caller.
func (s *SQLStore) Close() error { return nil }

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e         Entry
		updatedAt int64
		deletedAt sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.Model, &e.Language, &e.Subject, &e.Task, &e.Score, &updatedAt, &e.Quarantined, &deletedAt); err != nil {
		return Entry{}, err
	}
	e.UpdatedAt = database.Time(updatedAt)
	e.DeletedAt = database.TimePtr(deletedAt)
	return e, nil
}

// Upsert is a single INSERT ... ON CONFLICT DO UPDATE ... RETURNING.
func (s *SQLStore) Upsert(ctx context.Context, in UpsertInput) (Entry, error) {
	start := time.Now()
	defer func() {
		metrics.RecordRepositoryUpdateLatency(float64(time.Since(start).Milliseconds()))
	}()

	if !validKey(in.Key) {
		return Entry{}, ErrInvalidKey
	}
	if math.IsNaN(in.Score) || math.IsInf(in.Score, 0) {
		return Entry{}, ErrInvalidScore
	}

	quarantined := false
	set := "score = excluded.score, updated_at = excluded.updated_at, deleted_at = NULL"
	if in.Quarantined != nil {
		quarantined = *in.Quarantined
		set += ", quarantined = excluded.quarantined"
	}
	q := s.db.Rebind(`INSERT INTO leaderboard_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (model, language, subject, task) DO UPDATE SET ` + set + `
		RETURNING ` + entryColumns)

	row := s.db.QueryRowContext(ctx, q,
		s.opts.newID(), in.Key.Model, in.Key.Language, in.Key.Subject, in.Key.Task,
		in.Score, database.Nanos(s.opts.now()), quarantined)
	e, err := scanEntry(row)
	if err != nil {
		metrics.RecordErrorByComponent("repository", "upsert")
		return Entry{}, fmt.Errorf("upsert %s: %w", in.Key, err)
	}
	return e, nil
}

// Get implements Store.Get.
func (s *SQLStore) Get(ctx context.Context, key model.EntryKey, includeQuarantined bool) (Entry, error) {
	start := time.Now()
	defer func() {
		metrics.RecordRepositoryQueryLatency(float64(time.Since(start).Milliseconds()))
	}()

	q := `SELECT ` + entryColumns + ` FROM leaderboard_entries
		WHERE model = ? AND language = ? AND subject = ? AND task = ? AND deleted_at IS NULL`
	if !includeQuarantined {
		q += ` AND quarantined = FALSE`
	}
	e, err := scanEntry(s.db.QueryRowContext(ctx, s.db.Rebind(q), key.Model, key.Language, key.Subject, key.Task))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	return e, nil
}

// Lookup implements Store.Lookup.
func (s *SQLStore) Lookup(ctx context.Context, id string) (Entry, error) {
	q := s.db.Rebind(`SELECT ` + entryColumns + ` FROM leaderboard_entries WHERE id = ?`)
	e, err := scanEntry(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("lookup %s: %w", id, err)
	}
	return e, nil
}

// List implements Store.List.
func (s *SQLStore) List(ctx context.Context, f ListFilter) (Page, error) {
	start := time.Now()
	defer func() {
		metrics.RecordRepositoryQueryLatency(float64(time.Since(start).Milliseconds()))
	}()

	if f.Limit < 1 || f.Offset < 0 {
		metrics.RecordErrorByComponent("repository", "invalid_limit")
		return Page{}, ErrInvalidLimit
	}

	where := []string{"deleted_at IS NULL"}
	var args []any
	if !f.IncludeQuarantined {
		where = append(where, "quarantined = FALSE")
	}
	for _, c := range []struct{ col, val string }{
		{"language", f.Language}, {"subject", f.Subject}, {"task", f.Task}, {"model", f.Model},
	} {
		if c.val != "" {
			where = append(where, c.col+" = ?")
			args = append(args, c.val)
		}
	}
	cond := strings.Join(where, " AND ")

	var page Page
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM leaderboard_entries WHERE `+cond), args...).Scan(&page.Total); err != nil {
		return Page{}, fmt.Errorf("count entries: %w", err)
	}

	q := `SELECT ` + entryColumns + ` FROM leaderboard_entries WHERE ` + cond +
		` ORDER BY score DESC, model ASC, language ASC, subject ASC, task ASC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q), append(args, f.Limit, f.Offset)...)
	if err != nil {
		return Page{}, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	page.Entries = make([]Entry, 0, f.Limit)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return Page{}, fmt.Errorf("scan entry: %w", err)
		}
		page.Entries = append(page.Entries, e)
	}
	return page, rows.Err()
}

// SoftDelete implements Store.SoftDelete.
func (s *SQLStore) SoftDelete(ctx context.Context, id string, quarantine bool) (bool, error) {
	if quarantine {
		return s.exec(ctx, `UPDATE leaderboard_entries SET quarantined = TRUE WHERE id = ?`, id)
	}
	return s.exec(ctx, `UPDATE leaderboard_entries SET deleted_at = ? WHERE id = ?`, database.Nanos(s.opts.now()), id)
}

// Restore implements Store.Restore.
func (s *SQLStore) Restore(ctx context.Context, id string) (bool, error) {
	return s.exec(ctx, `UPDATE leaderboard_entries SET quarantined = FALSE, deleted_at = NULL WHERE id = ?`, id)
}

// HardDelete implements Store.HardDelete.
func (s *SQLStore) HardDelete(ctx context.Context, id string) (bool, error) {
	return s.exec(ctx, `DELETE FROM leaderboard_entries WHERE id = ?`, id)
}

// Clear implements Store.Clear.
func (s *SQLStore) Clear(ctx context.Context, before time.Time) (int, error) {
	var (
		res sql.Result
		err error
	)
	if before.IsZero() {
		res, err = s.db.ExecContext(ctx, `DELETE FROM leaderboard_entries`)
	} else {
		res, err = s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM leaderboard_entries WHERE updated_at <= ?`), database.Nanos(before))
	}
	if err != nil {
		return 0, fmt.Errorf("clear entries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Stats implements Store.Stats.
func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(CASE WHEN deleted_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN deleted_at IS NULL AND quarantined THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN deleted_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM leaderboard_entries`).Scan(&st.Total, &st.Quarantined, &st.Deleted)
	if err != nil {
		return Stats{}, fmt.Errorf("entry counts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT language, subject, task, COUNT(*), MIN(score), MAX(score), AVG(score)
		FROM leaderboard_entries
		WHERE deleted_at IS NULL AND quarantined = FALSE
		GROUP BY language, subject, task
		ORDER BY language, subject, task`)
	if err != nil {
		return Stats{}, fmt.Errorf("group stats: %w", err)
	}
	defer rows.Close()

	st.Groups = []GroupStats{}
	for rows.Next() {
		var g GroupStats
		if err := rows.Scan(&g.Language, &g.Subject, &g.Task, &g.Count, &g.Min, &g.Max, &g.Avg); err != nil {
			return Stats{}, fmt.Errorf("scan group: %w", err)
		}
		st.Groups = append(st.Groups, g)
	}
	return st, rows.Err()
}

func (s *SQLStore) exec(ctx context.Context, q string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
