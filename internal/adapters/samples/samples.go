// Package samples stores the append-only log of experiment samples, scoped
// by task id.
package samples

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/okian/evalboard/internal/adapters/database"
	"github.com/okian/evalboard/internal/domain/model"
)

// Store persists experiment samples.
type Store interface {
	// ReplaceForTask atomically drops earlier rows for taskID and inserts
	// samples, so re-running a task never duplicates its population.
	ReplaceForTask(ctx context.Context, taskID string, samples []model.ExperimentSample) error
	ListByTask(ctx context.Context, taskID string) ([]model.ExperimentSample, error)
	CountByTask(ctx context.Context, taskID string) (int, error)
	// DeleteBefore removes samples created before cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore keeps samples per task in a map.
type MemoryStore struct {
	mu     sync.RWMutex
	byTask map[string][]model.ExperimentSample
}

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTask: make(map[string][]model.ExperimentSample)}
}

// ReplaceForTask implements Store.ReplaceForTask.
func (s *MemoryStore) ReplaceForTask(ctx context.Context, taskID string, samples []model.ExperimentSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(samples) == 0 {
		delete(s.byTask, taskID)
		return nil
	}
	s.byTask[taskID] = slices.Clone(samples)
	return nil
}

// ListByTask implements Store.ListByTask.
func (s *MemoryStore) ListByTask(ctx context.Context, taskID string) ([]model.ExperimentSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.byTask[taskID]), nil
}

// CountByTask implements Store.CountByTask.
func (s *MemoryStore) CountByTask(ctx context.Context, taskID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byTask[taskID]), nil
}

// DeleteBefore implements Store.DeleteBefore.
func (s *MemoryStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rows := range s.byTask {
		kept := rows[:0]
		for _, r := range rows {
			if r.CreatedAt.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(s.byTask, id)
		} else {
			s.byTask[id] = kept
		}
	}
	return n, nil
}

const sampleColumns = "id, task_id, model, prompt, answer, reference, skill, language, subject, format, dataset, metadata, correctness, created_at"

// SQLStore persists samples in experiment_samples.
type SQLStore struct {
	db *database.DB
}

// NewSQLStore builds a store over an opened, migrated database.
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

// ReplaceForTask implements Store.ReplaceForTask in one transaction.
func (s *SQLStore) ReplaceForTask(ctx context.Context, taskID string, samples []model.ExperimentSample) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM experiment_samples WHERE task_id = ?`), taskID); err != nil {
			return fmt.Errorf("delete samples for %s: %w", taskID, err)
		}
		if len(samples) == 0 {
			return nil
		}
		stmt, err := tx.PrepareContext(ctx, s.db.Rebind(`INSERT INTO experiment_samples (`+sampleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
		if err != nil {
			return fmt.Errorf("prepare sample insert: %w", err)
		}
		defer stmt.Close()

		for _, smp := range samples {
			meta, err := json.Marshal(smp.Metadata)
			if err != nil {
				return fmt.Errorf("encode metadata of sample %s: %w", smp.ID, err)
			}
			if _, err := stmt.ExecContext(ctx,
				smp.ID, taskID, smp.Model, smp.Prompt, smp.Answer, smp.Reference,
				smp.Skill, smp.Language, smp.Subject, smp.Format, smp.Dataset,
				string(meta), smp.Correctness, database.Nanos(smp.CreatedAt),
			); err != nil {
				return fmt.Errorf("insert sample %s: %w", smp.ID, err)
			}
		}
		return nil
	})
}

// ListByTask implements Store.ListByTask, ordered by creation time then id.
func (s *SQLStore) ListByTask(ctx context.Context, taskID string) ([]model.ExperimentSample, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT `+sampleColumns+` FROM experiment_samples WHERE task_id = ? ORDER BY created_at, id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	defer rows.Close()

	var out []model.ExperimentSample
	for rows.Next() {
		var (
			smp       model.ExperimentSample
			meta      sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&smp.ID, &smp.TaskID, &smp.Model, &smp.Prompt, &smp.Answer, &smp.Reference,
			&smp.Skill, &smp.Language, &smp.Subject, &smp.Format, &smp.Dataset,
			&meta, &smp.Correctness, &createdAt); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		if meta.Valid && meta.String != "" && meta.String != "null" {
			if err := json.Unmarshal([]byte(meta.String), &smp.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of sample %s: %w", smp.ID, err)
			}
		}
		smp.CreatedAt = database.Time(createdAt)
		out = append(out, smp)
	}
	return out, rows.Err()
}

// CountByTask implements Store.CountByTask.
func (s *SQLStore) CountByTask(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM experiment_samples WHERE task_id = ?`), taskID).Scan(&n)
	return n, err
}

// DeleteBefore implements Store.DeleteBefore.
func (s *SQLStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM experiment_samples WHERE created_at < ?`), database.Nanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete samples: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
