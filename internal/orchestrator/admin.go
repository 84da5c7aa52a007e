package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/okian/evalboard/internal/adapters/ledger"
	"github.com/okian/evalboard/internal/adapters/repository"
	"github.com/okian/evalboard/internal/domain/category"
	"github.com/okian/evalboard/internal/domain/model"
	"github.com/okian/evalboard/pkg/logger"
	"github.com/okian/evalboard/pkg/metrics"
)

// TaskView is the externally visible state of a task.
type TaskView struct {
	TaskID      string          `json:"task_id"`
	Status      model.Status    `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// TaskStatus returns the current view of a task.
func (s *Service) TaskStatus(ctx context.Context, id string) (TaskView, error) {
	t, err := s.getTask(ctx, id)
	if err != nil {
		return TaskView{}, err
	}
	return viewOf(t), nil
}

func viewOf(t ledger.Task) TaskView {
	return TaskView{
		TaskID:      t.ID,
		Status:      t.Status,
		Result:      t.Result,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
}

// CancelTask cancels a non-terminal task. It reports false when the task
// had already finished.
func (s *Service) CancelTask(ctx context.Context, id string) (bool, error) {
	if _, err := s.getTask(ctx, id); err != nil {
		return false, err
	}
	ok, err := s.ledger.Cancel(ctx, id)
	if err != nil {
		return false, fmt.Errorf("cancel task %s: %w", id, err)
	}
	if ok {
		metrics.RecordTaskTransition(string(model.StatusCancelled))
		s.logger.Info(ctx, "task cancelled", logger.String("task_id", id))
	}
	return ok, nil
}

// TaskList is one page of task views.
type TaskList struct {
	Tasks    []TaskView `json:"tasks"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
}

// ListTasks pages through the ledger, newest first.
func (s *Service) ListTasks(ctx context.Context, f ledger.ListFilter) (TaskList, error) {
	page, err := s.ledger.List(ctx, f)
	if err != nil {
		return TaskList{}, fmt.Errorf("list tasks: %w", err)
	}
	out := TaskList{Tasks: make([]TaskView, len(page.Tasks)), Total: page.Total, Page: page.Page, PageSize: page.PageSize}
	for i, t := range page.Tasks {
		out.Tasks[i] = viewOf(t)
	}
	return out, nil
}

// BrowseRequest filters the leaderboard. Empty fields match everything.
type BrowseRequest struct {
	Language           string `json:"language,omitempty"`
	Subject            string `json:"subject,omitempty"`
	TaskType           string `json:"task_type,omitempty"`
	Model              string `json:"model,omitempty"`
	Limit              int    `json:"limit,omitempty"`
	Offset             int    `json:"offset,omitempty"`
	IncludeQuarantined bool   `json:"include_quarantined,omitempty"`
}

// BrowseResult is one page of the leaderboard.
type BrowseResult struct {
	Entries          []model.LeaderboardEntry `json:"entries"`
	QueryDescription string                   `json:"query_description"`
	GeneratedAt      time.Time                `json:"generated_at"`
	Total            int                      `json:"total"`
}

// BrowseLeaderboard lists entries ordered by score. Recognised filter labels
// are normalised; unknown ones are matched verbatim.
func (s *Service) BrowseLeaderboard(ctx context.Context, req BrowseRequest) (BrowseResult, error) {
	f := repository.ListFilter{
		Language:           normalizeFilter(req.Language, category.LookupLanguage),
		Subject:            normalizeFilter(req.Subject, category.LookupSubject),
		Task:               normalizeFilter(req.TaskType, category.LookupTask),
		Model:              strings.TrimSpace(req.Model),
		Limit:              s.browseLimit(req.Limit),
		Offset:             max(req.Offset, 0),
		IncludeQuarantined: req.IncludeQuarantined,
	}
	page, err := s.store.List(ctx, f)
	if err != nil {
		return BrowseResult{}, fmt.Errorf("browse leaderboard: %w", err)
	}
	entries := page.Entries
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	return BrowseResult{
		Entries:          entries,
		QueryDescription: describeFilter(f),
		GeneratedAt:      s.nowUTC(),
		Total:            page.Total,
	}, nil
}

func (s *Service) browseLimit(n int) int {
	switch {
	case n == 0:
		n = DefaultBrowseLimit
	case n < 1:
		n = 1
	}
	return min(n, s.cfg.MaxBrowseLimit)
}

func normalizeFilter(raw string, lookup func(string) (string, bool)) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if v, ok := lookup(raw); ok {
		return v
	}
	return raw
}

func describeFilter(f repository.ListFilter) string {
	var parts []string
	for _, p := range []struct{ name, val string }{
		{"language", f.Language},
		{"subject", f.Subject},
		{"task_type", f.Task},
		{"model", f.Model},
	} {
		if p.val != "" {
			parts = append(parts, p.name+"="+p.val)
		}
	}
	if len(parts) == 0 {
		return "all entries"
	}
	return strings.Join(parts, ", ")
}

// AdminEntryRequest writes a leaderboard score directly.
type AdminEntryRequest struct {
	Model       string  `json:"model"`
	Language    string  `json:"language"`
	Subject     string  `json:"subject"`
	TaskType    string  `json:"task_type"`
	Score       float64 `json:"score"`
	Quarantined *bool   `json:"quarantined,omitempty"`
}

// AdminUpsertEntry validates and stores one entry with normalised labels.
func (s *Service) AdminUpsertEntry(ctx context.Context, req AdminEntryRequest) (model.LeaderboardEntry, error) {
	in := adminEntry{
		Model:    SanitizeModelName(req.Model, s.cfg.MaxModelNameLength),
		Language: strings.TrimSpace(req.Language),
		Subject:  strings.TrimSpace(req.Subject),
		TaskType: strings.TrimSpace(req.TaskType),
		Score:    req.Score,
	}
	if err := s.validate.Struct(in); err != nil {
		return model.LeaderboardEntry{}, translate(err, s.cfg)
	}
	key := model.EntryKey{
		Model: in.Model,
		CategoryKey: model.CategoryKey{
			Language: category.Language(in.Language),
			Subject:  category.Subject(in.Subject),
			Task:     category.Task(in.TaskType),
		},
	}
	e, err := s.store.Upsert(ctx, repository.UpsertInput{Key: key, Score: in.Score, Quarantined: req.Quarantined})
	metrics.RecordLeaderboardUpsert(err == nil)
	if err != nil {
		return model.LeaderboardEntry{}, fmt.Errorf("upsert %s: %w", key, err)
	}
	s.logger.Info(ctx, "leaderboard entry written", logger.String("key", key.String()), logger.Float64("score", in.Score))
	return e, nil
}

// AdminDeleteEntry quarantines an entry, or removes it when hard is set.
func (s *Service) AdminDeleteEntry(ctx context.Context, id string, hard bool) (bool, error) {
	var (
		ok  bool
		err error
	)
	if hard {
		ok, err = s.store.HardDelete(ctx, id)
	} else {
		ok, err = s.store.SoftDelete(ctx, id, true)
	}
	if err != nil {
		return false, fmt.Errorf("delete entry %s: %w", id, err)
	}
	if !ok {
		return false, fmt.Errorf("%w: entry %q", ErrNotFound, id)
	}
	s.logger.Info(ctx, "leaderboard entry removed", logger.String("id", id), logger.Bool("hard", hard))
	return true, nil
}

// AdminRestoreEntry clears quarantine and soft-delete on an entry.
func (s *Service) AdminRestoreEntry(ctx context.Context, id string) (model.LeaderboardEntry, error) {
	ok, err := s.store.Restore(ctx, id)
	if err != nil {
		return model.LeaderboardEntry{}, fmt.Errorf("restore entry %s: %w", id, err)
	}
	if !ok {
		return model.LeaderboardEntry{}, fmt.Errorf("%w: entry %q", ErrNotFound, id)
	}
	e, err := s.store.Lookup(ctx, id)
	if err != nil {
		return model.LeaderboardEntry{}, fmt.Errorf("lookup entry %s: %w", id, err)
	}
	return e, nil
}

// MaxAgeHours is the largest hour count a time.Duration can hold.
const MaxAgeHours = math.MaxInt64 / int64(time.Hour)

// Hours converts a retention age in hours to a duration. Negative counts and
// counts that would overflow are rejected.
func Hours(n int) (time.Duration, error) {
	if n < 0 {
		return 0, invalid("older_than_hours", "must not be negative")
	}
	if int64(n) > MaxAgeHours {
		return 0, invalid("older_than_hours", "must not exceed %d", MaxAgeHours)
	}
	return time.Duration(n) * time.Hour, nil
}

// ClearCache removes entries last updated more than olderThan ago. Zero
// clears everything.
func (s *Service) ClearCache(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, invalid("older_than", "must not be negative")
	}
	var cutoff time.Time
	if olderThan > 0 {
		cutoff = s.nowUTC().Add(-olderThan)
	}
	n, err := s.store.Clear(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clear cache: %w", err)
	}
	s.logger.Info(ctx, "leaderboard cache cleared", logger.Int("removed", n), logger.Duration("older_than", olderThan))
	return n, nil
}

// CleanupTasks deletes finished tasks completed more than olderThan ago.
func (s *Service) CleanupTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, invalid("older_than", "must not be negative")
	}
	n, err := s.ledger.Cleanup(ctx, s.nowUTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup tasks: %w", err)
	}
	return n, nil
}

// CleanupSamples deletes samples created more than olderThan ago.
func (s *Service) CleanupSamples(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, invalid("older_than", "must not be negative")
	}
	n, err := s.samples.DeleteBefore(ctx, s.nowUTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup samples: %w", err)
	}
	return n, nil
}

// TaskSamples returns the stored samples of a task.
func (s *Service) TaskSamples(ctx context.Context, id string) ([]model.ExperimentSample, error) {
	if _, err := s.getTask(ctx, id); err != nil {
		return nil, err
	}
	out, err := s.samples.ListByTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list samples of %s: %w", id, err)
	}
	return out, nil
}

// ServiceStats is a point-in-time summary of the service.
type ServiceStats struct {
	Tasks        map[model.Status]int `json:"tasks"`
	CacheEntries int                  `json:"cache_entries"`
	Cache        repository.Stats     `json:"cache"`
	Timestamp    time.Time            `json:"timestamp"`
}

// Stats gathers task counts and leaderboard aggregates.
func (s *Service) Stats(ctx context.Context) (ServiceStats, error) {
	counts, err := s.ledger.CountByStatus(ctx)
	if err != nil {
		return ServiceStats{}, fmt.Errorf("count tasks: %w", err)
	}
	cs, err := s.store.Stats(ctx)
	if err != nil {
		return ServiceStats{}, fmt.Errorf("cache stats: %w", err)
	}
	metrics.UpdateLeaderboardEntries(cs.Total)
	return ServiceStats{Tasks: counts, CacheEntries: cs.Total, Cache: cs, Timestamp: s.nowUTC()}, nil
}

// IsNotFound reports whether err means a task or entry does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ledger.ErrNotFound) ||
		errors.Is(err, repository.ErrNotFound)
}
