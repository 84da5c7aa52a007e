package ledger

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/okian/evalboard/internal/domain/model"
)

// MemoryLedger keeps tasks in a map behind one mutex.
type MemoryLedger struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	opts  options
}

// NewMemoryLedger builds an empty in-memory ledger.
func NewMemoryLedger(opts ...Option) *MemoryLedger {
	return &MemoryLedger{tasks: make(map[string]*Task), opts: newOptions(opts)}
}

// Create implements Ledger.Create.
func (l *MemoryLedger) Create(ctx context.Context, in CreateInput) (Task, error) {
	if in.ID == "" {
		return Task{}, ErrInvalidID
	}
	now := l.opts.now().UTC()
	status := model.StatusPending
	if in.Hold {
		status = model.StatusHold
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tasks[in.ID]; ok {
		return Task{}, fmt.Errorf("%w: %s", ErrAlreadyExists, in.ID)
	}
	t := &Task{
		ID:        in.ID,
		Status:    status,
		Plan:      slices.Clone(in.Plan),
		Requester: in.Requester,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.tasks[in.ID] = t
	return copyTask(t), nil
}

// Transition implements Ledger.Transition.
func (l *MemoryLedger) Transition(ctx context.Context, id string, to model.Status, in TransitionInput) (Task, error) {
	now := l.opts.now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	if !model.CanTransition(t.Status, to) {
		return Task{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = now
	if in.Result != nil {
		t.Result = slices.Clone(in.Result)
	}
	if in.Error != "" {
		t.Error = in.Error
	}
	if to.IsTerminal() {
		t.CompletedAt = &now
	}
	return copyTask(t), nil
}

// Get implements Ledger.Get.
func (l *MemoryLedger) Get(ctx context.Context, id string) (Task, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return copyTask(t), nil
}

// Cancel implements Ledger.Cancel.
func (l *MemoryLedger) Cancel(ctx context.Context, id string) (bool, error) {
	return cancel(ctx, l, id)
}

// List implements Ledger.List.
func (l *MemoryLedger) List(ctx context.Context, f ListFilter) (TaskPage, error) {
	f = f.normalized()

	l.mu.RLock()
	matched := make([]Task, 0, len(l.tasks))
	for _, t := range l.tasks {
		if matchTask(t, f) {
			matched = append(matched, copyTask(t))
		}
	}
	l.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	page := TaskPage{Total: len(matched), Page: f.Page, PageSize: f.PageSize, Tasks: []Task{}}
	start := f.offset()
	if start < len(matched) {
		end := min(start+f.PageSize, len(matched))
		page.Tasks = matched[start:end]
	}
	return page, nil
}

// Cleanup implements Ledger.Cleanup.
func (l *MemoryLedger) Cleanup(ctx context.Context, before time.Time, statuses ...model.Status) (int, error) {
	statuses = cleanupStatuses(statuses)

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, t := range l.tasks {
		if !slices.Contains(statuses, t.Status) {
			continue
		}
		ref := t.UpdatedAt
		if t.CompletedAt != nil {
			ref = *t.CompletedAt
		}
		if ref.Before(before) {
			delete(l.tasks, id)
			n++
		}
	}
	return n, nil
}

// CountByStatus implements Ledger.CountByStatus.
func (l *MemoryLedger) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	out := zeroCounts()
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, t := range l.tasks {
		out[t.Status]++
	}
	return out, nil
}

func matchTask(t *Task, f ListFilter) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if f.Requester != "" && t.Requester != f.Requester {
		return false
	}
	if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.CreatedAt.After(f.To) {
		return false
	}
	return true
}

func copyTask(t *Task) Task {
	out := *t
	out.Plan = slices.Clone(t.Plan)
	out.Result = slices.Clone(t.Result)
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		out.CompletedAt = &c
	}
	return out
}
