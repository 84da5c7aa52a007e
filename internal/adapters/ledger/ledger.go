// Package ledger records the lifecycle of evaluation tasks. Every status
// change is a single conditional update guarded by the lifecycle graph.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/okian/evalboard/internal/domain/model"
)

// Task is a ledger row.
type Task = model.EvaluationTask

// Sentinel kinds for ledger errors.
var (
	ErrNotFound          = errors.New("task not found")
	ErrAlreadyExists     = errors.New("task already exists")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrInvalidID         = errors.New("task id is empty")
)

// Paging bounds for List. Pages past MaxPage are clamped to it.
const (
	DefaultPageSize = 20
	MaxPageSize     = 200
	MaxPage         = 1 << 20
)

// CreateInput describes a new task.
type CreateInput struct {
	ID        string
	Plan      json.RawMessage
	Requester string
	// Hold creates the task in HOLD instead of PENDING.
	Hold bool
}

// TransitionInput carries the optional payloads of a transition. Nil or
// empty values keep what is stored.
type TransitionInput struct {
	Result json.RawMessage
	Error  string
}

// ListFilter narrows List. Zero values match everything; Page starts at 1.
type ListFilter struct {
	Statuses  []model.Status
	Requester string
	From      time.Time
	To        time.Time
	Page      int
	PageSize  int
}

// TaskPage is one page of tasks, newest first.
type TaskPage struct {
	Tasks    []Task `json:"tasks"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

// Ledger stores evaluation tasks.
type Ledger interface {
	Create(ctx context.Context, in CreateInput) (Task, error)
	Transition(ctx context.Context, id string, to model.Status, in TransitionInput) (Task, error)
	Get(ctx context.Context, id string) (Task, error)
	// Cancel reports false without error when the task is already terminal.
	Cancel(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, f ListFilter) (TaskPage, error)
	// Cleanup deletes tasks in statuses (default SUCCESS and FAILURE)
	// completed before cutoff.
	Cleanup(ctx context.Context, before time.Time, statuses ...model.Status) (int, error)
	CountByStatus(ctx context.Context) (map[model.Status]int, error)
}

// Option configures a ledger.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (f ListFilter) normalized() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	if f.Page > MaxPage {
		f.Page = MaxPage
	}
	return f
}

// offset is the number of rows skipped by a normalized filter.
func (f ListFilter) offset() int { return (f.Page - 1) * f.PageSize }

func cleanupStatuses(statuses []model.Status) []model.Status {
	if len(statuses) == 0 {
		return []model.Status{model.StatusSuccess, model.StatusFailure}
	}
	return statuses
}

func zeroCounts() map[model.Status]int {
	out := make(map[model.Status]int, len(model.AllStatuses))
	for _, s := range model.AllStatuses {
		out[s] = 0
	}
	return out
}

// Cancel is shared by the implementations: a cancellation is a transition
// to CANCELLED with the standard message.
func cancel(ctx context.Context, l Ledger, id string) (bool, error) {
	_, err := l.Transition(ctx, id, model.StatusCancelled, TransitionInput{Error: model.CancelMessage})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrInvalidTransition):
		return false, nil
	default:
		return false, err
	}
}
