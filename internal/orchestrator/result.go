package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/okian/evalboard/internal/adapters/evaluator"
	"github.com/okian/evalboard/internal/adapters/ledger"
	"github.com/okian/evalboard/internal/adapters/repository"
	"github.com/okian/evalboard/internal/domain/mapper"
	"github.com/okian/evalboard/internal/domain/model"
	"github.com/okian/evalboard/pkg/logger"
	"github.com/okian/evalboard/pkg/metrics"
)

// TaskResult is the result payload stored on a finished task.
type TaskResult struct {
	Cached        bool                     `json:"cached"`
	Models        []mapper.Aggregate       `json:"models,omitempty"`
	Entries       []model.LeaderboardEntry `json:"entries"`
	FailedKeys    []string                 `json:"failed_keys,omitempty"`
	Failures      []mapper.Failure         `json:"failures,omitempty"`
	SamplesStored int                      `json:"samples_stored"`
	SampleError   string                   `json:"sample_error,omitempty"`
	Cancelled     bool                     `json:"cancelled,omitempty"`
}

// Begin claims a task for execution. It reports false when the task is
// already terminal and the job should be dropped. A STARTED task is a
// redelivery and is resumed.
func (s *Service) Begin(ctx context.Context, taskID string) (model.Job, bool, error) {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return model.Job{}, false, err
	}
	if task.Status.IsTerminal() {
		return model.Job{}, false, nil
	}
	job, err := jobFromTask(task)
	if err != nil {
		return model.Job{}, false, err
	}
	if task.Status == model.StatusStarted {
		return job, true, nil
	}

	_, err = s.transition(ctx, taskID, model.StatusStarted, ledger.TransitionInput{})
	if errors.Is(err, ledger.ErrInvalidTransition) {
		// Lost a race with a cancel or another worker.
		cur, gerr := s.getTask(ctx, taskID)
		if gerr != nil {
			return model.Job{}, false, gerr
		}
		return job, cur.Status == model.StatusStarted, nil
	}
	if err != nil {
		return model.Job{}, false, fmt.Errorf("start task %s: %w", taskID, err)
	}
	return job, true, nil
}

// Execute runs one queued job. An error means the task ended in FAILURE and
// the delivery should not be retried.
func (s *Service) Execute(ctx context.Context, job model.Job) (err error) {
	log := s.logger.With(logger.String("task_id", job.TaskID))
	stored, ok, err := s.Begin(ctx, job.TaskID)
	if err != nil {
		return err
	}
	if !ok {
		log.Debug(ctx, "task already finished, skipping")
		return nil
	}
	if len(stored.Models) == 0 {
		stored.Models = job.Models
	}
	// Ledger writes must land even when the worker is shutting down.
	wctx := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluate task %s: panic: %v", job.TaskID, r)
			metrics.RecordErrorByType("panic", "high")
			log.Error(ctx, "evaluation panicked", logger.Any("panic", r))
			_ = s.Fail(wctx, job.TaskID, err)
		}
	}()

	if s.evaluator == nil {
		cause := fmt.Errorf("%w: no evaluator configured", evaluator.ErrToolkitUnavailable)
		_ = s.Fail(wctx, job.TaskID, cause)
		return cause
	}
	descs, err := s.resolver.Resolve(ctx, stored.Models)
	if err != nil {
		_ = s.Fail(wctx, job.TaskID, err)
		return fmt.Errorf("resolve credentials for %s: %w", job.TaskID, err)
	}

	ectx, cancel := context.WithTimeout(ctx, s.cfg.EvaluationTimeout)
	start := s.now()
	out, err := s.evaluator.Evaluate(ectx, stored.Plan, descs)
	cancel()
	metrics.RecordEvaluationDuration(s.now().Sub(start))
	if err != nil {
		log.Error(ctx, "evaluation failed", logger.Error(err))
		_ = s.Fail(wctx, job.TaskID, err)
		return fmt.Errorf("evaluate task %s: %w", job.TaskID, err)
	}

	if _, err := s.OnResult(wctx, job.TaskID, out); err != nil {
		return err
	}
	return nil
}

// OnResult folds evaluator output into samples, leaderboard entries and the
// final task status. It is a no-op for terminal tasks and never panics.
func (s *Service) OnResult(ctx context.Context, taskID string, out model.EvaluationOutput) (res TaskResult, err error) {
	log := s.logger.With(logger.String("task_id", taskID))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handle result for %s: panic: %v", taskID, r)
			metrics.RecordErrorByType("panic", "high")
			log.Error(ctx, "result handling panicked", logger.Any("panic", r))
			_ = s.Fail(ctx, taskID, err)
			res = TaskResult{}
		}
	}()

	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return TaskResult{}, err
	}
	if task.Status.IsTerminal() {
		log.Debug(ctx, "result for finished task ignored", logger.String("status", string(task.Status)))
		return decodeResult(task), nil
	}
	plan, err := planFromTask(task)
	if err != nil {
		_ = s.Fail(ctx, taskID, err)
		return TaskResult{}, err
	}
	if task.Status != model.StatusStarted {
		if _, err := s.transition(ctx, taskID, model.StatusStarted, ledger.TransitionInput{}); err != nil && !errors.Is(err, ledger.ErrInvalidTransition) {
			return TaskResult{}, fmt.Errorf("start task %s: %w", taskID, err)
		}
	}

	if len(out.Runs) == 0 {
		cause := fmt.Errorf("%w: no model runs", ErrMalformedOutput)
		_ = s.Fail(ctx, taskID, cause)
		return TaskResult{}, cause
	}

	batch := s.mapper.MapBatch(ctx, taskID, out.Runs, plan.CategoryKeys())
	res.Failures = batch.Failures
	for _, r := range batch.Runs {
		res.Models = append(res.Models, r.Aggregate)
	}
	if len(batch.Runs) == 0 {
		cause := fmt.Errorf("%w: every run failed to map", ErrMalformedOutput)
		s.finish(ctx, taskID, model.StatusFailure, res, cause.Error())
		return res, cause
	}

	smp := batch.Samples()
	if err := s.samples.ReplaceForTask(ctx, taskID, smp); err != nil {
		log.Error(ctx, "store samples failed", logger.Error(err))
		res.SampleError = err.Error()
	} else {
		res.SamplesStored = len(smp)
		metrics.RecordSamplesStored(len(smp))
	}

	if cur, err := s.ledger.Get(ctx, taskID); err == nil && cur.Status.IsTerminal() {
		res.Cancelled = cur.Status == model.StatusCancelled
		log.Info(ctx, "task finished during evaluation, leaderboard untouched", logger.String("status", string(cur.Status)))
		return res, nil
	}

	scores := batch.Scores()
	for _, sc := range scores {
		e, err := s.store.Upsert(ctx, repository.UpsertInput{Key: sc.Key, Score: sc.Score})
		metrics.RecordLeaderboardUpsert(err == nil)
		if err != nil {
			log.Error(ctx, "leaderboard upsert failed", logger.String("key", sc.Key.String()), logger.Error(err))
			res.FailedKeys = append(res.FailedKeys, sc.Key.String())
			continue
		}
		res.Entries = append(res.Entries, e)
	}

	if len(scores) > 0 && len(res.Entries) == 0 {
		s.finish(ctx, taskID, model.StatusFailure, res, ErrNothingStored.Error())
		return res, ErrNothingStored
	}
	if !s.finish(ctx, taskID, model.StatusSuccess, res, "") {
		res.Cancelled = true
	}
	log.Info(ctx, "task completed",
		logger.Int("entries", len(res.Entries)),
		logger.Int("failed_keys", len(res.FailedKeys)),
		logger.Int("samples", res.SamplesStored))
	return res, nil
}

// finish records the final transition. It reports false when the task was
// finished by someone else first.
func (s *Service) finish(ctx context.Context, taskID string, to model.Status, res TaskResult, msg string) bool {
	raw, err := json.Marshal(res)
	if err != nil {
		s.logger.Error(ctx, "encode task result failed", logger.String("task_id", taskID), logger.Error(err))
		raw = nil
	}
	_, err = s.transition(ctx, taskID, to, ledger.TransitionInput{Result: raw, Error: msg})
	return err == nil
}

// Fail moves a task to FAILURE unless it is already terminal.
func (s *Service) Fail(ctx context.Context, taskID string, cause error) error {
	task, err := s.getTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	_, err = s.transition(ctx, taskID, model.StatusFailure, ledger.TransitionInput{Error: msg})
	if errors.Is(err, ledger.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (s *Service) getTask(ctx context.Context, id string) (ledger.Task, error) {
	task, err := s.ledger.Get(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrInvalidID) {
		return ledger.Task{}, fmt.Errorf("%w: task %q", ErrNotFound, id)
	}
	if err != nil {
		return ledger.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

func planFromTask(t ledger.Task) (model.Plan, error) {
	var plan model.Plan
	if len(t.Plan) == 0 {
		return model.DefaultPlan(""), nil
	}
	if err := json.Unmarshal(t.Plan, &plan); err != nil {
		return model.Plan{}, fmt.Errorf("decode plan of %s: %w", t.ID, err)
	}
	return plan, nil
}

func jobFromTask(t ledger.Task) (model.Job, error) {
	plan, err := planFromTask(t)
	if err != nil {
		return model.Job{}, err
	}
	reqs := make([]model.ModelRequest, len(plan.Models))
	for i, d := range plan.Models {
		reqs[i] = model.ModelRequest{Name: d.Name, Endpoint: d.Endpoint, Provider: d.Provider}
	}
	return model.Job{TaskID: t.ID, Plan: plan, Models: reqs}, nil
}

func decodeResult(t ledger.Task) TaskResult {
	var r TaskResult
	if len(t.Result) > 0 {
		_ = json.Unmarshal(t.Result, &r)
	}
	return r
}
