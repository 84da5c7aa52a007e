package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/okian/evalboard/internal/adapters/ledger"
	"github.com/okian/evalboard/internal/adapters/repository"
	"github.com/okian/evalboard/internal/domain/category"
	"github.com/okian/evalboard/internal/domain/model"
	"github.com/okian/evalboard/pkg/logger"
	"github.com/okian/evalboard/pkg/metrics"
)

// Submission outcomes reported to metrics.
const (
	outcomeCached      = "cached"
	outcomeDispatched  = "dispatched"
	outcomeDuplicate   = "duplicate"
	outcomeInvalid     = "invalid"
	outcomeRateLimited = "rate_limited"
	outcomeFailed      = "dispatch_failed"
)

// SubmitRequest is a user request to evaluate models.
type SubmitRequest struct {
	Query          string               `json:"query"`
	Models         []model.ModelRequest `json:"models"`
	Requester      string               `json:"requester,omitempty"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
}

// SubmitResult describes the task a submission created or reused.
type SubmitResult struct {
	TaskID  string       `json:"task_id"`
	Status  model.Status `json:"status"`
	Message string       `json:"message"`
	Cached  bool         `json:"cached"`
	Handle  string       `json:"handle,omitempty"`
	Plan    *model.Plan  `json:"plan,omitempty"`
}

// Submit validates, plans and either answers req from the leaderboard
// cache or dispatches it for evaluation.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	requester := strings.TrimSpace(req.Requester)
	if requester == "" {
		requester = anonymous
	}
	if s.limiter != nil {
		if err := s.limiter.Allow(ctx, requester); err != nil {
			metrics.RecordSubmission(outcomeRateLimited)
			return SubmitResult{}, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
	}

	query := strings.TrimSpace(req.Query)
	models := s.sanitizeModels(req.Models)
	key := strings.TrimSpace(req.IdempotencyKey)
	if err := s.check(query, models, key); err != nil {
		metrics.RecordSubmission(outcomeInvalid)
		return SubmitResult{}, err
	}

	if key == "" {
		return s.submit(ctx, s.newID(), query, models, requester)
	}
	// Concurrent submits with one key collapse into a single task.
	v, err, _ := s.inflight.Do(requester+"\x00"+key, func() (any, error) {
		return s.submit(ctx, key, query, models, requester)
	})
	if err != nil {
		return SubmitResult{}, err
	}
	return v.(SubmitResult), nil
}

func (s *Service) sanitizeModels(in []model.ModelRequest) []model.ModelRequest {
	out := make([]model.ModelRequest, len(in))
	for i, m := range in {
		out[i] = model.ModelRequest{
			Name:     SanitizeModelName(m.Name, s.cfg.MaxModelNameLength),
			Endpoint: strings.TrimSpace(m.Endpoint),
			Provider: strings.ToLower(strings.TrimSpace(m.Provider)),
		}
	}
	return out
}

func (s *Service) check(query string, models []model.ModelRequest, key string) error {
	sub := submission{Query: query, IdempotencyKey: key, Models: make([]modelInput, len(models))}
	for i, m := range models {
		sub.Models[i] = modelInput(m)
	}
	if err := s.validate.Struct(sub); err != nil {
		return translate(err, s.cfg)
	}
	return nil
}

func (s *Service) submit(ctx context.Context, id, query string, models []model.ModelRequest, requester string) (SubmitResult, error) {
	log := s.logger.With(logger.String("task_id", id), logger.String("requester", requester))

	if existing, err := s.ledger.Get(ctx, id); err == nil {
		return s.duplicate(existing, requester)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return SubmitResult{}, fmt.Errorf("look up task %s: %w", id, err)
	}

	descs, err := s.resolver.Resolve(ctx, models)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("resolve credentials: %w", err)
	}

	plan := s.plan(ctx, query, models)
	plan.Models = descs
	keys := plan.CategoryKeys()

	entries, hit := s.lookupCache(ctx, descs, keys)
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("encode plan: %w", err)
	}

	task, err := s.ledger.Create(ctx, ledger.CreateInput{ID: id, Plan: planJSON, Requester: requester})
	if errors.Is(err, ledger.ErrAlreadyExists) {
		if existing, gerr := s.ledger.Get(ctx, id); gerr == nil {
			return s.duplicate(existing, requester)
		}
	}
	if err != nil {
		return SubmitResult{}, fmt.Errorf("create task: %w", err)
	}
	metrics.RecordTaskTransition(string(task.Status))

	if hit {
		return s.serveCached(ctx, log, task.ID, plan, entries)
	}

	payload, err := json.Marshal(model.Job{TaskID: task.ID, Query: query, Plan: plan, Models: models})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("encode job: %w", err)
	}
	handle, err := s.enqueue(ctx, task.ID, payload)
	if err != nil {
		metrics.RecordSubmission(outcomeFailed)
		log.Error(ctx, "dispatch failed", logger.Error(err))
		s.transition(ctx, task.ID, model.StatusFailure, ledger.TransitionInput{Error: err.Error()})
		return SubmitResult{TaskID: task.ID, Status: model.StatusFailure, Message: err.Error(), Plan: &plan},
			fmt.Errorf("%w: %w", ErrDispatch, err)
	}

	metrics.RecordSubmission(outcomeDispatched)
	log.Info(ctx, "task dispatched", logger.String("handle", handle), logger.Int("models", len(models)), logger.Int("categories", len(keys)))
	return SubmitResult{
		TaskID:  task.ID,
		Status:  model.StatusPending,
		Message: "evaluation queued",
		Handle:  handle,
		Plan:    &plan,
	}, nil
}

func (s *Service) enqueue(ctx context.Context, taskID string, payload []byte) (string, error) {
	if s.dispatcher == nil {
		return "", errors.New("no dispatcher configured")
	}
	return s.dispatcher.Enqueue(ctx, taskID, payload)
}

// plan asks the planner under its timeout and falls back to the default
// plan on any error. The result is always normalised.
func (s *Service) plan(ctx context.Context, query string, models []model.ModelRequest) model.Plan {
	var (
		plan model.Plan
		err  = errors.New("no planner configured")
	)
	if s.planner != nil {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.PlannerTimeout)
		plan, err = s.planner.Plan(pctx, query, models)
		cancel()
	}
	if err != nil {
		metrics.RecordPlannerFallback()
		s.logger.Warn(ctx, "planner failed, using default plan", logger.Error(err))
		plan = model.DefaultPlan(query)
	}
	plan.Config = category.NormalizePlan(plan.Config)
	return plan
}

// lookupCache reports a hit only when every model has a visible entry for
// every key.
func (s *Service) lookupCache(ctx context.Context, descs []model.ModelDescriptor, keys []model.CategoryKey) ([]model.LeaderboardEntry, bool) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CacheTimeout)
	defer cancel()

	entries := make([]model.LeaderboardEntry, 0, len(descs)*len(keys))
	for _, d := range descs {
		for _, k := range keys {
			e, err := s.store.Get(cctx, model.EntryKey{Model: d.Name, CategoryKey: k}, false)
			if err != nil {
				if !errors.Is(err, repository.ErrNotFound) {
					s.logger.Warn(ctx, "cache lookup failed", logger.String("model", d.Name), logger.Error(err))
				}
				metrics.RecordCacheMiss()
				return nil, false
			}
			entries = append(entries, e)
		}
	}
	metrics.RecordCacheHit()
	return entries, true
}

func (s *Service) serveCached(ctx context.Context, log logger.Logger, id string, plan model.Plan, entries []model.LeaderboardEntry) (SubmitResult, error) {
	if _, err := s.transition(ctx, id, model.StatusStarted, ledger.TransitionInput{}); err != nil {
		return SubmitResult{}, fmt.Errorf("start cached task: %w", err)
	}
	raw, err := json.Marshal(TaskResult{Cached: true, Entries: entries})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("encode cached result: %w", err)
	}
	if _, err := s.transition(ctx, id, model.StatusSuccess, ledger.TransitionInput{Result: raw}); err != nil {
		return SubmitResult{}, fmt.Errorf("complete cached task: %w", err)
	}
	metrics.RecordSubmission(outcomeCached)
	log.Info(ctx, "served from leaderboard cache", logger.Int("entries", len(entries)))
	return SubmitResult{
		TaskID:  id,
		Status:  model.StatusSuccess,
		Message: "served from leaderboard cache",
		Cached:  true,
		Plan:    &plan,
	}, nil
}

func (s *Service) transition(ctx context.Context, id string, to model.Status, in ledger.TransitionInput) (ledger.Task, error) {
	task, err := s.ledger.Transition(ctx, id, to, in)
	if err != nil {
		s.logger.Warn(ctx, "task transition rejected",
			logger.String("task_id", id), logger.String("to", string(to)), logger.Error(err))
		return task, err
	}
	metrics.RecordTaskTransition(string(to))
	return task, nil
}

// duplicate answers a repeated idempotency key. A key belongs to the
// requester that first used it.
func (s *Service) duplicate(t ledger.Task, requester string) (SubmitResult, error) {
	if t.Requester != requester {
		metrics.RecordSubmission(outcomeInvalid)
		return SubmitResult{}, invalid("idempotency_key", "already used by another requester")
	}
	metrics.RecordSubmission(outcomeDuplicate)
	return existingResult(t), nil
}

func existingResult(t ledger.Task) SubmitResult {
	res := SubmitResult{TaskID: t.ID, Status: t.Status, Message: "task already exists"}
	var plan model.Plan
	if len(t.Plan) > 0 && json.Unmarshal(t.Plan, &plan) == nil {
		res.Plan = &plan
	}
	if t.Status == model.StatusSuccess && len(t.Result) > 0 {
		var r TaskResult
		if json.Unmarshal(t.Result, &r) == nil {
			res.Cached = r.Cached
		}
	}
	return res
}
