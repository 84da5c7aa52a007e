// Package orchestrator drives an evaluation request end to end: it validates
// and plans a submission, answers it from the leaderboard cache when it can,
// dispatches the rest to workers and folds evaluator output back into the
// ledger, the sample store and the leaderboard.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/okian/evalboard/internal/adapters/ledger"
	"github.com/okian/evalboard/internal/adapters/repository"
	"github.com/okian/evalboard/internal/adapters/samples"
	"github.com/okian/evalboard/internal/domain/mapper"
	"github.com/okian/evalboard/internal/domain/model"
	"github.com/okian/evalboard/pkg/logger"
)

// Defaults applied by New when a Config field is zero.
const (
	DefaultMaxQueryLength     = 2000
	DefaultMaxModels          = 5
	DefaultMaxModelNameLength = 128
	DefaultPlannerTimeout     = 10 * time.Second
	DefaultCacheTimeout       = 2 * time.Second
	DefaultEvaluationTimeout  = 30 * time.Minute
	DefaultBrowseLimit        = 50
	DefaultMaxBrowseLimit     = 500

	anonymous = "anonymous"
)

// Planner turns a free-text query and the sanitised models into an
// evaluation plan.
type Planner interface {
	Plan(ctx context.Context, query string, models []model.ModelRequest) (model.Plan, error)
}

// Dispatcher hands a serialised job to the worker queue and returns a
// transport handle.
type Dispatcher interface {
	Enqueue(ctx context.Context, taskID string, payload []byte) (string, error)
}

// CredentialResolver attaches API keys to model requests.
type CredentialResolver interface {
	Resolve(ctx context.Context, reqs []model.ModelRequest) ([]model.ModelDescriptor, error)
}

// RateLimiter throttles submissions per requester.
type RateLimiter interface {
	Allow(ctx context.Context, key string) error
}

// Evaluator runs the evaluation toolkit for a plan.
type Evaluator interface {
	Evaluate(ctx context.Context, plan model.Plan, models []model.ModelDescriptor) (model.EvaluationOutput, error)
}

// Config bounds what the service accepts.
type Config struct {
	MaxQueryLength     int
	MaxModels          int
	MaxModelNameLength int
	AllowedSchemes     []string
	PlannerTimeout     time.Duration
	CacheTimeout       time.Duration
	EvaluationTimeout  time.Duration
	MaxBrowseLimit     int
}

func (c Config) withDefaults() Config {
	if c.MaxQueryLength <= 0 {
		c.MaxQueryLength = DefaultMaxQueryLength
	}
	if c.MaxModels <= 0 {
		c.MaxModels = DefaultMaxModels
	}
	if c.MaxModels > HardMaxModels {
		c.MaxModels = HardMaxModels
	}
	if c.MaxModelNameLength <= 0 {
		c.MaxModelNameLength = DefaultMaxModelNameLength
	}
	if len(c.AllowedSchemes) == 0 {
		c.AllowedSchemes = []string{"https"}
	}
	if c.PlannerTimeout <= 0 {
		c.PlannerTimeout = DefaultPlannerTimeout
	}
	if c.CacheTimeout <= 0 {
		c.CacheTimeout = DefaultCacheTimeout
	}
	if c.EvaluationTimeout <= 0 {
		c.EvaluationTimeout = DefaultEvaluationTimeout
	}
	if c.MaxBrowseLimit <= 0 {
		c.MaxBrowseLimit = DefaultMaxBrowseLimit
	}
	return c
}

// Deps are the collaborators of a Service. Store, Ledger and Samples are
// required; Evaluator is only needed by Execute.
type Deps struct {
	Planner    Planner
	Dispatcher Dispatcher
	Resolver   CredentialResolver
	Limiter    RateLimiter
	Evaluator  Evaluator
	Store      repository.Store
	Ledger     ledger.Ledger
	Samples    samples.Store
	Mapper     *mapper.Mapper
}

// Service implements the evaluation workflow.
type Service struct {
	cfg Config

	planner    Planner
	dispatcher Dispatcher
	resolver   CredentialResolver
	limiter    RateLimiter
	evaluator  Evaluator
	store      repository.Store
	ledger     ledger.Ledger
	samples    samples.Store
	mapper     *mapper.Mapper

	validate *validator.Validate
	inflight singleflight.Group
	now      func() time.Time
	newID    func() string
	logger   logger.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides the task id source.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds a Service. Missing optional collaborators get inert defaults.
func New(deps Deps, cfg Config, opts ...Option) (*Service, error) {
	if deps.Store == nil || deps.Ledger == nil || deps.Samples == nil {
		return nil, errors.New("orchestrator: store, ledger and samples are required")
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:        cfg,
		planner:    deps.Planner,
		dispatcher: deps.Dispatcher,
		resolver:   deps.Resolver,
		limiter:    deps.Limiter,
		evaluator:  deps.Evaluator,
		store:      deps.Store,
		ledger:     deps.Ledger,
		samples:    deps.Samples,
		mapper:     deps.Mapper,
		validate:   newValidator(cfg),
		now:        time.Now,
		newID:      uuid.NewString,
		logger:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.resolver == nil {
		s.resolver = passthroughResolver{}
	}
	if s.mapper == nil {
		s.mapper = mapper.New(mapper.WithClock(s.now), mapper.WithLogger(s.logger))
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

type passthroughResolver struct{}

func (passthroughResolver) Resolve(_ context.Context, reqs []model.ModelRequest) ([]model.ModelDescriptor, error) {
	out := make([]model.ModelDescriptor, len(reqs))
	for i, r := range reqs {
		out[i] = model.NewModelDescriptor(r.Name, r.Endpoint, r.Provider, "")
	}
	return out, nil
}

func (s *Service) nowUTC() time.Time { return s.now().UTC() }
