// Package service assembles the evaluation service from configuration and
// owns the lifecycle of its storage, queue, workers and maintenance jobs.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/okian/evalboard/internal/adapters/credentials"
	"github.com/okian/evalboard/internal/adapters/database"
	"github.com/okian/evalboard/internal/adapters/evaluator"
	"github.com/okian/evalboard/internal/adapters/ledger"
	"github.com/okian/evalboard/internal/adapters/mq/amqp"
	"github.com/okian/evalboard/internal/adapters/mq/queue"
	"github.com/okian/evalboard/internal/adapters/mq/worker"
	"github.com/okian/evalboard/internal/adapters/planner"
	"github.com/okian/evalboard/internal/adapters/ratelimit"
	"github.com/okian/evalboard/internal/adapters/repository"
	"github.com/okian/evalboard/internal/adapters/samples"
	"github.com/okian/evalboard/internal/config"
	"github.com/okian/evalboard/internal/domain/dedupe"
	"github.com/okian/evalboard/internal/domain/mapper"
	"github.com/okian/evalboard/internal/orchestrator"
	"github.com/okian/evalboard/pkg/logger"
)

// ErrNotOpen is returned by accessors used before Open.
var ErrNotOpen = errors.New("service is not open")

// Service owns every long-lived component of the process.
type Service struct {
	mu sync.Mutex

	cfg *config.Config

	db       *database.DB
	store    repository.Store
	ledger   ledger.Ledger
	samples  samples.Store
	memQueue *queue.InMemoryQueue
	broker   *amqp.Broker
	consumer worker.Queue
	breaker  *planner.Breaker
	local    *ratelimit.LocalLimiter
	redis    *redis.Client
	orch     *orchestrator.Service
	pool     *worker.Pool
	cron     *cron.Cron

	// Test seams.
	chat      planner.ChatClient
	evaluator orchestrator.Evaluator
	now       func() time.Time

	opened  bool
	started bool
	logger  logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithChatClient replaces the OpenAI client used by the openai planner.
func WithChatClient(c planner.ChatClient) Option {
	return func(s *Service) { s.chat = c }
}

// WithEvaluator replaces the command evaluator.
func WithEvaluator(e orchestrator.Evaluator) Option {
	return func(s *Service) { s.evaluator = e }
}

// WithClock overrides time.Now for the orchestrator and maintenance.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a Service. Nothing is opened until Open or Start.
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.New()
	}
	s := &Service{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	return s
}

// Open builds storage and the orchestrator without starting workers. The
// CLI maintenance commands use it directly.
func (s *Service) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx)
}

func (s *Service) openLocked(ctx context.Context) (err error) {
	if s.opened {
		return nil
	}
	defer func() {
		if err != nil {
			s.closeLocked(ctx)
		}
	}()

	if err := s.openStorage(ctx); err != nil {
		return err
	}
	dispatcher, err := s.openQueue()
	if err != nil {
		return err
	}
	limiter, err := s.openLimiter()
	if err != nil {
		return err
	}

	s.breaker = planner.NewBreaker(s.buildPlanner(), planner.DefaultBreakerConfig(), s.logger.Named("planner"))
	eval := s.evaluator
	if eval == nil && s.cfg.EvaluatorCommand != "" {
		ce := evaluator.NewCommandEvaluator(s.cfg.EvaluatorCommand, s.cfg.EvaluatorArgs, s.cfg.EvaluationTimeout(), s.logger.Named("evaluator"))
		if !ce.Available() {
			s.logger.Warn(ctx, "evaluation toolkit not found, fresh evaluations will fail",
				logger.String("command", s.cfg.EvaluatorCommand))
		}
		eval = ce
	}

	s.orch, err = orchestrator.New(orchestrator.Deps{
		Planner:    s.breaker,
		Dispatcher: dispatcher,
		Resolver:   credentials.NewEnvResolver(),
		Limiter:    limiter,
		Evaluator:  eval,
		Store:      s.store,
		Ledger:     s.ledger,
		Samples:    s.samples,
		Mapper:     mapper.New(mapper.WithClock(s.now), mapper.WithLogger(s.logger.Named("mapper"))),
	}, orchestrator.Config{
		MaxQueryLength:     s.cfg.MaxQueryLength,
		MaxModels:          s.cfg.MaxModels,
		MaxModelNameLength: s.cfg.MaxModelNameLength,
		AllowedSchemes:     s.cfg.AllowedSchemes,
		PlannerTimeout:     s.cfg.PlannerTimeout(),
		CacheTimeout:       s.cfg.CacheTimeout(),
		EvaluationTimeout:  s.cfg.EvaluationTimeout(),
		MaxBrowseLimit:     s.cfg.MaxBrowseLimit,
	}, orchestrator.WithClock(s.now), orchestrator.WithLogger(s.logger.Named("orchestrator")))
	if err != nil {
		return err
	}

	s.opened = true
	s.logger.Info(ctx, "service opened",
		logger.String("store", s.cfg.StoreDriver),
		logger.String("queue", s.cfg.QueueDriver),
		logger.String("planner", s.cfg.PlannerDriver),
		logger.String("rate_limit", s.cfg.RateLimitDriver),
	)
	return nil
}

func (s *Service) openStorage(ctx context.Context) error {
	switch s.cfg.StoreDriver {
	case config.DriverSQLite, config.DriverPostgres:
		db, err := database.Open(ctx, database.Dialect(s.cfg.StoreDriver), s.cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("open %s: %w", s.cfg.StoreDriver, err)
		}
		s.db = db
		s.store = repository.NewSQLStore(db, repository.WithClock(s.now), repository.WithLogger(s.logger.Named("repository")))
		s.ledger = ledger.NewSQLLedger(db, ledger.WithClock(s.now))
		s.samples = samples.NewSQLStore(db)
	default:
		s.store = repository.NewTreapStore(context.WithoutCancel(ctx), repository.WithClock(s.now), repository.WithLogger(s.logger.Named("repository")))
		s.ledger = ledger.NewMemoryLedger(ledger.WithClock(s.now))
		s.samples = samples.NewMemoryStore()
	}
	return nil
}

func (s *Service) openQueue() (orchestrator.Dispatcher, error) {
	if s.cfg.QueueDriver == config.DriverAMQP {
		b, err := amqp.Dial(s.cfg.AMQPURL, s.cfg.AMQPQueue, s.logger.Named("amqp"))
		if err != nil {
			return nil, err
		}
		s.broker = b
		s.consumer = amqp.NewConsumer(b, s.cfg.WorkerCount)
		return amqp.NewDispatcher(b), nil
	}
	s.memQueue = queue.NewInMemoryQueue(queue.WithCapacity(s.cfg.QueueSize))
	s.consumer = s.memQueue
	return queue.NewDispatcher(s.memQueue), nil
}

func (s *Service) openLimiter() (orchestrator.RateLimiter, error) {
	switch s.cfg.RateLimitDriver {
	case config.DriverNone:
		return ratelimit.Noop{}, nil
	case config.DriverRedis:
		client, err := ratelimit.NewRedisClient(s.cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		s.redis = client
		return ratelimit.NewRedisLimiter(client, s.cfg.RateLimitBurst, s.logger.Named("ratelimit")), nil
	default:
		s.local = ratelimit.NewLocalLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst)
		return s.local, nil
	}
}

func (s *Service) buildPlanner() planner.Planner {
	if s.cfg.PlannerDriver != config.DriverOpenAI {
		return planner.NewKeywordPlanner()
	}
	chat := s.chat
	if chat == nil {
		chat = planner.NewOpenAIClient(s.cfg.OpenAIAPIKey, s.cfg.OpenAIBaseURL)
	}
	return planner.NewOpenAIPlanner(chat, s.cfg.PlannerModel, s.logger.Named("planner"))
}

// Start opens the service if needed, then starts the worker pool and the
// maintenance scheduler.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if err := s.openLocked(ctx); err != nil {
		return err
	}

	s.logger.Info(ctx, "starting evaluation service...")
	s.pool = worker.NewPool(s.cfg.WorkerCount, s.consumer, s.orch,
		worker.WithPoolDeduper(dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.cfg.DedupeSize))),
		worker.WithPoolLogger(s.logger.Named("worker")),
	)
	s.pool.Start(context.WithoutCancel(ctx))

	c, err := s.newScheduler(context.WithoutCancel(ctx))
	if err != nil {
		_ = s.pool.Shutdown(ctx)
		s.pool = nil
		return err
	}
	s.cron = c
	s.cron.Start()

	s.started = true
	s.logger.Info(ctx, "evaluation service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queueSize", s.cfg.QueueSize),
		logger.String("cleanup_schedule", s.cfg.CleanupSchedule),
	)
	return nil
}

// Stop drains workers, stops maintenance and releases storage.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return nil
	}
	s.logger.Info(ctx, "stopping evaluation service...")
	var firstErr error
	if s.cron != nil {
		select {
		case <-s.cron.Stop().Done():
		case <-ctx.Done():
		}
		s.cron = nil
	}
	if s.pool != nil {
		if err := s.pool.Shutdown(ctx); err != nil {
			firstErr = err
		}
		s.pool = nil
	}
	if err := s.closeLocked(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	s.started = false
	s.logger.Info(ctx, "evaluation service stopped")
	return firstErr
}

func (s *Service) closeLocked(ctx context.Context) error {
	var errs []error
	if s.memQueue != nil {
		_ = s.memQueue.Close()
	}
	if s.broker != nil {
		errs = append(errs, s.broker.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	s.db, s.store, s.ledger, s.samples = nil, nil, nil, nil
	s.memQueue, s.broker, s.consumer, s.redis = nil, nil, nil, nil
	s.orch = nil
	s.opened = false
	if err := errors.Join(errs...); err != nil {
		s.logger.Error(ctx, "error closing service", logger.Error(err))
		return err
	}
	return nil
}

// Orchestrator returns the workflow service, or nil before Open.
func (s *Service) Orchestrator() *orchestrator.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orch
}

// Config returns the process configuration.
func (s *Service) Config() *config.Config { return s.cfg }

// Health reports the state of each dependency. Ready is false when storage
// cannot be reached.
type Health struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

// Health pings the database and summarises queue, planner and worker state.
func (s *Service) Health(ctx context.Context) Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := Health{Ready: s.opened, Checks: map[string]string{}}
	if !s.opened {
		h.Checks["service"] = ErrNotOpen.Error()
		return h
	}
	h.Checks["store"] = s.cfg.StoreDriver
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			h.Ready = false
			h.Checks["store"] = "unreachable: " + err.Error()
		}
	}
	if s.memQueue != nil {
		h.Checks["queue"] = fmt.Sprintf("memory %d/%d", s.memQueue.Len(ctx), s.memQueue.Capacity())
	} else if s.broker != nil {
		h.Checks["queue"] = "amqp " + s.broker.Queue()
	}
	if s.breaker != nil {
		h.Checks["planner"] = s.breaker.State().String()
	}
	if s.pool != nil {
		h.Checks["workers"] = fmt.Sprintf("%d", s.pool.Size())
	} else {
		h.Checks["workers"] = "stopped"
	}
	return h
}
