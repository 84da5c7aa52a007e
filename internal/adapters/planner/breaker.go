package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/okian/evalboard/internal/domain/model"
	"github.com/okian/evalboard/pkg/logger"
	"github.com/okian/evalboard/pkg/metrics"
)

// BreakerConfig tunes the circuit around a planner.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultBreakerConfig trips after five consecutive failures and probes
// again after thirty seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "planner",
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// Breaker guards a Planner with a circuit breaker.
type Breaker struct {
	next Planner
	cb   *gobreaker.CircuitBreaker[model.Plan]
}

// NewBreaker wraps next.
func NewBreaker(next Planner, cfg BreakerConfig, log logger.Logger) *Breaker {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Name == "" {
		cfg.Name = "planner"
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// An empty query is the caller's fault, not the planner's.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrEmptyQuery)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info(context.Background(), "circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
			metrics.UpdateCircuitBreakerState(name, int(to))
		},
	}
	metrics.UpdateCircuitBreakerState(cfg.Name, int(gobreaker.StateClosed))
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker[model.Plan](settings)}
}

// Plan implements Planner.
func (b *Breaker) Plan(ctx context.Context, query string, models []model.ModelRequest) (model.Plan, error) {
	plan, err := b.cb.Execute(func() (model.Plan, error) {
		return b.next.Plan(ctx, query, models)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return model.Plan{}, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return plan, err
}

// State reports the current circuit state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }
