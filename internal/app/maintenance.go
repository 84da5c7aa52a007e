package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/okian/evalboard/internal/orchestrator"
	"github.com/okian/evalboard/pkg/logger"
	"github.com/okian/evalboard/pkg/metrics"
)

// limiterIdleTTL is how long an unused local rate-limit bucket is kept.
const limiterIdleTTL = 10 * time.Minute

// MaintenanceReport counts what one maintenance run removed.
type MaintenanceReport struct {
	Tasks    int      `json:"tasks"`
	Samples  int      `json:"samples"`
	Cache    int      `json:"cache"`
	Limiters int      `json:"limiters"`
	Errors   []string `json:"errors,omitempty"`
}

// RunMaintenance applies the retention settings once. Each job runs even
// when an earlier one fails.
func (s *Service) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	orch := s.Orchestrator()
	if orch == nil {
		return MaintenanceReport{}, ErrNotOpen
	}
	var rep MaintenanceReport
	record := func(job string, n int, err error, dst *int) {
		metrics.RecordMaintenanceRun(job, err == nil)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", job, err))
			s.logger.Error(ctx, "maintenance job failed", logger.String("job", job), logger.Error(err))
			return
		}
		*dst = n
	}

	if h := s.cfg.TaskRetentionHours; h > 0 {
		n, err := withAge(ctx, h, orch.CleanupTasks)
		record("tasks", n, err, &rep.Tasks)
	}
	if h := s.cfg.SampleRetentionHours; h > 0 {
		n, err := withAge(ctx, h, orch.CleanupSamples)
		record("samples", n, err, &rep.Samples)
	}
	if h := s.cfg.CacheTTLHours; h > 0 {
		n, err := withAge(ctx, h, orch.ClearCache)
		record("cache", n, err, &rep.Cache)
	}
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()
	if local != nil {
		rep.Limiters = local.CleanupStale(s.now().Add(-limiterIdleTTL))
		metrics.RecordMaintenanceRun("limiters", true)
	}

	s.logger.Info(ctx, "maintenance finished",
		logger.Int("tasks", rep.Tasks),
		logger.Int("samples", rep.Samples),
		logger.Int("cache", rep.Cache),
		logger.Int("limiters", rep.Limiters),
	)
	if len(rep.Errors) > 0 {
		return rep, fmt.Errorf("maintenance: %d job(s) failed", len(rep.Errors))
	}
	return rep, nil
}

func withAge(ctx context.Context, h int, job func(context.Context, time.Duration) (int, error)) (int, error) {
	age, err := orchestrator.Hours(h)
	if err != nil {
		return 0, err
	}
	return job(ctx, age)
}

// newScheduler registers RunMaintenance on the configured five-field cron
// expression. An empty schedule disables it.
func (s *Service) newScheduler(ctx context.Context) (*cron.Cron, error) {
	cl := cronLogger{ctx: ctx, l: s.logger.Named("cron")}
	c := cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)
	if s.cfg.CleanupSchedule == "" {
		return c, nil
	}
	if _, err := c.AddFunc(s.cfg.CleanupSchedule, func() {
		_, _ = s.RunMaintenance(ctx)
	}); err != nil {
		return nil, fmt.Errorf("parse cleanup_schedule %q: %w", s.cfg.CleanupSchedule, err)
	}
	return c, nil
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	ctx context.Context
	l   logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(c.ctx, msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(c.ctx, msg, append(kvFields(keysAndValues), logger.Error(err))...)
}

func kvFields(kv []any) []logger.Field {
	out := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logger.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
