package loadtest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/evalboard/pkg/logger"
)

// Run executes one load test against cfg.BaseURL.
func Run(ctx context.Context, cfg Config, log logger.Logger) (Report, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return Report{}, err
	}
	if log == nil {
		log = logger.Nop()
	}
	rep := Report{StartTime: time.Now()}
	c := newClient(cfg)

	log.Info(ctx, "starting evalboard load test",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("requests", cfg.Requests),
		logger.Int("workers", cfg.Workers),
		logger.Strings("models", cfg.Models))

	if err := c.health(ctx); err != nil {
		return rep, fmt.Errorf("service health check failed: %w", err)
	}

	subs := generate(cfg.Requests, cfg.Models)
	rep.Generated = len(subs)

	pending := submitAll(ctx, c, cfg.Workers, subs, &rep, log)
	log.Info(ctx, "submission finished",
		logger.Int("queued", rep.Queued),
		logger.Int("cached", rep.Cached),
		logger.Int("rejected", rep.Rejected),
		logger.Int("failed", rep.Failed))

	waitAll(ctx, c, cfg, pending, &rep, log)

	board, err := c.leaderboard(ctx, cfg.TopN)
	if err != nil {
		return finish(rep), fmt.Errorf("leaderboard retrieval failed: %w", err)
	}
	rep.LeaderboardEntries = board.Total
	rep.Warnings = append(rep.Warnings, verifyLeaderboard(board.Entries)...)

	rep = finish(rep)
	log.Info(ctx, "load test finished",
		logger.Int("succeeded", rep.Succeeded),
		logger.Int("taskFailures", rep.TaskFailures),
		logger.Int("unfinished", rep.Unfinished),
		logger.Int("leaderboardEntries", rep.LeaderboardEntries),
		logger.Duration("duration", rep.Duration))
	if len(rep.Warnings) > 0 {
		return rep, fmt.Errorf("leaderboard verification: %d warning(s)", len(rep.Warnings))
	}
	return rep, nil
}

func finish(rep Report) Report {
	rep.Duration = time.Since(rep.StartTime)
	return rep
}

// submitAll posts every submission through a fixed set of workers and
// returns the ids of tasks that still have to finish.
func submitAll(ctx context.Context, c *client, workers int, subs []submission, rep *Report, log logger.Logger) []string {
	var (
		submitted, queued, cached, rejected, failed atomic.Int64

		mu      sync.Mutex
		pending []string
		wg      sync.WaitGroup
	)
	ch := make(chan submission, workers*workerChannelMultiplier)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range ch {
				submitted.Add(1)
				res, code, err := c.submit(ctx, s)
				switch {
				case err != nil:
					var se *statusError
					if errors.As(err, &se) && (code == http.StatusTooManyRequests || code == http.StatusBadRequest) {
						rejected.Add(1)
					} else {
						failed.Add(1)
					}
					log.Debug(ctx, "submission failed", logger.Int("status", code), logger.Error(err))
				case res.Cached:
					cached.Add(1)
				default:
					queued.Add(1)
					mu.Lock()
					pending = append(pending, res.TaskID)
					mu.Unlock()
				}
			}
		}()
	}

	go func() {
		defer close(ch)
		for _, s := range subs {
			select {
			case <-ctx.Done():
				return
			case ch <- s:
			}
		}
	}()
	wg.Wait()

	rep.Submitted = int(submitted.Load())
	rep.Queued = int(queued.Load())
	rep.Cached = int(cached.Load())
	rep.Rejected = int(rejected.Load())
	rep.Failed = int(failed.Load())
	return pending
}

// waitAll polls each pending task until it is terminal or the wait budget
// runs out.
func waitAll(ctx context.Context, c *client, cfg Config, ids []string, rep *Report, log logger.Logger) {
	ctx, cancel := context.WithTimeout(ctx, cfg.WaitTimeout)
	defer cancel()

	open := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		open[id] = struct{}{}
	}
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for len(open) > 0 {
		for id := range open {
			t, err := c.task(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				log.Debug(ctx, "task poll failed", logger.String("task_id", id), logger.Error(err))
				continue
			}
			switch t.Status {
			case "SUCCESS":
				rep.Succeeded++
				delete(open, id)
			case "FAILURE", "CANCELLED":
				rep.TaskFailures++
				delete(open, id)
				log.Debug(ctx, "task did not succeed", logger.String("task_id", id), logger.String("error", t.Error))
			}
		}
		if len(open) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			rep.Unfinished = len(open)
			log.Warn(ctx, "gave up waiting for tasks", logger.Int("unfinished", len(open)))
			return
		case <-ticker.C:
		}
	}
}
