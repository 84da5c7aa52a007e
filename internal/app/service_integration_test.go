package service_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	service "github.com/okian/evalboard/internal/app"
	"github.com/okian/evalboard/internal/config"
	"github.com/okian/evalboard/internal/domain/model"
	"github.com/okian/evalboard/internal/orchestrator"
	"github.com/okian/evalboard/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

// scriptedEvaluator scores model i as 0.9 - 0.1*i.
type scriptedEvaluator struct {
	calls atomic.Int32
}

func (e *scriptedEvaluator) Evaluate(_ context.Context, _ model.Plan, models []model.ModelDescriptor) (model.EvaluationOutput, error) {
	e.calls.Add(1)
	out := model.EvaluationOutput{}
	for i, m := range models {
		acc := 0.9 - 0.1*float64(i)
		out.Runs = append(out.Runs, model.ModelRun{
			Model:   m.Name,
			Summary: map[string]float64{"accuracy": acc, "total_samples": 10},
			Samples: []model.RawSample{{Prompt: "p", Answer: "a", Reference: "a", Score: &acc}},
		})
	}
	return out, nil
}

func waitForStatus(ctx context.Context, orch *orchestrator.Service, id string) model.Status {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		view, err := orch.TaskStatus(ctx, id)
		if err == nil && view.Status.IsTerminal() {
			return view.Status
		}
		time.Sleep(10 * time.Millisecond)
	}
	return ""
}

func TestServiceIntegration(t *testing.T) {
	for _, driver := range []string{config.DriverMemory, config.DriverSQLite} {
		Convey("Given a started service on the "+driver+" store", t, func() {
			cfg := testConfig()
			cfg.StoreDriver = driver
			if driver == config.DriverSQLite {
				cfg.DatabaseDSN = filepath.Join(t.TempDir(), "evalboard.db")
			}
			eval := &scriptedEvaluator{}
			svc := service.New(cfg, service.WithLogger(logger.Nop()), service.WithEvaluator(eval))

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			So(svc.Start(ctx), ShouldBeNil)
			defer svc.Stop(ctx)
			orch := svc.Orchestrator()

			req := orchestrator.SubmitRequest{
				Query:  "korean law reasoning",
				Models: []model.ModelRequest{{Name: "alpha"}, {Name: "beta"}},
			}

			Convey("When a fresh request is submitted", func() {
				res, err := orch.Submit(ctx, req)
				So(err, ShouldBeNil)
				So(res.Status, ShouldEqual, model.StatusPending)

				Convey("Then a worker completes it and the leaderboard is filled", func() {
					So(waitForStatus(ctx, orch, res.TaskID), ShouldEqual, model.StatusSuccess)
					So(eval.calls.Load(), ShouldEqual, 1)

					page, err := orch.BrowseLeaderboard(ctx, orchestrator.BrowseRequest{Subject: "law"})
					So(err, ShouldBeNil)
					So(page.Total, ShouldEqual, 2)
					So(page.Entries[0].Model, ShouldEqual, "alpha")
					So(page.Entries[0].Score, ShouldAlmostEqual, 0.9)

					smp, err := orch.TaskSamples(ctx, res.TaskID)
					So(err, ShouldBeNil)
					So(smp, ShouldHaveLength, 2)

					Convey("And the same request is then served from the cache", func() {
						again, err := orch.Submit(ctx, req)
						So(err, ShouldBeNil)
						So(again.Cached, ShouldBeTrue)
						So(again.Status, ShouldEqual, model.StatusSuccess)
						So(eval.calls.Load(), ShouldEqual, 1)
					})
				})
			})

			Convey("When stats are requested", func() {
				st, err := orch.Stats(ctx)
				So(err, ShouldBeNil)
				So(st.CacheEntries, ShouldEqual, 0)
				So(st.Tasks, ShouldContainKey, model.StatusPending)
			})
		})
	}
}
