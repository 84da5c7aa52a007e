package loadtest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/okian/evalboard/internal/adapters/http/api"
	service "github.com/okian/evalboard/internal/app"
	"github.com/okian/evalboard/internal/config"
	"github.com/okian/evalboard/internal/domain/model"
	"github.com/okian/evalboard/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

// fixedEvaluator scores models by their position in the request.
type fixedEvaluator struct{}

func (fixedEvaluator) Evaluate(_ context.Context, _ model.Plan, models []model.ModelDescriptor) (model.EvaluationOutput, error) {
	var out model.EvaluationOutput
	for i, m := range models {
		acc := 0.9 - 0.1*float64(i)
		out.Runs = append(out.Runs, model.ModelRun{
			Model:   m.Name,
			Summary: map[string]float64{"accuracy": acc, "total_samples": 4},
			Samples: []model.RawSample{{Prompt: "p", Answer: "a", Reference: "a", Score: &acc}},
		})
	}
	return out, nil
}

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.New()
	cfg.WorkerCount = 4
	cfg.RateLimitDriver = config.DriverNone
	cfg.CleanupSchedule = ""

	ctx := context.Background()
	svc := service.New(cfg, service.WithLogger(logger.Nop()), service.WithEvaluator(fixedEvaluator{}))
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start service: %v", err)
	}
	srv := httptest.NewServer(api.NewServer(svc.Orchestrator()).Handler(ctx))
	t.Cleanup(func() {
		srv.Close()
		_ = svc.Stop(ctx)
	})
	return srv
}

func TestRun(t *testing.T) {
	Convey("Given a running evalboard server", t, func() {
		srv := startServer(t)
		cfg := Config{
			BaseURL:      srv.URL,
			Requests:     20,
			Workers:      4,
			Models:       []string{"alpha", "beta", "gamma"},
			PollInterval: 10 * time.Millisecond,
			WaitTimeout:  10 * time.Second,
		}

		Convey("When the load test runs", func() {
			rep, err := Run(context.Background(), cfg, logger.Nop())

			Convey("Then every request is accounted for", func() {
				So(err, ShouldBeNil)
				So(rep.Generated, ShouldEqual, 20)
				So(rep.Submitted, ShouldEqual, 20)
				So(rep.Queued+rep.Cached, ShouldEqual, 20)
				So(rep.Succeeded, ShouldEqual, rep.Queued)
				So(rep.Unfinished, ShouldEqual, 0)
				So(rep.LeaderboardEntries, ShouldBeGreaterThan, 0)
				So(rep.Warnings, ShouldBeEmpty)
			})
		})
	})

	Convey("Given an unhealthy server", t, func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := Run(context.Background(), Config{BaseURL: srv.URL, Requests: 1, Models: []string{"a"}}, nil)
		So(err, ShouldNotBeNil)
		var se *statusError
		So(errors.As(err, &se), ShouldBeTrue)
		So(se.Code, ShouldEqual, http.StatusServiceUnavailable)
	})
}

func TestConfigDefaults(t *testing.T) {
	Convey("Given incomplete configs", t, func() {
		_, err := Config{Requests: 1, Models: []string{"a"}}.withDefaults()
		So(errors.Is(err, ErrInvalidConfig), ShouldBeTrue)

		_, err = Config{BaseURL: "http://x", Models: []string{"a"}}.withDefaults()
		So(errors.Is(err, ErrInvalidConfig), ShouldBeTrue)

		_, err = Config{BaseURL: "http://x", Requests: 1}.withDefaults()
		So(errors.Is(err, ErrInvalidConfig), ShouldBeTrue)
	})

	Convey("Given a minimal config", t, func() {
		cfg, err := Config{BaseURL: "http://x/", Requests: 1, Models: []string{"a"}}.withDefaults()
		So(err, ShouldBeNil)
		So(cfg.BaseURL, ShouldEqual, "http://x")
		So(cfg.Workers, ShouldBeGreaterThan, 0)
		So(cfg.TopN, ShouldEqual, defaultTopN)
		So(cfg.Requester, ShouldEqual, "loadtest")
	})
}

func TestGenerateAndVerify(t *testing.T) {
	Convey("Generated submissions are well formed", t, func() {
		subs := generate(50, []string{"a", "b", "c"})
		So(subs, ShouldHaveLength, 50)
		keys := map[string]bool{}
		for _, s := range subs {
			So(s.Query, ShouldNotBeBlank)
			So(len(s.Models), ShouldBeBetweenOrEqual, 1, 3)
			seen := map[string]bool{}
			for _, m := range s.Models {
				So(seen[m.Name], ShouldBeFalse)
				seen[m.Name] = true
			}
			keys[s.IdempotencyKey] = true
		}
		So(keys, ShouldHaveLength, 50)
	})

	Convey("Leaderboard verification flags disorder and bad scores", t, func() {
		So(verifyLeaderboard([]Entry{{Score: 0.9}, {Score: 0.5}}), ShouldBeEmpty)
		So(verifyLeaderboard([]Entry{{Score: 0.5}, {Score: 0.9}}), ShouldHaveLength, 1)
		So(verifyLeaderboard([]Entry{{Score: 1.5}}), ShouldHaveLength, 1)
	})
}
