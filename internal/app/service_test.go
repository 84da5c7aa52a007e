package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	service "github.com/okian/evalboard/internal/app"
	"github.com/okian/evalboard/internal/config"
	"github.com/okian/evalboard/internal/orchestrator"
	"github.com/okian/evalboard/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

func testConfig() *config.Config {
	cfg := config.New()
	cfg.WorkerCount = 2
	cfg.QueueSize = 100
	cfg.RateLimitDriver = config.DriverNone
	return cfg
}

func TestService_Lifecycle(t *testing.T) {
	Convey("Given a new service with the in-memory stack", t, func() {
		svc := service.New(testConfig(), service.WithLogger(logger.Nop()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		Convey("Before Open nothing is available", func() {
			So(svc.Orchestrator(), ShouldBeNil)
			So(svc.Health(ctx).Ready, ShouldBeFalse)
			_, err := svc.RunMaintenance(ctx)
			So(errors.Is(err, service.ErrNotOpen), ShouldBeTrue)
		})

		Convey("When starting the service", func() {
			err := svc.Start(ctx)
			defer svc.Stop(ctx)

			Convey("Then it should start successfully", func() {
				So(err, ShouldBeNil)
				So(svc.Orchestrator(), ShouldNotBeNil)
			})

			Convey("And health reports every component", func() {
				h := svc.Health(ctx)
				So(h.Ready, ShouldBeTrue)
				So(h.Checks["store"], ShouldEqual, config.DriverMemory)
				So(h.Checks["queue"], ShouldEqual, "memory 0/100")
				So(h.Checks["planner"], ShouldEqual, "closed")
				So(h.Checks["workers"], ShouldEqual, "2")
			})

			Convey("And starting twice is a no-op", func() {
				So(svc.Start(ctx), ShouldBeNil)
			})
		})

		Convey("When stopping a started service", func() {
			So(svc.Start(ctx), ShouldBeNil)
			So(svc.Stop(ctx), ShouldBeNil)

			Convey("Then it is closed and can be stopped again", func() {
				So(svc.Orchestrator(), ShouldBeNil)
				So(svc.Stop(ctx), ShouldBeNil)
			})
		})
	})

	Convey("Given an invalid cleanup schedule", t, func() {
		cfg := testConfig()
		cfg.CleanupSchedule = "every tuesday"
		svc := service.New(cfg, service.WithLogger(logger.Nop()))
		ctx := context.Background()
		defer svc.Stop(ctx)

		Convey("Then Start fails with the schedule error", func() {
			err := svc.Start(ctx)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "cleanup_schedule")
		})
	})
}

func TestService_Maintenance(t *testing.T) {
	Convey("Given an opened service with old data", t, func() {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		cfg := testConfig()
		cfg.CacheTTLHours = 24
		cfg.TaskRetentionHours = 24
		cfg.SampleRetentionHours = 24
		cfg.RateLimitDriver = config.DriverLocal
		svc := service.New(cfg, service.WithLogger(logger.Nop()), service.WithClock(func() time.Time { return now }))
		ctx := context.Background()
		So(svc.Open(ctx), ShouldBeNil)
		defer svc.Stop(ctx)

		orch := svc.Orchestrator()
		_, err := orch.AdminUpsertEntry(ctx, orchestrator.AdminEntryRequest{Model: "m", Score: 0.4})
		So(err, ShouldBeNil)

		Convey("When maintenance runs within the TTL", func() {
			rep, err := svc.RunMaintenance(ctx)
			So(err, ShouldBeNil)
			So(rep.Cache, ShouldEqual, 0)
		})

		Convey("When maintenance runs after the TTL", func() {
			now = now.Add(48 * time.Hour)
			rep, err := svc.RunMaintenance(ctx)

			Convey("Then the stale entry is cleared", func() {
				So(err, ShouldBeNil)
				So(rep.Cache, ShouldEqual, 1)
				page, err := orch.BrowseLeaderboard(ctx, orchestrator.BrowseRequest{})
				So(err, ShouldBeNil)
				So(page.Total, ShouldEqual, 0)
			})
		})
	})
}
