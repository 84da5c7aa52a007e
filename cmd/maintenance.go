package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	service "github.com/okian/evalboard/internal/app"
	"github.com/okian/evalboard/internal/orchestrator"
	"github.com/spf13/cobra"
)

var errNegativeHours = errors.New("--older-than-hours must not be negative")

// withOrchestrator opens storage without starting workers, runs fn and closes.
func (c *cli) withOrchestrator(ctx context.Context, fn func(*service.Service, *orchestrator.Service) error) (err error) {
	svc := service.New(c.cfg, service.WithLogger(c.log.Named("service")))
	if err := svc.Open(ctx); err != nil {
		return fmt.Errorf("open service: %w", err)
	}
	defer func() {
		if cerr := svc.Stop(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(svc, svc.Orchestrator())
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func hoursFlag(cmd *cobra.Command, target *int, usage string) {
	cmd.Flags().IntVar(target, "older-than-hours", 0, usage)
}

func hours(n int) (time.Duration, error) {
	if n < 0 {
		return 0, errNegativeHours
	}
	return orchestrator.Hours(n)
}

func (c *cli) cacheCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "cache", Short: "Manage the leaderboard cache"}

	var older int
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove cache entries, all of them unless --older-than-hours is set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			age, err := hours(older)
			if err != nil {
				return err
			}
			return c.withOrchestrator(cmd.Context(), func(_ *service.Service, o *orchestrator.Service) error {
				n, err := o.ClearCache(cmd.Context(), age)
				if err != nil {
					return err
				}
				return c.printJSON(map[string]int{"removed": n})
			})
		},
	}
	hoursFlag(clearCmd, &older, "only remove entries last updated more than this many hours ago")
	cmd.AddCommand(clearCmd)
	return cmd
}

func (c *cli) tasksCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tasks", Short: "Manage evaluation tasks"}

	var older int
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished tasks and their samples older than --older-than-hours",
		RunE: func(cmd *cobra.Command, _ []string) error {
			age, err := hours(older)
			if err != nil {
				return err
			}
			return c.withOrchestrator(cmd.Context(), func(_ *service.Service, o *orchestrator.Service) error {
				tasks, err := o.CleanupTasks(cmd.Context(), age)
				if err != nil {
					return err
				}
				smp, err := o.CleanupSamples(cmd.Context(), age)
				if err != nil {
					return err
				}
				return c.printJSON(map[string]int{"tasks": tasks, "samples": smp})
			})
		},
	}
	hoursFlag(cleanup, &older, "age in hours beyond which finished tasks are removed")
	_ = cleanup.MarkFlagRequired("older-than-hours")
	cmd.AddCommand(cleanup)
	return cmd
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print task counts and leaderboard aggregates as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withOrchestrator(cmd.Context(), func(_ *service.Service, o *orchestrator.Service) error {
				st, err := o.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return c.printJSON(st)
			})
		},
	}
}

func (c *cli) maintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Run the scheduled retention jobs once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withOrchestrator(cmd.Context(), func(svc *service.Service, _ *orchestrator.Service) error {
				report, err := svc.RunMaintenance(cmd.Context())
				if perr := c.printJSON(report); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}
