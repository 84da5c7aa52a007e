package main

import (
	"time"

	"github.com/okian/evalboard/internal/loadtest"
	"github.com/spf13/cobra"
)

func (c *cli) loadtestCmd() *cobra.Command {
	cfg := loadtest.Config{}
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Submit generated evaluations to a running instance and verify the leaderboard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rep, err := loadtest.Run(cmd.Context(), cfg, c.log.Named("loadtest"))
			if perr := c.printJSON(rep); perr != nil {
				return perr
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.BaseURL, "url", "http://localhost:9080", "base URL of the service")
	f.IntVar(&cfg.Requests, "requests", 100, "number of evaluation requests to submit")
	f.IntVar(&cfg.Workers, "workers", 0, "concurrent submitters (default CPU cores * 2)")
	f.StringSliceVar(&cfg.Models, "models", []string{"model-a", "model-b", "model-c"}, "model names to evaluate")
	f.IntVar(&cfg.TopN, "top", 50, "leaderboard entries to fetch and verify")
	f.DurationVar(&cfg.Timeout, "timeout", 30*time.Second, "HTTP request timeout")
	f.DurationVar(&cfg.WaitTimeout, "wait", 2*time.Minute, "how long to wait for queued tasks to finish")
	f.StringVar(&cfg.Requester, "requester", "loadtest", "value sent as X-Requester")
	return cmd
}
