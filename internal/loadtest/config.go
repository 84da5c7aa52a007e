// Package loadtest drives a running evalboard instance over HTTP: it submits
// generated evaluation requests concurrently, waits for the tasks to finish
// and checks the resulting leaderboard.
package loadtest

import (
	"errors"
	"runtime"
	"strings"
	"time"
)

// Worker and polling defaults.
const (
	workerChannelMultiplier = 2
	defaultPollInterval     = 500 * time.Millisecond
	defaultWaitTimeout      = 2 * time.Minute
	defaultRequestTimeout   = 30 * time.Second
	defaultTopN             = 50
)

// ErrInvalidConfig is returned by Run for unusable settings.
var ErrInvalidConfig = errors.New("invalid load test config")

// Config holds the settings of one run.
type Config struct {
	BaseURL      string        // service root, e.g. http://localhost:9080
	Requests     int           // evaluation requests to generate
	Workers      int           // concurrent submitters
	Models       []string      // model names drawn from for each request
	TopN         int           // leaderboard entries fetched at the end
	Timeout      time.Duration // per HTTP request
	PollInterval time.Duration
	WaitTimeout  time.Duration // how long to wait for tasks to finish
	Requester    string        // sent as X-Requester
}

func (c Config) withDefaults() (Config, error) {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		return c, errors.Join(ErrInvalidConfig, errors.New("base url is required"))
	}
	if c.Requests < 1 {
		return c, errors.Join(ErrInvalidConfig, errors.New("requests must be positive"))
	}
	if len(c.Models) == 0 {
		return c, errors.Join(ErrInvalidConfig, errors.New("at least one model is required"))
	}
	if c.Workers < 1 {
		c.Workers = runtime.NumCPU() * workerChannelMultiplier
	}
	if c.TopN < 1 {
		c.TopN = defaultTopN
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultRequestTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = defaultWaitTimeout
	}
	if c.Requester == "" {
		c.Requester = "loadtest"
	}
	return c, nil
}

// Report summarises a run.
type Report struct {
	Generated          int           `json:"generated"`
	Submitted          int           `json:"submitted"`
	Queued             int           `json:"queued"`
	Cached             int           `json:"cached"`
	Rejected           int           `json:"rejected"`
	Failed             int           `json:"failed"`
	Succeeded          int           `json:"succeeded"`
	TaskFailures       int           `json:"task_failures"`
	Unfinished         int           `json:"unfinished"`
	LeaderboardEntries int           `json:"leaderboard_entries"`
	Warnings           []string      `json:"warnings,omitempty"`
	StartTime          time.Time     `json:"start_time"`
	Duration           time.Duration `json:"duration"`
}
