// Package evaluator runs the external evaluation toolkit.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/okian/evalboard/internal/domain/model"
	"github.com/okian/evalboard/pkg/logger"
)

// Sentinel errors.
var (
	ErrToolkitUnavailable = errors.New("evaluation toolkit unavailable")
	ErrBadOutput          = errors.New("evaluation toolkit returned invalid output")
)

const (
	maxStderr = 4 << 10
	// waitDelay bounds how long Wait blocks on pipes held by orphaned children.
	waitDelay = 2 * time.Second
)

// Evaluator runs a plan against models.
type Evaluator interface {
	Evaluate(ctx context.Context, plan model.Plan, models []model.ModelDescriptor) (model.EvaluationOutput, error)
}

// request is written to the toolkit on stdin.
type request struct {
	Plan   model.Plan     `json:"plan"`
	Models []modelRequest `json:"models"`
}

type modelRequest struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint,omitempty"`
	Provider string `json:"provider,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
}

// CommandEvaluator pipes JSON to an external process.
type CommandEvaluator struct {
	command string
	args    []string
	timeout time.Duration
	logger  logger.Logger
}

// NewCommandEvaluator runs command with args. A zero timeout relies on the
// caller's context only.
func NewCommandEvaluator(command string, args []string, timeout time.Duration, log logger.Logger) *CommandEvaluator {
	if log == nil {
		log = logger.Nop()
	}
	return &CommandEvaluator{command: command, args: args, timeout: timeout, logger: log}
}

// Available reports whether the command resolves on PATH.
func (e *CommandEvaluator) Available() bool {
	if strings.TrimSpace(e.command) == "" {
		return false
	}
	_, err := exec.LookPath(e.command)
	return err == nil
}

// Evaluate implements Evaluator.
func (e *CommandEvaluator) Evaluate(ctx context.Context, plan model.Plan, models []model.ModelDescriptor) (model.EvaluationOutput, error) {
	if !e.Available() {
		return model.EvaluationOutput{}, fmt.Errorf("%w: %q not found", ErrToolkitUnavailable, e.command)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	req := request{Plan: plan, Models: make([]modelRequest, len(models))}
	for i, m := range models {
		req.Models[i] = modelRequest{Name: m.Name, Endpoint: m.Endpoint, Provider: m.Provider, APIKey: m.APIKey()}
	}
	stdin, err := json.Marshal(req)
	if err != nil {
		return model.EvaluationOutput{}, fmt.Errorf("encode toolkit request: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.command, e.args...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	runErr := cmd.Run()
	e.logger.Debug(ctx, "toolkit finished",
		logger.String("command", e.command),
		logger.Duration("elapsed", time.Since(start)),
		logger.Int("stdout_bytes", stdout.Len()),
	)
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.EvaluationOutput{}, fmt.Errorf("toolkit interrupted: %w", ctxErr)
		}
		if errors.Is(runErr, exec.ErrNotFound) {
			return model.EvaluationOutput{}, fmt.Errorf("%w: %v", ErrToolkitUnavailable, runErr)
		}
		return model.EvaluationOutput{}, fmt.Errorf("toolkit failed: %w: %s", runErr, tail(stderr.String()))
	}

	var out model.EvaluationOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return model.EvaluationOutput{}, fmt.Errorf("%w: %v", ErrBadOutput, err)
	}
	return out, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		s = s[len(s)-maxStderr:]
	}
	return s
}
