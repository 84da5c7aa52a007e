// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/okian/evalboard/internal/adapters/ledger"
	"github.com/okian/evalboard/internal/adapters/ratelimit"
	"github.com/okian/evalboard/internal/domain/model"
	"github.com/okian/evalboard/internal/orchestrator"
	"github.com/okian/evalboard/pkg/logger"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (orchestrator.SubmitResult, error)
	TaskStatus(ctx context.Context, id string) (orchestrator.TaskView, error)
	CancelTask(ctx context.Context, id string) (bool, error)
	ListTasks(ctx context.Context, f ledger.ListFilter) (orchestrator.TaskList, error)
	TaskSamples(ctx context.Context, id string) ([]model.ExperimentSample, error)

	BrowseLeaderboard(ctx context.Context, req orchestrator.BrowseRequest) (orchestrator.BrowseResult, error)

	AdminUpsertEntry(ctx context.Context, req orchestrator.AdminEntryRequest) (model.LeaderboardEntry, error)
	AdminDeleteEntry(ctx context.Context, id string, hard bool) (bool, error)
	AdminRestoreEntry(ctx context.Context, id string) (model.LeaderboardEntry, error)
	ClearCache(ctx context.Context, olderThan time.Duration) (int, error)

	Stats(ctx context.Context) (orchestrator.ServiceStats, error)
}

// HealthFunc reports readiness and per-component detail.
type HealthFunc func(ctx context.Context) (bool, map[string]string)

// Server wires HTTP routes for the evaluation API.
type Server struct {
	deps       Dependencies
	adminToken string
	health     HealthFunc
	logger     logger.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAdminToken enables the admin routes behind a bearer token.
func WithAdminToken(token string) Option {
	return func(s *Server) { s.adminToken = strings.TrimSpace(token) }
}

// WithHealth sets the readiness probe behind /healthz.
func WithHealth(fn HealthFunc) Option {
	return func(s *Server) { s.health = fn }
}

// WithLogger sets the request logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a new API server.
func NewServer(deps Dependencies, opts ...Option) *Server {
	s := &Server{deps: deps, logger: logger.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	if mux == nil {
		panic("mux is nil")
	}
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.handleHealth, "healthz"))
	mux.Handle("GET /metrics", metricsHandler())
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.handleStats, "stats"))

	mux.HandleFunc("POST /evaluations", MetricsMiddleware(s.handleSubmit, "evaluations"))
	mux.HandleFunc("GET /tasks", MetricsMiddleware(s.handleListTasks, "tasks"))
	mux.HandleFunc("GET /tasks/{id}", MetricsMiddleware(s.handleTaskStatus, "task"))
	mux.HandleFunc("GET /tasks/{id}/samples", MetricsMiddleware(s.handleTaskSamples, "task_samples"))
	mux.HandleFunc("POST /tasks/{id}/cancel", MetricsMiddleware(s.handleCancelTask, "task_cancel"))

	mux.HandleFunc("GET /leaderboard", MetricsMiddleware(s.handleLeaderboard, "leaderboard"))

	mux.HandleFunc("POST /admin/entries", MetricsMiddleware(s.requireAdmin(s.handleAdminUpsert), "admin_entries"))
	mux.HandleFunc("DELETE /admin/entries/{id}", MetricsMiddleware(s.requireAdmin(s.handleAdminDelete), "admin_entry_delete"))
	mux.HandleFunc("POST /admin/entries/{id}/restore", MetricsMiddleware(s.requireAdmin(s.handleAdminRestore), "admin_entry_restore"))
	mux.HandleFunc("POST /admin/cache/clear", MetricsMiddleware(s.requireAdmin(s.handleClearCache), "admin_cache_clear"))
}

// Handler returns a mux with every route registered.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	s.Register(ctx, mux)
	return mux
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// fail writes err with the status derived from it. Server errors are logged
// and their detail withheld.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	var le *ratelimit.LimitError
	if errors.As(err, &le) {
		secs := int(le.RetryAfter.Round(time.Second) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}
	if status == http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Error(err))
		writeError(w, status, code, nil)
		return
	}
	writeError(w, status, code, err)
}

// decodeJSON reads one JSON object from the body and rejects trailing data.
func decodeJSON(w http.ResponseWriter, r *http.Request, op string, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return WrapKind(op, ErrBadRequest, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return WrapKind(op, ErrBadRequest, errors.New("body must hold a single JSON object"))
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, WrapKind("api.query", ErrBadRequest, fmt.Errorf("%s must be an integer", key))
	}
	return n, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, WrapKind("api.query", ErrBadRequest, fmt.Errorf("%s must be a boolean", key))
	}
	return b, nil
}

// authorized reports whether r carries the admin bearer token.
func (s *Server) authorized(r *http.Request) bool {
	if s.adminToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.adminToken)) == 1
}

// requireAdmin rejects requests without the admin token. With no token
// configured every admin request is forbidden.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "api.admin"
		if s.adminToken == "" {
			s.fail(w, r, NewKind(op, ErrForbidden))
			return
		}
		if !s.authorized(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="evalboard-admin"`)
			s.fail(w, r, NewKind(op, ErrUnauthorized))
			return
		}
		next(w, r)
	}
}
