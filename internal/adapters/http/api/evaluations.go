package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/okian/evalboard/internal/adapters/ledger"
	"github.com/okian/evalboard/internal/domain/model"
	"github.com/okian/evalboard/internal/orchestrator"
)

// Request headers read by the evaluation routes.
const (
	headerRequester   = "X-Requester"
	headerIdempotency = "Idempotency-Key"
)

type submitRequest struct {
	Query          string               `json:"query"`
	Models         []model.ModelRequest `json:"models"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
}

// handleSubmit handles POST /evaluations. A fresh task is 202; a cache hit
// or a finished duplicate is 200.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	const op = "api.submit_evaluation"
	var req submitRequest
	if err := decodeJSON(w, r, op, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	key := req.IdempotencyKey
	if h := strings.TrimSpace(r.Header.Get(headerIdempotency)); h != "" {
		key = h
	}
	res, err := s.deps.Submit(r.Context(), orchestrator.SubmitRequest{
		Query:          req.Query,
		Models:         req.Models,
		Requester:      requester(r),
		IdempotencyKey: key,
	})
	if err != nil {
		s.fail(w, r, Wrap(op, err))
		return
	}
	status := http.StatusAccepted
	if res.Status.IsTerminal() {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/tasks/"+res.TaskID)
	writeJSON(w, status, res)
}

// requester identifies the caller for rate limiting: the X-Requester header
// when present, otherwise the remote host.
func requester(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(headerRequester)); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleTaskStatus handles GET /tasks/{id}.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.TaskStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, Wrap("api.get_task_status", err))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleTaskSamples handles GET /tasks/{id}/samples.
func (s *Server) handleTaskSamples(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.TaskSamples(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, Wrap("api.get_task_samples", err))
		return
	}
	if out == nil {
		out = []model.ExperimentSample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": r.PathValue("id"), "samples": out})
}

type cancelResponse struct {
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
}

// handleCancelTask handles POST /tasks/{id}/cancel. A finished task reports
// cancelled=false with 200.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.deps.CancelTask(r.Context(), id)
	if err != nil {
		s.fail(w, r, Wrap("api.cancel_task", err))
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{TaskID: id, Cancelled: ok})
}

// handleListTasks handles GET /tasks?status=&requester=&page=&page_size=.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_tasks"
	f := ledger.ListFilter{Requester: strings.TrimSpace(r.URL.Query().Get("requester"))}
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			st, err := model.ParseStatus(part)
			if err != nil {
				s.fail(w, r, WrapKind(op, ErrBadRequest, err))
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	var err error
	if f.Page, err = queryInt(r, "page", 1); err != nil {
		s.fail(w, r, err)
		return
	}
	if f.PageSize, err = queryInt(r, "page_size", ledger.DefaultPageSize); err != nil {
		s.fail(w, r, err)
		return
	}
	page, err := s.deps.ListTasks(r.Context(), f)
	if err != nil {
		s.fail(w, r, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, page)
}
