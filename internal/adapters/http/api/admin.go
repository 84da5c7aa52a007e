package api

import (
	"errors"
	"net/http"

	"github.com/okian/evalboard/internal/orchestrator"
)

var (
	errNegativeOffset = errors.New("offset must not be negative")
	errNegativeAge    = errors.New("older_than_hours must not be negative")
)

// handleAdminUpsert handles POST /admin/entries.
func (s *Server) handleAdminUpsert(w http.ResponseWriter, r *http.Request) {
	const op = "api.admin_upsert_entry"
	var req orchestrator.AdminEntryRequest
	if err := decodeJSON(w, r, op, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	e, err := s.deps.AdminUpsertEntry(r.Context(), req)
	if err != nil {
		s.fail(w, r, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type deleteResponse struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
	Hard    bool   `json:"hard"`
}

// handleAdminDelete handles DELETE /admin/entries/{id}?hard=.
func (s *Server) handleAdminDelete(w http.ResponseWriter, r *http.Request) {
	const op = "api.admin_delete_entry"
	hard, err := queryBool(r, "hard")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id := r.PathValue("id")
	ok, err := s.deps.AdminDeleteEntry(r.Context(), id, hard)
	if err != nil {
		s.fail(w, r, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{ID: id, Deleted: ok, Hard: hard})
}

// handleAdminRestore handles POST /admin/entries/{id}/restore.
func (s *Server) handleAdminRestore(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.AdminRestoreEntry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, Wrap("api.admin_restore_entry", err))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type clearResponse struct {
	Removed int `json:"removed"`
}

// handleClearCache handles POST /admin/cache/clear?older_than_hours=. No
// age clears every entry.
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	const op = "api.admin_clear_cache"
	hours, err := queryInt(r, "older_than_hours", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if hours < 0 {
		s.fail(w, r, WrapKind(op, ErrBadRequest, errNegativeAge))
		return
	}
	age, err := orchestrator.Hours(hours)
	if err != nil {
		s.fail(w, r, Wrap(op, err))
		return
	}
	n, err := s.deps.ClearCache(r.Context(), age)
	if err != nil {
		s.fail(w, r, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, clearResponse{Removed: n})
}
