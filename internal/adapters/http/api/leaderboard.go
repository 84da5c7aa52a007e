package api

import (
	"net/http"
	"strings"

	"github.com/okian/evalboard/internal/orchestrator"
)

// handleLeaderboard handles GET /leaderboard. Quarantined entries are only
// shown to admins asking for them.
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	const op = "api.browse_leaderboard"
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if offset < 0 {
		s.fail(w, r, WrapKind(op, ErrBadRequest, errNegativeOffset))
		return
	}
	withQuarantined, err := queryBool(r, "include_quarantined")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.deps.BrowseLeaderboard(r.Context(), orchestrator.BrowseRequest{
		Language:           strings.TrimSpace(q.Get("language")),
		Subject:            strings.TrimSpace(q.Get("subject")),
		TaskType:           strings.TrimSpace(q.Get("task_type")),
		Model:              strings.TrimSpace(q.Get("model")),
		Limit:              limit,
		Offset:             offset,
		IncludeQuarantined: withQuarantined && s.authorized(r),
	})
	if err != nil {
		s.fail(w, r, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}
