package api

import (
	"net/http"
	"time"

	"wagate/internal/bus"
	"wagate/internal/domain"
)

// handleRecentEvents serves the in-memory event history. Callers scoped to
// instances only see events of those instances.
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		writeJSON(w, http.StatusOK, []bus.Event{})
		return
	}

	q := r.URL.Query()
	f := bus.EventFilter{Type: q.Get("type"), Limit: queryLimit(r, 100)}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = since
	}

	ident := identityFrom(r.Context())
	if ident.Role != domain.RoleAdmin {
		f.Instances = ident.AllowedInstances
	}
	if v := q.Get("instanceId"); v != "" {
		id, ok := parsePositive(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid instanceId")
			return
		}
		if !canAccess(ident, id) {
			writeError(w, http.StatusForbidden, "NOT_ASSIGNED", "you are not assigned to instance "+v)
			return
		}
		f.Instances = []int64{id}
	}

	writeJSON(w, http.StatusOK, s.cfg.Events.Recent(f))
}
