package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/fileworks/tessera/pkg/httputil"
)

// Handlers provides read-only HTTP access to the audit trail
type Handlers struct {
	logger *DBLogger
}

// NewHandlers creates new audit handlers
func NewHandlers(logger *DBLogger) *Handlers {
	return &Handlers{logger: logger}
}

// RegisterRoutes registers the audit query routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit", h.Search).Methods("GET")
	router.HandleFunc("/audit/stats", h.Stats).Methods("GET")
}

// Search lists audit entries, newest first, under the query-string filters:
// tenant_id, user_id, event_type (repeatable), severity, correlation_id,
// start, end (RFC 3339), limit, offset.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseSearchFilter(w, r)
	if !ok {
		return
	}

	entries, err := h.logger.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	httputil.WriteSuccess(w, entries)
}

// Stats aggregates audit volume over an optional start/end window
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	var start, end time.Time
	var ok bool
	if start, ok = parseTimeParam(w, r, "start"); !ok {
		return
	}
	if end, ok = parseTimeParam(w, r, "end"); !ok {
		return
	}

	stats, err := h.logger.GetStats(r.Context(), start, end)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, stats)
}

func parseSearchFilter(w http.ResponseWriter, r *http.Request) (SearchFilter, bool) {
	var filter SearchFilter
	q := r.URL.Query()

	if raw := q.Get("tenant_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httputil.WriteBadRequest(w, "tenant_id must be an integer")
			return filter, false
		}
		filter.TenantID = &id
	}
	filter.UserID = q.Get("user_id")
	filter.CorrelationID = q.Get("correlation_id")
	filter.EventTypes = q["event_type"]

	if raw := q.Get("severity"); raw != "" {
		severity := Severity(raw)
		if !ValidSeverity(severity) {
			httputil.WriteBadRequest(w, "unknown severity: "+raw)
			return filter, false
		}
		filter.Severity = &severity
	}

	if start, ok := parseTimeParam(w, r, "start"); !ok {
		return filter, false
	} else if !start.IsZero() {
		filter.StartTime = &start
	}
	if end, ok := parseTimeParam(w, r, "end"); !ok {
		return filter, false
	} else if !end.IsZero() {
		filter.EndTime = &end
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			httputil.WriteBadRequest(w, "limit must be an integer")
			return filter, false
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			httputil.WriteBadRequest(w, "offset must be an integer")
			return filter, false
		}
		filter.Offset = offset
	}

	return filter, true
}

func parseTimeParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		httputil.WriteBadRequest(w, name+" must be RFC 3339")
		return time.Time{}, false
	}
	return t, true
}
