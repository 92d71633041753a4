package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/wptpipe/wptpipe/server/internal/alerts"
	"github.com/wptpipe/wptpipe/server/internal/store"
)

// AlertSource lists current alerts. *alerts.Engine implements it.
type AlertSource interface {
	Active() []*alerts.Alert
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
// It reads page, group and error state from the store and returns JSON.
type Handler struct {
	store  *store.Store
	alerts AlertSource
	mux    *http.ServeMux
}

// New creates a Handler wired to st and al and registers all routes.
// al may be nil, in which case /api/v1/alerts is always empty.
func New(st *store.Store, al AlertSource) http.Handler {
	h := &Handler{store: st, alerts: al, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/pages", h.listPages)
	h.mux.HandleFunc("/api/v1/groups", h.listGroups)
	h.mux.HandleFunc("/api/v1/groups/", h.getGroup) // subtree, extracts {group}
	h.mux.HandleFunc("/api/v1/errors", h.errors)
	h.mux.HandleFunc("/api/v1/alerts", h.listAlerts)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := HealthResponse{
		PageCount:  len(h.store.Pages()),
		GroupCount: len(h.store.Groups()),
		ErrorCount: len(h.store.Errors()),
	}
	for _, a := range h.activeAlerts() {
		if a.State == "firing" {
			resp.FiringAlerts++
		}
	}
	switch {
	case resp.PageCount == 0 && resp.GroupCount == 0:
		resp.State = "unknown"
	case resp.FiringAlerts > 0:
		resp.State = "alerting"
	default:
		resp.State = "ok"
	}
	jsonResp(w, http.StatusOK, resp)
}

// listPages returns GET /api/v1/pages, optionally filtered by ?group=.
func (h *Handler) listPages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	group := r.URL.Query().Get("group")
	pages := h.store.Pages()
	out := make([]PageResponse, 0, len(pages))
	for _, p := range pages {
		if group != "" && p.Group != group {
			continue
		}
		out = append(out, toPageResponse(p))
	}
	jsonResp(w, http.StatusOK, out)
}

// listGroups returns GET /api/v1/groups, all live group summaries.
func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	groups := h.store.Groups()
	out := make([]GroupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, toGroupResponse(g))
	}
	jsonResp(w, http.StatusOK, out)
}

// getGroup returns GET /api/v1/groups/{group}.
func (h *Handler) getGroup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/v1/groups/")
	if name == "" {
		h.listGroups(w, r)
		return
	}

	for _, g := range h.store.Groups() {
		if g.Group == name {
			jsonResp(w, http.StatusOK, toGroupResponse(g))
			return
		}
	}
	jsonErr(w, http.StatusNotFound, "group not found")
}

// errors returns GET /api/v1/errors, most recent first.
func (h *Handler) errors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	recs := h.store.Errors()
	out := make([]ErrorResponse, 0, len(recs))
	for _, e := range recs {
		out = append(out, ErrorResponse{
			URL:     e.URL,
			Message: e.Message,
			At:      e.At.UTC().Format(time.RFC3339),
		})
	}
	jsonResp(w, http.StatusOK, out)
}

// listAlerts returns GET /api/v1/alerts, firing and recently resolved.
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, h.activeAlerts())
}

// --- helpers ----------------------------------------------------------------

func (h *Handler) activeAlerts() []*alerts.Alert {
	if h.alerts == nil {
		return []*alerts.Alert{}
	}
	out := h.alerts.Active()
	if out == nil {
		out = []*alerts.Alert{}
	}
	return out
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

func toPageResponse(p store.Page) PageResponse {
	medians := p.Medians
	if medians == nil {
		medians = map[string]any{}
	}
	return PageResponse{
		URL:          p.URL,
		Group:        p.Group,
		TestID:       p.TestID,
		Location:     p.Location,
		Connectivity: p.Connectivity,
		Medians:      medians,
		LastSeen:     p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toGroupResponse(g store.Group) GroupResponse {
	metrics := make(map[string]MetricResponse, len(g.Metrics))
	for path, s := range g.Metrics {
		metrics[path] = MetricResponse{Count: s.Count, Mean: s.Mean(), Min: s.Min, Max: s.Max}
	}
	return GroupResponse{
		Group:        g.Group,
		Count:        g.Count,
		Location:     g.Location,
		Connectivity: g.Connectivity,
		Metrics:      metrics,
		LastSeen:     g.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
