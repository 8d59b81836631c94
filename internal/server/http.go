package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/alfredjeanlab/indexsync/internal/coordinator"
	"github.com/alfredjeanlab/indexsync/internal/indexwork"
	"github.com/alfredjeanlab/indexsync/internal/massindex"
	"github.com/alfredjeanlab/indexsync/internal/model"
	"github.com/alfredjeanlab/indexsync/internal/processor"
)

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health) must include
// a valid Authorization: Bearer <token> header.
func (s *Server) NewHTTPHandler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/agents", s.handleListAllAgents)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/tenants", s.handleListTenants)
	mux.HandleFunc("GET /v1/tenants/{tenant}", s.handleGetTenant)
	mux.HandleFunc("GET /v1/tenants/{tenant}/agents", s.handleListAgents)
	mux.HandleFunc("GET /v1/tenants/{tenant}/assignment", s.handleGetAssignment)
	mux.HandleFunc("POST /v1/tenants/{tenant}/suspend", s.handleSuspend)
	mux.HandleFunc("POST /v1/tenants/{tenant}/resume", s.handleResume)
	mux.HandleFunc("POST /v1/tenants/{tenant}/events", s.handleEnqueue)
	mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)
	return AuthMiddleware(authToken, mux)
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListTenants handles GET /v1/tenants.
func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	out := make([]*TenantStatus, 0, len(s.tenants))
	for _, id := range s.tenantIDs() {
		st, err := s.Status(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": out})
}

// handleGetTenant handles GET /v1/tenants/{tenant}.
func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	st, err := s.Status(r.Context(), r.PathValue("tenant"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleListAgents handles GET /v1/tenants/{tenant}/agents. With
// ?orphaned=1 it lists only mass indexing jobs whose heartbeat expired.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	t, err := s.tenant(r.PathValue("tenant"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	orphaned := false
	if v := r.URL.Query().Get("orphaned"); v != "" {
		if orphaned, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid orphaned parameter")
			return
		}
	}
	var agents []*model.Agent
	if orphaned {
		agents, err = massindex.Orphans(r.Context(), t.Store, time.Now())
	} else {
		agents, err = t.Store.ListAgents(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if agents == nil {
		agents = []*model.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// tenantAgent is one row of GET /v1/agents.
type tenantAgent struct {
	Tenant string `json:"tenant"`
	*model.Agent
}

// handleListAllAgents handles GET /v1/agents, the agent rows of every tenant.
func (s *Server) handleListAllAgents(w http.ResponseWriter, r *http.Request) {
	out := []tenantAgent{}
	for _, id := range s.tenantIDs() {
		agents, err := s.tenants[id].Store.ListAgents(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, a := range agents {
			out = append(out, tenantAgent{Tenant: id, Agent: a})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

// handleStats handles GET /v1/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]processor.Stats, len(s.tenants))
	for _, id := range s.tenantIDs() {
		if p := s.tenants[id].Processor; p != nil {
			out[id] = p.Stats()
		} else {
			out[id] = processor.Stats{}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": out})
}

// handleGetAssignment handles GET /v1/tenants/{tenant}/assignment.
func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	t, err := s.tenant(r.PathValue("tenant"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	st := t.Coordinator.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"reference":  st.Reference,
		"static":     st.Static,
		"assignment": st.Assignment,
		"ranges":     st.Assignment.Ranges(),
		"conflicts":  st.Conflicts,
	})
}

// handleSuspend handles POST /v1/tenants/{tenant}/suspend.
func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	t, err := s.tenant(r.PathValue("tenant"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := t.Coordinator.Suspend(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t.Coordinator.Status())
}

// handleResume handles POST /v1/tenants/{tenant}/resume.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	t, err := s.tenant(r.PathValue("tenant"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := t.Coordinator.Resume(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t.Coordinator.Status())
}

// enqueueRequest is the body of POST /v1/tenants/{tenant}/events.
type enqueueRequest struct {
	Works []indexwork.Work `json:"works"`
}

// handleEnqueue handles POST /v1/tenants/{tenant}/events.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	evs, err := s.Enqueue(r.Context(), r.PathValue("tenant"), req.Works)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"events": evs})
}

// writeServiceError maps service errors to status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	var ie inputError
	switch {
	case errors.Is(err, errUnknownTenant):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, coordinator.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &ie):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
