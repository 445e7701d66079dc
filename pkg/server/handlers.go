package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"hostbeat/pkg/httpx"
	"hostbeat/pkg/storage"
	"hostbeat/pkg/telemetry"
)

// Router binds the engine's operations to HTTP. Handlers only parse and
// translate; all policy lives in the engine.
func (e *Engine) Router() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/agents", e.handleRegisterAgent).Methods(http.MethodPost)
	v1.HandleFunc("/agents", e.handleListAgents).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{id}/samples", e.handleIngestSamples).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{id}/heartbeat", e.handleHeartbeat).Methods(http.MethodPost)
	v1.HandleFunc("/agents/{id}/metrics", e.handleMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{id}/availability", e.handleAvailability).Methods(http.MethodGet)
	v1.HandleFunc("/agents/{id}/uptime", e.handleUptime).Methods(http.MethodGet)
	v1.HandleFunc("/rules/effective", e.handleEffectiveRules).Methods(http.MethodGet)
	v1.HandleFunc("/admin/sweep", e.handleSweep).Methods(http.MethodPost)
	v1.HandleFunc("/health/storage", e.handleStorageHealth).Methods(http.MethodGet)

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		httpx.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	return r
}

func (e *Engine) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	agent, err := e.RegisterAgent(r.Context(), req.Name)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusCreated, agent)
}

func (e *Engine) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := e.ListAgents(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (e *Engine) handleIngestSamples(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]
	var samples []telemetry.MetricSample
	if err := json.NewDecoder(r.Body).Decode(&samples); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	accepted, err := e.IngestSamples(r.Context(), agentID, samples)
	var partial *storage.PartialWriteError
	switch {
	case errors.As(err, &partial):
		httpx.RespondJSON(w, http.StatusMultiStatus, map[string]any{
			"accepted": accepted,
			"errors":   partial.Items,
		})
	case err != nil:
		httpx.RespondError(w, statusFor(err), err)
	default:
		httpx.RespondJSON(w, http.StatusOK, map[string]any{
			"accepted": accepted,
			"errors":   []storage.ItemError{},
		})
	}
}

func (e *Engine) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]
	var req struct {
		Status    telemetry.HeartbeatStatus `json:"status"`
		Timestamp time.Time                 `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	switch req.Status {
	case "":
		req.Status = telemetry.StatusOnline
	case telemetry.StatusOnline, telemetry.StatusOffline:
	default:
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status))
		return
	}
	if err := e.IngestHeartbeat(r.Context(), agentID, req.Status, req.Timestamp); err != nil {
		httpx.RespondError(w, statusFor(err), err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (e *Engine) handleMetrics(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]
	start, end, err := timeRange(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	maxPoints := 0
	if s := r.URL.Query().Get("max_points"); s != "" {
		if maxPoints, err = strconv.Atoi(s); err != nil || maxPoints < 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, "invalid max_points")
			return
		}
	}
	var forced *telemetry.Resolution
	if s := r.URL.Query().Get("resolution"); s != "" {
		res := telemetry.Resolution(s)
		switch res {
		case telemetry.ResolutionRaw, telemetry.Resolution1m, telemetry.Resolution15m, telemetry.Resolution1h:
			forced = &res
		default:
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("unknown resolution %q", s))
			return
		}
	}
	result, err := e.QueryMetrics(r.Context(), agentID, start, end, maxPoints, forced)
	if err != nil {
		httpx.RespondError(w, statusFor(err), err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, result)
}

func (e *Engine) handleAvailability(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]
	start, end, err := timeRange(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	result, err := e.ComputeAvailability(r.Context(), agentID, start, end)
	if err != nil {
		httpx.RespondError(w, statusFor(err), err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, result)
}

func (e *Engine) handleUptime(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]
	seconds, err := e.GetAccumulatedUptimeSeconds(r.Context(), agentID)
	if err != nil {
		httpx.RespondError(w, http.StatusNotFound, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"agent_id":       agentID,
		"uptime_seconds": seconds,
	})
}

func (e *Engine) handleEffectiveRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	if tenantID == "" {
		tenantID = "default"
	}
	targetType := telemetry.RuleScope(q.Get("target_type"))
	switch targetType {
	case telemetry.ScopeAgent, telemetry.ScopeBookmark, telemetry.ScopeProfile:
	default:
		httpx.RespondErrorString(w, http.StatusBadRequest, "target_type must be agent, bookmark or profile")
		return
	}
	targetID := q.Get("target_id")
	if targetID == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "target_id is required")
		return
	}
	rules, err := e.ResolveEffectiveRules(r.Context(), tenantID, targetType, targetID)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (e *Engine) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := e.RunRetentionSweep(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, report)
}

func (e *Engine) handleStorageHealth(w http.ResponseWriter, r *http.Request) {
	health, err := e.GetStorageHealth(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, health)
}

// statusFor maps engine errors to HTTP statuses. A tripped disk guard is a
// storage-capacity refusal; a stale forced rollup tier asks the client to
// retry later.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrInsufficientStorage):
		return http.StatusInsufficientStorage
	case errors.Is(err, storage.ErrStaleRollup):
		return http.StatusTooEarly
	default:
		return http.StatusInternalServerError
	}
}

// timeRange parses start/end query parameters, RFC 3339 or unix seconds.
// Defaults to the last hour.
func timeRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	end := time.Now().UTC()
	start := end.Add(-time.Hour)
	var err error
	if s := q.Get("end"); s != "" {
		if end, err = parseTime(s); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
		}
		start = end.Add(-time.Hour)
	}
	if s := q.Get("start"); s != "" {
		if start, err = parseTime(s); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
		}
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start must be before end")
	}
	return start, end, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("not RFC 3339 or unix seconds: %q", s)
	}
	return time.Unix(secs, 0).UTC(), nil
}
