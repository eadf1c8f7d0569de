package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/conclavehq/conclave/internal/orchestrator"
	"github.com/conclavehq/conclave/internal/run"
	"github.com/conclavehq/conclave/internal/schedule"
	"github.com/conclavehq/conclave/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Runs
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("POST /api/runs/{pattern}", s.startRun)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.cancelRun)
	mux.HandleFunc("POST /api/runs/{id}/resolve", s.resolveRun)
	mux.HandleFunc("POST /api/runs/{id}/archive", s.archiveRun)
	mux.HandleFunc("DELETE /api/runs/{id}", s.deleteRun)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("GET /api/schedules/{id}", s.getSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.updateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// Secrets (values are write-only, never returned)
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("POST /api/secrets", s.createSecret)
	mux.HandleFunc("DELETE /api/secrets/{name}", s.deleteSecret)

	// Executors
	mux.HandleFunc("GET /api/executors", s.listExecutors)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

// -- Runs --

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, runs)
}

// startRun launches a run from its JSON wire form; the body is the same
// spec format the scheduler stores. Responds 202 with the run ID.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	pattern := r.PathValue("pattern")

	spec, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	runID, err := s.orch.StartFromSpec(r.Context(), pattern, spec)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"run_id": runID, "status": string(run.StatusRunning)})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.GetRunState(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			jsonError(w, "run not found", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, st)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.CancelRun(id); err != nil {
		if errors.Is(err, orchestrator.ErrRunNotActive) {
			jsonError(w, "run not active", http.StatusConflict)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"run_id": id, "status": "cancelling"})
}

func (s *Server) resolveRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Option int `json:"option"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if err := s.orch.ResolveDecision(r.Context(), id, body.Option); err != nil {
		if errors.Is(err, orchestrator.ErrRunNotActive) {
			jsonError(w, "run not active", http.StatusConflict)
			return
		}
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]string{"run_id": id, "status": "resolved"})
}

func (s *Server) archiveRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path, err := s.orch.ArchiveRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			jsonError(w, "run not found", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	jsonResponse(w, map[string]string{"run_id": id, "archive": path})
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, run.ErrNotFound) {
			jsonError(w, "run not found", http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

// -- Schedules --

type scheduleBody struct {
	Name     string          `json:"name"`
	Pattern  string          `json:"pattern"`
	Spec     json.RawMessage `json:"spec"`
	Schedule string          `json:"schedule"`
	Enabled  *bool           `json:"enabled"`
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := s.store.ListSchedules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, scheds)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var body scheduleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Pattern == "" || len(body.Spec) == 0 || body.Schedule == "" {
		jsonError(w, "name, pattern, spec, and schedule are required", http.StatusBadRequest)
		return
	}

	// Normalize handles bare cron strings
	normalized, err := schedule.Normalize(body.Schedule)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}

	status := "active"
	if body.Enabled != nil && !*body.Enabled {
		status = "paused"
	}

	sr := store.ScheduledRun{
		ID:       uuid.NewString(),
		Name:     body.Name,
		Pattern:  body.Pattern,
		Spec:     string(body.Spec),
		Schedule: normalized,
		Status:   status,
	}
	if status == "active" {
		sr.NextRunAt = schedule.NextRunOf(normalized, time.Now())
	}

	if err := s.store.SaveSchedule(&sr); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, sr)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sr, err := s.store.GetSchedule(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sr == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, sr)
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	sr, err := s.store.GetSchedule(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sr == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}

	var body scheduleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Name != "" {
		sr.Name = body.Name
	}
	if body.Pattern != "" {
		sr.Pattern = body.Pattern
	}
	if len(body.Spec) > 0 {
		sr.Spec = string(body.Spec)
	}
	if body.Schedule != "" {
		normalized, err := schedule.Normalize(body.Schedule)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
			return
		}
		sr.Schedule = normalized
	}
	if body.Enabled != nil {
		if *body.Enabled {
			sr.Status = "active"
		} else {
			sr.Status = "paused"
			sr.NextRunAt = nil
		}
	}
	if sr.Status == "active" {
		sr.NextRunAt = schedule.NextRunOf(sr.Schedule, time.Now())
	}

	if err := s.store.SaveSchedule(sr); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, sr)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSchedule(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

// -- Secrets --

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	secrets, err := s.store.ListSecrets()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(secrets))
	for _, sec := range secrets {
		out = append(out, map[string]any{
			"name":        sec.Name,
			"description": sec.Description,
			"created_at":  sec.CreatedAt,
			"updated_at":  sec.UpdatedAt,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) createSecret(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Value       string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Value == "" {
		jsonError(w, "name and value are required", http.StatusBadRequest)
		return
	}
	if s.secrets == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}

	if err := s.secrets.Set(body.Name, body.Description, body.Value); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"name": body.Name, "status": "stored"})
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSecret(r.PathValue("name")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

// -- Executors --

func (s *Server) listExecutors(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.registry.ListExecutors())
}

// -- System --

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	runs, _ := s.store.ListRuns(r.Context())
	scheds, _ := s.store.ListSchedules()

	byStatus := make(map[string]int)
	for _, summary := range runs {
		byStatus[summary.Status]++
	}

	activeSchedules := 0
	for _, sr := range scheds {
		if sr.Status == "active" {
			activeSchedules++
		}
	}

	jsonResponse(w, map[string]any{
		"status":           "ok",
		"runs":             len(runs),
		"runs_by_status":   byStatus,
		"active_schedules": activeSchedules,
		"executors":        len(s.registry.ListExecutors()),
		"uptime":           formatUptime(time.Since(s.startedAt)),
		"timestamp":        time.Now().UTC(),
		"version":          s.version,
	})
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", h, m)
	}
	days := int(d.Hours()) / 24
	h := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, h)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
