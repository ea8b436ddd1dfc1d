package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"automationsync/internal/core"
	"automationsync/internal/store"

	"github.com/go-chi/chi/v5"
)

type runResponse struct {
	ID          string   `json:"id"`
	Trigger     string   `json:"trigger"`
	Status      string   `json:"status"`
	ScheduledAt string   `json:"scheduled_at"`
	StartedAt   *string  `json:"started_at,omitempty"`
	EndedAt     *string  `json:"ended_at,omitempty"`
	Retrieved   int      `json:"retrieved"`
	Written     int      `json:"written"`
	Failed      int      `json:"failed"`
	FailedKeys  []string `json:"failed_keys,omitempty"`
	Error       *string  `json:"error,omitempty"`
	CreatedAt   string   `json:"created_at"`
}

type syncStatusResponse struct {
	Running bool   `json:"running"`
	NextRun string `json:"next_run"`
}

type automationResponse struct {
	Name         string  `json:"name"`
	Status       string  `json:"status"`
	ModifiedDate *string `json:"modified_date,omitempty"`
	LastRunTime  *string `json:"last_run_time,omitempty"`
	LastSaveDate *string `json:"last_save_date,omitempty"`
	CustomerKey  string  `json:"customer_key"`
}

func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	rows, err := s.store.ListStatusRows(r.Context(), status)
	if err != nil {
		s.logger.Error("list automations", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list automations")
		return
	}
	resp := make([]automationResponse, 0, len(rows))
	for _, row := range rows {
		resp = append(resp, automationResponse{
			Name:         row.Name,
			Status:       row.Status,
			ModifiedDate: formatTime(row.ModifiedDate),
			LastRunTime:  formatTime(row.LastRunTime),
			LastSaveDate: formatTime(row.LastSaveDate),
			CustomerKey:  row.CustomerKey,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, syncStatusResponse{
		Running: s.scheduler.Running(),
		NextRun: s.scheduler.NextRun().Format(time.RFC3339),
	})
}

func (s *Server) handleRunSync(w http.ResponseWriter, r *http.Request) {
	run, err := s.scheduler.RunNow(r.Context())
	if err != nil {
		if errors.Is(err, core.ErrSyncRunning) {
			writeError(w, http.StatusConflict, "conflict", "sync is already running")
			return
		}
		s.logger.Error("run sync now", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to start sync")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	runs, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}
	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
		} else {
			s.logger.Error("get run", "run_id", runID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run")
		}
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

func runToResponse(run *core.Run) runResponse {
	return runResponse{
		ID:          run.ID,
		Trigger:     string(run.Trigger),
		Status:      string(run.Status),
		ScheduledAt: run.ScheduledAt.UTC().Format(time.RFC3339),
		StartedAt:   formatTime(run.StartedAt),
		EndedAt:     formatTime(run.EndedAt),
		Retrieved:   run.Retrieved,
		Written:     run.Written,
		Failed:      run.Failed,
		FailedKeys:  run.FailedKeys,
		Error:       run.Error,
		CreatedAt:   run.CreatedAt.UTC().Format(time.RFC3339),
	}
}
