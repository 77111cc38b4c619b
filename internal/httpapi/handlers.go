package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MimeLyc/scriptbatch/internal/config"
	"github.com/MimeLyc/scriptbatch/internal/credential"
	"github.com/MimeLyc/scriptbatch/internal/jobs"
	"github.com/MimeLyc/scriptbatch/internal/service"
	"github.com/MimeLyc/scriptbatch/pkg/log"
)

type enqueueJobsRequest struct {
	Source string   `json:"source"`
	Input  string   `json:"input"`
	Inputs []string `json:"inputs"`
}

type enqueueJobResult struct {
	Created bool      `json:"created"`
	Job     *jobs.Job `json:"job"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list := s.svc.Jobs()
	if status := jobs.Status(r.URL.Query().Get("status")); status != "" {
		filtered := make([]*jobs.Job, 0, len(list))
		for _, job := range list {
			if job.Status == status {
				filtered = append(filtered, job)
			}
		}
		list = filtered
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateJobs(w http.ResponseWriter, r *http.Request) {
	var req enqueueJobsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Source == "" {
		req.Source = "manual"
	}
	inputs := req.Inputs
	if strings.TrimSpace(req.Input) != "" {
		inputs = append([]string{req.Input}, inputs...)
	}
	if len(inputs) == 0 {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}

	results := make([]enqueueJobResult, 0, len(inputs))
	anyCreated := false
	for _, input := range inputs {
		if strings.TrimSpace(input) == "" {
			continue
		}
		job, created, err := s.svc.Enqueue(input, req.Source)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		anyCreated = anyCreated || created
		results = append(results, enqueueJobResult{Created: created, Job: job})
	}
	if len(results) == 0 {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}

	code := http.StatusCreated
	if !anyCreated {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{
		"jobs": results,
	})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := s.svc.RemoveJob(id)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type credentialResponse struct {
	Key               string            `json:"key"`
	Status            credential.Status `json:"status"`
	UsageCount        int               `json:"usage_count"`
	ConsecutiveErrors int               `json:"consecutive_errors"`
	LastError         string            `json:"last_error,omitempty"`
	RateLimitResetAt  *time.Time        `json:"rate_limit_reset_at,omitempty"`
	AddedAt           time.Time         `json:"added_at"`
}

func (s *Server) credentialList() []credentialResponse {
	creds := s.svc.Credentials()
	out := make([]credentialResponse, 0, len(creds))
	for _, c := range creds {
		item := credentialResponse{
			Key:               credential.Mask(c.Key),
			Status:            c.Status,
			UsageCount:        c.UsageCount,
			ConsecutiveErrors: c.ConsecutiveErrors,
			LastError:         c.LastError,
			AddedAt:           c.AddedAt,
		}
		if !c.RateLimitResetAt.IsZero() {
			reset := c.RateLimitResetAt
			item.RateLimitResetAt = &reset
		}
		out = append(out, item)
	}
	return out
}

func (s *Server) handleListCredentials(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.credentialList())
}

type addCredentialsRequest struct {
	Keys string `json:"keys"`
}

func (s *Server) handleAddCredentials(w http.ResponseWriter, r *http.Request) {
	var req addCredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.Keys) == "" {
		writeError(w, http.StatusBadRequest, "keys is required")
		return
	}
	added := s.svc.AddCredentials(r.Context(), req.Keys)
	writeJSON(w, http.StatusOK, map[string]any{
		"added":       added,
		"credentials": s.credentialList(),
	})
}

type removeCredentialRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleRemoveCredential(w http.ResponseWriter, r *http.Request) {
	var req removeCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if !s.svc.RemoveCredential(r.Context(), strings.TrimSpace(req.Key)) {
		writeError(w, http.StatusNotFound, "credential not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerifyCredentials(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.VerifyCredentials(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.credentialList())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Session(r.Context()))
}

func (s *Server) handleDiscardSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Discard(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRun starts a run in the background; progress is observed through
// the job stream.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.svc.Session(r.Context()).Running {
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}
	if !s.hasPending() {
		writeError(w, http.StatusBadRequest, "no pending jobs")
		return
	}
	go func() {
		if _, err := s.svc.Run(s.runCtx); err != nil {
			log.Error("Run started over HTTP failed: %v", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"started": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	session := s.svc.Session(r.Context())
	if session.Running {
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}
	if !session.Resumable && !s.hasPending() {
		writeError(w, http.StatusNotFound, service.ErrNothingToResume.Error())
		return
	}
	go func() {
		if _, err := s.svc.Resume(s.runCtx); err != nil && !errors.Is(err, service.ErrNothingToResume) {
			log.Error("Resume started over HTTP failed: %v", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"started": true, "session": session})
}

func (s *Server) hasPending() bool {
	for _, job := range s.svc.Jobs() {
		if job.Status == jobs.StatusPending {
			return true
		}
	}
	return false
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "settings store is not configured")
		return
	}
	settings, err := s.settings.GetRuntimeSettings()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "settings store is not configured")
		return
	}
	var req config.RuntimeSettings
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := s.settings.UpdateRuntimeSettings(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.apply != nil {
		if err := s.apply(saved); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, saved)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
