package httpapi

import (
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MimeLyc/scriptbatch/internal/jobs"
	"github.com/MimeLyc/scriptbatch/internal/scene"
	"github.com/MimeLyc/scriptbatch/internal/service"
)

const (
	defaultJobPreviewLimit = 20
	maxJobPreviewLimit     = 200
)

type jobDetailResponse struct {
	Job           *jobs.Job           `json:"job"`
	Progress      jobProgressResponse `json:"progress"`
	Outline       json.RawMessage     `json:"outline,omitempty"`
	Metadata      json.RawMessage     `json:"metadata,omitempty"`
	Report        json.RawMessage     `json:"report,omitempty"`
	Preview       []jobPreviewScene   `json:"preview"`
	PreviewOffset int                 `json:"preview_offset"`
	PreviewLimit  int                 `json:"preview_limit"`
	Editable      bool                `json:"editable"`
}

type jobProgressResponse struct {
	CompletedSteps int     `json:"completed_steps"`
	TotalSteps     int     `json:"total_steps"`
	WrittenScenes  int     `json:"written_scenes"`
	TotalScenes    int     `json:"total_scenes"`
	Percent        float64 `json:"percent"`
}

type jobPreviewScene struct {
	Index       int    `json:"index"`
	Title       string `json:"title"`
	Visual      string `json:"visual"`
	Voiceover   string `json:"voiceover"`
	WordCount   int    `json:"word_count"`
	ImagePrompt string `json:"image_prompt,omitempty"`
}

type updateJobScenesRequest struct {
	Scenes []service.SceneEdit `json:"scenes"`
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	offset := parsePositiveIntWithDefault(r.URL.Query().Get("offset"), 0)
	limit := parsePositiveIntWithDefault(r.URL.Query().Get("limit"), defaultJobPreviewLimit)
	if limit <= 0 {
		limit = defaultJobPreviewLimit
	}
	if limit > maxJobPreviewLimit {
		limit = maxJobPreviewLimit
	}

	job, ok := s.svc.Job(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, service.ErrJobNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, buildJobDetail(job, offset, limit))
}

func (s *Server) handleUpdateJobScenes(w http.ResponseWriter, r *http.Request) {
	var req updateJobScenesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(req.Scenes) == 0 {
		writeError(w, http.StatusBadRequest, "scenes is required")
		return
	}

	job, err := s.svc.EditScenes(r.Context(), chi.URLParam(r, "id"), req.Scenes)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrJobNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, service.ErrJobInProgress):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, service.ErrJobNotCompleted), errors.Is(err, service.ErrInvalidScene):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, buildJobDetail(job, 0, defaultJobPreviewLimit))
}

func parsePositiveIntWithDefault(raw string, def int) int {
	if strings.TrimSpace(raw) == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func buildJobDetail(job *jobs.Job, offset, limit int) jobDetailResponse {
	script := job.Output(jobs.StepScript)
	scenes := scene.Parse(script, scene.DetectProfile(script))

	detail := jobDetailResponse{
		Job:           job,
		Progress:      computeJobProgress(job, scenes),
		Outline:       rawJSON(job.Output(jobs.StepOutline)),
		Metadata:      rawJSON(job.Output(jobs.StepMetadata)),
		Report:        rawJSON(job.Output(jobs.StepReport)),
		Preview:       buildPreviewScenes(scenes, imagePromptsByScene(job), offset, limit),
		PreviewOffset: offset,
		PreviewLimit:  limit,
		Editable:      job.Status == jobs.StatusCompleted,
	}
	return detail
}

func computeJobProgress(job *jobs.Job, scenes []scene.Scene) jobProgressResponse {
	totalSteps := int(jobs.LastStep-jobs.FirstStep) + 1
	done := min(max(int(job.CurrentStep-jobs.FirstStep), 0), totalSteps)

	totalScenes := 0
	var report service.Report
	if raw := job.Output(jobs.StepReport); raw != "" && json.Unmarshal([]byte(raw), &report) == nil {
		totalScenes = report.SceneCount
	}
	written := len(scene.ByIndex(scenes))
	totalScenes = max(totalScenes, written)

	return jobProgressResponse{
		CompletedSteps: done,
		TotalSteps:     totalSteps,
		WrittenScenes:  written,
		TotalScenes:    totalScenes,
		Percent:        float64(done) / float64(totalSteps) * 100,
	}
}

func buildPreviewScenes(scenes []scene.Scene, prompts map[int]string, offset, limit int) []jobPreviewScene {
	byIndex := scene.ByIndex(scenes)
	indices := slices.Sorted(maps.Keys(byIndex))
	if offset >= len(indices) {
		return []jobPreviewScene{}
	}
	end := min(offset+limit, len(indices))

	out := make([]jobPreviewScene, 0, end-offset)
	for _, idx := range indices[offset:end] {
		sc := byIndex[idx]
		out = append(out, jobPreviewScene{
			Index:       sc.Index,
			Title:       sc.Title,
			Visual:      sc.Visual,
			Voiceover:   sc.Voiceover,
			WordCount:   sc.WordCount,
			ImagePrompt: prompts[sc.Index],
		})
	}
	return out
}

func imagePromptsByScene(job *jobs.Job) map[int]string {
	var items []service.ImagePrompt
	if raw := job.Output(jobs.StepImagePrompts); raw != "" {
		_ = json.Unmarshal([]byte(raw), &items)
	}
	out := make(map[int]string, len(items))
	for _, item := range items {
		out[item.Scene] = item.Prompt
	}
	return out
}

func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return nil
	}
	return json.RawMessage(s)
}
