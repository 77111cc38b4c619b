package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MimeLyc/scriptbatch/internal/batch"
	"github.com/MimeLyc/scriptbatch/internal/config"
	"github.com/MimeLyc/scriptbatch/internal/credential"
	"github.com/MimeLyc/scriptbatch/internal/jobs"
	"github.com/MimeLyc/scriptbatch/internal/service"
	"github.com/MimeLyc/scriptbatch/internal/telemetry"
)

// scriptService is the part of service.Service the API drives.
type scriptService interface {
	Enqueue(input, source string) (*jobs.Job, bool, error)
	Jobs() []*jobs.Job
	Job(id string) (*jobs.Job, bool)
	RemoveJob(id string) (bool, error)
	EditScenes(ctx context.Context, id string, edits []service.SceneEdit) (*jobs.Job, error)
	Run(ctx context.Context) (*service.RunResult, error)
	Resume(ctx context.Context) (*service.RunResult, error)
	Session(ctx context.Context) service.Session
	Discard(ctx context.Context) error
	OnProgress(fn batch.ProgressFunc) func()
	AddCredentials(ctx context.Context, raw string) int
	RemoveCredential(ctx context.Context, key string) bool
	Credentials() []credential.Credential
	VerifyCredentials(ctx context.Context) error
}

type runtimeSettingsStore interface {
	GetRuntimeSettings() (config.RuntimeSettings, error)
	UpdateRuntimeSettings(next config.RuntimeSettings) (config.RuntimeSettings, error)
}

type runtimeSettingsApplier func(next config.RuntimeSettings) error

type Server struct {
	svc      scriptService
	settings runtimeSettingsStore
	apply    runtimeSettingsApplier

	// runCtx outlives the request that started a run.
	runCtx       context.Context
	pollInterval time.Duration

	router chi.Router
	server *http.Server
}

type Option func(*Server)

func WithRuntimeSettingsStore(store runtimeSettingsStore) Option {
	return func(s *Server) {
		s.settings = store
	}
}

func WithRuntimeSettingsApplier(apply runtimeSettingsApplier) Option {
	return func(s *Server) {
		s.apply = apply
	}
}

// WithRunContext sets the context runs started over HTTP are bound to.
func WithRunContext(ctx context.Context) Option {
	return func(s *Server) {
		s.runCtx = ctx
	}
}

// WithPollInterval sets how often the job stream re-sends the job list.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func NewServer(svc scriptService, opts ...Option) *Server {
	s := &Server{
		svc:          svc,
		runCtx:       context.Background(),
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs", s.handleCreateJobs)
		r.Get("/jobs/stream", s.handleJobStream)
		r.Get("/jobs/{id}", s.handleJobDetail)
		r.Delete("/jobs/{id}", s.handleDeleteJob)
		r.Put("/jobs/{id}/scenes", s.handleUpdateJobScenes)

		r.Get("/credentials", s.handleListCredentials)
		r.Post("/credentials", s.handleAddCredentials)
		r.Delete("/credentials", s.handleRemoveCredential)
		r.Post("/credentials/verify", s.handleVerifyCredentials)

		r.Get("/session", s.handleSession)
		r.Delete("/session", s.handleDiscardSession)
		r.Post("/run", s.handleRun)
		r.Post("/resume", s.handleResume)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleUpdateSettings)
	})

	s.router = r
}
