package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/scriptbatch/internal/checkpoint"
	"github.com/MimeLyc/scriptbatch/internal/config"
	"github.com/MimeLyc/scriptbatch/internal/credential"
	"github.com/MimeLyc/scriptbatch/internal/export"
	"github.com/MimeLyc/scriptbatch/internal/httpapi"
	"github.com/MimeLyc/scriptbatch/internal/jobs"
	"github.com/MimeLyc/scriptbatch/internal/persistence"
	"github.com/MimeLyc/scriptbatch/internal/prompts"
	"github.com/MimeLyc/scriptbatch/internal/provider"
	"github.com/MimeLyc/scriptbatch/internal/ratelimit"
	"github.com/MimeLyc/scriptbatch/internal/search"
	"github.com/MimeLyc/scriptbatch/internal/service"
	"github.com/MimeLyc/scriptbatch/pkg/icron"
	"github.com/MimeLyc/scriptbatch/pkg/log"
)

type scheduler interface {
	Schedule(ctx context.Context) error
}

type cronEngine interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func main() {
	envFile := flag.String("env", ".env", "dotenv file loaded before reading the environment")
	inputsFile := flag.String("inputs", "", "file with one input per line to enqueue on startup")
	once := flag.Bool("once", false, "process pending jobs, then exit without serving HTTP")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("Failed to load %s: %v", *envFile, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *inputsFile, *once); err != nil {
		log.Fatal("%v", err)
	}
}

func run(ctx context.Context, inputsFile string, once bool) error {
	settingsPath := config.RuntimeSettingsFilePath()
	var opts []config.Option
	if saved, err := config.LoadRuntimeSettingsFile(settingsPath); err == nil {
		if verr := saved.Validate(); verr != nil {
			log.Warn("Ignoring runtime settings in %s: %v", settingsPath, verr)
		} else {
			opts = append(opts, config.WithRuntimeSettings(saved))
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn("Failed to read runtime settings %s: %v", settingsPath, err)
	}

	cfg, err := config.NewFromEnv(opts...)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	log.InitLogger(log.ParseLevel(cfg.Log.Level))
	if cfg.Log.File != "" {
		fl, err := log.NewFileLogger(cfg.Log.File, log.ParseLevel(cfg.Log.Level))
		if err != nil {
			return err
		}
		defer fl.Close()
		log.SetLogger(fl.Logger)
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	pool := credential.NewPool(
		credential.WithRecoveryWindow(cfg.Credentials.RecoveryWindow),
		credential.WithMaxConsecutiveErrors(cfg.Credentials.MaxConsecutiveErrors),
	)

	var searcher *search.Client
	if cfg.Search.APIKey != "" {
		searcher = search.NewClient(cfg.Search.APIKey, cfg.Search.APIURL)
	}

	var limiter provider.Limiter
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		bucket := ratelimit.NewTokenBucket(rdb, cfg.Redis.Capacity, cfg.Redis.RefillPerSecond, time.Hour)
		limiter = ratelimit.NewLimiter(bucket, cfg.LLM.Provider)
	}

	newProvider := func(llmCfg config.LLMConfig) (provider.Provider, error) {
		backend, err := provider.NewBackend(llmCfg, searcher)
		if err != nil {
			return nil, err
		}
		adapterOpts := []provider.AdapterOption{provider.WithFallbackKey(llmCfg.APIKey)}
		if limiter != nil {
			adapterOpts = append(adapterOpts, provider.WithLimiter(limiter))
		}
		return provider.NewAdapter(backend, pool, adapterOpts...), nil
	}
	prov, err := newProvider(cfg.LLM)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	probeBackend, err := provider.NewBackend(cfg.LLM, nil)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	probe := func(ctx context.Context, key string) error {
		_, err := probeBackend.Complete(ctx, key, provider.Request{UserMessage: "ping", MaxTokens: 1})
		return err
	}

	library, err := prompts.Load(cfg.Prompts.File)
	if err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}
	exporter, err := export.FromConfig(ctx, cfg.Export)
	if err != nil {
		return fmt.Errorf("configure export: %w", err)
	}

	engine := cron.New(cron.WithParser(icron.Parser))
	svc, err := service.New(*cfg, service.Deps{
		Pool:        pool,
		Provider:    prov,
		NewProvider: newProvider,
		Probe:       probe,
		Library:     library,
		Queue:       jobs.NewQueue(st.jobs),
		Checkpoints: checkpoint.NewStore(st.checkpoints),
		Credentials: st.credentials,
		Exporter:    exporter,
		Cron:        engine,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			log.Warn("Close: %v", err)
		}
	}()

	if err := svc.LoadCredentials(ctx); err != nil {
		log.Warn("%v", err)
	}
	if added := svc.AddCredentials(ctx, cfg.Credentials.Keys); added > 0 {
		log.Info("Added %d credential(s) from LLM_API_KEYS", added)
	}
	if _, err := svc.Restore(ctx); err != nil {
		log.Warn("Failed to restore session: %v", err)
	}
	if inputsFile != "" {
		if err := enqueueFile(svc, inputsFile); err != nil {
			return err
		}
	}

	if once {
		res, err := svc.Resume(ctx)
		if errors.Is(err, service.ErrNothingToResume) {
			log.Info("Nothing to process")
			return nil
		}
		if res != nil && res.Summary != nil {
			log.Info("Processed %d job(s): %d completed, %d failed, %d remaining",
				res.Summary.Total, res.Summary.Completed, res.Summary.Failed, res.Summary.Remaining)
		}
		return err
	}

	settings, err := config.NewRuntimeSettingsStore(settingsPath, cfg.RuntimeSettings())
	if err != nil {
		return fmt.Errorf("runtime settings: %w", err)
	}
	api := httpapi.NewServer(svc,
		httpapi.WithRunContext(ctx),
		httpapi.WithRuntimeSettingsStore(settings),
		httpapi.WithRuntimeSettingsApplier(func(next config.RuntimeSettings) error {
			return svc.ApplyRuntimeSettings(ctx, next)
		}),
	)
	return runWithComponents(ctx, cfg, svc, engine, api)
}

// runWithComponents schedules cron runs and serves HTTP until ctx is done.
func runWithComponents(ctx context.Context, cfg *config.Config, sched scheduler, engine cronEngine, srv httpServer) error {
	if err := sched.Schedule(ctx); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	engine.Start()

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening on %s", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown: %v", err)
	}
	select {
	case <-engine.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn("Cron jobs still running at shutdown")
	}
	return serveErr
}

type stores struct {
	jobs        jobs.Store
	checkpoints checkpoint.Backend
	credentials service.CredentialStore
	close       func()
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.System.StoreDriver {
	case "postgres":
		pg, err := persistence.NewPostgresStore(ctx, cfg.System.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return &stores{
			jobs:        pg,
			checkpoints: pg.CheckpointBackend(persistence.DefaultCheckpoint),
			credentials: pg,
			close:       func() { _ = pg.Close() },
		}, nil
	case "file":
		return &stores{
			checkpoints: checkpoint.NewFileBackend(cfg.CheckpointPath()),
			close:       func() {},
		}, nil
	default:
		db, err := persistence.NewSQLiteStore(cfg.DBPath())
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return &stores{
			jobs:        db,
			checkpoints: db.CheckpointBackend(persistence.DefaultCheckpoint),
			credentials: db,
			close:       func() { _ = db.Close() },
		}, nil
	}
}

func enqueueFile(svc *service.Service, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open inputs: %w", err)
	}
	defer f.Close()

	created := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, ok, err := svc.Enqueue(line, "file"); err == nil && ok {
			created++
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read inputs: %w", err)
	}
	log.Info("Enqueued %d job(s) from %s", created, path)
	return nil
}
