package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/text/language"
)

const DefaultRuntimeSettingsFile = "/app/config/settings.json"

// RuntimeSettings is the operator-editable run configuration. It is persisted
// as JSON and layered over the environment on startup.
type RuntimeSettings struct {
	LLMModel       string  `json:"llm_model"`
	SceneCount     int     `json:"scene_count"`
	WordMin        int     `json:"word_min"`
	WordMax        int     `json:"word_max"`
	DelaySeconds   float64 `json:"delay_seconds"`
	MaxConcurrency int     `json:"max_concurrency"`
	CronExpr       string  `json:"cron_expr"`
	Language       string  `json:"language"`
}

func RuntimeSettingsFilePath() string {
	return getEnvString("SETTINGS_FILE", DefaultRuntimeSettingsFile)
}

func (s RuntimeSettings) Validate() error {
	if strings.TrimSpace(s.LLMModel) == "" {
		return fmt.Errorf("llm_model is required")
	}
	if s.SceneCount < 1 {
		return fmt.Errorf("scene_count must be greater than 0")
	}
	if s.WordMin < 1 || s.WordMin > s.WordMax {
		return fmt.Errorf("word_min must be positive and not greater than word_max")
	}
	if s.DelaySeconds < 0 {
		return fmt.Errorf("delay_seconds must not be negative")
	}
	if s.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be greater than 0")
	}
	if strings.TrimSpace(s.CronExpr) != "" {
		if _, err := cron.ParseStandard(s.CronExpr); err != nil {
			return fmt.Errorf("invalid cron_expr: %w", err)
		}
	}
	switch s.Language {
	case "", "auto":
	default:
		tag, err := language.Parse(s.Language)
		if err != nil {
			return fmt.Errorf("invalid language: %w", err)
		}
		if base, _ := tag.Base(); base.String() != "en" && base.String() != "vi" {
			return fmt.Errorf("unsupported language %q", s.Language)
		}
	}
	return nil
}

func (c *Config) RuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		LLMModel:       c.LLM.Model,
		SceneCount:     c.Generation.SceneCount,
		WordMin:        c.Generation.WordMin,
		WordMax:        c.Generation.WordMax,
		DelaySeconds:   c.Generation.DelaySeconds,
		MaxConcurrency: c.Scheduler.MaxConcurrency,
		CronExpr:       c.Scheduler.CronExpr,
		Language:       c.Generation.Language,
	}
}

func WithRuntimeSettings(settings RuntimeSettings) Option {
	return func(c *Config) {
		if strings.TrimSpace(settings.LLMModel) != "" {
			c.LLM.Model = settings.LLMModel
		}
		if settings.SceneCount > 0 {
			c.Generation.SceneCount = settings.SceneCount
		}
		if settings.WordMin > 0 && settings.WordMax >= settings.WordMin {
			c.Generation.WordMin = settings.WordMin
			c.Generation.WordMax = settings.WordMax
		}
		if settings.DelaySeconds > 0 {
			c.Generation.DelaySeconds = settings.DelaySeconds
		}
		if settings.MaxConcurrency > 0 {
			c.Scheduler.MaxConcurrency = settings.MaxConcurrency
		}
		if strings.TrimSpace(settings.CronExpr) != "" {
			c.Scheduler.CronExpr = settings.CronExpr
		}
		if lang := strings.ToLower(strings.TrimSpace(settings.Language)); lang != "" {
			c.Generation.Language = lang
		}
	}
}

func LoadRuntimeSettingsFile(path string) (RuntimeSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuntimeSettings{}, err
	}
	var settings RuntimeSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return RuntimeSettings{}, fmt.Errorf("invalid settings file: %w", err)
	}
	return settings, nil
}

func WriteRuntimeSettingsFile(path string, settings RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	content, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	content = append(content, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

type RuntimeSettingsStore struct {
	path string

	mu      sync.RWMutex
	current RuntimeSettings
}

func NewRuntimeSettingsStore(path string, initial RuntimeSettings) (*RuntimeSettingsStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("settings file path is required")
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &RuntimeSettingsStore{
		path:    path,
		current: initial,
	}, nil
}

func (s *RuntimeSettingsStore) GetRuntimeSettings() (RuntimeSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

func (s *RuntimeSettingsStore) UpdateRuntimeSettings(next RuntimeSettings) (RuntimeSettings, error) {
	if err := next.Validate(); err != nil {
		return RuntimeSettings{}, err
	}
	if err := WriteRuntimeSettingsFile(s.path, next); err != nil {
		return RuntimeSettings{}, err
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	return next, nil
}
