package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/robfig/cron/v3"
	"golang.org/x/text/language"

	"github.com/MimeLyc/transcript-overlay/internal/pipeline"
	"github.com/MimeLyc/transcript-overlay/internal/source/server"
)

const (
	DefaultRuntimeSettingsFile = "/app/config/settings.json"
	DefaultSweepCron           = "0 * * * *"
)

// RuntimeSettings are the user-editable settings that can change while the
// service runs. An empty backend URL disables server transcription.
type RuntimeSettings struct {
	BackendURL        string `json:"backend_url"`
	PreferredLanguage string `json:"preferred_language"`
	SweepCron         string `json:"sweep_cron"`
}

func RuntimeSettingsFilePath() string {
	return getEnvString("SETTINGS_FILE", DefaultRuntimeSettingsFile)
}

func (s RuntimeSettings) Validate() error {
	if strings.TrimSpace(s.BackendURL) != "" {
		if err := server.ValidateBackendURL(s.BackendURL); err != nil {
			return fmt.Errorf("invalid backend_url: %w", err)
		}
	}
	if strings.TrimSpace(s.SweepCron) == "" {
		return fmt.Errorf("sweep_cron is required")
	}
	if _, err := cron.ParseStandard(s.SweepCron); err != nil {
		return fmt.Errorf("invalid sweep_cron: %w", err)
	}
	if strings.TrimSpace(s.PreferredLanguage) == "" {
		return fmt.Errorf("preferred_language is required")
	}
	if _, err := language.Parse(s.PreferredLanguage); err != nil {
		return fmt.Errorf("invalid preferred_language: %w", err)
	}
	return nil
}

// Pipeline converts the settings into what the orchestrator reads per fetch.
func (s RuntimeSettings) Pipeline() pipeline.Settings {
	return pipeline.Settings{
		BackendURL:        strings.TrimSpace(s.BackendURL),
		PreferredLanguage: s.PreferredLanguage,
	}
}

// WithRuntimeSettings overlays non-empty fields from a settings file.
func WithRuntimeSettings(settings RuntimeSettings) Option {
	return func(c *Config) {
		if strings.TrimSpace(settings.BackendURL) != "" {
			c.Settings.BackendURL = settings.BackendURL
		}
		if strings.TrimSpace(settings.PreferredLanguage) != "" {
			c.Settings.PreferredLanguage = settings.PreferredLanguage
		}
		if strings.TrimSpace(settings.SweepCron) != "" {
			c.Settings.SweepCron = settings.SweepCron
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

// WriteRuntimeSettingsFile validates and atomically replaces the file.
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
	return renameio.WriteFile(path, content, 0o600)
}

// RuntimeSettingsStore holds the live settings. It satisfies
// pipeline.SettingsProvider so every fetch reads the current backend.
type RuntimeSettingsStore struct {
	path string

	mu      sync.RWMutex
	current RuntimeSettings

	listenersMu sync.RWMutex
	listeners   []func(RuntimeSettings)
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

func (s *RuntimeSettingsStore) Path() string { return s.path }

func (s *RuntimeSettingsStore) Get() RuntimeSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Current implements pipeline.SettingsProvider.
func (s *RuntimeSettingsStore) Current() pipeline.Settings {
	return s.Get().Pipeline()
}

// Update validates, persists and applies next, then notifies listeners.
func (s *RuntimeSettingsStore) Update(next RuntimeSettings) (RuntimeSettings, error) {
	if err := next.Validate(); err != nil {
		return RuntimeSettings{}, err
	}
	if err := WriteRuntimeSettingsFile(s.path, next); err != nil {
		return RuntimeSettings{}, err
	}
	s.apply(next)
	return next, nil
}

// OnChange registers fn to run after every applied change.
func (s *RuntimeSettingsStore) OnChange(fn func(RuntimeSettings)) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

// Reload re-reads the settings file. An invalid file keeps the current
// settings and returns the error.
func (s *RuntimeSettingsStore) Reload() (RuntimeSettings, bool, error) {
	next, err := LoadRuntimeSettingsFile(s.path)
	if err != nil {
		return s.Get(), false, err
	}
	if err := next.Validate(); err != nil {
		return s.Get(), false, err
	}
	if next == s.Get() {
		return next, false, nil
	}
	s.apply(next)
	return next, true, nil
}

func (s *RuntimeSettingsStore) apply(next RuntimeSettings) {
	s.mu.Lock()
	s.current = next
	s.mu.Unlock()

	s.listenersMu.RLock()
	listeners := append([]func(RuntimeSettings){}, s.listeners...)
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(next)
	}
}
