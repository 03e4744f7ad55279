package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings() RuntimeSettings {
	return RuntimeSettings{
		BackendURL:        "http://localhost:8000",
		PreferredLanguage: "en",
		SweepCron:         "*/5 * * * *",
	}
}

func TestRuntimeSettings_Validate(t *testing.T) {
	require.NoError(t, validSettings().Validate())

	noBackend := validSettings()
	noBackend.BackendURL = ""
	require.NoError(t, noBackend.Validate())

	badBackend := validSettings()
	badBackend.BackendURL = "ftp://example.test"
	require.Error(t, badBackend.Validate())

	badCron := validSettings()
	badCron.SweepCron = "bad cron"
	require.Error(t, badCron.Validate())

	noLang := validSettings()
	noLang.PreferredLanguage = ""
	require.Error(t, noLang.Validate())

	badLang := validSettings()
	badLang.PreferredLanguage = "not a language"
	require.Error(t, badLang.Validate())
}

func TestRuntimeSettings_Pipeline(t *testing.T) {
	s := validSettings()
	s.BackendURL = "  http://localhost:8000  "
	got := s.Pipeline()
	assert.Equal(t, "http://localhost:8000", got.BackendURL)
	assert.Equal(t, "en", got.PreferredLanguage)
}

func TestRuntimeSettingsFile_RoundTrip(t *testing.T) {
	tmp := t.TempDir()
	filePath := filepath.Join(tmp, "settings", "runtime.json")
	input := validSettings()

	require.NoError(t, WriteRuntimeSettingsFile(filePath, input))

	got, err := LoadRuntimeSettingsFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, input, got)

	info, err := os.Stat(filePath)
	require.NoError(t, err)
	assert.False(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWriteRuntimeSettingsFile_RejectsInvalid(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "runtime.json")
	bad := validSettings()
	bad.SweepCron = "nope"

	require.Error(t, WriteRuntimeSettingsFile(filePath, bad))
	_, err := os.Stat(filePath)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadRuntimeSettingsFile_Invalid(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "runtime.json")
	require.NoError(t, os.WriteFile(filePath, []byte("{not json"), 0o600))

	_, err := LoadRuntimeSettingsFile(filePath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid settings file")
}

func TestWithRuntimeSettings_OverridesConfig(t *testing.T) {
	t.Setenv("BACKEND_URL", "http://env.example:8000")
	t.Setenv("SWEEP_CRON", "0 1 * * *")

	override := RuntimeSettings{
		BackendURL:        "https://file.example",
		PreferredLanguage: "ja",
		SweepCron:         "*/30 * * * *",
	}

	cfg, err := NewFromEnv(WithRuntimeSettings(override))
	require.NoError(t, err)
	assert.Equal(t, override, cfg.Settings)
}

func TestWithRuntimeSettings_KeepsEnvForEmptyFields(t *testing.T) {
	t.Setenv("BACKEND_URL", "http://env.example:8000")

	cfg, err := NewFromEnv(WithRuntimeSettings(RuntimeSettings{PreferredLanguage: "de"}))
	require.NoError(t, err)
	assert.Equal(t, "http://env.example:8000", cfg.Settings.BackendURL)
	assert.Equal(t, "de", cfg.Settings.PreferredLanguage)
	assert.Equal(t, DefaultSweepCron, cfg.Settings.SweepCron)
}

func TestRuntimeSettingsStore_UpdatePersistsFile(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "runtime-settings.json")
	store, err := NewRuntimeSettingsStore(filePath, validSettings())
	require.NoError(t, err)

	var notified []RuntimeSettings
	store.OnChange(func(s RuntimeSettings) { notified = append(notified, s) })

	next := validSettings()
	next.BackendURL = "https://new.example"
	next.PreferredLanguage = "fr"

	saved, err := store.Update(next)
	require.NoError(t, err)
	assert.Equal(t, next, saved)
	assert.Equal(t, next, store.Get())
	assert.Equal(t, "https://new.example", store.Current().BackendURL)
	assert.Equal(t, []RuntimeSettings{next}, notified)

	fromDisk, err := LoadRuntimeSettingsFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, next, fromDisk)
}

func TestRuntimeSettingsStore_UpdateRejectsInvalid(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "runtime-settings.json")
	store, err := NewRuntimeSettingsStore(filePath, validSettings())
	require.NoError(t, err)

	bad := validSettings()
	bad.BackendURL = "not a url"
	_, err = store.Update(bad)
	require.Error(t, err)
	assert.Equal(t, validSettings(), store.Get())
}

func TestNewRuntimeSettingsStore_RequiresPath(t *testing.T) {
	_, err := NewRuntimeSettingsStore(" ", validSettings())
	require.Error(t, err)
}

func TestRuntimeSettingsStore_Reload(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "runtime-settings.json")
	store, err := NewRuntimeSettingsStore(filePath, validSettings())
	require.NoError(t, err)

	require.NoError(t, WriteRuntimeSettingsFile(filePath, validSettings()))
	_, changed, err := store.Reload()
	require.NoError(t, err)
	assert.False(t, changed)

	next := validSettings()
	next.PreferredLanguage = "es"
	require.NoError(t, WriteRuntimeSettingsFile(filePath, next))
	got, changed, err := store.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, next, got)

	require.NoError(t, os.WriteFile(filePath, []byte(`{"backend_url":"bogus","preferred_language":"en","sweep_cron":"0 * * * *"}`), 0o600))
	_, changed, err = store.Reload()
	require.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, next, store.Get())
}

func TestRuntimeSettingsStore_WatcherPicksUpExternalEdit(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "runtime-settings.json")
	require.NoError(t, WriteRuntimeSettingsFile(filePath, validSettings()))

	store, err := NewRuntimeSettingsStore(filePath, validSettings())
	require.NoError(t, err)

	changed := make(chan RuntimeSettings, 1)
	store.OnChange(func(s RuntimeSettings) {
		select {
		case changed <- s:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.StartWatcher(ctx))

	next := validSettings()
	next.BackendURL = ""
	require.NoError(t, WriteRuntimeSettingsFile(filePath, next))

	select {
	case got := <-changed:
		assert.Equal(t, next, got)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload settings")
	}
	assert.Equal(t, "", store.Current().BackendURL)
}
