package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/transcript-overlay/internal/config"
)

type fakeScheduler struct {
	called bool
}

func (f *fakeScheduler) Schedule(context.Context) error {
	f.called = true
	return nil
}

type fakeCron struct {
	started bool
	stopped bool
}

func (f *fakeCron) Start() {
	f.started = true
}

func (f *fakeCron) Stop() context.Context {
	f.stopped = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

type fakeHTTP struct {
	listenCalled chan struct{}
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func newFakeHTTP() *fakeHTTP {
	return &fakeHTTP{
		listenCalled: make(chan struct{}),
		shutdownCh:   make(chan struct{}),
	}
}

func (f *fakeHTTP) ListenAndServe(string) error {
	close(f.listenCalled)
	<-f.shutdownCh
	return http.ErrServerClosed
}

func (f *fakeHTTP) Shutdown(context.Context) error {
	f.shutdownOnce.Do(func() { close(f.shutdownCh) })
	return nil
}

func TestRunWithComponents_StartsCronAndHTTP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{HTTP: config.HTTPConfig{Addr: "127.0.0.1:0"}}
	scheduler := &fakeScheduler{}
	cronEngine := &fakeCron{}
	httpSrv := newFakeHTTP()

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- runWithComponents(ctx, cfg, scheduler, cronEngine, httpSrv)
	}()

	select {
	case <-httpSrv.listenCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("http server did not start")
	}

	cancel()

	select {
	case err := <-doneCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runWithComponents did not exit after cancellation")
	}

	assert.True(t, scheduler.called)
	assert.True(t, cronEngine.started)
	assert.True(t, cronEngine.stopped)
}

type fakeSettings struct {
	mu        sync.Mutex
	current   config.RuntimeSettings
	listeners []func(config.RuntimeSettings)
}

func (f *fakeSettings) Get() config.RuntimeSettings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeSettings) OnChange(fn func(config.RuntimeSettings)) {
	f.listeners = append(f.listeners, fn)
}

func (f *fakeSettings) set(next config.RuntimeSettings) {
	f.mu.Lock()
	f.current = next
	f.mu.Unlock()
	for _, fn := range f.listeners {
		fn(next)
	}
}

func TestSweepScheduler_FollowsSettings(t *testing.T) {
	c := cron.New()
	settings := &fakeSettings{current: config.RuntimeSettings{SweepCron: "0 * * * *"}}
	sched := newSweepScheduler(c, settings, func(context.Context) (int, error) { return 0, nil })

	require.NoError(t, sched.Schedule(context.Background()))
	require.Len(t, c.Entries(), 1)
	first := c.Entries()[0].ID

	settings.set(config.RuntimeSettings{SweepCron: "0 * * * *"})
	require.Len(t, c.Entries(), 1)
	assert.Equal(t, first, c.Entries()[0].ID)

	settings.set(config.RuntimeSettings{SweepCron: "*/5 * * * *"})
	require.Len(t, c.Entries(), 1)
	assert.NotEqual(t, first, c.Entries()[0].ID)
	assert.Equal(t, "*/5 * * * *", sched.current())

	settings.set(config.RuntimeSettings{SweepCron: "not cron"})
	require.Len(t, c.Entries(), 1)
	assert.Equal(t, "*/5 * * * *", sched.current())
}

func TestSweepScheduler_RejectsInvalidInitialExpression(t *testing.T) {
	settings := &fakeSettings{current: config.RuntimeSettings{SweepCron: "nope"}}
	sched := newSweepScheduler(cron.New(), settings, func(context.Context) (int, error) { return 0, nil })
	require.Error(t, sched.Schedule(context.Background()))
}

const fixtureWatchPage = `<html><script>var ytInitialPlayerResponse = {"captions":{"playerCaptionsTracklistRenderer":{"captionTracks":[
{"baseUrl":"/api/timedtext?v=vid_abc123&lang=en","languageCode":"en","name":{"simpleText":"English"}}]}},
"videoDetails":{"videoId":"vid_abc123","shortDescription":"About"}};</script></html>`

func newYouTubeFixture(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /watch", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("v") != "vid_abc123" {
			_, _ = w.Write([]byte("<html></html>"))
			return
		}
		_, _ = w.Write([]byte(fixtureWatchPage))
	})
	mux.HandleFunc("GET /api/timedtext", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("lang") != "en" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"events":[{"tStartMs":500,"dDurationMs":1000,"segs":[{"utf8":"hi there"}]}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunFetch_PrintsCaptions(t *testing.T) {
	yt := newYouTubeFixture(t)
	t.Setenv("CAPTIONS_BASE_URL", yt.URL)
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("SETTINGS_FILE", filepath.Join(t.TempDir(), "settings.json"))

	cfg, err := loadConfig([]string{filepath.Join(t.TempDir(), "missing.env")})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runFetch(context.Background(), cfg, &out, "vid_abc123", fetchOptions{wait: true, timeout: time.Second}))

	var got struct {
		Source string `json:"source"`
		Lines  []struct {
			Start float64 `json:"start"`
			Text  string  `json:"text"`
		} `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "youtube-captions", got.Source)
	require.Len(t, got.Lines, 1)
	assert.Equal(t, 0.5, got.Lines[0].Start)
	assert.Equal(t, "hi there", got.Lines[0].Text)
}

func TestRunFetch_LanguageUnavailable(t *testing.T) {
	yt := newYouTubeFixture(t)
	t.Setenv("CAPTIONS_BASE_URL", yt.URL)
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("SETTINGS_FILE", filepath.Join(t.TempDir(), "settings.json"))

	cfg, err := loadConfig(nil)
	require.NoError(t, err)

	var out bytes.Buffer
	err = runFetch(context.Background(), cfg, &out, "vid_abc123", fetchOptions{language: "fr"})
	require.Error(t, err)
	assert.Empty(t, out.String())
}

func TestRunFetch_WaitsForBackendTranscript(t *testing.T) {
	yt := newYouTubeFixture(t)
	var mu sync.Mutex
	checks := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		checks++
		n := checks
		mu.Unlock()
		if r.Method == http.MethodGet && n < 2 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if n < 3 {
			_, _ = w.Write([]byte(`{"status":"processing"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"complete","transcript":[{"start":0,"duration":1,"text":"backend"}]}`))
	}))
	defer backend.Close()

	t.Setenv("CAPTIONS_BASE_URL", yt.URL)
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("BACKEND_URL", backend.URL)
	t.Setenv("POLL_INTERVAL", "10ms")
	t.Setenv("SETTINGS_FILE", filepath.Join(t.TempDir(), "settings.json"))

	cfg, err := loadConfig(nil)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, runFetch(context.Background(), cfg, &out, "vid_zzz999", fetchOptions{wait: true, timeout: 5 * time.Second}))

	dec := json.NewDecoder(&out)
	var sources []string
	var last map[string]any
	for dec.More() {
		var v map[string]any
		require.NoError(t, dec.Decode(&v))
		sources = append(sources, v["source"].(string))
		last = v
	}
	require.NotEmpty(t, sources)
	assert.Equal(t, "server-transcription", sources[len(sources)-1])
	assert.Equal(t, "complete", last["status"])
}

func TestLoadConfig_SettingsFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, config.WriteRuntimeSettingsFile(path, config.RuntimeSettings{
		BackendURL:        "http://backend.test:8000",
		PreferredLanguage: "de",
		SweepCron:         "*/15 * * * *",
	}))
	t.Setenv("SETTINGS_FILE", path)
	t.Setenv("CACHE_BACKEND", "memory")

	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "http://backend.test:8000", cfg.Settings.BackendURL)
	assert.Equal(t, "de", cfg.Settings.PreferredLanguage)
	assert.Equal(t, path, cfg.System.SettingsFile)
}

func TestLoadConfig_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("TRANSCRIPTD_CMD_TEST_ADDR=:9999\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("TRANSCRIPTD_CMD_TEST_ADDR") })
	t.Setenv("SETTINGS_FILE", filepath.Join(dir, "settings.json"))

	_, err := loadConfig([]string{envFile})
	require.NoError(t, err)
	assert.Equal(t, ":9999", os.Getenv("TRANSCRIPTD_CMD_TEST_ADDR"))
}
