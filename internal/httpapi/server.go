package httpapi

import (
	"context"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MimeLyc/transcript-overlay/internal/config"
	"github.com/MimeLyc/transcript-overlay/internal/events"
	"github.com/MimeLyc/transcript-overlay/internal/jobs"
	"github.com/MimeLyc/transcript-overlay/internal/page"
	"github.com/MimeLyc/transcript-overlay/internal/pipeline"
	"github.com/MimeLyc/transcript-overlay/pkg/log"
)

const (
	defaultSessionName = "default"
	maxSessions        = 64
)

type runtimeSettingsStore interface {
	Get() config.RuntimeSettings
	Update(next config.RuntimeSettings) (config.RuntimeSettings, error)
}

type Server struct {
	orch     *pipeline.Orchestrator
	bus      *events.Bus
	pages    *page.Store
	queue    *jobs.Queue
	settings runtimeSettingsStore

	rateLimit   int
	allowOrigin string
	uiEnabled   bool
	uiStaticDir string
	keepAlive   time.Duration
	logger      *log.Logger
	startedAt   time.Time

	sessions *pipeline.Sessions

	sweepMu   sync.Mutex
	lastSweep sweepReport

	router chi.Router
	server *http.Server
}

type Option func(*Server)

func WithEvents(bus *events.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

func WithPages(store *page.Store) Option {
	return func(s *Server) { s.pages = store }
}

func WithQueue(q *jobs.Queue) Option {
	return func(s *Server) { s.queue = q }
}

func WithRuntimeSettingsStore(store runtimeSettingsStore) Option {
	return func(s *Server) { s.settings = store }
}

// WithRateLimit caps requests per minute per client IP. Zero disables it.
func WithRateLimit(perMinute int) Option {
	return func(s *Server) { s.rateLimit = perMinute }
}

// WithAllowOrigin sets the CORS origin the browser extension calls from.
func WithAllowOrigin(origin string) Option {
	return func(s *Server) { s.allowOrigin = origin }
}

func WithUI(staticDir string, enabled bool) Option {
	return func(s *Server) {
		s.uiStaticDir = staticDir
		s.uiEnabled = enabled
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func NewServer(orch *pipeline.Orchestrator, opts ...Option) *Server {
	s := &Server{
		orch:      orch,
		keepAlive: 15 * time.Second,
		logger:    log.WithComponent("http"),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = events.NewBus(events.DefaultBuffer, s.logger)
	}
	s.sessions = pipeline.NewSessions(orch, s.bus, maxSessions)
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Events is the bus every update is published on.
func (s *Server) Events() *events.Bus {
	return s.bus
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
	s.sessions.LeaveAll()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.cors)
	r.Use(s.logRequests)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.rateLimit > 0 {
			r.Use(rateLimit(s.rateLimit, time.Minute))
		}

		r.Route("/videos/{id}", func(r chi.Router) {
			r.Get("/transcript", s.handleTranscript)
			r.Get("/transcript/languages/{lang}", s.handleTranscriptLanguage)
			r.Put("/page", s.handlePutPage)
			r.Get("/updates", s.handleUpdates)
			r.Delete("/poll", s.handleCancelPoll)
		})
		r.Post("/navigate", s.handleNavigate)

		r.Get("/cache", s.handleCacheIndex)
		r.Delete("/cache", s.handleCacheClear)
		r.Delete("/cache/{id}", s.handleCacheRemove)
		r.Post("/cache/sweep", s.handleCacheSweep)

		r.Get("/prefetch", s.handleListPrefetch)
		r.Post("/prefetch", s.handleEnqueuePrefetch)
		r.Get("/prefetch/{id}", s.handleGetPrefetch)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
		r.Get("/status", s.handleStatus)
	})

	r.NotFound(s.handleStatic)
	s.router = r
}

func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		}),
	)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.allowOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("%s %s -> %d (%s) req=%s", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond), middleware.GetReqID(r.Context()))
	})
}

// session returns the named navigation session, creating it on first use.
func (s *Server) session(name string) *pipeline.Session {
	if name == "" {
		name = defaultSessionName
	}
	return s.sessions.Get(name)
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if !s.uiEnabled || s.uiStaticDir == "" || strings.HasPrefix(r.URL.Path, "/api/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	rel := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	indexPath := filepath.Join(s.uiStaticDir, "index.html")

	if rel == "" || !strings.Contains(filepath.Base(rel), ".") {
		http.ServeFile(w, r, indexPath)
		return
	}

	filePath := filepath.Join(s.uiStaticDir, rel)
	if _, err := os.Stat(filePath); err != nil {
		// SPA fallback: non-existing static file path returns index
		http.ServeFile(w, r, indexPath)
		return
	}
	http.ServeFile(w, r, filePath)
}
