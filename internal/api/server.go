// Package api serves the REST and WebSocket surface: job control, wanted
// browsing, provider and backend administration, config overrides, and the
// live event stream.
package api

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sublarr/internal/config"
	"sublarr/internal/events"
	"sublarr/internal/logging"
	"sublarr/internal/pipeline"
	"sublarr/internal/providers"
	"sublarr/internal/store"
	"sublarr/internal/translator"
	"sublarr/internal/wanted"
)

// JobQueue enqueues and cancels persistent jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, kind store.JobKind, videoPath, lang string, forced bool, payload any) (*store.Job, error)
	Cancel(ctx context.Context, id int64) (bool, error)
}

// Scanner triggers library reconciliation.
type Scanner interface {
	Reconcile(ctx context.Context, full bool) (wanted.ScanStats, error)
	ScanPath(ctx context.Context, videoPath string) (wanted.ScanStats, error)
}

// ProviderAdmin exposes the provider engine's administrative surface.
type ProviderAdmin interface {
	Providers(ctx context.Context) ([]providers.ProviderStatus, error)
	ResetProvider(ctx context.Context, name string) error
	CheckProvider(ctx context.Context, name string) error
}

// BackendAdmin exposes the translator engine's administrative surface.
type BackendAdmin interface {
	Backends(ctx context.Context) ([]translator.BackendStatus, error)
	CheckBackend(ctx context.Context, name string) error
}

// Extractor surfaces embedded subtitle tracks to disk.
type Extractor interface {
	ExtractEmbedded(ctx context.Context, videoPath, targetLang string, forced bool) (*pipeline.Outcome, error)
}

// Acquirer runs the full acquisition pipeline inline, for callers that want
// the outcome in the response instead of a job id.
type Acquirer interface {
	Acquire(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error)
}

// Server is the HTTP API. Build it with New and mount Handler.
type Server struct {
	store     *store.Store
	manager   *config.Manager
	bus       *events.Bus
	queue     JobQueue
	scanner   Scanner
	providers ProviderAdmin
	backends  BackendAdmin
	extractor Extractor
	acquirer  Acquirer
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	version   string
	started   time.Time

	token        string
	inboundDelay time.Duration
	router       chi.Router
	// schedule defers webhook processing; tests replace it to run inline.
	schedule func(d time.Duration, fn func())
}

// Options wires the server's collaborators.
type Options struct {
	Config    *config.Config
	Manager   *config.Manager
	Store     *store.Store
	Bus       *events.Bus
	Queue     JobQueue
	Scanner   Scanner
	Providers ProviderAdmin
	Backends  BackendAdmin
	Extractor Extractor
	Acquirer  Acquirer
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
	Version   string
}

// New builds the server and its route table.
func New(opts Options) *Server {
	s := &Server{
		store:     opts.Store,
		manager:   opts.Manager,
		bus:       opts.Bus,
		queue:     opts.Queue,
		scanner:   opts.Scanner,
		providers: opts.Providers,
		backends:  opts.Backends,
		extractor: opts.Extractor,
		acquirer:  opts.Acquirer,
		gatherer:  opts.Gatherer,
		logger:    logging.NewComponentLogger(opts.Logger, "api"),
		version:   opts.Version,
		started:   time.Now(),
		schedule: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
	if opts.Config != nil {
		s.token = strings.TrimSpace(opts.Config.Paths.APIToken)
		s.inboundDelay = time.Duration(opts.Config.Inbound.ProcessDelayMinutes) * time.Minute
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/health/detailed", s.handleHealthDetailed)
		r.Get("/status", s.handleStatus)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/translate", s.handleEnqueueTranslate)
			r.Post("/batch", s.handleEnqueueBatch)
			r.Get("/{id}", s.handleGetJob)
			r.Delete("/{id}", s.handleCancelJob)
		})

		r.Route("/wanted", func(r chi.Router) {
			r.Get("/", s.handleListWanted)
			r.Get("/stats", s.handleWantedStats)
			r.Post("/scan", s.handleWantedScan)
			r.Post("/{id}/search", s.handleWantedSearch)
			r.Post("/{id}/reset", s.handleWantedReset)
			r.Post("/{id}/ignore", s.handleWantedIgnore)
		})

		r.Get("/history", s.handleListHistory)

		r.Route("/profiles", func(r chi.Router) {
			r.Get("/", s.handleListProfiles)
			r.Post("/", s.handleSaveProfile)
			r.Get("/{id}", s.handleGetProfile)
			r.Delete("/{id}", s.handleDeleteProfile)
		})
		r.Put("/series/{key}/profile", s.handleAssignProfile)
		r.Delete("/series/{key}/profile", s.handleUnassignProfile)
		r.Get("/series/{key}/glossary", s.handleGetGlossary)
		r.Put("/series/{key}/glossary", s.handlePutGlossary)
		r.Delete("/series/{key}/glossary", s.handleDeleteGlossary)

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", s.handleListProviders)
			r.Post("/{name}/reset", s.handleResetProvider)
			r.Post("/{name}/check", s.handleCheckProvider)
			r.Post("/{name}/enable", s.componentEnable(store.HealthProvider))
			r.Post("/{name}/disable", s.componentDisable(store.HealthProvider))
		})
		r.Route("/backends", func(r chi.Router) {
			r.Get("/", s.handleListBackends)
			r.Post("/{name}/check", s.handleCheckBackend)
			r.Post("/{name}/enable", s.componentEnable(store.HealthBackend))
			r.Post("/{name}/disable", s.componentDisable(store.HealthBackend))
		})

		r.Get("/config", s.handleGetConfig)
		r.Put("/config", s.handlePutConfig)

		r.Post("/translate/sync", s.handleTranslateSync)
		r.Post("/extract", s.handleExtract)
		r.Post("/webhook/{source}", s.handleWebhook)
		r.Get("/events", s.handleEvents)
	})
	return r
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			logging.Args(
				logging.String("method", r.Method),
				logging.String(logging.FieldPath, r.URL.Path),
				logging.Int("status", rec.status),
				logging.Duration("elapsed", time.Since(start)),
				logging.String("request_id", requestIDFrom(r.Context())),
			)...)
	})
}

// requireToken enforces the API token when one is configured. WebSocket
// clients may pass it as a query parameter since browsers cannot set
// headers on upgrade requests.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" || s.presentedToken(r) == s.token {
			next.ServeHTTP(w, r)
			return
		}
		s.writeError(w, http.StatusUnauthorized, "invalid or missing api token")
	})
}

func (s *Server) presentedToken(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("apikey")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	db, err := s.store.CheckHealth(ctx)
	if err != nil {
		s.respondError(w, err)
		return
	}
	payload := map[string]any{
		"status":   "ok",
		"database": db,
	}
	if s.providers != nil {
		if list, err := s.providers.Providers(ctx); err == nil {
			payload["providers"] = list
		}
	}
	if s.backends != nil {
		if list, err := s.backends.Backends(ctx); err == nil {
			payload["backends"] = list
		}
	}
	if stats, err := s.store.JobStats(ctx); err == nil {
		payload["jobs"] = stats
	}
	if stats, err := s.store.WantedStats(ctx); err == nil {
		payload["wanted"] = stats
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobs, _ := s.store.JobStats(ctx)
	wantedStats, _ := s.store.WantedStats(ctx)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":        s.version,
		"pid":            os.Getpid(),
		"started_at":     s.started.UTC(),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"database_path":  s.store.Path(),
		"jobs":           jobs,
		"wanted":         wantedStats,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack keeps WebSocket upgrades working through the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
