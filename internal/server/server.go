package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stayware/lodgemap/internal/auth"
	"github.com/stayware/lodgemap/internal/cleanup"
	"github.com/stayware/lodgemap/internal/export"
	"github.com/stayware/lodgemap/internal/handler"
	"github.com/stayware/lodgemap/internal/jobs"
	"github.com/stayware/lodgemap/internal/middleware"
	"github.com/stayware/lodgemap/internal/model"
	"github.com/stayware/lodgemap/internal/statuscache"
	"github.com/stayware/lodgemap/internal/storage"
	"github.com/stayware/lodgemap/internal/store"
	ws "github.com/stayware/lodgemap/internal/websocket"
)

// Config collects the export subsystem's tunables. Zero values fall back
// to the component defaults.
type Config struct {
	Pool    jobs.PoolConfig
	Cleanup cleanup.Config
	// SubmitLimit caps submissions per principal per SubmitWindow.
	SubmitLimit  int
	SubmitWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.SubmitLimit <= 0 {
		c.SubmitLimit = 10
	}
	if c.SubmitWindow <= 0 {
		c.SubmitWindow = time.Minute
	}
}

type Server struct {
	db          *sql.DB
	hub         *ws.Hub
	exportH     *handler.ExportHandler
	adminH      *handler.AdminHandler
	principals  *store.PrincipalStore
	rateLimiter *middleware.RateLimiter
	pool        *jobs.Pool
	sweeper     *cleanup.Sweeper
	cfg         Config
	logger      *slog.Logger
}

// New wires the export subsystem: stores over db, the engine catalog, the
// worker pool, scheduler, sweeper, and the HTTP handlers. cache may be nil
// when no Redis is configured.
func New(db *sql.DB, artifacts storage.Store, cache *statuscache.Cache, cfg Config, logger *slog.Logger) *Server {
	cfg.applyDefaults()

	hub := ws.NewHub(logger.With("component", "websocket"))
	jobStore := store.NewJobStore(db)
	hotelStore := store.NewHotelStore(db)
	principalStore := store.NewPrincipalStore(db)
	catalog := export.NewCatalog(hotelStore)

	// Every status transition refreshes the cache and feeds the ws hub,
	// whether a worker or the scheduler applied it.
	notify := func(job *model.ExportJob) {
		if cache != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			cache.Set(ctx, job)
			cancel()
		}
		hub.Broadcast(ws.JobStatus(job))
	}

	pool := jobs.NewPool(cfg.Pool, jobStore, catalog, artifacts, logger.With("component", "pool"), notify)
	scheduler := jobs.NewScheduler(jobStore, pool, artifacts, cache, logger.With("component", "scheduler"), notify)
	sweeper := cleanup.NewSweeper(cfg.Cleanup, jobStore, artifacts, logger.With("component", "cleanup"))

	return &Server{
		db:          db,
		hub:         hub,
		exportH:     handler.NewExportHandler(scheduler, logger.With("component", "export_handler")),
		adminH:      handler.NewAdminHandler(sweeper, logger.With("component", "admin_handler")),
		principals:  principalStore,
		rateLimiter: middleware.NewRateLimiter(),
		pool:        pool,
		sweeper:     sweeper,
		cfg:         cfg,
		logger:      logger,
	}
}

// Start launches the worker pool and the periodic cleanup loop.
func (s *Server) Start(ctx context.Context) {
	s.pool.Start(ctx)
	s.sweeper.Start(ctx)
}

// Stop drains in-flight exports and halts the cleanup loop.
func (s *Server) Stop() {
	s.pool.Stop()
	s.sweeper.Stop()
	s.rateLimiter.Cleanup()
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no auth required)
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.Handle("GET /metrics", promhttp.Handler())

	// API routes behind key auth
	apiMux := http.NewServeMux()
	s.registerAPIRoutes(apiMux)

	authMiddleware := middleware.APIKeyAuth(s.principals)
	outerMux.Handle("/api/", authMiddleware(apiMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/exports", s.submitLimited(s.exportH.Create))
	mux.HandleFunc("GET /api/exports", s.exportH.List)
	mux.HandleFunc("GET /api/exports/{id}", s.exportH.Get)
	mux.HandleFunc("POST /api/exports/{id}/cancel", s.exportH.Cancel)
	mux.HandleFunc("GET /api/exports/{id}/download", s.exportH.Download)

	mux.Handle("POST /api/admin/cleanup", middleware.RequireAdmin(http.HandlerFunc(s.adminH.Cleanup)))

	mux.HandleFunc("GET /api/ws", ws.Handle(s.hub, s.logger.With("component", "websocket")))
}

// submitLimited rate-limits submissions per principal, keyed by the
// authenticated key id rather than the network address.
func (s *Server) submitLimited(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		if p, ok := auth.FromContext(r.Context()); ok {
			return p.KeyID
		}
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, s.cfg.SubmitLimit, s.cfg.SubmitWindow)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}
