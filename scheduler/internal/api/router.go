package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/kpipeline/kpipeline/scheduler/internal/metrics"
	"github.com/kpipeline/kpipeline/scheduler/internal/store"
)

// RouterConfig holds all dependencies needed to build the HTTP router,
// populated in cmd/scheduler/main.go once every component is wired.
type RouterConfig struct {
	Store          store.Store
	Dispatch       Dispatcher
	Logger         *zap.Logger
	SystemInfo     SystemInfo
	AllowedOrigins []string
	// Metrics, when set, mounts GET /metrics with the Prometheus exposition handler.
	Metrics *metrics.Metrics
}

// NewRouter builds the fully configured Chi router. Every route is
// registered at the relative path spec.md §6 names directly — there is
// no /api/v1 prefix and no auth layer, matching the core's facade
// framing ("not part of the core correctness proofs but required for
// operations").
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	jobs := NewJobHandler(cfg.Store, cfg.Dispatch, cfg.Logger)
	system := NewSystemHandler(cfg.Store, cfg.SystemInfo, cfg.Logger)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", jobs.List)
		r.Route("/{id:^[0-9a-f]{8}$}", func(r chi.Router) {
			r.Get("/", jobs.GetByID)
			r.Post("/abort", jobs.Abort)
			r.Post("/restart", jobs.Restart)
			r.Get("/log", jobs.GetLog)
			r.Get("/tags", jobs.ListTags)
			r.Get("/tags/{key}", jobs.GetTag)
			r.Post("/tags/{key}", jobs.SetTag)
		})
	})
	r.Post("/newJob", jobs.NewJob)
	r.Get("/tags", jobs.AllTags)
	r.Get("/search", jobs.Search)

	r.Get("/system/info", system.Info)
	r.Get("/system/displays/{display}", system.Display)

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	return r
}
