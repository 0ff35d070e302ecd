package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth"
	"github.com/go-chi/render"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/registry"
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/sync"
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/tasks"
)

// RouterConfig carries the dependencies the HTTP surface is assembled from
type RouterConfig struct {
	Service  pulpdocker.Service
	Store    pulpdocker.Store
	Runner   *tasks.Runner
	Syncer   *sync.Syncer
	Registry *registry.Handler

	// AuthSecret enables bearer authentication on the management API when
	// non-empty. The registry read API stays open either way.
	AuthSecret string

	// MetricsHandler serves /metrics when set
	MetricsHandler http.Handler

	Version string
}

// NewRouter assembles the full HTTP surface: the registry read API under
// /v2/ and the management API under /pulp/api/v3/.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.StripSlashes)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		render.JSON(w, req, map[string]string{"status": "ok"})
	})

	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	r.Mount("/v2", cfg.Registry.Routes())

	r.Route(Prefix, func(r chi.Router) {
		if cfg.AuthSecret != "" {
			tokenAuth := jwtauth.New("HS256", []byte(cfg.AuthSecret), nil)
			r.Use(jwtauth.Verifier(tokenAuth))
			r.Use(jwtauth.Authenticator)
		}

		r.Get("/status", statusHandler(cfg.Version))

		r.Mount("/repositories", NewRepositoryHandler(cfg.Service, cfg.Runner).Routes())
		r.Mount("/content/docker", NewContentHandler(cfg.Service).Routes())
		r.Mount("/docker", NewTaggingHandler(cfg.Service, cfg.Runner).Routes())
		r.Mount("/docker-distributions", NewDistributionHandler(cfg.Service, cfg.Runner).Routes())
		r.Mount("/remotes/docker", NewRemoteHandler(cfg.Service, cfg.Syncer, cfg.Runner).Routes())
		r.Mount("/tasks", NewTaskHandler(cfg.Store).Routes())
	})

	return r
}

func statusHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]interface{}{
			"versions": []map[string]string{
				{"component": "pulp-docker", "version": version},
			},
			"registry_api": "/v2/",
			"api":          Prefix + "/",
		})
	}
}
