package api

import (
	"context"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/baas-console/internal/views"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(newRateLimiter(s.rateLimit))

		// Health check (no session required)
		r.Get("/health", s.handleHealth)

		// Sign-in and sign-out (no session required)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/logout", s.handleLogout)

		// Signed-in members
		r.Group(func(r chi.Router) {
			r.Use(s.gate.Guard(s.memberRole))

			r.Get("/me", s.handleGetMe)
			r.Patch("/me", s.handleUpdateMe)
			r.Get("/tokens", s.handleTokens)
			r.Get("/ws", s.handleWebSocket)
		})

		// Collections, each with its own read and write roles
		for _, rr := range s.resources {
			s.mountResource(r, rr)
		}

		// Object storage
		r.Route("/files", func(r chi.Router) {
			r.With(s.gate.Guard(s.fileRead)).Get("/", s.handleListFiles)

			r.Group(func(r chi.Router) {
				r.Use(s.gate.Guard(s.fileWrite))
				r.Post("/", s.handleUploadFile)
				r.Delete("/{name}", s.handleDeleteFile)
			})
		})

		// Admin panel
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.gate.Guard(s.adminRole))

			r.Get("/panel", s.handleAdminPanel)
			r.Get("/audit", s.handleListAudit)
			r.Get("/metrics", s.handleMetrics)
		})
	})

	if s.views != nil {
		s.mountViews(r)
	}

	return r
}

// mountViews serves the console pages. The login and home pages and
// static assets are public; admin pages need the admin role and every
// other page the member role.
func (s *Server) mountViews(r chi.Router) {
	member := s.gate.Guard(s.memberRole)(s.views)
	admin := s.gate.Guard(s.adminRole)(s.views)

	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		p := path.Clean("/" + r.URL.Path)
		switch {
		case p == s.gateCfg.LoginPath, p == s.gateCfg.HomePath, views.IsAsset(p):
			s.views.ServeHTTP(w, r)
		case p == "/admin", strings.HasPrefix(p, "/admin/"):
			admin.ServeHTTP(w, r)
		default:
			member.ServeHTTP(w, r)
		}
	})
}

// mountResource adds the CRUD routes of one collection.
func (s *Server) mountResource(r chi.Router, rr resourceRoute) {
	h := &recordHandler{srv: s, route: rr}

	r.Route("/records/"+rr.cfg.Name, func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.gate.Guard(rr.read))
			r.Get("/", h.list)
			r.Get("/{id}", h.get)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.gate.Guard(rr.write))
			r.Post("/", h.create)
			r.Patch("/{id}", h.update)
			r.Delete("/{id}", h.delete)
		})
	})
}

// healthCheckTimeout bounds the checks made by one health request.
const healthCheckTimeout = 2 * time.Second

// handleHealth checks the database and the optional services. A failing
// database makes the console unavailable (503); a failing optional service
// only degrades it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := map[string]string{}
	run := func(name string, check func(context.Context) error, required bool) {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			s.logger.Warn("health check failed", "service", name, "error", err)
			if required {
				status, code = "unavailable", http.StatusServiceUnavailable
			} else if code == http.StatusOK {
				status = "degraded"
			}
			return
		}
		checks[name] = "ok"
	}

	if s.db != nil {
		run("database", s.db.HealthCheck, true)
	}
	if s.mqtt != nil {
		run("mqtt", s.mqtt.HealthCheck, false)
	}
	if s.influx != nil {
		run("influxdb", s.influx.HealthCheck, false)
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": s.version,
		"session": s.provider.State().Status.String(),
		"checks":  checks,
	})
}
