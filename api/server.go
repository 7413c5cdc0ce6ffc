/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend
  5. Auth:       Bearer JWT on every /api route (auth.go)

ROUTE GROUPS:
  /api/admin/*          Admin operations, role "admin"
  /api/me/*             Caller's own checklist and activities
  /api/contacts/*       Contact touches
  /api/leaderboard      Leaderboard snapshot

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: token verification
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries settings that shape the middleware stack.
type RouterOptions struct {
	// AllowedOrigins for CORS. Empty means the local dev frontends.
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Get("/leaderboard", h.Leaderboard)
		r.Post("/contacts/{id}/touch", h.TouchContact)

		r.Route("/me", func(r chi.Router) {
			r.Get("/tasks", h.MyTasks)
			r.Post("/activities", h.RecordActivity)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireRole(RoleAdmin))

			r.Post("/audit", h.RunAudit)
			r.Get("/audit/runs", h.ListAuditRuns)
			r.Post("/emails/send", h.SendEmail)
			r.Post("/reminders/sweep", h.SweepReminders)
			r.Post("/seed", h.ApplySeed)

			r.Get("/task-definitions", h.ListTaskDefinitions)
			r.Post("/task-definitions", h.SaveTaskDefinition)
			r.Get("/rules", h.ListRules)
			r.Post("/rules", h.SaveRule)
			r.Get("/program", h.GetProgram)
			r.Put("/program", h.PutProgram)

			r.Route("/participants", func(r chi.Router) {
				r.Get("/", h.ListParticipants)
				r.Post("/", h.EnrollParticipant)
				r.Post("/{id}/deactivate", h.DeactivateParticipant)
			})
		})
	})

	return r
}
