/*
server.go - HTTP router and middleware configuration

ROUTER: chi, with Logger/Recoverer/RequestID middleware and CORS for
local frontends.

ROUTE GROUPS:
  /api/clients/*   Registration, network, balances, reward history
  /api/rewards     Batch reward computation (sync or queued)
  /api/claims/*    Claim creation and review
  /api/policies/*  Policy management

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/clients", func(r chi.Router) {
			r.Post("/", h.CreateClient)
			r.Get("/{id}/network", h.GetNetwork)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/rewards", h.ListRewards)
		})

		r.Post("/rewards", h.ComputeRewards)

		r.Route("/claims", func(r chi.Router) {
			r.Post("/", h.CreateClaim)
			r.Post("/{id}/approve", h.ApproveClaim)
			r.Post("/{id}/reject", h.RejectClaim)
		})

		r.Route("/policies", func(r chi.Router) {
			r.Post("/", h.CreatePolicy)
			r.Post("/assignments", h.AssignPolicies)
			r.Post("/defaults", h.SetDefaultPolicies)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
