package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Long lived, kept outside the request timeout
	r.Get("/events/ws", s.HandleEvents)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		// Health check
		r.Get("/health", s.HandleHealth)
		r.Get("/", s.HandleRoot)

		// Auth routes (public)
		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", s.HandleLogin)
			r.Post("/refresh", s.HandleRefresh)
			r.With(s.authMiddleware).Get("/me", s.HandleGetCurrentUser)
		})

		// User administration
		r.Route("/users", func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Use(s.adminMiddleware)
			r.Get("/", s.HandleListUsers)
			r.Post("/", s.HandleCreateUser)
			r.Delete("/{id}", s.HandleDeleteUser)
		})

		// EVSEs
		r.Route("/evses", func(r chi.Router) {
			r.Get("/", s.HandleListEVSEs)
			r.With(s.authMiddleware).Post("/probe", s.HandleProbe)
			r.With(s.authMiddleware).Get("/known", s.HandleKnownEVSEs)

			r.Route("/{serial}", func(r chi.Router) {
				r.Get("/", s.HandleGetEVSE)

				r.Group(func(r chi.Router) {
					r.Use(s.authMiddleware)
					r.Post("/login", s.HandleEVSELogin)
					r.Post("/charge/start", s.HandleChargeStart)
					r.Post("/charge/stop", s.HandleChargeStop)
					r.Put("/max-current", s.HandleSetMaxCurrent)
					r.Put("/name", s.HandleSetName)
					r.Put("/offline-charge", s.HandleSetOfflineCharge)
					r.Post("/sync-time", s.HandleSyncTime)
					r.Delete("/", s.HandleForgetEVSE)
				})
			})
		})
	})
}
