package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/evsemaster/evse-controller/internal/auth"
	"github.com/evsemaster/evse-controller/internal/config"
	"github.com/evsemaster/evse-controller/internal/controller"
	"github.com/evsemaster/evse-controller/internal/evse"
	"github.com/evsemaster/evse-controller/internal/gateway"
	"github.com/evsemaster/evse-controller/internal/storage"
	"github.com/evsemaster/evse-controller/internal/validation"
	"github.com/evsemaster/evse-controller/pkg/emproto"
)

// Controller is the device layer behind the API
type Controller interface {
	Login(ctx context.Context, serial emproto.Serial, password string) error
	StartCharge(ctx context.Context, serial emproto.Serial, opts evse.ChargeOptions) error
	StopCharge(ctx context.Context, serial emproto.Serial) error
	SetMaxCurrent(ctx context.Context, serial emproto.Serial, amps int) error
	SetName(ctx context.Context, serial emproto.Serial, name string) error
	SetOfflineCharge(ctx context.Context, serial emproto.Serial, enabled bool) error
	SyncTime(ctx context.Context, serial emproto.Serial) (time.Time, error)
	Status(serial emproto.Serial) (controller.Status, error)
	Statuses() []controller.Status
	Subscribe(h gateway.Handler) func()
	Probe(ctx context.Context) error
	KnownDevices(ctx context.Context) ([]controller.KnownDevice, error)
	Forget(ctx context.Context, serial emproto.Serial) error
}

// RESTServer represents the REST API server
type RESTServer struct {
	config    *config.Config
	store     storage.Store
	ctrl      Controller
	auth      *auth.JWTManager
	validator *validation.Validator
	router    chi.Router
	server    *http.Server
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, store storage.Store, ctrl Controller) *RESTServer {
	s := &RESTServer{
		config:    cfg,
		store:     store,
		ctrl:      ctrl,
		auth:      auth.NewJWTManager(&cfg.JWT, store),
		validator: validation.NewValidator(),
		router:    chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// Handler returns the root handler
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type contextKey string

const claimsKey contextKey = "claims"

// authMiddleware is the authentication middleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get token from header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		// Parse Bearer token
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		// Validate token
		claims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		// Add claims to context
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}
