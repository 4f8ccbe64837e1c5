package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/evsemaster/evse-controller/internal/models"
	"github.com/evsemaster/evse-controller/internal/storage"
	"github.com/evsemaster/evse-controller/pkg/crypto"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// adminMiddleware rejects non-admin users. It must run after authMiddleware.
func (s *RESTServer) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFrom(r.Context())
		if claims == nil || !claims.IsAdmin {
			s.respondError(w, http.StatusForbidden, "admin required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// pagination reads limit and offset query parameters
func pagination(r *http.Request) (int, int) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

// HandleListUsers lists API users
func (s *RESTServer) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	users, total, err := s.store.ListUsers(r.Context(), limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list users")
		s.respondError(w, http.StatusInternalServerError, "failed to list users")
		return
	}

	if users == nil {
		users = []*models.User{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"users":  users,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// HandleCreateUser creates an API user
func (s *RESTServer) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username" validate:"required,min=3,max=64"`
		Password string `json:"password" validate:"required,min=6"`
		IsAdmin  bool   `json:"is_admin"`
	}

	if !s.decode(w, r, &req) {
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	user := &models.User{
		Username:     req.Username,
		PasswordHash: hash,
		IsAdmin:      req.IsAdmin,
		IsActive:     true,
	}
	err = s.store.CreateUser(r.Context(), user)
	switch {
	case errors.Is(err, storage.ErrDuplicateKey):
		s.respondError(w, http.StatusConflict, "username already exists")
		return
	case err != nil:
		log.Error().Err(err).Str("username", req.Username).Msg("Failed to create user")
		s.respondError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	log.Info().Str("username", user.Username).Bool("admin", user.IsAdmin).Msg("User created")
	s.respondJSON(w, http.StatusCreated, user)
}

// HandleDeleteUser deletes an API user. Users cannot delete themselves.
func (s *RESTServer) HandleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	if claims := claimsFrom(r.Context()); claims != nil && claims.UserID == id {
		s.respondError(w, http.StatusConflict, "cannot delete the current user")
		return
	}

	err = s.store.DeleteUser(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "user not found")
		return
	case err != nil:
		log.Error().Err(err).Str("user_id", id.String()).Msg("Failed to delete user")
		s.respondError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
