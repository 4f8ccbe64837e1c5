package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/evsemaster/evse-controller/internal/models"
	"github.com/evsemaster/evse-controller/internal/storage"
	"github.com/evsemaster/evse-controller/pkg/crypto"
)

// UserCreator is the part of the store EnsureAdmin needs
type UserCreator interface {
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
}

// EnsureAdmin creates the administrator account when it does not exist yet.
// An existing account is left untouched.
func EnsureAdmin(ctx context.Context, users UserCreator, username, password string) error {
	if username == "" || password == "" {
		return nil
	}

	_, err := users.GetUserByUsername(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("look up admin user: %w", err)
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	user := &models.User{
		Username:     username,
		PasswordHash: hash,
		IsAdmin:      true,
		IsActive:     true,
	}
	if err := users.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	log.Info().Str("username", username).Msg("Admin user created")
	return nil
}
