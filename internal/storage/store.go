package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/evsemaster/evse-controller/internal/models"
	"github.com/evsemaster/evse-controller/pkg/emproto"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// User methods
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error
	DeleteUser(ctx context.Context, id uuid.UUID) error
	ListUsers(ctx context.Context, limit, offset int) ([]*models.User, int64, error)

	// Device methods
	SaveDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, serial emproto.Serial) (*models.Device, error)
	ListDevices(ctx context.Context) ([]*models.Device, error)
	DeleteDevice(ctx context.Context, serial emproto.Serial) error

	// Close the store
	Close() error
}
