package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evsemaster/evse-controller/internal/models"
	"github.com/evsemaster/evse-controller/pkg/emproto"
)

// MemoryStore keeps everything in process memory. It is used when no
// database is configured and by tests. Transactions are no-ops.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[uuid.UUID]*models.User
	devices map[emproto.Serial]*models.Device
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[uuid.UUID]*models.User),
		devices: make(map[emproto.Serial]*models.Device),
	}
}

// BeginTx returns the store itself
func (s *MemoryStore) BeginTx(ctx context.Context) (Store, error) {
	return s, nil
}

// Commit is a no-op
func (s *MemoryStore) Commit() error { return nil }

// Rollback is a no-op
func (s *MemoryStore) Rollback() error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

func copyUser(u *models.User) *models.User {
	c := *u
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		c.LastLoginAt = &t
	}
	if u.Settings != nil {
		c.Settings = make(models.Variables, len(u.Settings))
		for k, v := range u.Settings {
			c.Settings[k] = v
		}
	}
	return &c
}

// CreateUser creates a new user
func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Username == user.Username {
			return ErrDuplicateKey
		}
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if _, ok := s.users[user.ID]; ok {
		return ErrDuplicateKey
	}

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	s.users[user.ID] = copyUser(user)
	return nil
}

// GetUser gets a user by ID
func (s *MemoryStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

// GetUserByUsername gets a user by username
func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Username == username {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

// UpdateUser updates a user
func (s *MemoryStore) UpdateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; !ok {
		return ErrNotFound
	}
	for id, u := range s.users {
		if id != user.ID && u.Username == user.Username {
			return ErrDuplicateKey
		}
	}

	user.UpdatedAt = time.Now()
	s.users[user.ID] = copyUser(user)
	return nil
}

// DeleteUser deletes a user
func (s *MemoryStore) DeleteUser(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return ErrNotFound
	}
	delete(s.users, id)
	return nil
}

// ListUsers lists users, newest first
func (s *MemoryStore) ListUsers(ctx context.Context, limit, offset int) ([]*models.User, int64, error) {
	s.mu.RLock()
	all := make([]*models.User, 0, len(s.users))
	for _, u := range s.users {
		all = append(all, copyUser(u))
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func copyDevice(d *models.Device) *models.Device {
	c := *d
	if d.OfflineCharge != nil {
		v := *d.OfflineCharge
		c.OfflineCharge = &v
	}
	if d.FirstSeenAt != nil {
		t := *d.FirstSeenAt
		c.FirstSeenAt = &t
	}
	if d.LastSeenAt != nil {
		t := *d.LastSeenAt
		c.LastSeenAt = &t
	}
	c.PasswordCipher = append([]byte(nil), d.PasswordCipher...)
	if d.Metadata != nil {
		c.Metadata = make(models.Variables, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// SaveDevice inserts or updates a device
func (s *MemoryStore) SaveDevice(ctx context.Context, device *models.Device) error {
	if device.Serial.IsZero() {
		return fmt.Errorf("%w: empty serial", ErrInvalidData)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if old, ok := s.devices[device.Serial]; ok {
		device.CreatedAt = old.CreatedAt
		if old.FirstSeenAt != nil {
			t := *old.FirstSeenAt
			device.FirstSeenAt = &t
		}
	} else if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	s.devices[device.Serial] = copyDevice(device)
	return nil
}

// GetDevice gets a device by serial
func (s *MemoryStore) GetDevice(ctx context.Context, serial emproto.Serial) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[serial]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDevice(d), nil
}

// ListDevices lists every known device ordered by serial
func (s *MemoryStore) ListDevices(ctx context.Context) ([]*models.Device, error) {
	s.mu.RLock()
	devices := make([]*models.Device, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, copyDevice(d))
	}
	s.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Serial.String() < devices[j].Serial.String()
	})
	return devices, nil
}

// DeleteDevice deletes a device
func (s *MemoryStore) DeleteDevice(ctx context.Context, serial emproto.Serial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[serial]; !ok {
		return ErrNotFound
	}
	delete(s.devices, serial)
	return nil
}
