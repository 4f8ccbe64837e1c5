package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evsemaster/evse-controller/internal/config"
	"github.com/evsemaster/evse-controller/internal/storage"
)

func newTestManager(t *testing.T) (*JWTManager, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	if err := EnsureAdmin(context.Background(), store, "admin", "s3cret"); err != nil {
		t.Fatalf("EnsureAdmin() error = %v", err)
	}
	m := NewJWTManager(&config.JWTConfig{
		Secret:          "test-secret",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: time.Hour,
	}, store)
	return m, store
}

func TestLogin(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
		wantErr  error
	}{
		{"valid", "admin", "s3cret", nil},
		{"wrong password", "admin", "guess", ErrWrongPassword},
		{"unknown user", "nobody", "s3cret", ErrWrongPassword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t)
			user, pair, err := m.Login(context.Background(), tt.username, tt.password)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Login() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}

			claims, err := m.ValidateToken(pair.AccessToken)
			if err != nil {
				t.Fatalf("ValidateToken() error = %v", err)
			}
			if claims.UserID != user.ID || claims.Username != "admin" || !claims.IsAdmin {
				t.Errorf("claims = %+v", claims)
			}
		})
	}
}

func TestLogin_InactiveUser(t *testing.T) {
	m, store := newTestManager(t)
	user, _ := store.GetUserByUsername(context.Background(), "admin")
	user.IsActive = false
	if err := store.UpdateUser(context.Background(), user); err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}

	if _, _, err := m.Login(context.Background(), "admin", "s3cret"); !errors.Is(err, ErrInactiveUser) {
		t.Errorf("Login() error = %v, want ErrInactiveUser", err)
	}
}

func TestValidateToken_Rejects(t *testing.T) {
	m, _ := newTestManager(t)
	_, pair, err := m.Login(context.Background(), "admin", "s3cret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	other := NewJWTManager(&config.JWTConfig{Secret: "other", AccessTokenTTL: time.Minute}, nil)

	expired, _ := newTestManager(t)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	_, old, err := expired.Login(context.Background(), "admin", "s3cret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	tests := []struct {
		name  string
		m     *JWTManager
		token string
	}{
		{"garbage", m, "not-a-token"},
		{"refresh token as access token", m, pair.RefreshToken},
		{"wrong secret", other, pair.AccessToken},
		{"expired", m, old.AccessToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.m.ValidateToken(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestRefreshToken(t *testing.T) {
	m, _ := newTestManager(t)
	user, pair, err := m.Login(context.Background(), "admin", "s3cret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	fresh, err := m.RefreshToken(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	claims, err := m.ValidateToken(fresh.AccessToken)
	if err != nil || claims.UserID != user.ID || claims.Username != "admin" {
		t.Errorf("refreshed claims = %+v, %v", claims, err)
	}

	if _, err := m.RefreshToken(context.Background(), pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("RefreshToken(access token) error = %v, want ErrInvalidToken", err)
	}
}

func TestEnsureAdmin_KeepsExisting(t *testing.T) {
	_, store := newTestManager(t)
	if err := EnsureAdmin(context.Background(), store, "admin", "changed"); err != nil {
		t.Fatalf("EnsureAdmin() error = %v", err)
	}

	m := NewJWTManager(&config.JWTConfig{Secret: "x", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Minute}, store)
	if _, _, err := m.Login(context.Background(), "admin", "s3cret"); err != nil {
		t.Errorf("original password no longer works: %v", err)
	}

	users, total, err := store.ListUsers(context.Background(), 10, 0)
	if err != nil || total != 1 || len(users) != 1 {
		t.Errorf("ListUsers() = %d/%d, %v", len(users), total, err)
	}
}
