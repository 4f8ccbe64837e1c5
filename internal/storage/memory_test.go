package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evsemaster/evse-controller/internal/models"
	"github.com/evsemaster/evse-controller/pkg/emproto"
)

var testSerial = emproto.Serial{0x30, 0x41, 0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc}

// testStore runs the Store contract against s
func testStore(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("device upsert keeps first seen", func(t *testing.T) {
		first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		enabled := true
		dev := &models.Device{
			Serial:         testSerial,
			Brand:          "Besen",
			MaxCurrent:     32,
			Phases:         1,
			OfflineCharge:  &enabled,
			PasswordCipher: []byte{1, 2, 3},
			FirstSeenAt:    &first,
			LastSeenAt:     &first,
		}
		if err := s.SaveDevice(ctx, dev); err != nil {
			t.Fatalf("SaveDevice() error = %v", err)
		}

		later := first.Add(time.Hour)
		update := &models.Device{
			Serial:            testSerial,
			Brand:             "Besen",
			Name:              "garage",
			ConfiguredCurrent: 16,
			FirstSeenAt:       &later,
			LastSeenAt:        &later,
		}
		if err := s.SaveDevice(ctx, update); err != nil {
			t.Fatalf("SaveDevice() update error = %v", err)
		}

		got, err := s.GetDevice(ctx, testSerial)
		if err != nil {
			t.Fatalf("GetDevice() error = %v", err)
		}
		if got.Name != "garage" || got.ConfiguredCurrent != 16 {
			t.Errorf("device = %+v", got)
		}
		if got.FirstSeenAt == nil || !got.FirstSeenAt.Equal(first) {
			t.Errorf("FirstSeenAt = %v, want %s", got.FirstSeenAt, first)
		}
		if got.LastSeenAt == nil || !got.LastSeenAt.Equal(later) {
			t.Errorf("LastSeenAt = %v, want %s", got.LastSeenAt, later)
		}
	})

	t.Run("device list and delete", func(t *testing.T) {
		devices, err := s.ListDevices(ctx)
		if err != nil || len(devices) != 1 {
			t.Fatalf("ListDevices() = %d, %v", len(devices), err)
		}
		if err := s.DeleteDevice(ctx, testSerial); err != nil {
			t.Fatalf("DeleteDevice() error = %v", err)
		}
		if _, err := s.GetDevice(ctx, testSerial); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetDevice() after delete error = %v", err)
		}
		if err := s.DeleteDevice(ctx, testSerial); !errors.Is(err, ErrNotFound) {
			t.Errorf("second DeleteDevice() error = %v", err)
		}
	})

	t.Run("device without serial", func(t *testing.T) {
		if err := s.SaveDevice(ctx, &models.Device{}); !errors.Is(err, ErrInvalidData) {
			t.Errorf("SaveDevice() error = %v, want ErrInvalidData", err)
		}
	})

	t.Run("users", func(t *testing.T) {
		u := &models.User{Username: "admin", PasswordHash: "hash", IsActive: true}
		if err := s.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser() error = %v", err)
		}
		if err := s.CreateUser(ctx, &models.User{Username: "admin"}); !errors.Is(err, ErrDuplicateKey) {
			t.Errorf("duplicate CreateUser() error = %v", err)
		}

		got, err := s.GetUserByUsername(ctx, "admin")
		if err != nil || got.ID != u.ID {
			t.Fatalf("GetUserByUsername() = %v, %v", got, err)
		}

		got.IsAdmin = true
		if err := s.UpdateUser(ctx, got); err != nil {
			t.Fatalf("UpdateUser() error = %v", err)
		}
		again, err := s.GetUser(ctx, u.ID)
		if err != nil || !again.IsAdmin {
			t.Errorf("GetUser() = %+v, %v", again, err)
		}

		users, total, err := s.ListUsers(ctx, 10, 0)
		if err != nil || total != 1 || len(users) != 1 {
			t.Errorf("ListUsers() = %d/%d, %v", len(users), total, err)
		}

		if err := s.DeleteUser(ctx, u.ID); err != nil {
			t.Fatalf("DeleteUser() error = %v", err)
		}
		if _, err := s.GetUser(ctx, u.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetUser() after delete error = %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	dev := &models.Device{Serial: testSerial, Name: "garage"}
	if err := s.SaveDevice(ctx, dev); err != nil {
		t.Fatalf("SaveDevice() error = %v", err)
	}
	dev.Name = "changed"

	got, _ := s.GetDevice(ctx, testSerial)
	got.PasswordCipher = append(got.PasswordCipher, 9)

	again, _ := s.GetDevice(ctx, testSerial)
	if again.Name != "garage" || len(again.PasswordCipher) != 0 {
		t.Errorf("stored device changed through caller copy: %+v", again)
	}
}
