package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/evsemaster/evse-controller/internal/evse"
	"github.com/evsemaster/evse-controller/pkg/emproto"
)

func TestMatches(t *testing.T) {
	serial, err := emproto.ParseSerial("3041123456789abc")
	if err != nil {
		t.Fatal(err)
	}
	snap := evse.Snapshot{
		Info:   evse.Info{Serial: serial, Brand: "Besen", Model: "BS20"},
		Config: evse.Config{Name: "Garage"},
	}

	tests := []struct {
		keyword string
		want    bool
	}{
		{"", true},
		{"789abc", true},
		{"garage", true},
		{"GAR", true},
		{"besen bs20", true},
		{"bs20", true},
		{"driveway", false},
		{"besenbs20", false},
	}

	for _, tt := range tests {
		t.Run(tt.keyword, func(t *testing.T) {
			if got := matches(snap, tt.keyword); got != tt.want {
				t.Errorf("matches(%q) = %v, want %v", tt.keyword, got, tt.want)
			}
		})
	}
}

func TestParsePasswordArgs(t *testing.T) {
	got, err := ParsePasswordArgs([]string{"3041123456789ABC=123456", "0000000000000001="})
	if err != nil {
		t.Fatalf("ParsePasswordArgs() error = %v", err)
	}
	if got["3041123456789abc"] != "123456" {
		t.Errorf("password = %q, want 123456", got["3041123456789abc"])
	}
	if pw, ok := got["0000000000000001"]; !ok || pw != "" {
		t.Errorf("empty password = %q, %v", pw, ok)
	}

	for _, arg := range []string{"nopassword", "=123456"} {
		if _, err := ParsePasswordArgs([]string{arg}); err == nil {
			t.Errorf("ParsePasswordArgs(%q) expected error", arg)
		}
	}
}

func TestPasswordBook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "evsectl.yml")

	book, err := LoadPasswordBook(path)
	if err != nil {
		t.Fatalf("LoadPasswordBook() missing file error = %v", err)
	}
	if _, ok := book.Get("3041123456789abc"); ok {
		t.Fatal("empty book returned a password")
	}

	book.Set("3041123456789ABC", "654321")
	if err := book.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}

	loaded, err := LoadPasswordBook(path)
	if err != nil {
		t.Fatalf("LoadPasswordBook() error = %v", err)
	}
	if pw, ok := loaded.Get("3041123456789abc"); !ok || pw != "654321" {
		t.Errorf("Get() = %q, %v", pw, ok)
	}
}

func TestPasswordBook_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evsectl.yml")
	if err := os.WriteFile(path, []byte("passwords: [1, 2"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadPasswordBook(path)
	if err == nil || !strings.Contains(err.Error(), "parse") {
		t.Errorf("LoadPasswordBook() error = %v, want parse error", err)
	}
}

func TestReadPassword_Env(t *testing.T) {
	t.Setenv(passwordEnv, "112233")

	pw, err := readPassword("3041123456789abc")
	if err != nil || pw != "112233" {
		t.Errorf("readPassword() = %q, %v", pw, err)
	}
}
