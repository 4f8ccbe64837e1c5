package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

const passwordEnv = "EVSECTL_PASSWORD"

// PasswordBook remembers device passwords by serial
type PasswordBook struct {
	path      string
	Passwords map[string]string `yaml:"passwords"`
}

func defaultPasswordFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".evsectl.yml"
	}
	return filepath.Join(home, ".evsectl.yml")
}

// LoadPasswordBook reads path. A missing file yields an empty book.
func LoadPasswordBook(path string) (*PasswordBook, error) {
	book := &PasswordBook{path: path, Passwords: map[string]string{}}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return book, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read password file: %w", err)
	}

	if err := yaml.Unmarshal(data, book); err != nil {
		return nil, fmt.Errorf("failed to parse password file: %w", err)
	}
	if book.Passwords == nil {
		book.Passwords = map[string]string{}
	}
	return book, nil
}

// Get returns the stored password for serial
func (b *PasswordBook) Get(serial string) (string, bool) {
	pw, ok := b.Passwords[strings.ToLower(serial)]
	return pw, ok
}

// Set records a password. Call Save to persist it.
func (b *PasswordBook) Set(serial, password string) {
	b.Passwords[strings.ToLower(serial)] = password
}

// Save writes the book with owner-only permissions
func (b *PasswordBook) Save() error {
	data, err := yaml.Marshal(b)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(b.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return os.WriteFile(b.path, data, 0o600)
}

// ParsePasswordArgs splits serial=password arguments
func ParsePasswordArgs(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		serial, password, ok := strings.Cut(arg, "=")
		if !ok || serial == "" {
			return nil, fmt.Errorf("expected serial=password, got %q", arg)
		}
		out[strings.ToLower(serial)] = password
	}
	return out, nil
}

// readPassword takes the password from the environment or prompts for it
func readPassword(serial string) (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}

	fmt.Fprintf(os.Stderr, "Password for %s: ", serial)

	if term.IsTerminal(int(syscall.Stdin)) {
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}
