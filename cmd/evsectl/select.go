package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/evsemaster/evse-controller/internal/evse"
	"github.com/evsemaster/evse-controller/internal/gateway"
)

var errNoDevice = errors.New("no matching EVSE found")

// waitForDevice returns the first online session matching keyword
func waitForDevice(ctx context.Context, comm *gateway.Communicator, keyword string) (*evse.Session, error) {
	found := make(chan *evse.Session, 1)
	offer := func(s *evse.Session) {
		if !s.Online() || !matches(s.Snapshot(), keyword) {
			return
		}
		select {
		case found <- s:
		default:
		}
	}

	unsubscribe := comm.Subscribe(func(ev gateway.Event) {
		if s, ok := comm.Session(ev.Serial); ok {
			offer(s)
		}
	})
	defer unsubscribe()

	for _, s := range comm.Sessions() {
		offer(s)
	}

	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()

	select {
	case s := <-found:
		return s, nil
	case <-ctx.Done():
		if keyword != "" {
			return nil, fmt.Errorf("%w for %q", errNoDevice, keyword)
		}
		return nil, errNoDevice
	}
}

// ensureLogin logs in with the remembered password, prompting when none is
// stored or the stored one is rejected. Accepted passwords are saved.
func ensureLogin(ctx context.Context, s *evse.Session, book *PasswordBook) error {
	if s.LoggedIn() {
		return nil
	}

	serial := s.Serial().String()
	password, stored := book.Get(serial)
	if !stored {
		var err error
		if password, err = readPassword(serial); err != nil {
			return err
		}
	}

	err := s.Login(ctx, password)
	if errors.Is(err, evse.ErrPasswordRejected) && stored {
		log.Warn().Str("serial", serial).Msg("Stored password rejected")
		if password, err = readPassword(serial); err != nil {
			return err
		}
		err = s.Login(ctx, password)
	}
	if err != nil {
		return err
	}

	book.Set(serial, password)
	if err := book.Save(); err != nil {
		log.Warn().Err(err).Msg("Failed to save password file")
	}
	return nil
}

// withDevice starts a communicator, selects a device, logs in and runs fn
func withDevice(keyword string, fn func(ctx context.Context, s *evse.Session) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	book, err := LoadPasswordBook(passwordPath())
	if err != nil {
		return err
	}

	comm, err := startCommunicator(ctx)
	if err != nil {
		return err
	}
	defer comm.Close()

	s, err := waitForDevice(ctx, comm, keyword)
	if err != nil {
		return err
	}

	if err := ensureLogin(ctx, s, book); err != nil {
		return fmt.Errorf("login to %s failed: %w", s.Serial(), err)
	}
	return fn(ctx, s)
}

func passwordPath() string {
	if passwordFile != "" {
		return passwordFile
	}
	return defaultPasswordFile()
}
