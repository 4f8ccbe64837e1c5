package evse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/evsemaster/evse-controller/pkg/emproto"
)

// fallbackRatedCurrent is assumed when the device never reported its rating
const fallbackRatedCurrent = 32

// ChargeOptions tune a charge start. Zero Amps selects the default current.
type ChargeOptions struct {
	Amps        int
	SinglePhase bool
}

// Login performs the two-step handshake with password
func (s *Session) Login(ctx context.Context, password string) error {
	logger := log.With().Str("serial", s.serial.String()).Logger()

	s.mu.Lock()
	s.loggedIn = false
	s.loggingIn = true
	s.lastLogin = time.Time{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.loggingIn = false
		s.mu.Unlock()
	}()

	pw := emproto.NewPassword(password)

	s.expectResponse(emproto.CmdLoginResponse, emproto.CmdPasswordError)
	if err := s.send(ctx, &emproto.Datagram{Password: pw, Record: &emproto.RequestLogin{}}); err != nil {
		return fmt.Errorf("send login request: %w", err)
	}
	logger.Debug().Msg("Login request sent")

	rec, err := s.awaitResponse(ctx, s.settings.LoginTimeout, emproto.CmdLoginResponse, emproto.CmdPasswordError)
	if err != nil {
		logger.Warn().Err(err).Msg("No login response")
		return fmt.Errorf("login: %w", err)
	}
	if rec.Command() == emproto.CmdPasswordError {
		logger.Warn().Msg("Password rejected")
		return ErrPasswordRejected
	}

	if resp, ok := rec.(*emproto.LoginResponse); ok && resp.HasInfo {
		s.ApplyLogin(resp.DeviceInfo)
	}

	s.mu.Lock()
	s.password = pw
	s.mu.Unlock()

	if err := s.send(ctx, &emproto.Datagram{Password: pw, Record: &emproto.LoginConfirm{}}); err != nil {
		return fmt.Errorf("send login confirm: %w", err)
	}

	s.MarkLoggedIn()
	logger.Info().Msg("Logged in")

	if err := s.FetchConfig(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to request configuration")
	}

	return nil
}

// FetchConfig asks for firmware details and the configured current. The
// replies are applied by the dispatch loop.
func (s *Session) FetchConfig(ctx context.Context) error {
	if err := s.send(ctx, &emproto.Datagram{Record: &emproto.GetVersion{}}); err != nil {
		return fmt.Errorf("request version: %w", err)
	}
	if err := s.send(ctx, &emproto.Datagram{Record: emproto.NewOutputCurrentGet()}); err != nil {
		return fmt.Errorf("request output current: %w", err)
	}
	return nil
}

// DefaultCurrent returns the current used when a start carries none: the
// confirmed configured limit, else the lesser of the rating and the safe
// default.
func (s *Session) DefaultCurrent() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.config.MaxCurrent != 0 {
		return int(s.config.MaxCurrent)
	}

	rated := int(s.info.MaxCurrent)
	if rated == 0 {
		rated = fallbackRatedCurrent
	}
	if rated < s.settings.DefaultCurrent {
		return rated
	}
	return s.settings.DefaultCurrent
}

func (s *Session) requireLogin() error {
	if !s.LoggedIn() {
		return fmt.Errorf("%s: %w", s.serial, ErrNotLoggedIn)
	}
	return nil
}

// ChargeStart sends a charge start. Success means the command was sent.
func (s *Session) ChargeStart(ctx context.Context, opts ChargeOptions) error {
	if err := s.requireLogin(); err != nil {
		return err
	}

	amps := opts.Amps
	if amps == 0 {
		amps = s.DefaultCurrent()
	}
	if err := emproto.ValidateCurrent(amps); err != nil {
		return err
	}

	logger := log.With().Str("serial", s.serial.String()).Int("amps", amps).Logger()
	if opts.SinglePhase {
		logger.Warn().Msg("Single phase request is not carried by the charge start record")
	}

	rec := &emproto.ChargeStart{
		LineID:          1,
		UserID:          s.settings.UserID,
		ChargeID:        newChargeID(),
		ReservationDate: s.settings.Now(),
		StartType:       1,
		ChargeType:      1,
		MaxDuration:     emproto.Unlimited,
		MaxEnergy:       emproto.Unlimited,
		Param3:          emproto.Unlimited,
		MaxCurrent:      byte(amps),
	}
	if err := s.send(ctx, &emproto.Datagram{Record: rec}); err != nil {
		return fmt.Errorf("send charge start: %w", err)
	}

	logger.Info().Str("charge_id", rec.ChargeID).Msg("Charge start sent")
	return nil
}

func newChargeID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// ChargeStop sends a charge stop. Success means the command was sent.
func (s *Session) ChargeStop(ctx context.Context) error {
	if err := s.requireLogin(); err != nil {
		return err
	}

	if err := s.send(ctx, &emproto.Datagram{Record: &emproto.ChargeStop{}}); err != nil {
		return fmt.Errorf("send charge stop: %w", err)
	}

	log.Info().Str("serial", s.serial.String()).Msg("Charge stop sent")
	return nil
}

// SetMaxCurrent writes the maximum output current and waits for the device
// to echo the same value
func (s *Session) SetMaxCurrent(ctx context.Context, amps int) error {
	if err := s.requireLogin(); err != nil {
		return err
	}
	if err := emproto.ValidateCurrent(amps); err != nil {
		return err
	}

	s.expectResponse(emproto.CmdOutputCurrentResponse)
	if err := s.send(ctx, &emproto.Datagram{Record: emproto.NewOutputCurrentSet(byte(amps))}); err != nil {
		return fmt.Errorf("send output current: %w", err)
	}

	rec, err := s.awaitResponse(ctx, s.settings.ResponseTimeout, emproto.CmdOutputCurrentResponse)
	if err != nil {
		return fmt.Errorf("set max current: %w", err)
	}

	resp, ok := rec.(*emproto.OutputCurrentResponse)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnexpectedResponse, rec)
	}
	if int(resp.Current) != amps {
		return fmt.Errorf("%w: requested %d A, device reports %d A", ErrUnexpectedResponse, amps, resp.Current)
	}

	s.mu.Lock()
	s.config.MaxCurrent = resp.Current
	s.mu.Unlock()

	log.Info().Str("serial", s.serial.String()).Int("amps", amps).Msg("Max current set")
	return nil
}

// SetName writes the display name and waits for the echo
func (s *Session) SetName(ctx context.Context, name string) error {
	if err := s.requireLogin(); err != nil {
		return err
	}

	rec := emproto.NewNickNameSet(name)
	if _, err := rec.MarshalBinary(); err != nil {
		return err
	}

	s.expectResponse(emproto.CmdNickNameResponse)
	if err := s.send(ctx, &emproto.Datagram{Record: rec}); err != nil {
		return fmt.Errorf("send nick name: %w", err)
	}

	reply, err := s.awaitResponse(ctx, s.settings.ResponseTimeout, emproto.CmdNickNameResponse)
	if err != nil {
		return fmt.Errorf("set name: %w", err)
	}

	resp, ok := reply.(*emproto.NickNameResponse)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnexpectedResponse, reply)
	}
	if resp.Name != name {
		return fmt.Errorf("%w: requested name %q, device reports %q", ErrUnexpectedResponse, name, resp.Name)
	}

	s.mu.Lock()
	s.config.Name = resp.Name
	s.mu.Unlock()
	return nil
}

// SyncTime sets the device clock to now and returns the time the device
// reports back
func (s *Session) SyncTime(ctx context.Context) (time.Time, error) {
	if err := s.requireLogin(); err != nil {
		return time.Time{}, err
	}

	s.expectResponse(emproto.CmdSystemTimeResponse)
	if err := s.send(ctx, &emproto.Datagram{Record: &emproto.SystemTime{Time: s.settings.Now()}}); err != nil {
		return time.Time{}, fmt.Errorf("send system time: %w", err)
	}

	rec, err := s.awaitResponse(ctx, s.settings.ResponseTimeout, emproto.CmdSystemTimeResponse)
	if err != nil {
		return time.Time{}, fmt.Errorf("sync time: %w", err)
	}
	resp, ok := rec.(*emproto.SystemTimeResponse)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %T", ErrUnexpectedResponse, rec)
	}
	return resp.Time, nil
}

// SetOfflineCharge writes the offline charge policy and waits for the echo
func (s *Session) SetOfflineCharge(ctx context.Context, enabled bool) error {
	if err := s.requireLogin(); err != nil {
		return err
	}

	s.expectResponse(emproto.CmdOffLineChargeResponse)
	if err := s.send(ctx, &emproto.Datagram{Record: &emproto.OffLineCharge{Enabled: enabled}}); err != nil {
		return fmt.Errorf("send offline charge: %w", err)
	}

	rec, err := s.awaitResponse(ctx, s.settings.ResponseTimeout, emproto.CmdOffLineChargeResponse)
	if err != nil {
		return fmt.Errorf("set offline charge: %w", err)
	}

	resp, ok := rec.(*emproto.OffLineChargeResponse)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnexpectedResponse, rec)
	}
	if resp.Enabled != enabled {
		return fmt.Errorf("%w: offline charge stays %t", ErrUnexpectedResponse, resp.Enabled)
	}

	s.ApplyOffLineCharge(resp)
	return nil
}

// RequestChargeRecord asks for a CurrentChargeRecord
func (s *Session) RequestChargeRecord(ctx context.Context) error {
	return s.send(ctx, &emproto.Datagram{Record: &emproto.RequestChargeStatusRecord{}})
}
