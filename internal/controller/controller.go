package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/evsemaster/evse-controller/internal/evse"
	"github.com/evsemaster/evse-controller/internal/gateway"
	"github.com/evsemaster/evse-controller/internal/models"
	"github.com/evsemaster/evse-controller/internal/storage"
	"github.com/evsemaster/evse-controller/pkg/crypto"
	"github.com/evsemaster/evse-controller/pkg/emproto"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrStartCooldown = errors.New("charge start refused during cooldown")
)

// Transport is the session table the controller drives. The gateway
// Communicator implements it.
type Transport interface {
	Session(serial emproto.Serial) (*evse.Session, bool)
	Sessions() []*evse.Session
	Subscribe(h gateway.Handler) func()
	Probe(ctx context.Context) error
}

// Options configure a Controller
type Options struct {
	// StartCooldown blocks charge starts for this long after a successful
	// stop. Zero disables it.
	StartCooldown time.Duration
	// PasswordKey seals device passwords at rest. Without a key passwords
	// are not remembered.
	PasswordKey []byte
	Now         func() time.Time
}

// Status is a snapshot enriched with controller state
type Status struct {
	evse.Snapshot
	Status            string  `json:"status"`
	CooldownRemaining float64 `json:"cooldown_remaining_seconds"`
}

// KnownDevice is a stored EVSE with its live connection state
type KnownDevice struct {
	*models.Device
	Online         bool `json:"online"`
	PasswordStored bool `json:"has_password"`
}

type job struct {
	serial   emproto.Serial
	restore  bool
	password []byte

	// forget deletes the stored device and reports on done
	forget bool
	done   chan error
}

// Controller is the application layer over the gateway. It applies charging
// policy, persists devices and logs in known devices on discovery.
type Controller struct {
	transport Transport
	store     storage.Store
	opts      Options

	jobs chan job

	mu        sync.Mutex
	lastStop  map[emproto.Serial]time.Time
	autoLogin map[emproto.Serial]bool
}

// New creates a controller. Start must run for persistence and auto-login.
func New(transport Transport, store storage.Store, opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		transport: transport,
		store:     store,
		opts:      opts,
		jobs:      make(chan job, 256),
		lastStop:  make(map[emproto.Serial]time.Time),
		autoLogin: make(map[emproto.Serial]bool),
	}
}

// Start subscribes to gateway events and runs the persistence worker until
// ctx is done
func (c *Controller) Start(ctx context.Context) error {
	unsubscribe := c.transport.Subscribe(c.handleEvent)
	defer unsubscribe()

	known, err := c.store.ListDevices(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list known EVSEs")
	}

	log.Info().
		Dur("start_cooldown", c.opts.StartCooldown).
		Bool("remember_passwords", c.opts.PasswordKey != nil).
		Int("known_evses", len(known)).
		Msg("Controller started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-c.jobs:
			c.process(ctx, j)
		}
	}
}

// Subscribe forwards gateway events to h
func (c *Controller) Subscribe(h gateway.Handler) func() {
	return c.transport.Subscribe(h)
}

// Probe broadcasts a login request so devices announce themselves
func (c *Controller) Probe(ctx context.Context) error {
	return c.transport.Probe(ctx)
}

func (c *Controller) handleEvent(ev gateway.Event) {
	switch ev.Type {
	case gateway.EventDiscovered:
		c.enqueue(job{serial: ev.Serial, restore: true})
	case gateway.EventOnline:
		if !ev.Snapshot.LoggedIn {
			c.enqueue(job{serial: ev.Serial, restore: true})
		} else {
			c.enqueue(job{serial: ev.Serial})
		}
	case gateway.EventLoggedIn, gateway.EventConfig, gateway.EventAddressChanged, gateway.EventOffline:
		c.enqueue(job{serial: ev.Serial})
	}
}

func (c *Controller) enqueue(j job) {
	select {
	case c.jobs <- j:
	default:
		log.Warn().Str("serial", j.serial.String()).Msg("Controller queue full, dropping update")
	}
}

func (c *Controller) process(ctx context.Context, j job) {
	if j.forget {
		j.done <- c.forget(ctx, j.serial)
		return
	}

	s, ok := c.transport.Session(j.serial)
	if !ok {
		return
	}
	logger := log.With().Str("serial", j.serial.String()).Logger()

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to begin transaction")
		return
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	dev, err := tx.GetDevice(ctx, j.serial)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		dev = &models.Device{Serial: j.serial}
	case err != nil:
		logger.Error().Err(err).Msg("Failed to load device")
		return
	}

	if j.restore && !dev.CreatedAt.IsZero() {
		s.Restore(infoFromDevice(dev), configFromDevice(dev))
		c.maybeAutoLogin(ctx, s, dev)
	}

	applySnapshot(dev, s.Snapshot())
	if j.password != nil {
		dev.PasswordCipher = j.password
	}

	if err := tx.SaveDevice(ctx, dev); err != nil {
		logger.Error().Err(err).Msg("Failed to save device")
		return
	}
	if err := tx.Commit(); err != nil {
		logger.Error().Err(err).Msg("Failed to commit device")
		return
	}
	committed = true
}

func (c *Controller) forget(ctx context.Context, serial emproto.Serial) error {
	err := c.store.DeleteDevice(ctx, serial)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w", serial, ErrUnknownDevice)
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.lastStop, serial)
	c.mu.Unlock()

	log.Info().Str("serial", serial.String()).Msg("EVSE forgotten")
	return nil
}

// Forget deletes a stored EVSE and its remembered password. It runs on the
// persistence worker, so Start must be running. A device that is still
// online is stored again on its next event.
func (c *Controller) Forget(ctx context.Context, serial emproto.Serial) error {
	done := make(chan error, 1)
	select {
	case c.jobs <- job{serial: serial, forget: true, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// KnownDevices lists every stored EVSE, including ones not seen since start
func (c *Controller) KnownDevices(ctx context.Context) ([]KnownDevice, error) {
	devices, err := c.store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	known := make([]KnownDevice, 0, len(devices))
	for _, dev := range devices {
		k := KnownDevice{Device: dev, PasswordStored: dev.HasPassword()}
		if s, ok := c.transport.Session(dev.Serial); ok {
			k.Online = s.Online()
		}
		known = append(known, k)
	}
	return known, nil
}

func (c *Controller) maybeAutoLogin(ctx context.Context, s *evse.Session, dev *models.Device) {
	if s.LoggedIn() || !dev.HasPassword() || c.opts.PasswordKey == nil {
		return
	}

	password, err := crypto.OpenString(c.opts.PasswordKey, dev.PasswordCipher)
	if err != nil {
		log.Warn().Err(err).Str("serial", dev.Serial.String()).Msg("Stored password unreadable")
		return
	}

	c.mu.Lock()
	if c.autoLogin[dev.Serial] {
		c.mu.Unlock()
		return
	}
	c.autoLogin[dev.Serial] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.autoLogin, dev.Serial)
			c.mu.Unlock()
		}()
		if err := s.Login(ctx, password); err != nil {
			log.Warn().Err(err).Str("serial", dev.Serial.String()).Msg("Auto login failed")
			return
		}
		log.Info().Str("serial", dev.Serial.String()).Msg("Auto login succeeded")
	}()
}

func (c *Controller) session(serial emproto.Serial) (*evse.Session, error) {
	s, ok := c.transport.Session(serial)
	if !ok {
		return nil, fmt.Errorf("%s: %w", serial, ErrUnknownDevice)
	}
	return s, nil
}

// Login authenticates with password and remembers it when a key is set
func (c *Controller) Login(ctx context.Context, serial emproto.Serial, password string) error {
	s, err := c.session(serial)
	if err != nil {
		return err
	}
	if err := s.Login(ctx, password); err != nil {
		return err
	}

	if c.opts.PasswordKey != nil {
		sealed, err := crypto.SealString(c.opts.PasswordKey, password)
		if err != nil {
			log.Error().Err(err).Str("serial", serial.String()).Msg("Failed to seal password")
			return nil
		}
		c.enqueue(job{serial: serial, password: sealed})
	}
	return nil
}

// StartCharge starts charging unless a stop succeeded within the cooldown
func (c *Controller) StartCharge(ctx context.Context, serial emproto.Serial, opts evse.ChargeOptions) error {
	s, err := c.session(serial)
	if err != nil {
		return err
	}
	if remaining := c.CooldownRemaining(serial); remaining > 0 {
		return fmt.Errorf("%w: %s remaining", ErrStartCooldown, remaining.Round(time.Second))
	}
	return s.ChargeStart(ctx, opts)
}

// StopCharge stops charging. Stops are never refused by the cooldown.
func (c *Controller) StopCharge(ctx context.Context, serial emproto.Serial) error {
	s, err := c.session(serial)
	if err != nil {
		return err
	}
	if err := s.ChargeStop(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastStop[serial] = c.opts.Now()
	c.mu.Unlock()
	return nil
}

// CooldownRemaining is the time until a charge start is allowed again
func (c *Controller) CooldownRemaining(serial emproto.Serial) time.Duration {
	if c.opts.StartCooldown <= 0 {
		return 0
	}

	c.mu.Lock()
	stopped, ok := c.lastStop[serial]
	c.mu.Unlock()
	if !ok {
		return 0
	}

	remaining := c.opts.StartCooldown - c.opts.Now().Sub(stopped)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SetMaxCurrent writes the configured output current
func (c *Controller) SetMaxCurrent(ctx context.Context, serial emproto.Serial, amps int) error {
	s, err := c.session(serial)
	if err != nil {
		return err
	}
	if err := s.SetMaxCurrent(ctx, amps); err != nil {
		return err
	}
	c.enqueue(job{serial: serial})
	return nil
}

// SetName writes the display name
func (c *Controller) SetName(ctx context.Context, serial emproto.Serial, name string) error {
	s, err := c.session(serial)
	if err != nil {
		return err
	}
	if err := s.SetName(ctx, name); err != nil {
		return err
	}
	c.enqueue(job{serial: serial})
	return nil
}

// SetOfflineCharge writes the offline charge policy
func (c *Controller) SetOfflineCharge(ctx context.Context, serial emproto.Serial, enabled bool) error {
	s, err := c.session(serial)
	if err != nil {
		return err
	}
	if err := s.SetOfflineCharge(ctx, enabled); err != nil {
		return err
	}
	c.enqueue(job{serial: serial})
	return nil
}

// SyncTime sets the device clock and returns the time it reports
func (c *Controller) SyncTime(ctx context.Context, serial emproto.Serial) (time.Time, error) {
	s, err := c.session(serial)
	if err != nil {
		return time.Time{}, err
	}
	return s.SyncTime(ctx)
}

// Status returns the current view of one device
func (c *Controller) Status(serial emproto.Serial) (Status, error) {
	s, err := c.session(serial)
	if err != nil {
		return Status{}, err
	}
	return c.status(s), nil
}

// Statuses returns every known device ordered by serial
func (c *Controller) Statuses() []Status {
	sessions := c.transport.Sessions()
	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, c.status(s))
	}
	return out
}

func (c *Controller) status(s *evse.Session) Status {
	snap := s.Snapshot()
	return Status{
		Snapshot:          snap,
		Status:            snap.Status(),
		CooldownRemaining: c.CooldownRemaining(s.Serial()).Seconds(),
	}
}
