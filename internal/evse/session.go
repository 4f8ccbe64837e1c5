package evse

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/evsemaster/evse-controller/pkg/emproto"
)

// Session errors
var (
	ErrNotLoggedIn        = errors.New("not logged in")
	ErrPasswordRejected   = errors.New("password rejected")
	ErrNoResponse         = errors.New("no response")
	ErrUnexpectedResponse = errors.New("unexpected response")
	ErrNotStarted         = errors.New("transport not started")
)

// Sender delivers a datagram to the device owning the session. The
// transport fills in the serial and the cached password when the datagram
// does not carry them.
type Sender interface {
	Send(ctx context.Context, s *Session, d *emproto.Datagram) error
}

// Settings tune the session timing and charge defaults
type Settings struct {
	OnlineWindow    time.Duration
	ReloginAfter    time.Duration
	LoginTimeout    time.Duration
	ResponseTimeout time.Duration
	DefaultCurrent  int
	UserID          string
	Now             func() time.Time
}

// DefaultSettings returns the protocol defaults
func DefaultSettings() Settings {
	return Settings{
		OnlineWindow:    30 * time.Second,
		ReloginAfter:    30 * time.Second,
		LoginTimeout:    3 * time.Second,
		ResponseTimeout: 5 * time.Second,
		DefaultCurrent:  16,
		UserID:          "emmgr",
		Now:             time.Now,
	}
}

// WithDefaults fills every zero field with its protocol default
func (cfg Settings) WithDefaults() Settings {
	def := DefaultSettings()
	if cfg.OnlineWindow <= 0 {
		cfg.OnlineWindow = def.OnlineWindow
	}
	if cfg.ReloginAfter <= 0 {
		cfg.ReloginAfter = def.ReloginAfter
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = def.LoginTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = def.ResponseTimeout
	}
	if cfg.DefaultCurrent <= 0 {
		cfg.DefaultCurrent = def.DefaultCurrent
	}
	if cfg.UserID == "" {
		cfg.UserID = def.UserID
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return cfg
}

// Session is the runtime state of one device, keyed by serial
type Session struct {
	serial   emproto.Serial
	sender   Sender
	settings Settings

	mu        sync.RWMutex
	addr      *net.UDPAddr
	info      Info
	config    Config
	state     *State
	charge    *CurrentCharge
	lastSeen  time.Time
	lastLogin time.Time
	password  emproto.Password
	loggedIn  bool
	loggingIn bool

	// Single response slot shared by every wait on this session
	slotMu sync.Mutex
	slot   emproto.Record
	expect []emproto.Command
	notify chan struct{}
}

// NewSession creates the session for a device first seen at addr
func NewSession(serial emproto.Serial, addr *net.UDPAddr, sender Sender, settings Settings) *Session {
	settings = settings.WithDefaults()
	s := &Session{
		serial:   serial,
		sender:   sender,
		settings: settings,
		addr:     addr,
		lastSeen: settings.Now(),
		notify:   make(chan struct{}),
	}
	s.info.Serial = serial
	s.info.Phases = 1
	if addr != nil {
		s.info.Address = addr.String()
	}
	return s
}

// Serial returns the device serial
func (s *Session) Serial() emproto.Serial {
	return s.serial
}

// Addr returns the last observed device address
func (s *Session) Addr() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Password returns the cached password of the last successful login
func (s *Session) Password() emproto.Password {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.password
}

// Touch records a frame received from addr. It reports whether the device
// address changed.
func (s *Session) Touch(addr *net.UDPAddr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSeen = s.settings.Now()
	if addr == nil || (s.addr != nil && s.addr.String() == addr.String()) {
		return false
	}
	s.addr = addr
	s.info.Address = addr.String()
	return true
}

func (s *Session) onlineLocked(now time.Time) bool {
	return now.Sub(s.lastSeen) < s.settings.OnlineWindow
}

// Online reports whether a frame arrived within the online window
func (s *Session) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onlineLocked(s.settings.Now())
}

// LoggedIn reports a valid login. A login is only valid while online.
func (s *Session) LoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggedIn && s.onlineLocked(s.settings.Now())
}

// MetaState returns the connection state
func (s *Session) MetaState() MetaState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metaStateLocked(s.settings.Now())
}

func (s *Session) metaStateLocked(now time.Time) MetaState {
	switch {
	case !s.onlineLocked(now):
		return StateOffline
	case s.loggingIn:
		return StateLoggingIn
	case !s.loggedIn:
		return StateNotLoggedIn
	default:
		return StateLoggedIn
	}
}

// NeedsRelogin reports a logged in session whose last active login is
// older than the relogin threshold
func (s *Session) NeedsRelogin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.settings.Now()
	if !s.loggedIn || s.loggingIn || !s.onlineLocked(now) || !s.password.Valid {
		return false
	}
	return !s.lastLogin.IsZero() && now.Sub(s.lastLogin) > s.settings.ReloginAfter
}

// Snapshot returns a copy of the session state
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.settings.Now()
	snap := Snapshot{
		Info:      s.info,
		Config:    s.config,
		Online:    s.onlineLocked(now),
		LoggedIn:  s.loggedIn && s.onlineLocked(now),
		MetaState: s.metaStateLocked(now),
		Display:   s.state.Display(),
		LastSeen:  s.lastSeen,
		LastLogin: s.lastLogin,
	}
	if s.config.OfflineCharge != nil {
		v := *s.config.OfflineCharge
		snap.Config.OfflineCharge = &v
	}
	if s.state != nil {
		st := *s.state
		st.Errors = append([]int{}, s.state.Errors...)
		snap.State = &st
	}
	if s.charge != nil {
		c := *s.charge
		snap.CurrentCharge = &c
	}
	return snap
}

// ApplyLogin copies the identity fields of a discovery broadcast or a login
// response carrying the identity block
func (s *Session) ApplyLogin(d emproto.DeviceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.info.Type = d.Type
	s.info.Brand = d.Brand
	s.info.Model = d.Model
	s.info.HardwareVersion = d.HardwareVersion
	if s.info.SoftwareVersion == "" {
		s.info.SoftwareVersion = d.HardwareVersion
	}
	s.info.MaxPower = d.MaxPower
	s.info.MaxCurrent = d.MaxCurrent
	s.info.HotLine = d.HotLine
	s.info.Phases = d.Phases()
}

// MarkLoggedIn flags the session as logged in after a confirmed handshake
func (s *Session) MarkLoggedIn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedIn = true
	s.lastLogin = s.settings.Now()
}

// RefreshLogin moves the last active login forward on a heartbeat
func (s *Session) RefreshLogin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLogin = s.settings.Now()
}

// ApplyStatus replaces the electrical state
func (s *Session) ApplyStatus(r *emproto.SingleACStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateFromStatus(r, s.settings.Now())
}

// ApplyChargingStatus merges a charging status push into the current charge
func (s *Session) ApplyChargingStatus(r *emproto.ChargingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.charge == nil {
		s.charge = &CurrentCharge{}
	}
	s.charge.applyChargingStatus(r, s.settings.Now())
}

// ApplyChargeRecord merges a charge record into the current charge
func (s *Session) ApplyChargeRecord(r *emproto.CurrentChargeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.charge == nil {
		s.charge = &CurrentCharge{}
	}
	s.charge.applyChargeRecord(r, s.settings.Now())
}

// ApplyOutputCurrent stores the maximum current echoed by the device
func (s *Session) ApplyOutputCurrent(r *emproto.OutputCurrentResponse) {
	if r.Current == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.MaxCurrent = r.Current
}

// ApplyVersion stores firmware information
func (s *Session) ApplyVersion(r *emproto.GetVersionResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.HardwareVersion != "" {
		s.info.HardwareVersion = r.HardwareVersion
	}
	s.info.SoftwareVersion = r.SoftwareVersion
	s.info.Feature = r.Feature
	s.info.SupportNew = r.SupportNew != 0
}

// ApplyNickName stores the name echoed by the device
func (s *Session) ApplyNickName(r *emproto.NickNameResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Name = r.Name
}

// ApplyOffLineCharge stores the offline charge policy echoed by the device
func (s *Session) ApplyOffLineCharge(r *emproto.OffLineChargeResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := r.Enabled
	s.config.OfflineCharge = &v
}

// Restore seeds identity and configuration from persisted data. Only fields
// the device has not reported yet are filled.
func (s *Session) Restore(info Info, cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info.Type == 0 && s.info.Brand == "" && s.info.Model == "" {
		addr := s.info.Address
		s.info = info
		s.info.Serial = s.serial
		s.info.Address = addr
		if s.info.Phases == 0 {
			s.info.Phases = 1
		}
	}

	if s.config.Name == "" {
		s.config.Name = cfg.Name
	}
	if s.config.MaxCurrent == 0 {
		s.config.MaxCurrent = cfg.MaxCurrent
	}
	if s.config.OfflineCharge == nil && cfg.OfflineCharge != nil {
		v := *cfg.OfflineCharge
		s.config.OfflineCharge = &v
	}
	if s.config.TemperatureUnit == "" {
		s.config.TemperatureUnit = cfg.TemperatureUnit
	}
}

// Offer stores an inbound record in the response slot and wakes waiters.
// A record matching the pending wait is not displaced by one that does not.
func (s *Session) Offer(rec emproto.Record) {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()

	if !(s.slot != nil && matches(s.slot, s.expect) && !matches(rec, s.expect)) {
		s.slot = rec
	}
	close(s.notify)
	s.notify = make(chan struct{})
}

func matches(rec emproto.Record, cmds []emproto.Command) bool {
	if rec == nil {
		return false
	}
	for _, c := range cmds {
		if rec.Command() == c {
			return true
		}
	}
	return false
}

// expectResponse empties the slot ahead of a request. It must be called
// before sending so a fast reply is not lost.
func (s *Session) expectResponse(cmds ...emproto.Command) {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	s.slot = nil
	s.expect = cmds
}

// awaitResponse blocks until the slot holds one of cmds or the timeout
// elapses. Concurrent waits on one session share the slot and may consume
// each other's replies.
func (s *Session) awaitResponse(ctx context.Context, timeout time.Duration, cmds ...emproto.Command) (emproto.Record, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.slotMu.Lock()
		if matches(s.slot, cmds) {
			rec := s.slot
			s.slot = nil
			s.expect = nil
			s.slotMu.Unlock()
			return rec, nil
		}
		wake := s.notify
		s.slotMu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return nil, ErrNoResponse
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Session) send(ctx context.Context, d *emproto.Datagram) error {
	if s.sender == nil {
		return ErrNotStarted
	}
	return s.sender.Send(ctx, s, d)
}
