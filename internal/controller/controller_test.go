package controller

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/evsemaster/evse-controller/internal/evse"
	"github.com/evsemaster/evse-controller/internal/gateway"
	"github.com/evsemaster/evse-controller/internal/models"
	"github.com/evsemaster/evse-controller/internal/storage"
	"github.com/evsemaster/evse-controller/pkg/crypto"
	"github.com/evsemaster/evse-controller/pkg/emproto"
)

var (
	testSerial = emproto.Serial{0x30, 0x41, 0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc}
	testKey    = []byte("0123456789abcdef0123456789abcdef")
)

// fakeDevice answers login requests and records everything sent to it
type fakeDevice struct {
	password string

	mu   sync.Mutex
	sent []emproto.Command
}

func (f *fakeDevice) Send(_ context.Context, s *evse.Session, d *emproto.Datagram) error {
	f.mu.Lock()
	f.sent = append(f.sent, d.Command())
	f.mu.Unlock()

	if d.Command() == emproto.CmdRequestLogin {
		go func() {
			if d.Password.Value == f.password {
				s.Offer(&emproto.LoginResponse{})
			} else {
				s.Offer(&emproto.PasswordErrorResponse{})
			}
		}()
	}
	return nil
}

func (f *fakeDevice) count(cmd emproto.Command) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.sent {
		if c == cmd {
			n++
		}
	}
	return n
}

type fakeTransport struct {
	mu         sync.Mutex
	sessions   map[emproto.Serial]*evse.Session
	handlers   map[int]gateway.Handler
	next       int
	subscribed chan struct{}
	once       sync.Once
	probes     int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sessions:   make(map[emproto.Serial]*evse.Session),
		handlers:   make(map[int]gateway.Handler),
		subscribed: make(chan struct{}),
	}
}

func (f *fakeTransport) add(dev *fakeDevice) *evse.Session {
	s := evse.NewSession(testSerial, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 28376}, dev, evse.Settings{
		LoginTimeout:    time.Second,
		ResponseTimeout: time.Second,
	})
	s.Touch(nil)
	f.mu.Lock()
	f.sessions[testSerial] = s
	f.mu.Unlock()
	return s
}

func (f *fakeTransport) Session(serial emproto.Serial) (*evse.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[serial]
	return s, ok
}

func (f *fakeTransport) Sessions() []*evse.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*evse.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

func (f *fakeTransport) Subscribe(h gateway.Handler) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.handlers[id] = h
	f.mu.Unlock()
	f.once.Do(func() { close(f.subscribed) })

	return func() {
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}
}

func (f *fakeTransport) Probe(ctx context.Context) error {
	f.mu.Lock()
	f.probes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) emit(typ gateway.EventType, s *evse.Session) {
	f.mu.Lock()
	handlers := make([]gateway.Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	ev := gateway.Event{Type: typ, Serial: s.Serial(), Time: time.Now(), Snapshot: s.Snapshot()}
	for _, h := range handlers {
		h(ev)
	}
}

func startController(t *testing.T, c *Controller, tr *fakeTransport) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Start(ctx); err != nil {
			t.Errorf("Start() error = %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-tr.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not subscribe")
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestController_UnknownDevice(t *testing.T) {
	c := New(newFakeTransport(), storage.NewMemoryStore(), Options{})
	ctx := context.Background()

	checks := map[string]error{
		"login":        c.Login(ctx, testSerial, "123456"),
		"start":        c.StartCharge(ctx, testSerial, evse.ChargeOptions{}),
		"stop":         c.StopCharge(ctx, testSerial),
		"max current":  c.SetMaxCurrent(ctx, testSerial, 16),
		"name":         c.SetName(ctx, testSerial, "garage"),
		"offline mode": c.SetOfflineCharge(ctx, testSerial, true),
	}
	_, err := c.SyncTime(ctx, testSerial)
	checks["sync time"] = err
	_, err = c.Status(testSerial)
	checks["status"] = err

	for name, err := range checks {
		if !errors.Is(err, ErrUnknownDevice) {
			t.Errorf("%s: error = %v, want ErrUnknownDevice", name, err)
		}
	}
}

func TestController_StartCooldown(t *testing.T) {
	tests := []struct {
		name     string
		cooldown time.Duration
		wait     time.Duration
		wantErr  error
	}{
		{"blocked right after stop", time.Minute, 10 * time.Second, ErrStartCooldown},
		{"allowed after cooldown", time.Minute, 61 * time.Second, nil},
		{"disabled", 0, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport()
			dev := &fakeDevice{password: "123456"}
			tr.add(dev)
			clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
			c := New(tr, storage.NewMemoryStore(), Options{StartCooldown: tt.cooldown, Now: clk.Now})
			ctx := context.Background()

			if err := c.Login(ctx, testSerial, "123456"); err != nil {
				t.Fatalf("Login() error = %v", err)
			}
			if err := c.StartCharge(ctx, testSerial, evse.ChargeOptions{Amps: 16}); err != nil {
				t.Fatalf("first StartCharge() error = %v", err)
			}
			if err := c.StopCharge(ctx, testSerial); err != nil {
				t.Fatalf("StopCharge() error = %v", err)
			}

			clk.Advance(tt.wait)
			err := c.StartCharge(ctx, testSerial, evse.ChargeOptions{Amps: 16})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("StartCharge() error = %v, want %v", err, tt.wantErr)
			}

			wantStarts := 2
			if tt.wantErr != nil {
				wantStarts = 1
			}
			if n := dev.count(emproto.CmdChargeStart); n != wantStarts {
				t.Errorf("charge starts sent = %d, want %d", n, wantStarts)
			}
		})
	}
}

func TestController_StopNeverBlocked(t *testing.T) {
	tr := newFakeTransport()
	dev := &fakeDevice{password: "123456"}
	tr.add(dev)
	c := New(tr, storage.NewMemoryStore(), Options{StartCooldown: time.Hour})
	ctx := context.Background()

	if err := c.Login(ctx, testSerial, "123456"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := c.StopCharge(ctx, testSerial); err != nil {
			t.Fatalf("StopCharge() #%d error = %v", i+1, err)
		}
	}

	st, err := c.Status(testSerial)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.CooldownRemaining <= 0 {
		t.Errorf("CooldownRemaining = %v, want positive", st.CooldownRemaining)
	}
	if st.Status != string(evse.DisplayIdle) {
		t.Errorf("Status = %s, want IDLE", st.Status)
	}
}

func TestController_LoginRemembersPassword(t *testing.T) {
	tr := newFakeTransport()
	tr.add(&fakeDevice{password: "123456"})
	store := storage.NewMemoryStore()
	c := New(tr, store, Options{PasswordKey: testKey})
	startController(t, c, tr)

	if err := c.Login(context.Background(), testSerial, "123456"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	var dev *models.Device
	eventually(t, "stored password", func() bool {
		d, err := store.GetDevice(context.Background(), testSerial)
		if err != nil || !d.HasPassword() {
			return false
		}
		dev = d
		return true
	})

	got, err := crypto.OpenString(testKey, dev.PasswordCipher)
	if err != nil || got != "123456" {
		t.Errorf("stored password = %q, %v", got, err)
	}
}

func TestController_LoginWithoutKeyStoresNoPassword(t *testing.T) {
	tr := newFakeTransport()
	tr.add(&fakeDevice{password: "123456"})
	store := storage.NewMemoryStore()
	c := New(tr, store, Options{})
	startController(t, c, tr)

	if err := c.Login(context.Background(), testSerial, "123456"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	s, _ := tr.Session(testSerial)
	tr.emit(gateway.EventLoggedIn, s)

	eventually(t, "saved device", func() bool {
		_, err := store.GetDevice(context.Background(), testSerial)
		return err == nil
	})
	d, _ := store.GetDevice(context.Background(), testSerial)
	if d.HasPassword() {
		t.Error("password stored without a key")
	}
}

func TestController_AutoLoginOnDiscovery(t *testing.T) {
	tests := []struct {
		name       string
		stored     string
		wantLogged bool
	}{
		{"stored password accepted", "123456", true},
		{"stored password rejected", "000000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			sealed, err := crypto.SealString(testKey, tt.stored)
			if err != nil {
				t.Fatalf("SealString() error = %v", err)
			}
			err = store.SaveDevice(context.Background(), &models.Device{
				Serial:            testSerial,
				Brand:             "Besen",
				Model:             "BS20",
				MaxCurrent:        32,
				Name:              "garage",
				ConfiguredCurrent: 20,
				PasswordCipher:    sealed,
			})
			if err != nil {
				t.Fatalf("SaveDevice() error = %v", err)
			}

			tr := newFakeTransport()
			dev := &fakeDevice{password: "123456"}
			s := tr.add(dev)
			c := New(tr, store, Options{PasswordKey: testKey})
			startController(t, c, tr)

			tr.emit(gateway.EventDiscovered, s)

			eventually(t, "login attempt", func() bool { return dev.count(emproto.CmdRequestLogin) > 0 })
			snap := s.Snapshot()
			if snap.Config.Name != "garage" || snap.Info.Brand != "Besen" {
				t.Errorf("restored snapshot = %+v", snap)
			}
			if s.DefaultCurrent() != 20 {
				t.Errorf("DefaultCurrent() = %d, want restored 20", s.DefaultCurrent())
			}

			if tt.wantLogged {
				eventually(t, "auto login", s.LoggedIn)
				return
			}
			eventually(t, "login attempt to finish", func() bool { return s.MetaState() == evse.StateNotLoggedIn })
			if s.LoggedIn() {
				t.Error("logged in with a rejected password")
			}
		})
	}
}

func TestController_PersistsOnConfig(t *testing.T) {
	tr := newFakeTransport()
	s := tr.add(&fakeDevice{password: "123456"})
	s.ApplyLogin(emproto.DeviceInfo{Type: 10, Brand: "Besen", Model: "BS20", MaxCurrent: 32, MaxPower: 22000})
	s.ApplyVersion(&emproto.GetVersionResponse{SoftwareVersion: "2.1.0"})

	store := storage.NewMemoryStore()
	c := New(tr, store, Options{})
	startController(t, c, tr)

	tr.emit(gateway.EventConfig, s)

	var dev *models.Device
	eventually(t, "saved device", func() bool {
		d, err := store.GetDevice(context.Background(), testSerial)
		dev = d
		return err == nil
	})
	if dev.Brand != "Besen" || dev.Phases != 3 || dev.MaxPower != 22000 {
		t.Errorf("identity = %+v", dev)
	}
	if dev.SoftwareVersion != "2.1.0" {
		t.Errorf("SoftwareVersion = %q", dev.SoftwareVersion)
	}
	if dev.Address != "127.0.0.1:28376" || dev.LastSeenAt == nil || dev.FirstSeenAt == nil {
		t.Errorf("contact = %s %v %v", dev.Address, dev.LastSeenAt, dev.FirstSeenAt)
	}
}

func TestController_Probe(t *testing.T) {
	tr := newFakeTransport()
	c := New(tr, storage.NewMemoryStore(), Options{})
	if err := c.Probe(context.Background()); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if tr.probes != 1 {
		t.Errorf("probes = %d", tr.probes)
	}
}

// txStore counts the transactions the persistence worker runs
type txStore struct {
	*storage.MemoryStore

	mu        sync.Mutex
	begun     int
	committed int
}

func (s *txStore) BeginTx(ctx context.Context) (storage.Store, error) {
	s.mu.Lock()
	s.begun++
	s.mu.Unlock()
	return s, nil
}

func (s *txStore) Commit() error {
	s.mu.Lock()
	s.committed++
	s.mu.Unlock()
	return nil
}

func (s *txStore) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begun, s.committed
}

func TestController_PersistsInTransaction(t *testing.T) {
	tr := newFakeTransport()
	s := tr.add(&fakeDevice{})

	store := &txStore{MemoryStore: storage.NewMemoryStore()}
	c := New(tr, store, Options{})
	startController(t, c, tr)

	tr.emit(gateway.EventLoggedIn, s)

	eventually(t, "committed save", func() bool {
		_, committed := store.counts()
		return committed == 1
	})
	if begun, _ := store.counts(); begun != 1 {
		t.Errorf("transactions begun = %d, want 1", begun)
	}
	if _, err := store.GetDevice(context.Background(), testSerial); err != nil {
		t.Errorf("GetDevice() error = %v", err)
	}
}

func TestController_KnownDevicesAndForget(t *testing.T) {
	tr := newFakeTransport()
	s := tr.add(&fakeDevice{})

	ctx := context.Background()
	store := storage.NewMemoryStore()
	offline := emproto.Serial{0, 0, 0, 0, 0, 0, 0, 1}
	if err := store.SaveDevice(ctx, &models.Device{Serial: offline, Name: "Barn", PasswordCipher: []byte{1}}); err != nil {
		t.Fatal(err)
	}

	c := New(tr, store, Options{})
	startController(t, c, tr)

	tr.emit(gateway.EventLoggedIn, s)
	eventually(t, "saved device", func() bool {
		_, err := store.GetDevice(ctx, testSerial)
		return err == nil
	})

	known, err := c.KnownDevices(ctx)
	if err != nil {
		t.Fatalf("KnownDevices() error = %v", err)
	}
	if len(known) != 2 {
		t.Fatalf("KnownDevices() = %d devices, want 2", len(known))
	}
	if known[0].Serial != offline || known[0].Online || !known[0].PasswordStored {
		t.Errorf("stored device = %+v", known[0])
	}
	if known[1].Serial != testSerial || !known[1].Online {
		t.Errorf("live device = %+v", known[1])
	}

	if err := c.Forget(ctx, offline); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if _, err := store.GetDevice(ctx, offline); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetDevice() after Forget error = %v", err)
	}
	if err := c.Forget(ctx, offline); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("second Forget() error = %v, want %v", err, ErrUnknownDevice)
	}
}

func TestController_ForgetWithoutWorker(t *testing.T) {
	c := New(newFakeTransport(), storage.NewMemoryStore(), Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := c.Forget(ctx, testSerial); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Forget() error = %v, want %v", err, context.DeadlineExceeded)
	}
}
