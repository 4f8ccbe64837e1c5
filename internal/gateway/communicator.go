package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/evsemaster/evse-controller/internal/evse"
	"github.com/evsemaster/evse-controller/pkg/emproto"
)

// DefaultPort is the well-known EmProto UDP port
const DefaultPort = 28376

// ErrNoAddress is returned when a session has no known device address
var ErrNoAddress = errors.New("device address unknown")

// Direction tags a dumped datagram
type Direction string

const (
	Inbound  Direction = "rx"
	Outbound Direction = "tx"
)

// DumpFunc observes every raw datagram received or sent
type DumpFunc func(dir Direction, addr *net.UDPAddr, data []byte)

// Options configure a Communicator
type Options struct {
	BindAddr      string
	BroadcastAddr string
	TickInterval  time.Duration
	Session       evse.Settings
	Registry      *emproto.Registry
	Dump          DumpFunc
}

// Communicator owns the EmProto UDP socket and the session table
type Communicator struct {
	conn      *net.UDPConn
	broadcast *net.UDPAddr
	registry  *emproto.Registry
	settings  evse.Settings
	tick      time.Duration
	dump      DumpFunc

	mu       sync.RWMutex
	sessions map[emproto.Serial]*evse.Session

	subMu   sync.RWMutex
	subs    map[int]Handler
	nextSub int

	closeOnce sync.Once
}

// NewCommunicator binds the UDP socket
func NewCommunicator(opts Options) (*Communicator, error) {
	if opts.BindAddr == "" {
		opts.BindAddr = fmt.Sprintf("0.0.0.0:%d", DefaultPort)
	}
	if opts.BroadcastAddr == "" {
		opts.BroadcastAddr = fmt.Sprintf("255.255.255.255:%d", DefaultPort)
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 5 * time.Second
	}
	if opts.Registry == nil {
		opts.Registry = emproto.DefaultRegistry
	}

	addr, err := net.ResolveUDPAddr("udp4", opts.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}
	broadcast, err := net.ResolveUDPAddr("udp4", opts.BroadcastAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}

	return &Communicator{
		conn:      conn,
		broadcast: broadcast,
		registry:  opts.Registry,
		settings:  opts.Session.WithDefaults(),
		tick:      opts.TickInterval,
		dump:      opts.Dump,
		sessions:  make(map[emproto.Serial]*evse.Session),
		subs:      make(map[int]Handler),
	}, nil
}

// LocalAddr returns the bound socket address
func (c *Communicator) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Start runs the receive loop and the housekeeping tick until ctx is done
// or the communicator is closed
func (c *Communicator) Start(ctx context.Context) error {
	log.Info().Str("addr", c.conn.LocalAddr().String()).Msg("EmProto UDP listener started")

	go c.housekeeping(ctx)
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	buf := make([]byte, 65507)
	for {
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Info().Msg("EmProto UDP listener stopped")
				return nil
			}
			log.Error().Err(err).Msg("Failed to read UDP packet")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		c.handlePacket(data, addr)
	}
}

// Close releases the socket. Pending response waits time out on their own.
func (c *Communicator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// Send implements evse.Sender. The serial and the cached password are filled
// in when the datagram leaves them empty.
func (c *Communicator) Send(ctx context.Context, s *evse.Session, d *emproto.Datagram) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	out := *d
	if out.Serial.IsZero() {
		out.Serial = s.Serial()
	}
	if !out.Password.Valid {
		out.Password = s.Password()
	}

	addr := s.Addr()
	if addr == nil {
		return fmt.Errorf("%s: %w", s.Serial(), ErrNoAddress)
	}
	return c.write(&out, addr)
}

// Probe broadcasts a login request without serial so devices announce
// themselves
func (c *Communicator) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(&emproto.Datagram{Record: &emproto.RequestLogin{}}, c.broadcast)
}

func (c *Communicator) write(d *emproto.Datagram, addr *net.UDPAddr) error {
	data, err := emproto.Encode(d)
	if err != nil {
		return err
	}
	if c.dump != nil {
		c.dump(Outbound, addr, data)
	}

	if _, err := c.conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("write to %s: %w", addr, err)
	}

	log.Debug().
		Str("serial", d.Serial.String()).
		Str("addr", addr.String()).
		Str("cmd", d.Command().String()).
		Msg("Datagram sent")
	return nil
}

// Session returns the session of a known device
func (c *Communicator) Session(serial emproto.Serial) (*evse.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[serial]
	return s, ok
}

// Sessions returns every known session ordered by serial
func (c *Communicator) Sessions() []*evse.Session {
	c.mu.RLock()
	list := make([]*evse.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		list = append(list, s)
	}
	c.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].Serial().String() < list[j].Serial().String()
	})
	return list
}

// sessionFor returns the session of serial, creating it on first contact.
// Sessions are never removed.
func (c *Communicator) sessionFor(serial emproto.Serial, addr *net.UDPAddr) (*evse.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[serial]; ok {
		return s, false
	}
	s := evse.NewSession(serial, addr, c, c.settings)
	c.sessions[serial] = s
	return s, true
}

func (c *Communicator) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	online := make(map[emproto.Serial]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tickSessions(ctx, online)
		}
	}
}

// tickSessions runs one housekeeping pass. online carries the state seen by
// the previous pass so offline transitions are reported once.
func (c *Communicator) tickSessions(ctx context.Context, online map[emproto.Serial]bool) {
	for _, s := range c.Sessions() {
		serial := s.Serial()

		on := s.Online()
		if online[serial] && !on {
			log.Info().Str("serial", serial.String()).Msg("EVSE offline")
			c.emit(EventOffline, s)
		}
		online[serial] = on

		if s.NeedsRelogin() {
			pw := s.Password()
			go func(s *evse.Session) {
				if err := s.Login(ctx, pw.Value); err != nil {
					log.Warn().Err(err).Str("serial", s.Serial().String()).Msg("Relogin failed")
				}
			}(s)
		}

		if s.LoggedIn() {
			if err := s.RequestChargeRecord(ctx); err != nil {
				log.Debug().Err(err).Str("serial", serial.String()).Msg("Failed to request charge record")
			}
		}
	}
}
