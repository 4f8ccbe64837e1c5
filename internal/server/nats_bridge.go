package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/evsemaster/evse-controller/internal/evse"
	"github.com/evsemaster/evse-controller/internal/gateway"
	"github.com/evsemaster/evse-controller/pkg/emproto"
)

// commandTimeout bounds a request issued over NATS
const commandTimeout = 15 * time.Second

var (
	ErrBadSubject     = errors.New("malformed command subject")
	ErrUnknownCommand = errors.New("unknown command")
)

// Controller is the device layer behind the bridge
type Controller interface {
	Login(ctx context.Context, serial emproto.Serial, password string) error
	StartCharge(ctx context.Context, serial emproto.Serial, opts evse.ChargeOptions) error
	StopCharge(ctx context.Context, serial emproto.Serial) error
	SetMaxCurrent(ctx context.Context, serial emproto.Serial, amps int) error
	SetName(ctx context.Context, serial emproto.Serial, name string) error
	SetOfflineCharge(ctx context.Context, serial emproto.Serial, enabled bool) error
	SyncTime(ctx context.Context, serial emproto.Serial) (time.Time, error)
	Subscribe(h gateway.Handler) func()
}

// CommandRequest is the body of a command request. Fields unused by an
// operation are ignored.
type CommandRequest struct {
	Password    string `json:"password,omitempty"`
	Amps        int    `json:"amps,omitempty"`
	SinglePhase bool   `json:"single_phase,omitempty"`
	Name        string `json:"name,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// CommandReply answers a command request
type CommandReply struct {
	OK         bool       `json:"ok"`
	Error      string     `json:"error,omitempty"`
	DeviceTime *time.Time `json:"device_time,omitempty"`
}

// NATSBridge publishes gateway events on NATS and serves device commands
// with request/reply.
//
//	<prefix>.<serial>.<event>     event JSON
//	<prefix>.<serial>.cmd.<op>    request: CommandRequest, reply: CommandReply
type NATSBridge struct {
	nc     *nats.Conn
	ctrl   Controller
	prefix string
	subs   []*nats.Subscription
}

// NewNATSBridge creates the bridge
func NewNATSBridge(nc *nats.Conn, ctrl Controller, prefix string) *NATSBridge {
	return &NATSBridge{
		nc:     nc,
		ctrl:   ctrl,
		prefix: prefix,
		subs:   make([]*nats.Subscription, 0),
	}
}

// Start subscribes and blocks until ctx is done
func (b *NATSBridge) Start(ctx context.Context) error {
	sub, err := b.nc.Subscribe(b.prefix+".*.cmd.*", func(msg *nats.Msg) {
		go b.handleRequest(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe commands: %w", err)
	}
	b.subs = append(b.subs, sub)

	unsubscribe := b.ctrl.Subscribe(b.publishEvent)
	defer unsubscribe()

	log.Info().
		Str("prefix", b.prefix).
		Int("subscriptions", len(b.subs)).
		Msg("NATS bridge started")

	<-ctx.Done()

	// Unsubscribe
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}

	return nil
}

// EventSubject is the subject an event is published on
func EventSubject(prefix string, serial emproto.Serial, typ gateway.EventType) string {
	return fmt.Sprintf("%s.%s.%s", prefix, serial, typ)
}

// CommandSubject is the subject a command is requested on
func CommandSubject(prefix string, serial emproto.Serial, op string) string {
	return fmt.Sprintf("%s.%s.cmd.%s", prefix, serial, op)
}

// ParseCommandSubject splits a command subject into serial and operation
func ParseCommandSubject(prefix, subject string) (emproto.Serial, string, error) {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return emproto.Serial{}, "", fmt.Errorf("%w: %s", ErrBadSubject, subject)
	}

	parts := strings.Split(rest, ".")
	if len(parts) != 3 || parts[1] != "cmd" || parts[2] == "" {
		return emproto.Serial{}, "", fmt.Errorf("%w: %s", ErrBadSubject, subject)
	}

	serial, err := emproto.ParseSerial(parts[0])
	if err != nil {
		return emproto.Serial{}, "", fmt.Errorf("%w: %v", ErrBadSubject, err)
	}
	return serial, parts[2], nil
}

func (b *NATSBridge) publishEvent(ev gateway.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal event")
		return
	}

	subject := EventSubject(b.prefix, ev.Serial, ev.Type)
	if err := b.nc.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
	}
}

func (b *NATSBridge) handleRequest(ctx context.Context, msg *nats.Msg) {
	log.Debug().
		Str("subject", msg.Subject).
		Int("size", len(msg.Data)).
		Msg("Received command request")

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	reply := b.execute(ctx, msg.Subject, msg.Data)
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal command reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("Failed to send command reply")
	}
}

// execute runs the command named by subject
func (b *NATSBridge) execute(ctx context.Context, subject string, data []byte) CommandReply {
	serial, op, err := ParseCommandSubject(b.prefix, subject)
	if err != nil {
		return CommandReply{Error: err.Error()}
	}

	var req CommandRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return CommandReply{Error: fmt.Sprintf("invalid request: %v", err)}
		}
	}

	var deviceTime *time.Time
	switch op {
	case "login":
		err = b.ctrl.Login(ctx, serial, req.Password)
	case "start":
		err = b.ctrl.StartCharge(ctx, serial, evse.ChargeOptions{Amps: req.Amps, SinglePhase: req.SinglePhase})
	case "stop":
		err = b.ctrl.StopCharge(ctx, serial)
	case "max-current":
		err = b.ctrl.SetMaxCurrent(ctx, serial, req.Amps)
	case "name":
		err = b.ctrl.SetName(ctx, serial, req.Name)
	case "offline-charge":
		if req.Enabled == nil {
			return CommandReply{Error: "enabled is required"}
		}
		err = b.ctrl.SetOfflineCharge(ctx, serial, *req.Enabled)
	case "sync-time":
		var t time.Time
		t, err = b.ctrl.SyncTime(ctx, serial)
		deviceTime = &t
	default:
		return CommandReply{Error: fmt.Sprintf("%v: %s", ErrUnknownCommand, op)}
	}

	if err != nil {
		log.Warn().Err(err).Str("serial", serial.String()).Str("op", op).Msg("Command failed")
		return CommandReply{Error: err.Error()}
	}
	return CommandReply{OK: true, DeviceTime: deviceTime}
}
