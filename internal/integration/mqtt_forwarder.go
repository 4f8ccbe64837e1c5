package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/evsemaster/evse-controller/internal/config"
	"github.com/evsemaster/evse-controller/internal/evse"
	"github.com/evsemaster/evse-controller/internal/gateway"
	"github.com/evsemaster/evse-controller/pkg/emproto"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 10 * time.Second

	// publishQueueSize bounds the publishes awaiting broker confirmation
	publishQueueSize = 256
)

// EventSource delivers gateway events
type EventSource interface {
	Subscribe(h gateway.Handler) func()
}

// publisher is the part of mqtt.Client the forwarder uses
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// pendingPublish is a publish awaiting broker confirmation
type pendingPublish struct {
	topic string
	token mqtt.Token
}

// StatePayload is published on the state topic
type StatePayload struct {
	Event    gateway.EventType `json:"event"`
	Time     time.Time         `json:"time"`
	Status   string            `json:"status"`
	Snapshot evse.Snapshot     `json:"snapshot"`
}

// MQTTForwarder mirrors every device to MQTT. The state topic is always
// retained so new subscribers see the latest snapshot; event topics are
// retained only when configured.
//
//	<prefix>/<serial>/state           StatePayload
//	<prefix>/<serial>/events/<event>  event JSON
type MQTTForwarder struct {
	cfg     config.MQTTConfig
	client  mqtt.Client
	pub     publisher
	pending chan pendingPublish
}

// NewMQTTForwarder creates the forwarder and its client. Start connects.
func NewMQTTForwarder(cfg config.MQTTConfig) *MQTTForwarder {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().
			Str("broker", cfg.Broker).
			Msg("MQTT client connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().
			Err(err).
			Str("broker", cfg.Broker).
			Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	return &MQTTForwarder{
		cfg:     cfg,
		client:  client,
		pub:     client,
		pending: make(chan pendingPublish, publishQueueSize),
	}
}

// Start connects, forwards events until ctx is done and disconnects
func (f *MQTTForwarder) Start(ctx context.Context, src EventSource) error {
	token := f.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("connect to %s: timeout", f.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", f.cfg.Broker, err)
	}

	go f.confirm(ctx)

	unsubscribe := src.Subscribe(f.forward)
	defer unsubscribe()

	<-ctx.Done()

	f.client.Disconnect(250)
	log.Info().Msg("MQTT forwarder stopped")
	return nil
}

// StateTopic is the retained snapshot topic of a device
func StateTopic(prefix string, serial emproto.Serial) string {
	return fmt.Sprintf("%s/%s/state", prefix, serial)
}

// EventTopic is the topic an event is published on
func EventTopic(prefix string, serial emproto.Serial, typ gateway.EventType) string {
	return fmt.Sprintf("%s/%s/events/%s", prefix, serial, typ)
}

func (f *MQTTForwarder) forward(ev gateway.Event) {
	state, err := json.Marshal(StatePayload{
		Event:    ev.Type,
		Time:     ev.Time,
		Status:   ev.Snapshot.Status(),
		Snapshot: ev.Snapshot,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal state")
		return
	}
	event, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal event")
		return
	}

	f.publish(StateTopic(f.cfg.TopicPrefix, ev.Serial), true, state)
	f.publish(EventTopic(f.cfg.TopicPrefix, ev.Serial, ev.Type), f.cfg.Retain, event)
}

// publish does not wait for delivery since event handlers must not block.
// The token is queued for the confirm worker; when the queue is full the
// message is still sent but its outcome is not checked.
func (f *MQTTForwarder) publish(topic string, retained bool, payload []byte) {
	token := f.pub.Publish(topic, f.cfg.QoS, retained, payload)
	select {
	case f.pending <- pendingPublish{topic: topic, token: token}:
	default:
		log.Debug().Str("topic", topic).Msg("MQTT confirm queue full")
	}
}

// confirm logs failed and timed out publishes until ctx is done
func (f *MQTTForwarder) confirm(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-f.pending:
			if !p.token.WaitTimeout(publishTimeout) {
				log.Warn().Str("topic", p.topic).Msg("MQTT publish timed out")
				continue
			}
			if err := p.token.Error(); err != nil {
				log.Warn().Err(err).Str("topic", p.topic).Msg("MQTT publish failed")
			}
		}
	}
}
