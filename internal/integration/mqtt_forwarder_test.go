package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/evsemaster/evse-controller/internal/config"
	"github.com/evsemaster/evse-controller/internal/evse"
	"github.com/evsemaster/evse-controller/internal/gateway"
	"github.com/evsemaster/evse-controller/pkg/emproto"
)

var testSerial = emproto.Serial{0x30, 0x41, 0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc}

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }

func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// countingToken records how often it was awaited
type countingToken struct {
	mu    sync.Mutex
	waits int
	err   error
}

func (c *countingToken) Wait() bool { return c.WaitTimeout(0) }

func (c *countingToken) WaitTimeout(time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits++
	return true
}

func (c *countingToken) Error() error { return c.err }

func (c *countingToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (c *countingToken) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waits
}

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, message{topic, qos, retained, payload.([]byte)})
	return doneToken{}
}

func TestTopics(t *testing.T) {
	if got := StateTopic("evse", testSerial); got != "evse/3041123456789abc/state" {
		t.Errorf("StateTopic() = %s", got)
	}
	if got := EventTopic("home/evse", testSerial, gateway.EventCharge); got != "home/evse/3041123456789abc/events/charge" {
		t.Errorf("EventTopic() = %s", got)
	}
}

func TestForward(t *testing.T) {
	tests := []struct {
		name        string
		retain      bool
		wantRetains []bool
	}{
		{"events not retained", false, []bool{true, false}},
		{"events retained", true, []bool{true, true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			f := &MQTTForwarder{
				cfg:     config.MQTTConfig{TopicPrefix: "evse", QoS: 1, Retain: tt.retain},
				pub:     pub,
				pending: make(chan pendingPublish, 4),
			}

			f.forward(gateway.Event{
				Type:   gateway.EventState,
				Serial: testSerial,
				Time:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
				Snapshot: evse.Snapshot{
					MetaState: evse.StateLoggedIn,
					Display:   evse.DisplayCharging,
				},
			})

			pub.mu.Lock()
			defer pub.mu.Unlock()
			if len(pub.msgs) != 2 {
				t.Fatalf("published %d messages, want 2", len(pub.msgs))
			}

			state := pub.msgs[0]
			if state.topic != "evse/3041123456789abc/state" || state.qos != 1 {
				t.Errorf("state message = %s qos %d", state.topic, state.qos)
			}
			var payload StatePayload
			if err := json.Unmarshal(state.payload, &payload); err != nil {
				t.Fatalf("decode state: %v", err)
			}
			if payload.Status != "CHARGING" || payload.Event != gateway.EventState {
				t.Errorf("state payload = %+v", payload)
			}

			if pub.msgs[1].topic != "evse/3041123456789abc/events/state" {
				t.Errorf("event topic = %s", pub.msgs[1].topic)
			}
			for i, want := range tt.wantRetains {
				if pub.msgs[i].retained != want {
					t.Errorf("message %d retained = %t, want %t", i, pub.msgs[i].retained, want)
				}
			}
		})
	}
}

func TestPublish_QueueBounded(t *testing.T) {
	pub := &fakePublisher{}
	f := &MQTTForwarder{
		cfg:     config.MQTTConfig{TopicPrefix: "evse"},
		pub:     pub,
		pending: make(chan pendingPublish, 1),
	}

	for i := 0; i < 5; i++ {
		f.publish("evse/x/state", true, []byte("{}"))
	}

	pub.mu.Lock()
	sent := len(pub.msgs)
	pub.mu.Unlock()
	if sent != 5 {
		t.Errorf("published %d messages, want 5", sent)
	}
	if n := len(f.pending); n != 1 {
		t.Errorf("queued confirmations = %d, want 1", n)
	}
}

func TestConfirm_DrainsQueue(t *testing.T) {
	f := &MQTTForwarder{pending: make(chan pendingPublish, 4)}
	tokens := []*countingToken{{}, {err: errors.New("not authorized")}, {}}
	for i, tok := range tokens {
		f.pending <- pendingPublish{topic: fmt.Sprintf("evse/%d", i), token: tok}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.confirm(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for tokens[len(tokens)-1].count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	for i, tok := range tokens {
		if tok.count() != 1 {
			t.Errorf("token %d awaited %d times, want 1", i, tok.count())
		}
	}
}
