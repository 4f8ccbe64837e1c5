package gateway

import (
	"time"

	"github.com/google/uuid"

	"github.com/evsemaster/evse-controller/internal/evse"
	"github.com/evsemaster/evse-controller/pkg/emproto"
)

// EventType names a session change
type EventType string

const (
	EventDiscovered     EventType = "discovered"
	EventAddressChanged EventType = "address_changed"
	EventLoggedIn       EventType = "logged_in"
	EventState          EventType = "state"
	EventCharge         EventType = "charge"
	EventConfig         EventType = "config"
	EventOnline         EventType = "online"
	EventOffline        EventType = "offline"
)

// Event is delivered to subscribers after a session changed
type Event struct {
	ID       string         `json:"id"`
	Type     EventType      `json:"event"`
	Serial   emproto.Serial `json:"serial"`
	Time     time.Time      `json:"time"`
	Snapshot evse.Snapshot  `json:"snapshot"`
}

// Handler receives events on the receive or housekeeping goroutine. It must
// not block.
type Handler func(Event)

// Subscribe registers h for every event. The returned function removes it.
func (c *Communicator) Subscribe(h Handler) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subs[id] = h

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Communicator) emit(typ EventType, s *evse.Session) {
	ev := Event{
		ID:       uuid.NewString(),
		Type:     typ,
		Serial:   s.Serial(),
		Time:     c.settings.Now(),
		Snapshot: s.Snapshot(),
	}

	c.subMu.RLock()
	handlers := make([]Handler, 0, len(c.subs))
	for _, h := range c.subs {
		handlers = append(handlers, h)
	}
	c.subMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
