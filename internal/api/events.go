package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/evsemaster/evse-controller/internal/gateway"
	"github.com/evsemaster/evse-controller/pkg/emproto"
)

const (
	eventBuffer  = 64
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleEvents streams gateway events as JSON text messages. The optional
// serial query parameter filters to one device. Slow clients lose events.
func (s *RESTServer) HandleEvents(w http.ResponseWriter, r *http.Request) {
	var filter *emproto.Serial
	if v := r.URL.Query().Get("serial"); v != "" {
		serial, err := emproto.ParseSerial(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid serial")
			return
		}
		filter = &serial
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	events := make(chan gateway.Event, eventBuffer)
	unsubscribe := s.ctrl.Subscribe(func(ev gateway.Event) {
		if filter != nil && ev.Serial != *filter {
			return
		}
		select {
		case events <- ev:
		default:
		}
	})
	defer unsubscribe()

	// The reader only notices the close handshake
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger := log.With().Str("remote", r.RemoteAddr).Logger()
	logger.Debug().Msg("Event stream opened")
	defer logger.Debug().Msg("Event stream closed")

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug().Err(err).Msg("Event write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
