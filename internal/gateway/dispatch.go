package gateway

import (
	"context"
	"encoding/hex"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/evsemaster/evse-controller/internal/evse"
	"github.com/evsemaster/evse-controller/pkg/emproto"
)

// handlePacket decodes every frame of one datagram and dispatches them in
// order. A frame with a bad envelope drops the rest of the datagram.
func (c *Communicator) handlePacket(data []byte, addr *net.UDPAddr) {
	if c.dump != nil {
		c.dump(Inbound, addr, data)
	}

	frames, err := emproto.DecodeAll(data, c.registry)
	if err != nil {
		log.Debug().
			Err(err).
			Str("addr", addr.String()).
			Int("bytes", len(data)).
			Msg("Dropped malformed frame")
	}

	for _, d := range frames {
		c.dispatch(d, addr)
	}
}

func (c *Communicator) dispatch(d *emproto.Datagram, addr *net.UDPAddr) {
	if d.Serial.IsZero() {
		log.Debug().Str("addr", addr.String()).Str("cmd", d.Command().String()).Msg("Ignored frame without serial")
		return
	}

	s, created := c.sessionFor(d.Serial, addr)
	wasOnline := s.Online()
	moved := s.Touch(addr)
	s.Offer(d.Record)

	logger := log.With().Str("serial", d.Serial.String()).Str("addr", addr.String()).Logger()

	switch {
	case created:
		logger.Info().Msg("New EVSE")
		c.emit(EventDiscovered, s)
	case moved:
		logger.Info().Msg("EVSE address changed")
		c.emit(EventAddressChanged, s)
	case !wasOnline:
		logger.Info().Msg("EVSE back online")
		c.emit(EventOnline, s)
	}

	switch r := d.Record.(type) {
	case *emproto.Login:
		s.ApplyLogin(r.DeviceInfo)
		c.reply(s, &emproto.LoginConfirm{})
		s.MarkLoggedIn()
		logger.Info().Str("brand", r.Brand).Str("model", r.Model).Msg("EVSE login broadcast")
		c.emit(EventLoggedIn, s)

	case *emproto.LoginResponse:
		if r.HasInfo {
			s.ApplyLogin(r.DeviceInfo)
		}

	case *emproto.PasswordErrorResponse:
		logger.Debug().Msg("Password error response")

	case *emproto.Heading:
		c.reply(s, &emproto.HeadingResponse{})
		s.RefreshLogin()

	case *emproto.SingleACStatus:
		s.ApplyStatus(r)
		c.reply(s, &emproto.SingleACStatusResponse{})
		c.emit(EventState, s)

	case *emproto.ChargingStatus:
		s.ApplyChargingStatus(r)
		c.reply(s, &emproto.ChargingStatusResponse{})
		c.emit(EventCharge, s)

	case *emproto.CurrentChargeRecord:
		s.ApplyChargeRecord(r)
		c.reply(s, &emproto.CurrentChargeRecordResponse{})
		c.emit(EventCharge, s)

	case *emproto.OutputCurrentResponse:
		s.ApplyOutputCurrent(r)
		c.emit(EventConfig, s)

	case *emproto.GetVersionResponse:
		s.ApplyVersion(r)
		c.emit(EventConfig, s)

	case *emproto.NickNameResponse:
		s.ApplyNickName(r)
		c.emit(EventConfig, s)

	case *emproto.OffLineChargeResponse:
		s.ApplyOffLineCharge(r)
		c.emit(EventConfig, s)

	case *emproto.Unrecognized:
		logger.Warn().
			Str("cmd", r.Code.String()).
			Str("payload", hex.EncodeToString(r.Raw)).
			Msg("Unknown command")

	default:
		logger.Debug().
			Str("cmd", d.Command().String()).
			Str("record", c.registry.Name(d.Command())).
			Msg("Record received")
	}
}

func (c *Communicator) reply(s *evse.Session, rec emproto.Record) {
	if err := c.Send(context.Background(), s, &emproto.Datagram{Record: rec}); err != nil {
		log.Warn().Err(err).Str("serial", s.Serial().String()).Str("cmd", rec.Command().String()).Msg("Failed to send reply")
	}
}
