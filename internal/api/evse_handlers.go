package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/evsemaster/evse-controller/internal/controller"
	"github.com/evsemaster/evse-controller/internal/evse"
	"github.com/evsemaster/evse-controller/pkg/emproto"
)

// statusFor maps device layer errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, evse.ErrNotLoggedIn):
		return http.StatusConflict
	case errors.Is(err, emproto.ErrCurrentOutOfRange), errors.Is(err, emproto.ErrStringTooLong):
		return http.StatusBadRequest
	case errors.Is(err, evse.ErrPasswordRejected):
		return http.StatusForbidden
	case errors.Is(err, evse.ErrNoResponse):
		return http.StatusGatewayTimeout
	case errors.Is(err, controller.ErrStartCooldown):
		return http.StatusTooManyRequests
	case errors.Is(err, evse.ErrUnexpectedResponse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *RESTServer) respondDeviceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("Device command failed")
	}
	s.respondError(w, status, err.Error())
}

// serialParam parses the {serial} URL parameter. It responds and returns
// false when the serial is malformed.
func (s *RESTServer) serialParam(w http.ResponseWriter, r *http.Request) (emproto.Serial, bool) {
	serial, err := emproto.ParseSerial(chi.URLParam(r, "serial"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid serial")
		return emproto.Serial{}, false
	}
	return serial, true
}

// HandleListEVSEs lists every known EVSE
func (s *RESTServer) HandleListEVSEs(w http.ResponseWriter, r *http.Request) {
	statuses := s.ctrl.Statuses()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"evses": statuses,
		"total": len(statuses),
	})
}

// HandleGetEVSE returns one EVSE
func (s *RESTServer) HandleGetEVSE(w http.ResponseWriter, r *http.Request) {
	serial, ok := s.serialParam(w, r)
	if !ok {
		return
	}

	st, err := s.ctrl.Status(serial)
	if err != nil {
		s.respondDeviceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

// HandleKnownEVSEs lists every stored EVSE, including ones not seen since
// start
func (s *RESTServer) HandleKnownEVSEs(w http.ResponseWriter, r *http.Request) {
	known, err := s.ctrl.KnownDevices(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list known EVSEs")
		s.respondError(w, http.StatusInternalServerError, "failed to list known evses")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"evses": known,
		"total": len(known),
	})
}

// HandleForgetEVSE deletes a stored EVSE and its remembered password
func (s *RESTServer) HandleForgetEVSE(w http.ResponseWriter, r *http.Request) {
	serial, ok := s.serialParam(w, r)
	if !ok {
		return
	}

	if err := s.ctrl.Forget(r.Context(), serial); err != nil {
		s.respondDeviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleProbe broadcasts a discovery request
func (s *RESTServer) HandleProbe(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Probe(r.Context()); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleEVSELogin logs in to an EVSE
func (s *RESTServer) HandleEVSELogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password" validate:"required,max=6"`
	}

	serial, ok := s.serialParam(w, r)
	if !ok || !s.decode(w, r, &req) {
		return
	}

	if err := s.ctrl.Login(r.Context(), serial, req.Password); err != nil {
		s.respondDeviceError(w, r, err)
		return
	}
	s.respondStatus(w, serial)
}

// HandleChargeStart starts a charge
func (s *RESTServer) HandleChargeStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amps        *int `json:"amps" validate:"min=6,max=32"`
		SinglePhase bool `json:"single_phase"`
	}

	serial, ok := s.serialParam(w, r)
	if !ok || !s.decode(w, r, &req) {
		return
	}

	opts := evse.ChargeOptions{SinglePhase: req.SinglePhase}
	if req.Amps != nil {
		opts.Amps = *req.Amps
	}

	if err := s.ctrl.StartCharge(r.Context(), serial, opts); err != nil {
		s.respondDeviceError(w, r, err)
		return
	}
	s.respondStatus(w, serial)
}

// HandleChargeStop stops a charge
func (s *RESTServer) HandleChargeStop(w http.ResponseWriter, r *http.Request) {
	serial, ok := s.serialParam(w, r)
	if !ok {
		return
	}

	if err := s.ctrl.StopCharge(r.Context(), serial); err != nil {
		s.respondDeviceError(w, r, err)
		return
	}
	s.respondStatus(w, serial)
}

// HandleSetMaxCurrent writes the configured current
func (s *RESTServer) HandleSetMaxCurrent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amps int `json:"amps" validate:"required,min=6,max=32"`
	}

	serial, ok := s.serialParam(w, r)
	if !ok || !s.decode(w, r, &req) {
		return
	}

	if err := s.ctrl.SetMaxCurrent(r.Context(), serial, req.Amps); err != nil {
		s.respondDeviceError(w, r, err)
		return
	}
	s.respondStatus(w, serial)
}

// HandleSetName writes the display name
func (s *RESTServer) HandleSetName(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name" validate:"required"`
	}

	serial, ok := s.serialParam(w, r)
	if !ok || !s.decode(w, r, &req) {
		return
	}

	if err := s.ctrl.SetName(r.Context(), serial, req.Name); err != nil {
		s.respondDeviceError(w, r, err)
		return
	}
	s.respondStatus(w, serial)
}

// HandleSetOfflineCharge writes the offline charge policy
func (s *RESTServer) HandleSetOfflineCharge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled" validate:"required"`
	}

	serial, ok := s.serialParam(w, r)
	if !ok || !s.decode(w, r, &req) {
		return
	}

	if err := s.ctrl.SetOfflineCharge(r.Context(), serial, *req.Enabled); err != nil {
		s.respondDeviceError(w, r, err)
		return
	}
	s.respondStatus(w, serial)
}

// HandleSyncTime sets the device clock
func (s *RESTServer) HandleSyncTime(w http.ResponseWriter, r *http.Request) {
	serial, ok := s.serialParam(w, r)
	if !ok {
		return
	}

	deviceTime, err := s.ctrl.SyncTime(r.Context(), serial)
	if err != nil {
		s.respondDeviceError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"device_time": deviceTime,
	})
}

func (s *RESTServer) respondStatus(w http.ResponseWriter, serial emproto.Serial) {
	st, err := s.ctrl.Status(serial)
	if err != nil {
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}
