package evse

import (
	"time"

	"github.com/evsemaster/evse-controller/pkg/emproto"
)

// MetaState is the connection state of a session
type MetaState string

const (
	StateOffline     MetaState = "OFFLINE"
	StateNotLoggedIn MetaState = "NOT_LOGGED_IN"
	StateLoggingIn   MetaState = "LOGGING_IN"
	StateLoggedIn    MetaState = "LOGGED_IN"
)

// DisplayState is derived from the latest electrical state on every query
type DisplayState string

const (
	DisplayIdle      DisplayState = "IDLE"
	DisplayPluggedIn DisplayState = "PLUGGED_IN"
	DisplayCharging  DisplayState = "CHARGING"
	DisplayError     DisplayState = "ERROR"
)

// Info is the identity of a device
type Info struct {
	Serial          emproto.Serial `json:"serial"`
	Address         string         `json:"address"`
	Type            byte           `json:"type"`
	Brand           string         `json:"brand"`
	Model           string         `json:"model"`
	HardwareVersion string         `json:"hardware_version"`
	SoftwareVersion string         `json:"software_version"`
	MaxPower        uint32         `json:"max_power"`
	MaxCurrent      byte           `json:"max_current"`
	HotLine         string         `json:"hot_line,omitempty"`
	Phases          int            `json:"phases"`
	Feature         uint32         `json:"feature"`
	SupportNew      bool           `json:"support_new"`
}

// Config holds settings confirmed by the device. Fields are never updated
// optimistically.
type Config struct {
	Name            string `json:"name"`
	MaxCurrent      byte   `json:"max_current"`
	OfflineCharge   *bool  `json:"offline_charge,omitempty"`
	TemperatureUnit string `json:"temperature_unit"`
}

// State is the latest electrical state. Each status record replaces it.
type State struct {
	LineID            byte      `json:"line_id"`
	L1Voltage         float64   `json:"l1_voltage"`
	L1Current         float64   `json:"l1_current"`
	L2Voltage         float64   `json:"l2_voltage,omitempty"`
	L2Current         float64   `json:"l2_current,omitempty"`
	L3Voltage         float64   `json:"l3_voltage,omitempty"`
	L3Current         float64   `json:"l3_current,omitempty"`
	CurrentPower      uint32    `json:"current_power"`
	TotalEnergy       float64   `json:"total_energy"`
	InnerTemp         float64   `json:"inner_temp"`
	OuterTemp         float64   `json:"outer_temp"`
	EmergencyBtnState byte      `json:"emergency_btn_state"`
	GunState          byte      `json:"gun_state"`
	OutputState       byte      `json:"output_state"`
	CurrentState      byte      `json:"current_state"`
	Errors            []int     `json:"errors"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func stateFromStatus(r *emproto.SingleACStatus, now time.Time) *State {
	st := &State{
		LineID:            r.LineID,
		L1Voltage:         r.L1Voltage,
		L1Current:         r.L1Current,
		CurrentPower:      r.CurrentPower,
		TotalEnergy:       r.TotalEnergy,
		InnerTemp:         r.InnerTemp,
		OuterTemp:         r.OuterTemp,
		EmergencyBtnState: r.EmergencyBtnState,
		GunState:          r.GunState,
		OutputState:       r.OutputState,
		CurrentState:      r.CurrentState,
		Errors:            append([]int{}, r.Errors...),
		UpdatedAt:         now,
	}
	if t := r.Triphase; t != nil {
		st.L2Voltage, st.L2Current = t.L2Voltage, t.L2Current
		st.L3Voltage, st.L3Current = t.L3Voltage, t.L3Current
	}
	return st
}

// Display derives the display state
func (st *State) Display() DisplayState {
	switch {
	case st == nil:
		return DisplayIdle
	case len(st.Errors) > 0:
		return DisplayError
	case st.OutputState == emproto.OutputCharging:
		return DisplayCharging
	case st.GunState == emproto.GunConnectedUnlocked,
		st.GunState == emproto.GunNegotiating,
		st.GunState == emproto.GunConnectedLocked:
		return DisplayPluggedIn
	default:
		return DisplayIdle
	}
}

// CurrentCharge describes the running or last charge. ChargingStatus pushes
// and CurrentChargeRecord pulls map onto the same fields.
type CurrentCharge struct {
	Port            byte      `json:"port"`
	CurrentState    byte      `json:"current_state"`
	ChargeID        string    `json:"charge_id"`
	StartType       byte      `json:"start_type"`
	ChargeType      byte      `json:"charge_type"`
	MaxDurationMin  *float64  `json:"max_duration_minutes,omitempty"`
	MaxEnergyKWh    *float64  `json:"max_energy_kwh,omitempty"`
	Param3          *float64  `json:"param3,omitempty"`
	ReservationDate time.Time `json:"reservation_date"`
	UserID          string    `json:"user_id"`
	MaxCurrent      byte      `json:"max_current"`
	StartDate       time.Time `json:"start_date"`
	DurationSeconds uint32    `json:"duration_seconds"`
	StartEnergy     float64   `json:"start_energy"`
	CurrentEnergy   float64   `json:"current_energy"`
	ChargeEnergy    float64   `json:"charge_energy"`
	ChargePrice     float64   `json:"charge_price"`
	FeeType         byte      `json:"fee_type"`
	ChargeFee       float64   `json:"charge_fee"`
	StopReason      *byte     `json:"stop_reason,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func limitPtr(l emproto.Limit, div float64) *float64 {
	v, ok := l.Scaled(div)
	if !ok {
		return nil
	}
	return &v
}

func (c *CurrentCharge) applyChargingStatus(r *emproto.ChargingStatus, now time.Time) {
	c.Port = r.Port
	c.CurrentState = r.CurrentState
	c.ChargeID = r.ChargeID
	c.StartType = r.StartType
	c.ChargeType = r.ChargeType
	c.MaxDurationMin = limitPtr(r.MaxDuration, 1)
	c.MaxEnergyKWh = limitPtr(r.MaxEnergy, 100)
	c.Param3 = limitPtr(r.Param3, 100)
	c.ReservationDate = r.ReservationDate
	c.UserID = r.UserID
	c.MaxCurrent = r.MaxCurrent
	c.StartDate = r.StartDate
	c.DurationSeconds = r.DurationSeconds
	c.StartEnergy = r.StartEnergy
	c.CurrentEnergy = r.CurrentEnergy
	c.ChargeEnergy = r.ChargeEnergy
	c.ChargePrice = r.ChargePrice
	c.FeeType = r.FeeType
	c.ChargeFee = r.ChargeFee
	c.UpdatedAt = now
}

// applyChargeRecord maps the pull layout. The record has no state or
// current fields; those keep their previous value.
func (c *CurrentCharge) applyChargeRecord(r *emproto.CurrentChargeRecord, now time.Time) {
	c.Port = r.LineID
	c.ChargeID = r.ChargeID
	c.StartType = r.StartType
	c.ChargeType = r.ChargeType
	c.MaxDurationMin = limitPtr(r.Param1, 1)
	c.MaxEnergyKWh = limitPtr(r.Param2, 1000)
	c.Param3 = limitPtr(r.Param3, 100)
	c.ReservationDate = r.ReservationDate
	c.UserID = r.StartUserID
	c.StartDate = r.StartDate
	c.DurationSeconds = r.ChargedSeconds
	c.StartEnergy = r.StartEnergy
	c.CurrentEnergy = r.StopEnergy
	c.ChargeEnergy = r.ChargeEnergy
	c.ChargePrice = r.ChargePrice
	c.FeeType = r.FeeType
	c.ChargeFee = r.ChargeFee
	if r.HasStopCharge {
		reason := r.StopReason
		c.StopReason = &reason
	} else {
		c.StopReason = nil
	}
	c.UpdatedAt = now
}

// Snapshot is a read-only copy of a session
type Snapshot struct {
	Info          Info           `json:"info"`
	Config        Config         `json:"config"`
	State         *State         `json:"state,omitempty"`
	CurrentCharge *CurrentCharge `json:"current_charge,omitempty"`
	Online        bool           `json:"online"`
	LoggedIn      bool           `json:"logged_in"`
	MetaState     MetaState      `json:"meta_state"`
	Display       DisplayState   `json:"display_state"`
	LastSeen      time.Time      `json:"last_seen"`
	LastLogin     time.Time      `json:"last_login,omitempty"`
}

// Status combines the meta and display state the way a UI shows it: the
// connection state until logged in, the display state afterwards.
func (s Snapshot) Status() string {
	if s.MetaState != StateLoggedIn {
		return string(s.MetaState)
	}
	return string(s.Display)
}
