package emproto

import (
	"errors"
	"fmt"
	"time"
)

// Command codes of the charge control and charge reporting records
const (
	CmdChargingStatus              Command = 0x0005
	CmdChargingStatusResponse      Command = 0x0006
	CmdChargeStartResponse         Command = 0x0007
	CmdChargeStopResponse          Command = 0x0008
	CmdCurrentChargeRecord         Command = 0x0009
	CmdUploadLocalChargeRecord     Command = 0x000a
	CmdRequestStatusRecord         Command = 0x000d
	CmdChargeStart                 Command = 0x8007
	CmdChargeStop                  Command = 0x8008
	CmdRequestChargeStatusRecord   Command = 0x8009
	CmdCurrentChargeRecordResponse Command = 0x800d
)

// Output current bounds in amperes, inclusive
const (
	MinCurrent = 6
	MaxCurrent = 32
)

// ErrCurrentOutOfRange is returned for a current limit outside MinCurrent..MaxCurrent
var ErrCurrentOutOfRange = errors.New("current out of range")

// ValidateCurrent checks amps against the accepted output range
func ValidateCurrent(amps int) error {
	if amps < MinCurrent || amps > MaxCurrent {
		return fmt.Errorf("%w: %d A, want %d-%d A", ErrCurrentOutOfRange, amps, MinCurrent, MaxCurrent)
	}
	return nil
}

// Charging state codes reported in ChargingStatus
const (
	ChargeStateFinished byte = 13
	ChargeStateCharging byte = 14
	ChargeStateAlt18    byte = 18
	ChargeStateAlt19    byte = 19
)

const (
	chargeStartSize         = 47
	chargingStatusSize      = 74
	chargingStatusExtended  = 75
	idFieldSize             = 16
	chargeRecordBaseSize    = 97
	chargeRecordKwSize      = 156
	chargeRecordEnergySize  = 252
	chargeRecordFeeSize     = 348
	chargeRecordServiceSize = 446
	logKwEntries            = 30
	logDataEntries          = 48
)

// ChargeStart asks the EVSE to begin a charge
type ChargeStart struct {
	LineID          byte
	UserID          string
	ChargeID        string
	IsReservation   bool
	ReservationDate time.Time
	StartType       byte
	ChargeType      byte
	MaxDuration     Limit
	MaxEnergy       Limit
	Param3          Limit
	MaxCurrent      byte
}

func (*ChargeStart) Command() Command { return CmdChargeStart }

// MarshalBinary implements encoding.BinaryMarshaler
func (r *ChargeStart) MarshalBinary() ([]byte, error) {
	if err := ValidateCurrent(int(r.MaxCurrent)); err != nil {
		return nil, err
	}

	b := make([]byte, chargeStartSize)
	b[0] = r.LineID
	if err := putString(b, 1, idFieldSize, r.UserID); err != nil {
		return nil, err
	}
	if err := putString(b, 17, idFieldSize, r.ChargeID); err != nil {
		return nil, err
	}
	if r.IsReservation {
		b[33] = 1
	}
	putUnix(b, 34, r.ReservationDate)
	b[38] = r.StartType
	b[39] = r.ChargeType
	putU16(b, 40, uint16(r.MaxDuration))
	putU16(b, 42, uint16(r.MaxEnergy))
	putU16(b, 44, uint16(r.Param3))
	b[46] = r.MaxCurrent

	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *ChargeStart) UnmarshalBinary(b []byte) error {
	if len(b) < chargeStartSize {
		return fmt.Errorf("%w: charge start needs %d bytes, got %d", ErrPayloadTooShort, chargeStartSize, len(b))
	}

	*r = ChargeStart{
		LineID:          b[0],
		UserID:          readString(b, 1, idFieldSize),
		ChargeID:        readString(b, 17, idFieldSize),
		IsReservation:   b[33] != 0,
		ReservationDate: unixTime(u32(b, 34)),
		StartType:       b[38],
		ChargeType:      b[39],
		MaxDuration:     Limit(u16(b, 40)),
		MaxEnergy:       Limit(u16(b, 42)),
		Param3:          Limit(u16(b, 44)),
		MaxCurrent:      b[46],
	}
	return nil
}

// ChargeStop asks the EVSE to end the running charge
type ChargeStop struct{ emptyPayload }

func (*ChargeStop) Command() Command { return CmdChargeStop }

// ChargeStartResponse is sent by the EVSE after a ChargeStart
type ChargeStartResponse struct{ emptyPayload }

func (*ChargeStartResponse) Command() Command { return CmdChargeStartResponse }

// ChargeStopResponse is sent by the EVSE after a ChargeStop
type ChargeStopResponse struct{ emptyPayload }

func (*ChargeStopResponse) Command() Command { return CmdChargeStopResponse }

// ChargingStatus is pushed by the EVSE while a charge is in progress
type ChargingStatus struct {
	Port            byte      `json:"port"`
	CurrentState    byte      `json:"current_state"`
	ChargeID        string    `json:"charge_id"`
	StartType       byte      `json:"start_type"`
	ChargeType      byte      `json:"charge_type"`
	MaxDuration     Limit     `json:"max_duration"`
	MaxEnergy       Limit     `json:"max_energy"`
	Param3          Limit     `json:"param3"`
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
}

func (*ChargingStatus) Command() Command { return CmdChargingStatus }

func alternateChargeState(s byte) bool {
	return s == ChargeStateAlt18 || s == ChargeStateAlt19
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r *ChargingStatus) MarshalBinary() ([]byte, error) {
	size := chargingStatusSize
	if alternateChargeState(r.CurrentState) {
		size = chargingStatusExtended
	}

	b := make([]byte, size)
	b[0] = r.Port
	b[1] = r.CurrentState
	if err := putString(b, 2, idFieldSize, r.ChargeID); err != nil {
		return nil, err
	}
	b[18] = r.StartType
	b[19] = r.ChargeType
	putU16(b, 20, uint16(r.MaxDuration))
	putU16(b, 22, uint16(r.MaxEnergy))
	putU16(b, 24, uint16(r.Param3))
	putUnix(b, 26, r.ReservationDate)
	if err := putString(b, 30, idFieldSize, r.UserID); err != nil {
		return nil, err
	}
	b[46] = r.MaxCurrent
	putUnix(b, 47, r.StartDate)
	putU32(b, 51, r.DurationSeconds)
	putU32(b, 55, unscaled(r.StartEnergy, 100))
	putU32(b, 59, unscaled(r.CurrentEnergy, 100))
	putU32(b, 63, unscaled(r.ChargeEnergy, 100))
	putU32(b, 67, unscaled(r.ChargePrice, 100))
	b[71] = r.FeeType
	putU16(b, 72, uint16(unscaled(r.ChargeFee, 100)))

	if size == chargingStatusExtended {
		b[74] = r.CurrentState
	}

	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
// Missing trailing fields of a short payload decode as zero.
func (r *ChargingStatus) UnmarshalBinary(b []byte) error {
	b = padded(b, chargingStatusSize)

	state := b[1]
	if len(b) > chargingStatusSize && alternateChargeState(b[74]) {
		state = b[74]
	}

	*r = ChargingStatus{
		Port:            b[0],
		CurrentState:    state,
		ChargeID:        readString(b, 2, idFieldSize),
		StartType:       b[18],
		ChargeType:      b[19],
		MaxDuration:     Limit(u16(b, 20)),
		MaxEnergy:       Limit(u16(b, 22)),
		Param3:          Limit(u16(b, 24)),
		ReservationDate: unixTime(u32(b, 26)),
		UserID:          readString(b, 30, idFieldSize),
		MaxCurrent:      b[46],
		StartDate:       unixTime(u32(b, 47)),
		DurationSeconds: u32(b, 51),
		StartEnergy:     scaled(u32(b, 55), 100),
		CurrentEnergy:   scaled(u32(b, 59), 100),
		ChargeEnergy:    scaled(u32(b, 63), 100),
		ChargePrice:     scaled(u32(b, 67), 100),
		FeeType:         b[71],
		ChargeFee:       scaled(uint32(u16(b, 72)), 100),
	}
	return nil
}

// ChargingStatusResponse acknowledges a ChargingStatus push
type ChargingStatusResponse struct{ fillerPayload }

func (*ChargingStatusResponse) Command() Command { return CmdChargingStatusResponse }

// MarshalBinary implements encoding.BinaryMarshaler
func (*ChargingStatusResponse) MarshalBinary() ([]byte, error) { return []byte{0x00}, nil }

// CurrentChargeRecord is the pull-style report of the current or last charge
type CurrentChargeRecord struct {
	LineID          byte      `json:"line_id"`
	StartUserID     string    `json:"start_user_id"`
	EndUserID       string    `json:"end_user_id"`
	ChargeID        string    `json:"charge_id"`
	HasReservation  bool      `json:"has_reservation"`
	StartType       byte      `json:"start_type"`
	ChargeType      byte      `json:"charge_type"`
	Param1          Limit     `json:"param1"`
	Param2          Limit     `json:"param2"`
	Param3          Limit     `json:"param3"`
	StopReason      byte      `json:"stop_reason"`
	HasStopCharge   bool      `json:"has_stop_charge"`
	ReservationDate time.Time `json:"reservation_date"`
	StartDate       time.Time `json:"start_date"`
	StopDate        time.Time `json:"stop_date"`
	ChargedSeconds  uint32    `json:"charged_seconds"`
	StartEnergy     float64   `json:"start_energy"`
	StopEnergy      float64   `json:"stop_energy"`
	ChargeEnergy    float64   `json:"charge_energy"`
	ChargePrice     float64   `json:"charge_price"`
	FeeType         byte      `json:"fee_type"`
	ChargeFee       float64   `json:"charge_fee"`
	LogKwLength     byte      `json:"log_kw_length"`

	// Trailing logs, present only in the longer variants
	LogKw           []uint16 `json:"log_kw,omitempty"`
	LogChargeEnergy []uint16 `json:"log_charge_energy,omitempty"`
	LogChargeFee    []uint16 `json:"log_charge_fee,omitempty"`
	LogServiceFee   []uint16 `json:"log_service_fee,omitempty"`
}

func (*CurrentChargeRecord) Command() Command { return CmdCurrentChargeRecord }

func (r *CurrentChargeRecord) size() int {
	switch {
	case r.LogServiceFee != nil:
		return chargeRecordServiceSize
	case r.LogChargeFee != nil:
		return chargeRecordFeeSize
	case r.LogChargeEnergy != nil:
		return chargeRecordEnergySize
	case r.LogKw != nil:
		return chargeRecordKwSize
	default:
		return chargeRecordBaseSize
	}
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r *CurrentChargeRecord) MarshalBinary() ([]byte, error) {
	size := r.size()
	b := make([]byte, size)

	b[0] = r.LineID
	if err := putString(b, 1, idFieldSize, r.StartUserID); err != nil {
		return nil, err
	}
	if err := putString(b, 17, idFieldSize, r.EndUserID); err != nil {
		return nil, err
	}
	if err := putString(b, 33, idFieldSize, r.ChargeID); err != nil {
		return nil, err
	}
	b[49] = boolByte(r.HasReservation)
	b[50] = r.StartType
	b[51] = r.ChargeType
	putU16(b, 52, uint16(r.Param1))
	putU16(b, 54, uint16(r.Param2))
	putU16(b, 56, uint16(r.Param3))
	b[58] = r.StopReason
	b[59] = boolByte(r.HasStopCharge)
	putUnix(b, 60, r.ReservationDate)
	putUnix(b, 64, r.StartDate)
	putUnix(b, 68, r.StopDate)
	putU32(b, 72, r.ChargedSeconds)
	putU32(b, 76, unscaled(r.StartEnergy, 100))
	putU32(b, 80, unscaled(r.StopEnergy, 100))
	putU32(b, 84, unscaled(r.ChargeEnergy, 100))
	putU32(b, 88, unscaled(r.ChargePrice, 100))
	b[92] = r.FeeType
	putU16(b, 93, uint16(unscaled(r.ChargeFee, 100)))
	b[95] = r.LogKwLength

	if size >= chargeRecordKwSize {
		putLog(b, 96, logKwEntries, r.LogKw)
	}
	if size >= chargeRecordEnergySize {
		putLog(b, 156, logDataEntries, r.LogChargeEnergy)
	}
	if size >= chargeRecordFeeSize {
		putLog(b, 252, logDataEntries, r.LogChargeFee)
	}
	if size >= chargeRecordServiceSize {
		putLog(b, 348, logDataEntries, r.LogServiceFee)
	}

	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
// Missing trailing fields of a short payload decode as zero.
func (r *CurrentChargeRecord) UnmarshalBinary(b []byte) error {
	b = padded(b, chargeRecordBaseSize)

	*r = CurrentChargeRecord{
		LineID:          b[0],
		StartUserID:     readString(b, 1, idFieldSize),
		EndUserID:       readString(b, 17, idFieldSize),
		ChargeID:        readString(b, 33, idFieldSize),
		HasReservation:  b[49] != 0,
		StartType:       b[50],
		ChargeType:      b[51],
		Param1:          Limit(u16(b, 52)),
		Param2:          Limit(u16(b, 54)),
		Param3:          Limit(u16(b, 56)),
		StopReason:      b[58],
		HasStopCharge:   b[59] != 0,
		ReservationDate: unixTime(u32(b, 60)),
		StartDate:       unixTime(u32(b, 64)),
		StopDate:        unixTime(u32(b, 68)),
		ChargedSeconds:  u32(b, 72),
		StartEnergy:     scaled(u32(b, 76), 100),
		StopEnergy:      scaled(u32(b, 80), 100),
		ChargeEnergy:    scaled(u32(b, 84), 100),
		ChargePrice:     scaled(u32(b, 88), 100),
		FeeType:         b[92],
		ChargeFee:       scaled(uint32(u16(b, 93)), 100),
		LogKwLength:     b[95],
	}

	if len(b) >= chargeRecordKwSize {
		r.LogKw = readLog(b, 96, logKwEntries)
	}
	if len(b) >= chargeRecordEnergySize {
		r.LogChargeEnergy = readLog(b, 156, logDataEntries)
	}
	if len(b) >= chargeRecordFeeSize {
		r.LogChargeFee = readLog(b, 252, logDataEntries)
	}
	if len(b) >= chargeRecordServiceSize {
		r.LogServiceFee = readLog(b, 348, logDataEntries)
	}

	return nil
}

func readLog(b []byte, offset, n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = u16(b, offset+2*i)
	}
	return out
}

// putLog writes up to n entries; missing entries stay zero
func putLog(b []byte, offset, n int, entries []uint16) {
	for i := 0; i < n && i < len(entries); i++ {
		putU16(b, offset+2*i, entries[i])
	}
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// RequestChargeStatusRecord asks the EVSE for a CurrentChargeRecord
type RequestChargeStatusRecord struct{ emptyPayload }

func (*RequestChargeStatusRecord) Command() Command { return CmdRequestChargeStatusRecord }

// CurrentChargeRecordResponse acknowledges a CurrentChargeRecord
type CurrentChargeRecordResponse struct{ fillerPayload }

func (*CurrentChargeRecordResponse) Command() Command { return CmdCurrentChargeRecordResponse }

// MarshalBinary implements encoding.BinaryMarshaler
func (*CurrentChargeRecordResponse) MarshalBinary() ([]byte, error) { return []byte{0x00}, nil }

// rawPayload keeps the payload bytes of records whose layout is not decoded
type rawPayload struct {
	Raw []byte `json:"raw"`
}

func (r *rawPayload) MarshalBinary() ([]byte, error) {
	b := make([]byte, len(r.Raw))
	copy(b, r.Raw)
	return b, nil
}

func (r *rawPayload) UnmarshalBinary(b []byte) error {
	r.Raw = make([]byte, len(b))
	copy(r.Raw, b)
	return nil
}

// UploadLocalChargeRecord is a stored charge uploaded by the EVSE
type UploadLocalChargeRecord struct{ rawPayload }

func (*UploadLocalChargeRecord) Command() Command { return CmdUploadLocalChargeRecord }

// RequestStatusRecord is sent by some firmware after the handshake
type RequestStatusRecord struct{ rawPayload }

func (*RequestStatusRecord) Command() Command { return CmdRequestStatusRecord }

// Unrecognized carries a frame whose command code is not registered
type Unrecognized struct {
	Code Command `json:"code"`
	rawPayload
}

func (r *Unrecognized) Command() Command { return r.Code }
