package emproto

import "fmt"

// Command codes of the telemetry records
const (
	CmdSingleACStatus         Command = 0x0004
	CmdSingleACStatusResponse Command = 0x8004
)

const (
	acStatusSize         = 25
	acStatusTriphaseSize = 33
)

// Connector and output states
const (
	GunDisconnected      byte = 1
	GunConnectedUnlocked byte = 2
	GunNegotiating       byte = 3
	GunConnectedLocked   byte = 4

	OutputIdle     byte = 0
	OutputCharging byte = 1
)

// SingleACStatus is the periodic telemetry push
type SingleACStatus struct {
	LineID            byte      `json:"line_id"`
	L1Voltage         float64   `json:"l1_voltage"`
	L1Current         float64   `json:"l1_current"`
	CurrentPower      uint32    `json:"current_power"`
	TotalEnergy       float64   `json:"total_energy"`
	InnerTemp         float64   `json:"inner_temp"`
	OuterTemp         float64   `json:"outer_temp"`
	EmergencyBtnState byte      `json:"emergency_btn_state"`
	GunState          byte      `json:"gun_state"`
	OutputState       byte      `json:"output_state"`
	CurrentState      byte      `json:"current_state"`
	Errors            []int     `json:"errors"`
	Triphase          *Triphase `json:"triphase,omitempty"`
}

// Triphase carries the L2/L3 readings of three-phase units
type Triphase struct {
	L2Voltage float64 `json:"l2_voltage"`
	L2Current float64 `json:"l2_current"`
	L3Voltage float64 `json:"l3_voltage"`
	L3Current float64 `json:"l3_current"`
}

func (*SingleACStatus) Command() Command { return CmdSingleACStatus }

// ErrorBits packs the error list into the wire bit-set
func (r *SingleACStatus) ErrorBits() uint32 {
	return errorBits(r.Errors)
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r *SingleACStatus) MarshalBinary() ([]byte, error) {
	size := acStatusSize
	if r.Triphase != nil {
		size = acStatusTriphaseSize
	}

	b := make([]byte, size)
	b[0] = r.LineID
	putU16(b, 1, uint16(unscaled(r.L1Voltage, 10)))
	putU16(b, 3, uint16(unscaled(r.L1Current, 100)))
	putU32(b, 5, r.CurrentPower)
	putU32(b, 9, unscaled(r.TotalEnergy, 100))
	putU16(b, 13, EncodeTemperature(r.InnerTemp))
	putU16(b, 15, EncodeTemperature(r.OuterTemp))
	b[17] = r.EmergencyBtnState
	b[18] = r.GunState
	b[19] = r.OutputState
	b[20] = r.CurrentState
	putU32(b, 21, r.ErrorBits())

	if t := r.Triphase; t != nil {
		putU16(b, 25, uint16(unscaled(t.L2Voltage, 10)))
		putU16(b, 27, uint16(unscaled(t.L2Current, 100)))
		putU16(b, 29, uint16(unscaled(t.L3Voltage, 10)))
		putU16(b, 31, uint16(unscaled(t.L3Current, 100)))
	}

	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *SingleACStatus) UnmarshalBinary(b []byte) error {
	if len(b) < acStatusSize {
		return fmt.Errorf("%w: status needs %d bytes, got %d", ErrPayloadTooShort, acStatusSize, len(b))
	}

	*r = SingleACStatus{
		LineID:            b[0],
		L1Voltage:         scaled(uint32(u16(b, 1)), 10),
		L1Current:         scaled(uint32(u16(b, 3)), 100),
		CurrentPower:      u32(b, 5),
		TotalEnergy:       scaled(u32(b, 9), 100),
		InnerTemp:         DecodeTemperature(u16(b, 13)),
		OuterTemp:         DecodeTemperature(u16(b, 15)),
		EmergencyBtnState: b[17],
		GunState:          b[18],
		OutputState:       b[19],
		CurrentState:      b[20],
		Errors:            errorList(u32(b, 21)),
	}

	if len(b) >= acStatusTriphaseSize {
		r.Triphase = &Triphase{
			L2Voltage: scaled(uint32(u16(b, 25)), 10),
			L2Current: scaled(uint32(u16(b, 27)), 100),
			L3Voltage: scaled(uint32(u16(b, 29)), 10),
			L3Current: scaled(uint32(u16(b, 31)), 100),
		}
	}

	return nil
}

// errorList returns the index of every set bit, lowest first
func errorList(bits uint32) []int {
	errs := []int{}
	for i := 0; i < 32; i++ {
		if bits&(1<<uint(i)) != 0 {
			errs = append(errs, i)
		}
	}
	return errs
}

func errorBits(errs []int) uint32 {
	var bits uint32
	for _, e := range errs {
		if e >= 0 && e < 32 {
			bits |= 1 << uint(e)
		}
	}
	return bits
}

// SingleACStatusResponse acknowledges a status push
type SingleACStatusResponse struct{ fillerPayload }

func (*SingleACStatusResponse) Command() Command { return CmdSingleACStatusResponse }
func (*SingleACStatusResponse) MarshalBinary() ([]byte, error) { return []byte{0x01}, nil }
