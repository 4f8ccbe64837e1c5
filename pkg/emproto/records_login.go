package emproto

import (
	"errors"
)

// Command codes of the handshake and keep-alive records
const (
	CmdLogin           Command = 0x0001
	CmdLoginResponse   Command = 0x0002
	CmdHeading         Command = 0x0003
	CmdPasswordError   Command = 0x0155
	CmdLoginConfirm    Command = 0x8001
	CmdRequestLogin    Command = 0x8002
	CmdHeadingResponse Command = 0x8003
)

// Payload errors
var (
	ErrPayloadTooShort = errors.New("payload too short")
	ErrStringTooLong   = errors.New("string too long")
)

// Discovery payload sizes. The optional sections carry no length prefix;
// the device variant is identified by the exact payload length.
const (
	loginBaseSize     = 54
	loginHotLineSize  = 70
	loginP51Size      = 71
	loginLongHot118   = 118
	loginLongHot119   = 119
	loginExtendedSize = 151

	loginFieldSize   = 16
	loginHotLineTail = 48
)

// DeviceInfo is the identity block shared by Login and LoginResponse
type DeviceInfo struct {
	Type            byte   `json:"type"`
	Brand           string `json:"brand"`
	Model           string `json:"model"`
	HardwareVersion string `json:"hardware_version"`
	MaxPower        uint32 `json:"max_power"`
	MaxCurrent      byte   `json:"max_current"`
	HotLine         string `json:"hot_line,omitempty"`
	P51             byte   `json:"p51,omitempty"`
}

// Phases returns the supported phase count derived from the device type
func (d DeviceInfo) Phases() int {
	return PhasesForType(d.Type)
}

// PhasesForType reports 3 for three-phase device types, 1 otherwise
func PhasesForType(t byte) int {
	switch {
	case t >= 10 && t <= 15, t >= 22 && t <= 25:
		return 3
	default:
		return 1
	}
}

func hasP51(t byte) bool {
	return t == 9 || t == 10 || t == 25
}

// unmarshal never fails: fields beyond a short payload stay zero
func (d *DeviceInfo) unmarshal(b []byte) error {
	b = padded(b, loginBaseSize)

	*d = DeviceInfo{
		Type:            b[0],
		Brand:           readString(b, 1, loginFieldSize),
		Model:           readString(b, 17, loginFieldSize),
		HardwareVersion: readString(b, 33, loginFieldSize),
		MaxPower:        u32(b, 49),
		MaxCurrent:      b[53],
	}

	if len(b) >= loginHotLineSize {
		d.HotLine = readString(b, 54, loginFieldSize)
	}

	switch len(b) {
	case loginLongHot118:
		d.HotLine += readString(b, 70, loginHotLineTail)
	case loginLongHot119, loginExtendedSize:
		d.HotLine += readString(b, 71, loginHotLineTail)
	}

	if len(b) == loginExtendedSize {
		d.Brand += readString(b, 119, loginFieldSize)
		d.Model += readString(b, 135, loginFieldSize)
	}

	if len(b) >= loginP51Size && hasP51(d.Type) {
		d.P51 = b[70]
	}

	return nil
}

// marshal picks the shortest variant able to carry every field
func (d *DeviceInfo) marshal() ([]byte, error) {
	size := loginBaseSize
	switch {
	case len(d.Brand) > loginFieldSize || len(d.Model) > loginFieldSize:
		size = loginExtendedSize
	case len(d.HotLine) > loginFieldSize:
		size = loginLongHot119
	case d.HotLine != "" || d.P51 != 0:
		size = loginP51Size
	}

	b := make([]byte, size)
	b[0] = d.Type

	brandHead, brandTail := splitField(d.Brand, loginFieldSize)
	modelHead, modelTail := splitField(d.Model, loginFieldSize)
	if err := putString(b, 1, loginFieldSize, brandHead); err != nil {
		return nil, err
	}
	if err := putString(b, 17, loginFieldSize, modelHead); err != nil {
		return nil, err
	}
	if err := putString(b, 33, loginFieldSize, d.HardwareVersion); err != nil {
		return nil, err
	}
	putU32(b, 49, d.MaxPower)
	b[53] = d.MaxCurrent

	if size == loginBaseSize {
		return b, nil
	}

	hotHead, hotTail := splitField(d.HotLine, loginFieldSize)
	if err := putString(b, 54, loginFieldSize, hotHead); err != nil {
		return nil, err
	}
	b[70] = d.P51

	if size >= loginLongHot119 {
		if err := putString(b, 71, loginHotLineTail, hotTail); err != nil {
			return nil, err
		}
	}

	if size == loginExtendedSize {
		if err := putString(b, 119, loginFieldSize, brandTail); err != nil {
			return nil, err
		}
		if err := putString(b, 135, loginFieldSize, modelTail); err != nil {
			return nil, err
		}
	}

	return b, nil
}

func splitField(s string, n int) (string, string) {
	if len(s) <= n {
		return s, ""
	}
	return s[:n], s[n:]
}

// Login is the discovery broadcast an EVSE sends while looking for an app
type Login struct {
	DeviceInfo
}

func (*Login) Command() Command { return CmdLogin }

// MarshalBinary implements encoding.BinaryMarshaler
func (r *Login) MarshalBinary() ([]byte, error) {
	return r.DeviceInfo.marshal()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *Login) UnmarshalBinary(b []byte) error {
	return r.DeviceInfo.unmarshal(b)
}

// LoginResponse answers a RequestLogin. Some firmware sends it empty,
// others repeat the discovery block.
type LoginResponse struct {
	DeviceInfo
	HasInfo bool `json:"has_info"`
}

func (*LoginResponse) Command() Command { return CmdLoginResponse }

// MarshalBinary implements encoding.BinaryMarshaler
func (r *LoginResponse) MarshalBinary() ([]byte, error) {
	if !r.HasInfo {
		return []byte{}, nil
	}
	return r.DeviceInfo.marshal()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *LoginResponse) UnmarshalBinary(b []byte) error {
	if len(b) < loginBaseSize {
		*r = LoginResponse{}
		return nil
	}
	r.HasInfo = true
	return r.DeviceInfo.unmarshal(b)
}

// emptyPayload marshals to zero bytes and accepts anything
type emptyPayload struct{}

func (emptyPayload) MarshalBinary() ([]byte, error) { return []byte{}, nil }
func (emptyPayload) UnmarshalBinary([]byte) error { return nil }

// fillerPayload marshals to a single fixed byte
type fillerPayload struct{}

func (fillerPayload) UnmarshalBinary([]byte) error { return nil }

// LoginConfirm completes the handshake
type LoginConfirm struct{ fillerPayload }

func (*LoginConfirm) Command() Command { return CmdLoginConfirm }
func (*LoginConfirm) MarshalBinary() ([]byte, error) { return []byte{0x00}, nil }

// RequestLogin starts the handshake. Sent without a serial it doubles as a
// discovery probe.
type RequestLogin struct{ fillerPayload }

func (*RequestLogin) Command() Command { return CmdRequestLogin }
func (*RequestLogin) MarshalBinary() ([]byte, error) { return []byte{0x00}, nil }

// PasswordErrorResponse signals that the password in the request was wrong
type PasswordErrorResponse struct{ emptyPayload }

func (*PasswordErrorResponse) Command() Command { return CmdPasswordError }

// Heading is the EVSE heartbeat
type Heading struct{ emptyPayload }

func (*Heading) Command() Command { return CmdHeading }

// HeadingResponse acknowledges a heartbeat
type HeadingResponse struct{ emptyPayload }

func (*HeadingResponse) Command() Command { return CmdHeadingResponse }
