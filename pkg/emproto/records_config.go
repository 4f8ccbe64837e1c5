package emproto

import (
	"fmt"
	"time"
)

// Command codes of the configuration records. Requests carry the 0x8000 bit.
const (
	CmdSystemTimeResponse    Command = 0x0101
	CmdChargeFeeResponse     Command = 0x0104
	CmdGetVersionResponse    Command = 0x0106
	CmdOutputCurrentResponse Command = 0x0107
	CmdNickNameResponse      Command = 0x0108
	CmdOffLineChargeResponse Command = 0x010c
	CmdSystemTime            Command = 0x8101
	CmdGetVersion            Command = 0x8106
	CmdOutputCurrent         Command = 0x8107
	CmdNickName              Command = 0x8108
	CmdOffLineCharge         Command = 0x810d
)

// Action selects between reading and writing a setting
type Action byte

const (
	ActionGet Action = 0
	ActionSet Action = 1
)

const (
	versionSize  = 37
	nickNameSize = 32
)

// SystemTime sets the EVSE clock
type SystemTime struct {
	Time time.Time `json:"time"`
}

func (*SystemTime) Command() Command { return CmdSystemTime }

// MarshalBinary implements encoding.BinaryMarshaler
func (r *SystemTime) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	putUnix(b, 0, r.Time)
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *SystemTime) UnmarshalBinary(b []byte) error {
	return unmarshalTime(&r.Time, b)
}

// SystemTimeResponse reports the EVSE clock
type SystemTimeResponse struct {
	Time time.Time `json:"time"`
}

func (*SystemTimeResponse) Command() Command { return CmdSystemTimeResponse }

// MarshalBinary implements encoding.BinaryMarshaler
func (r *SystemTimeResponse) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	putUnix(b, 0, r.Time)
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *SystemTimeResponse) UnmarshalBinary(b []byte) error {
	return unmarshalTime(&r.Time, b)
}

func unmarshalTime(t *time.Time, b []byte) error {
	if len(b) < 4 {
		return fmt.Errorf("%w: time needs 4 bytes, got %d", ErrPayloadTooShort, len(b))
	}
	*t = unixTime(u32(b, 0))
	return nil
}

// currentSetting is the shared action/amps layout
type currentSetting struct {
	Action  Action `json:"action"`
	Current byte   `json:"current"`
}

func (s *currentSetting) marshal() []byte {
	return []byte{byte(s.Action), s.Current}
}

func (s *currentSetting) unmarshal(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("%w: current setting needs 2 bytes, got %d", ErrPayloadTooShort, len(b))
	}
	s.Action = Action(b[0])
	s.Current = b[1]
	return nil
}

// OutputCurrent reads or writes the configured maximum output current
type OutputCurrent struct{ currentSetting }

func (*OutputCurrent) Command() Command { return CmdOutputCurrent }

// MarshalBinary implements encoding.BinaryMarshaler. A set must stay within
// MinCurrent..MaxCurrent; a get carries no value.
func (r *OutputCurrent) MarshalBinary() ([]byte, error) {
	if r.Action == ActionGet {
		return []byte{byte(ActionGet), 0}, nil
	}
	if err := ValidateCurrent(int(r.Current)); err != nil {
		return nil, err
	}
	return r.marshal(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *OutputCurrent) UnmarshalBinary(b []byte) error {
	return r.unmarshal(b)
}

// NewOutputCurrentGet reads the configured maximum output current
func NewOutputCurrentGet() *OutputCurrent {
	return &OutputCurrent{currentSetting{Action: ActionGet}}
}

// NewOutputCurrentSet writes the maximum output current
func NewOutputCurrentSet(amps byte) *OutputCurrent {
	return &OutputCurrent{currentSetting{Action: ActionSet, Current: amps}}
}

// OutputCurrentResponse echoes the configured maximum output current
type OutputCurrentResponse struct{ currentSetting }

func (*OutputCurrentResponse) Command() Command { return CmdOutputCurrentResponse }

// MarshalBinary implements encoding.BinaryMarshaler
func (r *OutputCurrentResponse) MarshalBinary() ([]byte, error) {
	return r.marshal(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *OutputCurrentResponse) UnmarshalBinary(b []byte) error {
	return r.unmarshal(b)
}

// NewOutputCurrentResponse builds the echo of an output current request
func NewOutputCurrentResponse(action Action, amps byte) *OutputCurrentResponse {
	return &OutputCurrentResponse{currentSetting{Action: action, Current: amps}}
}

// ChargeFeeResponse reports the fee setting
type ChargeFeeResponse struct{ currentSetting }

func (*ChargeFeeResponse) Command() Command { return CmdChargeFeeResponse }

// MarshalBinary implements encoding.BinaryMarshaler
func (r *ChargeFeeResponse) MarshalBinary() ([]byte, error) {
	return r.marshal(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *ChargeFeeResponse) UnmarshalBinary(b []byte) error {
	return r.unmarshal(b)
}

// GetVersion requests firmware information
type GetVersion struct{ emptyPayload }

func (*GetVersion) Command() Command { return CmdGetVersion }

// GetVersionResponse carries firmware information
type GetVersionResponse struct {
	HardwareVersion string `json:"hardware_version"`
	SoftwareVersion string `json:"software_version"`
	Feature         uint32 `json:"feature"`
	SupportNew      byte   `json:"support_new"`
}

func (*GetVersionResponse) Command() Command { return CmdGetVersionResponse }

// MarshalBinary implements encoding.BinaryMarshaler
func (r *GetVersionResponse) MarshalBinary() ([]byte, error) {
	b := make([]byte, versionSize)
	if err := putString(b, 0, idFieldSize, r.HardwareVersion); err != nil {
		return nil, err
	}
	if err := putString(b, 16, idFieldSize, r.SoftwareVersion); err != nil {
		return nil, err
	}
	putU32(b, 32, r.Feature)
	b[36] = r.SupportNew
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
// Missing trailing fields of a short payload decode as zero.
func (r *GetVersionResponse) UnmarshalBinary(b []byte) error {
	b = padded(b, versionSize)
	*r = GetVersionResponse{
		HardwareVersion: readString(b, 0, idFieldSize),
		SoftwareVersion: readString(b, 16, idFieldSize),
		Feature:         u32(b, 32),
		SupportNew:      b[36],
	}
	return nil
}

// nickNameSetting is the shared action/name layout
type nickNameSetting struct {
	Action Action `json:"action"`
	Name   string `json:"name"`
}

func (s *nickNameSetting) marshal() ([]byte, error) {
	b := make([]byte, 1+nickNameSize)
	b[0] = byte(s.Action)
	if err := putString(b, 1, nickNameSize, s.Name); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *nickNameSetting) unmarshal(b []byte) error {
	if len(b) < 1+nickNameSize {
		return fmt.Errorf("%w: nick name needs %d bytes, got %d", ErrPayloadTooShort, 1+nickNameSize, len(b))
	}
	s.Action = Action(b[0])
	s.Name = readString(b, 1, nickNameSize)
	return nil
}

// NickName reads or writes the display name stored on the EVSE
type NickName struct{ nickNameSetting }

func (*NickName) Command() Command { return CmdNickName }

// MarshalBinary implements encoding.BinaryMarshaler
func (r *NickName) MarshalBinary() ([]byte, error) { return r.marshal() }

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *NickName) UnmarshalBinary(b []byte) error { return r.unmarshal(b) }

// NewNickNameSet writes the display name
func NewNickNameSet(name string) *NickName {
	return &NickName{nickNameSetting{Action: ActionSet, Name: name}}
}

// NickNameResponse echoes the display name
type NickNameResponse struct{ nickNameSetting }

func (*NickNameResponse) Command() Command { return CmdNickNameResponse }

// MarshalBinary implements encoding.BinaryMarshaler
func (r *NickNameResponse) MarshalBinary() ([]byte, error) { return r.marshal() }

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *NickNameResponse) UnmarshalBinary(b []byte) error { return r.unmarshal(b) }

// NewNickNameResponse builds the echo of a nick name request
func NewNickNameResponse(action Action, name string) *NickNameResponse {
	return &NickNameResponse{nickNameSetting{Action: action, Name: name}}
}

// OffLineCharge enables or disables charging without an app connection
type OffLineCharge struct {
	Enabled bool `json:"enabled"`
}

func (*OffLineCharge) Command() Command { return CmdOffLineCharge }

// MarshalBinary implements encoding.BinaryMarshaler
func (r *OffLineCharge) MarshalBinary() ([]byte, error) {
	return []byte{boolByte(r.Enabled)}, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *OffLineCharge) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return fmt.Errorf("%w: offline charge needs 1 byte", ErrPayloadTooShort)
	}
	r.Enabled = b[0] == 1
	return nil
}

// OffLineChargeResponse reports the offline charge policy
type OffLineChargeResponse struct {
	Enabled bool `json:"enabled"`
}

func (*OffLineChargeResponse) Command() Command { return CmdOffLineChargeResponse }

// MarshalBinary implements encoding.BinaryMarshaler
func (r *OffLineChargeResponse) MarshalBinary() ([]byte, error) {
	return []byte{boolByte(r.Enabled)}, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *OffLineChargeResponse) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return fmt.Errorf("%w: offline charge needs 1 byte", ErrPayloadTooShort)
	}
	r.Enabled = b[0] == 1
	return nil
}
