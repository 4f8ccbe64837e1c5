package emproto

import (
	"errors"
	"fmt"
	"sort"
)

// ErrDuplicateCommand is returned when two entries claim the same command code
var ErrDuplicateCommand = errors.New("duplicate command")

// Record is the typed payload of a frame
type Record interface {
	Command() Command
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(payload []byte) error
}

// Entry binds a command code to a record constructor
type Entry struct {
	Command Command
	Name    string
	New     func() Record
}

// Registry maps command codes to record types. It is immutable once built.
type Registry struct {
	entries map[Command]Entry
}

// NewRegistry builds a registry, rejecting duplicate command codes
func NewRegistry(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[Command]Entry, len(entries))}

	for _, e := range entries {
		if existing, ok := r.entries[e.Command]; ok {
			return nil, fmt.Errorf("%w: %s claimed by %s and %s", ErrDuplicateCommand, e.Command, existing.Name, e.Name)
		}
		if got := e.New().Command(); got != e.Command {
			return nil, fmt.Errorf("entry %s: constructor yields %s, registered as %s", e.Name, got, e.Command)
		}
		r.entries[e.Command] = e
	}

	return r, nil
}

// MustNewRegistry is like NewRegistry but panics on error
func MustNewRegistry(entries ...Entry) *Registry {
	r, err := NewRegistry(entries...)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the entry registered for cmd
func (r *Registry) Lookup(cmd Command) (Entry, bool) {
	e, ok := r.entries[cmd]
	return e, ok
}

// New returns an empty record for cmd, or an Unrecognized record when the
// command is not registered.
func (r *Registry) New(cmd Command) Record {
	if e, ok := r.entries[cmd]; ok {
		return e.New()
	}
	return &Unrecognized{Code: cmd}
}

// Name returns the registered name of cmd
func (r *Registry) Name(cmd Command) string {
	if e, ok := r.entries[cmd]; ok {
		return e.Name
	}
	return "Unrecognized(" + cmd.String() + ")"
}

// Commands returns the registered command codes in ascending order
func (r *Registry) Commands() []Command {
	cmds := make([]Command, 0, len(r.entries))
	for c := range r.entries {
		cmds = append(cmds, c)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i] < cmds[j] })
	return cmds
}

// DefaultEntries lists every record type known to this package
func DefaultEntries() []Entry {
	return []Entry{
		{CmdLogin, "Login", func() Record { return &Login{} }},
		{CmdLoginResponse, "LoginResponse", func() Record { return &LoginResponse{} }},
		{CmdLoginConfirm, "LoginConfirm", func() Record { return &LoginConfirm{} }},
		{CmdRequestLogin, "RequestLogin", func() Record { return &RequestLogin{} }},
		{CmdPasswordError, "PasswordErrorResponse", func() Record { return &PasswordErrorResponse{} }},
		{CmdHeading, "Heading", func() Record { return &Heading{} }},
		{CmdHeadingResponse, "HeadingResponse", func() Record { return &HeadingResponse{} }},
		{CmdSingleACStatus, "SingleACStatus", func() Record { return &SingleACStatus{} }},
		{CmdSingleACStatusResponse, "SingleACStatusResponse", func() Record { return &SingleACStatusResponse{} }},
		{CmdChargingStatus, "SingleACChargingStatus", func() Record { return &ChargingStatus{} }},
		{CmdChargingStatusResponse, "SingleACChargingStatusResponse", func() Record { return &ChargingStatusResponse{} }},
		{CmdChargeStart, "ChargeStart", func() Record { return &ChargeStart{} }},
		{CmdChargeStartResponse, "ChargeStartResponse", func() Record { return &ChargeStartResponse{} }},
		{CmdChargeStop, "ChargeStop", func() Record { return &ChargeStop{} }},
		{CmdChargeStopResponse, "ChargeStopResponse", func() Record { return &ChargeStopResponse{} }},
		{CmdCurrentChargeRecord, "CurrentChargeRecord", func() Record { return &CurrentChargeRecord{} }},
		{CmdRequestChargeStatusRecord, "RequestChargeStatusRecord", func() Record { return &RequestChargeStatusRecord{} }},
		{CmdCurrentChargeRecordResponse, "CurrentChargeRecordResponse", func() Record { return &CurrentChargeRecordResponse{} }},
		{CmdUploadLocalChargeRecord, "UploadLocalChargeRecord", func() Record { return &UploadLocalChargeRecord{} }},
		{CmdRequestStatusRecord, "RequestStatusRecord", func() Record { return &RequestStatusRecord{} }},
		{CmdSystemTime, "SetAndGetSystemTime", func() Record { return &SystemTime{} }},
		{CmdSystemTimeResponse, "SetAndGetSystemTimeResponse", func() Record { return &SystemTimeResponse{} }},
		{CmdChargeFeeResponse, "SetAndGetChargeFeeResponse", func() Record { return &ChargeFeeResponse{} }},
		{CmdGetVersion, "GetVersion", func() Record { return &GetVersion{} }},
		{CmdGetVersionResponse, "GetVersionResponse", func() Record { return &GetVersionResponse{} }},
		{CmdOutputCurrent, "SetAndGetOutputElectricity", func() Record { return &OutputCurrent{} }},
		{CmdOutputCurrentResponse, "SetAndGetOutputElectricityResponse", func() Record { return &OutputCurrentResponse{} }},
		{CmdNickName, "SetAndGetNickName", func() Record { return &NickName{} }},
		{CmdNickNameResponse, "SetAndGetNickNameResponse", func() Record { return &NickNameResponse{} }},
		{CmdOffLineCharge, "SetAndGetOffLineCharge", func() Record { return &OffLineCharge{} }},
		{CmdOffLineChargeResponse, "SetAndGetOffLineChargeResponse", func() Record { return &OffLineChargeResponse{} }},
	}
}

// DefaultRegistry holds every record type of this package
var DefaultRegistry = MustNewRegistry(DefaultEntries()...)
