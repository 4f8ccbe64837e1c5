package emproto

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func ts(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func seq(n int, start uint16) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = start + uint16(i)
	}
	return out
}

func TestRecords_RoundTrip(t *testing.T) {
	withRaw := func(r Record, raw []byte) Record {
		switch v := r.(type) {
		case *UploadLocalChargeRecord:
			v.Raw = raw
		case *RequestStatusRecord:
			v.Raw = raw
		}
		return r
	}

	tests := []struct {
		name   string
		record Record
	}{
		{"login base", &Login{DeviceInfo{Type: 1, Brand: "EVSE", Model: "AC-7", HardwareVersion: "H1.0", MaxPower: 7400, MaxCurrent: 32}}},
		{"login hotline", &Login{DeviceInfo{Type: 2, Brand: "EVSE", Model: "AC-7", MaxPower: 7400, MaxCurrent: 32, HotLine: "+33123456"}}},
		{"login p51", &Login{DeviceInfo{Type: 10, Brand: "EVSE", Model: "AC-22", MaxPower: 22000, MaxCurrent: 32, P51: 3}}},
		{"login long hotline", &Login{DeviceInfo{Type: 1, Brand: "EVSE", Model: "AC-7", HotLine: "support line reachable at +33 1 23 45 67 89"}}},
		{"login extended", &Login{DeviceInfo{Type: 25, Brand: "Besen International", Model: "BS20-Wallbox-3P", HardwareVersion: "V2", MaxPower: 11000, MaxCurrent: 16, HotLine: "12345", P51: 1}}},
		{"login response empty", &LoginResponse{}},
		{"login response info", &LoginResponse{DeviceInfo: DeviceInfo{Type: 3, Brand: "EVSE", Model: "M", MaxCurrent: 16}, HasInfo: true}},
		{"login confirm", &LoginConfirm{}},
		{"request login", &RequestLogin{}},
		{"password error", &PasswordErrorResponse{}},
		{"heading", &Heading{}},
		{"heading response", &HeadingResponse{}},
		{"ac status single phase", &SingleACStatus{
			LineID: 1, L1Voltage: 230.5, L1Current: 15.98, CurrentPower: 3680, TotalEnergy: 1234.56,
			InnerTemp: 32.5, OuterTemp: TemperatureUnavailable, GunState: GunConnectedLocked,
			OutputState: OutputCharging, CurrentState: 14, Errors: []int{},
		}},
		{"ac status triphase", &SingleACStatus{
			LineID: 1, L1Voltage: 231, L1Current: 10, TotalEnergy: 0.01, InnerTemp: -5.5, OuterTemp: 0,
			Errors: []int{0, 3, 31},
			Triphase: &Triphase{L2Voltage: 229.9, L2Current: 9.99, L3Voltage: 232.1, L3Current: 10.01},
		}},
		{"ac status response", &SingleACStatusResponse{}},
		{"charging status", &ChargingStatus{
			Port: 1, CurrentState: ChargeStateCharging, ChargeID: "1700000000000000", StartType: 1, ChargeType: 1,
			MaxDuration: Unlimited, MaxEnergy: 1500, Param3: Unlimited, ReservationDate: ts(1700000000),
			UserID: "emmgr", MaxCurrent: 16, StartDate: ts(1700000005), DurationSeconds: 3600,
			StartEnergy: 1000.5, CurrentEnergy: 1007.25, ChargeEnergy: 6.75, ChargePrice: 0.25, FeeType: 1, ChargeFee: 1.69,
		}},
		{"charging status alternate state", &ChargingStatus{CurrentState: ChargeStateAlt19, MaxDuration: 60, MaxEnergy: Unlimited, Param3: 5}},
		{"charging status response", &ChargingStatusResponse{}},
		{"charge start", &ChargeStart{
			LineID: 1, UserID: "emmgr", ChargeID: "a1b2c3d4e5f60718", ReservationDate: ts(1700000000),
			StartType: 1, ChargeType: 1, MaxDuration: Unlimited, MaxEnergy: Unlimited, Param3: Unlimited, MaxCurrent: 16,
		}},
		{"charge start reservation", &ChargeStart{IsReservation: true, ReservationDate: ts(1800000000), MaxDuration: 90, MaxEnergy: 2000, Param3: 1, MaxCurrent: 6}},
		{"charge start response", &ChargeStartResponse{}},
		{"charge stop", &ChargeStop{}},
		{"charge stop response", &ChargeStopResponse{}},
		{"charge record base", &CurrentChargeRecord{
			LineID: 1, StartUserID: "emmgr", EndUserID: "emmgr", ChargeID: "1700000000000000",
			HasReservation: true, StartType: 1, ChargeType: 2, Param1: Unlimited, Param2: 500, Param3: Unlimited,
			StopReason: 2, HasStopCharge: true, ReservationDate: ts(1700000000), StartDate: ts(1700000001),
			StopDate: ts(1700003601), ChargedSeconds: 3600, StartEnergy: 10, StopEnergy: 17.5, ChargeEnergy: 7.5,
			ChargePrice: 0.3, FeeType: 1, ChargeFee: 2.25, LogKwLength: 30,
		}},
		{"charge record kw log", &CurrentChargeRecord{LogKwLength: 30, Param1: 1, Param2: 2, Param3: 3, LogKw: seq(logKwEntries, 100)}},
		{"charge record all logs", &CurrentChargeRecord{
			LogKw: seq(logKwEntries, 1), LogChargeEnergy: seq(logDataEntries, 200),
			LogChargeFee: seq(logDataEntries, 300), LogServiceFee: seq(logDataEntries, 400),
		}},
		{"request charge record", &RequestChargeStatusRecord{}},
		{"charge record response", &CurrentChargeRecordResponse{}},
		{"upload local record", withRaw(&UploadLocalChargeRecord{}, []byte{9, 8, 7})},
		{"request status record", withRaw(&RequestStatusRecord{}, []byte{})},
		{"system time", &SystemTime{Time: ts(1700000000)}},
		{"system time response", &SystemTimeResponse{Time: ts(1700000123)}},
		{"charge fee response", &ChargeFeeResponse{currentSetting{Action: ActionSet, Current: 10}}},
		{"get version", &GetVersion{}},
		{"version response", &GetVersionResponse{HardwareVersion: "HW1.2", SoftwareVersion: "SW3.04.05", Feature: 0x0102, SupportNew: 1}},
		{"output current get", NewOutputCurrentGet()},
		{"output current set", NewOutputCurrentSet(32)},
		{"output current response", NewOutputCurrentResponse(ActionSet, 20)},
		{"nick name", NewNickNameSet("Garage")},
		{"nick name response", NewNickNameResponse(ActionGet, "Garage charger")},
		{"offline charge", &OffLineCharge{Enabled: true}},
		{"offline charge response", &OffLineChargeResponse{Enabled: false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(&Datagram{Serial: testSerial, Password: NewPassword("123456"), Record: tt.record})
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			d, n, err := Decode(frame, DefaultRegistry)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if n != len(frame) {
				t.Errorf("consumed %d bytes, want %d", n, len(frame))
			}
			if d.Serial != testSerial {
				t.Errorf("Serial = %s", d.Serial)
			}
			if !reflect.DeepEqual(d.Record, tt.record) {
				t.Errorf("round trip mismatch:\n got  %+v\n want %+v", d.Record, tt.record)
			}
		})
	}
}

func TestRegistry_CoversEveryRecord(t *testing.T) {
	for _, cmd := range DefaultRegistry.Commands() {
		rec := DefaultRegistry.New(cmd)
		if rec.Command() != cmd {
			t.Errorf("New(%s).Command() = %s", cmd, rec.Command())
		}
		if _, ok := rec.(*Unrecognized); ok {
			t.Errorf("New(%s) returned Unrecognized", cmd)
		}
	}

	if got := len(DefaultRegistry.Commands()); got != len(DefaultEntries()) {
		t.Errorf("registry holds %d commands, want %d", got, len(DefaultEntries()))
	}
}

func TestNewRegistry_RejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(
		Entry{CmdHeading, "Heading", func() Record { return &Heading{} }},
		Entry{CmdHeading, "AlsoHeading", func() Record { return &Heading{} }},
	)
	if !errors.Is(err, ErrDuplicateCommand) {
		t.Errorf("NewRegistry() error = %v, want %v", err, ErrDuplicateCommand)
	}

	_, err = NewRegistry(Entry{CmdHeading, "Mislabelled", func() Record { return &HeadingResponse{} }})
	if err == nil {
		t.Error("NewRegistry() accepted an entry whose record reports another command")
	}
}

func TestDecodeTemperature(t *testing.T) {
	tests := []struct {
		raw  uint16
		want float64
	}{
		{0xFFFF, TemperatureUnavailable},
		{20000, 0.0},
		{20280, 2.8},
		{19450, -5.5},
		{23250, 32.5},
	}

	for _, tt := range tests {
		if got := DecodeTemperature(tt.raw); got != tt.want {
			t.Errorf("DecodeTemperature(%d) = %v, want %v", tt.raw, got, tt.want)
		}
		if tt.want != TemperatureUnavailable {
			if back := EncodeTemperature(tt.want); back != tt.raw {
				t.Errorf("EncodeTemperature(%v) = %d, want %d", tt.want, back, tt.raw)
			}
		}
	}
}

func TestCurrentBounds(t *testing.T) {
	tests := []struct {
		amps    byte
		wantErr bool
	}{
		{5, true},
		{6, false},
		{16, false},
		{32, false},
		{33, true},
	}

	for _, tt := range tests {
		start := &ChargeStart{MaxCurrent: tt.amps, MaxDuration: Unlimited, MaxEnergy: Unlimited, Param3: Unlimited}
		_, err := start.MarshalBinary()
		if (err != nil) != tt.wantErr {
			t.Errorf("ChargeStart(%d A) error = %v, wantErr %v", tt.amps, err, tt.wantErr)
		}
		if tt.wantErr && !errors.Is(err, ErrCurrentOutOfRange) {
			t.Errorf("ChargeStart(%d A) error = %v, want %v", tt.amps, err, ErrCurrentOutOfRange)
		}

		_, err = NewOutputCurrentSet(tt.amps).MarshalBinary()
		if (err != nil) != tt.wantErr {
			t.Errorf("OutputCurrent set %d A error = %v, wantErr %v", tt.amps, err, tt.wantErr)
		}
	}

	if _, err := NewOutputCurrentGet().MarshalBinary(); err != nil {
		t.Errorf("OutputCurrent get error = %v", err)
	}
}

func loginPayload(size int, typ byte) []byte {
	b := make([]byte, size)
	b[0] = typ
	copy(b[1:], "BRAND")
	copy(b[17:], "MODEL")
	copy(b[33:], "HW")
	putU32(b, 49, 7000)
	b[53] = 32
	if size >= 70 {
		copy(b[54:], "HOT")
	}
	return b
}

func TestLogin_LengthVariants(t *testing.T) {
	tests := []struct {
		name      string
		payload   func() []byte
		wantHot   string
		wantBrand string
		wantModel string
		wantP51   byte
	}{
		{"54 bytes", func() []byte { return loginPayload(54, 1) }, "", "BRAND", "MODEL", 0},
		{"70 bytes", func() []byte { return loginPayload(70, 1) }, "HOT", "BRAND", "MODEL", 0},
		{"71 bytes p51 type", func() []byte {
			b := loginPayload(71, 9)
			b[70] = 7
			return b
		}, "HOT", "BRAND", "MODEL", 7},
		{"71 bytes other type ignores p51", func() []byte {
			b := loginPayload(71, 2)
			b[70] = 7
			return b
		}, "HOT", "BRAND", "MODEL", 0},
		{"118 bytes tail at 70", func() []byte {
			b := loginPayload(118, 1)
			copy(b[70:], "LINE")
			return b
		}, "HOTLINE", "BRAND", "MODEL", 0},
		{"119 bytes tail at 71", func() []byte {
			b := loginPayload(119, 1)
			copy(b[71:], "LINE")
			return b
		}, "HOTLINE", "BRAND", "MODEL", 0},
		{"120 bytes has no tail", func() []byte {
			b := loginPayload(120, 1)
			copy(b[71:], "LINE")
			return b
		}, "HOT", "BRAND", "MODEL", 0},
		{"151 bytes extends brand and model", func() []byte {
			b := loginPayload(151, 1)
			copy(b[71:], "LINE")
			copy(b[119:], "-X")
			copy(b[135:], "-Y")
			return b
		}, "HOTLINE", "BRAND-X", "MODEL-Y", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Login
			if err := r.UnmarshalBinary(tt.payload()); err != nil {
				t.Fatalf("UnmarshalBinary() error = %v", err)
			}
			if r.HotLine != tt.wantHot || r.Brand != tt.wantBrand || r.Model != tt.wantModel || r.P51 != tt.wantP51 {
				t.Errorf("got hot=%q brand=%q model=%q p51=%d", r.HotLine, r.Brand, r.Model, r.P51)
			}
			if r.MaxPower != 7000 || r.MaxCurrent != 32 || r.HardwareVersion != "HW" {
				t.Errorf("base fields = %+v", r.DeviceInfo)
			}
		})
	}

	short := make([]byte, 20)
	short[0] = 12
	copy(short[1:], "Besen")

	var r Login
	if err := r.UnmarshalBinary(short); err != nil {
		t.Fatalf("20 bytes error = %v", err)
	}
	if r.Type != 12 || r.Brand != "Besen" || r.Model != "" || r.MaxPower != 0 {
		t.Errorf("short login = %+v, want present fields only", r.DeviceInfo)
	}
}

func TestLogin_EncodedSize(t *testing.T) {
	tests := []struct {
		name string
		info DeviceInfo
		want int
	}{
		{"base", DeviceInfo{Brand: "B"}, 54},
		{"hotline", DeviceInfo{HotLine: "123"}, 71},
		{"long hotline", DeviceInfo{HotLine: strings.Repeat("9", 20)}, 119},
		{"long brand", DeviceInfo{Brand: strings.Repeat("b", 20)}, 151},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := (&Login{tt.info}).MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary() error = %v", err)
			}
			if len(b) != tt.want {
				t.Errorf("len = %d, want %d", len(b), tt.want)
			}
		})
	}

	if _, err := (&Login{DeviceInfo{Brand: strings.Repeat("b", 33)}}).MarshalBinary(); !errors.Is(err, ErrStringTooLong) {
		t.Errorf("33 byte brand error = %v, want %v", err, ErrStringTooLong)
	}
}

func TestPhasesForType(t *testing.T) {
	three := map[byte]bool{10: true, 11: true, 12: true, 13: true, 14: true, 15: true, 22: true, 23: true, 24: true, 25: true}
	for typ := 0; typ < 32; typ++ {
		want := 1
		if three[byte(typ)] {
			want = 3
		}
		if got := PhasesForType(byte(typ)); got != want {
			t.Errorf("PhasesForType(%d) = %d, want %d", typ, got, want)
		}
	}
}

func TestChargingStatus_StatePosition(t *testing.T) {
	b := make([]byte, 75)
	b[1] = ChargeStateCharging

	var r ChargingStatus
	if err := r.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary() error = %v", err)
	}
	if r.CurrentState != ChargeStateCharging {
		t.Errorf("state = %d, want byte 1 when byte 74 is not 18/19", r.CurrentState)
	}

	b[74] = ChargeStateAlt18
	if err := r.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary() error = %v", err)
	}
	if r.CurrentState != ChargeStateAlt18 {
		t.Errorf("state = %d, want byte 74", r.CurrentState)
	}

	if err := r.UnmarshalBinary(b[:10]); err != nil {
		t.Fatalf("10 bytes error = %v", err)
	}
	if r.CurrentState != ChargeStateCharging || r.FeeType != 0 || !r.StartDate.IsZero() {
		t.Errorf("short status = %+v, want missing fields zero", r)
	}
}

func TestChargingStatus_Limits(t *testing.T) {
	r := ChargingStatus{MaxDuration: Unlimited, MaxEnergy: 1550}
	if _, ok := r.MaxDuration.Scaled(1); ok {
		t.Error("unlimited duration reported as set")
	}
	if v, ok := r.MaxEnergy.Scaled(100); !ok || v != 15.5 {
		t.Errorf("MaxEnergy.Scaled(100) = %v, %v", v, ok)
	}
}

func TestCurrentChargeRecord_LogThresholds(t *testing.T) {
	tests := []struct {
		size                        int
		kw, energy, fee, serviceFee bool
	}{
		{97, false, false, false, false},
		{155, false, false, false, false},
		{156, true, false, false, false},
		{251, true, false, false, false},
		{252, true, true, false, false},
		{348, true, true, true, false},
		{445, true, true, true, false},
		{446, true, true, true, true},
	}

	for _, tt := range tests {
		var r CurrentChargeRecord
		if err := r.UnmarshalBinary(make([]byte, tt.size)); err != nil {
			t.Fatalf("size %d: error = %v", tt.size, err)
		}
		got := [4]bool{r.LogKw != nil, r.LogChargeEnergy != nil, r.LogChargeFee != nil, r.LogServiceFee != nil}
		want := [4]bool{tt.kw, tt.energy, tt.fee, tt.serviceFee}
		if got != want {
			t.Errorf("size %d: logs present = %v, want %v", tt.size, got, want)
		}
	}

	var r CurrentChargeRecord
	if err := r.UnmarshalBinary([]byte{2}); err != nil {
		t.Fatalf("1 byte error = %v", err)
	}
	if r.LineID != 2 || r.LogKw != nil || r.ChargeID != "" {
		t.Errorf("short record = %+v", r)
	}
}
