package emproto

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Command is the 16-bit command code carried in every frame
type Command uint16

// String returns the command as 0x-prefixed hex
func (c Command) String() string {
	return fmt.Sprintf("0x%04x", uint16(c))
}

// Serial is the 8-byte device serial number
type Serial [8]byte

// String returns hex string representation
func (s Serial) String() string {
	return hex.EncodeToString(s[:])
}

// IsZero reports whether the serial is all zero bytes
func (s Serial) IsZero() bool {
	return s == Serial{}
}

// ParseSerial parses a 16 character hex serial
func ParseSerial(str string) (Serial, error) {
	var s Serial
	if len(str) != 16 {
		return s, fmt.Errorf("invalid serial length: %d", len(str))
	}

	b, err := hex.DecodeString(str)
	if err != nil {
		return s, fmt.Errorf("invalid serial: %w", err)
	}

	copy(s[:], b)
	return s, nil
}

// MarshalJSON implements json.Marshaler
func (s Serial) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (s *Serial) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	parsed, err := ParseSerial(str)
	if err != nil {
		return err
	}

	*s = parsed
	return nil
}

// Password is the 6-byte device password field. Valid is false when the
// field is absent (all zero on the wire).
type Password struct {
	Value string
	Valid bool
}

// NewPassword returns a present password
func NewPassword(value string) Password {
	return Password{Value: value, Valid: true}
}

// Limit is a 16-bit cap where 65535 means unlimited / not set
type Limit uint16

// Unlimited is the wire sentinel for an unset cap
const Unlimited Limit = 0xFFFF

// IsSet reports whether the limit carries a value
func (l Limit) IsSet() bool {
	return l != Unlimited
}

// Scaled returns the limit divided by div, and false when unset
func (l Limit) Scaled(div float64) (float64, bool) {
	if !l.IsSet() {
		return 0, false
	}
	return float64(l) / div, true
}

// TemperatureUnavailable is reported for a raw temperature of 0xFFFF
const TemperatureUnavailable = -1.0

// DecodeTemperature converts a raw temperature word to degrees Celsius
func DecodeTemperature(raw uint16) float64 {
	if raw == 0xFFFF {
		return TemperatureUnavailable
	}
	return float64(int(raw)-20000) / 100
}

// EncodeTemperature is the inverse of DecodeTemperature
func EncodeTemperature(celsius float64) uint16 {
	if celsius == TemperatureUnavailable {
		return 0xFFFF
	}
	return uint16(roundInt(celsius*100) + 20000)
}

func roundInt(v float64) int64 {
	if v < 0 {
		return int64(v - 0.5)
	}
	return int64(v + 0.5)
}

// scaled decodes fixed point values; division keeps the result identical
// to the decimal literal for round trips.
func scaled(raw uint32, div float64) float64 {
	return float64(raw) / div
}

func unscaled(v float64, mul float64) uint32 {
	return uint32(roundInt(v * mul))
}

// padded returns b extended with zero bytes to at least n bytes. Short
// payloads of lenient records decode with the missing fields left zero.
func padded(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// readString reads a zero terminated ASCII string from a fixed width field
func readString(b []byte, offset, length int) string {
	if len(b) < offset+length {
		return ""
	}
	field := b[offset : offset+length]
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

// putString writes s into a fixed width field, zero padded
func putString(b []byte, offset, length int, s string) error {
	if len(s) > length {
		return fmt.Errorf("%w: %q exceeds %d bytes", ErrStringTooLong, s, length)
	}
	copy(b[offset:offset+length], s)
	return nil
}

func unixTime(v uint32) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(int64(v), 0).UTC()
}

func putUnix(b []byte, offset int, t time.Time) {
	if t.IsZero() {
		binary.BigEndian.PutUint32(b[offset:], 0)
		return
	}
	binary.BigEndian.PutUint32(b[offset:], uint32(t.Unix()))
}

func u16(b []byte, offset int) uint16 {
	return binary.BigEndian.Uint16(b[offset:])
}

func u32(b []byte, offset int) uint32 {
	return binary.BigEndian.Uint32(b[offset:])
}

func putU16(b []byte, offset int, v uint16) {
	binary.BigEndian.PutUint16(b[offset:], v)
}

func putU32(b []byte, offset int, v uint32) {
	binary.BigEndian.PutUint32(b[offset:], v)
}
