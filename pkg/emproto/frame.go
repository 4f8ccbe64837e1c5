package emproto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout constants
const (
	PacketHeader = 0x0601
	PacketTail   = 0x0f02

	// HeaderSize is the envelope size: 21 header bytes plus checksum and tail
	HeaderSize = 25

	offsetLength   = 2
	offsetKeyType  = 4
	offsetSerial   = 5
	offsetPassword = 13
	offsetCommand  = 19
	offsetPayload  = 21

	passwordSize = 6
)

// Frame errors
var (
	ErrFrameTooShort    = errors.New("frame too short")
	ErrBadMagicHeader   = errors.New("bad magic header")
	ErrLengthMismatch   = errors.New("length mismatch")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Datagram is one decoded frame: the envelope fields plus the typed record
type Datagram struct {
	KeyType  byte
	Serial   Serial
	Password Password
	Record   Record
}

// Command returns the command code of the carried record
func (d *Datagram) Command() Command {
	return d.Record.Command()
}

// Checksum is the sum of all bytes modulo 0xFFFF
func Checksum(b []byte) uint16 {
	var sum uint32
	for _, c := range b {
		sum += uint32(c)
	}
	return uint16(sum % 0xFFFF)
}

// Encode serializes the datagram into a complete frame
func Encode(d *Datagram) ([]byte, error) {
	if d.Record == nil {
		return nil, fmt.Errorf("encode: datagram has no record")
	}

	payload, err := d.Record.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", d.Record.Command(), err)
	}

	size := HeaderSize + len(payload)
	if size > 0xFFFF {
		return nil, fmt.Errorf("encode %s: payload too large (%d bytes)", d.Record.Command(), len(payload))
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:], PacketHeader)
	binary.BigEndian.PutUint16(buf[offsetLength:], uint16(size))
	buf[offsetKeyType] = d.KeyType
	copy(buf[offsetSerial:offsetSerial+8], d.Serial[:])

	if d.Password.Valid {
		pw := d.Password.Value
		if len(pw) > passwordSize {
			pw = pw[:passwordSize]
		}
		copy(buf[offsetPassword:offsetPassword+passwordSize], pw)
	}

	binary.BigEndian.PutUint16(buf[offsetCommand:], uint16(d.Record.Command()))
	copy(buf[offsetPayload:], payload)

	binary.BigEndian.PutUint16(buf[size-4:], Checksum(buf[:size-4]))
	binary.BigEndian.PutUint16(buf[size-2:], PacketTail)

	return buf, nil
}

// Decode decodes the frame at the start of buf and returns the number of
// bytes it occupied. When the envelope is valid but the payload is not,
// the frame length is still returned so the caller can skip it.
func Decode(buf []byte, reg *Registry) (*Datagram, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, ErrFrameTooShort
	}

	if header := binary.BigEndian.Uint16(buf[0:]); header != PacketHeader {
		return nil, 0, fmt.Errorf("%w: 0x%04x", ErrBadMagicHeader, header)
	}

	length := int(binary.BigEndian.Uint16(buf[offsetLength:]))
	if length > len(buf) || length < HeaderSize {
		return nil, 0, fmt.Errorf("%w: declared %d, available %d", ErrLengthMismatch, length, len(buf))
	}

	computed := Checksum(buf[:length-4])
	if stored := binary.BigEndian.Uint16(buf[length-4:]); stored != computed {
		return nil, 0, fmt.Errorf("%w: stored 0x%04x, computed 0x%04x", ErrChecksumMismatch, stored, computed)
	}

	d := &Datagram{KeyType: buf[offsetKeyType]}
	copy(d.Serial[:], buf[offsetSerial:offsetSerial+8])
	d.Password = decodePassword(buf[offsetPassword : offsetPassword+passwordSize])

	cmd := Command(binary.BigEndian.Uint16(buf[offsetCommand:]))
	payload := make([]byte, length-HeaderSize)
	copy(payload, buf[offsetPayload:length-4])

	rec := reg.New(cmd)
	if err := rec.UnmarshalBinary(payload); err != nil {
		return nil, length, fmt.Errorf("decode %s: %w", cmd, err)
	}
	d.Record = rec

	return d, length, nil
}

// DecodeAll decodes every frame concatenated in buf. A frame with a bad
// payload is skipped and decoding continues after it. An envelope failure
// stops decoding since the next frame boundary is unknown. The first error
// is returned together with every frame decoded.
func DecodeAll(buf []byte, reg *Registry) ([]*Datagram, error) {
	var (
		datagrams []*Datagram
		firstErr  error
	)

	offset := 0
	for len(buf)-offset >= HeaderSize {
		d, n, err := Decode(buf[offset:], reg)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if n == 0 {
			break
		}
		if d != nil {
			datagrams = append(datagrams, d)
		}
		offset += n
	}

	return datagrams, firstErr
}

func decodePassword(b []byte) Password {
	allZero := true
	for _, c := range b {
		if c != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return Password{}
	}

	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return NewPassword(string(b[:end]))
}
