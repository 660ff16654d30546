package j1939

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.einride.tech/can"
)

// MaxDataLength is maximum amount of data bytes single J1939 CAN frame can carry. Multi-packet messages (Transport
// Protocol) are not assembled by this library.
const MaxDataLength = 8

// rawFrameBinarySize is size of frame marshalled with MarshalRawFrame: time (8) + id (4) + length (1) + data (8)
const rawFrameBinarySize = 8 + 4 + 1 + MaxDataLength

// ErrInvalidFrameLength is returned when frame length (DLC) is larger than 8
var ErrInvalidFrameLength = errors.New("frame length (DLC) can not be greater than 8 bytes")

// RawFrame is single CAN frame read from J1939 bus.
type RawFrame struct {
	// Time is when frame was read from bus. Filled by this library.
	Time time.Time

	// ID is 29bit extended CAN identifier
	ID uint32
	// Length is data length code (DLC) 0-8. Data is always 8 bytes and bytes after Length are ignored by readers.
	Length uint8
	Data   RawData
}

// Header returns J1939 fields of frame identifier
func (f RawFrame) Header() CanBusHeader {
	return ParseCANID(f.ID)
}

// CAN converts frame to einride can.Frame
func (f RawFrame) CAN() can.Frame {
	return can.Frame{
		ID:         f.ID & IDMask,
		Length:     f.Length,
		Data:       can.Data(f.Data),
		IsExtended: true,
	}
}

// FrameFromCAN converts einride can.Frame to RawFrame.
func FrameFromCAN(f can.Frame, now time.Time) RawFrame {
	return RawFrame{
		Time:   now,
		ID:     f.ID & IDMask,
		Length: f.Length,
		Data:   RawData(f.Data),
	}
}

// MarshalRawFrame marshals frame into fixed size (21 bytes) binary form.
func MarshalRawFrame(f RawFrame) []byte {
	b := make([]byte, rawFrameBinarySize)

	binary.LittleEndian.PutUint64(b, uint64(f.Time.UnixNano())) // 0 - 7
	binary.LittleEndian.PutUint32(b[8:], f.ID&IDMask)           // 8 - 11
	b[12] = f.Length                                            // 12
	copy(b[13:], f.Data[:])                                     // 13 - 20

	return b
}

// UnmarshalRawFrame is inverse of MarshalRawFrame
func UnmarshalRawFrame(b []byte) (RawFrame, error) {
	if len(b) != rawFrameBinarySize {
		return RawFrame{}, fmt.Errorf("binary frame has invalid size: %v", len(b))
	}
	f := RawFrame{
		Time:   time.Unix(0, int64(binary.LittleEndian.Uint64(b))).UTC(),
		ID:     binary.LittleEndian.Uint32(b[8:]) & IDMask,
		Length: b[12],
	}
	if f.Length > MaxDataLength {
		return RawFrame{}, ErrInvalidFrameLength
	}
	copy(f.Data[:], b[13:])
	return f, nil
}
