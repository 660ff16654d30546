package candump

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aldas/go-j1939decode"
	"go.einride.tech/can"
)

const defaultInterface = "can0"

var (
	// ErrNotExtendedFrame is returned for frames with 11bit identifier. J1939 uses only 29bit identifiers.
	ErrNotExtendedFrame = errors.New("candump input is not extended (29bit) frame")
	// ErrRemoteFrame is returned for remote transmission request frames as they have no data to decode
	ErrRemoteFrame = errors.New("candump input is remote frame")
)

// MarshalRawFrame marshals frame into candump log (`candump -l`) line format without line ending
// Example: `(1665488842.000000) can0 18FEBF0B#AA0F7D7D7D7DFFFF`
func MarshalRawFrame(f j1939.RawFrame, iface string) []byte {
	if iface == "" {
		iface = defaultInterface
	}
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "(%d.%06d) %v %08X#", f.Time.Unix(), f.Time.Nanosecond()/1000, iface, f.ID&j1939.IDMask)
	length := f.Length
	if length > j1939.MaxDataLength {
		length = j1939.MaxDataLength
	}
	fmt.Fprintf(buf, "%X", f.Data[:length])
	return buf.Bytes()
}

// UnmarshalString parses single candump line. Supported forms are:
//
//	(1665488842.123456) can0 18FEBF0B#AA0F7D7D7D7DFFFF    // candump -l
//	can0 18FEBF0B#AA0F7D7D7D7DFFFF
//	18FEBF0B#AA0F7D7D7D7DFFFF                             // cansend
//	(1665488842.123456)  can0  18FEBF0B   [8]  AA 0F 7D 7D 7D 7D FF FF    // candump -ta
//	  can0  18FEBF0B   [8]  AA 0F 7D 7D 7D 7D FF FF
//
// When line has no timestamp `now` is used as frame time.
func UnmarshalString(raw string, now time.Time) (j1939.RawFrame, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return j1939.RawFrame{}, errors.New("candump input is empty")
	}

	t := now
	if strings.HasPrefix(fields[0], "(") {
		ts, err := parseTimestamp(fields[0])
		if err != nil {
			return j1939.RawFrame{}, err
		}
		t = ts
		fields = fields[1:]
	}

	var frameStr string
	switch {
	case len(fields) == 1: // ID#DATA
		frameStr = fields[0]
	case len(fields) == 2: // iface ID#DATA
		frameStr = fields[1]
	case len(fields) >= 3 && strings.HasPrefix(fields[2], "["): // iface ID [len] XX XX ..
		s, err := screenToCompact(fields[1:])
		if err != nil {
			return j1939.RawFrame{}, err
		}
		frameStr = s
	default:
		return j1939.RawFrame{}, fmt.Errorf("candump input has unknown format: %q", raw)
	}

	frame := can.Frame{}
	if err := frame.UnmarshalString(frameStr); err != nil {
		return j1939.RawFrame{}, fmt.Errorf("candump input invalid frame, err: %w", err)
	}
	if frame.IsRemote {
		return j1939.RawFrame{}, ErrRemoteFrame
	}
	if !frame.IsExtended {
		return j1939.RawFrame{}, ErrNotExtendedFrame
	}
	return j1939.FrameFromCAN(frame, t), nil
}

func parseTimestamp(field string) (time.Time, error) {
	if len(field) < 3 || field[len(field)-1] != ')' {
		return time.Time{}, fmt.Errorf("candump input invalid timestamp: %q", field)
	}
	secStr, fracStr, _ := strings.Cut(field[1:len(field)-1], ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("candump input invalid timestamp seconds, err: %w", err)
	}
	var nsec int64
	if fracStr != "" {
		if len(fracStr) > 9 {
			fracStr = fracStr[:9]
		}
		frac, err := strconv.ParseInt(fracStr, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("candump input invalid timestamp fraction, err: %w", err)
		}
		for i := len(fracStr); i < 9; i++ {
			frac *= 10
		}
		nsec = frac
	}
	return time.Unix(sec, nsec).UTC(), nil
}

func screenToCompact(fields []string) (string, error) {
	// ID [len] XX XX ...
	lenStr := strings.TrimSuffix(strings.TrimPrefix(fields[1], "["), "]")
	if lenStr == "R" || strings.EqualFold(strings.Join(fields[2:], ""), "remoterequest") {
		return fields[0] + "#R", nil
	}
	dLen, err := strconv.ParseUint(lenStr, 10, 8)
	if err != nil {
		return "", fmt.Errorf("candump input invalid data length, err: %w", err)
	}
	data := fields[2:]
	if uint64(len(data)) != dLen {
		return "", errors.New("candump input data length does not match bytes count")
	}
	return fields[0] + "#" + strings.Join(data, ""), nil
}
