// Package slcan implements serial line CAN (Lawicel/SLCAN) adapters (CANable, CANUSB, USBtin etc.) as J1939 frame
// source and sink.
package slcan

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/aldas/go-j1939decode"
	"github.com/aldas/go-j1939decode/internal/utils"
)

const (
	cmdOK    = '\r'
	cmdError = '\a' // bell

	maxLineLength = 1 + 8 + 1 + 16 + 4 // T + id + dlc + data + timestamp
)

// Bitrates maps CAN bus bitrate to SLCAN `S` command argument
var Bitrates = map[int]byte{
	10_000:    '0',
	20_000:    '1',
	50_000:    '2',
	100_000:   '3',
	125_000:   '4',
	250_000:   '5',
	500_000:   '6',
	800_000:   '7',
	1_000_000: '8',
}

// DefaultBitrate is J1939 standard bus speed
const DefaultBitrate = 250_000

var (
	// ErrUnsupportedBitrate is returned when bitrate has no SLCAN S command equivalent
	ErrUnsupportedBitrate = errors.New("unsupported SLCAN bitrate")
	errSkipFrame          = errors.New("slcan frame skipped")
)

type Config struct {
	// ReceiveDataTimeout is maximum duration reads from device can produce no data until we error out (idle).
	ReceiveDataTimeout time.Duration

	// Bitrate is CAN bus bitrate. Defaults to 250000 (J1939-11).
	Bitrate int
	// ListenOnly opens channel in listen only mode (`L` command) so adapter does not acknowledge frames on bus.
	ListenOnly bool

	// DebugLogRawMessageBytes instructs device to log all sent/received raw messages
	DebugLogRawMessageBytes bool
}

// Device is SLCAN adapter reading and writing J1939 frames.
type Device struct {
	device  io.ReadWriter
	timeNow func() time.Time

	config Config
}

// NewDevice creates new instance of SLCAN device
func NewDevice(device io.ReadWriter) *Device {
	return NewDeviceWithConfig(device, Config{})
}

// NewDeviceWithConfig creates new instance of SLCAN device with given config
func NewDeviceWithConfig(device io.ReadWriter, config Config) *Device {
	if config.ReceiveDataTimeout <= 0 {
		config.ReceiveDataTimeout = 5 * time.Second
	}
	if config.Bitrate == 0 {
		config.Bitrate = DefaultBitrate
	}
	return &Device{
		device:  device,
		timeNow: time.Now,
		config:  config,
	}
}

// Initialize closes channel (in case it was left open), sets bitrate and opens channel.
func (d *Device) Initialize() error {
	speed, ok := Bitrates[d.config.Bitrate]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnsupportedBitrate, d.config.Bitrate)
	}
	open := byte('O')
	if d.config.ListenOnly {
		open = 'L'
	}
	commands := [][]byte{
		{'C', cmdOK},
		{'S', speed, cmdOK},
		{open, cmdOK},
	}
	for _, cmd := range commands {
		if err := d.write(cmd); err != nil {
			return fmt.Errorf("slcan initialization failed, err: %w", err)
		}
	}
	return nil
}

func (d *Device) Close() error {
	_ = d.write([]byte{'C', cmdOK})
	if c, ok := d.device.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (d *Device) write(b []byte) error {
	if d.config.DebugLogRawMessageBytes {
		fmt.Printf("# DEBUG Writing SLCAN bytes: `%v`\n", utils.FormatSpaces(b))
	}
	_, err := d.device.Write(b)
	return err
}

func (d *Device) WriteRawFrame(ctx context.Context, frame j1939.RawFrame) error {
	b, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	return d.write(b)
}

// ReadRawFrame reads next extended data frame from adapter. Command acknowledgements, remote and standard frames are
// skipped.
func (d *Device) ReadRawFrame(ctx context.Context) (j1939.RawFrame, error) {
	line := make([]byte, 0, maxLineLength)
	buf := make([]byte, 1)
	lastReadWithDataTime := d.timeNow()
	for {
		select {
		case <-ctx.Done():
			return j1939.RawFrame{}, ctx.Err()
		default:
		}

		n, err := d.device.Read(buf)
		// on read errors we do not return immediately as for:
		// os.ErrDeadlineExceeded - serial port read timeout, we try again
		// io.EOF - we check if bus has been idle for too long
		if err != nil && !(errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, io.EOF)) {
			return j1939.RawFrame{}, err
		}

		now := d.timeNow()
		if n == 0 {
			if now.Sub(lastReadWithDataTime) > d.config.ReceiveDataTimeout {
				if err == nil {
					err = io.EOF
				}
				return j1939.RawFrame{}, err
			}
			continue
		}
		lastReadWithDataTime = now

		b := buf[0]
		switch b {
		case cmdError:
			if d.config.DebugLogRawMessageBytes {
				fmt.Printf("# DEBUG SLCAN adapter responded with error\n")
			}
			line = line[:0]
			continue
		case '\r', '\n':
			if len(line) == 0 {
				continue // command acknowledgement
			}
			if d.config.DebugLogRawMessageBytes {
				fmt.Printf("# DEBUG Read SLCAN frame: %v\n", utils.FormatSpaces(line))
			}
			frame, err := ParseFrame(line, now)
			line = line[:0]
			if errors.Is(err, errSkipFrame) {
				continue
			}
			return frame, err
		}
		if len(line) >= maxLineLength { // garbage on the wire, start over
			line = line[:0]
			continue
		}
		line = append(line, b)
	}
}

// EncodeFrame converts frame into SLCAN extended frame transmit command. Example: `T18FEBF0B8AA0F7D7D7D7DFFFF\r`
func EncodeFrame(frame j1939.RawFrame) ([]byte, error) {
	if frame.Length > j1939.MaxDataLength {
		return nil, j1939.ErrInvalidFrameLength
	}
	b := make([]byte, 0, maxLineLength+1)
	b = append(b, 'T')
	b = append(b, fmt.Sprintf("%08X", frame.ID&j1939.IDMask)...)
	b = append(b, '0'+frame.Length)
	b = append(b, fmt.Sprintf("%X", frame.Data[:frame.Length])...)
	b = append(b, cmdOK)
	return b, nil
}

// ParseFrame parses SLCAN frame line (without trailing `\r`). Standard (`t`) and remote (`r`, `R`) frames and
// transmit acknowledgements (`z`, `Z`) result errSkipFrame.
func ParseFrame(line []byte, now time.Time) (j1939.RawFrame, error) {
	if len(line) == 0 {
		return j1939.RawFrame{}, errSkipFrame
	}
	switch line[0] {
	case 'T':
	case 't', 'r', 'R', 'z', 'Z':
		return j1939.RawFrame{}, errSkipFrame
	default:
		return j1939.RawFrame{}, fmt.Errorf("slcan unknown frame type: %q", line[0])
	}
	if len(line) < 1+8+1 {
		return j1939.RawFrame{}, errors.New("slcan frame too short")
	}
	id, err := strconv.ParseUint(string(line[1:9]), 16, 32)
	if err != nil {
		return j1939.RawFrame{}, fmt.Errorf("slcan frame invalid identifier, err: %w", err)
	}
	dlc := line[9] - '0'
	if dlc > j1939.MaxDataLength {
		return j1939.RawFrame{}, j1939.ErrInvalidFrameLength
	}
	data := line[10:]
	switch len(data) {
	case int(dlc) * 2:
	case int(dlc)*2 + 4: // adapter timestamps enabled, 16bit millisecond counter is ignored
		data = data[:int(dlc)*2]
	default:
		return j1939.RawFrame{}, errors.New("slcan frame data length does not match DLC")
	}

	f := j1939.RawFrame{
		Time:   now,
		ID:     uint32(id) & j1939.IDMask,
		Length: dlc,
	}
	if _, err := hex.Decode(f.Data[:], data); err != nil {
		return j1939.RawFrame{}, fmt.Errorf("slcan frame invalid data, err: %w", err)
	}
	return f, nil
}
