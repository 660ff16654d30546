package socketcan

import (
	"context"
	"errors"
	"time"

	"github.com/aldas/go-j1939decode"
)

// DeviceConfig is configuration for SocketCAN device
type DeviceConfig struct {
	// InterfaceName is SocketCAN interface name. For example: can0
	InterfaceName string

	// ReceiveDataTimeout is to limit amount of time reads can result no data. to timeout the connection when there is no
	// interaction in bus. This is different from for example serial device readTimeout which limits how much time Read
	// call blocks but we want to Reads block small amount of time to be able to check if context was cancelled during read
	// but at the same time we want to be able to detect when there are no coming from bus for excessive amount of time.
	// Defaults to 5 seconds.
	ReceiveDataTimeout time.Duration

	// SkipUnsupported instructs Device to skip remote, error and standard (11bit) frames instead of returning error
	SkipUnsupported bool
}

type Device struct {
	conn   *Connection
	config DeviceConfig

	timeNow func() time.Time
}

func NewDevice(config DeviceConfig) *Device {
	if config.ReceiveDataTimeout <= 0 {
		config.ReceiveDataTimeout = 5 * time.Second
	}
	return &Device{
		conn:    nil,
		config:  config,
		timeNow: time.Now,
	}
}

func (d *Device) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

func (d *Device) Initialize() error {
	conn, err := NewConnection(d.config.InterfaceName)
	if err != nil {
		return err
	}
	d.conn = conn

	return nil
}

func (d *Device) WriteRawFrame(ctx context.Context, frame j1939.RawFrame) error {
	if err := d.conn.SetSendTimeout(50 * time.Millisecond); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		err := d.conn.SendFrame(frame)
		if errors.Is(err, errWriteTimeout) {
			continue
		}
		return err
	}
}

func (d *Device) ReadRawFrame(ctx context.Context) (j1939.RawFrame, error) {
	start := d.timeNow()
	for {
		select {
		case <-ctx.Done():
			return j1939.RawFrame{}, ctx.Err()
		default:
		}

		if err := d.conn.SetReadTimeout(50 * time.Millisecond); err != nil { // max 50ms block time for read per iteration
			return j1939.RawFrame{}, err
		}
		frame, err := d.conn.ReadRawFrame()

		// on read timeout we do not return immediately, only when bus has been silent longer than receive timeout
		if err != nil {
			if errors.Is(err, errReadTimeout) {
				if d.timeNow().Sub(start) > d.config.ReceiveDataTimeout {
					return j1939.RawFrame{}, err
				}
				continue
			}
			if d.config.SkipUnsupported && isUnsupportedFrameErr(err) {
				continue
			}
			return j1939.RawFrame{}, err
		}
		return frame, nil
	}
}

func isUnsupportedFrameErr(err error) bool {
	return errors.Is(err, ErrRemoteFrame) || errors.Is(err, ErrErrorFrame) || errors.Is(err, ErrStandardFrame)
}
