package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/aldas/go-j1939decode"
	"golang.org/x/sys/unix"
)

const (
	canRaw = 1

	// canFrameSize is size of `struct can_frame` from linux/can.h
	canFrameSize = 16

	// canIDERRFlag is bit 29 in CAN ID and means ERR error message flag (0 = data frame, 1 = error message)
	canIDERRFlag = uint32(1 << 29)
	// canIDRTRFlag is bit 30 in CAN ID and means RTR remote transmission request (1 = rtr frame)
	canIDRTRFlag = uint32(1 << 30)
	// canIDEFFFlag is bit 31 in CAN ID and means EFF extended frame format / IDE identifier extension flag (0 = standard 11 bit, 1 = extended 29 bit)
	canIDEFFFlag = uint32(1 << 31)
)

var (
	errReadTimeout  = errors.New("read timeout")
	errWriteTimeout = errors.New("write timeout")

	// ErrRemoteFrame is returned when remote transmission request frame was read
	ErrRemoteFrame = errors.New("read CAN remote transmission request frame")
	// ErrErrorFrame is returned when CAN error message frame was read
	ErrErrorFrame = errors.New("read CAN error message frame")
	// ErrStandardFrame is returned when frame with 11bit identifier was read. J1939 uses only extended identifiers.
	ErrStandardFrame = errors.New("read CAN standard (11bit) frame")
)

type Connection struct {
	socketFD int
	timeNow  func() time.Time
}

func NewConnection(ifName string) (*Connection, error) {
	ifi, err := net.InterfaceByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("bad ifName: %w", err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, canRaw)
	if err != nil {
		return nil, fmt.Errorf("could not create CAN socket: %w", err)
	}

	addr := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err = unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("could not bind CAN socket: %w", err)
	}

	return &Connection{
		socketFD: fd,
		timeNow:  time.Now,
	}, nil
}

func isContinuableSocketErr(err error) bool {
	// EWOULDBLOCK - If you set a timeout on the socket with SO_RCVTIMEO or SO_SNDTIMEO - in this case, a receive or
	// send will return with EWOULDBLOCK if the timeout elapses while no input data becomes available or the output
	// buffer remains full

	// EINTR - If a signal occurs during a blocking operation, then the operation will either (a) return partial
	// completion, or (b) return failure, do nothing, and set errno to EINTR.

	return err == syscall.EWOULDBLOCK || err == syscall.EINTR
}

func (i Connection) SetReadTimeout(timeout time.Duration) error {
	return i.setSocketTimeout(unix.SO_RCVTIMEO, timeout)
}

func (i Connection) SetSendTimeout(timeout time.Duration) error {
	return i.setSocketTimeout(unix.SO_SNDTIMEO, timeout)
}

func (i Connection) setSocketTimeout(opt int, timeout time.Duration) error {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	err := unix.SetsockoptTimeval(i.socketFD, unix.SOL_SOCKET, opt, &tv)
	return err
}

func (i Connection) Close() error {
	return unix.Close(i.socketFD)
}

func (i Connection) SendFrame(raw j1939.RawFrame) error {
	canFrame, err := marshalFrame(raw)
	if err != nil {
		return err
	}
	_, err = unix.Write(i.socketFD, canFrame)
	if isContinuableSocketErr(err) {
		return errWriteTimeout
	}
	return err
}

func (i Connection) ReadRawFrame() (j1939.RawFrame, error) {
	canFrame := make([]byte, canFrameSize)
	n, err := unix.Read(i.socketFD, canFrame)
	if err != nil {
		if isContinuableSocketErr(err) {
			return j1939.RawFrame{}, errReadTimeout
		}
		return j1939.RawFrame{}, err
	}
	return unmarshalFrame(canFrame[:n], i.timeNow())
}

// marshalFrame converts frame to `struct can_frame`.
// Can frame structure: https://github.com/linux-can/can-utils/blob/affdc1b79973c7497bb8607603c24734e11a91aa/include/linux/can.h#L107
func marshalFrame(raw j1939.RawFrame) ([]byte, error) {
	if raw.Length > j1939.MaxDataLength {
		return nil, j1939.ErrInvalidFrameLength
	}
	canFrame := make([]byte, canFrameSize)

	// bits 0-28 is CAN ID
	// bit 29 is ERR error message flag (0 = data frame, 1 = error message)
	// bit 30 is RTR remote transmission request (1 = rtr frame)
	// bit 31 is EFF extended frame format / IDE identifier extension flag (0 = standard 11 bit, 1 = extended 29 bit)
	canID := raw.ID&j1939.IDMask | canIDEFFFlag
	binary.NativeEndian.PutUint32(canFrame[0:4], canID)

	// byte 4 is data length, bytes 5-7 are padding/reserved
	canFrame[4] = raw.Length
	copy(canFrame[8:], raw.Data[:raw.Length])
	return canFrame, nil
}

func unmarshalFrame(canFrame []byte, now time.Time) (j1939.RawFrame, error) {
	if len(canFrame) != canFrameSize {
		return j1939.RawFrame{}, fmt.Errorf("read CAN frame has invalid size: %v", len(canFrame))
	}
	canID := binary.NativeEndian.Uint32(canFrame[0:4])
	switch {
	case canID&canIDRTRFlag != 0:
		return j1939.RawFrame{}, ErrRemoteFrame
	case canID&canIDERRFlag != 0:
		return j1939.RawFrame{}, ErrErrorFrame
	case canID&canIDEFFFlag == 0:
		return j1939.RawFrame{}, ErrStandardFrame
	}

	f := j1939.RawFrame{
		Time:   now,
		ID:     canID & j1939.IDMask,
		Length: canFrame[4],
	}
	if f.Length > j1939.MaxDataLength {
		return j1939.RawFrame{}, j1939.ErrInvalidFrameLength
	}
	copy(f.Data[:], canFrame[8:8+f.Length])

	return f, nil
}
