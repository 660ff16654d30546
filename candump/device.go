package candump

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/aldas/go-j1939decode"
)

// Device reads frames from candump log or any other source of candump/cansend formatted lines (file, stdin, pipe).
type Device struct {
	reader  io.Reader
	scanner *bufio.Scanner

	// SkipUnsupported instructs Device to silently skip remote and standard (11bit) frames instead of returning error
	SkipUnsupported bool

	now func() time.Time
}

// NewReader creates new instance of candump line reader
func NewReader(reader io.Reader) *Device {
	return &Device{
		reader:          reader,
		scanner:         bufio.NewScanner(reader),
		SkipUnsupported: true,
		now:             time.Now,
	}
}

func (d *Device) Initialize() error {
	return nil // do nothing
}

// ReadRawFrame reads next frame. Empty lines and lines starting with `#` are ignored. Returns io.EOF when reader
// has no more lines.
func (d *Device) ReadRawFrame(ctx context.Context) (j1939.RawFrame, error) {
	for d.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return j1939.RawFrame{}, err
		}
		line := strings.TrimSpace(d.scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		frame, err := UnmarshalString(line, d.now())
		if d.SkipUnsupported && (errors.Is(err, ErrNotExtendedFrame) || errors.Is(err, ErrRemoteFrame)) {
			continue
		}
		return frame, err
	}
	if err := d.scanner.Err(); err != nil {
		return j1939.RawFrame{}, err
	}
	return j1939.RawFrame{}, io.EOF
}

func (d *Device) Close() error {
	closer, ok := d.reader.(io.Closer)
	if ok {
		return closer.Close()
	}
	return nil
}

// Writer writes frames as candump log lines
type Writer struct {
	writer io.Writer
	iface  string
}

// NewWriter creates new instance of candump log writer. Interface name is written into every line.
func NewWriter(writer io.Writer, iface string) *Writer {
	return &Writer{
		writer: writer,
		iface:  iface,
	}
}

func (w *Writer) WriteRawFrame(ctx context.Context, frame j1939.RawFrame) error {
	b := MarshalRawFrame(frame, w.iface)
	b = append(b, '\n')
	_, err := w.writer.Write(b)
	return err
}

func (w *Writer) Close() error {
	closer, ok := w.writer.(io.Closer)
	if ok {
		return closer.Close()
	}
	return nil
}
