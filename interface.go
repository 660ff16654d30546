package j1939

import (
	"context"
)

type RawFrameReader interface {
	ReadRawFrame(ctx context.Context) (RawFrame, error)
	Initialize() error
	Close() error
}

type RawFrameWriter interface {
	WriteRawFrame(ctx context.Context, frame RawFrame) error
	Close() error
}

type RawFrameReaderWriter interface {
	RawFrameReader
	RawFrameWriter
}
