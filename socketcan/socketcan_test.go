package socketcan

import (
	"encoding/binary"
	"testing"

	"github.com/aldas/go-j1939decode"
	test_test "github.com/aldas/go-j1939decode/test"
	"github.com/stretchr/testify/assert"
)

func canFrameBytes(canID uint32, length uint8, data ...byte) []byte {
	b := make([]byte, canFrameSize)
	binary.NativeEndian.PutUint32(b, canID)
	b[4] = length
	copy(b[8:], data)
	return b
}

func TestMarshalFrame(t *testing.T) {
	frame := j1939.RawFrame{
		ID:     0x18FEBF0B,
		Length: 8,
		Data:   j1939.RawData{0xaa, 0x0f, 0x7d, 0x7d, 0x7d, 0x7d, 0xff, 0xff},
	}

	b, err := marshalFrame(frame)

	assert.NoError(t, err)
	assert.Equal(t, canFrameBytes(0x98FEBF0B, 8, 0xaa, 0x0f, 0x7d, 0x7d, 0x7d, 0x7d, 0xff, 0xff), b)
}

func TestMarshalFrame_invalidLength(t *testing.T) {
	_, err := marshalFrame(j1939.RawFrame{ID: 0x18FEBF0B, Length: 9})

	assert.ErrorIs(t, err, j1939.ErrInvalidFrameLength)
}

func TestUnmarshalFrame(t *testing.T) {
	now := test_test.UTCTime(1665488842)

	var testCases = []struct {
		name        string
		when        []byte
		expect      j1939.RawFrame
		expectError string
	}{
		{
			name: "ok, extended frame",
			when: canFrameBytes(0x8CF00400, 8, 0x51, 0x82, 0x8a, 0x40, 0x1f, 0x00, 0xff, 0xff),
			expect: j1939.RawFrame{
				Time:   now,
				ID:     0x0CF00400,
				Length: 8,
				Data:   j1939.RawData{0x51, 0x82, 0x8a, 0x40, 0x1f, 0x00, 0xff, 0xff},
			},
		},
		{
			name: "ok, bytes after length are ignored",
			when: canFrameBytes(0x98EA00FE, 3, 0x00, 0xee, 0x00, 0x11, 0x22),
			expect: j1939.RawFrame{
				Time:   now,
				ID:     0x18EA00FE,
				Length: 3,
				Data:   j1939.RawData{0x00, 0xee, 0x00},
			},
		},
		{
			name:        "nok, remote frame",
			when:        canFrameBytes(0xC8EA00FE, 0),
			expectError: ErrRemoteFrame.Error(),
		},
		{
			name:        "nok, error frame",
			when:        canFrameBytes(0xA0000004, 8),
			expectError: ErrErrorFrame.Error(),
		},
		{
			name:        "nok, standard frame",
			when:        canFrameBytes(0x123, 2, 0x11, 0x22),
			expectError: ErrStandardFrame.Error(),
		},
		{
			name:        "nok, invalid length",
			when:        canFrameBytes(0x98FEBF0B, 15),
			expectError: j1939.ErrInvalidFrameLength.Error(),
		},
		{
			name:        "nok, short read",
			when:        []byte{0x1, 0x2},
			expectError: "read CAN frame has invalid size: 2",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := unmarshalFrame(tc.when, now)

			assert.Equal(t, tc.expect, result)
			if tc.expectError != "" {
				assert.EqualError(t, err, tc.expectError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsUnsupportedFrameErr(t *testing.T) {
	assert.True(t, isUnsupportedFrameErr(ErrRemoteFrame))
	assert.True(t, isUnsupportedFrameErr(ErrErrorFrame))
	assert.True(t, isUnsupportedFrameErr(ErrStandardFrame))
	assert.False(t, isUnsupportedFrameErr(errReadTimeout))
}
