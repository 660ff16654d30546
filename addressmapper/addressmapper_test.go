package addressmapper

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/aldas/go-j1939decode"
	test_test "github.com/aldas/go-j1939decode/test"
	"github.com/stretchr/testify/assert"
)

var exampleName = NodeName{
	IdentityNumber:          0x12345,
	ManufacturerCode:        0x2A3,
	ECUInstance:             1,
	FunctionInstance:        2,
	Function:                0,
	VehicleSystem:           0,
	VehicleSystemInstance:   0,
	IndustryGroup:           1,
	ArbitraryAddressCapable: 1,
}

func claimFrame(source uint8, NAME uint64, sec int64) j1939.RawFrame {
	f := j1939.RawFrame{
		Time:   test_test.UTCTime(sec),
		ID:     0x18EEFF00 | uint32(source),
		Length: 8,
	}
	binary.LittleEndian.PutUint64(f.Data[:], NAME)
	return f
}

func TestNodeName_Uint64(t *testing.T) {
	assert.Equal(t, uint64(0x9000001154612345), exampleName.Uint64())
	assert.Equal(t, []byte{0x45, 0x23, 0x61, 0x54, 0x11, 0x00, 0x00, 0x90}, exampleName.Bytes())
}

func TestParseNodeName(t *testing.T) {
	var testCases = []struct {
		name   string
		when   uint64
		expect NodeName
	}{
		{
			name:   "ok",
			when:   0x9000001154612345,
			expect: exampleName,
		},
		{
			name: "ok, all bits set",
			when: 0xFFFFFFFFFFFFFFFF,
			expect: NodeName{
				IdentityNumber:          0x1FFFFF,
				ManufacturerCode:        0x7FF,
				ECUInstance:             0b111,
				FunctionInstance:        0b11111,
				Function:                0xFF,
				VehicleSystem:           0x7F,
				VehicleSystemInstance:   0b1111,
				IndustryGroup:           0b111,
				ArbitraryAddressCapable: 1,
			},
		},
		{
			name:   "ok, zero",
			when:   0,
			expect: NodeName{},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := ParseNodeName(tc.when)
			assert.Equal(t, tc.expect, result)
			if tc.when != 0xFFFFFFFFFFFFFFFF { // reserved bit 48 is not part of NodeName
				assert.Equal(t, tc.when, result.Uint64())
			}
		})
	}
}

func TestAddressClaimToNodeName(t *testing.T) {
	var testCases = []struct {
		name        string
		when        j1939.RawFrame
		expectNAME  uint64
		expectName  NodeName
		expectError string
	}{
		{
			name:       "ok, broadcast claim",
			when:       claimFrame(0, 0x9000001154612345, 0),
			expectNAME: 0x9000001154612345,
			expectName: exampleName,
		},
		{
			name: "ok, claim sent to specific destination",
			when: j1939.RawFrame{
				ID:     0x18EE2100,
				Length: 8,
				Data:   j1939.RawData{0x45, 0x23, 0x61, 0x54, 0x11, 0x00, 0x00, 0x90},
			},
			expectNAME: 0x9000001154612345,
			expectName: exampleName,
		},
		{
			name:        "nok, not address claim",
			when:        j1939.RawFrame{ID: 0x18FEEE00, Length: 8},
			expectError: "node name can only be created from frame with PGN 60928",
		},
		{
			name:        "nok, short frame",
			when:        j1939.RawFrame{ID: 0x18EEFF00, Length: 3},
			expectError: "frame has invalid length to be address claim",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			NAME, name, err := AddressClaimToNodeName(tc.when)

			assert.Equal(t, tc.expectNAME, NAME)
			assert.Equal(t, tc.expectName, name)
			if tc.expectError != "" {
				assert.EqualError(t, err, tc.expectError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreateRequest(t *testing.T) {
	var testCases = []struct {
		name            string
		whenPGN         uint32
		whenDestination uint8
		expect          j1939.RawFrame
	}{
		{
			name:            "ok, address claim broadcast",
			whenPGN:         PGNAddressClaim,
			whenDestination: j1939.AddressGlobal,
			expect: j1939.RawFrame{
				ID:     0x18EAFFFE,
				Length: 3,
				Data:   j1939.RawData{0x0, 0xEE, 0x0},
			},
		},
		{
			name:            "ok, address claim addressed",
			whenPGN:         PGNAddressClaim,
			whenDestination: 32,
			expect: j1939.RawFrame{
				ID:     0x18EA20FE,
				Length: 3,
				Data:   j1939.RawData{0x0, 0xEE, 0x0},
			},
		},
		{
			name:            "ok, component identification addressed",
			whenPGN:         65259,
			whenDestination: 3,
			expect: j1939.RawFrame{
				ID:     0x18EA03FE,
				Length: 3,
				Data:   j1939.RawData{0xEB, 0xFE, 0x0},
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := createRequest(tc.whenPGN, tc.whenDestination)
			assert.Equal(t, tc.expect, result)

			header := result.Header()
			assert.Equal(t, PGNRequest, header.GroupPGN())
			assert.Equal(t, tc.whenDestination, header.Destination())
			assert.Equal(t, j1939.AddressNull, header.Source)
		})
	}
}

func TestAddressMapper_Process(t *testing.T) {
	const (
		nameHigh = uint64(0x9000001154612345)
		nameLow  = uint64(0x8000001154612345)
		nameMid  = uint64(0x8800001154612345)
	)
	claimTime := test_test.UTCTime(1665488842)
	m := NewAddressMapper(nil)
	m.now = func() time.Time { return claimTime }

	changed, err := m.Process(claimFrame(0, nameHigh, 10))
	assert.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, map[uint8]Node{
		0: {
			Source:    0,
			NAME:      nameHigh,
			Name:      exampleName,
			ValidName: true,
			Claimed:   claimTime,
			LastSeen:  test_test.UTCTime(10),
		},
	}, m.NodesInUseBySource())

	changed, err = m.Process(claimFrame(0, nameHigh, 11))
	assert.NoError(t, err)
	assert.False(t, changed, "repeated claim does not change owner")

	changed, err = m.Process(claimFrame(0, nameLow, 12))
	assert.NoError(t, err)
	assert.True(t, changed, "lower NAME wins the address")
	node, ok := m.NodeBySource(0)
	assert.True(t, ok)
	assert.Equal(t, nameLow, node.NAME)

	changed, err = m.Process(claimFrame(0, nameMid, 13))
	assert.NoError(t, err)
	assert.False(t, changed, "higher NAME does not win the address")

	changed, err = m.Process(j1939.RawFrame{Time: test_test.UTCTime(14), ID: 0x18FEEE00, Length: 8})
	assert.NoError(t, err)
	assert.False(t, changed)
	node, _ = m.NodeBySource(0)
	assert.Equal(t, test_test.UTCTime(14), node.LastSeen)

	nodes := m.Nodes()
	assert.Len(t, nodes, 3)
	assert.Equal(t, nameLow, nodes[0].NAME)
	assert.Equal(t, nameMid, nodes[1].NAME)
	assert.Equal(t, j1939.AddressNull, nodes[1].Source)
	assert.Equal(t, nameHigh, nodes[2].NAME)
	assert.Equal(t, j1939.AddressNull, nodes[2].Source)

	changed, err = m.Process(claimFrame(1, nameLow, 15))
	assert.NoError(t, err)
	assert.True(t, changed, "node moved to other address")
	_, ok = m.NodeBySource(0)
	assert.False(t, ok)
	node, ok = m.NodeBySource(1)
	assert.True(t, ok)
	assert.Equal(t, nameLow, node.NAME)

	changed, err = m.Process(claimFrame(j1939.AddressNull, nameLow, 16))
	assert.NoError(t, err)
	assert.True(t, changed, "cannot claim address releases address")
	assert.Empty(t, m.NodesInUseBySource())

	changed, err = m.Process(claimFrame(j1939.AddressNull, nameMid, 17))
	assert.NoError(t, err)
	assert.False(t, changed)
}

func TestAddressMapper_Process_invalidClaim(t *testing.T) {
	m := NewAddressMapper(nil)

	changed, err := m.Process(j1939.RawFrame{ID: 0x18EEFF00, Length: 4})

	assert.EqualError(t, err, "frame has invalid length to be address claim")
	assert.False(t, changed)
	assert.Empty(t, m.Nodes())
}

type recordingWriter struct {
	mu     sync.Mutex
	frames []j1939.RawFrame
}

func (w *recordingWriter) WriteRawFrame(ctx context.Context, frame j1939.RawFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, frame)
	return nil
}

func (w *recordingWriter) Close() error {
	return nil
}

func (w *recordingWriter) written() []j1939.RawFrame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]j1939.RawFrame(nil), w.frames...)
}

func TestAddressMapper_Run(t *testing.T) {
	writer := &recordingWriter{}
	m := NewAddressMapper(writer)
	m.ToggleWrite()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Run(ctx)
	}()

	assert.True(t, m.BroadcastAddressClaimRequest())

	assert.Eventually(t, func() bool {
		return len(writer.written()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, createRequest(PGNAddressClaim, j1939.AddressGlobal), writer.written()[0])

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestAddressMapper_BroadcastAddressClaimRequest_queueFull(t *testing.T) {
	m := NewAddressMapper(&recordingWriter{})

	for i := 0; i < addressMapperWriteChannelSize; i++ {
		assert.True(t, m.BroadcastAddressClaimRequest())
	}

	done := make(chan bool, 1)
	go func() {
		done <- m.BroadcastAddressClaimRequest()
	}()
	select {
	case queued := <-done:
		assert.False(t, queued)
	case <-time.After(time.Second):
		t.Fatal("BroadcastAddressClaimRequest blocked on full queue")
	}

	changed, err := m.Process(claimFrame(0x20, exampleName.Uint64(), 1))
	assert.NoError(t, err)
	assert.True(t, changed)
}

func TestQueue(t *testing.T) {
	q := newQueue[int](2)

	assert.True(t, q.Enqueue(1))

	item, ok := q.Dequeue()
	assert.True(t, ok)
	assert.Equal(t, 1, item)

	assert.True(t, q.Enqueue(2))
	assert.True(t, q.Enqueue(3))
	assert.False(t, q.Enqueue(4))

	item, ok = q.Dequeue()
	assert.True(t, ok)
	assert.Equal(t, 2, item)

	item, ok = q.Dequeue()
	assert.True(t, ok)
	assert.Equal(t, 3, item)

	_, ok = q.Dequeue()
	assert.False(t, ok)
}
