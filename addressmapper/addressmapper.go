package addressmapper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aldas/go-j1939decode"
)

const addressMapperWriteChannelSize = 20

const (
	// PGNRequest is J1939-21 Request PGN (PDU1, destination specific)
	PGNRequest = uint32(59904)
	// PGNAddressClaim is J1939-81 Address Claimed / Cannot Claim Address PGN (PDU1, destination specific)
	PGNAddressClaim = uint32(60928)
)

var errNotAddressClaim = errors.New("node name can only be created from frame with PGN 60928")

// Node is controller application seen on the bus.
type Node struct {
	// Source is address currently claimed by node. AddressNull when node has lost (or could not claim) its address.
	Source uint8

	NAME      uint64
	Name      NodeName
	ValidName bool

	Claimed  time.Time
	LastSeen time.Time
}

type Nodes []Node

// NodeName holds information about node/device to identify it in the J1939 bus. Is acquired by requesting PGN 60928
// (Address Claim) from device. NAME is 64 bit little endian value where lower numeric value has higher priority in
// address claim arbitration.
// Related info about SAE1939 Addresses https://embeddedflakes.com/network-management-in-sae-j1939/
type NodeName struct {
	IdentityNumber   uint32 // (21 bits)
	ManufacturerCode uint16 // (11 bits)
	ECUInstance      uint8  // (3 bits)
	FunctionInstance uint8  // (5 bits)
	Function         uint8  // (8 bits)
	// reserved (1 bit)
	VehicleSystem         uint8 // (7 bits)
	VehicleSystemInstance uint8 // (4 bits)
	IndustryGroup         uint8 // (3 bits)

	// Quote from https://embeddedflakes.com/network-management-in-sae-j1939/:
	// "This 1 bit field indicate whether the CA is arbitrary field capable or not. It is used to resolve address claim
	//  conflict. If this bit is set to 1, this CA will resolve the address conflict with the one whose NAME have higher
	//  priority (lower numeric value) by selecting address from range 128 to 247."
	ArbitraryAddressCapable uint8 // (1 bit)
}

// Uint64 packs name into 64 bit NAME value
func (n NodeName) Uint64() uint64 {
	v := uint64(n.IdentityNumber & 0x1FFFFF)
	v |= uint64(n.ManufacturerCode&0x7FF) << 21
	v |= uint64(n.ECUInstance&0b111) << 32
	v |= uint64(n.FunctionInstance&0b11111) << 35
	v |= uint64(n.Function) << 40
	v |= uint64(n.VehicleSystem&0x7F) << 49
	v |= uint64(n.VehicleSystemInstance&0b1111) << 56
	v |= uint64(n.IndustryGroup&0b111) << 60
	v |= uint64(n.ArbitraryAddressCapable&0b1) << 63
	return v
}

// Bytes returns NAME as it is sent in address claim frame data
func (n NodeName) Bytes() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, n.Uint64())
	return b
}

// ParseNodeName unpacks 64 bit NAME value
func ParseNodeName(NAME uint64) NodeName {
	return NodeName{
		IdentityNumber:          uint32(NAME & 0x1FFFFF),     // 21 bits
		ManufacturerCode:        uint16(NAME >> 21 & 0x7FF),  // 11 bits
		ECUInstance:             uint8(NAME >> 32 & 0b111),   // 3 bits
		FunctionInstance:        uint8(NAME >> 35 & 0b11111), // 5 bits
		Function:                uint8(NAME >> 40),           // 8 bits
		VehicleSystem:           uint8(NAME >> 49 & 0x7F),    // 7 bits + 1 reserved bit before
		VehicleSystemInstance:   uint8(NAME >> 56 & 0b1111),  // 4 bits
		IndustryGroup:           uint8(NAME >> 60 & 0b111),   // 3 bits
		ArbitraryAddressCapable: uint8(NAME >> 63),           // 1 bit
	}
}

// AddressClaimToNodeName extracts NAME from address claim frame
func AddressClaimToNodeName(frame j1939.RawFrame) (uint64, NodeName, error) {
	if frame.Header().GroupPGN() != PGNAddressClaim {
		return 0, NodeName{}, errNotAddressClaim
	}
	if frame.Length != j1939.MaxDataLength {
		return 0, NodeName{}, errors.New("frame has invalid length to be address claim")
	}
	NAME := binary.LittleEndian.Uint64(frame.Data[:])
	return NAME, ParseNodeName(NAME), nil
}

// AddressMapper follows address claims on the bus and keeps track which node (NAME) is using which source address.
type AddressMapper struct {
	mutex sync.Mutex

	// requests to be sent to the bus (address claim requests)
	requestsChan    chan j1939.RawFrame
	toggleWriteChan chan bool

	writeEnabled bool
	isRunning    bool

	device j1939.RawFrameWriter

	knownNodes   map[uint64]*Node
	address2node [j1939.AddressNull]*busSlot

	now func() time.Time
}

// NewAddressMapper creates new instance of AddressMapper. Device is used to send requests when writing is enabled
// with ToggleWrite.
func NewAddressMapper(device j1939.RawFrameWriter) *AddressMapper {
	return &AddressMapper{
		mutex: sync.Mutex{},
		now:   time.Now,

		toggleWriteChan: make(chan bool),
		requestsChan:    make(chan j1939.RawFrame, addressMapperWriteChannelSize),
		device:          device,

		knownNodes:   make(map[uint64]*Node),
		address2node: [j1939.AddressNull]*busSlot{},
	}
}

func (m *AddressMapper) ToggleWrite() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.writeEnabled = !m.writeEnabled
	if m.isRunning {
		m.toggleWriteChan <- m.writeEnabled
	}
}

// Run starts AddressMapper process and block until context is cancelled or error occurs
func (m *AddressMapper) Run(ctx context.Context) error {
	buffer := newQueue[j1939.RawFrame](50)
	writeTimer := time.NewTicker(10 * time.Millisecond)
	defer writeTimer.Stop()

	m.mutex.Lock()
	if m.isRunning {
		m.mutex.Unlock()
		return errors.New("address mapper process in already running")
	}
	m.isRunning = true
	defer func() {
		m.mutex.Lock()
		m.isRunning = false
		m.mutex.Unlock()
	}()
	enabled := m.writeEnabled
	m.mutex.Unlock()

	if !enabled {
		writeTimer.Stop()
	}
	for {
		select {
		case writeEnabled := <-m.toggleWriteChan:
			enabled = writeEnabled
			if enabled {
				writeTimer.Reset(10 * time.Millisecond)
			} else {
				writeTimer.Stop()
			}

		case frame, ok := <-m.requestsChan:
			if !ok {
				return errors.New("address mapper request channel is closed unexpectedly")
			}
			if enabled {
				buffer.Enqueue(frame)
			}

		case <-writeTimer.C:
			frame, ok := buffer.Dequeue()
			if !ok {
				continue
			}
			if err := m.device.WriteRawFrame(ctx, frame); err != nil {
				fmt.Printf("# address mapper writer (ID: %08X), err: %v\n", frame.ID, err)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type busSlot struct {
	node    *Node
	claimed time.Time

	lastPacket time.Time
}

// BroadcastAddressClaimRequest queues request for all nodes to (re)send their address claims. Returns false when
// request queue is full and request was dropped.
func (m *AddressMapper) BroadcastAddressClaimRequest() bool {
	select {
	case m.requestsChan <- createRequest(PGNAddressClaim, j1939.AddressGlobal):
		return true
	default:
		return false
	}
}

// Process updates address mapping from frame. Returns true when node claiming source address changed.
func (m *AddressMapper) Process(frame j1939.RawFrame) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	header := frame.Header()
	source := header.Source
	var slot *busSlot
	if source >= j1939.AddressNull { // addresses 254 and 255 have special meaning and does not represent actual address for node
		slot = new(busSlot)
	} else {
		slot = m.address2node[source]
		if slot == nil {
			slot = new(busSlot)
			m.address2node[source] = slot
		}
		slot.lastPacket = frame.Time
		if slot.node != nil {
			slot.node.LastSeen = frame.Time
		}
	}

	if header.GroupPGN() != PGNAddressClaim {
		return false, nil
	}
	return m.processAddressClaim(slot, frame)
}

func (m *AddressMapper) processAddressClaim(slot *busSlot, frame j1939.RawFrame) (bool, error) {
	NAME, name, err := AddressClaimToNodeName(frame)
	if err != nil {
		return false, err
	}
	source := frame.Header().Source

	currentNode, ok := m.knownNodes[NAME]
	if !ok { // is new unseen device so create it
		currentNode = &Node{
			Source:    j1939.AddressNull,
			NAME:      NAME,
			Name:      name,
			ValidName: true,
		}
		m.knownNodes[NAME] = currentNode
	}
	currentNode.LastSeen = frame.Time

	if source == j1939.AddressNull { // "Cannot Claim Address"
		if currentNode.Source < j1939.AddressNull {
			if s := m.address2node[currentNode.Source]; s != nil && s.node == currentNode {
				s.node = nil
			}
			currentNode.Source = j1939.AddressNull
			return true, nil
		}
		return false, nil
	}

	if slot.node == currentNode {
		return false, nil
	}
	if slot.node != nil && slot.node.NAME < currentNode.NAME {
		// existing owner has higher priority (lower NAME) and keeps the address
		return false, nil
	}
	if slot.node != nil {
		slot.node.Source = j1939.AddressNull // unassign source from old node
	}
	// node moved to new address. release old slot
	if currentNode.Source < j1939.AddressNull && currentNode.Source != source {
		if s := m.address2node[currentNode.Source]; s != nil && s.node == currentNode {
			s.node = nil
		}
	}

	// a) in this case we probably started to listen already powered-up and claimed network. assume
	//    that this name is actually (settled by claim process) owner of this address
	// b) by J1939 address claim logic this node now claims existing slot as its name is lower
	currentNode.Source = source
	currentNode.Claimed = m.now()
	slot.node = currentNode
	slot.claimed = currentNode.Claimed
	return true, nil
}

// Nodes returns all known (current and previous) nodes from J1939 bus ordered by NAME
func (m *AddressMapper) Nodes() Nodes {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	result := make(Nodes, 0, len(m.knownNodes))
	for _, n := range m.knownNodes {
		result = append(result, *n)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].NAME < result[j].NAME
	})
	return result
}

// NodesInUseBySource returns list of Nodes that are currently in use (assigned valid source address).
func (m *AddressMapper) NodesInUseBySource() map[uint8]Node {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	result := make(map[uint8]Node)
	for _, n := range m.knownNodes {
		node := *n
		if node.Source >= j1939.AddressNull || !node.ValidName {
			continue
		}
		result[node.Source] = node
	}
	return result
}

// NodeBySource returns node currently claiming given source address
func (m *AddressMapper) NodeBySource(source uint8) (Node, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if source >= j1939.AddressNull {
		return Node{}, false
	}
	slot := m.address2node[source]
	if slot == nil || slot.node == nil {
		return Node{}, false
	}
	return *slot.node, true
}

func createRequest(forPGN uint32, destination uint8) j1939.RawFrame {
	header := j1939.CanBusHeader{
		Priority: 6,
		PGN:      PGNRequest | uint32(destination),
		// https://copperhilltech.com/blog/sae-j1939-address-claim-procedure-sae-j193981-network-management/
		// "A node, that has not yet claimed an address, must use the NULL address (254) as the source address
		//  when sending a Request for Address Claimed message."
		// So we use 254 as source, until the day this library decides to start claiming its own address
		Source: j1939.AddressNull,
	}
	return j1939.RawFrame{
		ID:     header.Uint32(),
		Length: 3,
		Data: j1939.RawData{ // order as little endian
			uint8(forPGN & 0xff),
			uint8((forPGN >> 8) & 0xff),
			uint8((forPGN >> 16) & 0xff),
		},
	}
}

type queue[T any] struct {
	items  []T
	length int
}

func newQueue[T any](length int) *queue[T] {
	return &queue[T]{
		items:  make([]T, 0, length),
		length: length,
	}
}

func (q *queue[T]) Enqueue(item T) bool {
	if len(q.items) == q.length {
		return false
	}
	q.items = append(q.items, item)
	return true
}

func (q *queue[T]) Dequeue() (T, bool) {
	var empty T
	if len(q.items) == 0 {
		return empty, false
	}
	value := q.items[0]

	q.items[0] = empty

	q.items = q.items[1:]
	return value, true
}
