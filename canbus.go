package j1939

const (
	// IDMask masks 29 bits of extended CAN identifier
	IDMask = uint32(0x1FFFFFFF)

	// AddressGlobal is destination address meaning "all nodes" (broadcast)
	AddressGlobal = uint8(255)
	// AddressNull is source address used by nodes that have not (yet) claimed an address
	AddressNull = uint8(254)

	// pduFormatPDU2 is first PDU format value that is broadcast (PDU2). Below that PDU specific byte is destination.
	pduFormatPDU2 = uint8(240)
)

// CanBusHeader is J1939 view of 29bit CAN identifier.
//
// PGN is taken as is from bits 8-25 (18 bits) of identifier. This means that for PDU1 format PGNs (PDU format < 240)
// PGN includes destination address in its lowest byte. Use GroupPGN to get PGN without destination.
type CanBusHeader struct {
	Priority uint8  `json:"priority"`
	PGN      uint32 `json:"pgn"`
	Source   uint8  `json:"source"`
}

// Priority extracts 3bit priority from identifier (bits 26-28).
func Priority(id uint32) uint8 {
	return uint8((id >> 26) & 0x7)
}

// PGN extracts 18bit parameter group number from identifier (bits 8-25).
func PGN(id uint32) uint32 {
	return (id >> 8) & 0x3FFFF
}

// SourceAddress extracts 8bit source address from identifier (bits 0-7).
func SourceAddress(id uint32) uint8 {
	return uint8(id)
}

// ParseCANID parses can bus header fields from CANID (29 bits of 32 bit).
func ParseCANID(canID uint32) CanBusHeader {
	return CanBusHeader{
		Priority: Priority(canID), // bit 26,27,28
		PGN:      PGN(canID),      // bits 8-25
		Source:   SourceAddress(canID),
	}
}

// Uint32 packs header back into 29bit CAN identifier.
func (h CanBusHeader) Uint32() uint32 {
	canID := uint32(h.Source)                  // bit 0-7
	canID |= (h.PGN & 0x3FFFF) << 8            // bits 8-25
	canID = canID | uint32(h.Priority&0x7)<<26 // bit 26,27,28
	return canID
}

// PDUFormat returns PDU format (PF) byte of PGN
func (h CanBusHeader) PDUFormat() uint8 {
	return uint8(h.PGN >> 8)
}

// IsPDU1 returns true when PGN is destination specific (PDU format < 240)
func (h CanBusHeader) IsPDU1() bool {
	return h.PDUFormat() < pduFormatPDU2
}

// Destination returns destination address for PDU1 format messages and AddressGlobal for PDU2 (broadcast) messages.
func (h CanBusHeader) Destination() uint8 {
	if h.IsPDU1() {
		return uint8(h.PGN)
	}
	return AddressGlobal
}

// GroupPGN returns PGN without destination address part. For PDU1 format messages the lowest byte is cleared, for
// PDU2 format messages PGN is returned as is.
func (h CanBusHeader) GroupPGN() uint32 {
	if h.IsPDU1() {
		return h.PGN & 0x3FF00
	}
	return h.PGN
}
