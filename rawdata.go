package j1939

import (
	"encoding/hex"

	"go.einride.tech/can"
)

// RawData is 8 byte payload of single CAN frame. Bits are numbered as in little endian 64bit integer built from these
// 8 bytes - bit 0 is the least significant bit of first byte and bit 63 the most significant bit of last byte.
type RawData [MaxDataLength]byte

// ExtractBits returns unsigned value of bitLength bits starting at startBit.
//
// Bit ranges reaching past bit 63 are zero-extended: bits that do not exist in 8 byte payload are read as 0. bitLength
// is capped to 64 bits and zero or negative bitLength, negative or too large startBit result 0.
func (d RawData) ExtractBits(startBit int, bitLength int) uint64 {
	if startBit < 0 || startBit >= 64 || bitLength <= 0 {
		return 0
	}
	if bitLength > 64 {
		bitLength = 64
	}
	data := can.Data(d)
	return data.UnsignedBitsLittleEndian(uint8(startBit), uint8(bitLength))
}

// SetBits sets bitLength bits starting at startBit to value. Bits of value that do not fit into bit range or payload
// are discarded.
func (d *RawData) SetBits(startBit int, bitLength int, value uint64) {
	if startBit < 0 || startBit >= 64 || bitLength <= 0 {
		return
	}
	if startBit+bitLength > 64 {
		bitLength = 64 - startBit
	}
	if bitLength < 64 {
		value &= (uint64(1) << bitLength) - 1
	}
	data := can.Data(*d)
	data.SetUnsignedBitsLittleEndian(uint8(startBit), uint8(bitLength), value)
	*d = RawData(data)
}

// Uint64 returns payload as little endian 64bit integer
func (d RawData) Uint64() uint64 {
	data := can.Data(d)
	return data.PackLittleEndian()
}

func (d RawData) AsHex() string {
	return hex.EncodeToString(d[:])
}
