package j1939

import (
	"github.com/stretchr/testify/assert"
	"math"
	"math/rand"
	"testing"
)

func TestRawData_ExtractBits(t *testing.T) {
	var testCases = []struct {
		name          string
		given         RawData
		whenStartBit  int
		whenBitLength int
		expect        uint64
	}{
		{
			name:          "16bit value from first bytes",
			given:         RawData{0xaa, 0x0f, 0x7d, 0x7d, 0x7d, 0x7d, 0xff, 0xff},
			whenStartBit:  0,
			whenBitLength: 16,
			expect:        4010, // 0x0faa
		},
		{
			name:          "8bit value from middle",
			given:         RawData{0xaa, 0x0f, 0x7d, 0x7d, 0x7d, 0x7d, 0xff, 0xff},
			whenStartBit:  16,
			whenBitLength: 8,
			expect:        0x7d,
		},
		{
			name:          "2bit value inside byte",
			given:         RawData{0b1111_0011, 0, 0, 0, 0, 0, 0, 0},
			whenStartBit:  2,
			whenBitLength: 2,
			expect:        0,
		},
		{
			name:          "4bit value crossing byte border",
			given:         RawData{0b1010_0000, 0b0000_0001, 0, 0, 0, 0, 0, 0},
			whenStartBit:  6,
			whenBitLength: 4,
			expect:        0b0110,
		},
		{
			name:          "1bit value, last bit",
			given:         RawData{0, 0, 0, 0, 0, 0, 0, 0x80},
			whenStartBit:  63,
			whenBitLength: 1,
			expect:        1,
		},
		{
			name:          "64bit value",
			given:         RawData{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
			whenStartBit:  0,
			whenBitLength: 64,
			expect:        0x0807060504030201,
		},
		{
			name:          "range past last bit is zero-extended",
			given:         RawData{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			whenStartBit:  56,
			whenBitLength: 16,
			expect:        0xff,
		},
		{
			name:          "bit length over 64 is capped",
			given:         RawData{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			whenStartBit:  0,
			whenBitLength: 200,
			expect:        math.MaxUint64,
		},
		{
			name:          "start bit past payload",
			given:         RawData{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			whenStartBit:  64,
			whenBitLength: 8,
			expect:        0,
		},
		{
			name:          "negative start bit",
			given:         RawData{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			whenStartBit:  -1,
			whenBitLength: 8,
			expect:        0,
		},
		{
			name:          "zero bit length",
			given:         RawData{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			whenStartBit:  0,
			whenBitLength: 0,
			expect:        0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result := tc.given.ExtractBits(tc.whenStartBit, tc.whenBitLength)
			assert.Equal(t, tc.expect, result)
		})
	}
}

func TestRawData_ExtractBits_ignoresBitsOutsideRange(t *testing.T) {
	rnd := rand.New(rand.NewSource(1939))

	for i := 0; i < 2000; i++ {
		var data RawData
		rnd.Read(data[:])
		startBit := rnd.Intn(64)
		bitLength := 1 + rnd.Intn(64)

		expect := data.ExtractBits(startBit, bitLength)
		assert.Equal(t, expect, data.ExtractBits(startBit, bitLength)) // same input, same output

		flipBit := rnd.Intn(64)
		if flipBit >= startBit && flipBit < startBit+bitLength {
			continue
		}
		changed := data
		changed[flipBit/8] ^= 1 << (flipBit % 8)

		assert.Equal(t, expect, changed.ExtractBits(startBit, bitLength),
			"start: %v, length: %v, flipped bit: %v", startBit, bitLength, flipBit)
	}
}

func TestRawData_SetBits(t *testing.T) {
	var testCases = []struct {
		name          string
		given         RawData
		whenStartBit  int
		whenBitLength int
		whenValue     uint64
		expect        RawData
	}{
		{
			name:          "16bit value into zeroed data",
			whenStartBit:  8,
			whenBitLength: 16,
			whenValue:     0x0faa,
			expect:        RawData{0, 0xaa, 0x0f, 0, 0, 0, 0, 0},
		},
		{
			name:          "keeps surrounding bits",
			given:         RawData{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			whenStartBit:  4,
			whenBitLength: 8,
			whenValue:     0,
			expect:        RawData{0x0f, 0xf0, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		},
		{
			name:          "value is truncated to bit length",
			whenStartBit:  0,
			whenBitLength: 4,
			whenValue:     0xff,
			expect:        RawData{0x0f, 0, 0, 0, 0, 0, 0, 0},
		},
		{
			name:          "range past payload is truncated",
			whenStartBit:  60,
			whenBitLength: 8,
			whenValue:     0xff,
			expect:        RawData{0, 0, 0, 0, 0, 0, 0, 0xf0},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := tc.given
			data.SetBits(tc.whenStartBit, tc.whenBitLength, tc.whenValue)
			assert.Equal(t, tc.expect, data)
		})
	}
}

func TestRawData_Uint64(t *testing.T) {
	data := RawData{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	assert.Equal(t, uint64(0x0807060504030201), data.Uint64())
	assert.Equal(t, "0102030405060708", data.AsHex())
}
