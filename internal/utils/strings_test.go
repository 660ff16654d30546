package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatSpaces(t *testing.T) {
	var testCases = []struct {
		name   string
		when   []byte
		expect string
	}{
		{
			name:   "ok, slcan frame",
			when:   []byte("T18FEBF0B8AA0F7D7D7D7DFFFF\r"),
			expect: `T18FEBF0B8AA0F7D7D7D7DFFFF\r`,
		},
		{
			name:   "ok, bell and whitespace",
			when:   []byte("\a\t\n\v\f z"),
			expect: `\a\t\n\v\f z`,
		},
		{
			name:   "ok, binary",
			when:   []byte{0x00, 'A', 0x7F, 0xFF},
			expect: `\x00A\x7F\xFF`,
		},
		{
			name:   "ok, empty",
			when:   nil,
			expect: "",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, FormatSpaces(tc.when))
		})
	}
}
