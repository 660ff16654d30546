package utils

import (
	"fmt"
	"strings"
)

// FormatSpaces makes control characters in raw adapter output visible. Common whitespace and bell (SLCAN error
// response) are escaped as in Go string literals, other non-printable bytes as `\xNN`.
func FormatSpaces(s []byte) string {
	buf := strings.Builder{}
	for _, c := range s {
		switch c {
		case '\a':
			buf.WriteString(`\a`)
		case '\t':
			buf.WriteString(`\t`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\v':
			buf.WriteString(`\v`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if c < 0x20 || c >= 0x7F {
				fmt.Fprintf(&buf, `\x%02X`, c)
				continue
			}
			buf.WriteByte(c)
		}
	}
	return buf.String()
}
