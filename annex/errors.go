package annex

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
)

var (
	// ErrDatabaseUnreadable is marked on load errors caused by failing to read database source
	ErrDatabaseUnreadable = errors.New("j1939 database could not be read")
	// ErrDatabaseMalformed is marked on load errors caused by invalid JSON or missing top level sections
	ErrDatabaseMalformed = errors.New("j1939 database is malformed")
	// ErrDatabaseNotLoaded is returned by decode operations when database has not been (successfully) loaded
	ErrDatabaseNotLoaded = errors.New("j1939 database not loaded")
	// ErrInvalidDLC is returned when frame data length code is greater than 8
	ErrInvalidDLC = errors.New("DLC cannot be greater than 8 bytes")
	// ErrSPNNotFound is returned when SPN is missing from database or is not declared by the requested PGN
	ErrSPNNotFound = errors.New("SPN not found in database")
	// ErrPGNNotFound is returned when PGN is missing from database
	ErrPGNNotFound = errors.New("PGN not found in database")
)

// LogFunc receives diagnostic messages produced while loading database and decoding frames. Messages do not end with
// newline.
type LogFunc func(msg string)

func stderrLog(msg string) {
	_, _ = fmt.Fprintln(os.Stderr, msg)
}

func (l LogFunc) printf(format string, args ...any) {
	if l == nil {
		stderrLog(fmt.Sprintf(format, args...))
		return
	}
	l(fmt.Sprintf(format, args...))
}
