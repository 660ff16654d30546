// Package annex decodes J1939 frames using digital annex database (PGN, SPN and source address definitions).
package annex

import (
	"bytes"
	"encoding/json"
	"io"
	"io/fs"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
)

const (
	sectionPGNs            = "J1939PGNdb"
	sectionSPNs            = "J1939SPNdb"
	sectionSourceAddresses = "J1939SATabledb"

	maxPGN = 1<<18 - 1
)

var (
	pgnRecordFields = []string{"Label", "Name", "PGNLength", "Rate", "SPNs", "SPNStartBits"}
	spnRecordFields = []string{
		"Name", "DataRange", "Offset", "OperationalHigh", "OperationalLow", "OperationalRange", "Resolution",
		"SPNLength", "Units",
	}
)

// PGNRecord is Parameter Group definition from database.
type PGNRecord struct {
	Label string
	Name  string
	// Length is declared data length. Usually number of bytes but can be text like "Variable".
	Length string
	// Rate is transmission rate description
	Rate string
	// SPNs lists parameters of group in declaration order
	SPNs []SPNPosition
}

// SPNPosition is location of single SPN inside PGN data.
type SPNPosition struct {
	SPN uint32
	// StartBit is zero based bit index in 8 byte payload. Negative value means that position is not defined and SPN
	// can not be decoded.
	StartBit int
}

// SPNRecord is Suspect Parameter definition from database.
type SPNRecord struct {
	Name             string
	DataRange        string
	Offset           float64
	OperationalHigh  float64
	OperationalLow   float64
	OperationalRange string
	Resolution       float64
	// Length is SPN length in bits
	Length int
	Units  string
}

// Database is immutable in-memory digital annex database. Database is safe for concurrent use. Nil Database is
// unloaded database, all lookups from it fail.
type Database struct {
	pgns            map[uint32]PGNRecord
	spns            map[uint32]SPNRecord
	sourceAddresses map[uint8]string
}

// DatabaseConfig configures database loading
type DatabaseConfig struct {
	// Log receives diagnostics about skipped or incomplete records. Defaults to standard error.
	Log LogFunc
}

// LoadDatabaseFile loads database from JSON file
func LoadDatabaseFile(filesystem fs.FS, path string) (*Database, error) {
	return LoadDatabaseFileWithConfig(filesystem, path, DatabaseConfig{})
}

// LoadDatabaseFileWithConfig loads database from JSON file with given config
func LoadDatabaseFileWithConfig(filesystem fs.FS, path string, config DatabaseConfig) (db *Database, err error) {
	f, err := filesystem.Open(path)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to open j1939 database %v", path), ErrDatabaseUnreadable)
	}
	defer func() {
		if cErr := f.Close(); cErr != nil && err == nil {
			db = nil
			err = errors.Mark(errors.Wrap(cErr, "failed to close j1939 database"), ErrDatabaseUnreadable)
		}
	}()
	return LoadDatabaseWithConfig(f, config)
}

// LoadDatabase loads database from JSON
func LoadDatabase(r io.Reader) (*Database, error) {
	return LoadDatabaseWithConfig(r, DatabaseConfig{})
}

// LoadDatabaseWithConfig loads database from JSON with given config. Load fails only when source can not be read,
// is not valid JSON or some of the top level sections (J1939PGNdb, J1939SPNdb, J1939SATabledb) is missing. Invalid
// individual records are logged and skipped, missing fields in records are logged and left with zero values.
func LoadDatabaseWithConfig(r io.Reader, config DatabaseConfig) (*Database, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to read j1939 database"), ErrDatabaseUnreadable)
	}

	schema := struct {
		PGNs            map[string]json.RawMessage `json:"J1939PGNdb"`
		SPNs            map[string]json.RawMessage `json:"J1939SPNdb"`
		SourceAddresses map[string]json.RawMessage `json:"J1939SATabledb"`
	}{}
	if err := json.Unmarshal(b, &schema); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to parse j1939 database"), ErrDatabaseMalformed)
	}
	switch {
	case schema.PGNs == nil:
		return nil, errors.Wrapf(ErrDatabaseMalformed, "missing %v section", sectionPGNs)
	case schema.SPNs == nil:
		return nil, errors.Wrapf(ErrDatabaseMalformed, "missing %v section", sectionSPNs)
	case schema.SourceAddresses == nil:
		return nil, errors.Wrapf(ErrDatabaseMalformed, "missing %v section", sectionSourceAddresses)
	}

	log := config.Log
	db := &Database{
		pgns:            make(map[uint32]PGNRecord, len(schema.PGNs)),
		spns:            make(map[uint32]SPNRecord, len(schema.SPNs)),
		sourceAddresses: make(map[uint8]string, len(schema.SourceAddresses)),
	}

	for _, key := range sortedKeys(schema.PGNs) {
		pgn, err := strconv.ParseUint(key, 10, 32)
		if err != nil || pgn > maxPGN {
			log.printf("Skipping %v entry with invalid PGN key %q", sectionPGNs, key)
			continue
		}
		record, err := parsePGNRecord(uint32(pgn), schema.PGNs[key], log)
		if err != nil {
			log.printf("Skipping PGN %d, failed to parse record: %v", pgn, err)
			continue
		}
		db.pgns[uint32(pgn)] = record
	}

	for _, key := range sortedKeys(schema.SPNs) {
		spn, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			log.printf("Skipping %v entry with invalid SPN key %q", sectionSPNs, key)
			continue
		}
		record, err := parseSPNRecord(uint32(spn), schema.SPNs[key], log)
		if err != nil {
			log.printf("Skipping SPN %d, failed to parse record: %v", spn, err)
			continue
		}
		db.spns[uint32(spn)] = record
	}

	for _, key := range sortedKeys(schema.SourceAddresses) {
		sa, err := strconv.ParseUint(key, 10, 8)
		if err != nil {
			log.printf("Skipping %v entry with invalid source address key %q", sectionSourceAddresses, key)
			continue
		}
		var name string
		if err := json.Unmarshal(schema.SourceAddresses[key], &name); err != nil {
			log.printf("Skipping source address %d, name is not a string", sa)
			continue
		}
		db.sourceAddresses[uint8(sa)] = name
	}

	return db, nil
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func missingFields(raw json.RawMessage, fields []string) ([]string, error) {
	present := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &present); err != nil {
		return nil, err
	}
	var missing []string
	for _, f := range fields {
		if _, ok := present[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing, nil
}

func parsePGNRecord(pgn uint32, raw json.RawMessage, log LogFunc) (PGNRecord, error) {
	missing, err := missingFields(raw, pgnRecordFields)
	if err != nil {
		return PGNRecord{}, err
	}
	for _, f := range missing {
		log.printf("PGN %d record is missing field %v", pgn, f)
	}

	tmp := struct {
		Label        string        `json:"Label"`
		Name         string        `json:"Name"`
		PGNLength    looseString   `json:"PGNLength"`
		Rate         looseString   `json:"Rate"`
		SPNs         []uint32      `json:"SPNs"`
		SPNStartBits []looseNumber `json:"SPNStartBits"`
	}{}
	if err := json.Unmarshal(raw, &tmp); err != nil {
		return PGNRecord{}, err
	}
	if len(tmp.SPNs) != len(tmp.SPNStartBits) {
		log.printf("PGN %d has %d SPNs but %d start bits", pgn, len(tmp.SPNs), len(tmp.SPNStartBits))
	}

	record := PGNRecord{
		Label:  tmp.Label,
		Name:   tmp.Name,
		Length: string(tmp.PGNLength),
		Rate:   string(tmp.Rate),
		SPNs:   make([]SPNPosition, 0, len(tmp.SPNs)),
	}
	for i, spn := range tmp.SPNs {
		startBit := -1
		if i < len(tmp.SPNStartBits) {
			startBit = int(tmp.SPNStartBits[i])
		}
		record.SPNs = append(record.SPNs, SPNPosition{SPN: spn, StartBit: startBit})
	}
	return record, nil
}

func parseSPNRecord(spn uint32, raw json.RawMessage, log LogFunc) (SPNRecord, error) {
	missing, err := missingFields(raw, spnRecordFields)
	if err != nil {
		return SPNRecord{}, err
	}
	for _, f := range missing {
		log.printf("SPN %d record is missing field %v", spn, f)
	}

	tmp := struct {
		Name             string      `json:"Name"`
		DataRange        string      `json:"DataRange"`
		Offset           looseNumber `json:"Offset"`
		OperationalHigh  looseNumber `json:"OperationalHigh"`
		OperationalLow   looseNumber `json:"OperationalLow"`
		OperationalRange string      `json:"OperationalRange"`
		Resolution       looseNumber `json:"Resolution"`
		SPNLength        looseNumber `json:"SPNLength"`
		Units            string      `json:"Units"`
	}{}
	if err := json.Unmarshal(raw, &tmp); err != nil {
		return SPNRecord{}, err
	}
	return SPNRecord{
		Name:             tmp.Name,
		DataRange:        tmp.DataRange,
		Offset:           float64(tmp.Offset),
		OperationalHigh:  float64(tmp.OperationalHigh),
		OperationalLow:   float64(tmp.OperationalLow),
		OperationalRange: tmp.OperationalRange,
		Resolution:       float64(tmp.Resolution),
		Length:           int(tmp.SPNLength),
		Units:            tmp.Units,
	}, nil
}

// looseString accepts JSON string or number. Numbers are kept in their literal form.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var tmp string
		if err := json.Unmarshal(b, &tmp); err != nil {
			return err
		}
		*s = looseString(tmp)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Newf("value is neither string nor number: %s", b)
	}
	*s = looseString(n.String())
	return nil
}

// looseNumber accepts JSON number or string containing number. Other strings (i.e. "Variable", "ASCII") result 0.
type looseNumber float64

func (n *looseNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var tmp string
		if err := json.Unmarshal(b, &tmp); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(tmp, 64)
		if err != nil {
			*n = 0
			return nil
		}
		*n = looseNumber(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = looseNumber(f)
	return nil
}

// Loaded returns true when database was successfully loaded.
func (db *Database) Loaded() bool {
	return db != nil && db.pgns != nil
}

// LookupPGN returns PGN definition
func (db *Database) LookupPGN(pgn uint32) (PGNRecord, bool) {
	if db == nil {
		return PGNRecord{}, false
	}
	r, ok := db.pgns[pgn]
	return r, ok
}

// LookupSPN returns SPN definition
func (db *Database) LookupSPN(spn uint32) (SPNRecord, bool) {
	if db == nil {
		return SPNRecord{}, false
	}
	r, ok := db.spns[spn]
	return r, ok
}

// LookupSourceAddressName returns name of source address from source address table
func (db *Database) LookupSourceAddressName(sa uint8) (string, bool) {
	if db == nil {
		return "", false
	}
	name, ok := db.sourceAddresses[sa]
	return name, ok
}

func (db *Database) PGNCount() int {
	if db == nil {
		return 0
	}
	return len(db.pgns)
}

func (db *Database) SPNCount() int {
	if db == nil {
		return 0
	}
	return len(db.spns)
}

func (db *Database) SourceAddressCount() int {
	if db == nil {
		return 0
	}
	return len(db.sourceAddresses)
}

// PGNs returns all known PGN numbers in ascending order
func (db *Database) PGNs() []uint32 {
	if db == nil {
		return nil
	}
	result := make([]uint32, 0, len(db.pgns))
	for pgn := range db.pgns {
		result = append(result, pgn)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// CheckSPNs checks that PGN is known and declares all given SPNs with valid start bit.
func (db *Database) CheckSPNs(pgn uint32, spns []uint32) error {
	if !db.Loaded() {
		return ErrDatabaseNotLoaded
	}
	record, ok := db.LookupPGN(pgn)
	if !ok {
		return errors.Wrapf(ErrPGNNotFound, "PGN %d", pgn)
	}
	for _, spn := range spns {
		declared := false
		for _, p := range record.SPNs {
			if p.SPN == spn && p.StartBit >= 0 {
				declared = true
				break
			}
		}
		if !declared {
			return errors.Wrapf(ErrSPNNotFound, "PGN %d does not declare SPN %d", pgn, spn)
		}
		if _, ok := db.LookupSPN(spn); !ok {
			return errors.Wrapf(ErrSPNNotFound, "SPN %d", spn)
		}
	}
	return nil
}

// Validate checks database for layouts that can not be decoded correctly from single 8 byte frame. Returned errors
// are informational, decoder still works with such database.
func (db *Database) Validate() []error {
	var result []error
	for _, pgn := range db.PGNs() {
		record := db.pgns[pgn]
		for _, p := range record.SPNs {
			if isProprietarySPN(p.SPN) {
				continue
			}
			spn, ok := db.spns[p.SPN]
			if !ok {
				result = append(result, errors.Newf("PGN %d references unknown SPN %d", pgn, p.SPN))
				continue
			}
			if p.StartBit < 0 {
				continue
			}
			if spn.Length < 1 || spn.Length > 64 {
				result = append(result, errors.Newf("PGN %d SPN %d has invalid length %d", pgn, p.SPN, spn.Length))
				continue
			}
			if p.StartBit+spn.Length > 64 {
				result = append(result, errors.Newf(
					"PGN %d SPN %d bits %d-%d do not fit into 8 byte frame",
					pgn, p.SPN, p.StartBit, p.StartBit+spn.Length-1,
				))
			}
		}
	}
	return result
}
