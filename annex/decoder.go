package annex

import (
	"github.com/aldas/go-j1939decode"
	"github.com/cockroachdb/errors"
)

const (
	saNameReserved      = "Reserved"
	saNameIndustryGroup = "Industry Group specific"
	nameUnknown         = "Unknown"
)

// proprietarySPNs are manufacturer defined parameters (Proprietary A, A2 and B data) that have no standard decoding
var proprietarySPNs = map[uint32]struct{}{
	2550: {},
	2551: {},
	3328: {},
}

func isProprietarySPN(spn uint32) bool {
	_, ok := proprietarySPNs[spn]
	return ok
}

type DecoderConfig struct {
	// Log receives decoding diagnostics (unknown SPNs, source addresses, etc). Defaults to standard error.
	Log LogFunc
	// LogUnknownPGN instructs Decoder to log frames with PGN that database does not know. Off by default as most of
	// the traffic on real bus is not described by database.
	LogUnknownPGN bool
}

// Decoder decodes J1939 frames using database. Decoder has no mutable state and is safe for concurrent use.
type Decoder struct {
	db     *Database
	config DecoderConfig
}

// NewDecoder creates new instance of J1939 frame decoder
func NewDecoder(db *Database) *Decoder {
	return NewDecoderWithConfig(db, DecoderConfig{})
}

// NewDecoderWithConfig creates new instance of J1939 frame decoder with given config
func NewDecoderWithConfig(db *Database, config DecoderConfig) *Decoder {
	return &Decoder{
		db:     db,
		config: config,
	}
}

// DecodeSPN decodes single SPN value from frame data. Value out of SPN operational range is not an error, it results
// DecodedSPN with Valid=false.
func (d *Decoder) DecodeSPN(spn uint32, data j1939.RawData, startBit int) (DecodedSPN, error) {
	if !d.db.Loaded() {
		return DecodedSPN{}, ErrDatabaseNotLoaded
	}
	record, ok := d.db.LookupSPN(spn)
	if !ok {
		return DecodedSPN{}, errors.Wrapf(ErrSPNNotFound, "SPN %d", spn)
	}

	raw := data.ExtractBits(startBit, record.Length)
	value := float64(raw)*record.Resolution + record.Offset

	result := DecodedSPN{
		Name:             record.Name,
		DataRange:        record.DataRange,
		Offset:           record.Offset,
		OperationalHigh:  record.OperationalHigh,
		OperationalLow:   record.OperationalLow,
		OperationalRange: record.OperationalRange,
		Resolution:       record.Resolution,
		SPNLength:        record.Length,
		Units:            record.Units,
		StartBit:         startBit,
		ValueRaw:         raw,
	}
	if value >= record.OperationalLow && value <= record.OperationalHigh {
		result.ValueDecoded = &value
		result.Valid = true
	}
	return result, nil
}

// ResolveSAName returns human-readable name for source address.
func (d *Decoder) ResolveSAName(sa uint8) string {
	switch {
	case sa >= 92 && sa <= 127: // preferred addresses not assigned yet
		return saNameReserved
	case sa >= 128 && sa <= 247:
		return saNameIndustryGroup
	}
	name, ok := d.db.LookupSourceAddressName(sa)
	if !ok || name == "" {
		d.config.Log.printf("No source address name found in database for source address %d", sa)
		return nameUnknown
	}
	return name
}

// ResolvePGNName returns human-readable name for PGN.
func (d *Decoder) ResolvePGNName(pgn uint32) string {
	record, ok := d.db.LookupPGN(pgn)
	if !ok || record.Name == "" {
		d.config.Log.printf("No PGN name found in database for PGN %d", pgn)
		return nameUnknown
	}
	return record.Name
}

// DecodeFrame decodes single CAN frame. Data is always 8 bytes, dlc is reported as is and does not limit which bytes
// are used for decoding.
//
// Unknown PGN is not an error, result has Decoded=false and no PGN name and SPNs. SPNs not found in database are
// logged and left out of result.
func (d *Decoder) DecodeFrame(id uint32, dlc uint8, data j1939.RawData) (DecodedFrame, error) {
	if !d.db.Loaded() {
		return DecodedFrame{}, ErrDatabaseNotLoaded
	}
	if dlc > j1939.MaxDataLength {
		return DecodedFrame{}, ErrInvalidDLC
	}

	header := j1939.ParseCANID(id)
	result := DecodedFrame{
		ID:       id,
		Priority: header.Priority,
		PGN:      header.PGN,
		SA:       header.Source,
		SAName:   d.ResolveSAName(header.Source),
		DLC:      dlc,
		DataRaw:  data,
	}

	record, ok := d.db.LookupPGN(header.PGN)
	if !ok {
		if d.config.LogUnknownPGN {
			d.config.Log.printf("PGN %d not found in database", header.PGN)
		}
		return result, nil
	}

	result.PGNName = d.ResolvePGNName(header.PGN)
	result.SPNs = make(map[uint32]DecodedSPN, len(record.SPNs))
	if len(record.SPNs) == 0 {
		d.config.Log.printf("No SPNs found in database for PGN %d", header.PGN)
	}
	for _, p := range record.SPNs {
		if isProprietarySPN(p.SPN) {
			continue
		}
		if p.StartBit < 0 {
			d.config.Log.printf("Start bit cannot be negative for SPN %d, skipping decode", p.SPN)
			continue
		}
		spn, err := d.DecodeSPN(p.SPN, data, p.StartBit)
		if err != nil {
			d.config.Log.printf("No SPN data found in database for SPN %d", p.SPN)
			continue
		}
		result.SPNs[p.SPN] = spn
		result.Decoded = true
	}
	return result, nil
}

// DecodeToJSON decodes frame and marshals result to JSON. Pretty affects only formatting of output.
func (d *Decoder) DecodeToJSON(id uint32, dlc uint8, data j1939.RawData, pretty bool) ([]byte, error) {
	frame, err := d.DecodeFrame(id, dlc, data)
	if err != nil {
		return nil, err
	}
	return MarshalDecodedFrame(frame, pretty)
}
