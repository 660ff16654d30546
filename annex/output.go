package annex

import (
	"bytes"
	"encoding/json"
	"slices"
	"strconv"

	"github.com/aldas/go-j1939decode"
	"github.com/cockroachdb/errors"
)

// DecodedSPN is SPN definition together with value decoded from frame.
type DecodedSPN struct {
	Name             string  `json:"Name"`
	DataRange        string  `json:"DataRange"`
	Offset           float64 `json:"Offset"`
	OperationalHigh  float64 `json:"OperationalHigh"`
	OperationalLow   float64 `json:"OperationalLow"`
	OperationalRange string  `json:"OperationalRange"`
	Resolution       float64 `json:"Resolution"`
	SPNLength        int     `json:"SPNLength"`
	Units            string  `json:"Units"`

	StartBit int    `json:"StartBit"`
	ValueRaw uint64 `json:"ValueRaw"`
	// ValueDecoded is physical value (raw*resolution + offset). Nil when value is outside operational range.
	ValueDecoded *float64 `json:"ValueDecoded"`
	Valid        bool     `json:"Valid"`
}

// DecodedFrame is result of decoding single frame
type DecodedFrame struct {
	ID       uint32
	Priority uint8
	PGN      uint32
	SA       uint8
	SAName   string
	DLC      uint8
	DataRaw  j1939.RawData

	// PGNName is empty when PGN is not known
	PGNName string
	// SPNs is nil when PGN is not known and non-nil (possibly empty) when PGN is known
	SPNs map[uint32]DecodedSPN

	Decoded bool
}

// PGNKnown returns true when frame PGN was found in database
func (f DecodedFrame) PGNKnown() bool {
	return f.SPNs != nil
}

type decodedFrameJSON struct {
	ID       uint32 `json:"ID"`
	Priority uint8  `json:"Priority"`
	PGN      uint32 `json:"PGN"`
	SA       uint8  `json:"SA"`
	SAName   string `json:"SAName"`
	DLC      uint8  `json:"DLC"`
	DataRaw  []int  `json:"DataRaw"`

	PGNName *string  `json:"PGNName,omitempty"`
	SPNs    *spnsMap `json:"SPNs,omitempty"`

	Decoded bool `json:"Decoded"`
}

// spnsMap marshals SPN keys in ascending numeric order ("190" before "1000").
type spnsMap map[uint32]DecodedSPN

func (m spnsMap) MarshalJSON() ([]byte, error) {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	buf := bytes.Buffer{}
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('"')
		buf.WriteString(strconv.FormatUint(uint64(k), 10))
		buf.WriteString(`":`)
		b, err := json.Marshal(m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON marshals frame with PGNName and SPNs keys present only for known PGN. SPNs are ordered by ascending SPN
// number.
func (f DecodedFrame) MarshalJSON() ([]byte, error) {
	dataRaw := make([]int, len(f.DataRaw))
	for i, b := range f.DataRaw {
		dataRaw[i] = int(b)
	}

	tmp := decodedFrameJSON{
		ID:       f.ID,
		Priority: f.Priority,
		PGN:      f.PGN,
		SA:       f.SA,
		SAName:   f.SAName,
		DLC:      f.DLC,
		DataRaw:  dataRaw,
		Decoded:  f.Decoded,
	}
	if f.PGNKnown() {
		tmp.PGNName = &f.PGNName
		spns := spnsMap(f.SPNs)
		tmp.SPNs = &spns
	}
	return json.Marshal(tmp)
}

// UnmarshalJSON is inverse of MarshalJSON
func (f *DecodedFrame) UnmarshalJSON(b []byte) error {
	tmp := decodedFrameJSON{}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	if len(tmp.DataRaw) != j1939.MaxDataLength {
		return errors.Newf("DataRaw must have %d elements, has %d", j1939.MaxDataLength, len(tmp.DataRaw))
	}
	result := DecodedFrame{
		ID:       tmp.ID,
		Priority: tmp.Priority,
		PGN:      tmp.PGN,
		SA:       tmp.SA,
		SAName:   tmp.SAName,
		DLC:      tmp.DLC,
		Decoded:  tmp.Decoded,
	}
	for i, v := range tmp.DataRaw {
		if v < 0 || v > 255 {
			return errors.Newf("DataRaw element %d is not a byte: %d", i, v)
		}
		result.DataRaw[i] = uint8(v)
	}
	if tmp.PGNName != nil {
		result.PGNName = *tmp.PGNName
	}
	if tmp.SPNs != nil {
		result.SPNs = map[uint32]DecodedSPN(*tmp.SPNs)
		if result.SPNs == nil {
			result.SPNs = map[uint32]DecodedSPN{}
		}
	}
	*f = result
	return nil
}

// MarshalDecodedFrame marshals frame to JSON. Pretty output is indented with 2 spaces.
func MarshalDecodedFrame(f DecodedFrame, pretty bool) ([]byte, error) {
	var b []byte
	var err error
	if pretty {
		b, err = json.MarshalIndent(f, "", "  ")
	} else {
		b, err = json.Marshal(f)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal decoded frame")
	}
	return b, nil
}
