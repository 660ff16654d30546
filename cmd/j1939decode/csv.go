package main

import (
	"crypto/md5"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aldas/go-j1939decode/annex"
)

type csvPGNs []csvPGNFields

func writeCSV(cpf csvPGNFields, values []string) error {
	fileExists := false
	fi, err := os.Stat(cpf.fileName)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("csv file check failure, err: %s", err)
	}
	if fi != nil {
		fileExists = true
		if fi.IsDir() {
			return fmt.Errorf("csv file overlaps with directory, file: %s", cpf.fileName)
		}
	}

	var csvFile *os.File
	if fileExists {
		csvFile, err = os.OpenFile(cpf.fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	} else {
		csvFile, err = os.Create(cpf.fileName)
	}
	if err != nil {
		return err
	}
	defer csvFile.Close()

	csvwriter := csv.NewWriter(csvFile)

	if !fileExists {
		if err := csvwriter.Write(cpf.names); err != nil {
			return fmt.Errorf("csv failed to write header, err: %s", err)
		}
	}
	if err := csvwriter.Write(values); err != nil {
		return fmt.Errorf("csv failed to write row, err: %s", err)
	}
	csvwriter.Flush()

	return csvwriter.Error()
}

// Match returns CSV row for decoded frame when frame PGN has CSV columns configured. Frames with unknown PGN or
// without any decoded SPN value do not produce a row.
func (c csvPGNs) Match(frame annex.DecodedFrame, now time.Time) ([]string, csvPGNFields, bool) {
	ok := false
	var found csvPGNFields
	for _, p := range c {
		if p.PGN == frame.PGN {
			found = p
			ok = true
			break
		}
	}
	if !ok || !frame.PGNKnown() {
		return nil, csvPGNFields{}, false
	}
	fields := make([]string, 0, len(found.fields))

	hasValue := false
	for _, fID := range found.fields {
		v := ""
		switch fID.name {
		case "_time":
			v = strconv.FormatInt(fID.time(now).Unix(), 10)
		case "_time_ms":
			v = strconv.FormatInt(fID.time(now).UnixMilli(), 10)
		case "_time_nano":
			v = strconv.FormatInt(fID.time(now).UnixNano(), 10)
		case "_src":
			v = strconv.FormatInt(int64(frame.SA), 10)
		case "_prio":
			v = strconv.FormatInt(int64(frame.Priority), 10)
		default:
			spn, ok := frame.SPNs[fID.spn]
			if ok && spn.ValueDecoded != nil {
				ff := *spn.ValueDecoded
				if !(math.IsInf(ff, 0) || math.IsNaN(ff)) {
					v = strconv.FormatFloat(ff, 'g', 8, 64)
					hasValue = true
				}
			}
		}
		fields = append(fields, v)
	}
	if !hasValue {
		return nil, csvPGNFields{}, false
	}
	return fields, found, true
}

type csvPGNFields struct {
	PGN      uint32
	fileName string
	names    []string
	fields   []field
}

// SPNs returns SPN columns (pseudo columns excluded)
func (c csvPGNFields) SPNs() []uint32 {
	result := make([]uint32, 0, len(c.fields))
	for _, f := range c.fields {
		if f.isPseudo() {
			continue
		}
		result = append(result, f.spn)
	}
	return result
}

type field struct {
	name     string
	spn      uint32
	truncate time.Duration
}

func (f field) isPseudo() bool {
	return strings.HasPrefix(f.name, "_")
}

func (f field) time(now time.Time) time.Time {
	if f.truncate > 0 {
		return now.Truncate(f.truncate)
	}
	return now
}

func parseCSVSPNsRaw(raw string, dir string) (csvPGNs, error) {
	// 65262:_time_ms(100ms),110,175;61444:_src,190
	result := make(csvPGNs, 0)
	raw = strings.TrimSpace(raw)
	parts := strings.Split(raw, ";")
	for _, p := range parts {
		pgnRaw, fieldsRaw, ok := strings.Cut(p, ":")
		if !ok {
			continue
		}
		pgn, err := strconv.ParseUint(strings.TrimSpace(pgnRaw), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("csv fields: failed to parse PGN, err: %w", err)
		}

		tmpNames := make([]string, 0)
		tmpFields := make([]field, 0)
		for _, f := range strings.Split(fieldsRaw, ",") {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			var trunc time.Duration
			var spn uint64
			switch {
			case strings.HasPrefix(f, "_time"):
				start := strings.IndexByte(f, '(')
				end := strings.LastIndexByte(f, ')')
				if start != -1 {
					if start+1 >= end {
						return nil, fmt.Errorf("csv fields: invalid _time format: %v", f)
					}
					tRaw, err := time.ParseDuration(f[start+1 : end])
					if err != nil {
						return nil, fmt.Errorf("csv fields: invalid _time format, err: %w", err)
					}
					trunc = tRaw
					f = f[0:start]
				}
				if f != "_time" && f != "_time_ms" && f != "_time_nano" {
					return nil, fmt.Errorf("csv fields: unknown pseudo column: %v", f)
				}
			case f == "_src" || f == "_prio":
			default:
				spn, err = strconv.ParseUint(f, 10, 32)
				if err != nil {
					return nil, fmt.Errorf("csv fields: failed to parse SPN, err: %w", err)
				}
			}
			tmpFields = append(tmpFields, field{
				name:     f,
				spn:      uint32(spn),
				truncate: trunc,
			})
			tmpNames = append(tmpNames, f)
		}
		if len(tmpNames) == 0 {
			continue
		}

		hashBytes := md5.Sum([]byte(strings.Join(tmpNames, ",")))
		hash := hex.EncodeToString(hashBytes[:])

		tmp := csvPGNFields{
			PGN:      uint32(pgn),
			fileName: filepath.Join(dir, fmt.Sprintf("%v_%v.csv", pgn, hash)),
			names:    tmpNames,
			fields:   tmpFields,
		}
		result = append(result, tmp)
	}
	if len(result) == 0 {
		return nil, nil
	}
	return result, nil
}

// checkCSVSPNs verifies that every configured SPN column can be decoded from its PGN
func checkCSVSPNs(db *annex.Database, c csvPGNs) error {
	for _, cpf := range c {
		if err := db.CheckSPNs(cpf.PGN, cpf.SPNs()); err != nil {
			return fmt.Errorf("csv fields: %w", err)
		}
	}
	return nil
}
