package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aldas/go-j1939decode"
	"github.com/aldas/go-j1939decode/addressmapper"
	"github.com/aldas/go-j1939decode/annex"
	"github.com/aldas/go-j1939decode/candump"
	"github.com/aldas/go-j1939decode/internal/config"
	"github.com/aldas/go-j1939decode/internal/storage"
	"go.uber.org/zap"
)

const maxConsecutiveReadErrors = 20

type frameStore interface {
	Insert(p storage.InsertParams) (int64, error)
}

type framePublisher interface {
	Publish(frame annex.DecodedFrame) error
}

type processStats struct {
	frames       uint64
	decoded      uint64
	errorsDecode uint64
	errorsRead   uint64
}

type processor struct {
	decoder *annex.Decoder
	logger  *zap.Logger
	out     io.Writer

	outputFormat string
	iface        string
	pretty       bool
	onlyDecoded  bool
	filter       []uint32

	csv csvPGNs

	addressMapper *addressmapper.AddressMapper
	nodesBySource map[uint8]addressmapper.Node

	store     frameStore
	publisher framePublisher

	stats processStats
}

func newProcessor(decoder *annex.Decoder, c config.Config, logger *zap.Logger, out io.Writer) *processor {
	return &processor{
		decoder:       decoder,
		logger:        logger,
		out:           out,
		outputFormat:  c.Output.Format,
		pretty:        c.Output.Pretty,
		onlyDecoded:   c.Output.OnlyDecoded,
		filter:        c.Output.Filter,
		nodesBySource: map[uint8]addressmapper.Node{},
	}
}

// run reads frames from device until reader is exhausted, context is cancelled or too many consecutive read
// errors occur.
func (p *processor) run(ctx context.Context, device j1939.RawFrameReader) error {
	consecutiveReadErrors := 0
	for {
		frame, err := device.ReadRawFrame(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.stats.errorsRead++
			consecutiveReadErrors++
			p.logger.Warn("failed to read frame", zap.Error(err))
			if consecutiveReadErrors > maxConsecutiveReadErrors {
				return fmt.Errorf("too many consecutive read errors, last: %w", err)
			}
			continue
		}
		consecutiveReadErrors = 0

		if err := p.handle(frame); err != nil {
			return err
		}
	}
}

// handle decodes single frame and passes result to all configured outputs. Returned error means that processing
// can not continue (output is broken).
func (p *processor) handle(frame j1939.RawFrame) error {
	p.stats.frames++

	isNodeChanged := false
	if p.addressMapper != nil {
		changed, err := p.addressMapper.Process(frame)
		if err != nil {
			p.logger.Warn("address mapper failed to process frame", zap.Error(err))
		}
		if changed {
			isNodeChanged = true
			p.nodesBySource = p.addressMapper.NodesInUseBySource()
		}
	}

	header := frame.Header()
	var nodeNAME uint64
	if node, ok := p.nodesBySource[header.Source]; ok {
		nodeNAME = node.NAME
		if isNodeChanged {
			fmt.Fprintf(p.out, "# New or changed Node: source: %v, NAME: %v, name: %+v\n", node.Source, node.NAME, node.Name)
		}
	}

	if p.filter != nil && !contains(p.filter, header.PGN) {
		return nil
	}

	decoded, err := p.decoder.DecodeFrame(frame.ID, frame.Length, frame.Data)
	if err != nil {
		p.stats.errorsDecode++
		p.logger.Warn("failed to decode frame", zap.Uint32("id", frame.ID), zap.Error(err))
		return nil
	}
	if decoded.Decoded {
		p.stats.decoded++
	}
	if p.onlyDecoded && !decoded.Decoded {
		return nil
	}

	if p.csv != nil {
		if fields, cpgn, ok := p.csv.Match(decoded, frame.Time); ok {
			if err := writeCSV(cpgn, fields); err != nil {
				return err
			}
		}
	}
	if p.store != nil {
		if _, err := p.store.Insert(storage.InsertParams{Time: frame.Time, Frame: decoded}); err != nil {
			return err
		}
	}
	if p.publisher != nil {
		if err := p.publisher.Publish(decoded); err != nil {
			p.logger.Warn("failed to publish frame", zap.Uint32("pgn", decoded.PGN), zap.Error(err))
		}
	}

	switch p.outputFormat {
	case config.OutputJSON:
		if !decoded.PGNKnown() {
			fmt.Fprintf(p.out, "# unknown PGN: %v NodeNAME: %v (frames: %v)\n", decoded.PGN, nodeNAME, p.stats.frames)
		}
		b, err := annex.MarshalDecodedFrame(decoded, p.pretty)
		if err != nil {
			return err
		}
		fmt.Fprintf(p.out, "%s\n", b)
	case config.OutputCandump:
		fmt.Fprintf(p.out, "%s\n", candump.MarshalRawFrame(frame, p.iface))
	}
	return nil
}

func contains[T comparable](elems []T, v T) bool {
	for _, s := range elems {
		if v == s {
			return true
		}
	}
	return false
}
