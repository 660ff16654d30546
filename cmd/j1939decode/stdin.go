package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aldas/go-j1939decode"
	"github.com/aldas/go-j1939decode/addressmapper"
	"github.com/aldas/go-j1939decode/candump"
)

// handleSTDIO reads commands from input and writes frames to device. Lines are either commands (`!nodes`,
// `!addr-claim`) or frames in cansend format (`18EAFFFE#00EE00`).
func handleSTDIO(ctx context.Context, in io.Reader, out io.Writer, device j1939.RawFrameWriter, addressMapper *addressmapper.AddressMapper) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "!nodes":
			if addressMapper == nil {
				fmt.Fprintf(out, "# address mapper is disabled\n")
				continue
			}
			nodes := addressMapper.Nodes()
			fmt.Fprintf(out, "# Known nodes: %v\n", len(nodes))
			for _, n := range nodes {
				fmt.Fprintf(out, "# node: NAME: %v, source: %v, last seen: %v\n", n.NAME, n.Source, n.LastSeen.Format(time.RFC3339))
			}
			continue
		case strings.HasPrefix(line, "!addr-claim"):
			if addressMapper != nil {
				if !addressMapper.BroadcastAddressClaimRequest() {
					fmt.Fprintf(out, "# address claim request dropped, request queue is full\n")
				}
			}
			continue
		}
		frame, err := parseLine(line)
		if err != nil {
			fmt.Fprintf(out, "# Error parsing line: %v\n", err)
			continue
		}

		if err = device.WriteRawFrame(ctx, frame); err != nil {
			fmt.Fprintf(out, "# Error at writing: %v\n", err)
		}
	}
}

func parseLine(line string) (j1939.RawFrame, error) {
	return candump.UnmarshalString(line, time.Time{})
}
