package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aldas/go-j1939decode"
	"github.com/aldas/go-j1939decode/addressmapper"
	"github.com/aldas/go-j1939decode/annex"
	"github.com/aldas/go-j1939decode/candump"
	"github.com/aldas/go-j1939decode/internal/broker"
	"github.com/aldas/go-j1939decode/internal/config"
	"github.com/aldas/go-j1939decode/internal/storage"
	"github.com/aldas/go-j1939decode/slcan"
	"github.com/aldas/go-j1939decode/socketcan"
	"github.com/tarm/serial"
	"go.uber.org/zap"
)

type cliOptions struct {
	configPath  string
	readOnly    bool
	validate    bool
	showVersion bool
}

func main() {
	cfg, opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}
	if opts.showVersion {
		fmt.Printf("j1939decode %v\n", annex.Version())
		return
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, opts, logger, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("j1939decode failed", zap.Error(err))
	}
}

func parseArgs(args []string) (config.Config, cliOptions, error) {
	defaults := config.Default()
	fs := flag.NewFlagSet("j1939decode", flag.ContinueOnError)

	opts := cliOptions{}
	fs.StringVar(&opts.configPath, "config", "", "path to YAML configuration file. Flags given explicitly override values from file")
	fs.BoolVar(&opts.readOnly, "read-only", false, "only reads device and does not write into it (no address claim requests, no STDIN frames)")
	fs.BoolVar(&opts.validate, "validate", false, "validate database, print found problems and exit")
	fs.BoolVar(&opts.showVersion, "version", false, "print decoder version and exit")

	dbPath := fs.String("db", defaults.Database, "path to J1939 digital annex JSON database")
	inputType := fs.String("input", defaults.Input.Type, "input type (file, stdin, socketcan, slcan)")
	devicePath := fs.String("device", "", "candump log file path, SocketCAN interface name (can0) or serial device path (/dev/ttyACM0)")
	baudRate := fs.Int("baud", defaults.Input.Baud, "serial device baud rate (slcan)")
	bitrate := fs.Int("bitrate", defaults.Input.Bitrate, "CAN bus bitrate set on slcan adapter")
	listenOnly := fs.Bool("listen-only", false, "open slcan adapter in listen only mode")
	receiveTimeout := fs.Duration("receive-timeout", defaults.Input.ReceiveTimeout, "how long device may be silent before reading ends")
	printRaw := fs.Bool("raw", false, "prints raw bytes read from and written to device")
	outputFormat := fs.String("output-format", defaults.Output.Format, "in which format frames are printed out (json, candump, none)")
	pretty := fs.Bool("pretty", false, "print JSON indented")
	onlyDecoded := fs.Bool("only-decoded", false, "output only frames that had at least one SPN found in database")
	pgnFilter := fs.String("filter", "", "comma separated list of PGNs to filter")
	csvSPNs := fs.String("csv-spns", "", "list of PGNs and their SPNs to be written in CSV. `65262:_time_ms,110,175;61444:_src,190`")
	csvDir := fs.String("csv-dir", defaults.Output.CSVDir, "directory where CSV files are written")
	storePath := fs.String("store", "", "path to SQLite database where decoded frames are stored")
	mqttBroker := fs.String("mqtt", "", "MQTT broker URL where decoded frames are published (tcp://localhost:1883)")
	mqttPrefix := fs.String("mqtt-prefix", broker.DefaultTopicPrefix, "MQTT topic prefix. Frames are published to <prefix>/<pgn>")
	noAddressMapper := fs.Bool("dam", false, "disable address mapper")
	logLevel := fs.String("log-level", defaults.Log.Level, "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", defaults.Log.Format, "log format (console, json)")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, cliOptions{}, err
	}

	cfg := defaults
	if opts.configPath != "" {
		c, err := config.Load(opts.configPath)
		if err != nil {
			return config.Config{}, cliOptions{}, err
		}
		cfg = c
	}

	var err error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "db":
			cfg.Database = *dbPath
		case "input":
			cfg.Input.Type = *inputType
		case "device":
			cfg.Input.Path = *devicePath
		case "baud":
			cfg.Input.Baud = *baudRate
		case "bitrate":
			cfg.Input.Bitrate = *bitrate
		case "listen-only":
			cfg.Input.ListenOnly = *listenOnly
		case "receive-timeout":
			cfg.Input.ReceiveTimeout = *receiveTimeout
		case "raw":
			cfg.Input.DebugRaw = *printRaw
		case "output-format":
			cfg.Output.Format = *outputFormat
		case "pretty":
			cfg.Output.Pretty = *pretty
		case "only-decoded":
			cfg.Output.OnlyDecoded = *onlyDecoded
		case "filter":
			var filter []uint32
			filter, err = string2intSlice(*pgnFilter)
			if err != nil {
				err = fmt.Errorf("invalid pgn filter given, %w", err)
			}
			cfg.Output.Filter = filter
		case "csv-spns":
			cfg.Output.CSVSPNs = *csvSPNs
		case "csv-dir":
			cfg.Output.CSVDir = *csvDir
		case "store":
			cfg.Storage.Path = *storePath
		case "mqtt":
			cfg.MQTT.Broker = *mqttBroker
		case "mqtt-prefix":
			cfg.MQTT.TopicPrefix = *mqttPrefix
		case "dam":
			cfg.AddressMapper = !*noAddressMapper
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		}
	})
	if err != nil {
		return config.Config{}, cliOptions{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, cliOptions{}, err
	}
	return cfg, opts, nil
}

func run(ctx context.Context, cfg config.Config, opts cliOptions, logger *zap.Logger, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dbDir, dbFile := filepath.Split(cfg.Database)
	if dbDir == "" {
		dbDir = "."
	}
	db, err := annex.LoadDatabaseFileWithConfig(os.DirFS(dbDir), dbFile, annex.DatabaseConfig{Log: annexLog(logger)})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "# Parsed %v known PGN definitions, %v SPN definitions, %v source addresses\n", db.PGNCount(), db.SPNCount(), db.SourceAddressCount())

	problems := db.Validate()
	for _, p := range problems {
		logger.Warn("database problem", zap.Error(p))
	}
	if opts.validate {
		fmt.Fprintf(out, "# Database has %v problems\n", len(problems))
		return nil
	}

	decoder := annex.NewDecoderWithConfig(db, annex.DecoderConfig{
		Log:           annexLog(logger),
		LogUnknownPGN: cfg.Log.Level == "debug",
	})
	p := newProcessor(decoder, cfg, logger, out)

	if p.filter != nil {
		fmt.Fprintf(out, "# Using PGN filter: %v\n", p.filter)
	}
	if cfg.Output.CSVSPNs != "" {
		csvFields, err := parseCSVSPNsRaw(cfg.Output.CSVSPNs, cfg.Output.CSVDir)
		if err != nil {
			return err
		}
		if err := checkCSVSPNs(db, csvFields); err != nil {
			return err
		}
		for _, cf := range csvFields {
			p.filter = append(p.filter, cf.PGN)
		}
		p.csv = csvFields
	}

	if cfg.Storage.Path != "" {
		store, err := storage.Open(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		p.store = store
		logger.Info("storing decoded frames", zap.String("path", cfg.Storage.Path))
	}

	if cfg.MQTT.Broker != "" {
		publisher, err := broker.NewPublisher(broker.Config{
			Broker:          cfg.MQTT.Broker,
			ClientID:        cfg.MQTT.ClientID,
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			TopicPrefix:     cfg.MQTT.TopicPrefix,
			Retained:        cfg.MQTT.Retained,
			InsecureSkipTLS: cfg.MQTT.InsecureSkipTLS,
			Logger:          logger.Named("mqtt"),
		})
		if err != nil {
			return err
		}
		defer publisher.Close()
		p.publisher = publisher
	}

	device, err := openDevice(cfg)
	if err != nil {
		return err
	}
	defer device.Close()
	if cfg.Input.Type == config.InputSocketCAN {
		p.iface = cfg.Input.Path
	}

	fmt.Fprintf(out, "# Initializing device: %v %v\n", cfg.Input.Type, cfg.Input.Path)
	if err := device.Initialize(); err != nil {
		return err
	}

	writer, canWrite := device.(j1939.RawFrameWriter)
	canWrite = canWrite && !opts.readOnly && !cfg.Input.ListenOnly

	if cfg.AddressMapper {
		var amWriter j1939.RawFrameWriter
		if canWrite {
			amWriter = writer
		}
		am := addressmapper.NewAddressMapper(amWriter)
		if canWrite {
			am.ToggleWrite()
		}
		p.addressMapper = am

		fmt.Fprintf(out, "# Starting address mapper process\n")
		go func(ctx context.Context, am *addressmapper.AddressMapper) {
			if err := am.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("address mapper ended with error", zap.Error(err))
			}
		}(ctx, am)
		if canWrite {
			go func(ctx context.Context, am *addressmapper.AddressMapper) {
				// After 1 sec delay send address claim request to all nodes on bus to learn their NAME values
				select {
				case <-ctx.Done():
					return
				case <-time.After(1 * time.Second):
					fmt.Fprintf(out, "# Broadcasting address claim request\n")
					am.BroadcastAddressClaimRequest()
				}
			}(ctx, am)
		}
	}

	if canWrite {
		fmt.Fprintf(out, "# Starting STDIN process\n")
		go handleSTDIO(ctx, os.Stdin, out, writer, p.addressMapper)
	}

	fmt.Fprintf(out, "# Starting to read device: %v %v\n", cfg.Input.Type, cfg.Input.Path)
	err = p.run(ctx, device)
	fmt.Fprintf(out, "# Finishing, number of processed frames: %v, decoded: %v, decode errors: %v, read errors: %v\n",
		p.stats.frames, p.stats.decoded, p.stats.errorsDecode, p.stats.errorsRead)
	return err
}

func openDevice(cfg config.Config) (j1939.RawFrameReader, error) {
	switch cfg.Input.Type {
	case config.InputStdin:
		return candump.NewReader(io.NopCloser(os.Stdin)), nil
	case config.InputFile:
		f, err := os.Open(cfg.Input.Path)
		if err != nil {
			return nil, err
		}
		return candump.NewReader(f), nil
	case config.InputSocketCAN:
		return socketcan.NewDevice(socketcan.DeviceConfig{
			InterfaceName:      cfg.Input.Path,
			ReceiveDataTimeout: cfg.Input.ReceiveTimeout,
			SkipUnsupported:    true,
		}), nil
	case config.InputSLCAN:
		port, err := serial.OpenPort(&serial.Config{
			Name: cfg.Input.Path,
			Baud: cfg.Input.Baud,
			// ReadTimeout is duration that Read call is allowed to block. Device has different timeout for situation when
			// there is no activity on bus. Can not be smaller than 100ms
			ReadTimeout: 100 * time.Millisecond,
			Size:        8,
		})
		if err != nil {
			return nil, err
		}
		return slcan.NewDeviceWithConfig(port, slcan.Config{
			ReceiveDataTimeout:      cfg.Input.ReceiveTimeout,
			Bitrate:                 cfg.Input.Bitrate,
			ListenOnly:              cfg.Input.ListenOnly,
			DebugLogRawMessageBytes: cfg.Input.DebugRaw,
		}), nil
	}
	return nil, fmt.Errorf("unknown input type: %v", cfg.Input.Type)
}

func string2intSlice(s string) ([]uint32, error) {
	result := make([]uint32, 0, 10)
	for _, p := range strings.Split(s, ",") {
		pgn, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, err
		}
		result = append(result, uint32(pgn))
	}
	return result, nil
}
