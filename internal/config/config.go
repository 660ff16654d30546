// Package config loads j1939decode command configuration from YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aldas/go-j1939decode/annex"
	"gopkg.in/yaml.v3"
)

const (
	InputFile      = "file"
	InputStdin     = "stdin"
	InputSocketCAN = "socketcan"
	InputSLCAN     = "slcan"

	OutputJSON    = "json"
	OutputCandump = "candump"
	OutputNone    = "none"
)

// Config collects runtime settings for the decoder command.
type Config struct {
	Log      LogConfig     `yaml:"log"`
	Database string        `yaml:"database"`
	Input    InputConfig   `yaml:"input"`
	Output   OutputConfig  `yaml:"output"`
	Storage  StorageConfig `yaml:"storage"`
	MQTT     MQTTConfig    `yaml:"mqtt"`

	// AddressMapper enables tracking of address claims (PGN 60928)
	AddressMapper bool `yaml:"address_mapper"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
	// Format is `console` or `json`
	Format string `yaml:"format"`
}

type InputConfig struct {
	// Type is one of file, stdin, socketcan, slcan
	Type string `yaml:"type"`
	// Path is file path, SocketCAN interface name (can0) or serial device (/dev/ttyACM0)
	Path string `yaml:"path"`
	// Baud is serial port speed for slcan adapters
	Baud int `yaml:"baud"`
	// Bitrate is CAN bus bitrate set on slcan adapters
	Bitrate int `yaml:"bitrate"`
	// ListenOnly opens slcan adapter in listen only mode
	ListenOnly bool `yaml:"listen_only"`
	// ReceiveTimeout is how long device may be silent before reading ends
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	// DebugRaw logs raw bytes read from/written to device
	DebugRaw bool `yaml:"debug_raw"`
}

type OutputConfig struct {
	// Format is one of json, candump, none
	Format string `yaml:"format"`
	Pretty bool   `yaml:"pretty"`
	// OnlyDecoded suppresses frames that had no SPN found in database
	OnlyDecoded bool `yaml:"only_decoded"`
	// Filter limits output to given PGNs
	Filter []uint32 `yaml:"filter"`
	// CSVSPNs lists PGNs and their SPNs to be written to CSV files. `65262:_time_ms,110,175;61444:190`
	CSVSPNs string `yaml:"csv_spns"`
	// CSVDir is directory where CSV files are created
	CSVDir string `yaml:"csv_dir"`
}

type StorageConfig struct {
	// Path to SQLite database file. Storage is disabled when empty.
	Path string `yaml:"path"`
}

type MQTTConfig struct {
	// Broker URL (tcp://localhost:1883). Publishing is disabled when empty.
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	Retained        bool   `yaml:"retained"`
	InsecureSkipTLS bool   `yaml:"insecure_skip_tls"`
}

// Default returns configuration used when no file is given
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Database: annex.DefaultDatabaseFile,
		Input: InputConfig{
			Type:           InputStdin,
			Baud:           115200,
			Bitrate:        250_000,
			ReceiveTimeout: 5 * time.Second,
		},
		Output: OutputConfig{
			Format: OutputJSON,
			CSVDir: ".",
		},
		AddressMapper: true,
	}
}

// Load reads configuration from YAML file. Values missing from file keep their defaults. Loaded configuration is not
// validated so that callers can apply overrides before calling Validate.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: failed to read file, err: %w", err)
	}
	return Parse(bytes.NewReader(b))
}

// Parse reads configuration from YAML document. Unknown keys are errors.
func Parse(r io.Reader) (Config, error) {
	c := Default()
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: failed to parse YAML, err: %w", err)
	}
	return c, nil
}

// Validate checks that enumerated values are known
func (c Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level: %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config: unknown log format: %q", c.Log.Format)
	}
	switch c.Input.Type {
	case InputStdin:
	case InputFile, InputSocketCAN, InputSLCAN:
		if c.Input.Path == "" {
			return fmt.Errorf("config: input path is required for input type %q", c.Input.Type)
		}
	default:
		return fmt.Errorf("config: unknown input type: %q", c.Input.Type)
	}
	switch c.Output.Format {
	case OutputJSON, OutputCandump, OutputNone:
	default:
		return fmt.Errorf("config: unknown output format: %q", c.Output.Format)
	}
	if c.Database == "" {
		return errors.New("config: database path is required")
	}
	return nil
}
