package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	var testCases = []struct {
		name        string
		given       string
		expect      func(c *Config)
		expectError string
	}{
		{
			name:   "ok, empty document gives defaults",
			given:  "",
			expect: func(c *Config) {},
		},
		{
			name: "ok, full document",
			given: `
log:
  level: debug
  format: json
database: /etc/j1939/J1939db.json
address_mapper: false
input:
  type: slcan
  path: /dev/ttyACM0
  baud: 921600
  bitrate: 500000
  listen_only: true
  receive_timeout: 2s
  debug_raw: true
output:
  format: candump
  pretty: true
  only_decoded: true
  filter: [65262, 61444]
  csv_spns: "65262:_time_ms,110"
  csv_dir: /tmp/csv
storage:
  path: frames.db
mqtt:
  broker: tcp://localhost:1883
  client_id: truck-1
  username: user
  password: secret
  topic_prefix: trucks/1
  retained: true
  insecure_skip_tls: true
`,
			expect: func(c *Config) {
				c.Log = LogConfig{Level: "debug", Format: "json"}
				c.Database = "/etc/j1939/J1939db.json"
				c.AddressMapper = false
				c.Input = InputConfig{
					Type:           InputSLCAN,
					Path:           "/dev/ttyACM0",
					Baud:           921600,
					Bitrate:        500000,
					ListenOnly:     true,
					ReceiveTimeout: 2 * time.Second,
					DebugRaw:       true,
				}
				c.Output = OutputConfig{
					Format:      OutputCandump,
					Pretty:      true,
					OnlyDecoded: true,
					Filter:      []uint32{65262, 61444},
					CSVSPNs:     "65262:_time_ms,110",
					CSVDir:      "/tmp/csv",
				}
				c.Storage.Path = "frames.db"
				c.MQTT = MQTTConfig{
					Broker:          "tcp://localhost:1883",
					ClientID:        "truck-1",
					Username:        "user",
					Password:        "secret",
					TopicPrefix:     "trucks/1",
					Retained:        true,
					InsecureSkipTLS: true,
				}
			},
		},
		{
			name: "ok, partial document keeps defaults",
			given: `
input:
  type: socketcan
  path: can0
`,
			expect: func(c *Config) {
				c.Input.Type = InputSocketCAN
				c.Input.Path = "can0"
			},
		},
		{
			name:        "nok, unknown key",
			given:       "inptu:\n  type: file\n",
			expectError: "config: failed to parse YAML, err: yaml: unmarshal errors:\n  line 1: field inptu not found in type config.Config",
		},
		{
			name:  "ok, incomplete input is left for validation",
			given: "input:\n  type: file\n",
			expect: func(c *Config) {
				c.Input.Type = InputFile
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := Parse(strings.NewReader(tc.given))

			if tc.expectError != "" {
				assert.EqualError(t, err, tc.expectError)
				assert.Equal(t, Config{}, result)
				return
			}
			expect := Default()
			tc.expect(&expect)
			assert.NoError(t, err)
			assert.Equal(t, expect, result)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	var testCases = []struct {
		name        string
		given       string
		expectError string
	}{
		{
			name:  "ok, defaults",
			given: "",
		},
		{
			name:  "ok, file input with path",
			given: "input:\n  type: file\n  path: candump.log\n",
		},
		{
			name:        "nok, unknown input type",
			given:       "input:\n  type: tcp\n",
			expectError: `config: unknown input type: "tcp"`,
		},
		{
			name:        "nok, missing input path",
			given:       "input:\n  type: file\n",
			expectError: `config: input path is required for input type "file"`,
		},
		{
			name:        "nok, unknown output format",
			given:       "output:\n  format: xml\n",
			expectError: `config: unknown output format: "xml"`,
		},
		{
			name:        "nok, unknown log level",
			given:       "log:\n  level: trace\n",
			expectError: `config: unknown log level: "trace"`,
		},
		{
			name:        "nok, unknown log format",
			given:       "log:\n  format: xml\n",
			expectError: `config: unknown log format: "xml"`,
		},
		{
			name:        "nok, empty database",
			given:       "database: \"\"\n",
			expectError: "config: database path is required",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Parse(strings.NewReader(tc.given))
			require.NoError(t, err)

			err = c.Validate()

			if tc.expectError != "" {
				assert.EqualError(t, err, tc.expectError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "j1939decode.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output:\n  pretty: true\n"), 0o600))

	result, err := Load(path)

	assert.NoError(t, err)
	assert.True(t, result.Output.Pretty)
	assert.Equal(t, "J1939db.json", result.Database)
}

func TestLoad_missingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	assert.ErrorIs(t, err, os.ErrNotExist)
}
