// Package broker publishes decoded frames to MQTT broker.
package broker

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aldas/go-j1939decode/annex"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// DefaultTopicPrefix is topic prefix used when none is configured. Frames are published to `<prefix>/<pgn>`.
const DefaultTopicPrefix = "j1939"

var errPublishTimeout = errors.New("MQTT publish timeout")

type Config struct {
	// Broker is broker URL, e.g. `tcp://localhost:1883` or `tls://broker:8883`
	Broker   string
	ClientID string
	Username string
	Password string

	TopicPrefix     string
	Retained        bool
	InsecureSkipTLS bool

	Timeout time.Duration

	Logger *zap.Logger
}

// Publisher publishes decoded frames as JSON with QoS 0.
type Publisher struct {
	client  mqtt.Client
	prefix  string
	retain  bool
	timeout time.Duration
	logger  *zap.Logger
}

// NewPublisher connects to broker and returns publisher
func NewPublisher(config Config) (*Publisher, error) {
	if config.Broker == "" {
		return nil, errors.New("MQTT broker URL is not set")
	}
	p := newPublisher(nil, config)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)

	clientID := config.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("j1939decode-%d", time.Now().Unix())
	}
	opts.SetClientID(clientID)

	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	if strings.HasPrefix(config.Broker, "tls://") || strings.HasPrefix(config.Broker, "ssl://") {
		opts.SetTLSConfig(&tls.Config{
			InsecureSkipVerify: config.InsecureSkipTLS,
		})
	}

	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(p.timeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		p.logger.Warn("MQTT connection lost", zap.Error(err))
	}
	opts.OnReconnecting = func(client mqtt.Client, opts *mqtt.ClientOptions) {
		p.logger.Info("MQTT reconnecting")
	}

	p.client = mqtt.NewClient(opts)

	p.logger.Info("MQTT connecting", zap.String("broker", config.Broker), zap.String("client_id", clientID))
	token := p.client.Connect()
	if !token.WaitTimeout(p.timeout) {
		return nil, errors.New("MQTT connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect failed: %w", err)
	}
	return p, nil
}

func newPublisher(client mqtt.Client, config Config) *Publisher {
	prefix := strings.TrimRight(config.TopicPrefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client:  client,
		prefix:  prefix,
		retain:  config.Retained,
		timeout: timeout,
		logger:  logger,
	}
}

// Topic returns topic frame with given PGN is published to
func (p *Publisher) Topic(pgn uint32) string {
	return p.prefix + "/" + strconv.FormatUint(uint64(pgn), 10)
}

// Publish publishes decoded frame as compact JSON to `<prefix>/<pgn>`
func (p *Publisher) Publish(frame annex.DecodedFrame) error {
	payload, err := annex.MarshalDecodedFrame(frame, false)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.Topic(frame.PGN), 0, p.retain, payload)
	if !token.WaitTimeout(p.timeout) {
		return errPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT publish failed: %w", err)
	}
	return nil
}

// Close disconnects from broker
func (p *Publisher) Close() error {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	return nil
}
