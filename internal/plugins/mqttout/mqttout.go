// Package mqttout provides a blocking output publishing every tick as a
// MessagePack batch to an MQTT topic.
package mqttout

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/pulse/internal/codec"
	"github.com/basekick-labs/pulse/pkg/measurement"
	"github.com/basekick-labs/pulse/pkg/pipeline"
	"github.com/basekick-labs/pulse/pkg/plugin"
)

const (
	Name    = "mqttout"
	Version = "0.1.0"

	MaxTopicLength = 1024
)

var (
	ErrNotConnected   = errors.New("not connected to MQTT broker")
	ErrPublishTimeout = errors.New("publish timed out")
)

type Config struct {
	Broker         string        `config:"broker"`
	Topic          string        `config:"topic"`
	ClientID       string        `config:"client_id"`
	QoS            int           `config:"qos"`
	Retained       bool          `config:"retained"`
	Username       string        `config:"username"`
	Password       string        `config:"password"`
	KeepAlive      time.Duration `config:"keep_alive"`
	ConnectTimeout time.Duration `config:"connect_timeout"`
	PublishTimeout time.Duration `config:"publish_timeout"`

	TLSEnabled            bool   `config:"tls_enabled"`
	TLSCAPath             string `config:"tls_ca_path"`
	TLSCertPath           string `config:"tls_cert_path"`
	TLSKeyPath            string `config:"tls_key_path"`
	TLSInsecureSkipVerify bool   `config:"tls_insecure_skip_verify"`
}

func defaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		Topic:          "pulse/measurements",
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 5 * time.Second,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("broker is required")
	}
	if c.Topic == "" || len(c.Topic) > MaxTopicLength {
		return fmt.Errorf("topic must be between 1 and %d characters", MaxTopicLength)
	}
	if strings.ContainsAny(c.Topic, "+#") {
		return fmt.Errorf("topic %q must not contain wildcards", c.Topic)
	}
	if c.QoS < 0 || c.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2")
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("publish_timeout must be positive")
	}
	return nil
}

// ClientFactory builds the MQTT client. Tests replace it with a fake.
type ClientFactory func(opts *pahomqtt.ClientOptions) pahomqtt.Client

// Metadata announces the plugin to the host
func Metadata() plugin.Metadata {
	return MetadataWithClient(pahomqtt.NewClient)
}

// MetadataWithClient is Metadata with a custom client factory
func MetadataWithClient(factory ClientFactory) plugin.Metadata {
	return plugin.Metadata{
		Name:    Name,
		Version: Version,
		DefaultConfig: func() (plugin.ConfigTable, error) {
			return plugin.EncodeConfig(defaultConfig())
		},
		Init: func(table plugin.ConfigTable) (plugin.Plugin, error) {
			var cfg Config
			if err := plugin.DecodeConfig(table, &cfg); err != nil {
				return nil, err
			}
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			if cfg.ClientID == "" {
				cfg.ClientID = "pulse-" + uuid.New().String()[:8]
			}
			return &Plugin{
				Base:    plugin.Base{PluginName: Name, PluginVersion: Version},
				config:  cfg,
				factory: factory,
			}, nil
		},
	}
}

type Plugin struct {
	plugin.Base
	config    Config
	factory   ClientFactory
	publisher *Publisher
}

func (p *Plugin) Start(ctx *plugin.StartContext) error {
	pub, err := NewPublisher(&p.config, p.factory, ctx.Logger())
	if err != nil {
		return err
	}
	if err := pub.Connect(); err != nil {
		return err
	}
	p.publisher = pub
	return ctx.AddBlockingOutput("publish", pub)
}

func (p *Plugin) Stop() error {
	if p.publisher != nil {
		p.publisher.Disconnect()
	}
	return nil
}

// Publisher owns the MQTT connection and implements pipeline.Output
type Publisher struct {
	config Config
	client pahomqtt.Client
	logger zerolog.Logger

	mu             sync.RWMutex
	connectedSince time.Time

	published  atomic.Int64
	failed     atomic.Int64
	bytesSent  atomic.Int64
	reconnects atomic.Int64
}

// Stats is a point-in-time view of a publisher
type Stats struct {
	Broker         string    `json:"broker"`
	Topic          string    `json:"topic"`
	Connected      bool      `json:"connected"`
	Published      int64     `json:"published"`
	Failed         int64     `json:"failed"`
	BytesSent      int64     `json:"bytes_sent"`
	Reconnects     int64     `json:"reconnects"`
	ConnectedSince time.Time `json:"connected_since"`
}

// NewPublisher builds the client without connecting
func NewPublisher(cfg *Config, factory ClientFactory, logger zerolog.Logger) (*Publisher, error) {
	p := &Publisher{
		config: *cfg,
		logger: logger.With().Str("broker", cfg.Broker).Str("topic", cfg.Topic).Logger(),
	}
	opts, err := p.buildClientOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to build client options: %w", err)
	}
	p.client = factory(opts)
	return p, nil
}

// Connect starts connecting. A broker that is not reachable yet is retried in
// the background; writes fail until the connection is up.
func (p *Publisher) Connect() error {
	p.logger.Info().Msg("Connecting to MQTT broker")

	token := p.client.Connect()
	if !token.WaitTimeout(p.config.ConnectTimeout) {
		p.logger.Warn().Dur("timeout", p.config.ConnectTimeout).Msg("MQTT broker not reachable yet, retrying in background")
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	return nil
}

// Disconnect closes the connection, waiting up to one second for in-flight
// messages.
func (p *Publisher) Disconnect() {
	if p.client.IsConnected() {
		p.client.Disconnect(1000)
	}
	p.logger.Info().Int64("published", p.published.Load()).Msg("Disconnected from MQTT broker")
}

func (p *Publisher) Write(view measurement.View, ctx *pipeline.OutputContext) error {
	payload, err := codec.EncodeView(view, ctx.Metrics, time.Now())
	if err != nil {
		return err
	}

	if !p.client.IsConnectionOpen() {
		p.failed.Add(1)
		return ErrNotConnected
	}

	token := p.client.Publish(p.config.Topic, byte(p.config.QoS), p.config.Retained, payload)
	if !token.WaitTimeout(p.config.PublishTimeout) {
		p.failed.Add(1)
		return fmt.Errorf("%w after %s", ErrPublishTimeout, p.config.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("publish: %w", err)
	}

	p.published.Add(1)
	p.bytesSent.Add(int64(len(payload)))
	return nil
}

// Stats returns publisher statistics
func (p *Publisher) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return Stats{
		Broker:         p.config.Broker,
		Topic:          p.config.Topic,
		Connected:      p.client.IsConnectionOpen(),
		Published:      p.published.Load(),
		Failed:         p.failed.Load(),
		BytesSent:      p.bytesSent.Load(),
		Reconnects:     p.reconnects.Load(),
		ConnectedSince: p.connectedSince,
	}
}

func (p *Publisher) buildClientOptions() (*pahomqtt.ClientOptions, error) {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(p.config.Broker)
	opts.SetClientID(p.config.ClientID)

	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(time.Minute)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
	}
	if p.config.Password != "" {
		opts.SetPassword(p.config.Password)
	}

	if p.config.TLSEnabled {
		tlsConfig, err := p.buildTLSConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(p.onReconnecting)

	opts.SetCleanSession(true)

	return opts, nil
}

func (p *Publisher) buildTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: p.config.TLSInsecureSkipVerify,
	}

	if p.config.TLSCAPath != "" {
		caCert, err := os.ReadFile(p.config.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	if p.config.TLSCertPath != "" && p.config.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(p.config.TLSCertPath, p.config.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func (p *Publisher) onConnect(pahomqtt.Client) {
	p.mu.Lock()
	p.connectedSince = time.Now()
	p.mu.Unlock()
	p.logger.Info().Msg("MQTT connection established")
}

func (p *Publisher) onConnectionLost(_ pahomqtt.Client, err error) {
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *Publisher) onReconnecting(pahomqtt.Client, *pahomqtt.ClientOptions) {
	p.reconnects.Add(1)
	p.logger.Info().Int64("reconnect_count", p.reconnects.Load()).Msg("Attempting to reconnect to MQTT broker")
}
