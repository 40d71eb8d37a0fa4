// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/absmach/fluxbus/codec"
	"github.com/absmach/fluxbus/pkg/tls"
	"github.com/absmach/fluxbus/ratelimit"
	"github.com/absmach/fluxbus/topics"
	"github.com/absmach/fluxbus/transport"
	"gopkg.in/yaml.v3"
)

// Transport types.
const (
	TypeAMQP1   = "amqp1"
	TypeAMQP091 = "amqp091"
	TypeMQTT    = "mqtt"
)

// Config holds all configuration for a fluxbus node.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Transport TransportConfig `yaml:"transport"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// NodeConfig holds node identity and lifecycle settings.
type NodeConfig struct {
	ID                string        `yaml:"id"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	// Actions are served through balanced request queues.
	Actions []string `yaml:"actions"`
	// Events are consumed through balanced event queues.
	Events []EventConfig `yaml:"events"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// EventConfig names an event and the consumer group it is balanced in.
type EventConfig struct {
	Name  string `yaml:"name"`
	Group string `yaml:"group"`
}

// ReconnectConfig holds the reconnect backoff of the node.
type ReconnectConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// TransportConfig holds broker connection and addressing settings. In YAML
// it is either a mapping or a bare broker URL.
type TransportConfig struct {
	Type      string     `yaml:"type"` // amqp1, amqp091, mqtt
	URL       string     `yaml:"url"`
	Prefix    string     `yaml:"prefix"`
	Namespace string     `yaml:"namespace"`
	Username  string     `yaml:"username"`
	Password  string     `yaml:"password"`
	TLS       tls.Config `yaml:"tls"`

	AutoDeleteQueues bool                    `yaml:"auto_delete_queues"`
	EventTTL         time.Duration           `yaml:"event_ttl"`
	HeartbeatTTL     time.Duration           `yaml:"heartbeat_ttl"`
	QueueOptions     topics.QueueOverrides   `yaml:"queue_options"`
	MessageOptions   topics.MessageOverrides `yaml:"message_options"`

	Prefetch        int           `yaml:"prefetch"`
	Serializer      string        `yaml:"serializer"`  // json, proto
	Compression     string        `yaml:"compression"` // none, zstd, s2
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	RequeueOnReject bool          `yaml:"requeue_on_reject"`
	Verbose         bool          `yaml:"verbose"`

	PublishBreaker transport.BreakerConfig `yaml:"publish_breaker"`
	PublishRate    ratelimit.Config        `yaml:"publish_rate"`
}

// UnmarshalYAML accepts a bare URL string as well as a mapping.
func (c *TransportConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		c.URL = raw
		return nil
	}

	type plain TransportConfig
	return value.Decode((*plain)(c))
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:                "node-1",
			HeartbeatInterval: 5 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			Reconnect: ReconnectConfig{
				InitialInterval: 1 * time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2.0,
			},
		},
		Transport: TransportConfig{
			Type:           TypeAMQP1,
			URL:            "amqp://localhost:5672",
			Prefix:         "MOL",
			EventTTL:       5 * time.Second,
			HeartbeatTTL:   15 * time.Second,
			Prefetch:       1,
			Serializer:     codec.NameJSON,
			Compression:    codec.CompressionNone,
			ConnectTimeout: 10 * time.Second,
			PublishBreaker: transport.DefaultBreakerConfig(),
			PublishRate:    ratelimit.DefaultConfig(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxbus",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  true,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := topics.ValidateName(c.Node.ID); err != nil {
		return fmt.Errorf("node.id: %w", err)
	}
	if c.Node.HeartbeatInterval < 100*time.Millisecond {
		return fmt.Errorf("node.heartbeat_interval must be at least 100ms")
	}
	if c.Node.ShutdownTimeout < time.Second {
		return fmt.Errorf("node.shutdown_timeout must be at least 1 second")
	}
	for i, action := range c.Node.Actions {
		if err := topics.ValidateName(action); err != nil {
			return fmt.Errorf("node.actions[%d]: %w", i, err)
		}
	}
	for i, ev := range c.Node.Events {
		if err := topics.ValidateName(ev.Name); err != nil {
			return fmt.Errorf("node.events[%d].name: %w", i, err)
		}
	}
	if c.Node.Reconnect.InitialInterval <= 0 {
		return fmt.Errorf("node.reconnect.initial_interval must be positive")
	}
	if c.Node.Reconnect.MaxInterval < c.Node.Reconnect.InitialInterval {
		return fmt.Errorf("node.reconnect.max_interval cannot be less than initial_interval")
	}
	if c.Node.Reconnect.Multiplier < 1.0 {
		return fmt.Errorf("node.reconnect.multiplier must be at least 1.0")
	}

	if err := c.Transport.Validate(); err != nil {
		return err
	}
	scheme := c.Transport.Scheme()
	for i, ev := range c.Node.Events {
		if err := scheme.ValidateGroup(ev.Group); err != nil {
			return fmt.Errorf("node.events[%d].group: %w", i, err)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Validate checks the transport section. An empty type is inferred from the
// URL scheme.
func (t *TransportConfig) Validate() error {
	if t.URL == "" {
		return fmt.Errorf("transport.url cannot be empty")
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		return fmt.Errorf("transport.url: %w", err)
	}
	if t.Type == "" {
		t.Type = typeForScheme(u.Scheme)
	}
	switch t.Type {
	case TypeAMQP1, TypeAMQP091:
		if u.Scheme != "amqp" && u.Scheme != "amqps" {
			return fmt.Errorf("transport.url scheme must be amqp or amqps for %s", t.Type)
		}
	case TypeMQTT:
		switch u.Scheme {
		case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
		default:
			return fmt.Errorf("transport.url scheme %q is not supported by mqtt", u.Scheme)
		}
	default:
		return fmt.Errorf("transport.type must be one of: amqp1, amqp091, mqtt")
	}

	if err := topics.ValidateName(t.Prefix); err != nil {
		return fmt.Errorf("transport.prefix: %w", err)
	}
	if t.Namespace != "" {
		if err := topics.ValidateName(t.Namespace); err != nil {
			return fmt.Errorf("transport.namespace: %w", err)
		}
	}
	if t.EventTTL < 0 || t.HeartbeatTTL < 0 {
		return fmt.Errorf("transport ttls cannot be negative")
	}
	if t.Prefetch < 0 {
		return fmt.Errorf("transport.prefetch cannot be negative")
	}
	if t.ConnectTimeout < 0 {
		return fmt.Errorf("transport.connect_timeout cannot be negative")
	}

	validSerializers := map[string]bool{codec.NameJSON: true, codec.NameProto: true}
	if !validSerializers[t.Serializer] {
		return fmt.Errorf("transport.serializer must be one of: json, proto")
	}
	validCompression := map[string]bool{
		"":                    true,
		codec.CompressionNone: true,
		codec.CompressionZstd: true,
		codec.CompressionS2:   true,
	}
	if !validCompression[t.Compression] {
		return fmt.Errorf("transport.compression must be one of: none, zstd, s2")
	}

	if t.PublishBreaker.Enabled && t.PublishBreaker.ResetTimeout < time.Second {
		return fmt.Errorf("transport.publish_breaker.reset_timeout must be at least 1 second")
	}
	if t.PublishRate.Enabled && (t.PublishRate.Rate <= 0 || t.PublishRate.Burst < 1) {
		return fmt.Errorf("transport.publish_rate requires a positive rate and a burst of at least 1")
	}

	return nil
}

// Scheme returns the address scheme of the transport. MQTT separates
// segments with "/".
func (t TransportConfig) Scheme() topics.Scheme {
	s := topics.NewScheme(t.Prefix, t.Namespace)
	if t.Type == TypeMQTT {
		s = s.WithSeparator(topics.SlashSeparator)
	}
	return s
}

func typeForScheme(scheme string) string {
	switch strings.ToLower(scheme) {
	case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
		return TypeMQTT
	default:
		return TypeAMQP1
	}
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
