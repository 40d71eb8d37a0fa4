// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wiring builds the transport selected by configuration.
package wiring

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxbus/amqp091"
	"github.com/absmach/fluxbus/amqp1"
	"github.com/absmach/fluxbus/codec"
	"github.com/absmach/fluxbus/config"
	"github.com/absmach/fluxbus/mqtt"
	"github.com/absmach/fluxbus/pkg/tls"
	"github.com/absmach/fluxbus/topics"
	"github.com/absmach/fluxbus/transport"
)

// ErrUnsupportedBackend is returned for an unknown transport type.
var ErrUnsupportedBackend = errors.New("unsupported transport backend")

// Dialers overrides the broker client of each backend. Nil fields use the
// real client libraries.
type Dialers struct {
	AMQP1   amqp1.Dialer
	AMQP091 amqp091.Dialer
	MQTT    mqtt.ClientFactory
}

// Options derives transport options from the node configuration. Hooks,
// metrics and tracer are left to the caller.
func Options(cfg *config.Config, handler transport.Handler, logger *slog.Logger) (transport.Options, error) {
	tc := cfg.Transport
	serializer, err := codec.New(tc.Serializer, tc.Compression)
	if err != nil {
		return transport.Options{}, err
	}

	return transport.Options{
		NodeID: cfg.Node.ID,
		Scheme: topics.NewScheme(tc.Prefix, tc.Namespace),
		Policy: topics.Policy{
			AutoDeleteQueues: tc.AutoDeleteQueues,
			EventTTL:         tc.EventTTL,
			HeartbeatTTL:     tc.HeartbeatTTL,
			Queue:            tc.QueueOptions,
			Message:          tc.MessageOptions,
		},
		Serializer: serializer,
		Handler:    handler,
		Logger:     logger,
		Verbose:    tc.Verbose,
		Guard: transport.GuardConfig{
			Breaker: tc.PublishBreaker,
			Rate:    tc.PublishRate,
		},
	}, nil
}

// NewTransport creates the backend named by cfg.Type.
func NewTransport(cfg config.TransportConfig, opts transport.Options, d Dialers) (transport.Transporter, error) {
	tlsCfg, err := tls.LoadClientConfig(&cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to load transport TLS config: %w", err)
	}
	if opts.Logger != nil {
		opts.Logger.Debug("transport security",
			slog.String("type", cfg.Type),
			slog.String("tls", tls.SecurityStatus(tlsCfg)))
	}

	var tr transport.Transporter
	switch cfg.Type {
	case config.TypeAMQP1:
		tr, err = newAMQP1(amqp1.Config{
			URL:            cfg.URL,
			Username:       cfg.Username,
			Password:       cfg.Password,
			TLS:            tlsCfg,
			Prefetch:       int32(cfg.Prefetch),
			ConnectTimeout: cfg.ConnectTimeout,
		}, opts, d.AMQP1)
	case config.TypeAMQP091:
		tr, err = newAMQP091(amqp091.Config{
			URL:             cfg.URL,
			Username:        cfg.Username,
			Password:        cfg.Password,
			TLS:             tlsCfg,
			Prefetch:        cfg.Prefetch,
			ConnectTimeout:  cfg.ConnectTimeout,
			RequeueOnReject: cfg.RequeueOnReject,
		}, opts, d.AMQP091)
	case config.TypeMQTT:
		tr, err = newMQTT(mqtt.Config{
			URL:             cfg.URL,
			Username:        cfg.Username,
			Password:        cfg.Password,
			TLS:             tlsCfg,
			ConnectTimeout:  cfg.ConnectTimeout,
			RequeueOnReject: cfg.RequeueOnReject,
		}, opts, d.MQTT)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return tr, nil
}

func newAMQP1(cfg amqp1.Config, opts transport.Options, d amqp1.Dialer) (transport.Transporter, error) {
	t, err := amqp1.New(cfg, opts, d)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func newAMQP091(cfg amqp091.Config, opts transport.Options, d amqp091.Dialer) (transport.Transporter, error) {
	t, err := amqp091.New(cfg, opts, d)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func newMQTT(cfg mqtt.Config, opts transport.Options, f mqtt.ClientFactory) (transport.Transporter, error) {
	t, err := mqtt.New(cfg, opts, f)
	if err != nil {
		return nil, err
	}
	return t, nil
}
