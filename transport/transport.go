// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the contract between a framework node and a
// message broker, and the lifecycle, delivery tracking and dispatch logic
// shared by every broker backend.
package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxbus/codec"
	"github.com/absmach/fluxbus/packets"
	"github.com/absmach/fluxbus/topics"
	"go.opentelemetry.io/otel/trace"
)

// Handler processes a decoded inbound packet. A non-nil error rejects
// deliveries that require acknowledgement.
type Handler func(ctx context.Context, pkt *packets.Packet) error

// Transporter is implemented by every broker backend.
type Transporter interface {
	// Connect opens the broker connection. On success the OnConnected hook
	// runs; on failure the transport is Disconnected again and the error is
	// returned. Connect never retries.
	Connect(ctx context.Context) error
	// Disconnect closes every receiver, rejects every in-flight delivery and
	// then closes the connection. It is a no-op when not connected.
	Disconnect(ctx context.Context) error

	// Subscribe opens a receiver for kind: direct when nodeID is set,
	// broadcast otherwise.
	Subscribe(ctx context.Context, kind packets.Kind, nodeID string) error
	// SubscribeBalancedRequest joins the competing consumers of action.
	SubscribeBalancedRequest(ctx context.Context, action string) error
	// SubscribeBalancedEvent joins the competing consumers of event in group.
	SubscribeBalancedEvent(ctx context.Context, event, group string) error

	// Publish sends pkt to its direct or broadcast address. Send failures
	// are logged, not returned.
	Publish(ctx context.Context, pkt *packets.Packet) error
	// PublishBalancedRequest sends a REQUEST to the balanced address of its action.
	PublishBalancedRequest(ctx context.Context, pkt *packets.Packet) error
	// PublishBalancedEvent sends an EVENT to the balanced address of its
	// event in group.
	PublishBalancedEvent(ctx context.Context, pkt *packets.Packet, group string) error

	State() State
	// HasBuiltInBalancer reports whether the broker balances requests and
	// events itself.
	HasBuiltInBalancer() bool
}

// Options configure a transport.
type Options struct {
	NodeID     string
	Scheme     topics.Scheme
	Policy     topics.Policy
	Serializer codec.Serializer
	Handler    Handler

	// OnConnected runs once per successful connect, before Connect returns.
	OnConnected func(ctx context.Context) error

	// OnConnectionLost runs in its own goroutine when the broker drops the
	// connection without a Disconnect call.
	OnConnectionLost func(err error)

	Logger *slog.Logger

	// Verbose enables per-packet debug logging.
	Verbose bool
	Guard   GuardConfig

	Metrics *Metrics     // nil if metrics disabled
	Tracer  trace.Tracer // nil if tracing disabled
}

// Validate checks the options.
func (o *Options) Validate() error {
	if o.NodeID == "" {
		return ErrEmptyNodeID
	}
	if err := topics.ValidateName(o.NodeID); err != nil {
		return fmt.Errorf("invalid node ID %q: %w", o.NodeID, err)
	}
	if err := topics.ValidateName(o.Scheme.Prefix); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidPrefix, o.Scheme.Prefix, err)
	}
	if o.Handler == nil {
		return ErrNilHandler
	}
	if o.Serializer == nil {
		return ErrNilSerializer
	}
	return nil
}
