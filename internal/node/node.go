// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package node runs a framework node on top of a transport: it subscribes
// to the node's addresses on every connect, answers discovery and pings,
// serves its balanced actions, publishes heartbeats and reconnects with
// exponential backoff after the broker drops the connection.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxbus/config"
	"github.com/absmach/fluxbus/packets"
	"github.com/absmach/fluxbus/transport"
	"github.com/cenkalti/backoff/v5"
)

// ErrNoTransport is returned by Run before SetTransport.
var ErrNoTransport = errors.New("node has no transport")

// Control is the payload of every packet a node sends.
type Control struct {
	Sender string          `json:"sender"`
	ID     string          `json:"id,omitempty"`
	Time   int64           `json:"time,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Node is a framework node bound to one transport.
type Node struct {
	cfg    config.NodeConfig
	logger *slog.Logger

	mu sync.Mutex
	tr transport.Transporter

	lost chan error
}

// New creates a node. Its Handle, OnConnected and OnConnectionLost methods
// are meant to be passed in the transport options.
func New(cfg config.NodeConfig, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		cfg:    cfg,
		logger: logger.With(slog.String("node_id", cfg.ID)),
		lost:   make(chan error, 1),
	}
}

// SetTransport binds the node to tr.
func (n *Node) SetTransport(tr transport.Transporter) {
	n.mu.Lock()
	n.tr = tr
	n.mu.Unlock()
}

func (n *Node) current() transport.Transporter {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tr
}

// OnConnected subscribes to every address of the node and announces it.
func (n *Node) OnConnected(ctx context.Context) error {
	tr := n.current()
	if tr == nil {
		return ErrNoTransport
	}

	subs := []struct {
		kind   packets.Kind
		nodeID string
	}{
		{packets.Event, n.cfg.ID},
		{packets.Request, n.cfg.ID},
		{packets.Response, n.cfg.ID},
		{packets.Discover, ""},
		{packets.Discover, n.cfg.ID},
		{packets.Info, ""},
		{packets.Info, n.cfg.ID},
		{packets.Disconnect, ""},
		{packets.Heartbeat, ""},
		{packets.Ping, ""},
		{packets.Ping, n.cfg.ID},
		{packets.Pong, n.cfg.ID},
	}
	for _, s := range subs {
		if err := tr.Subscribe(ctx, s.kind, s.nodeID); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", s.kind, err)
		}
	}
	for _, action := range n.cfg.Actions {
		if err := tr.SubscribeBalancedRequest(ctx, action); err != nil {
			return fmt.Errorf("failed to subscribe to action %s: %w", action, err)
		}
	}
	for _, ev := range n.cfg.Events {
		if err := tr.SubscribeBalancedEvent(ctx, ev.Name, ev.Group); err != nil {
			return fmt.Errorf("failed to subscribe to event %s: %w", ev.Name, err)
		}
	}

	if err := n.send(ctx, packets.Discover, "", Control{}); err != nil {
		return err
	}
	return n.send(ctx, packets.Info, "", Control{})
}

// OnConnectionLost schedules a reconnect.
func (n *Node) OnConnectionLost(err error) {
	select {
	case n.lost <- err:
	default:
	}
}

// Handle processes an inbound packet.
func (n *Node) Handle(ctx context.Context, pkt *packets.Packet) error {
	var in Control
	if len(pkt.Payload) > 0 {
		if err := json.Unmarshal(pkt.Payload, &in); err != nil {
			return fmt.Errorf("invalid %s payload: %w", pkt.Kind, err)
		}
	}
	if in.Sender == n.cfg.ID && pkt.Broadcast() {
		return nil
	}

	switch pkt.Kind {
	case packets.Discover, packets.Ping, packets.Request:
		if in.Sender == "" {
			return fmt.Errorf("%s without sender", pkt.Kind)
		}
	}

	switch pkt.Kind {
	case packets.Discover:
		return n.send(ctx, packets.Info, in.Sender, Control{})
	case packets.Ping:
		return n.send(ctx, packets.Pong, in.Sender, Control{ID: in.ID, Time: in.Time})
	case packets.Request:
		n.logger.Debug("request served", slog.String("action", pkt.Action), slog.String("sender", in.Sender))
		return n.send(ctx, packets.Response, in.Sender, Control{ID: in.ID, Data: in.Data})
	default:
		n.logger.Debug("packet received",
			slog.String("kind", pkt.Kind.String()),
			slog.String("sender", in.Sender),
			slog.String("event", pkt.Event))
		return nil
	}
}

// send publishes a control packet. An empty target broadcasts.
func (n *Node) send(ctx context.Context, kind packets.Kind, target string, c Control) error {
	tr := n.current()
	if tr == nil {
		return ErrNoTransport
	}
	c.Sender = n.cfg.ID
	if c.Time == 0 {
		c.Time = time.Now().UnixMilli()
	}
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return tr.Publish(ctx, packets.New(kind, target, body))
}

// Run connects and keeps the node online until ctx ends, then announces the
// disconnect and shuts the transport down.
func (n *Node) Run(ctx context.Context) error {
	if n.current() == nil {
		return ErrNoTransport
	}
	if err := n.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return n.shutdown()
		case <-ticker.C:
			if err := n.send(ctx, packets.Heartbeat, "", Control{}); err != nil {
				n.logger.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case err := <-n.lost:
			n.logger.Warn("connection lost, reconnecting", slog.String("error", err.Error()))
			if err := n.connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (n *Node) connect(ctx context.Context) error {
	tr := n.current()
	rc := n.cfg.Reconnect
	b := &backoff.ExponentialBackOff{
		InitialInterval:     rc.InitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          rc.Multiplier,
		MaxInterval:         rc.MaxInterval,
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := tr.Connect(ctx)
		if errors.Is(err, transport.ErrConnectedHook) {
			if derr := tr.Disconnect(ctx); derr != nil {
				n.logger.Warn("failed to disconnect after hook failure", slog.String("error", derr.Error()))
			}
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			n.logger.Warn("connect failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", next))
		}),
	)
	return err
}

func (n *Node) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ShutdownTimeout)
	defer cancel()

	tr := n.current()
	if tr.State() == transport.StateConnected {
		if err := n.send(ctx, packets.Disconnect, "", Control{}); err != nil {
			n.logger.Warn("failed to announce disconnect", slog.String("error", err.Error()))
		}
	}
	return tr.Disconnect(ctx)
}
