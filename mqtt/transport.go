// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt implements the transport contract over MQTT 3.1.1 with
// github.com/eclipse/paho.mqtt.golang. Addresses use "/" as separator,
// broadcast topics fan out natively and balanced addresses are consumed
// through $share/<prefix>/ shared subscriptions. MQTT 3.1.1 has no message
// expiry, so TTLs are not applied.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxbus/packets"
	"github.com/absmach/fluxbus/topics"
	"github.com/absmach/fluxbus/transport"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Backend is the backend name used in configuration and telemetry.
const Backend = "mqtt"

// Defaults.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultKeepAlive      = 30 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

// QoS levels.
const (
	atMostOnce  byte = 0
	atLeastOnce byte = 1
)

// ClientFactory creates paho clients. paho.NewClient is the default.
type ClientFactory func(opts *paho.ClientOptions) paho.Client

// Config holds MQTT connection settings.
type Config struct {
	URL      string
	Username string
	Password string
	ClientID string
	TLS      *tls.Config

	ConnectTimeout time.Duration
	KeepAlive      time.Duration

	// RequeueOnReject leaves rejected messages unacknowledged in a persistent
	// session so the broker redelivers them.
	RequeueOnReject bool
}

// Transport is the MQTT transport.
type Transport struct {
	*transport.Base

	cfg     Config
	factory ClientFactory

	mu     sync.Mutex
	client paho.Client
}

var _ transport.Transporter = (*Transport)(nil)

// New creates an MQTT transport. The address separator is always "/".
func New(cfg Config, opts transport.Options, factory ClientFactory) (*Transport, error) {
	if cfg.URL == "" {
		return nil, ErrEmptyURL
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.ClientID == "" {
		cfg.ClientID = opts.NodeID + "-" + uuid.NewString()[:8]
	}
	if factory == nil {
		factory = paho.NewClient
	}

	opts.Scheme = opts.Scheme.WithSeparator(topics.SlashSeparator)
	base, err := transport.NewBase(Backend, opts)
	if err != nil {
		return nil, err
	}
	return &Transport{
		Base:    base,
		cfg:     cfg,
		factory: factory,
	}, nil
}

// Connect connects the client. Automatic reconnects are disabled; the owner
// reconnects after OnConnectionLost.
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.BeginConnect(); err != nil {
		return err
	}

	client := t.factory(t.clientOptions())
	tok := client.Connect()
	if err := wait(ctx, tok, t.cfg.ConnectTimeout); err != nil {
		// The token may still complete; the client must not outlive the attempt.
		client.Disconnect(0)
		return t.FailConnect(fmt.Errorf("failed to connect to %s: %w", redact(t.cfg.URL), err))
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	t.Logger().Info("mqtt connection established",
		slog.String("url", redact(t.cfg.URL)),
		slog.String("client_id", t.cfg.ClientID))

	return t.CompleteConnect(ctx)
}

// Disconnect unsubscribes, rejects in-flight deliveries and disconnects.
func (t *Transport) Disconnect(ctx context.Context) error {
	return t.Shutdown(ctx, t.closeConn)
}

func (t *Transport) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(t.cfg.URL).
		SetClientID(t.cfg.ClientID).
		SetConnectTimeout(t.cfg.ConnectTimeout).
		SetKeepAlive(t.cfg.KeepAlive).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(!t.cfg.RequeueOnReject).
		SetOrderMatters(false).
		SetAutoAckDisabled(true)
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username).SetPassword(t.cfg.Password)
	}
	if t.cfg.TLS != nil {
		opts.SetTLSConfig(t.cfg.TLS)
	}
	opts.SetConnectionLostHandler(t.lost)
	return opts
}

func (t *Transport) closeConn(context.Context) error {
	if client := t.release(nil); client != nil {
		client.Disconnect(disconnectQuiesce)
	}
	return nil
}

// release clears the current client. When only is set, nothing is released
// unless only is still the current client.
func (t *Transport) release(only paho.Client) paho.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	client := t.client
	if only != nil && client != only {
		return nil
	}
	t.client = nil
	return client
}

func (t *Transport) lost(client paho.Client, err error) {
	t.mu.Lock()
	current := t.client == client
	t.mu.Unlock()
	if !current || !t.Lost(err) {
		return
	}
	t.release(client)
}

func (t *Transport) currentClient() (paho.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, ErrNoClient
	}
	return t.client, nil
}

// Subscribe subscribes to the direct topic of nodeID when set, to the
// broadcast topic otherwise.
func (t *Transport) Subscribe(ctx context.Context, kind packets.Kind, nodeID string) error {
	return t.attach(ctx, t.SubscribeRoute(kind, nodeID))
}

// SubscribeBalancedRequest joins the shared subscription of action.
func (t *Transport) SubscribeBalancedRequest(ctx context.Context, action string) error {
	route, err := t.BalancedRequestRoute(action)
	if err != nil {
		return err
	}
	return t.attach(ctx, route)
}

// SubscribeBalancedEvent joins the shared subscription of event in group.
func (t *Transport) SubscribeBalancedEvent(ctx context.Context, event, group string) error {
	route, err := t.BalancedEventRoute(event, group)
	if err != nil {
		return err
	}
	return t.attach(ctx, route)
}

func (t *Transport) attach(ctx context.Context, route transport.Route) error {
	route.Source = t.filterFor(route.Address)
	return t.Attach(ctx, route, t.open)
}

// filterFor returns the subscription filter of addr.
func (t *Transport) filterFor(addr topics.Address) string {
	if addr.Family == topics.FamilyBalanced {
		return topics.Shared(t.Scheme().Prefix, addr.Name)
	}
	return addr.Name
}

func (t *Transport) open(ctx context.Context, route transport.Route) (transport.Closer, error) {
	client, err := t.currentClient()
	if err != nil {
		return nil, err
	}

	qos := atMostOnce
	if route.Ack {
		qos = atLeastOnce
	}

	var stopped atomic.Bool
	tok := client.Subscribe(route.Source, qos, func(_ paho.Client, msg paho.Message) {
		if stopped.Load() {
			return
		}
		if !route.Ack {
			msg.Ack()
			t.Dispatch(route, msg.Payload(), nil)
			return
		}
		t.Dispatch(route, msg.Payload(), &delivery{msg: msg, requeue: t.cfg.RequeueOnReject})
	})
	if err := wait(ctx, tok, t.cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", route.Source, err)
	}

	return transport.CloserFunc(func(ctx context.Context) error {
		stopped.Store(true)
		if !client.IsConnectionOpen() {
			return nil
		}
		if err := wait(ctx, client.Unsubscribe(route.Source), t.cfg.ConnectTimeout); err != nil {
			return fmt.Errorf("failed to unsubscribe from %s: %w", route.Source, err)
		}
		return nil
	}), nil
}

// Publish sends pkt to its direct or broadcast topic.
func (t *Transport) Publish(ctx context.Context, pkt *packets.Packet) error {
	return t.Emit(ctx, pkt, transport.Plain, "", t.send)
}

// PublishBalancedRequest sends pkt to the balanced topic of its action.
func (t *Transport) PublishBalancedRequest(ctx context.Context, pkt *packets.Packet) error {
	return t.Emit(ctx, pkt, transport.BalancedRequest, "", t.send)
}

// PublishBalancedEvent sends pkt to the balanced topic of its event in group.
func (t *Transport) PublishBalancedEvent(ctx context.Context, pkt *packets.Packet, group string) error {
	return t.Emit(ctx, pkt, transport.BalancedEvent, group, t.send)
}

func (t *Transport) send(ctx context.Context, out *transport.Outbound) error {
	client, err := t.currentClient()
	if err != nil {
		return err
	}
	qos := atMostOnce
	if out.Message.Durable {
		qos = atLeastOnce
	}
	return wait(ctx, client.Publish(out.Address.Name, qos, false, out.Body), t.cfg.ConnectTimeout)
}

// delivery settles one QoS 1 message. MQTT 3.1.1 has no negative
// acknowledgement: a rejected message is either acknowledged and dropped or
// left for redelivery.
type delivery struct {
	msg     paho.Message
	requeue bool
}

func (d *delivery) Accept(context.Context) error {
	d.msg.Ack()
	return nil
}

func (d *delivery) Reject(context.Context, error) error {
	if !d.requeue {
		d.msg.Ack()
	}
	return nil
}

// wait blocks until tok completes, ctx ends or timeout elapses.
func wait(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}

// redact strips the password from a broker URL for logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
