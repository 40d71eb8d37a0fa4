// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package amqp091 implements the transport contract over AMQP 0.9.1.
// Direct and balanced addresses are plain queues on the default exchange.
// A broadcast topic is a fanout exchange VirtualTopic.<topic> that every
// node binds its own Consumer.<node>.VirtualTopic.<topic> queue to.
package amqp091

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/absmach/fluxbus/packets"
	"github.com/absmach/fluxbus/topics"
	"github.com/absmach/fluxbus/transport"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Backend is the backend name used in configuration and telemetry.
const Backend = "amqp091"

// Defaults.
const (
	DefaultPrefetch       = 10
	DefaultConnectTimeout = 10 * time.Second
	DefaultHeartbeat      = 10 * time.Second
)

// Config holds AMQP 0.9.1 connection settings.
type Config struct {
	URL      string
	Username string
	Password string
	TLS      *tls.Config

	Prefetch       int
	ConnectTimeout time.Duration
	Heartbeat      time.Duration

	// RequeueOnReject returns rejected deliveries to their queue instead of
	// dropping or dead-lettering them.
	RequeueOnReject bool
}

// Transport is the AMQP 0.9.1 transport.
type Transport struct {
	*transport.Base

	cfg    Config
	dialer Dialer

	// chMu serializes channel use, acknowledgements included.
	chMu sync.Mutex

	mu       sync.Mutex
	conn     Connection
	ch       Channel
	closed   chan struct{}
	declared map[string]struct{}
}

var _ transport.Transporter = (*Transport)(nil)

// New creates an AMQP 0.9.1 transport. A nil dialer uses github.com/rabbitmq/amqp091-go.
func New(cfg Config, opts transport.Options, dialer Dialer) (*Transport, error) {
	if cfg.URL == "" {
		return nil, ErrEmptyURL
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if dialer == nil {
		dialer = NewDialer()
	}

	base, err := transport.NewBase(Backend, opts)
	if err != nil {
		return nil, err
	}
	return &Transport{
		Base:   base,
		cfg:    cfg,
		dialer: dialer,
	}, nil
}

// Connect dials the broker and opens the channel every operation uses.
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.BeginConnect(); err != nil {
		return err
	}

	conn, err := t.dialer.Dial(t.cfg.URL, t.dialConfig())
	if err != nil {
		return t.FailConnect(fmt.Errorf("failed to dial %s: %w", redact(t.cfg.URL), err))
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return t.FailConnect(fmt.Errorf("failed to open channel: %w", err))
	}
	if err := ch.Qos(t.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return t.FailConnect(fmt.Errorf("failed to set prefetch: %w", err))
	}

	closed := make(chan struct{})
	t.mu.Lock()
	t.conn = conn
	t.ch = ch
	t.closed = closed
	t.declared = make(map[string]struct{})
	t.mu.Unlock()

	t.watchClose(conn, ch, closed)

	t.Logger().Info("amqp connection established",
		slog.String("url", redact(t.cfg.URL)),
		slog.Int("prefetch", t.cfg.Prefetch))

	return t.CompleteConnect(ctx)
}

// Disconnect cancels the consumers, rejects in-flight deliveries and closes
// the connection.
func (t *Transport) Disconnect(ctx context.Context) error {
	return t.Shutdown(ctx, t.closeConn)
}

func (t *Transport) dialConfig() amqp.Config {
	cfg := amqp.Config{
		TLSClientConfig: t.cfg.TLS,
		Heartbeat:       t.cfg.Heartbeat,
		Dial:            amqp.DefaultDial(t.cfg.ConnectTimeout),
	}
	if t.cfg.Username != "" {
		cfg.SASL = []amqp.Authentication{&amqp.PlainAuth{
			Username: t.cfg.Username,
			Password: t.cfg.Password,
		}}
	}
	return cfg
}

// watchClose reports a connection or channel closed by the broker as a lost
// connection. A graceful close closes the notification channels without an
// error and the watcher exits.
func (t *Transport) watchClose(conn Connection, ch Channel, closed chan struct{}) {
	connClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClose := ch.NotifyClose(make(chan *amqp.Error, 1))

	go func() {
		var err *amqp.Error
		select {
		case err = <-connClose:
		case err = <-chClose:
		case <-closed:
			return
		}
		if err == nil {
			return
		}
		t.lost(err)
	}()
}

func (t *Transport) closeConn(ctx context.Context) error {
	conn, ch := t.release()
	if conn == nil {
		return nil
	}

	var errs []error
	t.chMu.Lock()
	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
	}
	t.chMu.Unlock()
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
	}
	return errors.Join(errs...)
}

func (t *Transport) release() (Connection, Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, ch := t.conn, t.ch
	if t.closed != nil {
		close(t.closed)
	}
	t.conn, t.ch, t.closed, t.declared = nil, nil, nil, nil
	return conn, ch
}

func (t *Transport) lost(err error) {
	if !t.Lost(err) {
		return
	}
	if conn, _ := t.release(); conn != nil {
		_ = conn.Close()
	}
}

func (t *Transport) channel() (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil {
		return nil, ErrNoChannel
	}
	return t.ch, nil
}

// declare runs fn once per name and connection.
func (t *Transport) declare(name string, fn func(ch Channel) error) error {
	t.mu.Lock()
	ch := t.ch
	_, done := t.declared[name]
	t.mu.Unlock()
	if ch == nil {
		return ErrNoChannel
	}
	if done {
		return nil
	}

	t.chMu.Lock()
	err := fn(ch)
	t.chMu.Unlock()
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.declared != nil {
		t.declared[name] = struct{}{}
	}
	t.mu.Unlock()
	return nil
}

func (t *Transport) declareQueue(name string, q topics.QueueOptions) error {
	return t.declare("queue:"+name, func(ch Channel) error {
		d := declarationFor(q)
		if _, err := ch.QueueDeclare(name, d.durable, d.autoDelete, d.exclusive, false, d.args); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
		return nil
	})
}

func (t *Transport) declareExchange(name string) error {
	return t.declare("exchange:"+name, func(ch Channel) error {
		if err := ch.ExchangeDeclare(name, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", name, err)
		}
		return nil
	})
}

// Subscribe consumes the direct queue of nodeID when set, the node's
// broadcast queue otherwise.
func (t *Transport) Subscribe(ctx context.Context, kind packets.Kind, nodeID string) error {
	return t.Attach(ctx, t.SubscribeRoute(kind, nodeID), t.open)
}

// SubscribeBalancedRequest consumes the shared queue of action.
func (t *Transport) SubscribeBalancedRequest(ctx context.Context, action string) error {
	route, err := t.BalancedRequestRoute(action)
	if err != nil {
		return err
	}
	return t.Attach(ctx, route, t.open)
}

// SubscribeBalancedEvent consumes the shared queue of event in group.
func (t *Transport) SubscribeBalancedEvent(ctx context.Context, event, group string) error {
	route, err := t.BalancedEventRoute(event, group)
	if err != nil {
		return err
	}
	return t.Attach(ctx, route, t.open)
}

func (t *Transport) open(ctx context.Context, route transport.Route) (transport.Closer, error) {
	if err := t.declareQueue(route.Source, route.Queue); err != nil {
		return nil, err
	}
	if route.Address.Family == topics.FamilyBroadcast {
		exchange := exchangeFor(route.Address)
		if err := t.declareExchange(exchange); err != nil {
			return nil, err
		}
		err := t.declare("bind:"+route.Source, func(ch Channel) error {
			if err := ch.QueueBind(route.Source, "", exchange, false, nil); err != nil {
				return fmt.Errorf("failed to bind %s to %s: %w", route.Source, exchange, err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	ch, err := t.channel()
	if err != nil {
		return nil, err
	}
	tag := t.NodeID() + "-" + uuid.NewString()
	t.chMu.Lock()
	deliveries, err := ch.Consume(route.Source, tag, !route.Ack, false, false, false, nil)
	t.chMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", route.Source, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go t.consume(loopCtx, route, deliveries, done)

	return transport.CloserFunc(func(ctx context.Context) error {
		cancel()
		var err error
		t.chMu.Lock()
		if cerr := ch.Cancel(tag, false); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			err = fmt.Errorf("failed to cancel consumer %s: %w", tag, cerr)
		}
		t.chMu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return err
	}), nil
}

func (t *Transport) consume(ctx context.Context, route transport.Route, deliveries <-chan amqp.Delivery, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			if !route.Ack {
				t.Dispatch(route, d.Body, nil)
				continue
			}
			t.Dispatch(route, d.Body, &delivery{t: t, d: d})
		}
	}
}

// Publish sends pkt to its direct queue or broadcast exchange.
func (t *Transport) Publish(ctx context.Context, pkt *packets.Packet) error {
	return t.Emit(ctx, pkt, transport.Plain, "", t.send)
}

// PublishBalancedRequest sends pkt to the shared queue of its action.
func (t *Transport) PublishBalancedRequest(ctx context.Context, pkt *packets.Packet) error {
	return t.Emit(ctx, pkt, transport.BalancedRequest, "", t.send)
}

// PublishBalancedEvent sends pkt to the shared queue of its event in group.
func (t *Transport) PublishBalancedEvent(ctx context.Context, pkt *packets.Packet, group string) error {
	return t.Emit(ctx, pkt, transport.BalancedEvent, group, t.send)
}

func (t *Transport) send(ctx context.Context, out *transport.Outbound) error {
	exchange, key := "", out.Address.Name
	if out.Address.Family == topics.FamilyBroadcast {
		exchange, key = exchangeFor(out.Address), ""
		if err := t.declareExchange(exchange); err != nil {
			return err
		}
	} else {
		q := t.Policy().QueueOptionsFor(out.Packet.Kind, out.Balanced)
		if err := t.declareQueue(out.Address.Name, q); err != nil {
			return err
		}
	}

	ch, err := t.channel()
	if err != nil {
		return err
	}
	t.chMu.Lock()
	defer t.chMu.Unlock()
	return ch.PublishWithContext(ctx, exchange, key, false, false, newPublishing(out))
}

// delivery settles one consumed message on the shared channel.
type delivery struct {
	t *Transport
	d amqp.Delivery
}

func (d *delivery) Accept(context.Context) error {
	d.t.chMu.Lock()
	defer d.t.chMu.Unlock()
	return d.d.Ack(false)
}

func (d *delivery) Reject(_ context.Context, _ error) error {
	d.t.chMu.Lock()
	defer d.t.chMu.Unlock()
	return d.d.Nack(false, d.t.cfg.RequeueOnReject)
}

// redact strips the password from a broker URL for logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
