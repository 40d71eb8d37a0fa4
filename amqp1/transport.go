// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package amqp1 implements the transport contract over AMQP 1.0. Broadcast
// topics use the VirtualTopic convention, so the broker must map
// topic://VirtualTopic.<name> onto the Consumer.<node>.VirtualTopic.<name>
// queues (ActiveMQ and Artemis do this natively).
package amqp1

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/absmach/fluxbus/packets"
	"github.com/absmach/fluxbus/transport"
	"github.com/google/uuid"
)

// Backend is the backend name used in configuration and telemetry.
const Backend = "amqp1"

// Defaults.
const (
	DefaultPrefetch       = 10
	DefaultConnectTimeout = 10 * time.Second
)

// Config holds AMQP 1.0 connection settings.
type Config struct {
	URL         string
	Username    string
	Password    string
	ContainerID string
	TLS         *tls.Config

	// Prefetch is the link credit granted to every receiver.
	Prefetch       int32
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
}

// Transport is the AMQP 1.0 transport.
type Transport struct {
	*transport.Base

	cfg    Config
	dialer Dialer

	mu      sync.Mutex
	conn    Conn
	session Session
	links   []Receiver
	senders map[string]Sender
}

var _ transport.Transporter = (*Transport)(nil)

// New creates an AMQP 1.0 transport. A nil dialer uses github.com/Azure/go-amqp.
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
	if cfg.ContainerID == "" {
		cfg.ContainerID = opts.NodeID + "-" + uuid.NewString()
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

// Connect opens the connection and its session.
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.BeginConnect(); err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	conn, err := t.dialer.Dial(dctx, t.cfg.URL, t.connOptions())
	if err != nil {
		return t.FailConnect(fmt.Errorf("failed to dial %s: %w", redact(t.cfg.URL), err))
	}
	session, err := conn.NewSession(dctx, nil)
	if err != nil {
		_ = conn.Close()
		return t.FailConnect(fmt.Errorf("failed to open session: %w", err))
	}

	t.mu.Lock()
	t.conn = conn
	t.session = session
	t.links = nil
	t.senders = make(map[string]Sender)
	t.mu.Unlock()

	t.Logger().Info("amqp connection established",
		slog.String("url", redact(t.cfg.URL)),
		slog.String("container_id", t.cfg.ContainerID))

	return t.CompleteConnect(ctx)
}

// Disconnect stops the receivers, rejects in-flight deliveries and closes
// the connection.
func (t *Transport) Disconnect(ctx context.Context) error {
	return t.Shutdown(ctx, t.closeConn)
}

func (t *Transport) connOptions() *amqp.ConnOptions {
	opts := &amqp.ConnOptions{
		ContainerID: t.cfg.ContainerID,
		IdleTimeout: t.cfg.IdleTimeout,
		TLSConfig:   t.cfg.TLS,
	}
	switch {
	case t.cfg.Username != "":
		opts.SASLType = amqp.SASLTypePlain(t.cfg.Username, t.cfg.Password)
	case !hasUserInfo(t.cfg.URL):
		opts.SASLType = amqp.SASLTypeAnonymous()
	}
	return opts
}

// closeConn detaches every link, ends the session and closes the connection.
func (t *Transport) closeConn(ctx context.Context) error {
	conn, session, links, senders := t.release()
	if conn == nil {
		return nil
	}

	var errs []error
	for _, r := range links {
		if err := r.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close receiver: %w", err))
		}
	}
	for target, s := range senders {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sender %s: %w", target, err))
		}
	}
	if err := session.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close session: %w", err))
	}
	if err := conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
	}
	return errors.Join(errs...)
}

func (t *Transport) release() (Conn, Session, []Receiver, map[string]Sender) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, session, links, senders := t.conn, t.session, t.links, t.senders
	t.conn, t.session, t.links, t.senders = nil, nil, nil, nil
	return conn, session, links, senders
}

// lost handles a connection-level error seen by a receiver or sender of
// the connection epoch. Errors of an older connection are ignored.
func (t *Transport) lost(epoch uint64, err error) {
	if t.Epoch() != epoch || !t.Lost(err) {
		return
	}
	conn, _, _, _ := t.release()
	if conn != nil {
		_ = conn.Close()
	}
}

func (t *Transport) currentSession() (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return nil, ErrNoSession
	}
	return t.session, nil
}

// Subscribe opens a direct receiver when nodeID is set, a broadcast one otherwise.
func (t *Transport) Subscribe(ctx context.Context, kind packets.Kind, nodeID string) error {
	return t.Attach(ctx, t.SubscribeRoute(kind, nodeID), t.open)
}

// SubscribeBalancedRequest opens a competing receiver for action.
func (t *Transport) SubscribeBalancedRequest(ctx context.Context, action string) error {
	route, err := t.BalancedRequestRoute(action)
	if err != nil {
		return err
	}
	return t.Attach(ctx, route, t.open)
}

// SubscribeBalancedEvent opens a competing receiver for event in group.
func (t *Transport) SubscribeBalancedEvent(ctx context.Context, event, group string) error {
	route, err := t.BalancedEventRoute(event, group)
	if err != nil {
		return err
	}
	return t.Attach(ctx, route, t.open)
}

func (t *Transport) open(ctx context.Context, route transport.Route) (transport.Closer, error) {
	session, err := t.currentSession()
	if err != nil {
		return nil, err
	}
	r, err := session.NewReceiver(ctx, route.Source, receiverOptions(route, t.cfg.Prefetch))
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.links = append(t.links, r)
	t.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go t.receive(loopCtx, t.Epoch(), route, r, done)

	// Closing stops delivery to the handler. The link itself is detached
	// with the connection so that pending deliveries can still be rejected.
	return transport.CloserFunc(func(ctx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}), nil
}

func (t *Transport) receive(ctx context.Context, epoch uint64, route transport.Route, r Receiver, done chan struct{}) {
	defer close(done)

	for {
		msg, err := r.Receive(ctx, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var connErr *amqp.ConnError
			if errors.As(err, &connErr) {
				t.lost(epoch, err)
				return
			}
			t.Logger().Warn("receiver stopped",
				slog.String("address", route.Source),
				slog.String("container_id", t.cfg.ContainerID),
				slog.String("error", err.Error()))
			return
		}

		if !route.Ack {
			if err := r.AcceptMessage(ctx, msg); err != nil {
				t.Logger().Warn("failed to accept message",
					slog.String("address", route.Source),
					slog.String("error", err.Error()))
			}
			t.Dispatch(route, msg.GetData(), nil)
			continue
		}
		t.Dispatch(route, msg.GetData(), &delivery{r: r, msg: msg})
	}
}

// Publish sends pkt to its direct or broadcast address.
func (t *Transport) Publish(ctx context.Context, pkt *packets.Packet) error {
	return t.Emit(ctx, pkt, transport.Plain, "", t.send)
}

// PublishBalancedRequest sends pkt to the balanced address of its action.
func (t *Transport) PublishBalancedRequest(ctx context.Context, pkt *packets.Packet) error {
	return t.Emit(ctx, pkt, transport.BalancedRequest, "", t.send)
}

// PublishBalancedEvent sends pkt to the balanced address of its event in group.
func (t *Transport) PublishBalancedEvent(ctx context.Context, pkt *packets.Packet, group string) error {
	return t.Emit(ctx, pkt, transport.BalancedEvent, group, t.send)
}

func (t *Transport) send(ctx context.Context, out *transport.Outbound) error {
	msg := newMessage(out)
	target := out.Target()
	epoch := t.Epoch()

	if out.Balanced {
		s, err := t.newSender(ctx, epoch, out)
		if err != nil {
			return err
		}
		err = s.Send(ctx, msg, nil)
		if cerr := s.Close(ctx); cerr != nil && err == nil {
			t.Logger().Debug("failed to close balanced sender",
				slog.String("address", target),
				slog.String("error", cerr.Error()))
		}
		return t.checkSendErr(epoch, err)
	}

	s, err := t.cachedSender(ctx, epoch, out)
	if err != nil {
		return err
	}
	if err := s.Send(ctx, msg, nil); err != nil {
		t.evictSender(target, s)
		return t.checkSendErr(epoch, err)
	}
	return nil
}

func (t *Transport) newSender(ctx context.Context, epoch uint64, out *transport.Outbound) (Sender, error) {
	session, err := t.currentSession()
	if err != nil {
		return nil, err
	}
	q := t.Policy().QueueOptionsFor(out.Packet.Kind, out.Balanced)
	s, err := session.NewSender(ctx, out.Target(), senderOptions(q))
	if err != nil {
		return nil, t.checkSendErr(epoch, fmt.Errorf("failed to attach sender: %w", err))
	}
	return s, nil
}

func (t *Transport) cachedSender(ctx context.Context, epoch uint64, out *transport.Outbound) (Sender, error) {
	target := out.Target()

	t.mu.Lock()
	s, ok := t.senders[target]
	t.mu.Unlock()
	if ok {
		return s, nil
	}

	s, err := t.newSender(ctx, epoch, out)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.senders == nil {
		// Disconnected while attaching.
		_ = s.Close(ctx)
		return nil, ErrNoSession
	}
	if existing, ok := t.senders[target]; ok {
		_ = s.Close(ctx)
		return existing, nil
	}
	t.senders[target] = s
	return s, nil
}

func (t *Transport) evictSender(target string, s Sender) {
	t.mu.Lock()
	if t.senders[target] == s {
		delete(t.senders, target)
	}
	t.mu.Unlock()
	_ = s.Close(context.Background())
}

func (t *Transport) checkSendErr(epoch uint64, err error) error {
	var connErr *amqp.ConnError
	if errors.As(err, &connErr) {
		t.lost(epoch, err)
	}
	return err
}

// delivery settles one received message on the link it arrived on.
type delivery struct {
	r   Receiver
	msg *amqp.Message
}

func (d *delivery) Accept(ctx context.Context) error {
	return d.r.AcceptMessage(ctx, d.msg)
}

func (d *delivery) Reject(ctx context.Context, cause error) error {
	e := &amqp.Error{Condition: amqp.ErrCondInternalError}
	if cause != nil {
		e.Description = cause.Error()
	}
	return d.r.RejectMessage(ctx, d.msg, e)
}

func hasUserInfo(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.User != nil
}

// redact strips the password from a broker URL for logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
