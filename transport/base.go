// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxbus/packets"
	"github.com/absmach/fluxbus/topics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Route describes one subscription: which kind it carries, where it attaches
// and whether its deliveries must be settled by the application.
type Route struct {
	Kind    packets.Kind
	Address topics.Address
	// Source is the broker address the receiver attaches to.
	Source string
	// Ack is set when deliveries are tracked and settled after the handler runs.
	Ack   bool
	Queue topics.QueueOptions
	// Epoch is the connection the receiver was opened on. Set by Attach.
	Epoch uint64
}

// Outbound is an encoded packet ready to be sent.
type Outbound struct {
	Packet   *packets.Packet
	Address  topics.Address
	Balanced bool
	Body     []byte
	Message  topics.MessageOptions
}

// Mode selects how Emit addresses a packet.
type Mode uint8

const (
	// Plain sends to the target's direct queue, or broadcasts without a target.
	Plain Mode = iota
	// BalancedRequest sends a REQUEST to the competing consumers of its action.
	BalancedRequest
	// BalancedEvent sends an EVENT to the competing consumers of a group.
	BalancedEvent
)

// Target returns the address the packet is sent to.
func (o *Outbound) Target() string {
	return o.Address.Target()
}

// Base implements the backend-neutral part of a transport. Backends embed it
// and supply the broker primitives.
type Base struct {
	backend   string
	opts      Options
	logger    *slog.Logger
	state     *stateMachine
	tracker   *Tracker
	receivers *Receivers
	metrics   *Metrics
	tracer    trace.Tracer

	epochs atomic.Uint64

	mu             sync.Mutex
	guard          *guard
	handlerCtx     context.Context
	cancelHandlers context.CancelFunc
	handlers       sync.WaitGroup
}

// NewBase validates opts and creates the shared transport state for backend.
func NewBase(backend string, opts Options) (*Base, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("transport", backend), slog.String("node_id", opts.NodeID))

	return &Base{
		backend:   backend,
		opts:      opts,
		logger:    logger,
		state:     newStateMachine(),
		tracker:   NewTracker(),
		receivers: NewReceivers(),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
	}, nil
}

// Backend returns the backend name.
func (b *Base) Backend() string { return b.backend }

// NodeID returns the local node ID.
func (b *Base) NodeID() string { return b.opts.NodeID }

// Scheme returns the address scheme.
func (b *Base) Scheme() topics.Scheme { return b.opts.Scheme }

// Policy returns the queue and message option policy.
func (b *Base) Policy() topics.Policy { return b.opts.Policy }

// Logger returns the transport logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// Tracker returns the in-flight delivery tracker.
func (b *Base) Tracker() *Tracker { return b.tracker }

// Receivers returns the set of open receivers.
func (b *Base) Receivers() *Receivers { return b.receivers }

// State returns the connection state.
func (b *Base) State() State { return b.state.get() }

// IsConnected reports whether the transport is connected.
func (b *Base) IsConnected() bool { return b.state.isConnected() }

// Epoch returns the current connection epoch. It changes on every connect.
func (b *Base) Epoch() uint64 { return b.epochs.Load() }

// HasBuiltInBalancer reports true: every backend balances through the broker.
func (b *Base) HasBuiltInBalancer() bool { return true }

// BeginConnect moves Disconnected to Connecting.
func (b *Base) BeginConnect() error {
	if !b.state.transition(StateDisconnected, StateConnecting) {
		return ErrAlreadyConnected
	}
	return nil
}

// FailConnect returns a connecting transport to Disconnected and logs err.
func (b *Base) FailConnect(err error) error {
	b.state.set(StateDisconnected)
	b.logger.Error("transport connect failed", slog.String("error", err.Error()))
	b.metrics.RecordError("connect")
	return fmt.Errorf("%s connect: %w", b.backend, err)
}

// CompleteConnect finishes a connect. State left over from a previous
// connection is discarded, a new epoch starts and the OnConnected hook runs.
// A hook failure is returned but the transport stays connected.
func (b *Base) CompleteConnect(ctx context.Context) error {
	if n := b.tracker.Drop(); n > 0 {
		b.metrics.RecordDropped(n)
		b.logger.Warn("discarded stale deliveries from previous connection", slog.Int("count", n))
	}
	b.receivers.Reset()

	epoch := b.epochs.Add(1)
	hctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.handlerCtx, b.cancelHandlers = hctx, cancel
	if b.guard != nil {
		b.guard.stop()
	}
	b.guard = newGuard(b.opts.Guard, b.logger)
	b.mu.Unlock()

	b.tracker.SetLive(epoch)
	b.state.set(StateConnected)
	b.metrics.RecordConnection(b.backend)
	b.logger.Info("transport connected", slog.Uint64("epoch", epoch))

	if b.opts.OnConnected == nil {
		return nil
	}
	if err := b.opts.OnConnected(ctx); err != nil {
		b.logger.Error("connected hook failed", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %w", ErrConnectedHook, err)
	}
	return nil
}

// Shutdown runs the disconnect sequence: close receivers, reject every
// in-flight delivery, close the connection, reset. It is a no-op unless
// connected.
func (b *Base) Shutdown(ctx context.Context, closeConn func(ctx context.Context) error) error {
	if !b.state.transition(StateConnected, StateDisconnecting) {
		return nil
	}

	var errs []error
	receivers := b.receivers.Len()
	if err := b.receivers.CloseAll(ctx); err != nil {
		b.logger.Warn("failed to close receivers", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	stats := b.tracker.DrainAndRejectAll(ctx)
	for i := 0; i < stats.Rejected; i++ {
		b.metrics.RecordSettled(Reject)
	}
	b.metrics.RecordDropped(stats.Failed)
	if stats.Err != nil {
		b.logger.Warn("failed to reject in-flight deliveries", slog.String("error", stats.Err.Error()))
		errs = append(errs, stats.Err)
	}
	b.tracker.SetLive(0)

	if closeConn != nil {
		if err := closeConn(ctx); err != nil {
			b.logger.Warn("failed to close connection", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	b.receivers.Reset()
	b.stopHandlers()
	b.state.set(StateDisconnected)
	b.metrics.RecordDisconnection(b.backend, "requested")
	b.logger.Info("transport disconnected",
		slog.Int("receivers", receivers),
		slog.Int("rejected", stats.Rejected),
		slog.Int("reject_failed", stats.Failed))

	return errors.Join(errs...)
}

// Lost handles a connection the broker dropped. Deliveries in flight cannot
// be settled any more and are discarded. It reports false when the transport
// was not connected, e.g. because a Disconnect is already running.
func (b *Base) Lost(err error) bool {
	if !b.state.transition(StateConnected, StateDisconnecting) {
		return false
	}
	b.tracker.SetLive(0)
	dropped := b.tracker.Drop()
	b.metrics.RecordDropped(dropped)
	receivers := b.receivers.Reset()
	b.stopHandlers()
	b.state.set(StateDisconnected)

	b.metrics.RecordDisconnection(b.backend, "lost")
	b.logger.Error("transport connection lost",
		slog.String("error", err.Error()),
		slog.Int("receivers", receivers),
		slog.Int("dropped", dropped))

	if b.opts.OnConnectionLost != nil {
		go b.opts.OnConnectionLost(fmt.Errorf("%w: %w", ErrConnectionLost, err))
	}
	return true
}

// Wait blocks until every dispatched handler has returned.
func (b *Base) Wait() {
	b.handlers.Wait()
}

// stopHandlers cancels running handlers and releases the publish guard of
// the connection.
func (b *Base) stopHandlers() {
	b.mu.Lock()
	if b.cancelHandlers != nil {
		b.cancelHandlers()
	}
	if b.guard != nil {
		b.guard.stop()
		b.guard = nil
	}
	b.mu.Unlock()
}

// publishGuard returns the guard of the live connection, or a pass-through
// guard when a publish races a disconnect.
func (b *Base) publishGuard() *guard {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.guard == nil {
		return newGuard(GuardConfig{}, b.logger)
	}
	return b.guard
}

func (b *Base) handlerContext() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlerCtx == nil {
		return context.Background()
	}
	return b.handlerCtx
}

// SubscribeRoute returns the route of a direct (nodeID set) or broadcast
// subscription for kind.
func (b *Base) SubscribeRoute(kind packets.Kind, nodeID string) Route {
	addr := b.opts.Scheme.AddressFor(kind, nodeID, "", "", false)
	return Route{
		Kind:    kind,
		Address: addr,
		Source:  addr.Source(b.opts.NodeID),
		Ack:     topics.Tracked(kind, addr.Family),
		Queue:   b.opts.Policy.QueueOptionsFor(kind, false),
	}
}

// BalancedRequestRoute returns the route of the competing consumers of action.
func (b *Base) BalancedRequestRoute(action string) (Route, error) {
	if action == "" {
		return Route{}, ErrMissingAction
	}
	addr := b.opts.Scheme.AddressFor(packets.Request, "", action, "", true)
	return Route{
		Kind:    packets.Request,
		Address: addr,
		Source:  addr.Source(b.opts.NodeID),
		Ack:     true,
		Queue:   b.opts.Policy.QueueOptionsFor(packets.Request, true),
	}, nil
}

// BalancedEventRoute returns the route of the competing consumers of event in group.
func (b *Base) BalancedEventRoute(event, group string) (Route, error) {
	if event == "" {
		return Route{}, ErrMissingEvent
	}
	if group == "" {
		return Route{}, ErrMissingGroup
	}
	if err := b.opts.Scheme.ValidateGroup(group); err != nil {
		return Route{}, err
	}
	addr := b.opts.Scheme.AddressFor(packets.Event, "", event, group, true)
	return Route{
		Kind:    packets.Event,
		Address: addr,
		Source:  addr.Source(b.opts.NodeID),
		Ack:     true,
		Queue:   b.opts.Policy.QueueOptionsFor(packets.Event, true),
	}, nil
}

// Attach opens a receiver for route and registers it. It is a no-op while
// not connected.
func (b *Base) Attach(ctx context.Context, route Route, open func(ctx context.Context, route Route) (Closer, error)) error {
	if !b.state.isConnected() {
		b.logger.Debug("subscribe skipped, transport not connected", slog.String("address", route.Source))
		return nil
	}
	route.Epoch = b.Epoch()

	c, err := open(ctx, route)
	if err != nil {
		b.metrics.RecordError("subscribe")
		b.logger.Error("failed to open receiver",
			slog.String("address", route.Source),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to subscribe to %s: %w", route.Source, err)
	}
	b.receivers.Add(route.Source, c)
	b.logger.Debug("receiver opened",
		slog.String("address", route.Source),
		slog.String("kind", route.Kind.String()),
		slog.Bool("ack", route.Ack))
	return nil
}

// Emit validates, encodes and sends pkt through send. Only malformed input is
// returned as an error; send failures are logged. group is only used in
// BalancedEvent mode.
func (b *Base) Emit(ctx context.Context, pkt *packets.Packet, mode Mode, group string, send func(ctx context.Context, out *Outbound) error) error {
	if pkt == nil {
		return ErrNilPacket
	}
	name := ""
	switch mode {
	case BalancedRequest:
		if pkt.Kind != packets.Request {
			return fmt.Errorf("%w: %s sent as balanced request", ErrBalancedKind, pkt.Kind)
		}
		if pkt.Action == "" {
			return ErrMissingAction
		}
		name = pkt.Action
	case BalancedEvent:
		if pkt.Kind != packets.Event {
			return fmt.Errorf("%w: %s sent as balanced event", ErrBalancedKind, pkt.Kind)
		}
		if pkt.Event == "" {
			return ErrMissingEvent
		}
		if group == "" {
			return ErrMissingGroup
		}
		if err := b.opts.Scheme.ValidateGroup(group); err != nil {
			return err
		}
		name = pkt.Event
	default:
		group = ""
	}
	balanced := mode != Plain
	if !b.state.isConnected() {
		if b.opts.Verbose {
			b.logger.Debug("publish skipped, transport not connected", slog.String("packet", pkt.String()))
		}
		return nil
	}

	addr := b.opts.Scheme.AddressFor(pkt.Kind, pkt.Target, name, group, balanced)
	body, err := b.opts.Serializer.Serialize(pkt)
	if err != nil {
		b.metrics.RecordError("encode")
		b.logger.Error("failed to encode packet",
			slog.String("address", addr.Target()),
			slog.String("error", err.Error()))
		return nil
	}

	out := &Outbound{
		Packet:   pkt,
		Address:  addr,
		Balanced: balanced,
		Body:     body,
		Message:  b.opts.Policy.MessageOptionsFor(pkt.Kind, balanced),
	}

	ctx, span := b.startSpan(ctx, "transport.publish", out.Target(), pkt.Kind)
	defer span.End()

	start := time.Now()
	if err := b.publishGuard().do(ctx, out.Target(), func() error { return send(ctx, out) }); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.metrics.RecordError("publish")
		b.logger.Error("failed to publish packet",
			slog.String("address", out.Target()),
			slog.String("kind", pkt.Kind.String()),
			slog.String("error", err.Error()))
		return nil
	}

	b.metrics.RecordPacketSent(pkt.Kind, balanced, int64(len(body)))
	if b.opts.Verbose {
		b.logger.Debug("packet sent",
			slog.String("address", out.Target()),
			slog.String("family", addr.Family.String()),
			slog.String("kind", pkt.Kind.String()),
			slog.Int("size", len(body)),
			slog.Bool("durable", out.Message.Durable),
			slog.Duration("ttl", out.Message.TTL),
			slog.Duration("duration", time.Since(start)))
	}
	return nil
}

// Dispatch decodes body and runs the handler in its own goroutine. Deliveries
// on acknowledged routes are tracked and settled with the handler's outcome;
// settler may be nil for routes without acknowledgement.
func (b *Base) Dispatch(route Route, body []byte, settler Settler) {
	tracked := route.Ack && settler != nil
	var id uuid.UUID
	if tracked {
		id = b.tracker.Track(settler, route.Epoch)
		b.metrics.RecordTracked()
	}

	ctx := b.handlerContext()
	b.handlers.Add(1)
	go func() {
		defer b.handlers.Done()

		err := b.handle(ctx, route, body)
		if err != nil {
			b.metrics.RecordError("handler")
			b.logger.Error("packet handler failed",
				slog.String("address", route.Source),
				slog.String("kind", route.Kind.String()),
				slog.Bool("ack", tracked),
				slog.String("error", err.Error()))
		}
		if !tracked {
			return
		}

		outcome := Accept
		if err != nil {
			outcome = Reject
		}
		res, serr := b.tracker.Settle(context.Background(), id, outcome, err)
		switch res {
		case Settled:
			b.metrics.RecordSettled(outcome)
		case Dropped:
			b.metrics.RecordDropped(1)
			b.logger.Debug("delivery dropped, connection changed",
				slog.String("address", route.Source),
				slog.String("delivery_id", id.String()))
		}
		if serr != nil {
			b.logger.Warn("failed to settle delivery",
				slog.String("address", route.Source),
				slog.String("outcome", outcome.String()),
				slog.String("error", serr.Error()))
		}
	}()
}

func (b *Base) handle(ctx context.Context, route Route, body []byte) error {
	pkt, err := b.opts.Serializer.Deserialize(body)
	if err != nil {
		return fmt.Errorf("failed to decode packet: %w", err)
	}
	if pkt.Kind == packets.Unknown {
		cp := *pkt
		cp.Kind = route.Kind
		pkt = &cp
	}
	b.metrics.RecordPacketReceived(pkt.Kind, int64(len(body)))
	if b.opts.Verbose {
		b.logger.Debug("packet received",
			slog.String("address", route.Source),
			slog.String("packet", pkt.String()),
			slog.Int("size", len(body)))
	}

	ctx, span := b.startSpan(ctx, "transport.handle", route.Source, pkt.Kind)
	defer span.End()

	start := time.Now()
	err = b.invoke(ctx, pkt)
	b.metrics.RecordHandlerDuration(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (b *Base) invoke(ctx context.Context, pkt *packets.Packet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return b.opts.Handler(ctx, pkt)
}

func (b *Base) startSpan(ctx context.Context, name, address string, kind packets.Kind) (context.Context, trace.Span) {
	if b.tracer == nil {
		return ctx, tracenoop.Span{}
	}
	return b.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("messaging.system", b.backend),
		attribute.String("messaging.destination", address),
		attribute.String("fluxbus.packet.kind", kind.String()),
	))
}
