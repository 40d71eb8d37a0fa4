// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides an in-memory AMQP 1.0 broker for transport tests.
package testutil

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/Azure/go-amqp"
	"github.com/absmach/fluxbus/amqp1"
)

const (
	topicPrefix    = "topic://VirtualTopic."
	consumerPrefix = "Consumer."
	virtualTopic   = ".VirtualTopic."
	queueCapacity  = 4096
)

var errAlreadySettled = errors.New("testutil: message already settled")

// Settlement records an accept or reject issued by a receiver.
type Settlement struct {
	Address     string
	Body        []byte
	Accepted    bool
	Description string
}

// Broker is an in-memory AMQP 1.0 broker. Named queues deliver each message
// to exactly one receiver; messages sent to topic://VirtualTopic.<name> are
// copied to every Consumer.<id>.VirtualTopic.<name> queue.
type Broker struct {
	mu          sync.Mutex
	queues      map[string]*queue
	conns       map[*Conn]struct{}
	dialErr     error
	attachErrs  map[string]error
	dials       int
	settlements []Settlement
	sent        map[string][]*amqp.Message
	connOpts    []*amqp.ConnOptions
	recvOpts    map[string]*amqp.ReceiverOptions
	sendOpts    map[string]*amqp.SenderOptions
	receivers   map[string]int
}

type queue struct {
	name string
	msgs chan *amqp.Message
}

var _ amqp1.Dialer = (*Broker)(nil)

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		queues:     make(map[string]*queue),
		conns:      make(map[*Conn]struct{}),
		attachErrs: make(map[string]error),
		sent:       make(map[string][]*amqp.Message),
		recvOpts:   make(map[string]*amqp.ReceiverOptions),
		sendOpts:   make(map[string]*amqp.SenderOptions),
		receivers:  make(map[string]int),
	}
}

// Dial opens a connection unless a dial error is set.
func (b *Broker) Dial(ctx context.Context, addr string, opts *amqp.ConnOptions) (amqp1.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	b.connOpts = append(b.connOpts, opts)
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &Conn{b: b, dead: make(chan struct{})}
	b.conns[c] = struct{}{}
	return c, nil
}

// SetDialError makes every following Dial fail with err. Nil clears it.
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	b.dialErr = err
	b.mu.Unlock()
}

// SetAttachError makes attaching a link to address fail with err. Nil clears it.
func (b *Broker) SetAttachError(address string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.attachErrs, address)
		return
	}
	b.attachErrs[address] = err
}

// KillConnections drops every open connection as a network failure would.
// Unsettled messages go back to their queues.
func (b *Broker) KillConnections() {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = make(map[*Conn]struct{})
	b.mu.Unlock()

	for _, c := range conns {
		c.kill()
	}
}

// DetachReceivers detaches every receiver attached to source, as a broker
// does when the link is closed from its side. Connections stay open.
func (b *Broker) DetachReceivers(source string) {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		var detach []*Receiver
		for _, r := range c.receivers {
			if r.q.name == source {
				detach = append(detach, r)
			}
		}
		c.mu.Unlock()
		for _, r := range detach {
			r.detach()
		}
	}
}

// Dials returns the number of Dial calls.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Connections returns the number of open connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// ConnOptions returns the options of the most recent Dial.
func (b *Broker) ConnOptions() *amqp.ConnOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.connOpts) == 0 {
		return nil
	}
	return b.connOpts[len(b.connOpts)-1]
}

// ReceiverOptions returns the options of the last receiver attached to source.
func (b *Broker) ReceiverOptions(source string) *amqp.ReceiverOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recvOpts[source]
}

// SenderOptions returns the options of the last sender attached to target.
func (b *Broker) SenderOptions(target string) *amqp.SenderOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sendOpts[target]
}

// Receivers returns the number of open receivers attached to source.
func (b *Broker) Receivers(source string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.receivers[source]
}

// Sent returns the messages sent to target.
func (b *Broker) Sent(target string) []*amqp.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*amqp.Message(nil), b.sent[target]...)
}

// Settlements returns every accept and reject in the order they happened.
func (b *Broker) Settlements() []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Settlement(nil), b.settlements...)
}

// Accepted returns the number of accepted messages.
func (b *Broker) Accepted() int {
	return b.count(true)
}

// Rejected returns the number of rejected messages.
func (b *Broker) Rejected() int {
	return b.count(false)
}

func (b *Broker) count(accepted bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.settlements {
		if s.Accepted == accepted {
			n++
		}
	}
	return n
}

// Pending returns the number of messages waiting in queue name.
func (b *Broker) Pending(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.msgs)
	}
	return 0
}

// Publish delivers data to address as if another node had sent it.
func (b *Broker) Publish(address string, data []byte) {
	b.route(address, amqp.NewMessage(data))
}

func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, msgs: make(chan *amqp.Message, queueCapacity)}
		b.queues[name] = q
	}
	return q
}

// route enqueues msg on the queue named by address, or on every consumer
// queue of a virtual topic.
func (b *Broker) route(address string, msg *amqp.Message) {
	b.mu.Lock()
	b.sent[address] = append(b.sent[address], msg)

	var targets []*queue
	if topic, ok := strings.CutPrefix(address, topicPrefix); ok {
		suffix := virtualTopic + topic
		for name, q := range b.queues {
			if strings.HasPrefix(name, consumerPrefix) && strings.HasSuffix(name, suffix) {
				targets = append(targets, q)
			}
		}
	} else {
		targets = append(targets, b.queueLocked(address))
	}
	b.mu.Unlock()

	for _, q := range targets {
		q.msgs <- copyMessage(msg)
	}
}

func (b *Broker) settle(address string, msg *amqp.Message, accepted bool, description string) {
	b.mu.Lock()
	b.settlements = append(b.settlements, Settlement{
		Address:     address,
		Body:        msg.GetData(),
		Accepted:    accepted,
		Description: description,
	})
	b.mu.Unlock()
}

func (b *Broker) attachErr(address string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attachErrs[address]
}

func copyMessage(msg *amqp.Message) *amqp.Message {
	cp := amqp.NewMessage(msg.GetData())
	cp.Header = msg.Header
	cp.Properties = msg.Properties
	cp.ApplicationProperties = msg.ApplicationProperties
	return cp
}

// Conn is a connection to the in-memory broker.
type Conn struct {
	b        *Broker
	dead     chan struct{}
	killOnce sync.Once

	mu        sync.Mutex
	receivers []*Receiver
}

var _ amqp1.Conn = (*Conn)(nil)

// NewSession opens a session.
func (c *Conn) NewSession(ctx context.Context, opts *amqp.SessionOptions) (amqp1.Session, error) {
	if c.isDead() {
		return nil, &amqp.ConnError{}
	}
	return &Session{c: c}, nil
}

// Close closes the connection and every link on it.
func (c *Conn) Close() error {
	c.b.mu.Lock()
	delete(c.b.conns, c)
	c.b.mu.Unlock()
	c.kill()
	return nil
}

func (c *Conn) kill() {
	c.killOnce.Do(func() {
		close(c.dead)
		c.mu.Lock()
		receivers := c.receivers
		c.receivers = nil
		c.mu.Unlock()
		for _, r := range receivers {
			r.detach()
		}
	})
}

func (c *Conn) isDead() bool {
	select {
	case <-c.dead:
		return true
	default:
		return false
	}
}

// Session is a session on an in-memory connection.
type Session struct {
	c *Conn
}

var _ amqp1.Session = (*Session)(nil)

// NewReceiver attaches a receiver to source, creating the queue if needed.
func (s *Session) NewReceiver(ctx context.Context, source string, opts *amqp.ReceiverOptions) (amqp1.Receiver, error) {
	if s.c.isDead() {
		return nil, &amqp.ConnError{}
	}
	if err := s.c.b.attachErr(source); err != nil {
		return nil, err
	}

	b := s.c.b
	b.mu.Lock()
	q := b.queueLocked(source)
	b.recvOpts[source] = opts
	b.receivers[source]++
	b.mu.Unlock()

	r := &Receiver{
		c:         s.c,
		q:         q,
		closed:    make(chan struct{}),
		unsettled: make(map[*amqp.Message]struct{}),
	}
	s.c.mu.Lock()
	s.c.receivers = append(s.c.receivers, r)
	s.c.mu.Unlock()
	return r, nil
}

// NewSender attaches a sender to target.
func (s *Session) NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (amqp1.Sender, error) {
	if s.c.isDead() {
		return nil, &amqp.ConnError{}
	}
	if err := s.c.b.attachErr(target); err != nil {
		return nil, err
	}

	b := s.c.b
	b.mu.Lock()
	b.sendOpts[target] = opts
	b.mu.Unlock()

	return &Sender{c: s.c, target: target, closed: make(chan struct{})}, nil
}

// Close ends the session.
func (s *Session) Close(ctx context.Context) error {
	return nil
}

// Receiver is a receiving link on a queue.
type Receiver struct {
	c         *Conn
	q         *queue
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	detached  bool
	unsettled map[*amqp.Message]struct{}
}

var _ amqp1.Receiver = (*Receiver)(nil)

// Receive waits for the next message.
func (r *Receiver) Receive(ctx context.Context, opts *amqp.ReceiveOptions) (*amqp.Message, error) {
	if r.c.isDead() {
		return nil, &amqp.ConnError{}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.c.dead:
		return nil, &amqp.ConnError{}
	case <-r.closed:
		return nil, &amqp.LinkError{}
	case msg := <-r.q.msgs:
		r.mu.Lock()
		if r.detached {
			r.mu.Unlock()
			r.q.msgs <- msg
			return nil, r.detachErr()
		}
		r.unsettled[msg] = struct{}{}
		r.mu.Unlock()
		return msg, nil
	}
}

func (r *Receiver) detachErr() error {
	if r.c.isDead() {
		return &amqp.ConnError{}
	}
	return &amqp.LinkError{}
}

// AcceptMessage accepts msg.
func (r *Receiver) AcceptMessage(ctx context.Context, msg *amqp.Message) error {
	if err := r.take(msg); err != nil {
		return err
	}
	r.c.b.settle(r.q.name, msg, true, "")
	return nil
}

// RejectMessage rejects msg.
func (r *Receiver) RejectMessage(ctx context.Context, msg *amqp.Message, e *amqp.Error) error {
	if err := r.take(msg); err != nil {
		return err
	}
	desc := ""
	if e != nil {
		desc = e.Description
	}
	r.c.b.settle(r.q.name, msg, false, desc)
	return nil
}

func (r *Receiver) take(msg *amqp.Message) error {
	if r.c.isDead() {
		return &amqp.ConnError{}
	}
	select {
	case <-r.closed:
		return &amqp.LinkError{}
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.unsettled[msg]; !ok {
		return errAlreadySettled
	}
	delete(r.unsettled, msg)
	return nil
}

// Close detaches the receiver. Unsettled messages are released.
func (r *Receiver) Close(ctx context.Context) error {
	r.detach()
	return nil
}

func (r *Receiver) detach() {
	r.closeOnce.Do(func() {
		close(r.closed)

		r.mu.Lock()
		r.detached = true
		unsettled := r.unsettled
		r.unsettled = make(map[*amqp.Message]struct{})
		r.mu.Unlock()

		for msg := range unsettled {
			r.q.msgs <- msg
		}

		b := r.c.b
		b.mu.Lock()
		b.receivers[r.q.name]--
		b.mu.Unlock()
	})
}

// Sender is a sending link.
type Sender struct {
	c         *Conn
	target    string
	closed    chan struct{}
	closeOnce sync.Once
}

var _ amqp1.Sender = (*Sender)(nil)

// Send routes msg to the sender's target.
func (s *Sender) Send(ctx context.Context, msg *amqp.Message, opts *amqp.SendOptions) error {
	if s.c.isDead() {
		return &amqp.ConnError{}
	}
	select {
	case <-s.closed:
		return &amqp.LinkError{}
	default:
	}
	s.c.b.route(s.target, msg)
	return nil
}

// Close detaches the sender.
func (s *Sender) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
