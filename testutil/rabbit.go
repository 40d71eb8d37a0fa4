// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/absmach/fluxbus/amqp091"
	amqp "github.com/rabbitmq/amqp091-go"
)

var errUnknownTag = errors.New("testutil: unknown delivery tag")

// QueueDeclaration records the arguments of a queue.declare.
type QueueDeclaration struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
}

// Ack records an ack or nack issued on a channel.
type Ack struct {
	Queue   string
	Body    []byte
	Ack     bool
	Requeue bool
}

// Published is a message as the broker received it.
type Published struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

type rabbitMsg struct {
	pub         amqp.Publishing
	exchange    string
	key         string
	redelivered bool
}

type rabbitQueue struct {
	name string
	msgs chan rabbitMsg
}

// Rabbit is an in-memory AMQP 0.9.1 broker with queues on the default
// exchange and fanout exchanges.
type Rabbit struct {
	mu           sync.Mutex
	queues       map[string]*rabbitQueue
	exchanges    map[string]string
	bindings     map[string][]string
	declarations map[string]QueueDeclaration
	conns        map[*RabbitConn]struct{}
	dialErr      error
	declareErrs  map[string]error
	dials        int
	configs      []amqp.Config
	prefetch     int
	published    []Published
	acks         []Ack
	consumers    map[string]int
}

var _ amqp091.Dialer = (*Rabbit)(nil)

// NewRabbit creates an empty broker.
func NewRabbit() *Rabbit {
	return &Rabbit{
		queues:       make(map[string]*rabbitQueue),
		exchanges:    make(map[string]string),
		bindings:     make(map[string][]string),
		declarations: make(map[string]QueueDeclaration),
		conns:        make(map[*RabbitConn]struct{}),
		declareErrs:  make(map[string]error),
		consumers:    make(map[string]int),
	}
}

// Dial opens a connection unless a dial error is set.
func (r *Rabbit) Dial(url string, cfg amqp.Config) (amqp091.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dials++
	r.configs = append(r.configs, cfg)
	if r.dialErr != nil {
		return nil, r.dialErr
	}
	c := &RabbitConn{r: r, channels: make(map[*RabbitChannel]struct{})}
	r.conns[c] = struct{}{}
	return c, nil
}

// SetDialError makes every following Dial fail with err. Nil clears it.
func (r *Rabbit) SetDialError(err error) {
	r.mu.Lock()
	r.dialErr = err
	r.mu.Unlock()
}

// SetDeclareError makes declaring queue name fail with err. Nil clears it.
func (r *Rabbit) SetDeclareError(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.declareErrs, name)
		return
	}
	r.declareErrs[name] = err
}

// KillConnections closes every connection with CONNECTION_FORCED, as a
// broker restart would. Unacknowledged messages go back to their queues.
func (r *Rabbit) KillConnections() {
	r.mu.Lock()
	conns := make([]*RabbitConn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED", Server: true})
	}
}

// Dials returns the number of Dial calls.
func (r *Rabbit) Dials() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dials
}

// Connections returns the number of open connections.
func (r *Rabbit) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Config returns the configuration of the most recent Dial.
func (r *Rabbit) Config() amqp.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.configs) == 0 {
		return amqp.Config{}
	}
	return r.configs[len(r.configs)-1]
}

// Prefetch returns the last prefetch count set with basic.qos.
func (r *Rabbit) Prefetch() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prefetch
}

// Declaration returns the last declaration of queue name.
func (r *Rabbit) Declaration(name string) (QueueDeclaration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.declarations[name]
	return d, ok
}

// ExchangeKind returns the kind of exchange name, or "" when undeclared.
func (r *Rabbit) ExchangeKind(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exchanges[name]
}

// Bindings returns the queues bound to exchange.
func (r *Rabbit) Bindings(exchange string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.bindings[exchange]...)
}

// Published returns the messages published with exchange and key.
func (r *Rabbit) Published(exchange, key string) []amqp.Publishing {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []amqp.Publishing
	for _, p := range r.published {
		if p.Exchange == exchange && p.Key == key {
			out = append(out, p.Msg)
		}
	}
	return out
}

// Acks returns every ack and nack in the order they happened.
func (r *Rabbit) Acks() []Ack {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Ack(nil), r.acks...)
}

// Acked returns the number of acknowledged messages.
func (r *Rabbit) Acked() int {
	return r.countAcks(true)
}

// Nacked returns the number of negatively acknowledged messages.
func (r *Rabbit) Nacked() int {
	return r.countAcks(false)
}

func (r *Rabbit) countAcks(ack bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.acks {
		if a.Ack == ack {
			n++
		}
	}
	return n
}

// Consumers returns the number of active consumers on queue name.
func (r *Rabbit) Consumers(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumers[name]
}

// Pending returns the number of ready messages in queue name.
func (r *Rabbit) Pending(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[name]; ok {
		return len(q.msgs)
	}
	return 0
}

// Publish routes body as if another node had published it.
func (r *Rabbit) Publish(exchange, key string, body []byte) error {
	return r.route(exchange, key, amqp.Publishing{Body: body})
}

func (r *Rabbit) queueLocked(name string) *rabbitQueue {
	q, ok := r.queues[name]
	if !ok {
		q = &rabbitQueue{name: name, msgs: make(chan rabbitMsg, queueCapacity)}
		r.queues[name] = q
	}
	return q
}

func (r *Rabbit) route(exchange, key string, pub amqp.Publishing) error {
	r.mu.Lock()
	r.published = append(r.published, Published{Exchange: exchange, Key: key, Msg: pub})

	var targets []*rabbitQueue
	if exchange == "" {
		if q, ok := r.queues[key]; ok {
			targets = append(targets, q)
		}
	} else {
		if _, ok := r.exchanges[exchange]; !ok {
			r.mu.Unlock()
			return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchange + "'", Server: true}
		}
		for _, name := range r.bindings[exchange] {
			targets = append(targets, r.queues[name])
		}
	}
	r.mu.Unlock()

	for _, q := range targets {
		q.msgs <- rabbitMsg{pub: pub, exchange: exchange, key: key}
	}
	return nil
}

func (r *Rabbit) record(a Ack) {
	r.mu.Lock()
	r.acks = append(r.acks, a)
	r.mu.Unlock()
}

// RabbitConn is a connection to the in-memory broker.
type RabbitConn struct {
	r        *Rabbit
	once     sync.Once
	mu       sync.Mutex
	notify   []chan *amqp.Error
	channels map[*RabbitChannel]struct{}
}

var _ amqp091.Connection = (*RabbitConn)(nil)

// Channel opens a channel.
func (c *RabbitConn) Channel() (amqp091.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels == nil {
		return nil, amqp.ErrClosed
	}
	ch := &RabbitChannel{
		c:         c,
		consumers: make(map[string]*rabbitConsumer),
		unacked:   make(map[uint64]rabbitUnacked),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// NotifyClose registers receiver for the connection close error.
func (c *RabbitConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels == nil {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// Close closes the connection and its channels.
func (c *RabbitConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *RabbitConn) shutdown(cause *amqp.Error) {
	c.once.Do(func() {
		r := c.r
		r.mu.Lock()
		delete(r.conns, c)
		r.mu.Unlock()

		c.mu.Lock()
		channels := c.channels
		notify := c.notify
		c.channels, c.notify = nil, nil
		c.mu.Unlock()

		for ch := range channels {
			ch.shutdown(cause)
		}
		for _, n := range notify {
			if cause != nil {
				n <- cause
			}
			close(n)
		}
	})
}

type rabbitConsumer struct {
	queue string
	stop  chan struct{}
	done  chan struct{}
}

type rabbitUnacked struct {
	q   *rabbitQueue
	msg rabbitMsg
}

// RabbitChannel is a channel on an in-memory connection. It acknowledges its
// own deliveries.
type RabbitChannel struct {
	c *RabbitConn

	mu        sync.Mutex
	closed    bool
	notify    []chan *amqp.Error
	consumers map[string]*rabbitConsumer
	unacked   map[uint64]rabbitUnacked
	nextTag   uint64
}

var (
	_ amqp091.Channel   = (*RabbitChannel)(nil)
	_ amqp.Acknowledger = (*RabbitChannel)(nil)
)

func (ch *RabbitChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Qos records the prefetch count.
func (ch *RabbitChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	r := ch.c.r
	r.mu.Lock()
	r.prefetch = prefetchCount
	r.mu.Unlock()
	return nil
}

// ExchangeDeclare declares an exchange.
func (ch *RabbitChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	r := ch.c.r
	r.mu.Lock()
	r.exchanges[name] = kind
	r.mu.Unlock()
	return nil
}

// QueueDeclare declares a queue.
func (ch *RabbitChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if ch.isClosed() {
		return amqp.Queue{}, amqp.ErrClosed
	}
	r := ch.c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.declareErrs[name]; err != nil {
		return amqp.Queue{}, err
	}
	r.declarations[name] = QueueDeclaration{
		Durable:    durable,
		AutoDelete: autoDelete,
		Exclusive:  exclusive,
		Args:       args,
	}
	q := r.queueLocked(name)
	return amqp.Queue{Name: name, Messages: len(q.msgs), Consumers: r.consumers[name]}, nil
}

// QueueBind binds queue name to a declared exchange.
func (ch *RabbitChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	r := ch.c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchange + "'", Server: true}
	}
	if _, ok := r.queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'", Server: true}
	}
	for _, bound := range r.bindings[exchange] {
		if bound == name {
			return nil
		}
	}
	r.bindings[exchange] = append(r.bindings[exchange], name)
	return nil
}

// Consume starts delivering messages of queue to the returned channel.
// Queues are shared, so consumers of one queue compete for its messages.
func (ch *RabbitChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	r := ch.c.r
	r.mu.Lock()
	q, ok := r.queues[queue]
	if ok {
		r.consumers[queue]++
	}
	r.mu.Unlock()
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queue + "'", Server: true}
	}

	rc := &rabbitConsumer{queue: queue, stop: make(chan struct{}), done: make(chan struct{})}
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		r.mu.Lock()
		r.consumers[queue]--
		r.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	ch.consumers[consumer] = rc
	ch.mu.Unlock()

	out := make(chan amqp.Delivery)
	go ch.pump(q, rc, autoAck, out)
	return out, nil
}

func (ch *RabbitChannel) pump(q *rabbitQueue, rc *rabbitConsumer, autoAck bool, out chan amqp.Delivery) {
	defer func() {
		close(out)
		r := ch.c.r
		r.mu.Lock()
		r.consumers[q.name]--
		r.mu.Unlock()
		close(rc.done)
	}()

	for {
		var msg rabbitMsg
		select {
		case <-rc.stop:
			return
		case msg = <-q.msgs:
		}

		ch.mu.Lock()
		if ch.closed {
			ch.mu.Unlock()
			q.msgs <- msg
			return
		}
		ch.nextTag++
		tag := ch.nextTag
		if !autoAck {
			ch.unacked[tag] = rabbitUnacked{q: q, msg: msg}
		}
		ch.mu.Unlock()

		d := amqp.Delivery{
			Acknowledger: ch,
			DeliveryTag:  tag,
			Redelivered:  msg.redelivered,
			Exchange:     msg.exchange,
			RoutingKey:   msg.key,
			DeliveryMode: msg.pub.DeliveryMode,
			Priority:     msg.pub.Priority,
			Expiration:   msg.pub.Expiration,
			MessageId:    msg.pub.MessageId,
			Timestamp:    msg.pub.Timestamp,
			Type:         msg.pub.Type,
			Body:         msg.pub.Body,
		}
		select {
		case out <- d:
		case <-rc.stop:
			ch.requeue(tag, q, msg, autoAck)
			return
		}
	}
}

func (ch *RabbitChannel) requeue(tag uint64, q *rabbitQueue, msg rabbitMsg, autoAck bool) {
	ch.mu.Lock()
	delete(ch.unacked, tag)
	ch.mu.Unlock()
	msg.redelivered = msg.redelivered || !autoAck
	q.msgs <- msg
}

// Cancel stops consumer. Its unacknowledged deliveries stay on the channel.
func (ch *RabbitChannel) Cancel(consumer string, noWait bool) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	rc, ok := ch.consumers[consumer]
	delete(ch.consumers, consumer)
	ch.mu.Unlock()

	if ok {
		close(rc.stop)
		<-rc.done
	}
	return nil
}

// PublishWithContext routes msg through exchange.
func (ch *RabbitChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	return ch.c.r.route(exchange, key, msg)
}

// NotifyClose registers receiver for the channel close error.
func (ch *RabbitChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// Close closes the channel. Unacknowledged messages are requeued.
func (ch *RabbitChannel) Close() error {
	ch.c.mu.Lock()
	if ch.c.channels != nil {
		delete(ch.c.channels, ch)
	}
	ch.c.mu.Unlock()
	ch.shutdown(nil)
	return nil
}

func (ch *RabbitChannel) shutdown(cause *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	consumers := ch.consumers
	unacked := ch.unacked
	notify := ch.notify
	ch.consumers = make(map[string]*rabbitConsumer)
	ch.unacked = make(map[uint64]rabbitUnacked)
	ch.notify = nil
	ch.mu.Unlock()

	for _, rc := range consumers {
		close(rc.stop)
		<-rc.done
	}
	for _, u := range unacked {
		u.msg.redelivered = true
		u.q.msgs <- u.msg
	}
	for _, n := range notify {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
}

// Ack acknowledges delivery tag.
func (ch *RabbitChannel) Ack(tag uint64, multiple bool) error {
	u, err := ch.take(tag)
	if err != nil {
		return err
	}
	ch.c.r.record(Ack{Queue: u.q.name, Body: u.msg.pub.Body, Ack: true})
	return nil
}

// Nack negatively acknowledges delivery tag.
func (ch *RabbitChannel) Nack(tag uint64, multiple, requeue bool) error {
	u, err := ch.take(tag)
	if err != nil {
		return err
	}
	ch.c.r.record(Ack{Queue: u.q.name, Body: u.msg.pub.Body, Requeue: requeue})
	if requeue {
		u.msg.redelivered = true
		u.q.msgs <- u.msg
	}
	return nil
}

// Reject rejects delivery tag.
func (ch *RabbitChannel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *RabbitChannel) take(tag uint64) (rabbitUnacked, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return rabbitUnacked{}, amqp.ErrClosed
	}
	u, ok := ch.unacked[tag]
	if !ok {
		return rabbitUnacked{}, errUnknownTag
	}
	delete(ch.unacked, tag)
	return u, nil
}
