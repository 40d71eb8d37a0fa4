// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxbus/topics"
	paho "github.com/eclipse/paho.mqtt.golang"
)

// MQTTMessage is a message as the broker received it.
type MQTTMessage struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// MQTTAck records an acknowledged message.
type MQTTAck struct {
	ClientID string
	Topic    string
	Payload  []byte
}

type mqttSub struct {
	client *MQTTClient
	filter string
	share  string
	qos    byte
	cb     paho.MessageHandler
}

// MQTTBroker is an in-memory MQTT broker. Plain subscriptions receive every
// matching message; $share subscriptions of one group take turns.
type MQTTBroker struct {
	mu          sync.Mutex
	connectErr  error
	holdConnect bool
	disconnects int
	subErrs     map[string]error
	clients     map[*MQTTClient]struct{}
	options     []*paho.ClientOptions
	subs        []*mqttSub
	next        map[string]int
	published   []MQTTMessage
	acks        []MQTTAck
	subQoS      map[string]byte
}

// NewMQTTBroker creates an empty broker.
func NewMQTTBroker() *MQTTBroker {
	return &MQTTBroker{
		subErrs: make(map[string]error),
		clients: make(map[*MQTTClient]struct{}),
		next:    make(map[string]int),
		subQoS:  make(map[string]byte),
	}
}

// NewClient creates a client bound to the broker. It matches the paho.NewClient signature.
func (b *MQTTBroker) NewClient(opts *paho.ClientOptions) paho.Client {
	b.mu.Lock()
	b.options = append(b.options, opts)
	b.mu.Unlock()
	return &MQTTClient{b: b, opts: opts}
}

// SetConnectError makes every following Connect fail with err. Nil clears it.
func (b *MQTTBroker) SetConnectError(err error) {
	b.mu.Lock()
	b.connectErr = err
	b.mu.Unlock()
}

// HoldConnects makes every following Connect return a token that never
// completes, as with an unresponsive broker.
func (b *MQTTBroker) HoldConnects(hold bool) {
	b.mu.Lock()
	b.holdConnect = hold
	b.mu.Unlock()
}

// Disconnects returns the number of client Disconnect calls.
func (b *MQTTBroker) Disconnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnects
}

// SetSubscribeError makes subscribing to filter fail with err. Nil clears it.
func (b *MQTTBroker) SetSubscribeError(filter string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.subErrs, filter)
		return
	}
	b.subErrs[filter] = err
}

// KillConnections drops every client and runs its connection lost handler.
func (b *MQTTBroker) KillConnections() {
	b.mu.Lock()
	clients := make([]*MQTTClient, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		c.drop()
		if c.opts.OnConnectionLost != nil {
			go c.opts.OnConnectionLost(c, errors.New("EOF"))
		}
	}
}

// Options returns the options of the most recently created client.
func (b *MQTTBroker) Options() *paho.ClientOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.options) == 0 {
		return nil
	}
	return b.options[len(b.options)-1]
}

// Connected returns the number of connected clients.
func (b *MQTTBroker) Connected() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Subscriptions returns the number of subscriptions with filter.
func (b *MQTTBroker) Subscriptions(filter string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subs {
		if fullFilter(s) == filter {
			n++
		}
	}
	return n
}

// SubscribedQoS returns the QoS of the last subscription to filter.
func (b *MQTTBroker) SubscribedQoS(filter string) byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subQoS[filter]
}

// Published returns the messages published to topic.
func (b *MQTTBroker) Published(topic string) []MQTTMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []MQTTMessage
	for _, m := range b.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Acks returns every acknowledged message.
func (b *MQTTBroker) Acks() []MQTTAck {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]MQTTAck(nil), b.acks...)
}

// Publish delivers payload to topic as if another client had published it.
func (b *MQTTBroker) Publish(topic string, qos byte, payload []byte) {
	b.route(MQTTMessage{Topic: topic, QoS: qos, Payload: payload})
}

func fullFilter(s *mqttSub) string {
	if s.share == "" {
		return s.filter
	}
	return topics.Shared(s.share, s.filter)
}

func (b *MQTTBroker) route(m MQTTMessage) {
	b.mu.Lock()
	b.published = append(b.published, m)

	var targets []*mqttSub
	groups := make(map[string][]*mqttSub)
	var order []string
	for _, s := range b.subs {
		if !matchTopic(s.filter, m.Topic) {
			continue
		}
		if s.share == "" {
			targets = append(targets, s)
			continue
		}
		key := fullFilter(s)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], s)
	}
	for _, key := range order {
		members := groups[key]
		i := b.next[key] % len(members)
		b.next[key]++
		targets = append(targets, members[i])
	}
	b.mu.Unlock()

	for _, s := range targets {
		qos := min(m.QoS, s.qos)
		msg := &mqttMessage{b: b, client: s.client, topic: m.Topic, qos: qos, payload: m.Payload}
		go s.cb(s.client, msg)
	}
}

// matchTopic reports whether topic matches filter, with + and # wildcards.
func matchTopic(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

// MQTTClient is a paho.Client connected to an in-memory broker.
type MQTTClient struct {
	b    *MQTTBroker
	opts *paho.ClientOptions

	mu        sync.Mutex
	connected bool
}

var _ paho.Client = (*MQTTClient)(nil)

func (c *MQTTClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *MQTTClient) IsConnectionOpen() bool {
	return c.IsConnected()
}

func (c *MQTTClient) Connect() paho.Token {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.b.connectErr != nil {
		return doneToken(c.b.connectErr)
	}
	if c.b.holdConnect {
		return &token{done: make(chan struct{})}
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.b.clients[c] = struct{}{}
	return doneToken(nil)
}

func (c *MQTTClient) Disconnect(quiesce uint) {
	c.b.mu.Lock()
	c.b.disconnects++
	c.b.mu.Unlock()
	c.drop()
}

// drop disconnects the client and removes its subscriptions.
func (c *MQTTClient) drop() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	delete(c.b.clients, c)
	subs := c.b.subs[:0]
	for _, s := range c.b.subs {
		if s.client != c {
			subs = append(subs, s)
		}
	}
	c.b.subs = subs
}

func (c *MQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	if !c.IsConnected() {
		return doneToken(paho.ErrNotConnected)
	}
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	default:
		return doneToken(errors.New("unknown payload type"))
	}
	c.b.route(MQTTMessage{Topic: topic, QoS: qos, Retained: retained, Payload: data})
	return doneToken(nil)
}

func (c *MQTTClient) Subscribe(filter string, qos byte, callback paho.MessageHandler) paho.Token {
	if !c.IsConnected() {
		return doneToken(paho.ErrNotConnected)
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if err := c.b.subErrs[filter]; err != nil {
		return doneToken(err)
	}
	share, f, ok := topics.ParseShared(filter)
	if !ok {
		share, f = "", filter
	}
	c.b.subs = append(c.b.subs, &mqttSub{client: c, filter: f, share: share, qos: qos, cb: callback})
	c.b.subQoS[filter] = qos
	return doneToken(nil)
}

func (c *MQTTClient) SubscribeMultiple(filters map[string]byte, callback paho.MessageHandler) paho.Token {
	for filter, qos := range filters {
		if tok := c.Subscribe(filter, qos, callback); tok.Error() != nil {
			return tok
		}
	}
	return doneToken(nil)
}

func (c *MQTTClient) Unsubscribe(filters ...string) paho.Token {
	if !c.IsConnected() {
		return doneToken(paho.ErrNotConnected)
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	subs := c.b.subs[:0]
	for _, s := range c.b.subs {
		drop := false
		if s.client == c {
			for _, f := range filters {
				if fullFilter(s) == f {
					drop = true
				}
			}
		}
		if !drop {
			subs = append(subs, s)
		}
	}
	c.b.subs = subs
	return doneToken(nil)
}

func (c *MQTTClient) AddRoute(topic string, callback paho.MessageHandler) {}

func (c *MQTTClient) OptionsReader() paho.ClientOptionsReader {
	return paho.NewOptionsReader(c.opts)
}

type mqttMessage struct {
	b       *MQTTBroker
	client  *MQTTClient
	topic   string
	qos     byte
	payload []byte
	once    sync.Once
}

func (m *mqttMessage) Duplicate() bool   { return false }
func (m *mqttMessage) Qos() byte         { return m.qos }
func (m *mqttMessage) Retained() bool    { return false }
func (m *mqttMessage) Topic() string     { return m.topic }
func (m *mqttMessage) MessageID() uint16 { return 0 }
func (m *mqttMessage) Payload() []byte   { return m.payload }

// Ack records the acknowledgement of a QoS 1 message once.
func (m *mqttMessage) Ack() {
	if m.qos == 0 {
		return
	}
	m.once.Do(func() {
		m.b.mu.Lock()
		m.b.acks = append(m.b.acks, MQTTAck{ClientID: m.client.opts.ClientID, Topic: m.topic, Payload: m.payload})
		m.b.mu.Unlock()
	})
}

type token struct {
	err  error
	done chan struct{}
}

func doneToken(err error) paho.Token {
	t := &token{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Done() <-chan struct{}          { return t.done }
func (t *token) Error() error                   { return t.err }
