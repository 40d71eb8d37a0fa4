// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package node_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/absmach/fluxbus/amqp1"
	"github.com/absmach/fluxbus/codec"
	"github.com/absmach/fluxbus/config"
	"github.com/absmach/fluxbus/internal/node"
	"github.com/absmach/fluxbus/packets"
	"github.com/absmach/fluxbus/testutil"
	"github.com/absmach/fluxbus/topics"
	"github.com/absmach/fluxbus/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func nodeConfig(id string) config.NodeConfig {
	return config.NodeConfig{
		ID:                id,
		HeartbeatInterval: 20 * time.Millisecond,
		ShutdownTimeout:   time.Second,
		Actions:           []string{"math.add"},
		Events:            []config.EventConfig{{Name: "user.created", Group: "mail"}},
		Reconnect: config.ReconnectConfig{
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
			Multiplier:      2,
		},
	}
}

func newNode(t *testing.T, b *testutil.Broker, id string) (*node.Node, *amqp1.Transport) {
	t.Helper()
	n := node.New(nodeConfig(id), nil)
	tr, err := amqp1.New(amqp1.Config{URL: "amqp://localhost:5672"}, transport.Options{
		NodeID:           id,
		Scheme:           topics.NewScheme("MOL", ""),
		Policy:           topics.Policy{EventTTL: 5 * time.Second, HeartbeatTTL: 2 * time.Second},
		Serializer:       codec.JSON{},
		Handler:          n.Handle,
		OnConnected:      n.OnConnected,
		OnConnectionLost: n.OnConnectionLost,
	}, b)
	require.NoError(t, err)
	n.SetTransport(tr)
	return n, tr
}

// run starts n and returns a stop function that waits for Run to return.
func run(t *testing.T, n *node.Node) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	stopped := false
	stop := func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(waitFor):
			t.Fatal("node did not stop")
			return nil
		}
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func decode(t *testing.T, body []byte) (*packets.Packet, node.Control) {
	t.Helper()
	pkt, err := codec.JSON{}.Deserialize(body)
	require.NoError(t, err)
	var c node.Control
	require.NoError(t, json.Unmarshal(pkt.Payload, &c))
	return pkt, c
}

func encode(t *testing.T, pkt *packets.Packet) []byte {
	t.Helper()
	body, err := codec.JSON{}.Serialize(pkt)
	require.NoError(t, err)
	return body
}

func TestRunSubscribesAndAnnounces(t *testing.T) {
	b := testutil.NewBroker()
	n, tr := newNode(t, b, "node-1")
	run(t, n)

	require.Eventually(t, func() bool { return tr.State() == transport.StateConnected }, waitFor, tick)

	assert.Equal(t, 1, b.Receivers("MOL.REQ.node-1"))
	assert.Equal(t, 1, b.Receivers("MOL.REQB.math.add"))
	assert.Equal(t, 1, b.Receivers("MOL.EVENTB.mail.user.created"))
	assert.Equal(t, 1, b.Receivers("Consumer.node-1.VirtualTopic.MOL.HEARTBEAT"))
	assert.Equal(t, 14, tr.Receivers().Len())

	discover := b.Sent("topic://VirtualTopic.MOL.DISCOVER")
	require.Len(t, discover, 1)
	_, c := decode(t, discover[0].GetData())
	assert.Equal(t, "node-1", c.Sender)
	assert.Len(t, b.Sent("topic://VirtualTopic.MOL.INFO"), 1)

	require.Eventually(t, func() bool {
		return len(b.Sent("topic://VirtualTopic.MOL.HEARTBEAT")) >= 2
	}, waitFor, tick)
}

func TestRequestIsAnswered(t *testing.T) {
	b := testutil.NewBroker()
	n, _ := newNode(t, b, "node-1")
	run(t, n)
	require.Eventually(t, func() bool { return b.Receivers("MOL.REQB.math.add") == 1 }, waitFor, tick)

	req, err := json.Marshal(node.Control{Sender: "caller", ID: "req-1", Data: json.RawMessage(`{"a":1,"b":2}`)})
	require.NoError(t, err)
	b.Publish("MOL.REQB.math.add", encode(t, packets.New(packets.Request, "", req).WithAction("math.add")))

	require.Eventually(t, func() bool { return len(b.Sent("MOL.RES.caller")) == 1 }, waitFor, tick)
	pkt, c := decode(t, b.Sent("MOL.RES.caller")[0].GetData())
	assert.Equal(t, packets.Response, pkt.Kind)
	assert.Equal(t, "node-1", c.Sender)
	assert.Equal(t, "req-1", c.ID)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(c.Data))
	assert.Eventually(t, func() bool { return b.Accepted() >= 1 }, waitFor, tick)
}

func TestDiscoveryAndPing(t *testing.T) {
	b := testutil.NewBroker()
	n1, _ := newNode(t, b, "node-1")
	n2, _ := newNode(t, b, "node-2")
	run(t, n1)
	require.Eventually(t, func() bool { return len(b.Sent("topic://VirtualTopic.MOL.DISCOVER")) == 1 }, waitFor, tick)
	run(t, n2)

	// node-1 answers the discovery of node-2 directly.
	require.Eventually(t, func() bool { return len(b.Sent("MOL.INFO.node-2")) >= 1 }, waitFor, tick)
	_, c := decode(t, b.Sent("MOL.INFO.node-2")[0].GetData())
	assert.Equal(t, "node-1", c.Sender)

	ping, err := json.Marshal(node.Control{Sender: "node-2", ID: "p1", Time: 42})
	require.NoError(t, err)
	b.Publish("MOL.PING.node-1", encode(t, packets.New(packets.Ping, "node-1", ping)))

	require.Eventually(t, func() bool { return len(b.Sent("MOL.PONG.node-2")) == 1 }, waitFor, tick)
	_, c = decode(t, b.Sent("MOL.PONG.node-2")[0].GetData())
	assert.Equal(t, "p1", c.ID)
	assert.Equal(t, int64(42), c.Time)
}

func TestReconnectAfterConnectionLost(t *testing.T) {
	b := testutil.NewBroker()
	n, tr := newNode(t, b, "node-1")
	run(t, n)
	require.Eventually(t, func() bool { return b.Connections() == 1 }, waitFor, tick)

	b.KillConnections()

	require.Eventually(t, func() bool {
		return b.Dials() >= 2 && b.Connections() == 1 && tr.State() == transport.StateConnected
	}, waitFor, tick)
	assert.Equal(t, 1, b.Receivers("MOL.REQB.math.add"))
	assert.GreaterOrEqual(t, len(b.Sent("topic://VirtualTopic.MOL.DISCOVER")), 2)
}

func TestConnectRetriesWithBackoff(t *testing.T) {
	b := testutil.NewBroker()
	b.SetDialError(errors.New("connection refused"))
	n, tr := newNode(t, b, "node-1")
	run(t, n)

	require.Eventually(t, func() bool { return b.Dials() >= 3 }, waitFor, tick)
	assert.Equal(t, transport.StateDisconnected, tr.State())

	b.SetDialError(nil)
	require.Eventually(t, func() bool { return tr.State() == transport.StateConnected }, waitFor, tick)
}

func TestShutdownAnnouncesDisconnect(t *testing.T) {
	b := testutil.NewBroker()
	n, tr := newNode(t, b, "node-1")
	stop := run(t, n)
	require.Eventually(t, func() bool { return tr.State() == transport.StateConnected }, waitFor, tick)

	require.NoError(t, stop())

	assert.Equal(t, transport.StateDisconnected, tr.State())
	assert.Equal(t, 0, b.Connections())
	require.Len(t, b.Sent("topic://VirtualTopic.MOL.DISCONNECT"), 1)
	_, c := decode(t, b.Sent("topic://VirtualTopic.MOL.DISCONNECT")[0].GetData())
	assert.Equal(t, "node-1", c.Sender)
}

func TestRunWithoutTransport(t *testing.T) {
	n := node.New(nodeConfig("node-1"), nil)
	assert.ErrorIs(t, n.Run(context.Background()), node.ErrNoTransport)
}

func TestHandle(t *testing.T) {
	b := testutil.NewBroker()
	n, tr := newNode(t, b, "node-1")
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })

	self, err := json.Marshal(node.Control{Sender: "node-1"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		pkt     *packets.Packet
		wantErr bool
	}{
		{name: "own broadcast is ignored", pkt: packets.New(packets.Discover, "", self)},
		{name: "heartbeat without payload", pkt: packets.New(packets.Heartbeat, "", nil)},
		{name: "ping without sender", pkt: packets.New(packets.Ping, "node-1", []byte(`{}`)), wantErr: true},
		{name: "request without sender", pkt: packets.New(packets.Request, "node-1", []byte(`{"id":"1"}`)), wantErr: true},
		{name: "malformed payload", pkt: packets.New(packets.Info, "", []byte("{")), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := n.Handle(context.Background(), tt.pkt)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
	assert.Len(t, b.Sent("MOL.INFO.node-1"), 0)
}
