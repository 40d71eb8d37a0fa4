// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxbus/codec"
	"github.com/absmach/fluxbus/mqtt"
	"github.com/absmach/fluxbus/packets"
	"github.com/absmach/fluxbus/testutil"
	"github.com/absmach/fluxbus/topics"
	"github.com/absmach/fluxbus/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	brokerURL = "tcp://localhost:1883"
	waitFor   = 2 * time.Second
	tick      = 5 * time.Millisecond
)

func options(nodeID string, h transport.Handler) transport.Options {
	if h == nil {
		h = func(context.Context, *packets.Packet) error { return nil }
	}
	return transport.Options{
		NodeID:     nodeID,
		Scheme:     topics.NewScheme("MOL", ""),
		Policy:     topics.Policy{EventTTL: 5 * time.Second, HeartbeatTTL: 2 * time.Second},
		Serializer: codec.JSON{},
		Handler:    h,
	}
}

func newTransport(t *testing.T, b *testutil.MQTTBroker, cfg mqtt.Config, opts transport.Options) *mqtt.Transport {
	t.Helper()
	if cfg.URL == "" {
		cfg.URL = brokerURL
	}
	tr, err := mqtt.New(cfg, opts, b.NewClient)
	require.NoError(t, err)
	return tr
}

func connect(t *testing.T, b *testutil.MQTTBroker, opts transport.Options) *mqtt.Transport {
	t.Helper()
	tr := newTransport(t, b, mqtt.Config{}, opts)
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
	return tr
}

type collector struct {
	mu   sync.Mutex
	seen []string
}

func (c *collector) handle(_ context.Context, pkt *packets.Packet) error {
	c.mu.Lock()
	c.seen = append(c.seen, string(pkt.Payload))
	c.mu.Unlock()
	return nil
}

func (c *collector) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.seen...)
}

func TestConnectOptions(t *testing.T) {
	b := testutil.NewMQTTBroker()
	tr := newTransport(t, b, mqtt.Config{Username: "admin", Password: "secret"}, options("node-1", nil))

	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, transport.StateConnected, tr.State())
	assert.Equal(t, 1, b.Connected())

	opts := b.Options()
	require.NotNil(t, opts)
	assert.Contains(t, opts.ClientID, "node-1-")
	assert.Equal(t, "admin", opts.Username)
	assert.False(t, opts.AutoReconnect)
	assert.True(t, opts.AutoAckDisabled)
	assert.True(t, opts.CleanSession)
	assert.False(t, opts.Order)

	require.NoError(t, tr.Disconnect(context.Background()))
	assert.Equal(t, 0, b.Connected())
}

func TestConnectFailure(t *testing.T) {
	b := testutil.NewMQTTBroker()
	refused := errors.New("connection refused")
	b.SetConnectError(refused)

	tr := newTransport(t, b, mqtt.Config{}, options("node-1", nil))
	assert.ErrorIs(t, tr.Connect(context.Background()), refused)
	assert.Equal(t, transport.StateDisconnected, tr.State())

	b.SetConnectError(nil)
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Disconnect(context.Background()))
}

func TestConnectTimeoutReleasesClient(t *testing.T) {
	b := testutil.NewMQTTBroker()
	b.HoldConnects(true)

	tr := newTransport(t, b, mqtt.Config{ConnectTimeout: 20 * time.Millisecond}, options("node-1", nil))
	assert.ErrorIs(t, tr.Connect(context.Background()), mqtt.ErrTimeout)
	assert.Equal(t, transport.StateDisconnected, tr.State())
	assert.Equal(t, 1, b.Disconnects())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Connect(ctx), context.Canceled)
	assert.Equal(t, 2, b.Disconnects())
	assert.Equal(t, 0, b.Connected())

	b.HoldConnects(false)
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Disconnect(context.Background()))
}

func TestTopicsUseSlashSeparator(t *testing.T) {
	b := testutil.NewMQTTBroker()
	tr := connect(t, b, options("node-1", nil))

	require.NoError(t, tr.Subscribe(context.Background(), packets.Request, "node-1"))
	require.NoError(t, tr.Subscribe(context.Background(), packets.Discover, ""))
	require.NoError(t, tr.SubscribeBalancedRequest(context.Background(), "math.add"))
	require.NoError(t, tr.SubscribeBalancedEvent(context.Background(), "user.created", "mail"))

	assert.Equal(t, []string{
		"MOL/REQ/node-1",
		"MOL/DISCOVER",
		"$share/MOL/MOL/REQB/math.add",
		"$share/MOL/MOL/EVENTB/mail/user.created",
	}, tr.Receivers().Addresses())

	assert.Equal(t, byte(1), b.SubscribedQoS("MOL/REQ/node-1"))
	assert.Equal(t, byte(0), b.SubscribedQoS("MOL/DISCOVER"))
	assert.Equal(t, byte(1), b.SubscribedQoS("$share/MOL/MOL/REQB/math.add"))
}

func TestDirectRequestIsAcked(t *testing.T) {
	b := testutil.NewMQTTBroker()
	var node2 collector
	n1 := connect(t, b, options("node-1", nil))
	n2 := connect(t, b, options("node-2", node2.handle))
	require.NoError(t, n2.Subscribe(context.Background(), packets.Request, "node-2"))

	require.NoError(t, n1.Publish(context.Background(), packets.New(packets.Request, "node-2", []byte("ping"))))

	require.Eventually(t, func() bool { return len(b.Acks()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"ping"}, node2.payloads())
	published := b.Published("MOL/REQ/node-2")
	require.Len(t, published, 1)
	assert.Equal(t, byte(1), published[0].QoS)
	assert.False(t, published[0].Retained)
}

func TestBalancedRequestsSplitAcrossInstances(t *testing.T) {
	b := testutil.NewMQTTBroker()
	var first, second collector
	a := connect(t, b, options("node-a", first.handle))
	c := connect(t, b, options("node-b", second.handle))
	caller := connect(t, b, options("caller", nil))

	require.NoError(t, a.SubscribeBalancedRequest(context.Background(), "math.add"))
	require.NoError(t, c.SubscribeBalancedRequest(context.Background(), "math.add"))
	assert.Equal(t, 2, b.Subscriptions("$share/MOL/MOL/REQB/math.add"))

	const total = 100
	for i := 0; i < total; i++ {
		pkt := packets.New(packets.Request, "", []byte(strconv.Itoa(i))).WithAction("math.add")
		require.NoError(t, caller.PublishBalancedRequest(context.Background(), pkt))
	}

	require.Eventually(t, func() bool { return len(b.Acks()) == total }, waitFor, tick)
	assert.Len(t, first.payloads(), total/2)
	assert.Len(t, second.payloads(), total/2)
	seen := make(map[string]struct{})
	for _, p := range append(first.payloads(), second.payloads()...) {
		seen[p] = struct{}{}
	}
	assert.Len(t, seen, total)
}

func TestBroadcastFanOut(t *testing.T) {
	b := testutil.NewMQTTBroker()
	var first, second collector
	a := connect(t, b, options("node-a", first.handle))
	c := connect(t, b, options("node-b", second.handle))
	emitter := connect(t, b, options("node-c", nil))

	require.NoError(t, a.Subscribe(context.Background(), packets.Event, ""))
	require.NoError(t, c.Subscribe(context.Background(), packets.Event, ""))
	require.NoError(t, emitter.Publish(context.Background(), packets.New(packets.Event, "", []byte("user.created"))))

	assert.Eventually(t, func() bool {
		return len(first.payloads()) == 1 && len(second.payloads()) == 1
	}, waitFor, tick)
	published := b.Published("MOL/EVENT")
	require.Len(t, published, 1)
	assert.Equal(t, byte(0), published[0].QoS)
}

func TestRejectedMessage(t *testing.T) {
	tests := []struct {
		name    string
		requeue bool
		acks    int
	}{
		{name: "acknowledged and dropped", requeue: false, acks: 1},
		{name: "left for redelivery", requeue: true, acks: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testutil.NewMQTTBroker()
			called := make(chan struct{}, 1)
			handler := func(context.Context, *packets.Packet) error {
				called <- struct{}{}
				return errors.New("mailer unavailable")
			}
			tr := newTransport(t, b, mqtt.Config{RequeueOnReject: tt.requeue}, options("node-1", handler))
			require.NoError(t, tr.Connect(context.Background()))
			defer tr.Disconnect(context.Background())
			assert.Equal(t, !tt.requeue, b.Options().CleanSession)

			require.NoError(t, tr.SubscribeBalancedEvent(context.Background(), "user.created", "mail"))
			body, err := codec.JSON{}.Serialize(packets.New(packets.Event, "", []byte("{}")).WithEvent("user.created"))
			require.NoError(t, err)
			b.Publish("MOL/EVENTB/mail/user.created", 1, body)

			select {
			case <-called:
			case <-time.After(waitFor):
				t.Fatal("handler not called")
			}
			tr.Wait()
			assert.Equal(t, 0, tr.Tracker().Len())
			assert.Len(t, b.Acks(), tt.acks)
		})
	}
}

func TestDisconnectUnsubscribes(t *testing.T) {
	b := testutil.NewMQTTBroker()
	release := make(chan struct{})
	defer close(release)

	tr := connect(t, b, options("node-1", func(context.Context, *packets.Packet) error {
		<-release
		return nil
	}))
	caller := connect(t, b, options("caller", nil))
	require.NoError(t, tr.SubscribeBalancedRequest(context.Background(), "math.add"))

	for i := 0; i < 3; i++ {
		pkt := packets.New(packets.Request, "", []byte(strconv.Itoa(i))).WithAction("math.add")
		require.NoError(t, caller.PublishBalancedRequest(context.Background(), pkt))
	}
	require.Eventually(t, func() bool { return tr.Tracker().Len() == 3 }, waitFor, tick)

	require.NoError(t, tr.Disconnect(context.Background()))
	assert.Equal(t, 0, b.Subscriptions("$share/MOL/MOL/REQB/math.add"))
	assert.Equal(t, 0, tr.Tracker().Len())
	// Drained deliveries are acknowledged and dropped.
	assert.Len(t, b.Acks(), 3)
}

func TestConnectionLost(t *testing.T) {
	b := testutil.NewMQTTBroker()
	lost := make(chan error, 1)
	opts := options("node-1", nil)
	opts.OnConnectionLost = func(err error) { lost <- err }

	tr := connect(t, b, opts)
	require.NoError(t, tr.Subscribe(context.Background(), packets.Request, "node-1"))

	b.KillConnections()

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, transport.ErrConnectionLost)
	case <-time.After(waitFor):
		t.Fatal("connection lost hook did not run")
	}
	assert.Equal(t, transport.StateDisconnected, tr.State())
	assert.Equal(t, 0, tr.Receivers().Len())

	require.NoError(t, tr.Publish(context.Background(), packets.New(packets.Request, "node-2", nil)))
	assert.Empty(t, b.Published("MOL/REQ/node-2"))

	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, transport.StateConnected, tr.State())
}

func TestSubscribeFailure(t *testing.T) {
	b := testutil.NewMQTTBroker()
	denied := errors.New("not authorized")
	b.SetSubscribeError("MOL/RES/node-1", denied)

	tr := connect(t, b, options("node-1", nil))
	assert.ErrorIs(t, tr.Subscribe(context.Background(), packets.Response, "node-1"), denied)
	assert.Equal(t, 0, tr.Receivers().Len())
}
