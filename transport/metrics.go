// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"

	"github.com/absmach/fluxbus/packets"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for a transport.
type Metrics struct {
	meter metric.Meter

	// Counters
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	packetsReceived     metric.Int64Counter
	packetsSent         metric.Int64Counter
	bytesReceived       metric.Int64Counter
	bytesSent           metric.Int64Counter
	settledTotal        metric.Int64Counter
	droppedTotal        metric.Int64Counter
	errorsTotal         metric.Int64Counter

	// UpDownCounters (Gauges)
	inflight metric.Int64UpDownCounter

	// Histograms
	packetSize      metric.Int64Histogram
	handlerDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("fluxbus-transport"),
	}

	var err error

	m.connectionsTotal, err = m.meter.Int64Counter(
		"transport.connections.total",
		metric.WithDescription("Total number of established broker connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsTotal counter: %w", err)
	}

	m.disconnectionsTotal, err = m.meter.Int64Counter(
		"transport.disconnections.total",
		metric.WithDescription("Total number of broker disconnections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create disconnectionsTotal counter: %w", err)
	}

	m.packetsReceived, err = m.meter.Int64Counter(
		"transport.packets.received.total",
		metric.WithDescription("Total packets received from the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create packetsReceived counter: %w", err)
	}

	m.packetsSent, err = m.meter.Int64Counter(
		"transport.packets.sent.total",
		metric.WithDescription("Total packets sent to the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create packetsSent counter: %w", err)
	}

	m.bytesReceived, err = m.meter.Int64Counter(
		"transport.bytes.received.total",
		metric.WithDescription("Total bytes received from the broker"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesReceived counter: %w", err)
	}

	m.bytesSent, err = m.meter.Int64Counter(
		"transport.bytes.sent.total",
		metric.WithDescription("Total bytes sent to the broker"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesSent counter: %w", err)
	}

	m.settledTotal, err = m.meter.Int64Counter(
		"transport.deliveries.settled.total",
		metric.WithDescription("Total deliveries settled at the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create settledTotal counter: %w", err)
	}

	m.droppedTotal, err = m.meter.Int64Counter(
		"transport.deliveries.dropped.total",
		metric.WithDescription("Total deliveries discarded without settlement after a connection loss"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create droppedTotal counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"transport.errors.total",
		metric.WithDescription("Total transport errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.inflight, err = m.meter.Int64UpDownCounter(
		"transport.deliveries.inflight",
		metric.WithDescription("Deliveries awaiting settlement"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inflight counter: %w", err)
	}

	m.packetSize, err = m.meter.Int64Histogram(
		"transport.packet.size",
		metric.WithDescription("Encoded packet size"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create packetSize histogram: %w", err)
	}

	m.handlerDuration, err = m.meter.Float64Histogram(
		"transport.handler.duration",
		metric.WithDescription("Packet handler duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handlerDuration histogram: %w", err)
	}

	return m, nil
}

// RecordConnection records an established connection.
func (m *Metrics) RecordConnection(backend string) {
	if m == nil {
		return
	}
	m.connectionsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("backend", backend),
	))
}

// RecordDisconnection records a disconnection.
func (m *Metrics) RecordDisconnection(backend, reason string) {
	if m == nil {
		return
	}
	m.disconnectionsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("reason", reason),
	))
}

// RecordPacketReceived records a packet received from the broker.
func (m *Metrics) RecordPacketReceived(kind packets.Kind, sizeBytes int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.packetsReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind.String()),
	))
	m.bytesReceived.Add(ctx, sizeBytes)
	m.packetSize.Record(ctx, sizeBytes)
}

// RecordPacketSent records a packet sent to the broker.
func (m *Metrics) RecordPacketSent(kind packets.Kind, balanced bool, sizeBytes int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.packetsSent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind.String()),
		attribute.Bool("balanced", balanced),
	))
	m.bytesSent.Add(ctx, sizeBytes)
}

// RecordTracked records a delivery entering the tracker.
func (m *Metrics) RecordTracked() {
	if m == nil {
		return
	}
	m.inflight.Add(context.Background(), 1)
}

// RecordSettled records a delivery leaving the tracker with outcome.
func (m *Metrics) RecordSettled(outcome Outcome) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.settledTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome.String()),
	))
	m.inflight.Add(ctx, -1)
}

// RecordDropped records n deliveries discarded without settlement.
func (m *Metrics) RecordDropped(n int) {
	if m == nil || n == 0 {
		return
	}
	ctx := context.Background()
	m.droppedTotal.Add(ctx, int64(n))
	m.inflight.Add(ctx, -int64(n))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

// RecordHandlerDuration records how long a handler ran.
func (m *Metrics) RecordHandlerDuration(durationMs float64) {
	if m == nil {
		return
	}
	m.handlerDuration.Record(context.Background(), durationMs)
}
