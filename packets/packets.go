// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package packets defines the typed envelope exchanged between framework nodes.
// The transport layer treats the payload as opaque bytes; only the kind, the
// optional target node and the balanced routing names are interpreted.
package packets

import "fmt"

// Kind identifies the packet type.
type Kind uint8

// Packet kinds.
const (
	Unknown Kind = iota
	Request
	Response
	Event
	Discover
	Info
	Disconnect
	Heartbeat
	Ping
	Pong
)

// Kinds lists every known packet kind, Unknown included.
var Kinds = []Kind{Unknown, Request, Response, Event, Discover, Info, Disconnect, Heartbeat, Ping, Pong}

// KindNames maps packet kinds to the wire names used in broker addresses.
var KindNames = map[Kind]string{
	Unknown:    "???",
	Request:    "REQ",
	Response:   "RES",
	Event:      "EVENT",
	Discover:   "DISCOVER",
	Info:       "INFO",
	Disconnect: "DISCONNECT",
	Heartbeat:  "HEARTBEAT",
	Ping:       "PING",
	Pong:       "PONG",
}

// String returns the wire name of the kind. Out-of-range kinds share the
// Unknown name.
func (k Kind) String() string {
	if name, ok := KindNames[k]; ok {
		return name
	}
	return KindNames[Unknown]
}

// Valid reports whether k is a known, non-Unknown kind.
func (k Kind) Valid() bool {
	return k > Unknown && k <= Pong
}

// PointToPoint reports whether packets of this kind are addressed to a single node.
func (k Kind) PointToPoint() bool {
	return k == Request || k == Response
}

// ParseKind returns the kind with the given wire name, or Unknown.
func ParseKind(name string) Kind {
	for k, n := range KindNames {
		if n == name {
			return k
		}
	}
	return Unknown
}

// Packet is an immutable envelope carrying control or application payload.
type Packet struct {
	Kind Kind
	// Target is the destination node ID; empty for broadcast packets.
	Target string
	// Action names the invoked action of a REQUEST. Used by balanced addressing.
	Action string
	// Event names the emitted event of an EVENT. Used by balanced addressing.
	Event   string
	Payload []byte
}

// New creates a packet. The payload slice is owned by the packet afterwards.
func New(kind Kind, target string, payload []byte) *Packet {
	return &Packet{
		Kind:    kind,
		Target:  target,
		Payload: payload,
	}
}

// WithAction returns a copy of p carrying the given action name.
func (p *Packet) WithAction(action string) *Packet {
	cp := *p
	cp.Action = action
	return &cp
}

// WithEvent returns a copy of p carrying the given event name.
func (p *Packet) WithEvent(event string) *Packet {
	cp := *p
	cp.Event = event
	return &cp
}

// Broadcast reports whether the packet has no target node.
func (p *Packet) Broadcast() bool {
	return p.Target == ""
}

// Size returns the payload length in bytes.
func (p *Packet) Size() int {
	return len(p.Payload)
}

func (p *Packet) String() string {
	switch {
	case p.Action != "":
		return fmt.Sprintf("%s{target=%q action=%q size=%d}", p.Kind, p.Target, p.Action, len(p.Payload))
	case p.Event != "":
		return fmt.Sprintf("%s{target=%q event=%q size=%d}", p.Kind, p.Target, p.Event, len(p.Payload))
	default:
		return fmt.Sprintf("%s{target=%q size=%d}", p.Kind, p.Target, len(p.Payload))
	}
}
