// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"maps"
	"time"

	"github.com/absmach/fluxbus/packets"
)

// QueueOptions describe how a queue (or link terminus) is created.
type QueueOptions struct {
	Durable    bool
	Dynamic    bool
	AutoDelete bool
	Exclusive  bool
	// Expires removes an unused queue after the given duration. Zero keeps it.
	Expires time.Duration
	// Args are passed to the broker verbatim.
	Args map[string]any
}

// MessageOptions describe per-message properties.
type MessageOptions struct {
	TTL      time.Duration
	Durable  bool
	Priority uint8
}

// QueueOverrides are user supplied values that replace computed queue
// options. Nil fields leave the computed value in place.
type QueueOverrides struct {
	Durable    *bool          `yaml:"durable,omitempty"`
	Dynamic    *bool          `yaml:"dynamic,omitempty"`
	AutoDelete *bool          `yaml:"auto_delete,omitempty"`
	Exclusive  *bool          `yaml:"exclusive,omitempty"`
	Expires    *time.Duration `yaml:"expires,omitempty"`
	Args       map[string]any `yaml:"args,omitempty"`
}

// MessageOverrides are user supplied values that replace computed message
// options. Nil fields leave the computed value in place.
type MessageOverrides struct {
	TTL      *time.Duration `yaml:"ttl,omitempty"`
	Durable  *bool          `yaml:"durable,omitempty"`
	Priority *uint8         `yaml:"priority,omitempty"`
}

// Apply returns o with every set override applied. User values always win.
func (ov QueueOverrides) Apply(o QueueOptions) QueueOptions {
	if ov.Durable != nil {
		o.Durable = *ov.Durable
	}
	if ov.Dynamic != nil {
		o.Dynamic = *ov.Dynamic
	}
	if ov.AutoDelete != nil {
		o.AutoDelete = *ov.AutoDelete
	}
	if ov.Exclusive != nil {
		o.Exclusive = *ov.Exclusive
	}
	if ov.Expires != nil {
		o.Expires = *ov.Expires
	}
	if len(ov.Args) > 0 {
		args := make(map[string]any, len(o.Args)+len(ov.Args))
		maps.Copy(args, o.Args)
		maps.Copy(args, ov.Args)
		o.Args = args
	}
	return o
}

// Apply returns o with every set override applied. User values always win.
func (ov MessageOverrides) Apply(o MessageOptions) MessageOptions {
	if ov.TTL != nil {
		o.TTL = *ov.TTL
	}
	if ov.Durable != nil {
		o.Durable = *ov.Durable
	}
	if ov.Priority != nil {
		o.Priority = *ov.Priority
	}
	return o
}

// Policy derives queue and message options from the packet kind.
type Policy struct {
	// AutoDeleteQueues makes RESPONSE, EVENT and non-balanced REQUEST queues dynamic.
	AutoDeleteQueues bool
	EventTTL         time.Duration
	HeartbeatTTL     time.Duration
	Queue            QueueOverrides
	Message          MessageOverrides
}

// QueueOptionsFor returns the queue options of kind merged with the user overrides.
func (p Policy) QueueOptionsFor(kind packets.Kind, balanced bool) QueueOptions {
	var o QueueOptions
	switch kind {
	// Requests and responses don't expire.
	case packets.Request:
		o = p.durable(p.AutoDeleteQueues && !balanced)
	case packets.Response, packets.Event:
		o = p.durable(p.AutoDeleteQueues)
	case packets.Heartbeat:
		o = QueueOptions{AutoDelete: true}
	default:
		// Discover, Info, Disconnect, Ping, Pong and unknown kinds.
		o = QueueOptions{Dynamic: true}
	}
	return p.Queue.Apply(o)
}

// MessageOptionsFor returns the message options of kind merged with the user overrides.
func (p Policy) MessageOptionsFor(kind packets.Kind, balanced bool) MessageOptions {
	var o MessageOptions
	switch kind {
	case packets.Request, packets.Response:
		o.Durable = true
	case packets.Event:
		o.Durable = balanced
		o.TTL = p.EventTTL
	case packets.Heartbeat:
		o.TTL = p.HeartbeatTTL
	}
	return p.Message.Apply(o)
}

// Tracked reports whether deliveries of kind on the given family require
// application acknowledgement.
func Tracked(kind packets.Kind, family Family) bool {
	switch family {
	case FamilyBalanced:
		return kind == packets.Request || kind == packets.Event
	case FamilyDirect:
		return kind == packets.Request
	default:
		return false
	}
}

func (p Policy) durable(dynamic bool) QueueOptions {
	if dynamic {
		return QueueOptions{Dynamic: true, AutoDelete: true}
	}
	return QueueOptions{Durable: true}
}
