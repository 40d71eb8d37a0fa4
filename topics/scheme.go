// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topics maps packet semantics onto broker addresses and derives the
// queue and message options used when those addresses are created.
package topics

import (
	"strings"

	"github.com/absmach/fluxbus/packets"
)

// DefaultPrefix is the address prefix used when no prefix is configured.
const DefaultPrefix = "MOL"

// Address separators.
const (
	DotSeparator   = "."
	SlashSeparator = "/"
)

// Broadcast addressing follows the VirtualTopic convention: every consumer
// reads from its own queue that the broker fans the topic out to.
const (
	virtualTopic    = "VirtualTopic"
	consumerPrefix  = "Consumer"
	topicScheme     = "topic://"
	balancedRequest = "REQB"
	balancedEvent   = "EVENTB"
)

// Family is the addressing mode of an address.
type Family uint8

const (
	// FamilyBroadcast fans a message out to every subscriber.
	FamilyBroadcast Family = iota
	// FamilyDirect delivers to the single receiver of the target node.
	FamilyDirect
	// FamilyBalanced delivers each message to exactly one competing consumer.
	FamilyBalanced
)

func (f Family) String() string {
	switch f {
	case FamilyBroadcast:
		return "broadcast"
	case FamilyDirect:
		return "direct"
	case FamilyBalanced:
		return "balanced"
	default:
		return "unknown"
	}
}

// Address is a resolved broker address.
type Address struct {
	Family Family
	// Name is the queue name for direct and balanced addresses and the topic
	// name for broadcast addresses.
	Name string
}

// Source returns the address a receiver attaches to. Broadcast topics are
// consumed through a per-node queue.
func (a Address) Source(nodeID string) string {
	if a.Family != FamilyBroadcast {
		return a.Name
	}
	return consumerPrefix + DotSeparator + nodeID + DotSeparator + virtualTopic + DotSeparator + a.Name
}

// Target returns the address a sender attaches to.
func (a Address) Target() string {
	if a.Family != FamilyBroadcast {
		return a.Name
	}
	return topicScheme + virtualTopic + DotSeparator + a.Name
}

func (a Address) String() string {
	return a.Family.String() + ":" + a.Name
}

// Scheme builds addresses from a prefix. The zero value is not usable; use
// NewScheme or set both fields.
type Scheme struct {
	Prefix    string
	Separator string
}

// NewScheme returns a dot-separated scheme. The namespace, if any, is appended
// to the prefix so that nodes of different namespaces never share addresses.
func NewScheme(prefix, namespace string) Scheme {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if namespace != "" {
		prefix += "-" + namespace
	}
	return Scheme{Prefix: prefix, Separator: DotSeparator}
}

// WithSeparator returns a copy of s that joins segments with sep.
func (s Scheme) WithSeparator(sep string) Scheme {
	s.Separator = sep
	return s
}

// Topic returns <prefix>.<KIND> or, for a non-empty nodeID, <prefix>.<KIND>.<nodeID>.
func (s Scheme) Topic(kind packets.Kind, nodeID string) string {
	if nodeID == "" {
		return s.join(s.Prefix, kind.String())
	}
	return s.join(s.Prefix, kind.String(), nodeID)
}

// BalancedRequest returns <prefix>.REQB.<action>.
func (s Scheme) BalancedRequest(action string) string {
	return s.join(s.Prefix, balancedRequest, action)
}

// ValidateGroup checks that group can be embedded in a balanced event
// address. A group containing the separator would make two different
// (event, group) pairs resolve to the same queue.
func (s Scheme) ValidateGroup(group string) error {
	if err := ValidateName(group); err != nil {
		return err
	}
	if strings.Contains(group, s.separator()) {
		return ErrInvalidGroup
	}
	return nil
}

// BalancedEvent returns <prefix>.EVENTB.<group>.<event>.
func (s Scheme) BalancedEvent(event, group string) string {
	return s.join(s.Prefix, balancedEvent, group, event)
}

// AddressFor resolves the address of a packet. It is total over the kind
// enum: balanced REQUEST and EVENT packets resolve to their shared queue,
// targeted packets to the node's direct queue, and everything else,
// unknown kinds included, to a broadcast topic.
//
// name is the action (REQUEST) or event (EVENT) name and is only consulted
// for balanced addresses, as is group.
func (s Scheme) AddressFor(kind packets.Kind, target, name, group string, balanced bool) Address {
	if balanced {
		switch kind {
		case packets.Request:
			return Address{Family: FamilyBalanced, Name: s.BalancedRequest(name)}
		case packets.Event:
			return Address{Family: FamilyBalanced, Name: s.BalancedEvent(name, group)}
		}
	}
	if target != "" {
		return Address{Family: FamilyDirect, Name: s.Topic(kind, target)}
	}
	return Address{Family: FamilyBroadcast, Name: s.Topic(kind, "")}
}

func (s Scheme) separator() string {
	if s.Separator == "" {
		return DotSeparator
	}
	return s.Separator
}

func (s Scheme) join(parts ...string) string {
	return strings.Join(parts, s.separator())
}
