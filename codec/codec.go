// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the packet serializers used by the transports.
package codec

import (
	"errors"
	"fmt"

	"github.com/absmach/fluxbus/packets"
)

// Serializer names.
const (
	NameJSON  = "json"
	NameProto = "proto"
)

// Codec errors.
var (
	ErrUnknownSerializer  = errors.New("unknown serializer")
	ErrUnknownCompression = errors.New("unknown compression")
	ErrNilPacket          = errors.New("packet cannot be nil")
	ErrEmptyBody          = errors.New("message body is empty")
)

// Serializer converts packets to and from their wire representation.
type Serializer interface {
	Serialize(pkt *packets.Packet) ([]byte, error)
	Deserialize(data []byte) (*packets.Packet, error)
	Name() string
}

// New returns the serializer registered under name, wrapped with the given
// compression ("" or "none" disables compression).
func New(name, compression string) (Serializer, error) {
	var s Serializer
	switch name {
	case "", NameJSON:
		s = JSON{}
	case NameProto:
		s = Proto{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSerializer, name)
	}
	return Compressed(s, compression)
}
