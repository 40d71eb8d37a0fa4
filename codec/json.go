// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/json"
	"fmt"

	"github.com/absmach/fluxbus/internal/bufpool"
	"github.com/absmach/fluxbus/packets"
)

// JSON encodes packets as a JSON envelope. The payload is carried base64 encoded.
type JSON struct{}

var _ Serializer = JSON{}

type envelope struct {
	Kind    string `json:"kind"`
	Target  string `json:"target,omitempty"`
	Action  string `json:"action,omitempty"`
	Event   string `json:"event,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

func (JSON) Name() string { return NameJSON }

func (JSON) Serialize(pkt *packets.Packet) ([]byte, error) {
	if pkt == nil {
		return nil, ErrNilPacket
	}

	buf := bufpool.Get()
	err := json.NewEncoder(buf).Encode(envelope{
		Kind:    pkt.Kind.String(),
		Target:  pkt.Target,
		Action:  pkt.Action,
		Event:   pkt.Event,
		Payload: pkt.Payload,
	})
	if err != nil {
		bufpool.Put(buf)
		return nil, fmt.Errorf("failed to encode packet: %w", err)
	}
	// Drop the trailing newline written by Encoder.
	buf.Truncate(buf.Len() - 1)
	return bufpool.Detach(buf), nil
}

func (JSON) Deserialize(data []byte) (*packets.Packet, error) {
	if len(data) == 0 {
		return nil, ErrEmptyBody
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode packet: %w", err)
	}

	return &packets.Packet{
		Kind:    packets.ParseKind(env.Kind),
		Target:  env.Target,
		Action:  env.Action,
		Event:   env.Event,
		Payload: env.Payload,
	}, nil
}
