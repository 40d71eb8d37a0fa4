// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"
	"math"

	"github.com/absmach/fluxbus/packets"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the packet message:
//
//	message Packet {
//	  uint32 kind    = 1;
//	  string target  = 2;
//	  string action  = 3;
//	  string event   = 4;
//	  bytes  payload = 5;
//	}
const (
	fieldKind    protowire.Number = 1
	fieldTarget  protowire.Number = 2
	fieldAction  protowire.Number = 3
	fieldEvent   protowire.Number = 4
	fieldPayload protowire.Number = 5
)

// Proto encodes packets in protobuf wire format.
type Proto struct{}

var _ Serializer = Proto{}

func (Proto) Name() string { return NameProto }

func (Proto) Serialize(pkt *packets.Packet) ([]byte, error) {
	if pkt == nil {
		return nil, ErrNilPacket
	}

	b := make([]byte, 0, 16+len(pkt.Target)+len(pkt.Action)+len(pkt.Event)+len(pkt.Payload))
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(pkt.Kind))
	b = appendString(b, fieldTarget, pkt.Target)
	b = appendString(b, fieldAction, pkt.Action)
	b = appendString(b, fieldEvent, pkt.Event)
	if len(pkt.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, pkt.Payload)
	}
	return b, nil
}

func (Proto) Deserialize(data []byte) (*packets.Packet, error) {
	if len(data) == 0 {
		return nil, ErrEmptyBody
	}

	pkt := &packets.Packet{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("failed to decode packet: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("failed to decode kind: %w", protowire.ParseError(n))
			}
			pkt.Kind = packets.Unknown
			if v <= math.MaxUint8 && packets.Kind(v).Valid() {
				pkt.Kind = packets.Kind(v)
			}
			data = data[n:]
		case typ == protowire.BytesType && num >= fieldTarget && num <= fieldPayload:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("failed to decode field %d: %w", num, protowire.ParseError(n))
			}
			switch num {
			case fieldTarget:
				pkt.Target = string(v)
			case fieldAction:
				pkt.Action = string(v)
			case fieldEvent:
				pkt.Event = string(v)
			case fieldPayload:
				pkt.Payload = append([]byte(nil), v...)
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("failed to skip field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return pkt, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
