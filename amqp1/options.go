// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp1

import (
	"time"

	"github.com/Azure/go-amqp"
	"github.com/absmach/fluxbus/topics"
	"github.com/absmach/fluxbus/transport"
	"github.com/google/uuid"
)

// AMQP default message priority.
const defaultPriority = 4

// terminus maps queue options onto AMQP 1.0 terminus durability and expiry.
// Durable queues survive the link; dynamic and auto-deleting ones go away
// when the link detaches.
type terminus struct {
	durability amqp.Durability
	expiry     amqp.ExpiryPolicy
	timeout    uint32
}

func terminusFor(q topics.QueueOptions) terminus {
	if q.Durable && !q.Dynamic && !q.AutoDelete {
		return terminus{durability: amqp.DurabilityConfiguration, expiry: amqp.ExpiryPolicyNever}
	}
	return terminus{
		durability: amqp.DurabilityNone,
		expiry:     amqp.ExpiryPolicyLinkDetach,
		timeout:    uint32(q.Expires / time.Second),
	}
}

func receiverOptions(route transport.Route, credit int32) *amqp.ReceiverOptions {
	t := terminusFor(route.Queue)
	return &amqp.ReceiverOptions{
		Credit:        credit,
		Durability:    t.durability,
		ExpiryPolicy:  t.expiry,
		ExpiryTimeout: t.timeout,
		Properties:    route.Queue.Args,
	}
}

func senderOptions(q topics.QueueOptions) *amqp.SenderOptions {
	t := terminusFor(q)
	return &amqp.SenderOptions{
		TargetDurability:    t.durability,
		TargetExpiryPolicy:  t.expiry,
		TargetExpiryTimeout: t.timeout,
	}
}

func newMessage(out *transport.Outbound) *amqp.Message {
	priority := out.Message.Priority
	if priority == 0 {
		priority = defaultPriority
	}

	msg := amqp.NewMessage(out.Body)
	msg.Header = &amqp.MessageHeader{
		Durable:  out.Message.Durable,
		Priority: priority,
		TTL:      out.Message.TTL,
	}
	msg.Properties = &amqp.MessageProperties{
		MessageID: uuid.NewString(),
	}
	msg.ApplicationProperties = map[string]any{
		"kind": out.Packet.Kind.String(),
	}
	return msg
}
