// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp091

import (
	"strconv"
	"time"

	"github.com/absmach/fluxbus/topics"
	"github.com/absmach/fluxbus/transport"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	exchangePrefix = "VirtualTopic."
	expiresArg     = "x-expires"
)

// declaration is a queue.declare argument set. Dynamic queues have no 0.9.1
// counterpart and are declared non-durable and auto-deleting.
type declaration struct {
	durable    bool
	autoDelete bool
	exclusive  bool
	args       amqp.Table
}

func declarationFor(q topics.QueueOptions) declaration {
	d := declaration{
		durable:    q.Durable && !q.Dynamic,
		autoDelete: q.AutoDelete || q.Dynamic,
		exclusive:  q.Exclusive,
	}
	if len(q.Args) > 0 || q.Expires > 0 {
		d.args = make(amqp.Table, len(q.Args)+1)
		for k, v := range q.Args {
			d.args[k] = v
		}
		if q.Expires > 0 {
			d.args[expiresArg] = q.Expires.Milliseconds()
		}
	}
	return d
}

// exchangeFor returns the fanout exchange of a broadcast topic.
func exchangeFor(addr topics.Address) string {
	return exchangePrefix + addr.Name
}

func newPublishing(out *transport.Outbound) amqp.Publishing {
	p := amqp.Publishing{
		DeliveryMode: amqp.Transient,
		Priority:     out.Message.Priority,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Type:         out.Packet.Kind.String(),
		Body:         out.Body,
	}
	if out.Message.Durable {
		p.DeliveryMode = amqp.Persistent
	}
	if out.Message.TTL > 0 {
		p.Expiration = strconv.FormatInt(out.Message.TTL.Milliseconds(), 10)
	}
	return p
}
