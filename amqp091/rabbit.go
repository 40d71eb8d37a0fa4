// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp091

import amqp "github.com/rabbitmq/amqp091-go"

var _ Channel = (*amqp.Channel)(nil)

// NewDialer returns a Dialer backed by github.com/rabbitmq/amqp091-go.
func NewDialer() Dialer {
	return rabbitDialer{}
}

type rabbitDialer struct{}

func (rabbitDialer) Dial(url string, cfg amqp.Config) (Connection, error) {
	c, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return rabbitConn{c}, nil
}

type rabbitConn struct {
	*amqp.Connection
}

func (c rabbitConn) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
