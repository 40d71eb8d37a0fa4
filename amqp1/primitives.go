// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp1

import (
	"context"

	"github.com/Azure/go-amqp"
)

// Dialer opens AMQP 1.0 connections.
type Dialer interface {
	Dial(ctx context.Context, addr string, opts *amqp.ConnOptions) (Conn, error)
}

// Conn is an open AMQP 1.0 connection.
type Conn interface {
	NewSession(ctx context.Context, opts *amqp.SessionOptions) (Session, error)
	Close() error
}

// Session is an AMQP 1.0 session on a connection.
type Session interface {
	NewReceiver(ctx context.Context, source string, opts *amqp.ReceiverOptions) (Receiver, error)
	NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (Sender, error)
	Close(ctx context.Context) error
}

// Receiver is an attached receiving link. *amqp.Receiver implements it.
type Receiver interface {
	Receive(ctx context.Context, opts *amqp.ReceiveOptions) (*amqp.Message, error)
	AcceptMessage(ctx context.Context, msg *amqp.Message) error
	RejectMessage(ctx context.Context, msg *amqp.Message, e *amqp.Error) error
	Close(ctx context.Context) error
}

// Sender is an attached sending link. *amqp.Sender implements it.
type Sender interface {
	Send(ctx context.Context, msg *amqp.Message, opts *amqp.SendOptions) error
	Close(ctx context.Context) error
}
