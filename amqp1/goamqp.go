// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp1

import (
	"context"

	"github.com/Azure/go-amqp"
)

var (
	_ Receiver = (*amqp.Receiver)(nil)
	_ Sender   = (*amqp.Sender)(nil)
)

// NewDialer returns a Dialer backed by github.com/Azure/go-amqp.
func NewDialer() Dialer {
	return goDialer{}
}

type goDialer struct{}

func (goDialer) Dial(ctx context.Context, addr string, opts *amqp.ConnOptions) (Conn, error) {
	c, err := amqp.Dial(ctx, addr, opts)
	if err != nil {
		return nil, err
	}
	return goConn{c}, nil
}

type goConn struct {
	c *amqp.Conn
}

func (c goConn) NewSession(ctx context.Context, opts *amqp.SessionOptions) (Session, error) {
	s, err := c.c.NewSession(ctx, opts)
	if err != nil {
		return nil, err
	}
	return goSession{s}, nil
}

func (c goConn) Close() error {
	return c.c.Close()
}

type goSession struct {
	s *amqp.Session
}

func (s goSession) NewReceiver(ctx context.Context, source string, opts *amqp.ReceiverOptions) (Receiver, error) {
	r, err := s.s.NewReceiver(ctx, source, opts)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s goSession) NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (Sender, error) {
	snd, err := s.s.NewSender(ctx, target, opts)
	if err != nil {
		return nil, err
	}
	return snd, nil
}

func (s goSession) Close(ctx context.Context) error {
	return s.s.Close(ctx)
}
