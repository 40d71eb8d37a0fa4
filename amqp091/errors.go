// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp091

import "errors"

var (
	ErrNoChannel = errors.New("amqp091: no open channel")
	ErrEmptyURL  = errors.New("amqp091: broker URL cannot be empty")
)
