// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp1

import "errors"

var (
	ErrNoSession = errors.New("amqp1: no open session")
	ErrEmptyURL  = errors.New("amqp1: broker URL cannot be empty")
)
