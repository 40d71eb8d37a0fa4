// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import "errors"

var (
	ErrEmptyURL = errors.New("mqtt: broker URL cannot be empty")
	ErrNoClient = errors.New("mqtt: no connected client")
	ErrTimeout  = errors.New("mqtt: operation timed out")
)
