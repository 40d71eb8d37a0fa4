// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import "errors"

// Transport errors.
var (
	// Configuration errors.
	ErrEmptyNodeID   = errors.New("node ID cannot be empty")
	ErrNilHandler    = errors.New("packet handler cannot be nil")
	ErrNilSerializer = errors.New("serializer cannot be nil")
	ErrInvalidPrefix = errors.New("invalid address prefix")

	// Connection errors.
	ErrAlreadyConnected = errors.New("transport already connected")
	ErrConnectionLost   = errors.New("connection lost")
	ErrConnectedHook    = errors.New("connected hook failed")

	// Operation errors.
	ErrNilPacket     = errors.New("packet cannot be nil")
	ErrMissingAction = errors.New("balanced request requires an action name")
	ErrMissingEvent  = errors.New("balanced event requires an event name")
	ErrMissingGroup  = errors.New("balanced event requires a group name")
	ErrBalancedKind  = errors.New("packet kind cannot be balanced")
	ErrHandlerPanic  = errors.New("packet handler panicked")
)
