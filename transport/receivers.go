// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Closer is an open subscription that can be closed.
type Closer interface {
	Close(ctx context.Context) error
}

// CloserFunc adapts a function to Closer.
type CloserFunc func(ctx context.Context) error

// Close calls f.
func (f CloserFunc) Close(ctx context.Context) error { return f(ctx) }

type receiverEntry struct {
	address string
	closer  Closer
}

// Receivers is the insertion-ordered set of open subscriptions of one
// connection.
type Receivers struct {
	mu      sync.Mutex
	entries []receiverEntry
}

// NewReceivers creates an empty receiver set.
func NewReceivers() *Receivers {
	return &Receivers{}
}

// Add registers an open receiver attached to address.
func (r *Receivers) Add(address string, c Closer) {
	r.mu.Lock()
	r.entries = append(r.entries, receiverEntry{address: address, closer: c})
	r.mu.Unlock()
}

// Len returns the number of open receivers.
func (r *Receivers) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Addresses returns the addresses of the open receivers in insertion order.
func (r *Receivers) Addresses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	addrs := make([]string, len(r.entries))
	for i, e := range r.entries {
		addrs[i] = e.address
	}
	return addrs
}

// CloseAll empties the set and closes every receiver in insertion order.
// All receivers are closed even if some fail.
func (r *Receivers) CloseAll(ctx context.Context) error {
	var errs []error
	for _, e := range r.take() {
		if err := e.closer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("receiver %s: %w", e.address, err))
		}
	}
	return errors.Join(errs...)
}

// Reset empties the set without closing anything and returns how many
// receivers it held. Used when the connection is gone and the receivers with it.
func (r *Receivers) Reset() int {
	return len(r.take())
}

func (r *Receivers) take() []receiverEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.entries
	r.entries = nil
	return entries
}
