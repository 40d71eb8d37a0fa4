// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Outcome is the settlement applied to a tracked delivery.
type Outcome uint8

const (
	// Accept positively acknowledges the delivery.
	Accept Outcome = iota
	// Reject negatively acknowledges the delivery so the broker can redeliver
	// or dead-letter it.
	Reject
)

func (o Outcome) String() string {
	if o == Accept {
		return "accept"
	}
	return "reject"
}

// SettleResult reports what Settle did with a delivery.
type SettleResult uint8

const (
	// Settled means the broker primitive was invoked.
	Settled SettleResult = iota
	// Dropped means the entry existed but belonged to a connection that is no
	// longer live, so its handle was discarded without settling.
	Dropped
	// Missing means no entry exists, e.g. it was already drained.
	Missing
)

// ErrDrained is the rejection cause given to deliveries drained at disconnect.
var ErrDrained = errors.New("delivery drained at disconnect")

// Settler settles one inbound delivery at the broker.
type Settler interface {
	Accept(ctx context.Context) error
	Reject(ctx context.Context, cause error) error
}

// pendingDelivery is an inbound delivery awaiting application acknowledgement.
type pendingDelivery struct {
	id      uuid.UUID
	seq     uint64
	settler Settler
	epoch   uint64
	created time.Time
}

// DrainStats summarizes a forced drain.
type DrainStats struct {
	Rejected int
	Failed   int
	Err      error
}

// Tracker holds in-flight deliveries keyed by locally generated IDs, so that
// they can be settled even when the broker connection is gone. Entries are
// removed before the settlement primitive runs, so every delivery is settled
// at most once.
type Tracker struct {
	mu      sync.Mutex
	pending map[uuid.UUID]*pendingDelivery
	seq     uint64
	live    atomic.Uint64
}

// NewTracker creates an empty tracker with no live epoch.
func NewTracker() *Tracker {
	return &Tracker{
		pending: make(map[uuid.UUID]*pendingDelivery),
	}
}

// SetLive marks epoch as the live connection. Zero means no live connection.
func (t *Tracker) SetLive(epoch uint64) {
	t.live.Store(epoch)
}

// Track records a delivery received on the given connection epoch.
func (t *Tracker) Track(s Settler, epoch uint64) uuid.UUID {
	id := uuid.New()

	t.mu.Lock()
	t.seq++
	t.pending[id] = &pendingDelivery{
		id:      id,
		seq:     t.seq,
		settler: s,
		epoch:   epoch,
		created: time.Now(),
	}
	t.mu.Unlock()

	return id
}

// Settle removes the delivery and applies outcome if its connection is
// still live. cause is passed to Reject.
func (t *Tracker) Settle(ctx context.Context, id uuid.UUID, outcome Outcome, cause error) (SettleResult, error) {
	p := t.take(id)
	if p == nil {
		return Missing, nil
	}
	if live := t.live.Load(); live == 0 || live != p.epoch {
		return Dropped, nil
	}

	var err error
	switch outcome {
	case Accept:
		err = p.settler.Accept(ctx)
	default:
		err = p.settler.Reject(ctx, cause)
	}
	if err != nil {
		return Settled, fmt.Errorf("failed to %s delivery %s: %w", outcome, id, err)
	}
	return Settled, nil
}

// DrainAndRejectAll rejects and removes every tracked delivery, oldest first.
func (t *Tracker) DrainAndRejectAll(ctx context.Context) DrainStats {
	var stats DrainStats
	var errs []error
	for _, p := range t.takeAll() {
		if err := p.settler.Reject(ctx, ErrDrained); err != nil {
			stats.Failed++
			errs = append(errs, fmt.Errorf("delivery %s: %w", p.id, err))
			continue
		}
		stats.Rejected++
	}
	stats.Err = errors.Join(errs...)
	return stats
}

// Drop removes every tracked delivery without settling it and returns how
// many were removed. Used when the connection is lost and handles are invalid.
func (t *Tracker) Drop() int {
	return len(t.takeAll())
}

// Len returns the number of tracked deliveries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Has reports whether id is tracked.
func (t *Tracker) Has(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// Oldest returns the age of the oldest tracked delivery.
func (t *Tracker) Oldest() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	var oldest time.Time
	for _, p := range t.pending {
		if oldest.IsZero() || p.created.Before(oldest) {
			oldest = p.created
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}

func (t *Tracker) take(id uuid.UUID) *pendingDelivery {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return p
}

func (t *Tracker) takeAll() []*pendingDelivery {
	t.mu.Lock()
	all := make([]*pendingDelivery, 0, len(t.pending))
	for _, p := range t.pending {
		all = append(all, p)
	}
	t.pending = make(map[uuid.UUID]*pendingDelivery)
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	return all
}
