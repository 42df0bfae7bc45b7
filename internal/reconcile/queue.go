// Package reconcile repairs projections that fell behind the ledger. When
// a committed trade fails to update reserves or positions the market is
// marked stale; the queue rebuilds it from the ledger on the next pass.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/playmoney/trade-engine/internal/lock"
	"github.com/playmoney/trade-engine/internal/metrics"
	"github.com/playmoney/trade-engine/internal/model"
	"github.com/playmoney/trade-engine/internal/position"
	"github.com/playmoney/trade-engine/internal/reserves"
	"github.com/playmoney/trade-engine/internal/store"
)

// PoolResolver names a market's pool account. The trade path resolves the
// pool the same way, so a rebuild reads the account trades were booked to.
type PoolResolver interface {
	AmmAccount(ctx context.Context, marketID string) (string, error)
}

// Queue holds the set of stale markets. Marks are in memory; after a
// restart an operator triggers RebuildMarket for markets that need it.
type Queue struct {
	store      store.Store
	locker     lock.Locker
	aggregator *reserves.Aggregator
	tracker    *position.Tracker
	pools      PoolResolver

	mu    sync.Mutex
	stale map[string]time.Time
}

// NewQueue creates a reconcile queue.
func NewQueue(st store.Store, locker lock.Locker, agg *reserves.Aggregator, tracker *position.Tracker) *Queue {
	return &Queue{
		store:      st,
		locker:     locker,
		aggregator: agg,
		tracker:    tracker,
		stale:      make(map[string]time.Time),
	}
}

// WithPools resolves pool accounts through p instead of the market row.
func (q *Queue) WithPools(p PoolResolver) *Queue {
	q.pools = p
	return q
}

// Mark records that a market's projections may lag the ledger.
func (q *Queue) Mark(marketID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.stale[marketID]; !ok {
		q.stale[marketID] = time.Now()
	}
	metrics.StaleMarkets.Set(float64(len(q.stale)))
}

// Pending returns the stale markets, oldest mark first.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.stale))
	for id := range q.stale {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := q.stale[ids[i]], q.stale[ids[j]]
		if ti.Equal(tj) {
			return ids[i] < ids[j]
		}
		return ti.Before(tj)
	})
	return ids
}

func (q *Queue) clear(marketID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.stale, marketID)
	metrics.StaleMarkets.Set(float64(len(q.stale)))
}

// RebuildMarket recomputes the market's reserve snapshot and every position
// from the ledger inside the market's trade section. Running it on a
// healthy market changes nothing.
func (q *Queue) RebuildMarket(ctx context.Context, marketID string) (*model.AmmState, error) {
	unlock, err := q.locker.Lock(ctx, lock.MarketKey(marketID))
	if err != nil {
		return nil, fmt.Errorf("reconcile: lock %s: %w", marketID, err)
	}
	defer unlock()

	m, err := q.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: market %s: %w", marketID, err)
	}
	if q.pools != nil {
		pool, err := q.pools.AmmAccount(ctx, marketID)
		if err != nil {
			return nil, fmt.Errorf("reconcile: pool of %s: %w", marketID, err)
		}
		bound := *m
		bound.AmmAccountID = pool
		m = &bound
	}
	state, err := q.aggregator.Refresh(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("reconcile: reserves of %s: %w", marketID, err)
	}
	positions, err := q.tracker.RebuildMarket(ctx, m, state.Probabilities)
	if err != nil {
		return nil, fmt.Errorf("reconcile: positions of %s: %w", marketID, err)
	}

	q.clear(marketID)
	slog.Info("market reconciled", "market", marketID, "positions", len(positions))
	return state, nil
}

// Drain rebuilds every pending market once and returns how many still
// failed. Failed markets stay queued.
func (q *Queue) Drain(ctx context.Context) int {
	failed := 0
	for _, id := range q.Pending() {
		if ctx.Err() != nil {
			return failed
		}
		if _, err := q.RebuildMarket(ctx, id); err != nil {
			failed++
			slog.Error("reconcile failed", "market", id, "err", err)
		}
	}
	return failed
}

// Run drains the queue every interval until ctx is done.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if len(q.Pending()) > 0 {
				q.Drain(ctx)
			}
		}
	}
}
