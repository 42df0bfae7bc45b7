// Package lock provides per-key exclusive sections. The trade path holds
// one per market from snapshot to reserve refresh so quotes never price
// against reserves another trade is about to change.
package lock

import (
	"context"
	"sync"
)

// Locker acquires an exclusive section for key. The returned unlock func
// releases it and is safe to call more than once. Lock gives up with the
// context's error if ctx is done first.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// MarketKey is the key of a market's trade section.
func MarketKey(marketID string) string {
	return "market:" + marketID
}

// Keyed is an in-process Locker. Different keys never contend.
type Keyed struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewKeyed creates an in-process keyed lock.
func NewKeyed() *Keyed {
	return &Keyed{slots: make(map[string]*slot)}
}

func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			k.release(key, s)
		})
	}, nil
}

// release drops a reference and forgets the slot once nobody holds or waits.
func (k *Keyed) release(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

// held reports how many keys have holders or waiters.
func (k *Keyed) held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}
