package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playmoney/trade-engine/internal/model"
)

// pausingStore holds the first GetPosition/GetAmmState call after it has
// read the primary until resume is closed.
type pausingStore struct {
	Store
	read   chan struct{}
	resume chan struct{}
	paused bool
}

func (s *pausingStore) pause() {
	if s.paused {
		return
	}
	s.paused = true
	close(s.read)
	<-s.resume
}

func (s *pausingStore) GetPosition(ctx context.Context, accountID, marketID, optionID string) (*model.Position, error) {
	p, err := s.Store.GetPosition(ctx, accountID, marketID, optionID)
	s.pause()
	return p, err
}

func (s *pausingStore) GetAmmState(ctx context.Context, marketID string) (*model.AmmState, error) {
	st, err := s.Store.GetAmmState(ctx, marketID)
	s.pause()
	return st, err
}

func newPausingStore() *pausingStore {
	return &pausingStore{Store: NewMemoryStore(), read: make(chan struct{}), resume: make(chan struct{})}
}

func TestCachedStore_SlowMissDoesNotOverwriteNewerWrite(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	rdb, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()

	t.Run("Position", func(t *testing.T) {
		primary := newPausingStore()
		cs := NewCachedStore(primary, rdb, time.Minute)
		account, market := newID("acct"), newID("mkt")

		require.NoError(t, primary.Store.SavePositions(ctx, []model.Position{
			{AccountID: account, MarketID: market, OptionID: "yes", Shares: d("10"), CostBasis: d("6")},
		}))

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, err := cs.GetPosition(ctx, account, market, "yes")
			assert.NoError(t, err)
		}()

		<-primary.read // reader holds the 10-share row
		require.NoError(t, cs.SavePositions(ctx, []model.Position{
			{AccountID: account, MarketID: market, OptionID: "yes", Shares: d("15"), CostBasis: d("9")},
		}))
		close(primary.resume)
		<-done

		got, err := cs.GetPosition(ctx, account, market, "yes")
		require.NoError(t, err)
		assertDecimal(t, "15", got.Shares)
		assertDecimal(t, "9", got.CostBasis)
	})

	t.Run("AmmState", func(t *testing.T) {
		primary := newPausingStore()
		cs := NewCachedStore(primary, rdb, time.Minute)
		market := newID("mkt")

		state := func(collateral string) *model.AmmState {
			return &model.AmmState{
				MarketID:   market,
				OptionIDs:  []string{"yes", "no"},
				Reserves:   map[string]decimal.Decimal{"yes": d("50"), "no": d("50")},
				Collateral: d(collateral),
				UpdatedAt:  now(),
			}
		}
		require.NoError(t, primary.Store.SaveAmmState(ctx, state("100")))

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, err := cs.GetAmmState(ctx, market)
			assert.NoError(t, err)
		}()

		<-primary.read
		require.NoError(t, cs.SaveAmmState(ctx, state("110")))
		close(primary.resume)
		<-done

		got, err := cs.GetAmmState(ctx, market)
		require.NoError(t, err)
		assertDecimal(t, "110", got.Collateral)
	})
}

func TestCachedStore_PrimaryUnwrapsCache(t *testing.T) {
	mem := NewMemoryStore()
	cs := NewCachedStore(mem, nil, time.Minute)
	assert.Same(t, mem, Authoritative(cs))
	assert.Same(t, mem, Authoritative(mem))
}
