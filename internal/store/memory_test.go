package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playmoney/trade-engine/internal/model"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestMemoryStore_ConcurrentGuardedAppends(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	mustCurrency(t, s)
	src := mustAccount(t, s, model.AccountHouse)
	user := mustAccount(t, s, model.AccountUser)
	sink := mustAccount(t, s, model.AccountUser)

	require.NoError(t, s.AppendTransaction(ctx, transfer("", src.ID, user.ID, model.PrimaryAssetID, "10"), nil))

	// 20 concurrent withdrawals of 1 against a balance of 10: exactly 10 win.
	guard := []model.BalanceGuard{{AccountID: user.ID, AssetID: model.PrimaryAssetID}}
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.AppendTransaction(ctx, transfer("", user.ID, sink.ID, model.PrimaryAssetID, "1"), guard) == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	bal, err := s.GetBalances(ctx, user.ID, []string{model.PrimaryAssetID})
	require.NoError(t, err)
	assertDecimal(t, "0", bal[model.PrimaryAssetID])
}

func TestMemoryStore_TransactionsAreCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tx := transfer("m1", "a", "b", "opt", "1")
	require.NoError(t, s.AppendTransaction(ctx, tx, nil))

	tx.Entries[0].Amount = d("100")
	got, err := s.ListTransactionsByMarket(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assertDecimal(t, "-1", got[0].Entries[0].Amount)
}
