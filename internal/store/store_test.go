package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playmoney/trade-engine/internal/model"
)

// runStoreSuite exercises the Store contract. Every subtest uses fresh ids
// so a single database can serve the whole suite.
func runStoreSuite(t *testing.T, s Store) {
	t.Run("Accounts", func(t *testing.T) { testAccounts(t, s) })
	t.Run("HouseAccount", func(t *testing.T) { testHouseAccount(t, s) })
	t.Run("Markets", func(t *testing.T) { testMarkets(t, s) })
	t.Run("AppendTransaction", func(t *testing.T) { testAppendTransaction(t, s) })
	t.Run("BalanceGuard", func(t *testing.T) { testBalanceGuard(t, s) })
	t.Run("TransactionHistory", func(t *testing.T) { testTransactionHistory(t, s) })
	t.Run("Positions", func(t *testing.T) { testPositions(t, s) })
	t.Run("AmmState", func(t *testing.T) { testAmmState(t, s) })
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "want %s, got %s", want, got)
}

func mustAccount(t *testing.T, s Store, kind model.AccountKind) model.Account {
	t.Helper()
	a := model.Account{ID: newID("acct"), Kind: kind, OwnerID: newID("owner"), CreatedAt: now()}
	require.NoError(t, s.CreateAccount(context.Background(), &a))
	return a
}

func mustAsset(t *testing.T, s Store, marketID string) model.Asset {
	t.Helper()
	a := model.Asset{ID: newID("opt"), Kind: model.AssetMarketOption, MarketID: marketID}
	require.NoError(t, s.CreateAsset(context.Background(), &a))
	return a
}

// mustCurrency makes sure the primary currency asset exists. The
// PostgreSQL schema seeds it; the memory store starts empty.
func mustCurrency(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	got, err := s.GetAssets(ctx, []string{model.PrimaryAssetID})
	require.NoError(t, err)
	if _, ok := got[model.PrimaryAssetID]; ok {
		return
	}
	require.NoError(t, s.CreateAsset(ctx, &model.Asset{ID: model.PrimaryAssetID, Kind: model.AssetCurrency}))
}

func transfer(marketID string, from, to, asset string, amount string) *model.Transaction {
	return &model.Transaction{
		ID:          uuid.NewString(),
		Type:        model.TxHouseGift,
		InitiatorID: from,
		MarketID:    marketID,
		Entries: []model.Entry{
			{AccountID: from, AssetID: asset, Amount: d(amount).Neg()},
			{AccountID: to, AssetID: asset, Amount: d(amount)},
		},
		CreatedAt: now(),
	}
}

func testAccounts(t *testing.T, s Store) {
	ctx := context.Background()
	a := mustAccount(t, s, model.AccountUser)

	dup := a
	err := s.CreateAccount(ctx, &dup)
	assert.True(t, errors.Is(err, ErrDuplicate), "got %v", err)

	got, err := s.GetAccounts(ctx, []string{a.ID, "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.Kind, got[a.ID].Kind)
	assert.Equal(t, a.OwnerID, got[a.ID].OwnerID)
	assert.True(t, a.CreatedAt.Equal(got[a.ID].CreatedAt))
}

func testHouseAccount(t *testing.T, s Store) {
	ctx := context.Background()
	house := mustAccount(t, s, model.AccountHouse)

	second := model.Account{ID: newID("house"), Kind: model.AccountHouse, OwnerID: "treasury", CreatedAt: now()}
	err := s.CreateAccount(ctx, &second)
	assert.True(t, errors.Is(err, ErrDuplicate), "got %v", err)

	got, err := s.GetHouseAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, house.ID, got.ID)
}

func testMarkets(t *testing.T, s Store) {
	ctx := context.Background()
	amm := mustAccount(t, s, model.AccountAMM)
	m := &model.Market{
		ID:           newID("mkt"),
		Question:     "Will it rain?",
		Status:       model.MarketActive,
		AmmAccountID: amm.ID,
		Options: []model.Option{
			{ID: newID("yes"), Name: "Yes", Weight: d("0.7")},
			{ID: newID("no"), Name: "No", Weight: d("0.3")},
		},
		CreatedAt: now(),
	}
	require.NoError(t, s.CreateMarket(ctx, m))
	assert.True(t, errors.Is(s.CreateMarket(ctx, m), ErrDuplicate))

	got, err := s.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Question, got.Question)
	assert.Equal(t, m.AmmAccountID, got.AmmAccountID)
	assert.Equal(t, m.OptionIDs(), got.OptionIDs(), "option order is preserved")
	assertDecimal(t, "0.7", got.Options[0].Weight)

	_, err = s.GetMarket(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	if w, ok := s.(StatusWriter); ok {
		require.NoError(t, w.SetMarketStatus(ctx, m.ID, model.MarketHalted))
		got, err = s.GetMarket(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, model.MarketHalted, got.Status)
	}

	all, err := s.ListMarkets(ctx)
	require.NoError(t, err)
	found := false
	for _, x := range all {
		if x.ID == m.ID {
			found = true
			assert.Len(t, x.Options, 2)
		}
	}
	assert.True(t, found)
}

func testAppendTransaction(t *testing.T, s Store) {
	ctx := context.Background()
	mustCurrency(t, s)
	a := mustAccount(t, s, model.AccountUser)
	b := mustAccount(t, s, model.AccountUser)

	tx1 := transfer("", a.ID, b.ID, model.PrimaryAssetID, "10.5")
	require.NoError(t, s.AppendTransaction(ctx, tx1, nil))
	require.NoError(t, s.AppendTransaction(ctx, transfer("", b.ID, a.ID, model.PrimaryAssetID, "3"), nil))

	balA, err := s.GetBalances(ctx, a.ID, []string{model.PrimaryAssetID, "untouched"})
	require.NoError(t, err)
	assertDecimal(t, "-7.5", balA[model.PrimaryAssetID])
	assertDecimal(t, "0", balA["untouched"])

	balB, err := s.GetBalances(ctx, b.ID, []string{model.PrimaryAssetID})
	require.NoError(t, err)
	assertDecimal(t, "7.5", balB[model.PrimaryAssetID])

	err = s.AppendTransaction(ctx, tx1, nil)
	assert.True(t, errors.Is(err, ErrDuplicate), "same id twice: %v", err)
}

func testBalanceGuard(t *testing.T, s Store) {
	ctx := context.Background()
	mustCurrency(t, s)
	house := model.Account{ID: newID("src"), Kind: model.AccountAMM, OwnerID: "pool", CreatedAt: now()}
	require.NoError(t, s.CreateAccount(ctx, &house))
	user := mustAccount(t, s, model.AccountUser)
	other := mustAccount(t, s, model.AccountUser)

	require.NoError(t, s.AppendTransaction(ctx, transfer("", house.ID, user.ID, model.PrimaryAssetID, "5"), nil))

	guard := []model.BalanceGuard{{AccountID: user.ID, AssetID: model.PrimaryAssetID, Min: decimal.Zero}}
	err := s.AppendTransaction(ctx, transfer("", user.ID, other.ID, model.PrimaryAssetID, "5.00000001"), guard)

	var floor *FloorError
	require.True(t, errors.As(err, &floor), "got %v", err)
	assert.True(t, errors.Is(err, ErrBalanceFloor))
	assert.Equal(t, user.ID, floor.Guard.AccountID)
	assertDecimal(t, "-0.00000001", floor.Balance)

	// Nothing was written.
	bal, err := s.GetBalances(ctx, user.ID, []string{model.PrimaryAssetID})
	require.NoError(t, err)
	assertDecimal(t, "5", bal[model.PrimaryAssetID])
	txs, err := s.ListTransactionsByAccount(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)

	// Exactly reaching the floor is allowed.
	require.NoError(t, s.AppendTransaction(ctx, transfer("", user.ID, other.ID, model.PrimaryAssetID, "5"), guard))
	bal, err = s.GetBalances(ctx, user.ID, []string{model.PrimaryAssetID})
	require.NoError(t, err)
	assertDecimal(t, "0", bal[model.PrimaryAssetID])
}

func testTransactionHistory(t *testing.T, s Store) {
	ctx := context.Background()
	mustCurrency(t, s)
	marketID := newID("mkt")
	a := mustAccount(t, s, model.AccountUser)
	b := mustAccount(t, s, model.AccountUser)
	c := mustAccount(t, s, model.AccountUser)
	opt := mustAsset(t, s, marketID)

	first := transfer(marketID, a.ID, b.ID, opt.ID, "1")
	second := transfer("", b.ID, c.ID, model.PrimaryAssetID, "2")
	third := transfer(marketID, c.ID, a.ID, opt.ID, "3")
	for _, tx := range []*model.Transaction{first, second, third} {
		require.NoError(t, s.AppendTransaction(ctx, tx, nil))
	}

	byMarket, err := s.ListTransactionsByMarket(ctx, marketID)
	require.NoError(t, err)
	require.Len(t, byMarket, 2)
	assert.Equal(t, first.ID, byMarket[0].ID)
	assert.Equal(t, third.ID, byMarket[1].ID)
	require.Len(t, byMarket[0].Entries, 2)
	assert.Equal(t, a.ID, byMarket[0].Entries[0].AccountID, "entry order is preserved")
	assertDecimal(t, "-1", byMarket[0].Entries[0].Amount)

	byAccount, err := s.ListTransactionsByAccount(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, byAccount, 2)
	assert.Equal(t, first.ID, byAccount[0].ID)
	assert.Equal(t, second.ID, byAccount[1].ID)
	assert.Empty(t, byAccount[1].MarketID)
}

func testPositions(t *testing.T, s Store) {
	ctx := context.Background()
	accountID, marketID := newID("acct"), newID("mkt")

	_, err := s.GetPosition(ctx, accountID, marketID, "yes")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	ps := []model.Position{
		{AccountID: accountID, MarketID: marketID, OptionID: "yes", Shares: d("10"), CostBasis: d("6"), Value: d("5.5"), Realized: d("0"), UpdatedAt: now()},
		{AccountID: accountID, MarketID: marketID, OptionID: "no", Shares: d("2"), CostBasis: d("1"), Value: d("0.9"), Realized: d("0.1"), UpdatedAt: now()},
	}
	require.NoError(t, s.SavePositions(ctx, ps))
	require.NoError(t, s.SavePositions(ctx, nil))

	got, err := s.GetPosition(ctx, accountID, marketID, "yes")
	require.NoError(t, err)
	assertDecimal(t, "10", got.Shares)
	assertDecimal(t, "6", got.CostBasis)

	ps[0].Shares = d("4")
	require.NoError(t, s.SavePositions(ctx, ps[:1]))
	got, err = s.GetPosition(ctx, accountID, marketID, "yes")
	require.NoError(t, err)
	assertDecimal(t, "4", got.Shares)

	byMarket, err := s.ListPositionsByMarket(ctx, marketID)
	require.NoError(t, err)
	require.Len(t, byMarket, 2)
	assert.Equal(t, "no", byMarket[0].OptionID)

	byAccount, err := s.ListPositionsByAccount(ctx, accountID)
	require.NoError(t, err)
	assert.Len(t, byAccount, 2)
}

func testAmmState(t *testing.T, s Store) {
	ctx := context.Background()
	marketID := newID("mkt")

	_, err := s.GetAmmState(ctx, marketID)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	st := &model.AmmState{
		MarketID:      marketID,
		OptionIDs:     []string{"a", "b"},
		Reserves:      map[string]decimal.Decimal{"a": d("50"), "b": d("50")},
		Collateral:    d("100"),
		Weights:       map[string]decimal.Decimal{"a": d("0"), "b": d("0")},
		Probabilities: map[string]decimal.Decimal{"a": d("0.5"), "b": d("0.5")},
		UpdatedAt:     now(),
	}
	require.NoError(t, s.SaveAmmState(ctx, st))

	got, err := s.GetAmmState(ctx, marketID)
	require.NoError(t, err)
	assert.Equal(t, st.OptionIDs, got.OptionIDs)
	assertDecimal(t, "100", got.Collateral)
	assertDecimal(t, "50", got.Reserves["a"])
	assertDecimal(t, "0.5", got.Probabilities["b"])

	// Returned values are copies.
	got.Reserves["a"] = d("1")
	again, err := s.GetAmmState(ctx, marketID)
	require.NoError(t, err)
	assertDecimal(t, "50", again.Reserves["a"])
}
