package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playmoney/trade-engine/internal/amm"
	"github.com/playmoney/trade-engine/internal/ledger"
	"github.com/playmoney/trade-engine/internal/lock"
	"github.com/playmoney/trade-engine/internal/market"
	"github.com/playmoney/trade-engine/internal/model"
	"github.com/playmoney/trade-engine/internal/position"
	"github.com/playmoney/trade-engine/internal/reserves"
	"github.com/playmoney/trade-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type env struct {
	st      *store.MemoryStore
	ledger  *ledger.Ledger
	tracker *position.Tracker
	queue   *Queue
	market  *model.Market
	user    *model.Account
}

// newEnv seeds a two-option market and a funded user.
func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	curve, err := amm.NewCurve(amm.DefaultConfig())
	require.NoError(t, err)
	l := ledger.New(st)
	agg := reserves.NewAggregator(st, curve)
	tracker := position.NewTracker(st, 8)
	accounts := market.NewAccounts(st, l)

	m, _, err := market.NewSeeder(st, l, agg, accounts).CreateMarket(ctx, market.Spec{
		Question: "A or B?",
		Options: []market.OptionSpec{
			{Name: "A", Probability: d("0.5")},
			{Name: "B", Probability: d("0.5")},
		},
		Collateral: d("100"),
	})
	require.NoError(t, err)
	user, _, err := accounts.OpenUserAccount(ctx, "alice", d("100"))
	require.NoError(t, err)

	return &env{
		st:      st,
		ledger:  l,
		tracker: tracker,
		queue:   NewQueue(st, lock.NewKeyed(), agg, tracker),
		market:  m,
		user:    user,
	}
}

// commitBuy writes a buy to the ledger without touching projections, as a
// trade whose post-commit updates failed would leave it.
func (e *env) commitBuy(t *testing.T, option, cost, shares string) {
	t.Helper()
	pool := e.market.AmmAccountID
	optID := e.market.Options[0].ID
	if option == "B" {
		optID = e.market.Options[1].ID
	}
	_, err := e.ledger.Commit(context.Background(), ledger.Draft{
		Type:        model.TxTradeBuy,
		InitiatorID: e.user.ID,
		MarketID:    e.market.ID,
		Entries: []model.Entry{
			{AccountID: e.user.ID, AssetID: model.PrimaryAssetID, Amount: d(cost).Neg()},
			{AccountID: pool, AssetID: model.PrimaryAssetID, Amount: d(cost)},
			{AccountID: pool, AssetID: optID, Amount: d(shares).Neg()},
			{AccountID: e.user.ID, AssetID: optID, Amount: d(shares)},
		},
	})
	require.NoError(t, err)
}

func TestQueue_MarkAndPending(t *testing.T) {
	q := NewQueue(store.NewMemoryStore(), lock.NewKeyed(), nil, nil)
	q.Mark("m2")
	time.Sleep(time.Millisecond)
	q.Mark("m1")
	q.Mark("m2")

	assert.Equal(t, []string{"m2", "m1"}, q.Pending())
}

func TestRebuildMarket_RestoresProjections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.commitBuy(t, "A", "10", "19.375")
	e.queue.Mark(e.market.ID)

	// Projections still reflect the seeded pool.
	before, err := e.st.GetAmmState(ctx, e.market.ID)
	require.NoError(t, err)
	assert.True(t, before.Probabilities[e.market.Options[0].ID].Equal(d("0.5")))

	state, err := e.queue.RebuildMarket(ctx, e.market.ID)
	require.NoError(t, err)
	assert.Empty(t, e.queue.Pending())

	optA := e.market.Options[0].ID
	assert.True(t, state.Reserves[optA].Equal(d("-19.375")))
	assert.True(t, state.Collateral.Equal(d("110")))
	assert.True(t, state.Probabilities[optA].GreaterThan(d("0.5")))

	p, err := e.tracker.Get(ctx, e.user.ID, e.market.ID, optA)
	require.NoError(t, err)
	assert.True(t, p.Shares.Equal(d("19.375")), "shares %s", p.Shares)
	assert.True(t, p.CostBasis.Equal(d("10")), "cost %s", p.CostBasis)
	assert.True(t, p.Value.Equal(p.Shares.Mul(state.Probabilities[optA]).Round(8)))
}

func TestRebuildMarket_Idempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.commitBuy(t, "A", "10", "19.375")
	e.commitBuy(t, "B", "5", "9")

	_, err := e.queue.RebuildMarket(ctx, e.market.ID)
	require.NoError(t, err)
	first, err := e.tracker.ListByMarket(ctx, e.market.ID)
	require.NoError(t, err)

	_, err = e.queue.RebuildMarket(ctx, e.market.ID)
	require.NoError(t, err)
	second, err := e.tracker.ListByMarket(ctx, e.market.ID)
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].OptionID, second[i].OptionID)
		assert.True(t, first[i].Shares.Equal(second[i].Shares))
		assert.True(t, first[i].CostBasis.Equal(second[i].CostBasis))
		assert.True(t, first[i].Value.Equal(second[i].Value))
	}
}

func TestRebuildMarket_UnknownMarketStaysQueued(t *testing.T) {
	e := newEnv(t)
	e.queue.Mark("missing")

	assert.Equal(t, 1, e.queue.Drain(context.Background()))
	assert.Equal(t, []string{"missing"}, e.queue.Pending())
}

func TestRun_DrainsOnTick(t *testing.T) {
	e := newEnv(t)
	e.commitBuy(t, "A", "10", "19.375")
	e.queue.Mark(e.market.ID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.queue.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(e.queue.Pending()) == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
