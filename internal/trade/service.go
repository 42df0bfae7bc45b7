// Package trade executes buys and sells against a market's pool and serves
// the read-only views built from the ledger.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/playmoney/trade-engine/internal/amm"
	"github.com/playmoney/trade-engine/internal/ledger"
	"github.com/playmoney/trade-engine/internal/limits"
	"github.com/playmoney/trade-engine/internal/lock"
	"github.com/playmoney/trade-engine/internal/metrics"
	"github.com/playmoney/trade-engine/internal/model"
	"github.com/playmoney/trade-engine/internal/position"
	"github.com/playmoney/trade-engine/internal/reserves"
	"github.com/playmoney/trade-engine/internal/store"
)

var (
	// ErrValidation is wrapped by every rejection caused by the order
	// itself: bad amounts, unknown ids, funds, limits and bounds.
	ErrValidation = errors.New("trade: invalid order")

	// ErrMarketNotTradable is returned when the market is not active.
	ErrMarketNotTradable = errors.New("trade: market is not tradable")

	// ErrProjectionUpdate is wrapped by ProjectionError.
	ErrProjectionUpdate = errors.New("trade: projection update failed")
)

// Projection stages reported by ProjectionError.
const (
	StageApplyPosition   = "apply_position"
	StageRefreshReserves = "refresh_reserves"
	StageRevalue         = "revalue"
)

// ProjectionError reports a committed trade whose reserve or position
// projections could not be updated. The ledger transaction stands; the
// market is queued for reconciliation.
type ProjectionError struct {
	TransactionID string
	MarketID      string
	Stage         string
	Err           error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("trade: transaction %s committed but %s failed for market %s: %v",
		e.TransactionID, e.Stage, e.MarketID, e.Err)
}

func (e *ProjectionError) Unwrap() []error { return []error{ErrProjectionUpdate, e.Err} }

// MarketCatalog looks up market definitions.
type MarketCatalog interface {
	Market(ctx context.Context, marketID string) (*model.Market, error)
	ListMarkets(ctx context.Context, status model.MarketStatus) ([]model.Market, error)
}

// StatusProvider reports a market's lifecycle status.
type StatusProvider interface {
	MarketStatus(ctx context.Context, marketID string) (model.MarketStatus, error)
}

// AccountProvider resolves a market's pool account.
type AccountProvider interface {
	AmmAccount(ctx context.Context, marketID string) (string, error)
}

// StaleMarker queues a market whose projections lag the ledger.
type StaleMarker interface {
	Mark(marketID string)
}

// Order is a request to trade. For a buy Amount is the currency to spend;
// for a sell it is the number of shares to sell.
type Order struct {
	InitiatorID string          `json:"initiator_id,omitempty"` // defaults to AccountID
	AccountID   string          `json:"account_id"`
	MarketID    string          `json:"market_id"`
	OptionID    string          `json:"option_id"`
	Amount      decimal.Decimal `json:"amount"`
}

// Result is a committed trade with the state it produced.
type Result struct {
	Transaction *model.Transaction `json:"transaction"`
	Quote       model.Quote        `json:"quote"`
	Position    *model.Position    `json:"position,omitempty"`
	State       *model.AmmState    `json:"state,omitempty"`
}

// Options wires a Service. Limiter, Stale and Hub are optional.
type Options struct {
	Store      store.Store
	Ledger     *ledger.Ledger
	Curve      *amm.Curve
	Aggregator *reserves.Aggregator
	Tracker    *position.Tracker
	Locker     lock.Locker
	Limiter    *limits.Limiter
	Markets    MarketCatalog
	Status     StatusProvider
	Accounts   AccountProvider
	Stale      StaleMarker
	Hub        *WSHub
}

// Service orchestrates trades. Trades on one market are serialised by the
// locker from snapshot to reserve refresh; different markets run in
// parallel.
type Service struct {
	store      store.Store
	ledger     *ledger.Ledger
	curve      *amm.Curve
	aggregator *reserves.Aggregator
	tracker    *position.Tracker
	locker     lock.Locker
	limiter    *limits.Limiter
	markets    MarketCatalog
	status     StatusProvider
	accounts   AccountProvider
	stale      StaleMarker
	wsHub      *WSHub
}

// NewService creates a trade service.
func NewService(opts Options) *Service {
	return &Service{
		store:      opts.Store,
		ledger:     opts.Ledger,
		curve:      opts.Curve,
		aggregator: opts.Aggregator,
		tracker:    opts.Tracker,
		locker:     opts.Locker,
		limiter:    opts.Limiter,
		markets:    opts.Markets,
		status:     opts.Status,
		accounts:   opts.Accounts,
		stale:      opts.Stale,
		wsHub:      opts.Hub,
	}
}

// ExecuteBuy spends o.Amount currency on o.OptionID. When the probability
// bound caps the fill, less is spent and the quote is marked partial.
func (s *Service) ExecuteBuy(ctx context.Context, o Order) (*Result, error) {
	return s.execute(ctx, o, true)
}

// ExecuteSell sells o.Amount shares of o.OptionID back to the pool.
func (s *Service) ExecuteSell(ctx context.Context, o Order) (*Result, error) {
	return s.execute(ctx, o, false)
}

// execute runs the trade pipeline. Every step before commit aborts without
// side effects; after commit the transaction is returned even when a
// projection fails.
func (s *Service) execute(ctx context.Context, o Order, isBuy bool) (res *Result, err error) {
	start := time.Now()
	side := sideLabel(isBuy)
	defer func() {
		if err != nil && res == nil {
			metrics.TradeRejections.WithLabelValues(rejectReason(err)).Inc()
		}
	}()

	m, err := s.validate(ctx, &o)
	if err != nil {
		return nil, err
	}
	if err := s.checkTradable(ctx, m.ID); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, lock.MarketKey(m.ID))
	if err != nil {
		return nil, fmt.Errorf("trade: acquire market %s: %w", m.ID, err)
	}
	defer unlock()

	// Status may have changed while queued behind another trade.
	if err := s.checkTradable(ctx, m.ID); err != nil {
		return nil, err
	}

	pool, err := s.accounts.AmmAccount(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("trade: pool of %s: %w", m.ID, err)
	}
	// Snapshot, entries and refresh all use the resolved pool.
	m = withPool(m, pool)
	state, err := s.aggregator.Snapshot(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("trade: snapshot: %w", err)
	}

	if !isBuy {
		if err := s.tracker.CheckHoldings(ctx, o.AccountID, m.ID, o.OptionID, o.Amount); err != nil {
			return nil, err
		}
	}

	q, err := s.quote(state, o, isBuy)
	if err != nil {
		return nil, err
	}

	if isBuy {
		if err := s.checkLimits(ctx, o, q); err != nil {
			return nil, err
		}
	}

	draft := buildEntries(pool, o, q)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := s.ledger.Commit(ctx, draft)
	if err != nil {
		return nil, s.commitError(o, err)
	}

	// Committed. Projections finish even if the caller has gone away.
	res = &Result{Transaction: tx, Quote: q}
	perr := s.project(context.WithoutCancel(ctx), m, o, q, res)
	if perr != nil {
		s.projectionFailed(perr)
	}
	s.publish(m.ID, side, tx, q)

	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	metrics.MarketVolume.WithLabelValues(m.ID, side).Add(q.Cost.InexactFloat64())

	slog.Info("trade executed",
		"tx", tx.ID,
		"account", o.AccountID,
		"market", m.ID,
		"option", o.OptionID,
		"side", side,
		"cost", q.Cost.String(),
		"shares", q.Shares.String(),
		"probability", q.Probability.String(),
		"partial", q.Partial,
	)
	return res, perr
}

// validate checks the order's shape and resolves the market. The account
// must be a user account.
func (s *Service) validate(ctx context.Context, o *Order) (*model.Market, error) {
	switch {
	case o.AccountID == "":
		return nil, fmt.Errorf("%w: account_id is required", ErrValidation)
	case o.MarketID == "":
		return nil, fmt.Errorf("%w: market_id is required", ErrValidation)
	case o.OptionID == "":
		return nil, fmt.Errorf("%w: option_id is required", ErrValidation)
	case !o.Amount.IsPositive():
		return nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if o.InitiatorID == "" {
		o.InitiatorID = o.AccountID
	}

	m, err := s.market(ctx, o.MarketID)
	if err != nil {
		return nil, err
	}
	if _, ok := m.Option(o.OptionID); !ok {
		return nil, fmt.Errorf("%w: option %s is not in market %s: %w",
			ErrValidation, o.OptionID, m.ID, store.ErrNotFound)
	}

	accounts, err := s.store.GetAccounts(ctx, []string{o.AccountID})
	if err != nil {
		return nil, fmt.Errorf("trade: load account: %w", err)
	}
	acct, ok := accounts[o.AccountID]
	if !ok {
		return nil, fmt.Errorf("%w: account %s: %w", ErrValidation, o.AccountID, store.ErrNotFound)
	}
	if acct.Kind != model.AccountUser {
		return nil, fmt.Errorf("%w: account %s is not a user account", ErrValidation, o.AccountID)
	}
	return m, nil
}

func (s *Service) market(ctx context.Context, marketID string) (*model.Market, error) {
	m, err := s.markets.Market(ctx, marketID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: market %s: %w", ErrValidation, marketID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("trade: load market %s: %w", marketID, err)
	}
	return m, nil
}

func (s *Service) checkTradable(ctx context.Context, marketID string) error {
	status, err := s.status.MarketStatus(ctx, marketID)
	if err != nil {
		return fmt.Errorf("trade: status of %s: %w", marketID, err)
	}
	if status != model.MarketActive {
		return fmt.Errorf("%w: market %s is %s", ErrMarketNotTradable, marketID, status)
	}
	return nil
}

func (s *Service) quote(state model.AmmState, o Order, isBuy bool) (model.Quote, error) {
	q, err := s.curve.Quote(state, o.OptionID, o.Amount, isBuy)
	switch {
	case err == nil:
		return q, nil
	case errors.Is(err, amm.ErrNoConvergence):
		return model.Quote{}, fmt.Errorf("trade: quote %s: %w", o.OptionID, err)
	case errors.Is(err, amm.ErrInvalidPool):
		return model.Quote{}, fmt.Errorf("trade: market %s pool: %w", o.MarketID, err)
	default:
		return model.Quote{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
}

// checkLimits runs after the quote because the shares a buy adds are only
// known once it is priced.
func (s *Service) checkLimits(ctx context.Context, o Order, q model.Quote) error {
	if !s.limiter.Enabled() {
		return nil
	}
	held, err := s.tracker.ListByAccount(ctx, o.AccountID)
	if err != nil {
		return fmt.Errorf("trade: load positions: %w", err)
	}
	var existing []model.Position
	for _, p := range held {
		if p.MarketID == o.MarketID {
			existing = append(existing, p)
		}
	}
	if err := s.limiter.CheckLimit(o.OptionID, q.Shares, q.Cost, existing); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

// buildEntries turns a quote into balanced ledger entries. A buy moves
// currency from trader to pool and shares from pool to trader; a sell is
// the mirror image.
func buildEntries(pool string, o Order, q model.Quote) ledger.Draft {
	txType := model.TxTradeBuy
	cash, shares := q.Cost, q.Shares
	if !q.IsBuy {
		txType = model.TxTradeSell
		cash, shares = cash.Neg(), shares.Neg()
	}
	return ledger.Draft{
		Type:        txType,
		InitiatorID: o.InitiatorID,
		MarketID:    o.MarketID,
		Entries: []model.Entry{
			{AccountID: o.AccountID, AssetID: model.PrimaryAssetID, Amount: cash.Neg()},
			{AccountID: pool, AssetID: model.PrimaryAssetID, Amount: cash},
			{AccountID: pool, AssetID: o.OptionID, Amount: shares.Neg()},
			{AccountID: o.AccountID, AssetID: o.OptionID, Amount: shares},
		},
	}
}

func (s *Service) commitError(o Order, err error) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	case errors.Is(err, ledger.ErrUnbalancedEntries), errors.Is(err, ledger.ErrZeroAmount):
		slog.Error("trade built an invalid transaction",
			"account", o.AccountID,
			"market", o.MarketID,
			"option", o.OptionID,
			"err", err,
		)
		return fmt.Errorf("trade: commit: %w", err)
	default:
		return fmt.Errorf("trade: commit: %w", err)
	}
}

// project updates the position of the trader, then refreshes the pool
// snapshot and marks every position in the market to the new probabilities.
func (s *Service) project(ctx context.Context, m *model.Market, o Order, q model.Quote, res *Result) error {
	fail := func(stage string, err error) error {
		return &ProjectionError{TransactionID: res.Transaction.ID, MarketID: m.ID, Stage: stage, Err: err}
	}

	sharesDelta, cashDelta := q.Shares, q.Cost
	if !q.IsBuy {
		sharesDelta, cashDelta = sharesDelta.Neg(), cashDelta.Neg()
	}
	if _, err := s.tracker.Apply(ctx, o.AccountID, m.ID, o.OptionID, sharesDelta, cashDelta); err != nil {
		return fail(StageApplyPosition, err)
	}

	var state *model.AmmState
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st, err := s.aggregator.Refresh(gctx, m)
		if err != nil {
			return fail(StageRefreshReserves, err)
		}
		state = st
		return nil
	})
	g.Go(func() error {
		if err := s.tracker.Revalue(gctx, m.ID, q.Probabilities); err != nil {
			return fail(StageRevalue, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	res.State = state

	pos, err := s.tracker.Get(ctx, o.AccountID, m.ID, o.OptionID)
	if err != nil {
		return fail(StageRevalue, err)
	}
	res.Position = pos
	return nil
}

func (s *Service) projectionFailed(err error) {
	var perr *ProjectionError
	if !errors.As(err, &perr) {
		return
	}
	metrics.ProjectionFailures.WithLabelValues(perr.Stage).Inc()
	if s.stale != nil {
		s.stale.Mark(perr.MarketID)
	}
	slog.Error("projection update failed",
		"tx", perr.TransactionID,
		"market", perr.MarketID,
		"stage", perr.Stage,
		"err", perr.Err,
	)
}

func (s *Service) publish(marketID, side string, tx *model.Transaction, q model.Quote) {
	if s.wsHub == nil {
		return
	}
	probabilities := make(map[string]string, len(q.Probabilities))
	for id, p := range q.Probabilities {
		probabilities[id] = p.String()
	}
	s.wsHub.Broadcast(WSMessage{
		Type:          "trade_executed",
		MarketID:      marketID,
		OptionID:      q.OptionID,
		TransactionID: tx.ID,
		Side:          side,
		Cost:          q.Cost.String(),
		Shares:        q.Shares.String(),
		Probabilities: probabilities,
	})
}

// --- Read-only operations ---

// GetQuote prices a trade against the persisted pool snapshot without
// executing it.
func (s *Service) GetQuote(ctx context.Context, marketID, optionID string, amount decimal.Decimal, isBuy bool) (model.Quote, error) {
	if !amount.IsPositive() {
		return model.Quote{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	m, err := s.market(ctx, marketID)
	if err != nil {
		return model.Quote{}, err
	}
	if _, ok := m.Option(optionID); !ok {
		return model.Quote{}, fmt.Errorf("%w: option %s is not in market %s: %w",
			ErrValidation, optionID, m.ID, store.ErrNotFound)
	}
	if err := s.checkTradable(ctx, m.ID); err != nil {
		return model.Quote{}, err
	}

	state, err := s.aggregator.State(ctx, m.ID)
	if errors.Is(err, store.ErrNotFound) {
		state, err = s.snapshot(ctx, m)
	}
	if err != nil {
		return model.Quote{}, fmt.Errorf("trade: state of %s: %w", m.ID, err)
	}
	return s.quote(*state, Order{MarketID: m.ID, OptionID: optionID, Amount: amount}, isBuy)
}

// GetPosition returns an account's position, zero if it never traded the
// option.
func (s *Service) GetPosition(ctx context.Context, accountID, marketID, optionID string) (*model.Position, error) {
	return s.tracker.Get(ctx, accountID, marketID, optionID)
}

// ListAccountPositions returns every position an account holds or held.
func (s *Service) ListAccountPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	return s.tracker.ListByAccount(ctx, accountID)
}

func (s *Service) snapshot(ctx context.Context, m *model.Market) (*model.AmmState, error) {
	pool, err := s.accounts.AmmAccount(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	snap, err := s.aggregator.Snapshot(ctx, withPool(m, pool))
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// MarketState returns the persisted pool snapshot of a market.
func (s *Service) MarketState(ctx context.Context, marketID string) (*model.AmmState, error) {
	return s.aggregator.State(ctx, marketID)
}

// Market returns a market definition.
func (s *Service) Market(ctx context.Context, marketID string) (*model.Market, error) {
	return s.markets.Market(ctx, marketID)
}

// ListMarkets returns markets, optionally filtered by status.
func (s *Service) ListMarkets(ctx context.Context, status model.MarketStatus) ([]model.Market, error) {
	return s.markets.ListMarkets(ctx, status)
}

// AccountTransactions returns an account's ledger history, oldest first.
func (s *Service) AccountTransactions(ctx context.Context, accountID string) ([]model.Transaction, error) {
	return s.ledger.AccountTransactions(ctx, accountID)
}

// AccountStats summarises an account from the ledger: net worth is the
// currency balance plus the marked value of every position; trading volume
// is the currency moved by trades.
func (s *Service) AccountStats(ctx context.Context, accountID string) (*model.AccountStats, error) {
	accounts, err := s.store.GetAccounts(ctx, []string{accountID})
	if err != nil {
		return nil, fmt.Errorf("trade: load account: %w", err)
	}
	if _, ok := accounts[accountID]; !ok {
		return nil, fmt.Errorf("trade: account %s: %w", accountID, store.ErrNotFound)
	}

	cash, err := s.ledger.Balance(ctx, accountID, model.PrimaryAssetID)
	if err != nil {
		return nil, err
	}
	positions, err := s.tracker.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	txs, err := s.ledger.AccountTransactions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	stats := &model.AccountStats{AccountID: accountID, NetWorth: cash}
	for _, p := range positions {
		stats.NetWorth = stats.NetWorth.Add(p.Value)
	}

	markets := make(map[string]struct{})
	for _, tx := range txs {
		if !tx.Type.IsTrade() {
			continue
		}
		for _, e := range tx.Entries {
			if e.AccountID == accountID && e.AssetID == model.PrimaryAssetID {
				stats.TradingVolume = stats.TradingVolume.Add(e.Amount.Abs())
			}
		}
		markets[tx.MarketID] = struct{}{}
		if stats.LastTradeAt == nil || tx.CreatedAt.After(*stats.LastTradeAt) {
			at := tx.CreatedAt
			stats.LastTradeAt = &at
		}
	}
	stats.TotalMarkets = len(markets)
	return stats, nil
}

// --- helpers ---

// withPool returns a copy of m whose pool account is pool.
func withPool(m *model.Market, pool string) *model.Market {
	if m.AmmAccountID == pool {
		return m
	}
	bound := *m
	bound.AmmAccountID = pool
	return &bound
}

func sideLabel(isBuy bool) string {
	if isBuy {
		return "buy"
	}
	return "sell"
}

// rejectReason labels a pre-commit failure for metrics.
func rejectReason(err error) string {
	reasons := []struct {
		target error
		label  string
	}{
		{ErrMarketNotTradable, "not_tradable"},
		{ledger.ErrInsufficientBalance, "insufficient_balance"},
		{position.ErrInsufficientShares, "insufficient_shares"},
		{limits.ErrLimitExceeded, "limit"},
		{amm.ErrProbabilityBound, "bound"},
		{amm.ErrNoConvergence, "no_convergence"},
		{context.Canceled, "canceled"},
		{context.DeadlineExceeded, "canceled"},
		{ErrValidation, "validation"},
	}
	for _, r := range reasons {
		if errors.Is(err, r.target) {
			return r.label
		}
	}
	return "internal"
}

