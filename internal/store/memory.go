package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/playmoney/trade-engine/internal/model"
)

type balanceKey struct {
	account string
	asset   string
}

type positionKey struct {
	account string
	market  string
	option  string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
// AppendTransaction holds the store-wide write lock, so commits never
// overlap even when they touch disjoint accounts.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]model.Account
	assets    map[string]model.Asset
	markets   map[string]*model.Market
	ledger    []model.Transaction
	txIDs     map[string]struct{}
	byMarket  map[string][]int
	byAccount map[string][]int
	balances  map[balanceKey]decimal.Decimal
	positions map[positionKey]model.Position
	states    map[string]model.AmmState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]model.Account),
		assets:    make(map[string]model.Asset),
		markets:   make(map[string]*model.Market),
		txIDs:     make(map[string]struct{}),
		byMarket:  make(map[string][]int),
		byAccount: make(map[string][]int),
		balances:  make(map[balanceKey]decimal.Decimal),
		positions: make(map[positionKey]model.Position),
		states:    make(map[string]model.AmmState),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return ErrDuplicate
	}
	if a.Kind == model.AccountHouse {
		for _, existing := range s.accounts {
			if existing.Kind == model.AccountHouse {
				return ErrDuplicate
			}
		}
	}
	s.accounts[a.ID] = *a
	return nil
}

func (s *MemoryStore) GetAccounts(_ context.Context, ids []string) (map[string]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.Account, len(ids))
	for _, id := range ids {
		if a, ok := s.accounts[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (s *MemoryStore) GetHouseAccount(_ context.Context) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if a.Kind == model.AccountHouse {
			copy := a
			return &copy, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateAsset(_ context.Context, a *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assets[a.ID]; ok {
		return ErrDuplicate
	}
	s.assets[a.ID] = *a
	return nil
}

func (s *MemoryStore) GetAssets(_ context.Context, ids []string) (map[string]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.Asset, len(ids))
	for _, id := range ids {
		if a, ok := s.assets[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return ErrDuplicate
	}
	s.markets[m.ID] = copyMarket(m)
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMarket(m), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *copyMarket(m))
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

// SetMarketStatus changes a market's status. The lifecycle collaborator owns
// status in production; tests use this to simulate it.
func (s *MemoryStore) SetMarketStatus(_ context.Context, id string, status model.MarketStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	return nil
}

func (s *MemoryStore) AppendTransaction(_ context.Context, tx *model.Transaction, guards []model.BalanceGuard) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txIDs[tx.ID]; ok {
		return ErrDuplicate
	}

	deltas := make(map[balanceKey]decimal.Decimal, len(tx.Entries))
	for _, e := range tx.Entries {
		k := balanceKey{e.AccountID, e.AssetID}
		deltas[k] = deltas[k].Add(e.Amount)
	}
	for _, g := range guards {
		k := balanceKey{g.AccountID, g.AssetID}
		next := s.balances[k].Add(deltas[k])
		if next.LessThan(g.Min) {
			return &FloorError{Guard: g, Balance: next}
		}
	}

	for k, v := range deltas {
		s.balances[k] = s.balances[k].Add(v)
	}

	idx := len(s.ledger)
	s.ledger = append(s.ledger, copyTransaction(tx))
	s.txIDs[tx.ID] = struct{}{}
	if tx.MarketID != "" {
		s.byMarket[tx.MarketID] = append(s.byMarket[tx.MarketID], idx)
	}
	seen := make(map[string]bool)
	for _, e := range tx.Entries {
		if !seen[e.AccountID] {
			seen[e.AccountID] = true
			s.byAccount[e.AccountID] = append(s.byAccount[e.AccountID], idx)
		}
	}
	return nil
}

func (s *MemoryStore) GetBalances(_ context.Context, accountID string, assetIDs []string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(assetIDs))
	for _, id := range assetIDs {
		out[id] = s.balances[balanceKey{accountID, id}]
	}
	return out, nil
}

func (s *MemoryStore) ListTransactionsByMarket(_ context.Context, marketID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(s.byMarket[marketID]), nil
}

func (s *MemoryStore) ListTransactionsByAccount(_ context.Context, accountID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(s.byAccount[accountID]), nil
}

func (s *MemoryStore) collect(idx []int) []model.Transaction {
	out := make([]model.Transaction, 0, len(idx))
	for _, i := range idx {
		out = append(out, copyTransaction(&s.ledger[i]))
	}
	return out
}

func (s *MemoryStore) GetPosition(_ context.Context, accountID, marketID, optionID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{accountID, marketID, optionID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) ListPositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for k, p := range s.positions {
		if k.market == marketID {
			out = append(out, p)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *MemoryStore) ListPositionsByAccount(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for k, p := range s.positions {
		if k.account == accountID {
			out = append(out, p)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *MemoryStore) SavePositions(_ context.Context, positions []model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range positions {
		s.positions[positionKey{p.AccountID, p.MarketID, p.OptionID}] = p
	}
	return nil
}

func (s *MemoryStore) GetAmmState(_ context.Context, marketID string) (*model.AmmState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[marketID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := copyState(st)
	return &copy, nil
}

func (s *MemoryStore) SaveAmmState(_ context.Context, state *model.AmmState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[state.MarketID] = copyState(*state)
	return nil
}

// --- copy helpers (avoid external mutation of stored values) ---

func copyMarket(m *model.Market) *model.Market {
	c := *m
	c.Options = append([]model.Option(nil), m.Options...)
	return &c
}

func copyTransaction(tx *model.Transaction) model.Transaction {
	c := *tx
	c.Entries = append([]model.Entry(nil), tx.Entries...)
	return c
}

func copyState(st model.AmmState) model.AmmState {
	c := st
	c.OptionIDs = append([]string(nil), st.OptionIDs...)
	c.Reserves = copyMap(st.Reserves)
	c.Weights = copyMap(st.Weights)
	c.Probabilities = copyMap(st.Probabilities)
	return c
}

func copyMap(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	if m == nil {
		return nil
	}
	c := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func sortPositions(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].AccountID != ps[j].AccountID {
			return ps[i].AccountID < ps[j].AccountID
		}
		if ps[i].MarketID != ps[j].MarketID {
			return ps[i].MarketID < ps[j].MarketID
		}
		return ps[i].OptionID < ps[j].OptionID
	})
}
