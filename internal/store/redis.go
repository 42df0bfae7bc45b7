package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/playmoney/trade-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis cache for
// projections. Writes go to the primary store and then overwrite the
// cached copy; a read that misses fills the cache only if no writer has
// stored a value in the meantime, so a slow reader never puts back a row
// older than the one a writer just saved.
//
// Only projections are cached. Markets are read through so a status change
// made by the lifecycle owner is seen on the next trade, and the ledger is
// never cached. Code that reads in order to write goes to Primary.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Primary returns the uncached store.
func (s *CachedStore) Primary() Store { return s.primary }

// --- Write-through (write to primary, then overwrite cache) ---

func (s *CachedStore) SaveAmmState(ctx context.Context, state *model.AmmState) error {
	if err := s.primary.SaveAmmState(ctx, state); err != nil {
		return err
	}
	s.put(ctx, map[string]any{ammCacheKey(state.MarketID): state})
	return nil
}

func (s *CachedStore) SavePositions(ctx context.Context, positions []model.Position) error {
	if err := s.primary.SavePositions(ctx, positions); err != nil {
		return err
	}
	values := make(map[string]any, len(positions))
	for i := range positions {
		p := &positions[i]
		values[positionCacheKey(p.AccountID, p.MarketID, p.OptionID)] = p
	}
	s.put(ctx, values)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAmmState(ctx context.Context, marketID string) (*model.AmmState, error) {
	var st model.AmmState
	if s.get(ctx, ammCacheKey(marketID), &st) {
		return &st, nil
	}

	// Cache miss: read from primary.
	fresh, err := s.primary.GetAmmState(ctx, marketID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, ammCacheKey(marketID), fresh)
	return fresh, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, accountID, marketID, optionID string) (*model.Position, error) {
	key := positionCacheKey(accountID, marketID, optionID)
	var p model.Position
	if s.get(ctx, key, &p) {
		return &p, nil
	}

	fresh, err := s.primary.GetPosition(ctx, accountID, marketID, optionID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, key, fresh)
	return fresh, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.primary.CreateAccount(ctx, a)
}

func (s *CachedStore) GetAccounts(ctx context.Context, ids []string) (map[string]model.Account, error) {
	return s.primary.GetAccounts(ctx, ids)
}

func (s *CachedStore) GetHouseAccount(ctx context.Context) (*model.Account, error) {
	return s.primary.GetHouseAccount(ctx)
}

func (s *CachedStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	return s.primary.CreateAsset(ctx, a)
}

func (s *CachedStore) GetAssets(ctx context.Context, ids []string) (map[string]model.Asset, error) {
	return s.primary.GetAssets(ctx, ids)
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	return s.primary.CreateMarket(ctx, m)
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return s.primary.GetMarket(ctx, id)
}

// SetMarketStatus forwards to the primary when it supports status changes.
func (s *CachedStore) SetMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	w, ok := s.primary.(StatusWriter)
	if !ok {
		return fmt.Errorf("store: %T cannot change market status", s.primary)
	}
	return w.SetMarketStatus(ctx, id, status)
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) AppendTransaction(ctx context.Context, tx *model.Transaction, guards []model.BalanceGuard) error {
	return s.primary.AppendTransaction(ctx, tx, guards)
}

func (s *CachedStore) GetBalances(ctx context.Context, accountID string, assetIDs []string) (map[string]decimal.Decimal, error) {
	return s.primary.GetBalances(ctx, accountID, assetIDs)
}

func (s *CachedStore) ListTransactionsByMarket(ctx context.Context, marketID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByMarket(ctx, marketID)
}

func (s *CachedStore) ListTransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByAccount(ctx, accountID)
}

func (s *CachedStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.ListPositionsByMarket(ctx, marketID)
}

func (s *CachedStore) ListPositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error) {
	return s.primary.ListPositionsByAccount(ctx, accountID)
}

// --- Cache helpers ---

// get reports whether key held a decodable value. Redis errors count as a miss.
func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// fill caches a value read from the primary. SETNX leaves alone any value
// a writer stored after the primary read.
func (s *CachedStore) fill(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.SetNX(ctx, key, data, s.ttl)
	}
}

// put overwrites keys with freshly written values. If the pipeline fails
// the keys are dropped so the next read falls through to the primary.
func (s *CachedStore) put(ctx context.Context, values map[string]any) {
	if len(values) == 0 {
		return
	}
	keys := make([]string, 0, len(values))
	pipe := s.rdb.Pipeline()
	for key, v := range values {
		keys = append(keys, key)
		data, err := json.Marshal(v)
		if err != nil {
			pipe.Del(ctx, key)
			continue
		}
		pipe.Set(ctx, key, data, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.rdb.Del(ctx, keys...)
	}
}

func ammCacheKey(marketID string) string { return fmt.Sprintf("amm:%s", marketID) }
func positionCacheKey(account, market, option string) string {
	return fmt.Sprintf("position:%s:%s:%s", account, market, option)
}
