package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/playmoney/trade-engine/internal/model"
	"github.com/playmoney/trade-engine/migrations"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema in file order. Every statement is
// idempotent, so Migrate is safe to run on each start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	files, err := fs.Glob(migrations.Postgres, "postgres/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)
	for _, f := range files {
		sql, err := fs.ReadFile(migrations.Postgres, f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
	}
	return nil
}

// --- Accounts and assets ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, kind, owner_id, market_id, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5)`,
		a.ID, a.Kind, a.OwnerID, a.MarketID, a.CreatedAt,
	)
	return mapErr(err, "create account %s", a.ID)
}

func (s *PostgresStore) GetAccounts(ctx context.Context, ids []string) (map[string]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, owner_id, COALESCE(market_id, ''), created_at
		 FROM accounts WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get accounts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Account, len(ids))
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.Kind, &a.OwnerID, &a.MarketID, &a.CreatedAt); err != nil {
			return nil, err
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetHouseAccount(ctx context.Context) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, owner_id, COALESCE(market_id, ''), created_at
		 FROM accounts WHERE kind = $1`, model.AccountHouse).
		Scan(&a.ID, &a.Kind, &a.OwnerID, &a.MarketID, &a.CreatedAt)
	if err != nil {
		return nil, mapErr(err, "get house account")
	}
	return &a, nil
}

func (s *PostgresStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assets (id, kind, market_id) VALUES ($1, $2, NULLIF($3, ''))`,
		a.ID, a.Kind, a.MarketID,
	)
	return mapErr(err, "create asset %s", a.ID)
}

func (s *PostgresStore) GetAssets(ctx context.Context, ids []string) (map[string]model.Asset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, COALESCE(market_id, '') FROM assets WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get assets: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Asset, len(ids))
	for rows.Next() {
		var a model.Asset
		if err := rows.Scan(&a.ID, &a.Kind, &a.MarketID); err != nil {
			return nil, err
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}

// --- Markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create market %s: %w", m.ID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO markets (id, question, status, amm_account_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.Question, m.Status, m.AmmAccountID, m.CreatedAt,
	); err != nil {
		return mapErr(err, "create market %s", m.ID)
	}
	for i, o := range m.Options {
		if _, err := tx.Exec(ctx,
			`INSERT INTO market_options (id, market_id, name, weight, ordinal)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
			o.ID, m.ID, o.Name, o.Weight.String(), i,
		); err != nil {
			return mapErr(err, "create option %s", o.ID)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	err := s.pool.QueryRow(ctx,
		`SELECT id, question, status, amm_account_id, created_at
		 FROM markets WHERE id = $1`, id).
		Scan(&m.ID, &m.Question, &m.Status, &m.AmmAccountID, &m.CreatedAt)
	if err != nil {
		return nil, mapErr(err, "get market %s", id)
	}
	opts, err := s.options(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	m.Options = opts[id]
	return &m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, question, status, amm_account_id, created_at
		 FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	var ids []string
	for rows.Next() {
		var m model.Market
		if err := rows.Scan(&m.ID, &m.Question, &m.Status, &m.AmmAccountID, &m.CreatedAt); err != nil {
			return nil, err
		}
		markets = append(markets, m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	opts, err := s.options(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range markets {
		markets[i].Options = opts[markets[i].ID]
	}
	return markets, nil
}

// SetMarketStatus changes a market's status on behalf of the lifecycle
// collaborator.
func (s *PostgresStore) SetMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE markets SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) options(ctx context.Context, marketIDs []string) (map[string][]model.Option, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, id, name, weight::TEXT
		 FROM market_options WHERE market_id = ANY($1)
		 ORDER BY market_id, ordinal`, marketIDs)
	if err != nil {
		return nil, fmt.Errorf("get options: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]model.Option, len(marketIDs))
	for rows.Next() {
		var marketID, weight string
		var o model.Option
		if err := rows.Scan(&marketID, &o.ID, &o.Name, &weight); err != nil {
			return nil, err
		}
		if o.Weight, err = decimal.NewFromString(weight); err != nil {
			return nil, fmt.Errorf("option %s weight: %w", o.ID, err)
		}
		out[marketID] = append(out[marketID], o)
	}
	return out, rows.Err()
}

// --- Immutable ledger ---

// AppendTransaction inserts the transaction, its entries and the balance
// deltas in one database transaction. Balance rows are upserted in sorted
// key order so concurrent appends touching the same pairs lock them in the
// same order and cannot deadlock; appends on disjoint pairs do not block.
func (s *PostgresStore) AppendTransaction(ctx context.Context, t *model.Transaction, guards []model.BalanceGuard) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("append transaction %s: %w", t.ID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, type, initiator_id, market_id, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5)`,
		t.ID, t.Type, t.InitiatorID, t.MarketID, t.CreatedAt,
	); err != nil {
		return mapErr(err, "append transaction %s", t.ID)
	}

	batch := &pgx.Batch{}
	for i, e := range t.Entries {
		batch.Queue(
			`INSERT INTO transaction_entries (transaction_id, ordinal, account_id, asset_id, amount)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC)`,
			t.ID, i, e.AccountID, e.AssetID, e.Amount.String(),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return mapErr(err, "append entries of %s", t.ID)
	}

	deltas := make(map[balanceKey]decimal.Decimal, len(t.Entries))
	for _, e := range t.Entries {
		k := balanceKey{e.AccountID, e.AssetID}
		deltas[k] = deltas[k].Add(e.Amount)
	}
	keys := make([]balanceKey, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].account != keys[j].account {
			return keys[i].account < keys[j].account
		}
		return keys[i].asset < keys[j].asset
	})

	after := make(map[balanceKey]decimal.Decimal, len(keys))
	for _, k := range keys {
		var balance string
		err := tx.QueryRow(ctx,
			`INSERT INTO balances (account_id, asset_id, amount)
			 VALUES ($1, $2, $3::NUMERIC)
			 ON CONFLICT (account_id, asset_id)
			 DO UPDATE SET amount = balances.amount + EXCLUDED.amount
			 RETURNING amount::TEXT`,
			k.account, k.asset, deltas[k].String(),
		).Scan(&balance)
		if err != nil {
			return fmt.Errorf("update balance %s/%s: %w", k.account, k.asset, err)
		}
		if after[k], err = decimal.NewFromString(balance); err != nil {
			return fmt.Errorf("parse balance %s/%s: %w", k.account, k.asset, err)
		}
	}

	for _, g := range guards {
		k := balanceKey{g.AccountID, g.AssetID}
		next, ok := after[k]
		if !ok {
			// Guard on a pair this transaction does not touch.
			if next, err = s.balanceTx(ctx, tx, g.AccountID, g.AssetID); err != nil {
				return err
			}
		}
		if next.LessThan(g.Min) {
			return &FloorError{Guard: g, Balance: next}
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) balanceTx(ctx context.Context, tx pgx.Tx, accountID, assetID string) (decimal.Decimal, error) {
	var balance string
	err := tx.QueryRow(ctx,
		`SELECT amount::TEXT FROM balances WHERE account_id = $1 AND asset_id = $2`,
		accountID, assetID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(balance)
}

func (s *PostgresStore) GetBalances(ctx context.Context, accountID string, assetIDs []string) (map[string]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset_id, amount::TEXT FROM balances
		 WHERE account_id = $1 AND asset_id = ANY($2)`, accountID, assetIDs)
	if err != nil {
		return nil, fmt.Errorf("get balances of %s: %w", accountID, err)
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal, len(assetIDs))
	for _, id := range assetIDs {
		out[id] = decimal.Zero
	}
	for rows.Next() {
		var assetID, amount string
		if err := rows.Scan(&assetID, &amount); err != nil {
			return nil, err
		}
		if out[assetID], err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse balance %s/%s: %w", accountID, assetID, err)
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTransactionsByMarket(ctx context.Context, marketID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.id, t.type, t.initiator_id, COALESCE(t.market_id, ''), t.created_at,
		        e.account_id, e.asset_id, e.amount::TEXT
		 FROM transactions t
		 JOIN transaction_entries e ON e.transaction_id = t.id
		 WHERE t.market_id = $1
		 ORDER BY t.seq, e.ordinal`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (s *PostgresStore) ListTransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT t.id, t.type, t.initiator_id, COALESCE(t.market_id, ''), t.created_at,
		        e.account_id, e.asset_id, e.amount::TEXT
		 FROM transactions t
		 JOIN transaction_entries e ON e.transaction_id = t.id
		 WHERE t.id IN (SELECT transaction_id FROM transaction_entries WHERE account_id = $1)
		 ORDER BY t.seq, e.ordinal`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// --- Projections ---

func (s *PostgresStore) GetPosition(ctx context.Context, accountID, marketID, optionID string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT account_id, market_id, option_id,
		        shares::TEXT, cost_basis::TEXT, value::TEXT, realized::TEXT, updated_at
		 FROM positions WHERE account_id = $1 AND market_id = $2 AND option_id = $3`,
		accountID, marketID, optionID)
	p, err := scanPosition(row)
	if err != nil {
		return nil, mapErr(err, "get position %s/%s/%s", accountID, marketID, optionID)
	}
	return &p, nil
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, market_id, option_id,
		        shares::TEXT, cost_basis::TEXT, value::TEXT, realized::TEXT, updated_at
		 FROM positions WHERE market_id = $1
		 ORDER BY account_id, option_id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListPositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, market_id, option_id,
		        shares::TEXT, cost_basis::TEXT, value::TEXT, realized::TEXT, updated_at
		 FROM positions WHERE account_id = $1
		 ORDER BY market_id, option_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) SavePositions(ctx context.Context, positions []model.Position) error {
	if len(positions) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range positions {
		batch.Queue(
			`INSERT INTO positions (account_id, market_id, option_id, shares, cost_basis, value, realized, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
			 ON CONFLICT (account_id, market_id, option_id) DO UPDATE
			 SET shares = EXCLUDED.shares, cost_basis = EXCLUDED.cost_basis,
			     value = EXCLUDED.value, realized = EXCLUDED.realized,
			     updated_at = EXCLUDED.updated_at`,
			p.AccountID, p.MarketID, p.OptionID,
			p.Shares.String(), p.CostBasis.String(), p.Value.String(), p.Realized.String(),
			p.UpdatedAt,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) GetAmmState(ctx context.Context, marketID string) (*model.AmmState, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM amm_states WHERE market_id = $1`, marketID).Scan(&data)
	if err != nil {
		return nil, mapErr(err, "get amm state %s", marketID)
	}
	var st model.AmmState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode amm state %s: %w", marketID, err)
	}
	return &st, nil
}

func (s *PostgresStore) SaveAmmState(ctx context.Context, state *model.AmmState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode amm state %s: %w", state.MarketID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO amm_states (market_id, state, updated_at)
		 VALUES ($1, $2::JSONB, $3)
		 ON CONFLICT (market_id) DO UPDATE
		 SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		state.MarketID, string(data), state.UpdatedAt,
	)
	return err
}

// --- Row helpers ---

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

type pgxRow interface {
	Scan(dest ...interface{}) error
}

// scanTransactions folds joined transaction/entry rows into transactions.
// Rows must be ordered by transaction so entries of one are contiguous.
func scanTransactions(rows pgxRows) ([]model.Transaction, error) {
	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var e model.Entry
		var amount string
		if err := rows.Scan(&t.ID, &t.Type, &t.InitiatorID, &t.MarketID, &t.CreatedAt,
			&e.AccountID, &e.AssetID, &amount); err != nil {
			return nil, err
		}
		var err error
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("entry of %s: %w", t.ID, err)
		}
		if n := len(txs); n > 0 && txs[n-1].ID == t.ID {
			txs[n-1].Entries = append(txs[n-1].Entries, e)
			continue
		}
		t.Entries = []model.Entry{e}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func scanPosition(row pgxRow) (model.Position, error) {
	var p model.Position
	var shares, cost, value, realized string
	if err := row.Scan(&p.AccountID, &p.MarketID, &p.OptionID,
		&shares, &cost, &value, &realized, &p.UpdatedAt); err != nil {
		return p, err
	}
	err := parseDecimals(
		[]string{shares, cost, value, realized},
		&p.Shares, &p.CostBasis, &p.Value, &p.Realized,
	)
	return p, err
}

func scanPositions(rows pgxRows) ([]model.Position, error) {
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func parseDecimals(src []string, dst ...*decimal.Decimal) error {
	for i, s := range src {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("parse decimal %q: %w", s, err)
		}
		*dst[i] = d
	}
	return nil
}

// mapErr translates driver errors into store sentinels.
func mapErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", msg, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
