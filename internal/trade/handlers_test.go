package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/playmoney/trade-engine/internal/model"
	"github.com/playmoney/trade-engine/internal/trade"
)

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestHandleBuy(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do(t, "POST", "/api/v1/trades/buy", e.order(e.optA, 10))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.TradeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Transaction == nil || resp.Transaction.ID == "" {
		t.Error("expected a transaction id")
	}
	if resp.ProjectionsStale {
		t.Error("projections should be current")
	}
	if resp.Position == nil || !resp.Position.Shares.Equal(resp.Quote.Shares) {
		t.Errorf("position should hold the bought shares: %+v", resp.Position)
	}
}

func TestHandleSell_Oversell(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do(t, "POST", "/api/v1/trades/sell", e.order(e.optA, 1))
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for selling unheld shares, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleTrade_ErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*testing.T, *testEnv)
		order  func(*testEnv) trade.Order
		status int
	}{
		{
			name:   "zero amount",
			order:  func(e *testEnv) trade.Order { return e.order(e.optA, 0) },
			status: http.StatusBadRequest,
		},
		{
			name: "unknown market",
			order: func(e *testEnv) trade.Order {
				o := e.order(e.optA, 1)
				o.MarketID = "missing"
				return o
			},
			status: http.StatusNotFound,
		},
		{
			name:   "insufficient funds",
			order:  func(e *testEnv) trade.Order { return e.order(e.optA, 500) },
			status: http.StatusConflict,
		},
		{
			name: "market halted",
			setup: func(t *testing.T, e *testEnv) {
				if err := e.mem.SetMarketStatus(context.Background(), e.market.ID, model.MarketClosed); err != nil {
					t.Fatal(err)
				}
			},
			order:  func(e *testEnv) trade.Order { return e.order(e.optA, 1) },
			status: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, nil)
			if tt.setup != nil {
				tt.setup(t, e)
			}
			w := e.do(t, "POST", "/api/v1/trades/buy", tt.order(e))
			if w.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			var body map[string]string
			json.Unmarshal(w.Body.Bytes(), &body)
			if body["error"] == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestHandleTrade_InvalidBody(t *testing.T) {
	e := newTestEnv(t, nil)
	req := httptest.NewRequest("POST", "/api/v1/trades/buy", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleTrade_ProjectionsStale(t *testing.T) {
	e := newTestEnv(t, nil)
	e.st.failAmm.Store(true)

	w := e.do(t, "POST", "/api/v1/trades/buy", e.order(e.optA, 10))
	if w.Code != http.StatusOK {
		t.Fatalf("committed trade should answer 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp trade.TradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.ProjectionsStale {
		t.Error("expected projections_stale")
	}
	if resp.Transaction == nil {
		t.Error("expected the committed transaction")
	}

	// Operator-triggered rebuild clears it.
	e.st.failAmm.Store(false)
	w = e.do(t, "POST", "/api/v1/markets/"+e.market.ID+"/reconcile", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile: %d %s", w.Code, w.Body.String())
	}
	var state model.AmmState
	json.Unmarshal(w.Body.Bytes(), &state)
	if !state.Collateral.Equal(d(110)) {
		t.Errorf("reconciled collateral %s, want 110", state.Collateral)
	}
}

func TestHandleQuote(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do(t, "GET", "/api/v1/markets/"+e.market.ID+"/quote?option="+e.optA+"&amount=10&side=buy", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var q model.Quote
	json.Unmarshal(w.Body.Bytes(), &q)
	if q.Shares.Sub(d(19.375)).Abs().GreaterThan(d(0.0000001)) {
		t.Errorf("expected ≈19.375 shares, got %s", q.Shares)
	}

	for _, bad := range []string{
		"?option=" + e.optA + "&amount=abc",
		"?option=" + e.optA + "&amount=1&side=hold",
	} {
		w := e.do(t, "GET", "/api/v1/markets/"+e.market.ID+"/quote"+bad, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", bad, w.Code)
		}
	}
}

func TestHandleMarketReads(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do(t, "GET", "/api/v1/markets", nil)
	var markets []model.Market
	json.Unmarshal(w.Body.Bytes(), &markets)
	if w.Code != http.StatusOK || len(markets) != 1 {
		t.Fatalf("expected one market, got %d: %s", w.Code, w.Body.String())
	}

	w = e.do(t, "GET", "/api/v1/markets?status=halted", nil)
	json.Unmarshal(w.Body.Bytes(), &markets)
	if len(markets) != 0 {
		t.Errorf("expected no halted markets, got %d", len(markets))
	}

	w = e.do(t, "GET", "/api/v1/markets/"+e.market.ID+"/state", nil)
	var state trade.MarketStateResponse
	json.Unmarshal(w.Body.Bytes(), &state)
	if w.Code != http.StatusOK || state.AmmState == nil || !state.Probabilities[e.optA].Equal(d(0.5)) {
		t.Fatalf("unexpected state %d: %s", w.Code, w.Body.String())
	}
	if !state.Depth[e.optA].Equal(d(150)) || !state.Depth[e.optB].Equal(d(150)) {
		t.Errorf("depth %v, want 150 for each option", state.Depth)
	}

	w = e.do(t, "GET", "/api/v1/markets/"+e.market.ID, nil)
	var m model.Market
	json.Unmarshal(w.Body.Bytes(), &m)
	if w.Code != http.StatusOK || m.ID != e.market.ID {
		t.Errorf("unexpected market %d: %s", w.Code, w.Body.String())
	}

	if w := e.do(t, "GET", "/api/v1/markets/missing/state", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown market state, got %d", w.Code)
	}
}

func TestHandleAccountReads(t *testing.T) {
	e := newTestEnv(t, nil)
	if w := e.do(t, "POST", "/api/v1/trades/buy", e.order(e.optA, 10)); w.Code != http.StatusOK {
		t.Fatalf("buy: %d %s", w.Code, w.Body.String())
	}

	w := e.do(t, "GET", "/api/v1/positions/"+e.user.ID, nil)
	var positions []model.Position
	json.Unmarshal(w.Body.Bytes(), &positions)
	if len(positions) != 1 || positions[0].OptionID != e.optA {
		t.Errorf("expected one A position, got %s", w.Body.String())
	}

	w = e.do(t, "GET", "/api/v1/positions/"+e.user.ID+"/"+e.market.ID+"/"+e.optB, nil)
	var p model.Position
	json.Unmarshal(w.Body.Bytes(), &p)
	if w.Code != http.StatusOK || !p.Shares.IsZero() {
		t.Errorf("untraded option should be a zero position: %s", w.Body.String())
	}

	w = e.do(t, "GET", "/api/v1/accounts/"+e.user.ID+"/stats", nil)
	var stats model.AccountStats
	json.Unmarshal(w.Body.Bytes(), &stats)
	if !stats.TradingVolume.Equal(d(10)) || stats.TotalMarkets != 1 {
		t.Errorf("unexpected stats %s", w.Body.String())
	}

	w = e.do(t, "GET", "/api/v1/accounts/"+e.user.ID+"/transactions", nil)
	var txs []model.Transaction
	json.Unmarshal(w.Body.Bytes(), &txs)
	if len(txs) != 2 || txs[0].Type != model.TxHouseGift || txs[1].Type != model.TxTradeBuy {
		t.Errorf("expected gift then buy, got %s", w.Body.String())
	}

	if w := e.do(t, "GET", "/api/v1/accounts/ghost/stats", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown account, got %d", w.Code)
	}
}

func TestHandleSeeding(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do(t, "POST", "/api/v1/accounts", trade.OpenAccountRequest{OwnerID: "bob"})
	if w.Code != http.StatusCreated {
		t.Fatalf("open account: %d %s", w.Code, w.Body.String())
	}
	var acct trade.OpenAccountResponse
	json.Unmarshal(w.Body.Bytes(), &acct)
	if acct.Account == nil || acct.Transaction == nil {
		t.Fatalf("expected funded account: %s", w.Body.String())
	}
	if got := e.balance(t, acct.Account.ID, model.PrimaryAssetID); !got.Equal(d(100)) {
		t.Errorf("grant %s, want 100", got)
	}

	w = e.do(t, "POST", "/api/v1/markets", map[string]any{
		"question":   "Which?",
		"options":    []map[string]any{{"name": "X"}, {"name": "Y"}, {"name": "Z"}},
		"collateral": "300",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create market: %d %s", w.Code, w.Body.String())
	}
	var created trade.CreateMarketResponse
	json.Unmarshal(w.Body.Bytes(), &created)
	sum := decimal.Zero
	for _, p := range created.State.Probabilities {
		sum = sum.Add(p)
	}
	if len(created.Market.Options) != 3 || !sum.Equal(decimal.NewFromInt(1)) {
		t.Errorf("unexpected market %s", w.Body.String())
	}

	w = e.do(t, "POST", "/api/v1/markets", map[string]any{"question": "One?", "options": []map[string]any{{"name": "X"}}, "collateral": "1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for single-option market, got %d", w.Code)
	}
}
