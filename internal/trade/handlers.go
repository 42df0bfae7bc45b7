package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/playmoney/trade-engine/internal/amm"
	"github.com/playmoney/trade-engine/internal/ledger"
	"github.com/playmoney/trade-engine/internal/limits"
	"github.com/playmoney/trade-engine/internal/market"
	"github.com/playmoney/trade-engine/internal/model"
	"github.com/playmoney/trade-engine/internal/position"
	"github.com/playmoney/trade-engine/internal/store"
)

// Rebuilder recomputes a market's projections from the ledger.
type Rebuilder interface {
	RebuildMarket(ctx context.Context, marketID string) (*model.AmmState, error)
}

// Handler exposes the Service over HTTP.
type Handler struct {
	svc      *Service
	hub      *WSHub
	rebuild  Rebuilder
	seeder   *market.Seeder
	accounts *market.Accounts
	grant    decimal.Decimal
}

// NewHandler creates the HTTP adapter. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewHandler(svc *Service, hub *WSHub) *Handler {
	return &Handler{svc: svc, hub: hub}
}

// WithReconciler enables POST /api/v1/markets/{marketID}/reconcile.
func (h *Handler) WithReconciler(r Rebuilder) *Handler {
	h.rebuild = r
	return h
}

// WithSeeding enables POST /api/v1/markets and POST /api/v1/accounts. New
// accounts receive grant from the house.
func (h *Handler) WithSeeding(seeder *market.Seeder, accounts *market.Accounts, grant decimal.Decimal) *Handler {
	h.seeder = seeder
	h.accounts = accounts
	h.grant = grant
	return h
}

// Routes mounts the API under /api/v1.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/trades/buy", h.Buy)
		r.Post("/trades/sell", h.Sell)

		r.Get("/markets", h.ListMarkets)
		r.Get("/markets/{marketID}", h.GetMarket)
		r.Get("/markets/{marketID}/quote", h.GetQuote)
		r.Get("/markets/{marketID}/state", h.MarketState)

		r.Get("/positions/{accountID}", h.ListPositions)
		r.Get("/positions/{accountID}/{marketID}/{optionID}", h.GetPosition)

		r.Get("/accounts/{accountID}/stats", h.AccountStats)
		r.Get("/accounts/{accountID}/transactions", h.AccountTransactions)

		if h.rebuild != nil {
			r.Post("/markets/{marketID}/reconcile", h.Reconcile)
		}
		if h.seeder != nil {
			r.Post("/markets", h.CreateMarket)
			r.Post("/accounts", h.OpenAccount)
		}
		if h.hub != nil {
			r.Get("/ws", h.hub.HandleWS)
		}
	})
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /trades/buy and /trades/sell.
type TradeRequest = Order

// TradeResponse is the JSON body returned from a committed trade.
// ProjectionsStale is set when the trade committed but positions or
// reserves are queued for reconciliation.
type TradeResponse struct {
	*Result
	ProjectionsStale bool `json:"projections_stale"`
}

// OpenAccountRequest is the JSON body for POST /accounts.
type OpenAccountRequest struct {
	OwnerID string `json:"owner_id"`
}

// OpenAccountResponse is the JSON body returned from POST /accounts.
type OpenAccountResponse struct {
	Account     *model.Account     `json:"account"`
	Transaction *model.Transaction `json:"transaction,omitempty"`
}

// MarketStateResponse is the JSON body returned from GET /markets/{id}/state.
// Depth is each option's reserve plus the pool's collateral.
type MarketStateResponse struct {
	*model.AmmState
	Depth map[string]decimal.Decimal `json:"depth"`
}

// CreateMarketResponse is the JSON body returned from POST /markets.
type CreateMarketResponse struct {
	Market *model.Market   `json:"market"`
	State  *model.AmmState `json:"state"`
}

// --- HTTP Handlers ---

// Buy handles POST /api/v1/trades/buy
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, h.svc.ExecuteBuy)
}

// Sell handles POST /api/v1/trades/sell
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, h.svc.ExecuteSell)
}

func (h *Handler) trade(w http.ResponseWriter, r *http.Request, exec func(context.Context, Order) (*Result, error)) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := exec(r.Context(), req)
	if err != nil && res == nil {
		writeServiceError(w, err)
		return
	}

	// A committed trade is reported even if projections lag.
	writeJSON(w, http.StatusOK, TradeResponse{
		Result:           res,
		ProjectionsStale: errors.Is(err, ErrProjectionUpdate),
	})
}

// GetQuote handles GET /api/v1/markets/{marketID}/quote?option=&amount=&side=
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	amount, err := decimal.NewFromString(query.Get("amount"))
	if err != nil {
		writeError(w, "amount must be a decimal", http.StatusBadRequest)
		return
	}
	isBuy := true
	switch query.Get("side") {
	case "", "buy":
	case "sell":
		isBuy = false
	default:
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}

	q, err := h.svc.GetQuote(r.Context(), chi.URLParam(r, "marketID"), query.Get("option"), amount, isBuy)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// ListMarkets handles GET /api/v1/markets
// Returns all markets, optionally filtered by ?status=<status>.
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.svc.ListMarkets(r.Context(), model.MarketStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Market(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// MarketState handles GET /api/v1/markets/{marketID}/state
func (h *Handler) MarketState(w http.ResponseWriter, r *http.Request) {
	state, err := h.svc.MarketState(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MarketStateResponse{AmmState: state, Depth: amm.Depth(*state)})
}

// Reconcile handles POST /api/v1/markets/{marketID}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	state, err := h.rebuild.RebuildMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ListPositions handles GET /api/v1/positions/{accountID}
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.svc.ListAccountPositions(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetPosition handles GET /api/v1/positions/{accountID}/{marketID}/{optionID}
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetPosition(r.Context(),
		chi.URLParam(r, "accountID"),
		chi.URLParam(r, "marketID"),
		chi.URLParam(r, "optionID"),
	)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// AccountStats handles GET /api/v1/accounts/{accountID}/stats
func (h *Handler) AccountStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.AccountStats(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// AccountTransactions handles GET /api/v1/accounts/{accountID}/transactions
func (h *Handler) AccountTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.svc.AccountTransactions(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// CreateMarket handles POST /api/v1/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var spec market.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	m, state, err := h.seeder.CreateMarket(r.Context(), spec)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateMarketResponse{Market: m, State: state})
}

// OpenAccount handles POST /api/v1/accounts
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	acct, tx, err := h.accounts.OpenUserAccount(r.Context(), req.OwnerID, h.grant)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, OpenAccountResponse{Account: acct, Transaction: tx})
}

// statusFor maps a service error to an HTTP status. Conflicts with market
// or account state are checked before the broader validation sentinel they
// are wrapped in.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrMarketNotTradable),
		errors.Is(err, amm.ErrProbabilityBound),
		errors.Is(err, limits.ErrLimitExceeded),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, position.ErrInsufficientShares),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, amm.ErrNoConvergence):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrValidation),
		errors.Is(err, market.ErrInvalidMarket),
		errors.Is(err, market.ErrInvalidAccount):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
