// Package amm implements the weighted constant-product market maker that
// prices trades against a market's pool account.
//
// The pool holds a reserve of every outcome share plus currency collateral.
// Each unit of collateral can back one complete set, so the depth available
// for outcome i is L_i = reserve_i + collateral. Trades keep the invariant
//
//	K = Π L_i^{w_i}
//
// constant, where w_i are the market's outcome weights (normalised to sum 1).
// The implied probability of outcome i is the invariant's marginal price:
//
//	p_i = (w_i / L_i) / Σ_j (w_j / L_j)
//
// All monetary values use shopspring/decimal, never float64 for money.
// Internal transcendental math runs in float64 log space (log1p/expm1) for
// stability across reserves of very different magnitude; results are
// truncated to Config.Scale before they leave the package.
package amm

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/playmoney/trade-engine/internal/model"
)

var (
	// ErrInvalidAmount is returned when the trade amount is not positive.
	ErrInvalidAmount = errors.New("amm: amount must be positive")

	// ErrAmountTooSmall is returned when the trade rounds to nothing at the
	// configured scale.
	ErrAmountTooSmall = errors.New("amm: amount too small to trade at configured precision")

	// ErrUnknownOption is returned when the target option is not in the pool.
	ErrUnknownOption = errors.New("amm: option not in pool")

	// ErrInvalidPool is returned when any outcome has non-positive depth or
	// the weights are malformed.
	ErrInvalidPool = errors.New("amm: pool depth and weights must be positive")

	// ErrProbabilityBound is returned when the target option already sits at
	// the bound the trade would push it towards.
	ErrProbabilityBound = errors.New("amm: market is already at the probability bound")

	// ErrNoConvergence is returned when a solver exhausts its iteration
	// budget. The trade is rejected rather than priced imprecisely.
	ErrNoConvergence = errors.New("amm: solver did not converge within the iteration budget")
)

// Config holds the curve's numeric policy.
type Config struct {
	// Scale is the number of decimal places for shares, currency and
	// probabilities leaving the curve.
	Scale int32

	// MaxIterations bounds every iterative search (bisection, doubling).
	MaxIterations int

	// Tolerance is the relative width at which a bisection stops.
	Tolerance float64

	// BuyBound is the probability a buy may approach but never reach.
	BuyBound decimal.Decimal

	// SellBound is the probability a sell may approach but never reach.
	SellBound decimal.Decimal
}

// DefaultConfig returns the production numeric policy.
func DefaultConfig() Config {
	return Config{
		Scale:         8,
		MaxIterations: 200,
		Tolerance:     1e-12,
		BuyBound:      decimal.RequireFromString("0.99"),
		SellBound:     decimal.RequireFromString("0.01"),
	}
}

// Validate checks that the policy is usable.
func (c Config) Validate() error {
	if c.Scale < 0 || c.Scale > 18 {
		return fmt.Errorf("amm: scale must be between 0 and 18, got %d", c.Scale)
	}
	if c.MaxIterations < 1 {
		return errors.New("amm: max iterations must be at least 1")
	}
	if c.Tolerance <= 0 || c.Tolerance >= 1 {
		return errors.New("amm: tolerance must be in (0, 1)")
	}
	if !c.SellBound.IsPositive() || !c.SellBound.LessThan(c.BuyBound) || !c.BuyBound.LessThan(decimal.NewFromInt(1)) {
		return errors.New("amm: bounds must satisfy 0 < sell bound < buy bound < 1")
	}
	return nil
}

// Curve prices trades. It is stateless; reserves are passed in.
type Curve struct {
	cfg       Config
	unit      decimal.Decimal
	unitF     float64
	buyBound  float64
	sellBound float64
}

// NewCurve creates a curve with the given numeric policy.
func NewCurve(cfg Config) (*Curve, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	unit := decimal.New(1, -cfg.Scale)
	return &Curve{
		cfg:       cfg,
		unit:      unit,
		unitF:     unit.InexactFloat64(),
		buyBound:  cfg.BuyBound.InexactFloat64(),
		sellBound: cfg.SellBound.InexactFloat64(),
	}, nil
}

// Config returns the curve's numeric policy.
func (c *Curve) Config() Config {
	return c.cfg
}

// Probabilities evaluates the probability rule at the state's reserves.
// The result sums to exactly 1.
func (c *Curve) Probabilities(state model.AmmState) (map[string]decimal.Decimal, error) {
	p, err := load(state, "")
	if err != nil {
		return nil, err
	}
	return c.normalise(p.ids, probs(p.liq, p.w)), nil
}

// Quote prices spending amount currency on optionID (isBuy) or redeeming
// amount shares of optionID (!isBuy) against state.
func (c *Curve) Quote(state model.AmmState, optionID string, amount decimal.Decimal, isBuy bool) (model.Quote, error) {
	if !amount.IsPositive() {
		return model.Quote{}, ErrInvalidAmount
	}
	p, err := load(state, optionID)
	if err != nil {
		return model.Quote{}, err
	}

	q := model.Quote{
		MarketID: state.MarketID,
		OptionID: optionID,
		IsBuy:    isBuy,
		Amount:   amount,
	}
	if isBuy {
		err = c.quoteBuy(state, p, amount, &q)
	} else {
		err = c.quoteSell(state, p, amount, &q)
	}
	if err != nil {
		return model.Quote{}, err
	}
	return q, nil
}

func (c *Curve) quoteBuy(state model.AmmState, p *pool, amount decimal.Decimal, q *model.Quote) error {
	limit := c.buyBound - c.unitF
	below := func(spend float64) bool {
		return probs(p.afterBuy(spend), p.w)[p.target] < limit
	}
	if !below(0) {
		return ErrProbabilityBound
	}

	capSpend, err := c.largest(below, p.depth())
	if err != nil {
		return err
	}

	cost := amount.Truncate(c.cfg.Scale)
	if capF := decimal.NewFromFloat(capSpend).Truncate(c.cfg.Scale); capF.LessThan(cost) {
		cost = capF
		q.Partial = true
	}

	// Float evaluation and decimal rounding can disagree in the last place;
	// shave until the committed amounts respect the bound.
	for i := 0; i < c.cfg.MaxIterations; i++ {
		if !cost.IsPositive() {
			if q.Partial {
				return ErrProbabilityBound
			}
			return ErrAmountTooSmall
		}
		shares := decimal.NewFromFloat(p.buyShares(cost.InexactFloat64())).Truncate(c.cfg.Scale)
		if !shares.IsPositive() {
			return ErrAmountTooSmall
		}
		after := withTrade(state, p.ids[p.target], shares.Neg(), cost)
		probabilities, err := c.Probabilities(after)
		if err != nil {
			return err
		}
		if probabilities[p.ids[p.target]].LessThan(c.cfg.BuyBound) {
			q.Cost = cost
			q.Shares = shares
			q.Probability = probabilities[p.ids[p.target]]
			q.Probabilities = probabilities
			return nil
		}
		cost = cost.Sub(c.unit)
		q.Partial = true
	}
	return ErrNoConvergence
}

func (c *Curve) quoteSell(state model.AmmState, p *pool, amount decimal.Decimal, q *model.Quote) error {
	limit := c.sellBound + c.unitF
	var solveErr error
	above := func(shares float64) bool {
		payout, err := c.sellPayout(p, shares)
		if err != nil {
			solveErr = err
			return false
		}
		return probs(p.afterSell(shares, payout), p.w)[p.target] > limit
	}
	if !above(0) {
		if solveErr != nil {
			return solveErr
		}
		return ErrProbabilityBound
	}

	capShares, err := c.largest(above, p.depth())
	if solveErr != nil {
		return solveErr
	}
	if err != nil {
		return err
	}

	shares := amount.Truncate(c.cfg.Scale)
	if capF := decimal.NewFromFloat(capShares).Truncate(c.cfg.Scale); capF.LessThan(shares) {
		shares = capF
		q.Partial = true
	}

	for i := 0; i < c.cfg.MaxIterations; i++ {
		if !shares.IsPositive() {
			if q.Partial {
				return ErrProbabilityBound
			}
			return ErrAmountTooSmall
		}
		payoutF, err := c.sellPayout(p, shares.InexactFloat64())
		if err != nil {
			return err
		}
		payout := decimal.NewFromFloat(payoutF).Truncate(c.cfg.Scale)
		if !payout.IsPositive() {
			return ErrAmountTooSmall
		}
		after := withTrade(state, p.ids[p.target], shares, payout.Neg())
		probabilities, err := c.Probabilities(after)
		if err != nil {
			return err
		}
		if probabilities[p.ids[p.target]].GreaterThan(c.cfg.SellBound) {
			q.Cost = payout
			q.Shares = shares
			q.Probability = probabilities[p.ids[p.target]]
			q.Probabilities = probabilities
			return nil
		}
		shares = shares.Sub(c.unit)
		q.Partial = true
	}
	return ErrNoConvergence
}

// largest returns the largest x >= 0 for which the monotone predicate ok
// still holds. ok(0) must be true. The bracket grows by doubling from start.
func (c *Curve) largest(ok func(float64) bool, start float64) (float64, error) {
	hi := start
	iter := 0
	for ; ok(hi); iter++ {
		if iter >= c.cfg.MaxIterations || math.IsInf(hi, 1) {
			return 0, ErrNoConvergence
		}
		hi *= 2
	}

	lo := 0.0
	for ; hi-lo > c.cfg.Tolerance*hi; iter++ {
		if iter >= c.cfg.MaxIterations {
			return 0, ErrNoConvergence
		}
		mid := lo + (hi-lo)/2
		if ok(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// sellPayout solves for the currency c the pool pays for shares of the
// target so that the invariant is unchanged:
//
//	w_t·ln(1 + (s − c)/L_t) + Σ_{i≠t} w_i·ln(1 − c/L_i) = 0
//
// The left side is strictly decreasing in c, positive at 0 and negative at
// min(s, min_{i≠t} L_i), so bisection always brackets the root.
func (c *Curve) sellPayout(p *pool, shares float64) (float64, error) {
	if shares <= 0 {
		return 0, nil
	}
	t := p.target
	g := func(payout float64) float64 {
		sum := p.w[t] * math.Log1p((shares-payout)/p.liq[t])
		for i, l := range p.liq {
			if i == t {
				continue
			}
			sum += p.w[i] * math.Log1p(-payout/l)
		}
		return sum
	}

	lo, hi := 0.0, shares
	for i, l := range p.liq {
		if i != t && l < hi {
			hi = l
		}
	}

	for iter := 0; hi-lo > c.cfg.Tolerance*hi; iter++ {
		if iter >= c.cfg.MaxIterations {
			return 0, ErrNoConvergence
		}
		mid := lo + (hi-lo)/2
		v := g(mid)
		if math.IsNaN(v) {
			return 0, ErrNoConvergence
		}
		if v > 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// normalise rounds probabilities to scale and assigns the rounding residual
// to the last option so the vector sums to exactly 1.
func (c *Curve) normalise(ids []string, ps []float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(ids))
	sum := decimal.Zero
	for i, id := range ids {
		if i == len(ids)-1 {
			out[id] = decimal.NewFromInt(1).Sub(sum)
			break
		}
		v := decimal.NewFromFloat(ps[i]).Round(c.cfg.Scale)
		out[id] = v
		sum = sum.Add(v)
	}
	return out
}

// withTrade returns a copy of state after the pool's option reserve moves by
// sharesDelta and its collateral by currencyDelta.
func withTrade(state model.AmmState, optionID string, sharesDelta, currencyDelta decimal.Decimal) model.AmmState {
	reserves := make(map[string]decimal.Decimal, len(state.Reserves))
	for k, v := range state.Reserves {
		reserves[k] = v
	}
	reserves[optionID] = reserves[optionID].Add(sharesDelta)
	state.Reserves = reserves
	state.Collateral = state.Collateral.Add(currencyDelta)
	return state
}
