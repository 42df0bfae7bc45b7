package amm

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/playmoney/trade-engine/internal/model"
)

// pool is the float64 working view of an AmmState.
type pool struct {
	ids    []string
	liq    []float64 // L_i = reserve_i + collateral
	w      []float64 // normalised weights
	target int       // index of the traded option, -1 when none
}

func load(state model.AmmState, optionID string) (*pool, error) {
	n := len(state.OptionIDs)
	if n < 2 {
		return nil, fmt.Errorf("%w: need at least two options, have %d", ErrInvalidPool, n)
	}

	p := &pool{
		ids:    state.OptionIDs,
		liq:    make([]float64, n),
		w:      make([]float64, n),
		target: -1,
	}

	weighted := false
	for _, id := range state.OptionIDs {
		if state.Weights[id].IsPositive() {
			weighted = true
			break
		}
	}

	var wsum float64
	for i, id := range state.OptionIDs {
		depth := state.Reserves[id].Add(state.Collateral)
		if !depth.IsPositive() {
			return nil, fmt.Errorf("%w: option %s has depth %s", ErrInvalidPool, id, depth)
		}
		p.liq[i] = depth.InexactFloat64()

		w := 1.0
		if weighted {
			wd := state.Weights[id]
			if !wd.IsPositive() {
				return nil, fmt.Errorf("%w: option %s has weight %s", ErrInvalidPool, id, wd)
			}
			w = wd.InexactFloat64()
		}
		p.w[i] = w
		wsum += w

		if id == optionID {
			p.target = i
		}
	}
	for i := range p.w {
		p.w[i] /= wsum
	}

	if optionID != "" && p.target < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOption, optionID)
	}
	return p, nil
}

// probs evaluates p_i = (w_i / L_i) / Σ_j (w_j / L_j).
func probs(liq, w []float64) []float64 {
	out := make([]float64, len(liq))
	var sum float64
	for i, l := range liq {
		out[i] = w[i] / l
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// depth is a scale hint for bracketing searches.
func (p *pool) depth() float64 {
	var s float64
	for _, l := range p.liq {
		s += l
	}
	return s
}

// drawdown returns X = Σ_{i≠t} (w_i / w_t)·ln(1 + c/L_i), the log factor by
// which the target's depth shrinks when c currency is added to every depth.
func (p *pool) drawdown(c float64) float64 {
	var x float64
	for i, l := range p.liq {
		if i == p.target {
			continue
		}
		x += p.w[i] * math.Log1p(c/l)
	}
	return x / p.w[p.target]
}

// buyShares returns the shares paid out for spending c:
//
//	s = c + L_t·(1 − e^{−X})
//
// written with expm1 so small trades against deep pools keep precision.
func (p *pool) buyShares(c float64) float64 {
	if c <= 0 {
		return 0
	}
	return c - p.liq[p.target]*math.Expm1(-p.drawdown(c))
}

// afterBuy returns the depths after spending c on the target.
func (p *pool) afterBuy(c float64) []float64 {
	out := make([]float64, len(p.liq))
	for i, l := range p.liq {
		out[i] = l + c
	}
	out[p.target] = p.liq[p.target] * math.Exp(-p.drawdown(c))
	return out
}

// afterSell returns the depths after the pool takes s target shares and pays
// out c currency.
func (p *pool) afterSell(s, c float64) []float64 {
	out := make([]float64, len(p.liq))
	for i, l := range p.liq {
		out[i] = l - c
	}
	out[p.target] = p.liq[p.target] + s - c
	return out
}

// Depth returns L_i = reserve_i + collateral for every option of state.
func Depth(state model.AmmState) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(state.OptionIDs))
	for _, id := range state.OptionIDs {
		out[id] = state.Reserves[id].Add(state.Collateral)
	}
	return out
}
