// Package limits implements optional per-account position limits checked
// before a buy is committed.
//
// Two caps apply within one market: the shares held of any single option,
// and the total currency committed across all of the market's options
// (the sum of cost bases). A zero cap disables that check.
package limits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/playmoney/trade-engine/internal/model"
)

var (
	// ErrLimitExceeded is wrapped by every limit violation.
	ErrLimitExceeded = errors.New("limits: position limit exceeded")

	// ErrOptionLimitExceeded is returned when a trade would push the shares
	// held of one option beyond the per-option maximum.
	ErrOptionLimitExceeded = errors.New("limits: per-option share limit exceeded")

	// ErrMarketLimitExceeded is returned when a trade would push the
	// currency committed to one market beyond the per-market maximum.
	ErrMarketLimitExceeded = errors.New("limits: per-market cost limit exceeded")
)

// Limiter enforces position limits.
type Limiter struct {
	// MaxSharesPerOption caps the shares an account holds of any one option.
	MaxSharesPerOption decimal.Decimal

	// MaxCostPerMarket caps the cost basis an account carries in one market.
	MaxCostPerMarket decimal.Decimal
}

// NewLimiter creates a limiter. Zero disables a cap.
func NewLimiter(maxSharesPerOption, maxCostPerMarket decimal.Decimal) *Limiter {
	return &Limiter{
		MaxSharesPerOption: maxSharesPerOption,
		MaxCostPerMarket:   maxCostPerMarket,
	}
}

// Enabled reports whether any cap is set.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.MaxSharesPerOption.IsPositive() || l.MaxCostPerMarket.IsPositive())
}

// CheckLimit validates whether a buy respects position limits.
//
// Parameters:
//   - optionID: option being bought
//   - sharesDelta: shares the buy adds
//   - costDelta: currency the buy spends
//   - existing: the account's current positions in the same market
//
// Returns nil if the trade is within limits, or an error describing the violation.
func (l *Limiter) CheckLimit(
	optionID string,
	sharesDelta, costDelta decimal.Decimal,
	existing []model.Position,
) error {
	if !l.Enabled() {
		return nil
	}

	// 1. Per-option shares.
	if l.MaxSharesPerOption.IsPositive() {
		held := decimal.Zero
		for _, p := range existing {
			if p.OptionID == optionID {
				held = held.Add(p.Shares)
			}
		}
		if next := held.Add(sharesDelta); next.GreaterThan(l.MaxSharesPerOption) {
			return fmt.Errorf("%w: %w: %s would hold %s (max %s)",
				ErrLimitExceeded, ErrOptionLimitExceeded, optionID, next, l.MaxSharesPerOption)
		}
	}

	// 2. Currency committed across the market.
	if l.MaxCostPerMarket.IsPositive() {
		committed := costDelta
		for _, p := range existing {
			committed = committed.Add(p.CostBasis)
		}
		if committed.GreaterThan(l.MaxCostPerMarket) {
			return fmt.Errorf("%w: %w: %s committed (max %s)",
				ErrLimitExceeded, ErrMarketLimitExceeded, committed, l.MaxCostPerMarket)
		}
	}

	return nil
}
