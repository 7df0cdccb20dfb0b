// Package threshold validates prospective instructions against hard limits
// and currency trading rules. The guard is a read-only gate: it never
// mutates counters, and utilization figures come from a snapshot taken at
// call time.
package threshold

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/fundops/hedge-engine/internal/config"
	"github.com/fundops/hedge-engine/internal/model"
	"github.com/fundops/hedge-engine/internal/retry"
	"github.com/fundops/hedge-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Guard evaluates threshold rules for one entity, currency, and requested
// notional. Violations block allocation; warnings are advisory only.
type Guard struct {
	store store.Store
	cfg   config.Provider
	retry retry.Policy
}

// NewGuard creates a threshold guard.
func NewGuard(st store.Store, cfg config.Provider, pol retry.Policy) *Guard {
	return &Guard{store: st, cfg: cfg, retry: pol}
}

// CurrencyActive reports whether a currency is configured and tradeable.
func (g *Guard) CurrencyActive(currency string) bool {
	cur, ok := g.cfg.Snapshot().Currencies[currency]
	return ok && cur.Active
}

// Check runs the threshold rules in order: currency active, hard ceiling
// (current utilization plus this request against the configured ceiling,
// e.g. the USD PB deposit limit), then per-currency override caps. A breach
// of the hard ceiling or cap is fatal; crossing the soft early-warning
// percentage of the ceiling only produces a warning.
func (g *Guard) Check(ctx context.Context, entityID, currency string, requested decimal.Decimal) (*model.GuardResult, error) {
	cfg := g.cfg.Snapshot()
	res := &model.GuardResult{Passed: true}

	cur, ok := cfg.Currencies[currency]
	if !ok || !cur.Active {
		res.Passed = false
		res.Violated = append(res.Violated, model.RuleCurrencyInactive)
		return res, nil
	}

	if ceiling, ok := cfg.Ceilings[currency]; ok && ceiling.IsPositive() {
		var util decimal.Decimal
		err := g.retry.Do(ctx, func(ctx context.Context) error {
			u, err := g.store.GetUtilization(ctx, entityID, currency)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return err
				}
				return retry.Transient(err)
			}
			util = u
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		prospective := util.Add(requested)
		if prospective.GreaterThan(ceiling) {
			res.Passed = false
			res.Violated = append(res.Violated, model.RuleHardCeiling)
		} else if cfg.SoftCeilingPct > 0 {
			soft := ceiling.Mul(decimal.NewFromInt(cfg.SoftCeilingPct)).Div(hundred)
			if prospective.GreaterThan(soft) {
				res.Warnings = append(res.Warnings, model.RuleSoftCeiling)
			}
		}
	}

	if capAmount, ok := cfg.CurrencyCaps[currency]; ok && capAmount.IsPositive() {
		if requested.GreaterThan(capAmount) {
			res.Passed = false
			res.Violated = append(res.Violated, model.RuleCurrencyCap)
		}
	}

	return res, nil
}
