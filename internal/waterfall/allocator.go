// Package waterfall implements the Stage 1B allocation engine: a single
// deterministic greedy walk that spreads a requested notional across ranked
// entities in lot-sized chunks. Pure in-memory computation — persistence is
// the emitter's job, which keeps allocation independently testable.
package waterfall

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/fundops/hedge-engine/internal/model"
)

// Policy holds the allocation knobs. MinLot is the minimum increment any
// single entity may receive. Backfill, off by default, places a residual no
// larger than BackfillMax onto the first ranked entity that still has that
// much headroom instead of leaving a small awkward partial.
type Policy struct {
	MinLot      decimal.Decimal
	Backfill    bool
	BackfillMax decimal.Decimal
}

// Order sorts candidates deterministically: priority weight descending,
// then available capacity descending, then entity id ascending. Identical
// inputs always produce identical ordering — no iteration-order dependence.
func Order(cands []model.Candidate) []model.Candidate {
	out := make([]model.Candidate, len(cands))
	copy(out, cands)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].Available.Equal(out[j].Available) {
			return out[i].Available.GreaterThan(out[j].Available)
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// Allocate runs the waterfall for one instruction. Candidates with zero or
// negative available capacity are excluded before the walk. Each take is
// min(available, remaining) rounded down to the nearest lot multiple, so a
// line can never exceed its entity's capacity. Conservation holds on every
// path: allocated + residual == requested.
func Allocate(requested decimal.Decimal, cands []model.Candidate, pol Policy) model.AllocationResult {
	res := model.AllocationResult{
		Lines:     []model.AllocationLine{},
		Allocated: decimal.Zero,
		Residual:  requested,
	}

	// Requested 0 is validated upstream, but the allocator must not error.
	if requested.IsZero() {
		res.Outcome = model.OutcomePass
		return res
	}

	eligible := make([]model.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Available.IsPositive() {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		res.Outcome = model.OutcomeFail
		return res
	}

	ordered := Order(eligible)
	remaining := requested

	for _, c := range ordered {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		take := c.Available
		if remaining.LessThan(take) {
			take = remaining
		}
		take = roundDownToLot(take, pol.MinLot)
		if !take.IsPositive() {
			// Rounded take of zero contributes nothing; skipped, not retried.
			continue
		}
		res.Lines = append(res.Lines, model.AllocationLine{EntityID: c.EntityID, Amount: take})
		res.Allocated = res.Allocated.Add(take)
		remaining = remaining.Sub(take)
	}

	if pol.Backfill && remaining.IsPositive() && remaining.LessThanOrEqual(pol.BackfillMax) {
		remaining = backfill(&res, ordered, remaining)
	}

	res.Residual = remaining
	switch {
	case remaining.LessThanOrEqual(decimal.Zero):
		res.Outcome = model.OutcomePass
	case res.Allocated.IsPositive():
		res.Outcome = model.OutcomePartial
	default:
		res.Outcome = model.OutcomeFail
	}
	return res
}

// backfill places the leftover residual onto the first ranked entity whose
// remaining headroom covers it. The residual is below one lot by
// construction, so no lot rounding applies here.
func backfill(res *model.AllocationResult, ordered []model.Candidate, remaining decimal.Decimal) decimal.Decimal {
	taken := make(map[string]decimal.Decimal, len(res.Lines))
	for _, l := range res.Lines {
		taken[l.EntityID] = l.Amount
	}

	for _, c := range ordered {
		headroom := c.Available.Sub(taken[c.EntityID])
		if headroom.LessThan(remaining) {
			continue
		}
		for i := range res.Lines {
			if res.Lines[i].EntityID == c.EntityID {
				res.Lines[i].Amount = res.Lines[i].Amount.Add(remaining)
				res.Allocated = res.Allocated.Add(remaining)
				return decimal.Zero
			}
		}
		res.Lines = append(res.Lines, model.AllocationLine{EntityID: c.EntityID, Amount: remaining})
		res.Allocated = res.Allocated.Add(remaining)
		return decimal.Zero
	}
	return remaining
}

// roundDownToLot rounds amount down to the nearest multiple of lot. Rounding
// is always down, never up, so an entity can never be over-allocated.
func roundDownToLot(amount, lot decimal.Decimal) decimal.Decimal {
	if !lot.IsPositive() {
		return amount
	}
	return amount.Div(lot).Floor().Mul(lot)
}
