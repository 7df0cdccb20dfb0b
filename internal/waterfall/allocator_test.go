package waterfall_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/fundops/hedge-engine/internal/model"
	"github.com/fundops/hedge-engine/internal/waterfall"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func cand(id string, available float64, priority int) model.Candidate {
	return model.Candidate{EntityID: id, Available: d(available), Priority: priority}
}

var lot10k = waterfall.Policy{MinLot: d(10000)}

// checkConservation asserts allocated + residual == requested and that no
// line exceeds its candidate's available capacity.
func checkConservation(t *testing.T, requested decimal.Decimal, cands []model.Candidate, res model.AllocationResult) {
	t.Helper()
	sum := res.Allocated.Add(res.Residual)
	if !sum.Equal(requested) {
		t.Errorf("conservation violated: allocated %s + residual %s != requested %s",
			res.Allocated, res.Residual, requested)
	}
	avail := make(map[string]decimal.Decimal, len(cands))
	for _, c := range cands {
		avail[c.EntityID] = c.Available
	}
	for _, l := range res.Lines {
		if l.Amount.GreaterThan(avail[l.EntityID]) {
			t.Errorf("line %s over-allocated: %s > available %s", l.EntityID, l.Amount, avail[l.EntityID])
		}
		if !l.Amount.IsPositive() {
			t.Errorf("line %s has non-positive amount %s", l.EntityID, l.Amount)
		}
	}
}

// checkLotMultiples asserts every line is an exact multiple of the lot size.
func checkLotMultiples(t *testing.T, res model.AllocationResult, lot decimal.Decimal) {
	t.Helper()
	for _, l := range res.Lines {
		if !l.Amount.Mod(lot).IsZero() {
			t.Errorf("line %s amount %s is not a multiple of lot %s", l.EntityID, l.Amount, lot)
		}
	}
}

// --- Ordering ---

func TestOrder_PriorityThenAvailableThenID(t *testing.T) {
	cands := []model.Candidate{
		cand("ENT-C", 100000, 5),
		cand("ENT-B", 200000, 5),
		cand("ENT-A", 200000, 5),
		cand("ENT-D", 50000, 10),
	}

	ordered := waterfall.Order(cands)

	want := []string{"ENT-D", "ENT-A", "ENT-B", "ENT-C"}
	for i, id := range want {
		if ordered[i].EntityID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, ordered[i].EntityID)
		}
	}
}

func TestOrder_DoesNotMutateInput(t *testing.T) {
	cands := []model.Candidate{
		cand("ENT-B", 100, 1),
		cand("ENT-A", 100, 2),
	}
	waterfall.Order(cands)
	if cands[0].EntityID != "ENT-B" {
		t.Error("Order mutated its input slice")
	}
}

// --- Allocation ---

func TestAllocate_FullFillSingleEntity(t *testing.T) {
	cands := []model.Candidate{cand("ENT-A", 500000, 10)}
	res := waterfall.Allocate(d(200000), cands, lot10k)

	if res.Outcome != model.OutcomePass {
		t.Fatalf("expected Pass, got %s", res.Outcome)
	}
	if len(res.Lines) != 1 || !res.Lines[0].Amount.Equal(d(200000)) {
		t.Errorf("expected one line of 200000, got %+v", res.Lines)
	}
	if !res.Residual.IsZero() {
		t.Errorf("expected zero residual, got %s", res.Residual)
	}
	checkConservation(t, d(200000), cands, res)
}

func TestAllocate_SpillsToSecondEntity(t *testing.T) {
	cands := []model.Candidate{
		cand("ENT-A", 150000, 10),
		cand("ENT-B", 400000, 5),
	}
	res := waterfall.Allocate(d(300000), cands, lot10k)

	if res.Outcome != model.OutcomePass {
		t.Fatalf("expected Pass, got %s: %+v", res.Outcome, res)
	}
	if len(res.Lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(res.Lines))
	}
	// Highest priority drains first.
	if res.Lines[0].EntityID != "ENT-A" || !res.Lines[0].Amount.Equal(d(150000)) {
		t.Errorf("first line should be ENT-A 150000, got %s %s", res.Lines[0].EntityID, res.Lines[0].Amount)
	}
	if res.Lines[1].EntityID != "ENT-B" || !res.Lines[1].Amount.Equal(d(150000)) {
		t.Errorf("second line should be ENT-B 150000, got %s %s", res.Lines[1].EntityID, res.Lines[1].Amount)
	}
	checkConservation(t, d(300000), cands, res)
}

func TestAllocate_PartialWhenCapacityShort(t *testing.T) {
	cands := []model.Candidate{
		cand("ENT-A", 100000, 10),
		cand("ENT-B", 50000, 5),
	}
	res := waterfall.Allocate(d(500000), cands, lot10k)

	if res.Outcome != model.OutcomePartial {
		t.Fatalf("expected Partial, got %s", res.Outcome)
	}
	if !res.Allocated.Equal(d(150000)) {
		t.Errorf("expected allocated 150000, got %s", res.Allocated)
	}
	if !res.Residual.Equal(d(350000)) {
		t.Errorf("expected residual 350000, got %s", res.Residual)
	}
	checkConservation(t, d(500000), cands, res)
}

func TestAllocate_FailWithNoCandidates(t *testing.T) {
	res := waterfall.Allocate(d(100000), nil, lot10k)

	if res.Outcome != model.OutcomeFail {
		t.Fatalf("expected Fail, got %s", res.Outcome)
	}
	if len(res.Lines) != 0 {
		t.Errorf("expected no lines, got %d", len(res.Lines))
	}
	if !res.Residual.Equal(d(100000)) {
		t.Errorf("expected residual 100000, got %s", res.Residual)
	}
}

func TestAllocate_ExcludesNonPositiveCandidates(t *testing.T) {
	cands := []model.Candidate{
		cand("ENT-A", 0, 10),
		cand("ENT-B", -50000, 10),
		cand("ENT-C", 100000, 1),
	}
	res := waterfall.Allocate(d(80000), cands, lot10k)

	if res.Outcome != model.OutcomePass {
		t.Fatalf("expected Pass via ENT-C, got %s", res.Outcome)
	}
	if len(res.Lines) != 1 || res.Lines[0].EntityID != "ENT-C" {
		t.Errorf("expected single ENT-C line, got %+v", res.Lines)
	}
}

func TestAllocate_ZeroRequested(t *testing.T) {
	cands := []model.Candidate{cand("ENT-A", 100000, 1)}
	res := waterfall.Allocate(decimal.Zero, cands, lot10k)

	if res.Outcome != model.OutcomePass {
		t.Errorf("expected Pass for zero request, got %s", res.Outcome)
	}
	if len(res.Lines) != 0 {
		t.Errorf("expected no lines, got %d", len(res.Lines))
	}
}

func TestAllocate_RoundsDownToLot(t *testing.T) {
	// ENT-A has 155000 available; with a 10000 lot only 150000 is usable.
	cands := []model.Candidate{cand("ENT-A", 155000, 10)}
	res := waterfall.Allocate(d(200000), cands, lot10k)

	if !res.Allocated.Equal(d(150000)) {
		t.Errorf("expected lot-rounded 150000, got %s", res.Allocated)
	}
	if res.Outcome != model.OutcomePartial {
		t.Errorf("expected Partial, got %s", res.Outcome)
	}
	checkConservation(t, d(200000), cands, res)
	checkLotMultiples(t, res, lot10k.MinLot)
}

func TestAllocate_MonotonicClassification(t *testing.T) {
	cands := []model.Candidate{
		cand("ENT-A", 150000, 10),
		cand("ENT-B", 75000, 5),
	}

	rank := func(o model.Outcome) int {
		switch o {
		case model.OutcomePass:
			return 2
		case model.OutcomePartial:
			return 1
		default:
			return 0
		}
	}

	// Increasing the requested amount with capacity fixed must never improve
	// the classification.
	prev := rank(model.OutcomePass)
	for req := 10000; req <= 400000; req += 10000 {
		res := waterfall.Allocate(d(float64(req)), cands, lot10k)
		checkConservation(t, d(float64(req)), cands, res)
		checkLotMultiples(t, res, lot10k.MinLot)
		if rank(res.Outcome) > prev {
			t.Fatalf("classification improved at requested %d: %s", req, res.Outcome)
		}
		prev = rank(res.Outcome)
	}
}

func TestAllocate_SubLotCapacityContributesNothing(t *testing.T) {
	// Each entity rounds to a zero take; total rounds to Fail.
	cands := []model.Candidate{
		cand("ENT-A", 9999, 10),
		cand("ENT-B", 5000, 5),
	}
	res := waterfall.Allocate(d(100000), cands, lot10k)

	if res.Outcome != model.OutcomeFail {
		t.Fatalf("expected Fail when all takes round to zero, got %s", res.Outcome)
	}
	if !res.Allocated.IsZero() {
		t.Errorf("expected zero allocated, got %s", res.Allocated)
	}
}

func TestAllocate_Deterministic(t *testing.T) {
	cands := []model.Candidate{
		cand("ENT-B", 100000, 5),
		cand("ENT-A", 100000, 5),
		cand("ENT-C", 300000, 2),
	}

	first := waterfall.Allocate(d(250000), cands, lot10k)
	for i := 0; i < 10; i++ {
		again := waterfall.Allocate(d(250000), cands, lot10k)
		if len(again.Lines) != len(first.Lines) {
			t.Fatalf("run %d: line count changed", i)
		}
		for j := range first.Lines {
			if again.Lines[j].EntityID != first.Lines[j].EntityID ||
				!again.Lines[j].Amount.Equal(first.Lines[j].Amount) {
				t.Fatalf("run %d: nondeterministic line %d: %+v vs %+v",
					i, j, again.Lines[j], first.Lines[j])
			}
		}
	}
}

// --- Backfill ---

func TestAllocate_BackfillPlacesResidual(t *testing.T) {
	pol := waterfall.Policy{MinLot: d(10000), Backfill: true, BackfillMax: d(5000)}
	// 105000 requested: 100000 in lots from ENT-A, 5000 sub-lot residual
	// backfilled onto ENT-A which still has headroom.
	cands := []model.Candidate{cand("ENT-A", 200000, 10)}
	res := waterfall.Allocate(d(105000), cands, pol)

	if res.Outcome != model.OutcomePass {
		t.Fatalf("expected Pass with backfill, got %s: residual %s", res.Outcome, res.Residual)
	}
	if len(res.Lines) != 1 || !res.Lines[0].Amount.Equal(d(105000)) {
		t.Errorf("expected single 105000 line, got %+v", res.Lines)
	}
	checkConservation(t, d(105000), cands, res)
}

func TestAllocate_BackfillSkipsResidualAboveMax(t *testing.T) {
	pol := waterfall.Policy{MinLot: d(10000), Backfill: true, BackfillMax: d(5000)}
	cands := []model.Candidate{cand("ENT-A", 200000, 10)}
	res := waterfall.Allocate(d(107000), cands, pol)

	// 7000 residual exceeds the 5000 backfill cap: stays a partial.
	if res.Outcome != model.OutcomePartial {
		t.Fatalf("expected Partial, got %s", res.Outcome)
	}
	if !res.Residual.Equal(d(7000)) {
		t.Errorf("expected residual 7000, got %s", res.Residual)
	}
}

func TestAllocate_BackfillOffLeavesResidual(t *testing.T) {
	cands := []model.Candidate{cand("ENT-A", 200000, 10)}
	res := waterfall.Allocate(d(105000), cands, lot10k)

	if res.Outcome != model.OutcomePartial {
		t.Fatalf("expected Partial without backfill, got %s", res.Outcome)
	}
	if !res.Residual.Equal(d(5000)) {
		t.Errorf("expected residual 5000, got %s", res.Residual)
	}
}
