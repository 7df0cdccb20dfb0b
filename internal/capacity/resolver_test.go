package capacity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundops/hedge-engine/internal/capacity"
	"github.com/fundops/hedge-engine/internal/config"
	"github.com/fundops/hedge-engine/internal/model"
	"github.com/fundops/hedge-engine/internal/retry"
	"github.com/fundops/hedge-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func bps(v int64) *int64 { return &v }

func testSnapshot() *config.Snapshot {
	return &config.Snapshot{
		BufferBps: 500,
		Freshness: 15 * time.Minute,
		MinLot:    d(10000),
		Currencies: map[string]config.Currency{
			"USD": {Active: true},
			"KRW": {Active: false},
		},
		Entities: map[string]config.Entity{
			"ENT-ALPHA": {Active: true, Priority: 10, BufferBps: bps(300)},
			"ENT-BETA":  {Active: true, Priority: 5},
			"ENT-GAMMA": {Active: false, Priority: 1},
		},
		Groups: map[string][]string{"EMEA": {"ENT-ALPHA", "ENT-BETA", "ENT-GAMMA"}},
	}
}

func newResolver(ms *store.MemoryStore) *capacity.Resolver {
	return capacity.NewResolver(ms, config.Static(testSnapshot()), retry.Policy{Attempts: 1})
}

func seedPosition(ms *store.MemoryStore, entityID string, position, car, overlay, hedged float64, asOf time.Time) {
	ms.SeedPosition(model.PositionRecord{
		EntityID: entityID,
		Currency: "USD",
		Position: d(position),
		CAR:      d(car),
		Overlay:  d(overlay),
		Hedged:   d(hedged),
		AsOf:     asOf,
	})
}

func TestSnapshot_Formula(t *testing.T) {
	ms := store.NewMemoryStore()
	// ENT-BETA uses the default 500bps buffer:
	// (1000000 - 100000 + 50000) - 1000000*0.05 - 200000 = 700000
	seedPosition(ms, "ENT-BETA", 1000000, 100000, 50000, 200000, time.Now())

	snap, err := newResolver(ms).Snapshot(context.Background(), "ENT-BETA", "USD")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if !snap.Available.Equal(d(700000)) {
		t.Errorf("expected available 700000, got %s", snap.Available)
	}
	if snap.BufferBps != 500 {
		t.Errorf("expected default buffer 500bps, got %d", snap.BufferBps)
	}
	if snap.Stale {
		t.Error("fresh position flagged stale")
	}
}

func TestSnapshot_CommittedEventsConsumeHeadroom(t *testing.T) {
	ms := store.NewMemoryStore()
	// ENT-BETA default buffer: 1000000 - 50000 = 950000 before utilization.
	seedPosition(ms, "ENT-BETA", 1000000, 0, 0, 0, time.Now())

	err := ms.InsertEvent(context.Background(), &model.HedgeBusinessEvent{
		EventID:       "EVT-001",
		InstructionID: "MSG-PRIOR",
		EntityID:      "ENT-BETA",
		EventType:     model.Inception,
		Currency:      "USD",
		Notional:      d(400000),
		EventStatus:   model.EventApproved,
		Stage2Status:  model.Stage2Pending,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}

	snap, err := newResolver(ms).Snapshot(context.Background(), "ENT-BETA", "USD")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if !snap.Utilized.Equal(d(400000)) {
		t.Errorf("expected utilized 400000, got %s", snap.Utilized)
	}
	if !snap.Available.Equal(d(550000)) {
		t.Errorf("committed notional should reduce headroom to 550000, got %s", snap.Available)
	}
}

func TestSnapshot_EntityBufferOverride(t *testing.T) {
	ms := store.NewMemoryStore()
	// ENT-ALPHA overrides to 300bps: 1000000 - 1000000*0.03 = 970000
	seedPosition(ms, "ENT-ALPHA", 1000000, 0, 0, 0, time.Now())

	snap, err := newResolver(ms).Snapshot(context.Background(), "ENT-ALPHA", "USD")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if !snap.Available.Equal(d(970000)) {
		t.Errorf("expected available 970000, got %s", snap.Available)
	}
	if snap.BufferBps != 300 {
		t.Errorf("expected override buffer 300bps, got %d", snap.BufferBps)
	}
}

func TestSnapshot_NegativeAvailableFlooredByHeadroom(t *testing.T) {
	ms := store.NewMemoryStore()
	// CAR exceeds position: available goes negative.
	seedPosition(ms, "ENT-BETA", 100000, 500000, 0, 0, time.Now())

	snap, err := newResolver(ms).Snapshot(context.Background(), "ENT-BETA", "USD")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if !snap.Available.IsNegative() {
		t.Errorf("expected negative available, got %s", snap.Available)
	}
	if !snap.Headroom().IsZero() {
		t.Errorf("headroom should floor at zero, got %s", snap.Headroom())
	}
}

func TestSnapshot_StaleFlag(t *testing.T) {
	ms := store.NewMemoryStore()
	seedPosition(ms, "ENT-BETA", 1000000, 0, 0, 0, time.Now().Add(-time.Hour))

	snap, err := newResolver(ms).Snapshot(context.Background(), "ENT-BETA", "USD")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if !snap.Stale {
		t.Error("hour-old position should be flagged stale")
	}
}

func TestSnapshot_InactiveEntity(t *testing.T) {
	ms := store.NewMemoryStore()
	seedPosition(ms, "ENT-GAMMA", 1000000, 0, 0, 0, time.Now())

	_, err := newResolver(ms).Snapshot(context.Background(), "ENT-GAMMA", "USD")
	if !errors.Is(err, capacity.ErrEntityNotFound) {
		t.Errorf("expected ErrEntityNotFound, got %v", err)
	}
}

func TestSnapshot_UnknownEntity(t *testing.T) {
	_, err := newResolver(store.NewMemoryStore()).Snapshot(context.Background(), "ENT-NOPE", "USD")
	if !errors.Is(err, capacity.ErrEntityNotFound) {
		t.Errorf("expected ErrEntityNotFound, got %v", err)
	}
}

func TestSnapshot_InactiveCurrency(t *testing.T) {
	_, err := newResolver(store.NewMemoryStore()).Snapshot(context.Background(), "ENT-ALPHA", "KRW")
	if !errors.Is(err, capacity.ErrCurrencyNotSupported) {
		t.Errorf("expected ErrCurrencyNotSupported, got %v", err)
	}
}

func TestSnapshot_MissingPositionRow(t *testing.T) {
	_, err := newResolver(store.NewMemoryStore()).Snapshot(context.Background(), "ENT-ALPHA", "USD")
	if !errors.Is(err, capacity.ErrCurrencyNotSupported) {
		t.Errorf("no position row should map to ErrCurrencyNotSupported, got %v", err)
	}
}

func TestScopeSnapshots_SkipsIneligibleMembers(t *testing.T) {
	ms := store.NewMemoryStore()
	seedPosition(ms, "ENT-ALPHA", 1000000, 0, 0, 0, time.Now())
	// ENT-BETA has no position row; ENT-GAMMA is inactive.

	snaps, skipped, err := newResolver(ms).ScopeSnapshots(context.Background(), "EMEA", "USD")
	if err != nil {
		t.Fatalf("scope snapshots failed: %v", err)
	}
	if len(snaps) != 1 || snaps[0].EntityID != "ENT-ALPHA" {
		t.Errorf("expected only ENT-ALPHA resolved, got %+v", snaps)
	}
	if len(skipped) != 2 {
		t.Errorf("expected 2 skipped members, got %v", skipped)
	}
}

func TestTotalHeadroom_FloorsPerEntity(t *testing.T) {
	snaps := []model.CapacitySnapshot{
		{EntityID: "ENT-A", Available: d(100000)},
		{EntityID: "ENT-B", Available: d(-400000)},
	}
	// The negative entity floors at zero rather than offsetting the other.
	if total := capacity.TotalHeadroom(snaps); !total.Equal(d(100000)) {
		t.Errorf("expected total 100000, got %s", total)
	}
}
