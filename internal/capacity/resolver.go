// Package capacity computes hedgeable headroom per entity and currency from
// raw position figures. Resolution is a pure read: nothing here mutates the
// store, and a snapshot is valid only for the pipeline run that requested it.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundops/hedge-engine/internal/config"
	"github.com/fundops/hedge-engine/internal/model"
	"github.com/fundops/hedge-engine/internal/retry"
	"github.com/fundops/hedge-engine/internal/store"
)

var (
	// ErrEntityNotFound is returned when an entity is unknown or inactive.
	ErrEntityNotFound = errors.New("capacity: entity not found or inactive")

	// ErrCurrencyNotSupported is returned when a currency is inactive or has
	// no position configured for the entity.
	ErrCurrencyNotSupported = errors.New("capacity: currency not supported for entity")
)

var tenThousand = decimal.NewFromInt(10000)

// Resolver derives capacity snapshots from the position store and the
// injected configuration provider.
type Resolver struct {
	store store.Store
	cfg   config.Provider
	retry retry.Policy
	now   func() time.Time
}

// NewResolver creates a resolver. The retry policy covers transient store
// read failures only; business errors return immediately.
func NewResolver(st store.Store, cfg config.Provider, pol retry.Policy) *Resolver {
	return &Resolver{store: st, cfg: cfg, retry: pol, now: time.Now}
}

// Snapshot resolves one entity's headroom for one currency.
//
//	available = (position - CAR + overlay) - position*(bufferBps/10000) - hedged - utilized
//
// Utilized is the notional already committed through emitted events for this
// entity and currency. Subtracting it keeps headroom honest between emission
// and Stage 2 booking: once an instruction allocates against an entity, the
// next instruction sees the reduced figure.
//
// Available may be negative; callers floor it at zero via Headroom. The
// Stale flag is advisory: position data older than the freshness window is
// usable but flagged.
func (r *Resolver) Snapshot(ctx context.Context, entityID, currency string) (*model.CapacitySnapshot, error) {
	cfg := r.cfg.Snapshot()

	ent, ok := cfg.Entities[entityID]
	if !ok || !ent.Active {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	cur, ok := cfg.Currencies[currency]
	if !ok || !cur.Active {
		return nil, fmt.Errorf("%w: %s/%s", ErrCurrencyNotSupported, entityID, currency)
	}

	var pos *model.PositionRecord
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		p, err := r.store.GetPosition(ctx, entityID, currency)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return err
			}
			return retry.Transient(err)
		}
		pos = p
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrCurrencyNotSupported, entityID, currency)
		}
		return nil, err
	}

	var util decimal.Decimal
	err = r.retry.Do(ctx, func(ctx context.Context) error {
		u, err := r.store.GetUtilization(ctx, entityID, currency)
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

	bufferBps := cfg.EntityBufferBps(entityID)
	buffer := pos.Position.Mul(decimal.NewFromInt(bufferBps)).Div(tenThousand)
	available := pos.Position.Sub(pos.CAR).Add(pos.Overlay).Sub(buffer).Sub(pos.Hedged).Sub(util)

	return &model.CapacitySnapshot{
		EntityID:  entityID,
		Currency:  currency,
		Position:  pos.Position,
		CAR:       pos.CAR,
		Overlay:   pos.Overlay,
		BufferBps: bufferBps,
		Hedged:    pos.Hedged,
		Utilized:  util,
		Available: available,
		AsOf:      pos.AsOf,
		Stale:     r.now().Sub(pos.AsOf) > cfg.Freshness,
	}, nil
}

// ScopeSnapshots resolves every entity in a scope (group tag or single id).
// Members that are inactive or lack the currency are skipped and reported in
// the second return value; a transient store failure aborts the whole call.
func (r *Resolver) ScopeSnapshots(ctx context.Context, scope, currency string) ([]model.CapacitySnapshot, []string, error) {
	cfg := r.cfg.Snapshot()

	var snaps []model.CapacitySnapshot
	var skipped []string

	for _, entityID := range cfg.ScopeEntities(scope) {
		snap, err := r.Snapshot(ctx, entityID, currency)
		if err != nil {
			if errors.Is(err, ErrEntityNotFound) || errors.Is(err, ErrCurrencyNotSupported) {
				skipped = append(skipped, entityID)
				continue
			}
			return nil, nil, err
		}
		snaps = append(snaps, *snap)
	}

	return snaps, skipped, nil
}

// TotalHeadroom sums usable capacity across snapshots, flooring each
// entity's negative available at zero.
func TotalHeadroom(snaps []model.CapacitySnapshot) decimal.Decimal {
	total := decimal.Zero
	for _, s := range snaps {
		total = total.Add(s.Headroom())
	}
	return total
}
