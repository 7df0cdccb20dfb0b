// Package emitter persists hedge business events produced by the waterfall
// allocator and finalizes the originating instruction's status. Emission is
// idempotent on (instruction_id, entity_id): replays and racing writers
// converge on the existing event instead of creating duplicates.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fundops/hedge-engine/internal/model"
	"github.com/fundops/hedge-engine/internal/retry"
	"github.com/fundops/hedge-engine/internal/store"
)

// Emitter writes HBEs and instruction outcomes to the durable store.
// Duplicate detection is two-tier: an in-process LRU in front of the store
// lookup, so replays of recently processed instructions skip the cold path.
type Emitter struct {
	store store.Store
	seen  *dedupLRU
	retry retry.Policy
	now   func() time.Time
	newID func() string
}

// New creates an emitter with the given dedup LRU capacity.
func New(st store.Store, pol retry.Policy, lruCapacity int) *Emitter {
	return &Emitter{
		store: st,
		seen:  newDedupLRU(lruCapacity),
		retry: pol,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

func dedupKey(instructionID, entityID string) string {
	return instructionID + ":" + entityID
}

// Emit writes one HBE per positive allocation line, skipping pairs that
// already exist, then updates the instruction's status and amounts. Events
// are returned in allocation order, pre-existing ones included. Store
// failures are retried; a unique-key conflict from a racing writer resolves
// as a no-op by fetching the winner's row.
func (e *Emitter) Emit(ctx context.Context, inst *model.Instruction, res model.AllocationResult) ([]model.HedgeBusinessEvent, error) {
	events := make([]model.HedgeBusinessEvent, 0, len(res.Lines))

	for _, line := range res.Lines {
		if !line.Amount.IsPositive() {
			continue
		}
		ev, err := e.emitOne(ctx, inst, line)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}

	status := model.AllocatedStatus(res.Outcome)
	reason := ""
	if res.Outcome != model.OutcomePass {
		reason = fmt.Sprintf("insufficient capacity: allocated %s of %s", res.Allocated, inst.Requested)
	}

	err := e.retry.Do(ctx, func(ctx context.Context) error {
		if err := e.store.UpdateInstructionOutcome(ctx, inst.MessageID, status, res.Allocated, res.Residual, reason); err != nil {
			return retry.Transient(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("finalize instruction %s: %w", inst.MessageID, err)
	}

	inst.Status = status
	inst.Allocated = res.Allocated
	inst.Residual = res.Residual
	inst.Reason = reason

	return events, nil
}

func (e *Emitter) emitOne(ctx context.Context, inst *model.Instruction, line model.AllocationLine) (*model.HedgeBusinessEvent, error) {
	key := dedupKey(inst.MessageID, line.EntityID)

	// Tier 1: LRU hit means this pair was already emitted recently.
	if e.seen.Contains(key) {
		existing, err := e.findExisting(ctx, inst.MessageID, line.EntityID)
		if err == nil {
			return existing, nil
		}
		// LRU was stale; fall through to the normal path.
	}

	// Tier 2: store lookup.
	existing, err := e.findExisting(ctx, inst.MessageID, line.EntityID)
	if err == nil {
		e.seen.Add(key)
		slog.Info("hbe already exists, skipping",
			"instruction", inst.MessageID, "entity", line.EntityID)
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	ev := &model.HedgeBusinessEvent{
		EventID:       e.newID(),
		InstructionID: inst.MessageID,
		EntityID:      line.EntityID,
		EventType:     inst.Type,
		NAVType:       inst.NAVType,
		Currency:      inst.Currency,
		Notional:      line.Amount,
		EventStatus:   model.EventApproved,
		Stage2Status:  model.Stage2Pending,
		CreatedAt:     e.now().UTC(),
	}

	err = e.retry.Do(ctx, func(ctx context.Context) error {
		if err := e.store.InsertEvent(ctx, ev); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return err
			}
			return retry.Transient(err)
		}
		return nil
	})
	if errors.Is(err, store.ErrDuplicate) {
		// Racing writer won; our attempt is a no-op success.
		existing, ferr := e.findExisting(ctx, inst.MessageID, line.EntityID)
		if ferr != nil {
			return nil, fmt.Errorf("resolve duplicate event %s/%s: %w", inst.MessageID, line.EntityID, ferr)
		}
		e.seen.Add(key)
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert event %s/%s: %w", inst.MessageID, line.EntityID, err)
	}

	e.seen.Add(key)
	slog.Info("hbe emitted",
		"event_id", ev.EventID,
		"instruction", inst.MessageID,
		"entity", line.EntityID,
		"notional", line.Amount.String(),
	)
	return ev, nil
}

func (e *Emitter) findExisting(ctx context.Context, instructionID, entityID string) (*model.HedgeBusinessEvent, error) {
	var found *model.HedgeBusinessEvent
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		ev, err := e.store.FindEvent(ctx, instructionID, entityID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return err
			}
			return retry.Transient(err)
		}
		found = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}
