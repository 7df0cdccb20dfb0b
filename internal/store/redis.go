package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/fundops/hedge-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache on capacity inputs and instruction lookups. Writes go to the primary
// store and invalidate the affected keys immediately, so the next capacity
// read for that entity/currency sees updated headroom.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Writes (primary first, then invalidate) ---

func (s *CachedStore) InsertInstruction(ctx context.Context, inst *model.Instruction) error {
	if err := s.primary.InsertInstruction(ctx, inst); err != nil {
		return err
	}
	s.rdb.Del(ctx, instructionKey(inst.MessageID))
	return nil
}

func (s *CachedStore) UpdateInstructionOutcome(ctx context.Context, messageID string, status model.Status, allocated, residual decimal.Decimal, reason string) error {
	if err := s.primary.UpdateInstructionOutcome(ctx, messageID, status, allocated, residual, reason); err != nil {
		return err
	}
	s.rdb.Del(ctx, instructionKey(messageID))
	return nil
}

func (s *CachedStore) InsertEvent(ctx context.Context, ev *model.HedgeBusinessEvent) error {
	if err := s.primary.InsertEvent(ctx, ev); err != nil {
		return err
	}
	// The event changes this entity's utilization and headroom.
	s.rdb.Del(ctx, positionKey(ev.EntityID, ev.Currency), utilizationKey(ev.EntityID, ev.Currency))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetInstruction(ctx context.Context, messageID string) (*model.Instruction, error) {
	data, err := s.rdb.Get(ctx, instructionKey(messageID)).Bytes()
	if err == nil {
		var inst model.Instruction
		if json.Unmarshal(data, &inst) == nil {
			return &inst, nil
		}
	}

	inst, err := s.primary.GetInstruction(ctx, messageID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(inst); err == nil {
		s.rdb.Set(ctx, instructionKey(messageID), data, s.ttl)
	}
	return inst, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, entityID, currency string) (*model.PositionRecord, error) {
	data, err := s.rdb.Get(ctx, positionKey(entityID, currency)).Bytes()
	if err == nil {
		var p model.PositionRecord
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, entityID, currency)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(entityID, currency), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) GetUtilization(ctx context.Context, entityID, currency string) (decimal.Decimal, error) {
	raw, err := s.rdb.Get(ctx, utilizationKey(entityID, currency)).Result()
	if err == nil {
		if d, perr := decimal.NewFromString(raw); perr == nil {
			return d, nil
		}
	}

	d, err := s.primary.GetUtilization(ctx, entityID, currency)
	if err != nil {
		return decimal.Zero, err
	}

	s.rdb.Set(ctx, utilizationKey(entityID, currency), d.String(), s.ttl)
	return d, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) FindEvent(ctx context.Context, instructionID, entityID string) (*model.HedgeBusinessEvent, error) {
	return s.primary.FindEvent(ctx, instructionID, entityID)
}

func (s *CachedStore) ListEventsByInstruction(ctx context.Context, instructionID string) ([]model.HedgeBusinessEvent, error) {
	return s.primary.ListEventsByInstruction(ctx, instructionID)
}

func (s *CachedStore) ListPendingEvents(ctx context.Context) ([]model.HedgeBusinessEvent, error) {
	return s.primary.ListPendingEvents(ctx)
}

// --- Cache keys ---

func instructionKey(id string) string        { return fmt.Sprintf("instr:%s", id) }
func positionKey(e, c string) string         { return fmt.Sprintf("position:%s:%s", e, c) }
func utilizationKey(e, c string) string      { return fmt.Sprintf("util:%s:%s", e, c) }
