package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundops/hedge-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	instructions map[string]*model.Instruction
	events       []model.HedgeBusinessEvent
	positions    map[string]*model.PositionRecord // entity:currency
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instructions: make(map[string]*model.Instruction),
		positions:    make(map[string]*model.PositionRecord),
	}
}

func posKey(entityID, currency string) string { return entityID + ":" + currency }

// SeedPosition installs a position row, for tests and local runs.
func (s *MemoryStore) SeedPosition(p model.PositionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := p
	s.positions[posKey(p.EntityID, p.Currency)] = &copy
}

func (s *MemoryStore) InsertInstruction(_ context.Context, inst *model.Instruction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instructions[inst.MessageID]; exists {
		return fmt.Errorf("instruction %s: %w", inst.MessageID, ErrDuplicate)
	}
	copy := *inst
	s.instructions[inst.MessageID] = &copy
	return nil
}

func (s *MemoryStore) GetInstruction(_ context.Context, messageID string) (*model.Instruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instructions[messageID]
	if !ok {
		return nil, fmt.Errorf("instruction %s: %w", messageID, ErrNotFound)
	}
	copy := *inst
	return &copy, nil
}

func (s *MemoryStore) UpdateInstructionOutcome(_ context.Context, messageID string, status model.Status, allocated, residual decimal.Decimal, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instructions[messageID]
	if !ok {
		return fmt.Errorf("instruction %s: %w", messageID, ErrNotFound)
	}
	inst.Status = status
	inst.Allocated = allocated
	inst.Residual = residual
	inst.Reason = reason
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) InsertEvent(_ context.Context, ev *model.HedgeBusinessEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.events {
		if existing.InstructionID == ev.InstructionID && existing.EntityID == ev.EntityID {
			return fmt.Errorf("event %s/%s: %w", ev.InstructionID, ev.EntityID, ErrDuplicate)
		}
	}
	s.events = append(s.events, *ev)
	return nil
}

func (s *MemoryStore) FindEvent(_ context.Context, instructionID, entityID string) (*model.HedgeBusinessEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ev := range s.events {
		if ev.InstructionID == instructionID && ev.EntityID == entityID {
			copy := ev
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("event %s/%s: %w", instructionID, entityID, ErrNotFound)
}

func (s *MemoryStore) ListEventsByInstruction(_ context.Context, instructionID string) ([]model.HedgeBusinessEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.HedgeBusinessEvent
	for _, ev := range s.events {
		if ev.InstructionID == instructionID {
			result = append(result, ev)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].EntityID < result[j].EntityID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListPendingEvents(_ context.Context) ([]model.HedgeBusinessEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.HedgeBusinessEvent
	for _, ev := range s.events {
		if ev.EventStatus == model.EventApproved && ev.Stage2Status == model.Stage2Pending {
			result = append(result, ev)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, entityID, currency string) (*model.PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(entityID, currency)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", entityID, currency, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) GetUtilization(_ context.Context, entityID, currency string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, ev := range s.events {
		if ev.EntityID == entityID && ev.Currency == currency {
			total = total.Add(ev.Notional)
		}
	}
	return total, nil
}

// EventCount reports the number of stored HBEs, for test assertions.
func (s *MemoryStore) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
