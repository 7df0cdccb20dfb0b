// Package store defines the persistence interface for the hedge engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/fundops/hedge-engine/internal/model"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert hits a uniqueness constraint,
	// e.g. two emitters racing on the same (instruction, entity) pair.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer on capacity inputs.
type Store interface {
	// --- Instructions ---

	// InsertInstruction persists a newly received instruction.
	InsertInstruction(ctx context.Context, inst *model.Instruction) error

	// GetInstruction retrieves an instruction by message id.
	GetInstruction(ctx context.Context, messageID string) (*model.Instruction, error)

	// UpdateInstructionOutcome records an instruction's terminal (or parked)
	// status together with its allocated/residual amounts and reason.
	UpdateInstructionOutcome(ctx context.Context, messageID string, status model.Status, allocated, residual decimal.Decimal, reason string) error

	// --- Hedge business events ---

	// InsertEvent appends one HBE. Returns ErrDuplicate if an event for the
	// same (instruction_id, entity_id) already exists.
	InsertEvent(ctx context.Context, ev *model.HedgeBusinessEvent) error

	// FindEvent looks up the HBE for one (instruction, entity) pair.
	FindEvent(ctx context.Context, instructionID, entityID string) (*model.HedgeBusinessEvent, error)

	// ListEventsByInstruction returns all HBEs created for an instruction.
	ListEventsByInstruction(ctx context.Context, instructionID string) ([]model.HedgeBusinessEvent, error)

	// ListPendingEvents returns Approved events awaiting Stage 2 booking.
	ListPendingEvents(ctx context.Context) ([]model.HedgeBusinessEvent, error)

	// --- Positions / utilization ---

	// GetPosition reads the raw position row for one entity and currency.
	GetPosition(ctx context.Context, entityID, currency string) (*model.PositionRecord, error)

	// GetUtilization returns the total notional already committed through
	// HBEs for one entity and currency.
	GetUtilization(ctx context.Context, entityID, currency string) (decimal.Decimal, error)
}
