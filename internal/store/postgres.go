package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fundops/hedge-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const uniqueViolation = "23505"

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) InsertInstruction(ctx context.Context, inst *model.Instruction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instructions (message_id, instr_type, currency, entity_scope, requested,
		                           nav_type, business_date, prior_order_id, status,
		                           allocated, residual, reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12, $13, $14)`,
		inst.MessageID, string(inst.Type), inst.Currency, inst.EntityScope, inst.Requested.String(),
		string(inst.NAVType), inst.BusinessDate, inst.PriorOrderID, string(inst.Status),
		inst.Allocated.String(), inst.Residual.String(), inst.Reason,
		inst.CreatedAt, inst.UpdatedAt,
	)
	return mapError(err)
}

func (s *PostgresStore) GetInstruction(ctx context.Context, messageID string) (*model.Instruction, error) {
	var inst model.Instruction
	var itype, nav, status string
	var requested, allocated, residual string

	err := s.pool.QueryRow(ctx,
		`SELECT message_id, instr_type, currency, entity_scope,
		        requested::TEXT, nav_type, business_date, prior_order_id, status,
		        allocated::TEXT, residual::TEXT, reason, created_at, updated_at
		 FROM instructions WHERE message_id = $1`, messageID).
		Scan(&inst.MessageID, &itype, &inst.Currency, &inst.EntityScope,
			&requested, &nav, &inst.BusinessDate, &inst.PriorOrderID, &status,
			&allocated, &residual, &inst.Reason, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get instruction %s: %w", messageID, mapError(err))
	}

	inst.Type = model.InstructionType(itype)
	inst.NAVType = model.NAVType(nav)
	inst.Status = model.Status(status)
	inst.Requested, _ = decimal.NewFromString(requested)
	inst.Allocated, _ = decimal.NewFromString(allocated)
	inst.Residual, _ = decimal.NewFromString(residual)

	return &inst, nil
}

func (s *PostgresStore) UpdateInstructionOutcome(ctx context.Context, messageID string, status model.Status, allocated, residual decimal.Decimal, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE instructions
		 SET status = $2, allocated = $3::NUMERIC, residual = $4::NUMERIC,
		     reason = $5, updated_at = NOW()
		 WHERE message_id = $1`,
		messageID, string(status), allocated.String(), residual.String(), reason,
	)
	return mapError(err)
}

func (s *PostgresStore) InsertEvent(ctx context.Context, ev *model.HedgeBusinessEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO hedge_business_events (event_id, instruction_id, entity_id, event_type,
		                                    nav_type, currency, notional, event_status,
		                                    stage2_status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10)`,
		ev.EventID, ev.InstructionID, ev.EntityID, string(ev.EventType),
		string(ev.NAVType), ev.Currency, ev.Notional.String(), ev.EventStatus,
		ev.Stage2Status, ev.CreatedAt,
	)
	return mapError(err)
}

const eventColumns = `event_id, instruction_id, entity_id, event_type, nav_type,
       currency, notional::TEXT, event_status, stage2_status, created_at`

func (s *PostgresStore) FindEvent(ctx context.Context, instructionID, entityID string) (*model.HedgeBusinessEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+`
		 FROM hedge_business_events
		 WHERE instruction_id = $1 AND entity_id = $2`, instructionID, entityID)

	ev, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("find event %s/%s: %w", instructionID, entityID, mapError(err))
	}
	return ev, nil
}

func (s *PostgresStore) ListEventsByInstruction(ctx context.Context, instructionID string) ([]model.HedgeBusinessEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM hedge_business_events
		 WHERE instruction_id = $1 ORDER BY created_at, entity_id`, instructionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) ListPendingEvents(ctx context.Context) ([]model.HedgeBusinessEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM hedge_business_events
		 WHERE event_status = $1 AND stage2_status = $2
		 ORDER BY created_at`, model.EventApproved, model.Stage2Pending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) GetPosition(ctx context.Context, entityID, currency string) (*model.PositionRecord, error) {
	var p model.PositionRecord
	var position, car, overlay, hedged string

	err := s.pool.QueryRow(ctx,
		`SELECT entity_id, currency, position::TEXT, car::TEXT, overlay::TEXT, hedged::TEXT, as_of
		 FROM entity_positions WHERE entity_id = $1 AND currency = $2`, entityID, currency).
		Scan(&p.EntityID, &p.Currency, &position, &car, &overlay, &hedged, &p.AsOf)
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", entityID, currency, mapError(err))
	}

	p.Position, _ = decimal.NewFromString(position)
	p.CAR, _ = decimal.NewFromString(car)
	p.Overlay, _ = decimal.NewFromString(overlay)
	p.Hedged, _ = decimal.NewFromString(hedged)

	return &p, nil
}

func (s *PostgresStore) GetUtilization(ctx context.Context, entityID, currency string) (decimal.Decimal, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(notional), 0)::TEXT
		 FROM hedge_business_events
		 WHERE entity_id = $1 AND currency = $2`, entityID, currency).
		Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get utilization %s/%s: %w", entityID, currency, mapError(err))
	}
	d, _ := decimal.NewFromString(total)
	return d, nil
}

// scanEvent reads one event row from a pgx row scanner.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*model.HedgeBusinessEvent, error) {
	var ev model.HedgeBusinessEvent
	var etype, nav, notional string

	if err := row.Scan(&ev.EventID, &ev.InstructionID, &ev.EntityID, &etype, &nav,
		&ev.Currency, &notional, &ev.EventStatus, &ev.Stage2Status, &ev.CreatedAt); err != nil {
		return nil, err
	}

	ev.EventType = model.InstructionType(etype)
	ev.NAVType = model.NAVType(nav)
	ev.Notional, _ = decimal.NewFromString(notional)

	return &ev, nil
}

func scanEvents(rows pgx.Rows) ([]model.HedgeBusinessEvent, error) {
	var events []model.HedgeBusinessEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}
