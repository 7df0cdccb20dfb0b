// Package model defines the core domain types shared across the hedge engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstructionType discriminates the kind of hedge instruction submitted.
type InstructionType string

const (
	Utilization InstructionType = "U"
	Inception   InstructionType = "I"
	Rollover    InstructionType = "R"
	Termination InstructionType = "T"
	Amendment   InstructionType = "A"
	Query       InstructionType = "Q"
	Bulk        InstructionType = "B"
)

// NAVType classifies the hedged exposure.
type NAVType string

const (
	NAVCOI NAVType = "COI" // Capital/Other Investment
	NAVRE  NAVType = "RE"  // Revenue/Earnings
)

// Status is an instruction's position in the pipeline state machine.
type Status string

const (
	StatusReceived    Status = "Received"
	StatusValidating  Status = "Validating"
	StatusThresholds  Status = "ThresholdChecking"
	StatusAssessing   Status = "CapacityAssessing"
	StatusAllocating  Status = "Allocating"
	StatusEmitting    Status = "Emitting"
	StatusCheckedPass Status = "Checked_Pass"
	StatusCheckedPart Status = "Checked_Partial"
	StatusCheckedFail Status = "Checked_Fail"
	StatusAllocPass   Status = "Allocated_Pass"
	StatusAllocPart   Status = "Allocated_Partial"
	StatusAllocFail   Status = "Allocated_Fail"
	StatusRejected    Status = "Rejected"
	StatusSystemError Status = "SystemError"
)

// Terminal reports whether a status ends the pipeline for an instruction.
func (s Status) Terminal() bool {
	switch s {
	case StatusCheckedPass, StatusCheckedPart, StatusCheckedFail,
		StatusAllocPass, StatusAllocPart, StatusAllocFail,
		StatusRejected, StatusSystemError:
		return true
	}
	return false
}

// Instruction is a request to act on a hedge position. MessageID is the
// caller-supplied idempotency key: resubmitting the same id must return the
// prior terminal result without duplicating downstream effects.
type Instruction struct {
	MessageID    string          `json:"message_id" db:"message_id"`
	Type         InstructionType `json:"instruction_type" db:"instr_type"`
	Currency     string          `json:"exposure_currency" db:"currency"`
	EntityScope  string          `json:"entity_scope" db:"entity_scope"`
	Requested    decimal.Decimal `json:"requested_amount" db:"requested"`
	NAVType      NAVType         `json:"nav_type,omitempty" db:"nav_type"`
	BusinessDate time.Time       `json:"business_date" db:"business_date"`
	PriorOrderID string          `json:"prior_order_id,omitempty" db:"prior_order_id"`
	Status       Status          `json:"status" db:"status"`
	Allocated    decimal.Decimal `json:"allocated_amount" db:"allocated"`
	Residual     decimal.Decimal `json:"residual_amount" db:"residual"`
	Reason       string          `json:"reason,omitempty" db:"reason"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// PositionRecord is the raw per-entity, per-currency position row read from
// the durable store. Input to capacity derivation, never derived itself.
type PositionRecord struct {
	EntityID string          `json:"entity_id" db:"entity_id"`
	Currency string          `json:"currency" db:"currency"`
	Position decimal.Decimal `json:"position" db:"position"`
	CAR      decimal.Decimal `json:"car" db:"car"`         // capital adequacy distribution
	Overlay  decimal.Decimal `json:"overlay" db:"overlay"` // manual overlay
	Hedged   decimal.Decimal `json:"hedged" db:"hedged"`   // already-hedged position
	AsOf     time.Time       `json:"as_of" db:"as_of"`
}

// CapacitySnapshot is a point-in-time view of one entity's hedgeable headroom
// for one currency. Ephemeral per pipeline run; the position tables remain
// the store of truth.
//
// Available = (position - CAR + overlay) - position*(bufferBps/10000) - hedged - utilized
// and may be negative, meaning zero headroom (never a negative allocation).
// Utilized is the notional already committed through emitted events; it
// consumes headroom until Stage 2 books the hedge into the position figures.
type CapacitySnapshot struct {
	EntityID  string          `json:"entity_id"`
	Currency  string          `json:"currency"`
	Position  decimal.Decimal `json:"position"`
	CAR       decimal.Decimal `json:"car"`
	Overlay   decimal.Decimal `json:"overlay"`
	BufferBps int64           `json:"buffer_bps"`
	Hedged    decimal.Decimal `json:"hedged"`
	Utilized  decimal.Decimal `json:"utilized"`
	Available decimal.Decimal `json:"available"`
	AsOf      time.Time       `json:"as_of"`
	Stale     bool            `json:"stale,omitempty"` // position data older than the freshness window
}

// Headroom returns the usable capacity, flooring negative available at zero.
func (s CapacitySnapshot) Headroom() decimal.Decimal {
	if s.Available.IsNegative() {
		return decimal.Zero
	}
	return s.Available
}

// RuleID identifies a threshold rule in guard results.
type RuleID string

const (
	RuleCurrencyInactive RuleID = "currency_inactive"
	RuleHardCeiling      RuleID = "hard_ceiling"
	RuleCurrencyCap      RuleID = "currency_cap"
	RuleSoftCeiling      RuleID = "soft_ceiling"   // advisory early warning
	RuleStaleSnapshot    RuleID = "stale_snapshot" // position data past the freshness window
)

// GuardResult reports the outcome of threshold validation. Violated rules
// block allocation; warnings are surfaced but never block.
type GuardResult struct {
	Passed   bool     `json:"passed"`
	Violated []RuleID `json:"violated_rules,omitempty"`
	Warnings []RuleID `json:"warnings,omitempty"`
}

// Candidate is one entity eligible to receive a slice of an instruction's
// notional, paired with its available capacity and waterfall priority.
type Candidate struct {
	EntityID  string          `json:"entity_id"`
	Available decimal.Decimal `json:"available"`
	Priority  int             `json:"priority"`
}

// Outcome classifies an allocation or feasibility run.
type Outcome string

const (
	OutcomePass    Outcome = "Pass"
	OutcomePartial Outcome = "Partial"
	OutcomeFail    Outcome = "Fail"
)

// AllocationLine is one entity's allocated slice.
type AllocationLine struct {
	EntityID string          `json:"entity_id"`
	Amount   decimal.Decimal `json:"amount"`
}

// AllocationResult is the outcome of one waterfall run. Invariants:
// Allocated + Residual equals the requested amount, every line amount is a
// positive multiple of the lot size, and no line exceeds that entity's
// available capacity at allocation time.
type AllocationResult struct {
	Lines     []AllocationLine `json:"lines"`
	Allocated decimal.Decimal  `json:"allocated"`
	Residual  decimal.Decimal  `json:"residual"`
	Outcome   Outcome          `json:"outcome"`
}

// HBE event/stage-2 status values. The engine only ever creates events as
// Approved/Pending; downstream booking mutates them afterwards.
const (
	EventApproved = "Approved"
	Stage2Pending = "Pending"
)

// HedgeBusinessEvent is the durable record emitted per (instruction, entity)
// allocation, handed to Stage 2 booking. Exactly one exists per
// (instruction_id, entity_id) pair for a given submission.
type HedgeBusinessEvent struct {
	EventID       string          `json:"event_id" db:"event_id"`
	InstructionID string          `json:"instruction_id" db:"instruction_id"`
	EntityID      string          `json:"entity_id" db:"entity_id"`
	EventType     InstructionType `json:"event_type" db:"event_type"`
	NAVType       NAVType         `json:"nav_type" db:"nav_type"`
	Currency      string          `json:"currency" db:"currency"`
	Notional      decimal.Decimal `json:"notional" db:"notional"`
	EventStatus   string          `json:"event_status" db:"event_status"`
	Stage2Status  string          `json:"stage_2_status" db:"stage2_status"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// EventRef is the compact event reference included in process results.
type EventRef struct {
	EventID  string          `json:"event_id"`
	EntityID string          `json:"entity_id"`
	Amount   decimal.Decimal `json:"amount"`
}

// ProcessResult is the outbound contract returned to callers for every
// submission; always a terminal status.
type ProcessResult struct {
	MessageID string          `json:"message_id"`
	Status    Status          `json:"status"`
	Allocated decimal.Decimal `json:"allocated_amount"`
	Residual  decimal.Decimal `json:"residual_amount"`
	Events    []EventRef      `json:"events"`
	Reason    string          `json:"reason,omitempty"`
	Warnings  []RuleID        `json:"warnings,omitempty"`
}

// AllocatedStatus maps an allocation outcome to the instruction's terminal
// status for event-creating instruction types.
func AllocatedStatus(o Outcome) Status {
	switch o {
	case OutcomePass:
		return StatusAllocPass
	case OutcomePartial:
		return StatusAllocPart
	default:
		return StatusAllocFail
	}
}

// CheckedStatus maps a feasibility outcome to the terminal status for
// Utilization-type instructions.
func CheckedStatus(o Outcome) Status {
	switch o {
	case OutcomePass:
		return StatusCheckedPass
	case OutcomePartial:
		return StatusCheckedPart
	default:
		return StatusCheckedFail
	}
}
