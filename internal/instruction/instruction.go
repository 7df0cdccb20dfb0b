// Package instruction validates inbound hedge instruction submissions and
// converts them into domain Instruction records. Mandatory-field rules vary
// by instruction type and are enforced here, once, before the pipeline runs.
package instruction

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundops/hedge-engine/internal/model"
)

// ErrValidation is the sentinel wrapped by all validation failures.
var ErrValidation = errors.New("instruction: validation failed")

// currencyRegex matches ISO-4217 alpha-3 currency codes.
var currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)

// Submission is the raw inbound payload, before validation.
type Submission struct {
	MessageID    string          `json:"message_id"`
	Type         string          `json:"instruction_type"` // U|I|R|T|A|Q|B
	Currency     string          `json:"exposure_currency"`
	EntityScope  string          `json:"entity_scope"`
	Requested    decimal.Decimal `json:"requested_amount"`
	NAVType      string          `json:"nav_type,omitempty"`
	BusinessDate string          `json:"business_date"` // YYYY-MM-DD
	PriorOrderID string          `json:"prior_order_id,omitempty"`
}

// FieldError describes one field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string { return e.Field + ": " + e.Message }

// JoinErrors renders a field error list as a single human-readable reason.
func JoinErrors(errs []FieldError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

var validTypes = map[model.InstructionType]bool{
	model.Utilization: true,
	model.Inception:   true,
	model.Rollover:    true,
	model.Termination: true,
	model.Amendment:   true,
	model.Query:       true,
	model.Bulk:        true,
}

// requiresNAV holds the event-creating types that must carry a NAV type.
var requiresNAV = map[model.InstructionType]bool{
	model.Inception:   true,
	model.Rollover:    true,
	model.Termination: true,
}

// requiresPrior holds the types that must reference a prior order.
var requiresPrior = map[model.InstructionType]bool{
	model.Amendment:   true,
	model.Rollover:    true,
	model.Termination: true,
	model.Query:       true,
}

// Validate checks a submission and returns the corresponding Instruction in
// Received status, or the full list of field-level failures. Validation
// failures are fatal and non-retryable.
func Validate(sub Submission) (*model.Instruction, []FieldError) {
	var errs []FieldError

	if strings.TrimSpace(sub.MessageID) == "" {
		errs = append(errs, FieldError{"message_id", "is required"})
	}

	itype := model.InstructionType(sub.Type)
	if sub.Type == "" {
		errs = append(errs, FieldError{"instruction_type", "is required"})
	} else if !validTypes[itype] {
		errs = append(errs, FieldError{"instruction_type", fmt.Sprintf("unknown type %q (expected U|I|R|T|A|Q|B)", sub.Type)})
	}

	if sub.Currency == "" {
		errs = append(errs, FieldError{"exposure_currency", "is required"})
	} else if !currencyRegex.MatchString(sub.Currency) {
		errs = append(errs, FieldError{"exposure_currency", fmt.Sprintf("%q is not an ISO-3 currency code", sub.Currency)})
	}

	if strings.TrimSpace(sub.EntityScope) == "" {
		errs = append(errs, FieldError{"entity_scope", "is required"})
	}

	if sub.Requested.IsNegative() {
		errs = append(errs, FieldError{"requested_amount", "must be >= 0"})
	}

	var businessDate time.Time
	if sub.BusinessDate == "" {
		errs = append(errs, FieldError{"business_date", "is required"})
	} else {
		var err error
		businessDate, err = time.Parse("2006-01-02", sub.BusinessDate)
		if err != nil {
			errs = append(errs, FieldError{"business_date", fmt.Sprintf("%q is not a YYYY-MM-DD date", sub.BusinessDate)})
		}
	}

	nav := model.NAVType(sub.NAVType)
	if sub.NAVType != "" && nav != model.NAVCOI && nav != model.NAVRE {
		errs = append(errs, FieldError{"nav_type", fmt.Sprintf("%q is not COI or RE", sub.NAVType)})
	}
	if requiresNAV[itype] && sub.NAVType == "" {
		errs = append(errs, FieldError{"nav_type", fmt.Sprintf("is required for instruction type %s", itype)})
	}

	if requiresPrior[itype] && strings.TrimSpace(sub.PriorOrderID) == "" {
		errs = append(errs, FieldError{"prior_order_id", fmt.Sprintf("is required for instruction type %s", itype)})
	}

	if len(errs) > 0 {
		return nil, errs
	}

	return &model.Instruction{
		MessageID:    sub.MessageID,
		Type:         itype,
		Currency:     sub.Currency,
		EntityScope:  sub.EntityScope,
		Requested:    sub.Requested,
		NAVType:      nav,
		BusinessDate: businessDate,
		PriorOrderID: sub.PriorOrderID,
		Status:       model.StatusReceived,
		Residual:     sub.Requested,
	}, nil
}
