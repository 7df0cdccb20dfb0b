// Package pipeline orchestrates instruction processing: Stage 1A feasibility
// (field validation, duplicate detection, threshold guard, capacity
// assessment) and, for event-creating instruction types, Stage 1B waterfall
// allocation followed by HBE emission. The orchestrator owns the instruction
// state machine; every submission resolves to a terminal ProcessResult.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundops/hedge-engine/internal/capacity"
	"github.com/fundops/hedge-engine/internal/config"
	"github.com/fundops/hedge-engine/internal/emitter"
	"github.com/fundops/hedge-engine/internal/instruction"
	"github.com/fundops/hedge-engine/internal/metrics"
	"github.com/fundops/hedge-engine/internal/model"
	"github.com/fundops/hedge-engine/internal/retry"
	"github.com/fundops/hedge-engine/internal/store"
	"github.com/fundops/hedge-engine/internal/threshold"
	"github.com/fundops/hedge-engine/internal/waterfall"
)

// Service runs the hedge instruction pipeline. Components are stateless
// between calls; the durable store is the only shared mutable resource, and
// per-entity locks serialize allocate+emit on each entity.
type Service struct {
	store    store.Store
	cfg      config.Provider
	resolver *capacity.Resolver
	guard    *threshold.Guard
	emitter  *emitter.Emitter
	locks    *entityLocks
	retry    retry.Policy
	wsHub    *WSHub // optional, nil disables broadcasting
}

// NewService wires the pipeline components over one store and configuration
// provider. Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, cfg config.Provider, hub *WSHub) *Service {
	snap := cfg.Snapshot()
	pol := retry.Policy{
		Attempts:  snap.RetryAttempts,
		BaseDelay: snap.RetryBase,
		MaxDelay:  snap.RetryMax,
	}
	return &Service{
		store:    st,
		cfg:      cfg,
		resolver: capacity.NewResolver(st, cfg, pol),
		guard:    threshold.NewGuard(st, cfg, pol),
		emitter:  emitter.New(st, pol, 4096),
		locks:    newEntityLocks(),
		retry:    pol,
		wsHub:    hub,
	}
}

// Process runs one submission end to end and always returns a terminal
// result. Business failures (validation, thresholds, insufficient capacity)
// are statuses, never errors; only exhausted retries or deadline overruns
// surface as SystemError.
func (s *Service) Process(ctx context.Context, sub instruction.Submission) model.ProcessResult {
	start := time.Now()

	inst, ferrs := instruction.Validate(sub)
	if len(ferrs) > 0 {
		res := rejected(sub.MessageID, sub.Requested, "validation failed: "+instruction.JoinErrors(ferrs))
		s.finish(res, sub.Type, start)
		return res
	}

	switch inst.Type {
	case model.Amendment:
		res := rejected(inst.MessageID, inst.Requested, "amendment instructions are not supported by this engine")
		s.finish(res, sub.Type, start)
		return res
	case model.Bulk:
		res := rejected(inst.MessageID, inst.Requested, "bulk submissions must be split into individual instructions by the caller")
		s.finish(res, sub.Type, start)
		return res
	case model.Query:
		res := s.answerQuery(ctx, inst)
		s.finish(res, sub.Type, start)
		return res
	}

	// Duplicate check: a replay of a fully processed message id returns the
	// prior terminal result, not an error. A non-terminal prior row (e.g. a
	// crash mid-emit) is resumed; emitter idempotency makes the rerun
	// converge without duplicate events.
	prior, err := s.getInstruction(ctx, inst.MessageID)
	switch {
	case err == nil && prior.Status.Terminal():
		metrics.DuplicateReplays.Inc()
		res := s.resultFrom(ctx, prior)
		metrics.PipelineLatency.WithLabelValues(string(inst.Type)).Observe(time.Since(start).Seconds())
		return res
	case err == nil:
		// Resume the existing row.
	case errors.Is(err, store.ErrNotFound):
		inst.CreatedAt = time.Now().UTC()
		inst.UpdatedAt = inst.CreatedAt
		if ierr := s.insertInstruction(ctx, inst); ierr != nil {
			if errors.Is(ierr, store.ErrDuplicate) {
				// Racing submission created the row first; fall through and
				// process — emission converges idempotently.
			} else {
				res := s.park(ctx, inst, fmt.Sprintf("persist instruction: %v", ierr))
				s.finish(res, sub.Type, start)
				return res
			}
		}
	default:
		res := s.park(ctx, inst, fmt.Sprintf("duplicate check: %v", err))
		s.finish(res, sub.Type, start)
		return res
	}

	inst.Status = model.StatusThresholds
	if !s.guard.CurrencyActive(inst.Currency) {
		res := s.reject(ctx, inst, fmt.Sprintf("threshold breach: %s (%s)", model.RuleCurrencyInactive, inst.Currency))
		metrics.ThresholdRejections.WithLabelValues(string(model.RuleCurrencyInactive)).Inc()
		s.finish(res, sub.Type, start)
		return res
	}

	var res model.ProcessResult
	if inst.Type == model.Utilization {
		res = s.assessUtilization(ctx, inst)
	} else {
		res = s.allocateAndEmit(ctx, inst)
	}
	s.finish(res, sub.Type, start)
	return res
}

// assessUtilization is the Stage 1A terminal branch: classify feasibility
// against current headroom and stop without creating events.
func (s *Service) assessUtilization(ctx context.Context, inst *model.Instruction) model.ProcessResult {
	cfg := s.cfg.Snapshot()
	scopeIDs := cfg.ScopeEntities(inst.EntityScope)

	single := len(scopeIDs) == 1
	warnings, eligible, violated, err := s.guardScope(ctx, inst, scopeIDs)
	if err != nil {
		return s.park(ctx, inst, fmt.Sprintf("threshold check: %v", err))
	}
	if single && len(eligible) == 0 {
		return s.reject(ctx, inst, "threshold breach: "+joinRules(violated))
	}

	inst.Status = model.StatusAssessing
	snaps, _, err := s.resolver.ScopeSnapshots(ctx, inst.EntityScope, inst.Currency)
	if err != nil {
		return s.park(ctx, inst, fmt.Sprintf("capacity assessment: %v", err))
	}
	if single && len(snaps) == 0 {
		return s.reject(ctx, inst, fmt.Sprintf("unknown or inactive entity %q for currency %s", inst.EntityScope, inst.Currency))
	}

	total := decimal.Zero
	stale := false
	for _, snap := range snaps {
		if !eligible[snap.EntityID] {
			continue
		}
		total = total.Add(snap.Headroom())
		stale = stale || snap.Stale
	}

	var outcome model.Outcome
	switch {
	case total.GreaterThanOrEqual(inst.Requested):
		outcome = model.OutcomePass
	case total.IsPositive():
		outcome = model.OutcomePartial
	default:
		outcome = model.OutcomeFail
	}

	allocated := decimal.Min(total, inst.Requested)
	if allocated.IsNegative() {
		allocated = decimal.Zero
	}
	residual := inst.Requested.Sub(allocated)

	reason := ""
	if outcome != model.OutcomePass {
		reason = fmt.Sprintf("insufficient capacity: available %s of %s requested", total, inst.Requested)
	}
	if stale {
		warnings = appendRule(warnings, model.RuleStaleSnapshot)
	}

	status := model.CheckedStatus(outcome)
	if err := s.updateOutcome(ctx, inst.MessageID, status, allocated, residual, reason); err != nil {
		return s.park(ctx, inst, fmt.Sprintf("record feasibility outcome: %v", err))
	}

	slog.Info("utilization check complete",
		"message_id", inst.MessageID,
		"status", string(status),
		"available", total.String(),
		"requested", inst.Requested.String(),
	)

	res := model.ProcessResult{
		MessageID: inst.MessageID,
		Status:    status,
		Allocated: allocated,
		Residual:  residual,
		Events:    []model.EventRef{},
		Reason:    reason,
		Warnings:  warnings,
	}
	s.broadcastResult(res)
	return res
}

// allocateAndEmit is the Stage 1B branch for inception, rollover, and
// termination. Per-entity locks are held across the capacity read, the
// waterfall walk, and emission so concurrent instructions cannot
// over-allocate a shared entity.
func (s *Service) allocateAndEmit(ctx context.Context, inst *model.Instruction) model.ProcessResult {
	cfg := s.cfg.Snapshot()
	scopeIDs := cfg.ScopeEntities(inst.EntityScope)

	release := s.locks.acquire(scopeIDs)
	defer release()

	single := len(scopeIDs) == 1
	warnings, eligible, violated, err := s.guardScope(ctx, inst, scopeIDs)
	if err != nil {
		return s.park(ctx, inst, fmt.Sprintf("threshold check: %v", err))
	}
	if single && len(eligible) == 0 {
		return s.reject(ctx, inst, "threshold breach: "+joinRules(violated))
	}

	inst.Status = model.StatusAssessing
	snaps, skipped, err := s.resolver.ScopeSnapshots(ctx, inst.EntityScope, inst.Currency)
	if err != nil {
		return s.park(ctx, inst, fmt.Sprintf("capacity assessment: %v", err))
	}
	if single && len(snaps) == 0 {
		return s.reject(ctx, inst, fmt.Sprintf("unknown or inactive entity %q for currency %s", inst.EntityScope, inst.Currency))
	}

	inst.Status = model.StatusAllocating
	candidates := make([]model.Candidate, 0, len(snaps))
	stale := false
	for _, snap := range snaps {
		if !eligible[snap.EntityID] {
			skipped = append(skipped, snap.EntityID)
			continue
		}
		stale = stale || snap.Stale
		if !snap.Headroom().IsPositive() {
			continue
		}
		candidates = append(candidates, model.Candidate{
			EntityID:  snap.EntityID,
			Available: snap.Headroom(),
			Priority:  cfg.Entities[snap.EntityID].Priority,
		})
	}
	if stale {
		warnings = appendRule(warnings, model.RuleStaleSnapshot)
	}

	alloc := waterfall.Allocate(inst.Requested, candidates, waterfall.Policy{
		MinLot:      cfg.MinLot,
		Backfill:    cfg.Backfill,
		BackfillMax: cfg.BackfillMax,
	})

	if inst.Requested.IsPositive() {
		ratio, _ := alloc.Allocated.Div(inst.Requested).Float64()
		metrics.FillRatio.Observe(ratio)
	}

	inst.Status = model.StatusEmitting
	events, err := s.emitter.Emit(ctx, inst, alloc)
	if err != nil {
		metrics.RetryExhaustions.Inc()
		return s.park(ctx, inst, fmt.Sprintf("emit events: %v", err))
	}

	reason := inst.Reason
	if alloc.Outcome == model.OutcomeFail && len(skipped) > 0 {
		reason = fmt.Sprintf("%s (ineligible entities: %s)", reason, strings.Join(skipped, ", "))
	}
	if reason != inst.Reason {
		// Keep the stored reason in sync with what the caller sees.
		if err := s.updateOutcome(ctx, inst.MessageID, inst.Status, inst.Allocated, inst.Residual, reason); err == nil {
			inst.Reason = reason
		}
	}

	refs := make([]model.EventRef, 0, len(events))
	for _, ev := range events {
		refs = append(refs, model.EventRef{EventID: ev.EventID, EntityID: ev.EntityID, Amount: ev.Notional})
		metrics.EventsEmitted.WithLabelValues(string(ev.EventType)).Inc()
		s.broadcastEvent(ev)
	}

	slog.Info("instruction allocated",
		"message_id", inst.MessageID,
		"status", string(inst.Status),
		"allocated", inst.Allocated.String(),
		"residual", inst.Residual.String(),
		"events", len(refs),
	)

	res := model.ProcessResult{
		MessageID: inst.MessageID,
		Status:    inst.Status,
		Allocated: inst.Allocated,
		Residual:  inst.Residual,
		Events:    refs,
		Reason:    inst.Reason,
		Warnings:  warnings,
	}
	s.broadcastResult(res)
	return res
}

// guardScope runs the threshold guard per scope entity. The eligible map
// holds entities whose hard rules all passed; warnings and violations are
// unioned across the scope.
func (s *Service) guardScope(ctx context.Context, inst *model.Instruction, scopeIDs []string) ([]model.RuleID, map[string]bool, []model.RuleID, error) {
	var warnings, violated []model.RuleID
	eligible := make(map[string]bool, len(scopeIDs))

	for _, entityID := range scopeIDs {
		gr, err := s.guard.Check(ctx, entityID, inst.Currency, inst.Requested)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, w := range gr.Warnings {
			warnings = appendRule(warnings, w)
		}
		if gr.Passed {
			eligible[entityID] = true
		} else {
			for _, v := range gr.Violated {
				violated = appendRule(violated, v)
				metrics.ThresholdRejections.WithLabelValues(string(v)).Inc()
			}
		}
	}
	return warnings, eligible, violated, nil
}

func joinRules(rules []model.RuleID) string {
	if len(rules) == 0 {
		return string(model.RuleHardCeiling)
	}
	parts := make([]string, len(rules))
	for i, r := range rules {
		parts[i] = string(r)
	}
	return strings.Join(parts, ", ")
}

// answerQuery returns the stored state of a prior instruction.
func (s *Service) answerQuery(ctx context.Context, inst *model.Instruction) model.ProcessResult {
	prior, err := s.getInstruction(ctx, inst.PriorOrderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return rejected(inst.MessageID, inst.Requested, fmt.Sprintf("unknown prior_order_id %q", inst.PriorOrderID))
		}
		return systemError(inst.MessageID, inst.Requested, fmt.Sprintf("query lookup: %v", err))
	}

	res := s.resultFrom(ctx, prior)
	res.MessageID = inst.MessageID
	if res.Reason == "" {
		res.Reason = fmt.Sprintf("query of %s: status %s", prior.MessageID, prior.Status)
	}
	return res
}

// resultFrom rebuilds a ProcessResult from a stored instruction and its
// events, used for idempotent replays and queries.
func (s *Service) resultFrom(ctx context.Context, inst *model.Instruction) model.ProcessResult {
	refs := []model.EventRef{}
	events, err := s.store.ListEventsByInstruction(ctx, inst.MessageID)
	if err == nil {
		for _, ev := range events {
			refs = append(refs, model.EventRef{EventID: ev.EventID, EntityID: ev.EntityID, Amount: ev.Notional})
		}
	}
	return model.ProcessResult{
		MessageID: inst.MessageID,
		Status:    inst.Status,
		Allocated: inst.Allocated,
		Residual:  inst.Residual,
		Events:    refs,
		Reason:    inst.Reason,
	}
}

// --- Store helpers with the shared retry policy ---

func (s *Service) getInstruction(ctx context.Context, messageID string) (*model.Instruction, error) {
	var inst *model.Instruction
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		got, err := s.store.GetInstruction(ctx, messageID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return err
			}
			return retry.Transient(err)
		}
		inst = got
		return nil
	})
	return inst, err
}

func (s *Service) insertInstruction(ctx context.Context, inst *model.Instruction) error {
	return s.retry.Do(ctx, func(ctx context.Context) error {
		if err := s.store.InsertInstruction(ctx, inst); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return err
			}
			return retry.Transient(err)
		}
		return nil
	})
}

func (s *Service) updateOutcome(ctx context.Context, messageID string, status model.Status, allocated, residual decimal.Decimal, reason string) error {
	return s.retry.Do(ctx, func(ctx context.Context) error {
		if err := s.store.UpdateInstructionOutcome(ctx, messageID, status, allocated, residual, reason); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return err
			}
			return retry.Transient(err)
		}
		return nil
	})
}

// reject records and returns a Rejected terminal result.
func (s *Service) reject(ctx context.Context, inst *model.Instruction, reason string) model.ProcessResult {
	_ = s.updateOutcome(ctx, inst.MessageID, model.StatusRejected, decimal.Zero, inst.Requested, reason)
	res := rejected(inst.MessageID, inst.Requested, reason)
	s.broadcastResult(res)
	return res
}

// park records a SystemError status for operator review. The instruction is
// never silently dropped: even when the status write itself fails, the
// caller still receives the SystemError result.
func (s *Service) park(ctx context.Context, inst *model.Instruction, reason string) model.ProcessResult {
	slog.Error("instruction parked", "message_id", inst.MessageID, "reason", reason)
	_ = s.updateOutcome(ctx, inst.MessageID, model.StatusSystemError, inst.Allocated, inst.Requested.Sub(inst.Allocated), reason)
	res := systemError(inst.MessageID, inst.Requested, reason)
	s.broadcastResult(res)
	return res
}

func (s *Service) finish(res model.ProcessResult, instrType string, start time.Time) {
	metrics.InstructionsTotal.WithLabelValues(string(res.Status)).Inc()
	metrics.PipelineLatency.WithLabelValues(instrType).Observe(time.Since(start).Seconds())
}

func (s *Service) broadcastResult(res model.ProcessResult) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:      "instruction_processed",
		MessageID: res.MessageID,
		Status:    string(res.Status),
		Amount:    res.Allocated.String(),
	})
}

func (s *Service) broadcastEvent(ev model.HedgeBusinessEvent) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:      "hbe_emitted",
		MessageID: ev.InstructionID,
		EventID:   ev.EventID,
		EntityID:  ev.EntityID,
		Currency:  ev.Currency,
		Amount:    ev.Notional.String(),
	})
}

func rejected(messageID string, requested decimal.Decimal, reason string) model.ProcessResult {
	return model.ProcessResult{
		MessageID: messageID,
		Status:    model.StatusRejected,
		Allocated: decimal.Zero,
		Residual:  requested,
		Events:    []model.EventRef{},
		Reason:    reason,
	}
}

func systemError(messageID string, requested decimal.Decimal, reason string) model.ProcessResult {
	return model.ProcessResult{
		MessageID: messageID,
		Status:    model.StatusSystemError,
		Allocated: decimal.Zero,
		Residual:  requested,
		Events:    []model.EventRef{},
		Reason:    reason,
	}
}

func appendRule(rules []model.RuleID, r model.RuleID) []model.RuleID {
	for _, existing := range rules {
		if existing == r {
			return rules
		}
	}
	return append(rules, r)
}
