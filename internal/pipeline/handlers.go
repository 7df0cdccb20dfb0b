package pipeline

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fundops/hedge-engine/internal/capacity"
	"github.com/fundops/hedge-engine/internal/instruction"
	"github.com/fundops/hedge-engine/internal/model"
	"github.com/fundops/hedge-engine/internal/store"
)

// ProcessInstruction handles POST /api/v1/instructions.
// Business outcomes (Rejected, Checked_*, Allocated_*) return 200 with the
// result body; only SystemError maps to 500 and a malformed body to 400.
func (s *Service) ProcessInstruction(w http.ResponseWriter, r *http.Request) {
	var sub instruction.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res := s.Process(r.Context(), sub)

	status := http.StatusOK
	if res.Status == model.StatusSystemError {
		status = http.StatusInternalServerError
	}
	writeJSON(w, res, status)
}

// GetInstruction handles GET /api/v1/instructions/{messageID} and returns
// the stored result for a previously submitted instruction.
func (s *Service) GetInstruction(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")

	inst, err := s.store.GetInstruction(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "instruction not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load instruction", http.StatusInternalServerError)
		return
	}

	writeJSON(w, s.resultFrom(r.Context(), inst), http.StatusOK)
}

// ListPendingEvents handles GET /api/v1/events/pending — the Stage 2 feed
// of Approved events awaiting booking.
func (s *Service) ListPendingEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListPendingEvents(r.Context())
	if err != nil {
		writeError(w, "failed to list pending events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.HedgeBusinessEvent{}
	}
	writeJSON(w, events, http.StatusOK)
}

// GetCapacity handles GET /api/v1/entities/{entityID}/capacity?currency=XXX
// and returns a fresh capacity snapshot for one entity and currency.
func (s *Service) GetCapacity(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		writeError(w, "currency query parameter is required", http.StatusBadRequest)
		return
	}

	snap, err := s.resolver.Snapshot(r.Context(), entityID, currency)
	if err != nil {
		switch {
		case errors.Is(err, capacity.ErrEntityNotFound):
			writeError(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, capacity.ErrCurrencyNotSupported):
			writeError(w, err.Error(), http.StatusNotFound)
		default:
			writeError(w, "failed to resolve capacity", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, snap, http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, map[string]string{"error": message}, status)
}
