/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Lets a client replace its household with one of the YAML scenarios from
  the factory package (built-in, or SCENARIO_FILE at startup).

HOW SCENARIOS WORK:
 1. Reset the caller's household (people, readings, bills)
 2. Replay the scenario through the ledger and engine

USAGE VIA API:

	GET  /api/scenarios
	POST /api/scenarios/load   {"scenario_id": "family-year"}
	POST /api/scenarios/reset

NOTE:

	Loading resets the caller's household only. Other households are untouched.

SEE ALSO:
  - factory/scenario.go: YAML schema and replay
  - factory/scenarios.yaml: built-in scenarios
*/
package api

import (
	"net/http"

	"github.com/warp/power-ledger/factory"
)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(h.scenarios))
	for i, s := range h.scenarios {
		dtos[i] = toScenarioDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the scenario last loaded into the caller's
// household, or null.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	id := h.currentScenario[h.scope(r)]
	h.mu.Unlock()

	s, ok := factory.Find(h.scenarios, id)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, toScenarioDTO(s))
}

// LoadScenario resets the caller's household and loads a scenario into it.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, ok := factory.Find(h.scenarios, req.ScenarioID)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario: "+req.ScenarioID, nil)
		return
	}
	if h.resetter == nil {
		writeError(w, http.StatusNotImplemented, "Store cannot be reset", nil)
		return
	}

	ctx := r.Context()
	scope := h.scope(r)
	if err := h.resetter.Reset(ctx, scope); err != nil {
		writeError(w, http.StatusBadGateway, "Failed to reset household", err)
		return
	}
	res, err := factory.Apply(ctx, h.engine, scope, s)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.mu.Lock()
	h.currentScenario[scope] = s.ID
	h.mu.Unlock()

	h.log.WithField("scope", scope).WithField("scenario", s.ID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "loaded",
		"scenario": toScenarioDTO(s),
		"people":   len(res.People),
		"readings": res.Readings,
		"bills":    res.Bills,
	})
}

// ResetHousehold clears the caller's household.
func (h *Handler) ResetHousehold(w http.ResponseWriter, r *http.Request) {
	if h.resetter == nil {
		writeError(w, http.StatusNotImplemented, "Store cannot be reset", nil)
		return
	}
	scope := h.scope(r)
	if err := h.resetter.Reset(r.Context(), scope); err != nil {
		writeError(w, http.StatusBadGateway, "Failed to reset household", err)
		return
	}

	h.mu.Lock()
	delete(h.currentScenario, scope)
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func toScenarioDTO(s factory.Scenario) ScenarioDTO {
	return ScenarioDTO{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		People:      s.People,
		Readings:    len(s.Readings),
		Bills:       len(s.Bills),
	}
}
