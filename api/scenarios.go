/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built agency rosters that populate the database with
	realistic reference data for demos. Upload a carrier report afterwards
	to watch deals, snapshots and commissions appear.

AVAILABLE SCENARIOS:

	aflac-two-level:      Writing agent (40%) under a manager (60%), Aflac CSV
	omaha-three-level:    Agent / manager / director split on Mutual of Omaha
	incomplete-hierarchy: Manager has no position; new deals are refused

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Parse the roster JSON via factory
 3. Apply it in one transaction

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "aflac-two-level"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description, agency
 2. Add its roster JSON to 'rosters'

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - factory/roster.go: Roster JSON format
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const demoAgency = "agency-demo"

var scenarios = []ScenarioDTO{
	{
		ID:          "aflac-two-level",
		Name:        "Aflac Two-Level",
		Description: "Writing agent A123 (40%) under manager A999 (60%)",
		AgencyID:    demoAgency,
	},
	{
		ID:          "omaha-three-level",
		Name:        "Mutual of Omaha Three-Level",
		Description: "Agent, manager and director split a Medicare Supplement commission 50/30/20",
		AgencyID:    demoAgency,
	},
	{
		ID:          "incomplete-hierarchy",
		Name:        "Incomplete Hierarchy",
		Description: "Manager A999 has no position; uploads record row errors and create no deals",
		AgencyID:    demoAgency,
	},
}

var rosters = map[string]string{
	"aflac-two-level": `{
  "agency_id": "agency-demo",
  "positions": [
    {"id": "pos-agent", "name": "Agent", "level": 1},
    {"id": "pos-manager", "name": "Manager", "level": 2}
  ],
  "agents": [
    {"id": "agent-a999", "name": "Morgan Reyes", "agent_number": "A999", "email": "morgan@agency.test", "position_id": "pos-manager"},
    {"id": "agent-a123", "name": "Sam Okafor", "agent_number": "A123", "email": "sam@agency.test", "upline_id": "agent-a999", "position_id": "pos-agent"}
  ],
  "products": [
    {"id": "aflac-accident", "carrier": "Aflac", "name": "Accident Advantage"},
    {"id": "aflac-cancer", "carrier": "Aflac", "name": "Cancer Protection Assurance"}
  ],
  "structures": [
    {"carrier": "Aflac", "product_id": "aflac-accident", "position_id": "pos-agent", "percentage": "40"},
    {"carrier": "Aflac", "product_id": "aflac-accident", "position_id": "pos-manager", "percentage": "60"},
    {"carrier": "Aflac", "product_id": "aflac-cancer", "position_id": "pos-agent", "percentage": "40"},
    {"carrier": "Aflac", "product_id": "aflac-cancer", "position_id": "pos-manager", "percentage": "60"}
  ]
}`,
	"omaha-three-level": `{
  "agency_id": "agency-demo",
  "positions": [
    {"id": "pos-agent", "name": "Agent", "level": 1},
    {"id": "pos-manager", "name": "Manager", "level": 2},
    {"id": "pos-director", "name": "Director", "level": 3}
  ],
  "agents": [
    {"id": "agent-d100", "name": "Priya Natarajan", "agent_number": "D100", "position_id": "pos-director"},
    {"id": "agent-m200", "name": "Luis Ortega", "agent_number": "M200", "upline_id": "agent-d100", "position_id": "pos-manager"},
    {"id": "agent-w300", "name": "Jordan Blake", "agent_number": "W300", "upline_id": "agent-m200", "position_id": "pos-agent"}
  ],
  "products": [
    {"id": "omaha-medsupp-g", "carrier": "Mutual of Omaha", "name": "Medicare Supplement Plan G"}
  ],
  "structures": [
    {"carrier": "Mutual of Omaha", "product_id": "omaha-medsupp-g", "position_id": "pos-agent", "percentage": "50"},
    {"carrier": "Mutual of Omaha", "product_id": "omaha-medsupp-g", "position_id": "pos-manager", "percentage": "30"},
    {"carrier": "Mutual of Omaha", "product_id": "omaha-medsupp-g", "position_id": "pos-director", "percentage": "20"}
  ]
}`,
	"incomplete-hierarchy": `{
  "agency_id": "agency-demo",
  "positions": [
    {"id": "pos-agent", "name": "Agent", "level": 1}
  ],
  "agents": [
    {"id": "agent-a999", "name": "Morgan Reyes", "agent_number": "A999"},
    {"id": "agent-a123", "name": "Sam Okafor", "agent_number": "A123", "upline_id": "agent-a999", "position_id": "pos-agent"}
  ],
  "products": [
    {"id": "aflac-accident", "carrier": "Aflac", "name": "Accident Advantage"}
  ],
  "structures": [
    {"carrier": "Aflac", "product_id": "aflac-accident", "position_id": "pos-agent", "percentage": "40"}
  ]
}`,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined roster.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, ok := rosters[req.ScenarioID]; !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.currentScenario = ""
	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		h.writeDomainError(w, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID

	h.Logger.Info().Str("scenario", req.ScenarioID).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		h.writeDomainError(w, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	f := factory.NewRosterFactory(h.Registry)
	roster, err := f.ParseRoster([]byte(rosters[id]))
	if err != nil {
		return err
	}
	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	return h.Store.WithTx(ctx, func(tx commission.Store) error {
		return f.Apply(ctx, tx, roster)
	})
}
