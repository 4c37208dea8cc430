package api_test

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/api"
)

func TestScenarios_EveryScenarioLoads(t *testing.T) {
	s := newServer(t, 1)

	rec := s.do(http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]api.ScenarioDTO](t, rec)
	require.NotEmpty(t, list)

	for _, sc := range list {
		t.Run(sc.ID, func(t *testing.T) {
			s.loadScenario(sc.ID)

			rec := s.do(http.MethodGet, "/api/scenarios/current", nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, sc.ID, decode[api.ScenarioDTO](t, rec).ID)

			rec = s.do(http.MethodGet, "/api/agents?agency_id="+sc.AgencyID, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.NotEmpty(t, decode[[]api.AgentDTO](t, rec))
		})
	}
}

func TestScenarios_LoadReplacesPreviousData(t *testing.T) {
	// GIVEN: The three-level roster
	s := newServer(t, 1)
	s.loadScenario("omaha-three-level")

	// WHEN: Loading the two-level roster on top
	s.loadScenario("aflac-two-level")

	// THEN: Only the two-level agents remain
	rec := s.do(http.MethodGet, "/api/agents?agency_id=agency-demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.AgentDTO](t, rec), 2)

	rec = s.do(http.MethodGet, "/api/agents/agent-w300", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScenarios_ResetAndUnknown(t *testing.T) {
	s := newServer(t, 1)
	s.loadScenario("aflac-two-level")

	rec := s.do(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "no-such-scenario"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/api/agents?agency_id=agency-demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]api.AgentDTO](t, rec))

	rec = s.do(http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))
}

