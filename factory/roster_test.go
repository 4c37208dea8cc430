package factory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/carrier"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/commission/store"
	"github.com/warp/commission-engine/factory"
)

const twoLevelRoster = `{
  "agency_id": "agency-1",
  "positions": [
    {"id": "pos-agent", "name": "Agent", "level": 1},
    {"id": "pos-manager", "name": "Manager", "level": 2}
  ],
  "agents": [
    {"id": "a123", "name": "Writer", "agent_number": "A123", "upline_id": "a999", "position_id": "pos-agent"},
    {"id": "a999", "name": "Manager", "agent_number": "A999", "position_id": "pos-manager"}
  ],
  "products": [
    {"carrier": "AFLAC", "name": "Accident Advantage"}
  ],
  "structures": [
    {"carrier": "aflac", "product_id": "agency-1-aflac-accident-advantage", "position_id": "pos-agent", "percentage": "40"},
    {"carrier": "Aflac", "product_id": "agency-1-aflac-accident-advantage", "position_id": "pos-manager", "percentage": 60}
  ]
}`

func newFactory(t *testing.T) *factory.RosterFactory {
	t.Helper()
	reg, err := carrier.Default()
	require.NoError(t, err)
	return factory.NewRosterFactory(reg)
}

func TestParseRoster_TwoLevel(t *testing.T) {
	f := newFactory(t)

	r, err := f.ParseRoster([]byte(twoLevelRoster))
	require.NoError(t, err)

	assert.Equal(t, commission.AgencyID("agency-1"), r.AgencyID)
	assert.Equal(t, []string{"Aflac"}, r.Carriers)
	require.Len(t, r.Agents, 2)
	assert.Equal(t, commission.AgentID("a999"), *r.Agents[0].UplineID)
	require.Len(t, r.Products, 1)
	assert.Equal(t, commission.ProductID("agency-1-aflac-accident-advantage"), r.Products[0].Product.ID)
	assert.True(t, r.Products[0].Product.Active)
	require.Len(t, r.Structures, 2)
	assert.Equal(t, "60", r.Structures[1].Structure.Percentage.String())
	assert.Equal(t, commission.CommissionFirstYear, r.Structures[1].Structure.CommissionType)
}

func TestParseRoster_ReportsEveryProblem(t *testing.T) {
	f := newFactory(t)

	_, err := f.ParseRoster([]byte(`{
	  "agency_id": "agency-1",
	  "positions": [{"id": "pos-agent", "name": "Agent"}],
	  "agents": [
	    {"id": "a1", "name": "One", "agent_number": "X1", "position_id": "pos-ghost"},
	    {"id": "a2", "name": "Two", "agent_number": "X1", "upline_id": "a2"}
	  ],
	  "products": [{"carrier": "Nowhere Mutual", "name": "Term"}],
	  "structures": [{"carrier": "Aflac", "product_id": "p", "position_id": "pos-agent", "percentage": "-1"}]
	}`))

	require.Error(t, err)
	for _, want := range []string{"unknown position", "already used", "own upline", "unsupported carrier", "negative percentage"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestParseRoster_RejectsUnknownFields(t *testing.T) {
	f := newFactory(t)

	_, err := f.ParseRoster([]byte(`{"agency_id": "agency-1", "employees": []}`))
	require.Error(t, err)

	_, err = f.ParseRoster([]byte(`{"positions": []}`))
	assert.ErrorContains(t, err, "agency_id")
}

func TestApply_SeedsAValidatableHierarchy(t *testing.T) {
	// GIVEN: A parsed two-level roster
	f := newFactory(t)
	r, err := f.ParseRoster([]byte(twoLevelRoster))
	require.NoError(t, err)
	s := store.NewMemory()
	ctx := context.Background()

	// WHEN: Applied twice
	require.NoError(t, f.Apply(ctx, s, r))
	require.NoError(t, f.Apply(ctx, s, r))

	// THEN: The writing agent's chain prices without gaps
	c, err := s.EnsureCarrier(ctx, "Aflac")
	require.NoError(t, err)
	products, err := s.ListActiveProducts(ctx, c.ID, "agency-1")
	require.NoError(t, err)
	require.Len(t, products, 1)

	chain, err := commission.NewWalker(s, s, 0).Walk(ctx, "a123")
	require.NoError(t, err)
	require.Len(t, chain, 2)

	priced, err := commission.NewValidator(s).Validate(ctx, chain, c.ID, products[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "40", priced.Structures["a123"].Percentage.String())
	assert.Equal(t, "60", priced.Structures["a999"].Percentage.String())

	structures, err := s.ListCommissionStructures(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, structures, 2)
}

func TestApply_RejectsUplineFromAnotherAgency(t *testing.T) {
	// GIVEN: a999 already exists, in agency-2
	f := newFactory(t)
	s := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.SaveAgent(ctx, commission.Agent{ID: "a999", AgencyID: "agency-2", Name: "Elsewhere", AgentNumber: "A999"}))
	r, err := f.ParseRoster([]byte(`{
  "agency_id": "agency-1",
  "agents": [{"id": "a123", "name": "Writer", "agent_number": "A123", "upline_id": "a999"}]
}`))
	require.NoError(t, err)

	// WHEN
	err = f.Apply(ctx, s, r)

	// THEN: Nothing points across agencies
	assert.ErrorIs(t, err, commission.ErrCrossAgencyUpline)
	writer, err := s.GetAgent(ctx, "a123")
	require.NoError(t, err)
	assert.Nil(t, writer)
}
