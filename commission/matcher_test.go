package commission_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
)

func products(names ...string) []commission.Product {
	out := make([]commission.Product, len(names))
	for i, n := range names {
		out[i] = commission.Product{ID: commission.ProductID("prod-" + n), Name: n, Active: true}
	}
	return out
}

func TestSimilarity_Bounds(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"Accident Advantage", "Accident Advantage", 1.0},
		{"  accident ADVANTAGE ", "Accident Advantage", 1.0},
		{"", "", 1.0},
		{"abc", "", 0.0},
		{"kitten", "sitting", 4.0 / 7.0},
		{"Term Life", "Term Life 20", 9.0 / 12.0},
	}
	for _, tt := range tests {
		t.Run(tt.a+"|"+tt.b, func(t *testing.T) {
			got := commission.Similarity(tt.a, tt.b)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.InDelta(t, got, commission.Similarity(tt.b, tt.a), 1e-9, "similarity is symmetric")
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func TestProductMatcher_PicksBestCandidate(t *testing.T) {
	// GIVEN: A catalog with two similar products
	m := commission.NewProductMatcher(0)
	catalog := products("Accident Advantage", "Cancer Protection")

	// WHEN: Matching a near-exact spelling
	p, score, err := m.Match("Accident Advantge", catalog)

	// THEN: The closest product wins
	require.NoError(t, err)
	assert.Equal(t, commission.ProductID("prod-Accident Advantage"), p.ID)
	assert.Greater(t, score, 0.9)
}

func TestProductMatcher_TieKeepsFirstCandidate(t *testing.T) {
	m := commission.NewProductMatcher(0.5)
	catalog := products("Plan A", "Plan B")

	p, _, err := m.Match("Plan C", catalog)

	require.NoError(t, err)
	assert.Equal(t, "Plan A", p.Name)
}

func TestProductMatcher_BelowThreshold(t *testing.T) {
	// GIVEN: Nothing in the catalog resembles the reported name
	m := commission.NewProductMatcher(commission.DefaultMatchThreshold)
	catalog := products("Accident Advantage", "Hospital Indemnity")

	// WHEN: Matching
	_, score, err := m.Match("Whole Life Final Expense", catalog)

	// THEN: The match is rejected, naming the best guess
	require.Error(t, err)
	assert.True(t, errors.Is(err, commission.ErrProductMatchBelowConfidence))
	assert.Less(t, score, commission.DefaultMatchThreshold)

	var matchErr *commission.ProductMatchError
	require.True(t, errors.As(err, &matchErr))
	assert.Equal(t, "Whole Life Final Expense", matchErr.Query)
	assert.NotEmpty(t, matchErr.BestGuess)
	assert.Equal(t, commission.DefaultMatchThreshold, matchErr.Threshold)
}

func TestProductMatcher_NoCandidates(t *testing.T) {
	m := commission.NewProductMatcher(0)

	_, _, err := m.Match("Accident Advantage", nil)

	var matchErr *commission.ProductMatchError
	require.True(t, errors.As(err, &matchErr))
	assert.Empty(t, matchErr.BestGuess)
	assert.True(t, commission.IsRowError(err))
}
