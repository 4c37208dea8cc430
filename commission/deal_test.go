package commission_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
)

var jan1 = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

func TestNewDeal_StatusFromSource(t *testing.T) {
	fromReport := commission.NewDeal("d1", "ag", "a1", "c1", "P-1", commission.SourceReport, commission.DealPatch{}, jan1)
	manual := commission.NewDeal("d2", "ag", "a1", "c1", "P-2", commission.SourceManual, commission.DealPatch{}, jan1)

	assert.Equal(t, commission.DealVerified, fromReport.Status)
	assert.Equal(t, commission.DealPending, manual.Status)
}

func TestNewDeal_DerivesMonthlyPremium(t *testing.T) {
	annual := decimal.RequireFromString("120.00")

	deal := commission.NewDeal("d1", "ag", "a1", "c1", "P-99", commission.SourceReport,
		commission.DealPatch{ClientName: "Jane Roe", AnnualPremium: &annual}, jan1)

	require.NotNil(t, deal.MonthlyPremium)
	assert.True(t, deal.MonthlyPremium.Equal(decimal.RequireFromString("10.00")))
	require.NotNil(t, deal.ClientName)
	assert.Equal(t, "Jane Roe", *deal.ClientName)
}

func TestMonthlyFromAnnual_RoundsToCents(t *testing.T) {
	got := commission.MonthlyFromAnnual(decimal.RequireFromString("100"))
	assert.Equal(t, "8.33", got.StringFixed(2))
}

func TestMergeDeal_FirstWriterWins(t *testing.T) {
	// GIVEN: An agent already entered the client's email by hand
	deal := commission.NewDeal("d1", "ag", "a1", "c1", "P-7", commission.SourceManual,
		commission.DealPatch{ClientEmail: "x@y.com"}, jan1)

	// WHEN: A report row brings a different email plus a phone number
	annual := decimal.RequireFromString("240")
	merged, changed := commission.MergeDeal(deal, commission.DealPatch{
		ClientEmail:   "other@carrier.com",
		ClientPhone:   "555-0100",
		AnnualPremium: &annual,
	})

	// THEN: The hand-entered email survives; empty fields are filled
	assert.Equal(t, "x@y.com", *merged.ClientEmail)
	assert.Equal(t, "555-0100", *merged.ClientPhone)
	assert.True(t, merged.MonthlyPremium.Equal(decimal.NewFromInt(20)))
	assert.ElementsMatch(t, []string{"client_phone", "annual_premium", "monthly_premium"}, changed)
}

func TestMergeDeal_OrderIndependentForDisjointFields(t *testing.T) {
	base := commission.NewDeal("d1", "ag", "a1", "c1", "P-8", commission.SourceReport, commission.DealPatch{}, jan1)
	date := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	a := commission.DealPatch{ClientName: "Jane Roe"}
	b := commission.DealPatch{EffectiveDate: &date, ProductID: commission.ProductIDPtr("prod-1")}

	ab, _ := commission.MergeDeal(base, a)
	ab, _ = commission.MergeDeal(ab, b)
	ba, _ := commission.MergeDeal(base, b)
	ba, _ = commission.MergeDeal(ba, a)

	assert.Equal(t, ab, ba)
}

func TestMergeDeal_NoChanges(t *testing.T) {
	deal := commission.NewDeal("d1", "ag", "a1", "c1", "P-9", commission.SourceReport,
		commission.DealPatch{ClientName: "Jane Roe"}, jan1)

	merged, changed := commission.MergeDeal(deal, commission.DealPatch{ClientName: "Someone Else"})

	assert.Empty(t, changed)
	assert.Equal(t, deal, merged)
}
