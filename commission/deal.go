package commission

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DEAL PATCH - Field values offered by one writer
// =============================================================================

// DealPatch carries the values one writer (a report row or an agent editing
// the deal) has for a deal. Nil / empty fields carry no value.
type DealPatch struct {
	ProductID     *ProductID
	ClientName    string
	ClientEmail   string
	ClientPhone   string
	AnnualPremium *decimal.Decimal
	EffectiveDate *time.Time
}

var twelve = decimal.NewFromInt(12)

// MonthlyFromAnnual returns annual / 12 rounded to cents.
func MonthlyFromAnnual(annual decimal.Decimal) decimal.Decimal {
	return annual.Div(twelve).Round(2)
}

// NewDeal builds a deal for its first writer. Report-sourced deals start
// verified; manual ones start pending.
func NewDeal(id DealID, agencyID AgencyID, agentID AgentID, carrierID CarrierID, policyNumber string, source DealSource, patch DealPatch, now time.Time) Deal {
	status := DealPending
	if source == SourceReport {
		status = DealVerified
	}
	deal := Deal{
		ID:           id,
		AgencyID:     agencyID,
		AgentID:      agentID,
		CarrierID:    carrierID,
		PolicyNumber: policyNumber,
		Status:       status,
		Source:       source,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	merged, _ := MergeDeal(deal, patch)
	return merged
}

// =============================================================================
// MERGE - First writer for a field wins
// =============================================================================

// MergeDeal fills the deal's empty fields from patch and reports which fields
// changed. A populated field is never overwritten, whichever writer set it.
func MergeDeal(deal Deal, patch DealPatch) (Deal, []string) {
	var changed []string

	if deal.ProductID == nil && patch.ProductID != nil {
		id := *patch.ProductID
		deal.ProductID = &id
		changed = append(changed, "product_id")
	}
	if isBlank(deal.ClientName) && patch.ClientName != "" {
		deal.ClientName = StringPtr(patch.ClientName)
		changed = append(changed, "client_name")
	}
	if isBlank(deal.ClientEmail) && patch.ClientEmail != "" {
		deal.ClientEmail = StringPtr(patch.ClientEmail)
		changed = append(changed, "client_email")
	}
	if isBlank(deal.ClientPhone) && patch.ClientPhone != "" {
		deal.ClientPhone = StringPtr(patch.ClientPhone)
		changed = append(changed, "client_phone")
	}
	if deal.AnnualPremium == nil && patch.AnnualPremium != nil {
		annual := *patch.AnnualPremium
		deal.AnnualPremium = &annual
		changed = append(changed, "annual_premium")
	}
	// Monthly follows the annual premium it was derived from, but only
	// when nobody has set it yet.
	if deal.MonthlyPremium == nil && deal.AnnualPremium != nil {
		monthly := MonthlyFromAnnual(*deal.AnnualPremium)
		deal.MonthlyPremium = &monthly
		changed = append(changed, "monthly_premium")
	}
	if deal.EffectiveDate == nil && patch.EffectiveDate != nil {
		d := *patch.EffectiveDate
		deal.EffectiveDate = &d
		changed = append(changed, "effective_date")
	}

	return deal, changed
}

// FillDeal is the storage-side half of the merge: it copies incoming's
// values into stored's empty fields only. Stores apply it on UpdateDeal so a
// writer holding a stale copy cannot overwrite a field filled since.
func FillDeal(stored, incoming Deal) Deal {
	if stored.ProductID == nil {
		stored.ProductID = incoming.ProductID
	}
	if isBlank(stored.ClientName) {
		stored.ClientName = incoming.ClientName
	}
	if isBlank(stored.ClientEmail) {
		stored.ClientEmail = incoming.ClientEmail
	}
	if isBlank(stored.ClientPhone) {
		stored.ClientPhone = incoming.ClientPhone
	}
	if stored.AnnualPremium == nil {
		stored.AnnualPremium = incoming.AnnualPremium
	}
	if stored.MonthlyPremium == nil {
		stored.MonthlyPremium = incoming.MonthlyPremium
	}
	if stored.EffectiveDate == nil {
		stored.EffectiveDate = incoming.EffectiveDate
	}
	stored.UpdatedAt = incoming.UpdatedAt
	return stored
}

func isBlank(s *string) bool {
	return s == nil || *s == ""
}
