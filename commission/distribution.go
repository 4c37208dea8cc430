/*
distribution.go - Split one payment across a deal's snapshot

PURPOSE:
  Turns a reported amount into one pending Transaction per snapshot entry,
  proportionally to the frozen percentages. The live hierarchy is never
  consulted here.

WEIGHTING:
  total = sum of the positive snapshot percentages
  share = percentage / total
  A snapshot with no positive weight produces no transactions.

EXACT CONSERVATION:
  Shares are allocated with the largest-remainder method at the amount's
  precision (cents at least):
  1. every entry gets floor(amount * share) units
  2. leftover units go one each to the largest fractional remainders,
     earlier levels first on ties
  The amounts therefore sum to the distributed amount exactly.

EXAMPLE:
  amount 100.00, rates 40/60/50 -> 26.67, 40.00, 33.33
  floors 26.66, 40.00, 33.33 leave one cent for the 26.666... remainder.

SEE ALSO:
  - snapshot.go: produces the entries
  - ingest/engine.go: picks the distributed amount for a row
*/
package commission

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// shareDigits is the division precision used before allocation.
const shareDigits = 16

// Distribution is the input for one reported payment.
type Distribution struct {
	DealID   DealID
	ReportID ReportID
	Amount   decimal.Decimal // distributed amount
	Premium  decimal.Decimal // commissionable premium recorded on each row
	Entries  []SnapshotEntry
	At       time.Time
}

// Distribute computes the transactions of one payment. Entries whose share
// rounds to zero are skipped.
func Distribute(d Distribution) ([]Transaction, error) {
	if !d.Amount.IsPositive() {
		return nil, nil
	}

	total := decimal.Zero
	for _, e := range d.Entries {
		if e.Percentage.IsPositive() {
			total = total.Add(e.Percentage)
		}
	}
	if !total.IsPositive() {
		return nil, nil
	}

	scale := int32(2)
	if exp := -d.Amount.Exponent(); exp > scale {
		scale = exp
	}
	amount := d.Amount.Round(scale)
	units := amount.Shift(scale)

	type slot struct {
		index     int
		units     decimal.Decimal
		remainder decimal.Decimal
	}
	slots := make([]slot, 0, len(d.Entries))
	allocated := decimal.Zero
	for i, e := range d.Entries {
		if !e.Percentage.IsPositive() {
			continue
		}
		exact := units.Mul(e.Percentage).DivRound(total, shareDigits)
		floor := exact.Floor()
		slots = append(slots, slot{index: i, units: floor, remainder: exact.Sub(floor)})
		allocated = allocated.Add(floor)
	}

	leftover := units.Sub(allocated).IntPart()
	if leftover > 0 {
		order := make([]int, len(slots))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool {
			return slots[order[a]].remainder.GreaterThan(slots[order[b]].remainder)
		})
		for k := 0; k < int(leftover) && k < len(order); k++ {
			s := &slots[order[k]]
			s.units = s.units.Add(decimal.NewFromInt(1))
		}
	}

	txs := make([]Transaction, 0, len(slots))
	distributed := decimal.Zero
	for _, s := range slots {
		share := s.units.Shift(-scale)
		if !share.IsPositive() {
			continue
		}
		e := d.Entries[s.index]
		txs = append(txs, Transaction{
			ID:             TransactionID(uuid.NewString()),
			DealID:         d.DealID,
			AgentID:        e.AgentID,
			UplineAgentID:  e.UplineAgentID,
			Level:          e.Level,
			CommissionType: e.CommissionType,
			Percentage:     e.Percentage,
			Amount:         share,
			PremiumAmount:  d.Premium,
			Status:         TxPending,
			ReportID:       d.ReportID,
			CreatedAt:      d.At,
			UpdatedAt:      d.At,
		})
		distributed = distributed.Add(share)
	}

	if !distributed.Equal(amount) {
		return nil, &DistributionError{DealID: d.DealID, Amount: amount, Distributed: distributed}
	}
	return txs, nil
}

// DistributedAmount is the commission amount when the carrier reports a
// positive one, otherwise the commissionable premium.
func DistributedAmount(premium decimal.Decimal, commissionAmount *decimal.Decimal) decimal.Decimal {
	if commissionAmount != nil && commissionAmount.IsPositive() {
		return *commissionAmount
	}
	return premium
}
