/*
Package commission provides the commission attribution engine.

PURPOSE:
  This package holds the domain model and the algorithms that turn one
  carrier commission payment into per-agent commission transactions:
  matching report products to the catalog, merging report data into deals,
  walking the agent upline hierarchy, gating deal creation on a fully priced
  hierarchy, freezing the hierarchy into a per-deal snapshot, and splitting
  the paid amount across that snapshot.

KEY CONCEPTS IN THIS FILE (types.go):
  - Agent / Position: the referral forest and the compensation ladder
  - CommissionStructure: (carrier, position, product) -> percentage
  - Deal: one sold policy, unique on (policy number, carrier)
  - SnapshotEntry: frozen per-agent rate for a deal, written once
  - Transaction: the computed share of one payment for one agent
  - Report: one uploaded carrier file and its processing counters

INVARIANTS:
  1. Snapshots are write-once. Nothing in this package updates them.
  2. Money and percentages are decimal.Decimal, never float64.
  3. For a deal with positive total weight, the transaction amounts of one
     distribution sum exactly to the distributed amount.

SEE ALSO:
  - errors.go: error taxonomy
  - store.go: persistence interfaces
  - hierarchy.go, snapshot.go, distribution.go: the pipeline stages
*/
package commission

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AgencyID string
type AgentID string
type PositionID string
type CarrierID string
type ProductID string
type StructureID string
type DealID string
type SnapshotEntryID string
type TransactionID string
type ReportID string

// =============================================================================
// HIERARCHY - Agents and positions
// =============================================================================

// Agent is a member of an agency's referral forest. UplineID is nil for the
// root of a tree; PositionID stays nil until an admin assigns a rung.
type Agent struct {
	ID          AgentID
	AgencyID    AgencyID
	Name        string
	AgentNumber string // carrier writing number, as it appears on reports
	Email       string
	UplineID    *AgentID
	PositionID  *PositionID
	CreatedAt   time.Time
}

// Position is a rung in the compensation ladder.
type Position struct {
	ID       PositionID
	AgencyID AgencyID
	Name     string
	Level    int
}

// =============================================================================
// CATALOG - Carriers, products, commission structures
// =============================================================================

// Carrier is the persisted identity of a carrier format registry entry.
type Carrier struct {
	ID   CarrierID
	Name string
}

type Product struct {
	ID        ProductID
	CarrierID CarrierID
	AgencyID  AgencyID
	Name      string
	Active    bool
}

type CommissionType string

const (
	CommissionFirstYear CommissionType = "first_year"
	CommissionRenewal   CommissionType = "renewal"
	CommissionOverride  CommissionType = "override"
)

// CommissionStructure prices one position for one carrier product.
// Level orders competing rows; it is NOT the hierarchy depth of an agent.
type CommissionStructure struct {
	ID             StructureID
	CarrierID      CarrierID
	PositionID     PositionID
	ProductID      ProductID
	Level          int
	Percentage     decimal.Decimal
	CommissionType CommissionType
	Active         bool
}

// =============================================================================
// DEAL - One sold policy
// =============================================================================

type DealStatus string

const (
	DealPending  DealStatus = "pending"
	DealVerified DealStatus = "verified"
)

type DealSource string

const (
	SourceReport DealSource = "report"
	SourceManual DealSource = "manual"
)

// Deal is unique on (PolicyNumber, CarrierID). Optional fields are pointers
// so that "never written" is distinguishable from a zero value.
type Deal struct {
	ID             DealID
	AgencyID       AgencyID
	AgentID        AgentID
	CarrierID      CarrierID
	ProductID      *ProductID
	PolicyNumber   string
	ClientName     *string
	ClientEmail    *string
	ClientPhone    *string
	AnnualPremium  *decimal.Decimal
	MonthlyPremium *decimal.Decimal
	EffectiveDate  *time.Time
	Status         DealStatus
	Source         DealSource
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// =============================================================================
// SNAPSHOT - Frozen hierarchy and rates at deal creation
// =============================================================================

// SnapshotEntry records one chain agent's rate for a deal as of creation.
// Unique on (DealID, AgentID, CommissionType, Level).
type SnapshotEntry struct {
	ID             SnapshotEntryID
	DealID         DealID
	AgentID        AgentID
	UplineAgentID  *AgentID
	Level          int // 0 = writing agent
	CommissionType CommissionType
	Percentage     decimal.Decimal
	CreatedAt      time.Time
}

// =============================================================================
// TRANSACTION - Computed commission share
// =============================================================================

type TransactionStatus string

const (
	TxPending TransactionStatus = "pending"
	TxPaid    TransactionStatus = "paid"
)

// Transaction is one agent's share of one reported payment.
// Unique on (DealID, AgentID, CommissionType, Level).
type Transaction struct {
	ID             TransactionID
	DealID         DealID
	AgentID        AgentID
	UplineAgentID  *AgentID
	Level          int
	CommissionType CommissionType
	Percentage     decimal.Decimal
	Amount         decimal.Decimal
	PremiumAmount  decimal.Decimal
	Status         TransactionStatus
	ReportID       ReportID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// =============================================================================
// REPORT - One uploaded carrier file
// =============================================================================

type ReportStatus string

const (
	ReportUploaded  ReportStatus = "uploaded"
	ReportProcessed ReportStatus = "processed"
	ReportError     ReportStatus = "error"
)

// IsTerminal reports whether no further transition is possible.
func (s ReportStatus) IsTerminal() bool {
	return s == ReportProcessed || s == ReportError
}

type Report struct {
	ID               ReportID
	AgencyID         AgencyID
	CarrierID        CarrierID
	UploadedBy       string
	FileName         string
	Status           ReportStatus
	TotalRows        int
	ProcessedCount   int
	ErrorCount       int
	TransactionCount int
	Errors           []string
	ManualAmount     *decimal.Decimal
	ManualDate       *time.Time
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// Complete moves the report to its terminal status from the error count.
func (r *Report) Complete(at time.Time) {
	if r.ErrorCount > 0 {
		r.Status = ReportError
	} else {
		r.Status = ReportProcessed
	}
	r.CompletedAt = &at
}

// =============================================================================
// HELPERS
// =============================================================================

func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func AgentIDPtr(id AgentID) *AgentID { return &id }

func PositionIDPtr(id PositionID) *PositionID { return &id }

func ProductIDPtr(id ProductID) *ProductID { return &id }

func DecimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }
