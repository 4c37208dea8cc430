/*
store.go - Persistence interfaces for the commission engine

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  ReferenceStore:   agents, positions, carriers, products, commission structures
  UplineTraverser:  the upline walk primitive consumed by the chain walker
  DealStore:        find-or-create deals keyed by (policy number, carrier)
  SnapshotStore:    write-once per-deal hierarchy snapshots
  TransactionStore: commission transactions (one current distribution per deal)
  ReportStore:      uploaded report bookkeeping
  TxStore:          atomic multi-table writes

IDEMPOTENCY CONTRACT:
  Correctness under concurrent or repeated uploads comes from the store,
  not from application locks:
  - InsertDeal is insert-if-absent on (policy_number, carrier_id)
  - InsertSnapshot is insert-if-absent on (deal_id, agent_id, type, level)
    and NEVER updates an existing row
  - UpdateDeal only fills empty fields, so the first writer of a field
    wins even when the second writer merged against a stale read
  - ReplaceTransactions updates an existing (deal_id, agent_id, type,
    level) row instead of duplicating it, and zeroes the deal's rows the
    new distribution doesn't cover

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - commission/store/memory.go: in-memory for testing

SEE ALSO:
  - hierarchy.go: consumes UplineTraverser
  - ingest/engine.go: consumes TxStore
*/
package commission

import (
	"context"
	"time"
)

// =============================================================================
// REFERENCE DATA
// =============================================================================

// ReferenceStore holds the slowly changing configuration the engine reads.
type ReferenceStore interface {
	SaveAgent(ctx context.Context, agent Agent) error
	// GetAgent returns nil, nil when the agent doesn't exist.
	GetAgent(ctx context.Context, id AgentID) (*Agent, error)
	// GetAgentByNumber resolves a report's writing-agent number within an agency.
	GetAgentByNumber(ctx context.Context, agencyID AgencyID, number string) (*Agent, error)
	ListAgents(ctx context.Context, agencyID AgencyID) ([]Agent, error)

	SavePosition(ctx context.Context, position Position) error
	GetPosition(ctx context.Context, id PositionID) (*Position, error)
	ListPositions(ctx context.Context, agencyID AgencyID) ([]Position, error)

	// EnsureCarrier returns the carrier with the given name, creating it if needed.
	EnsureCarrier(ctx context.Context, name string) (Carrier, error)
	GetCarrier(ctx context.Context, id CarrierID) (*Carrier, error)

	SaveProduct(ctx context.Context, product Product) error
	// ListActiveProducts returns active products ordered by name, then id.
	ListActiveProducts(ctx context.Context, carrierID CarrierID, agencyID AgencyID) ([]Product, error)

	SaveCommissionStructure(ctx context.Context, cs CommissionStructure) error
	// FindCommissionStructures returns active rows ordered by level ascending.
	FindCommissionStructures(ctx context.Context, carrierID CarrierID, positionID PositionID, productID ProductID) ([]CommissionStructure, error)
	ListCommissionStructures(ctx context.Context, carrierID CarrierID) ([]CommissionStructure, error)
}

// UplineLink is one hop of an upline walk.
type UplineLink struct {
	AgentID  AgentID
	UplineID *AgentID
}

// UplineTraverser returns the ordered links from agentID up to the root of
// its tree, following at most maxDepth hops. Implementations do not detect
// cycles; the Walker does.
type UplineTraverser interface {
	UplineChain(ctx context.Context, agentID AgentID, maxDepth int) ([]UplineLink, error)
}

// =============================================================================
// DEALS, SNAPSHOTS, TRANSACTIONS
// =============================================================================

type DealStore interface {
	// InsertDeal inserts the deal unless (policy_number, carrier_id) exists.
	// Returns false when another writer got there first.
	InsertDeal(ctx context.Context, deal Deal) (bool, error)
	// UpdateDeal fills the stored deal's empty fields from deal (see
	// FillDeal); populated fields are never overwritten.
	UpdateDeal(ctx context.Context, deal Deal) error
	GetDeal(ctx context.Context, id DealID) (*Deal, error)
	GetDealByPolicy(ctx context.Context, policyNumber string, carrierID CarrierID) (*Deal, error)
}

type SnapshotStore interface {
	// InsertSnapshot writes entries that don't exist yet. Existing rows are
	// left untouched.
	InsertSnapshot(ctx context.Context, entries []SnapshotEntry) error
	// ListSnapshot returns a deal's entries ordered by level.
	ListSnapshot(ctx context.Context, dealID DealID) ([]SnapshotEntry, error)
}

type TransactionStore interface {
	// ReplaceTransactions makes txs the deal's current distribution: each
	// row is inserted or updated on (deal_id, agent_id, type, level) and the
	// deal's other rows drop to a zero amount, so the deal's amounts sum to
	// the latest distributed amount. Returns the number of rows inserted.
	// Run it inside WithTx.
	ReplaceTransactions(ctx context.Context, dealID DealID, txs []Transaction) (int, error)
	ListTransactionsByDeal(ctx context.Context, dealID DealID) ([]Transaction, error)
}

type ReportStore interface {
	SaveReport(ctx context.Context, report Report) error
	GetReport(ctx context.Context, id ReportID) (*Report, error)
	ListReports(ctx context.Context, agencyID AgencyID, limit int) ([]Report, error)
	// ListStaleReports returns reports still in "uploaded" created before cutoff.
	ListStaleReports(ctx context.Context, cutoff time.Time) ([]Report, error)
}

// =============================================================================
// STORE - Everything the engine needs
// =============================================================================

type Store interface {
	ReferenceStore
	UplineTraverser
	DealStore
	SnapshotStore
	TransactionStore
	ReportStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
