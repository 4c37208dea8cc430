package commission

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SNAPSHOT BUILDER - Freeze the priced chain at deal creation
// =============================================================================

// SnapshotBuilder writes a deal's hierarchy snapshot exactly once.
//
// INVARIANTS:
//   - Write-once: an existing snapshot is returned untouched, never rebuilt.
//   - Later hierarchy or rate changes never reach an existing deal.
type SnapshotBuilder struct {
	Store SnapshotStore
	Now   func() time.Time
}

func NewSnapshotBuilder(store SnapshotStore) *SnapshotBuilder {
	return &SnapshotBuilder{Store: store, Now: time.Now}
}

// Build returns the deal's snapshot, writing it from the priced chain if the
// deal has none yet.
func (b *SnapshotBuilder) Build(ctx context.Context, dealID DealID, chain *PricedChain) ([]SnapshotEntry, error) {
	existing, err := b.Store.ListSnapshot(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	entries := SnapshotEntries(dealID, chain, b.now())
	if err := b.Store.InsertSnapshot(ctx, entries); err != nil {
		return nil, err
	}

	// Re-read: a concurrent writer may have won some keys.
	return b.Store.ListSnapshot(ctx, dealID)
}

// SnapshotEntries maps each chain member to an entry carrying the rate of
// its position's authoritative structure.
func SnapshotEntries(dealID DealID, chain *PricedChain, at time.Time) []SnapshotEntry {
	entries := make([]SnapshotEntry, 0, len(chain.Members))
	for _, m := range chain.Members {
		cs := chain.Structures[m.Agent.ID]
		entries = append(entries, SnapshotEntry{
			ID:             SnapshotEntryID(uuid.NewString()),
			DealID:         dealID,
			AgentID:        m.Agent.ID,
			UplineAgentID:  m.UplineID,
			Level:          m.Level,
			CommissionType: cs.CommissionType,
			Percentage:     cs.Percentage,
			CreatedAt:      at,
		})
	}
	return entries
}

func (b *SnapshotBuilder) now() time.Time {
	if b.Now == nil {
		return time.Now()
	}
	return b.Now()
}
