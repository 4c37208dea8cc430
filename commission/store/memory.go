// Package store provides in-memory commission.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a commission.TxStore backed by maps. All values are stored and
// returned by copy.
type Memory struct {
	mu sync.RWMutex
	s  *state
}

type dealKey struct {
	PolicyNumber string
	CarrierID    commission.CarrierID
}

type snapshotKey struct {
	DealID         commission.DealID
	AgentID        commission.AgentID
	CommissionType commission.CommissionType
	Level          int
}

// state holds the data and implements commission.Store without locking.
// Memory guards it; WithTx hands it to fn directly.
type state struct {
	agents       map[commission.AgentID]commission.Agent
	positions    map[commission.PositionID]commission.Position
	carriers     map[commission.CarrierID]commission.Carrier
	products     map[commission.ProductID]commission.Product
	structures   map[commission.StructureID]commission.CommissionStructure
	deals        map[commission.DealID]commission.Deal
	dealKeys     map[dealKey]commission.DealID
	snapshots    map[commission.DealID][]commission.SnapshotEntry
	snapshotKeys map[snapshotKey]bool
	transactions map[commission.DealID][]commission.Transaction
	reports      map[commission.ReportID]commission.Report
}

func newState() *state {
	return &state{
		agents:       make(map[commission.AgentID]commission.Agent),
		positions:    make(map[commission.PositionID]commission.Position),
		carriers:     make(map[commission.CarrierID]commission.Carrier),
		products:     make(map[commission.ProductID]commission.Product),
		structures:   make(map[commission.StructureID]commission.CommissionStructure),
		deals:        make(map[commission.DealID]commission.Deal),
		dealKeys:     make(map[dealKey]commission.DealID),
		snapshots:    make(map[commission.DealID][]commission.SnapshotEntry),
		snapshotKeys: make(map[snapshotKey]bool),
		transactions: make(map[commission.DealID][]commission.Transaction),
		reports:      make(map[commission.ReportID]commission.Report),
	}
}

func NewMemory() *Memory {
	return &Memory{s: newState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(commission.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := m.s.clone()
	if err := fn(m.s); err != nil {
		m.s = saved
		return err
	}
	return nil
}

// =============================================================================
// LOCKED ACCESSORS
// =============================================================================

func (m *Memory) read(fn func(s *state)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.s)
}

func (m *Memory) write(fn func(s *state)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.s)
}

func (m *Memory) SaveAgent(ctx context.Context, agent commission.Agent) (err error) {
	m.write(func(s *state) { err = s.SaveAgent(ctx, agent) })
	return
}

func (m *Memory) GetAgent(ctx context.Context, id commission.AgentID) (a *commission.Agent, err error) {
	m.read(func(s *state) { a, err = s.GetAgent(ctx, id) })
	return
}

func (m *Memory) GetAgentByNumber(ctx context.Context, agencyID commission.AgencyID, number string) (a *commission.Agent, err error) {
	m.read(func(s *state) { a, err = s.GetAgentByNumber(ctx, agencyID, number) })
	return
}

func (m *Memory) ListAgents(ctx context.Context, agencyID commission.AgencyID) (out []commission.Agent, err error) {
	m.read(func(s *state) { out, err = s.ListAgents(ctx, agencyID) })
	return
}

func (m *Memory) UplineChain(ctx context.Context, agentID commission.AgentID, maxDepth int) (out []commission.UplineLink, err error) {
	m.read(func(s *state) { out, err = s.UplineChain(ctx, agentID, maxDepth) })
	return
}

func (m *Memory) SavePosition(ctx context.Context, p commission.Position) (err error) {
	m.write(func(s *state) { err = s.SavePosition(ctx, p) })
	return
}

func (m *Memory) GetPosition(ctx context.Context, id commission.PositionID) (p *commission.Position, err error) {
	m.read(func(s *state) { p, err = s.GetPosition(ctx, id) })
	return
}

func (m *Memory) ListPositions(ctx context.Context, agencyID commission.AgencyID) (out []commission.Position, err error) {
	m.read(func(s *state) { out, err = s.ListPositions(ctx, agencyID) })
	return
}

func (m *Memory) EnsureCarrier(ctx context.Context, name string) (c commission.Carrier, err error) {
	m.write(func(s *state) { c, err = s.EnsureCarrier(ctx, name) })
	return
}

func (m *Memory) GetCarrier(ctx context.Context, id commission.CarrierID) (c *commission.Carrier, err error) {
	m.read(func(s *state) { c, err = s.GetCarrier(ctx, id) })
	return
}

func (m *Memory) SaveProduct(ctx context.Context, p commission.Product) (err error) {
	m.write(func(s *state) { err = s.SaveProduct(ctx, p) })
	return
}

func (m *Memory) ListActiveProducts(ctx context.Context, carrierID commission.CarrierID, agencyID commission.AgencyID) (out []commission.Product, err error) {
	m.read(func(s *state) { out, err = s.ListActiveProducts(ctx, carrierID, agencyID) })
	return
}

func (m *Memory) SaveCommissionStructure(ctx context.Context, cs commission.CommissionStructure) (err error) {
	m.write(func(s *state) { err = s.SaveCommissionStructure(ctx, cs) })
	return
}

func (m *Memory) FindCommissionStructures(ctx context.Context, carrierID commission.CarrierID, positionID commission.PositionID, productID commission.ProductID) (out []commission.CommissionStructure, err error) {
	m.read(func(s *state) { out, err = s.FindCommissionStructures(ctx, carrierID, positionID, productID) })
	return
}

func (m *Memory) ListCommissionStructures(ctx context.Context, carrierID commission.CarrierID) (out []commission.CommissionStructure, err error) {
	m.read(func(s *state) { out, err = s.ListCommissionStructures(ctx, carrierID) })
	return
}

func (m *Memory) InsertDeal(ctx context.Context, deal commission.Deal) (created bool, err error) {
	m.write(func(s *state) { created, err = s.InsertDeal(ctx, deal) })
	return
}

func (m *Memory) UpdateDeal(ctx context.Context, deal commission.Deal) (err error) {
	m.write(func(s *state) { err = s.UpdateDeal(ctx, deal) })
	return
}

func (m *Memory) GetDeal(ctx context.Context, id commission.DealID) (d *commission.Deal, err error) {
	m.read(func(s *state) { d, err = s.GetDeal(ctx, id) })
	return
}

func (m *Memory) GetDealByPolicy(ctx context.Context, policyNumber string, carrierID commission.CarrierID) (d *commission.Deal, err error) {
	m.read(func(s *state) { d, err = s.GetDealByPolicy(ctx, policyNumber, carrierID) })
	return
}

func (m *Memory) InsertSnapshot(ctx context.Context, entries []commission.SnapshotEntry) (err error) {
	m.write(func(s *state) { err = s.InsertSnapshot(ctx, entries) })
	return
}

func (m *Memory) ListSnapshot(ctx context.Context, dealID commission.DealID) (out []commission.SnapshotEntry, err error) {
	m.read(func(s *state) { out, err = s.ListSnapshot(ctx, dealID) })
	return
}

func (m *Memory) ReplaceTransactions(ctx context.Context, dealID commission.DealID, txs []commission.Transaction) (inserted int, err error) {
	m.write(func(s *state) { inserted, err = s.ReplaceTransactions(ctx, dealID, txs) })
	return
}

func (m *Memory) ListTransactionsByDeal(ctx context.Context, dealID commission.DealID) (out []commission.Transaction, err error) {
	m.read(func(s *state) { out, err = s.ListTransactionsByDeal(ctx, dealID) })
	return
}

func (m *Memory) SaveReport(ctx context.Context, r commission.Report) (err error) {
	m.write(func(s *state) { err = s.SaveReport(ctx, r) })
	return
}

func (m *Memory) GetReport(ctx context.Context, id commission.ReportID) (r *commission.Report, err error) {
	m.read(func(s *state) { r, err = s.GetReport(ctx, id) })
	return
}

func (m *Memory) ListReports(ctx context.Context, agencyID commission.AgencyID, limit int) (out []commission.Report, err error) {
	m.read(func(s *state) { out, err = s.ListReports(ctx, agencyID, limit) })
	return
}

func (m *Memory) ListStaleReports(ctx context.Context, cutoff time.Time) (out []commission.Report, err error) {
	m.read(func(s *state) { out, err = s.ListStaleReports(ctx, cutoff) })
	return
}

// =============================================================================
// STATE - Unlocked implementation
// =============================================================================

func (s *state) SaveAgent(_ context.Context, agent commission.Agent) error {
	s.agents[agent.ID] = agent
	return nil
}

func (s *state) GetAgent(_ context.Context, id commission.AgentID) (*commission.Agent, error) {
	a, ok := s.agents[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *state) GetAgentByNumber(ctx context.Context, agencyID commission.AgencyID, number string) (*commission.Agent, error) {
	agents, _ := s.ListAgents(ctx, agencyID)
	for _, a := range agents {
		if a.AgentNumber == number {
			return &a, nil
		}
	}
	return nil, nil
}

func (s *state) ListAgents(_ context.Context, agencyID commission.AgencyID) ([]commission.Agent, error) {
	var out []commission.Agent
	for _, a := range s.agents {
		if a.AgencyID == agencyID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UplineChain follows upline pointers for at most maxDepth hops. A dangling
// upline ends the walk at the last existing agent.
func (s *state) UplineChain(_ context.Context, agentID commission.AgentID, maxDepth int) ([]commission.UplineLink, error) {
	a, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	links := []commission.UplineLink{{AgentID: a.ID, UplineID: a.UplineID}}
	for hops := 0; a.UplineID != nil && hops < maxDepth; hops++ {
		next, ok := s.agents[*a.UplineID]
		if !ok {
			break
		}
		a = next
		links = append(links, commission.UplineLink{AgentID: a.ID, UplineID: a.UplineID})
	}
	return links, nil
}

func (s *state) SavePosition(_ context.Context, p commission.Position) error {
	s.positions[p.ID] = p
	return nil
}

func (s *state) GetPosition(_ context.Context, id commission.PositionID) (*commission.Position, error) {
	p, ok := s.positions[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *state) ListPositions(_ context.Context, agencyID commission.AgencyID) ([]commission.Position, error) {
	var out []commission.Position
	for _, p := range s.positions {
		if p.AgencyID == agencyID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) EnsureCarrier(_ context.Context, name string) (commission.Carrier, error) {
	for _, c := range s.carriers {
		if c.Name == name {
			return c, nil
		}
	}
	c := commission.Carrier{ID: commission.CarrierID(uuid.NewString()), Name: name}
	s.carriers[c.ID] = c
	return c, nil
}

func (s *state) GetCarrier(_ context.Context, id commission.CarrierID) (*commission.Carrier, error) {
	c, ok := s.carriers[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *state) SaveProduct(_ context.Context, p commission.Product) error {
	s.products[p.ID] = p
	return nil
}

func (s *state) ListActiveProducts(_ context.Context, carrierID commission.CarrierID, agencyID commission.AgencyID) ([]commission.Product, error) {
	var out []commission.Product
	for _, p := range s.products {
		if p.Active && p.CarrierID == carrierID && p.AgencyID == agencyID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) SaveCommissionStructure(_ context.Context, cs commission.CommissionStructure) error {
	s.structures[cs.ID] = cs
	return nil
}

func (s *state) FindCommissionStructures(_ context.Context, carrierID commission.CarrierID, positionID commission.PositionID, productID commission.ProductID) ([]commission.CommissionStructure, error) {
	var out []commission.CommissionStructure
	for _, cs := range s.structures {
		if cs.Active && cs.CarrierID == carrierID && cs.PositionID == positionID && cs.ProductID == productID {
			out = append(out, cs)
		}
	}
	sortStructures(out)
	return out, nil
}

func (s *state) ListCommissionStructures(_ context.Context, carrierID commission.CarrierID) ([]commission.CommissionStructure, error) {
	var out []commission.CommissionStructure
	for _, cs := range s.structures {
		if cs.CarrierID == carrierID {
			out = append(out, cs)
		}
	}
	sortStructures(out)
	return out, nil
}

func sortStructures(out []commission.CommissionStructure) {
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.PositionID != b.PositionID {
			return a.PositionID < b.PositionID
		}
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		return a.ID < b.ID
	})
}

func (s *state) InsertDeal(_ context.Context, deal commission.Deal) (bool, error) {
	k := dealKey{PolicyNumber: deal.PolicyNumber, CarrierID: deal.CarrierID}
	if _, exists := s.dealKeys[k]; exists {
		return false, nil
	}
	s.deals[deal.ID] = deal
	s.dealKeys[k] = deal.ID
	return true, nil
}

func (s *state) UpdateDeal(_ context.Context, deal commission.Deal) error {
	stored, ok := s.deals[deal.ID]
	if !ok {
		return commission.ErrDealNotFound
	}
	s.deals[deal.ID] = commission.FillDeal(stored, deal)
	return nil
}

func (s *state) GetDeal(_ context.Context, id commission.DealID) (*commission.Deal, error) {
	d, ok := s.deals[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *state) GetDealByPolicy(ctx context.Context, policyNumber string, carrierID commission.CarrierID) (*commission.Deal, error) {
	id, ok := s.dealKeys[dealKey{PolicyNumber: policyNumber, CarrierID: carrierID}]
	if !ok {
		return nil, nil
	}
	return s.GetDeal(ctx, id)
}

func (s *state) InsertSnapshot(_ context.Context, entries []commission.SnapshotEntry) error {
	for _, e := range entries {
		k := snapshotKey{DealID: e.DealID, AgentID: e.AgentID, CommissionType: e.CommissionType, Level: e.Level}
		if s.snapshotKeys[k] {
			continue
		}
		s.snapshotKeys[k] = true
		s.snapshots[e.DealID] = append(s.snapshots[e.DealID], e)
	}
	return nil
}

func (s *state) ListSnapshot(_ context.Context, dealID commission.DealID) ([]commission.SnapshotEntry, error) {
	out := append([]commission.SnapshotEntry(nil), s.snapshots[dealID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (s *state) ReplaceTransactions(_ context.Context, dealID commission.DealID, txs []commission.Transaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}
	latest := txs[0]
	existing := s.transactions[dealID]
	covered := make([]bool, len(existing))
	inserted := 0
	for _, tx := range txs {
		replaced := false
		for i, cur := range existing {
			if cur.AgentID == tx.AgentID && cur.CommissionType == tx.CommissionType && cur.Level == tx.Level {
				cur.Amount = tx.Amount
				cur.PremiumAmount = tx.PremiumAmount
				cur.ReportID = tx.ReportID
				cur.UpdatedAt = tx.UpdatedAt
				existing[i] = cur
				covered[i] = true
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, tx)
			covered = append(covered, true)
			inserted++
		}
	}
	for i := range existing {
		if !covered[i] {
			existing[i].Amount = decimal.Zero
			existing[i].ReportID = latest.ReportID
			existing[i].UpdatedAt = latest.UpdatedAt
		}
	}
	s.transactions[dealID] = existing
	return inserted, nil
}

func (s *state) ListTransactionsByDeal(_ context.Context, dealID commission.DealID) ([]commission.Transaction, error) {
	out := append([]commission.Transaction(nil), s.transactions[dealID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (s *state) SaveReport(_ context.Context, r commission.Report) error {
	r.Errors = append([]string(nil), r.Errors...)
	s.reports[r.ID] = r
	return nil
}

func (s *state) GetReport(_ context.Context, id commission.ReportID) (*commission.Report, error) {
	r, ok := s.reports[id]
	if !ok {
		return nil, nil
	}
	r.Errors = append([]string(nil), r.Errors...)
	return &r, nil
}

func (s *state) ListReports(_ context.Context, agencyID commission.AgencyID, limit int) ([]commission.Report, error) {
	var out []commission.Report
	for _, r := range s.reports {
		if agencyID == "" || r.AgencyID == agencyID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *state) ListStaleReports(_ context.Context, cutoff time.Time) ([]commission.Report, error) {
	var out []commission.Report
	for _, r := range s.reports {
		if r.Status == commission.ReportUploaded && r.CreatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// SNAPSHOT / RESTORE
// =============================================================================

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.agents {
		c.agents[k] = v
	}
	for k, v := range s.positions {
		c.positions[k] = v
	}
	for k, v := range s.carriers {
		c.carriers[k] = v
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.structures {
		c.structures[k] = v
	}
	for k, v := range s.deals {
		c.deals[k] = v
	}
	for k, v := range s.dealKeys {
		c.dealKeys[k] = v
	}
	for k, v := range s.snapshots {
		c.snapshots[k] = append([]commission.SnapshotEntry(nil), v...)
	}
	for k, v := range s.snapshotKeys {
		c.snapshotKeys[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = append([]commission.Transaction(nil), v...)
	}
	for k, v := range s.reports {
		c.reports[k] = v
	}
	return c
}

var (
	_ commission.TxStore = (*Memory)(nil)
	_ commission.Store   = (*state)(nil)
)
