/*
Package factory provides JSON to Go roster conversion.

PURPOSE:
  Converts JSON agency rosters (positions, agents, products, commission
  structures) into commission reference data and saves them. Agencies
  onboard by handing over a roster file; demo scenarios and the CLI seed
  command use the same format.

JSON SCHEMA:
  {
    "agency_id": "agency-1",
    "positions": [
      {"id": "pos-agent", "name": "Agent", "level": 1}
    ],
    "agents": [
      {"id": "a999", "name": "Manager", "agent_number": "A999", "position_id": "pos-manager"},
      {"id": "a123", "name": "Writer", "agent_number": "A123", "upline_id": "a999", "position_id": "pos-agent"}
    ],
    "products": [
      {"id": "prod-life", "carrier": "Aflac", "name": "Term Life 20"}
    ],
    "structures": [
      {"carrier": "Aflac", "product_id": "prod-life", "position_id": "pos-agent", "percentage": "40"}
    ]
  }

KEY FEATURES:
  - Carrier names are resolved through the format registry, so "aflac"
    and "AFLAC" land on the same carrier row
  - Missing ids are derived deterministically, so re-applying a roster
    updates rows instead of duplicating them
  - Percentages are decimals; JSON numbers and strings are both accepted
  - Uplines may reference agents defined later in the file or already
    in the store; a stored upline must belong to the roster's agency

USAGE:
  f := NewRosterFactory(registry)
  roster, err := f.ParseRoster(data)
  err = f.Apply(ctx, store, roster)

SEE ALSO:
  - commission/types.go: Agent, Position, Product, CommissionStructure
  - api/scenarios.go: demo rosters
*/
package factory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/carrier"
	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RosterJSON is the JSON representation of one agency's reference data.
type RosterJSON struct {
	AgencyID   string          `json:"agency_id"`
	Positions  []PositionJSON  `json:"positions"`
	Agents     []AgentJSON     `json:"agents"`
	Products   []ProductJSON   `json:"products"`
	Structures []StructureJSON `json:"structures"`
}

type PositionJSON struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Level int    `json:"level"`
}

type AgentJSON struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AgentNumber string `json:"agent_number,omitempty"`
	Email       string `json:"email,omitempty"`
	UplineID    string `json:"upline_id,omitempty"`
	PositionID  string `json:"position_id,omitempty"`
}

type ProductJSON struct {
	ID       string `json:"id"`
	Carrier  string `json:"carrier"`
	Name     string `json:"name"`
	Inactive bool   `json:"inactive,omitempty"`
}

type StructureJSON struct {
	ID             string          `json:"id,omitempty"`
	Carrier        string          `json:"carrier"`
	ProductID      string          `json:"product_id"`
	PositionID     string          `json:"position_id"`
	Level          int             `json:"level,omitempty"`
	Percentage     decimal.Decimal `json:"percentage"`
	CommissionType string          `json:"commission_type,omitempty"` // default first_year
	Inactive       bool            `json:"inactive,omitempty"`
}

// =============================================================================
// ROSTER
// =============================================================================

// Roster is a converted roster. Carriers holds the canonical carrier names
// the products and structures reference, in first-use order.
type Roster struct {
	AgencyID   commission.AgencyID
	Carriers   []string
	Positions  []commission.Position
	Agents     []commission.Agent
	Products   []ProductSeed
	Structures []StructureSeed
}

// ProductSeed is a product whose carrier id is not known until Apply.
type ProductSeed struct {
	Carrier string
	Product commission.Product
}

type StructureSeed struct {
	Carrier   string
	Structure commission.CommissionStructure
}

// =============================================================================
// ROSTER FACTORY
// =============================================================================

// RosterFactory converts JSON rosters to commission reference data.
type RosterFactory struct {
	Registry *carrier.Registry
	Now      func() time.Time
}

func NewRosterFactory(registry *carrier.Registry) *RosterFactory {
	return &RosterFactory{Registry: registry, Now: time.Now}
}

// ParseRoster parses a JSON document into a Roster.
func (f *RosterFactory) ParseRoster(data []byte) (*Roster, error) {
	var rj RosterJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rj); err != nil {
		return nil, fmt.Errorf("failed to parse roster JSON: %w", err)
	}
	return f.FromJSON(rj)
}

// FromJSON validates and converts a RosterJSON. Every problem found is
// reported, not just the first.
func (f *RosterFactory) FromJSON(rj RosterJSON) (*Roster, error) {
	if strings.TrimSpace(rj.AgencyID) == "" {
		return nil, errors.New("roster: agency_id is required")
	}
	agency := commission.AgencyID(rj.AgencyID)
	r := &Roster{AgencyID: agency}
	var errs []error
	now := f.Now()

	positions := make(map[string]bool, len(rj.Positions))
	for i, pj := range rj.Positions {
		if pj.ID == "" || pj.Name == "" {
			errs = append(errs, fmt.Errorf("positions[%d]: id and name are required", i))
			continue
		}
		positions[pj.ID] = true
		r.Positions = append(r.Positions, commission.Position{
			ID:       commission.PositionID(pj.ID),
			AgencyID: agency,
			Name:     pj.Name,
			Level:    pj.Level,
		})
	}

	numbers := make(map[string]string, len(rj.Agents))
	for i, aj := range rj.Agents {
		if aj.ID == "" || aj.Name == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: id and name are required", i))
			continue
		}
		a := commission.Agent{
			ID:          commission.AgentID(aj.ID),
			AgencyID:    agency,
			Name:        aj.Name,
			AgentNumber: strings.TrimSpace(aj.AgentNumber),
			Email:       aj.Email,
			CreatedAt:   now,
		}
		if a.AgentNumber != "" {
			if prev, dup := numbers[a.AgentNumber]; dup {
				errs = append(errs, fmt.Errorf("agents[%d]: agent_number %q already used by %s", i, a.AgentNumber, prev))
			}
			numbers[a.AgentNumber] = aj.ID
		}
		if aj.UplineID != "" {
			if aj.UplineID == aj.ID {
				errs = append(errs, fmt.Errorf("agents[%d]: %s is its own upline", i, aj.ID))
			}
			// Uplines outside the roster may already exist in the store.
			a.UplineID = commission.AgentIDPtr(commission.AgentID(aj.UplineID))
		}
		if aj.PositionID != "" {
			if !positions[aj.PositionID] {
				errs = append(errs, fmt.Errorf("agents[%d]: unknown position %q", i, aj.PositionID))
			}
			a.PositionID = commission.PositionIDPtr(commission.PositionID(aj.PositionID))
		}
		r.Agents = append(r.Agents, a)
	}

	products := make(map[string]string, len(rj.Products))
	for i, pj := range rj.Products {
		name, err := f.carrierName(pj.Carrier)
		if err != nil {
			errs = append(errs, fmt.Errorf("products[%d]: %w", i, err))
			continue
		}
		r.addCarrier(name)
		id := pj.ID
		if id == "" {
			id = slug(agency, name, pj.Name)
		}
		products[id] = name
		r.Products = append(r.Products, ProductSeed{
			Carrier: name,
			Product: commission.Product{
				ID:       commission.ProductID(id),
				AgencyID: agency,
				Name:     strings.TrimSpace(pj.Name),
				Active:   !pj.Inactive,
			},
		})
	}

	for i, sj := range rj.Structures {
		s, name, err := f.structure(sj, positions, products)
		if err != nil {
			errs = append(errs, fmt.Errorf("structures[%d]: %w", i, err))
			continue
		}
		r.addCarrier(name)
		r.Structures = append(r.Structures, StructureSeed{Carrier: name, Structure: s})
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

func (f *RosterFactory) structure(sj StructureJSON, positions map[string]bool, products map[string]string) (commission.CommissionStructure, string, error) {
	name, err := f.carrierName(sj.Carrier)
	if err != nil {
		return commission.CommissionStructure{}, "", err
	}
	if !positions[sj.PositionID] {
		return commission.CommissionStructure{}, "", fmt.Errorf("unknown position %q", sj.PositionID)
	}
	if productCarrier, ok := products[sj.ProductID]; ok && productCarrier != name {
		return commission.CommissionStructure{}, "", fmt.Errorf("product %q belongs to %s, not %s", sj.ProductID, productCarrier, name)
	}
	if sj.Percentage.IsNegative() {
		return commission.CommissionStructure{}, "", fmt.Errorf("negative percentage %s", sj.Percentage)
	}

	ct, err := parseCommissionType(sj.CommissionType)
	if err != nil {
		return commission.CommissionStructure{}, "", err
	}
	id := sj.ID
	if id == "" {
		id = fmt.Sprintf("cs-%s-%s-%s-%d", sj.ProductID, sj.PositionID, ct, sj.Level)
	}
	return commission.CommissionStructure{
		ID:             commission.StructureID(id),
		ProductID:      commission.ProductID(sj.ProductID),
		PositionID:     commission.PositionID(sj.PositionID),
		Level:          sj.Level,
		Percentage:     sj.Percentage,
		CommissionType: ct,
		Active:         !sj.Inactive,
	}, name, nil
}

// Apply saves a roster in dependency order: carriers, positions, agents,
// products, structures. Run it inside WithTx for all-or-nothing seeding.
func (f *RosterFactory) Apply(ctx context.Context, store commission.ReferenceStore, r *Roster) error {
	carriers := make(map[string]commission.CarrierID, len(r.Carriers))
	for _, name := range r.Carriers {
		c, err := store.EnsureCarrier(ctx, name)
		if err != nil {
			return err
		}
		carriers[name] = c.ID
	}
	for _, p := range r.Positions {
		if err := store.SavePosition(ctx, p); err != nil {
			return err
		}
	}
	for _, a := range r.Agents {
		if err := commission.CheckUplineAgency(ctx, store, a); err != nil {
			return fmt.Errorf("agent %s: %w", a.ID, err)
		}
		if err := store.SaveAgent(ctx, a); err != nil {
			return fmt.Errorf("agent %s: %w", a.ID, err)
		}
	}
	for _, seed := range r.Products {
		p := seed.Product
		p.CarrierID = carriers[seed.Carrier]
		if err := store.SaveProduct(ctx, p); err != nil {
			return err
		}
	}
	for _, seed := range r.Structures {
		cs := seed.Structure
		cs.CarrierID = carriers[seed.Carrier]
		if err := store.SaveCommissionStructure(ctx, cs); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func (f *RosterFactory) carrierName(name string) (string, error) {
	format, err := f.Registry.Lookup(name)
	if err != nil {
		return "", err
	}
	return format.Name, nil
}

func (r *Roster) addCarrier(name string) {
	for _, c := range r.Carriers {
		if c == name {
			return
		}
	}
	r.Carriers = append(r.Carriers, name)
}

func parseCommissionType(s string) (commission.CommissionType, error) {
	switch s {
	case "", "first_year":
		return commission.CommissionFirstYear, nil
	case "renewal":
		return commission.CommissionRenewal, nil
	case "override":
		return commission.CommissionOverride, nil
	default:
		return "", fmt.Errorf("unknown commission_type %q", s)
	}
}

// slug derives a stable id from free text.
func slug(parts ...any) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte('-')
		}
		for _, r := range strings.ToLower(fmt.Sprint(p)) {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
				b.WriteRune(r)
			case r == ' ' || r == '-' || r == '_':
				b.WriteByte('-')
			}
		}
	}
	return b.String()
}
