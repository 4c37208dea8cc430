/*
hierarchy.go - Upline chain walking and the deal-creation gate

PURPOSE:
  Turns a writing agent into the ordered chain of that agent and all of
  their uplines, then decides whether a new deal may be created for it.

CHAIN:
  Level 0 is the writing agent; each hop up increments the level. Each
  member carries its own upline so the snapshot can record the edge.

SAFETY:
  The traversal primitive is trusted to follow upline_id, nothing more.
  The Walker caps hops at MaxDepth and fails on a revisited agent instead
  of looping.

AGENCY SCOPE:
  A chain never leaves the writing agent's agency. An upline in another
  agency fails the walk with CrossAgencyUplineError, whether the traverser
  reads the whole table (store) or one agency (ForestTraverser).

GATE (Validator):
  A deal is created with a complete, priced hierarchy or not at all:
  - every chain agent must have a position
  - every position must have an active commission structure for
    (carrier, position, product)
  Every offending agent is reported, not only the first.

SEE ALSO:
  - snapshot.go: consumes the validated chain
  - store.go: UplineTraverser
*/
package commission

import (
	"context"
	"fmt"
	"sort"
)

// DefaultMaxDepth caps the number of upline hops followed.
const DefaultMaxDepth = 32

// =============================================================================
// CHAIN WALKER
// =============================================================================

// ChainMember is one agent of a hierarchy chain.
type ChainMember struct {
	Agent    Agent
	Level    int
	UplineID *AgentID
}

// Walker produces hierarchy chains from a traversal primitive.
type Walker struct {
	Traverser UplineTraverser
	Agents    ReferenceStore
	MaxDepth  int
}

func NewWalker(traverser UplineTraverser, agents ReferenceStore, maxDepth int) *Walker {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Walker{Traverser: traverser, Agents: agents, MaxDepth: maxDepth}
}

// Walk returns the chain from agentID to the root of its tree.
func (w *Walker) Walk(ctx context.Context, agentID AgentID) ([]ChainMember, error) {
	maxDepth := w.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	links, err := w.Traverser.UplineChain(ctx, agentID, maxDepth)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 || links[0].AgentID != agentID {
		return nil, &AgentNotFoundError{AgentID: agentID}
	}

	seen := make(map[AgentID]bool, len(links))
	chain := make([]ChainMember, 0, len(links))
	for level, link := range links {
		if seen[link.AgentID] {
			return nil, &HierarchyCycleError{Start: agentID, Revisited: link.AgentID}
		}
		seen[link.AgentID] = true

		agent, err := w.Agents.GetAgent(ctx, link.AgentID)
		if err != nil {
			return nil, err
		}
		if agent == nil {
			return nil, &AgentNotFoundError{AgentID: link.AgentID}
		}
		if level > 0 && agent.AgencyID != chain[0].Agent.AgencyID {
			return nil, &CrossAgencyUplineError{
				AgentID:      links[level-1].AgentID,
				UplineID:     agent.ID,
				AgencyID:     chain[0].Agent.AgencyID,
				UplineAgency: agent.AgencyID,
			}
		}
		chain = append(chain, ChainMember{Agent: *agent, Level: level, UplineID: link.UplineID})
	}

	last := links[len(links)-1]
	if last.UplineID != nil {
		if seen[*last.UplineID] {
			return nil, &HierarchyCycleError{Start: agentID, Revisited: *last.UplineID}
		}
		// The walk stopped early: the upline is gone or outside the traverser's scope.
		if len(links)-1 < maxDepth {
			return nil, w.missingUpline(ctx, chain, last)
		}
		return nil, fmt.Errorf("%w: agent %s after %d hops", ErrHierarchyTooDeep, agentID, maxDepth)
	}
	return chain, nil
}

func (w *Walker) missingUpline(ctx context.Context, chain []ChainMember, last UplineLink) error {
	upline, err := w.Agents.GetAgent(ctx, *last.UplineID)
	if err != nil {
		return err
	}
	agencyID := chain[0].Agent.AgencyID
	if upline == nil || upline.AgencyID == agencyID {
		return &AgentNotFoundError{AgentID: *last.UplineID}
	}
	return &CrossAgencyUplineError{
		AgentID:      last.AgentID,
		UplineID:     upline.ID,
		AgencyID:     agencyID,
		UplineAgency: upline.AgencyID,
	}
}

// CheckUplineAgency rejects saving agent under an existing upline from
// another agency. An upline not saved yet passes; the walk reports it later.
func CheckUplineAgency(ctx context.Context, store ReferenceStore, agent Agent) error {
	if agent.UplineID == nil {
		return nil
	}
	upline, err := store.GetAgent(ctx, *agent.UplineID)
	if err != nil {
		return err
	}
	if upline == nil || upline.AgencyID == agent.AgencyID {
		return nil
	}
	return &CrossAgencyUplineError{
		AgentID:      agent.ID,
		UplineID:     upline.ID,
		AgencyID:     agent.AgencyID,
		UplineAgency: upline.AgencyID,
	}
}

// =============================================================================
// FOREST TRAVERSER - In-memory walk over a pre-fetched agency
// =============================================================================

// ForestTraverser answers UplineChain from one batch fetch of an agency's
// agents, so a long chain costs a single query.
type ForestTraverser struct {
	uplines map[AgentID]*AgentID
}

func NewForestTraverser(agents []Agent) *ForestTraverser {
	uplines := make(map[AgentID]*AgentID, len(agents))
	for _, a := range agents {
		uplines[a.ID] = a.UplineID
	}
	return &ForestTraverser{uplines: uplines}
}

// LoadForest fetches every agent of an agency once.
func LoadForest(ctx context.Context, store ReferenceStore, agencyID AgencyID) (*ForestTraverser, error) {
	agents, err := store.ListAgents(ctx, agencyID)
	if err != nil {
		return nil, err
	}
	return NewForestTraverser(agents), nil
}

// UplineChain stops at an upline outside the forest; the Walker decides
// whether it is missing or in another agency.
func (f *ForestTraverser) UplineChain(_ context.Context, agentID AgentID, maxDepth int) ([]UplineLink, error) {
	upline, ok := f.uplines[agentID]
	if !ok {
		return nil, nil
	}
	links := []UplineLink{{AgentID: agentID, UplineID: upline}}
	for hops := 0; upline != nil && hops < maxDepth; hops++ {
		current := *upline
		next, ok := f.uplines[current]
		if !ok {
			break
		}
		links = append(links, UplineLink{AgentID: current, UplineID: next})
		upline = next
	}
	return links, nil
}

// =============================================================================
// PRECONDITION VALIDATOR
// =============================================================================

// PricedChain is a chain whose every member has an authoritative structure.
type PricedChain struct {
	Members    []ChainMember
	Structures map[AgentID]CommissionStructure
}

// Validator gates creation of new deals.
type Validator struct {
	Structures ReferenceStore
}

func NewValidator(store ReferenceStore) *Validator {
	return &Validator{Structures: store}
}

// Validate checks every chain member and returns the priced chain, or a
// *HierarchyIncompleteError listing all offending agents.
func (v *Validator) Validate(ctx context.Context, chain []ChainMember, carrierID CarrierID, productID ProductID) (*PricedChain, error) {
	incomplete := &HierarchyIncompleteError{}
	priced := &PricedChain{
		Members:    chain,
		Structures: make(map[AgentID]CommissionStructure, len(chain)),
	}

	for _, m := range chain {
		ref := AgentRef{
			AgentID:     m.Agent.ID,
			Name:        m.Agent.Name,
			AgentNumber: m.Agent.AgentNumber,
			PositionID:  m.Agent.PositionID,
		}
		if m.Agent.PositionID == nil || *m.Agent.PositionID == "" {
			incomplete.MissingPositions = append(incomplete.MissingPositions, ref)
			continue
		}

		rows, err := v.Structures.FindCommissionStructures(ctx, carrierID, *m.Agent.PositionID, productID)
		if err != nil {
			return nil, err
		}
		cs, ok := AuthoritativeStructure(rows)
		if !ok {
			incomplete.UnpricedAgents = append(incomplete.UnpricedAgents, ref)
			continue
		}
		priced.Structures[m.Agent.ID] = cs
	}

	if len(incomplete.MissingPositions) > 0 || len(incomplete.UnpricedAgents) > 0 {
		return nil, incomplete
	}
	return priced, nil
}

// AuthoritativeStructure picks the active row with the lowest level. Equal
// levels keep the earlier row.
func AuthoritativeStructure(rows []CommissionStructure) (CommissionStructure, bool) {
	active := make([]CommissionStructure, 0, len(rows))
	for _, r := range rows {
		if r.Active {
			active = append(active, r)
		}
	}
	if len(active) == 0 {
		return CommissionStructure{}, false
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].Level < active[j].Level })
	return active[0], true
}
