/*
errors.go - Centralized error types for the commission engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify with errors.Is against the sentinels; structured errors
  carry the detail an operator needs to fix the source file and re-upload.

ERROR CATEGORIES:
  1. Upload errors - fatal for a whole file (unsupported carrier, file type)
  2. Row errors - recorded against one row, ingestion continues
  3. Storage errors - fatal for a whole file

USAGE:
  if commission.IsRowError(err) {
      summary.addRowError(record, err)
      continue
  }
  return fmt.Errorf("ingest %s: %w", name, err)

SEE ALSO:
  - ingest/engine.go: applies the row/fatal split
  - api/handlers.go: maps errors to HTTP status codes
*/
package commission

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnsupportedCarrier is returned when no registry entry exists for the
	// declared carrier. Fatal for the upload.
	ErrUnsupportedCarrier = errors.New("unsupported carrier")

	// ErrFileTypeMismatch is returned when the file extension does not match
	// the carrier's configured file type. Fatal for the upload.
	ErrFileTypeMismatch = errors.New("file type does not match carrier format")

	// ErrUnreadableReport is returned when the file cannot be parsed at all
	// (corrupt workbook, missing sheet, no header row). Fatal for the upload.
	ErrUnreadableReport = errors.New("unreadable report file")

	// ErrRowSchema marks a row missing a required column. Such rows are dropped.
	ErrRowSchema = errors.New("row is missing required columns")

	// ErrProductMatchBelowConfidence is returned when no catalog product is
	// similar enough to the reported product name.
	ErrProductMatchBelowConfidence = errors.New("product match below confidence threshold")

	// ErrAgentNotFound is returned when a writing agent or chain agent is unknown.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrHierarchyIncomplete is returned when a chain agent lacks a position
	// or a priced commission structure. Nothing is written.
	ErrHierarchyIncomplete = errors.New("hierarchy incomplete")

	// ErrHierarchyCycle is returned when the upline walk revisits an agent.
	ErrHierarchyCycle = errors.New("upline hierarchy contains a cycle")

	// ErrHierarchyTooDeep is returned when the walk exceeds the hop cap.
	ErrHierarchyTooDeep = errors.New("upline hierarchy exceeds maximum depth")

	// ErrCrossAgencyUpline is returned when an upline belongs to another agency.
	ErrCrossAgencyUpline = errors.New("upline belongs to another agency")

	// ErrDistributionMismatch is returned when a split would not add up to
	// the distributed amount. Nothing is written for that row.
	ErrDistributionMismatch = errors.New("distribution does not conserve amount")

	// ErrDuplicateAgentNumber is returned when an agency reuses a writing number.
	ErrDuplicateAgentNumber = errors.New("agent number already in use")

	// ErrDealNotFound is returned when a referenced deal doesn't exist.
	ErrDealNotFound = errors.New("deal not found")

	// ErrReportNotFound is returned when a referenced report doesn't exist.
	ErrReportNotFound = errors.New("report not found")

	// ErrPersistence wraps any storage failure. Fatal for the upload.
	ErrPersistence = errors.New("persistence error")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ProductMatchError names the closest catalog product and its score.
type ProductMatchError struct {
	Query     string
	BestGuess string
	Score     float64
	Threshold float64
}

func (e *ProductMatchError) Error() string {
	if e.BestGuess == "" {
		return fmt.Sprintf("no product candidates for %q", e.Query)
	}
	return fmt.Sprintf("product %q below confidence: best guess %q scored %.2f (threshold %.2f)",
		e.Query, e.BestGuess, e.Score, e.Threshold)
}

func (e *ProductMatchError) Unwrap() error { return ErrProductMatchBelowConfidence }

// AgentNotFoundError identifies the agent number or id that failed to resolve.
type AgentNotFoundError struct {
	AgentNumber string
	AgentID     AgentID
}

func (e *AgentNotFoundError) Error() string {
	if e.AgentNumber != "" {
		return fmt.Sprintf("agent not found: number %s", e.AgentNumber)
	}
	return fmt.Sprintf("agent not found: id %s", e.AgentID)
}

func (e *AgentNotFoundError) Unwrap() error { return ErrAgentNotFound }

// AgentRef identifies an agent in error reports.
type AgentRef struct {
	AgentID     AgentID
	Name        string
	AgentNumber string
	PositionID  *PositionID
}

func (r AgentRef) String() string {
	label := r.Name
	if label == "" {
		label = string(r.AgentID)
	}
	if r.AgentNumber != "" {
		label += " (" + r.AgentNumber + ")"
	}
	return label
}

// HierarchyIncompleteError lists every chain agent that blocks deal creation.
type HierarchyIncompleteError struct {
	MissingPositions []AgentRef // no position assigned
	UnpricedAgents   []AgentRef // position has no commission structure for the product
}

func (e *HierarchyIncompleteError) Error() string {
	var parts []string
	if len(e.MissingPositions) > 0 {
		parts = append(parts, "agents without position: "+joinRefs(e.MissingPositions))
	}
	if len(e.UnpricedAgents) > 0 {
		parts = append(parts, "agents without commission structure: "+joinRefs(e.UnpricedAgents))
	}
	return "hierarchy incomplete: " + strings.Join(parts, "; ")
}

func (e *HierarchyIncompleteError) Unwrap() error { return ErrHierarchyIncomplete }

// HierarchyCycleError names the agent the walk reached twice.
type HierarchyCycleError struct {
	Start     AgentID
	Revisited AgentID
}

func (e *HierarchyCycleError) Error() string {
	return fmt.Sprintf("upline cycle from %s: agent %s visited twice", e.Start, e.Revisited)
}

func (e *HierarchyCycleError) Unwrap() error { return ErrHierarchyCycle }

// CrossAgencyUplineError names the link that leaves the writing agent's agency.
type CrossAgencyUplineError struct {
	AgentID      AgentID
	UplineID     AgentID
	AgencyID     AgencyID
	UplineAgency AgencyID
}

func (e *CrossAgencyUplineError) Error() string {
	return fmt.Sprintf("upline %s of agent %s belongs to agency %s, not %s",
		e.UplineID, e.AgentID, e.UplineAgency, e.AgencyID)
}

func (e *CrossAgencyUplineError) Unwrap() error { return ErrCrossAgencyUpline }

// RowError is one failed report row.
type RowError struct {
	Row          int
	AgentNumber  string
	PolicyNumber string
	Err          error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d (agent %s, policy %s): %v", e.Row, e.AgentNumber, e.PolicyNumber, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// DistributionError is returned when a distribution would not conserve the amount.
type DistributionError struct {
	DealID      DealID
	Amount      decimal.Decimal
	Distributed decimal.Decimal
}

func (e *DistributionError) Error() string {
	return fmt.Sprintf("distribution for deal %s does not conserve amount: %s distributed of %s",
		e.DealID, e.Distributed, e.Amount)
}

func (e *DistributionError) Unwrap() error { return ErrDistributionMismatch }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// Persistence wraps a storage error so callers can detect it with errors.Is.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

// IsRowError returns true if the error only invalidates one report row.
func IsRowError(err error) bool {
	return errors.Is(err, ErrRowSchema) ||
		errors.Is(err, ErrProductMatchBelowConfidence) ||
		errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrHierarchyIncomplete) ||
		errors.Is(err, ErrHierarchyCycle) ||
		errors.Is(err, ErrHierarchyTooDeep) ||
		errors.Is(err, ErrCrossAgencyUpline) ||
		errors.Is(err, ErrDistributionMismatch)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnsupportedCarrier) ||
		errors.Is(err, ErrFileTypeMismatch) ||
		errors.Is(err, ErrUnreadableReport)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDealNotFound) ||
		errors.Is(err, ErrReportNotFound) ||
		errors.Is(err, ErrAgentNotFound)
}

func joinRefs(refs []AgentRef) string {
	names := make([]string, len(refs))
	for i, r := range refs {
		names[i] = r.String()
	}
	return strings.Join(names, ", ")
}
