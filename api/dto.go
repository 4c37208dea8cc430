/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  commission domain types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are rendered as fixed two-decimal strings ("48.00"), percentages
  as plain decimal strings ("40"). Requests accept either JSON numbers or
  strings for decimals.

VALIDATION:
  Request types carry validate tags checked by the handler's validator
  before any store call.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ingest"
)

// =============================================================================
// HIERARCHY
// =============================================================================

type AgentDTO struct {
	ID          string  `json:"id"`
	AgencyID    string  `json:"agency_id"`
	Name        string  `json:"name"`
	AgentNumber string  `json:"agent_number,omitempty"`
	Email       string  `json:"email,omitempty"`
	UplineID    *string `json:"upline_id"`
	PositionID  *string `json:"position_id"`
	CreatedAt   string  `json:"created_at,omitempty"`
}

type CreateAgentRequest struct {
	ID          string  `json:"id"`
	AgencyID    string  `json:"agency_id" validate:"required"`
	Name        string  `json:"name" validate:"required"`
	AgentNumber string  `json:"agent_number"`
	Email       string  `json:"email" validate:"omitempty,email"`
	UplineID    *string `json:"upline_id"`
	PositionID  *string `json:"position_id"`
}

type PositionDTO struct {
	ID       string `json:"id"`
	AgencyID string `json:"agency_id"`
	Name     string `json:"name"`
	Level    int    `json:"level"`
}

type CreatePositionRequest struct {
	ID       string `json:"id"`
	AgencyID string `json:"agency_id" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Level    int    `json:"level" validate:"gte=0"`
}

// ChainMemberDTO is one agent of an upline chain, with its rate when the
// chain was priced for a product.
type ChainMemberDTO struct {
	Level          int     `json:"level"`
	AgentID        string  `json:"agent_id"`
	Name           string  `json:"name"`
	AgentNumber    string  `json:"agent_number,omitempty"`
	PositionID     *string `json:"position_id"`
	UplineID       *string `json:"upline_id"`
	Percentage     string  `json:"percentage,omitempty"`
	CommissionType string  `json:"commission_type,omitempty"`
}

type ChainDTO struct {
	AgentID string           `json:"agent_id"`
	Priced  bool             `json:"priced"`
	Members []ChainMemberDTO `json:"members"`
}

// HierarchyIncompleteDTO lists the agents blocking deal creation.
type HierarchyIncompleteDTO struct {
	Error            string        `json:"error"`
	MissingPositions []AgentRefDTO `json:"missing_positions"`
	UnpricedAgents   []AgentRefDTO `json:"unpriced_agents"`
}

type AgentRefDTO struct {
	AgentID     string  `json:"agent_id"`
	Name        string  `json:"name"`
	AgentNumber string  `json:"agent_number,omitempty"`
	PositionID  *string `json:"position_id"`
}

// =============================================================================
// CATALOG
// =============================================================================

type CarrierDTO struct {
	Name            string            `json:"name"`
	FileType        string            `json:"file_type"`
	Sheet           string            `json:"sheet,omitempty"`
	Encoding        string            `json:"encoding,omitempty"`
	RequiredColumns []string          `json:"required_columns"`
	Columns         map[string]string `json:"columns"`
}

type ProductDTO struct {
	ID        string `json:"id"`
	CarrierID string `json:"carrier_id"`
	AgencyID  string `json:"agency_id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
}

type CreateProductRequest struct {
	ID       string `json:"id"`
	Carrier  string `json:"carrier" validate:"required"`
	AgencyID string `json:"agency_id" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Active   *bool  `json:"active"`
}

type StructureDTO struct {
	ID             string `json:"id"`
	CarrierID      string `json:"carrier_id"`
	PositionID     string `json:"position_id"`
	ProductID      string `json:"product_id"`
	Level          int    `json:"level"`
	Percentage     string `json:"percentage"`
	CommissionType string `json:"commission_type"`
	Active         bool   `json:"active"`
}

type CreateStructureRequest struct {
	ID             string          `json:"id"`
	Carrier        string          `json:"carrier" validate:"required"`
	PositionID     string          `json:"position_id" validate:"required"`
	ProductID      string          `json:"product_id" validate:"required"`
	Level          int             `json:"level" validate:"gte=0"`
	Percentage     decimal.Decimal `json:"percentage"`
	CommissionType string          `json:"commission_type" validate:"omitempty,oneof=first_year renewal override"`
	Active         *bool           `json:"active"`
}

// =============================================================================
// DEALS
// =============================================================================

type DealDTO struct {
	ID             string  `json:"id"`
	AgencyID       string  `json:"agency_id"`
	AgentID        string  `json:"agent_id"`
	CarrierID      string  `json:"carrier_id"`
	ProductID      *string `json:"product_id"`
	PolicyNumber   string  `json:"policy_number"`
	ClientName     *string `json:"client_name"`
	ClientEmail    *string `json:"client_email"`
	ClientPhone    *string `json:"client_phone"`
	AnnualPremium  *string `json:"annual_premium"`
	MonthlyPremium *string `json:"monthly_premium"`
	EffectiveDate  *string `json:"effective_date"`
	Status         string  `json:"status"`
	Source         string  `json:"source"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

// UpdateDealRequest fills empty deal fields. Populated fields are kept.
type UpdateDealRequest struct {
	ProductID     *string          `json:"product_id"`
	ClientName    string           `json:"client_name"`
	ClientEmail   string           `json:"client_email" validate:"omitempty,email"`
	ClientPhone   string           `json:"client_phone"`
	AnnualPremium *decimal.Decimal `json:"annual_premium"`
	EffectiveDate string           `json:"effective_date" validate:"omitempty,datetime=2006-01-02"`
}

type UpdateDealResponse struct {
	Deal    DealDTO  `json:"deal"`
	Changed []string `json:"changed"`
}

type SnapshotEntryDTO struct {
	AgentID        string  `json:"agent_id"`
	UplineAgentID  *string `json:"upline_agent_id"`
	Level          int     `json:"level"`
	CommissionType string  `json:"commission_type"`
	Percentage     string  `json:"percentage"`
	CreatedAt      string  `json:"created_at"`
}

type TransactionDTO struct {
	ID             string  `json:"id"`
	AgentID        string  `json:"agent_id"`
	UplineAgentID  *string `json:"upline_agent_id"`
	Level          int     `json:"level"`
	CommissionType string  `json:"commission_type"`
	Percentage     string  `json:"percentage"`
	Amount         string  `json:"amount"`
	PremiumAmount  string  `json:"premium_amount"`
	Status         string  `json:"status"`
	ReportID       string  `json:"report_id,omitempty"`
	UpdatedAt      string  `json:"updated_at"`
}

// =============================================================================
// REPORTS
// =============================================================================

type ReportDTO struct {
	ID               string   `json:"id"`
	AgencyID         string   `json:"agency_id"`
	CarrierID        string   `json:"carrier_id"`
	UploadedBy       string   `json:"uploaded_by"`
	FileName         string   `json:"file_name"`
	Status           string   `json:"status"`
	TotalRows        int      `json:"total_rows"`
	ProcessedCount   int      `json:"processed_count"`
	ErrorCount       int      `json:"error_count"`
	TransactionCount int      `json:"transaction_count"`
	Errors           []string `json:"errors"`
	ManualAmount     *string  `json:"manual_amount,omitempty"`
	ManualDate       *string  `json:"manual_date,omitempty"`
	CreatedAt        string   `json:"created_at"`
	CompletedAt      *string  `json:"completed_at"`
}

type RowErrorDTO struct {
	Row          int    `json:"row"`
	AgentNumber  string `json:"agent_number"`
	PolicyNumber string `json:"policy_number"`
	Error        string `json:"error"`
}

type DroppedRowDTO struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// IngestSummaryDTO is returned by POST /api/reports.
type IngestSummaryDTO struct {
	ReportID            string          `json:"report_id"`
	Carrier             string          `json:"carrier"`
	FileType            string          `json:"file_type"`
	Status              string          `json:"status"`
	TotalRows           int             `json:"total_rows"`
	Processed           int             `json:"processed"`
	Errors              int             `json:"errors"`
	Dropped             int             `json:"dropped"`
	DealsCreated        int             `json:"deals_created"`
	TransactionsCreated int             `json:"transactions_created"`
	RowErrors           []RowErrorDTO   `json:"row_errors"`
	DroppedRows         []DroppedRowDTO `json:"dropped_rows"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	AgencyID    string `json:"agency_id"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAgentDTO(a commission.Agent) AgentDTO {
	dto := AgentDTO{
		ID:          string(a.ID),
		AgencyID:    string(a.AgencyID),
		Name:        a.Name,
		AgentNumber: a.AgentNumber,
		Email:       a.Email,
		UplineID:    idString(a.UplineID),
		PositionID:  idString(a.PositionID),
	}
	if !a.CreatedAt.IsZero() {
		dto.CreatedAt = a.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toAgentRefDTOs(refs []commission.AgentRef) []AgentRefDTO {
	out := make([]AgentRefDTO, len(refs))
	for i, r := range refs {
		out[i] = AgentRefDTO{
			AgentID:     string(r.AgentID),
			Name:        r.Name,
			AgentNumber: r.AgentNumber,
			PositionID:  idString(r.PositionID),
		}
	}
	return out
}

func toStructureDTO(cs commission.CommissionStructure) StructureDTO {
	return StructureDTO{
		ID:             string(cs.ID),
		CarrierID:      string(cs.CarrierID),
		PositionID:     string(cs.PositionID),
		ProductID:      string(cs.ProductID),
		Level:          cs.Level,
		Percentage:     cs.Percentage.String(),
		CommissionType: string(cs.CommissionType),
		Active:         cs.Active,
	}
}

func toDealDTO(d commission.Deal) DealDTO {
	dto := DealDTO{
		ID:             string(d.ID),
		AgencyID:       string(d.AgencyID),
		AgentID:        string(d.AgentID),
		CarrierID:      string(d.CarrierID),
		ProductID:      idString(d.ProductID),
		PolicyNumber:   d.PolicyNumber,
		ClientName:     d.ClientName,
		ClientEmail:    d.ClientEmail,
		ClientPhone:    d.ClientPhone,
		AnnualPremium:  money(d.AnnualPremium),
		MonthlyPremium: money(d.MonthlyPremium),
		Status:         string(d.Status),
		Source:         string(d.Source),
		CreatedAt:      d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      d.UpdatedAt.Format(time.RFC3339),
	}
	if d.EffectiveDate != nil {
		s := d.EffectiveDate.Format("2006-01-02")
		dto.EffectiveDate = &s
	}
	return dto
}

func toSnapshotDTOs(entries []commission.SnapshotEntry) []SnapshotEntryDTO {
	out := make([]SnapshotEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = SnapshotEntryDTO{
			AgentID:        string(e.AgentID),
			UplineAgentID:  idString(e.UplineAgentID),
			Level:          e.Level,
			CommissionType: string(e.CommissionType),
			Percentage:     e.Percentage.String(),
			CreatedAt:      e.CreatedAt.Format(time.RFC3339),
		}
	}
	return out
}

func toTransactionDTOs(txs []commission.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		out[i] = TransactionDTO{
			ID:             string(tx.ID),
			AgentID:        string(tx.AgentID),
			UplineAgentID:  idString(tx.UplineAgentID),
			Level:          tx.Level,
			CommissionType: string(tx.CommissionType),
			Percentage:     tx.Percentage.String(),
			Amount:         tx.Amount.StringFixed(2),
			PremiumAmount:  tx.PremiumAmount.StringFixed(2),
			Status:         string(tx.Status),
			ReportID:       string(tx.ReportID),
			UpdatedAt:      tx.UpdatedAt.Format(time.RFC3339),
		}
	}
	return out
}

func toReportDTO(r commission.Report) ReportDTO {
	dto := ReportDTO{
		ID:               string(r.ID),
		AgencyID:         string(r.AgencyID),
		CarrierID:        string(r.CarrierID),
		UploadedBy:       r.UploadedBy,
		FileName:         r.FileName,
		Status:           string(r.Status),
		TotalRows:        r.TotalRows,
		ProcessedCount:   r.ProcessedCount,
		ErrorCount:       r.ErrorCount,
		TransactionCount: r.TransactionCount,
		Errors:           r.Errors,
		ManualAmount:     money(r.ManualAmount),
		CreatedAt:        r.CreatedAt.Format(time.RFC3339),
	}
	if dto.Errors == nil {
		dto.Errors = []string{}
	}
	if r.ManualDate != nil {
		s := r.ManualDate.Format("2006-01-02")
		dto.ManualDate = &s
	}
	if r.CompletedAt != nil {
		s := r.CompletedAt.Format(time.RFC3339)
		dto.CompletedAt = &s
	}
	return dto
}

func toSummaryDTO(s *ingest.Summary) IngestSummaryDTO {
	dto := IngestSummaryDTO{
		ReportID:            string(s.ReportID),
		Carrier:             s.Carrier,
		FileType:            string(s.FileType),
		Status:              string(s.Status),
		TotalRows:           s.TotalRows,
		Processed:           s.Processed,
		Errors:              s.Errors,
		Dropped:             s.Dropped,
		DealsCreated:        s.DealsCreated,
		TransactionsCreated: s.TransactionsCreated,
		RowErrors:           make([]RowErrorDTO, len(s.RowErrors)),
		DroppedRows:         make([]DroppedRowDTO, len(s.DroppedRows)),
	}
	for i, re := range s.RowErrors {
		dto.RowErrors[i] = RowErrorDTO{
			Row:          re.Row,
			AgentNumber:  re.AgentNumber,
			PolicyNumber: re.PolicyNumber,
			Error:        re.Err.Error(),
		}
	}
	for i, d := range s.DroppedRows {
		dto.DroppedRows[i] = DroppedRowDTO{Row: d.Row, Reason: d.Reason}
	}
	return dto
}

func idString[T ~string](id *T) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}

func money(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.StringFixed(2)
	return &s
}
