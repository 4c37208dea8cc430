/*
handlers.go - HTTP API handlers for the commission engine

PURPOSE:
  Exposes reference data administration, deal inspection, manual deal
  edits and report ingestion over REST. Handles HTTP request/response and
  JSON serialization; the domain work is delegated to the commission and
  ingest packages.

ENDPOINTS:
  Hierarchy:
    GET    /api/agents?agency_id=          List agents
    POST   /api/agents                     Create or update agent
    GET    /api/agents/{id}                Get agent
    GET    /api/agents/{id}/chain          Upline chain (?carrier=&product_id= to price it)
    GET    /api/positions?agency_id=       List positions
    POST   /api/positions                  Create or update position

  Catalog:
    GET    /api/carriers                   Registry formats
    GET    /api/products?agency_id=&carrier=
    POST   /api/products
    GET    /api/commission-structures?carrier=
    POST   /api/commission-structures

  Deals:
    GET    /api/deals?policy_number=&carrier=
    GET    /api/deals/{id}
    PATCH  /api/deals/{id}                 Fill empty fields (first writer wins)
    GET    /api/deals/{id}/snapshot
    GET    /api/deals/{id}/commissions

  Reports (reports.go):
    GET    /api/reports?agency_id=&limit=
    POST   /api/reports                    Multipart upload
    GET    /api/reports/{id}

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, unsupported carrier, file type mismatch
  - 404: Resource not found
  - 409: Hierarchy incomplete / cyclic, duplicate agent number
  - 429: Upload slots exhausted
  - 500: Storage errors

SECURITY NOTE:
  No authentication or authorization. Deploy behind the agency gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - reports.go: Upload handler
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/commission-engine/carrier"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ingest"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is everything the API reads and writes.
type Store interface {
	commission.TxStore
	Reset(ctx context.Context) error
}

type HandlerOptions struct {
	MaxUploadBytes int64
	Logger         zerolog.Logger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store          Store
	Engine         *ingest.Engine
	Registry       *carrier.Registry
	Admission      *ingest.Admission
	MaxUploadBytes int64
	Logger         zerolog.Logger

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

func NewHandler(store Store, engine *ingest.Engine, admission *ingest.Admission, opts HandlerOptions) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	return &Handler{
		Store:          store,
		Engine:         engine,
		Registry:       engine.Registry,
		Admission:      admission,
		MaxUploadBytes: opts.MaxUploadBytes,
		Logger:         opts.Logger,
		validate:       validator.New(),
	}
}

// Health reports whether the store answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// AGENT HANDLERS
// =============================================================================

func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agencyID, ok := requireQuery(w, r, "agency_id")
	if !ok {
		return
	}
	agents, err := h.Store.ListAgents(r.Context(), commission.AgencyID(agencyID))
	if err != nil {
		h.writeDomainError(w, "Failed to list agents", err)
		return
	}

	dtos := make([]AgentDTO, len(agents))
	for i, a := range agents {
		dtos[i] = toAgentDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	id := commission.AgentID(chi.URLParam(r, "id"))

	agent, err := h.Store.GetAgent(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get agent", err)
		return
	}
	if agent == nil {
		writeError(w, http.StatusNotFound, "Agent not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toAgentDTO(*agent))
}

// CreateAgent creates or replaces an agent. Uplines may be saved later;
// the chain walk reports a missing one. An existing upline must belong to
// the same agency.
func (h *Handler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.UplineID != nil && *req.UplineID == req.ID {
		writeError(w, http.StatusBadRequest, "Agent cannot be its own upline", nil)
		return
	}

	agent := commission.Agent{
		ID:          commission.AgentID(req.ID),
		AgencyID:    commission.AgencyID(req.AgencyID),
		Name:        req.Name,
		AgentNumber: strings.TrimSpace(req.AgentNumber),
		Email:       req.Email,
		CreatedAt:   time.Now(),
	}
	if req.UplineID != nil && *req.UplineID != "" {
		agent.UplineID = commission.AgentIDPtr(commission.AgentID(*req.UplineID))
	}
	if req.PositionID != nil && *req.PositionID != "" {
		agent.PositionID = commission.PositionIDPtr(commission.PositionID(*req.PositionID))
	}
	if err := commission.CheckUplineAgency(r.Context(), h.Store, agent); err != nil {
		h.writeDomainError(w, "Invalid upline", err)
		return
	}

	if err := h.Store.SaveAgent(r.Context(), agent); err != nil {
		h.writeDomainError(w, "Failed to save agent", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgentDTO(agent))
}

// GetAgentChain walks the agent's upline. With carrier and product_id it
// also runs the deal-creation gate and returns each member's rate.
func (h *Handler) GetAgentChain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := commission.AgentID(chi.URLParam(r, "id"))

	chain, err := commission.NewWalker(h.Store, h.Store, h.Engine.MaxDepth).Walk(ctx, id)
	if err != nil {
		h.writeDomainError(w, "Failed to walk upline", err)
		return
	}

	dto := ChainDTO{AgentID: string(id), Members: make([]ChainMemberDTO, len(chain))}
	for i, m := range chain {
		dto.Members[i] = ChainMemberDTO{
			Level:       m.Level,
			AgentID:     string(m.Agent.ID),
			Name:        m.Agent.Name,
			AgentNumber: m.Agent.AgentNumber,
			PositionID:  idString(m.Agent.PositionID),
			UplineID:    idString(m.UplineID),
		}
	}

	carrierName := r.URL.Query().Get("carrier")
	productID := r.URL.Query().Get("product_id")
	if carrierName == "" || productID == "" {
		writeJSON(w, http.StatusOK, dto)
		return
	}

	c, err := h.carrier(ctx, carrierName)
	if err != nil {
		h.writeDomainError(w, "Unknown carrier", err)
		return
	}
	priced, err := h.Engine.Validator.Validate(ctx, chain, c.ID, commission.ProductID(productID))
	if err != nil {
		h.writeDomainError(w, "Hierarchy cannot be priced", err)
		return
	}
	for i, m := range chain {
		cs := priced.Structures[m.Agent.ID]
		dto.Members[i].Percentage = cs.Percentage.String()
		dto.Members[i].CommissionType = string(cs.CommissionType)
	}
	dto.Priced = true
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// POSITION HANDLERS
// =============================================================================

func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	agencyID, ok := requireQuery(w, r, "agency_id")
	if !ok {
		return
	}
	positions, err := h.Store.ListPositions(r.Context(), commission.AgencyID(agencyID))
	if err != nil {
		h.writeDomainError(w, "Failed to list positions", err)
		return
	}

	dtos := make([]PositionDTO, len(positions))
	for i, p := range positions {
		dtos[i] = PositionDTO{ID: string(p.ID), AgencyID: string(p.AgencyID), Name: p.Name, Level: p.Level}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var req CreatePositionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	p := commission.Position{
		ID:       commission.PositionID(req.ID),
		AgencyID: commission.AgencyID(req.AgencyID),
		Name:     req.Name,
		Level:    req.Level,
	}
	if err := h.Store.SavePosition(r.Context(), p); err != nil {
		h.writeDomainError(w, "Failed to save position", err)
		return
	}
	writeJSON(w, http.StatusCreated, PositionDTO{ID: req.ID, AgencyID: req.AgencyID, Name: req.Name, Level: req.Level})
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListCarriers returns the registry formats.
func (h *Handler) ListCarriers(w http.ResponseWriter, r *http.Request) {
	formats := h.Registry.Formats()
	dtos := make([]CarrierDTO, len(formats))
	for i, f := range formats {
		columns := make(map[string]string, len(f.Columns))
		for field, col := range f.Columns {
			columns[string(field)] = col
		}
		dtos[i] = CarrierDTO{
			Name:            f.Name,
			FileType:        string(f.FileType),
			Sheet:           f.Sheet,
			Encoding:        string(f.Encoding),
			RequiredColumns: f.RequiredColumns,
			Columns:         columns,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	agencyID, ok := requireQuery(w, r, "agency_id")
	if !ok {
		return
	}
	carrierName, ok := requireQuery(w, r, "carrier")
	if !ok {
		return
	}
	c, err := h.carrier(r.Context(), carrierName)
	if err != nil {
		h.writeDomainError(w, "Unknown carrier", err)
		return
	}

	products, err := h.Store.ListActiveProducts(r.Context(), c.ID, commission.AgencyID(agencyID))
	if err != nil {
		h.writeDomainError(w, "Failed to list products", err)
		return
	}
	dtos := make([]ProductDTO, len(products))
	for i, p := range products {
		dtos[i] = ProductDTO{ID: string(p.ID), CarrierID: string(p.CarrierID), AgencyID: string(p.AgencyID), Name: p.Name, Active: p.Active}
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.carrier(r.Context(), req.Carrier)
	if err != nil {
		h.writeDomainError(w, "Unknown carrier", err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	p := commission.Product{
		ID:        commission.ProductID(req.ID),
		CarrierID: c.ID,
		AgencyID:  commission.AgencyID(req.AgencyID),
		Name:      strings.TrimSpace(req.Name),
		Active:    req.Active == nil || *req.Active,
	}
	if err := h.Store.SaveProduct(r.Context(), p); err != nil {
		h.writeDomainError(w, "Failed to save product", err)
		return
	}
	writeJSON(w, http.StatusCreated, ProductDTO{ID: string(p.ID), CarrierID: string(c.ID), AgencyID: req.AgencyID, Name: p.Name, Active: p.Active})
}

func (h *Handler) ListStructures(w http.ResponseWriter, r *http.Request) {
	carrierName, ok := requireQuery(w, r, "carrier")
	if !ok {
		return
	}
	c, err := h.carrier(r.Context(), carrierName)
	if err != nil {
		h.writeDomainError(w, "Unknown carrier", err)
		return
	}

	rows, err := h.Store.ListCommissionStructures(r.Context(), c.ID)
	if err != nil {
		h.writeDomainError(w, "Failed to list commission structures", err)
		return
	}
	dtos := make([]StructureDTO, len(rows))
	for i, cs := range rows {
		dtos[i] = toStructureDTO(cs)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateStructure prices a position for one carrier product. Changing a
// rate never reaches existing deals: they carry their snapshot.
func (h *Handler) CreateStructure(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CreateStructureRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Percentage.IsNegative() {
		writeError(w, http.StatusBadRequest, "percentage must not be negative", nil)
		return
	}
	c, err := h.carrier(ctx, req.Carrier)
	if err != nil {
		h.writeDomainError(w, "Unknown carrier", err)
		return
	}
	pos, err := h.Store.GetPosition(ctx, commission.PositionID(req.PositionID))
	if err != nil {
		h.writeDomainError(w, "Failed to get position", err)
		return
	}
	if pos == nil {
		writeError(w, http.StatusBadRequest, "Unknown position", fmt.Errorf("position %s", req.PositionID))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CommissionType == "" {
		req.CommissionType = string(commission.CommissionFirstYear)
	}

	cs := commission.CommissionStructure{
		ID:             commission.StructureID(req.ID),
		CarrierID:      c.ID,
		PositionID:     pos.ID,
		ProductID:      commission.ProductID(req.ProductID),
		Level:          req.Level,
		Percentage:     req.Percentage,
		CommissionType: commission.CommissionType(req.CommissionType),
		Active:         req.Active == nil || *req.Active,
	}
	if err := h.Store.SaveCommissionStructure(ctx, cs); err != nil {
		h.writeDomainError(w, "Failed to save commission structure", err)
		return
	}
	writeJSON(w, http.StatusCreated, toStructureDTO(cs))
}

// =============================================================================
// DEAL HANDLERS
// =============================================================================

// FindDeal looks a deal up by its natural key.
func (h *Handler) FindDeal(w http.ResponseWriter, r *http.Request) {
	policy, ok := requireQuery(w, r, "policy_number")
	if !ok {
		return
	}
	carrierName, ok := requireQuery(w, r, "carrier")
	if !ok {
		return
	}
	c, err := h.carrier(r.Context(), carrierName)
	if err != nil {
		h.writeDomainError(w, "Unknown carrier", err)
		return
	}
	deal, err := h.Store.GetDealByPolicy(r.Context(), policy, c.ID)
	if err != nil {
		h.writeDomainError(w, "Failed to find deal", err)
		return
	}
	if deal == nil {
		writeError(w, http.StatusNotFound, "Deal not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toDealDTO(*deal))
}

func (h *Handler) GetDeal(w http.ResponseWriter, r *http.Request) {
	deal, ok := h.loadDeal(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toDealDTO(*deal))
}

// UpdateDeal applies an agent's edits with the same gap-fill merge report
// rows use: populated fields are never overwritten.
func (h *Handler) UpdateDeal(w http.ResponseWriter, r *http.Request) {
	var req UpdateDealRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.AnnualPremium != nil && !req.AnnualPremium.IsPositive() {
		writeError(w, http.StatusBadRequest, "annual_premium must be positive", nil)
		return
	}
	deal, ok := h.loadDeal(w, r)
	if !ok {
		return
	}

	patch := commission.DealPatch{
		ClientName:    strings.TrimSpace(req.ClientName),
		ClientEmail:   strings.TrimSpace(req.ClientEmail),
		ClientPhone:   strings.TrimSpace(req.ClientPhone),
		AnnualPremium: req.AnnualPremium,
	}
	if req.ProductID != nil && *req.ProductID != "" {
		patch.ProductID = commission.ProductIDPtr(commission.ProductID(*req.ProductID))
	}
	if req.EffectiveDate != "" {
		d, err := time.Parse("2006-01-02", req.EffectiveDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid effective_date format (use YYYY-MM-DD)", err)
			return
		}
		patch.EffectiveDate = &d
	}

	// Merge against the row as it is now, not as loadDeal saw it.
	ctx := r.Context()
	var (
		merged  commission.Deal
		changed []string
	)
	err := h.Store.WithTx(ctx, func(tx commission.Store) error {
		current, err := tx.GetDeal(ctx, deal.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return commission.ErrDealNotFound
		}
		merged, changed = commission.MergeDeal(*current, patch)
		if len(changed) == 0 {
			return nil
		}
		merged.UpdatedAt = time.Now()
		return tx.UpdateDeal(ctx, merged)
	})
	if err != nil {
		h.writeDomainError(w, "Failed to update deal", err)
		return
	}
	if changed == nil {
		changed = []string{}
	}
	writeJSON(w, http.StatusOK, UpdateDealResponse{Deal: toDealDTO(merged), Changed: changed})
}

func (h *Handler) GetDealSnapshot(w http.ResponseWriter, r *http.Request) {
	deal, ok := h.loadDeal(w, r)
	if !ok {
		return
	}
	entries, err := h.Store.ListSnapshot(r.Context(), deal.ID)
	if err != nil {
		h.writeDomainError(w, "Failed to list snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTOs(entries))
}

func (h *Handler) GetDealCommissions(w http.ResponseWriter, r *http.Request) {
	deal, ok := h.loadDeal(w, r)
	if !ok {
		return
	}
	txs, err := h.Store.ListTransactionsByDeal(r.Context(), deal.ID)
	if err != nil {
		h.writeDomainError(w, "Failed to list commissions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

func (h *Handler) loadDeal(w http.ResponseWriter, r *http.Request) (*commission.Deal, bool) {
	deal, err := h.Store.GetDeal(r.Context(), commission.DealID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get deal", err)
		return nil, false
	}
	if deal == nil {
		writeError(w, http.StatusNotFound, "Deal not found", nil)
		return nil, false
	}
	return deal, true
}

// =============================================================================
// HELPERS
// =============================================================================

// carrier resolves a registry name to its persisted carrier row.
func (h *Handler) carrier(ctx context.Context, name string) (commission.Carrier, error) {
	format, err := h.Registry.Lookup(name)
	if err != nil {
		return commission.Carrier{}, err
	}
	return h.Store.EnsureCarrier(ctx, format.Name)
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

func requireQuery(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		writeError(w, http.StatusBadRequest, key+" query parameter is required", nil)
		return "", false
	}
	return v, true
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ingest.ErrAdmissionFull):
		return http.StatusTooManyRequests
	case errors.Is(err, ingest.ErrInvalidUpload), commission.IsClientError(err):
		return http.StatusBadRequest
	case commission.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, commission.ErrHierarchyIncomplete),
		errors.Is(err, commission.ErrHierarchyCycle),
		errors.Is(err, commission.ErrHierarchyTooDeep),
		errors.Is(err, commission.ErrCrossAgencyUpline),
		errors.Is(err, commission.ErrDuplicateAgentNumber):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)

	var incomplete *commission.HierarchyIncompleteError
	if errors.As(err, &incomplete) {
		writeJSON(w, status, HierarchyIncompleteDTO{
			Error:            err.Error(),
			MissingPositions: toAgentRefDTOs(incomplete.MissingPositions),
			UnpricedAgents:   toAgentRefDTOs(incomplete.UnpricedAgents),
		})
		return
	}
	if status >= http.StatusInternalServerError {
		h.Logger.Error().Err(err).Msg(message)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
