/*
handlers_test.go - HTTP tests for the API

Tests for:
- Report upload end to end (multipart -> summary -> deal -> commissions)
- Admission refusal (429) and rejected uploads
- Chain pricing and the incomplete hierarchy response (409)
- Gap-fill PATCH on deals
- Reference data validation
- /health and /metrics
*/
package api_test

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/carrier"
	"github.com/warp/commission-engine/ingest"
	"github.com/warp/commission-engine/observability"
	"github.com/warp/commission-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	t         *testing.T
	store     *sqlite.Store
	admission *ingest.Admission
	router    http.Handler
}

func newServer(t *testing.T, uploadSlots int) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := carrier.Default()
	require.NoError(t, err)

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)
	engine := ingest.NewEngine(store, reg, ingest.Options{Metrics: metrics, Logger: zerolog.Nop()})
	admission := ingest.NewAdmission(uploadSlots, metrics)

	h := api.NewHandler(store, engine, admission, api.HandlerOptions{Logger: zerolog.Nop()})
	router := api.NewRouter(h, api.RouterOptions{
		AllowedOrigins: []string{"http://localhost:5173"},
		Gatherer:       promReg,
		Scenarios:      true,
	})
	return &testServer{t: t, store: store, admission: admission, router: router}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) upload(carrierName, fileName string, data []byte, metadata string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(s.t, mw.WriteField("carrier", carrierName))
	require.NoError(s.t, mw.WriteField("metadata", metadata))
	fw, err := mw.CreateFormFile("file", fileName)
	require.NoError(s.t, err)
	_, err = fw.Write(data)
	require.NoError(s.t, err)
	require.NoError(s.t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/reports", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) loadScenario(id string) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": id})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const demoMeta = `{"agency_id":"agency-demo","uploaded_by":"ops@agency.test"}`

func aflacFile(rows ...string) []byte {
	header := "AGENT_NUMBER,POLICY_HOLDER,POLICY_NUM,PRODUCT_NAME,PREMIUM_AMOUNT,EFFECTIVE_DATE"
	return []byte(strings.Join(append([]string{header}, rows...), "\n") + "\n")
}

// =============================================================================
// REPORT UPLOAD
// =============================================================================

func TestUploadReport_EndToEnd(t *testing.T) {
	// GIVEN: The two-level Aflac roster
	s := newServer(t, 2)
	s.loadScenario("aflac-two-level")

	// WHEN: Uploading one row for P-99
	rec := s.upload("Aflac", "aflac-march.csv",
		aflacFile("A123,Jane Doe,P-99,Accident Advantage,$120.00,03/01/2025"), demoMeta)

	// THEN: The summary reports one processed row and two commissions
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	summary := decode[api.IngestSummaryDTO](t, rec)
	assert.Equal(t, "processed", summary.Status)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.DealsCreated)
	assert.Equal(t, 2, summary.TransactionsCreated)
	assert.Empty(t, summary.RowErrors)

	// AND: The deal is found by its natural key
	rec = s.do(http.MethodGet, "/api/deals?policy_number=P-99&carrier=aflac", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	deal := decode[api.DealDTO](t, rec)
	assert.Equal(t, "agent-a123", deal.AgentID)
	assert.Equal(t, "120.00", *deal.AnnualPremium)
	assert.Equal(t, "10.00", *deal.MonthlyPremium)
	assert.Equal(t, "verified", deal.Status)

	rec = s.do(http.MethodGet, "/api/deals/"+deal.ID+"/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snapshot := decode[[]api.SnapshotEntryDTO](t, rec)
	require.Len(t, snapshot, 2)
	assert.Equal(t, "40", snapshot[0].Percentage)
	assert.Equal(t, "60", snapshot[1].Percentage)

	rec = s.do(http.MethodGet, "/api/deals/"+deal.ID+"/commissions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	amounts := map[string]string{}
	for _, tx := range decode[[]api.TransactionDTO](t, rec) {
		amounts[tx.AgentID] = tx.Amount
	}
	assert.Equal(t, map[string]string{"agent-a123": "48.00", "agent-a999": "72.00"}, amounts)

	// AND: The report is listed as processed
	rec = s.do(http.MethodGet, "/api/reports/"+summary.ReportID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[api.ReportDTO](t, rec)
	assert.Equal(t, "processed", report.Status)
	assert.Equal(t, []string{}, report.Errors)

	rec = s.do(http.MethodGet, "/api/reports?agency_id=agency-demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.ReportDTO](t, rec), 1)
}

func TestUploadReport_Rejections(t *testing.T) {
	s := newServer(t, 2)
	s.loadScenario("aflac-two-level")
	row := aflacFile("A123,Jane Doe,P-99,Accident Advantage,$120.00,03/01/2025")

	tests := []struct {
		name     string
		carrier  string
		file     string
		metadata string
	}{
		{"unsupported carrier", "Nowhere Mutual", "x.csv", demoMeta},
		{"file type mismatch", "Aflac", "aflac.xlsx", demoMeta},
		{"missing metadata", "Aflac", "aflac.csv", ""},
		{"unknown metadata field", "Aflac", "aflac.csv", `{"agency_id":"agency-demo","uploaded_by":"ops","agent":"x"}`},
		{"missing agency", "Aflac", "aflac.csv", `{"uploaded_by":"ops"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.upload(tt.carrier, tt.file, row, tt.metadata)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	// No report is recorded for a rejected upload
	rec := s.do(http.MethodGet, "/api/reports", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]api.ReportDTO](t, rec))
}

func TestUploadReport_RefusedWhenSlotsAreTaken(t *testing.T) {
	// GIVEN: The single upload slot is held
	s := newServer(t, 1)
	s.loadScenario("aflac-two-level")
	release, err := s.admission.TryAcquire()
	require.NoError(t, err)

	// WHEN
	rec := s.upload("Aflac", "aflac.csv", aflacFile("A123,Jane Doe,P-99,Accident Advantage,$120.00,03/01/2025"), demoMeta)

	// THEN: Refused, not queued
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	release()
	rec = s.upload("Aflac", "aflac.csv", aflacFile("A123,Jane Doe,P-99,Accident Advantage,$120.00,03/01/2025"), demoMeta)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestUploadReport_IncompleteHierarchyIsARowError(t *testing.T) {
	s := newServer(t, 1)
	s.loadScenario("incomplete-hierarchy")

	rec := s.upload("Aflac", "aflac.csv", aflacFile("A123,Jane Doe,P-99,Accident Advantage,$120.00,03/01/2025"), demoMeta)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	summary := decode[api.IngestSummaryDTO](t, rec)
	assert.Equal(t, "error", summary.Status)
	assert.Equal(t, 0, summary.DealsCreated)
	require.Len(t, summary.RowErrors, 1)
	assert.Equal(t, 2, summary.RowErrors[0].Row)
	assert.Contains(t, summary.RowErrors[0].Error, "Morgan Reyes (A999)")

	rec = s.do(http.MethodGet, "/api/deals?policy_number=P-99&carrier=Aflac", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// HIERARCHY
// =============================================================================

func TestGetAgentChain(t *testing.T) {
	s := newServer(t, 1)
	s.loadScenario("omaha-three-level")

	// Unpriced walk
	rec := s.do(http.MethodGet, "/api/agents/agent-w300/chain", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	chain := decode[api.ChainDTO](t, rec)
	assert.False(t, chain.Priced)
	require.Len(t, chain.Members, 3)
	assert.Equal(t, "agent-d100", chain.Members[2].AgentID)
	assert.Nil(t, chain.Members[2].UplineID)

	// Priced walk
	q := url.Values{"carrier": {"Mutual of Omaha"}, "product_id": {"omaha-medsupp-g"}}
	rec = s.do(http.MethodGet, "/api/agents/agent-w300/chain?"+q.Encode(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	chain = decode[api.ChainDTO](t, rec)
	assert.True(t, chain.Priced)
	var rates []string
	for _, m := range chain.Members {
		rates = append(rates, m.Percentage)
	}
	assert.Equal(t, []string{"50", "30", "20"}, rates)

	rec = s.do(http.MethodGet, "/api/agents/nobody/chain", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAgentChain_IncompleteHierarchy(t *testing.T) {
	s := newServer(t, 1)
	s.loadScenario("incomplete-hierarchy")

	rec := s.do(http.MethodGet, "/api/agents/agent-a123/chain?carrier=Aflac&product_id=aflac-accident", nil)

	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	body := decode[api.HierarchyIncompleteDTO](t, rec)
	require.Len(t, body.MissingPositions, 1)
	assert.Equal(t, "agent-a999", body.MissingPositions[0].AgentID)
	assert.Empty(t, body.UnpricedAgents)
}

func TestCreateAgent_Validation(t *testing.T) {
	s := newServer(t, 1)

	rec := s.do(http.MethodPost, "/api/agents", map[string]string{"name": "No Agency"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/agents", map[string]string{"agency_id": "agency-1", "name": "Bad Email", "email": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/agents", map[string]string{"id": "a1", "agency_id": "agency-1", "name": "Ok", "agent_number": "N1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Writing numbers are unique per agency
	rec = s.do(http.MethodPost, "/api/agents", map[string]string{"id": "a2", "agency_id": "agency-1", "name": "Dup", "agent_number": "N1"})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	// Uplines stay inside the agency
	rec = s.do(http.MethodPost, "/api/agents", map[string]string{"id": "b1", "agency_id": "agency-2", "name": "Other", "upline_id": "a1"})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "belongs to agency agency-1")

	rec = s.do(http.MethodGet, "/api/agents?agency_id=agency-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.AgentDTO](t, rec), 1)
	rec = s.do(http.MethodGet, "/api/agents?agency_id=agency-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]api.AgentDTO](t, rec))

	rec = s.do(http.MethodGet, "/api/agents", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateStructure(t *testing.T) {
	s := newServer(t, 1)
	s.loadScenario("aflac-two-level")

	rec := s.do(http.MethodPost, "/api/commission-structures", map[string]any{
		"carrier": "Aflac", "position_id": "pos-ghost", "product_id": "aflac-accident", "percentage": "10",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/commission-structures", map[string]any{
		"carrier": "Aflac", "position_id": "pos-agent", "product_id": "aflac-accident", "percentage": "-5",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/commission-structures", map[string]any{
		"carrier": "Aflac", "position_id": "pos-agent", "product_id": "aflac-accident", "percentage": 35, "level": 2,
		"commission_type": "renewal",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[api.StructureDTO](t, rec)
	assert.Equal(t, "35", created.Percentage)
	assert.Equal(t, "renewal", created.CommissionType)
	assert.True(t, created.Active)

	rec = s.do(http.MethodGet, "/api/commission-structures?carrier=Aflac", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]api.StructureDTO](t, rec), 5)
}

// =============================================================================
// DEALS
// =============================================================================

func TestUpdateDeal_FillsOnlyEmptyFields(t *testing.T) {
	// GIVEN: A deal created from a report row that carried a client name
	s := newServer(t, 1)
	s.loadScenario("aflac-two-level")
	rec := s.upload("Aflac", "aflac.csv", aflacFile("A123,Jane Doe,P-99,Accident Advantage,$120.00,03/01/2025"), demoMeta)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(http.MethodGet, "/api/deals?policy_number=P-99&carrier=Aflac", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	deal := decode[api.DealDTO](t, rec)

	// WHEN: The agent edits name, email and premium
	rec = s.do(http.MethodPatch, "/api/deals/"+deal.ID, map[string]any{
		"client_name":    "Janet Doe",
		"client_email":   "jane@client.test",
		"annual_premium": "999.00",
	})

	// THEN: Only the empty email is written
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[api.UpdateDealResponse](t, rec)
	assert.Equal(t, []string{"client_email"}, resp.Changed)
	assert.Equal(t, "Jane Doe", *resp.Deal.ClientName)
	assert.Equal(t, "jane@client.test", *resp.Deal.ClientEmail)
	assert.Equal(t, "120.00", *resp.Deal.AnnualPremium)

	rec = s.do(http.MethodGet, "/api/deals/"+deal.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jane@client.test", *decode[api.DealDTO](t, rec).ClientEmail)

	// Invalid edits never reach the store
	rec = s.do(http.MethodPatch, "/api/deals/"+deal.ID, map[string]any{"effective_date": "03/01/2025"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(http.MethodPatch, "/api/deals/missing", map[string]any{"client_phone": "555"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t, 1)
	s.loadScenario("aflac-two-level")
	rec := s.upload("Aflac", "aflac.csv", aflacFile("A123,Jane Doe,P-99,Accident Advantage,$120.00,03/01/2025"), demoMeta)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `commission_ingest_uploads_total{carrier="Aflac",outcome="processed"} 1`)
	assert.Contains(t, body, "commission_ingest_transactions_total 2")
}

func TestListCarriers(t *testing.T) {
	s := newServer(t, 1)

	rec := s.do(http.MethodGet, "/api/carriers", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	carriers := decode[[]api.CarrierDTO](t, rec)
	var names []string
	for _, c := range carriers {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"Aflac", "Americo", "Mutual of Omaha", "Transamerica"}, names)
	assert.Equal(t, "Commissions", carriers[2].Sheet)
}
