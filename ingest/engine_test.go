package ingest_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/warp/commission-engine/carrier"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/ingest"
	"github.com/warp/commission-engine/observability"
	"github.com/warp/commission-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const agency = "agency-1"

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *sqlite.Store
	engine *ingest.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := carrier.Default()
	require.NoError(t, err)

	engine := ingest.NewEngine(store, reg, ingest.Options{
		Metrics: observability.NewMetrics(prometheus.NewRegistry()),
		Logger:  zerolog.Nop(),
	})
	return &fixture{t: t, ctx: context.Background(), store: store, engine: engine}
}

// seedTwoLevel sets up A123 (agent, 40%) reporting to A999 (manager, 60%)
// for one product of the named carrier.
func (f *fixture) seedTwoLevel(carrierName, productName string) (commission.Carrier, commission.ProductID) {
	f.t.Helper()
	c, err := f.store.EnsureCarrier(f.ctx, carrierName)
	require.NoError(f.t, err)

	for _, p := range []commission.Position{
		{ID: "pos-agent", AgencyID: agency, Name: "Agent", Level: 1},
		{ID: "pos-manager", AgencyID: agency, Name: "Manager", Level: 2},
	} {
		require.NoError(f.t, f.store.SavePosition(f.ctx, p))
	}
	for _, a := range []commission.Agent{
		{ID: "a999", AgencyID: agency, Name: "Morgan", AgentNumber: "A999", PositionID: commission.PositionIDPtr("pos-manager")},
		{ID: "a123", AgencyID: agency, Name: "Riley", AgentNumber: "A123", UplineID: commission.AgentIDPtr("a999"), PositionID: commission.PositionIDPtr("pos-agent")},
	} {
		require.NoError(f.t, f.store.SaveAgent(f.ctx, a))
	}

	productID := commission.ProductID("prod-" + string(c.ID))
	require.NoError(f.t, f.store.SaveProduct(f.ctx, commission.Product{
		ID: productID, CarrierID: c.ID, AgencyID: agency, Name: productName, Active: true,
	}))
	f.structure(c.ID, productID, "pos-agent", "40")
	f.structure(c.ID, productID, "pos-manager", "60")
	return c, productID
}

func (f *fixture) structure(carrierID commission.CarrierID, productID commission.ProductID, position, pct string) {
	f.t.Helper()
	require.NoError(f.t, f.store.SaveCommissionStructure(f.ctx, commission.CommissionStructure{
		ID:             commission.StructureID("cs-" + string(productID) + "-" + position),
		CarrierID:      carrierID,
		PositionID:     commission.PositionID(position),
		ProductID:      productID,
		Level:          1,
		Percentage:     decimal.RequireFromString(pct),
		CommissionType: commission.CommissionFirstYear,
		Active:         true,
	}))
}

func (f *fixture) ingest(carrierName, fileName string, data []byte) (*ingest.Summary, error) {
	return f.engine.Ingest(f.ctx, ingest.Upload{
		Carrier:  carrierName,
		FileName: fileName,
		Data:     data,
		Meta:     ingest.Metadata{AgencyID: agency, UploadedBy: "ops@agency.test"},
	})
}

func aflacCSV(rows ...string) []byte {
	header := "AGENT_NUMBER,POLICY_HOLDER,POLICY_NUM,PRODUCT_NAME,PREMIUM_AMOUNT,EFFECTIVE_DATE"
	return []byte(strings.Join(append([]string{header}, rows...), "\n") + "\n")
}

func omahaXLSX(t *testing.T, rows ...[]interface{}) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	_, err := f.NewSheet("Commissions")
	require.NoError(t, err)

	all := append([][]interface{}{
		{"Agent ID", "Insured", "Insured Email", "Policy #", "Product", "Premium", "Comm Amt", "Eff Date"},
	}, rows...)
	for i, row := range all {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Commissions", cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func amounts(txs []commission.Transaction) map[commission.AgentID]string {
	out := make(map[commission.AgentID]string, len(txs))
	for _, tx := range txs {
		out[tx.AgentID] = tx.Amount.StringFixed(2)
	}
	return out
}

// =============================================================================
// END TO END
// =============================================================================

func TestIngest_AflacTwoLevel(t *testing.T) {
	// GIVEN: A123 (40%) under A999 (60%) and one Aflac row for P-99
	f := newFixture(t)
	c, productID := f.seedTwoLevel("Aflac", "Accident Advantage")

	// WHEN: Ingesting the report
	summary, err := f.ingest("Aflac", "aflac-march.csv",
		aflacCSV("A123,Jane Doe,P-99,Accident Advantage,$120.00,03/01/2025"))

	// THEN: One verified deal and a conserved 48/72 split
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalRows)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 0, summary.Errors)
	assert.Equal(t, 1, summary.DealsCreated)
	assert.Equal(t, 2, summary.TransactionsCreated)
	assert.Equal(t, commission.ReportProcessed, summary.Status)

	deal, err := f.store.GetDealByPolicy(f.ctx, "P-99", c.ID)
	require.NoError(t, err)
	require.NotNil(t, deal)
	assert.Equal(t, commission.DealVerified, deal.Status)
	assert.Equal(t, commission.SourceReport, deal.Source)
	assert.Equal(t, commission.AgentID("a123"), deal.AgentID)
	assert.Equal(t, productID, *deal.ProductID)
	assert.Equal(t, "Jane Doe", *deal.ClientName)
	assert.Equal(t, "120.00", deal.AnnualPremium.StringFixed(2))
	assert.Equal(t, "10.00", deal.MonthlyPremium.StringFixed(2))

	snapshot, err := f.store.ListSnapshot(f.ctx, deal.ID)
	require.NoError(t, err)
	require.Len(t, snapshot, 2)
	assert.Equal(t, 0, snapshot[0].Level)
	assert.Equal(t, commission.AgentID("a999"), *snapshot[0].UplineAgentID)
	assert.Nil(t, snapshot[1].UplineAgentID)

	txs, err := f.store.ListTransactionsByDeal(f.ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, map[commission.AgentID]string{"a123": "48.00", "a999": "72.00"}, amounts(txs))
	for _, tx := range txs {
		assert.Equal(t, commission.TxPending, tx.Status)
		assert.Equal(t, summary.ReportID, tx.ReportID)
	}

	rep, err := f.store.GetReport(f.ctx, summary.ReportID)
	require.NoError(t, err)
	assert.Equal(t, commission.ReportProcessed, rep.Status)
	assert.Equal(t, 2, rep.TransactionCount)
	assert.NotNil(t, rep.CompletedAt)
}

func TestIngest_ReuploadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	c, _ := f.seedTwoLevel("Aflac", "Accident Advantage")
	data := aflacCSV("A123,Jane Doe,P-99,Accident Advantage,$120.00,03/01/2025")

	_, err := f.ingest("Aflac", "aflac-march.csv", data)
	require.NoError(t, err)
	second, err := f.ingest("Aflac", "aflac-march.csv", data)
	require.NoError(t, err)

	// Same deal, same two transactions, now pointing at the second report
	assert.Equal(t, 0, second.DealsCreated)
	assert.Equal(t, 0, second.TransactionsCreated, "updated rows are not new transactions")
	deal, err := f.store.GetDealByPolicy(f.ctx, "P-99", c.ID)
	require.NoError(t, err)
	txs, err := f.store.ListTransactionsByDeal(f.ctx, deal.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	for _, tx := range txs {
		assert.Equal(t, second.ReportID, tx.ReportID)
	}
	snapshot, err := f.store.ListSnapshot(f.ctx, deal.ID)
	require.NoError(t, err)
	assert.Len(t, snapshot, 2)
}

func TestIngest_LaterPaymentReplacesDistribution(t *testing.T) {
	// GIVEN: P-99 paid 120.00 as 48.00 / 72.00
	f := newFixture(t)
	c, _ := f.seedTwoLevel("Aflac", "Accident Advantage")
	_, err := f.ingest("Aflac", "aflac-march.csv",
		aflacCSV("A123,Jane Doe,P-99,Accident Advantage,$120.00,03/01/2025"))
	require.NoError(t, err)

	// WHEN: A one-cent adjustment arrives; the writer's share rounds to zero
	_, err = f.ingest("Aflac", "aflac-april.csv",
		aflacCSV("A123,Jane Doe,P-99,Accident Advantage,$0.01,03/01/2025"))
	require.NoError(t, err)

	// THEN: The deal's transactions sum to the new amount, not 48.01
	deal, err := f.store.GetDealByPolicy(f.ctx, "P-99", c.ID)
	require.NoError(t, err)
	txs, err := f.store.ListTransactionsByDeal(f.ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, map[commission.AgentID]string{"a123": "0.00", "a999": "0.01"}, amounts(txs))
	total := decimal.Zero
	for _, tx := range txs {
		total = total.Add(tx.Amount)
	}
	assert.True(t, total.Equal(decimal.RequireFromString("0.01")), "sum %s", total)
}

func TestIngest_ReportAndManualEditInterleaved(t *testing.T) {
	// GIVEN: A deal created without a client name, read by an agent's editor
	f := newFixture(t)
	c, _ := f.seedTwoLevel("Aflac", "Accident Advantage")
	_, err := f.ingest("Aflac", "aflac-march.csv",
		aflacCSV("A123,,P-99,Accident Advantage,$120.00,03/01/2025"))
	require.NoError(t, err)
	created, err := f.store.GetDealByPolicy(f.ctx, "P-99", c.ID)
	require.NoError(t, err)
	require.Nil(t, created.ClientName)
	stale := *created

	// WHEN: A report fills the name first, then the editor saves its stale copy
	_, err = f.ingest("Aflac", "aflac-april.csv",
		aflacCSV("A123,Jane Doe,P-99,Accident Advantage,$120.00,03/01/2025"))
	require.NoError(t, err)
	edited, changed := commission.MergeDeal(stale, commission.DealPatch{ClientName: "J. Doe"})
	require.Equal(t, []string{"client_name"}, changed)
	require.NoError(t, f.store.UpdateDeal(f.ctx, edited))

	// THEN: The report, the first writer, keeps the field
	got, err := f.store.GetDeal(f.ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", *got.ClientName)
}

func TestIngest_CrossAgencyUplineIsRowError(t *testing.T) {
	// GIVEN: The writer's manager now belongs to another agency
	f := newFixture(t)
	c, _ := f.seedTwoLevel("Aflac", "Accident Advantage")
	manager, err := f.store.GetAgent(f.ctx, "a999")
	require.NoError(t, err)
	manager.AgencyID = "agency-2"
	require.NoError(t, f.store.SaveAgent(f.ctx, *manager))

	// WHEN
	summary, err := f.ingest("Aflac", "aflac-march.csv",
		aflacCSV("A123,Jane Doe,P-99,Accident Advantage,$120.00,03/01/2025"))

	// THEN: The same error the chain walk over the store reports
	require.NoError(t, err)
	require.Len(t, summary.RowErrors, 1)
	assert.True(t, errors.Is(summary.RowErrors[0], commission.ErrCrossAgencyUpline))
	assert.False(t, errors.Is(summary.RowErrors[0], commission.ErrAgentNotFound))

	_, walkErr := commission.NewWalker(f.store, f.store, 0).Walk(f.ctx, "a123")
	assert.True(t, errors.Is(walkErr, commission.ErrCrossAgencyUpline))

	deal, err := f.store.GetDealByPolicy(f.ctx, "P-99", c.ID)
	require.NoError(t, err)
	assert.Nil(t, deal)
}

func TestIngest_ConcurrentUploadsOfSameFile(t *testing.T) {
	f := newFixture(t)
	c, _ := f.seedTwoLevel("Aflac", "Accident Advantage")
	data := aflacCSV("A123,Jane Doe,P-99,Accident Advantage,$120.00,03/01/2025")

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ingest("Aflac", "aflac-march.csv", data)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	deal, err := f.store.GetDealByPolicy(f.ctx, "P-99", c.ID)
	require.NoError(t, err)
	txs, err := f.store.ListTransactionsByDeal(f.ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, map[commission.AgentID]string{"a123": "48.00", "a999": "72.00"}, amounts(txs))
	snapshot, err := f.store.ListSnapshot(f.ctx, deal.ID)
	require.NoError(t, err)
	assert.Len(t, snapshot, 2)
}

// =============================================================================
// GATE & SNAPSHOT
// =============================================================================

func TestIngest_IncompleteHierarchyWritesNothing(t *testing.T) {
	// GIVEN: The manager has no position
	f := newFixture(t)
	c, _ := f.seedTwoLevel("Aflac", "Accident Advantage")
	require.NoError(t, f.store.SaveAgent(f.ctx, commission.Agent{
		ID: "a999", AgencyID: agency, Name: "Morgan", AgentNumber: "A999",
	}))

	// WHEN
	summary, err := f.ingest("Aflac", "aflac-march.csv",
		aflacCSV("A123,Jane Doe,P-99,Accident Advantage,$120.00,03/01/2025"))

	// THEN: The row fails, no deal or snapshot exists, the report is in error
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Processed)
	assert.Equal(t, 1, summary.Errors)
	require.Len(t, summary.RowErrors, 1)
	assert.Equal(t, 2, summary.RowErrors[0].Row)
	assert.True(t, errors.Is(summary.RowErrors[0], commission.ErrHierarchyIncomplete))

	var incomplete *commission.HierarchyIncompleteError
	require.True(t, errors.As(summary.RowErrors[0], &incomplete))
	require.Len(t, incomplete.MissingPositions, 1)
	assert.Equal(t, commission.AgentID("a999"), incomplete.MissingPositions[0].AgentID)

	deal, err := f.store.GetDealByPolicy(f.ctx, "P-99", c.ID)
	require.NoError(t, err)
	assert.Nil(t, deal)

	rep, err := f.store.GetReport(f.ctx, summary.ReportID)
	require.NoError(t, err)
	assert.Equal(t, commission.ReportError, rep.Status)
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "row 2 (agent A123, policy P-99)")
}

func TestIngest_SnapshotSurvivesHierarchyChanges(t *testing.T) {
	// GIVEN: A deal created under the 40/60 structure
	f := newFixture(t)
	c, productID := f.seedTwoLevel("Aflac", "Accident Advantage")
	_, err := f.ingest("Aflac", "aflac-jan.csv",
		aflacCSV("A123,Jane Doe,P-99,Accident Advantage,$120.00,01/01/2025"))
	require.NoError(t, err)

	// WHEN: Rates change, the writer moves under nobody, and a renewal arrives
	f.structure(c.ID, productID, "pos-agent", "90")
	require.NoError(t, f.store.SaveAgent(f.ctx, commission.Agent{
		ID: "a123", AgencyID: agency, Name: "Riley", AgentNumber: "A123", PositionID: commission.PositionIDPtr("pos-agent"),
	}))
	_, err = f.ingest("Aflac", "aflac-feb.csv",
		aflacCSV("A123,Jane Doe,P-99,Accident Advantage,$200.00,01/01/2025"))
	require.NoError(t, err)

	// THEN: The frozen 40/60 split applies to the new amount
	deal, err := f.store.GetDealByPolicy(f.ctx, "P-99", c.ID)
	require.NoError(t, err)
	txs, err := f.store.ListTransactionsByDeal(f.ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, map[commission.AgentID]string{"a123": "80.00", "a999": "120.00"}, amounts(txs))

	// First writer still owns the annual premium
	assert.Equal(t, "120.00", deal.AnnualPremium.StringFixed(2))
}

// =============================================================================
// ROW ERRORS
// =============================================================================

func TestIngest_RowErrorsDoNotStopTheFile(t *testing.T) {
	f := newFixture(t)
	f.seedTwoLevel("Aflac", "Accident Advantage")

	summary, err := f.ingest("Aflac", "aflac-march.csv", aflacCSV(
		"A123,Jane Doe,P-1,Accident Advantage,$120.00,03/01/2025",
		"Z000,Nobody,P-2,Accident Advantage,$50.00,03/01/2025",
		"A123,Sam Poe,P-3,Dental Premier,$80.00,03/01/2025",
		",Missing Agent,P-4,Accident Advantage,$10.00,03/01/2025",
		"A123,Ann Lee,P-5,Accident Advantge,$60.00,03/01/2025",
	))

	require.NoError(t, err)
	assert.Equal(t, 5, summary.TotalRows)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 2, summary.Errors)
	assert.Equal(t, 1, summary.Dropped)
	assert.Equal(t, 4, summary.TransactionsCreated)
	assert.Equal(t, commission.ReportError, summary.Status)

	require.Len(t, summary.RowErrors, 2)
	assert.Equal(t, 3, summary.RowErrors[0].Row)
	assert.Equal(t, "Z000", summary.RowErrors[0].AgentNumber)
	assert.True(t, errors.Is(summary.RowErrors[0], commission.ErrAgentNotFound))

	assert.Equal(t, 4, summary.RowErrors[1].Row)
	assert.Equal(t, "P-3", summary.RowErrors[1].PolicyNumber)
	var matchErr *commission.ProductMatchError
	require.True(t, errors.As(summary.RowErrors[1], &matchErr))
	assert.Equal(t, "Accident Advantage", matchErr.BestGuess)
	assert.Less(t, matchErr.Score, commission.DefaultMatchThreshold)
}

func TestIngest_MergeKeepsFirstWriterValues(t *testing.T) {
	// GIVEN: An Omaha deal created with the first email
	f := newFixture(t)
	c, _ := f.seedTwoLevel("Mutual of Omaha", "Living Promise")
	_, err := f.ingest("Mutual of Omaha", "omaha-jan.xlsx", omahaXLSX(t,
		[]interface{}{"A123", "", "jane@first.test", "MO-1", "Living Promise", 600, 150, 45658},
	))
	require.NoError(t, err)

	// WHEN: A later report carries a name and a different email
	_, err = f.ingest("Mutual of Omaha", "omaha-feb.xlsx", omahaXLSX(t,
		[]interface{}{"A123", "Jane Doe", "jane@second.test", "MO-1", "Living Promise", 600, 150, 45658},
	))
	require.NoError(t, err)

	// THEN: The empty name is filled, the email is not replaced
	deal, err := f.store.GetDealByPolicy(f.ctx, "MO-1", c.ID)
	require.NoError(t, err)
	require.NotNil(t, deal)
	assert.Equal(t, "jane@first.test", *deal.ClientEmail)
	assert.Equal(t, "Jane Doe", *deal.ClientName)
	assert.Equal(t, "50.00", deal.MonthlyPremium.StringFixed(2))

	// The carrier's commission amount is distributed, not the premium
	txs, err := f.store.ListTransactionsByDeal(f.ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, map[commission.AgentID]string{"a123": "60.00", "a999": "90.00"}, amounts(txs))
}

// =============================================================================
// FATAL ERRORS
// =============================================================================

func TestIngest_RejectedUploadsLeaveNoReport(t *testing.T) {
	f := newFixture(t)
	data := aflacCSV("A123,Jane Doe,P-99,Accident Advantage,$120.00,03/01/2025")

	_, err := f.ingest("Globe Life", "globe.csv", data)
	assert.True(t, errors.Is(err, commission.ErrUnsupportedCarrier))

	_, err = f.ingest("Aflac", "aflac.xlsx", data)
	assert.True(t, errors.Is(err, commission.ErrFileTypeMismatch))

	_, err = f.engine.Ingest(f.ctx, ingest.Upload{Carrier: "Aflac", FileName: "aflac.csv", Data: data})
	assert.True(t, errors.Is(err, ingest.ErrInvalidUpload))

	reports, err := f.store.ListReports(f.ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestIngest_UnreadableFileEndsInError(t *testing.T) {
	f := newFixture(t)

	summary, err := f.ingest("Mutual of Omaha", "omaha.xlsx", []byte("not a workbook"))

	require.Error(t, err)
	assert.True(t, errors.Is(err, commission.ErrUnreadableReport))
	require.NotNil(t, summary)
	rep, err := f.store.GetReport(f.ctx, summary.ReportID)
	require.NoError(t, err)
	assert.Equal(t, commission.ReportError, rep.Status)
	require.Len(t, rep.Errors, 1)
	assert.True(t, strings.HasPrefix(rep.Errors[0], "fatal: "))
}
