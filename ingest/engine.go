/*
Package ingest runs carrier commission reports through the engine.

PURPOSE:
  Engine.Ingest is the single entry point for an uploaded report. It owns
  the report lifecycle and drives every row through product matching, deal
  resolution, the hierarchy gate, the snapshot and the distribution.

FLOW (one sequential pass per file):
  1. validate the upload, look up the carrier format, check the extension
     (any failure here rejects the upload; no report is recorded)
  2. record the report as "uploaded"
  3. read and normalize the file
  4. per record:
       agent by writing number -> product match -> deal lookup
       new deal:      walk chain -> validate -> insert deal + snapshot (one tx)
       existing deal: gap-fill merge, hierarchy untouched
       distribute the amount over the deal's snapshot; the result replaces
       the deal's previous distribution (one tx)
  5. move the report to "processed" or "error"

ROW vs FATAL:
  commission.IsRowError errors are recorded against the row and the pass
  continues. Anything else (storage failure, unreadable file) aborts the
  pass and leaves the report in "error".

CONCURRENCY:
  Correctness under concurrent uploads of overlapping files comes from the
  store's uniqueness keys. The engine holds no locks and no shared
  per-upload state.

SEE ALSO:
  - upload.go: sidecar validation
  - admission.go: bounds concurrent uploads
  - reaper.go: reports abandoned in "uploaded"
*/
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/commission-engine/carrier"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/observability"
	"github.com/warp/commission-engine/report"
)

// =============================================================================
// ENGINE
// =============================================================================

// Options tune an Engine. Zero values mean defaults.
type Options struct {
	MatchThreshold float64
	MaxDepth       int
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
	Now            func() time.Time
}

// Engine ingests carrier reports into deals, snapshots and transactions.
type Engine struct {
	Store     commission.TxStore
	Registry  *carrier.Registry
	Matcher   commission.ProductMatcher
	Validator *commission.Validator
	MaxDepth  int
	Metrics   *observability.Metrics
	Logger    zerolog.Logger

	uploads *UploadValidator
	now     func() time.Time
}

func NewEngine(store commission.TxStore, registry *carrier.Registry, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = commission.DefaultMaxDepth
	}
	return &Engine{
		Store:     store,
		Registry:  registry,
		Matcher:   commission.NewProductMatcher(opts.MatchThreshold),
		Validator: commission.NewValidator(store),
		MaxDepth:  maxDepth,
		Metrics:   opts.Metrics,
		Logger:    opts.Logger,
		uploads:   NewUploadValidator(),
		now:       now,
	}
}

// Summary is the outcome of one ingestion.
type Summary struct {
	ReportID            commission.ReportID
	Carrier             string
	FileType            carrier.FileType
	Status              commission.ReportStatus
	TotalRows           int
	Processed           int
	Errors              int
	Dropped             int
	DealsCreated        int
	TransactionsCreated int // newly inserted rows; in-place updates excluded
	RowErrors           []*commission.RowError
	DroppedRows         []report.DroppedRow
}

// Ingest processes one uploaded report. A non-nil error with a non-nil
// Summary means the report was recorded and ended in "error".
func (e *Engine) Ingest(ctx context.Context, u Upload) (*Summary, error) {
	start := e.now()

	if err := e.uploads.Validate(u); err != nil {
		e.Metrics.ObserveIngest(u.Carrier, observability.OutcomeRejected, time.Since(start))
		return nil, err
	}
	format, err := e.Registry.Lookup(u.Carrier)
	if err != nil {
		e.Metrics.ObserveIngest("unknown", observability.OutcomeRejected, time.Since(start))
		return nil, err
	}
	if err := format.CheckFileName(u.FileName); err != nil {
		e.Metrics.ObserveIngest(format.Name, observability.OutcomeRejected, time.Since(start))
		return nil, err
	}

	c, err := e.Store.EnsureCarrier(ctx, format.Name)
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", u.FileName, err)
	}

	rep := commission.Report{
		ID:           commission.ReportID(uuid.NewString()),
		AgencyID:     u.Meta.agencyID(),
		CarrierID:    c.ID,
		UploadedBy:   u.Meta.UploadedBy,
		FileName:     u.FileName,
		Status:       commission.ReportUploaded,
		ManualAmount: u.Meta.ManualAmount,
		ManualDate:   u.Meta.manualDate(),
		CreatedAt:    start,
	}
	if err := e.Store.SaveReport(ctx, rep); err != nil {
		return nil, fmt.Errorf("ingest %s: %w", u.FileName, err)
	}

	log := e.Logger.With().
		Str("report_id", string(rep.ID)).
		Str("carrier", format.Name).
		Str("file", u.FileName).
		Str("agency_id", string(rep.AgencyID)).
		Logger()
	log.Info().Int("bytes", len(u.Data)).Msg("ingestion started")

	run := &ingestion{
		engine:  e,
		format:  format,
		carrier: c,
		report:  &rep,
		log:     log,
		summary: &Summary{ReportID: rep.ID, Carrier: format.Name, FileType: format.FileType},
	}
	runErr := run.process(ctx, u.Data)

	run.finish(ctx, runErr)
	outcome := observability.OutcomeProcessed
	switch {
	case runErr != nil:
		outcome = observability.OutcomeFailed
	case rep.ErrorCount > 0:
		outcome = observability.OutcomeRowErrors
	}
	e.Metrics.ObserveIngest(format.Name, outcome, e.now().Sub(start))

	if runErr != nil {
		log.Error().Err(runErr).Msg("ingestion failed")
		return run.summary, fmt.Errorf("ingest %s: %w", u.FileName, runErr)
	}
	log.Info().
		Int("total_rows", rep.TotalRows).
		Int("processed", rep.ProcessedCount).
		Int("errors", rep.ErrorCount).
		Int("dropped", run.summary.Dropped).
		Int("transactions", rep.TransactionCount).
		Str("status", string(rep.Status)).
		Msg("ingestion finished")
	return run.summary, nil
}

// =============================================================================
// ONE INGESTION PASS
// =============================================================================

type ingestion struct {
	engine  *Engine
	format  carrier.Format
	carrier commission.Carrier
	report  *commission.Report
	log     zerolog.Logger
	summary *Summary

	// loaded on first new deal, reused for the rest of the file
	forest *commission.ForestTraverser
}

func (in *ingestion) process(ctx context.Context, data []byte) error {
	table, err := report.ReadTable(in.format, data)
	if err != nil {
		return err
	}
	res := report.NormalizeTable(in.format, table)

	in.report.TotalRows = res.TotalRows
	in.summary.TotalRows = res.TotalRows
	in.summary.Dropped = len(res.Dropped)
	in.summary.DroppedRows = res.Dropped
	for _, d := range res.Dropped {
		in.log.Debug().Int("row", d.Row).Str("reason", d.Reason).Msg("row dropped")
	}
	in.engine.Metrics.AddRows(in.format.Name, observability.RowDropped, len(res.Dropped))

	for _, rec := range res.Records {
		err := in.processRecord(ctx, rec)
		if err == nil {
			in.report.ProcessedCount++
			continue
		}
		if !commission.IsRowError(err) {
			return fmt.Errorf("row %d: %w", rec.Row, err)
		}
		rowErr := &commission.RowError{
			Row:          rec.Row,
			AgentNumber:  rec.AgentNumber,
			PolicyNumber: rec.PolicyNumber,
			Err:          err,
		}
		in.report.ErrorCount++
		in.report.Errors = append(in.report.Errors, rowErr.Error())
		in.summary.RowErrors = append(in.summary.RowErrors, rowErr)
		in.log.Warn().
			Int("row", rec.Row).
			Str("agent_number", rec.AgentNumber).
			Str("policy_number", rec.PolicyNumber).
			Err(err).
			Msg("row failed")
	}

	in.engine.Metrics.AddRows(in.format.Name, observability.RowProcessed, in.report.ProcessedCount)
	in.engine.Metrics.AddRows(in.format.Name, observability.RowError, in.report.ErrorCount)
	return nil
}

// finish moves the report to its terminal status. A fatal error counts as
// one more error so the report always ends in "error".
func (in *ingestion) finish(ctx context.Context, fatal error) {
	if fatal != nil {
		in.report.ErrorCount++
		in.report.Errors = append(in.report.Errors, "fatal: "+fatal.Error())
	}
	in.report.Complete(in.engine.now())

	in.summary.Status = in.report.Status
	in.summary.Processed = in.report.ProcessedCount
	in.summary.Errors = in.report.ErrorCount
	in.summary.TransactionsCreated = in.report.TransactionCount

	// The request may be gone; the report must still leave "uploaded".
	if err := in.engine.Store.SaveReport(context.WithoutCancel(ctx), *in.report); err != nil {
		in.log.Error().Err(err).Msg("save final report status")
	}
}

func (in *ingestion) processRecord(ctx context.Context, rec report.Record) error {
	e := in.engine
	agencyID := in.report.AgencyID

	agent, err := e.Store.GetAgentByNumber(ctx, agencyID, rec.AgentNumber)
	if err != nil {
		return err
	}
	if agent == nil {
		return &commission.AgentNotFoundError{AgentNumber: rec.AgentNumber}
	}

	products, err := e.Store.ListActiveProducts(ctx, in.carrier.ID, agencyID)
	if err != nil {
		return err
	}
	product, score, err := e.Matcher.Match(rec.ProductName, products)
	if len(products) > 0 && e.Metrics != nil {
		e.Metrics.MatchScore.Observe(score)
	}
	if err != nil {
		return err
	}

	annual := rec.Premium
	patch := commission.DealPatch{
		ProductID:     commission.ProductIDPtr(product.ID),
		ClientName:    rec.ClientName,
		ClientEmail:   rec.ClientEmail,
		ClientPhone:   rec.ClientPhone,
		AnnualPremium: &annual,
		EffectiveDate: rec.EffectiveDate,
	}
	deal, err := in.resolveDeal(ctx, *agent, product.ID, rec.PolicyNumber, patch)
	if err != nil {
		return err
	}

	return in.distribute(ctx, deal, rec)
}

// =============================================================================
// DEAL RESOLUTION
// =============================================================================

// resolveDeal finds or creates the deal for (policy, carrier). Only a new
// deal goes through the hierarchy gate.
func (in *ingestion) resolveDeal(ctx context.Context, agent commission.Agent, productID commission.ProductID, policy string, patch commission.DealPatch) (commission.Deal, error) {
	e := in.engine

	existing, err := e.Store.GetDealByPolicy(ctx, policy, in.carrier.ID)
	if err != nil {
		return commission.Deal{}, err
	}
	if existing != nil {
		var deal commission.Deal
		err := e.Store.WithTx(ctx, func(tx commission.Store) error {
			current, err := tx.GetDeal(ctx, existing.ID)
			if err != nil {
				return err
			}
			if current == nil {
				return commission.ErrDealNotFound
			}
			deal, err = in.mergeInto(ctx, tx, *current, patch)
			return err
		})
		return deal, err
	}

	priced, err := in.pricedChain(ctx, agent.ID, productID)
	if err != nil {
		return commission.Deal{}, err
	}

	deal := commission.NewDeal(commission.DealID(uuid.NewString()), in.report.AgencyID, agent.ID,
		in.carrier.ID, policy, commission.SourceReport, patch, e.now())

	created := false
	err = e.Store.WithTx(ctx, func(tx commission.Store) error {
		inserted, err := tx.InsertDeal(ctx, deal)
		if err != nil {
			return err
		}
		if !inserted {
			// Another upload created it first; treat as present.
			winner, err := tx.GetDealByPolicy(ctx, policy, in.carrier.ID)
			if err != nil {
				return err
			}
			if winner == nil {
				return commission.Persistence("resolve deal", errors.New("deal vanished after conflict"))
			}
			deal, err = in.mergeInto(ctx, tx, *winner, patch)
			return err
		}
		created = true
		_, err = commission.NewSnapshotBuilder(tx).Build(ctx, deal.ID, priced)
		return err
	})
	if err != nil {
		return commission.Deal{}, err
	}

	if created {
		in.summary.DealsCreated++
		if e.Metrics != nil {
			e.Metrics.DealsCreated.Inc()
		}
		in.log.Debug().Str("deal_id", string(deal.ID)).Str("policy_number", policy).
			Int("chain", len(priced.Members)).Msg("deal created")
	}
	return deal, nil
}

func (in *ingestion) mergeInto(ctx context.Context, store commission.DealStore, deal commission.Deal, patch commission.DealPatch) (commission.Deal, error) {
	merged, changed := commission.MergeDeal(deal, patch)
	if len(changed) == 0 {
		return deal, nil
	}
	merged.UpdatedAt = in.engine.now()
	if err := store.UpdateDeal(ctx, merged); err != nil {
		return commission.Deal{}, err
	}
	in.log.Debug().Str("deal_id", string(deal.ID)).Strs("fields", changed).Msg("deal gap-filled")
	return merged, nil
}

func (in *ingestion) pricedChain(ctx context.Context, agentID commission.AgentID, productID commission.ProductID) (*commission.PricedChain, error) {
	e := in.engine
	if in.forest == nil {
		forest, err := commission.LoadForest(ctx, e.Store, in.report.AgencyID)
		if err != nil {
			return nil, err
		}
		in.forest = forest
	}

	chain, err := commission.NewWalker(in.forest, e.Store, e.MaxDepth).Walk(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return e.Validator.Validate(ctx, chain, in.carrier.ID, productID)
}

// =============================================================================
// DISTRIBUTION
// =============================================================================

func (in *ingestion) distribute(ctx context.Context, deal commission.Deal, rec report.Record) error {
	e := in.engine

	entries, err := e.Store.ListSnapshot(ctx, deal.ID)
	if err != nil {
		return err
	}
	amount := commission.DistributedAmount(rec.Premium, rec.CommissionAmount)
	txs, err := commission.Distribute(commission.Distribution{
		DealID:   deal.ID,
		ReportID: in.report.ID,
		Amount:   amount,
		Premium:  rec.Premium,
		Entries:  entries,
		At:       e.now(),
	})
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		in.log.Info().Str("deal_id", string(deal.ID)).Int("snapshot_entries", len(entries)).
			Msg("no commission weight on deal, nothing distributed")
		return nil
	}

	var inserted int
	err = e.Store.WithTx(ctx, func(tx commission.Store) error {
		n, err := tx.ReplaceTransactions(ctx, deal.ID, txs)
		inserted = n
		return err
	})
	if err != nil {
		return err
	}
	// Re-ingested rows update their transactions in place; only new rows count.
	in.report.TransactionCount += inserted
	if e.Metrics != nil {
		e.Metrics.TransactionsCreated.Add(float64(inserted))
	}
	return nil
}
