package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/ingest"
	"github.com/warp/commission-engine/report"
)

type ingestOptions struct {
	carrier      string
	agency       string
	uploadedBy   string
	manualAmount string
	manualDate   string
	dryRun       bool
}

func newIngestCmd(a *app) *cobra.Command {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Ingest one carrier report from disk",
		Long: `Runs a carrier report through the same engine as POST /api/reports.
With --dry-run the file is only read and normalized; nothing is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.ingest(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.carrier, "carrier", "", "carrier name as listed by 'carriers list'")
	cmd.Flags().StringVar(&opts.agency, "agency", "", "agency id the report belongs to")
	cmd.Flags().StringVar(&opts.uploadedBy, "uploaded-by", "cli", "operator recorded on the report")
	cmd.Flags().StringVar(&opts.manualAmount, "manual-amount", "", "statement total entered by hand")
	cmd.Flags().StringVar(&opts.manualDate, "manual-date", "", "statement date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "normalize only")
	_ = cmd.MarkFlagRequired("carrier")
	return cmd
}

func (a *app) ingest(cmd *cobra.Command, path string, opts ingestOptions) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	registry, err := a.registry()
	if err != nil {
		return err
	}
	out := json.NewEncoder(cmd.OutOrStdout())
	out.SetIndent("", "  ")

	if opts.dryRun {
		res, err := report.NewNormalizer(registry).Normalize(opts.carrier, filepath.Base(path), data)
		if err != nil {
			return err
		}
		return out.Encode(dryRunSummary(res))
	}

	if opts.agency == "" {
		return fmt.Errorf("--agency is required unless --dry-run is set")
	}
	meta := ingest.Metadata{
		AgencyID:   opts.agency,
		UploadedBy: opts.uploadedBy,
		ManualDate: opts.manualDate,
	}
	if opts.manualAmount != "" {
		amt, err := decimal.NewFromString(opts.manualAmount)
		if err != nil {
			return fmt.Errorf("--manual-amount: %w", err)
		}
		meta.ManualAmount = &amt
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	engine := ingest.NewEngine(store, registry, ingest.Options{
		MatchThreshold: a.cfg.Ingest.MatchThreshold,
		MaxDepth:       a.cfg.Ingest.MaxDepth,
		Logger:         a.log,
	})
	summary, err := engine.Ingest(cmd.Context(), ingest.Upload{
		Carrier:  opts.carrier,
		FileName: filepath.Base(path),
		Data:     data,
		Meta:     meta,
	})
	if summary != nil {
		if encErr := out.Encode(cliSummary(summary)); encErr != nil {
			return encErr
		}
	}
	return err
}

type rowLine struct {
	Row    int    `json:"row"`
	Policy string `json:"policy_number,omitempty"`
	Error  string `json:"error"`
}

type summaryOutput struct {
	ReportID     string    `json:"report_id,omitempty"`
	Carrier      string    `json:"carrier"`
	Status       string    `json:"status"`
	TotalRows    int       `json:"total_rows"`
	Records      int       `json:"records,omitempty"`
	Processed    int       `json:"processed"`
	Errors       int       `json:"errors"`
	Dropped      int       `json:"dropped"`
	DealsCreated int       `json:"deals_created"`
	Transactions int       `json:"transactions"`
	Problems     []rowLine `json:"problems,omitempty"`
}

func cliSummary(s *ingest.Summary) summaryOutput {
	out := summaryOutput{
		ReportID:     string(s.ReportID),
		Carrier:      s.Carrier,
		Status:       string(s.Status),
		TotalRows:    s.TotalRows,
		Processed:    s.Processed,
		Errors:       s.Errors,
		Dropped:      s.Dropped,
		DealsCreated: s.DealsCreated,
		Transactions: s.TransactionsCreated,
	}
	for _, d := range s.DroppedRows {
		out.Problems = append(out.Problems, rowLine{Row: d.Row, Error: d.Reason})
	}
	for _, re := range s.RowErrors {
		out.Problems = append(out.Problems, rowLine{Row: re.Row, Policy: re.PolicyNumber, Error: re.Err.Error()})
	}
	return out
}

func dryRunSummary(res *report.Result) summaryOutput {
	out := summaryOutput{
		Carrier:   res.Format.Name,
		Status:    "dry-run",
		TotalRows: res.TotalRows,
		Records:   len(res.Records),
		Dropped:   len(res.Dropped),
	}
	for _, d := range res.Dropped {
		out.Problems = append(out.Problems, rowLine{Row: d.Row, Error: d.Reason})
	}
	return out
}

// =============================================================================
// SEED
// =============================================================================

func newSeedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seed FILE",
		Short: "Apply an agency roster (positions, agents, products, structures)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			registry, err := a.registry()
			if err != nil {
				return err
			}
			f := factory.NewRosterFactory(registry)
			roster, err := f.ParseRoster(data)
			if err != nil {
				return err
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			if err := store.WithTx(ctx, func(tx commission.Store) error {
				return f.Apply(ctx, tx, roster)
			}); err != nil {
				return err
			}
			a.log.Info().
				Str("agency_id", string(roster.AgencyID)).
				Int("positions", len(roster.Positions)).
				Int("agents", len(roster.Agents)).
				Int("products", len(roster.Products)).
				Int("structures", len(roster.Structures)).
				Msg("roster applied")
			return nil
		},
	}
}
