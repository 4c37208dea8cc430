/*
Package report turns raw carrier report files into standardized records.

PURPOSE:
  Every carrier ships commission data in its own layout. The Normalizer
  uses the carrier's registry Format to read the file (CSV or XLSX) and map
  each row onto one carrier-agnostic Record.

FATAL vs DROPPED:
  Fatal for the whole upload (returned as error):
  - carrier not in the registry
  - file extension does not match the format's file type
  - file cannot be parsed (corrupt workbook, missing sheet, no header)
  Dropped rows (reported in Result.Dropped, never an error):
  - a required column is missing or empty
  - the commissionable premium is unparseable or <= 0

ROW NUMBERS:
  Row numbers are 1-based file rows with the header as row 1, so the first
  data row is row 2, as an operator sees it in a spreadsheet.

SEE ALSO:
  - carrier/registry.go: Format
  - parse.go: currency and date parsing
  - ingest/engine.go: consumes Result
*/
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/carrier"
	"github.com/warp/commission-engine/commission"
)

// Record is one standardized report row.
type Record struct {
	Row              int
	AgentNumber      string
	ClientName       string
	ClientEmail      string
	ClientPhone      string
	PolicyNumber     string
	ProductName      string
	Premium          decimal.Decimal
	CommissionAmount *decimal.Decimal
	EffectiveDate    *time.Time
	PaidDate         *time.Time
}

// DroppedRow is a row the normalizer discarded.
type DroppedRow struct {
	Row    int
	Reason string
	Err    error
}

// Result is the outcome of normalizing one file.
type Result struct {
	Format    carrier.Format
	TotalRows int
	Records   []Record
	Dropped   []DroppedRow
}

// Normalizer maps carrier files onto Records.
type Normalizer struct {
	Registry *carrier.Registry
}

func NewNormalizer(registry *carrier.Registry) *Normalizer {
	return &Normalizer{Registry: registry}
}

// Normalize reads fileName's bytes as a report of the named carrier.
func (n *Normalizer) Normalize(carrierName, fileName string, data []byte) (*Result, error) {
	format, err := n.Registry.Lookup(carrierName)
	if err != nil {
		return nil, err
	}
	if err := format.CheckFileName(fileName); err != nil {
		return nil, err
	}

	table, err := ReadTable(format, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	return NormalizeTable(format, table), nil
}

// NormalizeTable maps an already parsed table.
func NormalizeTable(format carrier.Format, table *Table) *Result {
	res := &Result{Format: format}
	for i := range table.Rows {
		if isBlankRow(table.Rows[i]) {
			continue
		}
		res.TotalRows++
		rowNum := i + 2

		row := table.Row(i)
		rec, err := normalizeRow(format, rowNum, row)
		if err != nil {
			res.Dropped = append(res.Dropped, DroppedRow{Row: rowNum, Reason: err.Error(), Err: err})
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res
}

func normalizeRow(format carrier.Format, rowNum int, row map[string]string) (Record, error) {
	var missing []string
	for _, col := range format.RequiredColumns {
		if row[col] == "" {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return Record{}, fmt.Errorf("%w: %s", commission.ErrRowSchema, strings.Join(missing, ", "))
	}

	get := func(field carrier.Field) string {
		col, ok := format.Column(field)
		if !ok {
			return ""
		}
		return row[col]
	}
	serials := format.FileType == carrier.FileXLSX

	rec := Record{
		Row:           rowNum,
		AgentNumber:   get(carrier.FieldAgentNumber),
		ClientName:    get(carrier.FieldClientName),
		ClientEmail:   get(carrier.FieldClientEmail),
		ClientPhone:   get(carrier.FieldClientPhone),
		PolicyNumber:  get(carrier.FieldPolicyNumber),
		ProductName:   get(carrier.FieldProductName),
		EffectiveDate: ParseDate(get(carrier.FieldEffectiveDate), format.DateLayouts, serials),
		PaidDate:      ParseDate(get(carrier.FieldPaidDate), format.DateLayouts, serials),
	}
	for _, v := range []struct {
		field carrier.Field
		value string
	}{
		{carrier.FieldAgentNumber, rec.AgentNumber},
		{carrier.FieldPolicyNumber, rec.PolicyNumber},
		{carrier.FieldProductName, rec.ProductName},
	} {
		if v.value == "" {
			return Record{}, fmt.Errorf("%w: %s", commission.ErrRowSchema, v.field)
		}
	}

	premium, err := ParseCurrency(get(carrier.FieldPremium), format.CurrencySymbol, format.ThousandsSeparator)
	if err != nil {
		return Record{}, fmt.Errorf("commissionable premium: %w", err)
	}
	if !premium.IsPositive() {
		return Record{}, fmt.Errorf("commissionable premium %s is not positive", premium)
	}
	rec.Premium = premium

	if raw := get(carrier.FieldCommissionAmount); raw != "" {
		if amt, err := ParseCurrency(raw, format.CurrencySymbol, format.ThousandsSeparator); err == nil {
			rec.CommissionAmount = &amt
		}
	}
	return rec, nil
}

func isBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
