package report

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/warp/commission-engine/carrier"
	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// TABLE - Header row plus data rows
// =============================================================================

// Table is a parsed report: trimmed headers and the raw data rows.
// Rows may be shorter or longer than Headers.
type Table struct {
	Headers []string
	Rows    [][]string
}

// Row returns data row i keyed by header. Missing trailing cells are "".
func (t *Table) Row(i int) map[string]string {
	row := t.Rows[i]
	out := make(map[string]string, len(t.Headers))
	for c, h := range t.Headers {
		if h == "" {
			continue
		}
		if c < len(row) {
			out[h] = strings.TrimSpace(row[c])
		} else {
			out[h] = ""
		}
	}
	return out
}

// ReadTable parses file bytes according to the format's file type.
func ReadTable(format carrier.Format, data []byte) (*Table, error) {
	switch format.FileType {
	case carrier.FileCSV:
		return ReadCSV(bytes.NewReader(data), format.Encoding)
	case carrier.FileXLSX:
		return ReadXLSX(bytes.NewReader(data), format.Sheet)
	}
	return nil, fmt.Errorf("%w: file type %q", commission.ErrFileTypeMismatch, format.FileType)
}

// =============================================================================
// CSV
// =============================================================================

const utf8BOM = "\ufeff"

// ReadCSV reads a delimited report. Ragged rows are tolerated.
func ReadCSV(r io.Reader, enc carrier.Encoding) (*Table, error) {
	if enc == carrier.EncodingWindows1252 {
		r = transform.NewReader(r, charmap.Windows1252.NewDecoder())
	}
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: no header row", commission.ErrUnreadableReport)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", commission.ErrUnreadableReport, err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], utf8BOM)
	}

	t := &Table{Headers: trimAll(header)}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", commission.ErrUnreadableReport, err)
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// =============================================================================
// XLSX
// =============================================================================

// ReadXLSX reads the named sheet; the first row holds the headers. Cells are
// read raw so dates arrive as serials.
func ReadXLSX(r io.Reader, sheet string) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", commission.ErrUnreadableReport, err)
	}
	defer f.Close()

	if idx, err := f.GetSheetIndex(sheet); err != nil || idx < 0 {
		return nil, fmt.Errorf("%w: sheet %q not found", commission.ErrUnreadableReport, sheet)
	}
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", commission.ErrUnreadableReport, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: sheet %q is empty", commission.ErrUnreadableReport, sheet)
	}
	return &Table{Headers: trimAll(rows[0]), Rows: rows[1:]}, nil
}

func trimAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.TrimSpace(s)
	}
	return out
}
