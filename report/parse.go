package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CURRENCY
// =============================================================================

// ParseCurrency parses a carrier money cell. The currency symbol, thousands
// separators and whitespace are stripped; "(12.50)" is negative.
func ParseCurrency(raw, symbol, thousands string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	if symbol != "" {
		s = strings.ReplaceAll(s, symbol, "")
	}
	if thousands != "" {
		s = strings.ReplaceAll(s, thousands, "")
	}
	// A dot thousands separator implies a comma decimal mark.
	if thousands == "." {
		s = strings.ReplaceAll(s, ",", ".")
	}
	s = strings.Join(strings.Fields(s), "")

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// =============================================================================
// DATES
// =============================================================================

// serialEpoch is day zero of spreadsheet date serials.
var serialEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

// genericLayouts are tried after a format's own layouts.
var genericLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
	"Jan 2, 2006",
	"January 2, 2006",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// SerialToDate converts a spreadsheet date serial (serial 25569 is
// 1970-01-01). The fractional time of day is ignored.
func SerialToDate(serial float64) time.Time {
	return serialEpoch.AddDate(0, 0, int(serial))
}

// ParseDate parses a date cell. When serials is true a plain number is read
// as a spreadsheet serial; otherwise layouts and then the generic layouts
// are tried. Returns nil when nothing matches.
func ParseDate(raw string, layouts []string, serials bool) *time.Time {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}

	if serials {
		if d, err := decimal.NewFromString(s); err == nil {
			f, _ := d.Float64()
			if f >= 1 {
				t := SerialToDate(f)
				return &t
			}
			return nil
		}
	}

	for _, set := range [][]string{layouts, genericLayouts} {
		for _, layout := range set {
			if t, err := time.Parse(layout, s); err == nil {
				t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
				return &t
			}
		}
	}
	return nil
}
