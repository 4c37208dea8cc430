/*
Package carrier provides the Carrier Format Registry.

PURPOSE:
  Describes, per carrier, how a commission report file is laid out: file
  type, sheet, required columns, and which source column holds each
  logical field. Adding a carrier means adding a registry entry, not code.

TOML SCHEMA:
  [[carrier]]
  name = "Aflac"
  file_type = "csv"                  # csv | xlsx
  sheet = ""                         # xlsx only
  encoding = "utf-8"                 # csv only: utf-8 | windows-1252
  currency_symbol = "$"
  thousands_separator = ","
  date_layouts = ["01/02/2006"]      # tried before the generic layouts
  required_columns = ["AGENT_NUMBER", "POLICY_NUM"]

  [carrier.columns]
  agent_number = "AGENT_NUMBER"
  policy_number = "POLICY_NUM"
  product_name = "PRODUCT_NAME"
  commissionable_premium = "PREMIUM_AMOUNT"

LOAD-TIME VALIDATION:
  Records are a closed set of typed fields. Parsing fails on:
  - unknown file type, encoding or logical field name
  - a required logical field without a source column
  - an xlsx format without a sheet
  - duplicate carrier names (case-insensitive)
  A missing or renamed column is therefore caught at startup.

SEE ALSO:
  - carriers.toml: the built-in registry
  - report/normalize.go: consumes Format
*/
package carrier

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/warp/commission-engine/commission"
)

//go:embed carriers.toml
var defaultRegistry []byte

// =============================================================================
// FORMAT
// =============================================================================

type FileType string

const (
	FileCSV  FileType = "csv"
	FileXLSX FileType = "xlsx"
)

// Extensions returns the file extensions accepted for the type.
func (t FileType) Extensions() []string {
	switch t {
	case FileCSV:
		return []string{".csv"}
	case FileXLSX:
		return []string{".xlsx", ".xlsm"}
	}
	return nil
}

type Encoding string

const (
	EncodingUTF8        Encoding = "utf-8"
	EncodingWindows1252 Encoding = "windows-1252"
)

// Field is a logical field of a standardized report record.
type Field string

const (
	FieldAgentNumber      Field = "agent_number"
	FieldClientName       Field = "client_name"
	FieldClientEmail      Field = "client_email"
	FieldClientPhone      Field = "client_phone"
	FieldPolicyNumber     Field = "policy_number"
	FieldProductName      Field = "product_name"
	FieldPremium          Field = "commissionable_premium"
	FieldCommissionAmount Field = "commission_amount"
	FieldEffectiveDate    Field = "effective_date"
	FieldPaidDate         Field = "paid_date"
)

var knownFields = map[Field]bool{
	FieldAgentNumber:      true,
	FieldClientName:       true,
	FieldClientEmail:      true,
	FieldClientPhone:      true,
	FieldPolicyNumber:     true,
	FieldProductName:      true,
	FieldPremium:          true,
	FieldCommissionAmount: true,
	FieldEffectiveDate:    true,
	FieldPaidDate:         true,
}

// RequiredFields must be mapped by every format.
var RequiredFields = []Field{FieldAgentNumber, FieldPolicyNumber, FieldProductName, FieldPremium}

// Format is one carrier's report layout. Never mutated after load.
type Format struct {
	Name               string
	FileType           FileType
	Sheet              string
	Encoding           Encoding
	CurrencySymbol     string
	ThousandsSeparator string
	DateLayouts        []string
	RequiredColumns    []string
	Columns            map[Field]string
}

// Column returns the source column for a logical field.
func (f Format) Column(field Field) (string, bool) {
	col, ok := f.Columns[field]
	return col, ok && col != ""
}

// CheckFileName rejects files whose extension does not match the file type.
func (f Format) CheckFileName(name string) error {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range f.FileType.Extensions() {
		if ext == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: %s expects %s, got %q", commission.ErrFileTypeMismatch, f.Name, f.FileType, name)
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry is an immutable set of formats keyed by carrier name.
type Registry struct {
	byName  map[string]Format
	ordered []Format
}

// Default returns the registry built into the binary.
func Default() (*Registry, error) {
	return Parse(defaultRegistry)
}

// LoadFile reads a registry from a TOML file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read carrier registry: %w", err)
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

// Parse decodes and validates a TOML registry.
func Parse(data []byte) (*Registry, error) {
	var file registryFile
	md, err := toml.Decode(string(data), &file)
	if err != nil {
		return nil, fmt.Errorf("decode carrier registry: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown carrier registry keys: %v", undecoded)
	}

	formats := make([]Format, 0, len(file.Carriers))
	for i, raw := range file.Carriers {
		f, err := raw.format()
		if err != nil {
			return nil, fmt.Errorf("carrier #%d (%s): %w", i+1, raw.Name, err)
		}
		formats = append(formats, f)
	}
	return NewRegistry(formats...)
}

// NewRegistry builds a registry from already validated formats.
func NewRegistry(formats ...Format) (*Registry, error) {
	r := &Registry{byName: make(map[string]Format, len(formats))}
	for _, f := range formats {
		key := normalizeName(f.Name)
		if key == "" {
			return nil, fmt.Errorf("carrier format without name")
		}
		if _, dup := r.byName[key]; dup {
			return nil, fmt.Errorf("duplicate carrier %q", f.Name)
		}
		r.byName[key] = f
		r.ordered = append(r.ordered, f)
	}
	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i].Name < r.ordered[j].Name })
	return r, nil
}

// Lookup returns the format for a carrier name, case-insensitively.
func (r *Registry) Lookup(name string) (Format, error) {
	f, ok := r.byName[normalizeName(name)]
	if !ok {
		return Format{}, fmt.Errorf("%w: %q", commission.ErrUnsupportedCarrier, name)
	}
	return f, nil
}

// Formats returns all formats ordered by name.
func (r *Registry) Formats() []Format {
	return append([]Format(nil), r.ordered...)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// =============================================================================
// TOML DECODING
// =============================================================================

type registryFile struct {
	Carriers []formatRecord `toml:"carrier"`
}

type formatRecord struct {
	Name               string            `toml:"name"`
	FileType           string            `toml:"file_type"`
	Sheet              string            `toml:"sheet"`
	Encoding           string            `toml:"encoding"`
	CurrencySymbol     string            `toml:"currency_symbol"`
	ThousandsSeparator string            `toml:"thousands_separator"`
	DateLayouts        []string          `toml:"date_layouts"`
	RequiredColumns    []string          `toml:"required_columns"`
	Columns            map[string]string `toml:"columns"`
}

func (rec formatRecord) format() (Format, error) {
	f := Format{
		Name:               strings.TrimSpace(rec.Name),
		FileType:           FileType(strings.ToLower(rec.FileType)),
		Sheet:              rec.Sheet,
		Encoding:           Encoding(strings.ToLower(rec.Encoding)),
		CurrencySymbol:     rec.CurrencySymbol,
		ThousandsSeparator: rec.ThousandsSeparator,
		DateLayouts:        rec.DateLayouts,
		Columns:            make(map[Field]string, len(rec.Columns)),
	}
	if f.Name == "" {
		return Format{}, fmt.Errorf("name is required")
	}

	switch f.FileType {
	case FileCSV:
	case FileXLSX:
		if f.Sheet == "" {
			return Format{}, fmt.Errorf("xlsx format requires a sheet")
		}
	default:
		return Format{}, fmt.Errorf("unknown file type %q", rec.FileType)
	}

	switch f.Encoding {
	case "":
		f.Encoding = EncodingUTF8
	case EncodingUTF8, EncodingWindows1252:
	default:
		return Format{}, fmt.Errorf("unknown encoding %q", rec.Encoding)
	}
	if f.FileType == FileXLSX && f.Encoding != EncodingUTF8 {
		return Format{}, fmt.Errorf("encoding applies to csv formats only")
	}
	if f.ThousandsSeparator == "" {
		f.ThousandsSeparator = ","
	}

	for name, column := range rec.Columns {
		field := Field(name)
		if !knownFields[field] {
			return Format{}, fmt.Errorf("unknown field %q", name)
		}
		if strings.TrimSpace(column) == "" {
			return Format{}, fmt.Errorf("field %q has an empty column name", name)
		}
		f.Columns[field] = column
	}
	for _, field := range RequiredFields {
		if _, ok := f.Column(field); !ok {
			return Format{}, fmt.Errorf("required field %q is not mapped", field)
		}
	}

	// Required columns default to the sources of the required fields.
	f.RequiredColumns = rec.RequiredColumns
	if len(f.RequiredColumns) == 0 {
		for _, field := range RequiredFields {
			f.RequiredColumns = append(f.RequiredColumns, f.Columns[field])
		}
	}
	return f, nil
}
