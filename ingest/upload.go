package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// ErrInvalidUpload is returned when the upload or its sidecar is malformed.
var ErrInvalidUpload = errors.New("invalid upload")

// Metadata is the JSON sidecar sent with every report file.
type Metadata struct {
	AgencyID     string           `json:"agency_id" validate:"required"`
	UploadedBy   string           `json:"uploaded_by" validate:"required,max=200"`
	ManualAmount *decimal.Decimal `json:"manual_amount,omitempty"`
	ManualDate   string           `json:"manual_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// Upload is one carrier file submitted for ingestion.
type Upload struct {
	Carrier  string `validate:"required"`
	FileName string `validate:"required"`
	Data     []byte
	Meta     Metadata
}

// ParseMetadata decodes a sidecar. Unknown keys are rejected.
func ParseMetadata(raw []byte) (Metadata, error) {
	var m Metadata
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return m, fmt.Errorf("%w: metadata: %v", ErrInvalidUpload, err)
	}
	return m, nil
}

// UploadValidator checks uploads before any state is written.
type UploadValidator struct {
	v *validator.Validate
}

func NewUploadValidator() *UploadValidator {
	return &UploadValidator{v: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate returns ErrInvalidUpload naming every failing field.
func (uv *UploadValidator) Validate(u Upload) error {
	if err := uv.v.Struct(u); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, len(verrs))
			for i, fe := range verrs {
				fields[i] = fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("%w: %s", ErrInvalidUpload, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidUpload, err)
	}
	if len(u.Data) == 0 {
		return fmt.Errorf("%w: file is empty", ErrInvalidUpload)
	}
	if u.Meta.ManualAmount != nil && u.Meta.ManualAmount.IsNegative() {
		return fmt.Errorf("%w: manual_amount must not be negative", ErrInvalidUpload)
	}
	return nil
}

// manualDate returns the sidecar date, already validated.
func (m Metadata) manualDate() *time.Time {
	if m.ManualDate == "" {
		return nil
	}
	d, err := time.Parse("2006-01-02", m.ManualDate)
	if err != nil {
		return nil
	}
	return &d
}

func (m Metadata) agencyID() commission.AgencyID {
	return commission.AgencyID(strings.TrimSpace(m.AgencyID))
}
