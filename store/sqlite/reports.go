package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// COMMISSION REPORTS
// =============================================================================

const reportColumns = `id, agency_id, carrier_id, uploaded_by, file_name, status,
	total_rows, processed_count, error_count, transaction_count, errors_json,
	manual_amount, manual_date, created_at, completed_at`

func (s queries) SaveReport(ctx context.Context, r commission.Report) error {
	errorsJSON, err := json.Marshal(r.Errors)
	if err != nil {
		return commission.Persistence("encode report errors", err)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO commission_reports (`+reportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total_rows = excluded.total_rows,
			processed_count = excluded.processed_count,
			error_count = excluded.error_count,
			transaction_count = excluded.transaction_count,
			errors_json = excluded.errors_json,
			completed_at = excluded.completed_at
	`, r.ID, r.AgencyID, r.CarrierID, r.UploadedBy, r.FileName, r.Status,
		r.TotalRows, r.ProcessedCount, r.ErrorCount, r.TransactionCount, string(errorsJSON),
		nullDecimal(r.ManualAmount), nullDate(r.ManualDate), formatTime(r.CreatedAt), nullTime(r.CompletedAt),
	)
	return commission.Persistence("save report", err)
}

func (s queries) GetReport(ctx context.Context, id commission.ReportID) (*commission.Report, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM commission_reports WHERE id = ?`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListReports returns the newest reports first. An empty agencyID lists all.
func (s queries) ListReports(ctx context.Context, agencyID commission.AgencyID, limit int) ([]commission.Report, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryReports(ctx, `
		SELECT `+reportColumns+`
		FROM commission_reports
		WHERE (? = '' OR agency_id = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, agencyID, agencyID, limit)
}

func (s queries) ListStaleReports(ctx context.Context, cutoff time.Time) ([]commission.Report, error) {
	return s.queryReports(ctx, `
		SELECT `+reportColumns+`
		FROM commission_reports
		WHERE status = ? AND created_at < ?
		ORDER BY created_at
	`, commission.ReportUploaded, formatTime(cutoff))
}

func (s queries) queryReports(ctx context.Context, query string, args ...any) ([]commission.Report, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, commission.Persistence("query reports", err)
	}
	defer rows.Close()

	var reports []commission.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, commission.Persistence("query reports", rows.Err())
}

func scanReport(sc scanner) (commission.Report, error) {
	var (
		r            commission.Report
		errorsJSON   sql.NullString
		manualAmount sql.NullString
		manualDate   sql.NullString
		createdAt    string
		completedAt  sql.NullString
	)
	err := sc.Scan(&r.ID, &r.AgencyID, &r.CarrierID, &r.UploadedBy, &r.FileName, &r.Status,
		&r.TotalRows, &r.ProcessedCount, &r.ErrorCount, &r.TransactionCount, &errorsJSON,
		&manualAmount, &manualDate, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, err
	}
	if err != nil {
		return r, commission.Persistence("scan report", err)
	}

	if errorsJSON.Valid && errorsJSON.String != "" && errorsJSON.String != "null" {
		if err := json.Unmarshal([]byte(errorsJSON.String), &r.Errors); err != nil {
			return r, commission.Persistence("decode report errors", err)
		}
	}
	if r.ManualAmount, err = decimalPtr(manualAmount); err != nil {
		return r, commission.Persistence("parse manual amount", err)
	}
	r.ManualDate = datePtr(manualDate)
	r.CreatedAt = parseTime(createdAt)
	r.CompletedAt = timePtr(completedAt)
	return r, nil
}
