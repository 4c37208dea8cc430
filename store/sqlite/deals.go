package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// DEALS
// =============================================================================

const dealColumns = `id, agency_id, agent_id, carrier_id, product_id, policy_number,
	client_name, client_email, client_phone, annual_premium, monthly_premium,
	effective_date, status, source, created_at, updated_at`

// InsertDeal relies on UNIQUE(policy_number, carrier_id): a concurrent
// writer that loses the race inserts nothing and gets false.
func (s queries) InsertDeal(ctx context.Context, d commission.Deal) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO deals (`+dealColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(policy_number, carrier_id) DO NOTHING
	`, d.ID, d.AgencyID, d.AgentID, d.CarrierID, nullID(d.ProductID), d.PolicyNumber,
		nullID(d.ClientName), nullID(d.ClientEmail), nullID(d.ClientPhone),
		nullDecimal(d.AnnualPremium), nullDecimal(d.MonthlyPremium), nullDate(d.EffectiveDate),
		d.Status, d.Source, formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	if err != nil {
		return false, commission.Persistence("insert deal", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, commission.Persistence("insert deal", err)
	}
	return n == 1, nil
}

// UpdateDeal fills the stored row's empty fields from d. A column that is
// already populated keeps its value even when d was built from a stale
// read, so the first writer of each field wins at the database.
func (s queries) UpdateDeal(ctx context.Context, d commission.Deal) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE deals SET
			product_id      = COALESCE(product_id, ?),
			client_name     = CASE WHEN client_name IS NULL OR client_name = '' THEN ? ELSE client_name END,
			client_email    = CASE WHEN client_email IS NULL OR client_email = '' THEN ? ELSE client_email END,
			client_phone    = CASE WHEN client_phone IS NULL OR client_phone = '' THEN ? ELSE client_phone END,
			annual_premium  = COALESCE(annual_premium, ?),
			monthly_premium = COALESCE(monthly_premium, ?),
			effective_date  = COALESCE(effective_date, ?),
			updated_at = ?
		WHERE id = ?
	`, nullID(d.ProductID), nullID(d.ClientName), nullID(d.ClientEmail), nullID(d.ClientPhone),
		nullDecimal(d.AnnualPremium), nullDecimal(d.MonthlyPremium), nullDate(d.EffectiveDate),
		formatTime(d.UpdatedAt), d.ID,
	)
	if err != nil {
		return commission.Persistence("update deal", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return commission.ErrDealNotFound
	}
	return nil
}

func (s queries) GetDeal(ctx context.Context, id commission.DealID) (*commission.Deal, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = ?`, id)
	return scanDeal(row)
}

func (s queries) GetDealByPolicy(ctx context.Context, policyNumber string, carrierID commission.CarrierID) (*commission.Deal, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+dealColumns+` FROM deals WHERE policy_number = ? AND carrier_id = ?`,
		policyNumber, carrierID)
	return scanDeal(row)
}

func scanDeal(row *sql.Row) (*commission.Deal, error) {
	var (
		d                    commission.Deal
		productID            sql.NullString
		clientName           sql.NullString
		clientEmail          sql.NullString
		clientPhone          sql.NullString
		annual, monthly      sql.NullString
		effectiveDate        sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&d.ID, &d.AgencyID, &d.AgentID, &d.CarrierID, &productID, &d.PolicyNumber,
		&clientName, &clientEmail, &clientPhone, &annual, &monthly,
		&effectiveDate, &d.Status, &d.Source, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, commission.Persistence("scan deal", err)
	}

	d.ProductID = idPtr[commission.ProductID](productID)
	d.ClientName = stringPtr(clientName)
	d.ClientEmail = stringPtr(clientEmail)
	d.ClientPhone = stringPtr(clientPhone)
	if d.AnnualPremium, err = decimalPtr(annual); err != nil {
		return nil, commission.Persistence("parse annual premium", err)
	}
	if d.MonthlyPremium, err = decimalPtr(monthly); err != nil {
		return nil, commission.Persistence("parse monthly premium", err)
	}
	d.EffectiveDate = datePtr(effectiveDate)
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return &d, nil
}

// =============================================================================
// SNAPSHOTS - Write-once
// =============================================================================

func (s queries) InsertSnapshot(ctx context.Context, entries []commission.SnapshotEntry) error {
	for _, e := range entries {
		_, err := s.q.ExecContext(ctx, `
			INSERT INTO commission_snapshots
			(id, deal_id, agent_id, upline_agent_id, level, commission_type, percentage, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(deal_id, agent_id, commission_type, level) DO NOTHING
		`, e.ID, e.DealID, e.AgentID, nullID(e.UplineAgentID), e.Level,
			e.CommissionType, e.Percentage.String(), formatTime(e.CreatedAt))
		if err != nil {
			return commission.Persistence("insert snapshot", err)
		}
	}
	return nil
}

func (s queries) ListSnapshot(ctx context.Context, dealID commission.DealID) ([]commission.SnapshotEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, deal_id, agent_id, upline_agent_id, level, commission_type, percentage, created_at
		FROM commission_snapshots
		WHERE deal_id = ?
		ORDER BY level, agent_id
	`, dealID)
	if err != nil {
		return nil, commission.Persistence("list snapshot", err)
	}
	defer rows.Close()

	var entries []commission.SnapshotEntry
	for rows.Next() {
		var (
			e         commission.SnapshotEntry
			upline    sql.NullString
			pct       string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.DealID, &e.AgentID, &upline, &e.Level,
			&e.CommissionType, &pct, &createdAt); err != nil {
			return nil, commission.Persistence("scan snapshot", err)
		}
		if e.Percentage, err = decimal.NewFromString(pct); err != nil {
			return nil, commission.Persistence("parse percentage", err)
		}
		e.UplineAgentID = idPtr[commission.AgentID](upline)
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, commission.Persistence("list snapshot", rows.Err())
}

// =============================================================================
// COMMISSIONS
// =============================================================================

// ReplaceTransactions writes one distribution for a deal. Covered rows get
// the new amount, premium and report; rate and status stay as first
// written. Rows the distribution doesn't cover drop to zero.
func (s queries) ReplaceTransactions(ctx context.Context, dealID commission.DealID, txs []commission.Transaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}
	type key struct {
		agentID commission.AgentID
		ctype   commission.CommissionType
		level   int
	}
	covered := make(map[key]bool, len(txs))
	inserted := 0
	for _, tx := range txs {
		covered[key{tx.AgentID, tx.CommissionType, tx.Level}] = true

		res, err := s.q.ExecContext(ctx, `
			INSERT INTO commissions
			(id, deal_id, agent_id, upline_agent_id, level, commission_type, percentage,
			 amount, premium_amount, status, report_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(deal_id, agent_id, commission_type, level) DO NOTHING
		`, tx.ID, dealID, tx.AgentID, nullID(tx.UplineAgentID), tx.Level, tx.CommissionType,
			tx.Percentage.String(), tx.Amount.String(), tx.PremiumAmount.String(), tx.Status,
			nullString(string(tx.ReportID)), formatTime(tx.CreatedAt), formatTime(tx.UpdatedAt))
		if err != nil {
			return 0, commission.Persistence("insert commission", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return 0, commission.Persistence("insert commission", err)
		} else if n == 1 {
			inserted++
			continue
		}

		_, err = s.q.ExecContext(ctx, `
			UPDATE commissions SET amount = ?, premium_amount = ?, report_id = ?, updated_at = ?
			WHERE deal_id = ? AND agent_id = ? AND commission_type = ? AND level = ?
		`, tx.Amount.String(), tx.PremiumAmount.String(), nullString(string(tx.ReportID)),
			formatTime(tx.UpdatedAt), dealID, tx.AgentID, tx.CommissionType, tx.Level)
		if err != nil {
			return 0, commission.Persistence("update commission", err)
		}
	}

	existing, err := s.ListTransactionsByDeal(ctx, dealID)
	if err != nil {
		return 0, err
	}
	latest := txs[0]
	for _, cur := range existing {
		if covered[key{cur.AgentID, cur.CommissionType, cur.Level}] || cur.Amount.IsZero() {
			continue
		}
		_, err := s.q.ExecContext(ctx, `
			UPDATE commissions SET amount = '0', report_id = ?, updated_at = ?
			WHERE id = ?
		`, nullString(string(latest.ReportID)), formatTime(latest.UpdatedAt), cur.ID)
		if err != nil {
			return 0, commission.Persistence("zero commission", err)
		}
	}
	return inserted, nil
}

func (s queries) ListTransactionsByDeal(ctx context.Context, dealID commission.DealID) ([]commission.Transaction, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, deal_id, agent_id, upline_agent_id, level, commission_type, percentage,
		       amount, premium_amount, status, report_id, created_at, updated_at
		FROM commissions
		WHERE deal_id = ?
		ORDER BY level, agent_id
	`, dealID)
	if err != nil {
		return nil, commission.Persistence("list commissions", err)
	}
	defer rows.Close()

	var txs []commission.Transaction
	for rows.Next() {
		var (
			tx                   commission.Transaction
			upline, reportID     sql.NullString
			pct, amount, premium string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&tx.ID, &tx.DealID, &tx.AgentID, &upline, &tx.Level, &tx.CommissionType,
			&pct, &amount, &premium, &tx.Status, &reportID, &createdAt, &updatedAt); err != nil {
			return nil, commission.Persistence("scan commission", err)
		}
		if tx.Percentage, err = decimal.NewFromString(pct); err != nil {
			return nil, commission.Persistence("parse percentage", err)
		}
		if tx.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, commission.Persistence("parse amount", err)
		}
		if tx.PremiumAmount, err = decimal.NewFromString(premium); err != nil {
			return nil, commission.Persistence("parse premium", err)
		}
		tx.UplineAgentID = idPtr[commission.AgentID](upline)
		tx.ReportID = commission.ReportID(reportID.String)
		tx.CreatedAt = parseTime(createdAt)
		tx.UpdatedAt = parseTime(updatedAt)
		txs = append(txs, tx)
	}
	return txs, commission.Persistence("list commissions", rows.Err())
}
