package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// AGENTS
// =============================================================================

const agentColumns = `id, agency_id, name, agent_number, email, upline_id, position_id, created_at`

func (s queries) SaveAgent(ctx context.Context, a commission.Agent) error {
	query := `
		INSERT INTO agents (` + agentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agency_id = excluded.agency_id,
			name = excluded.name,
			agent_number = excluded.agent_number,
			email = excluded.email,
			upline_id = excluded.upline_id,
			position_id = excluded.position_id
	`
	_, err := s.q.ExecContext(ctx, query,
		a.ID, a.AgencyID, a.Name, a.AgentNumber, nullString(a.Email),
		nullID(a.UplineID), nullID(a.PositionID), formatTime(a.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s", commission.ErrDuplicateAgentNumber, a.AgentNumber)
	}
	return commission.Persistence("save agent", err)
}

func (s queries) GetAgent(ctx context.Context, id commission.AgentID) (*commission.Agent, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	return scanAgentRow(row)
}

func (s queries) GetAgentByNumber(ctx context.Context, agencyID commission.AgencyID, number string) (*commission.Agent, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agency_id = ? AND agent_number = ?`,
		agencyID, number)
	return scanAgentRow(row)
}

func (s queries) ListAgents(ctx context.Context, agencyID commission.AgencyID) ([]commission.Agent, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agency_id = ? ORDER BY name, id`, agencyID)
	if err != nil {
		return nil, commission.Persistence("list agents", err)
	}
	defer rows.Close()

	var agents []commission.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, commission.Persistence("list agents", rows.Err())
}

func scanAgentRow(row *sql.Row) (*commission.Agent, error) {
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAgent(sc scanner) (commission.Agent, error) {
	var (
		a          commission.Agent
		email      sql.NullString
		uplineID   sql.NullString
		positionID sql.NullString
		createdAt  string
	)
	err := sc.Scan(&a.ID, &a.AgencyID, &a.Name, &a.AgentNumber, &email, &uplineID, &positionID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, err
	}
	if err != nil {
		return a, commission.Persistence("scan agent", err)
	}
	a.Email = email.String
	a.UplineID = idPtr[commission.AgentID](uplineID)
	a.PositionID = idPtr[commission.PositionID](positionID)
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}

// UplineChain walks upline_id with a depth-capped recursive query. A cycle
// simply repeats until the cap; the caller detects it.
func (s queries) UplineChain(ctx context.Context, agentID commission.AgentID, maxDepth int) ([]commission.UplineLink, error) {
	query := `
		WITH RECURSIVE chain(agent_id, upline_id, depth) AS (
			SELECT id, upline_id, 0 FROM agents WHERE id = ?
			UNION ALL
			SELECT a.id, a.upline_id, chain.depth + 1
			FROM agents a
			JOIN chain ON a.id = chain.upline_id
			WHERE chain.depth < ?
		)
		SELECT agent_id, upline_id FROM chain ORDER BY depth
	`
	rows, err := s.q.QueryContext(ctx, query, agentID, maxDepth)
	if err != nil {
		return nil, commission.Persistence("walk upline", err)
	}
	defer rows.Close()

	var links []commission.UplineLink
	for rows.Next() {
		var (
			link     commission.UplineLink
			uplineID sql.NullString
		)
		if err := rows.Scan(&link.AgentID, &uplineID); err != nil {
			return nil, commission.Persistence("scan upline", err)
		}
		link.UplineID = idPtr[commission.AgentID](uplineID)
		links = append(links, link)
	}
	return links, commission.Persistence("walk upline", rows.Err())
}

// =============================================================================
// POSITIONS
// =============================================================================

func (s queries) SavePosition(ctx context.Context, p commission.Position) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO positions (id, agency_id, name, level) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, level = excluded.level
	`, p.ID, p.AgencyID, p.Name, p.Level)
	return commission.Persistence("save position", err)
}

func (s queries) GetPosition(ctx context.Context, id commission.PositionID) (*commission.Position, error) {
	var p commission.Position
	err := s.q.QueryRowContext(ctx,
		`SELECT id, agency_id, name, level FROM positions WHERE id = ?`, id,
	).Scan(&p.ID, &p.AgencyID, &p.Name, &p.Level)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, commission.Persistence("get position", err)
	}
	return &p, nil
}

func (s queries) ListPositions(ctx context.Context, agencyID commission.AgencyID) ([]commission.Position, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, agency_id, name, level FROM positions WHERE agency_id = ? ORDER BY level, id`, agencyID)
	if err != nil {
		return nil, commission.Persistence("list positions", err)
	}
	defer rows.Close()

	var positions []commission.Position
	for rows.Next() {
		var p commission.Position
		if err := rows.Scan(&p.ID, &p.AgencyID, &p.Name, &p.Level); err != nil {
			return nil, commission.Persistence("scan position", err)
		}
		positions = append(positions, p)
	}
	return positions, commission.Persistence("list positions", rows.Err())
}

// =============================================================================
// CARRIERS
// =============================================================================

// EnsureCarrier is safe under concurrent first uploads: the name is unique
// and the loser of the insert race reads the winner's row.
func (s queries) EnsureCarrier(ctx context.Context, name string) (commission.Carrier, error) {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO carriers (id, name, created_at) VALUES (?, ?, ?) ON CONFLICT(name) DO NOTHING`,
		uuid.NewString(), name, formatTime(time.Now()))
	if err != nil {
		return commission.Carrier{}, commission.Persistence("ensure carrier", err)
	}

	var c commission.Carrier
	err = s.q.QueryRowContext(ctx, `SELECT id, name FROM carriers WHERE name = ?`, name).Scan(&c.ID, &c.Name)
	if err != nil {
		return commission.Carrier{}, commission.Persistence("ensure carrier", err)
	}
	return c, nil
}

func (s queries) GetCarrier(ctx context.Context, id commission.CarrierID) (*commission.Carrier, error) {
	var c commission.Carrier
	err := s.q.QueryRowContext(ctx, `SELECT id, name FROM carriers WHERE id = ?`, id).Scan(&c.ID, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, commission.Persistence("get carrier", err)
	}
	return &c, nil
}

// =============================================================================
// PRODUCTS
// =============================================================================

func (s queries) SaveProduct(ctx context.Context, p commission.Product) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO products (id, carrier_id, agency_id, name, active) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, active = excluded.active
	`, p.ID, p.CarrierID, p.AgencyID, p.Name, boolInt(p.Active))
	return commission.Persistence("save product", err)
}

func (s queries) ListActiveProducts(ctx context.Context, carrierID commission.CarrierID, agencyID commission.AgencyID) ([]commission.Product, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, carrier_id, agency_id, name, active
		FROM products
		WHERE carrier_id = ? AND agency_id = ? AND active = 1
		ORDER BY name, id
	`, carrierID, agencyID)
	if err != nil {
		return nil, commission.Persistence("list products", err)
	}
	defer rows.Close()

	var products []commission.Product
	for rows.Next() {
		var p commission.Product
		if err := rows.Scan(&p.ID, &p.CarrierID, &p.AgencyID, &p.Name, &p.Active); err != nil {
			return nil, commission.Persistence("scan product", err)
		}
		products = append(products, p)
	}
	return products, commission.Persistence("list products", rows.Err())
}

// =============================================================================
// COMMISSION STRUCTURES
// =============================================================================

const structureColumns = `id, carrier_id, position_id, product_id, level, percentage, commission_type, active`

func (s queries) SaveCommissionStructure(ctx context.Context, cs commission.CommissionStructure) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO commission_structures (`+structureColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			level = excluded.level,
			percentage = excluded.percentage,
			commission_type = excluded.commission_type,
			active = excluded.active
	`, cs.ID, cs.CarrierID, cs.PositionID, cs.ProductID, cs.Level,
		cs.Percentage.String(), cs.CommissionType, boolInt(cs.Active))
	return commission.Persistence("save commission structure", err)
}

func (s queries) FindCommissionStructures(ctx context.Context, carrierID commission.CarrierID, positionID commission.PositionID, productID commission.ProductID) ([]commission.CommissionStructure, error) {
	return s.queryStructures(ctx, `
		SELECT `+structureColumns+`
		FROM commission_structures
		WHERE carrier_id = ? AND position_id = ? AND product_id = ? AND active = 1
		ORDER BY level, id
	`, carrierID, positionID, productID)
}

func (s queries) ListCommissionStructures(ctx context.Context, carrierID commission.CarrierID) ([]commission.CommissionStructure, error) {
	return s.queryStructures(ctx, `
		SELECT `+structureColumns+`
		FROM commission_structures
		WHERE carrier_id = ?
		ORDER BY position_id, product_id, level, id
	`, carrierID)
}

func (s queries) queryStructures(ctx context.Context, query string, args ...any) ([]commission.CommissionStructure, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, commission.Persistence("query commission structures", err)
	}
	defer rows.Close()

	var out []commission.CommissionStructure
	for rows.Next() {
		var (
			cs  commission.CommissionStructure
			pct string
		)
		if err := rows.Scan(&cs.ID, &cs.CarrierID, &cs.PositionID, &cs.ProductID, &cs.Level,
			&pct, &cs.CommissionType, &cs.Active); err != nil {
			return nil, commission.Persistence("scan commission structure", err)
		}
		if cs.Percentage, err = decimal.NewFromString(pct); err != nil {
			return nil, commission.Persistence("parse percentage", err)
		}
		out = append(out, cs)
	}
	return out, commission.Persistence("query commission structures", rows.Err())
}
