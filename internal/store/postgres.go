package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ims/calc-engine/internal/apperr"
	"github.com/ims/calc-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Quantities are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Connect creates a pool and verifies the connection.
func Connect(ctx context.Context, url string, minConns, maxConns int) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	if minConns > 0 {
		poolCfg.MinConns = int32(minConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// --- Securities ---

func (s *PostgresStore) GetSecurity(ctx context.Context, id string) (*model.Security, error) {
	var sec model.Security
	var ext []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, type, issuer, market, currency, status, external_ids
		 FROM securities WHERE id = $1`, id).
		Scan(&sec.ID, &sec.Type, &sec.Issuer, &sec.Market, &sec.Currency, &sec.Status, &ext)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("security %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get security %s: %w", id, err)
	}
	_ = json.Unmarshal(ext, &sec.ExternalIDs)
	return &sec, nil
}

func (s *PostgresStore) ListSecurities(ctx context.Context) ([]model.Security, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, issuer, market, currency, status, external_ids
		 FROM securities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Security
	for rows.Next() {
		var sec model.Security
		var ext []byte
		if err := rows.Scan(&sec.ID, &sec.Type, &sec.Issuer, &sec.Market, &sec.Currency, &sec.Status, &ext); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(ext, &sec.ExternalIDs)
		out = append(out, sec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertSecurity(ctx context.Context, sec *model.Security) error {
	ext, err := json.Marshal(sec.ExternalIDs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO securities (id, type, issuer, market, currency, status, external_ids)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::JSONB)
		 ON CONFLICT (id) DO UPDATE SET
		   type = EXCLUDED.type, issuer = EXCLUDED.issuer, market = EXCLUDED.market,
		   currency = EXCLUDED.currency, status = EXCLUDED.status, external_ids = EXCLUDED.external_ids`,
		sec.ID, sec.Type, sec.Issuer, sec.Market, sec.Currency, sec.Status, string(ext),
	)
	return err
}

// --- Positions ---

const positionColumns = `book_id, security_id, business_date::TEXT,
	contractual_qty::TEXT, settled_qty::TEXT, borrowed_qty::TEXT,
	projected_net_position::TEXT, current_net_position::TEXT,
	ladder, calculation_status, finalized, updated_at`

func (s *PostgresStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE book_id = $1 AND security_id = $2 AND business_date = $3::DATE`,
		key.BookID, key.SecurityID, key.BusinessDate)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("position %s/%s on %s not found", key.BookID, key.SecurityID, key.BusinessDate)
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, businessDate string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE business_date = $1::DATE ORDER BY book_id, security_id`, businessDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListSecurityPositions(ctx context.Context, securityID, businessDate string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE security_id = $1 AND business_date = $2::DATE ORDER BY book_id`, securityID, businessDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	ladder, err := json.Marshal(p.Ladder)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO positions (book_id, security_id, business_date,
		   contractual_qty, settled_qty, borrowed_qty, projected_net_position, current_net_position,
		   ladder, calculation_status, finalized, updated_at)
		 VALUES ($1, $2, $3::DATE, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		   $9::JSONB, $10, $11, $12)
		 ON CONFLICT (book_id, security_id, business_date) DO UPDATE SET
		   contractual_qty = EXCLUDED.contractual_qty,
		   settled_qty = EXCLUDED.settled_qty,
		   borrowed_qty = EXCLUDED.borrowed_qty,
		   projected_net_position = EXCLUDED.projected_net_position,
		   current_net_position = EXCLUDED.current_net_position,
		   ladder = EXCLUDED.ladder,
		   calculation_status = EXCLUDED.calculation_status,
		   finalized = EXCLUDED.finalized,
		   updated_at = EXCLUDED.updated_at`,
		p.BookID, p.SecurityID, p.BusinessDate,
		p.ContractualQty.String(), p.SettledQty.String(), p.BorrowedQty.String(),
		p.ProjectedNetPosition.String(), p.CurrentNetPosition.String(),
		string(ladder), string(p.CalculationStatus), p.Finalized, p.UpdatedAt,
	)
	return err
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var contractual, settled, borrowed, projected, current, status string
	var ladder []byte
	if err := row.Scan(&p.BookID, &p.SecurityID, &p.BusinessDate,
		&contractual, &settled, &borrowed, &projected, &current,
		&ladder, &status, &p.Finalized, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.ContractualQty, _ = decimal.NewFromString(contractual)
	p.SettledQty, _ = decimal.NewFromString(settled)
	p.BorrowedQty, _ = decimal.NewFromString(borrowed)
	p.ProjectedNetPosition, _ = decimal.NewFromString(projected)
	p.CurrentNetPosition, _ = decimal.NewFromString(current)
	p.CalculationStatus = model.CalculationStatus(status)
	_ = json.Unmarshal(ladder, &p.Ladder)
	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// --- Rules ---

const ruleColumns = `id, sequence, name, rule_type, calculation_type, market, priority,
	conditions, actions, status, effective_date, expiry_date, created_at, updated_at`

func (s *PostgresStore) ListRules(ctx context.Context) ([]model.CalculationRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+ruleColumns+` FROM calculation_rules ORDER BY sequence`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CalculationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetRule(ctx context.Context, id string) (*model.CalculationRule, error) {
	r, err := scanRule(s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM calculation_rules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("rule %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule %s: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) InsertRule(ctx context.Context, r *model.CalculationRule) error {
	conds, acts, err := marshalRuleBody(r)
	if err != nil {
		return err
	}
	return s.pool.QueryRow(ctx,
		`INSERT INTO calculation_rules (id, name, rule_type, calculation_type, market, priority,
		   conditions, actions, status, effective_date, expiry_date, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::JSONB, $8::JSONB, $9, $10, $11, $12, $13)
		 RETURNING sequence`,
		r.ID, r.Name, string(r.RuleType), string(r.CalculationType), r.Market, r.Priority,
		conds, acts, string(r.Status), r.EffectiveDate, r.ExpiryDate, r.CreatedAt, r.UpdatedAt,
	).Scan(&r.Sequence)
}

func (s *PostgresStore) UpdateRule(ctx context.Context, r *model.CalculationRule) error {
	conds, acts, err := marshalRuleBody(r)
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx,
		`UPDATE calculation_rules SET name = $2, rule_type = $3, calculation_type = $4, market = $5,
		   priority = $6, conditions = $7::JSONB, actions = $8::JSONB, status = $9,
		   effective_date = $10, expiry_date = $11, updated_at = $12
		 WHERE id = $1
		 RETURNING sequence`,
		r.ID, r.Name, string(r.RuleType), string(r.CalculationType), r.Market, r.Priority,
		conds, acts, string(r.Status), r.EffectiveDate, r.ExpiryDate, r.UpdatedAt,
	).Scan(&r.Sequence)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("rule %s not found", r.ID)
	}
	return err
}

func marshalRuleBody(r *model.CalculationRule) (string, string, error) {
	conds, err := json.Marshal(r.Conditions)
	if err != nil {
		return "", "", err
	}
	acts, err := json.Marshal(r.Actions)
	if err != nil {
		return "", "", err
	}
	return string(conds), string(acts), nil
}

func scanRule(row pgx.Row) (*model.CalculationRule, error) {
	var r model.CalculationRule
	var ruleType, calcType, status string
	var conds, acts []byte
	if err := row.Scan(&r.ID, &r.Sequence, &r.Name, &ruleType, &calcType, &r.Market, &r.Priority,
		&conds, &acts, &status, &r.EffectiveDate, &r.ExpiryDate, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.RuleType = model.RuleType(ruleType)
	r.CalculationType = model.CalculationType(calcType)
	r.Status = model.RuleStatus(status)
	if err := json.Unmarshal(conds, &r.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions of rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(acts, &r.Actions); err != nil {
		return nil, fmt.Errorf("decode actions of rule %s: %w", r.ID, err)
	}
	return &r, nil
}

// --- Locates ---

const locateColumns = `request_id, security_id, requestor, client_id, aggregation_unit_id,
	locate_type, requested_quantity::TEXT, swap_cash_indicator, status, request_timestamp,
	approval, rejection, updated_at`

func (s *PostgresStore) InsertLocate(ctx context.Context, l *model.LocateRequest) error {
	approval, rejection, err := marshalDecision(l)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO locate_requests (request_id, security_id, requestor, client_id, aggregation_unit_id,
		   locate_type, requested_quantity, swap_cash_indicator, status, request_timestamp,
		   approval, rejection, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11::JSONB, $12::JSONB, $13)`,
		l.RequestID, l.SecurityID, l.Requestor, l.ClientID, l.AggregationUnitID,
		l.LocateType, l.RequestedQuantity.String(), l.SwapCashIndicator, string(l.Status), l.RequestTimestamp,
		approval, rejection, l.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetLocate(ctx context.Context, id string) (*model.LocateRequest, error) {
	l, err := scanLocate(s.pool.QueryRow(ctx,
		`SELECT `+locateColumns+` FROM locate_requests WHERE request_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("locate request %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get locate %s: %w", id, err)
	}
	return l, nil
}

func (s *PostgresStore) ListLocates(ctx context.Context, f model.LocateFilter) ([]model.LocateRequest, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.SecurityID != "" {
		add("security_id = $%d", f.SecurityID)
	}
	if f.ClientID != "" {
		add("client_id = $%d", f.ClientID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if !f.From.IsZero() {
		add("request_timestamp >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("request_timestamp <= $%d", f.To)
	}

	query := `SELECT ` + locateColumns + ` FROM locate_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LocateRequest
	for rows.Next() {
		l, err := scanLocate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// CompareAndSwapLocate relies on the conditional UPDATE: the status guard in
// the WHERE clause makes the check-and-write a single atomic statement.
func (s *PostgresStore) CompareAndSwapLocate(ctx context.Context, l *model.LocateRequest, expected model.LocateStatus) error {
	approval, rejection, err := marshalDecision(l)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE locate_requests SET status = $3, approval = $4::JSONB, rejection = $5::JSONB, updated_at = $6
		 WHERE request_id = $1 AND status = $2`,
		l.RequestID, string(expected), string(l.Status), approval, rejection, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update locate %s: %w", l.RequestID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetLocate(ctx, l.RequestID); err != nil {
		return err
	}
	return ErrStatusChanged
}

func marshalDecision(l *model.LocateRequest) (approval, rejection *string, err error) {
	if l.Approval != nil {
		b, err := json.Marshal(l.Approval)
		if err != nil {
			return nil, nil, err
		}
		s := string(b)
		approval = &s
	}
	if l.Rejection != nil {
		b, err := json.Marshal(l.Rejection)
		if err != nil {
			return nil, nil, err
		}
		s := string(b)
		rejection = &s
	}
	return approval, rejection, nil
}

func scanLocate(row pgx.Row) (*model.LocateRequest, error) {
	var l model.LocateRequest
	var qty, status string
	var approval, rejection []byte
	if err := row.Scan(&l.RequestID, &l.SecurityID, &l.Requestor, &l.ClientID, &l.AggregationUnitID,
		&l.LocateType, &qty, &l.SwapCashIndicator, &status, &l.RequestTimestamp,
		&approval, &rejection, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.RequestedQuantity, _ = decimal.NewFromString(qty)
	l.Status = model.LocateStatus(status)
	if len(approval) > 0 {
		l.Approval = &model.LocateApproval{}
		if err := json.Unmarshal(approval, l.Approval); err != nil {
			return nil, fmt.Errorf("decode approval of %s: %w", l.RequestID, err)
		}
	}
	if len(rejection) > 0 {
		l.Rejection = &model.LocateRejection{}
		if err := json.Unmarshal(rejection, l.Rejection); err != nil {
			return nil, fmt.Errorf("decode rejection of %s: %w", l.RequestID, err)
		}
	}
	return &l, nil
}

// --- Validations ---

func (s *PostgresStore) InsertValidation(ctx context.Context, v *model.OrderValidation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO order_validations (validation_id, order_id, order_type, security_id, client_id,
		   aggregation_unit_id, quantity, status, validation_timestamp, processing_time_ms,
		   rejection_reason, available_limit)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11, $12::NUMERIC)`,
		v.ValidationID, v.OrderID, string(v.OrderType), v.SecurityID, v.ClientID,
		v.AggregationUnitID, v.Quantity.String(), string(v.Status), v.ValidationTimestamp,
		v.ProcessingTime, v.RejectionReason, v.AvailableLimit.String(),
	)
	return err
}

func (s *PostgresStore) GetValidationByOrder(ctx context.Context, orderID string) (*model.OrderValidation, error) {
	var v model.OrderValidation
	var orderType, status, qty, limit string
	err := s.pool.QueryRow(ctx,
		`SELECT validation_id, order_id, order_type, security_id, client_id, aggregation_unit_id,
		        quantity::TEXT, status, validation_timestamp, processing_time_ms,
		        rejection_reason, available_limit::TEXT
		 FROM order_validations WHERE order_id = $1 ORDER BY seq DESC LIMIT 1`, orderID).
		Scan(&v.ValidationID, &v.OrderID, &orderType, &v.SecurityID, &v.ClientID, &v.AggregationUnitID,
			&qty, &status, &v.ValidationTimestamp, &v.ProcessingTime,
			&v.RejectionReason, &limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("no validation found for order %s", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("get validation for %s: %w", orderID, err)
	}
	v.OrderType = model.OrderType(orderType)
	v.Status = model.ValidationStatus(status)
	v.Quantity, _ = decimal.NewFromString(qty)
	v.AvailableLimit, _ = decimal.NewFromString(limit)
	return &v, nil
}

func (s *PostgresStore) ListLimitEntities(ctx context.Context) ([]string, []string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT 'C', client_id FROM locate_requests WHERE client_id <> ''
		 UNION SELECT 'C', client_id FROM order_validations WHERE client_id <> ''
		 UNION SELECT 'A', aggregation_unit_id FROM locate_requests WHERE aggregation_unit_id <> ''
		 UNION SELECT 'A', aggregation_unit_id FROM order_validations WHERE aggregation_unit_id <> ''
		 ORDER BY 1, 2`)
	if err != nil {
		return nil, nil, fmt.Errorf("list limit entities: %w", err)
	}
	defer rows.Close()

	var clients, units []string
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, nil, fmt.Errorf("scan limit entity: %w", err)
		}
		if kind == "C" {
			clients = append(clients, id)
		} else {
			units = append(units, id)
		}
	}
	return clients, units, rows.Err()
}
