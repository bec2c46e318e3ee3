package consent

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/consent/internal/platform/db"
)

// queryable abstracts pgxpool.Pool and pgx.Tx.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// pgError maps driver errors onto the package taxonomy.
func pgError(err error) error {
	switch {
	case err == nil:
		return nil
	case db.IsNoRows(err):
		return ErrNotFound
	case db.PgCode(err) == db.CodeUniqueViolation:
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case db.PgCode(err) == db.CodeForeignKeyViolation:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case db.IsUnavailable(err):
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

// NewPGStores returns the Postgres implementation of every store.
func NewPGStores(pool *pgxpool.Pool) Stores {
	return Stores{
		Contracts:  &contractRepoPG{pool: pool},
		Rules:      &ruleRepoPG{pool: pool},
		Audit:      &auditRepoPG{pool: pool},
		AccessLogs: &accessLogRepoPG{pool: pool},
		Parties:    &partyRepoPG{pool: pool},
		Tx:         db.NewTxManager(pool),
	}
}

// -- Contract Repository --

type contractRepoPG struct {
	pool *pgxpool.Pool
}

const contractColumns = `id, contract_id, patient_id, requester_id, data_types, purpose, duration,
	conditions, status, created_at, approved_at, expires_at, revoked_at, revocation_reason, updated_at`

func (r *contractRepoPG) Create(ctx context.Context, c *Contract) error {
	conditions := c.Conditions
	if conditions == nil {
		conditions = map[string]string{}
	}
	_, err := connFor(ctx, r.pool).Exec(ctx, `
		INSERT INTO consent_contract (
			id, contract_id, patient_id, requester_id, data_types, purpose, duration,
			conditions, status, created_at, approved_at, expires_at, revoked_at, revocation_reason, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.ID, c.ContractID, c.PatientID, c.RequesterID, c.DataTypes, c.Purpose, string(c.Duration),
		conditions, string(c.Status), c.CreatedAt, c.ApprovedAt, c.ExpiresAt, c.RevokedAt, c.RevocationReason, c.UpdatedAt,
	)
	return pgError(err)
}

func (r *contractRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Contract, error) {
	c, err := scanContract(connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+contractColumns+` FROM consent_contract WHERE id = $1`, id))
	return c, pgError(err)
}

func (r *contractRepoPG) GetByRef(ctx context.Context, contractID string) (*Contract, error) {
	c, err := scanContract(connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+contractColumns+` FROM consent_contract WHERE contract_id = $1`, contractID))
	return c, pgError(err)
}

// CompareAndSwapStatus is a single conditional UPDATE. Zero affected rows
// means either the contract is gone or its status moved on.
func (r *contractRepoPG) CompareAndSwapStatus(ctx context.Context, id uuid.UUID, expected Status, u StatusUpdate) (*Contract, error) {
	q := connFor(ctx, r.pool)
	c, err := scanContract(q.QueryRow(ctx, `
		UPDATE consent_contract SET
			status = $3,
			updated_at = $4,
			approved_at = COALESCE($5, approved_at),
			revoked_at = COALESCE($6, revoked_at),
			revocation_reason = COALESCE($7, revocation_reason)
		WHERE id = $1 AND status = $2
		RETURNING `+contractColumns,
		id, string(expected), string(u.Status), u.UpdatedAt, u.ApprovedAt, u.RevokedAt, u.RevocationReason,
	))
	if err == nil {
		return c, nil
	}
	if !db.IsNoRows(err) {
		return nil, pgError(err)
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM consent_contract WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, pgError(err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, ErrConcurrentModification
}

func (r *contractRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, filter ListFilter) ([]*Contract, int, error) {
	where := []string{"patient_id = $1"}
	args := []interface{}{patientID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.RequesterID != uuid.Nil {
		args = append(args, filter.RequesterID)
		where = append(where, fmt.Sprintf("requester_id = $%d", len(args)))
	}
	if filter.DataType != "" {
		args = append(args, filter.DataType)
		where = append(where, fmt.Sprintf("$%d = ANY(data_types)", len(args)))
	}
	clause := strings.Join(where, " AND ")

	q := connFor(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM consent_contract WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, pgError(err)
	}

	args = append(args, filter.Limit, filter.Offset)
	rows, err := q.Query(ctx, fmt.Sprintf(
		`SELECT `+contractColumns+` FROM consent_contract WHERE %s ORDER BY created_at DESC, contract_id LIMIT $%d OFFSET $%d`,
		clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, pgError(err)
	}
	defer rows.Close()

	items := []*Contract{}
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, 0, pgError(err)
		}
		items = append(items, c)
	}
	return items, total, pgError(rows.Err())
}

func scanContract(row pgx.Row) (*Contract, error) {
	var (
		c                Contract
		duration, status string
	)
	err := row.Scan(
		&c.ID, &c.ContractID, &c.PatientID, &c.RequesterID, &c.DataTypes, &c.Purpose, &duration,
		&c.Conditions, &status, &c.CreatedAt, &c.ApprovedAt, &c.ExpiresAt, &c.RevokedAt, &c.RevocationReason, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Duration = Duration(duration)
	c.Status = Status(status)
	return &c, nil
}

// -- Rule Repository --

type ruleRepoPG struct {
	pool *pgxpool.Pool
}

func (r *ruleRepoPG) CreateRules(ctx context.Context, contractID uuid.UUID, rules []Rule) error {
	batch := &pgx.Batch{}
	for _, rule := range rules {
		params := rule.Parameters
		if params == nil {
			params = map[string]any{}
		}
		batch.Queue(`
			INSERT INTO consent_rule (contract_id, id, name, condition, action, parameters, priority, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			contractID, rule.ID, rule.Name, rule.Condition, string(rule.Action), params, rule.Priority, rule.IsActive,
		)
	}
	br := connFor(ctx, r.pool).SendBatch(ctx, batch)
	defer br.Close()
	for range rules {
		if _, err := br.Exec(); err != nil {
			return pgError(err)
		}
	}
	return nil
}

func (r *ruleRepoPG) ListByContract(ctx context.Context, contractID uuid.UUID) ([]Rule, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx, `
		SELECT id, name, condition, action, parameters, priority, is_active
		FROM consent_rule WHERE contract_id = $1
		ORDER BY priority DESC, id`, contractID)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	rules := []Rule{}
	for rows.Next() {
		var (
			rule   Rule
			action string
		)
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.Condition, &action, &rule.Parameters, &rule.Priority, &rule.IsActive); err != nil {
			return nil, pgError(err)
		}
		rule.Action = Action(action)
		rules = append(rules, rule)
	}
	return rules, pgError(rows.Err())
}

// -- Audit Repository --

type auditRepoPG struct {
	pool *pgxpool.Pool
}

func (r *auditRepoPG) Append(ctx context.Context, e *AuditTrailEntry) error {
	_, err := connFor(ctx, r.pool).Exec(ctx, `
		INSERT INTO consent_audit_trail (id, contract_id, action, old_values, new_values, changed_by, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.ContractID, e.Action, e.OldValues, e.NewValues, e.ChangedBy, e.Reason, e.Timestamp,
	)
	return pgError(err)
}

func (r *auditRepoPG) ListByContract(ctx context.Context, contractID uuid.UUID) ([]*AuditTrailEntry, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx, `
		SELECT id, contract_id, action, old_values, new_values, changed_by, COALESCE(reason, ''), created_at
		FROM consent_audit_trail WHERE contract_id = $1
		ORDER BY created_at, id`, contractID)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	entries := []*AuditTrailEntry{}
	for rows.Next() {
		var e AuditTrailEntry
		if err := rows.Scan(&e.ID, &e.ContractID, &e.Action, &e.OldValues, &e.NewValues, &e.ChangedBy, &e.Reason, &e.Timestamp); err != nil {
			return nil, pgError(err)
		}
		entries = append(entries, &e)
	}
	return entries, pgError(rows.Err())
}

// -- Access Log Repository --

type accessLogRepoPG struct {
	pool *pgxpool.Pool
}

func (r *accessLogRepoPG) Append(ctx context.Context, e *AccessLogEntry) error {
	_, err := connFor(ctx, r.pool).Exec(ctx, `
		INSERT INTO consent_access_log (id, contract_id, actor_id, action, data_type, resource_id, success, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.ContractID, e.ActorID, e.Action, e.DataType, e.ResourceID, e.Success, e.ErrorMessage, e.Timestamp,
	)
	return pgError(err)
}

func (r *accessLogRepoPG) ListByContract(ctx context.Context, contractID uuid.UUID, limit, offset int) ([]*AccessLogEntry, int, error) {
	q := connFor(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM consent_access_log WHERE contract_id = $1`, contractID).Scan(&total); err != nil {
		return nil, 0, pgError(err)
	}

	rows, err := q.Query(ctx, `
		SELECT id, contract_id, actor_id, action, data_type, resource_id, success, error_message, created_at
		FROM consent_access_log WHERE contract_id = $1
		ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, contractID, limit, offset)
	if err != nil {
		return nil, 0, pgError(err)
	}
	defer rows.Close()

	entries := []*AccessLogEntry{}
	for rows.Next() {
		var e AccessLogEntry
		if err := rows.Scan(&e.ID, &e.ContractID, &e.ActorID, &e.Action, &e.DataType, &e.ResourceID, &e.Success, &e.ErrorMessage, &e.Timestamp); err != nil {
			return nil, 0, pgError(err)
		}
		entries = append(entries, &e)
	}
	return entries, total, pgError(rows.Err())
}

// -- Party Directory --

type partyRepoPG struct {
	pool *pgxpool.Pool
}

func (r *partyRepoPG) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS(SELECT 1 FROM patient WHERE id = $1 AND active)`, id)
}

func (r *partyRepoPG) RequesterExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS(SELECT 1 FROM practitioner WHERE id = $1 AND active)`, id)
}

func (r *partyRepoPG) exists(ctx context.Context, sql string, id uuid.UUID) (bool, error) {
	var ok bool
	if err := connFor(ctx, r.pool).QueryRow(ctx, sql, id).Scan(&ok); err != nil {
		return false, pgError(err)
	}
	return ok, nil
}
