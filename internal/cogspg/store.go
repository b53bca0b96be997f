package cogspg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fifoengine/internal/cogs"
)

// Store is the Postgres-backed cogs.Store, built the way the
// teacher's Ledger is built on *pgxpool.Pool: pool-scoped reads, explicit
// transactions for multi-statement writes that must commit atomically.
type Store struct {
	pool *pgxpool.Pool

	mu    sync.Mutex
	locks map[string]*pgxpool.Conn // tenantID -> checked-out advisory-lock connection
}

// NewStore wraps pool. Callers are expected to have already applied Schema
// (see migrations/apply.go).
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, locks: make(map[string]*pgxpool.Conn)}
}

// pgxQuerier is the subset of *pgxpool.Pool and pgx.Tx this file needs, so
// the same row-writing helpers run either standalone against the pool or
// inside a caller-managed transaction.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AcquireTenantLock takes a session-level pg_try_advisory_lock keyed by the
// tenant id's FNV-1a hash. The lock is held on a single checked-out
// connection for the lifetime of the LockToken, since advisory locks are
// connection-scoped in Postgres.
func (s *Store) AcquireTenantLock(ctx context.Context, tenantID string) (cogs.LockToken, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return cogs.LockToken{}, fmt.Errorf("cogspg: acquire connection for tenant lock: %w", err)
	}

	var got bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", advisoryLockKey(tenantID)).Scan(&got); err != nil {
		conn.Release()
		return cogs.LockToken{}, fmt.Errorf("cogspg: pg_try_advisory_lock: %w", err)
	}
	if !got {
		conn.Release()
		return cogs.LockToken{}, cogs.ErrConcurrentRun
	}

	token := uuid.NewString()
	s.mu.Lock()
	if _, held := s.locks[tenantID]; held {
		// Should be unreachable: pg_try_advisory_lock already serialized this,
		// but guard against a stray local double-acquire rather than leak conn.
		s.mu.Unlock()
		conn.Release()
		return cogs.LockToken{}, cogs.ErrConcurrentRun
	}
	s.locks[tenantID] = conn
	s.mu.Unlock()

	return cogs.LockToken{TenantID: tenantID, Token: token}, nil
}

func (s *Store) ReleaseTenantLock(ctx context.Context, token cogs.LockToken) error {
	s.mu.Lock()
	conn, ok := s.locks[token.TenantID]
	if ok {
		delete(s.locks, token.TenantID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockKey(token.TenantID)); err != nil {
		return fmt.Errorf("cogspg: pg_advisory_unlock: %w", err)
	}
	return nil
}

func (s *Store) LoadCurrentInventory(ctx context.Context, tenantID string, skus []string) ([]cogs.PurchaseLot, error) {
	var rows pgx.Rows
	var err error
	if len(skus) == 0 {
		rows, err = s.pool.Query(ctx, `
			SELECT lot_id, sku, received_date, original_quantity, remaining_quantity, unit_price, freight_cost_per_unit
			FROM lots WHERE tenant_id = $1`, tenantID)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT lot_id, sku, received_date, original_quantity, remaining_quantity, unit_price, freight_cost_per_unit
			FROM lots WHERE tenant_id = $1 AND sku = ANY($2)`, tenantID, skus)
	}
	if err != nil {
		return nil, fmt.Errorf("cogspg: load_current_inventory: %w", err)
	}
	defer rows.Close()

	var out []cogs.PurchaseLot
	for rows.Next() {
		l := cogs.PurchaseLot{TenantID: tenantID}
		if err := rows.Scan(&l.LotID, &l.SKU, &l.ReceivedDate, &l.OriginalQuantity, &l.RemainingQuantity, &l.UnitPrice, &l.FreightCostPerUnit); err != nil {
			return nil, fmt.Errorf("cogspg: scan lot: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) WriteSnapshot(ctx context.Context, tenantID, runID string, lots []cogs.PurchaseLot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cogspg: write_snapshot begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, l := range lots {
		// The new row becomes the lot's only current snapshot.
		if _, err := tx.Exec(ctx, `
			UPDATE inventory_snapshots SET is_current = false
			WHERE tenant_id = $1 AND lot_id = $2 AND run_id <> $3`,
			tenantID, l.LotID, runID); err != nil {
			return fmt.Errorf("cogspg: clear current snapshot for lot %s: %w", l.LotID, err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO inventory_snapshots
				(tenant_id, run_id, lot_id, sku, remaining_quantity, original_quantity, unit_price, freight_cost_per_unit, received_date, is_current)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true)
			ON CONFLICT (tenant_id, run_id, lot_id) DO NOTHING`,
			tenantID, runID, l.LotID, l.SKU, l.RemainingQuantity, l.OriginalQuantity, l.UnitPrice, l.FreightCostPerUnit, l.ReceivedDate)
		if err != nil {
			return fmt.Errorf("cogspg: insert snapshot row for lot %s: %w", l.LotID, err)
		}
		// Lots absent from the tenant's live table until now (new upserts) are
		// also the source of truth for subsequent loads.
		_, err = tx.Exec(ctx, `
			INSERT INTO lots (tenant_id, lot_id, sku, received_date, original_quantity, remaining_quantity, unit_price, freight_cost_per_unit)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (tenant_id, lot_id) DO UPDATE SET
				original_quantity = EXCLUDED.original_quantity,
				remaining_quantity = EXCLUDED.remaining_quantity,
				unit_price = EXCLUDED.unit_price,
				freight_cost_per_unit = EXCLUDED.freight_cost_per_unit`,
			tenantID, l.LotID, l.SKU, l.ReceivedDate, l.OriginalQuantity, l.RemainingQuantity, l.UnitPrice, l.FreightCostPerUnit)
		if err != nil {
			return fmt.Errorf("cogspg: upsert lot %s: %w", l.LotID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ReadSnapshot(ctx context.Context, tenantID, runID string) ([]cogs.PurchaseLot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT lot_id, sku, received_date, original_quantity, remaining_quantity, unit_price, freight_cost_per_unit
		FROM inventory_snapshots WHERE tenant_id = $1 AND run_id = $2`, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("cogspg: read_snapshot: %w", err)
	}
	defer rows.Close()

	var out []cogs.PurchaseLot
	for rows.Next() {
		l := cogs.PurchaseLot{TenantID: tenantID}
		if err := rows.Scan(&l.LotID, &l.SKU, &l.ReceivedDate, &l.OriginalQuantity, &l.RemainingQuantity, &l.UnitPrice, &l.FreightCostPerUnit); err != nil {
			return nil, fmt.Errorf("cogspg: scan snapshot row: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// insertMovements writes movements through q, which may be the pool (a
// standalone statement group) or an open transaction (part of a larger
// atomic commit).
func insertMovements(ctx context.Context, q pgxQuerier, tenantID, runID string, movements []cogs.InventoryMovement) error {
	for _, m := range movements {
		_, err := q.Exec(ctx, `
			INSERT INTO inventory_movements
				(movement_id, tenant_id, run_id, lot_id, sku, kind, quantity, remaining_after, unit_cost, reference_id, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (movement_id) DO NOTHING`,
			m.MovementID, tenantID, runID, m.LotID, m.SKU, string(m.Kind), m.Quantity, m.RemainingAfter, m.UnitCost, m.ReferenceID, m.Timestamp)
		if err != nil {
			return fmt.Errorf("cogspg: insert movement %s: %w", m.MovementID, err)
		}
	}
	return nil
}

func (s *Store) AppendMovements(ctx context.Context, tenantID, runID string, movements []cogs.InventoryMovement) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cogspg: append_movements begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertMovements(ctx, tx, tenantID, runID, movements); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ReadMovements(ctx context.Context, tenantID, runID string) ([]cogs.InventoryMovement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT movement_id, lot_id, sku, kind, quantity, remaining_after, unit_cost, reference_id, ts
		FROM inventory_movements WHERE tenant_id = $1 AND run_id = $2 ORDER BY ts, movement_id`, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("cogspg: read_movements: %w", err)
	}
	defer rows.Close()

	var out []cogs.InventoryMovement
	for rows.Next() {
		m := cogs.InventoryMovement{TenantID: tenantID, RunID: runID}
		var kind string
		if err := rows.Scan(&m.MovementID, &m.LotID, &m.SKU, &kind, &m.Quantity, &m.RemainingAfter, &m.UnitCost, &m.ReferenceID, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("cogspg: scan movement: %w", err)
		}
		m.Kind = cogs.MovementKind(kind)
		out = append(out, m)
	}
	return out, rows.Err()
}

func insertAttributions(ctx context.Context, q pgxQuerier, tenantID, runID string, attributions []cogs.COGSAttribution) error {
	for _, a := range attributions {
		_, err := q.Exec(ctx, `
			INSERT INTO cogs_attribution
				(tenant_id, run_id, attribution_id, sale_id, sku, sale_date, quantity_sold, total_cogs, average_unit_cost, is_valid)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (tenant_id, run_id, attribution_id) DO NOTHING`,
			tenantID, runID, a.AttributionID, a.SaleID, a.SKU, a.SaleDate, a.QuantitySold, a.TotalCOGS, a.AverageUnitCost, a.IsValid)
		if err != nil {
			return fmt.Errorf("cogspg: insert attribution %s: %w", a.AttributionID, err)
		}
		for _, d := range a.Details {
			_, err := q.Exec(ctx, `
				INSERT INTO cogs_attribution_details
					(tenant_id, attribution_id, lot_id, quantity_allocated, unit_cost, total_cost)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (tenant_id, attribution_id, lot_id) DO NOTHING`,
				tenantID, a.AttributionID, d.LotID, d.QuantityAllocated, d.UnitCost, d.TotalCost)
			if err != nil {
				return fmt.Errorf("cogspg: insert attribution detail (%s, %s): %w", a.AttributionID, d.LotID, err)
			}
		}
	}
	return nil
}

func (s *Store) WriteAttributions(ctx context.Context, tenantID, runID string, attributions []cogs.COGSAttribution) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cogspg: write_attributions begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertAttributions(ctx, tx, tenantID, runID, attributions); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ReadAttributions(ctx context.Context, tenantID, runID string, page cogs.Pagination) ([]cogs.COGSAttribution, error) {
	query := `
		SELECT attribution_id, sale_id, sku, sale_date, quantity_sold, total_cogs, average_unit_cost, is_valid
		FROM cogs_attribution WHERE tenant_id = $1 AND run_id = $2 ORDER BY attribution_id`
	args := []any{tenantID, runID}
	if page.Limit > 0 {
		query += " LIMIT $3 OFFSET $4"
		args = append(args, page.Limit, page.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cogspg: read_attributions: %w", err)
	}
	defer rows.Close()

	var out []cogs.COGSAttribution
	for rows.Next() {
		a := cogs.COGSAttribution{TenantID: tenantID, RunID: runID}
		if err := rows.Scan(&a.AttributionID, &a.SaleID, &a.SKU, &a.SaleDate, &a.QuantitySold, &a.TotalCOGS, &a.AverageUnitCost, &a.IsValid); err != nil {
			return nil, fmt.Errorf("cogspg: scan attribution: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		details, err := s.readAttributionDetails(ctx, tenantID, out[i].AttributionID)
		if err != nil {
			return nil, err
		}
		out[i].Details = details
	}
	return out, nil
}

func (s *Store) readAttributionDetails(ctx context.Context, tenantID, attributionID string) ([]cogs.COGSAttributionDetail, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT lot_id, quantity_allocated, unit_cost, total_cost
		FROM cogs_attribution_details WHERE tenant_id = $1 AND attribution_id = $2 ORDER BY lot_id`, tenantID, attributionID)
	if err != nil {
		return nil, fmt.Errorf("cogspg: read attribution details: %w", err)
	}
	defer rows.Close()

	var out []cogs.COGSAttributionDetail
	for rows.Next() {
		d := cogs.COGSAttributionDetail{AttributionID: attributionID}
		if err := rows.Scan(&d.LotID, &d.QuantityAllocated, &d.UnitCost, &d.TotalCost); err != nil {
			return nil, fmt.Errorf("cogspg: scan attribution detail: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func insertSummaries(ctx context.Context, q pgxQuerier, tenantID, runID string, summaries []cogs.COGSSummary) error {
	for _, sm := range summaries {
		_, err := q.Exec(ctx, `
			INSERT INTO cogs_summary
				(tenant_id, run_id, sku, period, total_quantity_sold, total_cogs, average_unit_cost, is_valid)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (tenant_id, run_id, sku, period) DO UPDATE SET
				total_quantity_sold = EXCLUDED.total_quantity_sold,
				total_cogs = EXCLUDED.total_cogs,
				average_unit_cost = EXCLUDED.average_unit_cost,
				is_valid = EXCLUDED.is_valid`,
			tenantID, runID, sm.SKU, sm.Period, sm.TotalQuantitySold, sm.TotalCOGS, sm.AverageUnitCost, sm.IsValid)
		if err != nil {
			return fmt.Errorf("cogspg: upsert summary (%s, %s): %w", sm.SKU, sm.Period, err)
		}
	}
	return nil
}

func (s *Store) WriteSummaries(ctx context.Context, tenantID, runID string, summaries []cogs.COGSSummary) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cogspg: write_summaries begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertSummaries(ctx, tx, tenantID, runID, summaries); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ReadSummaries(ctx context.Context, tenantID, runID string) ([]cogs.COGSSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sku, period, total_quantity_sold, total_cogs, average_unit_cost, is_valid
		FROM cogs_summary WHERE tenant_id = $1 AND run_id = $2 ORDER BY sku, period`, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("cogspg: read_summaries: %w", err)
	}
	defer rows.Close()

	var out []cogs.COGSSummary
	for rows.Next() {
		sm := cogs.COGSSummary{TenantID: tenantID, RunID: runID}
		if err := rows.Scan(&sm.SKU, &sm.Period, &sm.TotalQuantitySold, &sm.TotalCOGS, &sm.AverageUnitCost, &sm.IsValid); err != nil {
			return nil, fmt.Errorf("cogspg: scan summary: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func insertValidationErrors(ctx context.Context, q pgxQuerier, tenantID, runID string, errs []cogs.ValidationError) error {
	for _, e := range errs {
		_, err := q.Exec(ctx, `
			INSERT INTO validation_errors (tenant_id, run_id, kind, sku, sale_id, quantity, message)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			tenantID, runID, string(e.Kind), e.SKU, e.SaleID, e.Quantity, e.Message)
		if err != nil {
			return fmt.Errorf("cogspg: insert validation error: %w", err)
		}
	}
	return nil
}

func (s *Store) WriteValidationErrors(ctx context.Context, tenantID, runID string, errs []cogs.ValidationError) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cogspg: write_validation_errors begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertValidationErrors(ctx, tx, tenantID, runID, errs); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListValidationErrors(ctx context.Context, tenantID, runID string) ([]cogs.ValidationError, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kind, sku, sale_id, quantity, message
		FROM validation_errors WHERE tenant_id = $1 AND run_id = $2 ORDER BY id`, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("cogspg: list_validation_errors: %w", err)
	}
	defer rows.Close()

	var out []cogs.ValidationError
	for rows.Next() {
		e := cogs.ValidationError{TenantID: tenantID, RunID: runID}
		var kind string
		if err := rows.Scan(&kind, &e.SKU, &e.SaleID, &e.Quantity, &e.Message); err != nil {
			return nil, fmt.Errorf("cogspg: scan validation error: %w", err)
		}
		e.Kind = cogs.ValidationErrorKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func updateLotRemaining(ctx context.Context, q pgxQuerier, tenantID string, updates map[string]int64) error {
	for lotID, qty := range updates {
		if _, err := q.Exec(ctx, `UPDATE lots SET remaining_quantity = $1 WHERE tenant_id = $2 AND lot_id = $3`, qty, tenantID, lotID); err != nil {
			return fmt.Errorf("cogspg: update lot %s: %w", lotID, err)
		}
	}
	return nil
}

func (s *Store) UpdateLotRemaining(ctx context.Context, tenantID string, updates map[string]int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cogspg: update_lot_remaining begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateLotRemaining(ctx, tx, tenantID, updates); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) CreateRun(ctx context.Context, run cogs.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (tenant_id, run_id, status, mode, started_at, input_file_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.TenantID, run.RunID, string(run.Status), run.Mode, run.StartedAt, run.InputFileID)
	if err != nil {
		return fmt.Errorf("cogspg: create_run: %w", err)
	}
	return nil
}

// transitionRun performs the status CAS through q, and reads the row back
// through the same q so a caller running this inside a transaction sees its
// own uncommitted write rather than racing the pool for a separate
// connection.
func transitionRun(ctx context.Context, q pgxQuerier, tenantID, runID string, from, to cogs.RunStatus, fields cogs.RunTransitionFields) (cogs.Run, error) {
	tag, err := q.Exec(ctx, `
		UPDATE runs SET
			status = $1,
			completed_at = COALESCE($2, completed_at),
			rolled_back_at = COALESCE($3, rolled_back_at),
			error_message = COALESCE($4, error_message),
			movements_count = COALESCE($5, movements_count),
			validation_errors_count = COALESCE($6, validation_errors_count),
			total_cogs_posted = COALESCE($7, total_cogs_posted)
		WHERE tenant_id = $8 AND run_id = $9 AND status = $10`,
		string(to), fields.CompletedAt, fields.RolledBackAt, fields.ErrorMessage,
		fields.MovementsCount, fields.ValidationErrorsCount, fields.TotalCOGSPosted,
		tenantID, runID, string(from))
	if err != nil {
		return cogs.Run{}, fmt.Errorf("cogspg: transition_run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := getRun(ctx, q, tenantID, runID); err != nil {
			return cogs.Run{}, err
		}
		return cogs.Run{}, cogs.ErrIllegalState
	}
	return getRun(ctx, q, tenantID, runID)
}

func (s *Store) TransitionRun(ctx context.Context, tenantID, runID string, from, to cogs.RunStatus, fields cogs.RunTransitionFields) (cogs.Run, error) {
	return transitionRun(ctx, s.pool, tenantID, runID, from, to, fields)
}

func getRun(ctx context.Context, q pgxQuerier, tenantID, runID string) (cogs.Run, error) {
	var run cogs.Run
	var status, mode string
	err := q.QueryRow(ctx, `
		SELECT run_id, tenant_id, status, mode, started_at, completed_at, rolled_back_at,
			input_file_id, error_message, rollback_of_run_id, movements_count, validation_errors_count, total_cogs_posted
		FROM runs WHERE tenant_id = $1 AND run_id = $2`, tenantID, runID).Scan(
		&run.RunID, &run.TenantID, &status, &mode, &run.StartedAt, &run.CompletedAt, &run.RolledBackAt,
		&run.InputFileID, &run.ErrorMessage, &run.RollbackOfRunID, &run.MovementsCount, &run.ValidationErrorsCount, &run.TotalCOGSPosted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cogs.Run{}, cogs.ErrNotFound
		}
		return cogs.Run{}, fmt.Errorf("cogspg: get_run: %w", err)
	}
	run.Status = cogs.RunStatus(status)
	run.Mode = mode
	return run, nil
}

func (s *Store) GetRun(ctx context.Context, tenantID, runID string) (cogs.Run, error) {
	return getRun(ctx, s.pool, tenantID, runID)
}

func (s *Store) ListRuns(ctx context.Context, tenantID string, filter cogs.RunFilter, page cogs.Pagination) ([]cogs.Run, error) {
	query := `
		SELECT run_id, tenant_id, status, mode, started_at, completed_at, rolled_back_at,
			input_file_id, error_message, rollback_of_run_id, movements_count, validation_errors_count, total_cogs_posted
		FROM runs WHERE tenant_id = $1`
	args := []any{tenantID}

	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Since != nil {
		since, err := time.Parse("2006-01-02", *filter.Since)
		if err != nil {
			return nil, fmt.Errorf("cogspg: invalid since filter %q: %w", *filter.Since, err)
		}
		args = append(args, since)
		query += fmt.Sprintf(" AND started_at >= $%d", len(args))
	}
	query += " ORDER BY started_at DESC"
	if page.Limit > 0 {
		args = append(args, page.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		args = append(args, page.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cogspg: list_runs: %w", err)
	}
	defer rows.Close()

	var out []cogs.Run
	for rows.Next() {
		var run cogs.Run
		var status, mode string
		if err := rows.Scan(&run.RunID, &run.TenantID, &status, &mode, &run.StartedAt, &run.CompletedAt, &run.RolledBackAt,
			&run.InputFileID, &run.ErrorMessage, &run.RollbackOfRunID, &run.MovementsCount, &run.ValidationErrorsCount, &run.TotalCOGSPosted); err != nil {
			return nil, fmt.Errorf("cogspg: scan run: %w", err)
		}
		run.Status = cogs.RunStatus(status)
		run.Mode = mode
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) InvalidateDerived(ctx context.Context, tenantID, runID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cogspg: invalidate_derived begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE cogs_attribution SET is_valid = false WHERE tenant_id = $1 AND run_id = $2`, tenantID, runID); err != nil {
		return fmt.Errorf("cogspg: invalidate attributions: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE cogs_summary SET is_valid = false WHERE tenant_id = $1 AND run_id = $2`, tenantID, runID); err != nil {
		return fmt.Errorf("cogspg: invalidate summaries: %w", err)
	}
	return tx.Commit(ctx)
}

// CommitRun persists every effect of one run's allocation pass and
// transitions the run from running to completed as a single pgx.Tx: the
// movements, attributions (with their details), summaries, and validation
// errors are inserted, the lot remaining quantities are updated, and the
// status CAS to completed is the transaction's final statement. A crash or
// error at any point before tx.Commit leaves nothing durably applied — the
// run stays "running" for ReapStaleRuns to later mark "failed" — so the
// inventory table is never observed in a state that doesn't match either
// the run's pre-run snapshot or its fully-applied result.
func (s *Store) CommitRun(ctx context.Context, tenantID, runID string, movements []cogs.InventoryMovement, attributions []cogs.COGSAttribution, summaries []cogs.COGSSummary, validationErrors []cogs.ValidationError, lotUpdates map[string]int64, fields cogs.RunTransitionFields) (cogs.Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return cogs.Run{}, fmt.Errorf("cogspg: commit_run begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertMovements(ctx, tx, tenantID, runID, movements); err != nil {
		return cogs.Run{}, err
	}
	if err := insertAttributions(ctx, tx, tenantID, runID, attributions); err != nil {
		return cogs.Run{}, err
	}
	if err := insertSummaries(ctx, tx, tenantID, runID, summaries); err != nil {
		return cogs.Run{}, err
	}
	if len(validationErrors) > 0 {
		if err := insertValidationErrors(ctx, tx, tenantID, runID, validationErrors); err != nil {
			return cogs.Run{}, err
		}
	}
	if err := updateLotRemaining(ctx, tx, tenantID, lotUpdates); err != nil {
		return cogs.Run{}, err
	}

	run, err := transitionRun(ctx, tx, tenantID, runID, cogs.RunRunning, cogs.RunCompleted, fields)
	if err != nil {
		return cogs.Run{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return cogs.Run{}, fmt.Errorf("cogspg: commit_run commit: %w", err)
	}
	return run, nil
}

// ReapStaleRuns transitions any run still "running" after olderThan to
// "failed", for processes that crashed between lock acquisition and
// CommitRun's transaction opening (or closing before the network ack
// reached the caller). Since CommitRun only ever durably applies its writes
// together, a run this finds in "running" has none of its commit-block
// writes applied yet — there is no lot_remaining_quantity to revert.
func (s *Store) ReapStaleRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $1, error_message = $2
		WHERE status = $3 AND started_at < $4`,
		string(cogs.RunFailed), "reaped: exceeded stale-run threshold", string(cogs.RunRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cogspg: reap_stale_runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ cogs.Store = (*Store)(nil)
