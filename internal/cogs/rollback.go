package cogs

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// RollbackRun losslessly reverses a completed run.
func (c *Coordinator) RollbackRun(ctx context.Context, tenantID, runID string) (Run, error) {
	tenant, err := NewTenantStore(tenantID, c.store)
	if err != nil {
		return Run{}, err
	}

	lock, err := tenant.AcquireTenantLock(ctx)
	if err != nil {
		return Run{}, err
	}
	defer tenant.ReleaseTenantLock(ctx, lock)

	run, err := tenant.GetRun(ctx, runID)
	if err != nil {
		return Run{}, err
	}

	// Idempotent: rolling back an already-rolled-back run is a no-op success.
	if run.Status == RunRolledBack {
		return run, nil
	}
	if run.Status != RunCompleted {
		return Run{}, fmt.Errorf("%w: run %s has status %s, must be completed", ErrIllegalState, runID, run.Status)
	}

	movements, err := tenant.ReadMovements(ctx, runID)
	if err != nil {
		return Run{}, &InternalError{Op: "read_movements", Err: err}
	}

	// Prefer restoring directly from the pre-run snapshot,
	// which is authoritative and converges to the same end-state regardless
	// of how many times a crashed rollback is retried.
	snapshot, err := tenant.ReadSnapshot(ctx, runID)
	if err != nil {
		return Run{}, &InternalError{Op: "read_snapshot", Err: err}
	}
	restoreTo := make(map[string]int64, len(snapshot))
	for _, l := range snapshot {
		restoreTo[l.LotID] = l.RemainingQuantity
	}

	current, err := tenant.LoadCurrentInventory(ctx, nil)
	if err != nil {
		return Run{}, &InternalError{Op: "load_current_inventory", Err: err}
	}
	currentRemaining := make(map[string]int64, len(current))
	for _, l := range current {
		currentRemaining[l.LotID] = l.RemainingQuantity
	}

	rollbackMovements := buildRollbackMovements(tenantID, runID, movements, currentRemaining, restoreTo)

	if len(rollbackMovements) > 0 {
		if err := tenant.AppendMovements(ctx, runID, rollbackMovements); err != nil {
			return Run{}, &InternalError{Op: "append_movements(rollback)", Err: err}
		}
	}
	if err := tenant.UpdateLotRemaining(ctx, restoreTo); err != nil {
		return Run{}, &InternalError{Op: "update_lot_remaining(rollback)", Err: err}
	}

	if err := tenant.InvalidateDerived(ctx, runID); err != nil {
		return Run{}, &InternalError{Op: "invalidate_derived", Err: err}
	}

	rolledBackAt := runStartTime()
	run, err = tenant.TransitionRun(ctx, runID, RunCompleted, RunRolledBack, RunTransitionFields{
		RolledBackAt: &rolledBackAt,
	})
	if err != nil {
		return Run{}, &InternalError{Op: "transition completed->rolled_back", Err: err}
	}
	return run, nil
}

// buildRollbackMovements derives one kind=rollback movement per lot whose
// remaining quantity differs between its current value and the value it
// must be restored to, applied in reverse order of original emission so
// RemainingAfter never goes negative at any intermediate step.
// This is the equivalent, snapshot-driven restatement of replaying the
// original journal backwards: it produces the same per-lot end state
// without needing to walk the journal entry by entry.
func buildRollbackMovements(tenantID, runID string, original []InventoryMovement, current, restoreTo map[string]int64) []InventoryMovement {
	// lotSKU recovers each lot's SKU from the original journal, since the
	// snapshot-restore path doesn't otherwise need to touch SKU at all.
	lotSKU := make(map[string]string, len(original))
	lotOrder := make([]string, 0, len(restoreTo))
	seen := make(map[string]bool)
	for i := len(original) - 1; i >= 0; i-- {
		m := original[i]
		if _, ok := lotSKU[m.LotID]; !ok {
			lotSKU[m.LotID] = m.SKU
		}
		if !seen[m.LotID] {
			seen[m.LotID] = true
			lotOrder = append(lotOrder, m.LotID)
		}
	}

	var out []InventoryMovement
	for _, lotID := range lotOrder {
		target, ok := restoreTo[lotID]
		if !ok {
			continue
		}
		delta := target - current[lotID]
		if delta == 0 {
			continue
		}
		out = append(out, InventoryMovement{
			MovementID:     deterministicID(tenantID, runID, "rollback", lotID),
			TenantID:       tenantID,
			RunID:          runID,
			LotID:          lotID,
			SKU:            lotSKU[lotID],
			Kind:           MovementRollback,
			Quantity:       delta,
			RemainingAfter: target,
			UnitCost:       decimal.Zero,
			ReferenceID:    runID,
			Timestamp:      runStartTime(),
		})
	}
	return out
}
