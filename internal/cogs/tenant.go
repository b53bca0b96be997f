package cogs

import "context"

// TenantStore is the Tenant Isolation Layer: a thin wrapper bound to
// one tenant_id at construction. Every call it forwards to the underlying
// Store carries that tenant_id, and any entity argument whose own TenantID
// field disagrees is rejected before any I/O reaches the store — a
// structured TenantMismatchError, never a partially-applied write.
//
// This mirrors the teacher's pattern of resolving company_id once per call
// and threading it through every subsequent query (see
// inventoryService.GetWarehouses), generalized into a single wrapper type so
// every Store method gets the check for free instead of repeating the
// resolve-and-compare at each call site.
type TenantStore struct {
	tenantID string
	store    Store
}

// NewTenantStore binds store to tenantID. tenantID must be non-empty;
// callers resolve and validate it (e.g. against an auth token or API path
// parameter) before constructing a TenantStore — that resolution is outside
// the core's scope.
func NewTenantStore(tenantID string, store Store) (*TenantStore, error) {
	if tenantID == "" {
		return nil, &ValidationFailedError{Offenders: []string{"tenant_id is required"}}
	}
	return &TenantStore{tenantID: tenantID, store: store}, nil
}

// TenantID returns the bound tenant.
func (t *TenantStore) TenantID() string { return t.tenantID }

func (t *TenantStore) checkLot(l PurchaseLot) error {
	if l.TenantID != "" && l.TenantID != t.tenantID {
		return &TenantMismatchError{Expected: t.tenantID, Got: l.TenantID, Entity: "lot " + l.LotID}
	}
	return nil
}

func (t *TenantStore) checkMovement(m InventoryMovement) error {
	if m.TenantID != "" && m.TenantID != t.tenantID {
		return &TenantMismatchError{Expected: t.tenantID, Got: m.TenantID, Entity: "movement " + m.MovementID}
	}
	return nil
}

func (t *TenantStore) checkAttribution(a COGSAttribution) error {
	if a.TenantID != "" && a.TenantID != t.tenantID {
		return &TenantMismatchError{Expected: t.tenantID, Got: a.TenantID, Entity: "attribution " + a.AttributionID}
	}
	return nil
}

func (t *TenantStore) AcquireTenantLock(ctx context.Context) (LockToken, error) {
	return t.store.AcquireTenantLock(ctx, t.tenantID)
}

func (t *TenantStore) ReleaseTenantLock(ctx context.Context, token LockToken) error {
	if token.TenantID != "" && token.TenantID != t.tenantID {
		return &TenantMismatchError{Expected: t.tenantID, Got: token.TenantID, Entity: "lock token"}
	}
	return t.store.ReleaseTenantLock(ctx, token)
}

func (t *TenantStore) LoadCurrentInventory(ctx context.Context, skus []string) ([]PurchaseLot, error) {
	return t.store.LoadCurrentInventory(ctx, t.tenantID, skus)
}

func (t *TenantStore) WriteSnapshot(ctx context.Context, runID string, lots []PurchaseLot) error {
	for _, l := range lots {
		if err := t.checkLot(l); err != nil {
			return err
		}
	}
	return t.store.WriteSnapshot(ctx, t.tenantID, runID, lots)
}

func (t *TenantStore) ReadSnapshot(ctx context.Context, runID string) ([]PurchaseLot, error) {
	return t.store.ReadSnapshot(ctx, t.tenantID, runID)
}

func (t *TenantStore) AppendMovements(ctx context.Context, runID string, movements []InventoryMovement) error {
	for _, m := range movements {
		if err := t.checkMovement(m); err != nil {
			return err
		}
	}
	return t.store.AppendMovements(ctx, t.tenantID, runID, movements)
}

func (t *TenantStore) ReadMovements(ctx context.Context, runID string) ([]InventoryMovement, error) {
	return t.store.ReadMovements(ctx, t.tenantID, runID)
}

func (t *TenantStore) WriteAttributions(ctx context.Context, runID string, attributions []COGSAttribution) error {
	for _, a := range attributions {
		if err := t.checkAttribution(a); err != nil {
			return err
		}
	}
	return t.store.WriteAttributions(ctx, t.tenantID, runID, attributions)
}

func (t *TenantStore) ReadAttributions(ctx context.Context, runID string, page Pagination) ([]COGSAttribution, error) {
	return t.store.ReadAttributions(ctx, t.tenantID, runID, page)
}

func (t *TenantStore) WriteSummaries(ctx context.Context, runID string, summaries []COGSSummary) error {
	for _, s := range summaries {
		if s.TenantID != "" && s.TenantID != t.tenantID {
			return &TenantMismatchError{Expected: t.tenantID, Got: s.TenantID, Entity: "summary " + s.SKU + "/" + s.Period}
		}
	}
	return t.store.WriteSummaries(ctx, t.tenantID, runID, summaries)
}

func (t *TenantStore) ReadSummaries(ctx context.Context, runID string) ([]COGSSummary, error) {
	return t.store.ReadSummaries(ctx, t.tenantID, runID)
}

func (t *TenantStore) WriteValidationErrors(ctx context.Context, runID string, errs []ValidationError) error {
	for _, e := range errs {
		if e.TenantID != "" && e.TenantID != t.tenantID {
			return &TenantMismatchError{Expected: t.tenantID, Got: e.TenantID, Entity: "validation_error"}
		}
	}
	return t.store.WriteValidationErrors(ctx, t.tenantID, runID, errs)
}

func (t *TenantStore) ListValidationErrors(ctx context.Context, runID string) ([]ValidationError, error) {
	return t.store.ListValidationErrors(ctx, t.tenantID, runID)
}

func (t *TenantStore) UpdateLotRemaining(ctx context.Context, updates map[string]int64) error {
	return t.store.UpdateLotRemaining(ctx, t.tenantID, updates)
}

func (t *TenantStore) CreateRun(ctx context.Context, run Run) error {
	if run.TenantID != "" && run.TenantID != t.tenantID {
		return &TenantMismatchError{Expected: t.tenantID, Got: run.TenantID, Entity: "run " + run.RunID}
	}
	run.TenantID = t.tenantID
	return t.store.CreateRun(ctx, run)
}

func (t *TenantStore) TransitionRun(ctx context.Context, runID string, from, to RunStatus, fields RunTransitionFields) (Run, error) {
	return t.store.TransitionRun(ctx, t.tenantID, runID, from, to, fields)
}

func (t *TenantStore) GetRun(ctx context.Context, runID string) (Run, error) {
	run, err := t.store.GetRun(ctx, t.tenantID, runID)
	if err != nil {
		return Run{}, err
	}
	if run.TenantID != t.tenantID {
		// Fail closed: never let a cross-tenant row escape, even if the
		// underlying store has a bug. No information about the other
		// tenant's run is disclosed beyond "not found".
		return Run{}, ErrNotFound
	}
	return run, nil
}

func (t *TenantStore) ListRuns(ctx context.Context, filter RunFilter, page Pagination) ([]Run, error) {
	return t.store.ListRuns(ctx, t.tenantID, filter, page)
}

func (t *TenantStore) InvalidateDerived(ctx context.Context, runID string) error {
	return t.store.InvalidateDerived(ctx, t.tenantID, runID)
}

// CommitRun checks every movement, attribution, summary, and validation
// error against the bound tenant before delegating to the store's atomic
// commit, so a cross-tenant entity is rejected before any row is written
// rather than partway through the transaction.
func (t *TenantStore) CommitRun(ctx context.Context, runID string, movements []InventoryMovement, attributions []COGSAttribution, summaries []COGSSummary, validationErrors []ValidationError, lotUpdates map[string]int64, fields RunTransitionFields) (Run, error) {
	for _, m := range movements {
		if err := t.checkMovement(m); err != nil {
			return Run{}, err
		}
	}
	for _, a := range attributions {
		if err := t.checkAttribution(a); err != nil {
			return Run{}, err
		}
	}
	for _, sm := range summaries {
		if sm.TenantID != "" && sm.TenantID != t.tenantID {
			return Run{}, &TenantMismatchError{Expected: t.tenantID, Got: sm.TenantID, Entity: "summary " + sm.SKU + "/" + sm.Period}
		}
	}
	for _, e := range validationErrors {
		if e.TenantID != "" && e.TenantID != t.tenantID {
			return Run{}, &TenantMismatchError{Expected: t.tenantID, Got: e.TenantID, Entity: "validation_error"}
		}
	}
	return t.store.CommitRun(ctx, t.tenantID, runID, movements, attributions, summaries, validationErrors, lotUpdates, fields)
}
