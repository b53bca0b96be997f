package cogs

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// fakeStore is an in-memory Store used by the package's own tests. It
// mirrors the shape of the teacher's integration-test seeding (plain Go
// maps/slices standing in for tables) without touching a real database.
type fakeStore struct {
	mu sync.Mutex

	locked map[string]string // tenantID -> token

	lots map[string]map[string]PurchaseLot // tenantID -> lotID -> lot

	snapshots map[string][]PurchaseLot // tenantID+"/"+runID -> lots

	movements map[string][]InventoryMovement // tenantID -> all movements

	attributions map[string][]COGSAttribution
	summaries    map[string][]COGSSummary
	validations  map[string][]ValidationError

	runs map[string]map[string]Run // tenantID -> runID -> run
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		locked:       make(map[string]string),
		lots:         make(map[string]map[string]PurchaseLot),
		snapshots:    make(map[string][]PurchaseLot),
		movements:    make(map[string][]InventoryMovement),
		attributions: make(map[string][]COGSAttribution),
		summaries:    make(map[string][]COGSSummary),
		validations:  make(map[string][]ValidationError),
		runs:         make(map[string]map[string]Run),
	}
}

// seedLots installs the tenant's starting inventory directly, bypassing
// WriteSnapshot/UpdateLotRemaining, for test setup convenience.
func (f *fakeStore) seedLots(tenantID string, lots []PurchaseLot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := make(map[string]PurchaseLot, len(lots))
	for _, l := range lots {
		m[l.LotID] = l
	}
	f.lots[tenantID] = m
}

func (f *fakeStore) AcquireTenantLock(_ context.Context, tenantID string) (LockToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.locked[tenantID]; held {
		return LockToken{}, ErrConcurrentRun
	}
	token := uuid.NewString()
	f.locked[tenantID] = token
	return LockToken{TenantID: tenantID, Token: token}, nil
}

func (f *fakeStore) ReleaseTenantLock(_ context.Context, token LockToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locked, token.TenantID)
	return nil
}

func (f *fakeStore) LoadCurrentInventory(_ context.Context, tenantID string, skus []string) ([]PurchaseLot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[string]bool, len(skus))
	for _, s := range skus {
		want[s] = true
	}
	var out []PurchaseLot
	for _, l := range f.lots[tenantID] {
		if len(skus) == 0 || want[l.SKU] {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) WriteSnapshot(_ context.Context, tenantID, runID string, lots []PurchaseLot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]PurchaseLot, len(lots))
	copy(cp, lots)
	f.snapshots[tenantID+"/"+runID] = cp
	return nil
}

func (f *fakeStore) ReadSnapshot(_ context.Context, tenantID, runID string) ([]PurchaseLot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots[tenantID+"/"+runID], nil
}

func (f *fakeStore) AppendMovements(_ context.Context, tenantID, runID string, movements []InventoryMovement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.movements[tenantID] = append(f.movements[tenantID], movements...)
	return nil
}

func (f *fakeStore) ReadMovements(_ context.Context, tenantID, runID string) ([]InventoryMovement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []InventoryMovement
	for _, m := range f.movements[tenantID] {
		if m.RunID == runID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) WriteAttributions(_ context.Context, tenantID, runID string, attributions []COGSAttribution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attributions[tenantID] = append(f.attributions[tenantID], attributions...)
	return nil
}

func (f *fakeStore) ReadAttributions(_ context.Context, tenantID, runID string, page Pagination) ([]COGSAttribution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []COGSAttribution
	for _, a := range f.attributions[tenantID] {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	return paginateAttributions(out, page), nil
}

func paginateAttributions(in []COGSAttribution, page Pagination) []COGSAttribution {
	if page.Limit <= 0 {
		return in
	}
	start := page.Offset
	if start > len(in) {
		return nil
	}
	end := start + page.Limit
	if end > len(in) {
		end = len(in)
	}
	return in[start:end]
}

func (f *fakeStore) WriteSummaries(_ context.Context, tenantID, runID string, summaries []COGSSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries[tenantID] = append(f.summaries[tenantID], summaries...)
	return nil
}

func (f *fakeStore) ReadSummaries(_ context.Context, tenantID, runID string) ([]COGSSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []COGSSummary
	for _, s := range f.summaries[tenantID] {
		if s.RunID == runID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) WriteValidationErrors(_ context.Context, tenantID, runID string, errs []ValidationError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validations[tenantID] = append(f.validations[tenantID], errs...)
	return nil
}

func (f *fakeStore) ListValidationErrors(_ context.Context, tenantID, runID string) ([]ValidationError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ValidationError
	for _, e := range f.validations[tenantID] {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateLotRemaining(_ context.Context, tenantID string, updates map[string]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.lots[tenantID]
	if m == nil {
		m = make(map[string]PurchaseLot)
		f.lots[tenantID] = m
	}
	for lotID, qty := range updates {
		l := m[lotID]
		l.LotID = lotID
		l.RemainingQuantity = qty
		m[lotID] = l
	}
	return nil
}

func (f *fakeStore) CreateRun(_ context.Context, run Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.runs[run.TenantID]
	if m == nil {
		m = make(map[string]Run)
		f.runs[run.TenantID] = m
	}
	if _, exists := m[run.RunID]; exists {
		return ErrIllegalState
	}
	m[run.RunID] = run
	return nil
}

func (f *fakeStore) TransitionRun(_ context.Context, tenantID, runID string, from, to RunStatus, fields RunTransitionFields) (Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.runs[tenantID]
	run, ok := m[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	if run.Status != from {
		return Run{}, ErrIllegalState
	}
	run.Status = to
	if fields.CompletedAt != nil {
		run.CompletedAt = fields.CompletedAt
	}
	if fields.RolledBackAt != nil {
		run.RolledBackAt = fields.RolledBackAt
	}
	if fields.ErrorMessage != nil {
		run.ErrorMessage = fields.ErrorMessage
	}
	if fields.MovementsCount != nil {
		run.MovementsCount = *fields.MovementsCount
	}
	if fields.ValidationErrorsCount != nil {
		run.ValidationErrorsCount = *fields.ValidationErrorsCount
	}
	if fields.TotalCOGSPosted != nil {
		run.TotalCOGSPosted = *fields.TotalCOGSPosted
	}
	m[runID] = run
	return run, nil
}

func (f *fakeStore) GetRun(_ context.Context, tenantID, runID string) (Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[tenantID][runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	return run, nil
}

func (f *fakeStore) ListRuns(_ context.Context, tenantID string, filter RunFilter, page Pagination) ([]Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Run
	for _, r := range f.runs[tenantID] {
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) InvalidateDerived(_ context.Context, tenantID, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, a := range f.attributions[tenantID] {
		if a.RunID == runID {
			f.attributions[tenantID][i].IsValid = false
		}
	}
	for i, s := range f.summaries[tenantID] {
		if s.RunID == runID {
			f.summaries[tenantID][i].IsValid = false
		}
	}
	return nil
}

// CommitRun holds the single mutex for its whole body, so from any other
// goroutine's perspective the batch of writes and the status transition
// become visible together — the same all-or-nothing guarantee cogspg.Store
// gives via one pgx.Tx.
func (f *fakeStore) CommitRun(_ context.Context, tenantID, runID string, movements []InventoryMovement, attributions []COGSAttribution, summaries []COGSSummary, validationErrors []ValidationError, lotUpdates map[string]int64, fields RunTransitionFields) (Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m := f.runs[tenantID]
	run, ok := m[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	if run.Status != RunRunning {
		return Run{}, ErrIllegalState
	}

	f.movements[tenantID] = append(f.movements[tenantID], movements...)
	f.attributions[tenantID] = append(f.attributions[tenantID], attributions...)
	f.summaries[tenantID] = append(f.summaries[tenantID], summaries...)
	f.validations[tenantID] = append(f.validations[tenantID], validationErrors...)

	lots := f.lots[tenantID]
	if lots == nil {
		lots = make(map[string]PurchaseLot)
		f.lots[tenantID] = lots
	}
	for lotID, qty := range lotUpdates {
		l := lots[lotID]
		l.LotID = lotID
		l.RemainingQuantity = qty
		lots[lotID] = l
	}

	run.Status = RunCompleted
	if fields.CompletedAt != nil {
		run.CompletedAt = fields.CompletedAt
	}
	if fields.MovementsCount != nil {
		run.MovementsCount = *fields.MovementsCount
	}
	if fields.ValidationErrorsCount != nil {
		run.ValidationErrorsCount = *fields.ValidationErrorsCount
	}
	if fields.TotalCOGSPosted != nil {
		run.TotalCOGSPosted = *fields.TotalCOGSPosted
	}
	m[runID] = run
	return run, nil
}
