package cogs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Coordinator drives the lifecycle of FIFO allocation runs and their
// rollback for a single Store. One Coordinator is shared
// across tenants; per-tenant exclusion is enforced by the Store's advisory
// lock, not by anything in this struct.
type Coordinator struct {
	store Store
	cfg   Config

	// inflight collapses duplicate concurrent ExecuteRun calls that share
	// the same (tenant_id, run_id) into a single execution, so a caller
	// retrying a request that is already in flight observes the first
	// call's outcome instead of contending on the advisory lock only to
	// receive ErrConcurrentRun. Grounded in the same "coordinator owns its
	// own concurrency bookkeeping, no ambient global state" principle as
	// re-architecture note, using the stack's golang.org/x/sync.
	inflight singleflight.Group
}

// NewCoordinator constructs a Coordinator backed by store, using cfg for
// allocation behavior. A zero Config is not valid; callers should pass
// DefaultConfig() unless they intend to override specific options.
func NewCoordinator(store Store, cfg Config) *Coordinator {
	return &Coordinator{store: store, cfg: cfg}
}

// ExecuteRunInput is the caller-facing request for one run.
type ExecuteRunInput struct {
	TenantID    string
	Mode        Mode
	RunID       string // optional; generated if empty
	Sales       []Sale
	LotsUpsert  []PurchaseLot
	InputFileID *string
}

// ExecuteRun drives one run from request to terminal status.
func (c *Coordinator) ExecuteRun(ctx context.Context, in ExecuteRunInput) (Run, error) {
	if in.RunID == "" {
		in.RunID = uuid.NewString()
	}
	key := in.TenantID + "/" + in.RunID
	v, err, _ := c.inflight.Do(key, func() (interface{}, error) {
		return c.executeRunOnce(ctx, in)
	})
	if err != nil {
		return Run{}, err
	}
	return v.(Run), nil
}

func (c *Coordinator) executeRunOnce(ctx context.Context, in ExecuteRunInput) (Run, error) {
	// 1. Validate inputs — fail fast, no state change.
	if err := validateExecuteRunInput(c.cfg, in); err != nil {
		return Run{}, err
	}

	tenant, err := NewTenantStore(in.TenantID, c.store)
	if err != nil {
		return Run{}, err
	}

	// Idempotence: if this run_id already exists for the tenant, honor its
	// terminal/in-progress status instead of re-running.
	if existing, err := tenant.GetRun(ctx, in.RunID); err == nil {
		switch existing.Status {
		case RunCompleted:
			return existing, nil
		case RunRunning, RunPending:
			return Run{}, ErrConcurrentRun
		}
		// failed/rolled_back: fall through to a fresh attempt under a lock.
	}

	// 2. Acquire lock.
	lock, err := tenant.AcquireTenantLock(ctx)
	if err != nil {
		return Run{}, err
	}
	defer tenant.ReleaseTenantLock(ctx, lock)

	startedAt := runStartTime()

	// 3. Create run record, then transition pending -> running.
	run := Run{
		RunID:       in.RunID,
		TenantID:    in.TenantID,
		Status:      RunPending,
		Mode:        string(in.Mode),
		StartedAt:   startedAt,
		InputFileID: in.InputFileID,
	}
	if err := tenant.CreateRun(ctx, run); err != nil {
		return Run{}, &InternalError{Op: "create_run", Err: err}
	}
	run, err = tenant.TransitionRun(ctx, in.RunID, RunPending, RunRunning, RunTransitionFields{})
	if err != nil {
		return Run{}, c.fail(ctx, tenant, in.RunID, fmt.Errorf("transition pending->running: %w", err))
	}

	// 4. Assemble inventory: merge LotsUpsert into LoadCurrentInventory.
	skus := salesSKUs(in.Sales)
	current, err := tenant.LoadCurrentInventory(ctx, skus)
	if err != nil {
		return Run{}, c.fail(ctx, tenant, in.RunID, fmt.Errorf("load_current_inventory: %w", err))
	}
	merged, mergeErrs := mergeLots(c.cfg.LotMergePolicy, current, in.LotsUpsert)

	// 5. Snapshot pre-run state.
	if err := tenant.WriteSnapshot(ctx, in.RunID, merged); err != nil {
		return Run{}, c.fail(ctx, tenant, in.RunID, fmt.Errorf("write_snapshot: %w", err))
	}

	// 6. Allocate.
	alloc, err := Allocate(c.cfg, in.TenantID, in.RunID, merged, in.Sales, startedAt)
	if err != nil {
		return Run{}, c.fail(ctx, tenant, in.RunID, err)
	}
	alloc.ValidationErrors = append(mergeErrs, alloc.ValidationErrors...)

	// 7. Persist results. CommitRun wraps the movements, attributions,
	// summaries, validation errors, lot updates, and the running->completed
	// status CAS in one atomic unit, so a crash anywhere in this step
	// leaves either nothing durably applied or all of it.
	completedAt := runStartTime()
	movementsCount := int64(len(alloc.Movements))
	validationErrorsCount := int64(len(alloc.ValidationErrors))
	totalPosted := totalCOGSPosted(alloc.Attributions)

	run, err = tenant.CommitRun(ctx, in.RunID, alloc.Movements, alloc.Attributions, alloc.Summaries, alloc.ValidationErrors, alloc.UpdatedLots, RunTransitionFields{
		CompletedAt:           &completedAt,
		MovementsCount:        &movementsCount,
		ValidationErrorsCount: &validationErrorsCount,
		TotalCOGSPosted:       &totalPosted,
	})
	if err != nil {
		return Run{}, c.fail(ctx, tenant, in.RunID, fmt.Errorf("commit_run: %w", err))
	}

	return run, nil
}

// fail marks the run failed, recording cause's message as the run's
// error_message, and returns cause to the caller unchanged.
func (c *Coordinator) fail(ctx context.Context, tenant *TenantStore, runID string, cause error) error {
	msg := cause.Error()
	_, _ = tenant.TransitionRun(ctx, runID, RunRunning, RunFailed, RunTransitionFields{ErrorMessage: &msg})
	return cause
}

func validateExecuteRunInput(cfg Config, in ExecuteRunInput) error {
	var offenders []string
	if in.TenantID == "" {
		offenders = append(offenders, "tenant_id is required")
	}
	if len(in.Sales) == 0 {
		offenders = append(offenders, "sales must not be empty")
	}
	if !SupportedMode(in.Mode) {
		offenders = append(offenders, fmt.Sprintf("unsupported mode %q", in.Mode))
	}
	for _, s := range in.Sales {
		if s.TenantID != "" && s.TenantID != in.TenantID {
			offenders = append(offenders, fmt.Sprintf("sale %s belongs to a different tenant", s.SaleID))
		}
		if s.Quantity == 0 {
			offenders = append(offenders, fmt.Sprintf("sale %s has zero quantity", s.SaleID))
		}
	}
	for _, l := range in.LotsUpsert {
		if l.TenantID != "" && l.TenantID != in.TenantID {
			offenders = append(offenders, fmt.Sprintf("lot %s belongs to a different tenant", l.LotID))
		}
	}
	if len(offenders) > 0 {
		return &ValidationFailedError{Offenders: offenders}
	}
	return nil
}

// mergeLots applies the lot-merge rule: an incoming lot with an
// existing lot_id may only increase remaining_quantity by the delta in
// original_quantity; new lots are accepted as-is. Conflicting input is
// skipped and recorded as a validation error rather than silently
// overwriting remaining_quantity.
func mergeLots(policy LotMergePolicy, current []PurchaseLot, upserts []PurchaseLot) ([]PurchaseLot, []ValidationError) {
	byID := make(map[string]PurchaseLot, len(current))
	order := make([]string, 0, len(current))
	for _, l := range current {
		byID[l.LotID] = l
		order = append(order, l.LotID)
	}

	var errs []ValidationError
	for _, u := range upserts {
		existing, found := byID[u.LotID]
		if !found {
			byID[u.LotID] = u
			order = append(order, u.LotID)
			continue
		}
		if policy == LotMergeReject {
			errs = append(errs, ValidationError{
				TenantID: u.TenantID,
				Kind:     ErrKindUnknownSKU,
				SKU:      u.SKU,
				Message:  fmt.Sprintf("lot %s already exists; lot_merge_policy=reject", u.LotID),
			})
			continue
		}
		delta := u.OriginalQuantity - existing.OriginalQuantity
		if delta < 0 {
			errs = append(errs, ValidationError{
				TenantID: u.TenantID,
				Kind:     ErrKindUnknownSKU,
				SKU:      u.SKU,
				Message:  fmt.Sprintf("lot %s: original_quantity may not decrease via upsert (existing %d, got %d)", u.LotID, existing.OriginalQuantity, u.OriginalQuantity),
			})
			continue
		}
		existing.OriginalQuantity += delta
		existing.RemainingQuantity += delta
		existing.UnitPrice = u.UnitPrice
		existing.FreightCostPerUnit = u.FreightCostPerUnit
		byID[u.LotID] = existing
	}

	out := make([]PurchaseLot, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, errs
}

func salesSKUs(sales []Sale) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range sales {
		if !seen[s.SKU] {
			seen[s.SKU] = true
			out = append(out, s.SKU)
		}
	}
	return out
}

func totalCOGSPosted(attrs []COGSAttribution) decimal.Decimal {
	total := decimal.Zero
	for _, a := range attrs {
		if a.IsValid {
			total = total.Add(a.TotalCOGS)
		}
	}
	return total
}

// runStartTime returns the current time. Factored into its own function so
// tests can document where wall-clock time enters the otherwise-pure
// pipeline: only at the coordinator boundary, never inside Allocate.
func runStartTime() time.Time { return time.Now().UTC() }
