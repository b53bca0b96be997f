package cogs

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LockToken identifies a held per-tenant advisory lock.
type LockToken struct {
	TenantID string
	Token    string
}

// RunFilter narrows list_runs.
type RunFilter struct {
	Status *RunStatus
	Since  *string // ISO date lower bound on started_at, inclusive
}

// Pagination bounds a paged read, matching the teacher's
// ReportingService-style list operations.
type Pagination struct {
	Limit  int
	Offset int
}

// Store is the Persistence Contract: the abstract boundary the
// coordinator and rollback engine consume. All operations are tenant-scoped:
// implementations read and write only rows of the tenantID argument. They do
// not compare an entity's own TenantID field with that argument; TenantStore,
// through which the coordinator and cogsapp make every call, rejects a
// mismatch before the call reaches the Store.
//
// CommitRun is the one operation implementations must make atomic: it
// covers the full commit block of a run (append_movements,
// write_attributions, write_summaries, write_validation_errors,
// update_lot_remaining, transition_run running->completed) and must leave
// either none or all of those effects durably applied, with the status CAS
// as the last thing that becomes visible. The individual Write*/Update*
// methods below remain on the interface for callers — rollback, mainly —
// that apply a single effect on its own and don't need that guarantee.
type Store interface {
	// AcquireTenantLock attempts to take the per-tenant advisory lock.
	// Returns ErrConcurrentRun if already held.
	AcquireTenantLock(ctx context.Context, tenantID string) (LockToken, error)
	// ReleaseTenantLock releases a lock acquired by AcquireTenantLock. Must
	// be safe to call on every exit path, including after a failed
	// acquisition attempt's zero-value token.
	ReleaseTenantLock(ctx context.Context, token LockToken) error

	LoadCurrentInventory(ctx context.Context, tenantID string, skus []string) ([]PurchaseLot, error)
	WriteSnapshot(ctx context.Context, tenantID, runID string, lots []PurchaseLot) error
	ReadSnapshot(ctx context.Context, tenantID, runID string) ([]PurchaseLot, error)

	AppendMovements(ctx context.Context, tenantID, runID string, movements []InventoryMovement) error
	ReadMovements(ctx context.Context, tenantID, runID string) ([]InventoryMovement, error)

	WriteAttributions(ctx context.Context, tenantID, runID string, attributions []COGSAttribution) error
	ReadAttributions(ctx context.Context, tenantID, runID string, page Pagination) ([]COGSAttribution, error)

	WriteSummaries(ctx context.Context, tenantID, runID string, summaries []COGSSummary) error
	ReadSummaries(ctx context.Context, tenantID, runID string) ([]COGSSummary, error)

	WriteValidationErrors(ctx context.Context, tenantID, runID string, errs []ValidationError) error
	ListValidationErrors(ctx context.Context, tenantID, runID string) ([]ValidationError, error)

	UpdateLotRemaining(ctx context.Context, tenantID string, updates map[string]int64) error

	CreateRun(ctx context.Context, run Run) error
	// TransitionRun performs a compare-and-set on run status. Returns
	// ErrIllegalState if the run's current status != from.
	TransitionRun(ctx context.Context, tenantID, runID string, from, to RunStatus, fields RunTransitionFields) (Run, error)
	GetRun(ctx context.Context, tenantID, runID string) (Run, error)
	ListRuns(ctx context.Context, tenantID string, filter RunFilter, page Pagination) ([]Run, error)

	// InvalidateDerived marks attributions and summaries for a run
	// is_valid = false, used by rollback.
	InvalidateDerived(ctx context.Context, tenantID, runID string) error

	// CommitRun atomically persists movements, attributions, summaries, and
	// validation errors, updates lot remaining quantities, and transitions
	// the run from running to completed — all as one unit, with the status
	// CAS as the final effect to become visible. See the type doc above.
	CommitRun(ctx context.Context, tenantID, runID string, movements []InventoryMovement, attributions []COGSAttribution, summaries []COGSSummary, validationErrors []ValidationError, lotUpdates map[string]int64, fields RunTransitionFields) (Run, error)
}

// RunTransitionFields carries the optional fields a status transition sets,
// so TransitionRun stays a single CAS statement instead of a read-modify-write
// pair.
type RunTransitionFields struct {
	CompletedAt           *time.Time
	RolledBackAt          *time.Time
	ErrorMessage          *string
	MovementsCount        *int64
	ValidationErrorsCount *int64
	TotalCOGSPosted       *decimal.Decimal
}
