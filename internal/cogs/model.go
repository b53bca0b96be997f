// Package cogs implements the journaled FIFO cost-of-goods-sold calculation
// and rollback engine: the allocator, the run lifecycle coordinator, the
// rollback engine, and the tenant-scoped persistence contract they depend on.
package cogs

import (
	"time"

	"github.com/shopspring/decimal"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunRunning    RunStatus = "running"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunRolledBack RunStatus = "rolled_back"
)

// MovementKind tags the origin of an InventoryMovement.
type MovementKind string

const (
	MovementSale       MovementKind = "sale"
	MovementReturn     MovementKind = "return"
	MovementAdjustment MovementKind = "adjustment"
	MovementRollback   MovementKind = "rollback"
)

// ValidationErrorKind enumerates the recoverable per-row error conditions
// the allocator can record without failing the run.
type ValidationErrorKind string

const (
	ErrKindInsufficientInventory ValidationErrorKind = "insufficient_inventory"
	ErrKindOverReturn            ValidationErrorKind = "over_return"
	ErrKindDateInversion         ValidationErrorKind = "date_inversion"
	ErrKindUnknownSKU            ValidationErrorKind = "unknown_sku"
)

// PurchaseLot is a single inventory arrival: a batch of units of one SKU
// received on one date at a known unit cost. Identity is (TenantID, LotID).
type PurchaseLot struct {
	TenantID           string
	LotID              string
	SKU                string
	ReceivedDate       time.Time
	OriginalQuantity   int64
	RemainingQuantity  int64
	UnitPrice          decimal.Decimal
	FreightCostPerUnit decimal.Decimal
}

// EffectiveUnitCost is UnitPrice + FreightCostPerUnit.
func (l PurchaseLot) EffectiveUnitCost() decimal.Decimal {
	return l.UnitPrice.Add(l.FreightCostPerUnit)
}

// CheckInvariant reports the one structural invariant a lot must hold:
// 0 <= RemainingQuantity <= OriginalQuantity. A violation is fatal to the
// run that observes it.
func (l PurchaseLot) CheckInvariant() error {
	if l.RemainingQuantity < 0 || l.RemainingQuantity > l.OriginalQuantity {
		return &StructuralError{
			Message: "lot " + l.LotID + " violates 0 <= remaining_quantity <= original_quantity",
		}
	}
	return nil
}

// Sale is a sale event (Quantity > 0) or a return (Quantity < 0) for one SKU.
// Identity is (TenantID, SaleID).
type Sale struct {
	TenantID string
	SaleID   string
	SKU      string
	SaleDate time.Time
	Quantity int64
}

// InventoryMovement is one append-only journal entry recording a single
// (sale-or-rollback, lot) effect on inventory.
type InventoryMovement struct {
	MovementID     string
	TenantID       string
	RunID          string
	LotID          string
	SKU            string
	Kind           MovementKind
	Quantity       int64 // signed: negative = consumption, positive = restoration
	RemainingAfter int64
	UnitCost       decimal.Decimal
	ReferenceID    string // sale_id for a sale or return; the rolled-back run's id for a rollback
	Timestamp      time.Time
}

// InventorySnapshot captures the pre-run state of one lot. Exactly one
// snapshot row per (TenantID, LotID) bears IsCurrent = true at any time.
type InventorySnapshot struct {
	TenantID           string
	RunID              string
	LotID              string
	SKU                string
	RemainingQuantity  int64
	OriginalQuantity   int64
	UnitPrice          decimal.Decimal
	FreightCostPerUnit decimal.Decimal
	ReceivedDate       time.Time
	IsCurrent          bool
}

// COGSAttributionDetail is one lot touched while satisfying a sale.
type COGSAttributionDetail struct {
	AttributionID     string
	LotID             string
	QuantityAllocated int64
	UnitCost          decimal.Decimal
	TotalCost         decimal.Decimal // invariant: QuantityAllocated * UnitCost
}

// COGSAttribution is the decision record tying one sale to one or more lots.
type COGSAttribution struct {
	TenantID        string
	RunID           string
	AttributionID   string
	SaleID          string
	SKU             string
	SaleDate        time.Time
	QuantitySold    int64
	TotalCOGS       decimal.Decimal
	AverageUnitCost decimal.Decimal
	IsValid         bool
	Details         []COGSAttributionDetail
}

// COGSSummary rolls up attributions by (TenantID, RunID, SKU, Period) where
// Period is "YYYY-MM".
type COGSSummary struct {
	TenantID          string
	RunID             string
	SKU               string
	Period            string
	TotalQuantitySold int64
	TotalCOGS         decimal.Decimal
	AverageUnitCost   decimal.Decimal
	IsValid           bool
}

// ValidationError is a recorded, non-fatal per-row validation finding.
type ValidationError struct {
	TenantID string
	RunID    string
	Kind     ValidationErrorKind
	SKU      string
	SaleID   string
	Quantity int64
	Message  string
}

// Run is one invocation of the allocator+persistence pipeline for one tenant.
type Run struct {
	RunID                 string
	TenantID              string
	Status                RunStatus
	Mode                  string
	StartedAt             time.Time
	CompletedAt           *time.Time
	RolledBackAt          *time.Time
	InputFileID           *string
	ErrorMessage          *string
	RollbackOfRunID       *string
	MovementsCount        int64
	ValidationErrorsCount int64
	TotalCOGSPosted       decimal.Decimal
}

// IsTerminal reports whether Status is one from which no further lifecycle
// transition is possible except the single completed->rolled_back edge.
func (r Run) IsTerminal() bool {
	switch r.Status {
	case RunCompleted, RunFailed, RunRolledBack:
		return true
	default:
		return false
	}
}
