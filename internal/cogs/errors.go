package cogs

import (
	"errors"
	"fmt"
)

// Sentinel errors for the structural, concurrency, and state-error kinds.
// Callers test with errors.Is, the same idiom the teacher uses for
// errors.Is(err, pgx.ErrNoRows) throughout internal/core.
var (
	// ErrConcurrentRun is returned when a tenant already has a running
	// execute_run or an in-progress rollback.
	ErrConcurrentRun = errors.New("cogs: a run or rollback is already in progress for this tenant")

	// ErrNotFound is returned when a run_id is unknown to the tenant, or a
	// rollback is attempted against a run owned by a different tenant.
	ErrNotFound = errors.New("cogs: run not found")

	// ErrIllegalState is returned for an illegal run-status transition, e.g.
	// rollback on a run that is not completed.
	ErrIllegalState = errors.New("cogs: illegal run state transition")

	// ErrValidationFailed is returned for structural input violations that
	// block the call before any state change.
	ErrValidationFailed = errors.New("cogs: validation failed")
)

// StructuralError wraps a fatal structural-invariant violation (e.g. a lot
// with remaining_quantity > original_quantity) discovered mid-allocation.
// The coordinator treats this as fatal and marks the run failed.
type StructuralError struct {
	Message string
}

func (e *StructuralError) Error() string { return "cogs: structural invariant violated: " + e.Message }

// ValidationFailedError carries the enumeration of structural offenders for
// a rejected execute_run call.
type ValidationFailedError struct {
	Offenders []string
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("cogs: validation failed: %d offending input(s): %v", len(e.Offenders), e.Offenders)
}

func (e *ValidationFailedError) Unwrap() error { return ErrValidationFailed }

// TenantMismatchError is returned by the tenant isolation layer when an
// entity's TenantID does not match the handle's bound tenant.
type TenantMismatchError struct {
	Expected string
	Got      string
	Entity   string
}

func (e *TenantMismatchError) Error() string {
	return fmt.Sprintf("cogs: tenant mismatch on %s: expected %q, got %q", e.Entity, e.Expected, e.Got)
}

func (e *TenantMismatchError) Unwrap() error { return ErrValidationFailed }

// InternalError wraps an unexpected persistence failure and names the
// operation that failed. ExecuteRun returns it when the run record cannot be
// created; RollbackRun returns it for any persistence failure, and the run
// then keeps its completed status.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("cogs: internal error during %s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }
