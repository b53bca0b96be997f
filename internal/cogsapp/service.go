// Package cogsapp is the caller-facing facade over internal/cogs: the
// surface an HTTP layer, CLI, or test harness calls, wired the way the
// teacher's internal/app.appService wires its core services together
// behind one interface.
package cogsapp

import (
	"context"

	"fifoengine/internal/cogs"
)

// Service is the caller-facing application service.
type Service interface {
	CreateRun(ctx context.Context, in cogs.ExecuteRunInput) (cogs.Run, error)
	GetRun(ctx context.Context, tenantID, runID string) (cogs.Run, error)
	ListRuns(ctx context.Context, tenantID string, filter cogs.RunFilter, page cogs.Pagination) ([]cogs.Run, error)
	RollbackRun(ctx context.Context, tenantID, runID string) (cogs.Run, error)
	ReadAttributions(ctx context.Context, tenantID, runID string, page cogs.Pagination) ([]cogs.COGSAttribution, error)
	ReadSummaries(ctx context.Context, tenantID, runID string) ([]cogs.COGSSummary, error)
	ReadCurrentInventory(ctx context.Context, tenantID string, skus []string) ([]cogs.PurchaseLot, error)
	ListValidationErrors(ctx context.Context, tenantID, runID string) ([]cogs.ValidationError, error)
}

type service struct {
	coordinator *cogs.Coordinator
	store       cogs.Store
}

// NewService constructs a Service backed by coordinator (runs/rollbacks)
// and store (direct reads that don't need the run lifecycle, e.g. a list
// or current-inventory query).
func NewService(coordinator *cogs.Coordinator, store cogs.Store) Service {
	return &service{coordinator: coordinator, store: store}
}

func (s *service) CreateRun(ctx context.Context, in cogs.ExecuteRunInput) (cogs.Run, error) {
	return s.coordinator.ExecuteRun(ctx, in)
}

func (s *service) GetRun(ctx context.Context, tenantID, runID string) (cogs.Run, error) {
	tenant, err := cogs.NewTenantStore(tenantID, s.store)
	if err != nil {
		return cogs.Run{}, err
	}
	return tenant.GetRun(ctx, runID)
}

func (s *service) ListRuns(ctx context.Context, tenantID string, filter cogs.RunFilter, page cogs.Pagination) ([]cogs.Run, error) {
	tenant, err := cogs.NewTenantStore(tenantID, s.store)
	if err != nil {
		return nil, err
	}
	return tenant.ListRuns(ctx, filter, page)
}

func (s *service) RollbackRun(ctx context.Context, tenantID, runID string) (cogs.Run, error) {
	return s.coordinator.RollbackRun(ctx, tenantID, runID)
}

func (s *service) ReadAttributions(ctx context.Context, tenantID, runID string, page cogs.Pagination) ([]cogs.COGSAttribution, error) {
	tenant, err := cogs.NewTenantStore(tenantID, s.store)
	if err != nil {
		return nil, err
	}
	return tenant.ReadAttributions(ctx, runID, page)
}

func (s *service) ReadSummaries(ctx context.Context, tenantID, runID string) ([]cogs.COGSSummary, error) {
	tenant, err := cogs.NewTenantStore(tenantID, s.store)
	if err != nil {
		return nil, err
	}
	return tenant.ReadSummaries(ctx, runID)
}

func (s *service) ReadCurrentInventory(ctx context.Context, tenantID string, skus []string) ([]cogs.PurchaseLot, error) {
	tenant, err := cogs.NewTenantStore(tenantID, s.store)
	if err != nil {
		return nil, err
	}
	return tenant.LoadCurrentInventory(ctx, skus)
}

func (s *service) ListValidationErrors(ctx context.Context, tenantID, runID string) ([]cogs.ValidationError, error) {
	tenant, err := cogs.NewTenantStore(tenantID, s.store)
	if err != nil {
		return nil, err
	}
	return tenant.ListValidationErrors(ctx, runID)
}
