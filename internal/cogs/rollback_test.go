package cogs

import (
	"context"
	"errors"
	"testing"
)

func TestRollbackRun_RestoresInventoryToPreRunState(t *testing.T) {
	store := newFakeStore()
	seedTenant(store, "T1")
	coord := NewCoordinator(store, DefaultConfig())

	run, err := coord.ExecuteRun(context.Background(), ExecuteRunInput{
		TenantID: "T1",
		Mode:     ModeFIFO,
		RunID:    "R1",
		Sales: []Sale{
			{TenantID: "T1", SaleID: "s1", SKU: "A", SaleDate: mustDate(t, "2024-07-20"), Quantity: 80},
		},
	})
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if run.Status != RunCompleted {
		t.Fatalf("run status = %s, want completed", run.Status)
	}

	rolledBack, err := coord.RollbackRun(context.Background(), "T1", "R1")
	if err != nil {
		t.Fatalf("RollbackRun: %v", err)
	}
	if rolledBack.Status != RunRolledBack {
		t.Fatalf("status = %s, want rolled_back", rolledBack.Status)
	}
	if rolledBack.RolledBackAt == nil {
		t.Error("expected rolled_back_at to be set")
	}

	current, err := store.LoadCurrentInventory(context.Background(), "T1", nil)
	if err != nil {
		t.Fatal(err)
	}
	remaining := map[string]int64{}
	for _, l := range current {
		remaining[l.LotID] = l.RemainingQuantity
	}
	if remaining["L1"] != 50 || remaining["L2"] != 100 {
		t.Errorf("remaining after rollback = %+v, want L1=50 L2=100", remaining)
	}

	attrs, err := store.ReadAttributions(context.Background(), "T1", "R1", Pagination{})
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range attrs {
		if a.IsValid {
			t.Errorf("attribution %s still valid after rollback", a.AttributionID)
		}
	}
}

// Rolling back an already-rolled-back run is a no-op success.
func TestRollbackRun_IdempotentOnAlreadyRolledBack(t *testing.T) {
	store := newFakeStore()
	seedTenant(store, "T1")
	coord := NewCoordinator(store, DefaultConfig())

	_, err := coord.ExecuteRun(context.Background(), ExecuteRunInput{
		TenantID: "T1",
		Mode:     ModeFIFO,
		RunID:    "R1",
		Sales: []Sale{
			{TenantID: "T1", SaleID: "s1", SKU: "A", SaleDate: mustDate(t, "2024-07-20"), Quantity: 30},
		},
	})
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	first, err := coord.RollbackRun(context.Background(), "T1", "R1")
	if err != nil {
		t.Fatalf("first RollbackRun: %v", err)
	}
	second, err := coord.RollbackRun(context.Background(), "T1", "R1")
	if err != nil {
		t.Fatalf("second RollbackRun: %v", err)
	}
	if second.Status != RunRolledBack || first.RunID != second.RunID {
		t.Errorf("second rollback not idempotent: %+v", second)
	}
}

func TestRollbackRun_RejectsNonCompletedRun(t *testing.T) {
	store := newFakeStore()
	seedTenant(store, "T1")
	coord := NewCoordinator(store, DefaultConfig())

	if err := store.CreateRun(context.Background(), Run{RunID: "R1", TenantID: "T1", Status: RunPending}); err != nil {
		t.Fatal(err)
	}

	_, err := coord.RollbackRun(context.Background(), "T1", "R1")
	if !errors.Is(err, ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState, got %v", err)
	}
}

func TestRollbackRun_FailsClosedOnForeignTenant(t *testing.T) {
	store := newFakeStore()
	seedTenant(store, "T1")
	coord := NewCoordinator(store, DefaultConfig())

	_, err := coord.ExecuteRun(context.Background(), ExecuteRunInput{
		TenantID: "T1",
		Mode:     ModeFIFO,
		RunID:    "R1",
		Sales: []Sale{
			{TenantID: "T1", SaleID: "s1", SKU: "A", SaleDate: mustDate(t, "2024-07-20"), Quantity: 10},
		},
	})
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}

	_, err = coord.RollbackRun(context.Background(), "T2", "R1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for cross-tenant rollback attempt, got %v", err)
	}
}
