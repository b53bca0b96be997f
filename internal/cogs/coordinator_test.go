package cogs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func mustParseDate(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func seedTenant(store *fakeStore, tenantID string) {
	store.seedLots(tenantID, []PurchaseLot{
		{TenantID: tenantID, LotID: "L1", SKU: "A", ReceivedDate: mustParseDate("2024-07-01"), OriginalQuantity: 50, RemainingQuantity: 50, UnitPrice: dec("10.00"), FreightCostPerUnit: dec("1.00")},
		{TenantID: tenantID, LotID: "L2", SKU: "A", ReceivedDate: mustParseDate("2024-07-10"), OriginalQuantity: 100, RemainingQuantity: 100, UnitPrice: dec("12.00"), FreightCostPerUnit: dec("1.00")},
	})
}

func TestExecuteRun_MultiLotSaleEndToEnd(t *testing.T) {
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
	if run.ValidationErrorsCount != 0 {
		t.Errorf("validation_errors_count = %d, want 0", run.ValidationErrorsCount)
	}
	if !run.TotalCOGSPosted.Equal(dec("940.00")) {
		t.Errorf("total_cogs_posted = %s, want 940.00", run.TotalCOGSPosted)
	}

	current, err := store.LoadCurrentInventory(context.Background(), "T1", nil)
	if err != nil {
		t.Fatalf("LoadCurrentInventory: %v", err)
	}
	remaining := map[string]int64{}
	for _, l := range current {
		remaining[l.LotID] = l.RemainingQuantity
	}
	if remaining["L1"] != 0 || remaining["L2"] != 70 {
		t.Errorf("remaining = %+v, want L1=0 L2=70", remaining)
	}
}

func TestExecuteRun_IdempotentOnCompletedRunID(t *testing.T) {
	store := newFakeStore()
	seedTenant(store, "T1")
	coord := NewCoordinator(store, DefaultConfig())
	in := ExecuteRunInput{
		TenantID: "T1",
		Mode:     ModeFIFO,
		RunID:    "R1",
		Sales: []Sale{
			{TenantID: "T1", SaleID: "s1", SKU: "A", SaleDate: mustDate(t, "2024-07-20"), Quantity: 10},
		},
	}

	first, err := coord.ExecuteRun(context.Background(), in)
	if err != nil {
		t.Fatalf("first ExecuteRun: %v", err)
	}
	second, err := coord.ExecuteRun(context.Background(), in)
	if err != nil {
		t.Fatalf("second ExecuteRun: %v", err)
	}
	if first.RunID != second.RunID || second.Status != RunCompleted {
		t.Errorf("retried run not treated as idempotent success: %+v", second)
	}
}

func TestExecuteRun_ConcurrentRunRefusal(t *testing.T) {
	store := newFakeStore()
	seedTenant(store, "T1")
	coord := NewCoordinator(store, DefaultConfig())

	// Hold the tenant lock directly to simulate a run already in progress.
	lock, err := store.AcquireTenantLock(context.Background(), "T1")
	if err != nil {
		t.Fatalf("AcquireTenantLock: %v", err)
	}
	defer store.ReleaseTenantLock(context.Background(), lock)

	_, err = coord.ExecuteRun(context.Background(), ExecuteRunInput{
		TenantID: "T1",
		Mode:     ModeFIFO,
		RunID:    "R2",
		Sales: []Sale{
			{TenantID: "T1", SaleID: "s1", SKU: "A", SaleDate: mustDate(t, "2024-07-20"), Quantity: 10},
		},
	})
	if !errors.Is(err, ErrConcurrentRun) {
		t.Fatalf("expected ErrConcurrentRun, got %v", err)
	}
}

// Of two simultaneous calls for the same tenant (but distinct run ids),
// exactly one succeeds and the other observes ErrConcurrentRun — the
// advisory lock is per-tenant, not per-run.
func TestExecuteRun_ConcurrentDistinctRunsOnlyOneSucceeds(t *testing.T) {
	store := newFakeStore()
	seedTenant(store, "T1")
	coord := NewCoordinator(store, DefaultConfig())

	var wg sync.WaitGroup
	results := make([]error, 2)
	runIDs := []string{"RA", "RB"}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := coord.ExecuteRun(context.Background(), ExecuteRunInput{
				TenantID: "T1",
				Mode:     ModeFIFO,
				RunID:    runIDs[i],
				Sales: []Sale{
					{TenantID: "T1", SaleID: "sale-" + runIDs[i], SKU: "A", SaleDate: mustDate(t, "2024-07-20"), Quantity: 5},
				},
			})
			results[i] = err
		}(i)
	}
	wg.Wait()

	succeeded, refused := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrConcurrentRun):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || refused != 1 {
		t.Errorf("expected exactly one success and one refusal, got %d successes and %d refusals", succeeded, refused)
	}
}

func TestExecuteRun_RejectsEmptySales(t *testing.T) {
	store := newFakeStore()
	seedTenant(store, "T1")
	coord := NewCoordinator(store, DefaultConfig())

	_, err := coord.ExecuteRun(context.Background(), ExecuteRunInput{
		TenantID: "T1",
		Mode:     ModeFIFO,
		RunID:    "R1",
	})
	var ve *ValidationFailedError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationFailedError, got %v", err)
	}
}

// A zero-quantity sale is rejected structurally before any state change,
// not recorded as a per-row validation error.
func TestExecuteRun_RejectsZeroQuantitySale(t *testing.T) {
	store := newFakeStore()
	seedTenant(store, "T1")
	coord := NewCoordinator(store, DefaultConfig())

	_, err := coord.ExecuteRun(context.Background(), ExecuteRunInput{
		TenantID: "T1",
		Mode:     ModeFIFO,
		RunID:    "R1",
		Sales: []Sale{
			{TenantID: "T1", SaleID: "s1", SKU: "A", SaleDate: mustDate(t, "2024-07-20"), Quantity: 0},
		},
	})
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
	if _, getErr := store.GetRun(context.Background(), "T1", "R1"); !errors.Is(getErr, ErrNotFound) {
		t.Errorf("expected no run record to have been created, got err=%v", getErr)
	}
}

func TestExecuteRun_RejectsUnsupportedMode(t *testing.T) {
	store := newFakeStore()
	seedTenant(store, "T1")
	coord := NewCoordinator(store, DefaultConfig())

	_, err := coord.ExecuteRun(context.Background(), ExecuteRunInput{
		TenantID: "T1",
		Mode:     Mode("avg"),
		RunID:    "R1",
		Sales: []Sale{
			{TenantID: "T1", SaleID: "s1", SKU: "A", SaleDate: mustDate(t, "2024-07-20"), Quantity: 1},
		},
	})
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed for unsupported mode, got %v", err)
	}
}

func TestMergeLots_UpsertIncreaseOnly(t *testing.T) {
	current := []PurchaseLot{
		{LotID: "L1", SKU: "A", OriginalQuantity: 50, RemainingQuantity: 20},
	}
	upserts := []PurchaseLot{
		{LotID: "L1", SKU: "A", OriginalQuantity: 70, RemainingQuantity: 70, UnitPrice: dec("9.00")},
		{LotID: "L2", SKU: "A", OriginalQuantity: 10, RemainingQuantity: 10},
	}

	merged, errs := mergeLots(LotMergeUpsertIncreaseOnly, current, upserts)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %+v", errs)
	}
	byID := map[string]PurchaseLot{}
	for _, l := range merged {
		byID[l.LotID] = l
	}
	if byID["L1"].RemainingQuantity != 40 { // 20 + delta(70-50=20)
		t.Errorf("L1 remaining = %d, want 40", byID["L1"].RemainingQuantity)
	}
	if byID["L2"].RemainingQuantity != 10 {
		t.Errorf("L2 remaining = %d, want 10", byID["L2"].RemainingQuantity)
	}
}

func TestMergeLots_RejectsQuantityDecrease(t *testing.T) {
	current := []PurchaseLot{
		{LotID: "L1", SKU: "A", OriginalQuantity: 50, RemainingQuantity: 20},
	}
	upserts := []PurchaseLot{
		{LotID: "L1", SKU: "A", OriginalQuantity: 30, RemainingQuantity: 30},
	}

	merged, errs := mergeLots(LotMergeUpsertIncreaseOnly, current, upserts)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %+v", errs)
	}
	if merged[0].RemainingQuantity != 20 {
		t.Errorf("lot should be unchanged, got %+v", merged[0])
	}
}
