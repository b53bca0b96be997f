package cogs

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AllocationResult is the full decision record produced by Allocate: one
// per-tenant, per-run FIFO allocation pass over a lot inventory.
type AllocationResult struct {
	Attributions     []COGSAttribution
	Movements        []InventoryMovement
	UpdatedLots      map[string]int64 // lot_id -> post-allocation remaining_quantity
	ValidationErrors []ValidationError
	Summaries        []COGSSummary
}

// lotState is the mutable working copy of a PurchaseLot during one
// allocation pass; Allocate mutates these instead of its input slice so
// callers' PurchaseLot values are never modified in place.
type lotState struct {
	lot PurchaseLot
}

// Allocate is the pure FIFO allocator: given a tenant's lot inventory and
// sales, it produces attributions, movements, updated lot quantities,
// validation errors, and period summaries. It performs no I/O and never
// mutates its inputs.
//
// Allocate returns a non-nil error only for a structural invariant
// violation (a lot with remaining_quantity > original_quantity); the
// coordinator treats that as fatal. All data-shape problems (insufficient
// inventory, over-returns, date inversions) are recorded as ValidationError
// values in the result instead.
func Allocate(cfg Config, tenantID, runID string, lots []PurchaseLot, sales []Sale, runStartedAt time.Time) (*AllocationResult, error) {
	for _, l := range lots {
		if err := l.CheckInvariant(); err != nil {
			return nil, err
		}
	}

	byLotID := make(map[string]*lotState, len(lots))
	bySKU := make(map[string][]*lotState)
	for i := range lots {
		ls := &lotState{lot: lots[i]}
		byLotID[ls.lot.LotID] = ls
		bySKU[ls.lot.SKU] = append(bySKU[ls.lot.SKU], ls)
	}
	for sku := range bySKU {
		sortCanonical(bySKU[sku])
	}

	orderedSales := make([]Sale, len(sales))
	copy(orderedSales, sales)
	sort.SliceStable(orderedSales, func(i, j int) bool {
		if !orderedSales[i].SaleDate.Equal(orderedSales[j].SaleDate) {
			return orderedSales[i].SaleDate.Before(orderedSales[j].SaleDate)
		}
		return orderedSales[i].SaleID < orderedSales[j].SaleID
	})

	res := &AllocationResult{UpdatedLots: make(map[string]int64, len(lots))}
	summaryKeys := make(map[string]*COGSSummary)

	for _, sale := range orderedSales {
		switch {
		case sale.Quantity > 0:
			allocateSale(cfg, tenantID, runID, runStartedAt, sale, bySKU[sale.SKU], res, summaryKeys)
		case sale.Quantity < 0:
			allocateReturn(cfg, tenantID, runID, runStartedAt, sale, bySKU[sale.SKU], res, summaryKeys)
		}
		// Quantity == 0 is rejected structurally by callers constructing a
		// Sale; Allocate defensively skips it rather than
		// panicking since a pure function should never crash on bad data
		// it didn't validate itself.
	}

	for _, ls := range byLotID {
		res.UpdatedLots[ls.lot.LotID] = ls.lot.RemainingQuantity
	}
	for _, s := range summaryKeys {
		res.Summaries = append(res.Summaries, *s)
	}
	sort.Slice(res.Summaries, func(i, j int) bool {
		if res.Summaries[i].SKU != res.Summaries[j].SKU {
			return res.Summaries[i].SKU < res.Summaries[j].SKU
		}
		return res.Summaries[i].Period < res.Summaries[j].Period
	})

	return res, nil
}

// sortCanonical orders a SKU's lots oldest-received first, lot_id ascending
// to break ties.
func sortCanonical(lots []*lotState) {
	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].lot.ReceivedDate.Equal(lots[j].lot.ReceivedDate) {
			return lots[i].lot.ReceivedDate.Before(lots[j].lot.ReceivedDate)
		}
		return lots[i].lot.LotID < lots[j].lot.LotID
	})
}

func allocateSale(cfg Config, tenantID, runID string, runStartedAt time.Time, sale Sale, lots []*lotState, res *AllocationResult, summaryKeys map[string]*COGSSummary) {
	precision := cfg.FinalPrecision()
	attrID := deterministicID(tenantID, runID, "attr", sale.SaleID)
	remainingNeed := sale.Quantity
	totalCOGS := decimal.Zero
	var details []COGSAttributionDetail

	for _, ls := range lots {
		if remainingNeed <= 0 {
			break
		}
		if ls.lot.RemainingQuantity <= 0 {
			continue
		}
		if cfg.RequireDateGuard && ls.lot.ReceivedDate.After(sale.SaleDate) {
			continue
		}

		allocated := min64(remainingNeed, ls.lot.RemainingQuantity)
		unitCost := ls.lot.EffectiveUnitCost()
		lineCost := unitCost.Mul(decimal.NewFromInt(allocated))

		details = append(details, COGSAttributionDetail{
			AttributionID:     attrID,
			LotID:             ls.lot.LotID,
			QuantityAllocated: allocated,
			UnitCost:          unitCost,
			TotalCost:         roundCurrency(lineCost, precision),
		})

		ls.lot.RemainingQuantity -= allocated
		remainingAfter := ls.lot.RemainingQuantity

		res.Movements = append(res.Movements, InventoryMovement{
			MovementID:     deterministicID(tenantID, runID, "mov", sale.SaleID, ls.lot.LotID),
			TenantID:       tenantID,
			RunID:          runID,
			LotID:          ls.lot.LotID,
			SKU:            sale.SKU,
			Kind:           MovementSale,
			Quantity:       -allocated,
			RemainingAfter: remainingAfter,
			UnitCost:       unitCost,
			ReferenceID:    sale.SaleID,
			Timestamp:      runStartedAt,
		})

		totalCOGS = totalCOGS.Add(lineCost)
		remainingNeed -= allocated
	}

	totalCOGS = roundCurrency(totalCOGS, precision)
	isValid := remainingNeed <= 0

	if remainingNeed > 0 {
		res.ValidationErrors = append(res.ValidationErrors, ValidationError{
			TenantID: tenantID,
			RunID:    runID,
			Kind:     ErrKindInsufficientInventory,
			SKU:      sale.SKU,
			SaleID:   sale.SaleID,
			Quantity: remainingNeed,
			Message:  fmt.Sprintf("sale %s short by %d units of SKU %s", sale.SaleID, remainingNeed, sale.SKU),
		})
	}

	quantityCovered := sale.Quantity - maxI64(remainingNeed, 0)
	avg := averageUnitCost(totalCOGS, quantityCovered, precision)

	res.Attributions = append(res.Attributions, COGSAttribution{
		TenantID:        tenantID,
		RunID:           runID,
		AttributionID:   attrID,
		SaleID:          sale.SaleID,
		SKU:             sale.SKU,
		SaleDate:        sale.SaleDate,
		QuantitySold:    sale.Quantity,
		TotalCOGS:       totalCOGS,
		AverageUnitCost: avg,
		IsValid:         isValid,
		Details:         details,
	})

	addToSummary(summaryKeys, tenantID, runID, sale.SKU, sale.SaleDate, quantityCovered, totalCOGS, isValid, precision)
}

// allocateReturn restores quantity to a SKU's lots newest-consumed-first,
// with no date guard — a return is not a sale and does not re-examine
// received_date against sale_date.
func allocateReturn(cfg Config, tenantID, runID string, runStartedAt time.Time, sale Sale, lots []*lotState, res *AllocationResult, summaryKeys map[string]*COGSSummary) {
	precision := cfg.FinalPrecision()
	// Reverse canonical order: newest received_date first, lot_id descending
	// to break ties — the exact mirror of sortCanonical's ascending order.
	reversed := make([]*lotState, len(lots))
	copy(reversed, lots)
	sort.SliceStable(reversed, func(i, j int) bool {
		if !reversed[i].lot.ReceivedDate.Equal(reversed[j].lot.ReceivedDate) {
			return reversed[i].lot.ReceivedDate.After(reversed[j].lot.ReceivedDate)
		}
		return reversed[i].lot.LotID > reversed[j].lot.LotID
	})

	toRestore := -sale.Quantity // positive
	restored := int64(0)
	totalReversedCOGS := decimal.Zero

	for _, ls := range reversed {
		if toRestore <= 0 {
			break
		}
		capacity := ls.lot.OriginalQuantity - ls.lot.RemainingQuantity
		if capacity <= 0 {
			continue
		}
		amount := min64(toRestore, capacity)
		unitCost := ls.lot.EffectiveUnitCost()

		ls.lot.RemainingQuantity += amount
		remainingAfter := ls.lot.RemainingQuantity

		res.Movements = append(res.Movements, InventoryMovement{
			MovementID:     deterministicID(tenantID, runID, "mov", sale.SaleID, ls.lot.LotID),
			TenantID:       tenantID,
			RunID:          runID,
			LotID:          ls.lot.LotID,
			SKU:            sale.SKU,
			Kind:           MovementReturn,
			Quantity:       amount,
			RemainingAfter: remainingAfter,
			UnitCost:       unitCost,
			ReferenceID:    sale.SaleID,
			Timestamp:      runStartedAt,
		})

		totalReversedCOGS = totalReversedCOGS.Add(unitCost.Mul(decimal.NewFromInt(amount)))
		restored += amount
		toRestore -= amount
	}

	if toRestore > 0 {
		res.ValidationErrors = append(res.ValidationErrors, ValidationError{
			TenantID: tenantID,
			RunID:    runID,
			Kind:     ErrKindOverReturn,
			SKU:      sale.SKU,
			SaleID:   sale.SaleID,
			Quantity: toRestore,
			Message:  fmt.Sprintf("return %s exceeds consumed capacity for SKU %s by %d units", sale.SaleID, sale.SKU, toRestore),
		})
	}

	// Returns reduce the period's COGS. No attribution row is emitted for
	// the return itself; its negative cost flows straight into the summary.
	addToSummary(summaryKeys, tenantID, runID, sale.SKU, sale.SaleDate, -restored, roundCurrency(totalReversedCOGS.Neg(), precision), toRestore == 0, precision)
}

func addToSummary(summaryKeys map[string]*COGSSummary, tenantID, runID, sku string, date time.Time, qty int64, cogs decimal.Decimal, isValid bool, precision int32) {
	period := date.Format("2006-01")
	key := sku + "|" + period
	s, ok := summaryKeys[key]
	if !ok {
		s = &COGSSummary{TenantID: tenantID, RunID: runID, SKU: sku, Period: period, IsValid: true}
		summaryKeys[key] = s
	}
	s.TotalQuantitySold += qty
	s.TotalCOGS = roundCurrency(s.TotalCOGS.Add(cogs), precision)
	s.AverageUnitCost = averageUnitCost(s.TotalCOGS, s.TotalQuantitySold, precision)
	if !isValid {
		s.IsValid = false
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// deterministicID derives a stable, reproducible id from its parts using a
// version-5 (SHA-1 namespace) UUID, so that repeated allocation runs over
// identical inputs produce byte-identical movement and attribution ids —
// random IDs would break that guarantee.
func deterministicID(parts ...string) string {
	joined := ""
	for i, p := range parts {
		if i > 0 {
			joined += ":"
		}
		joined += p
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(joined)).String()
}
