package stock

import "sort"

// Allocation is one draw against a specific lot.
type Allocation struct {
	LotID int64
	Qty   float64
}

// AllocationResult carries the per-lot draws plus any unmet remainder.
type AllocationResult struct {
	Allocations []Allocation
	Shortfall   float64
}

// Satisfied reports whether the full requested quantity was covered.
func (r AllocationResult) Satisfied() bool {
	return r.Shortfall <= qtyEpsilon
}

// Allocate walks lots oldest-first and draws from each until the
// required quantity is satisfied or the lots run out. Lots sharing a
// date keep creation order as the tiebreak. The function is pure: it
// never mutates the input slice and the caller owns locking; lots must
// be row-locked snapshots read inside the surrounding transaction.
func Allocate(lots []StockLot, required float64) (AllocationResult, error) {
	if required <= 0 {
		return AllocationResult{}, ErrInvalidQuantity
	}

	ordered := make([]StockLot, len(lots))
	copy(ordered, lots)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].LotDate.Equal(ordered[j].LotDate) {
			return ordered[i].LotDate.Before(ordered[j].LotDate)
		}
		return ordered[i].ID < ordered[j].ID
	})

	remaining := required
	var result AllocationResult
	for _, lot := range ordered {
		if remaining <= qtyEpsilon {
			break
		}
		if lot.QtyAvailable <= qtyEpsilon {
			continue
		}
		take := lot.QtyAvailable
		if remaining < take {
			take = remaining
		}
		result.Allocations = append(result.Allocations, Allocation{LotID: lot.ID, Qty: take})
		remaining -= take
	}
	if remaining > qtyEpsilon {
		result.Shortfall = remaining
	}
	return result, nil
}
