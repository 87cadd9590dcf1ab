package stock

import (
	"errors"
	"fmt"
	"time"

	"github.com/kandang-erp/kandang-erp/internal/platform/httpx"
)

// qtyEpsilon absorbs float drift when comparing small-unit quantities.
const qtyEpsilon = 1e-9

// StockLot is one inbound quantity tranche of an item owned by a
// subject (livestock batch or coop). Exactly one of PurchaseLineID and
// MutationID is set. Quantities are small units. QtyAvailable is stored
// and must equal QtyIn - QtyUsed - QtyMutated at all times; every write
// that touches used/mutated updates it in the same transaction.
type StockLot struct {
	ID             int64
	ItemID         int64
	SubjectID      int64
	PurchaseLineID int64
	MutationID     int64
	LotDate        time.Time
	QtyIn          float64
	QtyUsed        float64
	QtyMutated     float64
	QtyAvailable   float64
	CreatedAt      time.Time
}

// UsageEvent records one act of consuming stock for a subject on a date.
type UsageEvent struct {
	ID        int64
	SubjectID int64
	UsageDate time.Time
	TotalQty  float64
	CreatedBy int64
	UpdatedBy int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UsageLine is one allocation drawn from a specific lot.
type UsageLine struct {
	ID       int64
	UsageID  int64
	LotID    int64
	ItemID   int64
	QtyTaken float64
}

// MutationEvent records a stock transfer between two subjects.
type MutationEvent struct {
	ID           int64
	SrcSubjectID int64
	DstSubjectID int64
	MutationDate time.Time
	Note         string
	CreatedBy    int64
	CreatedAt    time.Time
}

// MutationLine pairs an outgoing decrement on a source lot with the
// destination lot it created.
type MutationLine struct {
	ID         int64
	MutationID int64
	SrcLotID   int64
	DstLotID   int64
	ItemID     int64
	Qty        float64
}

// User-facing errors wrap the httpx sentinels so the generic fallback
// in httpx.RespondError picks the right status for paths the handler
// does not map itself. ErrInvariantViolation stays unwrapped: it is a
// bug, and a bug is a 500.
var (
	// ErrInvalidQuantity indicates a requested quantity of zero or less.
	ErrInvalidQuantity = fmt.Errorf("stock: quantity must be positive: %w", httpx.ErrValidation)
	// ErrInsufficientStock indicates the FIFO walk ran out of lots.
	ErrInsufficientStock = fmt.Errorf("stock: insufficient stock: %w", httpx.ErrUnprocessable)
	// ErrConcurrencyConflict indicates lock contention exhausted the retries.
	ErrConcurrencyConflict = fmt.Errorf("stock: concurrent update conflict: %w", httpx.ErrConflict)
	// ErrInvariantViolation signals a bug, not a user error. The
	// surrounding transaction must abort.
	ErrInvariantViolation = errors.New("stock: invariant violation")
	// ErrUsageNotFound indicates the usage event does not exist.
	ErrUsageNotFound = fmt.Errorf("stock: usage event not found: %w", httpx.ErrNotFound)
	// ErrSameSubject rejects mutations where source and destination match.
	ErrSameSubject = fmt.Errorf("stock: source and destination subject must differ: %w", httpx.ErrValidation)
)

// ShortfallError carries the exact unmet quantity for one item so the
// caller can display which request failed and by how much.
type ShortfallError struct {
	ItemID    int64
	SubjectID int64
	Requested float64
	Shortfall float64
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("stock: insufficient stock for item %d (requested %.4f, short %.4f)", e.ItemID, e.Requested, e.Shortfall)
}

// Unwrap lets callers match with errors.Is(err, ErrInsufficientStock).
func (e *ShortfallError) Unwrap() error {
	return ErrInsufficientStock
}

// consume draws qty from the lot, keeping the conservation identity
// QtyIn == QtyUsed + QtyMutated + QtyAvailable intact.
func consume(lot StockLot, qty float64) (StockLot, error) {
	if qty <= 0 {
		return StockLot{}, ErrInvalidQuantity
	}
	if qty > lot.QtyAvailable+qtyEpsilon {
		return StockLot{}, fmt.Errorf("%w: lot %d would go negative (available %.4f, take %.4f)", ErrInvariantViolation, lot.ID, lot.QtyAvailable, qty)
	}
	lot.QtyUsed += qty
	lot.QtyAvailable = lot.QtyIn - lot.QtyUsed - lot.QtyMutated
	if lot.QtyAvailable < 0 && lot.QtyAvailable > -qtyEpsilon {
		lot.QtyAvailable = 0
	}
	return lot, nil
}

// release reverses a prior consumption. Available is clamped at QtyIn
// defensively; a clamp firing means the ledger disagreed with the lot.
func release(lot StockLot, qty float64) (StockLot, error) {
	if qty <= 0 {
		return StockLot{}, ErrInvalidQuantity
	}
	lot.QtyUsed -= qty
	if lot.QtyUsed < 0 {
		if lot.QtyUsed < -qtyEpsilon {
			return StockLot{}, fmt.Errorf("%w: lot %d used would go negative by %.4f", ErrInvariantViolation, lot.ID, -lot.QtyUsed)
		}
		lot.QtyUsed = 0
	}
	lot.QtyAvailable = lot.QtyIn - lot.QtyUsed - lot.QtyMutated
	return lot, nil
}

// transferOut moves qty out of the lot to another subject.
func transferOut(lot StockLot, qty float64) (StockLot, error) {
	if qty <= 0 {
		return StockLot{}, ErrInvalidQuantity
	}
	if qty > lot.QtyAvailable+qtyEpsilon {
		return StockLot{}, fmt.Errorf("%w: lot %d would go negative (available %.4f, move %.4f)", ErrInvariantViolation, lot.ID, lot.QtyAvailable, qty)
	}
	lot.QtyMutated += qty
	lot.QtyAvailable = lot.QtyIn - lot.QtyUsed - lot.QtyMutated
	if lot.QtyAvailable < 0 && lot.QtyAvailable > -qtyEpsilon {
		lot.QtyAvailable = 0
	}
	return lot, nil
}

// checkConservation verifies the stored identity on a lot.
func checkConservation(lot StockLot) error {
	derived := lot.QtyIn - lot.QtyUsed - lot.QtyMutated
	if diff := lot.QtyAvailable - derived; diff > qtyEpsilon || diff < -qtyEpsilon {
		return fmt.Errorf("%w: lot %d available %.6f drifted from derived %.6f", ErrInvariantViolation, lot.ID, lot.QtyAvailable, derived)
	}
	if lot.QtyUsed < -qtyEpsilon || lot.QtyMutated < -qtyEpsilon || lot.QtyAvailable < -qtyEpsilon {
		return fmt.Errorf("%w: lot %d has negative quantities", ErrInvariantViolation, lot.ID)
	}
	return nil
}
