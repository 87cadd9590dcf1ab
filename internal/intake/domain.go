package intake

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kandang-erp/kandang-erp/internal/platform/httpx"
)

// PurchaseBatch groups the lines bought from one partner on one date.
// PartnerID is the supplier the goods came from; SubjectID is the
// livestock batch or coop the stock is received into and becomes the
// owner of every lot the batch opens.
type PurchaseBatch struct {
	ID        int64
	PartnerID int64
	SubjectID int64
	BatchDate time.Time
	Note      string
	CreatedBy int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PurchaseLine is one bought item. QtyLarge is what the buyer typed;
// QtySmall is the normalized quantity the stock lot was opened with.
// Price is per large unit.
type PurchaseLine struct {
	ID        int64
	BatchID   int64
	ItemID    int64
	QtyLarge  float64
	QtySmall  float64
	Price     decimal.Decimal
	LotID     int64
	CreatedAt time.Time
}

// Subtotal is price times the purchased large-unit quantity.
func (l PurchaseLine) Subtotal() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromFloat(l.QtyLarge))
}

var (
	// ErrBatchNotFound indicates the purchase batch does not exist.
	ErrBatchNotFound = fmt.Errorf("intake: purchase batch not found: %w", httpx.ErrNotFound)
	// ErrLineNotFound indicates the purchase line does not exist.
	ErrLineNotFound = fmt.Errorf("intake: purchase line not found: %w", httpx.ErrNotFound)
	// ErrValidation flags bad input on an intake payload.
	ErrValidation = fmt.Errorf("intake: validation failed: %w", httpx.ErrValidation)
)
