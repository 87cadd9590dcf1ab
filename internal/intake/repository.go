package intake

import (
	"context"
	"time"

	"github.com/kandang-erp/kandang-erp/internal/stock"
)

// ListFilters narrows batch listings.
type ListFilters struct {
	PartnerID int64
	SubjectID int64
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBatch(ctx context.Context, id int64) (PurchaseBatch, []PurchaseLine, error)
	GetLine(ctx context.Context, id int64) (PurchaseLine, error)
	ListBatches(ctx context.Context, filters ListFilters) ([]PurchaseBatch, int, error)
}

// TxRepository exposes transactional operations used by Service. Stock
// hands out a lot store bound to the same transaction, so purchase rows
// and their lots commit or roll back as one unit.
type TxRepository interface {
	InsertBatch(ctx context.Context, batch PurchaseBatch) (int64, error)
	UpdateBatch(ctx context.Context, batch PurchaseBatch) error
	InsertLine(ctx context.Context, line PurchaseLine) (int64, error)
	UpdateLine(ctx context.Context, line PurchaseLine) error
	SetLineLot(ctx context.Context, lineID, lotID int64) error
	Stock() stock.TxRepository
}
