package stock

import (
	"context"
	"time"
)

// StockSummary aggregates lot quantities per (subject, item).
type StockSummary struct {
	SubjectID    int64   `json:"subject_id"`
	ItemID       int64   `json:"item_id"`
	QtyIn        float64 `json:"qty_in"`
	QtyUsed      float64 `json:"qty_used"`
	QtyMutated   float64 `json:"qty_mutated"`
	QtyAvailable float64 `json:"qty_available"`
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetUsage(ctx context.Context, usageID int64) (UsageEvent, []UsageLine, error)
	GetSummary(ctx context.Context, subjectID, itemID int64) (StockSummary, error)
	CollectLedgerRows(ctx context.Context, subjectID, itemID int64, until time.Time) ([]LedgerEntry, error)
}

// TxRepository exposes transactional operations used by the service.
// Lot reads on the allocation path take row locks; the read-then-write
// sequence is the critical section.
type TxRepository interface {
	ListOpenLotsForUpdate(ctx context.Context, itemID, subjectID int64) ([]StockLot, error)
	GetLotForUpdate(ctx context.Context, lotID int64) (StockLot, error)
	UpdateLotQuantities(ctx context.Context, lot StockLot) error
	InsertLot(ctx context.Context, lot StockLot) (int64, error)
	InsertUsageEvent(ctx context.Context, ev UsageEvent) (int64, error)
	UpdateUsageEvent(ctx context.Context, ev UsageEvent) error
	ListUsageLines(ctx context.Context, usageID int64) ([]UsageLine, error)
	InsertUsageLine(ctx context.Context, line UsageLine) error
	DeleteUsageLines(ctx context.Context, usageID int64) error
	SumUsageForLot(ctx context.Context, lotID int64) (float64, error)
	DeleteUsageEvent(ctx context.Context, usageID int64) error
	InsertMutationEvent(ctx context.Context, ev MutationEvent) (int64, error)
	InsertMutationLine(ctx context.Context, line MutationLine) error
}
