package intake

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kandang-erp/kandang-erp/internal/catalog"
	"github.com/kandang-erp/kandang-erp/internal/shared"
	"github.com/kandang-erp/kandang-erp/internal/stock"
)

// CatalogPort resolves items for unit normalization.
type CatalogPort interface {
	Get(ctx context.Context, id int64) (catalog.Item, error)
}

// StockPort exposes the lot operations intake drives. Both run against
// the lot store bound to intake's own transaction, so a failed batch
// never leaves a committed lot behind.
type StockPort interface {
	ReceiveLotTx(ctx context.Context, tx stock.TxRepository, input stock.ReceiveLotInput) (stock.StockLot, error)
	ResizeLotTx(ctx context.Context, tx stock.TxRepository, lotID int64, newQtySmall float64) (stock.StockLot, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates purchase intake. Each saved line opens exactly
// one stock lot; editing a line resizes that same lot.
type Service struct {
	repo    RepositoryPort
	catalog CatalogPort
	stock   StockPort
	audit   AuditPort
	logger  *slog.Logger
}

// NewService constructs the intake service.
func NewService(repo RepositoryPort, cat CatalogPort, stockPort StockPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, catalog: cat, stock: stockPort, audit: audit, logger: logger}
}

// LineInput is one purchased item in large units.
type LineInput struct {
	ItemID   int64
	QtyLarge float64
	Price    decimal.Decimal
}

// CreateBatchInput describes a purchase batch to record. SubjectID is
// the livestock batch or coop receiving the goods.
type CreateBatchInput struct {
	PartnerID int64
	SubjectID int64
	BatchDate time.Time
	Note      string
	ActorID   int64
	Lines     []LineInput
}

// CreateBatch persists the batch and opens one stock lot per line. The
// lot date is the batch date and the lot quantity is the line quantity
// normalized to small units.
func (s *Service) CreateBatch(ctx context.Context, input CreateBatchInput) (PurchaseBatch, []PurchaseLine, error) {
	if input.PartnerID == 0 || input.SubjectID == 0 || len(input.Lines) == 0 {
		return PurchaseBatch{}, nil, ErrValidation
	}
	if input.BatchDate.IsZero() {
		input.BatchDate = time.Now().UTC()
	}

	items := make(map[int64]catalog.Item, len(input.Lines))
	for _, line := range input.Lines {
		if line.ItemID == 0 || line.QtyLarge <= 0 || line.Price.IsNegative() {
			return PurchaseBatch{}, nil, ErrValidation
		}
		if _, ok := items[line.ItemID]; ok {
			continue
		}
		item, err := s.catalog.Get(ctx, line.ItemID)
		if err != nil {
			return PurchaseBatch{}, nil, fmt.Errorf("intake: resolve item %d: %w", line.ItemID, err)
		}
		items[line.ItemID] = item
	}

	batch := PurchaseBatch{PartnerID: input.PartnerID, SubjectID: input.SubjectID, BatchDate: input.BatchDate, Note: input.Note, CreatedBy: input.ActorID}
	var lines []PurchaseLine
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		batchID, err := tx.InsertBatch(ctx, batch)
		if err != nil {
			return err
		}
		batch.ID = batchID
		for _, in := range input.Lines {
			item := items[in.ItemID]
			line := PurchaseLine{
				BatchID:  batchID,
				ItemID:   in.ItemID,
				QtyLarge: in.QtyLarge,
				QtySmall: catalog.Normalize(item, in.QtyLarge),
				Price:    in.Price,
			}
			lineID, err := tx.InsertLine(ctx, line)
			if err != nil {
				return err
			}
			line.ID = lineID
			lot, err := s.stock.ReceiveLotTx(ctx, tx.Stock(), stock.ReceiveLotInput{
				ItemID:         in.ItemID,
				SubjectID:      input.SubjectID,
				PurchaseLineID: lineID,
				LotDate:        input.BatchDate,
				QtySmall:       line.QtySmall,
				ActorID:        input.ActorID,
			})
			if err != nil {
				return err
			}
			line.LotID = lot.ID
			if err := tx.SetLineLot(ctx, lineID, lot.ID); err != nil {
				return err
			}
			lines = append(lines, line)
		}
		return nil
	})
	if err != nil {
		return PurchaseBatch{}, nil, err
	}
	s.recordAudit(ctx, input.ActorID, "intake:BATCH_CREATE", batch.ID, map[string]any{
		"partner_id": input.PartnerID,
		"subject_id": input.SubjectID,
		"lines":      len(lines),
	})
	return batch, lines, nil
}

// UpdateLineInput describes a post-hoc edit of a purchase line.
type UpdateLineInput struct {
	LineID   int64
	QtyLarge float64
	Price    decimal.Decimal
	ActorID  int64
}

// UpdateLine rewrites a saved line's quantity and price. A quantity
// change resizes the backing lot; shrinking below what the lot has
// already given out fails with the stock shortfall error and leaves
// both the line and the lot untouched.
func (s *Service) UpdateLine(ctx context.Context, input UpdateLineInput) (PurchaseLine, error) {
	if input.QtyLarge <= 0 || input.Price.IsNegative() {
		return PurchaseLine{}, ErrValidation
	}
	line, err := s.repo.GetLine(ctx, input.LineID)
	if err != nil {
		return PurchaseLine{}, err
	}
	item, err := s.catalog.Get(ctx, line.ItemID)
	if err != nil {
		return PurchaseLine{}, fmt.Errorf("intake: resolve item %d: %w", line.ItemID, err)
	}
	newSmall := catalog.Normalize(item, input.QtyLarge)

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if line.LotID != 0 && newSmall != line.QtySmall {
			if _, err := s.stock.ResizeLotTx(ctx, tx.Stock(), line.LotID, newSmall); err != nil {
				return err
			}
		}
		line.QtyLarge = input.QtyLarge
		line.QtySmall = newSmall
		line.Price = input.Price
		return tx.UpdateLine(ctx, line)
	})
	if err != nil {
		return PurchaseLine{}, err
	}
	s.recordAudit(ctx, input.ActorID, "intake:LINE_EDIT", line.ID, map[string]any{
		"item_id":   line.ItemID,
		"qty_small": newSmall,
	})
	return line, nil
}

// GetBatch returns a batch with its lines.
func (s *Service) GetBatch(ctx context.Context, id int64) (PurchaseBatch, []PurchaseLine, error) {
	return s.repo.GetBatch(ctx, id)
}

// ListBatches pages through batches, newest first.
func (s *Service) ListBatches(ctx context.Context, filters ListFilters) ([]PurchaseBatch, int, error) {
	return s.repo.ListBatches(ctx, filters)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, refID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "purchase",
		EntityID: fmt.Sprintf("%d", refID),
		Meta:     meta,
	})
}
