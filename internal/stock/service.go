package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kandang-erp/kandang-erp/internal/platform/db"
	"github.com/kandang-erp/kandang-erp/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort abstracts allocation instrumentation.
type MetricsPort interface {
	ObserveAllocation(result string)
	ObserveShortfall(operation string)
	ObserveConflictRetry()
}

// Service coordinates usage and mutation transactions over stock lots.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	metrics     MetricsPort
	logger      *slog.Logger
	maxRetries  int
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	MaxRetries int
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, idem *shared.IdempotencyStore, metrics MetricsPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	retries := cfg.MaxRetries
	if retries < 1 {
		retries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, idempotency: idem, metrics: metrics, logger: logger, maxRetries: retries}
}

// UsageLineInput is one requested consumption for an item.
type UsageLineInput struct {
	ItemID int64
	Qty    float64
}

// UsageInput describes a usage posting.
type UsageInput struct {
	SubjectID int64
	UsageDate time.Time
	ActorID   int64
	RefID     string
	Lines     []UsageLineInput
}

// MutationLineInput is one requested transfer quantity for an item.
type MutationLineInput struct {
	ItemID int64
	Qty    float64
}

// MutationInput describes a transfer posting between subjects.
type MutationInput struct {
	SrcSubjectID int64
	DstSubjectID int64
	MutationDate time.Time
	Note         string
	ActorID      int64
	RefID        string
	Lines        []MutationLineInput
}

// UsageResult summarises a committed (or skipped) usage operation.
type UsageResult struct {
	Event     UsageEvent
	Lines     []UsageLine
	Unchanged bool
}

// MutationResult summarises a committed transfer.
type MutationResult struct {
	Event MutationEvent
	Lines []MutationLine
}

// CreateUsage validates and commits a usage event. Every requested line
// must be fully satisfiable; a shortfall on any line aborts the whole
// event without touching a single lot.
func (s *Service) CreateUsage(ctx context.Context, input UsageInput) (UsageResult, error) {
	grouped, err := groupLines(input.Lines)
	if err != nil {
		return UsageResult{}, err
	}
	if input.SubjectID == 0 {
		return UsageResult{}, errors.New("stock: subject required")
	}
	if input.UsageDate.IsZero() {
		input.UsageDate = time.Now().UTC()
	}
	release, err := s.claimIdempotency(ctx, "usage", input.RefID, input.SubjectID)
	if err != nil {
		return UsageResult{}, err
	}

	var result UsageResult
	err = s.withRetries(ctx, func(ctx context.Context, tx TxRepository) error {
		ev := UsageEvent{SubjectID: input.SubjectID, UsageDate: input.UsageDate, TotalQty: totalOf(grouped), CreatedBy: input.ActorID, UpdatedBy: input.ActorID}
		evID, err := tx.InsertUsageEvent(ctx, ev)
		if err != nil {
			return err
		}
		ev.ID = evID
		lines, err := s.allocateLines(ctx, tx, evID, input.SubjectID, grouped)
		if err != nil {
			return err
		}
		result = UsageResult{Event: ev, Lines: lines}
		return nil
	})
	if err != nil {
		release()
		s.observeFailure("usage", err)
		return UsageResult{}, err
	}
	s.observe("ok")
	s.recordAudit(ctx, input.ActorID, "stock:USAGE_CREATE", result.Event.ID, map[string]any{
		"subject_id": input.SubjectID,
		"total_qty":  result.Event.TotalQty,
		"lines":      len(result.Lines),
	})
	return result, nil
}

// UpdateUsage edits a committed usage event. An identical requested
// line set (grouped by item, summed) on the same date is a no-op and
// skips the reverse/recompute cycle entirely. Otherwise existing lines
// are reversed and a fresh FIFO allocation runs; the lot selection for
// the edited quantity may legitimately differ from the original, so
// lines are never diffed in place.
func (s *Service) UpdateUsage(ctx context.Context, usageID int64, input UsageInput) (UsageResult, error) {
	grouped, err := groupLines(input.Lines)
	if err != nil {
		return UsageResult{}, err
	}
	current, committed, err := s.repo.GetUsage(ctx, usageID)
	if err != nil {
		return UsageResult{}, err
	}
	if input.SubjectID == 0 {
		input.SubjectID = current.SubjectID
	}
	if input.SubjectID != current.SubjectID {
		return UsageResult{}, errors.New("stock: usage subject cannot change")
	}
	if input.UsageDate.IsZero() {
		input.UsageDate = current.UsageDate
	}
	if sameDay(input.UsageDate, current.UsageDate) && sameLineSet(grouped, committed) {
		return UsageResult{Event: current, Lines: committed, Unchanged: true}, nil
	}

	var result UsageResult
	err = s.withRetries(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := s.reverseUsageLines(ctx, tx, usageID); err != nil {
			return err
		}
		if err := tx.DeleteUsageLines(ctx, usageID); err != nil {
			return err
		}
		lines, err := s.allocateLines(ctx, tx, usageID, input.SubjectID, grouped)
		if err != nil {
			return err
		}
		ev := current
		ev.UsageDate = input.UsageDate
		ev.TotalQty = totalOf(grouped)
		ev.UpdatedBy = input.ActorID
		if err := tx.UpdateUsageEvent(ctx, ev); err != nil {
			return err
		}
		result = UsageResult{Event: ev, Lines: lines}
		return nil
	})
	if err != nil {
		s.observeFailure("usage_edit", err)
		return UsageResult{}, err
	}
	s.observe("ok")
	s.recordAudit(ctx, input.ActorID, "stock:USAGE_EDIT", usageID, map[string]any{
		"subject_id": input.SubjectID,
		"total_qty":  result.Event.TotalQty,
	})
	return result, nil
}

// CancelUsage reverses every line of a usage event and removes it.
func (s *Service) CancelUsage(ctx context.Context, usageID, actorID int64) error {
	err := s.withRetries(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := s.reverseUsageLines(ctx, tx, usageID); err != nil {
			return err
		}
		if err := tx.DeleteUsageLines(ctx, usageID); err != nil {
			return err
		}
		return tx.DeleteUsageEvent(ctx, usageID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "stock:USAGE_CANCEL", usageID, nil)
	return nil
}

// GetUsage returns a usage event with its allocation lines.
func (s *Service) GetUsage(ctx context.Context, usageID int64) (UsageEvent, []UsageLine, error) {
	return s.repo.GetUsage(ctx, usageID)
}

// GetSummary aggregates lot quantities for one (subject, item).
func (s *Service) GetSummary(ctx context.Context, subjectID, itemID int64) (StockSummary, error) {
	if subjectID == 0 || itemID == 0 {
		return StockSummary{}, errors.New("stock: subject and item required")
	}
	return s.repo.GetSummary(ctx, subjectID, itemID)
}

// PostMutation transfers stock between subjects. Source lots are
// selected by the same FIFO walk as usage; each draw increments the
// source lot's mutated quantity and creates a destination lot dated by
// the mutation.
func (s *Service) PostMutation(ctx context.Context, input MutationInput) (MutationResult, error) {
	grouped, err := groupMutationLines(input.Lines)
	if err != nil {
		return MutationResult{}, err
	}
	if input.SrcSubjectID == 0 || input.DstSubjectID == 0 {
		return MutationResult{}, errors.New("stock: source and destination subject required")
	}
	if input.SrcSubjectID == input.DstSubjectID {
		return MutationResult{}, ErrSameSubject
	}
	if input.MutationDate.IsZero() {
		input.MutationDate = time.Now().UTC()
	}
	release, err := s.claimIdempotency(ctx, "mutation", input.RefID, input.SrcSubjectID)
	if err != nil {
		return MutationResult{}, err
	}

	var result MutationResult
	err = s.withRetries(ctx, func(ctx context.Context, tx TxRepository) error {
		ev := MutationEvent{SrcSubjectID: input.SrcSubjectID, DstSubjectID: input.DstSubjectID, MutationDate: input.MutationDate, Note: input.Note, CreatedBy: input.ActorID}
		evID, err := tx.InsertMutationEvent(ctx, ev)
		if err != nil {
			return err
		}
		ev.ID = evID
		var lines []MutationLine
		for _, req := range grouped {
			lots, err := tx.ListOpenLotsForUpdate(ctx, req.ItemID, input.SrcSubjectID)
			if err != nil {
				return err
			}
			res, err := Allocate(lots, req.Qty)
			if err != nil {
				return err
			}
			if !res.Satisfied() {
				return &ShortfallError{ItemID: req.ItemID, SubjectID: input.SrcSubjectID, Requested: req.Qty, Shortfall: res.Shortfall}
			}
			byID := lotIndex(lots)
			for _, alloc := range res.Allocations {
				src, err := transferOut(byID[alloc.LotID], alloc.Qty)
				if err != nil {
					return err
				}
				if err := tx.UpdateLotQuantities(ctx, src); err != nil {
					return err
				}
				byID[alloc.LotID] = src
				dstLot := StockLot{
					ItemID:       req.ItemID,
					SubjectID:    input.DstSubjectID,
					MutationID:   evID,
					LotDate:      input.MutationDate,
					QtyIn:        alloc.Qty,
					QtyAvailable: alloc.Qty,
				}
				dstID, err := tx.InsertLot(ctx, dstLot)
				if err != nil {
					return err
				}
				line := MutationLine{MutationID: evID, SrcLotID: alloc.LotID, DstLotID: dstID, ItemID: req.ItemID, Qty: alloc.Qty}
				if err := tx.InsertMutationLine(ctx, line); err != nil {
					return err
				}
				lines = append(lines, line)
			}
		}
		result = MutationResult{Event: ev, Lines: lines}
		return nil
	})
	if err != nil {
		release()
		s.observeFailure("mutation", err)
		return MutationResult{}, err
	}
	s.observe("ok")
	s.recordAudit(ctx, input.ActorID, "stock:MUTATION", result.Event.ID, map[string]any{
		"src_subject_id": input.SrcSubjectID,
		"dst_subject_id": input.DstSubjectID,
		"lines":          len(result.Lines),
	})
	return result, nil
}

// ReceiveLotInput describes an inbound tranche from a purchase line.
type ReceiveLotInput struct {
	ItemID         int64
	SubjectID      int64
	PurchaseLineID int64
	LotDate        time.Time
	QtySmall       float64
	ActorID        int64
}

// ReceiveLot creates the stock lot for a saved purchase line in its
// own transaction. Callers that already hold a transaction (the intake
// batch writer) use ReceiveLotTx instead so the lot commits or rolls
// back together with the purchase rows.
func (s *Service) ReceiveLot(ctx context.Context, input ReceiveLotInput) (StockLot, error) {
	var lot StockLot
	err := s.withRetries(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, err = s.ReceiveLotTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return StockLot{}, err
	}
	s.recordAudit(ctx, input.ActorID, "stock:LOT_RECEIVE", lot.ID, map[string]any{
		"item_id":    input.ItemID,
		"subject_id": input.SubjectID,
		"qty_in":     input.QtySmall,
	})
	return lot, nil
}

// ReceiveLotTx creates the lot inside the caller's transaction. Exactly
// one lot exists per purchase line; the caller supplies the quantity
// already normalized to small units and owns commit, rollback and the
// audit trail.
func (s *Service) ReceiveLotTx(ctx context.Context, tx TxRepository, input ReceiveLotInput) (StockLot, error) {
	if input.ItemID == 0 || input.SubjectID == 0 || input.PurchaseLineID == 0 {
		return StockLot{}, errors.New("stock: item, subject and purchase line required")
	}
	if input.QtySmall <= 0 {
		return StockLot{}, ErrInvalidQuantity
	}
	if input.LotDate.IsZero() {
		input.LotDate = time.Now().UTC()
	}
	lot := StockLot{
		ItemID:         input.ItemID,
		SubjectID:      input.SubjectID,
		PurchaseLineID: input.PurchaseLineID,
		LotDate:        input.LotDate,
		QtyIn:          input.QtySmall,
		QtyAvailable:   input.QtySmall,
	}
	id, err := tx.InsertLot(ctx, lot)
	if err != nil {
		return StockLot{}, err
	}
	lot.ID = id
	return lot, nil
}

// ResizeLot re-derives a lot after its purchase line was edited
// post-hoc, in its own transaction. Transactional callers use
// ResizeLotTx.
func (s *Service) ResizeLot(ctx context.Context, lotID int64, newQtySmall float64, actorID int64) (StockLot, error) {
	var updated StockLot
	err := s.withRetries(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		updated, err = s.ResizeLotTx(ctx, tx, lotID, newQtySmall)
		return err
	})
	if err != nil {
		return StockLot{}, err
	}
	s.recordAudit(ctx, actorID, "stock:LOT_RESIZE", lotID, map[string]any{"qty_in": newQtySmall})
	return updated, nil
}

// ResizeLotTx rewrites a lot's inbound quantity inside the caller's
// transaction. The new quantity must still cover what was already
// consumed or transferred out of the lot; available is recomputed from
// the formula, never trusted from a cached total.
func (s *Service) ResizeLotTx(ctx context.Context, tx TxRepository, lotID int64, newQtySmall float64) (StockLot, error) {
	if newQtySmall <= 0 {
		return StockLot{}, ErrInvalidQuantity
	}
	lot, err := tx.GetLotForUpdate(ctx, lotID)
	if err != nil {
		return StockLot{}, err
	}
	committed := lot.QtyUsed + lot.QtyMutated
	if newQtySmall < committed-qtyEpsilon {
		return StockLot{}, &ShortfallError{ItemID: lot.ItemID, SubjectID: lot.SubjectID, Requested: newQtySmall, Shortfall: committed - newQtySmall}
	}
	lot.QtyIn = newQtySmall
	lot.QtyAvailable = lot.QtyIn - lot.QtyUsed - lot.QtyMutated
	if err := checkConservation(lot); err != nil {
		return StockLot{}, err
	}
	if err := tx.UpdateLotQuantities(ctx, lot); err != nil {
		return StockLot{}, err
	}
	return lot, nil
}

// allocateLines runs the FIFO allocation for every grouped request
// inside the current transaction and persists lots plus usage lines.
// After persisting it cross-checks the line sum per touched lot against
// the lot's used quantity; a mismatch is a bug and aborts.
func (s *Service) allocateLines(ctx context.Context, tx TxRepository, usageID, subjectID int64, grouped []UsageLineInput) ([]UsageLine, error) {
	var out []UsageLine
	touched := map[int64]StockLot{}
	for _, req := range grouped {
		lots, err := tx.ListOpenLotsForUpdate(ctx, req.ItemID, subjectID)
		if err != nil {
			return nil, err
		}
		res, err := Allocate(lots, req.Qty)
		if err != nil {
			return nil, err
		}
		if !res.Satisfied() {
			return nil, &ShortfallError{ItemID: req.ItemID, SubjectID: subjectID, Requested: req.Qty, Shortfall: res.Shortfall}
		}
		byID := lotIndex(lots)
		for _, alloc := range res.Allocations {
			lot, err := consume(byID[alloc.LotID], alloc.Qty)
			if err != nil {
				return nil, err
			}
			if err := checkConservation(lot); err != nil {
				return nil, err
			}
			if err := tx.UpdateLotQuantities(ctx, lot); err != nil {
				return nil, err
			}
			byID[alloc.LotID] = lot
			touched[lot.ID] = lot
			line := UsageLine{UsageID: usageID, LotID: alloc.LotID, ItemID: req.ItemID, QtyTaken: alloc.Qty}
			if err := tx.InsertUsageLine(ctx, line); err != nil {
				return nil, err
			}
			out = append(out, line)
		}
	}
	for lotID, lot := range touched {
		sum, err := tx.SumUsageForLot(ctx, lotID)
		if err != nil {
			return nil, err
		}
		if diff := sum - lot.QtyUsed; diff > qtyEpsilon || diff < -qtyEpsilon {
			s.logger.Error("usage line sum disagrees with lot",
				slog.Int64("lot_id", lotID),
				slog.Float64("line_sum", sum),
				slog.Float64("qty_used", lot.QtyUsed))
			return nil, fmt.Errorf("%w: lot %d line sum %.6f != used %.6f", ErrInvariantViolation, lotID, sum, lot.QtyUsed)
		}
	}
	return out, nil
}

// reverseUsageLines subtracts every committed line's effect from its
// lot. Effects are reversed lot by lot under row locks; the lines
// themselves are removed by the caller.
func (s *Service) reverseUsageLines(ctx context.Context, tx TxRepository, usageID int64) error {
	lines, err := tx.ListUsageLines(ctx, usageID)
	if err != nil {
		return err
	}
	for _, line := range lines {
		lot, err := tx.GetLotForUpdate(ctx, line.LotID)
		if err != nil {
			return err
		}
		lot, err = release(lot, line.QtyTaken)
		if err != nil {
			return err
		}
		if err := checkConservation(lot); err != nil {
			return err
		}
		if err := tx.UpdateLotQuantities(ctx, lot); err != nil {
			return err
		}
	}
	return nil
}

// withRetries wraps the transactional callback with a bounded retry on
// serialization and deadlock failures.
func (s *Service) withRetries(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	var err error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			if s.metrics != nil {
				s.metrics.ObserveConflictRetry()
			}
		}
		err = s.repo.WithTx(ctx, fn)
		if err == nil || !db.IsSerializationFailure(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
}

func (s *Service) claimIdempotency(ctx context.Context, module, refID string, subjectID int64) (func(), error) {
	if s.idempotency == nil || refID == "" {
		return func() {}, nil
	}
	if _, err := uuid.Parse(refID); err != nil {
		return nil, fmt.Errorf("stock: invalid ref id: %w", err)
	}
	key := fmt.Sprintf("stock:%s:%s:%d", module, refID, subjectID)
	if err := s.idempotency.CheckAndInsert(ctx, key, "stock"); err != nil {
		return nil, err
	}
	return func() { _ = s.idempotency.Delete(ctx, key) }, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, refID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "stock_tx",
		EntityID: fmt.Sprintf("%d", refID),
		Meta:     meta,
	})
}

func (s *Service) observe(result string) {
	if s.metrics != nil {
		s.metrics.ObserveAllocation(result)
	}
}

func (s *Service) observeFailure(operation string, err error) {
	if s.metrics == nil {
		return
	}
	if errors.Is(err, ErrInsufficientStock) {
		s.metrics.ObserveShortfall(operation)
		return
	}
	s.metrics.ObserveAllocation("error")
}

// groupLines merges requested lines by item, preserving first-seen
// order, and validates quantities.
func groupLines(lines []UsageLineInput) ([]UsageLineInput, error) {
	if len(lines) == 0 {
		return nil, errors.New("stock: at least one line required")
	}
	index := map[int64]int{}
	var grouped []UsageLineInput
	for _, line := range lines {
		if line.ItemID == 0 {
			return nil, errors.New("stock: line item required")
		}
		if line.Qty <= 0 {
			return nil, ErrInvalidQuantity
		}
		if i, ok := index[line.ItemID]; ok {
			grouped[i].Qty += line.Qty
			continue
		}
		index[line.ItemID] = len(grouped)
		grouped = append(grouped, line)
	}
	return grouped, nil
}

func groupMutationLines(lines []MutationLineInput) ([]MutationLineInput, error) {
	converted := make([]UsageLineInput, len(lines))
	for i, line := range lines {
		converted[i] = UsageLineInput{ItemID: line.ItemID, Qty: line.Qty}
	}
	grouped, err := groupLines(converted)
	if err != nil {
		return nil, err
	}
	out := make([]MutationLineInput, len(grouped))
	for i, line := range grouped {
		out[i] = MutationLineInput{ItemID: line.ItemID, Qty: line.Qty}
	}
	return out, nil
}

// sameLineSet compares grouped requested lines against committed usage
// lines summed per item, within epsilon.
func sameLineSet(grouped []UsageLineInput, committed []UsageLine) bool {
	committedByItem := map[int64]float64{}
	for _, line := range committed {
		committedByItem[line.ItemID] += line.QtyTaken
	}
	if len(committedByItem) != len(grouped) {
		return false
	}
	for _, req := range grouped {
		got, ok := committedByItem[req.ItemID]
		if !ok {
			return false
		}
		if diff := got - req.Qty; diff > qtyEpsilon || diff < -qtyEpsilon {
			return false
		}
	}
	return true
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func totalOf(grouped []UsageLineInput) float64 {
	total := 0.0
	for _, line := range grouped {
		total += line.Qty
	}
	return total
}

func lotIndex(lots []StockLot) map[int64]StockLot {
	byID := make(map[int64]StockLot, len(lots))
	for _, lot := range lots {
		byID[lot.ID] = lot
	}
	return byID
}
