package stock

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memoryRepo is an in-memory RepositoryPort/TxRepository double. WithTx
// snapshots state before the callback and restores it on error, the way
// a rolled-back transaction would.
type memoryRepo struct {
	nextID         int64
	lots           map[int64]StockLot
	usageEvents    map[int64]UsageEvent
	usageLines     map[int64][]UsageLine
	mutationEvents map[int64]MutationEvent
	mutationLines  []MutationLine
	ledgerRows     []LedgerEntry
	txCalls        int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		lots:           map[int64]StockLot{},
		usageEvents:    map[int64]UsageEvent{},
		usageLines:     map[int64][]UsageLine{},
		mutationEvents: map[int64]MutationEvent{},
	}
}

func (m *memoryRepo) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memoryRepo) addLot(lot StockLot) int64 {
	lot.ID = m.id()
	if lot.QtyAvailable == 0 && lot.QtyUsed == 0 && lot.QtyMutated == 0 {
		lot.QtyAvailable = lot.QtyIn
	}
	m.lots[lot.ID] = lot
	return lot.ID
}

func (m *memoryRepo) snapshot() *memoryRepo {
	cp := newMemoryRepo()
	cp.nextID = m.nextID
	for id, lot := range m.lots {
		cp.lots[id] = lot
	}
	for id, ev := range m.usageEvents {
		cp.usageEvents[id] = ev
	}
	for id, lines := range m.usageLines {
		cp.usageLines[id] = append([]UsageLine(nil), lines...)
	}
	for id, ev := range m.mutationEvents {
		cp.mutationEvents[id] = ev
	}
	cp.mutationLines = append([]MutationLine(nil), m.mutationLines...)
	return cp
}

func (m *memoryRepo) restore(cp *memoryRepo) {
	m.nextID = cp.nextID
	m.lots = cp.lots
	m.usageEvents = cp.usageEvents
	m.usageLines = cp.usageLines
	m.mutationEvents = cp.mutationEvents
	m.mutationLines = cp.mutationLines
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.txCalls++
	cp := m.snapshot()
	if err := fn(ctx, m); err != nil {
		m.restore(cp)
		return err
	}
	return nil
}

func (m *memoryRepo) GetUsage(_ context.Context, usageID int64) (UsageEvent, []UsageLine, error) {
	ev, ok := m.usageEvents[usageID]
	if !ok {
		return UsageEvent{}, nil, ErrUsageNotFound
	}
	return ev, append([]UsageLine(nil), m.usageLines[usageID]...), nil
}

func (m *memoryRepo) GetSummary(_ context.Context, subjectID, itemID int64) (StockSummary, error) {
	sum := StockSummary{SubjectID: subjectID, ItemID: itemID}
	for _, lot := range m.lots {
		if lot.SubjectID != subjectID || lot.ItemID != itemID {
			continue
		}
		sum.QtyIn += lot.QtyIn
		sum.QtyUsed += lot.QtyUsed
		sum.QtyMutated += lot.QtyMutated
		sum.QtyAvailable += lot.QtyAvailable
	}
	return sum, nil
}

func (m *memoryRepo) CollectLedgerRows(_ context.Context, _, _ int64, until time.Time) ([]LedgerEntry, error) {
	var out []LedgerEntry
	for _, row := range m.ledgerRows {
		if !until.IsZero() && row.Date.After(until) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func (m *memoryRepo) ListOpenLotsForUpdate(_ context.Context, itemID, subjectID int64) ([]StockLot, error) {
	var out []StockLot
	for _, lot := range m.lots {
		if lot.ItemID == itemID && lot.SubjectID == subjectID && lot.QtyAvailable > 0 {
			out = append(out, lot)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LotDate.Equal(out[j].LotDate) {
			return out[i].LotDate.Before(out[j].LotDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memoryRepo) GetLotForUpdate(_ context.Context, lotID int64) (StockLot, error) {
	lot, ok := m.lots[lotID]
	if !ok {
		return StockLot{}, ErrUsageNotFound
	}
	return lot, nil
}

func (m *memoryRepo) UpdateLotQuantities(_ context.Context, lot StockLot) error {
	m.lots[lot.ID] = lot
	return nil
}

func (m *memoryRepo) InsertLot(_ context.Context, lot StockLot) (int64, error) {
	lot.ID = m.id()
	m.lots[lot.ID] = lot
	return lot.ID, nil
}

func (m *memoryRepo) InsertUsageEvent(_ context.Context, ev UsageEvent) (int64, error) {
	ev.ID = m.id()
	m.usageEvents[ev.ID] = ev
	return ev.ID, nil
}

func (m *memoryRepo) UpdateUsageEvent(_ context.Context, ev UsageEvent) error {
	if _, ok := m.usageEvents[ev.ID]; !ok {
		return ErrUsageNotFound
	}
	m.usageEvents[ev.ID] = ev
	return nil
}

func (m *memoryRepo) ListUsageLines(_ context.Context, usageID int64) ([]UsageLine, error) {
	return append([]UsageLine(nil), m.usageLines[usageID]...), nil
}

func (m *memoryRepo) InsertUsageLine(_ context.Context, line UsageLine) error {
	line.ID = m.id()
	m.usageLines[line.UsageID] = append(m.usageLines[line.UsageID], line)
	return nil
}

func (m *memoryRepo) DeleteUsageLines(_ context.Context, usageID int64) error {
	delete(m.usageLines, usageID)
	return nil
}

func (m *memoryRepo) SumUsageForLot(_ context.Context, lotID int64) (float64, error) {
	total := 0.0
	for _, lines := range m.usageLines {
		for _, line := range lines {
			if line.LotID == lotID {
				total += line.QtyTaken
			}
		}
	}
	return total, nil
}

func (m *memoryRepo) DeleteUsageEvent(_ context.Context, usageID int64) error {
	delete(m.usageEvents, usageID)
	return nil
}

func (m *memoryRepo) InsertMutationEvent(_ context.Context, ev MutationEvent) (int64, error) {
	ev.ID = m.id()
	m.mutationEvents[ev.ID] = ev
	return ev.ID, nil
}

func (m *memoryRepo) InsertMutationLine(_ context.Context, line MutationLine) error {
	line.ID = m.id()
	m.mutationLines = append(m.mutationLines, line)
	return nil
}

func newTestService(repo *memoryRepo) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(repo, nil, nil, nil, logger, ServiceConfig{MaxRetries: 3})
}

func TestCreateUsageAllocatesFIFO(t *testing.T) {
	repo := newMemoryRepo()
	oldID := repo.addLot(StockLot{ItemID: 1, SubjectID: 10, LotDate: day(1), QtyIn: 10})
	newID := repo.addLot(StockLot{ItemID: 1, SubjectID: 10, LotDate: day(5), QtyIn: 10})
	svc := newTestService(repo)

	result, err := svc.CreateUsage(context.Background(), UsageInput{
		SubjectID: 10,
		UsageDate: day(6),
		ActorID:   1,
		Lines:     []UsageLineInput{{ItemID: 1, Qty: 12}},
	})
	require.NoError(t, err)
	require.Len(t, result.Lines, 2)
	require.Equal(t, oldID, result.Lines[0].LotID)
	require.InDelta(t, 10, result.Lines[0].QtyTaken, 1e-9)
	require.Equal(t, newID, result.Lines[1].LotID)
	require.InDelta(t, 2, result.Lines[1].QtyTaken, 1e-9)

	require.InDelta(t, 0, repo.lots[oldID].QtyAvailable, 1e-9)
	require.InDelta(t, 8, repo.lots[newID].QtyAvailable, 1e-9)
	require.NoError(t, checkConservation(repo.lots[oldID]))
	require.NoError(t, checkConservation(repo.lots[newID]))
	require.InDelta(t, 12, result.Event.TotalQty, 1e-9)
}

func TestCreateUsageMergesDuplicateItemLines(t *testing.T) {
	repo := newMemoryRepo()
	lotID := repo.addLot(StockLot{ItemID: 1, SubjectID: 10, LotDate: day(1), QtyIn: 10})
	svc := newTestService(repo)

	result, err := svc.CreateUsage(context.Background(), UsageInput{
		SubjectID: 10,
		UsageDate: day(2),
		ActorID:   1,
		Lines:     []UsageLineInput{{ItemID: 1, Qty: 3}, {ItemID: 1, Qty: 4}},
	})
	require.NoError(t, err)
	require.Len(t, result.Lines, 1)
	require.InDelta(t, 7, result.Lines[0].QtyTaken, 1e-9)
	require.InDelta(t, 3, repo.lots[lotID].QtyAvailable, 1e-9)
}

func TestCreateUsageShortfallIsAllOrNothing(t *testing.T) {
	repo := newMemoryRepo()
	okLot := repo.addLot(StockLot{ItemID: 1, SubjectID: 10, LotDate: day(1), QtyIn: 50})
	thinLot := repo.addLot(StockLot{ItemID: 2, SubjectID: 10, LotDate: day(1), QtyIn: 5})
	svc := newTestService(repo)

	_, err := svc.CreateUsage(context.Background(), UsageInput{
		SubjectID: 10,
		UsageDate: day(2),
		ActorID:   1,
		Lines: []UsageLineInput{
			{ItemID: 1, Qty: 20},
			{ItemID: 2, Qty: 9},
		},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)

	var shortfall *ShortfallError
	require.ErrorAs(t, err, &shortfall)
	require.Equal(t, int64(2), shortfall.ItemID)
	require.InDelta(t, 9, shortfall.Requested, 1e-9)
	require.InDelta(t, 4, shortfall.Shortfall, 1e-9)

	// The satisfiable first line must not leave residue behind.
	require.InDelta(t, 50, repo.lots[okLot].QtyAvailable, 1e-9)
	require.InDelta(t, 5, repo.lots[thinLot].QtyAvailable, 1e-9)
	require.Empty(t, repo.usageEvents)
}

func TestCreateUsageRejectsBadLines(t *testing.T) {
	svc := newTestService(newMemoryRepo())

	_, err := svc.CreateUsage(context.Background(), UsageInput{SubjectID: 10, ActorID: 1})
	require.Error(t, err)

	_, err = svc.CreateUsage(context.Background(), UsageInput{
		SubjectID: 10, ActorID: 1,
		Lines: []UsageLineInput{{ItemID: 1, Qty: 0}},
	})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.CreateUsage(context.Background(), UsageInput{
		SubjectID: 10, ActorID: 1,
		Lines: []UsageLineInput{{ItemID: 1, Qty: -2}},
	})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestUpdateUsageNoOpSkipsRewrite(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLot(StockLot{ItemID: 1, SubjectID: 10, LotDate: day(1), QtyIn: 10})
	svc := newTestService(repo)

	created, err := svc.CreateUsage(context.Background(), UsageInput{
		SubjectID: 10, UsageDate: day(2), ActorID: 1,
		Lines: []UsageLineInput{{ItemID: 1, Qty: 4}},
	})
	require.NoError(t, err)

	txBefore := repo.txCalls
	result, err := svc.UpdateUsage(context.Background(), created.Event.ID, UsageInput{
		SubjectID: 10, UsageDate: day(2), ActorID: 2,
		Lines: []UsageLineInput{{ItemID: 1, Qty: 4}},
	})
	require.NoError(t, err)
	require.True(t, result.Unchanged)
	require.Equal(t, txBefore, repo.txCalls)
	// Original author kept; the no-op touches nothing.
	require.Equal(t, int64(1), repo.usageEvents[created.Event.ID].UpdatedBy)
}

func TestUpdateUsageReversesThenRecomputes(t *testing.T) {
	repo := newMemoryRepo()
	lotID := repo.addLot(StockLot{ItemID: 1, SubjectID: 10, LotDate: day(1), QtyIn: 10})
	svc := newTestService(repo)

	created, err := svc.CreateUsage(context.Background(), UsageInput{
		SubjectID: 10, UsageDate: day(2), ActorID: 1,
		Lines: []UsageLineInput{{ItemID: 1, Qty: 8}},
	})
	require.NoError(t, err)
	require.InDelta(t, 2, repo.lots[lotID].QtyAvailable, 1e-9)

	result, err := svc.UpdateUsage(context.Background(), created.Event.ID, UsageInput{
		SubjectID: 10, UsageDate: day(2), ActorID: 2,
		Lines: []UsageLineInput{{ItemID: 1, Qty: 3}},
	})
	require.NoError(t, err)
	require.False(t, result.Unchanged)
	require.InDelta(t, 3, repo.lots[lotID].QtyUsed, 1e-9)
	require.InDelta(t, 7, repo.lots[lotID].QtyAvailable, 1e-9)
	require.NoError(t, checkConservation(repo.lots[lotID]))
	require.InDelta(t, 3, repo.usageEvents[created.Event.ID].TotalQty, 1e-9)
	require.Equal(t, int64(2), repo.usageEvents[created.Event.ID].UpdatedBy)
}

func TestUpdateUsageGrowBeyondStockFails(t *testing.T) {
	repo := newMemoryRepo()
	lotID := repo.addLot(StockLot{ItemID: 1, SubjectID: 10, LotDate: day(1), QtyIn: 10})
	svc := newTestService(repo)

	created, err := svc.CreateUsage(context.Background(), UsageInput{
		SubjectID: 10, UsageDate: day(2), ActorID: 1,
		Lines: []UsageLineInput{{ItemID: 1, Qty: 8}},
	})
	require.NoError(t, err)

	// After the reverse the full 10 is free again, so growing to 11
	// shortfalls by 1 and the original allocation survives the rollback.
	_, err = svc.UpdateUsage(context.Background(), created.Event.ID, UsageInput{
		SubjectID: 10, UsageDate: day(2), ActorID: 1,
		Lines: []UsageLineInput{{ItemID: 1, Qty: 11}},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
	var shortfall *ShortfallError
	require.ErrorAs(t, err, &shortfall)
	require.InDelta(t, 1, shortfall.Shortfall, 1e-9)

	require.InDelta(t, 8, repo.lots[lotID].QtyUsed, 1e-9)
	require.InDelta(t, 2, repo.lots[lotID].QtyAvailable, 1e-9)
	require.Len(t, repo.usageLines[created.Event.ID], 1)
}

func TestUpdateUsageDateChangeForcesRewrite(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLot(StockLot{ItemID: 1, SubjectID: 10, LotDate: day(1), QtyIn: 10})
	svc := newTestService(repo)

	created, err := svc.CreateUsage(context.Background(), UsageInput{
		SubjectID: 10, UsageDate: day(2), ActorID: 1,
		Lines: []UsageLineInput{{ItemID: 1, Qty: 4}},
	})
	require.NoError(t, err)

	result, err := svc.UpdateUsage(context.Background(), created.Event.ID, UsageInput{
		SubjectID: 10, UsageDate: day(3), ActorID: 1,
		Lines: []UsageLineInput{{ItemID: 1, Qty: 4}},
	})
	require.NoError(t, err)
	require.False(t, result.Unchanged)
	require.True(t, repo.usageEvents[created.Event.ID].UsageDate.Equal(day(3)))
}

func TestUpdateUsageSubjectChangeRejected(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLot(StockLot{ItemID: 1, SubjectID: 10, LotDate: day(1), QtyIn: 10})
	svc := newTestService(repo)

	created, err := svc.CreateUsage(context.Background(), UsageInput{
		SubjectID: 10, UsageDate: day(2), ActorID: 1,
		Lines: []UsageLineInput{{ItemID: 1, Qty: 4}},
	})
	require.NoError(t, err)

	_, err = svc.UpdateUsage(context.Background(), created.Event.ID, UsageInput{
		SubjectID: 11, UsageDate: day(2), ActorID: 1,
		Lines: []UsageLineInput{{ItemID: 1, Qty: 4}},
	})
	require.Error(t, err)
}

func TestUpdateUsageMissingEvent(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	_, err := svc.UpdateUsage(context.Background(), 99, UsageInput{
		SubjectID: 10, ActorID: 1,
		Lines: []UsageLineInput{{ItemID: 1, Qty: 1}},
	})
	require.ErrorIs(t, err, ErrUsageNotFound)
}

func TestCancelUsageReleasesLots(t *testing.T) {
	repo := newMemoryRepo()
	lotID := repo.addLot(StockLot{ItemID: 1, SubjectID: 10, LotDate: day(1), QtyIn: 10})
	svc := newTestService(repo)

	created, err := svc.CreateUsage(context.Background(), UsageInput{
		SubjectID: 10, UsageDate: day(2), ActorID: 1,
		Lines: []UsageLineInput{{ItemID: 1, Qty: 6}},
	})
	require.NoError(t, err)

	require.NoError(t, svc.CancelUsage(context.Background(), created.Event.ID, 1))
	require.InDelta(t, 10, repo.lots[lotID].QtyAvailable, 1e-9)
	require.Empty(t, repo.usageEvents)
	require.Empty(t, repo.usageLines)
}

func TestPostMutationMovesStock(t *testing.T) {
	repo := newMemoryRepo()
	srcOld := repo.addLot(StockLot{ItemID: 1, SubjectID: 10, LotDate: day(1), QtyIn: 5})
	srcNew := repo.addLot(StockLot{ItemID: 1, SubjectID: 10, LotDate: day(3), QtyIn: 10})
	svc := newTestService(repo)

	result, err := svc.PostMutation(context.Background(), MutationInput{
		SrcSubjectID: 10,
		DstSubjectID: 20,
		MutationDate: day(4),
		ActorID:      1,
		Lines:        []MutationLineInput{{ItemID: 1, Qty: 8}},
	})
	require.NoError(t, err)
	require.Len(t, result.Lines, 2)
	require.Equal(t, srcOld, result.Lines[0].SrcLotID)
	require.InDelta(t, 5, result.Lines[0].Qty, 1e-9)
	require.Equal(t, srcNew, result.Lines[1].SrcLotID)
	require.InDelta(t, 3, result.Lines[1].Qty, 1e-9)

	require.InDelta(t, 5, repo.lots[srcOld].QtyMutated, 1e-9)
	require.InDelta(t, 0, repo.lots[srcOld].QtyAvailable, 1e-9)
	require.InDelta(t, 3, repo.lots[srcNew].QtyMutated, 1e-9)
	require.InDelta(t, 7, repo.lots[srcNew].QtyAvailable, 1e-9)

	for _, line := range result.Lines {
		dst := repo.lots[line.DstLotID]
		require.Equal(t, int64(20), dst.SubjectID)
		require.Equal(t, result.Event.ID, dst.MutationID)
		require.True(t, dst.LotDate.Equal(day(4)))
		require.InDelta(t, line.Qty, dst.QtyIn, 1e-9)
		require.InDelta(t, line.Qty, dst.QtyAvailable, 1e-9)
		require.NoError(t, checkConservation(dst))
	}
}

func TestPostMutationSameSubjectRejected(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	_, err := svc.PostMutation(context.Background(), MutationInput{
		SrcSubjectID: 10, DstSubjectID: 10, ActorID: 1,
		Lines: []MutationLineInput{{ItemID: 1, Qty: 1}},
	})
	require.ErrorIs(t, err, ErrSameSubject)
}

func TestPostMutationShortfallRollsBack(t *testing.T) {
	repo := newMemoryRepo()
	srcID := repo.addLot(StockLot{ItemID: 1, SubjectID: 10, LotDate: day(1), QtyIn: 5})
	svc := newTestService(repo)

	_, err := svc.PostMutation(context.Background(), MutationInput{
		SrcSubjectID: 10, DstSubjectID: 20, ActorID: 1,
		Lines: []MutationLineInput{{ItemID: 1, Qty: 6}},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.InDelta(t, 5, repo.lots[srcID].QtyAvailable, 1e-9)
	require.Empty(t, repo.mutationEvents)
	require.Len(t, repo.lots, 1)
}

func TestReceiveLotCreatesOpenLot(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)

	lot, err := svc.ReceiveLot(context.Background(), ReceiveLotInput{
		ItemID: 1, SubjectID: 10, PurchaseLineID: 77,
		LotDate: day(1), QtySmall: 500, ActorID: 1,
	})
	require.NoError(t, err)
	require.NotZero(t, lot.ID)
	require.InDelta(t, 500, lot.QtyIn, 1e-9)
	require.InDelta(t, 500, lot.QtyAvailable, 1e-9)
	require.NoError(t, checkConservation(repo.lots[lot.ID]))
}

func TestResizeLotRecomputesAvailable(t *testing.T) {
	repo := newMemoryRepo()
	lotID := repo.addLot(StockLot{ItemID: 1, SubjectID: 10, LotDate: day(1), QtyIn: 10, QtyUsed: 4, QtyAvailable: 6})
	svc := newTestService(repo)

	updated, err := svc.ResizeLot(context.Background(), lotID, 8, 1)
	require.NoError(t, err)
	require.InDelta(t, 8, updated.QtyIn, 1e-9)
	require.InDelta(t, 4, updated.QtyAvailable, 1e-9)
	require.NoError(t, checkConservation(repo.lots[lotID]))
}

func TestResizeLotBelowCommittedFails(t *testing.T) {
	repo := newMemoryRepo()
	lotID := repo.addLot(StockLot{ItemID: 1, SubjectID: 10, LotDate: day(1), QtyIn: 10, QtyUsed: 4, QtyMutated: 2, QtyAvailable: 4})
	svc := newTestService(repo)

	_, err := svc.ResizeLot(context.Background(), lotID, 5, 1)
	require.ErrorIs(t, err, ErrInsufficientStock)
	var shortfall *ShortfallError
	require.ErrorAs(t, err, &shortfall)
	require.InDelta(t, 1, shortfall.Shortfall, 1e-9)
	require.InDelta(t, 10, repo.lots[lotID].QtyIn, 1e-9)
}

func TestGetSummaryAggregatesLots(t *testing.T) {
	repo := newMemoryRepo()
	repo.addLot(StockLot{ItemID: 1, SubjectID: 10, LotDate: day(1), QtyIn: 10, QtyUsed: 3, QtyAvailable: 7})
	repo.addLot(StockLot{ItemID: 1, SubjectID: 10, LotDate: day(2), QtyIn: 5, QtyMutated: 1, QtyAvailable: 4})
	repo.addLot(StockLot{ItemID: 2, SubjectID: 10, LotDate: day(2), QtyIn: 99})
	svc := newTestService(repo)

	sum, err := svc.GetSummary(context.Background(), 10, 1)
	require.NoError(t, err)
	require.InDelta(t, 15, sum.QtyIn, 1e-9)
	require.InDelta(t, 3, sum.QtyUsed, 1e-9)
	require.InDelta(t, 1, sum.QtyMutated, 1e-9)
	require.InDelta(t, 11, sum.QtyAvailable, 1e-9)
}
