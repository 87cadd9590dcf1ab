package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kandang-erp/kandang-erp/internal/platform/db"
)

// Repository persists stock data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stock repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// NewTxRepository wraps an already open transaction so another module
// (the purchase intake writer) can run lot operations inside its own
// transaction boundary.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

func (r *Repository) GetUsage(ctx context.Context, usageID int64) (UsageEvent, []UsageLine, error) {
	var ev UsageEvent
	err := r.pool.QueryRow(ctx, `SELECT id, subject_id, usage_date, total_qty, created_by, updated_by, created_at, updated_at
FROM usage_events WHERE id=$1`, usageID).
		Scan(&ev.ID, &ev.SubjectID, &ev.UsageDate, &ev.TotalQty, &ev.CreatedBy, &ev.UpdatedBy, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UsageEvent{}, nil, ErrUsageNotFound
		}
		return UsageEvent{}, nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, usage_id, lot_id, item_id, qty_taken FROM usage_lines WHERE usage_id=$1 ORDER BY id ASC`, usageID)
	if err != nil {
		return UsageEvent{}, nil, err
	}
	defer rows.Close()
	var lines []UsageLine
	for rows.Next() {
		var line UsageLine
		if err := rows.Scan(&line.ID, &line.UsageID, &line.LotID, &line.ItemID, &line.QtyTaken); err != nil {
			return UsageEvent{}, nil, err
		}
		lines = append(lines, line)
	}
	return ev, lines, rows.Err()
}

func (r *Repository) GetSummary(ctx context.Context, subjectID, itemID int64) (StockSummary, error) {
	summary := StockSummary{SubjectID: subjectID, ItemID: itemID}
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(qty_in),0), COALESCE(SUM(qty_used),0), COALESCE(SUM(qty_mutated),0), COALESCE(SUM(qty_available),0)
FROM stock_lots WHERE subject_id=$1 AND item_id=$2`, subjectID, itemID).
		Scan(&summary.QtyIn, &summary.QtyUsed, &summary.QtyMutated, &summary.QtyAvailable)
	return summary, err
}

// CollectLedgerRows gathers the three event families for one card in a
// deterministic append order (purchases, usages, mutations); the
// chronological sort and balance sweep happen in the service layer.
func (r *Repository) CollectLedgerRows(ctx context.Context, subjectID, itemID int64, until time.Time) ([]LedgerEntry, error) {
	var entries []LedgerEntry

	rows, err := r.pool.Query(ctx, `SELECT l.id, l.lot_date, l.qty_in
FROM stock_lots l
WHERE l.subject_id=$1 AND l.item_id=$2 AND l.purchase_line_id IS NOT NULL AND l.lot_date <= COALESCE($3, 'infinity'::timestamptz)
ORDER BY l.lot_date ASC, l.id ASC`, subjectID, itemID, nullTime(until))
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.RefID, &e.Date, &e.In); err != nil {
			rows.Close()
			return nil, err
		}
		e.Kind = EntryKindPurchase
		e.Description = "Pembelian"
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.pool.Query(ctx, `SELECT ul.id, ue.usage_date, ul.qty_taken
FROM usage_lines ul
JOIN usage_events ue ON ue.id = ul.usage_id
JOIN stock_lots l ON l.id = ul.lot_id
WHERE l.subject_id=$1 AND ul.item_id=$2 AND ue.usage_date <= COALESCE($3, 'infinity'::timestamptz)
ORDER BY ue.usage_date ASC, ul.id ASC`, subjectID, itemID, nullTime(until))
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.RefID, &e.Date, &e.Out); err != nil {
			rows.Close()
			return nil, err
		}
		e.Kind = EntryKindUsage
		e.Description = "Pemakaian"
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.pool.Query(ctx, `SELECT ml.id, me.mutation_date, ml.qty, me.dst_subject_id
FROM mutation_lines ml
JOIN mutation_events me ON me.id = ml.mutation_id
JOIN stock_lots src ON src.id = ml.src_lot_id
WHERE src.subject_id=$1 AND ml.item_id=$2 AND me.mutation_date <= COALESCE($3, 'infinity'::timestamptz)
ORDER BY me.mutation_date ASC, ml.id ASC`, subjectID, itemID, nullTime(until))
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var e LedgerEntry
		var dst int64
		if err := rows.Scan(&e.RefID, &e.Date, &e.Out, &dst); err != nil {
			rows.Close()
			return nil, err
		}
		e.Kind = EntryKindMutationOut
		e.Description = fmt.Sprintf("Mutasi keluar ke subjek %d", dst)
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.pool.Query(ctx, `SELECT ml.id, me.mutation_date, ml.qty, me.src_subject_id
FROM mutation_lines ml
JOIN mutation_events me ON me.id = ml.mutation_id
JOIN stock_lots dst ON dst.id = ml.dst_lot_id
WHERE dst.subject_id=$1 AND ml.item_id=$2 AND me.mutation_date <= COALESCE($3, 'infinity'::timestamptz)
ORDER BY me.mutation_date ASC, ml.id ASC`, subjectID, itemID, nullTime(until))
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var e LedgerEntry
		var src int64
		if err := rows.Scan(&e.RefID, &e.Date, &e.In, &src); err != nil {
			rows.Close()
			return nil, err
		}
		e.Kind = EntryKindMutationIn
		e.Description = fmt.Sprintf("Mutasi masuk dari subjek %d", src)
		entries = append(entries, e)
	}
	rows.Close()
	return entries, rows.Err()
}

type txRepository struct {
	tx pgx.Tx
}

const lotColumns = `id, item_id, subject_id, purchase_line_id, mutation_id, lot_date, qty_in, qty_used, qty_mutated, qty_available, created_at`

func scanLot(row pgx.Row) (StockLot, error) {
	var lot StockLot
	var purchaseLineID, mutationID *int64
	err := row.Scan(&lot.ID, &lot.ItemID, &lot.SubjectID, &purchaseLineID, &mutationID, &lot.LotDate,
		&lot.QtyIn, &lot.QtyUsed, &lot.QtyMutated, &lot.QtyAvailable, &lot.CreatedAt)
	if err != nil {
		return StockLot{}, err
	}
	if purchaseLineID != nil {
		lot.PurchaseLineID = *purchaseLineID
	}
	if mutationID != nil {
		lot.MutationID = *mutationID
	}
	return lot, nil
}

// ListOpenLotsForUpdate locks and returns lots with stock left, ordered
// for the FIFO walk. The FOR UPDATE lock serialises concurrent
// allocations against the same (item, subject).
func (r *txRepository) ListOpenLotsForUpdate(ctx context.Context, itemID, subjectID int64) ([]StockLot, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+lotColumns+` FROM stock_lots
WHERE item_id=$1 AND subject_id=$2 AND qty_available > 0
ORDER BY lot_date ASC, id ASC
FOR UPDATE`, itemID, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lots []StockLot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func (r *txRepository) GetLotForUpdate(ctx context.Context, lotID int64) (StockLot, error) {
	lot, err := scanLot(r.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM stock_lots WHERE id=$1 FOR UPDATE`, lotID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockLot{}, fmt.Errorf("%w: lot %d missing", ErrInvariantViolation, lotID)
		}
		return StockLot{}, err
	}
	return lot, nil
}

func (r *txRepository) UpdateLotQuantities(ctx context.Context, lot StockLot) error {
	tag, err := r.tx.Exec(ctx, `UPDATE stock_lots SET qty_in=$2, qty_used=$3, qty_mutated=$4, qty_available=$5 WHERE id=$1`,
		lot.ID, lot.QtyIn, lot.QtyUsed, lot.QtyMutated, lot.QtyAvailable)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: lot %d missing on update", ErrInvariantViolation, lot.ID)
	}
	return nil
}

func (r *txRepository) InsertLot(ctx context.Context, lot StockLot) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_lots (item_id, subject_id, purchase_line_id, mutation_id, lot_date, qty_in, qty_used, qty_mutated, qty_available, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW()) RETURNING id`,
		lot.ItemID, lot.SubjectID, nullInt(lot.PurchaseLineID), nullInt(lot.MutationID), lot.LotDate,
		lot.QtyIn, lot.QtyUsed, lot.QtyMutated, lot.QtyAvailable).Scan(&id)
	return id, err
}

func (r *txRepository) InsertUsageEvent(ctx context.Context, ev UsageEvent) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO usage_events (subject_id, usage_date, total_qty, created_by, updated_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$4,NOW(),NOW()) RETURNING id`,
		ev.SubjectID, ev.UsageDate, ev.TotalQty, nullInt(ev.CreatedBy)).Scan(&id)
	return id, err
}

func (r *txRepository) UpdateUsageEvent(ctx context.Context, ev UsageEvent) error {
	tag, err := r.tx.Exec(ctx, `UPDATE usage_events SET usage_date=$2, total_qty=$3, updated_by=$4, updated_at=NOW() WHERE id=$1`,
		ev.ID, ev.UsageDate, ev.TotalQty, nullInt(ev.UpdatedBy))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUsageNotFound
	}
	return nil
}

func (r *txRepository) ListUsageLines(ctx context.Context, usageID int64) ([]UsageLine, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, usage_id, lot_id, item_id, qty_taken FROM usage_lines WHERE usage_id=$1 ORDER BY id ASC`, usageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []UsageLine
	for rows.Next() {
		var line UsageLine
		if err := rows.Scan(&line.ID, &line.UsageID, &line.LotID, &line.ItemID, &line.QtyTaken); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (r *txRepository) InsertUsageLine(ctx context.Context, line UsageLine) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO usage_lines (usage_id, lot_id, item_id, qty_taken, created_at)
VALUES ($1,$2,$3,$4,NOW())`, line.UsageID, line.LotID, line.ItemID, line.QtyTaken)
	return err
}

func (r *txRepository) DeleteUsageLines(ctx context.Context, usageID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM usage_lines WHERE usage_id=$1`, usageID)
	return err
}

func (r *txRepository) SumUsageForLot(ctx context.Context, lotID int64) (float64, error) {
	var sum float64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(qty_taken),0) FROM usage_lines WHERE lot_id=$1`, lotID).Scan(&sum)
	return sum, err
}

func (r *txRepository) DeleteUsageEvent(ctx context.Context, usageID int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM usage_events WHERE id=$1`, usageID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUsageNotFound
	}
	return nil
}

func (r *txRepository) InsertMutationEvent(ctx context.Context, ev MutationEvent) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO mutation_events (src_subject_id, dst_subject_id, mutation_date, note, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,NOW()) RETURNING id`,
		ev.SrcSubjectID, ev.DstSubjectID, ev.MutationDate, ev.Note, nullInt(ev.CreatedBy)).Scan(&id)
	return id, err
}

func (r *txRepository) InsertMutationLine(ctx context.Context, line MutationLine) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO mutation_lines (mutation_id, src_lot_id, dst_lot_id, item_id, qty)
VALUES ($1,$2,$3,$4,$5)`, line.MutationID, line.SrcLotID, line.DstLotID, line.ItemID, line.Qty)
	return err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
