package intake

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kandang-erp/kandang-erp/internal/platform/db"
	"github.com/kandang-erp/kandang-erp/internal/stock"
)

// Repository persists intake data in PostgreSQL.
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
		return errors.New("intake repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

func (r *Repository) GetBatch(ctx context.Context, id int64) (PurchaseBatch, []PurchaseLine, error) {
	var batch PurchaseBatch
	err := r.pool.QueryRow(ctx, `SELECT id, partner_id, subject_id, batch_date, note, created_by, created_at, updated_at
FROM purchase_batches WHERE id=$1`, id).
		Scan(&batch.ID, &batch.PartnerID, &batch.SubjectID, &batch.BatchDate, &batch.Note, &batch.CreatedBy, &batch.CreatedAt, &batch.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseBatch{}, nil, ErrBatchNotFound
		}
		return PurchaseBatch{}, nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, batch_id, item_id, qty_large, qty_small, price, lot_id, created_at
FROM purchase_lines WHERE batch_id=$1 ORDER BY id ASC`, id)
	if err != nil {
		return PurchaseBatch{}, nil, err
	}
	defer rows.Close()
	var lines []PurchaseLine
	for rows.Next() {
		var line PurchaseLine
		if err := rows.Scan(&line.ID, &line.BatchID, &line.ItemID, &line.QtyLarge, &line.QtySmall, &line.Price, &line.LotID, &line.CreatedAt); err != nil {
			return PurchaseBatch{}, nil, err
		}
		lines = append(lines, line)
	}
	return batch, lines, rows.Err()
}

func (r *Repository) GetLine(ctx context.Context, id int64) (PurchaseLine, error) {
	var line PurchaseLine
	err := r.pool.QueryRow(ctx, `SELECT id, batch_id, item_id, qty_large, qty_small, price, lot_id, created_at
FROM purchase_lines WHERE id=$1`, id).
		Scan(&line.ID, &line.BatchID, &line.ItemID, &line.QtyLarge, &line.QtySmall, &line.Price, &line.LotID, &line.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseLine{}, ErrLineNotFound
		}
		return PurchaseLine{}, err
	}
	return line, nil
}

func (r *Repository) ListBatches(ctx context.Context, filters ListFilters) ([]PurchaseBatch, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	if filters.PartnerID != 0 {
		args = append(args, filters.PartnerID)
		where += fmt.Sprintf(" AND partner_id=$%d", len(args))
	}
	if filters.SubjectID != 0 {
		args = append(args, filters.SubjectID)
		where += fmt.Sprintf(" AND subject_id=$%d", len(args))
	}
	if !filters.From.IsZero() {
		args = append(args, filters.From)
		where += fmt.Sprintf(" AND batch_date >= $%d", len(args))
	}
	if !filters.To.IsZero() {
		args = append(args, filters.To)
		where += fmt.Sprintf(" AND batch_date <= $%d", len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM purchase_batches "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, filters.Offset)
	query := fmt.Sprintf(`SELECT id, partner_id, subject_id, batch_date, note, created_by, created_at, updated_at
FROM purchase_batches %s ORDER BY batch_date DESC, id DESC LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var batches []PurchaseBatch
	for rows.Next() {
		var batch PurchaseBatch
		if err := rows.Scan(&batch.ID, &batch.PartnerID, &batch.SubjectID, &batch.BatchDate, &batch.Note, &batch.CreatedBy, &batch.CreatedAt, &batch.UpdatedAt); err != nil {
			return nil, 0, err
		}
		batches = append(batches, batch)
	}
	return batches, total, rows.Err()
}

type txRepository struct {
	tx pgx.Tx
}

func (t *txRepository) InsertBatch(ctx context.Context, batch PurchaseBatch) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_batches (partner_id, subject_id, batch_date, note, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW(),NOW()) RETURNING id`,
		batch.PartnerID, batch.SubjectID, batch.BatchDate, batch.Note, batch.CreatedBy).Scan(&id)
	return id, err
}

func (t *txRepository) UpdateBatch(ctx context.Context, batch PurchaseBatch) error {
	tag, err := t.tx.Exec(ctx, `UPDATE purchase_batches SET partner_id=$2, subject_id=$3, batch_date=$4, note=$5, updated_at=NOW() WHERE id=$1`,
		batch.ID, batch.PartnerID, batch.SubjectID, batch.BatchDate, batch.Note)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (t *txRepository) InsertLine(ctx context.Context, line PurchaseLine) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_lines (batch_id, item_id, qty_large, qty_small, price, lot_id, created_at)
VALUES ($1,$2,$3,$4,$5,NULLIF($6,0),NOW()) RETURNING id`,
		line.BatchID, line.ItemID, line.QtyLarge, line.QtySmall, line.Price, line.LotID).Scan(&id)
	return id, err
}

func (t *txRepository) UpdateLine(ctx context.Context, line PurchaseLine) error {
	tag, err := t.tx.Exec(ctx, `UPDATE purchase_lines SET qty_large=$2, qty_small=$3, price=$4 WHERE id=$1`,
		line.ID, line.QtyLarge, line.QtySmall, line.Price)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLineNotFound
	}
	return nil
}

func (t *txRepository) Stock() stock.TxRepository {
	return stock.NewTxRepository(t.tx)
}

func (t *txRepository) SetLineLot(ctx context.Context, lineID, lotID int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE purchase_lines SET lot_id=$2 WHERE id=$1`, lineID, lotID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLineNotFound
	}
	return nil
}
