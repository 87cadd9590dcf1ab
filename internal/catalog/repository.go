package catalog

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists items in PostgreSQL.
type Repository interface {
	List(ctx context.Context, filters ListFilters) ([]Item, int, error)
	Get(ctx context.Context, id int64) (Item, error)
	GetByCode(ctx context.Context, code string) (Item, error)
	Create(ctx context.Context, item Item) (Item, error)
	Update(ctx context.Context, id int64, item Item) error
	HasStockReferences(ctx context.Context, id int64) (bool, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) List(ctx context.Context, filters ListFilters) ([]Item, int, error) {
	query := `SELECT id, code, name, unit_small, unit_large, conversion, created_at, updated_at FROM items WHERE 1=1`
	args := []any{}
	argCount := 0

	if filters.Search != "" {
		argCount++
		query += ` AND (name ILIKE $` + strconv.Itoa(argCount) + ` OR code ILIKE $` + strconv.Itoa(argCount) + `)`
		args = append(args, "%"+filters.Search+"%")
	}

	countQuery := `SELECT COUNT(*) FROM items WHERE 1=1`
	countArgs := []any{}
	if filters.Search != "" {
		countArgs = append(countArgs, "%"+filters.Search+"%")
		countQuery += ` AND (name ILIKE $1 OR code ILIKE $1)`
	}

	var total int
	if err := r.pool.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += ` ORDER BY code ASC`
	if filters.Limit > 0 {
		argCount++
		query += ` LIMIT $` + strconv.Itoa(argCount)
		args = append(args, filters.Limit)

		argCount++
		query += ` OFFSET $` + strconv.Itoa(argCount)
		offset := (filters.Page - 1) * filters.Limit
		if offset < 0 {
			offset = 0
		}
		args = append(args, offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.Code, &it.Name, &it.UnitSmall, &it.UnitLarge, &it.Conversion, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, it)
	}
	return items, total, rows.Err()
}

func (r *repository) Get(ctx context.Context, id int64) (Item, error) {
	return r.scanOne(ctx, `SELECT id, code, name, unit_small, unit_large, conversion, created_at, updated_at FROM items WHERE id=$1`, id)
}

func (r *repository) GetByCode(ctx context.Context, code string) (Item, error) {
	return r.scanOne(ctx, `SELECT id, code, name, unit_small, unit_large, conversion, created_at, updated_at FROM items WHERE code=$1`, strings.TrimSpace(code))
}

func (r *repository) scanOne(ctx context.Context, query string, arg any) (Item, error) {
	var it Item
	err := r.pool.QueryRow(ctx, query, arg).
		Scan(&it.ID, &it.Code, &it.Name, &it.UnitSmall, &it.UnitLarge, &it.Conversion, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrItemNotFound
		}
		return Item{}, err
	}
	return it, nil
}

func (r *repository) Create(ctx context.Context, item Item) (Item, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO items (code, name, unit_small, unit_large, conversion, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW(),NOW()) RETURNING id, created_at, updated_at`,
		item.Code, item.Name, item.UnitSmall, item.UnitLarge, item.Conversion).
		Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Item{}, ErrDuplicateCode
		}
		return Item{}, err
	}
	return item, nil
}

func (r *repository) Update(ctx context.Context, id int64, item Item) error {
	tag, err := r.pool.Exec(ctx, `UPDATE items SET code=$2, name=$3, unit_small=$4, unit_large=$5, conversion=$6, updated_at=NOW() WHERE id=$1`,
		id, item.Code, item.Name, item.UnitSmall, item.UnitLarge, item.Conversion)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCode
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (r *repository) HasStockReferences(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stock_lots WHERE item_id=$1)`, id).Scan(&exists)
	return exists, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
