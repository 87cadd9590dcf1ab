package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
)

const integrityEpsilon = 1e-6

// IntegrityScanner walks stock lots and cross-checks the stored
// quantities against each other and against the usage lines. It only
// reports; a violation is a bug to investigate, never something to
// auto-repair.
type IntegrityScanner struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewIntegrityScanner constructs the scanner.
func NewIntegrityScanner(pool *pgxpool.Pool, logger *slog.Logger) *IntegrityScanner {
	return &IntegrityScanner{pool: pool, logger: logger}
}

// HandleTask processes TaskStockIntegrityScan tasks.
func (s *IntegrityScanner) HandleTask(ctx context.Context, t *asynq.Task) error {
	var payload IntegrityScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	violations, scanned, err := s.Scan(ctx, payload)
	if err != nil {
		return err
	}
	s.logger.Info("stock integrity scan selesai",
		slog.Int("lots_scanned", scanned),
		slog.Int("violations", violations))
	return nil
}

// Scan runs the checks and returns the violation and lot counts.
func (s *IntegrityScanner) Scan(ctx context.Context, payload IntegrityScanPayload) (violations, scanned int, err error) {
	query := `SELECT l.id, l.item_id, l.subject_id, l.qty_in, l.qty_used, l.qty_mutated, l.qty_available,
COALESCE((SELECT SUM(ul.qty_taken) FROM usage_lines ul WHERE ul.lot_id = l.id), 0)
FROM stock_lots l WHERE 1=1`
	args := []any{}
	if payload.SubjectID != 0 {
		args = append(args, payload.SubjectID)
		query += fmt.Sprintf(" AND l.subject_id=$%d", len(args))
	}
	if payload.ItemID != 0 {
		args = append(args, payload.ItemID)
		query += fmt.Sprintf(" AND l.item_id=$%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			lotID, itemID, subjectID                     int64
			qtyIn, qtyUsed, qtyMutated, qtyAvail, lineSum float64
		)
		if err := rows.Scan(&lotID, &itemID, &subjectID, &qtyIn, &qtyUsed, &qtyMutated, &qtyAvail, &lineSum); err != nil {
			return violations, scanned, err
		}
		scanned++
		if bad := lotProblems(qtyIn, qtyUsed, qtyMutated, qtyAvail, lineSum); len(bad) > 0 {
			violations++
			s.logger.Error("stock invariant violation",
				slog.Int64("lot_id", lotID),
				slog.Int64("item_id", itemID),
				slog.Int64("subject_id", subjectID),
				slog.Any("problems", bad))
		}
	}
	return violations, scanned, rows.Err()
}

func lotProblems(qtyIn, qtyUsed, qtyMutated, qtyAvail, lineSum float64) []string {
	var problems []string
	if diff := qtyAvail - (qtyIn - qtyUsed - qtyMutated); diff > integrityEpsilon || diff < -integrityEpsilon {
		problems = append(problems, fmt.Sprintf("available %.6f != in-used-mutated %.6f", qtyAvail, qtyIn-qtyUsed-qtyMutated))
	}
	if qtyUsed < -integrityEpsilon || qtyMutated < -integrityEpsilon || qtyAvail < -integrityEpsilon {
		problems = append(problems, "negative quantity")
	}
	if diff := lineSum - qtyUsed; diff > integrityEpsilon || diff < -integrityEpsilon {
		problems = append(problems, fmt.Sprintf("usage line sum %.6f != qty_used %.6f", lineSum, qtyUsed))
	}
	return problems
}
