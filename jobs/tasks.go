package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStockIntegrityScan walks stock lots and verifies the
	// conservation and line-sum invariants.
	TaskStockIntegrityScan = "stock:integrity_scan"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// IntegrityScanPayload narrows the scan; zero values mean everything.
type IntegrityScanPayload struct {
	SubjectID int64 `json:"subject_id,omitempty"`
	ItemID    int64 `json:"item_id,omitempty"`
}

// NewStockIntegrityScanTask constructs an integrity scan task.
func NewStockIntegrityScanTask(payload IntegrityScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockIntegrityScan, data), nil
}

// NewIdempotencyCleanupTask constructs a cleanup task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil)
}
