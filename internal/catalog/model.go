package catalog

import (
	"fmt"
	"time"

	"github.com/kandang-erp/kandang-erp/internal/platform/httpx"
)

// Item is a trackable inventory good (feed or supply).
//
// Conversion expresses how many small units make up one large unit.
// A value of zero or less means no conversion is configured and the
// effective factor is 1. Once stock transactions reference an item only
// display metadata may change.
type Item struct {
	ID         int64     `json:"id"`
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	UnitSmall  string    `json:"unit_small"`
	UnitLarge  string    `json:"unit_large"`
	Conversion float64   `json:"conversion"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ListFilters narrows item listings.
type ListFilters struct {
	Page   int
	Limit  int
	Search string
}

// Domain errors wrap the httpx sentinels so the generic fallback in
// httpx.RespondError picks the right status for paths the handler does
// not map itself.
var (
	// ErrItemNotFound indicates the item does not exist.
	ErrItemNotFound = fmt.Errorf("catalog: item not found: %w", httpx.ErrNotFound)
	// ErrDuplicateCode indicates the item code is already taken.
	ErrDuplicateCode = fmt.Errorf("catalog: item code already exists: %w", httpx.ErrDuplicate)
	// ErrItemReferenced indicates stock transactions already reference the item.
	ErrItemReferenced = fmt.Errorf("catalog: item referenced by stock transactions: %w", httpx.ErrConflict)
)
