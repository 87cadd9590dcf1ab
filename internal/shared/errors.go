package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
)

// UserSafeMessage returns an error string suitable for direct display.
func UserSafeMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNotFound) {
		return "data tidak ditemukan"
	}
	if errors.Is(err, ErrIdempotencyConflict) {
		return "permintaan sudah pernah diproses"
	}
	return err.Error()
}
