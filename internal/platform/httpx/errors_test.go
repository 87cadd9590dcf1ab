package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRespondErrorMapsWrappedSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("barang: tidak ada: %w", ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("barang: kode dobel: %w", ErrDuplicate), http.StatusConflict},
		{fmt.Errorf("barang: input salah: %w", ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("stok: bentrok: %w", ErrConflict), http.StatusConflict},
		{fmt.Errorf("stok: tidak cukup: %w", ErrUnprocessable), http.StatusUnprocessableEntity},
		{errors.New("sesuatu rusak"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, tc.err)
		require.Equal(t, tc.want, rec.Code, "error %v", tc.err)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	}
}
