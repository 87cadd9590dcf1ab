package catalog

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kandang-erp/kandang-erp/internal/platform/httpx"
	"github.com/kandang-erp/kandang-erp/internal/shared"
)

// Handler wires HTTP endpoints for the item master.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the catalog handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers item routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.show)
	r.Put("/{id}", h.update)
}

type itemPayload struct {
	Code       string  `json:"code" validate:"required"`
	Name       string  `json:"name" validate:"required"`
	UnitSmall  string  `json:"unit_small" validate:"required"`
	UnitLarge  string  `json:"unit_large"`
	Conversion float64 `json:"conversion" validate:"gte=0"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 {
		limit = 20
	}
	items, total, err := h.service.List(r.Context(), ListFilters{Page: page, Limit: limit, Search: q.Get("search")})
	if err != nil {
		h.logger.Error("list items failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"items":      items,
		"pagination": shared.NewPagination(page, limit, total),
	})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "item id tidak valid")
		return
	}
	item, err := h.service.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "item tidak ditemukan")
			return
		}
		h.logger.Error("get item failed", slog.Any("error", err), slog.Int64("id", id))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var payload itemPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "body tidak valid")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	item, err := h.service.Create(r.Context(), Item{
		Code:       payload.Code,
		Name:       payload.Name,
		UnitSmall:  payload.UnitSmall,
		UnitLarge:  payload.UnitLarge,
		Conversion: payload.Conversion,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateCode) {
			httpx.Problem(w, http.StatusConflict, "Duplicate", shared.UserSafeMessage(err))
			return
		}
		h.logger.Error("create item failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", shared.UserSafeMessage(err))
		return
	}
	httpx.JSON(w, http.StatusCreated, item)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "item id tidak valid")
		return
	}
	var payload itemPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "body tidak valid")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	err = h.service.Update(r.Context(), id, Item{
		Code:       payload.Code,
		Name:       payload.Name,
		UnitSmall:  payload.UnitSmall,
		UnitLarge:  payload.UnitLarge,
		Conversion: payload.Conversion,
	})
	switch {
	case err == nil:
		httpx.JSON(w, http.StatusOK, map[string]any{"updated": true})
	case errors.Is(err, ErrItemNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "item tidak ditemukan")
	case errors.Is(err, ErrItemReferenced):
		httpx.Problem(w, http.StatusConflict, "Conflict", "konversi tidak bisa diubah, item sudah dipakai transaksi stok")
	default:
		h.logger.Error("update item failed", slog.Any("error", err), slog.Int64("id", id))
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", shared.UserSafeMessage(err))
	}
}
