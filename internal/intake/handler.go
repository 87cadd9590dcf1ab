package intake

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/kandang-erp/kandang-erp/internal/catalog"
	"github.com/kandang-erp/kandang-erp/internal/platform/httpx"
	"github.com/kandang-erp/kandang-erp/internal/stock"
)

// Handler wires HTTP endpoints for purchase intake.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the intake handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers intake routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.show)
	r.Put("/lines/{id}", h.updateLine)
}

type linePayload struct {
	ItemID   int64   `json:"item_id" validate:"required,gt=0"`
	QtyLarge float64 `json:"qty_large" validate:"required,gt=0"`
	Price    string  `json:"price"`
}

type batchPayload struct {
	PartnerID int64         `json:"partner_id" validate:"required,gt=0"`
	SubjectID int64         `json:"subject_id" validate:"required,gt=0"`
	BatchDate string        `json:"batch_date"`
	Note      string        `json:"note"`
	ActorID   int64         `json:"actor_id" validate:"required,gt=0"`
	Lines     []linePayload `json:"lines" validate:"required,min=1,dive"`
}

type lineView struct {
	ID       int64   `json:"id"`
	ItemID   int64   `json:"item_id"`
	QtyLarge float64 `json:"qty_large"`
	QtySmall float64 `json:"qty_small"`
	Price    string  `json:"price"`
	Subtotal string  `json:"subtotal"`
	LotID    int64   `json:"lot_id"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var payload batchPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "body tidak valid")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	var date time.Time
	if payload.BatchDate != "" {
		parsed, err := time.Parse("2006-01-02", payload.BatchDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "batch_date tidak valid")
			return
		}
		date = parsed
	}
	lines := make([]LineInput, len(payload.Lines))
	for i, line := range payload.Lines {
		price, err := parsePrice(line.Price)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "harga tidak valid")
			return
		}
		lines[i] = LineInput{ItemID: line.ItemID, QtyLarge: line.QtyLarge, Price: price}
	}
	batch, created, err := h.service.CreateBatch(r.Context(), CreateBatchInput{
		PartnerID: payload.PartnerID,
		SubjectID: payload.SubjectID,
		BatchDate: date,
		Note:      payload.Note,
		ActorID:   payload.ActorID,
		Lines:     lines,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"success":  true,
		"batch_id": batch.ID,
		"lines":    lineViews(created),
	})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "batch id tidak valid")
		return
	}
	batch, batchLines, err := h.service.GetBatch(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"id":         batch.ID,
		"partner_id": batch.PartnerID,
		"subject_id": batch.SubjectID,
		"batch_date": batch.BatchDate.Format("2006-01-02"),
		"note":       batch.Note,
		"lines":      lineViews(batchLines),
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := ListFilters{}
	filters.PartnerID, _ = strconv.ParseInt(q.Get("partner_id"), 10, 64)
	filters.SubjectID, _ = strconv.ParseInt(q.Get("subject_id"), 10, 64)
	filters.Limit, _ = strconv.Atoi(q.Get("limit"))
	filters.Offset, _ = strconv.Atoi(q.Get("offset"))
	if raw := q.Get("from"); raw != "" {
		if parsed, err := time.Parse("2006-01-02", raw); err == nil {
			filters.From = parsed
		}
	}
	if raw := q.Get("to"); raw != "" {
		if parsed, err := time.Parse("2006-01-02", raw); err == nil {
			filters.To = parsed
		}
	}
	batches, total, err := h.service.ListBatches(r.Context(), filters)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": batches, "total": total})
}

type updateLinePayload struct {
	QtyLarge float64 `json:"qty_large" validate:"required,gt=0"`
	Price    string  `json:"price"`
	ActorID  int64   `json:"actor_id" validate:"required,gt=0"`
}

func (h *Handler) updateLine(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "line id tidak valid")
		return
	}
	var payload updateLinePayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "body tidak valid")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	price, err := parsePrice(payload.Price)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "harga tidak valid")
		return
	}
	line, err := h.service.UpdateLine(r.Context(), UpdateLineInput{
		LineID:   id,
		QtyLarge: payload.QtyLarge,
		Price:    price,
		ActorID:  payload.ActorID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true, "line": lineView{
		ID: line.ID, ItemID: line.ItemID, QtyLarge: line.QtyLarge, QtySmall: line.QtySmall,
		Price: line.Price.String(), Subtotal: line.Subtotal().String(), LotID: line.LotID,
	}})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var shortfall *stock.ShortfallError
	switch {
	case errors.As(err, &shortfall):
		httpx.JSON(w, http.StatusUnprocessableEntity, map[string]any{
			"success":   false,
			"error":     "insufficient_stock",
			"item_id":   shortfall.ItemID,
			"requested": shortfall.Requested,
			"shortfall": shortfall.Shortfall,
		})
	case errors.Is(err, ErrBatchNotFound), errors.Is(err, ErrLineNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "data pembelian tidak ditemukan")
	case errors.Is(err, catalog.ErrItemNotFound):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", "item tidak ditemukan")
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "input pembelian tidak valid")
	default:
		h.logger.Error("intake operation failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func lineViews(lines []PurchaseLine) []lineView {
	views := make([]lineView, len(lines))
	for i, line := range lines {
		views[i] = lineView{
			ID:       line.ID,
			ItemID:   line.ItemID,
			QtyLarge: line.QtyLarge,
			QtySmall: line.QtySmall,
			Price:    line.Price.String(),
			Subtotal: line.Subtotal().String(),
			LotID:    line.LotID,
		}
	}
	return views
}

func parsePrice(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}
