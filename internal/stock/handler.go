package stock

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/kandang-erp/kandang-erp/internal/platform/httpx"
	"github.com/kandang-erp/kandang-erp/internal/shared"
)

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	cardSF   singleflight.Group
}

// NewHandler constructs the stock handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/usage", h.createUsage)
	r.Get("/usage/{id}", h.showUsage)
	r.Put("/usage/{id}", h.updateUsage)
	r.Delete("/usage/{id}", h.cancelUsage)
	r.Post("/mutations", h.postMutation)
	r.Get("/card", h.stockCard)
	r.Get("/summary", h.summary)
}

type usageLinePayload struct {
	ItemID int64   `json:"item_id" validate:"required,gt=0"`
	Qty    float64 `json:"qty" validate:"required,gt=0"`
}

type usagePayload struct {
	SubjectID int64              `json:"subject_id" validate:"required,gt=0"`
	UsageDate string             `json:"usage_date"`
	ActorID   int64              `json:"actor_id" validate:"required,gt=0"`
	RefID     string             `json:"ref_id"`
	Lines     []usageLinePayload `json:"lines" validate:"required,min=1,dive"`
}

type mutationPayload struct {
	SrcSubjectID int64              `json:"src_subject_id" validate:"required,gt=0"`
	DstSubjectID int64              `json:"dst_subject_id" validate:"required,gt=0"`
	MutationDate string             `json:"mutation_date"`
	Note         string             `json:"note"`
	ActorID      int64              `json:"actor_id" validate:"required,gt=0"`
	RefID        string             `json:"ref_id"`
	Lines        []usageLinePayload `json:"lines" validate:"required,min=1,dive"`
}

type allocationView struct {
	LotID    int64   `json:"lot_id"`
	ItemID   int64   `json:"item_id"`
	QtyTaken float64 `json:"qty_taken"`
}

type usageResponse struct {
	Success     bool             `json:"success"`
	Unchanged   bool             `json:"unchanged,omitempty"`
	UsageID     int64            `json:"usage_id"`
	TotalQty    float64          `json:"total_qty"`
	Allocations []allocationView `json:"allocations"`
}

func (h *Handler) createUsage(w http.ResponseWriter, r *http.Request) {
	input, ok := h.decodeUsage(w, r)
	if !ok {
		return
	}
	result, err := h.service.CreateUsage(r.Context(), input)
	if err != nil {
		h.respondUsageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, usageView(result))
}

func (h *Handler) updateUsage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "usage id tidak valid")
		return
	}
	input, ok := h.decodeUsage(w, r)
	if !ok {
		return
	}
	result, err := h.service.UpdateUsage(r.Context(), id, input)
	if err != nil {
		h.respondUsageError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, usageView(result))
}

func (h *Handler) showUsage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "usage id tidak valid")
		return
	}
	ev, lines, err := h.service.GetUsage(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrUsageNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "pemakaian tidak ditemukan")
			return
		}
		h.logger.Error("get usage failed", slog.Any("error", err), slog.Int64("id", id))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, usageView(UsageResult{Event: ev, Lines: lines}))
}

func (h *Handler) cancelUsage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "usage id tidak valid")
		return
	}
	actorID, _ := strconv.ParseInt(r.URL.Query().Get("actor_id"), 10, 64)
	if actorID == 0 {
		actorID = shared.ActorFromContext(r.Context())
	}
	if err := h.service.CancelUsage(r.Context(), id, actorID); err != nil {
		if errors.Is(err, ErrUsageNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "pemakaian tidak ditemukan")
			return
		}
		h.logger.Error("cancel usage failed", slog.Any("error", err), slog.Int64("id", id))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) postMutation(w http.ResponseWriter, r *http.Request) {
	var payload mutationPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "body tidak valid")
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	date, ok := parseDate(w, payload.MutationDate, "mutation_date")
	if !ok {
		return
	}
	lines := make([]MutationLineInput, len(payload.Lines))
	for i, line := range payload.Lines {
		lines[i] = MutationLineInput{ItemID: line.ItemID, Qty: line.Qty}
	}
	result, err := h.service.PostMutation(r.Context(), MutationInput{
		SrcSubjectID: payload.SrcSubjectID,
		DstSubjectID: payload.DstSubjectID,
		MutationDate: date,
		Note:         payload.Note,
		ActorID:      payload.ActorID,
		RefID:        payload.RefID,
		Lines:        lines,
	})
	if err != nil {
		h.respondUsageError(w, err)
		return
	}
	views := make([]allocationView, len(result.Lines))
	for i, line := range result.Lines {
		views[i] = allocationView{LotID: line.SrcLotID, ItemID: line.ItemID, QtyTaken: line.Qty}
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"success":     true,
		"mutation_id": result.Event.ID,
		"allocations": views,
	})
}

func (h *Handler) stockCard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	subjectID, _ := strconv.ParseInt(q.Get("subject_id"), 10, 64)
	itemID, _ := strconv.ParseInt(q.Get("item_id"), 10, 64)
	if subjectID == 0 || itemID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "subject_id dan item_id wajib diisi")
		return
	}
	var from, to time.Time
	if raw := q.Get("from"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tanggal mulai tidak valid")
			return
		}
		from = parsed
	}
	if raw := q.Get("to"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tanggal akhir tidak valid")
			return
		}
		to = parsed.Add(24*time.Hour - time.Nanosecond)
	}

	// Identical concurrent card rebuilds collapse into one query.
	key := fmt.Sprintf("%d:%d:%s:%s", subjectID, itemID, from.Format(time.RFC3339), to.Format(time.RFC3339))
	entries, err, _ := h.cardSF.Do(key, func() (any, error) {
		return h.service.BuildHistory(r.Context(), HistoryFilter{SubjectID: subjectID, ItemID: itemID, From: from, To: to})
	})
	if err != nil {
		h.logger.Error("build stock card failed", slog.Any("error", err),
			slog.Int64("subject_id", subjectID), slog.Int64("item_id", itemID))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	subjectID, _ := strconv.ParseInt(q.Get("subject_id"), 10, 64)
	itemID, _ := strconv.ParseInt(q.Get("item_id"), 10, 64)
	summary, err := h.service.GetSummary(r.Context(), subjectID, itemID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", shared.UserSafeMessage(err))
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) decodeUsage(w http.ResponseWriter, r *http.Request) (UsageInput, bool) {
	var payload usagePayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "body tidak valid")
		return UsageInput{}, false
	}
	if err := h.validate.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return UsageInput{}, false
	}
	date, ok := parseDate(w, payload.UsageDate, "usage_date")
	if !ok {
		return UsageInput{}, false
	}
	lines := make([]UsageLineInput, len(payload.Lines))
	for i, line := range payload.Lines {
		lines[i] = UsageLineInput{ItemID: line.ItemID, Qty: line.Qty}
	}
	return UsageInput{
		SubjectID: payload.SubjectID,
		UsageDate: date,
		ActorID:   payload.ActorID,
		RefID:     payload.RefID,
		Lines:     lines,
	}, true
}

func (h *Handler) respondUsageError(w http.ResponseWriter, err error) {
	var shortfall *ShortfallError
	switch {
	case errors.As(err, &shortfall):
		httpx.JSON(w, http.StatusUnprocessableEntity, map[string]any{
			"success":    false,
			"error":      "insufficient_stock",
			"item_id":    shortfall.ItemID,
			"subject_id": shortfall.SubjectID,
			"requested":  shortfall.Requested,
			"shortfall":  shortfall.Shortfall,
		})
	case errors.Is(err, ErrInvalidQuantity):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", shared.UserSafeMessage(err))
	case errors.Is(err, ErrUsageNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "pemakaian tidak ditemukan")
	case errors.Is(err, ErrSameSubject):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", shared.UserSafeMessage(err))
	case errors.Is(err, ErrConcurrencyConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", "transaksi bentrok, silakan coba lagi")
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate", shared.UserSafeMessage(err))
	case errors.Is(err, ErrInvariantViolation):
		h.logger.Error("stock invariant violation", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	default:
		h.logger.Error("stock operation failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", shared.UserSafeMessage(err))
	}
}

func usageView(result UsageResult) usageResponse {
	views := make([]allocationView, len(result.Lines))
	for i, line := range result.Lines {
		views[i] = allocationView{LotID: line.LotID, ItemID: line.ItemID, QtyTaken: line.QtyTaken}
	}
	return usageResponse{
		Success:     true,
		Unchanged:   result.Unchanged,
		UsageID:     result.Event.ID,
		TotalQty:    result.Event.TotalQty,
		Allocations: views,
	}
}

func parseDate(w http.ResponseWriter, raw, field string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, true
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", field+" tidak valid")
		return time.Time{}, false
	}
	return parsed, true
}
