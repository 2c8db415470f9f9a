package inventory

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/3rs4lg4d0/stockbox/coordinator"
	"github.com/3rs4lg4d0/stockbox/idempotency"
	"github.com/3rs4lg4d0/stockbox/lock"
	"github.com/3rs4lg4d0/stockbox/logger"
	"github.com/3rs4lg4d0/stockbox/stock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const retryAfterSeconds = "1"

type levelResponse struct {
	ProductID   string    `json:"productId"`
	WarehouseID string    `json:"warehouseId"`
	Available   int64     `json:"available"`
	Reserved    int64     `json:"reserved"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type documentResponse struct {
	EventID string          `json:"eventId"`
	Levels  []levelResponse `json:"levels"`
}

type Handler struct {
	service *Service
	logger  logger.Logger
}

func NewHandler(s *Service, l logger.Logger) *Handler {
	if l == nil {
		l = &logger.NopLogger{}
	}
	return &Handler{service: s, logger: l}
}

// NewRouter mounts the inventory API. Mutating routes are guarded by g.
func NewRouter(h *Handler, g *idempotency.Guard) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Use(idempotency.Middleware(g))
		r.Post("/receipts", h.receive)
		r.Post("/shipments", h.ship)
		r.Post("/reservations", h.reserve)
		r.Get("/stock/{product}/{warehouse}", h.level)
	})
	return r
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	var doc Receipt
	if !decode(w, r, &doc) {
		return
	}
	res, err := h.service.Receive(r.Context(), tenant(r), doc)
	h.respond(w, res, err)
}

func (h *Handler) ship(w http.ResponseWriter, r *http.Request) {
	var doc Shipment
	if !decode(w, r, &doc) {
		return
	}
	res, err := h.service.Ship(r.Context(), tenant(r), doc)
	h.respond(w, res, err)
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	var doc Reservation
	if !decode(w, r, &doc) {
		return
	}
	res, err := h.service.Reserve(r.Context(), tenant(r), doc)
	h.respond(w, res, err)
}

func (h *Handler) level(w http.ResponseWriter, r *http.Request) {
	l, err := h.service.Level(r.Context(), tenant(r), chi.URLParam(r, "product"), chi.URLParam(r, "warehouse"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLevelResponse(l))
}

func (h *Handler) respond(w http.ResponseWriter, res *Result, err error) {
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	out := documentResponse{EventID: res.Event.ID.String(), Levels: make([]levelResponse, 0, len(res.Levels))}
	for _, l := range res.Levels {
		out.Levels = append(out.Levels, toLevelResponse(l))
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	status, code := mapDomainError(err)
	if status == http.StatusConflict {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("inventory request failed", err)
	}
	writeError(w, status, code, err.Error())
}

func mapDomainError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidDocument):
		return http.StatusBadRequest, "invalid_document"
	case errors.Is(err, stock.ErrLevelNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, stock.ErrInsufficientStock):
		return http.StatusUnprocessableEntity, "insufficient_stock"
	case errors.Is(err, stock.ErrQuantityOutOfRange):
		return http.StatusUnprocessableEntity, "quantity_out_of_range"
	case errors.Is(err, lock.ErrUnavailable):
		return http.StatusConflict, "contended"
	case errors.Is(err, coordinator.ErrUnreachable):
		return http.StatusServiceUnavailable, "coordinator_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func toLevelResponse(l *stock.Level) levelResponse {
	return levelResponse{
		ProductID:   l.ProductID,
		WarehouseID: l.WarehouseID,
		Available:   l.Available,
		Reserved:    l.Reserved,
		Version:     l.Version,
		UpdatedAt:   l.UpdatedAt,
	}
}

func tenant(r *http.Request) string {
	return r.Header.Get(idempotency.DefaultTenantHeader)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
