package billing

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/dmpolin/connect-billing/internal/transport"
	"github.com/dmpolin/connect-billing/pkg/logger"
)

type ServiceAPI interface {
	InitiatePayment(ctx context.Context, req *InitiatePaymentRequest) (*InitiatePaymentResponse, error)
	GetPayment(id int64) (*PaymentResponse, error)
	VoidPayment(ctx context.Context, id int64) (*PaymentResponse, error)
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(service ServiceAPI) *Handler {
	lg := logger.LoggerWrapper()
	if lg == nil {
		lg = slog.Default()
	}
	return &Handler{
		BaseHandler: transport.NewBaseHandler(lg),
		Service:     service,
	}
}

// InitiatePayment raises an STK push (or schedules a downgrade) for a plan
// purchase.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req InitiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("InitiatePayment: invalid request body", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.Service.InitiatePayment(r.Context(), &req)
	if err != nil {
		h.Logger.Error("InitiatePayment: service error", "error", err, "plan_code", req.PlanCode)
		h.HandleServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if resp.Scheduled {
		status = http.StatusOK
	}
	h.WriteJSON(w, status, resp)
}

// GetPayment returns one payment record as read from the store.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, "invalid payment id")
		return
	}

	resp, err := h.Service.GetPayment(id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, resp)
}

// VoidPayment voids a successful payment and recomputes the subscription
// expiry from the remaining history.
func (h *Handler) VoidPayment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, "invalid payment id")
		return
	}

	resp, err := h.Service.VoidPayment(r.Context(), id)
	if err != nil {
		h.Logger.Error("VoidPayment: service error", "error", err, "payment_id", id)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("VoidPayment: payment voided", "payment_id", id)
	h.WriteJSON(w, http.StatusOK, resp)
}
