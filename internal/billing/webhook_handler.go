package billing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/dmpolin/connect-billing/internal/gateway"
	"github.com/dmpolin/connect-billing/internal/transport"
)

// FinalizerAPI is the slice of the billing service the webhook routes need.
type FinalizerAPI interface {
	ProcessOutcome(ctx context.Context, checkoutID string, out Outcome) error
	MarkTimeout(ctx context.Context, checkoutID string) error
}

// WebhookHandler receives gateway callbacks. Every request is acknowledged
// with 200 no matter what happens internally: the gateway retries on any
// non-2xx, and retries cause duplicate deliveries, not duplicate billing,
// because the idempotency guarantee lives in the finalize path.
type WebhookHandler struct {
	*transport.BaseHandler
	finalizer FinalizerAPI
	logger    *slog.Logger
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, finalizer FinalizerAPI, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: baseHandler,
		finalizer:   finalizer,
		logger:      logger,
	}
}

type webhookAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func (h *WebhookHandler) ack(w http.ResponseWriter) {
	h.WriteJSON(w, http.StatusOK, webhookAck{ResultCode: 0, ResultDesc: "Accepted"})
}

// HandleCallback processes the STK result webhook.
func (h *WebhookHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read callback body", "error", err)
		h.ack(w)
		return
	}

	cb, err := gateway.ParseCallback(body)
	if err != nil {
		// Nothing to reconcile without a correlation id.
		h.logger.Warn("unparseable callback acknowledged and dropped", "error", err)
		h.ack(w)
		return
	}

	h.logger.Info("gateway callback received",
		"checkout_request_id", cb.CheckoutRequestID,
		"result_code", cb.ResultCode,
		"result_desc", cb.ResultDesc)

	out := Outcome{
		ResultCode: cb.ResultCode,
		ResultDesc: cb.ResultDesc,
		Receipt:    cb.Receipt(),
		Phone:      cb.PayerPhone(),
		Raw:        json.RawMessage(body),
	}
	if paidAt, ok := cb.TransactionDate(); ok {
		out.PaidAt = &paidAt
	}
	if amount, ok := cb.Amount(); ok {
		confirmed := decimal.NewFromFloat(amount)
		out.Amount = &confirmed
	}

	if err := h.finalizer.ProcessOutcome(r.Context(), cb.CheckoutRequestID, out); err != nil {
		h.logger.Error("callback processing failed",
			"checkout_request_id", cb.CheckoutRequestID,
			"error", err)
	}

	h.ack(w)
}

// HandleTimeout processes the gateway's queue-timeout notice.
func (h *WebhookHandler) HandleTimeout(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.ack(w)
		return
	}

	checkoutID, err := gateway.ParseTimeoutNotice(body)
	if err != nil {
		h.logger.Warn("timeout notice without checkout id acknowledged and dropped", "error", err)
		h.ack(w)
		return
	}

	h.logger.Info("gateway timeout notice received", "checkout_request_id", checkoutID)

	if err := h.finalizer.MarkTimeout(r.Context(), checkoutID); err != nil {
		h.logger.Error("timeout notice processing failed",
			"checkout_request_id", checkoutID,
			"error", err)
	}

	h.ack(w)
}
