package entitlement

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi"

	"github.com/dmpolin/connect-billing/internal/core/datamodel/subscription"
	"github.com/dmpolin/connect-billing/internal/transport"
	"github.com/dmpolin/connect-billing/pkg/logger"
)

type ServiceAPI interface {
	Provision(ctx context.Context, req *ProvisionRequest) (*SubscriptionResponse, error)
	GetByIdentity(serviceType, identity string) (*SubscriptionResponse, error)
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

// Provision activates an entitlement without a payment (admin path).
func (h *Handler) Provision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("Provision: invalid request body", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.Service.Provision(r.Context(), &req)
	if err != nil {
		h.Logger.Error("Provision: service error", "error", err, "phone", req.Phone)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("Provision: entitlement activated",
		"subscription_id", resp.ID,
		"service_type", resp.ServiceType,
		"identity", resp.Identity)

	h.WriteJSON(w, http.StatusCreated, resp)
}

// GetByIdentity looks up one entitlement by its network login. Served from
// the store only; no live gateway or device calls.
func (h *Handler) GetByIdentity(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	if identity == "" {
		h.WriteError(w, http.StatusBadRequest, "identity is required")
		return
	}

	serviceType := strings.ToLower(r.URL.Query().Get("service_type"))
	if serviceType == "" {
		serviceType = subscription.ServiceHotspot
	}

	resp, err := h.Service.GetByIdentity(serviceType, identity)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, resp)
}
