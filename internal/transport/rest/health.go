package rest

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dmpolin/connect-billing/internal"
)

type componentStatus string

const (
	statusUp   componentStatus = "up"
	statusDown componentStatus = "down"
)

type componentCheck struct {
	Status     componentStatus `json:"status"`
	Message    string          `json:"message,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

type healthResponse struct {
	Service    string                    `json:"service"`
	Status     componentStatus           `json:"status"`
	CheckedAt  time.Time                 `json:"checked_at"`
	Components map[string]componentCheck `json:"components"`
}

// HealthHandler serves liveness and readiness. Readiness gates on the
// billing store only; the payment gateway and the routers are upstreams
// whose outages the engine is built to ride out, so they never fail it.
type HealthHandler struct {
	db *sql.DB
}

func NewHealthHandler(db *sql.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

func (h *HealthHandler) pingHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "OK"})
}

func (h *HealthHandler) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := internal.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	start := time.Now()
	err := h.db.PingContext(ctx)

	check := componentCheck{
		Status:     statusUp,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		check.Status = statusDown
		check.Message = err.Error()
	}

	resp := healthResponse{
		Service:    "connect-billing",
		Status:     check.Status,
		CheckedAt:  time.Now().UTC(),
		Components: map[string]componentCheck{"postgres": check},
	}

	statusCode := http.StatusOK
	if check.Status == statusDown {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}
