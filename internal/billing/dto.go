package billing

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmpolin/connect-billing/internal"
	"github.com/dmpolin/connect-billing/internal/core/common/validation"
	paymentmodel "github.com/dmpolin/connect-billing/internal/core/datamodel/payment"
	"github.com/dmpolin/connect-billing/internal/core/datamodel/subscription"
)

var phoneDigits = regexp.MustCompile(`^\d+$`)

// NormalizePhone converts user-supplied phone formats (07XX..., +2547XX...,
// 7XX...) into the canonical 2547XXXXXXXX form the gateway expects.
func NormalizePhone(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	p = strings.ReplaceAll(p, " ", "")
	p = strings.ReplaceAll(p, "-", "")
	p = strings.TrimPrefix(p, "+")

	switch {
	case strings.HasPrefix(p, "254") && len(p) == 12:
	case strings.HasPrefix(p, "0") && len(p) == 10:
		p = "254" + p[1:]
	case (strings.HasPrefix(p, "7") || strings.HasPrefix(p, "1")) && len(p) == 9:
		p = "254" + p
	default:
		return "", internal.NewValidationError("phone must be a Kenyan mobile number", internal.ErrCodeInvalidPhone)
	}

	// Mobile numbers are 2547XX or 2541XX; anything else in the 254 range
	// is a landline or junk.
	if !strings.HasPrefix(p, "2547") && !strings.HasPrefix(p, "2541") {
		return "", internal.NewValidationError("phone must be a Kenyan mobile number", internal.ErrCodeInvalidPhone)
	}
	if !phoneDigits.MatchString(p) {
		return "", internal.NewValidationError("phone must contain digits only", internal.ErrCodeInvalidPhone)
	}
	return p, nil
}

// InitiatePaymentRequest starts a purchase: the phone to charge, the plan
// wanted and the service identity it applies to. Identity defaults to the
// phone for hotspot purchases.
type InitiatePaymentRequest struct {
	Phone       string `json:"phone"`
	PlanCode    string `json:"plan_code"`
	ServiceType string `json:"service_type"`
	Identity    string `json:"identity,omitempty"`
}

func (r *InitiatePaymentRequest) Validate() error {
	if r.ServiceType == "" {
		r.ServiceType = subscription.ServiceHotspot
	}
	v := validation.NewValidator()
	v.Field("phone", r.Phone).Required(internal.ErrCodeInvalidPhone)
	v.Field("plan_code", r.PlanCode).Required(internal.ErrCodeUnknownPlan).MaxLength(64)
	v.Field("service_type", r.ServiceType).
		OneOf(subscription.ServiceHotspot, subscription.ServicePPPoE)
	if err := v.Validate(); err != nil {
		return err
	}
	return nil
}

// InitiatePaymentResponse reports either a raised payment (the customer sees
// an STK prompt) or a scheduled plan change that required no charge.
type InitiatePaymentResponse struct {
	PaymentID         int64  `json:"payment_id,omitempty"`
	CheckoutRequestID string `json:"checkout_request_id,omitempty"`
	Mode              string `json:"mode"`
	Amount            int64  `json:"amount"`
	Scheduled         bool   `json:"scheduled,omitempty"`
	CustomerMessage   string `json:"customer_message,omitempty"`
}

// PaymentResponse is the read model for one payment record.
type PaymentResponse struct {
	ID                 int64               `json:"id"`
	Phone              string              `json:"phone"`
	Amount             decimal.Decimal     `json:"amount"`
	Status             string              `json:"status"`
	Mode               string              `json:"mode,omitempty"`
	CheckoutRequestID  *string             `json:"checkout_request_id,omitempty"`
	Receipt            *string             `json:"receipt,omitempty"`
	ResultCode         *int                `json:"result_code,omitempty"`
	ResultDesc         *string             `json:"result_desc,omitempty"`
	PaidAt             *time.Time          `json:"paid_at,omitempty"`
	VoidedAt           *time.Time          `json:"voided_at,omitempty"`
	ReconcileAttempts  int                 `json:"reconcile_attempts"`
	ActivationAttempts int                 `json:"activation_attempts"`
	CreatedAt          time.Time           `json:"created_at"`
	Intent             paymentmodel.Intent `json:"intent"`
}

func NewPaymentResponse(p *paymentmodel.Payment) *PaymentResponse {
	return &PaymentResponse{
		ID:                 p.ID,
		Phone:              p.Phone,
		Amount:             p.Amount,
		Status:             p.Status,
		Mode:               p.Intent.Mode,
		CheckoutRequestID:  p.CheckoutRequestID,
		Receipt:            p.Receipt,
		ResultCode:         p.ResultCode,
		ResultDesc:         p.ResultDesc,
		PaidAt:             p.PaidAt,
		VoidedAt:           p.VoidedAt,
		ReconcileAttempts:  p.ReconcileAttempts,
		ActivationAttempts: p.ActivationAttempts,
		CreatedAt:          p.CreatedAt,
		Intent:             p.Intent,
	}
}
