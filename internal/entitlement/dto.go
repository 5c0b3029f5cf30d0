package entitlement

import (
	"time"

	"github.com/dmpolin/connect-billing/internal"
	"github.com/dmpolin/connect-billing/internal/core/common/validation"
	"github.com/dmpolin/connect-billing/internal/core/datamodel/customer"
	"github.com/dmpolin/connect-billing/internal/core/datamodel/plan"
	"github.com/dmpolin/connect-billing/internal/core/datamodel/subscription"
)

// ProvisionRequest activates an entitlement without a payment, used by the
// admin layer for manual or complimentary activations.
type ProvisionRequest struct {
	Phone       string `json:"phone"`
	PlanCode    string `json:"plan_code"`
	ServiceType string `json:"service_type"`
	Identity    string `json:"identity,omitempty"`
}

func (r *ProvisionRequest) Validate() error {
	v := validation.NewValidator()
	v.Field("phone", r.Phone).Required(internal.ErrCodeInvalidPhone)
	v.Field("plan_code", r.PlanCode).Required(internal.ErrCodeUnknownPlan).MaxLength(64)
	v.Field("service_type", r.ServiceType).
		Required(internal.ErrCodeValidationFailed).
		OneOf(subscription.ServiceHotspot, subscription.ServicePPPoE)
	if err := v.Validate(); err != nil {
		return err
	}
	return nil
}

// SubscriptionResponse is the read model served to the admin layer. It is
// built from the store only; lookups never touch the gateway or the device.
type SubscriptionResponse struct {
	ID            int64      `json:"id"`
	CustomerID    int64      `json:"customer_id"`
	ServiceType   string     `json:"service_type"`
	Identity      string     `json:"identity"`
	Status        string     `json:"status"`
	PlanCode      string     `json:"plan_code,omitempty"`
	PlanName      string     `json:"plan_name,omitempty"`
	PendingPlanID *int64     `json:"pending_plan_id,omitempty"`
	StartsAt      *time.Time `json:"starts_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func NewSubscriptionResponse(sub *subscription.Subscription) *SubscriptionResponse {
	resp := &SubscriptionResponse{
		ID:            sub.ID,
		CustomerID:    sub.CustomerID,
		ServiceType:   sub.ServiceType,
		Identity:      sub.Identity(),
		Status:        sub.Status,
		PendingPlanID: sub.PendingPlanID,
		StartsAt:      sub.StartsAt,
		ExpiresAt:     sub.ExpiresAt,
	}
	if sub.Plan != nil {
		resp.PlanCode = sub.Plan.Code
		resp.PlanName = sub.Plan.Name
	}
	return resp
}

// PurchaseContext carries everything the billing initiation path needs after
// the entitlement side has resolved customer, subscription and plans.
type PurchaseContext struct {
	Customer     *customer.Customer
	Subscription *subscription.Subscription
	CurrentPlan  *plan.Plan
	TargetPlan   *plan.Plan
}

// Quote is the charge decision for one purchase: which mode applies and how
// much to collect. A zero amount means a scheduled plan change with no
// payment at all.
type Quote struct {
	Mode   string
	Amount int64
}
