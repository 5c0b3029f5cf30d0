package payment

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Payment status lifecycle. Transitions are owned by the billing state
// machine; nothing else writes Status.
const (
	StatusPending          = "pending"
	StatusSuccess          = "success"
	StatusFailed           = "failed"
	StatusCancelled        = "cancelled"
	StatusTimeout          = "timeout"
	StatusReconciled       = "reconciled"
	StatusActivationFailed = "activation_failed"
)

// Charge modes carried in the payment intent. The amount charged at
// initiation depends on the mode, so the callback path must be able to
// recover it without reparsing gateway payloads.
const (
	ModeRenewal         = "renewal"
	ModeRenewExtend     = "renew_extend"
	ModeUpgradeProrated = "upgrade_prorated"
)

// Intent is the structured billing intent stamped on the payment at
// initiation time. TargetPlanID differs from PlanID only for prorated
// upgrades.
type Intent struct {
	Mode         string `json:"mode"`
	PlanID       int64  `json:"plan_id"`
	TargetPlanID int64  `json:"target_plan_id"`
}

func (i Intent) Value() (driver.Value, error) {
	return json.Marshal(i)
}

func (i *Intent) Scan(value interface{}) error {
	if value == nil {
		*i = Intent{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, i)
	case string:
		return json.Unmarshal([]byte(v), i)
	default:
		return fmt.Errorf("unsupported intent column type %T", value)
	}
}

// ChargedPlanID is the plan whose duration applies when this payment
// finalizes: the upgrade target when prorating, the base plan otherwise.
func (i Intent) ChargedPlanID() int64 {
	if i.Mode == ModeUpgradeProrated && i.TargetPlanID != 0 {
		return i.TargetPlanID
	}
	return i.PlanID
}

// Payment is one STK-push attempt. CheckoutRequestID and MerchantRequestID
// are the gateway correlation identifiers; CheckoutRequestID is the
// idempotency key for callbacks and reconciliation queries.
type Payment struct {
	ID             int64  `gorm:"primaryKey"`
	CustomerID     *int64 `gorm:"column:customer_id;index"`
	SubscriptionID *int64 `gorm:"column:subscription_id;index"`

	Phone  string          `gorm:"column:phone;not null"`
	Amount decimal.Decimal `gorm:"column:amount;type:numeric(12,2);not null"`

	CheckoutRequestID *string `gorm:"column:checkout_request_id;index"`
	MerchantRequestID *string `gorm:"column:merchant_request_id"`
	Receipt           *string `gorm:"column:receipt;uniqueIndex"`

	Status     string  `gorm:"column:status;not null;default:pending;index"`
	ResultCode *int    `gorm:"column:result_code"`
	ResultDesc *string `gorm:"column:result_desc"`

	Intent Intent `gorm:"column:intent;type:jsonb"`

	PaidAt            *time.Time      `gorm:"column:paid_at;index"`
	RawCallback       json.RawMessage `gorm:"column:raw_callback;type:jsonb"`
	ExternalUpdatedAt *time.Time      `gorm:"column:external_updated_at"`

	ReconcileAttempts int        `gorm:"column:reconcile_attempts;default:0"`
	LastReconcileAt   *time.Time `gorm:"column:last_reconcile_at"`

	ActivationAttempts int        `gorm:"column:activation_attempts;default:0"`
	LastActivationAt   *time.Time `gorm:"column:last_activation_at"`
	ActivationError    *string    `gorm:"column:activation_error"`

	VoidedAt *time.Time `gorm:"column:voided_at"`

	CreatedAt time.Time `gorm:"column:created_at;default:now()"`
	UpdatedAt time.Time `gorm:"column:updated_at;default:now()"`
}

func (Payment) TableName() string {
	return "payments"
}

// IsFinalSuccess reports whether billing effects have already been applied.
// Once true, every further inbound event for this payment is a no-op.
func (p *Payment) IsFinalSuccess() bool {
	return p.Status == StatusSuccess || p.Status == StatusReconciled
}

// IsVoided marks manually voided payments; voided rows are excluded from
// expiry recomputation.
func (p *Payment) IsVoided() bool {
	return p.VoidedAt != nil
}

var ErrInvalidTransition = errors.New("invalid payment status transition")

// CanTransition encodes the status graph:
//
//	pending -> success | reconciled | failed | cancelled | timeout
//	success -> reconciled | activation_failed
//	reconciled -> activation_failed
//	activation_failed -> success (sweeper retry landed)
//
// A pending payment lands directly on reconciled when the poller, not the
// webhook, confirms the success. failed, cancelled and timeout are final.
func CanTransition(from, to string) bool {
	switch from {
	case StatusPending:
		switch to {
		case StatusSuccess, StatusReconciled, StatusFailed, StatusCancelled, StatusTimeout:
			return true
		}
	case StatusSuccess:
		switch to {
		case StatusReconciled, StatusActivationFailed:
			return true
		}
	case StatusReconciled:
		return to == StatusActivationFailed
	case StatusActivationFailed:
		return to == StatusSuccess
	}
	return false
}
