package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentFinalized        = "payment.finalized"
	EventTypePaymentFailed           = "payment.failed"
	EventTypeActivationFailed        = "payment.activation_failed"
	EventTypeEntitlementActivated    = "entitlement.activated"
	EventTypeEntitlementExpired      = "entitlement.expired"
	EventTypeDowngradeScheduled      = "entitlement.downgrade_scheduled"
	EventTypeReconciliationConcluded = "payment.reconciled"
)

// PaymentFinalizedEvent fires once per payment, when it first reaches
// terminal success. It never fires for duplicate webhook deliveries.
type PaymentFinalizedEvent struct {
	BaseEvent
	PaymentID      int64  `json:"payment_id"`
	SubscriptionID int64  `json:"subscription_id"`
	CheckoutID     string `json:"checkout_request_id"`
	Receipt        string `json:"receipt"`
	Amount         string `json:"amount"`
}

func NewPaymentFinalizedEvent(paymentID, subscriptionID int64, checkoutID, receipt, amount string) *PaymentFinalizedEvent {
	return &PaymentFinalizedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentFinalized,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"payment_id":          paymentID,
				"subscription_id":     subscriptionID,
				"checkout_request_id": checkoutID,
				"receipt":             receipt,
				"amount":              amount,
			},
		},
		PaymentID:      paymentID,
		SubscriptionID: subscriptionID,
		CheckoutID:     checkoutID,
		Receipt:        receipt,
		Amount:         amount,
	}
}

type PaymentFailedEvent struct {
	BaseEvent
	PaymentID  int64  `json:"payment_id"`
	CheckoutID string `json:"checkout_request_id"`
	Status     string `json:"status"`
	ResultDesc string `json:"result_desc"`
}

func NewPaymentFailedEvent(paymentID int64, checkoutID, status, resultDesc string) *PaymentFailedEvent {
	return &PaymentFailedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentFailed,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"payment_id":          paymentID,
				"checkout_request_id": checkoutID,
				"status":              status,
				"result_desc":         resultDesc,
			},
		},
		PaymentID:  paymentID,
		CheckoutID: checkoutID,
		Status:     status,
		ResultDesc: resultDesc,
	}
}

// ActivationFailedEvent marks a payment whose money was taken but whose
// local entitlement or router step failed; the sweeper will retry it.
type ActivationFailedEvent struct {
	BaseEvent
	PaymentID int64  `json:"payment_id"`
	Attempts  int    `json:"attempts"`
	Reason    string `json:"reason"`
}

func NewActivationFailedEvent(paymentID int64, attempts int, reason string) *ActivationFailedEvent {
	return &ActivationFailedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeActivationFailed,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"payment_id": paymentID,
				"attempts":   attempts,
				"reason":     reason,
			},
		},
		PaymentID: paymentID,
		Attempts:  attempts,
		Reason:    reason,
	}
}

type EntitlementActivatedEvent struct {
	BaseEvent
	SubscriptionID int64     `json:"subscription_id"`
	ServiceType    string    `json:"service_type"`
	Identity       string    `json:"identity"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func NewEntitlementActivatedEvent(subscriptionID int64, serviceType, identity string, expiresAt time.Time) *EntitlementActivatedEvent {
	return &EntitlementActivatedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeEntitlementActivated,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"subscription_id": subscriptionID,
				"service_type":    serviceType,
				"identity":        identity,
				"expires_at":      expiresAt,
			},
		},
		SubscriptionID: subscriptionID,
		ServiceType:    serviceType,
		Identity:       identity,
		ExpiresAt:      expiresAt,
	}
}

type EntitlementExpiredEvent struct {
	BaseEvent
	SubscriptionID int64  `json:"subscription_id"`
	ServiceType    string `json:"service_type"`
	Identity       string `json:"identity"`
}

func NewEntitlementExpiredEvent(subscriptionID int64, serviceType, identity string) *EntitlementExpiredEvent {
	return &EntitlementExpiredEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeEntitlementExpired,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"subscription_id": subscriptionID,
				"service_type":    serviceType,
				"identity":        identity,
			},
		},
		SubscriptionID: subscriptionID,
		ServiceType:    serviceType,
		Identity:       identity,
	}
}
