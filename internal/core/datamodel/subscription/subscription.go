package subscription

import (
	"strings"
	"time"

	"github.com/dmpolin/connect-billing/internal/core/datamodel/plan"
)

// Service types. Hotspot sessions are metered per device; PPPoE lines stay up
// until the secret is disabled.
const (
	ServiceHotspot = "hotspot"
	ServicePPPoE   = "pppoe"
)

const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusExpired = "expired"
)

// Subscription is the entitlement record the billing core reconciles. A
// partial unique index guarantees at most one active row per
// (service_type, identity) pair; see db/migrations.
type Subscription struct {
	ID         int64 `gorm:"primaryKey"`
	CustomerID int64 `gorm:"column:customer_id;not null;index"`
	PlanID     int64 `gorm:"column:plan_id;not null;index"`

	// PendingPlanID is set only for a scheduled downgrade; it replaces the
	// charged plan at the next renewal and is cleared afterwards.
	PendingPlanID *int64 `gorm:"column:pending_plan_id;index"`

	ServiceType string `gorm:"column:service_type;not null;default:hotspot;index"`

	HotspotUsername *string `gorm:"column:hotspot_username;index"`
	PPPoEUsername   *string `gorm:"column:pppoe_username;index"`

	Status string `gorm:"column:status;not null;default:pending;index"`

	StartsAt  *time.Time `gorm:"column:starts_at;index"`
	ExpiresAt *time.Time `gorm:"column:expires_at;index"`

	LastPaymentID *int64 `gorm:"column:last_payment_id;index"`

	CreatedAt time.Time `gorm:"column:created_at;default:now()"`
	UpdatedAt time.Time `gorm:"column:updated_at;default:now()"`

	Plan        *plan.Plan `gorm:"foreignKey:PlanID"`
	PendingPlan *plan.Plan `gorm:"foreignKey:PendingPlanID"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// Identity returns the network login for the subscription's service type.
// Hotspot and PPPoE identities live in distinct namespaces.
func (s *Subscription) Identity() string {
	if strings.EqualFold(strings.TrimSpace(s.ServiceType), ServicePPPoE) {
		if s.PPPoEUsername != nil {
			return strings.TrimSpace(*s.PPPoEUsername)
		}
		return ""
	}
	if s.HotspotUsername != nil {
		return strings.TrimSpace(*s.HotspotUsername)
	}
	return ""
}

// SetIdentity writes the login into the column matching the service type.
func (s *Subscription) SetIdentity(identity string) {
	identity = strings.TrimSpace(identity)
	if strings.EqualFold(strings.TrimSpace(s.ServiceType), ServicePPPoE) {
		s.PPPoEUsername = &identity
		return
	}
	s.HotspotUsername = &identity
}

// IsActiveNow reports whether the entitlement grants access at the given
// instant. The expiry boundary is exclusive here; the expiry scheduler treats
// expires_at <= now as expired, which keeps the two views consistent.
func (s *Subscription) IsActiveNow(now time.Time) bool {
	return s.Status == StatusActive &&
		s.StartsAt != nil &&
		s.ExpiresAt != nil &&
		!s.StartsAt.After(now) &&
		now.Before(*s.ExpiresAt)
}
