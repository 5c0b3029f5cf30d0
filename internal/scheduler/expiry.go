package scheduler

import (
	"context"
	"log/slog"

	"github.com/dmpolin/connect-billing/internal/core/datamodel/subscription"
	"github.com/dmpolin/connect-billing/internal/core/events"
	"github.com/dmpolin/connect-billing/internal/entitlement"
	"github.com/dmpolin/connect-billing/internal/network"
)

// DeviceRevoker is the slice of the network enforcer the expiry pass needs.
type DeviceRevoker interface {
	Enabled() bool
	Revoke(ctx context.Context, serviceType, identity string) network.Result
}

// ExpiryEnforcer expires entitlements whose time has elapsed. Strictly
// DB-first: each row is marked expired and committed before any device call,
// and a device failure never reverts the store. The worst case is one
// customer staying connected for one extra interval; the store, which is the
// billing authority, is always right.
type ExpiryEnforcer struct {
	subs       entitlement.SubscriptionRepository
	enforcer   DeviceRevoker
	eventBus   *events.EventBus
	logger     *slog.Logger
	clock      Clock
	batchLimit int
}

func NewExpiryEnforcer(
	subs entitlement.SubscriptionRepository,
	enforcer DeviceRevoker,
	eventBus *events.EventBus,
	logger *slog.Logger,
	clock Clock,
	batchLimit int,
) *ExpiryEnforcer {
	if clock == nil {
		clock = RealClock()
	}
	if batchLimit <= 0 {
		batchLimit = 100
	}
	return &ExpiryEnforcer{
		subs:       subs,
		enforcer:   enforcer,
		eventBus:   eventBus,
		logger:     logger,
		clock:      clock,
		batchLimit: batchLimit,
	}
}

// Run executes one expiry pass. The boundary is inclusive: a row whose
// expiry equals the current instant is already expired.
func (e *ExpiryEnforcer) Run(ctx context.Context) error {
	now := e.clock.Now()

	expired, err := e.subs.ListExpired(now, e.batchLimit)
	if err != nil {
		e.logger.Error("expiry pass: listing failed", "error", err)
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	e.logger.Info("expiry pass started", "candidates", len(expired))

	for _, sub := range expired {
		if err := e.expireOne(ctx, sub); err != nil {
			e.logger.Error("expiry pass: subscription skipped",
				"subscription_id", sub.ID,
				"error", err)
		}
	}
	return nil
}

func (e *ExpiryEnforcer) expireOne(ctx context.Context, sub *subscription.Subscription) error {
	// Store first. The row is re-checked under the lock in case a renewal
	// landed between the listing and now.
	var expired bool
	err := e.subs.UpdateWithLock(sub.ID, func(locked *subscription.Subscription) error {
		now := e.clock.Now()
		if locked.Status != subscription.StatusActive ||
			locked.ExpiresAt == nil ||
			locked.ExpiresAt.After(now) {
			return nil
		}
		locked.Status = subscription.StatusExpired
		expired = true
		return nil
	})
	if err != nil {
		return err
	}
	if !expired {
		return nil
	}

	e.logger.Info("entitlement expired",
		"subscription_id", sub.ID,
		"service_type", sub.ServiceType,
		"identity", sub.Identity())

	if e.eventBus != nil {
		e.eventBus.Publish(ctx, events.NewEntitlementExpiredEvent(sub.ID, sub.ServiceType, sub.Identity()))
	}

	// Device second, best effort. With automation off the store change is
	// all there is to do.
	if !e.enforcer.Enabled() {
		return nil
	}
	identity := sub.Identity()
	if identity == "" {
		return nil
	}
	if res := e.enforcer.Revoke(ctx, sub.ServiceType, identity); res.Err != nil {
		e.logger.Error("device disable failed after expiry, store kept",
			"subscription_id", sub.ID,
			"identity", identity,
			"error", res.Err)
	}
	return nil
}
