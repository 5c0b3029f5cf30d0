package postgres

import (
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dmpolin/connect-billing/internal"
	"github.com/dmpolin/connect-billing/internal/core/datamodel/subscription"
	"github.com/dmpolin/connect-billing/internal/entitlement"
)

// SubscriptionRepository implements entitlement.SubscriptionRepository using GORM
type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) entitlement.SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func identityColumn(serviceType string) string {
	if serviceType == subscription.ServicePPPoE {
		return "pppoe_username"
	}
	return "hotspot_username"
}

func (r *SubscriptionRepository) GetByID(id int64) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	err := r.db.Preload("Plan").Where("id = ?", id).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// FindByIdentity returns the newest row for the identity regardless of
// status, so a lapsed subscription is reused instead of duplicated.
func (r *SubscriptionRepository) FindByIdentity(serviceType, identity string) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	err := r.db.Preload("Plan").
		Where("service_type = ? AND "+identityColumn(serviceType)+" = ?", serviceType, identity).
		Order("created_at DESC").
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (r *SubscriptionRepository) FindActiveByIdentity(serviceType, identity string) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	err := r.db.Preload("Plan").
		Where("service_type = ? AND status = ? AND "+identityColumn(serviceType)+" = ?",
			serviceType, subscription.StatusActive, identity).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// ListExpired selects active rows whose expiry has passed, inclusive of the
// boundary instant.
func (r *SubscriptionRepository) ListExpired(now time.Time, limit int) ([]*subscription.Subscription, error) {
	var subs []*subscription.Subscription
	err := r.db.
		Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", subscription.StatusActive, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *SubscriptionRepository) Create(sub *subscription.Subscription) error {
	return translateConstraint(r.db.Create(sub).Error)
}

// UpdateWithLock serializes mutation of one subscription row: SELECT FOR
// UPDATE, apply fn, save, all in one transaction. Two payments finalizing
// against the same entitlement queue up here instead of interleaving.
func (r *SubscriptionRepository) UpdateWithLock(id int64, fn func(sub *subscription.Subscription) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var sub subscription.Subscription
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&sub).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return internal.ErrSubscriptionNotFound
			}
			return err
		}

		if err := fn(&sub); err != nil {
			return err
		}

		return translateConstraint(tx.Save(&sub).Error)
	})
}

// translateConstraint maps the at-most-one-active unique violation onto
// ErrAlreadyActive so racing activations surface a conflict instead of a
// bare driver error. Both the postgres and the sqlite shapes are handled
// since tests run on sqlite.
func translateConstraint(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return alreadyActive(err)
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key value") {
		return alreadyActive(err)
	}
	return err
}

func alreadyActive(cause error) error {
	return internal.NewConflictError(
		"an active entitlement already exists for this identity",
		internal.ErrCodeAlreadyActive).WithCause(cause)
}
