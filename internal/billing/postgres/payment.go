package postgres

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dmpolin/connect-billing/internal"
	"github.com/dmpolin/connect-billing/internal/billing"
	paymentmodel "github.com/dmpolin/connect-billing/internal/core/datamodel/payment"
)

// PaymentRepository implements billing.Repository using GORM
type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) billing.Repository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(p *paymentmodel.Payment) error {
	return r.db.Create(p).Error
}

func (r *PaymentRepository) GetByID(id int64) (*paymentmodel.Payment, error) {
	var p paymentmodel.Payment
	err := r.db.Where("id = ?", id).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) GetByCheckoutID(checkoutID string) (*paymentmodel.Payment, error) {
	var p paymentmodel.Payment
	err := r.db.Where("checkout_request_id = ?", checkoutID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PaymentRepository) Update(p *paymentmodel.Payment) error {
	return r.db.Save(p).Error
}

// FinalizeWithLock serializes every status mutation keyed by checkout id:
// SELECT FOR UPDATE, apply fn, save, one transaction. Concurrent deliveries
// of the same webhook queue up on the row lock and the loser sees the
// already-final status inside fn.
func (r *PaymentRepository) FinalizeWithLock(checkoutID string, fn func(p *paymentmodel.Payment) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var p paymentmodel.Payment
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("checkout_request_id = ?", checkoutID).
			First(&p).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return internal.ErrPaymentNotFound
			}
			return err
		}

		if err := fn(&p); err != nil {
			return err
		}

		return tx.Save(&p).Error
	})
}

// UpdateWithLock is FinalizeWithLock keyed by primary id, for paths that do
// not go through a gateway correlation id.
func (r *PaymentRepository) UpdateWithLock(id int64, fn func(p *paymentmodel.Payment) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		var p paymentmodel.Payment
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&p).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return internal.ErrPaymentNotFound
			}
			return err
		}

		if err := fn(&p); err != nil {
			return err
		}

		return tx.Save(&p).Error
	})
}

// ListStuckPending returns pending payments created before the given instant
// that still have reconciliation attempts left, oldest first.
func (r *PaymentRepository) ListStuckPending(pendingSince time.Time, maxAttempts, limit int) ([]*paymentmodel.Payment, error) {
	var payments []*paymentmodel.Payment
	err := r.db.
		Where("status = ? AND created_at <= ? AND reconcile_attempts < ?",
			paymentmodel.StatusPending, pendingSince, maxAttempts).
		Order("created_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

// ListActivationRetries returns payments whose money is in but whose local
// entitlement effect is missing: activation_failed rows under the retry cap,
// plus final-success rows never stamped with an activation. The latter only
// exist after a crash between the payment commit and the entitlement step;
// paidBefore keeps in-flight finalizations out of the sweep.
func (r *PaymentRepository) ListActivationRetries(maxAttempts, limit int, paidBefore time.Time) ([]*paymentmodel.Payment, error) {
	var payments []*paymentmodel.Payment
	err := r.db.
		Where("(status = ? AND activation_attempts < ?) OR (status IN ? AND last_activation_at IS NULL AND paid_at <= ?)",
			paymentmodel.StatusActivationFailed, maxAttempts,
			[]string{paymentmodel.StatusSuccess, paymentmodel.StatusReconciled}, paidBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

// ListAppliedBySubscription returns the non-voided successful payments of a
// subscription in paid order, for expiry recomputation.
func (r *PaymentRepository) ListAppliedBySubscription(subscriptionID int64) ([]*paymentmodel.Payment, error) {
	var payments []*paymentmodel.Payment
	err := r.db.
		Where("subscription_id = ? AND status IN ? AND voided_at IS NULL",
			subscriptionID, []string{paymentmodel.StatusSuccess, paymentmodel.StatusReconciled}).
		Order("paid_at ASC").
		Find(&payments).Error
	return payments, err
}
