package postgres

import (
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/dmpolin/connect-billing/internal/core/datamodel/customer"
	"github.com/dmpolin/connect-billing/internal/entitlement"
)

// CustomerRepository implements entitlement.CustomerRepository using GORM
type CustomerRepository struct {
	db *gorm.DB
}

func NewCustomerRepository(db *gorm.DB) entitlement.CustomerRepository {
	return &CustomerRepository{db: db}
}

func (r *CustomerRepository) GetByID(id int64) (*customer.Customer, error) {
	var c customer.Customer
	err := r.db.Where("id = ?", id).First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CustomerRepository) GetByPhone(phone string) (*customer.Customer, error) {
	var c customer.Customer
	err := r.db.Where("phone = ?", phone).First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CustomerRepository) Create(c *customer.Customer) error {
	err := r.db.Create(c).Error
	if err != nil && (errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key value")) {
		// Concurrent first payment for the same phone; reuse the winner.
		var existing customer.Customer
		if lookupErr := r.db.Where("phone = ?", c.Phone).First(&existing).Error; lookupErr == nil {
			*c = existing
			return nil
		}
	}
	return err
}
