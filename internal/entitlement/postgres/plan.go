package postgres

import (
	"errors"

	"gorm.io/gorm"

	"github.com/dmpolin/connect-billing/internal"
	"github.com/dmpolin/connect-billing/internal/core/datamodel/plan"
	"github.com/dmpolin/connect-billing/internal/entitlement"
)

// PlanRepository implements entitlement.PlanRepository using GORM
type PlanRepository struct {
	db *gorm.DB
}

func NewPlanRepository(db *gorm.DB) entitlement.PlanRepository {
	return &PlanRepository{db: db}
}

func (r *PlanRepository) GetByID(id int64) (*plan.Plan, error) {
	var p plan.Plan
	err := r.db.Where("id = ?", id).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrUnknownPlan
		}
		return nil, err
	}
	return &p, nil
}

func (r *PlanRepository) GetByCode(code string) (*plan.Plan, error) {
	var p plan.Plan
	err := r.db.Where("code = ?", code).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, internal.ErrUnknownPlan
		}
		return nil, err
	}
	return &p, nil
}

func (r *PlanRepository) List() ([]*plan.Plan, error) {
	var plans []*plan.Plan
	err := r.db.Order("price_kes ASC").Find(&plans).Error
	return plans, err
}
