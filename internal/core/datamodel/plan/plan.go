package plan

import (
	"time"
)

// Plan is a purchasable package: immutable reference data looked up by code.
// Price is whole KES; DurationMinutes drives all expiry arithmetic.
type Plan struct {
	ID              int64     `gorm:"primaryKey"`
	Code            string    `gorm:"column:code;not null;uniqueIndex"`
	Name            string    `gorm:"column:name;not null"`
	DurationMinutes int       `gorm:"column:duration_minutes;not null"`
	PriceKES        int64     `gorm:"column:price_kes;not null"`
	RouterProfile   string    `gorm:"column:router_profile;not null"`
	MaxDevices      int       `gorm:"column:max_devices;default:1"`
	CreatedAt       time.Time `gorm:"column:created_at;default:now()"`
}

func (Plan) TableName() string {
	return "plans"
}

// Duration converts the plan's validity window into a time.Duration.
func (p *Plan) Duration() time.Duration {
	return time.Duration(p.DurationMinutes) * time.Minute
}
