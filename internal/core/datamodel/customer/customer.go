package customer

import (
	"time"
)

// Customer identity is the normalized phone number (2547XXXXXXXX). Rows are
// created on first payment or provisioning and the phone never changes after.
type Customer struct {
	ID            int64     `gorm:"primaryKey"`
	Phone         string    `gorm:"column:phone;not null;uniqueIndex"`
	PPPoEUsername *string   `gorm:"column:pppoe_username;uniqueIndex"`
	PPPoEPassword *string   `gorm:"column:pppoe_password"`
	CreatedAt     time.Time `gorm:"column:created_at;default:now()"`
	UpdatedAt     time.Time `gorm:"column:updated_at;default:now()"`
}

func (Customer) TableName() string {
	return "customers"
}
