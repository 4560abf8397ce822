package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction statuses. Rows move forward only:
// pending -> approved -> completed, with failed/cancelled reachable from any
// non-terminal state. No transition leaves a terminal state.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Transaction is one purchase attempt. PaymentID is issued by the Pi platform
// and is the idempotency key for every callback; the monetary columns are
// locked at creation time and never recomputed.
type Transaction struct {
	ID          string          `gorm:"primaryKey;size:36" json:"id"`
	UserID      string          `gorm:"size:64;index;not null" json:"user_id"`
	PackageID   uint64          `gorm:"not null" json:"package_id"`
	PaymentID   string          `gorm:"size:64;uniqueIndex;not null" json:"payment_id"`
	Txid        *string         `gorm:"size:128;uniqueIndex" json:"txid"`
	PiAmount    decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"pi_amount"`
	UsdAmount   decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"usd_amount"`
	PriceAtTime decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"price_at_time"`
	Status      string          `gorm:"size:16;not null;default:'pending';index" json:"status"`
	GameAccount string          `gorm:"type:jsonb;not null" json:"game_account"`
	EmailSent   bool            `gorm:"not null;default:false" json:"email_sent"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string { return "transaction" }

// Terminal reports whether status admits no further transitions.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the payment state machine allows from -> to.
func CanTransition(from, to string) bool {
	if Terminal(from) || from == to {
		return false
	}
	switch to {
	case StatusApproved:
		return from == StatusPending
	case StatusCompleted:
		return from == StatusApproved
	case StatusFailed, StatusCancelled:
		return true
	}
	return false
}
