package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Supported games.
const (
	GamePUBG = "PUBG"
	GameMLBB = "MLBB"
)

// Package is a purchasable in-game credit bundle. UsdPrice is the catalog
// price; the Pi amount is derived from the live rate at purchase time.
type Package struct {
	ID        uint64          `gorm:"primaryKey" json:"id"`
	Game      string          `gorm:"size:16;not null;index" json:"game"`
	Name      string          `gorm:"size:128;not null" json:"name"`
	Amount    int64           `gorm:"not null" json:"amount"`
	UsdPrice  decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"usd_price"`
	Active    bool            `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (Package) TableName() string { return "package" }

// DefaultPackages seeds the catalog on first boot.
func DefaultPackages() []Package {
	usd := func(s string) decimal.Decimal { d, _ := decimal.NewFromString(s); return d }
	return []Package{
		{Game: GamePUBG, Name: "60 UC", Amount: 60, UsdPrice: usd("1.50"), Active: true},
		{Game: GamePUBG, Name: "325 UC", Amount: 325, UsdPrice: usd("6.50"), Active: true},
		{Game: GamePUBG, Name: "660 UC", Amount: 660, UsdPrice: usd("12.00"), Active: true},
		{Game: GamePUBG, Name: "1800 UC", Amount: 1800, UsdPrice: usd("25.00"), Active: true},
		{Game: GameMLBB, Name: "56 Diamonds", Amount: 56, UsdPrice: usd("1.00"), Active: true},
		{Game: GameMLBB, Name: "278 Diamonds", Amount: 278, UsdPrice: usd("5.00"), Active: true},
		{Game: GameMLBB, Name: "571 Diamonds", Amount: 571, UsdPrice: usd("10.00"), Active: true},
		{Game: GameMLBB, Name: "1783 Diamonds", Amount: 1783, UsdPrice: usd("30.00"), Active: true},
	}
}
