package model

import "time"

// User is a Pi Network identity known to the shop. PiUID comes from the
// platform /me endpoint; transactions reference it weakly.
type User struct {
	ID        uint64    `gorm:"primaryKey"`
	PiUID     string    `gorm:"size:64;uniqueIndex;not null"`
	Username  string    `gorm:"size:64;not null"`
	Email     string    `gorm:"size:128"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (User) TableName() string { return "user" }
