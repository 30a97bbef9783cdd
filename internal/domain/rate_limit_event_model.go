package domain

import "time"

// RateLimitEvent is written whenever a rate rule with denial logging rejects a request.
type RateLimitEvent struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	IP          string    `gorm:"size:45;not null;index"`
	IdentityKey string    `gorm:"size:255;not null"`
	Endpoint    string    `gorm:"size:500;not null"`
	Method      string    `gorm:"size:16;not null;default:''"`
	Rule        string    `gorm:"size:32;not null"`
	Limit       string    `gorm:"size:32;not null"`
	Action      string    `gorm:"size:16;not null;default:'blocked'"`
	CreatedAt   time.Time `gorm:"not null;index"`
}
