package domain

import (
	"time"

	"gorm.io/datatypes"
)

// SuspiciousIP is the scanner's finding for one IP in one scan window.
type SuspiciousIP struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	IP          string    `gorm:"size:45;not null;uniqueIndex:idx_suspicious_ip_window,priority:1"`
	WindowStart time.Time `gorm:"not null;uniqueIndex:idx_suspicious_ip_window,priority:2"`

	Reason       Reason            `gorm:"size:32;not null"`
	Severity     Severity          `gorm:"size:16;not null"`
	RequestCount int64             `gorm:"not null;default:0"`
	Details      datatypes.JSONMap `gorm:"type:json"`

	AutoBlocked bool `gorm:"not null;default:false"`
	// Active records take part in severity merging; an admin reset clears it.
	Active bool `gorm:"not null;default:true;index"`

	FirstDetected time.Time `gorm:"not null"`
	LastDetected  time.Time `gorm:"not null;index"`
}
