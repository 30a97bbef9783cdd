package domain

import (
	"strings"
	"time"
)

// BlockEntry stores one blocked IP. A nil ExpiresAt means the block is permanent.
type BlockEntry struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	// IP holds the canonical textual address (e.g. 192.0.2.1, 2001:db8::1).
	IP     string `gorm:"size:45;uniqueIndex;not null"`
	Reason string `gorm:"size:255;not null;default:''"`

	CreatedAt time.Time  `gorm:"not null"`
	UpdatedAt time.Time  `gorm:"not null"`
	ExpiresAt *time.Time `gorm:"index"`
}

// ActiveAt reports whether the entry still blocks traffic at the given instant.
func (b BlockEntry) ActiveAt(now time.Time) bool {
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}

func (b BlockEntry) Permanent() bool {
	return b.ExpiresAt == nil
}

// IsAutomatic reports whether the scanner created the entry.
func (b BlockEntry) IsAutomatic() bool {
	return strings.HasPrefix(b.Reason, AutoBlockReasonPrefix)
}

// AutoBlockReasonPrefix marks block reasons written by the anomaly scanner.
const AutoBlockReasonPrefix = "auto: "
