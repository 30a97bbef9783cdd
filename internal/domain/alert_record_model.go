package domain

import "time"

// AlertRecord claims an alert slot for an IP within a scan window so re-runs do not re-alert.
type AlertRecord struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement"`
	IP          string    `gorm:"size:45;not null;uniqueIndex:idx_alert_ip_window,priority:1"`
	WindowStart time.Time `gorm:"not null;uniqueIndex:idx_alert_ip_window,priority:2"`
	Kind        string    `gorm:"size:32;not null"`
	Severity    Severity  `gorm:"size:16;not null"`
	SentAt      time.Time `gorm:"not null;index"`
}
