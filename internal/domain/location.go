package domain

import (
	"time"

	"gorm.io/datatypes"
)

const (
	GeoSourcePrivate = "private_ip"
	GeoSourceFailed  = "failed"
	GeoSourceInvalid = "invalid_ip"
)

// Location is the enrichment payload of a geolocation lookup.
type Location struct {
	Country     string  `json:"country,omitempty"`
	CountryCode string  `json:"country_code,omitempty"`
	City        string  `json:"city,omitempty"`
	Region      string  `json:"region,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	Timezone    string  `json:"timezone,omitempty"`
	ISP         string  `json:"isp,omitempty"`
	Source      string  `json:"source"`
}

// UnknownLocation is returned when no provider produced a result.
func UnknownLocation(source string) Location {
	return Location{Source: source}
}

func (l Location) Unknown() bool {
	switch l.Source {
	case "", GeoSourcePrivate, GeoSourceFailed, GeoSourceInvalid:
		return true
	}
	return false
}

// GeoCacheEntry is the durable cache row for a resolved IP.
type GeoCacheEntry struct {
	IP          string                       `gorm:"primaryKey;size:45"`
	Location    datatypes.JSONType[Location] `gorm:"type:json"`
	LastUpdated time.Time                    `gorm:"not null;index"`
}

// FreshAt reports whether the entry is younger than ttl at now.
func (e GeoCacheEntry) FreshAt(now time.Time, ttl time.Duration) bool {
	return !e.LastUpdated.IsZero() && now.Sub(e.LastUpdated) < ttl
}
