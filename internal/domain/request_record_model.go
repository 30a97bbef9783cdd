package domain

import "time"

// RequestResult is the decision the inspection pipeline took for a request.
type RequestResult string

const (
	ResultAllowed     RequestResult = "allowed"
	ResultRateLimited RequestResult = "rate_limited"
	ResultBlocked     RequestResult = "blocked"
)

// RequestRecord is one inspected request. Rows are append-only; only Flagged and
// AnomalyReason are updated afterwards, by the anomaly scanner.
type RequestRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	IP        string        `gorm:"size:45;not null;index:idx_request_records_ip_ts,priority:1"`
	Timestamp time.Time     `gorm:"not null;index;index:idx_request_records_ip_ts,priority:2"`
	Method    string        `gorm:"size:16;not null;default:''"`
	Path      string        `gorm:"size:500;not null"`
	Status    int           `gorm:"column:status_code;not null;default:0"`
	Result    RequestResult `gorm:"size:16;not null;index"`
	Rule      string        `gorm:"size:32;not null;default:''"`
	Principal string        `gorm:"size:255;not null;default:''"`

	Country     string  `gorm:"size:128"`
	CountryCode string  `gorm:"size:8"`
	City        string  `gorm:"size:128"`
	Region      string  `gorm:"size:128"`
	Latitude    float64 `gorm:"default:0"`
	Longitude   float64 `gorm:"default:0"`
	ISP         string  `gorm:"size:255"`
	GeoSource   string  `gorm:"size:32"`

	Flagged       bool   `gorm:"not null;default:false;index"`
	AnomalyReason string `gorm:"size:255;not null;default:''"`
}

// ApplyLocation copies the enrichment result onto the record. Unknown locations
// only carry their source so later backfills can find them.
func (r *RequestRecord) ApplyLocation(loc Location) {
	r.GeoSource = loc.Source
	if loc.Unknown() {
		return
	}
	r.Country = loc.Country
	r.CountryCode = loc.CountryCode
	r.City = loc.City
	r.Region = loc.Region
	r.Latitude = loc.Latitude
	r.Longitude = loc.Longitude
	r.ISP = loc.ISP
}

// IsError reports whether the response status counts towards the error rate.
func (r RequestRecord) IsError() bool {
	return r.Status >= 400
}
