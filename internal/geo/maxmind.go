package geo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"ipguard/internal/domain"
)

// MaxMindProvider answers from local GeoLite2/GeoIP2 databases. The ASN database is optional.
type MaxMindProvider struct {
	name     string
	cityPath string
	asnPath  string

	mu   sync.RWMutex
	city *geoip2.Reader
	asn  *geoip2.Reader
}

func OpenMaxMind(name, cityPath, asnPath string) (*MaxMindProvider, error) {
	if cityPath == "" {
		return nil, errors.New("geo: maxmind city database path is empty")
	}
	city, asn, err := openReaders(cityPath, asnPath)
	if err != nil {
		return nil, err
	}
	return &MaxMindProvider{name: name, cityPath: cityPath, asnPath: asnPath, city: city, asn: asn}, nil
}

func openReaders(cityPath, asnPath string) (*geoip2.Reader, *geoip2.Reader, error) {
	city, err := geoip2.Open(cityPath)
	if err != nil {
		return nil, nil, fmt.Errorf("geo: open %s: %w", cityPath, err)
	}
	if asnPath == "" {
		return city, nil, nil
	}
	asn, err := geoip2.Open(asnPath)
	if err != nil {
		_ = city.Close()
		return nil, nil, fmt.Errorf("geo: open %s: %w", asnPath, err)
	}
	return city, asn, nil
}

// Reload reopens the database files after they were replaced on disk. On
// failure the current readers stay in use.
func (p *MaxMindProvider) Reload() error {
	city, asn, err := openReaders(p.cityPath, p.asnPath)
	if err != nil {
		return err
	}

	p.mu.Lock()
	oldCity, oldASN := p.city, p.asn
	p.city, p.asn = city, asn
	p.mu.Unlock()

	closeReaders(oldCity, oldASN)
	return nil
}

// Paths returns the city and ASN database locations.
func (p *MaxMindProvider) Paths() (string, string) { return p.cityPath, p.asnPath }

func (p *MaxMindProvider) Name() string { return p.name }

func (p *MaxMindProvider) Lookup(ctx context.Context, addr netip.Addr) (domain.Location, error) {
	if err := ctx.Err(); err != nil {
		return domain.Location{}, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.city == nil {
		return domain.Location{}, errors.New("geo: maxmind provider closed")
	}

	ip := net.IP(addr.Unmap().AsSlice())
	record, err := p.city.City(ip)
	if err != nil {
		return domain.Location{}, err
	}
	if record.Country.IsoCode == "" {
		return domain.Location{}, ErrNotFound
	}

	loc := domain.Location{
		Country:     record.Country.Names["en"],
		CountryCode: record.Country.IsoCode,
		City:        record.City.Names["en"],
		Latitude:    record.Location.Latitude,
		Longitude:   record.Location.Longitude,
		Timezone:    record.Location.TimeZone,
		Source:      p.name,
	}
	if len(record.Subdivisions) > 0 {
		loc.Region = record.Subdivisions[0].Names["en"]
	}

	if p.asn != nil {
		if asn, err := p.asn.ASN(ip); err == nil {
			loc.ISP = asn.AutonomousSystemOrganization
		}
	}
	return loc, nil
}

func (p *MaxMindProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := closeReaders(p.city, p.asn)
	p.city, p.asn = nil, nil
	return err
}

func closeReaders(readers ...*geoip2.Reader) error {
	var errs []error
	for _, r := range readers {
		if r != nil {
			errs = append(errs, r.Close())
		}
	}
	return errors.Join(errs...)
}
