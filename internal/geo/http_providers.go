package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ipguard/internal/domain"
)

const maxProviderResponseBytes = 64 << 10

// throttle turns a per-minute budget into a limiter; zero means unlimited.
func throttle(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProviderResponseBytes))
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxProviderResponseBytes)).Decode(out)
}

// IPAPIProvider queries ip-api.com's JSON endpoint. The free tier allows about 45
// requests per minute per source address.
type IPAPIProvider struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

func NewIPAPIProvider(name, baseURL string, perMinute int, client *http.Client) *IPAPIProvider {
	if baseURL == "" {
		baseURL = "http://ip-api.com/json/"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &IPAPIProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/") + "/",
		client:  client,
		limiter: throttle(perMinute),
	}
}

func (p *IPAPIProvider) Name() string { return p.name }

type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Timezone    string  `json:"timezone"`
	ISP         string  `json:"isp"`
}

func (p *IPAPIProvider) Lookup(ctx context.Context, addr netip.Addr) (domain.Location, error) {
	if !p.limiter.Allow() {
		return domain.Location{}, ErrThrottled
	}

	endpoint := p.baseURL + url.PathEscape(addr.Unmap().String()) +
		"?fields=status,message,country,countryCode,regionName,city,lat,lon,timezone,isp"

	var body ipAPIResponse
	if err := getJSON(ctx, p.client, endpoint, nil, &body); err != nil {
		return domain.Location{}, err
	}
	if body.Status != "success" {
		return domain.Location{}, fmt.Errorf("%w: %s", ErrNotFound, body.Message)
	}

	return domain.Location{
		Country:     body.Country,
		CountryCode: body.CountryCode,
		City:        body.City,
		Region:      body.RegionName,
		Latitude:    body.Lat,
		Longitude:   body.Lon,
		Timezone:    body.Timezone,
		ISP:         body.ISP,
		Source:      p.name,
	}, nil
}

// IPInfoProvider queries ipinfo.io. Token is optional for low volumes.
type IPInfoProvider struct {
	name    string
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

func NewIPInfoProvider(name, baseURL, token string, perMinute int, client *http.Client) *IPInfoProvider {
	if baseURL == "" {
		baseURL = "https://ipinfo.io/"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &IPInfoProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/") + "/",
		token:   token,
		client:  client,
		limiter: throttle(perMinute),
	}
}

func (p *IPInfoProvider) Name() string { return p.name }

type ipInfoResponse struct {
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Loc      string `json:"loc"`
	Org      string `json:"org"`
	Timezone string `json:"timezone"`
	Bogon    bool   `json:"bogon"`
}

func (p *IPInfoProvider) Lookup(ctx context.Context, addr netip.Addr) (domain.Location, error) {
	if !p.limiter.Allow() {
		return domain.Location{}, ErrThrottled
	}

	header := http.Header{}
	if p.token != "" {
		header.Set("Authorization", "Bearer "+p.token)
	}

	var body ipInfoResponse
	if err := getJSON(ctx, p.client, p.baseURL+url.PathEscape(addr.Unmap().String())+"/json", header, &body); err != nil {
		return domain.Location{}, err
	}
	if body.Bogon || body.Country == "" {
		return domain.Location{}, ErrNotFound
	}

	loc := domain.Location{
		CountryCode: body.Country,
		Country:     body.Country,
		City:        body.City,
		Region:      body.Region,
		Timezone:    body.Timezone,
		ISP:         body.Org,
		Source:      p.name,
	}
	if lat, lon, ok := strings.Cut(body.Loc, ","); ok {
		loc.Latitude, _ = strconv.ParseFloat(lat, 64)
		loc.Longitude, _ = strconv.ParseFloat(lon, 64)
	}
	return loc, nil
}
