package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"ipguard/internal/blacklist"
	"ipguard/internal/domain"
	"ipguard/internal/metrics"
	"ipguard/internal/ratelimit"
)

// Blacklist answers the membership test made on every request.
type Blacklist interface {
	Lookup(ip string) (domain.BlockEntry, bool, error)
}

type Geolocator interface {
	Resolve(ctx context.Context, ip string) domain.Location
}

// Sink receives the records the pipeline produces. Implementations must not block.
type Sink interface {
	AddRequestRecord(rec domain.RequestRecord)
	AddRateLimitEvent(ev domain.RateLimitEvent)
}

// Watchlist reports IPs that currently carry a suspicious finding.
type Watchlist interface {
	Suspicious(ip string) (string, bool)
}

// Request is the metadata the pipeline decides on.
type Request struct {
	Identity Identity
	Method   string
	Path     string
	At       time.Time
}

// Verdict is the decision for one request.
type Verdict struct {
	Allowed    bool
	Status     int
	Result     domain.RequestResult
	Rule       string
	Reason     string
	RetryAfter time.Duration
	Location   domain.Location
}

type Pipeline struct {
	blacklist Blacklist
	limiter   ratelimit.Limiter
	geo       Geolocator
	sink      Sink
	watchlist Watchlist

	rules atomic.Pointer[Rules]
	now   func() time.Time
}

type Option func(*Pipeline)

func WithGeolocator(g Geolocator) Option {
	return func(p *Pipeline) { p.geo = g }
}

func WithSink(s Sink) Option {
	return func(p *Pipeline) { p.sink = s }
}

func WithWatchlist(w Watchlist) Option {
	return func(p *Pipeline) { p.watchlist = w }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func New(bl Blacklist, limiter ratelimit.Limiter, rules Rules, opts ...Option) *Pipeline {
	p := &Pipeline{
		blacklist: bl,
		limiter:   limiter,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.SetRules(rules)
	return p
}

// SetRules swaps in a new policy; requests already being evaluated keep the old one.
func (p *Pipeline) SetRules(r Rules) {
	p.rules.Store(&r)
}

func (p *Pipeline) Rules() Rules {
	return *p.rules.Load()
}

// Evaluate runs the decision chain: blacklist, rate limit, geolocation. A blocked IP
// never reaches the limiter or the geolocator.
func (p *Pipeline) Evaluate(ctx context.Context, req Request) Verdict {
	ip := req.Identity.IP
	if ip == "" {
		return Verdict{Status: http.StatusBadRequest, Result: domain.ResultBlocked, Reason: "unresolvable client address"}
	}

	entry, blocked, err := p.blacklist.Lookup(ip)
	if err != nil {
		metrics.BlacklistLookupFailures.Inc()
		if !errors.Is(err, blacklist.ErrNotLoaded) {
			log.Error("Blacklist lookup failed, denying request", "ip", ip, "error", err)
		}
		return Verdict{Status: http.StatusServiceUnavailable, Result: domain.ResultBlocked, Reason: "blacklist unavailable"}
	}
	if blocked {
		return Verdict{Status: http.StatusForbidden, Result: domain.ResultBlocked, Reason: entry.Reason}
	}

	rules := p.rules.Load()
	var ruleName string
	if rules.Enabled && p.limiter != nil {
		rule, key := rules.Select(req.Method, req.Path, req.Identity)
		ruleName = rule.Name

		decision, err := p.limiter.Allow(ctx, key, rule)
		switch {
		case err != nil:
			metrics.RateLimitBackendErrors.Inc()
			log.Warn("Rate limiter failed, allowing request", "ip", ip, "rule", rule.Name, "error", err)
		case !decision.Allowed:
			metrics.RateLimitDenials.WithLabelValues(rule.Name).Inc()
			if rule.LogDenials && p.sink != nil {
				p.sink.AddRateLimitEvent(domain.RateLimitEvent{
					IP:          ip,
					IdentityKey: key,
					Endpoint:    req.Path,
					Method:      req.Method,
					Rule:        rule.Name,
					Limit:       rule.Raw,
					Action:      "blocked",
					CreatedAt:   p.at(req),
				})
			}
			return Verdict{
				Status:     http.StatusTooManyRequests,
				Result:     domain.ResultRateLimited,
				Rule:       rule.Name,
				Reason:     "rate limit " + rule.Raw + " exceeded",
				RetryAfter: decision.RetryAfter,
			}
		}
	}

	v := Verdict{Allowed: true, Status: http.StatusOK, Result: domain.ResultAllowed, Rule: ruleName}
	if p.geo != nil {
		v.Location = p.geo.Resolve(ctx, ip)
	}
	return v
}

// Record writes the request record for a decided request. status is the response
// status actually served, or zero to use the verdict's.
func (p *Pipeline) Record(req Request, v Verdict, status int) {
	metrics.Requests.WithLabelValues(string(v.Result)).Inc()
	if p.sink == nil {
		return
	}
	if status == 0 {
		status = v.Status
	}

	rec := domain.RequestRecord{
		IP:        req.Identity.IP,
		Timestamp: p.at(req),
		Method:    req.Method,
		Path:      truncate(req.Path, 500),
		Status:    status,
		Result:    v.Result,
		Rule:      v.Rule,
		Principal: req.Identity.Principal,
	}
	if v.Allowed {
		rec.ApplyLocation(v.Location)
	}
	if p.watchlist != nil {
		if reason, ok := p.watchlist.Suspicious(rec.IP); ok {
			rec.Flagged = true
			rec.AnomalyReason = reason
		}
	}
	p.sink.AddRequestRecord(rec)
}

// Inspect is Evaluate followed by Record with the verdict's own status.
func (p *Pipeline) Inspect(ctx context.Context, req Request) Verdict {
	start := time.Now()
	v := p.Evaluate(ctx, req)
	p.Record(req, v, 0)
	metrics.InspectDuration.Observe(time.Since(start).Seconds())
	return v
}

func (p *Pipeline) at(req Request) time.Time {
	if !req.At.IsZero() {
		return req.At.UTC()
	}
	return p.now().UTC()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
