package pipeline

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"ipguard/internal/blacklist"
)

// Identity is who a request is attributed to for rate limiting.
type Identity struct {
	IP        string
	Principal string
}

func (i Identity) Authenticated() bool {
	return i.Principal != ""
}

// Key is the rate limiting partition: the principal when authenticated, the IP otherwise.
func (i Identity) Key() string {
	if i.Authenticated() {
		return "user:" + i.Principal
	}
	return "ip:" + i.IP
}

// IdentityResolver extracts the client address and principal from HTTP requests.
type IdentityResolver struct {
	trustedHeaders []string
	trustedProxies []netip.Prefix
	secret         []byte
}

// NewIdentityResolver only believes trustedHeaders on requests whose transport peer
// falls inside trustedProxies. With no trusted proxies the headers are ignored.
func NewIdentityResolver(trustedHeaders []string, trustedProxies []netip.Prefix, jwtSecret string) *IdentityResolver {
	headers := make([]string, 0, len(trustedHeaders))
	for _, h := range trustedHeaders {
		if h = strings.TrimSpace(h); h != "" {
			headers = append(headers, http.CanonicalHeaderKey(h))
		}
	}
	return &IdentityResolver{
		trustedHeaders: headers,
		trustedProxies: append([]netip.Prefix(nil), trustedProxies...),
		secret:         []byte(jwtSecret),
	}
}

// ClientIP returns the canonical client address, or empty when nothing parses.
// Behind a trusted proxy the headers are consulted in order; otherwise, or when no
// header yields an address, the transport address is used.
func (r *IdentityResolver) ClientIP(req *http.Request) string {
	host := req.RemoteAddr
	if h, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		host = h
	}
	peer, err := blacklist.CanonicalIP(host)
	if err != nil {
		return ""
	}
	if !r.trusted(peer) {
		return peer
	}

	for _, h := range r.trustedHeaders {
		if ip := r.forwardedClient(req.Header.Get(h)); ip != "" {
			return ip
		}
	}
	return peer
}

// forwardedClient walks a forwarded-for list from the nearest hop outwards and
// returns the first address that is not one of our proxies. Hops further out are
// client supplied and cannot be believed.
func (r *IdentityResolver) forwardedClient(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	hops := strings.Split(value, ",")
	outermost := ""
	for i := len(hops) - 1; i >= 0; i-- {
		ip, err := blacklist.CanonicalIP(strings.TrimSpace(hops[i]))
		if err != nil {
			return ""
		}
		if !r.trusted(ip) {
			return ip
		}
		outermost = ip
	}
	return outermost
}

func (r *IdentityResolver) trusted(ip string) bool {
	if len(r.trustedProxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, prefix := range r.trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

var errNoBearer = errors.New("no bearer token")

// Principal returns the subject of a valid bearer token. Invalid or missing tokens
// make the request anonymous rather than failing it.
func (r *IdentityResolver) Principal(req *http.Request) string {
	if len(r.secret) == 0 {
		return ""
	}
	sub, err := r.parseBearer(req.Header.Get("Authorization"))
	if err != nil {
		return ""
	}
	return sub
}

func (r *IdentityResolver) parseBearer(header string) (string, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errNoBearer
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

	token, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("unexpected claims type")
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	// JWT numbers are parsed as float64 by default
	if id, ok := claims["user_id"].(float64); ok {
		return fmt.Sprintf("%d", int64(id)), nil
	}
	return "", errors.New("token has no subject")
}

// Resolve builds the identity of req.
func (r *IdentityResolver) Resolve(req *http.Request) Identity {
	return Identity{IP: r.ClientIP(req), Principal: r.Principal(req)}
}
