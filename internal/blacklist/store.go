package blacklist

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"ipguard/internal/domain"
	"ipguard/internal/metrics"
)

var (
	ErrInvalidIP = errors.New("blacklist: invalid ip")
	// ErrNotLoaded means the snapshot was never hydrated; callers must fail closed.
	ErrNotLoaded = errors.New("blacklist: store not loaded")
)

// Backend is the durable layer behind the snapshot.
type Backend interface {
	Upsert(ctx context.Context, entry domain.BlockEntry) (domain.BlockEntry, error)
	Get(ctx context.Context, ip string) (*domain.BlockEntry, error)
	Delete(ctx context.Context, ip string) (bool, error)
	List(ctx context.Context) ([]domain.BlockEntry, error)
	DeleteExpired(ctx context.Context, now time.Time) ([]string, error)
}

type snapshot map[string]domain.BlockEntry

// Store answers membership checks from an immutable in-memory snapshot that is
// swapped atomically on every write. Reads never take a lock.
type Store struct {
	backend Backend
	current atomic.Pointer[snapshot]
	writeMu sync.Mutex
	loads   singleflight.Group
	now     func() time.Time

	notifyMu sync.RWMutex
	notify   func(ctx context.Context, ip string)
}

type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{backend: backend, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CanonicalIP returns the textual form used as the store key.
func CanonicalIP(raw string) (string, error) {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, raw)
	}
	return addr.Unmap().WithZone("").String(), nil
}

// Load replaces the snapshot with the backend's contents. Expired rows are skipped.
func (s *Store) Load(ctx context.Context) error {
	_, err, _ := s.loads.Do("load", func() (any, error) {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		entries, err := s.backend.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("blacklist: load: %w", err)
		}

		now := s.now()
		next := make(snapshot, len(entries))
		for _, entry := range entries {
			if entry.ActiveAt(now) {
				next[entry.IP] = entry
			}
		}

		s.swap(next)
		return nil, nil
	})
	return err
}

// Loaded reports whether the snapshot has been hydrated at least once.
func (s *Store) Loaded() bool {
	return s.current.Load() != nil
}

// Lookup returns the active entry for ip. Expired entries are reported as absent.
func (s *Store) Lookup(ip string) (domain.BlockEntry, bool, error) {
	snap := s.current.Load()
	if snap == nil {
		return domain.BlockEntry{}, false, ErrNotLoaded
	}

	key, err := CanonicalIP(ip)
	if err != nil {
		return domain.BlockEntry{}, false, err
	}

	entry, ok := (*snap)[key]
	if !ok || !entry.ActiveAt(s.now()) {
		return domain.BlockEntry{}, false, nil
	}
	return entry, true, nil
}

func (s *Store) IsBlocked(ip string) (bool, error) {
	_, blocked, err := s.Lookup(ip)
	return blocked, err
}

// Block creates or replaces the entry for ip. A ttl <= 0 blocks permanently.
func (s *Store) Block(ctx context.Context, ip, reason string, ttl time.Duration) (domain.BlockEntry, error) {
	var expires *time.Time
	if ttl > 0 {
		at := s.now().UTC().Add(ttl)
		expires = &at
	}
	return s.BlockUntil(ctx, ip, reason, expires)
}

// BlockUntil is Block with an absolute expiry; nil means permanent.
func (s *Store) BlockUntil(ctx context.Context, ip, reason string, expiresAt *time.Time) (domain.BlockEntry, error) {
	key, err := CanonicalIP(ip)
	if err != nil {
		return domain.BlockEntry{}, err
	}

	s.writeMu.Lock()
	stored, err := s.backend.Upsert(ctx, domain.BlockEntry{
		IP:        key,
		Reason:    reason,
		CreatedAt: s.now().UTC(),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		s.writeMu.Unlock()
		return domain.BlockEntry{}, fmt.Errorf("blacklist: block %s: %w", key, err)
	}
	s.apply(key, &stored)
	s.writeMu.Unlock()

	log.Info("IP blocked", "ip", key, "reason", reason, "expires_at", expiresAt)
	s.publish(ctx, key)
	return stored, nil
}

// Unblock removes the entry and reports whether one existed.
func (s *Store) Unblock(ctx context.Context, ip string) (bool, error) {
	key, err := CanonicalIP(ip)
	if err != nil {
		return false, err
	}

	s.writeMu.Lock()
	removed, err := s.backend.Delete(ctx, key)
	if err != nil {
		s.writeMu.Unlock()
		return false, fmt.Errorf("blacklist: unblock %s: %w", key, err)
	}
	s.apply(key, nil)
	s.writeMu.Unlock()

	if removed {
		log.Info("IP unblocked", "ip", key)
	}
	s.publish(ctx, key)
	return removed, nil
}

// List returns every stored entry, expired ones included, newest first.
func (s *Store) List(ctx context.Context) ([]domain.BlockEntry, error) {
	entries, err := s.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("blacklist: list: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// Get returns the stored entry for ip, expired or not.
func (s *Store) Get(ctx context.Context, ip string) (*domain.BlockEntry, error) {
	key, err := CanonicalIP(ip)
	if err != nil {
		return nil, err
	}
	return s.backend.Get(ctx, key)
}

// SweepExpired deletes expired rows and drops them from the snapshot.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	removed, err := s.backend.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		s.writeMu.Unlock()
		return 0, fmt.Errorf("blacklist: sweep: %w", err)
	}

	if snap := s.current.Load(); snap != nil {
		now := s.now()
		next := make(snapshot, len(*snap))
		for ip, entry := range *snap {
			if entry.ActiveAt(now) {
				next[ip] = entry
			}
		}
		s.swap(next)
	}
	s.writeMu.Unlock()

	for _, ip := range removed {
		s.publish(ctx, ip)
	}
	return len(removed), nil
}

// Refresh re-reads one IP from the backend, used when a peer reports a change.
func (s *Store) Refresh(ctx context.Context, ip string) error {
	key, err := CanonicalIP(ip)
	if err != nil {
		return err
	}

	// The read happens under writeMu so a local write cannot land between it and apply.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	entry, err := s.backend.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("blacklist: refresh %s: %w", key, err)
	}
	if entry != nil && !entry.ActiveAt(s.now()) {
		entry = nil
	}
	s.apply(key, entry)
	return nil
}

func (s *Store) Size() int {
	if snap := s.current.Load(); snap != nil {
		return len(*snap)
	}
	return 0
}

// apply copies the snapshot with one entry replaced (or removed when entry is nil).
// Before the first Load there is nothing to patch. Callers hold writeMu.
func (s *Store) apply(ip string, entry *domain.BlockEntry) {
	snap := s.current.Load()
	if snap == nil {
		return
	}
	prev := *snap

	next := make(snapshot, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	if entry == nil {
		delete(next, ip)
	} else {
		next[ip] = *entry
	}
	s.swap(next)
}

func (s *Store) swap(next snapshot) {
	s.current.Store(&next)
	metrics.BlacklistEntries.Set(float64(len(next)))
}

func (s *Store) publish(ctx context.Context, ip string) {
	s.notifyMu.RLock()
	notify := s.notify
	s.notifyMu.RUnlock()
	if notify != nil {
		notify(ctx, ip)
	}
}
