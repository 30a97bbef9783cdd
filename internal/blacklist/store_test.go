package blacklist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ipguard/internal/domain"
)

type memoryBackend struct {
	mu      sync.Mutex
	entries map[string]domain.BlockEntry
	fail    error
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{entries: make(map[string]domain.BlockEntry)}
}

func (m *memoryBackend) Upsert(_ context.Context, entry domain.BlockEntry) (domain.BlockEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return domain.BlockEntry{}, m.fail
	}
	if prev, ok := m.entries[entry.IP]; ok {
		entry.ID = prev.ID
	} else {
		entry.ID = uint64(len(m.entries) + 1)
	}
	entry.UpdatedAt = entry.CreatedAt
	m.entries[entry.IP] = entry
	return entry, nil
}

func (m *memoryBackend) Get(_ context.Context, ip string) (*domain.BlockEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	entry, ok := m.entries[ip]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (m *memoryBackend) Delete(_ context.Context, ip string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[ip]
	delete(m.entries, ip)
	return ok, nil
}

func (m *memoryBackend) List(_ context.Context) ([]domain.BlockEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	out := make([]domain.BlockEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func (m *memoryBackend) DeleteExpired(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for ip, e := range m.entries {
		if !e.ActiveAt(now) {
			removed = append(removed, ip)
			delete(m.entries, ip)
		}
	}
	return removed, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLoadedStore(t *testing.T) (*Store, *memoryBackend, *testClock) {
	t.Helper()
	backend := newMemoryBackend()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewStore(backend, WithClock(clock.Now))
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return store, backend, clock
}

func TestIsBlockedFailsClosedBeforeLoad(t *testing.T) {
	store := NewStore(newMemoryBackend())
	if _, err := store.IsBlocked("192.0.2.1"); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}

	if _, err := store.Block(context.Background(), "192.0.2.1", "manual", 0); err != nil {
		t.Fatalf("Block before load: %v", err)
	}
	if _, err := store.IsBlocked("192.0.2.1"); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("a write must not mark a partial snapshot as loaded, got %v", err)
	}
}

func TestBlockIsIdempotent(t *testing.T) {
	store, backend, _ := newLoadedStore(t)
	ctx := context.Background()

	if _, err := store.Block(ctx, "203.0.113.5", "r1", time.Hour); err != nil {
		t.Fatalf("first block: %v", err)
	}
	if _, err := store.Block(ctx, "203.0.113.5", "r2", 0); err != nil {
		t.Fatalf("second block: %v", err)
	}

	if len(backend.entries) != 1 {
		t.Fatalf("expected one stored entry, got %d", len(backend.entries))
	}
	entry, blocked, err := store.Lookup("203.0.113.5")
	if err != nil || !blocked {
		t.Fatalf("Lookup = %v, %v", blocked, err)
	}
	if entry.Reason != "r2" || !entry.Permanent() {
		t.Fatalf("entry not replaced: %+v", entry)
	}
}

func TestExpiredEntryIsAbsent(t *testing.T) {
	store, _, clock := newLoadedStore(t)
	ctx := context.Background()

	if _, err := store.Block(ctx, "198.51.100.7", "short", time.Minute); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if blocked, _ := store.IsBlocked("198.51.100.7"); !blocked {
		t.Fatalf("IP should be blocked")
	}

	clock.Advance(2 * time.Minute)
	if blocked, err := store.IsBlocked("198.51.100.7"); err != nil || blocked {
		t.Fatalf("expired entry still blocks: %v, %v", blocked, err)
	}

	if _, err := store.Block(ctx, "198.51.100.7", "again", time.Hour); err != nil {
		t.Fatalf("re-blocking an expired IP failed: %v", err)
	}
	if blocked, _ := store.IsBlocked("198.51.100.7"); !blocked {
		t.Fatalf("IP should be blocked again")
	}
}

func TestCanonicalisation(t *testing.T) {
	store, _, _ := newLoadedStore(t)
	ctx := context.Background()

	if _, err := store.Block(ctx, "::ffff:192.0.2.44", "mapped", 0); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if blocked, _ := store.IsBlocked("192.0.2.44"); !blocked {
		t.Fatalf("IPv4-mapped address should match its IPv4 form")
	}

	if _, err := store.Block(ctx, "2001:DB8::1", "v6", 0); err != nil {
		t.Fatalf("Block v6: %v", err)
	}
	if blocked, _ := store.IsBlocked("2001:db8:0::1"); !blocked {
		t.Fatalf("IPv6 spelling variants should match")
	}

	if _, err := store.IsBlocked("not-an-ip"); !errors.Is(err, ErrInvalidIP) {
		t.Fatalf("expected ErrInvalidIP, got %v", err)
	}
}

func TestUnblockAndSweep(t *testing.T) {
	store, backend, clock := newLoadedStore(t)
	ctx := context.Background()

	_, _ = store.Block(ctx, "192.0.2.1", "manual", 0)
	_, _ = store.Block(ctx, "192.0.2.2", "temp", time.Minute)

	removed, err := store.Unblock(ctx, "192.0.2.1")
	if err != nil || !removed {
		t.Fatalf("Unblock = %v, %v", removed, err)
	}
	if removed, _ := store.Unblock(ctx, "192.0.2.1"); removed {
		t.Fatalf("second unblock should report nothing removed")
	}

	clock.Advance(time.Hour)
	n, err := store.SweepExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepExpired = %d, %v", n, err)
	}
	if store.Size() != 0 || len(backend.entries) != 0 {
		t.Fatalf("sweep left entries: snapshot=%d backend=%d", store.Size(), len(backend.entries))
	}
}

func TestFailedWriteKeepsSnapshot(t *testing.T) {
	store, backend, _ := newLoadedStore(t)
	backend.fail = errors.New("db down")

	if _, err := store.Block(context.Background(), "192.0.2.9", "manual", 0); err == nil {
		t.Fatalf("expected backend error")
	}
	if blocked, _ := store.IsBlocked("192.0.2.9"); blocked {
		t.Fatalf("snapshot changed although the write failed")
	}
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	store, _, _ := newLoadedStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					if _, err := store.IsBlocked("203.0.113.5"); err != nil {
						t.Errorf("IsBlocked: %v", err)
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			_, _ = store.Block(ctx, "203.0.113.5", "flap", 0)
		} else {
			_, _ = store.Unblock(ctx, "203.0.113.5")
		}
	}
	close(stop)
	wg.Wait()
}

// pausingBackend holds the next Get after reading until release is closed.
type pausingBackend struct {
	*memoryBackend
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (p *pausingBackend) Get(ctx context.Context, ip string) (*domain.BlockEntry, error) {
	entry, err := p.memoryBackend.Get(ctx, ip)
	p.once.Do(func() {
		close(p.entered)
		<-p.release
	})
	return entry, err
}

func TestRefreshDoesNotResurrectConcurrentUnblock(t *testing.T) {
	ctx := context.Background()
	backend := &pausingBackend{
		memoryBackend: newMemoryBackend(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	store := NewStore(backend)
	if err := store.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := backend.memoryBackend.Upsert(ctx, domain.BlockEntry{IP: "192.0.2.50", Reason: "peer", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := store.Refresh(ctx, "192.0.2.50"); err != nil {
			t.Errorf("Refresh: %v", err)
		}
	}()
	<-backend.entered

	go func() {
		defer wg.Done()
		if _, err := store.Unblock(ctx, "192.0.2.50"); err != nil {
			t.Errorf("Unblock: %v", err)
		}
	}()
	time.Sleep(20 * time.Millisecond)
	close(backend.release)
	wg.Wait()

	row, err := backend.memoryBackend.Get(ctx, "192.0.2.50")
	if err != nil || row != nil {
		t.Fatalf("expected the durable row to be gone, got %+v err=%v", row, err)
	}
	if blocked, _ := store.IsBlocked("192.0.2.50"); blocked {
		t.Fatal("snapshot still blocks an ip with no durable entry")
	}
}
