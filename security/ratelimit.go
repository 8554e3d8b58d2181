package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures a RateLimiter. Zero values take the defaults below.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per key (default: 10)
	RequestsPerSecond float64

	// Burst is the bucket size per key (default: 20)
	Burst int

	// MaxEntries bounds the number of tracked keys; the least recently used
	// key is evicted when full (default: 10000)
	MaxEntries int

	// IdleTimeout is how long an untouched key is kept (default: 30m)
	IdleTimeout time.Duration

	// CleanupInterval is how often idle keys are swept (default: 5m)
	CleanupInterval time.Duration
}

func (c *RateLimitConfig) applyDefaults() {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10000
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
}

type limiterEntry struct {
	key        string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter is a per-key token bucket limiter with LRU eviction.
type RateLimiter struct {
	cfg    RateLimitConfig
	logger *slog.Logger

	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List
	evicted  int64
	stopOnce sync.Once
	stop     chan struct{}
}

// NewRateLimiter creates a limiter and starts its cleanup goroutine. Call Stop
// to release it.
func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	rl := &RateLimiter{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether one more request for key fits in its bucket.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.entries[key]; ok {
		rl.lru.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return entry.limiter.AllowN(now, 1)
	}

	if len(rl.entries) >= rl.cfg.MaxEntries {
		rl.evictOldest()
	}

	entry := &limiterEntry{
		key:        key,
		limiter:    rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst),
		lastAccess: now,
	}
	rl.entries[key] = rl.lru.PushFront(entry)
	return entry.limiter.AllowN(now, 1)
}

// evictOldest drops the least recently used key. Caller holds rl.mu.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	delete(rl.entries, entry.key)
	rl.lru.Remove(elem)
	rl.evicted++
	rl.logger.Debug("Rate limiter evicted key", "entries", len(rl.entries), "evicted_total", rl.evicted)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(time.Now())
		case <-rl.stop:
			return
		}
	}
}

// Cleanup removes keys idle for longer than IdleTimeout as of now and returns
// how many were removed.
func (rl *RateLimiter) Cleanup(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	// Back of the list is the least recently used; stop at the first fresh entry.
	for elem := rl.lru.Back(); elem != nil; {
		entry := elem.Value.(*limiterEntry)
		if now.Sub(entry.lastAccess) <= rl.cfg.IdleTimeout {
			break
		}
		prev := elem.Prev()
		delete(rl.entries, entry.key)
		rl.lru.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup", "removed", removed, "remaining", len(rl.entries))
	}
	return removed
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
