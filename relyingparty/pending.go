package relyingparty

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/oauth-sso/instrumentation"
)

// DefaultPendingTTL is how long a login may take between BeginLogin and the
// callback.
const DefaultPendingTTL = 10 * time.Minute

// PendingAuthorization is what the relying party remembers about an
// authorization request it sent, keyed by its state value.
type PendingAuthorization struct {
	CodeVerifier string
	Nonce        string
	Silent       bool
	CreatedAt    time.Time
}

// PendingCache holds in-flight authorization requests for one process.
// Entries are taken exactly once; a background sweeper drops abandoned ones.
type PendingCache struct {
	mu      sync.Mutex
	entries map[string]PendingAuthorization

	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
}

// NewPendingCache creates a cache whose entries live for ttl (zero or
// negative uses DefaultPendingTTL). Call Start to run the sweeper.
func NewPendingCache(ttl time.Duration, logger *slog.Logger) *PendingCache {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingCache{
		entries: make(map[string]PendingAuthorization),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// SetInstrumentation reports the cache size and sweep counts.
func (c *PendingCache) SetInstrumentation(inst *instrumentation.Instrumentation) {
	c.mu.Lock()
	c.instrumentation = inst
	c.mu.Unlock()

	if inst != nil {
		if err := inst.RegisterPendingSizeCallback(func() int64 { return int64(c.Len()) }); err != nil {
			c.logger.Warn("Failed to register pending cache size callback", "error", err)
		}
	}
}

// TTL returns the entry lifetime.
func (c *PendingCache) TTL() time.Duration {
	return c.ttl
}

// Put stores p under state. CreatedAt defaults to now.
func (c *PendingCache) Put(state string, p PendingAuthorization) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = c.now()
	}
	c.mu.Lock()
	c.entries[state] = p
	c.mu.Unlock()
}

// Take removes and returns the entry for state. An entry older than the TTL
// is removed but reported as missing.
func (c *PendingCache) Take(state string) (PendingAuthorization, bool) {
	c.mu.Lock()
	p, ok := c.entries[state]
	if ok {
		delete(c.entries, state)
	}
	c.mu.Unlock()

	if !ok || c.expired(p, c.now()) {
		return PendingAuthorization{}, false
	}
	return p, true
}

// Len returns the number of entries, expired or not.
func (c *PendingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep drops entries older than the TTL at now and returns how many it
// removed.
func (c *PendingCache) Sweep(now time.Time) int {
	c.mu.Lock()
	removed := 0
	for state, p := range c.entries {
		if c.expired(p, now) {
			delete(c.entries, state)
			removed++
		}
	}
	inst := c.instrumentation
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("Swept expired pending authorizations", "count", removed)
		if inst != nil {
			inst.Metrics().RecordRPPendingSwept(context.Background(), removed)
		}
	}
	return removed
}

func (c *PendingCache) expired(p PendingAuthorization, now time.Time) bool {
	return now.Sub(p.CreatedAt) > c.ttl
}

// Start launches the sweeper goroutine. It runs every TTL/2 until Stop.
// Calling Start more than once has no further effect.
func (c *PendingCache) Start() {
	c.startOnce.Do(func() {
		interval := c.ttl / 2
		if interval <= 0 {
			interval = c.ttl
		}
		go c.sweepLoop(interval)
	})
}

// Stop ends the sweeper goroutine. It is safe to call more than once.
func (c *PendingCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *PendingCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep(c.now())
		}
	}
}
