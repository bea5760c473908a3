package transport

import (
	"sort"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"keepalive-rpc/codec"
)

// DefaultIdleTimeout is how long a persistent connection may sit unused
// before the eviction timer reclaims it.
const DefaultIdleTimeout = 30 * time.Second

var (
	cacheHits      = metrics.NewCounter("rpc_conn_cache_hits_total")
	cacheMisses    = metrics.NewCounter("rpc_conn_cache_misses_total")
	cacheEvictions = metrics.NewCounter("rpc_conn_cache_evictions_total")
	cacheResets    = metrics.NewCounter("rpc_conn_cache_resets_total")
)

// DialFunc opens a channel to an address. Swappable so tests can stand in a
// scripted channel for a real TCP connection.
type DialFunc func(address string, timeout time.Duration) (Channel, error)

// CacheConfig configures a ConnCache. Zero values select defaults.
type CacheConfig struct {
	Codec       codec.Codec   // nil: codec.Default()
	IdleTimeout time.Duration // <=0: DefaultIdleTimeout
	Logger      *zap.Logger   // nil: zap.NewNop()
	Dial        DialFunc      // nil: Dial over TCP
}

// ConnCache maps a service identifier to exactly one live connection.
//
// An entry is created on demand (dial + handshake), reused on every resolve
// within the idle window, and reclaimed by a per-entry idle timer, by Release
// when the handshake negotiated a one-shot connection, or by Shutdown.
//
// One mutex guards the map and all timer state; it is held only for map and
// timer manipulation, never across a dial or a handshake, so resolving one
// service never blocks resolving another. Entry construction itself is
// deduplicated per service with singleflight, which keeps the invariant of at
// most one entry — and at most one handshake in flight — per identifier.
type ConnCache struct {
	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group

	cdc    codec.Codec
	idle   time.Duration
	logger *zap.Logger
	dial   DialFunc
}

// entry is the cached state for one service identifier. The persistence flag
// is set once by the handshake and never changes; only the entry's presence
// in the map and its timer state change over time.
type entry struct {
	ch         Channel
	persistent bool
	timer      *time.Timer
	gen        uint64 // bumped on every reschedule; a stale timer fire is a no-op
}

// NewConnCache creates an empty cache.
func NewConnCache(cfg CacheConfig) *ConnCache {
	if cfg.Codec == nil {
		cfg.Codec = codec.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Dial == nil {
		cfg.Dial = func(address string, timeout time.Duration) (Channel, error) {
			return Dial(address, timeout)
		}
	}
	return &ConnCache{
		entries: make(map[string]*entry),
		cdc:     cfg.Codec,
		idle:    cfg.IdleTimeout,
		logger:  cfg.Logger,
		dial:    cfg.Dial,
	}
}

// Resolve returns the cached channel for service, extending its idle
// deadline, or opens a new connection to address and runs the handshake.
//
// Concurrent resolves for the same service share a single dial + handshake;
// resolves for different services proceed independently.
func (c *ConnCache) Resolve(service, address string, timeout time.Duration) (Channel, error) {
	c.mu.Lock()
	if e, ok := c.entries[service]; ok {
		c.reschedule(service, e)
		ch := e.ch
		c.mu.Unlock()
		cacheHits.Inc()
		return ch, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(service, func() (any, error) {
		// Another resolve may have built the entry while we waited our turn.
		c.mu.Lock()
		if e, ok := c.entries[service]; ok {
			c.reschedule(service, e)
			ch := e.ch
			c.mu.Unlock()
			cacheHits.Inc()
			return ch, nil
		}
		c.mu.Unlock()

		cacheMisses.Inc()
		ch, err := c.dial(address, timeout)
		if err != nil {
			return nil, err
		}
		persistent, err := Handshake(ch, c.cdc)
		if err != nil {
			ch.Close() // never leave a half-open connection behind
			return nil, err
		}

		e := &entry{ch: ch, persistent: persistent}
		c.mu.Lock()
		c.entries[service] = e
		c.reschedule(service, e)
		c.mu.Unlock()

		c.logger.Debug("connection established",
			zap.String("service", service),
			zap.String("address", address),
			zap.Bool("persistent", persistent))
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Channel), nil
}

// Reset recovers from a send failure on a cached connection. It probes the
// existing entry with a zero-length frame; if the probe fails the stale entry
// is dropped. Either way the service is then resolved again, which reuses the
// entry if it survived or builds a fresh one.
func (c *ConnCache) Reset(service, address string, timeout time.Duration) (Channel, error) {
	cacheResets.Inc()
	c.mu.Lock()
	e, ok := c.entries[service]
	c.mu.Unlock()
	if ok {
		if err := e.ch.Probe(); err != nil {
			// Persistence was dropped at the other end.
			c.mu.Lock()
			if cur, stillThere := c.entries[service]; stillThere && cur == e {
				e.timer.Stop()
				delete(c.entries, service)
			}
			c.mu.Unlock()
			e.ch.Close()
			c.logger.Warn("dropped stale connection",
				zap.String("service", service), zap.Error(err))
		}
	}
	return c.Resolve(service, address, timeout)
}

// Release is called after a completed invocation. One-shot connections
// (handshake negotiated close) are not reused: the entry is removed and its
// channel closed. Persistent entries stay until idle-evicted or reset.
func (c *ConnCache) Release(service string) {
	c.mu.Lock()
	e, ok := c.entries[service]
	if !ok || e.persistent {
		c.mu.Unlock()
		return
	}
	e.timer.Stop()
	delete(c.entries, service)
	c.mu.Unlock()
	e.ch.Close()
}

// Shutdown cancels every pending idle timer, closes every cached channel,
// and empties the cache. Safe to call more than once.
func (c *ConnCache) Shutdown() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		e.ch.Close()
	}
}

// Services returns the identifiers currently cached, sorted.
func (c *ConnCache) Services() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.entries))
	for service := range c.entries {
		names = append(names, service)
	}
	c.mu.Unlock()
	sort.Strings(names)
	return names
}

// reschedule cancels the entry's idle timer and starts a fresh one, extending
// the eviction deadline by the full idle duration from now. Callers must hold
// c.mu.
func (c *ConnCache) reschedule(service string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(c.idle, func() {
		c.evict(service, e, gen)
	})
}

// evict is the idle timer callback. The entry identity and generation checks
// make a fire that raced with a reschedule or a replacement a no-op; the only
// entry it ever removes is the exact one whose deadline genuinely expired.
func (c *ConnCache) evict(service string, e *entry, gen uint64) {
	c.mu.Lock()
	cur, ok := c.entries[service]
	if !ok || cur != e || e.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.entries, service)
	c.mu.Unlock()

	e.ch.Close()
	cacheEvictions.Inc()
	c.logger.Info("evicted idle connection", zap.String("service", service))
}
