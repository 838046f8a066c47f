package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

// Builder constructs a provider from a config.
type Builder func(ctx context.Context, cfg provider.Config) (provider.Provider, error)

// Cache holds the adapter for the active configuration so the vendor auth
// handshake happens once per configuration, not once per request.
//
// Callers lease the adapter and release it when their request is done. A
// request for a different configuration retires the cached adapter; a
// retired adapter is closed once its last lease is released.
type Cache struct {
	build  Builder
	logger *zap.Logger

	mu          sync.Mutex
	fingerprint string
	current     *lease
}

type lease struct {
	p       provider.Provider
	refs    int
	retired bool
}

// NewCache returns an empty cache.
func NewCache(build Builder, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{build: build, logger: logger}
}

// Acquire returns the adapter for cfg, building it on first use, and a
// release func the caller must invoke when done with it. release is safe to
// call more than once.
func (c *Cache) Acquire(ctx context.Context, cfg provider.Config) (provider.Provider, func(), error) {
	fp := cfg.Fingerprint()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.fingerprint != fp {
		p, err := c.build(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		c.replace(fp, p)
		c.logger.Info("Provider ready", zap.String("provider", string(cfg.Type)), zap.String("bucket", cfg.Bucket()))
	}

	l := c.current
	l.refs++
	var once sync.Once
	return l.p, func() { once.Do(func() { c.release(l) }) }, nil
}

// Put installs an already-built adapter for cfg.
func (c *Cache) Put(cfg provider.Config, p provider.Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replace(cfg.Fingerprint(), p)
}

// Invalidate drops the cached adapter. It is closed now if idle, otherwise
// when its last lease is released.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replace("", nil)
}

// Close releases the cached adapter.
func (c *Cache) Close() error {
	c.Invalidate()
	return nil
}

func (c *Cache) release(l *lease) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.refs--
	if l.retired && l.refs == 0 {
		c.closeAdapter(l.p)
	}
}

func (c *Cache) replace(fp string, p provider.Provider) {
	c.fingerprint = fp
	if old := c.current; old != nil {
		if old.p == p {
			return
		}
		old.retired = true
		if old.refs == 0 {
			c.closeAdapter(old.p)
		} else {
			c.logger.Debug("Retired provider still in use", zap.Int("leases", old.refs))
		}
	}
	c.current = nil
	if p != nil {
		c.current = &lease{p: p}
	}
}

func (c *Cache) closeAdapter(p provider.Provider) {
	if err := p.Close(); err != nil {
		c.logger.Warn("Closing provider failed", zap.Error(err))
	}
}
