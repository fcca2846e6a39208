// Package cache memoizes positive doublet lookups.
//
// Only matches are stored. A "no match" answer is always recomputed so a
// contact created after the first check is found on the next one.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"doublet/internal/doublet/filter"
	"doublet/internal/doublet/metrics"
	"doublet/internal/doublet/models"
	"doublet/internal/platform/logger"
	dErrors "doublet/pkg/domain-errors"
)

// ErrNotFound is returned by a Store on a miss or an expired entry.
var ErrNotFound = errors.New("not found")

const keyPrefix = "doublet:match:"

// Store persists matched contacts under a query key.
type Store interface {
	Get(ctx context.Context, key string) (*models.Contact, error)
	Set(ctx context.Context, key string, contact *models.Contact, ttl time.Duration) error
}

// Finder is a lookup with its qualifier already bound.
type Finder interface {
	Find(ctx context.Context, q models.Query) (*models.Contact, error)
}

// DefaultLookupTimeout bounds a shared backend lookup once it no longer
// follows any single caller's context.
const DefaultLookupTimeout = 30 * time.Second

// CachedChecker answers from the store when it can and collapses concurrent
// identical lookups into one backend search.
type CachedChecker struct {
	next    Finder
	store   Store
	ttl     time.Duration
	timeout time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures the CachedChecker.
type Option func(*CachedChecker)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *CachedChecker) {
		c.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *CachedChecker) {
		c.logger = logger
	}
}

// WithLookupTimeout replaces DefaultLookupTimeout.
func WithLookupTimeout(d time.Duration) Option {
	return func(c *CachedChecker) {
		c.timeout = d
	}
}

func New(next Finder, store Store, ttl time.Duration, opts ...Option) *CachedChecker {
	c := &CachedChecker{
		next:    next,
		store:   store,
		ttl:     ttl,
		timeout: DefaultLookupTimeout,
		logger:  logger.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Find returns the cached match for q or delegates to the wrapped Finder.
// Store failures are logged and treated as misses.
//
// Concurrent identical lookups share one backend search that runs detached
// from every caller's cancellation. A caller whose context ends stops waiting
// with CodeTimeout; the others still get the shared result.
func (c *CachedChecker) Find(ctx context.Context, q models.Query) (*models.Contact, error) {
	if err := filter.Validate(q); err != nil {
		return nil, err
	}
	key := Key(q)

	cached, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		c.recordHit()
		return cached, nil
	case !errors.Is(err, ErrNotFound):
		c.logger.WarnContext(ctx, "doublet cache read failed", "error", err)
	}
	c.recordMiss()

	results := c.group.DoChan(key, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		contact, err := c.next.Find(shared, q)
		if err != nil || contact == nil {
			return contact, err
		}
		if err := c.store.Set(shared, key, contact, c.ttl); err != nil {
			c.logger.WarnContext(shared, "doublet cache write failed", "error", err)
		}
		return contact, nil
	})

	select {
	case <-ctx.Done():
		return nil, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "doublet lookup abandoned")
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		contact, _ := res.Val.(*models.Contact)
		return contact, nil
	}
}

// Key derives the store key from the query exactly as it is searched, so two
// queries share an entry only when they send the same search. The key carries
// no personal data in clear.
func Key(q models.Query) string {
	payload, _ := json.Marshal(q)
	sum := sha256.Sum256(payload)
	return keyPrefix + hex.EncodeToString(sum[:])
}

func (c *CachedChecker) recordHit() {
	if c.metrics != nil {
		c.metrics.RecordCacheHit()
	}
}

func (c *CachedChecker) recordMiss() {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}
}
