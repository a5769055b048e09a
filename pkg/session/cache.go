package session

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// cooldownBuffer is added on top of the remaining cooldown so racing
// callers land comfortably outside the spacing window.
const cooldownBuffer = 100 * time.Millisecond

// Cache produces a valid session credential on demand, keeping upstream
// calls to a minimum. One Cache is owned by one logical chat panel; it
// holds a single credential slot, consults an advisory persisted store
// across restarts, and coalesces concurrent acquisitions into a single
// in-flight upstream call.
type Cache struct {
	creator  Creator
	store    Store
	key      string
	ttl      time.Duration
	cooldown time.Duration

	mu          sync.Mutex
	cred        *Credential
	lastAttempt time.Time

	flight singleflight.Group
	now    func() time.Time
}

// NewCache returns a cache backed by creator, persisting under key in
// store. store may be nil, trading away reuse across restarts. Zero ttl
// and cooldown select the defaults.
func NewCache(creator Creator, store Store, key string, ttl, cooldown time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Cache{
		creator:  creator,
		store:    store,
		key:      key,
		ttl:      ttl,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Acquire returns a usable credential, in priority order: the supplied
// one, the in-memory one, the persisted one, and finally a freshly
// created one. A non-empty supplied credential is authoritative: the
// widget already holds a live session and wants it kept, so it is adopted
// without any upstream call. Concurrent callers share one upstream call.
func (c *Cache) Acquire(ctx context.Context, supplied string) (*Credential, error) {
	if supplied != "" {
		cred := &Credential{Secret: supplied, ExpiresAt: c.now().Add(c.ttl)}
		c.mu.Lock()
		c.cred = cred
		c.mu.Unlock()
		c.persist(cred)
		log.WithField("expiresAt", cred.ExpiresAt).Debug("adopted supplied credential")
		return cred, nil
	}

	c.mu.Lock()
	if c.cred.Valid(c.now()) {
		cred := c.cred
		c.mu.Unlock()
		return cred, nil
	}
	c.mu.Unlock()

	if c.store != nil {
		stored, err := c.store.Get(c.key)
		if err != nil {
			log.Warnf("error reading persisted credential: %s", err)
		} else if stored.Valid(c.now()) {
			c.mu.Lock()
			c.cred = stored
			c.mu.Unlock()
			log.WithField("expiresAt", stored.ExpiresAt).Debug("promoted persisted credential")
			return stored, nil
		}
	}

	v, err, _ := c.flight.Do("acquire", func() (interface{}, error) {
		return c.create(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

// Renew discards the cached credential and creates a fresh one. The
// refresh manager uses it to keep a panel's session warm across expiry.
func (c *Cache) Renew(ctx context.Context) (*Credential, error) {
	c.mu.Lock()
	c.cred = nil
	c.mu.Unlock()

	v, err, _ := c.flight.Do("acquire", func() (interface{}, error) {
		return c.create(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

// Reset clears the cache, the persisted entry and the attempt state,
// forcing the next Acquire to create an entirely new session.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.cred = nil
	c.lastAttempt = time.Time{}
	c.mu.Unlock()
	c.flight.Forget("acquire")

	if c.store != nil {
		if err := c.store.Delete(c.key); err != nil {
			log.Warnf("error clearing persisted credential: %s", err)
		}
	}
	log.Info("session reset")
}

// create performs the real upstream call. It runs inside the singleflight
// group, so at most one is outstanding per cache.
func (c *Cache) create(ctx context.Context) (*Credential, error) {
	// a caller that queued behind a finished flight may find the cache
	// already populated
	c.mu.Lock()
	if c.cred.Valid(c.now()) {
		cred := c.cred
		c.mu.Unlock()
		return cred, nil
	}
	last := c.lastAttempt
	c.mu.Unlock()

	if !last.IsZero() {
		if wait := c.cooldown - c.now().Sub(last); wait > 0 {
			log.WithField("wait", wait).Debug("waiting out creation cooldown")
			if err := sleepCtx(ctx, wait+cooldownBuffer); err != nil {
				return nil, err
			}
		}
	}

	c.mu.Lock()
	c.lastAttempt = c.now()
	c.mu.Unlock()

	cred, err := c.creator.CreateSession(ctx)
	if err != nil {
		return nil, err
	}
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = c.now().Add(c.ttl)
	}

	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()
	c.persist(cred)

	log.WithField("expiresAt", cred.ExpiresAt).Info("created session")
	return cred, nil
}

func (c *Cache) persist(cred *Credential) {
	if c.store == nil {
		return
	}
	if err := c.store.Set(c.key, cred); err != nil {
		log.Warnf("error persisting credential: %s", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
