// Package join coalesces concurrent identical requests into a single
// upstream fetch and serves repeats from a short-lived cache.
//
// The first caller that finds neither a fresh cached value nor an in-flight
// fetch for its key becomes the leader and runs the fetch. Callers arriving
// while it runs become followers and receive exactly the leader's outcome.
// A follower that waits longer than the configured timeout stops waiting and
// retries as a new leader, so a fetch that never returns cannot wedge a key.
package join

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/join-proxy/internal/cache"
)

// ErrCoordinationTimeout is returned when every attempt to wait for an
// in-flight fetch timed out.
var ErrCoordinationTimeout = errors.New("timed out waiting for in-flight request")

// Outcome tells how a request was resolved
type Outcome int

const (
	// Miss means this caller fetched from upstream
	Miss Outcome = iota
	// Hit means the value came from the cache or from another caller's fetch
	Hit
)

func (o Outcome) String() string {
	if o == Hit {
		return "Hit"
	}
	return "Miss"
}

// FetchFunc fetches the value for key from upstream
type FetchFunc func(ctx context.Context, key cache.Key) ([]byte, error)

// Options configures a Coordinator
type Options struct {
	// FollowerTimeout bounds how long a follower waits for its leader
	FollowerTimeout time.Duration
	// MaxAttempts is how many follower waits may time out before giving up.
	// Values below 2 are raised to 2 so the first timeout always retries as
	// leader.
	MaxAttempts int
	Observer    Observer
}

// call is one in-flight fetch. value and err are written once, before done
// is closed; waiters, leaderGone, superseded and cancel are guarded by
// Coordinator.mu.
type call struct {
	done  chan struct{}
	value []byte
	err   error

	waiters    int
	leaderGone bool
	// set by Clear; the result still reaches waiters but is not stored
	superseded bool
	cancel     context.CancelFunc
}

// Coordinator owns the in-flight map and the store for one proxy instance.
type Coordinator struct {
	store           cache.Store
	followerTimeout time.Duration
	maxAttempts     int
	observer        Observer

	mu    sync.Mutex
	calls map[string]*call
}

// New creates a Coordinator reading and writing store
func New(store cache.Store, opts Options) *Coordinator {
	if opts.FollowerTimeout <= 0 {
		opts.FollowerTimeout = 45 * time.Second
	}
	if opts.MaxAttempts < 2 {
		opts.MaxAttempts = 2
	}
	return &Coordinator{
		store:           store,
		followerTimeout: opts.FollowerTimeout,
		maxAttempts:     opts.MaxAttempts,
		observer:        opts.Observer,
		calls:           make(map[string]*call),
	}
}

// Resolve returns the value for key. A value written within freshness is a
// Hit. Otherwise the caller either fetches (Miss) or joins the fetch already
// running for key (Hit on success, the leader's error on failure).
func (c *Coordinator) Resolve(ctx context.Context, key cache.Key, freshness time.Duration, fetch FetchFunc) ([]byte, Outcome, error) {
	k := string(key)
	// the call this caller last timed out on; it may be superseded
	var stale *call

	for attempt := 1; ; attempt++ {
		if value := c.lookup(key, freshness); value != nil {
			c.emit(EventHit, key, nil)
			return value, Hit, nil
		}

		c.mu.Lock()
		if existing, ok := c.calls[k]; ok && existing != stale {
			existing.waiters++
			c.mu.Unlock()
			c.emit(EventJoin, key, nil)

			value, timedOut, err := c.follow(ctx, key, existing)
			if !timedOut {
				if err != nil {
					return nil, Hit, err
				}
				return value, Hit, nil
			}

			c.emit(EventTimeout, key, nil)
			if attempt >= c.maxAttempts {
				return nil, Hit, fmt.Errorf("%w after %d attempts", ErrCoordinationTimeout, attempt)
			}
			logrus.Warnf("Gave up waiting for in-flight request %s after %s, retrying as leader", key, c.followerTimeout)
			stale = existing
			continue
		}

		// Become the leader. Replacing a stale call leaves its own waiters
		// attached to it.
		fetchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		cl := &call{
			done:   make(chan struct{}),
			cancel: cancel,
		}
		c.calls[k] = cl
		c.mu.Unlock()

		return c.lead(ctx, fetchCtx, key, cl, fetch)
	}
}

func (c *Coordinator) lookup(key cache.Key, freshness time.Duration) []byte {
	value, err := c.store.Get(key, freshness)
	if err != nil {
		logrus.Warnf("Cache read for %s failed, treating as miss: %v", key, err)
		c.emit(EventStoreError, key, err)
		return nil
	}
	return value
}

func (c *Coordinator) lead(ctx, fetchCtx context.Context, key cache.Key, cl *call, fetch FetchFunc) ([]byte, Outcome, error) {
	defer cl.cancel()
	c.emit(EventMiss, key, nil)

	// The leader leaving only aborts the fetch when nobody else waits on it
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		cl.leaderGone = true
		if cl.waiters == 0 {
			c.abandon(key, cl)
		}
	})

	value, err := runFetch(fetchCtx, key, fetch)
	stop()

	c.mu.Lock()
	superseded := cl.superseded
	c.mu.Unlock()

	if err != nil {
		c.emit(EventFetchError, key, err)
	} else if superseded {
		logrus.Debugf("Dropping result for %s, cache was cleared during the fetch", key)
	} else if serr := c.store.Set(key, value); serr != nil {
		logrus.Errorf("Failed to cache response for %s: %v", key, serr)
		c.emit(EventStoreError, key, serr)
	}

	c.mu.Lock()
	cl.value, cl.err = value, err
	if c.calls[string(key)] == cl {
		delete(c.calls, string(key))
	}
	c.mu.Unlock()
	close(cl.done)

	if err != nil {
		return nil, Miss, err
	}
	return value, Miss, nil
}

func runFetch(ctx context.Context, key cache.Key, fetch FetchFunc) (value []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("fetch panicked: %v", rec)
		}
	}()
	return fetch(ctx, key)
}

// follow waits for cl to complete, for the follower timeout, or for ctx.
func (c *Coordinator) follow(ctx context.Context, key cache.Key, cl *call) (value []byte, timedOut bool, err error) {
	timer := time.NewTimer(c.followerTimeout)
	defer timer.Stop()

	select {
	case <-cl.done:
		return cl.value, false, cl.err
	case <-timer.C:
		c.leave(key, cl)
		return nil, true, nil
	case <-ctx.Done():
		c.leave(key, cl)
		return nil, false, ctx.Err()
	}
}

func (c *Coordinator) leave(key cache.Key, cl *call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl.waiters--
	if cl.leaderGone && cl.waiters == 0 {
		c.abandon(key, cl)
	}
}

// abandon cancels a fetch nobody waits for and unregisters it, so later
// callers lead a fetch of their own instead of inheriting the cancellation.
// c.mu must be held.
func (c *Coordinator) abandon(key cache.Key, cl *call) {
	cl.cancel()
	if c.calls[string(key)] == cl {
		delete(c.calls, string(key))
	}
}

// InFlight returns the number of keys currently being fetched
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Clear drops every cached value and forgets in-flight registrations.
// Fetches already running still deliver to the callers waiting on them but
// no longer write to the store.
func (c *Coordinator) Clear() error {
	c.mu.Lock()
	for _, cl := range c.calls {
		cl.superseded = true
	}
	c.calls = make(map[string]*call)
	c.mu.Unlock()

	if err := c.store.Clear(); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

func (c *Coordinator) emit(event Event, key cache.Key, err error) {
	if c.observer == nil {
		return
	}
	c.observer.On(EventData{
		Event: event,
		Key:   key,
		Err:   err,
	})
}
