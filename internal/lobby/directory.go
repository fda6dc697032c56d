package lobby

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobbysync/internal/notify"
)

// DefaultListMaxResults bounds the number of sessions a refresh requests.
const DefaultListMaxResults = 50

// flight is one pending list query shared by every caller that asked for a
// refresh while it was outstanding.
type flight struct {
	request RequestID
	done    chan struct{}
	timer   *time.Timer
	waiters int
	result  []Summary
	err     error
}

// Directory caches the discoverable session list. At most one list query is
// outstanding at a time; concurrent refreshes share its result.
// All methods are safe for concurrent use.
type Directory struct {
	discovery  Discovery
	logger     *zap.Logger
	maxResults int
	timeout    time.Duration

	mu       sync.Mutex
	list     []Summary
	flight   *flight
	requests RequestID

	sub    *notify.Subscription[ListResult]
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDirectory creates a Directory.
//
// Precondition: discovery and logger must be non-nil. maxResults <= 0 selects
// DefaultListMaxResults; timeout <= 0 disables the refresh bound.
func NewDirectory(discovery Discovery, maxResults int, timeout time.Duration, logger *zap.Logger) *Directory {
	if maxResults <= 0 {
		maxResults = DefaultListMaxResults
	}
	return &Directory{
		discovery:  discovery,
		logger:     logger,
		maxResults: maxResults,
		timeout:    timeout,
	}
}

// Start subscribes to list notifications and processes them until Stop.
//
// Postcondition: the subscription is active when Start returns.
func (d *Directory) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.sub != nil {
		d.mu.Unlock()
		return errors.New("directory already started")
	}
	topic := d.discovery.Notifications().ListReady
	sub := topic.Subscribe(notify.DefaultBuffer)
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.sub, d.cancel, d.done = sub, cancel, done
	d.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-loopCtx.Done():
				return
			case r, ok := <-sub.C():
				if !ok {
					return
				}
				d.handleList(r)
			}
		}
	}()
	return nil
}

// Stop ends notification processing, unsubscribes, and fails any pending
// refresh with context.Canceled.
func (d *Directory) Stop() {
	d.mu.Lock()
	sub, cancel, done, f := d.sub, d.cancel, d.done, d.flight
	d.sub, d.cancel, d.done = nil, nil, nil
	d.mu.Unlock()
	if sub == nil {
		return
	}
	cancel()
	<-done
	d.discovery.Notifications().ListReady.Unsubscribe(sub)
	if f != nil {
		d.resolve(f, nil, context.Canceled)
	}
}

// RefreshAndList returns the session list.
//
// With force false it returns the cached list immediately. With force true it
// clears the cache and waits for a fresh list, issuing a single query that is
// shared with every concurrent forced caller.
//
// Postcondition: Returns the list, ErrDiscoveryTimeout if the result did not
// arrive in time, or ctx.Err() if the caller gave up first. A caller giving up
// does not cancel the shared query.
func (d *Directory) RefreshAndList(ctx context.Context, force bool) ([]Summary, error) {
	if !force {
		return d.List(), nil
	}

	d.mu.Lock()
	f := d.flight
	if f != nil {
		f.waiters++
		d.mu.Unlock()
		d.logger.Debug("attaching to pending session list refresh")
	} else {
		d.requests++
		f = &flight{request: d.requests, done: make(chan struct{}), waiters: 1}
		d.flight = f
		d.list = nil
		if d.timeout > 0 {
			f.timer = time.AfterFunc(d.timeout, func() {
				d.logger.Warn("session list refresh timed out", zap.Duration("timeout", d.timeout))
				d.resolve(f, nil, ErrDiscoveryTimeout)
			})
		}
		d.mu.Unlock()

		if err := d.discovery.QueryList(ctx, f.request, d.maxResults); err != nil {
			d.logger.Error("session list query rejected", zap.Error(err))
			d.resolve(f, nil, fmt.Errorf("%w: query list: %w", ErrExternalCallFailed, err))
		}
	}

	select {
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return slices.Clone(f.result), nil
	case <-ctx.Done():
		d.mu.Lock()
		if d.flight == f {
			f.waiters--
		}
		d.mu.Unlock()
		return nil, ctx.Err()
	}
}

// List returns a copy of the cached session list.
func (d *Directory) List() []Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.list)
}

// Waiters returns the number of callers attached to the pending refresh.
func (d *Directory) Waiters() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.flight == nil {
		return 0
	}
	return d.flight.waiters
}

func (d *Directory) handleList(r ListResult) {
	d.mu.Lock()
	f := d.flight
	d.mu.Unlock()
	// A late answer to a refresh that already ended must not complete the next one.
	if f == nil || (r.Request != 0 && r.Request != f.request) {
		d.logger.Debug("dropping session list",
			zap.Uint64("request", uint64(r.Request)),
			zap.Int("count", len(r.Summaries)),
			zap.Error(ErrStaleNotification),
		)
		return
	}
	d.logger.Debug("session list received", zap.Int("count", len(r.Summaries)))
	d.resolve(f, r.Summaries, nil)
}

// resolve completes f once. Only a successful result replaces the cache.
func (d *Directory) resolve(f *flight, result []Summary, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.flight != f {
		return
	}
	d.flight = nil
	if f.timer != nil {
		f.timer.Stop()
	}
	if err == nil {
		d.list = slices.Clone(result)
	}
	f.result = slices.Clone(result)
	f.err = err
	close(f.done)
}
