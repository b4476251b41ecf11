// Package analytics records clicks off the redirect path. The resolver
// dispatches and moves on; a single worker drains a bounded queue into the
// store, so each accepted click is applied exactly once and overload drops
// clicks instead of piling up goroutines.
package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"shortlinker/internal/model"
)

// Store applies one classified click atomically.
type Store interface {
	ApplyClick(ctx context.Context, linkID string, c model.Click) error
}

// Deduper answers whether a visitor fingerprint is new for a link today.
type Deduper interface {
	FirstSeen(ctx context.Context, linkID, fingerprint string, at time.Time) bool
}

const (
	defaultBuffer = 1024
	applyTimeout  = 5 * time.Second
	dropLogSample = 100 // log every Nth dropped click, not all of them
)

type job struct {
	linkID string
	cc     model.ClickContext
}

type Aggregator struct {
	store  Store
	dedup  Deduper
	logger *slog.Logger

	jobs chan job
	wg   sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

func New(store Store, dedup Deduper, logger *slog.Logger, buffer int) *Aggregator {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	a := &Aggregator{
		store:  store,
		dedup:  dedup,
		logger: logger,
		jobs:   make(chan job, buffer),
	}
	a.wg.Add(1)
	go a.worker()
	return a
}

// Dispatch queues a click for recording and returns immediately. When the
// queue is full the click is dropped and counted; a redirect must never wait
// on analytics.
func (a *Aggregator) Dispatch(linkID string, cc model.ClickContext) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	select {
	case a.jobs <- job{linkID: linkID, cc: cc}:
		a.mu.Unlock()
	default:
		a.dropped++
		n := a.dropped
		a.mu.Unlock()
		if n%dropLogSample == 1 {
			a.logger.Warn("click queue full, dropping", "link_id", linkID, "dropped_total", n)
		}
	}
}

// Close stops intake and blocks until every queued click has been applied.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.jobs)
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Aggregator) worker() {
	defer a.wg.Done()
	for j := range a.jobs {
		click := Classify(j.cc)

		ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
		click.Unique = a.dedup.FirstSeen(ctx, j.linkID, Fingerprint(j.cc.IP, j.cc.UserAgent), j.cc.At)
		if err := a.store.ApplyClick(ctx, j.linkID, click); err != nil {
			// Logged and dropped: a lost click is acceptable, a delayed
			// redirect is not.
			a.logger.Error("apply click failed", "link_id", j.linkID, "error", err)
		}
		cancel()
	}
}
