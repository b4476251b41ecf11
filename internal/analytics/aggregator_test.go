package analytics_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shortlinker/internal/analytics"
	"shortlinker/internal/model"
	"shortlinker/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// blockingStore lets a test hold the worker mid-apply.
type blockingStore struct {
	mu      sync.Mutex
	applied int
	started chan struct{}
	release chan struct{}
}

func (b *blockingStore) ApplyClick(ctx context.Context, linkID string, c model.Click) error {
	b.started <- struct{}{}
	<-b.release
	b.mu.Lock()
	b.applied++
	b.mu.Unlock()
	return nil
}

func (b *blockingStore) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applied
}

func TestAggregatorAppliesEveryDispatchedClick(t *testing.T) {
	store := testutil.NewFakeStore()
	link := &model.Link{ID: "id-1", ShortCode: "abc123", TargetURL: "https://example.com", Active: true}
	require.NoError(t, store.Create(context.Background(), link))

	agg := analytics.New(store, testutil.NewFakeDeduper(), discardLogger(), 256)
	at := time.Now()
	for i := 0; i < 100; i++ {
		agg.Dispatch("id-1", model.ClickContext{IP: "203.0.113.10", UserAgent: "curl/8.6.0", At: at})
	}
	agg.Close()

	got, ok := store.Link("abc123")
	require.True(t, ok)
	assert.Equal(t, int64(100), got.TotalClicks, "no dispatched click may be lost or doubled")
	assert.Equal(t, int64(1), got.UniqueClicks, "one visitor, one unique click")
}

func TestAggregatorDistinctVisitorsCountUnique(t *testing.T) {
	store := testutil.NewFakeStore()
	require.NoError(t, store.Create(context.Background(), &model.Link{
		ID: "id-1", ShortCode: "abc123", TargetURL: "https://example.com", Active: true,
	}))

	agg := analytics.New(store, testutil.NewFakeDeduper(), discardLogger(), 64)
	at := time.Now()
	agg.Dispatch("id-1", model.ClickContext{IP: "203.0.113.1", UserAgent: "a", At: at})
	agg.Dispatch("id-1", model.ClickContext{IP: "203.0.113.2", UserAgent: "b", At: at})
	agg.Dispatch("id-1", model.ClickContext{IP: "203.0.113.1", UserAgent: "a", At: at})
	agg.Close()

	got, _ := store.Link("abc123")
	assert.Equal(t, int64(3), got.TotalClicks)
	assert.Equal(t, int64(2), got.UniqueClicks)
}

func TestAggregatorDropsOnOverflowWithoutBlocking(t *testing.T) {
	store := &blockingStore{started: make(chan struct{}, 1), release: make(chan struct{})}
	agg := analytics.New(store, testutil.NewFakeDeduper(), discardLogger(), 1)

	at := time.Now()
	cc := model.ClickContext{IP: "203.0.113.10", At: at}

	agg.Dispatch("id-1", cc) // worker picks this up and blocks
	<-store.started
	agg.Dispatch("id-1", cc) // sits in the buffer

	// Queue is full now; these must return immediately and be dropped.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			agg.Dispatch("id-1", cc)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a full queue")
	}

	close(store.release)
	<-store.started // second job reaches the store
	agg.Close()

	assert.Equal(t, 2, store.count(), "only the accepted clicks get applied")
}

func TestAggregatorDispatchAfterCloseIsIgnored(t *testing.T) {
	store := testutil.NewFakeStore()
	require.NoError(t, store.Create(context.Background(), &model.Link{
		ID: "id-1", ShortCode: "abc123", TargetURL: "https://example.com", Active: true,
	}))

	agg := analytics.New(store, testutil.NewFakeDeduper(), discardLogger(), 8)
	agg.Close()
	agg.Dispatch("id-1", model.ClickContext{IP: "203.0.113.10", At: time.Now()})
	agg.Close() // double close must be safe

	got, _ := store.Link("abc123")
	assert.Zero(t, got.TotalClicks)
}

func TestAggregatorRecordsBreakdowns(t *testing.T) {
	store := testutil.NewFakeStore()
	require.NoError(t, store.Create(context.Background(), &model.Link{
		ID: "id-1", ShortCode: "abc123", TargetURL: "https://example.com", Active: true,
	}))

	agg := analytics.New(store, testutil.NewFakeDeduper(), discardLogger(), 8)
	agg.Dispatch("id-1", model.ClickContext{
		IP:        "203.0.113.10",
		UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0) Mobile/15E148",
		Referrer:  "https://www.google.com/",
		Country:   "FR",
		At:        time.Now(),
	})
	agg.Close()

	_, _, breakdowns, err := store.Analytics(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, int64(1), breakdowns["country"]["FR"])
	assert.Equal(t, int64(1), breakdowns["device"]["mobile"])
	assert.Equal(t, int64(1), breakdowns["referrer"]["google.com"])
}
