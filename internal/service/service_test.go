package service_test

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
	"shortlinker/internal/service"
	"shortlinker/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store   *testutil.FakeStore
	cache   *testutil.FakeCache
	clicks  *testutil.RecordingDispatcher
	service *service.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  testutil.NewFakeStore(),
		cache:  testutil.NewFakeCache(),
		clicks: &testutil.RecordingDispatcher{},
	}
	f.service = service.NewService(f.store, f.cache, f.clicks, discardLogger(), 6)
	return f
}

func TestCreateThenResolveRoundtrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.service.CreateLink(ctx, service.CreateInput{TargetURL: "https://example.com/a"})
	require.NoError(t, err)
	require.Len(t, link.ShortCode, 6)
	require.NotEmpty(t, link.ID)

	target, err := f.service.ResolveLink(ctx, link.ShortCode, "", model.ClickContext{At: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", target)

	calls := f.clicks.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, link.ID, calls[0].LinkID)
}

func TestCreateRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.CreateLink(ctx, service.CreateInput{TargetURL: "ftp://example.com"})
	assert.ErrorIs(t, err, model.ErrBadRequest)

	_, err = f.service.CreateLink(ctx, service.CreateInput{TargetURL: "https://example.com", CustomAlias: "a!"})
	assert.ErrorIs(t, err, model.ErrBadRequest)
}

func TestCustomAliasScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	auto, err := f.service.CreateLink(ctx, service.CreateInput{TargetURL: "https://example.com/a"})
	require.NoError(t, err)
	target, err := f.service.ResolveLink(ctx, auto.ShortCode, "", model.ClickContext{})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", target)

	demo, err := f.service.CreateLink(ctx, service.CreateInput{TargetURL: "https://example.com/b", CustomAlias: "demo"})
	require.NoError(t, err)
	assert.Equal(t, "demo", demo.ShortCode)
	target, err = f.service.ResolveLink(ctx, "demo", "", model.ClickContext{})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/b", target)

	_, err = f.service.CreateLink(ctx, service.CreateInput{TargetURL: "https://example.com/c", CustomAlias: "demo"})
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestCreateRetriesRandomCollisions(t *testing.T) {
	f := newFixture(t)
	f.store.FailCreates = 3 // first three inserts collide

	link, err := f.service.CreateLink(context.Background(), service.CreateInput{TargetURL: "https://example.com"})
	require.NoError(t, err)
	assert.Len(t, link.ShortCode, 6)
}

func TestCreateExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	f.store.FailCreates = 5 // every attempt collides

	_, err := f.service.CreateLink(context.Background(), service.CreateInput{TargetURL: "https://example.com"})
	assert.ErrorIs(t, err, model.ErrExhaustedRetries)
}

func TestCreateManyDistinctCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	codes := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		link, err := f.service.CreateLink(ctx, service.CreateInput{TargetURL: "https://example.com/page"})
		require.NoError(t, err)
		codes[link.ShortCode] = struct{}{}
	}
	// The fake store rejects duplicates, so N successes mean N distinct codes.
	assert.Len(t, codes, 1000)
}

func TestResolveUnknownCode(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.ResolveLink(context.Background(), "nosuch", "", model.ClickContext{})
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Empty(t, f.clicks.Calls(), "failed resolves record nothing")
}

func TestResolveExpiredOnFirstLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	link, err := f.service.CreateLink(ctx, service.CreateInput{TargetURL: "https://example.com", ExpiresAt: &past})
	require.NoError(t, err)

	// First lookup is necessarily a cache miss; expiry must hold regardless.
	_, err = f.service.ResolveLink(ctx, link.ShortCode, "", model.ClickContext{})
	assert.ErrorIs(t, err, model.ErrGone)
	assert.Empty(t, f.clicks.Calls())
}

func TestResolvePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.service.CreateLink(ctx, service.CreateInput{TargetURL: "https://example.com", Password: "abc"})
	require.NoError(t, err)

	_, err = f.service.ResolveLink(ctx, link.ShortCode, "", model.ClickContext{})
	assert.ErrorIs(t, err, model.ErrUnauthorized, "omitted password")

	_, err = f.service.ResolveLink(ctx, link.ShortCode, "wrong", model.ClickContext{})
	assert.ErrorIs(t, err, model.ErrUnauthorized)

	target, err := f.service.ResolveLink(ctx, link.ShortCode, "abc", model.ClickContext{})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", target)
	assert.Len(t, f.clicks.Calls(), 1, "only the successful resolve clicks")
}

func TestResolvePopulatesCacheLazily(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.service.CreateLink(ctx, service.CreateInput{TargetURL: "https://example.com"})
	require.NoError(t, err)
	assert.False(t, f.cache.Contains(link.ShortCode), "creation must not warm the cache")

	_, err = f.service.ResolveLink(ctx, link.ShortCode, "", model.ClickContext{})
	require.NoError(t, err)
	assert.True(t, f.cache.Contains(link.ShortCode))
	assert.Equal(t, 1, f.cache.Misses)

	_, err = f.service.ResolveLink(ctx, link.ShortCode, "", model.ClickContext{})
	require.NoError(t, err)
	assert.Equal(t, 1, f.cache.Hits)
}

func TestResolveSurvivesCacheOutage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.service.CreateLink(ctx, service.CreateInput{TargetURL: "https://example.com"})
	require.NoError(t, err)
	f.cache.Down = true

	target, err := f.service.ResolveLink(ctx, link.ShortCode, "", model.ClickContext{})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", target)
}

func TestResolveRetriesTransientStoreFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.service.CreateLink(ctx, service.CreateInput{TargetURL: "https://example.com"})
	require.NoError(t, err)

	f.store.FailReads = 1
	target, err := f.service.ResolveLink(ctx, link.ShortCode, "", model.ClickContext{})
	require.NoError(t, err, "one transient failure is retried internally")
	assert.Equal(t, "https://example.com", target)

	f.cache.Down = true
	f.store.FailReads = 2
	_, err = f.service.ResolveLink(ctx, link.ShortCode, "", model.ClickContext{})
	assert.ErrorIs(t, err, model.ErrUnavailable, "persistent store failure is 503, never a silent not-found")
}

func TestDisableInvalidatesBeforeAck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.service.CreateLink(ctx, service.CreateInput{TargetURL: "https://example.com", OwnerID: "user-1"})
	require.NoError(t, err)

	// Warm the cache with the live entry.
	_, err = f.service.ResolveLink(ctx, link.ShortCode, "", model.ClickContext{})
	require.NoError(t, err)
	require.True(t, f.cache.Contains(link.ShortCode))

	require.NoError(t, f.service.DisableLink(ctx, link.ShortCode, "user-1", false))
	assert.False(t, f.cache.Contains(link.ShortCode), "invalidation is synchronous with the ack")

	// The very next resolve must see Gone, not a stale cached success.
	_, err = f.service.ResolveLink(ctx, link.ShortCode, "", model.ClickContext{})
	assert.ErrorIs(t, err, model.ErrGone)
}

func TestDisableRefusesAckWhenInvalidateFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.service.CreateLink(ctx, service.CreateInput{TargetURL: "https://example.com", OwnerID: "user-1"})
	require.NoError(t, err)
	f.cache.FailInvalidate = true

	err = f.service.DisableLink(ctx, link.ShortCode, "user-1", false)
	assert.ErrorIs(t, err, model.ErrUnavailable)
}

func TestDisableOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.service.CreateLink(ctx, service.CreateInput{TargetURL: "https://example.com", OwnerID: "user-1"})
	require.NoError(t, err)

	assert.ErrorIs(t, f.service.DisableLink(ctx, link.ShortCode, "user-2", false), model.ErrForbidden)
	assert.ErrorIs(t, f.service.DisableLink(ctx, link.ShortCode, "", false), model.ErrForbidden)
	assert.NoError(t, f.service.DisableLink(ctx, link.ShortCode, "", true), "admin may disable any link")
}

func TestCachedDenialIsHonored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A cached inactive entry blocks the redirect even though the store is
	// never consulted.
	f.cache.Put(ctx, "dead01", &model.CacheEntry{ID: "id-x", TargetURL: "https://example.com", Active: false})
	_, err := f.service.ResolveLink(ctx, "dead01", "", model.ClickContext{})
	assert.ErrorIs(t, err, model.ErrGone)
}

func TestConcurrentResolvesLoseNoClicks(t *testing.T) {
	store := testutil.NewFakeStore()
	fcache := testutil.NewFakeCache()
	agg := analytics.New(store, testutil.NewFakeDeduper(), discardLogger(), 256)
	svc := service.NewService(store, fcache, agg, discardLogger(), 6)
	ctx := context.Background()

	link, err := svc.CreateLink(ctx, service.CreateInput{TargetURL: "https://example.com"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.ResolveLink(ctx, link.ShortCode, "", model.ClickContext{
				IP: "203.0.113.10", UserAgent: "curl/8.6.0", At: time.Now(),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	agg.Close()

	got, ok := store.Link(link.ShortCode)
	require.True(t, ok)
	assert.Equal(t, int64(100), got.TotalClicks, "100 concurrent resolves increment by exactly 100")
}

func TestGetAnalyticsAccessAndWindows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	link, err := f.service.CreateLink(ctx, service.CreateInput{TargetURL: "https://example.com", OwnerID: "user-1"})
	require.NoError(t, err)

	now := time.Now().UTC()
	today := now.Truncate(24 * time.Hour)
	f.store.SeedDaily(link.ID, []model.DailyClick{
		{Day: today.AddDate(0, 0, -20), Clicks: 7},
		{Day: today.AddDate(0, 0, -3), Clicks: 5},
		{Day: today, Clicks: 2},
	})

	_, err = f.service.GetAnalytics(ctx, link.ShortCode, "user-2", false)
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = f.service.GetAnalytics(ctx, link.ShortCode, "", false)
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = f.service.GetAnalytics(ctx, "nosuch", "user-1", false)
	assert.ErrorIs(t, err, model.ErrNotFound)

	sum, err := f.service.GetAnalytics(ctx, link.ShortCode, "user-1", false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.ClicksToday)
	assert.Equal(t, int64(7), sum.ClicksThisWeek)
	assert.Equal(t, int64(14), sum.ClicksThisMonth)
	require.Len(t, sum.DailyClicks, 3)

	adminSum, err := f.service.GetAnalytics(ctx, link.ShortCode, "", true)
	require.NoError(t, err)
	assert.Equal(t, sum.TotalClicks, adminSum.TotalClicks)
}

func TestListPopularModes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.ListPopular(ctx, 10, model.TimeframeAll, false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.RankCalls, "all-time uses the total-clicks ranking")

	_, err = f.service.ListPopular(ctx, 10, model.TimeframeWeek, false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.TopCalls, "default windowed mode keeps the legacy created-in-window semantics")

	_, err = f.service.ListPopular(ctx, 10, model.TimeframeWeek, true)
	require.NoError(t, err)
	assert.Equal(t, 2, f.store.RankCalls, "by=clicks ranks clicks inside the window")
}

func TestListPopularRanking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.service.CreateLink(ctx, service.CreateInput{TargetURL: "https://example.com/a"})
	require.NoError(t, err)
	b, err := f.service.CreateLink(ctx, service.CreateInput{TargetURL: "https://example.com/b"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = f.service.ResolveLink(ctx, b.ShortCode, "", model.ClickContext{At: time.Now()})
		require.NoError(t, err)
	}
	// The recording dispatcher does not apply clicks, so drive the store
	// directly: b gets 3, a gets 1.
	for _, call := range f.clicks.Calls() {
		require.NoError(t, f.store.ApplyClick(ctx, call.LinkID, model.Click{At: time.Now()}))
	}
	require.NoError(t, f.store.ApplyClick(ctx, a.ID, model.Click{At: time.Now()}))

	list, err := f.service.ListPopular(ctx, 10, model.TimeframeAll, false)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ShortCode, list[0].ShortCode)
	assert.Equal(t, int64(3), list[0].TotalClicks)
	assert.Equal(t, a.ShortCode, list[1].ShortCode)
}
