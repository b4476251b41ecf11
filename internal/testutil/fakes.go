// Package testutil holds in-memory fakes of the store and cache so the
// service and handler suites run without Postgres or Redis.
package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"shortlinker/internal/model"
)

// ErrTransient stands in for a network or database failure.
var ErrTransient = errors.New("store unreachable")

// FakeStore mimics the Postgres repository: unique short codes enforced on
// insert, counter updates applied under a lock so concurrent clicks are
// never lost.
type FakeStore struct {
	mu         sync.Mutex
	byCode     map[string]*model.Link
	daily      map[string][]model.DailyClick
	breakdowns map[string]map[string]map[string]int64

	// FailCreates forces the next N creates to report a conflict.
	FailCreates int
	// FailReads forces the next N reads to fail transiently.
	FailReads int

	RankCalls int
	TopCalls  int
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		byCode:     make(map[string]*model.Link),
		daily:      make(map[string][]model.DailyClick),
		breakdowns: make(map[string]map[string]map[string]int64),
	}
}

func (f *FakeStore) Create(ctx context.Context, m *model.Link) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreates > 0 {
		f.FailCreates--
		return model.ErrConflict
	}
	if _, exists := f.byCode[m.ShortCode]; exists {
		return model.ErrConflict
	}
	m.CreatedAt = time.Now().UTC()
	clone := *m
	f.byCode[m.ShortCode] = &clone
	return nil
}

func (f *FakeStore) GetByCode(ctx context.Context, code string) (*model.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailReads > 0 {
		f.FailReads--
		return nil, ErrTransient
	}
	m, ok := f.byCode[code]
	if !ok {
		return nil, model.ErrNotFound
	}
	clone := *m
	return &clone, nil
}

func (f *FakeStore) ApplyClick(ctx context.Context, linkID string, c model.Click) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.findByID(linkID)
	if m == nil {
		return model.ErrNotFound
	}
	m.TotalClicks++
	if c.Unique {
		m.UniqueClicks++
	}
	at := c.At
	m.LastClickAt = &at
	f.daily[linkID] = model.AppendDaily(f.daily[linkID], c.At)

	if f.breakdowns[linkID] == nil {
		f.breakdowns[linkID] = map[string]map[string]int64{
			"country": {}, "device": {}, "referrer": {},
		}
	}
	for dim, key := range map[string]string{
		"country": c.Country, "device": c.Device, "referrer": c.Referrer,
	} {
		if key != "" {
			f.breakdowns[linkID][dim][key]++
		}
	}
	return nil
}

func (f *FakeStore) RankByClicks(ctx context.Context, limit int, since *time.Time) ([]model.LinkSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RankCalls++

	type ranked struct {
		s       model.LinkSummary
		clicks  int64
		created time.Time
	}
	var rows []ranked
	for _, m := range f.byCode {
		if !m.Active {
			continue
		}
		clicks := m.TotalClicks
		if since != nil {
			clicks = 0
			day := since.UTC().Truncate(24 * time.Hour)
			for _, d := range f.daily[m.ID] {
				if !d.Day.Before(day) {
					clicks += d.Clicks
				}
			}
			if clicks == 0 {
				continue
			}
		}
		rows = append(rows, ranked{
			s: model.LinkSummary{
				ShortCode:   m.ShortCode,
				TargetURL:   m.TargetURL,
				TotalClicks: clicks,
				CreatedAt:   m.CreatedAt,
			},
			clicks:  clicks,
			created: m.CreatedAt,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].clicks != rows[j].clicks {
			return rows[i].clicks > rows[j].clicks
		}
		return rows[i].created.After(rows[j].created)
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]model.LinkSummary, len(rows))
	for i, r := range rows {
		out[i] = r.s
	}
	return out, nil
}

func (f *FakeStore) TopByCreation(ctx context.Context, limit int, since *time.Time) ([]model.LinkSummary, error) {
	f.mu.Lock()
	f.TopCalls++
	var out []model.LinkSummary
	for _, m := range f.byCode {
		if !m.Active {
			continue
		}
		if since != nil && m.CreatedAt.Before(*since) {
			continue
		}
		out = append(out, model.LinkSummary{
			ShortCode:   m.ShortCode,
			TargetURL:   m.TargetURL,
			TotalClicks: m.TotalClicks,
			CreatedAt:   m.CreatedAt,
		})
	}
	f.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalClicks != out[j].TotalClicks {
			return out[i].TotalClicks > out[j].TotalClicks
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *FakeStore) SetActive(ctx context.Context, id string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.findByID(id)
	if m == nil {
		return model.ErrNotFound
	}
	m.Active = active
	return nil
}

func (f *FakeStore) Analytics(ctx context.Context, code string) (*model.Link, []model.DailyClick, map[string]map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailReads > 0 {
		f.FailReads--
		return nil, nil, nil, ErrTransient
	}
	m, ok := f.byCode[code]
	if !ok {
		return nil, nil, nil, model.ErrNotFound
	}
	clone := *m
	daily := append([]model.DailyClick(nil), f.daily[m.ID]...)
	breakdowns := f.breakdowns[m.ID]
	if breakdowns == nil {
		breakdowns = map[string]map[string]int64{
			"country": {}, "device": {}, "referrer": {},
		}
	}
	return &clone, daily, breakdowns, nil
}

// Link returns a copy of the stored link, for assertions.
func (f *FakeStore) Link(code string) (*model.Link, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byCode[code]
	if !ok {
		return nil, false
	}
	clone := *m
	return &clone, true
}

// SeedDaily replaces a link's daily series, for window tests.
func (f *FakeStore) SeedDaily(linkID string, daily []model.DailyClick) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.daily[linkID] = append([]model.DailyClick(nil), daily...)
}

// Daily returns a copy of a link's daily series.
func (f *FakeStore) Daily(linkID string) []model.DailyClick {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.DailyClick(nil), f.daily[linkID]...)
}

func (f *FakeStore) findByID(id string) *model.Link {
	for _, m := range f.byCode {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// FakeCache is an in-memory resolution cache with the same degrade-to-miss
// contract as the Redis one.
type FakeCache struct {
	mu      sync.Mutex
	entries map[string]*model.CacheEntry

	// Down makes every Get a miss and every Put a no-op.
	Down bool
	// FailInvalidate makes Invalidate return an error.
	FailInvalidate bool

	Hits, Misses, Puts, Invalidations int
}

func NewFakeCache() *FakeCache {
	return &FakeCache{entries: make(map[string]*model.CacheEntry)}
}

func (f *FakeCache) Get(ctx context.Context, code string) (*model.CacheEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Down {
		f.Misses++
		return nil, false
	}
	e, ok := f.entries[code]
	if !ok {
		f.Misses++
		return nil, false
	}
	f.Hits++
	clone := *e
	return &clone, true
}

func (f *FakeCache) Put(ctx context.Context, code string, entry *model.CacheEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Down {
		return
	}
	f.Puts++
	clone := *entry
	f.entries[code] = &clone
}

func (f *FakeCache) Invalidate(ctx context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailInvalidate {
		return ErrTransient
	}
	f.Invalidations++
	delete(f.entries, code)
	return nil
}

// Contains reports whether an entry is cached, for assertions.
func (f *FakeCache) Contains(code string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[code]
	return ok
}

// FakeDeduper marks every fingerprint seen and reports first visits, like
// the Redis set does.
type FakeDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func NewFakeDeduper() *FakeDeduper {
	return &FakeDeduper{seen: make(map[string]bool)}
}

func (f *FakeDeduper) FirstSeen(ctx context.Context, linkID, fingerprint string, at time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := linkID + ":" + fingerprint + ":" + at.UTC().Format("20060102")
	if f.seen[key] {
		return false
	}
	f.seen[key] = true
	return true
}

// Dispatched is one recorded click dispatch.
type Dispatched struct {
	LinkID  string
	Context model.ClickContext
}

// RecordingDispatcher captures dispatches without applying them.
type RecordingDispatcher struct {
	mu    sync.Mutex
	calls []Dispatched
}

func (r *RecordingDispatcher) Dispatch(linkID string, cc model.ClickContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Dispatched{LinkID: linkID, Context: cc})
}

func (r *RecordingDispatcher) Calls() []Dispatched {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Dispatched(nil), r.calls...)
}
