package model

import (
	"sort"
	"time"
)

// Link is the durable record behind a short code. Analytics aggregates live
// on the same record; breakdowns and the daily series are stored alongside
// and surfaced through AnalyticsSummary.
type Link struct {
	ID           string     `db:"id" json:"id"`
	ShortCode    string     `db:"short_code" json:"short_code"`
	TargetURL    string     `db:"target_url" json:"target_url"`
	OwnerID      string     `db:"owner_id" json:"owner_id,omitempty"`
	PasswordHash string     `db:"password_hash" json:"-"`
	Active       bool       `db:"active" json:"active"`
	ExpiresAt    *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	TotalClicks  int64      `db:"total_clicks" json:"total_clicks"`
	UniqueClicks int64      `db:"unique_clicks" json:"unique_clicks"`
	LastClickAt  *time.Time `db:"last_clicked_at" json:"last_clicked_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// Expired reports whether the link's expiry, if any, has passed.
func (l *Link) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// CacheEntry is the reduced projection of a Link held in the resolution
// cache: just enough to serve a redirect and route the click back to the
// record. Never authoritative; a miss always falls through to the store.
type CacheEntry struct {
	ID           string     `json:"id"`
	TargetURL    string     `json:"target_url"`
	PasswordHash string     `json:"password_hash,omitempty"`
	Active       bool       `json:"active"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// Expired mirrors Link.Expired for cached entries.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// EntryFromLink projects a Link into its cacheable form.
func EntryFromLink(l *Link) *CacheEntry {
	return &CacheEntry{
		ID:           l.ID,
		TargetURL:    l.TargetURL,
		PasswordHash: l.PasswordHash,
		Active:       l.Active,
		ExpiresAt:    l.ExpiresAt,
	}
}

// ClickContext carries the request-derived facts for one click.
type ClickContext struct {
	IP        string
	UserAgent string
	Referrer  string
	Country   string
	At        time.Time
}

// Click is a classified, ready-to-apply click update.
type Click struct {
	Country  string
	Device   string
	Referrer string
	Unique   bool
	At       time.Time
}

// DailyClick is one (UTC date, count) point of a link's daily series.
type DailyClick struct {
	Day    time.Time `json:"date"`
	Clicks int64     `json:"clicks"`
}

// DailyRetention caps the daily series; insertion evicts the oldest day.
const DailyRetention = 30

// AppendDaily applies one click on day to a date-ordered series: increment
// the matching day, otherwise append, then evict the oldest days beyond
// DailyRetention. This is the canonical form of the retention rule; the SQL
// store's upsert-and-prune implements the same thing.
func AppendDaily(daily []DailyClick, day time.Time) []DailyClick {
	day = day.UTC().Truncate(24 * time.Hour)
	for i := range daily {
		if daily[i].Day.Equal(day) {
			daily[i].Clicks++
			return daily
		}
	}
	daily = append(daily, DailyClick{Day: day, Clicks: 1})
	sort.Slice(daily, func(i, j int) bool { return daily[i].Day.Before(daily[j].Day) })
	if len(daily) > DailyRetention {
		daily = daily[len(daily)-DailyRetention:]
	}
	return daily
}

// AnalyticsSummary is the owner-facing read model of a link's analytics.
// Rolling windows are derived from the daily series at read time.
type AnalyticsSummary struct {
	ShortCode       string           `json:"short_code"`
	TargetURL       string           `json:"target_url"`
	TotalClicks     int64            `json:"total_clicks"`
	UniqueClicks    int64            `json:"unique_clicks"`
	ClicksToday     int64            `json:"clicks_today"`
	ClicksThisWeek  int64            `json:"clicks_this_week"`
	ClicksThisMonth int64            `json:"clicks_this_month"`
	LastClickAt     *time.Time       `json:"last_clicked_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	DailyClicks     []DailyClick     `json:"daily_clicks"`
	Countries       map[string]int64 `json:"countries"`
	Devices         map[string]int64 `json:"devices"`
	Referrers       map[string]int64 `json:"referrers"`
}

// LinkSummary is the list/ranking projection of a Link.
type LinkSummary struct {
	ShortCode   string    `json:"short_code"`
	TargetURL   string    `json:"target_url"`
	TotalClicks int64     `json:"total_clicks"`
	CreatedAt   time.Time `json:"created_at"`
}

// Timeframe selects a popularity window.
type Timeframe string

const (
	TimeframeAll   Timeframe = "all"
	TimeframeToday Timeframe = "today"
	TimeframeWeek  Timeframe = "week"
	TimeframeMonth Timeframe = "month"
)

// Start returns the window's inclusive lower bound, or nil for TimeframeAll.
func (t Timeframe) Start(now time.Time) *time.Time {
	var since time.Time
	switch t {
	case TimeframeToday:
		y, m, d := now.UTC().Date()
		since = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	case TimeframeWeek:
		since = now.Add(-7 * 24 * time.Hour)
	case TimeframeMonth:
		since = now.AddDate(0, -1, 0)
	default:
		return nil
	}
	return &since
}

// ParseTimeframe maps a query value onto a Timeframe, defaulting to all.
func ParseTimeframe(s string) (Timeframe, bool) {
	switch Timeframe(s) {
	case TimeframeToday, TimeframeWeek, TimeframeMonth:
		return Timeframe(s), true
	case TimeframeAll, "":
		return TimeframeAll, true
	}
	return TimeframeAll, false
}
