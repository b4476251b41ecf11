package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"shortlinker/internal/model"
	"shortlinker/internal/util"
)

// Store is the durable link store. Implemented by repository.Repo.
type Store interface {
	Create(ctx context.Context, m *model.Link) error
	GetByCode(ctx context.Context, code string) (*model.Link, error)
	ApplyClick(ctx context.Context, linkID string, c model.Click) error
	RankByClicks(ctx context.Context, limit int, since *time.Time) ([]model.LinkSummary, error)
	TopByCreation(ctx context.Context, limit int, since *time.Time) ([]model.LinkSummary, error)
	SetActive(ctx context.Context, id string, active bool) error
	Analytics(ctx context.Context, code string) (*model.Link, []model.DailyClick, map[string]map[string]int64, error)
}

// ResolutionCache is the fast lookup path. Implemented by cache.Cache.
type ResolutionCache interface {
	Get(ctx context.Context, code string) (*model.CacheEntry, bool)
	Put(ctx context.Context, code string, entry *model.CacheEntry)
	Invalidate(ctx context.Context, code string) error
}

// ClickRecorder takes a click off the redirect path. Implemented by
// analytics.Aggregator.
type ClickRecorder interface {
	Dispatch(linkID string, cc model.ClickContext)
}

// maxCodeAttempts bounds random generation retries; the store's unique
// constraint is what actually detects collisions.
const maxCodeAttempts = 5

type Service struct {
	store  Store
	cache  ResolutionCache
	clicks ClickRecorder
	logger *slog.Logger

	codeLen int
	now     func() time.Time
}

func NewService(store Store, cache ResolutionCache, clicks ClickRecorder, logger *slog.Logger, codeLen int) *Service {
	if codeLen <= 0 {
		codeLen = util.DefaultCodeLength
	}
	return &Service{
		store:   store,
		cache:   cache,
		clicks:  clicks,
		logger:  logger,
		codeLen: codeLen,
		now:     time.Now,
	}
}

// CreateInput carries everything a creation request may set.
type CreateInput struct {
	TargetURL   string
	CustomAlias string
	Password    string
	ExpiresAt   *time.Time
	OwnerID     string
}

// CreateLink validates the input, generates or adopts a short code and
// persists the link. There is deliberately no existence pre-check: the insert
// either lands or reports a conflict, so two concurrent creators of the same
// alias cannot both win.
func (s *Service) CreateLink(ctx context.Context, in CreateInput) (*model.Link, error) {
	if !util.ValidateURL(in.TargetURL) {
		return nil, fmt.Errorf("%w: target url", model.ErrBadRequest)
	}

	var pwHash string
	if in.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		pwHash = string(hash)
	}

	link := &model.Link{
		TargetURL:    in.TargetURL,
		OwnerID:      in.OwnerID,
		PasswordHash: pwHash,
		Active:       true,
		ExpiresAt:    in.ExpiresAt,
	}

	if in.CustomAlias != "" {
		if !util.ValidateAlias(in.CustomAlias) {
			return nil, fmt.Errorf("%w: custom alias", model.ErrBadRequest)
		}
		link.ID = uuid.NewString()
		link.ShortCode = in.CustomAlias
		if err := s.store.Create(ctx, link); err != nil {
			if errors.Is(err, model.ErrConflict) {
				return nil, model.ErrConflict
			}
			return nil, fmt.Errorf("%w: %v", model.ErrUnavailable, err)
		}
		return link, nil
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := util.RandomCode(s.codeLen)
		if err != nil {
			return nil, fmt.Errorf("generate code: %w", err)
		}
		link.ID = uuid.NewString()
		link.ShortCode = code
		err = s.store.Create(ctx, link)
		if err == nil {
			return link, nil
		}
		if errors.Is(err, model.ErrConflict) {
			continue
		}
		return nil, fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	return nil, model.ErrExhaustedRetries
}

// ResolveLink returns the destination for a code, enforcing the link's policy
// along the way. Cache first; a miss (or a slow cache) falls through to the
// store, and the refilled entry is written back best-effort. Analytics are
// dispatched only after the redirect is decided, never on a failure path.
func (s *Service) ResolveLink(ctx context.Context, code, suppliedPassword string, cc model.ClickContext) (string, error) {
	entry, ok := s.cache.Get(ctx, code)
	if !ok {
		link, err := s.getByCode(ctx, code)
		if err != nil {
			return "", err
		}
		entry = model.EntryFromLink(link)
		s.cache.Put(ctx, code, entry)
	}

	// Policy order matters: a cached denial (inactive, expired) is honored,
	// and the password is only consulted on an otherwise-live link.
	if !entry.Active {
		return "", model.ErrGone
	}
	if entry.Expired(s.now()) {
		return "", model.ErrGone
	}
	if entry.PasswordHash != "" {
		if suppliedPassword == "" {
			return "", model.ErrUnauthorized
		}
		if bcrypt.CompareHashAndPassword([]byte(entry.PasswordHash), []byte(suppliedPassword)) != nil {
			return "", model.ErrUnauthorized
		}
	}

	if cc.At.IsZero() {
		cc.At = s.now()
	}
	s.clicks.Dispatch(entry.ID, cc)
	return entry.TargetURL, nil
}

// getByCode reads the store with one internal retry for transient failures.
// A missing row is terminal; anything else twice in a row is ErrUnavailable,
// never a silent not-found.
func (s *Service) getByCode(ctx context.Context, code string) (*model.Link, error) {
	link, err := s.store.GetByCode(ctx, code)
	if err == nil || errors.Is(err, model.ErrNotFound) {
		return link, err
	}
	s.logger.Warn("store read failed, retrying", "code", code, "error", err)
	link, err = s.store.GetByCode(ctx, code)
	if err == nil || errors.Is(err, model.ErrNotFound) {
		return link, err
	}
	return nil, fmt.Errorf("%w: %v", model.ErrUnavailable, err)
}

// GetAnalytics assembles the analytics read model for a link. Access is
// limited to the link's owner, or anyone presenting the admin credential.
// Rolling windows are recomputed from the daily series on every call.
func (s *Service) GetAnalytics(ctx context.Context, code, requesterID string, admin bool) (*model.AnalyticsSummary, error) {
	link, daily, breakdowns, err := s.store.Analytics(ctx, code)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		s.logger.Warn("analytics read failed, retrying", "code", code, "error", err)
		link, daily, breakdowns, err = s.store.Analytics(ctx, code)
	}
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	if !admin && (requesterID == "" || requesterID != link.OwnerID) {
		return nil, model.ErrForbidden
	}

	now := s.now()
	summary := &model.AnalyticsSummary{
		ShortCode:    link.ShortCode,
		TargetURL:    link.TargetURL,
		TotalClicks:  link.TotalClicks,
		UniqueClicks: link.UniqueClicks,
		LastClickAt:  link.LastClickAt,
		CreatedAt:    link.CreatedAt,
		DailyClicks:  daily,
		Countries:    breakdowns["country"],
		Devices:      breakdowns["device"],
		Referrers:    breakdowns["referrer"],
	}
	summary.ClicksToday = sumDailySince(daily, *model.TimeframeToday.Start(now))
	summary.ClicksThisWeek = sumDailySince(daily, *model.TimeframeWeek.Start(now))
	summary.ClicksThisMonth = sumDailySince(daily, *model.TimeframeMonth.Start(now))
	return summary, nil
}

func sumDailySince(daily []model.DailyClick, since time.Time) int64 {
	day := since.UTC().Truncate(24 * time.Hour)
	var total int64
	for _, d := range daily {
		if !d.Day.Before(day) {
			total += d.Clicks
		}
	}
	return total
}

// ListPopular ranks active links for a timeframe. The default mode keeps the
// legacy semantics (total clicks among links created inside the window);
// byClicks ranks by clicks that happened inside the window instead.
func (s *Service) ListPopular(ctx context.Context, limit int, tf model.Timeframe, byClicks bool) ([]model.LinkSummary, error) {
	if limit < 1 || limit > 100 {
		limit = 10
	}
	since := tf.Start(s.now())

	var (
		out []model.LinkSummary
		err error
	)
	if byClicks || since == nil {
		out, err = s.store.RankByClicks(ctx, limit, since)
	} else {
		out, err = s.store.TopByCreation(ctx, limit, since)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	return out, nil
}

// DisableLink soft-deletes: the record and its analytics survive, redirects
// stop. The cache entry is gone before the call returns, so the very next
// resolve cannot see a stale success.
func (s *Service) DisableLink(ctx context.Context, code, requesterID string, admin bool) error {
	link, err := s.getByCode(ctx, code)
	if err != nil {
		return err
	}
	if !admin && (requesterID == "" || requesterID != link.OwnerID) {
		return model.ErrForbidden
	}

	if err := s.store.SetActive(ctx, link.ID, false); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.ErrNotFound
		}
		return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	if err := s.cache.Invalidate(ctx, code); err != nil {
		// The store write landed but the stale cache entry may survive;
		// refuse to acknowledge so the caller retries.
		return fmt.Errorf("%w: invalidate %s: %v", model.ErrUnavailable, code, err)
	}
	return nil
}
