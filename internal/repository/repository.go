package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"shortlinker/internal/model"
)

// Repo is the durable Link Store on Postgres. It is the single source of
// truth for short-code uniqueness; every counter change happens as a SQL-side
// increment so concurrent clicks never overwrite each other.
type Repo struct {
	DB *sql.DB
}

func NewRepo(db *sql.DB) *Repo {
	return &Repo{DB: db}
}

const linkColumns = `id, short_code, target_url, owner_id, password_hash, active,
	expires_at, total_clicks, unique_clicks, last_clicked_at, created_at`

func scanLink(row *sql.Row) (*model.Link, error) {
	var (
		m         model.Link
		ownerID   sql.NullString
		pwHash    sql.NullString
		expiresAt sql.NullTime
		lastClick sql.NullTime
	)
	err := row.Scan(&m.ID, &m.ShortCode, &m.TargetURL, &ownerID, &pwHash,
		&m.Active, &expiresAt, &m.TotalClicks, &m.UniqueClicks, &lastClick, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	m.OwnerID = ownerID.String
	m.PasswordHash = pwHash.String
	if expiresAt.Valid {
		t := expiresAt.Time
		m.ExpiresAt = &t
	}
	if lastClick.Valid {
		t := lastClick.Time
		m.LastClickAt = &t
	}
	return &m, nil
}

// Create inserts the link. The unique index on short_code is the collision
// authority: a duplicate code or alias surfaces as model.ErrConflict, never
// as a prior existence check.
func (r *Repo) Create(ctx context.Context, m *model.Link) error {
	q := `INSERT INTO links (id, short_code, target_url, owner_id, password_hash, active, expires_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)
		RETURNING created_at`
	err := r.DB.QueryRowContext(ctx, q,
		m.ID, m.ShortCode, m.TargetURL, m.OwnerID, m.PasswordHash, m.Active, m.ExpiresAt,
	).Scan(&m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.ErrConflict
		}
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

// GetByCode returns the link whatever its active state; policy decisions
// belong to the resolver.
func (r *Repo) GetByCode(ctx context.Context, code string) (*model.Link, error) {
	q := `SELECT ` + linkColumns + ` FROM links WHERE short_code = $1`
	return scanLink(r.DB.QueryRowContext(ctx, q, code))
}

// ApplyClick applies one classified click in a single transaction: aggregate
// counters on the link row, the daily series (capped at DailyRetention days),
// and one breakdown row per known dimension. Safe under concurrent calls for
// the same link because every change is an in-place SQL increment.
func (r *Repo) ApplyClick(ctx context.Context, linkID string, c model.Click) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin click tx: %w", err)
	}
	defer tx.Rollback()

	uniq := 0
	if c.Unique {
		uniq = 1
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE links
		SET total_clicks = total_clicks + 1,
		    unique_clicks = unique_clicks + $2,
		    last_clicked_at = $3
		WHERE id = $1`, linkID, uniq, c.At)
	if err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.ErrNotFound
	}

	day := c.At.UTC().Truncate(24 * time.Hour)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO link_daily_clicks (link_id, day, clicks) VALUES ($1, $2, 1)
		ON CONFLICT (link_id, day) DO UPDATE SET clicks = link_daily_clicks.clicks + 1`,
		linkID, day)
	if err != nil {
		return fmt.Errorf("upsert daily clicks: %w", err)
	}

	// Evict days that fell out of the retention window.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM link_daily_clicks
		WHERE link_id = $1 AND day NOT IN (
			SELECT day FROM link_daily_clicks
			WHERE link_id = $1 ORDER BY day DESC LIMIT $2
		)`, linkID, model.DailyRetention)
	if err != nil {
		return fmt.Errorf("prune daily clicks: %w", err)
	}

	for dim, key := range map[string]string{
		"country":  c.Country,
		"device":   c.Device,
		"referrer": c.Referrer,
	} {
		if key == "" {
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO link_click_breakdowns (link_id, dimension, key, clicks)
			VALUES ($1, $2, $3, 1)
			ON CONFLICT (link_id, dimension, key)
			DO UPDATE SET clicks = link_click_breakdowns.clicks + 1`,
			linkID, dim, key)
		if err != nil {
			return fmt.Errorf("upsert %s breakdown: %w", dim, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit click tx: %w", err)
	}
	return nil
}

func collectSummaries(rows *sql.Rows) ([]model.LinkSummary, error) {
	defer rows.Close()
	var out []model.LinkSummary
	for rows.Next() {
		var s model.LinkSummary
		if err := rows.Scan(&s.ShortCode, &s.TargetURL, &s.TotalClicks, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RankByClicks ranks active links most-clicked first. With a window it sums
// the daily series from that day on; unbounded it uses total_clicks. Ties go
// to the most recently created link.
func (r *Repo) RankByClicks(ctx context.Context, limit int, since *time.Time) ([]model.LinkSummary, error) {
	if since == nil {
		rows, err := r.DB.QueryContext(ctx, `
			SELECT short_code, target_url, total_clicks, created_at
			FROM links WHERE active
			ORDER BY total_clicks DESC, created_at DESC
			LIMIT $1`, limit)
		if err != nil {
			return nil, fmt.Errorf("rank by total clicks: %w", err)
		}
		return collectSummaries(rows)
	}

	day := since.UTC().Truncate(24 * time.Hour)
	rows, err := r.DB.QueryContext(ctx, `
		SELECT l.short_code, l.target_url, COALESCE(SUM(d.clicks), 0) AS window_clicks, l.created_at
		FROM links l
		JOIN link_daily_clicks d ON d.link_id = l.id AND d.day >= $1
		WHERE l.active
		GROUP BY l.id
		ORDER BY window_clicks DESC, l.created_at DESC
		LIMIT $2`, day, limit)
	if err != nil {
		return nil, fmt.Errorf("rank by windowed clicks: %w", err)
	}
	return collectSummaries(rows)
}

// TopByCreation ranks active links created since the given time by their
// total clicks (the legacy popularity semantics).
func (r *Repo) TopByCreation(ctx context.Context, limit int, since *time.Time) ([]model.LinkSummary, error) {
	if since == nil {
		return r.RankByClicks(ctx, limit, nil)
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT short_code, target_url, total_clicks, created_at
		FROM links
		WHERE active AND created_at >= $1
		ORDER BY total_clicks DESC, created_at DESC
		LIMIT $2`, *since, limit)
	if err != nil {
		return nil, fmt.Errorf("rank by creation window: %w", err)
	}
	return collectSummaries(rows)
}

// SetActive flips the soft-delete flag. Links are never physically deleted.
func (r *Repo) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE links SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// Analytics loads the link plus its daily series (oldest first) and the
// breakdown maps keyed by dimension.
func (r *Repo) Analytics(ctx context.Context, code string) (*model.Link, []model.DailyClick, map[string]map[string]int64, error) {
	link, err := r.GetByCode(ctx, code)
	if err != nil {
		return nil, nil, nil, err
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT day, clicks FROM link_daily_clicks
		WHERE link_id = $1 ORDER BY day ASC`, link.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load daily clicks: %w", err)
	}
	var daily []model.DailyClick
	for rows.Next() {
		var d model.DailyClick
		if err := rows.Scan(&d.Day, &d.Clicks); err != nil {
			rows.Close()
			return nil, nil, nil, err
		}
		daily = append(daily, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, nil, err
	}

	rows, err = r.DB.QueryContext(ctx, `
		SELECT dimension, key, clicks FROM link_click_breakdowns
		WHERE link_id = $1`, link.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load breakdowns: %w", err)
	}
	defer rows.Close()
	breakdowns := map[string]map[string]int64{
		"country": {}, "device": {}, "referrer": {},
	}
	for rows.Next() {
		var dim, key string
		var clicks int64
		if err := rows.Scan(&dim, &key, &clicks); err != nil {
			return nil, nil, nil, err
		}
		if _, ok := breakdowns[dim]; !ok {
			breakdowns[dim] = map[string]int64{}
		}
		breakdowns[dim][key] = clicks
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, err
	}
	return link, daily, breakdowns, nil
}
