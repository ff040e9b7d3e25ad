package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"rss_sentinel/internal/model"
	"rss_sentinel/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateFeed inserts a new feed source and populates its ID and CreatedAt.
func (s *SQLite) CreateFeed(ctx context.Context, feed *model.FeedSource) error {
	if feed.Health == "" {
		feed.Health = model.HealthHealthy
	}
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feeds (subscriber_id, title, url, interval_minutes, is_active, health, failure_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		feed.SubscriberID, feed.Title, feed.URL, feed.IntervalMinutes,
		boolToInt(feed.IsActive), string(feed.Health), feed.FailureCount, now,
	)
	if err != nil {
		return fmt.Errorf("insert feed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	feed.ID = id
	feed.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetFeed returns a single feed source by its ID.
func (s *SQLite) GetFeed(ctx context.Context, id int64) (*model.FeedSource, error) {
	row := s.db.QueryRowContext(ctx, feedSelect+` WHERE id = ?`, id)
	return scanFeed(row)
}

// GetFeedByURL returns a subscriber's feed with the given URL, or ErrNotFound.
func (s *SQLite) GetFeedByURL(ctx context.Context, subscriberID int64, url string) (*model.FeedSource, error) {
	row := s.db.QueryRowContext(ctx, feedSelect+` WHERE subscriber_id = ? AND url = ?`, subscriberID, url)
	return scanFeed(row)
}

// ListFeeds returns all feeds belonging to the given subscriber.
func (s *SQLite) ListFeeds(ctx context.Context, subscriberID int64) ([]model.FeedSource, error) {
	rows, err := s.db.QueryContext(ctx, feedSelect+` WHERE subscriber_id = ? ORDER BY id`, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanFeeds(rows)
}

// ListDueFeeds returns active, non-disabled feeds that are due for polling.
func (s *SQLite) ListDueFeeds(ctx context.Context) ([]model.FeedSource, error) {
	now := time.Now().UTC().Format(timeLayout)
	rows, err := s.db.QueryContext(ctx,
		feedSelect+`
		 WHERE is_active = 1
		   AND health != ?
		   AND (last_fetch_at IS NULL
		        OR datetime(last_fetch_at, '+' || interval_minutes || ' minutes') <= datetime(?))`,
		string(model.HealthDisabled), now,
	)
	if err != nil {
		return nil, fmt.Errorf("query due feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanFeeds(rows)
}

// UpdateFeedHealth persists the health status and consecutive-failure count.
func (s *SQLite) UpdateFeedHealth(ctx context.Context, id int64, health model.HealthStatus, failureCount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET health = ?, failure_count = ? WHERE id = ?`,
		string(health), failureCount, id,
	)
	if err != nil {
		return fmt.Errorf("update feed health: %w", err)
	}
	return nil
}

// UpdateFeedFetched records a completed fetch: last-fetch timestamp and,
// when non-empty, the title reported by the feed itself.
func (s *SQLite) UpdateFeedFetched(ctx context.Context, id int64, title string, at time.Time) error {
	var err error
	ts := at.UTC().Format(timeLayout)
	if title != "" {
		_, err = s.db.ExecContext(ctx, `UPDATE feeds SET title = ?, last_fetch_at = ? WHERE id = ?`, title, ts, id)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE feeds SET last_fetch_at = ? WHERE id = ?`, ts, id)
	}
	if err != nil {
		return fmt.Errorf("update feed fetched: %w", err)
	}
	return nil
}

// SetFeedActive toggles a feed on or off. Re-enabling a feed also
// resets its health so the scheduler picks it up again.
func (s *SQLite) SetFeedActive(ctx context.Context, id int64, active bool) error {
	var err error
	if active {
		_, err = s.db.ExecContext(ctx,
			`UPDATE feeds SET is_active = 1, health = ?, failure_count = 0 WHERE id = ?`,
			string(model.HealthHealthy), id,
		)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE feeds SET is_active = 0 WHERE id = ?`, id)
	}
	if err != nil {
		return fmt.Errorf("set feed active: %w", err)
	}
	return nil
}

// DeleteFeed removes a feed and its scoped rules.
func (s *SQLite) DeleteFeed(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM keyword_rules WHERE feed_id = ?`, id); err != nil {
		return fmt.Errorf("delete keyword_rules: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}
	return tx.Commit()
}

// CreateRule inserts a new keyword rule and populates its ID and CreatedAt.
func (s *SQLite) CreateRule(ctx context.Context, r *model.KeywordRule) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO keyword_rules (subscriber_id, feed_id, expression, created_at) VALUES (?, ?, ?, ?)`,
		r.SubscriberID, r.FeedID, r.Expression, now,
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	r.ID = id
	r.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetRule returns a single keyword rule by its ID.
func (s *SQLite) GetRule(ctx context.Context, id int64) (*model.KeywordRule, error) {
	row := s.db.QueryRowContext(ctx, ruleSelect+` WHERE id = ?`, id)
	return scanRule(row)
}

// ListRules returns all rules belonging to the given subscriber.
func (s *SQLite) ListRules(ctx context.Context, subscriberID int64) ([]model.KeywordRule, error) {
	return s.queryRules(ctx, ruleSelect+` WHERE subscriber_id = ? ORDER BY id`, subscriberID)
}

// ListGlobalRules returns the subscriber's rules that apply to every feed.
func (s *SQLite) ListGlobalRules(ctx context.Context, subscriberID int64) ([]model.KeywordRule, error) {
	return s.queryRules(ctx, ruleSelect+` WHERE subscriber_id = ? AND feed_id IS NULL ORDER BY id`, subscriberID)
}

// ListFeedRules returns the rules scoped to a single feed.
func (s *SQLite) ListFeedRules(ctx context.Context, feedID int64) ([]model.KeywordRule, error) {
	return s.queryRules(ctx, ruleSelect+` WHERE feed_id = ? ORDER BY id`, feedID)
}

func (s *SQLite) queryRules(ctx context.Context, query string, args ...any) ([]model.KeywordRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []model.KeywordRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// DeleteRule removes a keyword rule by its ID.
func (s *SQLite) DeleteRule(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM keyword_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

// InsertDeliveredIfAbsent atomically records a delivery for the
// (subscriber, fingerprint) pair. It reports false when a record
// already existed, which is what makes concurrent dispatch workers
// safe against double notification.
func (s *SQLite) InsertDeliveredIfAbsent(ctx context.Context, subscriberID int64, fingerprint string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO dedup_records (subscriber_id, fingerprint, delivered_at) VALUES (?, ?, ?)`,
		subscriberID, fingerprint, at.UTC().Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("insert dedup record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// IsDelivered checks whether an item was already delivered to the subscriber.
func (s *SQLite) IsDelivered(ctx context.Context, subscriberID int64, fingerprint string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dedup_records WHERE subscriber_id = ? AND fingerprint = ?`,
		subscriberID, fingerprint,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check delivered: %w", err)
	}
	return count > 0, nil
}

// PruneDelivered removes dedup records older than the given cutoff and
// returns the number of rows removed.
func (s *SQLite) PruneDelivered(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dedup_records WHERE delivered_at < ?`,
		before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune dedup records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// GetSettings returns the subscriber's settings, or defaults when none
// have been stored yet.
func (s *SQLite) GetSettings(ctx context.Context, subscriberID int64) (*model.SubscriberSettings, error) {
	var digest, titleOnly int
	err := s.db.QueryRowContext(ctx,
		`SELECT digest_mode, title_only FROM subscriber_settings WHERE subscriber_id = ?`,
		subscriberID,
	).Scan(&digest, &titleOnly)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.SubscriberSettings{SubscriberID: subscriberID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	return &model.SubscriberSettings{
		SubscriberID: subscriberID,
		DigestMode:   digest == 1,
		TitleOnly:    titleOnly == 1,
	}, nil
}

// UpdateSettings stores the subscriber's settings, creating the row on
// first write.
func (s *SQLite) UpdateSettings(ctx context.Context, set *model.SubscriberSettings) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriber_settings (subscriber_id, digest_mode, title_only, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(subscriber_id) DO UPDATE SET digest_mode = excluded.digest_mode,
		   title_only = excluded.title_only, updated_at = excluded.updated_at`,
		set.SubscriberID, boolToInt(set.DigestMode), boolToInt(set.TitleOnly), now,
	)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}

const feedSelect = `SELECT id, subscriber_id, title, url, interval_minutes, is_active, health, failure_count, last_fetch_at, created_at
	 FROM feeds`

const ruleSelect = `SELECT id, subscriber_id, feed_id, expression, created_at FROM keyword_rules`

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanFeed(row scannable) (*model.FeedSource, error) {
	var f model.FeedSource
	var isActive int
	var health string
	var lastFetch, created sql.NullString
	err := row.Scan(&f.ID, &f.SubscriberID, &f.Title, &f.URL, &f.IntervalMinutes,
		&isActive, &health, &f.FailureCount, &lastFetch, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan feed: %w", err)
	}
	f.IsActive = isActive == 1
	f.Health = model.HealthStatus(health)
	if lastFetch.Valid {
		t, _ := time.Parse(timeLayout, lastFetch.String)
		f.LastFetchAt = &t
	}
	if created.Valid {
		f.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &f, nil
}

func scanFeeds(rows *sql.Rows) ([]model.FeedSource, error) {
	var feeds []model.FeedSource
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

func scanRule(row scannable) (*model.KeywordRule, error) {
	var r model.KeywordRule
	var feedID sql.NullInt64
	var createdStr string
	err := row.Scan(&r.ID, &r.SubscriberID, &feedID, &r.Expression, &createdStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	if feedID.Valid {
		v := feedID.Int64
		r.FeedID = &v
	}
	r.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	return &r, nil
}
