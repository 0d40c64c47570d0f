package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"castsink/internal/domain"
)

var (
	ErrNoDownloadTask  = errors.New("no download task available")
	ErrEpisodeNotFound = errors.New("episode not found")
	ErrPodcastNotFound = errors.New("podcast not found")
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// SavePodcast inserts a subscription or restores a tombstoned one. The
// sync_dirty flag marks the change for the next subscription push unless the
// change itself came from the sync server.
func (s *Store) SavePodcast(ctx context.Context, p domain.Podcast) error {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = "Untitled Podcast"
	}
	lastChecked := p.LastChecked
	if lastChecked.IsZero() {
		lastChecked = time.Now().UTC()
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO podcasts
(id, title, description, author, feed_url, explicit, last_checked, deleted, sync_dirty)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
ON CONFLICT(feed_url) DO UPDATE SET
title=excluded.title,
description=excluded.description,
author=excluded.author,
explicit=excluded.explicit,
last_checked=excluded.last_checked,
deleted=0,
sync_dirty=excluded.sync_dirty`,
			p.ID, title, p.Description, p.Author, p.FeedURL, boolToInt(p.Explicit),
			lastChecked.Format(time.RFC3339Nano), boolToInt(p.SyncDirty))
		return err
	})
}

// TombstonePodcast soft-deletes a subscription. The row is kept so the
// deletion can propagate through sync and so episode identity survives a
// re-subscribe.
func (s *Store) TombstonePodcast(ctx context.Context, podcastID string, syncDirty bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE podcasts SET deleted = 1, sync_dirty = ? WHERE id = ? AND deleted = 0",
		boolToInt(syncDirty), podcastID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) UpdatePodcastMeta(ctx context.Context, p domain.Podcast) error {
	_, err := s.db.ExecContext(ctx, `UPDATE podcasts SET
title = ?, description = ?, author = ?, explicit = ?, last_checked = ?
WHERE id = ?`,
		p.Title, p.Description, p.Author, boolToInt(p.Explicit),
		time.Now().UTC().Format(time.RFC3339Nano), p.ID)
	return err
}

func (s *Store) GetPodcast(ctx context.Context, podcastID string) (domain.Podcast, error) {
	return s.scanPodcast(s.db.QueryRowContext(ctx, `SELECT
id, title, COALESCE(description, ''), COALESCE(author, ''), feed_url, explicit, last_checked, deleted, sync_dirty
FROM podcasts WHERE id = ?`, podcastID))
}

func (s *Store) GetPodcastByFeedURL(ctx context.Context, feedURL string) (domain.Podcast, error) {
	return s.scanPodcast(s.db.QueryRowContext(ctx, `SELECT
id, title, COALESCE(description, ''), COALESCE(author, ''), feed_url, explicit, last_checked, deleted, sync_dirty
FROM podcasts WHERE feed_url = ?`, feedURL))
}

func (s *Store) scanPodcast(row *sql.Row) (domain.Podcast, error) {
	var p domain.Podcast
	var explicit, deleted, dirty int
	var lastChecked sql.NullString
	err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Author, &p.FeedURL,
		&explicit, &lastChecked, &deleted, &dirty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Podcast{}, ErrPodcastNotFound
		}
		return domain.Podcast{}, err
	}
	p.Explicit = explicit != 0
	p.Deleted = deleted != 0
	p.SyncDirty = dirty != 0
	if lastChecked.Valid {
		p.LastChecked = parseStoredTime(lastChecked.String)
	}
	return p, nil
}

// ListPodcasts returns subscriptions ordered by title. Tombstoned rows are
// excluded unless includeDeleted is set.
func (s *Store) ListPodcasts(ctx context.Context, includeDeleted bool) ([]domain.Podcast, error) {
	query := `SELECT id, title, COALESCE(description, ''), COALESCE(author, ''), feed_url, explicit, last_checked, deleted, sync_dirty
FROM podcasts`
	if !includeDeleted {
		query += " WHERE deleted = 0"
	}
	query += " ORDER BY LOWER(title)"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	podcasts := make([]domain.Podcast, 0, 16)
	for rows.Next() {
		var p domain.Podcast
		var explicit, deleted, dirty int
		var lastChecked sql.NullString
		if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.Author, &p.FeedURL,
			&explicit, &lastChecked, &deleted, &dirty); err != nil {
			return nil, err
		}
		p.Explicit = explicit != 0
		p.Deleted = deleted != 0
		p.SyncDirty = dirty != 0
		if lastChecked.Valid {
			p.LastChecked = parseStoredTime(lastChecked.String)
		}
		podcasts = append(podcasts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return podcasts, nil
}

// DirtySubscriptions returns feed URLs with unsynced local subscription
// changes, split into additions and removals.
func (s *Store) DirtySubscriptions(ctx context.Context) (added, removed []string, err error) {
	rows, err := s.db.QueryContext(ctx, "SELECT feed_url, deleted FROM podcasts WHERE sync_dirty = 1")
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var url string
		var deleted int
		if err := rows.Scan(&url, &deleted); err != nil {
			return nil, nil, err
		}
		if deleted != 0 {
			removed = append(removed, url)
		} else {
			added = append(added, url)
		}
	}
	return added, removed, rows.Err()
}

func (s *Store) ClearSyncDirty(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "UPDATE podcasts SET sync_dirty = 0 WHERE sync_dirty = 1")
	return err
}

func (s *Store) ListPodcastExports(ctx context.Context) ([]domain.PodcastExport, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT title, feed_url FROM podcasts WHERE deleted = 0 ORDER BY LOWER(title)")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exports := make([]domain.PodcastExport, 0, 16)
	for rows.Next() {
		var export domain.PodcastExport
		if err := rows.Scan(&export.Title, &export.FeedURL); err != nil {
			return nil, err
		}
		exports = append(exports, export)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return exports, nil
}

func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	const attempts = 5
	var err error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNoDownloadTask) {
			return err
		}
		if !isSQLiteBusy(err) {
			return err
		}
		backoff := 50 * time.Millisecond * time.Duration(1<<i)
		if err := waitWithContext(ctx, backoff); err != nil {
			return err
		}
	}
	return err
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func parseStoredTime(value string) time.Time {
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed
	}
	return time.Time{}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
