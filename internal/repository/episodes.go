package repository

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"time"

	"castsink/internal/domain"
)

const episodeColumns = `e.id, e.podcast_id, e.title, COALESCE(e.description, ''), COALESCE(e.guid, ''),
e.enclosure_url, e.published_at, e.duration, e.position, e.total, e.played, e.play_stamp,
e.download_state, COALESCE(e.file_path, ''), e.retry_count`

// InsertEpisodes adds episodes the reconciler classified as new. Existing
// rows are left untouched so a replayed insert cannot reset played or
// download state.
func (s *Store) InsertEpisodes(ctx context.Context, episodes []domain.Episode) (int, error) {
	if len(episodes) == 0 {
		return 0, nil
	}
	added := 0
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		added = 0
		for _, ep := range episodes {
			var published interface{}
			if ep.HasPublish {
				published = ep.PublishedAt.UTC().Format(time.RFC3339Nano)
			}
			res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO episodes
(id, podcast_id, title, description, guid, enclosure_url, published_at, duration, download_state)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				ep.ID, ep.PodcastID, ep.Title, ep.Description, ep.GUID,
				ep.EnclosureURL, published, ep.Duration, domain.DownloadStateNone)
			if err != nil {
				return err
			}
			if rows, _ := res.RowsAffected(); rows > 0 {
				added++
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
	return added, err
}

// UpdateEpisodeMeta refreshes feed-sourced metadata without touching played,
// position, or download state.
func (s *Store) UpdateEpisodeMeta(ctx context.Context, episodes []domain.Episode) error {
	if len(episodes) == 0 {
		return nil
	}
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		for _, ep := range episodes {
			var published interface{}
			if ep.HasPublish {
				published = ep.PublishedAt.UTC().Format(time.RFC3339Nano)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE episodes SET
title = ?, description = ?, guid = ?, enclosure_url = ?,
published_at = COALESCE(?, published_at), duration = ?
WHERE id = ?`,
				ep.Title, ep.Description, ep.GUID, ep.EnclosureURL,
				published, ep.Duration, ep.ID); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
}

func (s *Store) GetEpisode(ctx context.Context, episodeID string) (domain.Episode, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+episodeColumns+" FROM episodes e WHERE e.id = ?", episodeID)
	ep, err := scanEpisode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Episode{}, ErrEpisodeNotFound
		}
		return domain.Episode{}, err
	}
	return ep, nil
}

// FindEpisodeByURLs resolves an episode from sync-server identifiers: the
// podcast feed URL plus the episode guid or enclosure URL.
func (s *Store) FindEpisodeByURLs(ctx context.Context, podcastURL, episodeURL string) (domain.Episode, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+episodeColumns+` FROM episodes e
JOIN podcasts p ON p.id = e.podcast_id
WHERE p.feed_url = ? AND (e.guid = ? OR e.enclosure_url = ?)`,
		podcastURL, episodeURL, episodeURL)
	ep, err := scanEpisode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Episode{}, ErrEpisodeNotFound
		}
		return domain.Episode{}, err
	}
	return ep, nil
}

// ListEpisodes returns a podcast's episodes ordered by publish date, newest
// first, episodes without a publish date last.
func (s *Store) ListEpisodes(ctx context.Context, podcastID string) ([]domain.Episode, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+episodeColumns+` FROM episodes e
WHERE e.podcast_id = ?
ORDER BY
    CASE WHEN e.published_at IS NULL OR e.published_at = '' THEN 1 ELSE 0 END,
    e.published_at DESC,
    LOWER(e.title)`, podcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	episodes := make([]domain.Episode, 0, 64)
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return episodes, nil
}

// EnqueueDownload places an episode on the download work queue. Returns
// false without queueing when the episode is already downloading or
// downloaded.
func (s *Store) EnqueueDownload(ctx context.Context, episodeID string) (bool, error) {
	accepted := false
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		accepted = false
		var state string
		if err := tx.QueryRowContext(ctx,
			"SELECT download_state FROM episodes WHERE id = ?", episodeID).Scan(&state); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrEpisodeNotFound
			}
			return err
		}
		if state == domain.DownloadStateDownloading || state == domain.DownloadStateDownloaded {
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE episodes SET retry_count = 0 WHERE id = ?", episodeID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO downloads (episode_id, enqueued_at)
VALUES (?, ?)
ON CONFLICT(episode_id) DO NOTHING`,
			episodeID, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		accepted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return accepted, nil
}

// ClaimNextDownload picks the oldest unclaimed work item and transitions the
// episode to DOWNLOADING in the same transaction. The guarded UPDATE is what
// enforces the one-worker-per-episode invariant.
func (s *Store) ClaimNextDownload(ctx context.Context) (string, error) {
	var episodeID string
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		episodeID = ""
		now := time.Now().UTC().Format(time.RFC3339Nano)
		err = tx.QueryRowContext(ctx,
			"SELECT episode_id FROM downloads WHERE claimed_at IS NULL ORDER BY enqueued_at LIMIT 1").Scan(&episodeID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNoDownloadTask
			}
			return err
		}

		res, err := tx.ExecContext(ctx,
			"UPDATE downloads SET claimed_at = ? WHERE episode_id = ? AND claimed_at IS NULL", now, episodeID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNoDownloadTask
		}

		res, err = tx.ExecContext(ctx,
			"UPDATE episodes SET download_state = ? WHERE id = ? AND download_state != ?",
			domain.DownloadStateDownloading, episodeID, domain.DownloadStateDownloading)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			// Another worker owns the transition; drop the stale work item.
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM downloads WHERE episode_id = ?", episodeID); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			committed = true
			return ErrNoDownloadTask
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil {
		return "", err
	}
	return episodeID, nil
}

// FinishDownload publishes a completed download: final path, DOWNLOADED
// state, work item removed.
func (s *Store) FinishDownload(ctx context.Context, episodeID, finalPath string) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		if _, err := tx.ExecContext(ctx,
			"UPDATE episodes SET download_state = ?, file_path = ?, retry_count = 0 WHERE id = ?",
			domain.DownloadStateDownloaded, finalPath, episodeID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM downloads WHERE episode_id = ?", episodeID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
}

// FailDownload marks a download as failed after retries are exhausted. The
// episode stays visible with a retry affordance; the work item is removed so
// workers do not loop on it.
func (s *Store) FailDownload(ctx context.Context, episodeID string) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		if _, err := tx.ExecContext(ctx,
			"UPDATE episodes SET download_state = ? WHERE id = ?",
			domain.DownloadStateFailed, episodeID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM downloads WHERE episode_id = ?", episodeID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
}

// ResetDownload returns an episode to NOT_DOWNLOADED, clearing the file path
// and any pending work item. Used for cancellation and file deletion.
func (s *Store) ResetDownload(ctx context.Context, episodeID string) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		if _, err := tx.ExecContext(ctx,
			"UPDATE episodes SET download_state = ?, file_path = NULL WHERE id = ?",
			domain.DownloadStateNone, episodeID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM downloads WHERE episode_id = ?", episodeID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
}

// PendingDownloads counts work items still queued or claimed.
func (s *Store) PendingDownloads(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM downloads").Scan(&count)
	return count, err
}

func (s *Store) IncrementRetryCount(ctx context.Context, episodeID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE episodes SET retry_count = retry_count + 1 WHERE id = ?", episodeID)
	return err
}

// ListDownloaded returns episodes holding a published file.
func (s *Store) ListDownloaded(ctx context.Context) ([]domain.Episode, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+episodeColumns+` FROM episodes e
WHERE e.download_state = ?
ORDER BY
    CASE WHEN e.published_at IS NULL OR e.published_at = '' THEN 1 ELSE 0 END,
    e.published_at DESC`, domain.DownloadStateDownloaded)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	episodes := make([]domain.Episode, 0, 32)
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return episodes, nil
}

// CorrectDownloadStates repairs state left behind by a crash: DOWNLOADING
// rows with no owning worker become FAILED, and DOWNLOADED rows whose file
// is gone are reset.
func (s *Store) CorrectDownloadStates(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE episodes SET download_state = ? WHERE download_state = ?",
		domain.DownloadStateFailed, domain.DownloadStateDownloading); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM downloads WHERE claimed_at IS NOT NULL"); err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, COALESCE(file_path, '') FROM episodes WHERE download_state = ?",
		domain.DownloadStateDownloaded)
	if err != nil {
		return err
	}
	defer rows.Close()

	var missing []string
	for rows.Next() {
		var id, filePath string
		if err := rows.Scan(&id, &filePath); err != nil {
			return err
		}
		if filePath == "" {
			missing = append(missing, id)
			continue
		}
		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			missing = append(missing, id)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range missing {
		if err := s.ResetDownload(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEpisode(row rowScanner) (domain.Episode, error) {
	var ep domain.Episode
	var published sql.NullString
	var played int
	if err := row.Scan(&ep.ID, &ep.PodcastID, &ep.Title, &ep.Description, &ep.GUID,
		&ep.EnclosureURL, &published, &ep.Duration, &ep.Position, &ep.Total, &played,
		&ep.PlayStamp, &ep.DownloadState, &ep.FilePath, &ep.RetryCount); err != nil {
		return domain.Episode{}, err
	}
	ep.Played = played != 0
	if published.Valid && published.String != "" {
		if parsed := parseStoredTime(published.String); !parsed.IsZero() {
			ep.PublishedAt = parsed
			ep.HasPublish = true
		}
	}
	return ep, nil
}
