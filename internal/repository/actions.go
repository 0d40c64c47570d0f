package repository

import (
	"context"
	"database/sql"
	"errors"

	"castsink/internal/domain"
)

// AppendAction writes one action log entry and returns its sequence number.
// The log is append-only; entries are never updated or deleted.
func (s *Store) AppendAction(ctx context.Context, a domain.Action) (int64, error) {
	var seq int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `INSERT INTO actions
(episode_id, podcast_url, episode_url, kind, position, total, timestamp, source)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			nullIfEmpty(a.EpisodeID), a.PodcastURL, nullIfEmpty(a.EpisodeURL),
			a.Kind, a.Position, a.Total, a.Timestamp, a.Source)
		if err != nil {
			return err
		}
		seq, err = res.LastInsertId()
		return err
	})
	return seq, err
}

// ActionsSince returns locally recorded actions with a sequence number
// greater than the cursor, in recording order. This is the sync push window.
func (s *Store) ActionsSince(ctx context.Context, seq int64) ([]domain.Action, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
seq, COALESCE(episode_id, ''), podcast_url, COALESCE(episode_url, ''), kind, position, total, timestamp, source
FROM actions WHERE seq > ? AND source = ? ORDER BY seq`, seq, domain.SourceLocal)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActions(rows)
}

// ListActions returns the whole log in recording order, for replay and
// debugging.
func (s *Store) ListActions(ctx context.Context) ([]domain.Action, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
seq, COALESCE(episode_id, ''), podcast_url, COALESCE(episode_url, ''), kind, position, total, timestamp, source
FROM actions ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActions(rows)
}

func collectActions(rows *sql.Rows) ([]domain.Action, error) {
	actions := make([]domain.Action, 0, 16)
	for rows.Next() {
		var a domain.Action
		if err := rows.Scan(&a.Seq, &a.EpisodeID, &a.PodcastURL, &a.EpisodeURL,
			&a.Kind, &a.Position, &a.Total, &a.Timestamp, &a.Source); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return actions, nil
}

// ApplyAction folds an action into the catalog. Only play actions mutate
// episode state; the merge is last-writer-wins on the action timestamp, and
// on a tie the local action wins. When an application marks the episode
// played it is removed from the play queue in the same transaction.
//
// Reapplying an action is a no-op: its timestamp is no longer strictly newer
// than the stored play stamp.
func (s *Store) ApplyAction(ctx context.Context, a domain.Action) (bool, error) {
	if a.Kind != domain.ActionPlay {
		return false, nil
	}
	if a.EpisodeID == "" {
		return false, ErrEpisodeNotFound
	}

	changed := false
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

		changed = false
		var stamp int64
		if err := tx.QueryRowContext(ctx,
			"SELECT play_stamp FROM episodes WHERE id = ?", a.EpisodeID).Scan(&stamp); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrEpisodeNotFound
			}
			return err
		}

		if a.Source == domain.SourceRemote {
			if a.Timestamp <= stamp {
				return tx.Commit()
			}
		} else if a.Timestamp < stamp {
			return tx.Commit()
		}

		played := a.Total > 0 && a.Position >= a.Total
		if _, err := tx.ExecContext(ctx, `UPDATE episodes SET
position = ?, total = CASE WHEN ? > 0 THEN ? ELSE total END, played = ?, play_stamp = ?
WHERE id = ?`,
			a.Position, a.Total, a.Total, boolToInt(played), a.Timestamp, a.EpisodeID); err != nil {
			return err
		}
		if played {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM queue WHERE episode_id = ?", a.EpisodeID); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		changed = true
		return nil
	})
	return changed, err
}

func nullIfEmpty(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
