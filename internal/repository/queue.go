package repository

import (
	"context"
	"database/sql"
	"errors"

	"castsink/internal/domain"
)

// QueuePush appends an episode to the play queue. Returns false when the
// episode is already queued or already played; re-enqueuing never reorders.
// The played check runs in the same transaction as the insert, so a finished
// episode can never slip in.
func (s *Store) QueuePush(ctx context.Context, episodeID string) (bool, error) {
	pushed := false
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

		pushed = false
		res, err := tx.ExecContext(ctx, `INSERT INTO queue (position, episode_id)
SELECT COALESCE(MAX(position), 0) + 1, ? FROM queue
WHERE NOT EXISTS (SELECT 1 FROM queue WHERE episode_id = ?)
AND EXISTS (SELECT 1 FROM episodes WHERE id = ? AND played = 0)`,
			episodeID, episodeID, episodeID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		pushed = affected > 0
		return nil
	})
	return pushed, err
}

// QueueRemove drops an episode from the queue if present.
func (s *Store) QueueRemove(ctx context.Context, episodeID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM queue WHERE episode_id = ?", episodeID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// QueueEntries returns the queue in play order.
func (s *Store) QueueEntries(ctx context.Context) ([]domain.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT position, episode_id FROM queue ORDER BY position")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.QueueEntry, 0, 16)
	for rows.Next() {
		var entry domain.QueueEntry
		if err := rows.Scan(&entry.Position, &entry.EpisodeID); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// QueueNext peeks the head of the queue without removing it. Returns
// ErrEpisodeNotFound on an empty queue.
func (s *Store) QueueNext(ctx context.Context) (string, error) {
	var episodeID string
	err := s.db.QueryRowContext(ctx,
		"SELECT episode_id FROM queue ORDER BY position LIMIT 1").Scan(&episodeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrEpisodeNotFound
		}
		return "", err
	}
	return episodeID, nil
}

// QueueReorder moves the entry at index from to index to, both zero-based
// positions in play order. Out-of-range indexes are a no-op. The whole order
// is rewritten in one transaction; the persisted order is the sole source of
// truth for what plays next.
func (s *Store) QueueReorder(ctx context.Context, from, to int) error {
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

		rows, err := tx.QueryContext(ctx, "SELECT episode_id FROM queue ORDER BY position")
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if from < 0 || from >= len(ids) || to < 0 || to >= len(ids) || from == to {
			return tx.Commit()
		}

		moved := ids[from]
		ids = append(ids[:from], ids[from+1:]...)
		rest := append([]string{}, ids[to:]...)
		ids = append(append(ids[:to], moved), rest...)

		if _, err := tx.ExecContext(ctx, "DELETE FROM queue"); err != nil {
			return err
		}
		for i, id := range ids {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO queue (position, episode_id) VALUES (?, ?)", i+1, id); err != nil {
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
