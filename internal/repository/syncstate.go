package repository

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"castsink/internal/domain"
)

const (
	keyPushedSeq    = "pushed_seq"
	keyActionsSince = "actions_since"
	keySubsSince    = "subs_since"
	keyDeviceID     = "device_id"
)

// GetCursor loads the sync cursor. Missing keys read as zero, which is the
// "never synced" cursor.
func (s *Store) GetCursor(ctx context.Context) (domain.SyncCursor, error) {
	var cursor domain.SyncCursor
	var err error
	if cursor.PushedSeq, err = s.getInt(ctx, keyPushedSeq); err != nil {
		return domain.SyncCursor{}, err
	}
	if cursor.ActionsSince, err = s.getInt(ctx, keyActionsSince); err != nil {
		return domain.SyncCursor{}, err
	}
	if cursor.SubsSince, err = s.getInt(ctx, keySubsSince); err != nil {
		return domain.SyncCursor{}, err
	}
	return cursor, nil
}

// SetCursor stores all cursor fields in one transaction, so a crash cannot
// leave the push and pull positions disagreeing.
func (s *Store) SetCursor(ctx context.Context, cursor domain.SyncCursor) error {
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

		pairs := map[string]int64{
			keyPushedSeq:    cursor.PushedSeq,
			keyActionsSince: cursor.ActionsSince,
			keySubsSince:    cursor.SubsSince,
		}
		for key, value := range pairs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO sync_state (key, value)
VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
				key, strconv.FormatInt(value, 10)); err != nil {
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

// DeviceID returns the persisted sync device identifier, or empty when none
// has been generated yet.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM sync_state WHERE key = ?", keyDeviceID).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

func (s *Store) SetDeviceID(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_state (key, value)
VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		keyDeviceID, deviceID)
	return err
}

func (s *Store) getInt(ctx context.Context, key string) (int64, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM sync_state WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseInt(value, 10, 64)
}
