package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Reserve takes one unit of the (user, category, day) counter if it is below
// limit. The increment is a single conditional UPDATE, so concurrent callers
// can never push the count past limit.
func (s *Store) Reserve(ctx context.Context, userID, category, day string, limit int) (bool, error) {
	seed := `INSERT INTO rate_counters(user_id, category, day, count) VALUES (?, ?, ?, 0)
ON CONFLICT(user_id, category, day) DO NOTHING`
	if s.dialect == DialectMySQL {
		seed = `INSERT IGNORE INTO rate_counters(user_id, category, day, count) VALUES (?, ?, ?, 0)`
	}
	if _, err := s.db.ExecContext(ctx, seed, userID, category, day); err != nil {
		return false, fmt.Errorf("seed rate counter: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE rate_counters SET count = count + 1
WHERE user_id = ? AND category = ? AND day = ? AND count < ?`, userID, category, day, limit)
	if err != nil {
		return false, fmt.Errorf("reserve rate counter: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release gives back one unit taken by Reserve.
func (s *Store) Release(ctx context.Context, userID, category, day string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE rate_counters SET count = count - 1
WHERE user_id = ? AND category = ? AND day = ? AND count > 0`, userID, category, day)
	if err != nil {
		return fmt.Errorf("release rate counter: %w", err)
	}
	return nil
}

// Count returns the current value of a counter.
func (s *Store) Count(ctx context.Context, userID, category, day string) (int, error) {
	var c int
	err := s.db.QueryRowContext(ctx, `SELECT count FROM rate_counters WHERE user_id = ? AND category = ? AND day = ?`,
		userID, category, day).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read rate counter: %w", err)
	}
	return c, nil
}
