package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/outreach/internal/models"
)

// EnsureUser creates the user row if it does not exist yet.
func (s *Store) EnsureUser(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("ensure user: id is required")
	}
	now := ts(time.Now())
	insert := `INSERT INTO users(user_id, automation_enabled, disabled_reason, daily_limits, created_at, updated_at)
VALUES (?, 1, '', '{}', ?, ?) ON CONFLICT(user_id) DO NOTHING`
	if s.dialect == DialectMySQL {
		insert = `INSERT IGNORE INTO users(user_id, automation_enabled, disabled_reason, daily_limits, created_at, updated_at)
VALUES (?, 1, '', '{}', ?, ?)`
	}
	if _, err := s.db.ExecContext(ctx, insert, id, now, now); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (models.User, error) {
	var (
		u       models.User
		enabled int
		limits  string
		created int64
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT user_id, automation_enabled, disabled_reason, daily_limits, created_at, updated_at
FROM users WHERE user_id = ?`, id).Scan(&u.ID, &enabled, &u.DisabledReason, &limits, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("get user: %w", err)
	}
	u.AutomationEnabled = enabled == 1
	u.CreatedAt = fromTS(created)
	u.UpdatedAt = fromTS(updated)
	if err := decodeJSON(limits, &u.Limits); err != nil {
		return models.User{}, fmt.Errorf("decode daily_limits: %w", err)
	}
	return u, nil
}

// SetAutomation enables or disables a user's automation. Disabling records
// the reason shown to the user.
func (s *Store) SetAutomation(ctx context.Context, id string, enabled bool, reason string) error {
	if err := s.EnsureUser(ctx, id); err != nil {
		return err
	}
	if enabled {
		reason = ""
	}
	_, err := s.db.ExecContext(ctx, `UPDATE users SET automation_enabled = ?, disabled_reason = ?, updated_at = ? WHERE user_id = ?`,
		boolToInt(enabled), reason, ts(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set automation: %w", err)
	}
	return nil
}

// SetLimits stores per-user overrides of the daily caps.
func (s *Store) SetLimits(ctx context.Context, id string, limits models.DailyLimits) error {
	if err := s.EnsureUser(ctx, id); err != nil {
		return err
	}
	encoded, err := encodeJSON(limits)
	if err != nil {
		return fmt.Errorf("encode daily_limits: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE users SET daily_limits = ?, updated_at = ? WHERE user_id = ?`, encoded, ts(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set limits: %w", err)
	}
	return nil
}

// UserLimits returns the stored overrides, or zero limits for unknown users.
func (s *Store) UserLimits(ctx context.Context, id string) (models.DailyLimits, error) {
	u, err := s.GetUser(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return models.DailyLimits{}, nil
	}
	if err != nil {
		return models.DailyLimits{}, err
	}
	return u.Limits, nil
}
