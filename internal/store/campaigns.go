package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/outreach/internal/models"
)

const campaignColumns = `campaign_id, user_id, name, status, target_filters, sequence,
	stats_sent, stats_accepted, stats_replied, stats_views, created_at, updated_at`

func scanCampaign(r rowScanner) (models.Campaign, error) {
	var (
		c        models.Campaign
		status   string
		filters  string
		sequence string
		created  int64
		updated  int64
	)
	if err := r.Scan(&c.ID, &c.UserID, &c.Name, &status, &filters, &sequence,
		&c.Stats.Sent, &c.Stats.Accepted, &c.Stats.Replied, &c.Stats.Views, &created, &updated); err != nil {
		return models.Campaign{}, err
	}
	c.Status = models.CampaignStatus(status)
	c.CreatedAt = fromTS(created)
	c.UpdatedAt = fromTS(updated)
	if err := decodeJSON(filters, &c.TargetFilters); err != nil {
		return models.Campaign{}, fmt.Errorf("decode target_filters for %s: %w", c.ID, err)
	}
	if err := decodeJSON(sequence, &c.Sequence); err != nil {
		return models.Campaign{}, fmt.Errorf("decode sequence for %s: %w", c.ID, err)
	}
	return c, nil
}

// ValidateSequence checks day offsets, action types and conditions.
func ValidateSequence(steps []models.Step) error {
	if len(steps) == 0 {
		return errors.New("sequence must have at least one step")
	}
	for i, st := range steps {
		if st.Day < 0 {
			return fmt.Errorf("step %d: day must be >= 0", i)
		}
		if !st.Action.Valid() {
			return fmt.Errorf("step %d: unknown action %q", i, st.Action)
		}
		switch st.Condition {
		case models.ConditionNone, models.ConditionIfAccepted, models.ConditionIfNoReply:
		default:
			return fmt.Errorf("step %d: unknown condition %q", i, st.Condition)
		}
	}
	return nil
}

// CreateCampaign inserts c as active with zeroed stats.
func (s *Store) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	if c.UserID == "" || c.Name == "" {
		return errors.New("create campaign: user_id and name are required")
	}
	if err := ValidateSequence(c.Sequence); err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = "campaign_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	if c.Status == "" {
		c.Status = models.CampaignActive
	}
	if c.TargetFilters == nil {
		c.TargetFilters = map[string]string{}
	}
	c.Stats = models.Stats{}
	c.CreatedAt, c.UpdatedAt = now, now
	filters, err := encodeJSON(c.TargetFilters)
	if err != nil {
		return fmt.Errorf("encode target_filters: %w", err)
	}
	sequence, err := encodeJSON(c.Sequence)
	if err != nil {
		return fmt.Errorf("encode sequence: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO campaigns(`+campaignColumns+`)
VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, 0, ?, ?)`,
		c.ID, c.UserID, c.Name, string(c.Status), filters, sequence, ts(now), ts(now))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (models.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE campaign_id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Campaign{}, ErrNotFound
	}
	if err != nil {
		return models.Campaign{}, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (s *Store) listCampaigns(ctx context.Context, where string, args ...any) ([]models.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE `+where+` ORDER BY created_at, campaign_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()
	var out []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListCampaigns(ctx context.Context, userID string) ([]models.Campaign, error) {
	return s.listCampaigns(ctx, `user_id = ?`, userID)
}

func (s *Store) ListActiveCampaigns(ctx context.Context) ([]models.Campaign, error) {
	return s.listCampaigns(ctx, `status = 'active'`)
}

func (s *Store) SetCampaignStatus(ctx context.Context, id string, status models.CampaignStatus) error {
	switch status {
	case models.CampaignActive, models.CampaignPaused, models.CampaignCompleted:
	default:
		return fmt.Errorf("unknown campaign status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE campaigns SET status = ?, updated_at = ? WHERE campaign_id = ?`,
		string(status), ts(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set campaign status: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
