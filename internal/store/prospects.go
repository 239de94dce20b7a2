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

const prospectColumns = `prospect_id, user_id, campaign_id, linkedin_url, full_name, headline, title, company, location,
	ai_score, score_reasoning, stage, connection_status, conversation_history, last_interaction_at, created_at, updated_at`

func scanProspect(r rowScanner) (models.Prospect, error) {
	var (
		p           models.Prospect
		campaignID  sql.NullString
		score       sql.NullInt64
		stage       string
		connection  string
		history     string
		lastTouched sql.NullInt64
		created     int64
		updated     int64
	)
	if err := r.Scan(&p.ID, &p.UserID, &campaignID, &p.ProfileURL, &p.FullName, &p.Headline, &p.Title, &p.Company,
		&p.Location, &score, &p.ScoreReasoning, &stage, &connection, &history, &lastTouched, &created, &updated); err != nil {
		return models.Prospect{}, err
	}
	p.CampaignID = campaignID.String
	if score.Valid {
		v := int(score.Int64)
		p.AIScore = &v
	}
	p.Stage = models.Stage(stage)
	p.ConnectionStatus = models.ConnectionStatus(connection)
	p.LastInteractionAt = fromNullTS(lastTouched)
	p.CreatedAt = fromTS(created)
	p.UpdatedAt = fromTS(updated)
	if err := decodeJSON(history, &p.History); err != nil {
		return models.Prospect{}, fmt.Errorf("decode conversation for %s: %w", p.ID, err)
	}
	return p, nil
}

// CreateProspect inserts p, filling ID, stage, connection status and
// timestamps when empty.
func (s *Store) CreateProspect(ctx context.Context, p *models.Prospect) error {
	if p.UserID == "" || p.ProfileURL == "" {
		return errors.New("create prospect: user_id and linkedin_url are required")
	}
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = "prospect_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	if p.Stage == "" {
		p.Stage = models.StageNew
	}
	if p.ConnectionStatus == "" {
		p.ConnectionStatus = models.ConnectionNotSent
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt
	if p.History == nil {
		p.History = []models.Turn{}
	}
	history, err := encodeJSON(p.History)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	var score any
	if p.AIScore != nil {
		score = *p.AIScore
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO prospects(`+prospectColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, nullString(p.CampaignID), p.ProfileURL, p.FullName, p.Headline, p.Title, p.Company, p.Location,
		score, p.ScoreReasoning, string(p.Stage), string(p.ConnectionStatus), history, nullableTS(p.LastInteractionAt),
		ts(p.CreatedAt), ts(p.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert prospect: %w", err)
	}
	return nil
}

func (s *Store) GetProspect(ctx context.Context, id string) (models.Prospect, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+prospectColumns+` FROM prospects WHERE prospect_id = ?`, id)
	p, err := scanProspect(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Prospect{}, ErrNotFound
	}
	if err != nil {
		return models.Prospect{}, fmt.Errorf("get prospect: %w", err)
	}
	return p, nil
}

// ListProspects returns the prospects enrolled in a campaign.
func (s *Store) ListProspects(ctx context.Context, campaignID string) ([]models.Prospect, error) {
	return s.listProspects(ctx, `campaign_id = ?`, campaignID)
}

// ListUserProspects returns every prospect a user owns, enrolled or not.
func (s *Store) ListUserProspects(ctx context.Context, userID string) ([]models.Prospect, error) {
	return s.listProspects(ctx, `user_id = ?`, userID)
}

func (s *Store) listProspects(ctx context.Context, where string, args ...any) ([]models.Prospect, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+prospectColumns+` FROM prospects WHERE `+where+` ORDER BY created_at, prospect_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list prospects: %w", err)
	}
	defer rows.Close()
	var out []models.Prospect
	for rows.Next() {
		p, err := scanProspect(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetScore stores the lead score produced by the content generator.
func (s *Store) SetScore(ctx context.Context, id string, score int, reasoning string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE prospects SET ai_score = ?, score_reasoning = ?, updated_at = ? WHERE prospect_id = ?`,
		score, reasoning, ts(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set score: %w", err)
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

// SetStage moves a prospect to a pipeline stage by hand.
func (s *Store) SetStage(ctx context.Context, id string, stage models.Stage) error {
	if !stage.Valid() {
		return fmt.Errorf("unknown stage %q", stage)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE prospects SET stage = ?, updated_at = ? WHERE prospect_id = ?`,
		string(stage), ts(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set stage: %w", err)
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

// MarkAccepted records that the prospect accepted the connection request.
// The campaign's accepted counter moves only on the first acceptance.
func (s *Store) MarkAccepted(ctx context.Context, id string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var campaignID sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT campaign_id FROM prospects WHERE prospect_id = ?`+s.forUpdate(), id).Scan(&campaignID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read prospect: %w", err)
		}
		res, err := tx.ExecContext(ctx, `UPDATE prospects SET connection_status = 'accepted',
	stage = CASE WHEN stage IN ('new','contacted') THEN 'connected' ELSE stage END,
	last_interaction_at = ?, updated_at = ?
WHERE prospect_id = ? AND connection_status != 'accepted'`, ts(at), ts(at), id)
		if err != nil {
			return fmt.Errorf("mark accepted: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 || !campaignID.Valid {
			return nil
		}
		return incrementStats(ctx, tx, campaignID.String, models.Stats{Accepted: 1}, at)
	})
}

// RecordReply appends an inbound turn. The first reply moves the prospect to
// the replied stage and bumps the campaign's replied counter.
func (s *Store) RecordReply(ctx context.Context, id, text string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			campaignID sql.NullString
			stage      string
		)
		err := tx.QueryRowContext(ctx, `SELECT campaign_id, stage FROM prospects WHERE prospect_id = ?`+s.forUpdate(), id).Scan(&campaignID, &stage)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read prospect: %w", err)
		}
		if err := s.appendTurn(ctx, tx, id, models.Turn{Role: models.RoleInbound, Text: text, At: at}); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE prospects SET stage = 'replied', last_interaction_at = ?, updated_at = ? WHERE prospect_id = ?`,
			ts(at), ts(at), id); err != nil {
			return fmt.Errorf("record reply: %w", err)
		}
		if models.Stage(stage) == models.StageReplied || !campaignID.Valid {
			return nil
		}
		return incrementStats(ctx, tx, campaignID.String, models.Stats{Replied: 1}, at)
	})
}
