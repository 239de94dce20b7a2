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

const actionColumns = `action_id, user_id, prospect_id, campaign_id, action_type, action_data, sequence_step,
	scheduled_for, executed_at, claimed_at, status, retry_count, error_message, created_at`

// NewActionID returns an identifier in the "action_<hex>" form.
func NewActionID() string {
	return "action_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(r rowScanner) (models.Action, error) {
	var (
		a          models.Action
		campaignID sql.NullString
		payload    string
		step       sql.NullInt64
		scheduled  int64
		executed   sql.NullInt64
		claimed    sql.NullInt64
		actionType string
		status     string
		lastErr    sql.NullString
		created    int64
	)
	if err := r.Scan(&a.ID, &a.UserID, &a.ProspectID, &campaignID, &actionType, &payload, &step,
		&scheduled, &executed, &claimed, &status, &a.RetryCount, &lastErr, &created); err != nil {
		return models.Action{}, err
	}
	a.CampaignID = campaignID.String
	a.Type = models.ActionType(actionType)
	a.Status = models.ActionStatus(status)
	a.ScheduledFor = fromTS(scheduled)
	a.ExecutedAt = fromNullTS(executed)
	a.ClaimedAt = fromNullTS(claimed)
	a.LastError = lastErr.String
	a.CreatedAt = fromTS(created)
	if step.Valid {
		v := int(step.Int64)
		a.Step = &v
	}
	a.Payload = models.Payload{}
	if err := decodeJSON(payload, &a.Payload); err != nil {
		return models.Action{}, fmt.Errorf("decode action_data for %s: %w", a.ID, err)
	}
	return a, nil
}

func (s *Store) queryActions(ctx context.Context, query string, args ...any) ([]models.Action, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateAction inserts a in pending status. Empty ID, CreatedAt and Status are
// filled in. A second action for the same (prospect, campaign, step) returns
// ErrDuplicate.
func (s *Store) CreateAction(ctx context.Context, a *models.Action) error {
	if !a.Type.Valid() {
		return fmt.Errorf("create action: unknown type %q", a.Type)
	}
	if a.UserID == "" || a.ProspectID == "" {
		return errors.New("create action: user_id and prospect_id are required")
	}
	if a.ID == "" {
		a.ID = NewActionID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.ScheduledFor.IsZero() {
		a.ScheduledFor = a.CreatedAt
	}
	if a.Status == "" {
		a.Status = models.StatusPending
	}
	if a.Payload == nil {
		a.Payload = models.Payload{}
	}
	payload, err := encodeJSON(a.Payload)
	if err != nil {
		return fmt.Errorf("encode action_data: %w", err)
	}
	var step any
	if a.Step != nil {
		step = *a.Step
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO actions(`+actionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.ProspectID, nullString(a.CampaignID), string(a.Type), payload, step,
		ts(a.ScheduledFor), nullableTS(a.ExecutedAt), nullableTS(a.ClaimedAt), string(a.Status),
		a.RetryCount, nullString(a.LastError), ts(a.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

func (s *Store) GetAction(ctx context.Context, id string) (models.Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE action_id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Action{}, ErrNotFound
	}
	if err != nil {
		return models.Action{}, fmt.Errorf("get action: %w", err)
	}
	return a, nil
}

// Claim selects up to limit due pending actions and moves each to executing
// with a per-row compare-and-swap on status. Rows another claimer won are
// skipped. Actions of users whose automation is disabled stay pending.
func (s *Store) Claim(ctx context.Context, now time.Time, limit int) ([]models.Action, error) {
	candidates, err := s.queryActions(ctx, `SELECT `+actionColumns+` FROM actions
WHERE status = 'pending' AND scheduled_for <= ?
	AND user_id NOT IN (SELECT user_id FROM users WHERE automation_enabled = 0)
ORDER BY scheduled_for, created_at
LIMIT ?`, ts(now), limit)
	if err != nil {
		return nil, fmt.Errorf("select due actions: %w", err)
	}
	claimed := make([]models.Action, 0, len(candidates))
	for _, a := range candidates {
		res, err := s.db.ExecContext(ctx, `UPDATE actions SET status = 'executing', claimed_at = ?, heartbeat_at = ?
WHERE action_id = ? AND status = 'pending'`, ts(now), ts(now), a.ID)
		if err != nil {
			return claimed, fmt.Errorf("claim action %s: %w", a.ID, err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return claimed, err
		}
		if n != 1 {
			continue
		}
		at := now.UTC().Truncate(time.Millisecond)
		a.Status = models.StatusExecuting
		a.ClaimedAt = &at
		claimed = append(claimed, a)
	}
	return claimed, nil
}

// ReleaseClaim returns an executing action to pending without touching its
// schedule or retry count.
func (s *Store) ReleaseClaim(ctx context.Context, a models.Action) error {
	return s.expectClaim(ctx, a, `UPDATE actions SET status = 'pending', claimed_at = NULL, heartbeat_at = NULL`)
}

// Heartbeat marks claims as still held by a live worker so RecoverStale
// leaves them alone.
func (s *Store) Heartbeat(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, ts(now))
	for _, id := range ids {
		args = append(args, id)
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	if _, err := s.db.ExecContext(ctx, `UPDATE actions SET heartbeat_at = ?
WHERE status = 'executing' AND action_id IN (`+marks+`)`, args...); err != nil {
		return fmt.Errorf("heartbeat claims: %w", err)
	}
	return nil
}

// RecoverStale returns actions whose claim has had no heartbeat since
// cutoff to pending, e.g. after a crashed worker.
func (s *Store) RecoverStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE actions SET status = 'pending', claimed_at = NULL, heartbeat_at = NULL
WHERE status = 'executing' AND COALESCE(heartbeat_at, claimed_at) < ?`, ts(cutoff))
	if err != nil {
		return 0, fmt.Errorf("recover stale claims: %w", err)
	}
	return rowsAffected(res)
}

// Defer reschedules an executing action without counting an attempt.
func (s *Store) Defer(ctx context.Context, a models.Action, until time.Time) error {
	return s.expectClaim(ctx, a, `UPDATE actions SET status = 'pending', claimed_at = NULL, heartbeat_at = NULL, scheduled_for = ?`, ts(until))
}

// Transition is the result of a failed attempt decided by the retry policy.
type Transition struct {
	Status       models.ActionStatus
	RetryCount   int
	ScheduledFor time.Time
	LastError    string
	// ExecutedAt is only stored for a terminal failure; it defaults to now.
	ExecutedAt *time.Time
}

// Finish records a failed attempt on an executing action. A retry goes back
// to pending with no executed_at.
func (s *Store) Finish(ctx context.Context, a models.Action, t Transition) error {
	var executed any
	switch t.Status {
	case models.StatusPending:
	case models.StatusFailed:
		at := time.Now()
		if t.ExecutedAt != nil {
			at = *t.ExecutedAt
		}
		executed = ts(at)
	default:
		return fmt.Errorf("finish action %s: unexpected status %q", a.ID, t.Status)
	}
	return s.expectClaim(ctx, a, `UPDATE actions SET status = ?, retry_count = ?, scheduled_for = ?,
	error_message = ?, executed_at = ?, claimed_at = NULL, heartbeat_at = NULL`,
		string(t.Status), t.RetryCount, ts(t.ScheduledFor), nullString(t.LastError), executed)
}

// expectClaim runs set against a only while it is still executing under the
// claim the caller holds. A claim that was recovered and taken by another
// worker yields ErrNotClaimed.
func (s *Store) expectClaim(ctx context.Context, a models.Action, set string, args ...any) error {
	if a.ClaimedAt == nil {
		return fmt.Errorf("update action %s: %w", a.ID, ErrNotClaimed)
	}
	args = append(args, a.ID, ts(*a.ClaimedAt))
	res, err := s.db.ExecContext(ctx, set+`
WHERE action_id = ? AND status = 'executing' AND claimed_at = ?`, args...)
	if err != nil {
		return fmt.Errorf("update action %s: %w", a.ID, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update action %s: %w", a.ID, ErrNotClaimed)
	}
	return nil
}

// Cancel moves a pending action to cancelled. Any other status yields
// ErrNotPending.
func (s *Store) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE actions SET status = 'cancelled' WHERE action_id = ? AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("cancel action: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	a, err := s.GetAction(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("cancel action %s with status %s: %w", id, a.Status, ErrNotPending)
}

// ListPending returns a user's pending actions in schedule order.
func (s *Store) ListPending(ctx context.Context, userID string) ([]models.Action, error) {
	out, err := s.queryActions(ctx, `SELECT `+actionColumns+` FROM actions
WHERE user_id = ? AND status = 'pending' ORDER BY scheduled_for, created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	return out, nil
}

// History returns a user's most recent actions, newest first.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]models.Action, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := s.queryActions(ctx, `SELECT `+actionColumns+` FROM actions
WHERE user_id = ? ORDER BY created_at DESC, action_id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("action history: %w", err)
	}
	return out, nil
}

// ListForProspect returns every action of a prospect within a campaign,
// oldest first.
func (s *Store) ListForProspect(ctx context.Context, prospectID, campaignID string) ([]models.Action, error) {
	out, err := s.queryActions(ctx, `SELECT `+actionColumns+` FROM actions
WHERE prospect_id = ? AND campaign_id = ? ORDER BY created_at, action_id`, prospectID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list prospect actions: %w", err)
	}
	return out, nil
}

// Outcome describes the aggregate changes of a successful action.
type Outcome struct {
	ExecutedAt time.Time
	Stage      models.Stage
	Connection models.ConnectionStatus
	Turn       *models.Turn
	Stats      models.Stats
}

// Complete marks an action still held under a's claim completed and applies
// o to its prospect and campaign in one transaction. Campaign counters are
// incremented in SQL so concurrent completions never lose updates.
func (s *Store) Complete(ctx context.Context, a models.Action, o Outcome) error {
	if a.ClaimedAt == nil {
		return fmt.Errorf("complete action %s: %w", a.ID, ErrNotClaimed)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE actions SET status = 'completed', executed_at = ?, error_message = NULL,
	claimed_at = NULL, heartbeat_at = NULL
WHERE action_id = ? AND status = 'executing' AND claimed_at = ?`, ts(o.ExecutedAt), a.ID, ts(*a.ClaimedAt))
		if err != nil {
			return fmt.Errorf("complete action: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("complete action %s: %w", a.ID, ErrNotClaimed)
		}

		if o.Turn != nil {
			if err := s.appendTurn(ctx, tx, a.ProspectID, *o.Turn); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE prospects SET
	stage = COALESCE(NULLIF(?, ''), stage),
	connection_status = COALESCE(NULLIF(?, ''), connection_status),
	last_interaction_at = ?,
	updated_at = ?
WHERE prospect_id = ?`, string(o.Stage), string(o.Connection), ts(o.ExecutedAt), ts(o.ExecutedAt), a.ProspectID); err != nil {
			return fmt.Errorf("update prospect: %w", err)
		}

		if a.CampaignID != "" {
			if err := incrementStats(ctx, tx, a.CampaignID, o.Stats, o.ExecutedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) appendTurn(ctx context.Context, tx *sql.Tx, prospectID string, turn models.Turn) error {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT conversation_history FROM prospects WHERE prospect_id = ?`+s.forUpdate(), prospectID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("append turn to %s: %w", prospectID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read conversation: %w", err)
	}
	var history []models.Turn
	if err := decodeJSON(raw, &history); err != nil {
		return fmt.Errorf("decode conversation: %w", err)
	}
	turn.At = turn.At.UTC()
	history = append(history, turn)
	encoded, err := encodeJSON(history)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE prospects SET conversation_history = ? WHERE prospect_id = ?`, encoded, prospectID); err != nil {
		return fmt.Errorf("write conversation: %w", err)
	}
	return nil
}

func incrementStats(ctx context.Context, tx *sql.Tx, campaignID string, d models.Stats, at time.Time) error {
	if d == (models.Stats{}) {
		return nil
	}
	if d.Sent < 0 || d.Accepted < 0 || d.Replied < 0 || d.Views < 0 {
		return errors.New("campaign stats only increase")
	}
	_, err := tx.ExecContext(ctx, `UPDATE campaigns SET
	stats_sent = stats_sent + ?,
	stats_accepted = stats_accepted + ?,
	stats_replied = stats_replied + ?,
	stats_views = stats_views + ?,
	updated_at = ?
WHERE campaign_id = ?`, d.Sent, d.Accepted, d.Replied, d.Views, ts(at), campaignID)
	if err != nil {
		return fmt.Errorf("increment campaign stats: %w", err)
	}
	return nil
}
