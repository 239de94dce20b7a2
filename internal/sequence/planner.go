// Package sequence turns campaign step lists into pending actions.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/pacing"
	"github.com/example/outreach/internal/store"
)

const day = 24 * time.Hour

// Store is the subset of the action store the planner reads and writes.
type Store interface {
	GetProspect(ctx context.Context, id string) (models.Prospect, error)
	GetCampaign(ctx context.Context, id string) (models.Campaign, error)
	ListProspects(ctx context.Context, campaignID string) ([]models.Prospect, error)
	ListActiveCampaigns(ctx context.Context) ([]models.Campaign, error)
	ListForProspect(ctx context.Context, prospectID, campaignID string) ([]models.Action, error)
	CreateAction(ctx context.Context, a *models.Action) error
}

type Planner struct {
	store    Store
	delayMin time.Duration
	delayMax time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// New returns a planner that schedules each new step a random safety delay in
// [delayMin, delayMax] after it becomes due.
func New(st Store, delayMin, delayMax time.Duration, log *slog.Logger) *Planner {
	return &Planner{
		store:    st,
		delayMin: delayMin,
		delayMax: delayMax,
		now:      time.Now,
		log:      log.With("module", "sequence"),
	}
}

// SetClock replaces the planner's time source.
func (p *Planner) SetClock(now func() time.Time) { p.now = now }

// Plan returns the index of the next step to enqueue for the prospect, given
// every action the prospect already has in the campaign. It reports false
// when nothing is due: the campaign is not active, an action is still in
// flight, or no remaining step is eligible yet.
func Plan(c models.Campaign, p models.Prospect, actions []models.Action, now time.Time) (int, bool) {
	if c.Status != models.CampaignActive {
		return 0, false
	}
	start := p.CreatedAt
	produced := make(map[int]models.Action, len(actions))
	for i, a := range actions {
		if a.Status == models.StatusPending || a.Status == models.StatusExecuting {
			return 0, false
		}
		if i == 0 || a.CreatedAt.Before(start) {
			start = a.CreatedAt
		}
		if a.Step != nil {
			produced[*a.Step] = a
		}
	}

	for i, step := range c.Sequence {
		if _, done := produced[i]; done {
			continue
		}
		if now.Before(start.Add(time.Duration(step.Day) * day)) {
			continue
		}
		if !conditionHolds(step.Condition, p, since(produced, i, start)) {
			continue
		}
		return i, true
	}
	return 0, false
}

// since is the reference time for if_no_reply: when the latest produced step
// before i happened, or start when none did.
func since(produced map[int]models.Action, i int, start time.Time) time.Time {
	for j := i - 1; j >= 0; j-- {
		a, ok := produced[j]
		if !ok {
			continue
		}
		if a.ExecutedAt != nil {
			return *a.ExecutedAt
		}
		return a.CreatedAt
	}
	return start
}

func conditionHolds(cond models.Condition, p models.Prospect, since time.Time) bool {
	switch cond {
	case models.ConditionNone:
		return true
	case models.ConditionIfAccepted:
		return p.ConnectionStatus == models.ConnectionAccepted
	case models.ConditionIfNoReply:
		last, ok := p.LastInbound()
		return !ok || !last.After(since)
	}
	return false
}

// Advance enqueues the next due step for a prospect in a campaign. It returns
// the created action, or nil when nothing was due or the step already exists.
func (p *Planner) Advance(ctx context.Context, campaignID, prospectID string) (*models.Action, error) {
	c, err := p.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("advance: %w", err)
	}
	prospect, err := p.store.GetProspect(ctx, prospectID)
	if err != nil {
		return nil, fmt.Errorf("advance: %w", err)
	}
	return p.advance(ctx, c, prospect)
}

func (p *Planner) advance(ctx context.Context, c models.Campaign, prospect models.Prospect) (*models.Action, error) {
	actions, err := p.store.ListForProspect(ctx, prospect.ID, c.ID)
	if err != nil {
		return nil, fmt.Errorf("advance: %w", err)
	}
	now := p.now().UTC()
	idx, ok := Plan(c, prospect, actions, now)
	if !ok {
		return nil, nil
	}
	step := c.Sequence[idx]
	a := models.Action{
		UserID:       prospect.UserID,
		ProspectID:   prospect.ID,
		CampaignID:   c.ID,
		Type:         step.Action,
		Payload:      models.Payload{},
		Step:         &idx,
		ScheduledFor: now.Add(pacing.Between(p.delayMin, p.delayMax)),
		CreatedAt:    now,
	}
	if step.Template != "" {
		a.Payload["template"] = step.Template
	}
	if err := p.store.CreateAction(ctx, &a); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			p.log.Debug("step already enqueued", "campaign_id", c.ID, "prospect_id", prospect.ID, "step", idx)
			return nil, nil
		}
		return nil, fmt.Errorf("enqueue step %d: %w", idx, err)
	}
	p.log.Info("step enqueued",
		"campaign_id", c.ID,
		"prospect_id", prospect.ID,
		"step", idx,
		"action_type", a.Type,
		"scheduled_for", a.ScheduledFor)
	return &a, nil
}

// Sweep advances every prospect of every active campaign and returns how many
// actions it enqueued. A failing prospect is logged and skipped.
func (p *Planner) Sweep(ctx context.Context) (int, error) {
	campaigns, err := p.store.ListActiveCampaigns(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	created := 0
	for _, c := range campaigns {
		prospects, err := p.store.ListProspects(ctx, c.ID)
		if err != nil {
			p.log.Error("list prospects failed", "campaign_id", c.ID, "err", err)
			continue
		}
		for _, prospect := range prospects {
			if err := ctx.Err(); err != nil {
				return created, err
			}
			a, err := p.advance(ctx, c, prospect)
			if err != nil {
				p.log.Error("advance failed", "campaign_id", c.ID, "prospect_id", prospect.ID, "err", err)
				continue
			}
			if a != nil {
				created++
			}
		}
	}
	if created > 0 {
		p.log.Info("sweep finished", "campaigns", len(campaigns), "enqueued", created)
	}
	return created, nil
}
