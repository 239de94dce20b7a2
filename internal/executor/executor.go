// Package executor runs one claimed action through session acquisition,
// content, rate limiting, the automation handler and bookkeeping.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/outreach/internal/automation"
	"github.com/example/outreach/internal/fault"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/pacing"
	"github.com/example/outreach/internal/ratelimit"
	"github.com/example/outreach/internal/retry"
	"github.com/example/outreach/internal/session"
	"github.com/example/outreach/internal/store"
)

// Store is the persistence the executor needs.
type Store interface {
	GetProspect(ctx context.Context, id string) (models.Prospect, error)
	GetCampaign(ctx context.Context, id string) (models.Campaign, error)
	ReleaseClaim(ctx context.Context, a models.Action) error
	Defer(ctx context.Context, a models.Action, until time.Time) error
	Finish(ctx context.Context, a models.Action, t store.Transition) error
	Complete(ctx context.Context, a models.Action, o store.Outcome) error
	SetAutomation(ctx context.Context, id string, enabled bool, reason string) error
	GetUser(ctx context.Context, id string) (models.User, error)
}

type Sessions interface {
	Acquire(ctx context.Context, userID string) (*session.Lease, error)
	Invalid(userID string) bool
	Clear(userID string)
}

type Limiter interface {
	CheckAndReserve(ctx context.Context, userID string, t models.ActionType) (*ratelimit.Reservation, error)
	NextWindow(now time.Time) time.Time
}

type Composer interface {
	Compose(ctx context.Context, a models.Action, p models.Prospect, c *models.Campaign) (string, error)
}

// Advancer enqueues a prospect's next campaign step.
type Advancer interface {
	Advance(ctx context.Context, campaignID, prospectID string) (*models.Action, error)
}

type Options struct {
	HandlerTimeout time.Duration
	Pacing         pacing.Policy
}

// Result is the state an action was left in by Execute.
type Result string

const (
	ResultCompleted Result = "completed"
	ResultDeferred  Result = "deferred"
	ResultRetrying  Result = "retrying"
	ResultFailed    Result = "failed"
	ResultReleased  Result = "released"
)

type Executor struct {
	store    Store
	sessions Sessions
	limiter  Limiter
	policy   *retry.Policy
	composer Composer
	planner  Advancer
	opts     Options
	now      func() time.Time
	log      *slog.Logger
}

func New(st Store, sessions Sessions, limiter Limiter, policy *retry.Policy, composer Composer, planner Advancer, opts Options, log *slog.Logger) *Executor {
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 90 * time.Second
	}
	return &Executor{
		store:    st,
		sessions: sessions,
		limiter:  limiter,
		policy:   policy,
		composer: composer,
		planner:  planner,
		opts:     opts,
		now:      time.Now,
		log:      log.With("module", "executor"),
	}
}

// SetClock replaces the executor's time source.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// Execute drives a claimed (executing) action to its next state. Failures of
// the action itself are recorded on the action and are not returned; the
// error is non-nil only when that bookkeeping could not be written.
func (e *Executor) Execute(ctx context.Context, a models.Action) (Result, error) {
	log := e.log.With("action_id", a.ID, "user_id", a.UserID, "action_type", a.Type)
	// Bookkeeping must land even when the loop is shutting down.
	bg := context.WithoutCancel(ctx)

	if !a.Type.Valid() {
		return e.fail(bg, log, a, nil, fault.Newf(fault.InvalidAction, "execute", "unknown action type %q", a.Type))
	}
	prospect, err := e.store.GetProspect(ctx, a.ProspectID)
	if err != nil {
		return e.fail(bg, log, a, nil, loadErr("prospect", a.ProspectID, err))
	}
	var campaign *models.Campaign
	if a.CampaignID != "" {
		c, err := e.store.GetCampaign(ctx, a.CampaignID)
		if err != nil {
			return e.fail(bg, log, a, nil, loadErr("campaign", a.CampaignID, err))
		}
		campaign = &c
	}

	// The store's automation flag is authoritative: a user re-enabled since
	// the session was blocked gets a fresh login. The session manager
	// disables the user before flagging, so an enabled user here means an
	// operator lifted the block.
	if e.sessions.Invalid(a.UserID) {
		if u, err := e.store.GetUser(ctx, a.UserID); err == nil && u.AutomationEnabled {
			log.Info("user re-enabled, clearing blocked session")
			e.sessions.Clear(a.UserID)
		}
	}
	lease, err := e.sessions.Acquire(ctx, a.UserID)
	if err != nil {
		if ctx.Err() != nil {
			return e.release(bg, log, a)
		}
		if errors.Is(err, session.ErrBlocked) {
			// Another action of this user hit the checkpoint first; leave
			// this one for when the user is re-enabled.
			return e.release(bg, log, a)
		}
		return e.fail(bg, log, a, nil, err)
	}
	defer lease.Release()

	text, err := e.composer.Compose(ctx, a, prospect, campaign)
	if err != nil {
		if ctx.Err() != nil {
			return e.release(bg, log, a)
		}
		return e.fail(bg, log, a, nil, err)
	}

	reservation, err := e.limiter.CheckAndReserve(ctx, a.UserID, a.Type)
	if err != nil {
		if fault.Is(err, fault.RateLimited) {
			until := e.limiter.NextWindow(e.now())
			if derr := e.store.Defer(bg, a, until); derr != nil {
				return ResultDeferred, fmt.Errorf("defer action %s: %w", a.ID, derr)
			}
			log.Info("action deferred to next window", "until", until, "reason", err.Error())
			return ResultDeferred, nil
		}
		return e.fail(bg, log, a, nil, err)
	}

	start := e.now()
	res := e.invoke(ctx, lease.Driver(), a, prospect.ProfileURL, text)
	if !res.Success {
		herr := res.Err(string(a.Type))
		if err := reservation.Release(bg); err != nil {
			log.Warn("release reservation failed", "err", err)
		}
		if fault.KindOf(herr).DisablesUser() {
			lease.Invalidate(bg, herr)
		}
		return e.fail(bg, log, a, &start, herr)
	}

	at := e.now().UTC()
	if err := e.store.Complete(bg, a, outcome(a.Type, text, at)); err != nil {
		// The handler already acted, so the reservation stays spent.
		reservation.Commit()
		return ResultCompleted, fmt.Errorf("complete action %s: %w", a.ID, err)
	}
	reservation.Commit()
	log.Info("action completed", "prospect_id", a.ProspectID, "took", at.Sub(start))

	if a.CampaignID != "" && e.planner != nil {
		if _, err := e.planner.Advance(bg, a.CampaignID, a.ProspectID); err != nil {
			log.Warn("advance sequence failed", "campaign_id", a.CampaignID, "err", err)
		}
	}
	return ResultCompleted, nil
}

// invoke calls the handler under the handler timeout. A panic or an expired
// deadline is reported as a transient failure.
func (e *Executor) invoke(ctx context.Context, d automation.Driver, a models.Action, profileURL, text string) (res automation.Result) {
	hctx, cancel := context.WithTimeout(ctx, e.opts.HandlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("handler panicked", "action_id", a.ID, "panic", r)
			res = automation.Failed(fault.TransientUnavailable, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	switch a.Type {
	case models.ActionConnect:
		res = d.Connect(hctx, profileURL, automation.TrimNote(text), e.opts.Pacing)
	case models.ActionMessage:
		res = d.Message(hctx, profileURL, text, e.opts.Pacing)
	case models.ActionVisitProfile:
		res = d.Visit(hctx, profileURL, e.opts.Pacing)
	}
	if !res.Success && errors.Is(hctx.Err(), context.DeadlineExceeded) {
		res = automation.Failed(fault.TransientUnavailable, fmt.Sprintf("handler timed out after %s", e.opts.HandlerTimeout))
	}
	return res
}

func outcome(t models.ActionType, text string, at time.Time) store.Outcome {
	o := store.Outcome{ExecutedAt: at}
	switch t {
	case models.ActionConnect:
		o.Stage = models.StageContacted
		o.Connection = models.ConnectionPending
		o.Stats.Sent = 1
	case models.ActionMessage:
		o.Stage = models.StageMessaged
		o.Turn = &models.Turn{Role: models.RoleOutbound, Text: text, At: at}
	case models.ActionVisitProfile:
		o.Stats.Views = 1
	}
	return o
}

// fail applies the retry policy to a failed attempt. executed_at is only
// recorded when the action ends failed: the handler start if it was reached,
// otherwise now.
func (e *Executor) fail(ctx context.Context, log *slog.Logger, a models.Action, attempted *time.Time, cause error) (Result, error) {
	now := e.now().UTC()
	d := e.policy.Decide(a, cause, now)
	t := store.Transition{
		Status:       d.Status,
		RetryCount:   d.RetryCount,
		ScheduledFor: d.ScheduledFor,
		LastError:    d.LastError,
	}
	if d.Status == models.StatusFailed {
		at := now
		if attempted != nil {
			at = attempted.UTC()
		}
		t.ExecutedAt = &at
	}
	if err := e.store.Finish(ctx, a, t); err != nil {
		return ResultFailed, fmt.Errorf("record failure of %s: %w", a.ID, err)
	}

	result := ResultFailed
	if d.Status == models.StatusPending {
		result = ResultRetrying
		log.Warn("action failed, will retry",
			"kind", fault.KindOf(cause),
			"retry_count", d.RetryCount,
			"scheduled_for", d.ScheduledFor,
			"err", cause)
	} else {
		log.Error("action failed", "kind", fault.KindOf(cause), "retry_count", d.RetryCount, "err", cause)
	}

	if d.DisableUser {
		if err := e.store.SetAutomation(ctx, a.UserID, false, d.LastError); err != nil {
			return result, fmt.Errorf("disable user %s: %w", a.UserID, err)
		}
		log.Error("automation disabled for user", "reason", d.LastError)
	}
	return result, nil
}

// release hands the action back untouched. It is used when the handler was
// never reached: the run was cancelled or the user's session is blocked.
func (e *Executor) release(ctx context.Context, log *slog.Logger, a models.Action) (Result, error) {
	if err := e.store.ReleaseClaim(ctx, a); err != nil {
		return ResultReleased, fmt.Errorf("release action %s: %w", a.ID, err)
	}
	log.Info("action released back to pending")
	return ResultReleased, nil
}

func loadErr(what, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fault.Newf(fault.InvalidAction, "execute", "%s %s not found", what, id)
	}
	return fault.Wrap(fault.TransientUnavailable, "load "+what, err)
}
