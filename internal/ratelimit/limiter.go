// Package ratelimit enforces per-user daily caps on outreach actions.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dario.cat/mergo"

	"github.com/example/outreach/internal/fault"
	"github.com/example/outreach/internal/models"
)

const (
	CategoryConnections = "connections"
	CategoryMessages    = "messages"
	CategoryVisits      = "visits"
)

// Category maps an action type to the counter it consumes.
func Category(t models.ActionType) (string, bool) {
	switch t {
	case models.ActionConnect:
		return CategoryConnections, true
	case models.ActionMessage:
		return CategoryMessages, true
	case models.ActionVisitProfile:
		return CategoryVisits, true
	}
	return "", false
}

// Counter is the atomic per-day counter backing the limiter.
type Counter interface {
	Reserve(ctx context.Context, userID, category, day string, limit int) (bool, error)
	Release(ctx context.Context, userID, category, day string) error
}

// LimitSource returns per-user overrides. Zero fields fall back to defaults;
// models.LimitOff survives the merge and allows nothing.
type LimitSource interface {
	UserLimits(ctx context.Context, userID string) (models.DailyLimits, error)
}

type Limiter struct {
	counter  Counter
	limits   LimitSource
	defaults models.DailyLimits
	loc      *time.Location
	now      func() time.Time
	log      *slog.Logger
}

func New(counter Counter, limits LimitSource, defaults models.DailyLimits, loc *time.Location, log *slog.Logger) *Limiter {
	if loc == nil {
		loc = time.UTC
	}
	return &Limiter{
		counter:  counter,
		limits:   limits,
		defaults: defaults,
		loc:      loc,
		now:      time.Now,
		log:      log.With("module", "ratelimit"),
	}
}

// Reservation is one unit of a user's daily allowance. Release returns it if
// the action did not go through; Commit keeps it. Both are idempotent.
type Reservation struct {
	UserID   string
	Category string
	Day      string

	once    sync.Once
	counter Counter
}

func (r *Reservation) Release(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		err = r.counter.Release(ctx, r.UserID, r.Category, r.Day)
	})
	return err
}

func (r *Reservation) Commit() {
	r.once.Do(func() {})
}

// Limits returns the effective caps for a user: stored overrides merged over
// the configured defaults.
func (l *Limiter) Limits(ctx context.Context, userID string) (models.DailyLimits, error) {
	effective := models.DailyLimits{}
	if l.limits != nil {
		own, err := l.limits.UserLimits(ctx, userID)
		if err != nil {
			return models.DailyLimits{}, fmt.Errorf("load limits for %s: %w", userID, err)
		}
		effective = own
	}
	if err := mergo.Merge(&effective, l.defaults); err != nil {
		return models.DailyLimits{}, fmt.Errorf("merge limits: %w", err)
	}
	return effective, nil
}

// CheckAndReserve takes one unit of the user's allowance for the action type.
// When the cap is reached it returns a fault.RateLimited error and nothing is
// reserved.
func (l *Limiter) CheckAndReserve(ctx context.Context, userID string, t models.ActionType) (*Reservation, error) {
	category, ok := Category(t)
	if !ok {
		return nil, fault.Newf(fault.InvalidAction, "ratelimit", "no limit category for %q", t)
	}
	limits, err := l.Limits(ctx, userID)
	if err != nil {
		return nil, err
	}
	limit := limitFor(limits, category)
	day := l.Day(l.now())
	ok, err = l.counter.Reserve(ctx, userID, category, day, limit)
	if err != nil {
		return nil, fault.Wrap(fault.TransientUnavailable, "ratelimit", err)
	}
	if !ok {
		l.log.Info("daily limit reached", "user_id", userID, "category", category, "limit", limit, "day", day)
		return nil, fault.Newf(fault.RateLimited, "ratelimit", "%s limit %d reached for %s", category, limit, day)
	}
	return &Reservation{UserID: userID, Category: category, Day: day, counter: l.counter}, nil
}

// Day returns the counter key for t in the limiter's timezone.
func (l *Limiter) Day(t time.Time) string {
	return t.In(l.loc).Format("2006-01-02")
}

// NextWindow returns the start of the next daily window after now.
func (l *Limiter) NextWindow(now time.Time) time.Time {
	return NextMidnight(now, l.loc)
}

// NextMidnight returns the first midnight in loc strictly after now.
func NextMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

func limitFor(l models.DailyLimits, category string) int {
	var v int
	switch category {
	case CategoryConnections:
		v = l.Connections
	case CategoryMessages:
		v = l.Messages
	default:
		v = l.Visits
	}
	if v < 0 {
		return 0
	}
	return v
}
