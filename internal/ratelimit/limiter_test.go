package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/outreach/internal/fault"
	"github.com/example/outreach/internal/logging"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/ratelimit"
	"github.com/example/outreach/internal/testutil"
)

var defaults = models.DailyLimits{Connections: 2, Messages: 5, Visits: 10}

func TestReserveUntilCapThenRateLimited(t *testing.T) {
	ctx := context.Background()
	l := ratelimit.New(ratelimit.NewMemoryCounter(), nil, defaults, time.UTC, logging.Discard())

	for i := 0; i < 2; i++ {
		r, err := l.CheckAndReserve(ctx, "u1", models.ActionConnect)
		require.NoError(t, err)
		r.Commit()
	}
	_, err := l.CheckAndReserve(ctx, "u1", models.ActionConnect)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.RateLimited))

	_, err = l.CheckAndReserve(ctx, "u1", models.ActionMessage)
	assert.NoError(t, err)
	_, err = l.CheckAndReserve(ctx, "u2", models.ActionConnect)
	assert.NoError(t, err)
}

func TestReleaseGivesTheUnitBackOnce(t *testing.T) {
	ctx := context.Background()
	counter := ratelimit.NewMemoryCounter()
	l := ratelimit.New(counter, nil, defaults, time.UTC, logging.Discard())

	r, err := l.CheckAndReserve(ctx, "u1", models.ActionVisitProfile)
	require.NoError(t, err)
	other, err := l.CheckAndReserve(ctx, "u1", models.ActionVisitProfile)
	require.NoError(t, err)
	other.Commit()

	require.NoError(t, r.Release(ctx))
	require.NoError(t, r.Release(ctx))
	assert.Equal(t, 1, counter.Count("u1", ratelimit.CategoryVisits, r.Day))

	other.Commit()
	require.NoError(t, other.Release(ctx))
	assert.Equal(t, 1, counter.Count("u1", ratelimit.CategoryVisits, r.Day))
}

func TestConcurrentReservationsNeverExceedCap(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	l := ratelimit.New(st, st, defaults, time.UTC, logging.Discard())

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.CheckAndReserve(ctx, "u1", models.ActionConnect); err == nil {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(defaults.Connections), granted.Load())
}

func TestUserOverridesMergeOverDefaults(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	require.NoError(t, st.SetLimits(ctx, "u1", models.DailyLimits{Connections: 1}))
	l := ratelimit.New(st, st, defaults, time.UTC, logging.Discard())

	got, err := l.Limits(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.DailyLimits{Connections: 1, Messages: 5, Visits: 10}, got)

	_, err = l.CheckAndReserve(ctx, "u1", models.ActionConnect)
	require.NoError(t, err)
	_, err = l.CheckAndReserve(ctx, "u1", models.ActionConnect)
	assert.True(t, fault.Is(err, fault.RateLimited))
}

func TestUserCanSwitchCategoryOff(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	require.NoError(t, st.SetLimits(ctx, "u1", models.DailyLimits{Messages: models.LimitOff}))
	l := ratelimit.New(st, st, defaults, time.UTC, logging.Discard())

	_, err := l.CheckAndReserve(ctx, "u1", models.ActionMessage)
	assert.True(t, fault.Is(err, fault.RateLimited))
	n, err := st.Count(ctx, "u1", ratelimit.CategoryMessages, l.Day(time.Now()))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = l.CheckAndReserve(ctx, "u1", models.ActionConnect)
	assert.NoError(t, err, "other categories keep the defaults")
}

func TestNextWindowIsNextLocalMidnight(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	l := ratelimit.New(ratelimit.NewMemoryCounter(), nil, defaults, loc, logging.Discard())

	now := time.Date(2026, 10, 15, 23, 30, 0, 0, loc)
	next := l.NextWindow(now)
	assert.Equal(t, time.Date(2026, 10, 16, 0, 0, 0, 0, loc), next)
	assert.True(t, next.After(now))
	assert.NotEqual(t, l.Day(now), l.Day(next))

	midnight := time.Date(2026, 10, 16, 0, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 10, 17, 0, 0, 0, 0, loc), l.NextWindow(midnight))
}

func TestUnknownActionTypeIsInvalid(t *testing.T) {
	l := ratelimit.New(ratelimit.NewMemoryCounter(), nil, defaults, time.UTC, logging.Discard())
	_, err := l.CheckAndReserve(context.Background(), "u1", models.ActionType("endorse"))
	assert.True(t, fault.Is(err, fault.InvalidAction))
}
