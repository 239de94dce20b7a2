package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/outreach/internal/fault"
	"github.com/example/outreach/internal/models"
)

func TestTransientFailureIsRescheduledWithBackoff(t *testing.T) {
	p := New(3, 5*time.Minute, 6*time.Hour, time.Minute)
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	d := p.Decide(models.Action{RetryCount: 0}, fault.New(fault.TransientUnavailable, "connect"), now)
	assert.Equal(t, models.StatusPending, d.Status)
	assert.Equal(t, 1, d.RetryCount)
	assert.False(t, d.DisableUser)
	assert.False(t, d.ScheduledFor.Before(now.Add(5*time.Minute)))
	assert.False(t, d.ScheduledFor.After(now.Add(6*time.Minute)))

	d = p.Decide(models.Action{RetryCount: 1}, errors.New("socket closed"), now)
	assert.Equal(t, models.StatusPending, d.Status)
	assert.Equal(t, 2, d.RetryCount)
	assert.False(t, d.ScheduledFor.Before(now.Add(10*time.Minute)))
	assert.Contains(t, d.LastError, "socket closed")
}

func TestFailsOnceRetriesAreExhausted(t *testing.T) {
	p := New(3, 5*time.Minute, 6*time.Hour, time.Minute)
	now := time.Now()
	scheduled := now.Add(-time.Minute)

	d := p.Decide(models.Action{RetryCount: 2, ScheduledFor: scheduled}, fault.New(fault.TransientUnavailable, "message"), now)
	assert.Equal(t, models.StatusFailed, d.Status)
	assert.Equal(t, 3, d.RetryCount)
	assert.Equal(t, scheduled, d.ScheduledFor)
}

func TestNonRetryableKindsFailImmediately(t *testing.T) {
	p := New(3, time.Minute, time.Hour, 0)
	now := time.Now()
	cases := []struct {
		kind    fault.Kind
		disable bool
	}{
		{fault.ChallengeRequired, true},
		{fault.AuthenticationFailure, true},
		{fault.CredentialUnavailable, false},
		{fault.InvalidAction, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			d := p.Decide(models.Action{RetryCount: 0}, fault.New(tc.kind, "connect"), now)
			assert.Equal(t, models.StatusFailed, d.Status)
			assert.Equal(t, 0, d.RetryCount)
			assert.Equal(t, tc.disable, d.DisableUser)
		})
	}
}

func TestBackoffIsCapped(t *testing.T) {
	p := New(100, 5*time.Minute, 6*time.Hour, 0)
	assert.Equal(t, 5*time.Minute, p.Backoff(0))
	assert.Equal(t, 40*time.Minute, p.Backoff(3))
	assert.Equal(t, 6*time.Hour, p.Backoff(10))
	assert.Equal(t, 6*time.Hour, p.Backoff(80))
}

func TestJitterStaysInRange(t *testing.T) {
	p := New(3, time.Second, time.Minute, 500*time.Millisecond)
	for i := 0; i < 200; i++ {
		d := p.Backoff(0)
		require.GreaterOrEqual(t, d, time.Second)
		require.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}
