package session_test

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
	"github.com/example/outreach/internal/pacing"
	"github.com/example/outreach/internal/session"
	"github.com/example/outreach/internal/testutil"
)

func newManager(t *testing.T, ttl time.Duration) (*session.Manager, *testutil.FakeAutomation, *testutil.StaticCredentials) {
	t.Helper()
	auto := testutil.NewFakeAutomation()
	creds := &testutil.StaticCredentials{}
	m := session.New(auto, creds, nil, ttl, logging.Discard())
	t.Cleanup(m.Close)
	return m, auto, creds
}

func TestAcquireLogsInOnceAndReusesDriver(t *testing.T) {
	m, auto, creds := newManager(t, time.Hour)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, l.Driver())
	l.Release()
	l.Release()

	l, err = m.Acquire(ctx, "u1")
	require.NoError(t, err)
	l.Release()

	assert.Equal(t, 1, auto.Logins("u1"))
	assert.NotEmpty(t, creds.Session("u1"))
}

func TestSameUserIsSerialized(t *testing.T) {
	m, auto, _ := newManager(t, time.Hour)
	auto.Delay = 5 * time.Millisecond
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := m.Acquire(ctx, "u1")
			if !assert.NoError(t, err) {
				return
			}
			defer l.Release()
			l.Driver().Visit(ctx, "https://www.linkedin.com/in/x", pacing.Policy{})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, auto.MaxActive("u1"))
	assert.Len(t, auto.Calls(), 8)
}

func TestDifferentUsersRunInParallel(t *testing.T) {
	m, _, _ := newManager(t, time.Hour)
	ctx := context.Background()

	a, err := m.Acquire(ctx, "u1")
	require.NoError(t, err)
	defer a.Release()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b, err := m.Acquire(ctx, "u2")
		if assert.NoError(t, err) {
			b.Release()
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second user blocked by first user's lease")
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	m, _, _ := newManager(t, time.Hour)
	held, err := m.Acquire(context.Background(), "u1")
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, "u1")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.TransientUnavailable))
}

func TestChallengeInvalidatesUntilCleared(t *testing.T) {
	m, auto, _ := newManager(t, time.Hour)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "u1")
	require.NoError(t, err)
	l.Invalidate(ctx, fault.New(fault.ChallengeRequired, "connect"))
	l.Release()

	assert.True(t, m.Invalid("u1"))
	_, err = m.Acquire(ctx, "u1")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ChallengeRequired))
	assert.ErrorIs(t, err, session.ErrBlocked)
	assert.Equal(t, 1, auto.Closed())

	m.Clear("u1")
	l, err = m.Acquire(ctx, "u1")
	require.NoError(t, err)
	l.Release()
	assert.Equal(t, 2, auto.Logins("u1"))
}

func TestTransientInvalidateOnlyDropsDriver(t *testing.T) {
	m, auto, _ := newManager(t, time.Hour)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "u1")
	require.NoError(t, err)
	l.Invalidate(ctx, fault.New(fault.TransientUnavailable, "visit_profile"))
	l.Release()
	assert.False(t, m.Invalid("u1"))

	l, err = m.Acquire(ctx, "u1")
	require.NoError(t, err)
	l.Release()
	assert.Equal(t, 2, auto.Logins("u1"))
}

func TestLoginChallengeBlocksSession(t *testing.T) {
	m, auto, _ := newManager(t, time.Hour)
	auto.LoginErr = fault.New(fault.ChallengeRequired, "login")

	_, err := m.Acquire(context.Background(), "u1")
	assert.True(t, fault.Is(err, fault.ChallengeRequired))
	_, err = m.Acquire(context.Background(), "u1")
	assert.True(t, fault.Is(err, fault.ChallengeRequired))
	assert.Equal(t, 1, auto.Logins("u1"))
}

func TestCredentialErrorsPropagate(t *testing.T) {
	auto := testutil.NewFakeAutomation()
	creds := &testutil.StaticCredentials{Err: fault.New(fault.CredentialUnavailable, "credentials")}
	m := session.New(auto, creds, nil, time.Hour, logging.Discard())
	defer m.Close()

	_, err := m.Acquire(context.Background(), "u1")
	assert.True(t, fault.Is(err, fault.CredentialUnavailable))
	assert.False(t, m.Invalid("u1"))
	assert.Zero(t, auto.Logins("u1"))
}

func TestEvictIdleClosesUnusedDrivers(t *testing.T) {
	m, auto, _ := newManager(t, time.Millisecond)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "u1")
	require.NoError(t, err)
	l.Release()
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 1, m.EvictIdle())
	assert.Equal(t, 1, auto.Closed())

	l, err = m.Acquire(ctx, "u1")
	require.NoError(t, err)
	l.Release()
	assert.Equal(t, 2, auto.Logins("u1"))
}

func TestAcquireAfterCloseFails(t *testing.T) {
	auto := testutil.NewFakeAutomation()
	m := session.New(auto, &testutil.StaticCredentials{}, nil, time.Hour, logging.Discard())
	var acquired atomic.Bool
	l, err := m.Acquire(context.Background(), "u1")
	require.NoError(t, err)
	go func() {
		time.Sleep(10 * time.Millisecond)
		acquired.Store(true)
		l.Release()
	}()
	m.Close()
	assert.True(t, acquired.Load())
	assert.Equal(t, 1, auto.Closed())

	_, err = m.Acquire(context.Background(), "u1")
	assert.ErrorIs(t, err, session.ErrClosed)
}

// recordingBlocker notes whether the session was already flagged when the
// disable was persisted.
type recordingBlocker struct {
	m *session.Manager

	mu           sync.Mutex
	disabled     []string
	flaggedFirst bool
}

func (b *recordingBlocker) SetAutomation(_ context.Context, userID string, enabled bool, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !enabled {
		b.disabled = append(b.disabled, userID)
		if b.m.Invalid(userID) {
			b.flaggedFirst = true
		}
	}
	return nil
}

func TestBlockIsPersistedBeforeSessionIsFlagged(t *testing.T) {
	auto := testutil.NewFakeAutomation()
	blocker := &recordingBlocker{}
	m := session.New(auto, &testutil.StaticCredentials{}, blocker, time.Hour, logging.Discard())
	blocker.m = m
	defer m.Close()
	ctx := context.Background()

	l, err := m.Acquire(ctx, "u1")
	require.NoError(t, err)
	l.Invalidate(ctx, fault.New(fault.ChallengeRequired, "connect"))
	l.Release()

	auto.LoginErr = fault.New(fault.AuthenticationFailure, "login")
	_, err = m.Acquire(ctx, "u2")
	require.Error(t, err)

	blocker.mu.Lock()
	defer blocker.mu.Unlock()
	assert.Equal(t, []string{"u1", "u2"}, blocker.disabled)
	assert.False(t, blocker.flaggedFirst, "session flagged before the user was disabled")
	assert.True(t, m.Invalid("u1"))
	assert.True(t, m.Invalid("u2"))
}
