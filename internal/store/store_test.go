package store_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/store"
	"github.com/example/outreach/internal/testutil"
)

func TestClaimTransitionsDueActionsOnly(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	p := testutil.SeedProspect(t, st, ctx, "u1", "")
	now := time.Now().UTC()

	due := testutil.SeedAction(t, st, ctx, p, models.ActionVisitProfile, now.Add(-time.Minute))
	testutil.SeedAction(t, st, ctx, p, models.ActionVisitProfile, now.Add(time.Hour))

	claimed, err := st.Claim(ctx, now, 50)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	assert.Equal(t, models.StatusExecuting, claimed[0].Status)
	require.NotNil(t, claimed[0].ClaimedAt)

	again, err := st.Claim(ctx, now, 50)
	require.NoError(t, err)
	assert.Empty(t, again)

	stored, err := st.GetAction(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuting, stored.Status)
}

func TestClaimHonorsLimitAndOrder(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	p := testutil.SeedProspect(t, st, ctx, "u1", "")
	now := time.Now().UTC()
	var ids []string
	for i := 5; i > 0; i-- {
		a := testutil.SeedAction(t, st, ctx, p, models.ActionVisitProfile, now.Add(-time.Duration(i)*time.Minute))
		ids = append(ids, a.ID)
	}
	claimed, err := st.Claim(ctx, now, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, ids[0], claimed[0].ID)
	assert.Equal(t, ids[1], claimed[1].ID)
}

func TestClaimSkipsDisabledUsers(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	p := testutil.SeedProspect(t, st, ctx, "u1", "")
	testutil.SeedAction(t, st, ctx, p, models.ActionConnect, time.Now().Add(-time.Minute))
	require.NoError(t, st.SetAutomation(ctx, "u1", false, "challenge"))

	claimed, err := st.Claim(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	require.NoError(t, st.SetAutomation(ctx, "u1", true, ""))
	claimed, err = st.Claim(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

func TestConcurrentClaimersNeverShareARow(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	path := filepath.Join(dir, "shared.db")

	first, err := store.OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer first.Close() //nolint:errcheck
	require.NoError(t, first.Migrate(ctx))
	second, err := store.OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer second.Close() //nolint:errcheck

	p := testutil.SeedProspect(t, first, ctx, "u1", "")
	const rows = 40
	now := time.Now().UTC()
	for i := 0; i < rows; i++ {
		testutil.SeedAction(t, first, ctx, p, models.ActionVisitProfile, now.Add(-time.Minute))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	claimers := []*store.Store{first, second, first, second}
	for _, st := range claimers {
		wg.Add(1)
		go func(st *store.Store) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				got, err := st.Claim(ctx, now, 5)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				mu.Lock()
				for _, a := range got {
					seen[a.ID]++
				}
				mu.Unlock()
			}
		}(st)
	}
	wg.Wait()

	assert.Len(t, seen, rows)
	for id, n := range seen {
		assert.Equal(t, 1, n, "action %s claimed %d times", id, n)
	}
}

func TestCancelOnlyWhilePending(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	p := testutil.SeedProspect(t, st, ctx, "u1", "")
	a := testutil.SeedAction(t, st, ctx, p, models.ActionMessage, time.Now().Add(-time.Minute))
	b := testutil.SeedAction(t, st, ctx, p, models.ActionMessage, time.Now().Add(time.Hour))

	_, err := st.Claim(ctx, time.Now(), 1)
	require.NoError(t, err)

	err = st.Cancel(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrNotPending)

	require.NoError(t, st.Cancel(ctx, b.ID))
	got, err := st.GetAction(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	assert.ErrorIs(t, st.Cancel(ctx, "action_missing"), store.ErrNotFound)
}

func TestCompleteIncrementsStatsWithoutLostUpdates(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	c := testutil.SeedCampaign(t, st, ctx, "u1")
	const n = 25
	var actions []models.Action
	for i := 0; i < n; i++ {
		p := testutil.SeedProspect(t, st, ctx, "u1", c.ID)
		actions = append(actions, testutil.SeedAction(t, st, ctx, p, models.ActionConnect, time.Now().Add(-time.Minute)))
	}
	claimed, err := st.Claim(ctx, time.Now(), n)
	require.NoError(t, err)
	require.Len(t, claimed, n)

	var wg sync.WaitGroup
	for _, a := range claimed {
		wg.Add(1)
		go func(a models.Action) {
			defer wg.Done()
			err := st.Complete(ctx, a, store.Outcome{
				ExecutedAt: time.Now(),
				Stage:      models.StageContacted,
				Connection: models.ConnectionPending,
				Stats:      models.Stats{Sent: 1},
			})
			assert.NoError(t, err)
		}(a)
	}
	wg.Wait()

	got, err := st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(n), got.Stats.Sent)

	p, err := st.GetProspect(ctx, actions[0].ProspectID)
	require.NoError(t, err)
	assert.Equal(t, models.StageContacted, p.Stage)
	assert.Equal(t, models.ConnectionPending, p.ConnectionStatus)
	assert.NotNil(t, p.LastInteractionAt)
}

func TestCompleteAppendsConversationTurn(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	p := testutil.SeedProspect(t, st, ctx, "u1", "")
	testutil.SeedAction(t, st, ctx, p, models.ActionMessage, time.Now().Add(-time.Minute))
	claimed, err := st.Claim(ctx, time.Now(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	at := time.Now().UTC()
	require.NoError(t, st.Complete(ctx, claimed[0], store.Outcome{
		ExecutedAt: at,
		Stage:      models.StageMessaged,
		Turn:       &models.Turn{Role: models.RoleOutbound, Text: "hello", At: at},
	}))

	got, err := st.GetProspect(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 1)
	assert.Equal(t, "hello", got.History[0].Text)
	assert.Equal(t, models.StageMessaged, got.Stage)

	action, err := st.GetAction(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, action.Status)
	require.NotNil(t, action.ExecutedAt)

	err = st.Complete(ctx, claimed[0], store.Outcome{ExecutedAt: at})
	assert.ErrorIs(t, err, store.ErrNotClaimed)
}

func TestFinishDeferAndRecover(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	p := testutil.SeedProspect(t, st, ctx, "u1", "")
	a := testutil.SeedAction(t, st, ctx, p, models.ActionConnect, time.Now().Add(-3*time.Hour))

	claimed, err := st.Claim(ctx, time.Now().Add(-time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := st.RecoverStale(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	again, err := st.Claim(ctx, time.Now(), 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	later := time.Now().Add(24 * time.Hour)
	require.NoError(t, st.Defer(ctx, again[0], later))
	got, err := st.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.WithinDuration(t, later, got.ScheduledFor, time.Millisecond)

	assert.ErrorIs(t, st.Finish(ctx, again[0], store.Transition{Status: models.StatusFailed}), store.ErrNotClaimed)
}

func TestRecoveredClaimCannotBeCompletedByOldHolder(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	p := testutil.SeedProspect(t, st, ctx, "u1", "")
	testutil.SeedAction(t, st, ctx, p, models.ActionMessage, time.Now().Add(-3*time.Hour))

	first, err := st.Claim(ctx, time.Now().Add(-time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	_, err = st.RecoverStale(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	second, err := st.Claim(ctx, time.Now(), 1)
	require.NoError(t, err)
	require.Len(t, second, 1)

	at := time.Now()
	assert.ErrorIs(t, st.Complete(ctx, first[0], store.Outcome{ExecutedAt: at}), store.ErrNotClaimed)
	assert.ErrorIs(t, st.Finish(ctx, first[0], store.Transition{Status: models.StatusPending}), store.ErrNotClaimed)
	assert.ErrorIs(t, st.ReleaseClaim(ctx, first[0]), store.ErrNotClaimed)
	require.NoError(t, st.Complete(ctx, second[0], store.Outcome{ExecutedAt: at}))
}

func TestHeartbeatKeepsClaimFromRecovery(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	p := testutil.SeedProspect(t, st, ctx, "u1", "")
	testutil.SeedAction(t, st, ctx, p, models.ActionVisitProfile, time.Now().Add(-3*time.Hour))
	testutil.SeedAction(t, st, ctx, p, models.ActionVisitProfile, time.Now().Add(-3*time.Hour))

	claimed, err := st.Claim(ctx, time.Now().Add(-time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.NoError(t, st.Heartbeat(ctx, []string{claimed[0].ID}, time.Now()))

	n, err := st.RecoverStale(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	live, err := st.GetAction(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExecuting, live.Status)
	dead, err := st.GetAction(ctx, claimed[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, dead.Status)

	require.NoError(t, st.Complete(ctx, claimed[0], store.Outcome{ExecutedAt: time.Now()}))
}

func TestFinishSetsExecutedAtOnlyWhenFailed(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	p := testutil.SeedProspect(t, st, ctx, "u1", "")
	retry := testutil.SeedAction(t, st, ctx, p, models.ActionVisitProfile, time.Now().Add(-2*time.Minute))
	failed := testutil.SeedAction(t, st, ctx, p, models.ActionVisitProfile, time.Now().Add(-time.Minute))
	claimed, err := st.Claim(ctx, time.Now(), 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	attempted := time.Now().Add(-time.Second)
	require.NoError(t, st.Finish(ctx, claimed[0], store.Transition{
		Status: models.StatusPending, RetryCount: 1, ScheduledFor: time.Now().Add(time.Minute), ExecutedAt: &attempted,
	}))
	require.NoError(t, st.Finish(ctx, claimed[1], store.Transition{
		Status: models.StatusFailed, ScheduledFor: claimed[1].ScheduledFor, LastError: "prospect gone",
	}))

	got, err := st.GetAction(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.ExecutedAt)

	got, err = st.GetAction(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ExecutedAt)
	assert.WithinDuration(t, time.Now(), *got.ExecutedAt, 5*time.Second)
}

func TestSequenceStepUniqueness(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	c := testutil.SeedCampaign(t, st, ctx, "u1")
	p := testutil.SeedProspect(t, st, ctx, "u1", c.ID)
	step := 0
	first := models.Action{UserID: "u1", ProspectID: p.ID, CampaignID: c.ID, Type: models.ActionConnect, Step: &step}
	require.NoError(t, st.CreateAction(ctx, &first))
	dup := models.Action{UserID: "u1", ProspectID: p.ID, CampaignID: c.ID, Type: models.ActionConnect, Step: &step}
	assert.ErrorIs(t, st.CreateAction(ctx, &dup), store.ErrDuplicate)

	free := models.Action{UserID: "u1", ProspectID: p.ID, CampaignID: c.ID, Type: models.ActionVisitProfile}
	require.NoError(t, st.CreateAction(ctx, &free))
	again := models.Action{UserID: "u1", ProspectID: p.ID, CampaignID: c.ID, Type: models.ActionVisitProfile}
	require.NoError(t, st.CreateAction(ctx, &again))
}

func TestRateCounterReserveRelease(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	for i := 0; i < 2; i++ {
		ok, err := st.Reserve(ctx, "u1", "connections", "2026-10-15", 2)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := st.Reserve(ctx, "u1", "connections", "2026-10-15", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.Release(ctx, "u1", "connections", "2026-10-15"))
	c, err := st.Count(ctx, "u1", "connections", "2026-10-15")
	require.NoError(t, err)
	assert.Equal(t, 1, c)

	ok, err = st.Reserve(ctx, "u1", "connections", "2026-10-16", 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarkAcceptedAndRecordReplyCountOnce(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	c := testutil.SeedCampaign(t, st, ctx, "u1")
	p := testutil.SeedProspect(t, st, ctx, "u1", c.ID)
	now := time.Now()

	require.NoError(t, st.MarkAccepted(ctx, p.ID, now))
	require.NoError(t, st.MarkAccepted(ctx, p.ID, now))
	require.NoError(t, st.RecordReply(ctx, p.ID, "thanks!", now))
	require.NoError(t, st.RecordReply(ctx, p.ID, "one more", now))

	got, err := st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Stats.Accepted)
	assert.Equal(t, int64(1), got.Stats.Replied)

	pr, err := st.GetProspect(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionAccepted, pr.ConnectionStatus)
	assert.Equal(t, models.StageReplied, pr.Stage)
	require.Len(t, pr.History, 2)
	assert.Equal(t, models.RoleInbound, pr.History[0].Role)

	assert.ErrorIs(t, st.MarkAccepted(ctx, "prospect_missing", now), store.ErrNotFound)
}

func TestCampaignValidationAndStatus(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	bad := models.Campaign{UserID: "u1", Name: "x", Sequence: []models.Step{{Day: -1, Action: models.ActionConnect}}}
	assert.Error(t, st.CreateCampaign(ctx, &bad))

	c := testutil.SeedCampaign(t, st, ctx, "u1",
		models.Step{Day: 0, Action: models.ActionConnect},
		models.Step{Day: 3, Action: models.ActionMessage, Condition: models.ConditionIfAccepted})
	require.NoError(t, st.SetCampaignStatus(ctx, c.ID, models.CampaignPaused))

	active, err := st.ListActiveCampaigns(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	got, err := st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignPaused, got.Status)
	require.Len(t, got.Sequence, 2)
	assert.Equal(t, models.ConditionIfAccepted, got.Sequence[1].Condition)
	assert.Equal(t, "Engineer", got.TargetFilters["title"])
}

func TestUserLimitsRoundTrip(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	limits, err := st.UserLimits(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, models.DailyLimits{}, limits)

	require.NoError(t, st.SetLimits(ctx, "u1", models.DailyLimits{Connections: 7}))
	limits, err = st.UserLimits(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 7, limits.Connections)

	u, err := st.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.AutomationEnabled)
}

func TestSetStageAndListUserProspects(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	c := testutil.SeedCampaign(t, st, ctx, "u1")
	enrolled := testutil.SeedProspect(t, st, ctx, "u1", c.ID)
	testutil.SeedProspect(t, st, ctx, "u2", "")

	mine, err := st.ListUserProspects(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, enrolled.ID, mine[0].ID)

	require.NoError(t, st.SetStage(ctx, enrolled.ID, models.StageCold))
	got, err := st.GetProspect(ctx, enrolled.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCold, got.Stage)

	assert.Error(t, st.SetStage(ctx, enrolled.ID, models.Stage("lost")))
	assert.ErrorIs(t, st.SetStage(ctx, "prospect_missing", models.StageNew), store.ErrNotFound)
}
