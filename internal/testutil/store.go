package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/store"
)

func NewStore(t *testing.T) (*store.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "outreach-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st, ctx
}

func SeedProspect(t *testing.T, st *store.Store, ctx context.Context, userID, campaignID string) models.Prospect {
	t.Helper()
	if err := st.EnsureUser(ctx, userID); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	p := models.Prospect{
		UserID:     userID,
		CampaignID: campaignID,
		ProfileURL: "https://www.linkedin.com/in/ada-lovelace",
		FullName:   "Ada Lovelace",
		Headline:   "Engineer at Analytical Engines",
		Title:      "Engineer",
		Company:    "Analytical Engines",
	}
	if err := st.CreateProspect(ctx, &p); err != nil {
		t.Fatalf("seed prospect: %v", err)
	}
	return p
}

func SeedCampaign(t *testing.T, st *store.Store, ctx context.Context, userID string, steps ...models.Step) models.Campaign {
	t.Helper()
	if len(steps) == 0 {
		steps = []models.Step{{Day: 0, Action: models.ActionConnect, Template: "Hi {{Name}}"}}
	}
	c := models.Campaign{
		UserID:        userID,
		Name:          "engineers",
		TargetFilters: map[string]string{"title": "Engineer"},
		Sequence:      steps,
	}
	if err := st.CreateCampaign(ctx, &c); err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	return c
}

func SeedAction(t *testing.T, st *store.Store, ctx context.Context, p models.Prospect, typ models.ActionType, due time.Time) models.Action {
	t.Helper()
	a := models.Action{
		UserID:       p.UserID,
		ProspectID:   p.ID,
		CampaignID:   p.CampaignID,
		Type:         typ,
		ScheduledFor: due,
	}
	if err := st.CreateAction(ctx, &a); err != nil {
		t.Fatalf("seed action: %v", err)
	}
	return a
}
