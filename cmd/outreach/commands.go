package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/example/outreach/internal/credentials"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/pacing"
	"github.com/example/outreach/internal/store"
)

// filterFlag collects repeated --filter key=value pairs.
type filterFlag map[string]string

func (f filterFlag) String() string { return fmt.Sprint(map[string]string(f)) }

func (f filterFlag) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(k) == "" {
		return fmt.Errorf("filter %q must be key=value", v)
	}
	f[strings.TrimSpace(k)] = strings.TrimSpace(val)
	return nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func required(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("--%s is required", name)
	}
	return nil
}

// queueDelay is how long a queued action waits before it is due. A negative
// request picks a random delay in [lo, hi].
func queueDelay(in, lo, hi time.Duration) time.Duration {
	if in >= 0 {
		return in
	}
	return pacing.Between(lo, hi)
}

func runQueue(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("queue", flag.ContinueOnError)
	var userID, prospectID, campaignID, typ, text, tmpl string
	var in time.Duration
	fs.StringVar(&userID, "user", "", "Owning user")
	fs.StringVar(&prospectID, "prospect", "", "Target prospect")
	fs.StringVar(&campaignID, "campaign", "", "Campaign the action belongs to (optional)")
	fs.StringVar(&typ, "type", "", "connect, message or visit_profile")
	fs.StringVar(&text, "text", "", "Send this text verbatim instead of generating one")
	fs.StringVar(&tmpl, "template", "", "Fallback template when generation fails")
	fs.DurationVar(&in, "in", -1, "Delay before the action is due (default: random safety delay, 0 for now)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	for name, v := range map[string]string{"user": userID, "prospect": prospectID, "type": typ} {
		if err := required(name, v); err != nil {
			return err
		}
	}
	if _, err := a.st.GetProspect(ctx, prospectID); err != nil {
		return fmt.Errorf("prospect %s: %w", prospectID, err)
	}
	if err := a.st.EnsureUser(ctx, userID); err != nil {
		return err
	}

	action := models.Action{
		UserID:       userID,
		ProspectID:   prospectID,
		CampaignID:   campaignID,
		Type:         models.ActionType(typ),
		Payload:      models.Payload{},
		ScheduledFor: time.Now().Add(queueDelay(in, a.cfg.Engine.SafetyDelayMin, a.cfg.Engine.SafetyDelayMax)),
	}
	if text != "" {
		action.Payload["text"] = text
	}
	if tmpl != "" {
		action.Payload["template"] = tmpl
	}
	if err := a.st.CreateAction(ctx, &action); err != nil {
		return err
	}
	fmt.Printf("✅ queued %s %s for %s\n", action.Type, action.ID, action.ScheduledFor.Local().Format(time.RFC3339))
	return nil
}

func runCancel(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	var id string
	fs.StringVar(&id, "id", "", "Action to cancel")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("id", id); err != nil {
		return err
	}
	if err := a.st.Cancel(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotPending) {
			return fmt.Errorf("only pending actions can be cancelled: %w", err)
		}
		return err
	}
	fmt.Printf("✅ cancelled %s\n", id)
	return nil
}

type actionView struct {
	ID           string            `json:"action_id"`
	Type         string            `json:"action_type"`
	ProspectID   string            `json:"prospect_id"`
	CampaignID   string            `json:"campaign_id,omitempty"`
	Step         *int              `json:"sequence_step,omitempty"`
	Status       string            `json:"status"`
	ScheduledFor time.Time         `json:"scheduled_for"`
	ExecutedAt   *time.Time        `json:"executed_at,omitempty"`
	RetryCount   int               `json:"retry_count"`
	LastError    string            `json:"error_message,omitempty"`
	Payload      map[string]string `json:"action_data,omitempty"`
}

func viewActions(actions []models.Action) []actionView {
	out := make([]actionView, 0, len(actions))
	for _, a := range actions {
		out = append(out, actionView{
			ID:           a.ID,
			Type:         string(a.Type),
			ProspectID:   a.ProspectID,
			CampaignID:   a.CampaignID,
			Step:         a.Step,
			Status:       string(a.Status),
			ScheduledFor: a.ScheduledFor,
			ExecutedAt:   a.ExecutedAt,
			RetryCount:   a.RetryCount,
			LastError:    a.LastError,
			Payload:      a.Payload,
		})
	}
	return out
}

func runAction(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("action", flag.ContinueOnError)
	var id string
	fs.StringVar(&id, "id", "", "Action to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("id", id); err != nil {
		return err
	}
	action, err := a.st.GetAction(ctx, id)
	if err != nil {
		return fmt.Errorf("action %s: %w", id, err)
	}
	return printJSON(viewActions([]models.Action{action})[0])
}

type campaignView struct {
	ID            string            `json:"campaign_id"`
	UserID        string            `json:"user_id"`
	Name          string            `json:"name"`
	Status        string            `json:"status"`
	TargetFilters map[string]string `json:"target_filters,omitempty"`
	Sequence      []models.Step     `json:"sequence"`
	Stats         map[string]int64  `json:"stats"`
	CreatedAt     time.Time         `json:"created_at"`
}

func viewCampaign(c models.Campaign) campaignView {
	return campaignView{
		ID:            c.ID,
		UserID:        c.UserID,
		Name:          c.Name,
		Status:        string(c.Status),
		TargetFilters: c.TargetFilters,
		Sequence:      c.Sequence,
		Stats: map[string]int64{
			"sent":     c.Stats.Sent,
			"accepted": c.Stats.Accepted,
			"replied":  c.Stats.Replied,
			"views":    c.Stats.Views,
		},
		CreatedAt: c.CreatedAt,
	}
}

type prospectView struct {
	ID                string        `json:"prospect_id"`
	UserID            string        `json:"user_id"`
	CampaignID        string        `json:"campaign_id,omitempty"`
	ProfileURL        string        `json:"linkedin_url"`
	FullName          string        `json:"full_name,omitempty"`
	Headline          string        `json:"headline,omitempty"`
	Title             string        `json:"title,omitempty"`
	Company           string        `json:"company,omitempty"`
	Location          string        `json:"location,omitempty"`
	AIScore           *int          `json:"ai_score,omitempty"`
	ScoreReasoning    string        `json:"score_reasoning,omitempty"`
	Stage             string        `json:"stage"`
	ConnectionStatus  string        `json:"connection_status"`
	History           []models.Turn `json:"conversation_history,omitempty"`
	LastInteractionAt *time.Time    `json:"last_interaction_at,omitempty"`
}

func viewProspect(p models.Prospect) prospectView {
	return prospectView{
		ID:                p.ID,
		UserID:            p.UserID,
		CampaignID:        p.CampaignID,
		ProfileURL:        p.ProfileURL,
		FullName:          p.FullName,
		Headline:          p.Headline,
		Title:             p.Title,
		Company:           p.Company,
		Location:          p.Location,
		AIScore:           p.AIScore,
		ScoreReasoning:    p.ScoreReasoning,
		Stage:             string(p.Stage),
		ConnectionStatus:  string(p.ConnectionStatus),
		History:           p.History,
		LastInteractionAt: p.LastInteractionAt,
	}
}

func runPending(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	var userID string
	fs.StringVar(&userID, "user", "", "User whose queue to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("user", userID); err != nil {
		return err
	}
	actions, err := a.st.ListPending(ctx, userID)
	if err != nil {
		return err
	}
	return printJSON(viewActions(actions))
}

func runHistory(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	var userID string
	var limit int
	fs.StringVar(&userID, "user", "", "User whose actions to list")
	fs.IntVar(&limit, "limit", 50, "Max actions to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("user", userID); err != nil {
		return err
	}
	actions, err := a.st.History(ctx, userID, limit)
	if err != nil {
		return err
	}
	return printJSON(viewActions(actions))
}

func runCampaignCreate(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("campaign-create", flag.ContinueOnError)
	var userID, name, seqPath string
	filters := filterFlag{}
	fs.StringVar(&userID, "user", "", "Owning user")
	fs.StringVar(&name, "name", "", "Campaign name")
	fs.StringVar(&seqPath, "sequence", "", "YAML file with the list of steps")
	fs.Var(filters, "filter", "Target filter key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	for flagName, v := range map[string]string{"user": userID, "name": name, "sequence": seqPath} {
		if err := required(flagName, v); err != nil {
			return err
		}
	}
	raw, err := os.ReadFile(seqPath)
	if err != nil {
		return fmt.Errorf("read sequence: %w", err)
	}
	var steps []models.Step
	if err := yaml.Unmarshal(raw, &steps); err != nil {
		return fmt.Errorf("parse sequence: %w", err)
	}
	if err := a.st.EnsureUser(ctx, userID); err != nil {
		return err
	}
	c := models.Campaign{UserID: userID, Name: name, TargetFilters: filters, Sequence: steps}
	if err := a.st.CreateCampaign(ctx, &c); err != nil {
		return err
	}
	fmt.Printf("✅ campaign %s created with %d steps\n", c.ID, len(c.Sequence))
	return nil
}

func runCampaignGet(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("campaign-get", flag.ContinueOnError)
	var id string
	fs.StringVar(&id, "id", "", "Campaign")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("id", id); err != nil {
		return err
	}
	c, err := a.st.GetCampaign(ctx, id)
	if err != nil {
		return fmt.Errorf("campaign %s: %w", id, err)
	}
	return printJSON(viewCampaign(c))
}

func runCampaigns(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("campaigns", flag.ContinueOnError)
	var userID string
	fs.StringVar(&userID, "user", "", "User whose campaigns to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("user", userID); err != nil {
		return err
	}
	campaigns, err := a.st.ListCampaigns(ctx, userID)
	if err != nil {
		return err
	}
	out := make([]campaignView, 0, len(campaigns))
	for _, c := range campaigns {
		out = append(out, viewCampaign(c))
	}
	return printJSON(out)
}

func runCampaignStatus(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet(a.cmd, flag.ContinueOnError)
	var id string
	fs.StringVar(&id, "id", "", "Campaign")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("id", id); err != nil {
		return err
	}
	status := models.CampaignActive
	if a.cmd == "campaign-pause" {
		status = models.CampaignPaused
	}
	if err := a.st.SetCampaignStatus(ctx, id, status); err != nil {
		return err
	}
	fmt.Printf("✅ campaign %s is %s\n", id, status)
	return nil
}

func runCampaignStats(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("campaign-stats", flag.ContinueOnError)
	var id string
	fs.StringVar(&id, "id", "", "Campaign")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("id", id); err != nil {
		return err
	}
	c, err := a.st.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	prospects, err := a.st.ListProspects(ctx, id)
	if err != nil {
		return err
	}
	stages := map[models.Stage]int{}
	for _, p := range prospects {
		stages[p.Stage]++
	}
	return printJSON(map[string]any{
		"campaign_id": c.ID,
		"name":        c.Name,
		"status":      c.Status,
		"prospects":   len(prospects),
		"stages":      stages,
		"stats": map[string]int64{
			"sent":     c.Stats.Sent,
			"accepted": c.Stats.Accepted,
			"replied":  c.Stats.Replied,
			"views":    c.Stats.Views,
		},
	})
}

func runProspectAdd(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("prospect-add", flag.ContinueOnError)
	var p models.Prospect
	fs.StringVar(&p.UserID, "user", "", "Owning user")
	fs.StringVar(&p.CampaignID, "campaign", "", "Campaign to enroll the prospect in")
	fs.StringVar(&p.ProfileURL, "url", "", "LinkedIn profile URL")
	fs.StringVar(&p.FullName, "name", "", "Full name")
	fs.StringVar(&p.Headline, "headline", "", "Headline")
	fs.StringVar(&p.Title, "title", "", "Job title")
	fs.StringVar(&p.Company, "company", "", "Company")
	fs.StringVar(&p.Location, "location", "", "Location")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("user", p.UserID); err != nil {
		return err
	}
	if err := required("url", p.ProfileURL); err != nil {
		return err
	}
	if err := a.st.EnsureUser(ctx, p.UserID); err != nil {
		return err
	}
	if err := a.st.CreateProspect(ctx, &p); err != nil {
		return err
	}
	fmt.Printf("✅ prospect %s added\n", p.ID)
	if err := scoreProspect(ctx, a, p); err != nil {
		a.log.Warn("prospect scoring failed", "prospect_id", p.ID, "err", err)
		fmt.Printf("⚠️  scoring failed, prospect kept unscored: %v\n", err)
	}
	if p.CampaignID == "" {
		return nil
	}
	queued, err := newPlanner(a).Advance(ctx, p.CampaignID, p.ID)
	if err != nil {
		return err
	}
	if queued != nil {
		fmt.Printf("   first step queued as %s (%s)\n", queued.ID, queued.Type)
	}
	return nil
}

func runScore(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("score", flag.ContinueOnError)
	var prospectID string
	fs.StringVar(&prospectID, "prospect", "", "Prospect to score")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("prospect", prospectID); err != nil {
		return err
	}
	p, err := a.st.GetProspect(ctx, prospectID)
	if err != nil {
		return err
	}
	if err := scoreProspect(ctx, a, p); err != nil {
		return err
	}
	p, err = a.st.GetProspect(ctx, prospectID)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"prospect_id": p.ID, "ai_score": p.AIScore, "score_reasoning": p.ScoreReasoning})
}

// scoreProspect scores p against its campaign's target filters and stores
// the result.
func scoreProspect(ctx context.Context, a *app, p models.Prospect) error {
	criteria := map[string]string{}
	if p.CampaignID != "" {
		if c, err := a.st.GetCampaign(ctx, p.CampaignID); err == nil {
			criteria = c.TargetFilters
		}
	}
	gen, err := newGenerator(a, credentials.NewProvider(a.cfg.Users, nil, a.log))
	if err != nil {
		return err
	}
	s, err := gen.Score(ctx, p, criteria)
	if err != nil {
		return err
	}
	return a.st.SetScore(ctx, p.ID, s.Score, s.Reasoning)
}

func runProspectGet(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("prospect-get", flag.ContinueOnError)
	var id string
	fs.StringVar(&id, "id", "", "Prospect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("id", id); err != nil {
		return err
	}
	p, err := a.st.GetProspect(ctx, id)
	if err != nil {
		return fmt.Errorf("prospect %s: %w", id, err)
	}
	return printJSON(viewProspect(p))
}

func runProspects(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("prospects", flag.ContinueOnError)
	var userID, campaignID string
	fs.StringVar(&campaignID, "campaign", "", "List prospects enrolled in this campaign")
	fs.StringVar(&userID, "user", "", "List every prospect of this user")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var (
		prospects []models.Prospect
		err       error
	)
	switch {
	case campaignID != "":
		prospects, err = a.st.ListProspects(ctx, campaignID)
	case userID != "":
		prospects, err = a.st.ListUserProspects(ctx, userID)
	default:
		return errors.New("--campaign or --user is required")
	}
	if err != nil {
		return err
	}
	out := make([]prospectView, 0, len(prospects))
	for _, p := range prospects {
		out = append(out, viewProspect(p))
	}
	return printJSON(out)
}

func runUpdateStage(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("update-stage", flag.ContinueOnError)
	var prospectID, stage string
	fs.StringVar(&prospectID, "prospect", "", "Prospect to move")
	fs.StringVar(&stage, "stage", "", "new, contacted, connected, messaged, replied or cold")
	if err := fs.Parse(args); err != nil {
		return err
	}
	for name, v := range map[string]string{"prospect": prospectID, "stage": stage} {
		if err := required(name, v); err != nil {
			return err
		}
	}
	if err := a.st.SetStage(ctx, prospectID, models.Stage(stage)); err != nil {
		return err
	}
	fmt.Printf("✅ %s moved to %s\n", prospectID, stage)
	return nil
}

func runMarkAccepted(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("mark-accepted", flag.ContinueOnError)
	var prospectID string
	fs.StringVar(&prospectID, "prospect", "", "Prospect that accepted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("prospect", prospectID); err != nil {
		return err
	}
	if err := a.st.MarkAccepted(ctx, prospectID, time.Now()); err != nil {
		return err
	}
	fmt.Printf("✅ %s marked as accepted\n", prospectID)
	return advanceProspect(ctx, a, prospectID)
}

func runRecordReply(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("record-reply", flag.ContinueOnError)
	var prospectID, text string
	fs.StringVar(&prospectID, "prospect", "", "Prospect that replied")
	fs.StringVar(&text, "text", "", "Reply text")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("prospect", prospectID); err != nil {
		return err
	}
	if err := a.st.RecordReply(ctx, prospectID, text, time.Now()); err != nil {
		return err
	}
	fmt.Printf("✅ reply recorded for %s\n", prospectID)
	return nil
}

// advanceProspect lets a state change unblock the prospect's next step now
// rather than at the next sweep.
func advanceProspect(ctx context.Context, a *app, prospectID string) error {
	p, err := a.st.GetProspect(ctx, prospectID)
	if err != nil {
		return err
	}
	if p.CampaignID == "" {
		return nil
	}
	queued, err := newPlanner(a).Advance(ctx, p.CampaignID, p.ID)
	if err != nil {
		return err
	}
	if queued != nil {
		fmt.Printf("   next step queued as %s (%s)\n", queued.ID, queued.Type)
	}
	return nil
}

func runEnableUser(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("enable-user", flag.ContinueOnError)
	var userID string
	var keepSession bool
	fs.StringVar(&userID, "user", "", "User to re-enable")
	fs.BoolVar(&keepSession, "keep-session", false, "Keep the saved session cookies")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required("user", userID); err != nil {
		return err
	}
	if err := a.st.SetAutomation(ctx, userID, true, ""); err != nil {
		return err
	}
	if !keepSession {
		jar, err := credentials.OpenJar(a.cfg.Sessions.JarDir, sessionTTL)
		if err != nil {
			return err
		}
		defer jar.Close()
		if err := credentials.NewProvider(a.cfg.Users, jar, a.log).ClearSession(ctx, userID); err != nil {
			return err
		}
	}
	fmt.Printf("✅ automation enabled for %s\n", userID)
	return nil
}
