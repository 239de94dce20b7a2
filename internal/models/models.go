package models

import "time"

type ActionType string

const (
	ActionConnect      ActionType = "connect"
	ActionMessage      ActionType = "message"
	ActionVisitProfile ActionType = "visit_profile"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionConnect, ActionMessage, ActionVisitProfile:
		return true
	}
	return false
}

// NeedsText reports whether the action carries generated text to the handler.
func (t ActionType) NeedsText() bool {
	return t == ActionConnect || t == ActionMessage
}

type ActionStatus string

const (
	StatusPending   ActionStatus = "pending"
	StatusExecuting ActionStatus = "executing"
	StatusCompleted ActionStatus = "completed"
	StatusFailed    ActionStatus = "failed"
	StatusCancelled ActionStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ActionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Action is one scheduled unit of outreach work against a prospect.
type Action struct {
	ID           string
	UserID       string
	ProspectID   string
	CampaignID   string
	Type         ActionType
	Payload      Payload
	Step         *int
	ScheduledFor time.Time
	ExecutedAt   *time.Time
	ClaimedAt    *time.Time
	Status       ActionStatus
	RetryCount   int
	LastError    string
	CreatedAt    time.Time
}

// Payload is the type-specific action data. Known keys are "text" (send
// verbatim) and "template" (fallback when generation fails).
type Payload map[string]string

func (p Payload) Text() string     { return p["text"] }
func (p Payload) Template() string { return p["template"] }

type Stage string

const (
	StageNew       Stage = "new"
	StageContacted Stage = "contacted"
	StageConnected Stage = "connected"
	StageMessaged  Stage = "messaged"
	StageReplied   Stage = "replied"
	StageCold      Stage = "cold"
)

func (s Stage) Valid() bool {
	switch s {
	case StageNew, StageContacted, StageConnected, StageMessaged, StageReplied, StageCold:
		return true
	}
	return false
}

type ConnectionStatus string

const (
	ConnectionNotSent  ConnectionStatus = "not_sent"
	ConnectionPending  ConnectionStatus = "pending"
	ConnectionAccepted ConnectionStatus = "accepted"
)

type Role string

const (
	RoleOutbound Role = "assistant"
	RoleInbound  Role = "prospect"
)

// Turn is one entry of a prospect's conversation history.
type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"message"`
	At   time.Time `json:"timestamp"`
}

type Prospect struct {
	ID                string
	UserID            string
	CampaignID        string
	ProfileURL        string
	FullName          string
	Headline          string
	Title             string
	Company           string
	Location          string
	AIScore           *int
	ScoreReasoning    string
	Stage             Stage
	ConnectionStatus  ConnectionStatus
	History           []Turn
	LastInteractionAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// LastInbound returns the time of the most recent inbound turn, if any.
func (p *Prospect) LastInbound() (time.Time, bool) {
	var last time.Time
	found := false
	for _, t := range p.History {
		if t.Role == RoleInbound && (!found || t.At.After(last)) {
			last = t.At
			found = true
		}
	}
	return last, found
}

type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

type Condition string

const (
	ConditionNone       Condition = ""
	ConditionIfAccepted Condition = "if_accepted"
	ConditionIfNoReply  Condition = "if_no_reply"
)

// Step is one day-offset/action/condition entry of a campaign sequence.
type Step struct {
	Day       int        `json:"day" yaml:"day"`
	Action    ActionType `json:"action" yaml:"action"`
	Template  string     `json:"template" yaml:"template"`
	Condition Condition  `json:"condition,omitempty" yaml:"condition,omitempty"`
}

type Stats struct {
	Sent     int64
	Accepted int64
	Replied  int64
	Views    int64
}

type Campaign struct {
	ID            string
	UserID        string
	Name          string
	Status        CampaignStatus
	TargetFilters map[string]string
	Sequence      []Step
	Stats         Stats
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LimitOff in a per-user override switches that category off entirely.
const LimitOff = -1

// DailyLimits holds per-category caps. In per-user overrides zero fields mean
// "use the default" and LimitOff allows none.
type DailyLimits struct {
	Connections int `json:"connections" yaml:"connections"`
	Messages    int `json:"messages" yaml:"messages"`
	Visits      int `json:"visits" yaml:"visits"`
}

type User struct {
	ID                string
	AutomationEnabled bool
	DisabledReason    string
	Limits            DailyLimits
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
