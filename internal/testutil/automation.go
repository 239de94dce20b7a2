package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/example/outreach/internal/automation"
	"github.com/example/outreach/internal/fault"
	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/pacing"
)

// Call records one handler invocation on a fake driver.
type Call struct {
	UserID     string
	Type       models.ActionType
	ProfileURL string
	Text       string
}

// FakeAutomation is an in-memory automation.Automation. Every handler call
// succeeds unless Result says otherwise. It tracks how many calls run at once
// per user so tests can assert sessions are never shared.
type FakeAutomation struct {
	// Delay is how long each handler call takes.
	Delay time.Duration
	// Result decides the outcome of a call; nil means success.
	Result func(Call) automation.Result
	// LoginErr fails every Login when set.
	LoginErr error
	// Panic makes handler calls panic with this value when non-nil.
	Panic any

	mu        sync.Mutex
	logins    map[string]int
	creds     []automation.Credentials
	calls     []Call
	active    map[string]int
	maxActive map[string]int
	closed    int
}

func NewFakeAutomation() *FakeAutomation {
	return &FakeAutomation{
		logins:    map[string]int{},
		active:    map[string]int{},
		maxActive: map[string]int{},
	}
}

func (f *FakeAutomation) Login(ctx context.Context, creds automation.Credentials) (automation.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.FromContext("login", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins[creds.UserID]++
	f.creds = append(f.creds, creds)
	if f.LoginErr != nil {
		return nil, f.LoginErr
	}
	return &fakeDriver{f: f, userID: creds.UserID}, nil
}

func (f *FakeAutomation) Logins(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins[userID]
}

func (f *FakeAutomation) LastCredentials() automation.Credentials {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.creds) == 0 {
		return automation.Credentials{}
	}
	return f.creds[len(f.creds)-1]
}

func (f *FakeAutomation) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// MaxActive is the highest number of overlapping calls seen for userID.
func (f *FakeAutomation) MaxActive(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive[userID]
}

func (f *FakeAutomation) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeAutomation) run(ctx context.Context, c Call) automation.Result {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.active[c.UserID]++
	if f.active[c.UserID] > f.maxActive[c.UserID] {
		f.maxActive[c.UserID] = f.active[c.UserID]
	}
	delay, result, p := f.Delay, f.Result, f.Panic
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active[c.UserID]--
		f.mu.Unlock()
	}()

	if p != nil {
		panic(p)
	}
	if err := pacing.Sleep(ctx, delay); err != nil {
		return automation.Failed(fault.TransientUnavailable, err.Error())
	}
	if result == nil {
		return automation.Succeeded()
	}
	return result(c)
}

type fakeDriver struct {
	f      *FakeAutomation
	userID string
}

func (d *fakeDriver) Connect(ctx context.Context, profileURL, note string, _ pacing.Policy) automation.Result {
	return d.f.run(ctx, Call{UserID: d.userID, Type: models.ActionConnect, ProfileURL: profileURL, Text: note})
}

func (d *fakeDriver) Message(ctx context.Context, profileURL, text string, _ pacing.Policy) automation.Result {
	return d.f.run(ctx, Call{UserID: d.userID, Type: models.ActionMessage, ProfileURL: profileURL, Text: text})
}

func (d *fakeDriver) Visit(ctx context.Context, profileURL string, _ pacing.Policy) automation.Result {
	return d.f.run(ctx, Call{UserID: d.userID, Type: models.ActionVisitProfile, ProfileURL: profileURL})
}

func (d *fakeDriver) Export(context.Context) ([]byte, error) {
	return []byte(`[{"name":"li_at","value":"` + d.userID + `"}]`), nil
}

func (d *fakeDriver) Close() error {
	d.f.mu.Lock()
	d.f.closed++
	d.f.mu.Unlock()
	return nil
}

// StaticCredentials hands out fixed credentials and records saved sessions.
type StaticCredentials struct {
	mu       sync.Mutex
	Err      error
	sessions map[string][]byte
}

func (s *StaticCredentials) Credentials(_ context.Context, userID string) (automation.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return automation.Credentials{}, s.Err
	}
	return automation.Credentials{
		UserID:   userID,
		Email:    userID + "@example.com",
		Password: "password",
		Session:  s.sessions[userID],
	}, nil
}

func (s *StaticCredentials) SaveSession(_ context.Context, userID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = map[string][]byte{}
	}
	s.sessions[userID] = data
	return nil
}

func (s *StaticCredentials) Session(userID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[userID]
}
