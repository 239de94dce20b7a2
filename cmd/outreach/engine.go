package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/outreach/internal/automation"
	"github.com/example/outreach/internal/browser"
	"github.com/example/outreach/internal/content"
	"github.com/example/outreach/internal/credentials"
	"github.com/example/outreach/internal/executor"
	"github.com/example/outreach/internal/pacing"
	"github.com/example/outreach/internal/ratelimit"
	"github.com/example/outreach/internal/retry"
	"github.com/example/outreach/internal/scheduler"
	"github.com/example/outreach/internal/sequence"
	"github.com/example/outreach/internal/session"
)

// sessionTTL bounds how long saved cookies are trusted before a fresh login.
const sessionTTL = 14 * 24 * time.Hour

// engine is every long-lived component the run and login commands need.
type engine struct {
	br       *browser.Browser
	jar      *credentials.Jar
	creds    *credentials.Provider
	sessions *session.Manager
}

func openEngine(ctx context.Context, a *app) (*engine, error) {
	jar, err := credentials.OpenJar(a.cfg.Sessions.JarDir, sessionTTL)
	if err != nil {
		return nil, err
	}
	br, err := browser.Launch(ctx, browser.Options{
		Headless:       a.cfg.Browser.Headless,
		ControlURL:     a.cfg.Browser.ControlURL,
		UserAgent:      a.cfg.Browser.UserAgent,
		ViewportWidth:  a.cfg.Browser.ViewportWidth,
		ViewportHeight: a.cfg.Browser.ViewportHeight,
		ScreenshotDir:  a.cfg.Browser.ScreenshotDir,
	}, a.log)
	if err != nil {
		_ = jar.Close()
		return nil, err
	}
	creds := credentials.NewProvider(a.cfg.Users, jar, a.log)
	auto := automation.NewRod(br, a.cfg.LinkedIn.BaseURL, a.log)
	return &engine{
		br:       br,
		jar:      jar,
		creds:    creds,
		sessions: session.New(auto, creds, a.st, a.cfg.Sessions.IdleTTL, a.log),
	}, nil
}

func (e *engine) Close() {
	e.sessions.Close()
	e.br.Close()
	_ = e.jar.Close()
}

// syncUsers makes sure every configured user exists and carries its limit
// overrides.
func syncUsers(ctx context.Context, a *app) error {
	for _, u := range a.cfg.Users {
		if err := a.st.EnsureUser(ctx, u.ID); err != nil {
			return err
		}
		if err := a.st.SetLimits(ctx, u.ID, u.Limits); err != nil {
			return err
		}
	}
	return nil
}

func newGenerator(a *app, creds *credentials.Provider) (*content.Client, error) {
	baseURL := a.cfg.LLM.AnthropicBaseURL
	if a.cfg.LLM.Provider == content.ProviderOpenAI {
		baseURL = a.cfg.LLM.OpenAIBaseURL
	}
	keyEnv := a.cfg.LLM.APIKeyEnv
	key := func(userID string) string {
		if creds == nil {
			return os.Getenv(keyEnv)
		}
		return creds.LLMKey(userID, keyEnv)
	}
	return content.NewClient(content.Options{
		Provider: a.cfg.LLM.Provider,
		Model:    a.cfg.LLM.Model,
		BaseURL:  baseURL,
		Timeout:  a.cfg.LLM.Timeout,
		Key:      key,
	}, a.log)
}

func newPlanner(a *app) *sequence.Planner {
	return sequence.New(a.st, a.cfg.Engine.SafetyDelayMin, a.cfg.Engine.SafetyDelayMax, a.log)
}

func runEngine(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var shutdownTimeout time.Duration
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", 2*time.Minute, "How long to wait for running actions on exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := syncUsers(ctx, a); err != nil {
		return err
	}
	eng, err := openEngine(ctx, a)
	if err != nil {
		return err
	}
	defer eng.Close()

	gen, err := newGenerator(a, eng.creds)
	if err != nil {
		return err
	}
	cfg := a.cfg
	composer := content.NewComposer(gen, cfg.Templates.ConnectionNote, cfg.Templates.FollowUp, a.log)
	limiter := ratelimit.New(a.st, a.st, cfg.DefaultLimits(), cfg.Location(), a.log)
	policy := retry.New(cfg.Engine.MaxRetries, cfg.Engine.BackoffBase, cfg.Engine.BackoffCap, cfg.Engine.BackoffJitter)
	planner := newPlanner(a)
	exec := executor.New(a.st, eng.sessions, limiter, policy, composer, planner, executor.Options{
		HandlerTimeout: cfg.Engine.HandlerTimeout,
		Pacing:         pacing.Policy{Min: cfg.Pacing.MinDelay, Max: cfg.Pacing.MaxDelay},
	}, a.log)
	loop := scheduler.New(a.st, exec, planner, eng.sessions, scheduler.Options{
		PollInterval:    cfg.Engine.PollInterval,
		SweepInterval:   cfg.Engine.SweepInterval,
		BatchSize:       cfg.Engine.BatchSize,
		Workers:         cfg.Engine.Workers,
		StaleClaimAfter: cfg.Engine.StaleClaimAfter,
	}, a.log)

	// Run stops polling on ctx cancel; the shutdown below bounds the wait for
	// actions that are still executing.
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(context.WithoutCancel(ctx)) }()
	select {
	case <-ctx.Done():
		a.log.Info("signal received, shutting down", "timeout", shutdownTimeout.String())
		loop.Shutdown(shutdownTimeout)
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func runLogin(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	var userID string
	var timeout time.Duration
	fs.StringVar(&userID, "user", "", "User to log in")
	fs.DurationVar(&timeout, "timeout", 5*time.Minute, "Give up after this long")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if userID == "" {
		return fmt.Errorf("--user is required")
	}
	if err := a.st.EnsureUser(ctx, userID); err != nil {
		return err
	}
	eng, err := openEngine(ctx, a)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	lease, err := eng.sessions.Acquire(ctx, userID)
	if err != nil {
		return err
	}
	lease.Release()
	fmt.Printf("\n✅ %s is logged in, session saved\n", userID)
	return nil
}
