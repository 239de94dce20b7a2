// Package scheduler polls the action store and feeds due actions to a
// bounded pool of workers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/outreach/internal/executor"
	"github.com/example/outreach/internal/models"
)

type Store interface {
	RecoverStale(ctx context.Context, cutoff time.Time) (int64, error)
	Heartbeat(ctx context.Context, ids []string, now time.Time) error
	Claim(ctx context.Context, now time.Time, limit int) ([]models.Action, error)
	ReleaseClaim(ctx context.Context, a models.Action) error
}

// Runner executes one claimed action.
type Runner interface {
	Execute(ctx context.Context, a models.Action) (executor.Result, error)
}

// Sweeper enqueues due campaign steps.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Evicter drops sessions that sat idle too long.
type Evicter interface {
	EvictIdle() int
}

type Options struct {
	PollInterval    time.Duration
	SweepInterval   time.Duration
	BatchSize       int
	Workers         int
	StaleClaimAfter time.Duration
}

type Loop struct {
	store   Store
	runner  Runner
	sweeper Sweeper
	evicter Evicter
	opts    Options
	now     func() time.Time
	log     *slog.Logger

	wakeup chan struct{}
	sem    chan struct{}
	wg     sync.WaitGroup

	mu sync.Mutex
	// runs holds the queue of each user that has a worker; a user never has
	// more than one.
	runs map[string]*userRun
	// held are the claims this loop owns, kept alive by heartbeats.
	held     map[string]struct{}
	cancel   context.CancelFunc
	stopWork context.CancelFunc
	stopped  bool
	done     chan struct{}
}

// New builds a loop. sweeper and evicter may be nil.
func New(st Store, runner Runner, sweeper Sweeper, evicter Evicter, opts Options, log *slog.Logger) *Loop {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.StaleClaimAfter <= 0 {
		opts.StaleClaimAfter = 30 * time.Minute
	}
	return &Loop{
		store:   st,
		runner:  runner,
		sweeper: sweeper,
		evicter: evicter,
		opts:    opts,
		now:     time.Now,
		log:     log.With("module", "scheduler"),
		wakeup:  make(chan struct{}, 1),
		runs:    map[string]*userRun{},
		held:    map[string]struct{}{},
		sem:     make(chan struct{}, opts.Workers),
		done:    make(chan struct{}),
	}
}

// SetClock replaces the loop's time source.
func (l *Loop) SetClock(now func() time.Time) { l.now = now }

// Wake asks for a poll right away, e.g. after new work was enqueued.
func (l *Loop) Wake() {
	select {
	case l.wakeup <- struct{}{}:
	default:
	}
}

// Run polls immediately and then on every tick or wake-up until ctx is
// cancelled or Shutdown is called. Workers already running are allowed to
// finish their action before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	// In-flight actions outlive ctx so a shutdown does not abort a handler
	// halfway; Shutdown cancels workCtx only when its timeout expires.
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	l.mu.Lock()
	l.cancel, l.stopWork = cancel, stopWork
	if l.stopped {
		cancel()
	}
	l.mu.Unlock()
	defer close(l.done)
	defer stopWork()
	defer cancel()

	l.log.Info("scheduler started",
		"workers", l.opts.Workers,
		"batch_size", l.opts.BatchSize,
		"poll_interval", l.opts.PollInterval.String())

	poll := time.NewTicker(l.opts.PollInterval)
	defer poll.Stop()
	beat := time.NewTicker(max(l.opts.StaleClaimAfter/3, time.Second))
	defer beat.Stop()
	var sweepC <-chan time.Time
	if l.sweeper != nil && l.opts.SweepInterval > 0 {
		sweep := time.NewTicker(l.opts.SweepInterval)
		defer sweep.Stop()
		sweepC = sweep.C
	}

	l.sweep(ctx)
	l.poll(ctx, workCtx)
	for {
		select {
		case <-ctx.Done():
			l.log.Info("scheduler stopping, waiting for workers")
			l.wg.Wait()
			l.log.Info("scheduler stopped")
			return nil
		case <-poll.C:
			l.poll(ctx, workCtx)
		case <-l.wakeup:
			l.poll(ctx, workCtx)
		case <-sweepC:
			l.sweep(ctx)
			l.poll(ctx, workCtx)
		case <-beat.C:
			_ = l.heartbeat(ctx)
		}
	}
}

// Shutdown stops polling and waits up to timeout for running workers. Workers
// still busy after the timeout have their context cancelled.
func (l *Loop) Shutdown(timeout time.Duration) {
	l.mu.Lock()
	l.stopped = true
	cancel, stopWork := l.cancel, l.stopWork
	l.mu.Unlock()
	if cancel == nil {
		// Run has not started; it will exit as soon as it does.
		return
	}
	l.log.Info("shutdown requested")
	cancel()
	select {
	case <-l.done:
		l.log.Info("all workers exited cleanly")
	case <-time.After(timeout):
		l.log.Error(fmt.Sprintf("shutdown timed out after %v, cancelling running actions", timeout))
		stopWork()
		<-l.done
	}
}

func (l *Loop) sweep(ctx context.Context) {
	if l.sweeper == nil {
		return
	}
	if _, err := l.sweeper.Sweep(ctx); err != nil && ctx.Err() == nil {
		l.log.Error("sequence sweep failed", "err", err)
	}
}

// poll runs one cycle: renew our claims, recover stale ones, claim a batch
// and dispatch it.
func (l *Loop) poll(ctx, workCtx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := l.now()
	if err := l.heartbeat(ctx); err != nil {
		l.log.Error("heartbeat failed, skipping cycle", "err", err)
		return
	}
	n, err := l.store.RecoverStale(ctx, now.Add(-l.opts.StaleClaimAfter))
	if err != nil {
		l.log.Error("recover stale claims failed, skipping cycle", "err", err)
		return
	}
	if n > 0 {
		l.log.Warn("recovered stale claims", "count", n)
	}

	actions, err := l.store.Claim(ctx, now, l.opts.BatchSize)
	if err != nil {
		// Rows claimed before the error are still ours and get dispatched.
		l.log.Error("claim failed", "err", err, "claimed", len(actions))
	}
	if l.evicter != nil {
		if n := l.evicter.EvictIdle(); n > 0 {
			l.log.Info("closed idle sessions", "count", n)
		}
	}
	if len(actions) == 0 {
		return
	}
	l.hold(actions)
	l.log.Info("dispatching actions", "count", len(actions))
	l.dispatch(ctx, workCtx, actions)
}

// heartbeat marks every claim this loop holds as alive.
func (l *Loop) heartbeat(ctx context.Context) error {
	l.mu.Lock()
	ids := make([]string, 0, len(l.held))
	for id := range l.held {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	if err := l.store.Heartbeat(ctx, ids, l.now()); err != nil {
		if ctx.Err() == nil {
			l.log.Warn("heartbeat failed", "held", len(ids), "err", err)
		}
		return err
	}
	return nil
}

func (l *Loop) hold(actions []models.Action) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range actions {
		l.held[a.ID] = struct{}{}
	}
}

func (l *Loop) unhold(actions ...models.Action) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range actions {
		delete(l.held, a.ID)
	}
}

// userRun is the queue of claimed actions one worker executes in order for
// a single user.
type userRun struct {
	queue []models.Action
}

// dispatch hands each user's actions to that user's worker, starting one
// when the user has none. A worker slot is held per user, not per action, so
// a user with a backlog cannot starve the others.
func (l *Loop) dispatch(ctx, workCtx context.Context, actions []models.Action) {
	var users []string
	byUser := map[string][]models.Action{}
	for _, a := range actions {
		if _, ok := byUser[a.UserID]; !ok {
			users = append(users, a.UserID)
		}
		byUser[a.UserID] = append(byUser[a.UserID], a)
	}

	for i, userID := range users {
		l.mu.Lock()
		if r, ok := l.runs[userID]; ok {
			r.queue = append(r.queue, byUser[userID]...)
			l.mu.Unlock()
			continue
		}
		l.mu.Unlock()

		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			var rest []models.Action
			for _, u := range users[i:] {
				rest = append(rest, byUser[u]...)
			}
			l.releaseAll(rest)
			return
		}
		r := &userRun{queue: byUser[userID]}
		l.mu.Lock()
		l.runs[userID] = r
		l.mu.Unlock()
		l.wg.Add(1)
		go l.work(ctx, workCtx, userID, r)
	}
}

func (l *Loop) work(ctx, workCtx context.Context, userID string, r *userRun) {
	defer l.wg.Done()
	defer func() { <-l.sem }()
	for {
		a, ok := l.next(ctx, userID, r)
		if !ok {
			return
		}
		l.execute(workCtx, a)
	}
}

// next pops the user's next action. Once the loop is stopping, the rest of
// the queue is handed back instead.
func (l *Loop) next(ctx context.Context, userID string, r *userRun) (models.Action, bool) {
	l.mu.Lock()
	if ctx.Err() != nil || len(r.queue) == 0 {
		rest := r.queue
		r.queue = nil
		delete(l.runs, userID)
		l.mu.Unlock()
		if len(rest) > 0 {
			l.releaseAll(rest)
		}
		return models.Action{}, false
	}
	a := r.queue[0]
	r.queue = r.queue[1:]
	l.mu.Unlock()
	return a, true
}

func (l *Loop) execute(ctx context.Context, a models.Action) {
	defer l.unhold(a)
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("worker panicked", "action_id", a.ID, "panic", r)
		}
	}()
	start := time.Now()
	res, err := l.runner.Execute(ctx, a)
	if err != nil {
		l.log.Error("execute failed", "action_id", a.ID, "result", res, "err", err)
		return
	}
	l.log.Debug("action processed", "action_id", a.ID, "result", res, "took", time.Since(start))
}

// releaseAll hands undispatched actions back to pending.
func (l *Loop) releaseAll(actions []models.Action) {
	defer l.unhold(actions...)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, a := range actions {
		if err := l.store.ReleaseClaim(ctx, a); err != nil {
			l.log.Error("release claim failed", "action_id", a.ID, "err", err)
		}
	}
	l.log.Info("released undispatched actions", "count", len(actions))
}
