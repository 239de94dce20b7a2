// Package session owns the per-user automation sessions and guarantees a
// user's session is used by at most one action at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/outreach/internal/automation"
	"github.com/example/outreach/internal/fault"
)

var (
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("session manager closed")
	// ErrBlocked marks an Acquire refused because the session is flagged
	// invalid. It is wrapped in a ChallengeRequired fault.
	ErrBlocked = errors.New("session blocked until cleared")
)

// CredentialSource supplies login material and stores exported sessions.
type CredentialSource interface {
	Credentials(ctx context.Context, userID string) (automation.Credentials, error)
	SaveSession(ctx context.Context, userID string, data []byte) error
}

// Blocker records that a user's automation is switched off.
type Blocker interface {
	SetAutomation(ctx context.Context, userID string, enabled bool, reason string) error
}

type Manager struct {
	auto    automation.Automation
	creds   CredentialSource
	blocker Blocker
	idleTTL time.Duration
	log     *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
}

// slot is one user's session. sem has capacity one: holding it grants
// exclusive use of driver.
type slot struct {
	sem      chan struct{}
	driver   automation.Driver
	lastUsed time.Time
	// invalid is set once the session hit a checkpoint; guarded by Manager.mu.
	invalid error
}

// New builds a manager. blocker may be nil; when set, a user is disabled in
// it before their session is flagged invalid.
func New(auto automation.Automation, creds CredentialSource, blocker Blocker, idleTTL time.Duration, log *slog.Logger) *Manager {
	return &Manager{
		auto:    auto,
		creds:   creds,
		blocker: blocker,
		idleTTL: idleTTL,
		log:     log.With("module", "session"),
		now:     time.Now,
		slots:   map[string]*slot{},
	}
}

func (m *Manager) slotFor(userID string) (*slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	s, ok := m.slots[userID]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		m.slots[userID] = s
	}
	if s.invalid != nil {
		return nil, fault.Wrap(fault.ChallengeRequired, "session", fmt.Errorf("%w: %v", ErrBlocked, s.invalid))
	}
	return s, nil
}

// Acquire blocks until the user's session is free and returns a lease on it,
// logging in first if there is no live driver. A session that hit a
// checkpoint or was rejected fails fast with ChallengeRequired until Clear.
func (m *Manager) Acquire(ctx context.Context, userID string) (*Lease, error) {
	s, err := m.slotFor(userID)
	if err != nil {
		return nil, err
	}
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fault.FromContext("session", ctx.Err())
	}
	// Re-check: the previous holder may have invalidated the session.
	if _, err := m.slotFor(userID); err != nil {
		<-s.sem
		return nil, err
	}

	if s.driver != nil && m.idleTTL > 0 && m.now().Sub(s.lastUsed) > m.idleTTL {
		m.log.Info("session idle too long, logging in again", "user_id", userID)
		_ = s.driver.Close()
		s.driver = nil
	}
	if s.driver == nil {
		d, err := m.login(ctx, userID)
		if err != nil {
			if fault.KindOf(err).DisablesUser() {
				m.markInvalid(ctx, userID, s, err)
			}
			<-s.sem
			return nil, err
		}
		s.driver = d
	}
	return &Lease{m: m, userID: userID, s: s, driver: s.driver}, nil
}

func (m *Manager) login(ctx context.Context, userID string) (automation.Driver, error) {
	creds, err := m.creds.Credentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	d, err := m.auto.Login(ctx, creds)
	if err != nil {
		m.log.Warn("login failed", "user_id", userID, "kind", fault.KindOf(err), "err", err)
		return nil, err
	}
	if data, err := d.Export(ctx); err != nil {
		m.log.Warn("export session failed", "user_id", userID, "err", err)
	} else if err := m.creds.SaveSession(ctx, userID, data); err != nil {
		m.log.Warn("save session failed", "user_id", userID, "err", err)
	}
	m.log.Info("session started", "user_id", userID)
	return d, nil
}

// markInvalid blocks the user's session. The disable is persisted first, so
// anyone who sees the flag also sees the user disabled and cannot mistake
// the block for one an operator already lifted.
func (m *Manager) markInvalid(ctx context.Context, userID string, s *slot, cause error) {
	if m.blocker != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		err := m.blocker.SetAutomation(ctx, userID, false, cause.Error())
		cancel()
		if err != nil {
			m.log.Error("persist disabled user failed", "user_id", userID, "err", err)
		}
	}
	m.mu.Lock()
	s.invalid = cause
	m.mu.Unlock()
	m.log.Warn("session invalidated", "user_id", userID, "err", cause)
}

// Clear lifts the invalid flag after the user resolved the checkpoint.
func (m *Manager) Clear(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[userID]; ok {
		s.invalid = nil
	}
}

// Invalid reports whether the user's session is blocked.
func (m *Manager) Invalid(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[userID]
	return ok && s.invalid != nil
}

// EvictIdle closes drivers that are not leased and have been idle longer
// than the TTL. It returns how many were closed.
func (m *Manager) EvictIdle() int {
	if m.idleTTL <= 0 {
		return 0
	}
	m.mu.Lock()
	slots := make(map[string]*slot, len(m.slots))
	for id, s := range m.slots {
		slots[id] = s
	}
	m.mu.Unlock()

	n := 0
	now := m.now()
	for id, s := range slots {
		select {
		case s.sem <- struct{}{}:
		default:
			continue
		}
		if s.driver != nil && now.Sub(s.lastUsed) > m.idleTTL {
			_ = s.driver.Close()
			s.driver = nil
			n++
			m.log.Debug("idle session closed", "user_id", id)
		}
		<-s.sem
	}
	return n
}

// Close waits for outstanding leases, closes every driver and rejects
// further Acquire calls.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	slots := m.slots
	m.mu.Unlock()
	for _, s := range slots {
		s.sem <- struct{}{}
		if s.driver != nil {
			_ = s.driver.Close()
			s.driver = nil
		}
		<-s.sem
	}
}

// Lease is exclusive use of one user's driver until Release.
type Lease struct {
	m      *Manager
	userID string
	s      *slot
	driver automation.Driver
	once   sync.Once
}

func (l *Lease) Driver() automation.Driver { return l.driver }

// Invalidate drops the driver so the next Acquire logs in again. Checkpoint
// and authentication failures also block the user's session until Clear.
// It must be called before Release.
func (l *Lease) Invalidate(ctx context.Context, cause error) {
	if l.s.driver != nil {
		_ = l.s.driver.Close()
		l.s.driver = nil
	}
	if fault.KindOf(cause).DisablesUser() {
		l.m.markInvalid(ctx, l.userID, l.s, cause)
	}
}

// Release returns the session. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.s.lastUsed = l.m.now()
		<-l.s.sem
	})
}
