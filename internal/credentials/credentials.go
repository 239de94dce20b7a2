// Package credentials resolves per-user LinkedIn credentials and remembers
// their browser sessions between runs.
package credentials

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/example/outreach/internal/automation"
	"github.com/example/outreach/internal/config"
	"github.com/example/outreach/internal/fault"
)

// Provider reads secrets from the environment variables named in the user
// config and pairs them with the user's saved session.
type Provider struct {
	users  map[string]config.User
	jar    *Jar
	getenv func(string) string
	log    *slog.Logger
}

func NewProvider(users []config.User, jar *Jar, log *slog.Logger) *Provider {
	byID := make(map[string]config.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	return &Provider{users: byID, jar: jar, getenv: os.Getenv, log: log.With("module", "credentials")}
}

// Credentials returns what automation.Login needs for userID. Users without
// a config entry fall back to OUTREACH_<ID>_EMAIL / _PASSWORD.
func (p *Provider) Credentials(ctx context.Context, userID string) (automation.Credentials, error) {
	emailEnv, passEnv := envNames(userID)
	if u, ok := p.users[userID]; ok {
		if u.EmailEnv != "" {
			emailEnv = u.EmailEnv
		}
		if u.PasswordEnv != "" {
			passEnv = u.PasswordEnv
		}
	}
	creds := automation.Credentials{
		UserID:   userID,
		Email:    p.getenv(emailEnv),
		Password: p.getenv(passEnv),
	}
	if p.jar != nil {
		session, err := p.jar.Get(userID)
		switch {
		case err == nil:
			creds.Session = session
		case errors.Is(err, ErrNoSession):
		default:
			p.log.Warn("read saved session failed", "user_id", userID, "err", err)
		}
	}
	if creds.Session == nil && (creds.Email == "" || creds.Password == "") {
		return automation.Credentials{}, fault.Newf(fault.CredentialUnavailable, "credentials",
			"set %s and %s for user %s", emailEnv, passEnv, userID)
	}
	return creds, nil
}

// SaveSession stores an exported session for the next login.
func (p *Provider) SaveSession(_ context.Context, userID string, data []byte) error {
	if p.jar == nil || len(data) == 0 {
		return nil
	}
	return p.jar.Put(userID, data)
}

// ClearSession forgets the user's saved session, e.g. after a checkpoint.
func (p *Provider) ClearSession(_ context.Context, userID string) error {
	if p.jar == nil {
		return nil
	}
	return p.jar.Delete(userID)
}

// LLMKey returns the user's content-generation key, or the global one.
func (p *Provider) LLMKey(userID, globalEnv string) string {
	if u, ok := p.users[userID]; ok && u.LLMKeyEnv != "" {
		if v := p.getenv(u.LLMKeyEnv); v != "" {
			return v
		}
	}
	return p.getenv(globalEnv)
}

func envNames(userID string) (string, string) {
	id := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", "@", "_").Replace(userID))
	return "OUTREACH_" + id + "_EMAIL", "OUTREACH_" + id + "_PASSWORD"
}
