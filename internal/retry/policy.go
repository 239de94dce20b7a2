// Package retry decides what happens to an action after a failed attempt.
package retry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/example/outreach/internal/fault"
	"github.com/example/outreach/internal/models"
)

type Policy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
	Jitter     time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

func New(maxRetries int, base, maxDelay, jitter time.Duration) *Policy {
	return &Policy{
		MaxRetries: maxRetries,
		Base:       base,
		Cap:        maxDelay,
		Jitter:     jitter,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Decision is the next state of a failed action.
type Decision struct {
	Status       models.ActionStatus
	RetryCount   int
	ScheduledFor time.Time
	LastError    string
	// DisableUser is set when the failure needs manual remediation.
	DisableUser bool
}

// Decide classifies err and returns the action's next state. Non-retryable
// kinds fail immediately with retry_count untouched; everything else counts
// an attempt and is rescheduled with exponential backoff until MaxRetries.
func (p *Policy) Decide(a models.Action, err error, now time.Time) Decision {
	kind := fault.KindOf(err)
	d := Decision{
		RetryCount:   a.RetryCount,
		ScheduledFor: a.ScheduledFor,
		LastError:    errString(err),
		DisableUser:  kind.DisablesUser(),
	}
	if !kind.Retryable() {
		d.Status = models.StatusFailed
		return d
	}
	d.RetryCount = a.RetryCount + 1
	if d.RetryCount >= p.MaxRetries {
		d.Status = models.StatusFailed
		return d
	}
	d.Status = models.StatusPending
	d.ScheduledFor = now.Add(p.Backoff(a.RetryCount))
	return d
}

// Backoff returns min(Base*2^attempt, Cap) plus up to Jitter.
func (p *Policy) Backoff(attempt int) time.Duration {
	delay := p.Cap
	if attempt < 32 {
		if d := p.Base << uint(attempt); d > 0 && d < p.Cap {
			delay = d
		}
	}
	return delay + p.jitter()
}

func (p *Policy) jitter() time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(p.rnd.Int63n(int64(p.Jitter) + 1))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 1000 {
		msg = msg[:1000]
	}
	return msg
}
