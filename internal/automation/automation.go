// Package automation performs connect, message and visit actions inside a
// logged-in LinkedIn session.
package automation

import (
	"context"
	"errors"

	"github.com/example/outreach/internal/fault"
	"github.com/example/outreach/internal/pacing"
)

// Credentials identify one user's LinkedIn account. Session, when set, holds
// cookies exported from an earlier login.
type Credentials struct {
	UserID   string
	Email    string
	Password string
	Session  []byte
}

// Result is what a handler reports back to the executor.
type Result struct {
	Success bool
	Kind    fault.Kind
	Detail  string
}

func Succeeded() Result { return Result{Success: true} }

func Failed(kind fault.Kind, detail string) Result {
	return Result{Kind: kind, Detail: detail}
}

// Err converts a failed result into a classified error. It is nil on success.
func (r Result) Err(op string) error {
	if r.Success {
		return nil
	}
	kind := r.Kind
	if kind == "" {
		kind = fault.TransientUnavailable
	}
	return &fault.Error{Kind: kind, Op: op, Detail: r.Detail}
}

// FromError maps an arbitrary handler error onto a Result.
func FromError(err error) Result {
	if err == nil {
		return Succeeded()
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return Result{Kind: fe.Kind, Detail: err.Error()}
	}
	return Result{Kind: fault.TransientUnavailable, Detail: err.Error()}
}

// Automation starts sessions.
type Automation interface {
	Login(ctx context.Context, creds Credentials) (Driver, error)
}

// Driver is a live session for one user. It is used by one action at a time.
type Driver interface {
	Connect(ctx context.Context, profileURL, note string, pace pacing.Policy) Result
	Message(ctx context.Context, profileURL, text string, pace pacing.Policy) Result
	Visit(ctx context.Context, profileURL string, pace pacing.Policy) Result
	// Export serializes the session cookies so a later Login can resume.
	Export(ctx context.Context) ([]byte, error)
	Close() error
}

// MaxNoteLength is the longest connection note LinkedIn accepts.
const MaxNoteLength = 300

// TrimNote cuts note to MaxNoteLength runes.
func TrimNote(note string) string {
	r := []rune(note)
	if len(r) <= MaxNoteLength {
		return note
	}
	return string(r[:MaxNoteLength])
}
