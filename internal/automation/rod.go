package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/goccy/go-json"

	"github.com/example/outreach/internal/browser"
	"github.com/example/outreach/internal/fault"
	"github.com/example/outreach/internal/pacing"
)

// Rod drives LinkedIn through a shared Chrome instance.
type Rod struct {
	br      *browser.Browser
	baseURL string
	log     *slog.Logger
}

func NewRod(br *browser.Browser, baseURL string, log *slog.Logger) *Rod {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Rod{br: br, baseURL: baseURL, log: log.With("module", "automation")}
}

// Login opens an isolated context for the user, resumes the saved session if
// it is still valid and otherwise signs in with the credentials.
func (r *Rod) Login(ctx context.Context, creds Credentials) (Driver, error) {
	bctx, err := r.br.NewContext()
	if err != nil {
		return nil, fault.Wrap(fault.TransientUnavailable, "login", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fault.Wrap(fault.TransientUnavailable, "login", err)
	}
	d := &rodDriver{ctx: bctx, page: page, baseURL: r.baseURL, log: r.log.With("user_id", creds.UserID)}

	if len(creds.Session) > 0 {
		if d.resume(ctx, creds.Session) {
			d.log.Info("session resumed from saved cookies")
			return d, nil
		}
		d.log.Info("saved session rejected, signing in again")
	}
	if creds.Email == "" || creds.Password == "" {
		_ = d.Close()
		return nil, fault.Newf(fault.CredentialUnavailable, "login", "no credentials for user %s", creds.UserID)
	}
	if err := d.signIn(ctx, creds); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

type rodDriver struct {
	ctx     *browser.Context
	page    *rod.Page
	baseURL string
	log     *slog.Logger
}

func (d *rodDriver) resume(ctx context.Context, raw []byte) bool {
	var cookies []*proto.NetworkCookie
	if err := json.Unmarshal(raw, &cookies); err != nil {
		d.log.Warn("saved session unreadable", "err", err)
		return false
	}
	if err := d.ctx.SetCookies(cookies); err != nil {
		d.log.Warn("restore cookies failed", "err", err)
		return false
	}
	if err := d.open(ctx, d.baseURL+"feed/"); err != nil {
		return false
	}
	return browser.HasElement(ctx, d.page, "a[href*='/feed/']")
}

func (d *rodDriver) signIn(ctx context.Context, creds Credentials) error {
	if err := d.open(ctx, d.baseURL+"login"); err != nil {
		return err
	}
	p := d.page.Context(ctx)
	username, err := p.Timeout(10 * time.Second).Element("input#username")
	if err != nil {
		if err := d.open(ctx, d.baseURL+"uas/login"); err != nil {
			return err
		}
		username, err = p.Timeout(10 * time.Second).Element("input#username")
		if err != nil {
			return d.missing("login", "username input", err)
		}
	}
	if err := username.Input(creds.Email); err != nil {
		return fault.Wrap(fault.TransientUnavailable, "login", err)
	}
	password, err := p.Timeout(5 * time.Second).Element("input#password")
	if err != nil {
		return d.missing("login", "password input", err)
	}
	if err := password.Input(creds.Password); err != nil {
		return fault.Wrap(fault.TransientUnavailable, "login", err)
	}
	if err := browser.Click(ctx, d.page, "button[type='submit']", 5*time.Second); err != nil {
		return d.missing("login", "submit button", err)
	}
	if err := pacing.Sleep(ctx, 5*time.Second); err != nil {
		return fault.FromContext("login", err)
	}
	_ = d.page.Context(ctx).Timeout(15 * time.Second).WaitLoad()

	if err := d.gate(ctx, "login"); err != nil {
		return err
	}
	if d.loggedIn(ctx) {
		d.log.Info("login successful")
		return nil
	}
	if el, err := p.Timeout(2 * time.Second).Element(".alert--error, .form__label--error, #error-for-password, #error-for-username"); err == nil {
		msg, _ := el.Text()
		_ = browser.ScreenshotOnError(d.page, d.ctx.ScreenshotDir(), "login_error", errors.New(msg))
		return fault.Newf(fault.AuthenticationFailure, "login", "%s", strings.TrimSpace(msg))
	}
	_ = browser.ScreenshotOnError(d.page, d.ctx.ScreenshotDir(), "login_unknown", errors.New("login not verified"))
	return fault.Newf(fault.AuthenticationFailure, "login", "could not verify login, still at %s", d.url())
}

func (d *rodDriver) loggedIn(ctx context.Context) bool {
	u := d.url()
	if strings.Contains(u, "/feed") {
		return true
	}
	for _, sel := range []string{
		"input[placeholder*='Search'], input[aria-label*='Search']",
		"nav.global-nav, [class*='global-nav']",
		"a[href*='/feed']",
	} {
		if browser.HasElement(ctx, d.page, sel) {
			return true
		}
	}
	return false
}

// gate classifies interstitials LinkedIn shows instead of the requested page.
func (d *rodDriver) gate(ctx context.Context, op string) error {
	u := d.url()
	switch {
	case strings.Contains(u, "/checkpoint/") || strings.Contains(u, "/challenge"):
		_ = browser.ScreenshotOnError(d.page, d.ctx.ScreenshotDir(), op+"_checkpoint", errors.New("checkpoint"))
		return fault.Newf(fault.ChallengeRequired, op, "verification checkpoint at %s", u)
	case browser.HasElement(ctx, d.page, "[data-test-id='checkpoint'], .challenge-dialog"):
		return fault.Newf(fault.ChallengeRequired, op, "verification dialog shown")
	case op != "login" && (strings.Contains(u, "/login") || strings.Contains(u, "/authwall")):
		return fault.Newf(fault.AuthenticationFailure, op, "session expired, redirected to %s", u)
	}
	return nil
}

func (d *rodDriver) url() string {
	info, err := d.page.Info()
	if err != nil || info == nil {
		return ""
	}
	return info.URL
}

func (d *rodDriver) open(ctx context.Context, url string) error {
	p := d.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fault.Wrap(fault.TransientUnavailable, "navigate", err)
	}
	if err := p.Timeout(30 * time.Second).WaitLoad(); err != nil {
		if ctx.Err() != nil {
			return fault.FromContext("navigate", ctx.Err())
		}
		return fault.Wrap(fault.TransientUnavailable, "navigate", err)
	}
	return nil
}

func (d *rodDriver) missing(op, what string, err error) error {
	_ = browser.ScreenshotOnError(d.page, d.ctx.ScreenshotDir(), strings.ReplaceAll(op+"_"+what, " ", "_"), err)
	return fault.Newf(fault.HandlerElementNotFound, op, "%s not found", what)
}

// first tries each lookup in order and returns the first element found.
func first(lookups ...func() (*rod.Element, error)) (*rod.Element, error) {
	var last error
	for _, find := range lookups {
		el, err := find()
		if err == nil && el != nil {
			return el, nil
		}
		last = err
	}
	if last == nil {
		last = errors.New("no lookup matched")
	}
	return nil, last
}

func (d *rodDriver) openProfile(ctx context.Context, op, profileURL string, pace pacing.Policy) error {
	if profileURL == "" {
		return fault.Newf(fault.InvalidAction, op, "prospect has no profile url")
	}
	if err := d.open(ctx, profileURL); err != nil {
		return err
	}
	if err := d.gate(ctx, op); err != nil {
		return err
	}
	if err := pace.Pause(ctx); err != nil {
		return fault.FromContext(op, err)
	}
	return nil
}

func (d *rodDriver) Connect(ctx context.Context, profileURL, note string, pace pacing.Policy) Result {
	return FromError(d.connect(ctx, profileURL, note, pace))
}

func (d *rodDriver) connect(ctx context.Context, profileURL, note string, pace pacing.Policy) error {
	const op = "connect"
	if err := d.openProfile(ctx, op, profileURL, pace); err != nil {
		return err
	}
	p := d.page.Context(ctx)

	btn, err := first(
		func() (*rod.Element, error) {
			return p.Timeout(5 * time.Second).Element(`button[aria-label*="Invite"][aria-label*="connect"]`)
		},
		func() (*rod.Element, error) { return p.Timeout(5*time.Second).ElementR("button", "^Connect$") },
		func() (*rod.Element, error) {
			more, err := p.Timeout(3*time.Second).ElementR("button", "^More$")
			if err != nil {
				return nil, err
			}
			if err := more.Click(proto.InputMouseButtonLeft, 1); err != nil {
				return nil, err
			}
			_ = pace.Pause(ctx)
			return p.Timeout(5*time.Second).ElementR("div[role='button'], span", "^Connect$")
		},
	)
	if err != nil {
		if browser.HasElement(ctx, d.page, `button[aria-label*="Pending"]`) {
			d.log.Info("invitation already pending", "url", profileURL)
			return nil
		}
		return d.missing(op, "connect button", err)
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fault.Wrap(fault.TransientUnavailable, op, err)
	}
	if err := pace.Pause(ctx); err != nil {
		return fault.FromContext(op, err)
	}

	if note != "" {
		if add, err := p.Timeout(5*time.Second).ElementR("button", "Add a note"); err == nil {
			if err := add.Click(proto.InputMouseButtonLeft, 1); err != nil {
				return fault.Wrap(fault.TransientUnavailable, op, err)
			}
			if err := pace.Pause(ctx); err != nil {
				return fault.FromContext(op, err)
			}
			area, err := p.Timeout(5 * time.Second).Element(`textarea[name="message"]`)
			if err != nil {
				return d.missing(op, "note textarea", err)
			}
			if err := area.Input(TrimNote(note)); err != nil {
				return fault.Wrap(fault.TransientUnavailable, op, err)
			}
		} else {
			d.log.Info("note option not offered, sending without note", "url", profileURL)
		}
	}
	if err := pace.Think(ctx); err != nil {
		return fault.FromContext(op, err)
	}

	send, err := first(
		func() (*rod.Element, error) { return p.Timeout(10 * time.Second).Element(`button[aria-label*="Send"]`) },
		func() (*rod.Element, error) { return p.Timeout(5*time.Second).ElementR("button", "^Send( invitation| now| without a note)?$") },
	)
	if err != nil {
		return d.missing(op, "send button", err)
	}
	if err := send.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fault.Wrap(fault.TransientUnavailable, op, err)
	}
	if err := pace.Pause(ctx); err != nil {
		return fault.FromContext(op, err)
	}
	d.log.Info("connection request sent", "url", profileURL)
	return nil
}

func (d *rodDriver) Message(ctx context.Context, profileURL, text string, pace pacing.Policy) Result {
	return FromError(d.message(ctx, profileURL, text, pace))
}

func (d *rodDriver) message(ctx context.Context, profileURL, text string, pace pacing.Policy) error {
	const op = "message"
	if strings.TrimSpace(text) == "" {
		return fault.Newf(fault.InvalidAction, op, "empty message")
	}
	if err := d.openProfile(ctx, op, profileURL, pace); err != nil {
		return err
	}
	p := d.page.Context(ctx)

	btn, err := first(
		func() (*rod.Element, error) { return p.Timeout(5*time.Second).ElementR("button", "^Message$") },
		func() (*rod.Element, error) { return p.Timeout(5 * time.Second).Element(`button[aria-label*="Message"]`) },
	)
	if err != nil {
		return d.missing(op, "message button", err)
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fault.Wrap(fault.TransientUnavailable, op, err)
	}
	if err := pace.Pause(ctx); err != nil {
		return fault.FromContext(op, err)
	}

	input, err := first(
		func() (*rod.Element, error) { return p.Timeout(8 * time.Second).Element(`div.msg-form__contenteditable`) },
		func() (*rod.Element, error) { return p.Timeout(5 * time.Second).Element(`div[contenteditable="true"]`) },
	)
	if err != nil {
		return d.missing(op, "message input", err)
	}
	if err := input.Input(text); err != nil {
		return fault.Wrap(fault.TransientUnavailable, op, err)
	}
	if err := pace.Think(ctx); err != nil {
		return fault.FromContext(op, err)
	}

	send, err := first(
		func() (*rod.Element, error) { return p.Timeout(10 * time.Second).Element(`button.msg-form__send-button`) },
		func() (*rod.Element, error) { return p.Timeout(5*time.Second).ElementR("button", "^Send$") },
	)
	if err != nil {
		return d.missing(op, "send button", err)
	}
	if err := send.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fault.Wrap(fault.TransientUnavailable, op, err)
	}
	if err := pace.Pause(ctx); err != nil {
		return fault.FromContext(op, err)
	}
	d.log.Info("message sent", "url", profileURL, "length", len(text))
	return nil
}

func (d *rodDriver) Visit(ctx context.Context, profileURL string, pace pacing.Policy) Result {
	return FromError(d.visit(ctx, profileURL, pace))
}

func (d *rodDriver) visit(ctx context.Context, profileURL string, pace pacing.Policy) error {
	const op = "visit_profile"
	if err := d.openProfile(ctx, op, profileURL, pace); err != nil {
		return err
	}
	if !browser.HasElement(ctx, d.page, "h1") {
		return d.missing(op, "profile header", errors.New("no h1"))
	}
	p := d.page.Context(ctx)
	for i := 0; i < 3; i++ {
		if _, err := p.Eval(`(dy) => window.scrollBy({top: dy, behavior: 'smooth'})`, 400+i*150); err != nil {
			return fault.Wrap(fault.TransientUnavailable, op, err)
		}
		if err := pace.Pause(ctx); err != nil {
			return fault.FromContext(op, err)
		}
	}
	d.log.Info("profile visited", "url", profileURL)
	return nil
}

func (d *rodDriver) Export(ctx context.Context) ([]byte, error) {
	cookies, err := d.ctx.Cookies()
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	return json.Marshal(cookies)
}

func (d *rodDriver) Close() error {
	return d.ctx.Close()
}
