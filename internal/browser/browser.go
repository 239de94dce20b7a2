package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

type Options struct {
	Headless bool
	// ControlURL attaches to an already running browser instead of launching one.
	ControlURL     string
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	ScreenshotDir  string
}

// Browser is one Chrome process shared by every user session. Each session
// works in its own incognito context so cookies never leak between users.
type Browser struct {
	Rod  *rod.Browser
	opts Options
	log  *slog.Logger
}

func Launch(ctx context.Context, opts Options, log *slog.Logger) (*Browser, error) {
	log = log.With("module", "browser")
	url := opts.ControlURL
	if url == "" {
		// leakless off: it trips some antivirus products on Windows
		l := launcher.New().Context(ctx).Leakless(false).Headless(opts.Headless)
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		url = u
	}
	rb := rod.New().Context(ctx).ControlURL(url)
	if err := rb.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	// Detach the long-lived handle from the launch context.
	rb = rb.Context(context.Background())
	log.Info("browser ready", "headless", opts.Headless, "attached", opts.ControlURL != "")
	return &Browser{Rod: rb, opts: opts, log: log}, nil
}

// Context is an isolated browsing context owned by a single user session.
type Context struct {
	rod  *rod.Browser
	opts Options
}

// NewContext opens a fresh incognito context.
func (b *Browser) NewContext() (*Context, error) {
	inc, err := b.Rod.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	return &Context{rod: inc, opts: b.opts}, nil
}

// NewPage opens a blank page configured with the user agent and viewport.
func (c *Context) NewPage() (*rod.Page, error) {
	p, err := c.rod.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	if c.opts.UserAgent != "" {
		if err := p.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: c.opts.UserAgent}); err != nil {
			return nil, fmt.Errorf("set user agent: %w", err)
		}
	}
	if c.opts.ViewportWidth > 0 && c.opts.ViewportHeight > 0 {
		if err := p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             c.opts.ViewportWidth,
			Height:            c.opts.ViewportHeight,
			DeviceScaleFactor: 1,
		}); err != nil {
			return nil, fmt.Errorf("set viewport: %w", err)
		}
	}
	return p, nil
}

// Cookies returns every cookie of the context.
func (c *Context) Cookies() ([]*proto.NetworkCookie, error) {
	return c.rod.GetCookies()
}

// SetCookies installs cookies captured by Cookies.
func (c *Context) SetCookies(cookies []*proto.NetworkCookie) error {
	return c.rod.SetCookies(proto.CookiesToParams(cookies))
}

func (c *Context) ScreenshotDir() string { return c.opts.ScreenshotDir }

func (c *Context) Close() error {
	return c.rod.Close()
}

func (b *Browser) Close() {
	if b.Rod != nil {
		_ = b.Rod.Close()
	}
}

// Helpers

func Click(ctx context.Context, p *rod.Page, sel string, timeout time.Duration) error {
	el, err := p.Context(ctx).Timeout(timeout).Element(sel)
	if err != nil {
		return err
	}
	if err := el.WaitVisible(); err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// FindByText returns the first element matching sel whose text matches the
// regular expression.
func FindByText(ctx context.Context, p *rod.Page, sel, pattern string, timeout time.Duration) (*rod.Element, error) {
	return p.Context(ctx).Timeout(timeout).ElementR(sel, pattern)
}

func HasElement(ctx context.Context, p *rod.Page, sel string) bool {
	_, err := p.Context(ctx).Timeout(2 * time.Second).Element(sel)
	return err == nil
}

// ScreenshotOnError saves a full-page capture next to other failure artifacts
// and returns err unchanged.
func ScreenshotOnError(p *rod.Page, dir, prefix string, err error) error {
	if p == nil || err == nil || dir == "" {
		return err
	}
	bts, shotErr := p.Screenshot(true, &proto.PageCaptureScreenshot{})
	if shotErr != nil {
		return err
	}
	_ = os.MkdirAll(dir, 0o755)
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.png", prefix, time.Now().Unix()))
	_ = os.WriteFile(path, bts, 0o644)
	return err
}
