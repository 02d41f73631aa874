package browser

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	autherrors "browser-auth/internal/common/errors"
	"browser-auth/internal/models"
)

// PlaywrightDriver adapts the playwright client to the Driver interface.
type PlaywrightDriver struct {
	pw *playwright.Playwright
}

// NewPlaywrightDriver installs browser binaries if needed and starts the
// playwright service process. Output is discarded so it does not interleave
// with structured logs.
func NewPlaywrightDriver() (*PlaywrightDriver, error) {
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return nil, autherrors.NewDriverLaunchFailedError(err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, autherrors.NewDriverLaunchFailedError(err)
	}
	return &PlaywrightDriver{pw: pw}, nil
}

func (d *PlaywrightDriver) Launch(_ context.Context, opts LaunchOptions) (Browser, error) {
	b, err := d.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     opts.Args,
	})
	if err != nil {
		return nil, autherrors.NewDriverLaunchFailedError(err)
	}
	return &playwrightBrowser{browser: b}, nil
}

func (d *PlaywrightDriver) Close() error {
	return d.pw.Stop()
}

type playwrightBrowser struct {
	browser playwright.Browser
}

func (b *playwrightBrowser) NewContext(_ context.Context, opts ContextOptions) (Context, error) {
	ctxOpts := playwright.BrowserNewContextOptions{}
	if opts.UserAgent != "" {
		ctxOpts.UserAgent = playwright.String(opts.UserAgent)
	}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		ctxOpts.Viewport = &playwright.Size{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		}
	}
	pc, err := b.browser.NewContext(ctxOpts)
	if err != nil {
		return nil, fmt.Errorf("new browser context: %w", err)
	}
	return &playwrightContext{ctx: pc}, nil
}

func (b *playwrightBrowser) Close() error {
	return b.browser.Close()
}

type playwrightContext struct {
	ctx playwright.BrowserContext
}

func (c *playwrightContext) NewPage(_ context.Context) (Page, error) {
	p, err := c.ctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	return &playwrightPage{page: p}, nil
}

func (c *playwrightContext) AddCookies(_ context.Context, cookies []models.Cookie) error {
	converted := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, cookie := range cookies {
		oc := playwright.OptionalCookie{
			Name:   cookie.Name,
			Value:  cookie.Value,
			Domain: playwright.String(cookie.Domain),
			Path:   playwright.String(cookie.Path),
		}
		if cookie.Expires > 0 {
			oc.Expires = playwright.Float(cookie.Expires)
		}
		if cookie.HTTPOnly {
			oc.HttpOnly = playwright.Bool(true)
		}
		if cookie.Secure {
			oc.Secure = playwright.Bool(true)
		}
		if ss := toSameSite(cookie.SameSite); ss != nil {
			oc.SameSite = ss
		}
		converted = append(converted, oc)
	}
	return c.ctx.AddCookies(converted)
}

func (c *playwrightContext) Cookies(_ context.Context) ([]models.Cookie, error) {
	raw, err := c.ctx.Cookies()
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	cookies := make([]models.Cookie, 0, len(raw))
	for _, cookie := range raw {
		mc := models.Cookie{
			Name:     cookie.Name,
			Value:    cookie.Value,
			Domain:   cookie.Domain,
			Path:     cookie.Path,
			Expires:  cookie.Expires,
			HTTPOnly: cookie.HttpOnly,
			Secure:   cookie.Secure,
		}
		if cookie.SameSite != nil {
			mc.SameSite = string(*cookie.SameSite)
		}
		cookies = append(cookies, mc)
	}
	return cookies, nil
}

func (c *playwrightContext) Close() error {
	return c.ctx.Close()
}

type playwrightPage struct {
	page playwright.Page
}

func (p *playwrightPage) Navigate(_ context.Context, url string, timeout time.Duration) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   toMillis(timeout),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return autherrors.NewNavigationFailedError(url, err)
	}
	return nil
}

func (p *playwrightPage) URL() string {
	return p.page.URL()
}

func (p *playwrightPage) Title(_ context.Context) (string, error) {
	return p.page.Title()
}

func (p *playwrightPage) Content(_ context.Context) (string, error) {
	return p.page.Content()
}

func (p *playwrightPage) Click(_ context.Context, selector string, opts ClickOptions) error {
	clickOpts := playwright.PageClickOptions{
		Timeout: toMillis(opts.Timeout),
	}
	if opts.OffsetX != 0 || opts.OffsetY != 0 {
		clickOpts.Position = &playwright.Position{X: opts.OffsetX, Y: opts.OffsetY}
	}
	if err := p.page.Click(selector, clickOpts); err != nil {
		return autherrors.NewActionFailedError("click "+selector, err)
	}
	return nil
}

func (p *playwrightPage) Fill(_ context.Context, selector, value string, timeout time.Duration) error {
	if err := p.page.Fill(selector, value, playwright.PageFillOptions{Timeout: toMillis(timeout)}); err != nil {
		return autherrors.NewActionFailedError("fill "+selector, err)
	}
	return nil
}

func (p *playwrightPage) Type(_ context.Context, selector, text string) error {
	if err := p.page.Type(selector, text); err != nil {
		return autherrors.NewActionFailedError("type "+selector, err)
	}
	return nil
}

func (p *playwrightPage) Press(_ context.Context, selector, key string) error {
	if err := p.page.Press(selector, key); err != nil {
		return autherrors.NewActionFailedError("press "+selector, err)
	}
	return nil
}

func (p *playwrightPage) WaitForSelector(_ context.Context, selector string, timeout time.Duration) error {
	_, err := p.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: toMillis(timeout),
	})
	if err != nil {
		return autherrors.NewSelectorNotFoundError(selector, err)
	}
	return nil
}

func (p *playwrightPage) WaitForNetworkIdle(_ context.Context, timeout time.Duration) error {
	return p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: toMillis(timeout),
	})
}

func (p *playwrightPage) IsVisible(_ context.Context, selector string) (bool, error) {
	return p.page.IsVisible(selector)
}

func (p *playwrightPage) Evaluate(_ context.Context, script string) (interface{}, error) {
	return p.page.Evaluate(script)
}

func (p *playwrightPage) AddInitScript(_ context.Context, script string) error {
	return p.page.AddInitScript(playwright.Script{Content: playwright.String(script)})
}

func (p *playwrightPage) Screenshot(_ context.Context) ([]byte, error) {
	return p.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
	})
}

func (p *playwrightPage) Close() error {
	return p.page.Close()
}

func toMillis(d time.Duration) *float64 {
	if d <= 0 {
		return nil
	}
	return playwright.Float(float64(d.Milliseconds()))
}

func toSameSite(value string) *playwright.SameSiteAttribute {
	switch strings.ToLower(value) {
	case "lax":
		return playwright.SameSiteAttributeLax
	case "strict":
		return playwright.SameSiteAttributeStrict
	case "none":
		return playwright.SameSiteAttributeNone
	}
	return nil
}
