package login

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"browser-auth/internal/browser"
	autherrors "browser-auth/internal/common/errors"
	"browser-auth/internal/models"
)

// scriptedPage simulates the provider's login flow as a small state machine:
// blank -> identifier -> password -> loggedin. Outcome fields inject the
// provider's failure pages.
type scriptedPage struct {
	state   string
	url     string
	content string

	// identifierOutcome, when set, is the page content rendered after the
	// identifier is submitted instead of advancing to the password page.
	identifierOutcome string
	// secretOutcome, when set, is the page content rendered after the
	// secret is submitted instead of logging in.
	secretOutcome string
	targetContent string

	// pendingContent replaces the page content after pendingAfter further
	// Content reads, simulating text that renders asynchronously.
	pendingContent string
	pendingAfter   int

	// domText maps selectors to the text Evaluate probes find for them.
	domText map[string]string

	navFailures int

	navigations []string
	filled      map[string]string
	clicks      []string
	pressed     []string
	initScripts int
	idleWaits   int
	closed      bool
}

func newScriptedPage() *scriptedPage {
	return &scriptedPage{
		state:         "blank",
		url:           "about:blank",
		targetContent: "dashboard overview for your business",
		filled:        make(map[string]string),
	}
}

func (p *scriptedPage) Navigate(_ context.Context, url string, _ time.Duration) error {
	p.navigations = append(p.navigations, url)
	if p.navFailures > 0 {
		p.navFailures--
		return autherrors.NewNavigationFailedError(url, errors.New("net::ERR_CONNECTION_RESET"))
	}

	if strings.Contains(url, "ServiceLogin") {
		p.state = "identifier"
		p.url = url
		p.content = "Sign in with your Google Account"
		return nil
	}

	if p.state == "loggedin" {
		p.url = url
		p.content = p.targetContent
	} else {
		p.url = "https://accounts.google.com/ServiceLogin?continue=" + url
		p.content = "Sign in"
	}
	return nil
}

func (p *scriptedPage) URL() string { return p.url }

func (p *scriptedPage) Title(context.Context) (string, error) { return "Google Account", nil }

func (p *scriptedPage) Content(context.Context) (string, error) {
	if p.pendingContent != "" {
		if p.pendingAfter > 0 {
			p.pendingAfter--
		} else {
			p.content = p.pendingContent
			p.pendingContent = ""
		}
	}
	return p.content, nil
}

func (p *scriptedPage) Click(_ context.Context, selector string, _ browser.ClickOptions) error {
	p.clicks = append(p.clicks, selector)
	switch selector {
	case selIdentifierNext:
		if p.state == "identifier" {
			if p.identifierOutcome != "" {
				p.content = p.identifierOutcome
			} else {
				p.state = "password"
				p.content = "Enter your password"
			}
		}
	case selSecretNext:
		if p.state == "password" {
			if p.secretOutcome != "" {
				p.content = p.secretOutcome
			} else {
				p.state = "loggedin"
				p.url = "https://myaccount.google.com/"
				p.content = "Welcome to your Google Account"
			}
		}
	}
	return nil
}

func (p *scriptedPage) Fill(_ context.Context, selector, value string, _ time.Duration) error {
	p.filled[selector] = value
	return nil
}

func (p *scriptedPage) Type(_ context.Context, selector, text string) error {
	p.filled[selector] += text
	return nil
}

func (p *scriptedPage) Press(_ context.Context, selector, key string) error {
	p.pressed = append(p.pressed, selector+":"+key)
	return nil
}

func (p *scriptedPage) WaitForNetworkIdle(context.Context, time.Duration) error {
	p.idleWaits++
	return nil
}

func (p *scriptedPage) WaitForSelector(_ context.Context, selector string, _ time.Duration) error {
	if p.selectorVisible(selector) {
		return nil
	}
	return autherrors.NewSelectorNotFoundError(selector, errors.New("timeout waiting for selector"))
}

func (p *scriptedPage) IsVisible(_ context.Context, selector string) (bool, error) {
	return p.selectorVisible(selector), nil
}

func (p *scriptedPage) selectorVisible(selector string) bool {
	switch selector {
	case selIdentifierField, selIdentifierNext:
		return p.state == "identifier"
	case selSecretField, selSecretNext:
		return p.state == "password"
	}
	return false
}

func (p *scriptedPage) Evaluate(_ context.Context, script string) (interface{}, error) {
	if strings.Contains(script, "setItem") {
		return nil, nil
	}
	if strings.Contains(script, "querySelector") {
		for selector, text := range p.domText {
			if strings.Contains(script, selector) {
				return text, nil
			}
		}
		return "", nil
	}
	return map[string]interface{}{
		"local":   map[string]interface{}{"dashboard": "visited"},
		"session": map[string]interface{}{},
	}, nil
}

func (p *scriptedPage) AddInitScript(context.Context, string) error {
	p.initScripts++
	return nil
}

func (p *scriptedPage) Screenshot(context.Context) ([]byte, error) {
	return []byte("screenshot"), nil
}

func (p *scriptedPage) Close() error {
	p.closed = true
	return nil
}

// fakeDriver hands out scripted pages built by pageFactory.
type fakeDriver struct {
	mu          sync.Mutex
	launches    int
	pages       []*scriptedPage
	pageFactory func() *scriptedPage
}

func newFakeDriver(pageFactory func() *scriptedPage) *fakeDriver {
	if pageFactory == nil {
		pageFactory = newScriptedPage
	}
	return &fakeDriver{pageFactory: pageFactory}
}

func (d *fakeDriver) Launch(context.Context, browser.LaunchOptions) (browser.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launches++
	return &fakeBrowser{driver: d}, nil
}

func (d *fakeDriver) Close() error { return nil }

func (d *fakeDriver) launchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launches
}

type fakeBrowser struct {
	driver *fakeDriver
}

func (b *fakeBrowser) NewContext(context.Context, browser.ContextOptions) (browser.Context, error) {
	return &fakeContext{driver: b.driver}, nil
}

func (b *fakeBrowser) Close() error { return nil }

type fakeContext struct {
	driver  *fakeDriver
	cookies []models.Cookie
}

func (c *fakeContext) NewPage(context.Context) (browser.Page, error) {
	page := c.driver.pageFactory()
	c.driver.mu.Lock()
	c.driver.pages = append(c.driver.pages, page)
	c.driver.mu.Unlock()
	return page, nil
}

func (c *fakeContext) AddCookies(_ context.Context, cookies []models.Cookie) error {
	c.cookies = append(c.cookies, cookies...)
	return nil
}

func (c *fakeContext) Cookies(context.Context) ([]models.Cookie, error) {
	if len(c.cookies) == 0 {
		return []models.Cookie{{Name: "SID", Value: "granted", Domain: ".google.com", Path: "/"}}, nil
	}
	return c.cookies, nil
}

func (c *fakeContext) Close() error { return nil }
