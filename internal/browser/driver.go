// Package browser wraps the browser automation driver behind small
// interfaces so the pool and login sequence can be exercised against stubs.
package browser

import (
	"context"
	"time"

	"browser-auth/internal/models"
)

// LaunchOptions controls how a browser process is started.
type LaunchOptions struct {
	Headless bool
	// Args are extra process flags, e.g. automation-fingerprint removal.
	Args []string
}

// ContextOptions controls the isolated profile a browser context runs with.
type ContextOptions struct {
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
}

// ClickOptions shape a single click action.
type ClickOptions struct {
	// OffsetX/OffsetY click at an offset from the element's top-left corner
	// instead of dead center. Zero values mean center.
	OffsetX float64
	OffsetY float64
	Timeout time.Duration
}

// Driver launches browser processes. There is one driver per service
// process; browsers, contexts, and pages hang off it.
type Driver interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
	Close() error
}

// Browser is one running browser process.
type Browser interface {
	NewContext(ctx context.Context, opts ContextOptions) (Context, error)
	Close() error
}

// Context is an isolated cookie/storage profile inside a browser process.
type Context interface {
	NewPage(ctx context.Context) (Page, error)
	AddCookies(ctx context.Context, cookies []models.Cookie) error
	Cookies(ctx context.Context) ([]models.Cookie, error)
	Close() error
}

// Page is a single tab. All selector-based operations wait for the element
// up to the given timeout and return a typed error on failure.
type Page interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	URL() string
	Title(ctx context.Context) (string, error)
	Content(ctx context.Context) (string, error)
	Click(ctx context.Context, selector string, opts ClickOptions) error
	Fill(ctx context.Context, selector, value string, timeout time.Duration) error
	Type(ctx context.Context, selector, text string) error
	Press(ctx context.Context, selector, key string) error
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
	WaitForNetworkIdle(ctx context.Context, timeout time.Duration) error
	IsVisible(ctx context.Context, selector string) (bool, error)
	Evaluate(ctx context.Context, script string) (interface{}, error)
	AddInitScript(ctx context.Context, script string) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}
