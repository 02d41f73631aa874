package login

import (
	"context"
	"fmt"
	"strings"
	"time"

	"browser-auth/internal/browser"
	"browser-auth/internal/common/config"
	autherrors "browser-auth/internal/common/errors"
	"browser-auth/internal/common/logger"
)

// Stage names one step of the login sequence. Stages run strictly in order;
// there is no skipping and no backward transition.
type Stage string

const (
	StageInitialize       Stage = "initialize"
	StageNavigateToLogin  Stage = "navigate_to_login"
	StageEnterIdentifier  Stage = "enter_identifier"
	StageEnterSecret      Stage = "enter_secret"
	StageHandleChallenges Stage = "handle_challenges"
	StageValidateLogin    Stage = "validate_login"
	StageNavigateToTarget Stage = "navigate_to_target"
	StageValidateTarget   Stage = "validate_target"
	StageComplete         Stage = "complete"
)

// Provider page selectors. These are the stable anchors of the login flow;
// everything else is located by page text.
const (
	selIdentifierField = "#identifierId"
	selIdentifierNext  = "#identifierNext"
	selSecretField     = "input[type='password']"
	selSecretNext      = "#passwordNext"
)

// consentSelectors cover the cookie dialog variants shown to fresh profiles.
var consentSelectors = []string{
	"button#L2AGLb",
	"button[aria-label='Accept all']",
	"text=I agree",
}

// Next-control variants per flow step, tried in order. The provider swaps
// between a bare div and a wrapped button depending on the experiment bucket.
var (
	identifierNextSelectors = []string{
		selIdentifierNext,
		"#identifierNext button",
		"button[jsname='LgbsSe']",
	}
	secretNextSelectors = []string{
		selSecretNext,
		"#passwordNext button",
		"button[jsname='LgbsSe']",
	}
)

// Positive confirmation that the provider granted a session: either the URL
// moved to a post-login domain or the page carries account chrome.
var (
	loggedInURLMarkers = []string{
		"myaccount.google.com",
		"business.google.com",
		"signinsuccess",
	}
	loggedInIndicators = []string{
		"manage your google account",
		"welcome to your google account",
		"google apps",
		"sign out",
	}
)

// metadataProbes pull lightweight account facts off the final page. Probing
// is best-effort; a missing element just leaves the key out.
var metadataProbes = []struct {
	Key       string
	Selectors []string
}{
	{"displayName", []string{"[data-attrid='title']", "h1"}},
	{"category", []string{"[data-attrid='subtitle']", ".business-category"}},
	{"address", []string{"[data-attrid='address']", "address"}},
}

// targetMissingIndicators mean the account is fine but has no resource to
// manage at the target.
var targetMissingIndicators = []string{
	"create your first",
	"add your business",
	"no businesses found",
	"get started",
}

// SequenceResult is the successful outcome of one full sequence run.
type SequenceResult struct {
	FinalURL   string
	Title      string
	Metadata   map[string]string
	Timings    map[Stage]time.Duration
	Screenshot []byte
}

// Engine drives one login attempt over a single page. An Engine is
// single-use; the manager constructs a fresh one per attempt.
type Engine struct {
	page     browser.Page
	cfg      config.LoginConfig
	human    *Humanizer
	detector *ChallengeDetector
	log      logger.Logger
	traceID  string

	timings        map[Stage]time.Duration
	lastScreenshot []byte
}

// LastScreenshot returns the page capture taken when a challenge was
// detected, or nil if the run never hit one.
func (e *Engine) LastScreenshot() []byte {
	return e.lastScreenshot
}

func NewEngine(page browser.Page, cfg config.LoginConfig, human *Humanizer, log logger.Logger, traceID string) *Engine {
	return &Engine{
		page:     page,
		cfg:      cfg,
		human:    human,
		detector: NewChallengeDetector(page),
		log:      log,
		traceID:  traceID,
		timings:  make(map[Stage]time.Duration),
	}
}

func (e *Engine) stepTimeout() time.Duration {
	return config.GetDuration(e.cfg.StepTimeout)
}

// Run executes the full stage sequence within the configured time budget.
// The first stage to fail aborts the run; its error carries the stage name.
func (e *Engine) Run(ctx context.Context, identifier, secret string) (*SequenceResult, error) {
	budget := config.GetDuration(e.cfg.Timeout)
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	stages := []struct {
		stage Stage
		fn    func(context.Context) error
	}{
		{StageInitialize, e.initialize},
		{StageNavigateToLogin, e.navigateToLogin},
		{StageEnterIdentifier, func(c context.Context) error { return e.enterIdentifier(c, identifier) }},
		{StageEnterSecret, func(c context.Context) error { return e.enterSecret(c, secret) }},
		{StageHandleChallenges, e.handleChallenges},
		{StageValidateLogin, e.validateLogin},
		{StageNavigateToTarget, e.navigateToTarget},
		{StageValidateTarget, e.validateTarget},
	}

	for _, s := range stages {
		start := time.Now()
		err := s.fn(runCtx)
		e.timings[s.stage] = time.Since(start)

		if err != nil {
			if runCtx.Err() == context.DeadlineExceeded {
				err = autherrors.NewTimeoutError(budget)
			}
			if ae, ok := autherrors.AsAuthError(err); ok {
				ae.WithContext("", e.traceID, string(s.stage))
			}
			e.log.Warn("login stage failed", map[string]interface{}{
				"traceId": e.traceID,
				"stage":   string(s.stage),
				"error":   err.Error(),
			})
			return nil, err
		}

		e.log.Debug("login stage completed", map[string]interface{}{
			"traceId":    e.traceID,
			"stage":      string(s.stage),
			"durationMs": e.timings[s.stage].Milliseconds(),
		})
	}

	return e.complete(runCtx)
}

func (e *Engine) initialize(ctx context.Context) error {
	if e.cfg.Stealth {
		if err := ApplyStealth(ctx, e.page); err != nil {
			return autherrors.NewActionFailedError("apply stealth script", err)
		}
	}
	return nil
}

func (e *Engine) navigateToLogin(ctx context.Context) error {
	if err := e.navigateWithRetry(ctx, e.cfg.IdentifierURL); err != nil {
		return err
	}
	e.acceptConsent(ctx)
	e.human.Delay(ctx, 1*time.Second, 3*time.Second)
	return nil
}

// acceptConsent dismisses the cookie dialog if one is shown. Absence of the
// dialog is the common case and not an error.
func (e *Engine) acceptConsent(ctx context.Context) {
	for _, selector := range consentSelectors {
		visible, err := e.page.IsVisible(ctx, selector)
		if err != nil || !visible {
			continue
		}
		if err := e.human.Click(ctx, e.page, selector, e.stepTimeout()); err == nil {
			e.log.Debug("dismissed consent dialog", map[string]interface{}{
				"traceId":  e.traceID,
				"selector": selector,
			})
		}
		return
	}
}

func (e *Engine) enterIdentifier(ctx context.Context, identifier string) error {
	if err := e.page.WaitForSelector(ctx, selIdentifierField, e.stepTimeout()); err != nil {
		return err
	}
	if err := e.human.Click(ctx, e.page, selIdentifierField, e.stepTimeout()); err != nil {
		return err
	}
	if err := e.human.Type(ctx, e.page, selIdentifierField, identifier); err != nil {
		return err
	}
	e.human.Pause(ctx)

	if err := e.submit(ctx, identifierNextSelectors, selIdentifierField); err != nil {
		return err
	}
	e.human.Delay(ctx, 2*time.Second, 3*time.Second)

	// The provider rejects unknown identifiers and raises bot checks before
	// ever showing the secret prompt.
	if challengeErr, screenshot := e.detector.Detect(ctx, true); challengeErr != nil {
		e.lastScreenshot = screenshot
		return challengeErr
	}
	return nil
}

func (e *Engine) enterSecret(ctx context.Context, secret string) error {
	if err := e.page.WaitForSelector(ctx, selSecretField, e.stepTimeout()); err != nil {
		return err
	}
	if err := e.human.Click(ctx, e.page, selSecretField, e.stepTimeout()); err != nil {
		return err
	}
	if err := e.human.Type(ctx, e.page, selSecretField, secret); err != nil {
		return err
	}
	e.human.Pause(ctx)

	if err := e.submit(ctx, secretNextSelectors, selSecretField); err != nil {
		return err
	}

	// The post-secret page varies, so wait for the network to settle rather
	// than for a specific field.
	if err := e.page.WaitForNetworkIdle(ctx, e.stepTimeout()); err != nil {
		e.log.Debug("network did not settle after secret submit", map[string]interface{}{
			"traceId": e.traceID,
			"error":   err.Error(),
		})
	}
	e.human.Delay(ctx, 1*time.Second, 2*time.Second)
	return nil
}

// submit clicks the flow's next control, trying the known variants in order
// and falling back to Enter on the field when none is present.
func (e *Engine) submit(ctx context.Context, buttonSelectors []string, fieldSelector string) error {
	for _, selector := range buttonSelectors {
		visible, err := e.page.IsVisible(ctx, selector)
		if err != nil || !visible {
			continue
		}
		return e.human.Click(ctx, e.page, selector, e.stepTimeout())
	}
	return e.page.Press(ctx, fieldSelector, "Enter")
}

func (e *Engine) handleChallenges(ctx context.Context) error {
	if challengeErr, screenshot := e.detector.Detect(ctx, false); challengeErr != nil {
		e.lastScreenshot = screenshot
		return challengeErr
	}
	return nil
}

// validateLogin confirms the provider actually granted a session rather than
// silently re-rendering the sign-in flow. Only a positive signal (post-login
// URL or account chrome) counts as success.
func (e *Engine) validateLogin(ctx context.Context) error {
	url := strings.ToLower(e.page.URL())
	for _, marker := range loggedInURLMarkers {
		if strings.Contains(url, marker) {
			return nil
		}
	}
	if content, err := e.page.Content(ctx); err == nil {
		lower := strings.ToLower(content)
		for _, indicator := range loggedInIndicators {
			if strings.Contains(lower, indicator) {
				return nil
			}
		}
	}

	// Nothing confirms a granted session. Challenges can render a beat after
	// the handle-challenges pass, so look once more before giving up.
	if challengeErr, screenshot := e.detector.Detect(ctx, false); challengeErr != nil {
		e.lastScreenshot = screenshot
		return challengeErr
	}

	if visible, err := e.page.IsVisible(ctx, selSecretField); err == nil && visible {
		return autherrors.NewLoginNotValidatedError("secret prompt still visible after submit")
	}
	return autherrors.NewLoginNotValidatedError(fmt.Sprintf("no logged-in indicator found at %s", url))
}

func (e *Engine) navigateToTarget(ctx context.Context) error {
	if err := e.navigateWithRetry(ctx, e.cfg.TargetURL); err != nil {
		return err
	}
	e.human.Delay(ctx, 1*time.Second, 2*time.Second)
	return nil
}

func (e *Engine) validateTarget(ctx context.Context) error {
	url := strings.ToLower(e.page.URL())
	for _, marker := range []string{"signin", "servicelogin"} {
		if strings.Contains(url, marker) {
			return autherrors.NewTargetNotValidatedError(fmt.Sprintf("target redirected to auth page: %s", url))
		}
	}

	content, err := e.page.Content(ctx)
	if err != nil {
		return autherrors.NewTargetNotValidatedError(fmt.Sprintf("could not read target page: %v", err))
	}
	lower := strings.ToLower(content)
	for _, indicator := range targetMissingIndicators {
		if strings.Contains(lower, indicator) {
			return autherrors.NewTargetNotFoundError("target shows onboarding instead of a managed resource")
		}
	}
	return nil
}

func (e *Engine) complete(ctx context.Context) (*SequenceResult, error) {
	start := time.Now()
	title, err := e.page.Title(ctx)
	if err != nil {
		title = ""
	}
	metadata := e.probeMetadata(ctx)
	screenshot, _ := e.page.Screenshot(ctx)
	e.timings[StageComplete] = time.Since(start)

	return &SequenceResult{
		FinalURL:   e.page.URL(),
		Title:      title,
		Metadata:   metadata,
		Timings:    e.timings,
		Screenshot: screenshot,
	}, nil
}

// probeMetadata reads display text off the final page. Every probe failure
// is swallowed; metadata is diagnostic, never load-bearing.
func (e *Engine) probeMetadata(ctx context.Context) map[string]string {
	metadata := make(map[string]string)
	for _, probe := range metadataProbes {
		for _, selector := range probe.Selectors {
			script := fmt.Sprintf(
				`(() => { const el = document.querySelector(%q); return el ? el.textContent.trim() : ""; })()`,
				selector,
			)
			value, err := e.page.Evaluate(ctx, script)
			if err != nil {
				continue
			}
			if text, ok := value.(string); ok && strings.TrimSpace(text) != "" {
				metadata[probe.Key] = strings.TrimSpace(text)
				break
			}
		}
	}
	return metadata
}

// navigateWithRetry retries transient navigation failures with growing
// backoff. Non-navigation errors and context expiry abort immediately.
func (e *Engine) navigateWithRetry(ctx context.Context, url string) error {
	const attempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(backoff):
			}
			backoff *= 3
		}

		if lastErr = e.page.Navigate(ctx, url, e.stepTimeout()); lastErr == nil {
			return nil
		}
		e.log.Warn("navigation attempt failed", map[string]interface{}{
			"traceId": e.traceID,
			"url":     url,
			"attempt": i + 1,
			"error":   lastErr.Error(),
		})
	}
	return lastErr
}
