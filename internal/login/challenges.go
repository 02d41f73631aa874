package login

import (
	"context"
	"strings"

	"browser-auth/internal/browser"
	autherrors "browser-auth/internal/common/errors"
	"browser-auth/internal/common/metrics"
)

// ChallengePattern describes one provider interruption: the selectors that
// render it and the page-text fragments that name it. Matching either signal
// counts as detection.
type ChallengePattern struct {
	Challenge  autherrors.Challenge
	Selectors  []string
	Indicators []string
	Build      func() *autherrors.AuthError
}

// ChallengePatterns is checked in order; the first match wins. CAPTCHA and
// activity checks come before the wrong-secret pattern because the provider
// renders them on the same page as generic error text, and misclassifying a
// CAPTCHA as bad credentials would burn login attempts against a locked
// account.
var ChallengePatterns = []ChallengePattern{
	{
		Challenge: autherrors.ChallengeCaptcha,
		Selectors: []string{"#captchaimg", "iframe[src*='recaptcha']", "#recaptcha"},
		Indicators: []string{
			"captcha",
			"security check",
			"prove you're not a robot",
			"recaptcha",
		},
		Build: autherrors.NewCaptchaRequiredError,
	},
	{
		Challenge: autherrors.ChallengeUnusualActivity,
		Indicators: []string{
			"unusual activity",
			"suspicious activity",
			"unusual sign in",
			"suspicious login attempt",
			"security alert",
			"security challenge",
		},
		Build: autherrors.NewUnusualActivityError,
	},
	{
		Challenge: autherrors.ChallengeAccountNotFound,
		Indicators: []string{
			"couldn't find your google account",
			"couldn't find account",
			"email not found",
			"no account found",
		},
		Build: func() *autherrors.AuthError {
			return autherrors.NewAccountNotFoundError("provider reported no matching account")
		},
	},
	{
		Challenge: autherrors.ChallengeWrongSecret,
		Selectors: []string{".OVnw0d", ".PrDSKc"},
		Indicators: []string{
			"password is incorrect",
			"wrong password",
			"password was incorrect",
			"your password was incorrect",
			"check your password",
		},
		Build: func() *autherrors.AuthError {
			return autherrors.NewInvalidCredentialsError("provider rejected the password")
		},
	},
	{
		Challenge: autherrors.ChallengeTwoFactor,
		Selectors: []string{"#challengePickerList"},
		Indicators: []string{
			"2-step verification",
			"two-factor",
			"2fa",
			"enter verification code",
			"enter the code",
		},
		Build: autherrors.NewTwoFactorRequiredError,
	},
	{
		Challenge: autherrors.ChallengeVerification,
		Indicators: []string{
			"verification required",
			"verify it's you",
			"confirm your identity",
			"additional verification",
			"needs additional verification",
		},
		Build: func() *autherrors.AuthError {
			return autherrors.NewVerificationRequiredError("provider requires out-of-band verification")
		},
	},
	{
		Challenge: autherrors.ChallengeAccountDisabled,
		Indicators: []string{
			"account disabled",
			"account has been disabled",
			"account suspended",
		},
		Build: func() *autherrors.AuthError {
			return autherrors.NewAccountDisabledError("provider reports the account as disabled")
		},
	},
	{
		Challenge: autherrors.ChallengeAccountDisabled,
		Indicators: []string{
			"too many failed attempts",
			"try again later",
			"temporary lock",
			"account is locked",
		},
		Build: func() *autherrors.AuthError {
			return autherrors.NewAccountLockedError("provider reports a temporary lockout")
		},
	},
	{
		Challenge: autherrors.ChallengeNewDevice,
		Indicators: []string{
			"confirm it's you on this device",
			"new device",
			"check your phone",
			"tap yes on your phone",
		},
		Build: autherrors.NewDeviceConfirmationError,
	},
}

// postIdentifierChallenges are the only interruptions the provider can raise
// before a secret has been submitted.
var postIdentifierChallenges = map[autherrors.Challenge]bool{
	autherrors.ChallengeAccountNotFound: true,
	autherrors.ChallengeCaptcha:         true,
	autherrors.ChallengeUnusualActivity: true,
}

// ChallengeDetector scans the current page for provider interruptions and
// captures a screenshot of whatever it finds.
type ChallengeDetector struct {
	page browser.Page
}

func NewChallengeDetector(page browser.Page) *ChallengeDetector {
	return &ChallengeDetector{page: page}
}

// Detect returns a typed error for the first matching challenge pattern, or
// nil when the page looks clean. When postIdentifierOnly is set, only the
// patterns possible before secret entry are considered. The returned
// screenshot is best-effort and may be nil.
func (d *ChallengeDetector) Detect(ctx context.Context, postIdentifierOnly bool) (*autherrors.AuthError, []byte) {
	content, err := d.page.Content(ctx)
	if err != nil {
		content = ""
	}
	content = strings.ToLower(content)

	for _, pattern := range ChallengePatterns {
		if postIdentifierOnly && !postIdentifierChallenges[pattern.Challenge] {
			continue
		}
		if !d.matches(ctx, pattern, content) {
			continue
		}

		metrics.ChallengesDetected.WithLabelValues(string(pattern.Challenge)).Inc()
		screenshot, _ := d.page.Screenshot(ctx)
		return pattern.Build(), screenshot
	}
	return nil, nil
}

func (d *ChallengeDetector) matches(ctx context.Context, pattern ChallengePattern, content string) bool {
	for _, selector := range pattern.Selectors {
		if visible, err := d.page.IsVisible(ctx, selector); err == nil && visible {
			return true
		}
	}
	for _, indicator := range pattern.Indicators {
		if strings.Contains(content, indicator) {
			return true
		}
	}
	return false
}
