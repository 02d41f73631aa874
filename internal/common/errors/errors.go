// Package errors provides the typed error taxonomy for the login
// orchestration service.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ==========================
// 1. Sentinel Errors
// ==========================

var (
	// ErrStoreUnavailable signals that the session store connection is down.
	// Callers treat this as "assume no cached session" rather than failing.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrSessionLocked signals that another caller holds the advisory lock
	// for a session. Transient; retry at the manager level.
	ErrSessionLocked = errors.New("session update lock held")

	// ErrSessionNotFound signals that a session record does not exist.
	ErrSessionNotFound = errors.New("session not found")
)

// ==========================
// 2. Error Codes
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Credential errors: terminal, caller should prompt for corrected input.
	ErrCodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	ErrCodeAccountNotFound    ErrorCode = "ACCOUNT_NOT_FOUND"
	ErrCodeAccountDisabled    ErrorCode = "ACCOUNT_DISABLED"
	ErrCodeAccountLocked      ErrorCode = "ACCOUNT_LOCKED"

	// Challenge conditions: terminal for the automated attempt, a human must act.
	ErrCodeCaptchaRequired      ErrorCode = "CAPTCHA_REQUIRED"
	ErrCodeTwoFactorRequired    ErrorCode = "TWO_FACTOR_REQUIRED"
	ErrCodeVerificationRequired ErrorCode = "VERIFICATION_REQUIRED"
	ErrCodeDeviceConfirmation   ErrorCode = "DEVICE_CONFIRMATION_REQUIRED"
	ErrCodeUnusualActivity      ErrorCode = "UNUSUAL_ACTIVITY"

	// Transient/technical errors: retried automatically within bounds.
	ErrCodeNavigationFailed ErrorCode = "NAVIGATION_FAILED"
	ErrCodeSelectorNotFound ErrorCode = "SELECTOR_NOT_FOUND"
	ErrCodeActionFailed     ErrorCode = "ACTION_FAILED"
	ErrCodeTimeout          ErrorCode = "TIMEOUT"

	// Validation errors after the provider accepted credentials.
	ErrCodeLoginNotValidated  ErrorCode = "LOGIN_NOT_VALIDATED"
	ErrCodeTargetNotFound     ErrorCode = "TARGET_NOT_FOUND"
	ErrCodeTargetNotValidated ErrorCode = "TARGET_NOT_VALIDATED"

	// Infrastructure errors.
	ErrCodeStoreUnavailable   ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeDriverLaunchFailed ErrorCode = "DRIVER_LAUNCH_FAILED"
)

// Challenge classifies a provider-rendered interruption that blocks fully
// automated login. Detection order matters; see login.ChallengePatterns.
type Challenge string

const (
	ChallengeNone            Challenge = ""
	ChallengeAccountNotFound Challenge = "account_not_found"
	ChallengeCaptcha         Challenge = "captcha"
	ChallengeUnusualActivity Challenge = "unusual_activity"
	ChallengeWrongSecret     Challenge = "wrong_secret"
	ChallengeTwoFactor       Challenge = "two_factor"
	ChallengeVerification    Challenge = "verification"
	ChallengeAccountDisabled Challenge = "account_disabled"
	ChallengeNewDevice       Challenge = "new_device"
)

// ==========================
// 3. AuthError
// ==========================

// AuthError is the structured error crossing the engine boundary. Every error
// raised inside the login sequence is wrapped with trace id, owner id, and
// stage context before it reaches callers.
type AuthError struct {
	Code               ErrorCode              `json:"code"`
	Message            string                 `json:"message"`
	Details            string                 `json:"details,omitempty"`
	OwnerID            string                 `json:"ownerId,omitempty"`
	TraceID            string                 `json:"traceId,omitempty"`
	Stage              string                 `json:"stage,omitempty"`
	Challenge          Challenge              `json:"challenge,omitempty"`
	RecoverySuggestion string                 `json:"recoverySuggestion,omitempty"`
	Retryable          bool                   `json:"retryable"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	Timestamp          time.Time              `json:"timestamp"`
	cause              error
}

func (e *AuthError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("AuthError[%s] at %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("AuthError[%s]: %s", e.Code, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.cause
}

// WithContext attaches orchestration context without changing classification.
func (e *AuthError) WithContext(ownerID, traceID, stage string) *AuthError {
	if e.OwnerID == "" {
		e.OwnerID = ownerID
	}
	if e.TraceID == "" {
		e.TraceID = traceID
	}
	if e.Stage == "" {
		e.Stage = stage
	}
	return e
}

// WithMeta attaches a diagnostic key/value pair.
func (e *AuthError) WithMeta(key string, value interface{}) *AuthError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// ==========================
// 4. Constructors
// ==========================

func newError(code ErrorCode, message string, retryable bool) *AuthError {
	return &AuthError{
		Code:      code,
		Message:   message,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidCredentialsError creates a non-retryable wrong-secret error.
func NewInvalidCredentialsError(details string) *AuthError {
	e := newError(ErrCodeInvalidCredentials, "The secret provided was rejected by the provider", false)
	e.Details = details
	e.Challenge = ChallengeWrongSecret
	e.RecoverySuggestion = "Check the password and try again"
	return e
}

// NewAccountNotFoundError creates a non-retryable unknown-identifier error.
func NewAccountNotFoundError(identifier string) *AuthError {
	e := newError(ErrCodeAccountNotFound, "No account exists for the given identifier", false)
	e.Details = fmt.Sprintf("identifier: %s", identifier)
	e.Challenge = ChallengeAccountNotFound
	e.RecoverySuggestion = "Verify the email address is spelled correctly"
	return e
}

// NewAccountDisabledError creates a non-retryable disabled/locked-account error.
func NewAccountDisabledError(details string) *AuthError {
	e := newError(ErrCodeAccountDisabled, "The account is disabled or locked", false)
	e.Details = details
	e.Challenge = ChallengeAccountDisabled
	e.RecoverySuggestion = "Recover the account through the provider's account recovery flow"
	return e
}

// NewAccountLockedError creates a non-retryable rate-limit/lockout error.
func NewAccountLockedError(details string) *AuthError {
	e := newError(ErrCodeAccountLocked, "The account is temporarily locked after too many failed attempts", false)
	e.Details = details
	e.Challenge = ChallengeAccountDisabled
	e.RecoverySuggestion = "Wait for the lockout window to pass before retrying"
	return e
}

// NewCaptchaRequiredError creates a non-retryable CAPTCHA challenge error.
func NewCaptchaRequiredError() *AuthError {
	e := newError(ErrCodeCaptchaRequired, "The provider is requiring a CAPTCHA", false)
	e.Challenge = ChallengeCaptcha
	e.RecoverySuggestion = "Log in manually once from a trusted device, then retry automated login"
	return e
}

// NewTwoFactorRequiredError creates a non-retryable 2FA challenge error.
func NewTwoFactorRequiredError() *AuthError {
	e := newError(ErrCodeTwoFactorRequired, "Two-factor authentication is enabled on this account", false)
	e.Challenge = ChallengeTwoFactor
	e.RecoverySuggestion = "Use an app-specific password or disable two-factor for this integration"
	return e
}

// NewVerificationRequiredError creates a non-retryable out-of-band verification error.
func NewVerificationRequiredError(details string) *AuthError {
	e := newError(ErrCodeVerificationRequired, "The provider requires additional identity verification", false)
	e.Details = details
	e.Challenge = ChallengeVerification
	e.RecoverySuggestion = "Complete the email or phone verification the provider sent, then retry"
	return e
}

// NewDeviceConfirmationError creates a non-retryable new-device challenge error.
func NewDeviceConfirmationError() *AuthError {
	e := newError(ErrCodeDeviceConfirmation, "The provider is asking to confirm a new device", false)
	e.Challenge = ChallengeNewDevice
	e.RecoverySuggestion = "Approve the new device from an already signed-in session, then retry"
	return e
}

// NewUnusualActivityError creates a non-retryable anti-automation challenge error.
func NewUnusualActivityError() *AuthError {
	e := newError(ErrCodeUnusualActivity, "The provider flagged unusual activity on this account", false)
	e.Challenge = ChallengeUnusualActivity
	e.RecoverySuggestion = "Log in manually first to clear the security review, then retry"
	return e
}

// NewNavigationFailedError creates a retryable navigation error.
func NewNavigationFailedError(url string, err error) *AuthError {
	e := newError(ErrCodeNavigationFailed, "Navigation to the provider page failed", true)
	e.Details = fmt.Sprintf("url: %s, error: %v", url, err)
	e.cause = err
	return e
}

// NewSelectorNotFoundError creates a retryable selector-wait error.
func NewSelectorNotFoundError(selector string, err error) *AuthError {
	e := newError(ErrCodeSelectorNotFound, "Expected page element did not appear", true)
	e.Details = fmt.Sprintf("selector: %s, error: %v", selector, err)
	e.cause = err
	return e
}

// NewActionFailedError creates a retryable page-action error.
func NewActionFailedError(action string, err error) *AuthError {
	e := newError(ErrCodeActionFailed, "Browser action failed", true)
	e.Details = fmt.Sprintf("action: %s, error: %v", action, err)
	e.cause = err
	return e
}

// NewTimeoutError creates a non-retryable whole-sequence timeout error.
func NewTimeoutError(budget time.Duration) *AuthError {
	e := newError(ErrCodeTimeout, "Login sequence exceeded its time budget", false)
	e.Details = fmt.Sprintf("budget: %s", budget)
	return e
}

// NewLoginNotValidatedError creates a non-retryable generic validation error.
func NewLoginNotValidatedError(details string) *AuthError {
	e := newError(ErrCodeLoginNotValidated, "Could not validate login success", false)
	e.Details = details
	return e
}

// NewTargetNotFoundError creates a non-retryable missing-resource error.
func NewTargetNotFoundError(details string) *AuthError {
	e := newError(ErrCodeTargetNotFound, "No target resource exists for this account", false)
	e.Details = details
	e.RecoverySuggestion = "Create the resource under this account before connecting it"
	return e
}

// NewTargetNotValidatedError creates a non-retryable access-validation error.
func NewTargetNotValidatedError(details string) *AuthError {
	e := newError(ErrCodeTargetNotValidated, "Could not validate access to the target resource", false)
	e.Details = details
	return e
}

// NewStoreUnavailableError creates a service-unavailable store error.
func NewStoreUnavailableError(err error) *AuthError {
	e := newError(ErrCodeStoreUnavailable, "Session store is unavailable", true)
	if err != nil {
		e.Details = err.Error()
	}
	e.cause = ErrStoreUnavailable
	return e
}

// NewDriverLaunchFailedError creates a service-unavailable driver error.
func NewDriverLaunchFailedError(err error) *AuthError {
	e := newError(ErrCodeDriverLaunchFailed, "Headless browser failed to launch", true)
	if err != nil {
		e.Details = err.Error()
	}
	e.cause = err
	return e
}

// ==========================
// 5. Utility Functions
// ==========================

// AsAuthError extracts an *AuthError from an error chain.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// IsRetryable reports whether the manager's retry policy may re-run the
// sequence for this error. Challenge and credential errors never retry.
func IsRetryable(err error) bool {
	if ae, ok := AsAuthError(err); ok {
		return ae.Retryable && ae.Challenge == ChallengeNone
	}
	return false
}

// ChallengeOf returns the challenge classification carried by the error.
func ChallengeOf(err error) Challenge {
	if ae, ok := AsAuthError(err); ok {
		return ae.Challenge
	}
	return ChallengeNone
}

// CodeOf returns the stable error code, or empty for untyped errors.
func CodeOf(err error) ErrorCode {
	if ae, ok := AsAuthError(err); ok {
		return ae.Code
	}
	return ""
}
