package login

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"browser-auth/internal/audit"
	"browser-auth/internal/browser"
	"browser-auth/internal/common/config"
	autherrors "browser-auth/internal/common/errors"
	"browser-auth/internal/common/logger"
	"browser-auth/internal/common/metrics"
	"browser-auth/internal/common/observability"
	"browser-auth/internal/common/validation"
	"browser-auth/internal/models"
	"browser-auth/internal/notify"
	"browser-auth/internal/store"
)

// authRequestSchema guards the facade boundary; everything past it can trust
// the request shape.
var authRequestSchema = validation.JSONSchema{
	Type: "object",
	Properties: map[string]validation.Property{
		"ownerId":           {Type: "string", MinLength: intPtr(1)},
		"accountIdentifier": {Type: "string", MinLength: intPtr(3)},
		"secret":            {Type: "string", MinLength: intPtr(1)},
	},
	Required:             []string{"ownerId", "accountIdentifier", "secret"},
	AdditionalProperties: true,
}

func intPtr(v int) *int { return &v }

// Manager is the caller-facing facade over the session store, the instance
// pool, and the login sequence. All policy lives here: session reuse,
// retries, alerting, and audit.
type Manager struct {
	cfg      *config.Config
	sessions *store.SessionStore
	pool     *browser.InstancePool
	notifier *notify.Notifier
	recorder *audit.Recorder
	obs      *observability.Observability
	log      logger.Logger
}

func NewManager(
	cfg *config.Config,
	sessions *store.SessionStore,
	pool *browser.InstancePool,
	notifier *notify.Notifier,
	recorder *audit.Recorder,
	obs *observability.Observability,
	log logger.Logger,
) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: sessions,
		pool:     pool,
		notifier: notifier,
		recorder: recorder,
		obs:      obs,
		log:      log,
	}
}

// newTraceID generates the correlation id threaded through every log line,
// audit record, and result of one authenticate call.
func newTraceID() string {
	return fmt.Sprintf("auth-%d-%s", time.Now().Unix(), strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Authenticate logs the owner's account in, reusing a cached session when
// one matches. It always returns a result; the error return is reserved for
// malformed requests.
func (m *Manager) Authenticate(ctx context.Context, req models.AuthRequest) (*models.AuthResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	traceID := newTraceID()
	start := time.Now()
	log := m.log.WithFields(map[string]interface{}{
		"traceId": traceID,
		"ownerId": req.OwnerID,
	})
	log.Info("authenticate requested", map[string]interface{}{
		"reuseDisabled": req.Options.DisableReuse,
	})

	if !req.Options.DisableReuse {
		if result := m.tryReuse(ctx, req, traceID, log); result != nil {
			m.finish(ctx, req, result, start)
			return result, nil
		}
	}

	result := m.freshLogin(ctx, req, traceID, log)
	m.finish(ctx, req, result, start)
	return result, nil
}

// tryReuse returns a successful result when the owner already holds an
// active session for the same account identifier. Store outages degrade to a
// fresh login rather than failing the call.
func (m *Manager) tryReuse(ctx context.Context, req models.AuthRequest, traceID string, log logger.Logger) *models.AuthResult {
	session, err := m.sessions.GetActiveSession(ctx, req.OwnerID)
	if err != nil {
		log.Warn("session reuse lookup failed, falling back to fresh login", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}
	if session == nil || session.AccountIdentifier != req.AccountIdentifier {
		return nil
	}

	// The session is only reusable when the pool can still back it with an
	// instance (a hibernated placeholder registered from the store counts).
	if !m.pool.Exists(ctx, req.OwnerID) {
		log.Info("cached session has no backing instance, running fresh login", map[string]interface{}{
			"sessionId": session.ID,
		})
		return nil
	}

	// Refresh lastUsedAt; a held lock just means someone else refreshed it.
	if _, err := m.sessions.UpdateSession(ctx, session.ID, store.SessionUpdate{}); err != nil && err != autherrors.ErrSessionLocked {
		log.Warn("failed to touch reused session", map[string]interface{}{
			"sessionId": session.ID,
			"error":     err.Error(),
		})
	}

	metrics.SessionsReused.Inc()
	log.Info("reusing cached session", map[string]interface{}{
		"sessionId": session.ID,
	})
	return &models.AuthResult{
		Success:       true,
		SessionID:     session.ID,
		SessionReused: true,
		TraceID:       traceID,
		Message:       "Authenticated from cached session",
	}
}

func (m *Manager) freshLogin(ctx context.Context, req models.AuthRequest, traceID string, log logger.Logger) *models.AuthResult {
	inst, err := m.pool.GetOrCreate(ctx, req.OwnerID)
	if err != nil {
		log.Error("failed to acquire browser instance", map[string]interface{}{
			"error": err.Error(),
		})
		return failureResult(traceID, 0, autherrors.NewDriverLaunchFailedError(err), nil)
	}

	loginCfg := m.loginConfig(req.Options)
	human := NewHumanizer(humanEnabled(m.cfg.Login, req.Options), loginCfg.DelayMultiplier)

	maxAttempts := loginCfg.MaxRetries + 1
	backoff := initialRetryBackoff

	var seqResult *SequenceResult
	var lastErr error
	var lastScreenshot []byte
	attempts := 0

	for attempts < maxAttempts {
		attempts++
		engine := NewEngine(inst.Page, loginCfg, human, m.log, traceID)
		seqResult, lastErr = engine.Run(ctx, req.AccountIdentifier, req.Secret)
		if lastErr == nil {
			break
		}
		lastScreenshot = engine.LastScreenshot()

		if !autherrors.IsRetryable(lastErr) || attempts >= maxAttempts {
			break
		}
		log.Warn("login attempt failed, retrying", map[string]interface{}{
			"attempt": attempts,
			"error":   lastErr.Error(),
		})
		select {
		case <-ctx.Done():
			attempts = maxAttempts
		case <-time.After(withJitter(backoff)):
			backoff = nextBackoff(backoff)
		}
	}

	if lastErr != nil {
		if ae, ok := autherrors.AsAuthError(lastErr); ok {
			ae.WithContext(req.OwnerID, traceID, "")
			if ae.Challenge != autherrors.ChallengeNone {
				m.notifier.NotifyChallenge(ctx, req.OwnerID, ae)
			}
		}
		// The failed instance stays registered so an operator can inspect
		// the page; the sweep reclaims it once it goes idle.
		return failureResult(traceID, attempts, lastErr, lastScreenshot)
	}

	inst.Touch()
	sessionID, persisted := m.persistSession(ctx, req, seqResult, log)

	result := &models.AuthResult{
		Success:   true,
		SessionID: sessionID,
		TraceID:   traceID,
		Attempts:  attempts,
		Message:   "Successfully authenticated",
		Metadata: map[string]string{
			"finalUrl": seqResult.FinalURL,
			"title":    seqResult.Title,
		},
	}
	for key, value := range seqResult.Metadata {
		result.Metadata[key] = value
	}
	if !persisted {
		result.Metadata["sessionPersisted"] = "false"
	}
	return result
}

// Engine retry pacing: doubled per attempt up to a cap, with jitter so
// concurrent retries against the provider do not align.
const (
	initialRetryBackoff = 2 * time.Second
	maxRetryBackoff     = 30 * time.Second
)

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxRetryBackoff {
		d = maxRetryBackoff
	}
	return d
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// persistSession captures browser state into a new session record. Failure
// to persist does not fail the login; the caller is authenticated either way.
func (m *Manager) persistSession(ctx context.Context, req models.AuthRequest, seqResult *SequenceResult, log logger.Logger) (string, bool) {
	cookies, storage, err := m.pool.CaptureState(ctx, req.OwnerID)
	if err != nil {
		log.Warn("failed to capture browser state, session not persisted", map[string]interface{}{
			"error": err.Error(),
		})
		return "", false
	}

	metadata := map[string]string{
		"finalUrl": seqResult.FinalURL,
	}
	for key, value := range seqResult.Metadata {
		metadata[key] = value
	}

	session, err := m.sessions.CreateSession(ctx, models.Session{
		OwnerID:           req.OwnerID,
		AccountIdentifier: req.AccountIdentifier,
		Status:            models.SessionActive,
		Cookies:           cookies,
		Storage:           storage,
		UserAgent:         m.cfg.Browser.UserAgent,
		Metadata:          metadata,
	})
	if err != nil {
		log.Warn("failed to persist session", map[string]interface{}{
			"error": err.Error(),
		})
		return "", false
	}

	m.pool.BindSession(req.OwnerID, session.ID)
	log.Info("session persisted", map[string]interface{}{
		"sessionId": session.ID,
		"cookies":   len(cookies),
	})
	return session.ID, true
}

// finish records metrics and the audit document for a completed call.
func (m *Manager) finish(ctx context.Context, req models.AuthRequest, result *models.AuthResult, start time.Time) {
	duration := time.Since(start)

	outcome := "failure"
	if result.Success {
		outcome = "success"
		if result.SessionReused {
			outcome = "reused"
		}
	}
	metrics.LoginsCompleted.WithLabelValues(outcome).Inc()
	metrics.LoginDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if !result.Success && result.ErrorCode != "" {
		metrics.LoginsFailed.WithLabelValues(result.ErrorCode).Inc()
	}
	if m.obs != nil {
		m.obs.RecordLogin(ctx, outcome)
		m.obs.RecordLoginDuration(ctx, duration, outcome)
	}

	m.recorder.Record(ctx, audit.AttemptRecord{
		TraceID:           result.TraceID,
		OwnerID:           req.OwnerID,
		AccountIdentifier: req.AccountIdentifier,
		Success:           result.Success,
		SessionReused:     result.SessionReused,
		Attempts:          result.Attempts,
		ErrorCode:         result.ErrorCode,
		Challenge:         result.Challenge,
		DurationMs:        duration.Milliseconds(),
	})
}

// CheckSession reports whether the owner holds a usable session without
// touching a browser.
func (m *Manager) CheckSession(ctx context.Context, ownerID string) (*models.SessionStatusReport, error) {
	session, err := m.sessions.GetActiveSession(ctx, ownerID)
	if err != nil {
		return &models.SessionStatusReport{
			Valid:   false,
			Message: "session store unavailable",
		}, nil
	}
	if session == nil {
		return &models.SessionStatusReport{
			Valid:   false,
			Message: "no session found for this owner",
		}, nil
	}

	age := session.IdleFor(time.Now().UTC())
	maxAge := config.GetDuration(m.cfg.Redis.MaxSessionAge)
	if maxAge > 0 && age > maxAge {
		return &models.SessionStatusReport{
			Valid:             false,
			SessionID:         session.ID,
			AccountIdentifier: session.AccountIdentifier,
			CookieCount:       len(session.Cookies),
			LastUsedAge:       age,
			Message:           "session expired",
		}, nil
	}

	// A valid report also needs a pool entry; Exists registers a hibernated
	// placeholder for stored sessions this process has not seen yet.
	if !m.pool.Exists(ctx, ownerID) {
		return &models.SessionStatusReport{
			Valid:             false,
			SessionID:         session.ID,
			AccountIdentifier: session.AccountIdentifier,
			CookieCount:       len(session.Cookies),
			LastUsedAge:       age,
			Message:           "session exists but no instance is available",
		}, nil
	}

	return &models.SessionStatusReport{
		Valid:             true,
		SessionID:         session.ID,
		AccountIdentifier: session.AccountIdentifier,
		CookieCount:       len(session.Cookies),
		LastUsedAge:       age,
		Message:           "session exists",
	}, nil
}

// Logout removes the owner's browser instance and deletes every stored
// session. Failures are logged and swallowed; logout must always "succeed"
// from the caller's point of view.
func (m *Manager) Logout(ctx context.Context, ownerID string) {
	if err := m.pool.Remove(ctx, ownerID); err != nil {
		m.log.Warn("failed to remove browser instance on logout", map[string]interface{}{
			"ownerId": ownerID,
			"error":   err.Error(),
		})
	}

	sessions, err := m.sessions.GetSessionsByOwner(ctx, ownerID)
	if err != nil {
		m.log.Warn("failed to list sessions on logout", map[string]interface{}{
			"ownerId": ownerID,
			"error":   err.Error(),
		})
		return
	}
	for _, session := range sessions {
		if _, err := m.sessions.DeleteSession(ctx, session.ID); err != nil {
			m.log.Warn("failed to delete session on logout", map[string]interface{}{
				"ownerId":   ownerID,
				"sessionId": session.ID,
				"error":     err.Error(),
			})
		}
	}
	m.log.Info("logout completed", map[string]interface{}{
		"ownerId":         ownerID,
		"sessionsDeleted": len(sessions),
	})
}

// Diagnostics returns a point-in-time view of pool occupancy, stored session
// counts, and effective policy.
func (m *Manager) Diagnostics(ctx context.Context) map[string]interface{} {
	diag := map[string]interface{}{
		"pool": m.pool.Stats(),
		"policy": map[string]interface{}{
			"identifierUrl":  m.cfg.Login.IdentifierURL,
			"targetUrl":      m.cfg.Login.TargetURL,
			"humanEmulation": m.cfg.Login.HumanEmulation,
			"stealth":        m.cfg.Login.Stealth,
			"maxRetries":     m.cfg.Login.MaxRetries,
		},
	}

	if counts, err := m.sessions.Count(ctx); err == nil {
		diag["sessions"] = counts
	} else {
		diag["sessions"] = map[string]string{"error": err.Error()}
	}
	return diag
}

// loginConfig applies per-request overrides onto the configured policy.
func (m *Manager) loginConfig(opts models.AuthOptions) config.LoginConfig {
	cfg := m.cfg.Login
	if opts.Timeout > 0 {
		cfg.Timeout = int(opts.Timeout.Milliseconds())
	}
	if opts.MaxRetries > 0 {
		cfg.MaxRetries = opts.MaxRetries
	}
	return cfg
}

func humanEnabled(cfg config.LoginConfig, opts models.AuthOptions) bool {
	if opts.HumanEmulation != nil {
		return *opts.HumanEmulation
	}
	return cfg.HumanEmulation
}

func validateRequest(req models.AuthRequest) error {
	input := map[string]interface{}{
		"ownerId":           req.OwnerID,
		"accountIdentifier": req.AccountIdentifier,
		"secret":            req.Secret,
	}
	result := validation.ValidateInput(input, authRequestSchema)
	if !result.Valid {
		fields := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			fields = append(fields, fmt.Sprintf("%s: %s", e.Field, e.Message))
		}
		return fmt.Errorf("invalid auth request: %s", strings.Join(fields, "; "))
	}
	return nil
}

func failureResult(traceID string, attempts int, err error, screenshot []byte) *models.AuthResult {
	result := &models.AuthResult{
		Success:    false,
		TraceID:    traceID,
		Attempts:   attempts,
		Screenshot: screenshot,
	}
	if ae, ok := autherrors.AsAuthError(err); ok {
		result.ErrorCode = string(ae.Code)
		result.Message = ae.Message
		result.Challenge = string(ae.Challenge)
		result.RecoverySuggestion = ae.RecoverySuggestion
	} else {
		result.ErrorCode = string(autherrors.ErrCodeActionFailed)
		result.Message = err.Error()
	}
	return result
}
