package login

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"browser-auth/internal/browser"
	"browser-auth/internal/common/config"
	"browser-auth/internal/common/database"
	"browser-auth/internal/common/logger"
	"browser-auth/internal/models"
	"browser-auth/internal/notify"
	"browser-auth/internal/store"
)

type fakeSES struct {
	mu    sync.Mutex
	sends int
}

func (f *fakeSES) SendEmail(context.Context, *ses.SendEmailInput, ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	return &ses.SendEmailOutput{}, nil
}

type fakeSNS struct {
	mu    sync.Mutex
	sends int
}

func (f *fakeSNS) Publish(context.Context, *sns.PublishInput, ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	return &sns.PublishOutput{}, nil
}

type managerFixture struct {
	manager  *Manager
	sessions *store.SessionStore
	pool     *browser.InstancePool
	driver   *fakeDriver
	ses      *fakeSES
}

func setupManager(t *testing.T, pageFactory func() *scriptedPage) *managerFixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &config.Config{
		Redis: config.RedisConfig{
			KeyPrefix:     "mgrtest",
			SessionTTL:    int((7 * 24 * time.Hour).Milliseconds()),
			LockTTL:       5000,
			MaxSessionAge: int((30 * time.Minute).Milliseconds()),
		},
		Browser: config.BrowserConfig{
			Headless:  true,
			UserAgent: "Mozilla/5.0 mgrtest",
		},
		Login: config.LoginConfig{
			IdentifierURL:   "https://accounts.google.com/ServiceLogin",
			TargetURL:       "https://business.google.com/dashboard",
			Timeout:         30000,
			StepTimeout:     1000,
			MaxRetries:      1,
			HumanEmulation:  false,
			DelayMultiplier: 1.0,
			Stealth:         true,
		},
		Pool: config.PoolConfig{
			SweepInterval: 60000,
			IdleThreshold: int(time.Hour.Milliseconds()),
		},
	}
	cfg.Notifications.Email.Enabled = true
	cfg.Notifications.Email.FromEmail = "alerts@example.com"
	cfg.Notifications.Email.ToEmail = "ops@example.com"

	sessions := store.NewSessionStore(
		database.NewRedisManagerWithClient(client, cfg.Redis),
		cfg.Redis,
		logger.NewTestLogger(t),
	)
	driver := newFakeDriver(pageFactory)
	pool := browser.NewInstancePool(driver, sessions, cfg, logger.NewTestLogger(t))

	sesClient := &fakeSES{}
	notifier := notify.NewNotifierWithClients(cfg.Notifications, logger.NewTestLogger(t), sesClient, &fakeSNS{})

	manager := NewManager(cfg, sessions, pool, notifier, nil, nil, logger.NewTestLogger(t))
	return &managerFixture{
		manager:  manager,
		sessions: sessions,
		pool:     pool,
		driver:   driver,
		ses:      sesClient,
	}
}

func authRequest() models.AuthRequest {
	return models.AuthRequest{
		OwnerID:           "owner-1",
		AccountIdentifier: "user@example.com",
		Secret:            "hunter2",
	}
}

func TestAuthenticateFreshLogin(t *testing.T) {
	f := setupManager(t, nil)
	ctx := context.Background()

	result, err := f.manager.Authenticate(ctx, authRequest())
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.False(t, result.SessionReused)
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, 1, result.Attempts)
	assert.Contains(t, result.TraceID, "auth-")
	assert.Equal(t, "https://business.google.com/dashboard", result.Metadata["finalUrl"])

	// The session record carries the captured browser state.
	session, err := f.sessions.GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "owner-1", session.OwnerID)
	assert.Equal(t, "user@example.com", session.AccountIdentifier)
	assert.NotEmpty(t, session.Cookies)
	assert.Equal(t, "visited", session.Storage.Local["dashboard"])
}

func TestAuthenticateReusesExistingSession(t *testing.T) {
	f := setupManager(t, nil)
	ctx := context.Background()

	created, err := f.sessions.CreateSession(ctx, models.Session{
		OwnerID:           "owner-1",
		AccountIdentifier: "user@example.com",
		Status:            models.SessionActive,
		Cookies:           []models.Cookie{{Name: "SID", Value: "cached", Domain: ".google.com", Path: "/"}},
	})
	require.NoError(t, err)

	result, err := f.manager.Authenticate(ctx, authRequest())
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.True(t, result.SessionReused)
	assert.Equal(t, created.ID, result.SessionID)
	// Reuse never touches a browser, but the pool check registers a
	// hibernated placeholder for the stored session.
	assert.Equal(t, 0, f.driver.launchCount())
	assert.Equal(t, 1, f.pool.Stats()[browser.StateHibernated])
}

func TestAuthenticateIdempotentSecondCall(t *testing.T) {
	f := setupManager(t, nil)
	ctx := context.Background()

	first, err := f.manager.Authenticate(ctx, authRequest())
	require.NoError(t, err)
	require.True(t, first.Success)
	navsAfterLogin := len(f.driver.pages[0].navigations)

	second, err := f.manager.Authenticate(ctx, authRequest())
	require.NoError(t, err)
	require.True(t, second.Success)

	assert.True(t, second.SessionReused)
	assert.Equal(t, first.SessionID, second.SessionID)
	// No new browser work on the second call.
	assert.Equal(t, 1, f.driver.launchCount())
	assert.Equal(t, navsAfterLogin, len(f.driver.pages[0].navigations))
}

func TestAuthenticateDifferentAccountSkipsReuse(t *testing.T) {
	f := setupManager(t, nil)
	ctx := context.Background()

	_, err := f.sessions.CreateSession(ctx, models.Session{
		OwnerID:           "owner-1",
		AccountIdentifier: "other@example.com",
		Status:            models.SessionActive,
	})
	require.NoError(t, err)

	result, err := f.manager.Authenticate(ctx, authRequest())
	require.NoError(t, err)
	require.True(t, result.Success)

	// The cached session is for a different account; a fresh login runs.
	assert.False(t, result.SessionReused)
	assert.Equal(t, 1, f.driver.launchCount())
}

func TestAuthenticateDisableReuse(t *testing.T) {
	f := setupManager(t, nil)
	ctx := context.Background()

	_, err := f.sessions.CreateSession(ctx, models.Session{
		OwnerID:           "owner-1",
		AccountIdentifier: "user@example.com",
		Status:            models.SessionActive,
	})
	require.NoError(t, err)

	req := authRequest()
	req.Options.DisableReuse = true
	result, err := f.manager.Authenticate(ctx, req)
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.False(t, result.SessionReused)
	assert.Equal(t, 1, f.driver.launchCount())
}

func TestAuthenticateInvalidCredentials(t *testing.T) {
	f := setupManager(t, func() *scriptedPage {
		page := newScriptedPage()
		page.secretOutcome = "Wrong password. Try again"
		return page
	})
	ctx := context.Background()

	result, err := f.manager.Authenticate(ctx, authRequest())
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "INVALID_CREDENTIALS", result.ErrorCode)
	assert.Equal(t, "wrong_secret", result.Challenge)
	assert.NotEmpty(t, result.RecoverySuggestion)
	assert.NotEmpty(t, result.Screenshot)
	// Credential errors are terminal; exactly one attempt.
	assert.Equal(t, 1, result.Attempts)

	// No session is ever created for a failed login.
	sessions, err := f.sessions.GetSessionsByOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	// The failed instance stays registered for manual inspection; the sweep
	// reclaims it once it goes idle.
	assert.Equal(t, 1, f.pool.Stats()[browser.StateActive])
	assert.True(t, f.pool.Exists(ctx, "owner-1"))
}

func TestAuthenticateAttachesProbedMetadata(t *testing.T) {
	f := setupManager(t, func() *scriptedPage {
		page := newScriptedPage()
		page.domText = map[string]string{
			"h1":                      "Acme Plumbing Co",
			"[data-attrid='address']": "1 Main Street, Springfield",
		}
		return page
	})
	ctx := context.Background()

	result, err := f.manager.Authenticate(ctx, authRequest())
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, "Acme Plumbing Co", result.Metadata["displayName"])

	session, err := f.sessions.GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "Acme Plumbing Co", session.Metadata["displayName"])
	assert.Equal(t, "1 Main Street, Springfield", session.Metadata["address"])
}

func TestRetryBackoffPolicy(t *testing.T) {
	assert.Equal(t, 4*time.Second, nextBackoff(2*time.Second))
	assert.Equal(t, maxRetryBackoff, nextBackoff(20*time.Second))
	assert.Equal(t, maxRetryBackoff, nextBackoff(maxRetryBackoff))

	// Jitter spreads a delay over [d/2, d].
	for i := 0; i < 100; i++ {
		d := withJitter(8 * time.Second)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.LessOrEqual(t, d, 8*time.Second)
	}
	assert.Equal(t, time.Duration(0), withJitter(0))
}

func TestAuthenticateChallengeSendsAlert(t *testing.T) {
	f := setupManager(t, func() *scriptedPage {
		page := newScriptedPage()
		page.secretOutcome = "2-Step Verification: enter the code"
		return page
	})

	result, err := f.manager.Authenticate(context.Background(), authRequest())
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "TWO_FACTOR_REQUIRED", result.ErrorCode)
	assert.Equal(t, "two_factor", result.Challenge)
	assert.NotEmpty(t, result.RecoverySuggestion)
	assert.Equal(t, 1, f.ses.sends, "challenge must trigger exactly one alert email")
}

func TestAuthenticateValidation(t *testing.T) {
	f := setupManager(t, nil)

	tests := []struct {
		name string
		req  models.AuthRequest
	}{
		{"missing owner", models.AuthRequest{AccountIdentifier: "user@example.com", Secret: "x"}},
		{"missing secret", models.AuthRequest{OwnerID: "owner-1", AccountIdentifier: "user@example.com"}},
		{"short identifier", models.AuthRequest{OwnerID: "owner-1", AccountIdentifier: "ab", Secret: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.Authenticate(context.Background(), tt.req)
			assert.Error(t, err)
		})
	}
	assert.Equal(t, 0, f.driver.launchCount())
}

func TestCheckSession(t *testing.T) {
	f := setupManager(t, nil)
	ctx := context.Background()

	report, err := f.manager.CheckSession(ctx, "owner-1")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, "no session found for this owner", report.Message)

	created, err := f.sessions.CreateSession(ctx, models.Session{
		OwnerID:           "owner-1",
		AccountIdentifier: "user@example.com",
		Status:            models.SessionActive,
		Cookies: []models.Cookie{
			{Name: "SID", Value: "a", Domain: ".google.com", Path: "/"},
			{Name: "HSID", Value: "b", Domain: ".google.com", Path: "/"},
		},
	})
	require.NoError(t, err)

	report, err = f.manager.CheckSession(ctx, "owner-1")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, created.ID, report.SessionID)
	assert.Equal(t, "user@example.com", report.AccountIdentifier)
	assert.Equal(t, 2, report.CookieCount)

	// The instance check registered a hibernated placeholder for the
	// stored session.
	assert.Equal(t, 1, f.pool.Stats()[browser.StateHibernated])
}

func TestLogout(t *testing.T) {
	f := setupManager(t, nil)
	ctx := context.Background()

	result, err := f.manager.Authenticate(ctx, authRequest())
	require.NoError(t, err)
	require.True(t, result.Success)

	f.manager.Logout(ctx, "owner-1")

	sessions, err := f.sessions.GetSessionsByOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	stats := f.pool.Stats()
	assert.Equal(t, 0, stats[browser.StateActive])
	assert.Equal(t, 0, stats[browser.StateHibernated])

	// Logging out twice is harmless.
	f.manager.Logout(ctx, "owner-1")
}

func TestDiagnostics(t *testing.T) {
	f := setupManager(t, nil)
	ctx := context.Background()

	_, err := f.manager.Authenticate(ctx, authRequest())
	require.NoError(t, err)

	diag := f.manager.Diagnostics(ctx)
	assert.Contains(t, diag, "pool")
	assert.Contains(t, diag, "sessions")
	assert.Contains(t, diag, "policy")

	counts, ok := diag["sessions"].(map[models.SessionStatus]int64)
	require.True(t, ok)
	assert.Equal(t, int64(1), counts[models.SessionActive])
}
