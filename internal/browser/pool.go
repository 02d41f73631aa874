package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"browser-auth/internal/common/config"
	"browser-auth/internal/common/logger"
	"browser-auth/internal/common/metrics"
	"browser-auth/internal/models"
	"browser-auth/internal/store"
)

// InstanceState is the lifecycle state of a pooled browser instance.
type InstanceState string

const (
	// StateActive means the instance has a live browser process.
	StateActive InstanceState = "active"
	// StateHibernated means the instance is registered but its process has
	// been shut down; cookies and storage live in the session store.
	StateHibernated InstanceState = "hibernated"
)

// Instance is one owner's browser slot. At most one instance exists per
// owner; the pool serializes all transitions on it.
type Instance struct {
	OwnerID   string
	SessionID string
	State     InstanceState
	CreatedAt time.Time

	// usedMu guards LastUsedAt, which request goroutines stamp while the
	// sweep reads it concurrently.
	usedMu     sync.Mutex
	LastUsedAt time.Time

	Browser Browser
	Context Context
	Page    Page
}

// Touch marks the instance as just used.
func (i *Instance) Touch() {
	i.usedMu.Lock()
	i.LastUsedAt = time.Now()
	i.usedMu.Unlock()
}

func (i *Instance) idleFor(now time.Time) time.Duration {
	i.usedMu.Lock()
	defer i.usedMu.Unlock()
	return now.Sub(i.LastUsedAt)
}

// InstancePool manages browser process lifecycle per owner: creation,
// hibernation (persist state, free the process), reactivation (new process,
// state restored from the store), and removal. A periodic sweep hibernates
// idle instances and removes long-idle ones.
type InstancePool struct {
	driver     Driver
	sessions   *store.SessionStore
	browserCfg config.BrowserConfig
	poolCfg    config.PoolConfig
	maxAge     time.Duration
	restoreURL string
	log        logger.Logger

	mu        sync.Mutex
	instances map[string]*Instance
	group     singleflight.Group
}

func NewInstancePool(driver Driver, sessions *store.SessionStore, cfg *config.Config, log logger.Logger) *InstancePool {
	return &InstancePool{
		driver:     driver,
		sessions:   sessions,
		browserCfg: cfg.Browser,
		poolCfg:    cfg.Pool,
		maxAge:     config.GetDuration(cfg.Redis.MaxSessionAge),
		restoreURL: cfg.Login.TargetURL,
		log:        log,
		instances:  make(map[string]*Instance),
	}
}

// launchArgs strips the most obvious automation fingerprints from the
// browser process itself; the page-level pieces are handled by init scripts.
func launchArgs() []string {
	return []string{
		"--disable-blink-features=AutomationControlled",
		"--no-first-run",
		"--no-default-browser-check",
	}
}

// GetOrCreate returns the owner's instance, reactivating a hibernated one or
// creating a fresh one as needed. Concurrent calls for the same owner
// collapse into a single creation.
func (p *InstancePool) GetOrCreate(ctx context.Context, ownerID string) (*Instance, error) {
	v, err, _ := p.group.Do(ownerID, func() (interface{}, error) {
		p.mu.Lock()
		inst, ok := p.instances[ownerID]
		p.mu.Unlock()

		if ok && inst.State == StateActive {
			inst.Touch()
			return inst, nil
		}
		return p.activate(ctx, ownerID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Instance), nil
}

// Exists reports whether the owner has a usable instance. When the pool has
// no entry but the store holds an active session (e.g. after a process
// restart), a hibernated placeholder is registered so the instance can be
// reactivated on demand.
func (p *InstancePool) Exists(ctx context.Context, ownerID string) bool {
	p.mu.Lock()
	_, ok := p.instances[ownerID]
	p.mu.Unlock()
	if ok {
		return true
	}

	session, err := p.sessions.GetActiveSession(ctx, ownerID)
	if err != nil || session == nil {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.instances[ownerID]; !ok {
		p.instances[ownerID] = &Instance{
			OwnerID:    ownerID,
			SessionID:  session.ID,
			State:      StateHibernated,
			CreatedAt:  session.CreatedAt,
			LastUsedAt: session.LastUsedAt,
		}
		p.updateGauges()
	}
	return true
}

// activate brings up a live browser process for the owner, restoring cookies
// and storage from the stored session when one exists.
func (p *InstancePool) activate(ctx context.Context, ownerID string) (*Instance, error) {
	session, err := p.sessions.GetActiveSession(ctx, ownerID)
	if err != nil {
		// Store down: fall through to a fresh, stateless instance.
		p.log.Warn("session lookup failed during activation, starting fresh", map[string]interface{}{
			"ownerId": ownerID,
			"error":   err.Error(),
		})
		session = nil
	}

	browser, err := p.driver.Launch(ctx, LaunchOptions{
		Headless: p.browserCfg.Headless,
		Args:     launchArgs(),
	})
	if err != nil {
		return nil, err
	}

	userAgent := p.browserCfg.UserAgent
	if session != nil && session.UserAgent != "" {
		userAgent = session.UserAgent
	}
	browserCtx, err := browser.NewContext(ctx, ContextOptions{
		UserAgent:      userAgent,
		ViewportWidth:  p.browserCfg.ViewportWidth,
		ViewportHeight: p.browserCfg.ViewportHeight,
	})
	if err != nil {
		_ = browser.Close()
		return nil, err
	}

	if session != nil && len(session.Cookies) > 0 {
		if err := browserCtx.AddCookies(ctx, session.Cookies); err != nil {
			_ = browserCtx.Close()
			_ = browser.Close()
			return nil, fmt.Errorf("restore cookies: %w", err)
		}
	}

	page, err := browserCtx.NewPage(ctx)
	if err != nil {
		_ = browserCtx.Close()
		_ = browser.Close()
		return nil, err
	}

	// Storage can only be written from the target origin, so restoration
	// needs one navigation first.
	if session != nil && (len(session.Storage.Local) > 0 || len(session.Storage.Session) > 0) {
		if err := p.restoreStorage(ctx, page, session.Storage); err != nil {
			p.log.Warn("storage restore failed, continuing with cookies only", map[string]interface{}{
				"ownerId":   ownerID,
				"sessionId": session.ID,
				"error":     err.Error(),
			})
		}
	}

	now := time.Now()
	inst := &Instance{
		OwnerID:    ownerID,
		State:      StateActive,
		CreatedAt:  now,
		LastUsedAt: now,
		Browser:    browser,
		Context:    browserCtx,
		Page:       page,
	}
	if session != nil {
		inst.SessionID = session.ID
		inst.CreatedAt = session.CreatedAt
	}

	p.mu.Lock()
	p.instances[ownerID] = inst
	p.updateGauges()
	p.mu.Unlock()

	p.log.Info("browser instance activated", map[string]interface{}{
		"ownerId":         ownerID,
		"sessionRestored": session != nil,
	})
	return inst, nil
}

func (p *InstancePool) restoreStorage(ctx context.Context, page Page, snapshot models.StorageSnapshot) error {
	if err := page.Navigate(ctx, p.restoreURL, 30*time.Second); err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	script := fmt.Sprintf(`(() => {
		const data = %s;
		for (const [k, v] of Object.entries(data.local || {})) localStorage.setItem(k, v);
		for (const [k, v] of Object.entries(data.session || {})) sessionStorage.setItem(k, v);
	})()`, payload)
	_, err = page.Evaluate(ctx, script)
	return err
}

// dumpStorage reads both storage scopes off the current page.
func dumpStorage(ctx context.Context, page Page) (models.StorageSnapshot, error) {
	result, err := page.Evaluate(ctx, `(() => {
		const dump = (s) => {
			const out = {};
			for (let i = 0; i < s.length; i++) { const k = s.key(i); out[k] = s.getItem(k); }
			return out;
		};
		return { local: dump(localStorage), session: dump(sessionStorage) };
	})()`)
	if err != nil {
		return models.StorageSnapshot{}, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return models.StorageSnapshot{}, err
	}
	var snapshot models.StorageSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return models.StorageSnapshot{}, err
	}
	return snapshot, nil
}

// Hibernate persists the instance's browser state into its session and shuts
// the process down. Persistence is best-effort: a failed save is logged and
// the process is closed anyway, so a stuck store can never leak processes.
func (p *InstancePool) Hibernate(ctx context.Context, ownerID string) error {
	p.mu.Lock()
	inst, ok := p.instances[ownerID]
	p.mu.Unlock()
	if !ok || inst.State != StateActive {
		return nil
	}

	if inst.SessionID != "" {
		if err := p.persistState(ctx, inst); err != nil {
			p.log.Warn("failed to persist browser state on hibernate", map[string]interface{}{
				"ownerId":   ownerID,
				"sessionId": inst.SessionID,
				"error":     err.Error(),
			})
		}
	}

	p.closeProcess(inst)

	p.mu.Lock()
	inst.State = StateHibernated
	inst.Browser, inst.Context, inst.Page = nil, nil, nil
	p.updateGauges()
	p.mu.Unlock()

	p.log.Info("browser instance hibernated", map[string]interface{}{
		"ownerId": ownerID,
	})
	return nil
}

func (p *InstancePool) persistState(ctx context.Context, inst *Instance) error {
	cookies, err := inst.Context.Cookies(ctx)
	if err != nil {
		return err
	}
	snapshot, err := dumpStorage(ctx, inst.Page)
	if err != nil {
		// Cookies alone still make the session reusable.
		p.log.Debug("storage dump failed, persisting cookies only", map[string]interface{}{
			"sessionId": inst.SessionID,
			"error":     err.Error(),
		})
		snapshot = models.StorageSnapshot{}
	}

	_, err = p.sessions.UpdateSession(ctx, inst.SessionID, store.SessionUpdate{
		Cookies: cookies,
		Storage: &snapshot,
	})
	return err
}

func (p *InstancePool) closeProcess(inst *Instance) {
	if inst.Page != nil {
		_ = inst.Page.Close()
	}
	if inst.Context != nil {
		_ = inst.Context.Close()
	}
	if inst.Browser != nil {
		_ = inst.Browser.Close()
	}
}

// Remove shuts down the instance without persisting state and forgets it.
func (p *InstancePool) Remove(ctx context.Context, ownerID string) error {
	p.mu.Lock()
	inst, ok := p.instances[ownerID]
	if ok {
		delete(p.instances, ownerID)
		p.updateGauges()
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	p.closeProcess(inst)
	p.log.Info("browser instance removed", map[string]interface{}{
		"ownerId": ownerID,
	})
	return nil
}

// CaptureState reads cookies and storage off the owner's live instance so a
// fresh session record can be persisted after a successful login.
func (p *InstancePool) CaptureState(ctx context.Context, ownerID string) ([]models.Cookie, models.StorageSnapshot, error) {
	p.mu.Lock()
	inst, ok := p.instances[ownerID]
	p.mu.Unlock()
	if !ok || inst.State != StateActive {
		return nil, models.StorageSnapshot{}, fmt.Errorf("no active instance for owner %s", ownerID)
	}

	cookies, err := inst.Context.Cookies(ctx)
	if err != nil {
		return nil, models.StorageSnapshot{}, err
	}
	snapshot, err := dumpStorage(ctx, inst.Page)
	if err != nil {
		snapshot = models.StorageSnapshot{}
	}
	return cookies, snapshot, nil
}

// BindSession associates the owner's instance with a stored session id,
// making the instance eligible for state persistence on hibernate.
func (p *InstancePool) BindSession(ownerID, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst, ok := p.instances[ownerID]; ok {
		inst.SessionID = sessionID
	}
}

// Sweep runs one maintenance pass: instances idle past the threshold are
// hibernated, past twice the threshold removed, and stored sessions past the
// idle cap are expired and reaped.
func (p *InstancePool) Sweep(ctx context.Context) {
	idleThreshold := config.GetDuration(p.poolCfg.IdleThreshold)
	now := time.Now()

	p.mu.Lock()
	type candidate struct {
		ownerID string
		remove  bool
	}
	var candidates []candidate
	for ownerID, inst := range p.instances {
		idle := inst.idleFor(now)
		switch {
		case idle > 2*idleThreshold:
			candidates = append(candidates, candidate{ownerID, true})
		case idle > idleThreshold && inst.State == StateActive:
			candidates = append(candidates, candidate{ownerID, false})
		}
	}
	p.mu.Unlock()

	for _, c := range candidates {
		if c.remove {
			_ = p.Remove(ctx, c.ownerID)
			metrics.SweepRuns.WithLabelValues("remove").Inc()
		} else {
			_ = p.Hibernate(ctx, c.ownerID)
			metrics.SweepRuns.WithLabelValues("hibernate").Inc()
		}
	}

	if expired, err := p.sessions.ExpireInactiveSessions(ctx, p.maxAge); err != nil {
		p.log.Warn("session expiry sweep failed", map[string]interface{}{"error": err.Error()})
	} else if expired > 0 {
		metrics.SweepRuns.WithLabelValues("expire").Inc()
	}
	if _, err := p.sessions.CleanupExpiredSessions(ctx); err != nil {
		p.log.Warn("session cleanup sweep failed", map[string]interface{}{"error": err.Error()})
	}
}

// Run executes Sweep on the configured interval until the context ends.
func (p *InstancePool) Run(ctx context.Context) {
	ticker := time.NewTicker(config.GetDuration(p.poolCfg.SweepInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Shutdown hibernates every active instance, persisting state where
// possible, then forgets them all.
func (p *InstancePool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	owners := make([]string, 0, len(p.instances))
	for ownerID := range p.instances {
		owners = append(owners, ownerID)
	}
	p.mu.Unlock()

	for _, ownerID := range owners {
		_ = p.Hibernate(ctx, ownerID)
	}

	p.mu.Lock()
	p.instances = make(map[string]*Instance)
	p.updateGauges()
	p.mu.Unlock()
}

// Stats returns current pool occupancy by state.
func (p *InstancePool) Stats() map[InstanceState]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := map[InstanceState]int{StateActive: 0, StateHibernated: 0}
	for _, inst := range p.instances {
		stats[inst.State]++
	}
	return stats
}

// updateGauges must be called with p.mu held.
func (p *InstancePool) updateGauges() {
	active, hibernated := 0, 0
	for _, inst := range p.instances {
		if inst.State == StateActive {
			active++
		} else {
			hibernated++
		}
	}
	metrics.PoolInstancesActive.Set(float64(active))
	metrics.PoolInstancesHibernated.Set(float64(hibernated))
}
