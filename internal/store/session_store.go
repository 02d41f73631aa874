// Package store implements the distributed session store on top of the
// replicated cache. Session records are keyed by generated id under a
// namespaced prefix, with secondary index sets by owner, account identifier,
// and status, plus advisory locks for update mutual exclusion.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"browser-auth/internal/common/config"
	"browser-auth/internal/common/database"
	autherrors "browser-auth/internal/common/errors"
	"browser-auth/internal/common/logger"
	"browser-auth/internal/models"
)

// SessionUpdate is a partial update merged into an existing session.
// Nil fields are left untouched.
type SessionUpdate struct {
	AccountIdentifier *string
	Status            *models.SessionStatus
	Cookies           []models.Cookie
	Storage           *models.StorageSnapshot
	UserAgent         *string
	Metadata          map[string]string
}

// SessionStore provides CRUD plus secondary indices and advisory locks over
// session records, with TTL-based expiry. It is the single source of truth
// shared across all process instances of the orchestrator.
type SessionStore struct {
	manager *database.RedisManager
	cfg     config.RedisConfig
	log     logger.Logger
	nowFn   func() time.Time
}

func NewSessionStore(manager *database.RedisManager, cfg config.RedisConfig, log logger.Logger) *SessionStore {
	return &SessionStore{
		manager: manager,
		cfg:     cfg,
		log:     log,
		nowFn:   time.Now,
	}
}

// --- key layout ---

func (s *SessionStore) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", s.cfg.KeyPrefix, id)
}

func (s *SessionStore) ownerIndexKey(ownerID string) string {
	return fmt.Sprintf("%s:idx:owner:%s", s.cfg.KeyPrefix, ownerID)
}

func (s *SessionStore) accountIndexKey(account string) string {
	return fmt.Sprintf("%s:idx:account:%s", s.cfg.KeyPrefix, account)
}

func (s *SessionStore) statusIndexKey(status models.SessionStatus) string {
	return fmt.Sprintf("%s:idx:status:%s", s.cfg.KeyPrefix, status)
}

func (s *SessionStore) lockKey(id string) string {
	return fmt.Sprintf("%s:lock:session:%s", s.cfg.KeyPrefix, id)
}

func (s *SessionStore) ttl() time.Duration {
	return config.GetDuration(s.cfg.SessionTTL)
}

// wrapStoreErr converts connection-level failures into the typed
// store-unavailable condition so callers can degrade instead of crashing.
func wrapStoreErr(err error) error {
	if err == nil || err == redis.Nil {
		return err
	}
	return fmt.Errorf("%w: %v", autherrors.ErrStoreUnavailable, err)
}

// --- operations ---

// CreateSession generates an id, stamps timestamps, and writes the primary
// record together with all three index memberships as one atomic batch.
func (s *SessionStore) CreateSession(ctx context.Context, data models.Session) (*models.Session, error) {
	client, err := s.manager.Client()
	if err != nil {
		return nil, err
	}

	now := s.nowFn().UTC()
	data.ID = uuid.NewString()
	data.CreatedAt = now
	data.LastUsedAt = now
	if data.Status == "" {
		data.Status = models.SessionActive
	}

	payload, err := json.Marshal(&data)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	ttl := s.ttl()
	pipe := client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(data.ID), payload, ttl)
	pipe.SAdd(ctx, s.ownerIndexKey(data.OwnerID), data.ID)
	pipe.Expire(ctx, s.ownerIndexKey(data.OwnerID), ttl)
	pipe.SAdd(ctx, s.accountIndexKey(data.AccountIdentifier), data.ID)
	pipe.Expire(ctx, s.accountIndexKey(data.AccountIdentifier), ttl)
	pipe.SAdd(ctx, s.statusIndexKey(data.Status), data.ID)
	pipe.Expire(ctx, s.statusIndexKey(data.Status), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, wrapStoreErr(err)
	}

	s.log.Debug("session created", map[string]interface{}{
		"sessionId": data.ID,
		"ownerId":   data.OwnerID,
	})
	return &data, nil
}

// GetSession returns the session record, or nil when it does not exist.
// A record absent from the store means "no session" regardless of index state.
func (s *SessionStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	client, err := s.manager.Client()
	if err != nil {
		return nil, err
	}

	raw, err := client.Get(ctx, s.sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	var session models.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &session, nil
}

// UpdateSession merges a partial update under a short-lived advisory lock.
// A contended lock fails fast with ErrSessionLocked; callers treat that as
// "try again later", not a hard error. Lock release is deferred so it runs
// even on error paths.
func (s *SessionStore) UpdateSession(ctx context.Context, id string, update SessionUpdate) (*models.Session, error) {
	client, err := s.manager.Client()
	if err != nil {
		return nil, err
	}

	lockTTL := config.GetDuration(s.cfg.LockTTL)
	acquired, err := client.SetNX(ctx, s.lockKey(id), "1", lockTTL).Result()
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if !acquired {
		return nil, autherrors.ErrSessionLocked
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Del(releaseCtx, s.lockKey(id)).Err(); err != nil {
			s.log.Warn("failed to release session lock", map[string]interface{}{
				"sessionId": id,
				"error":     err.Error(),
			})
		}
	}()

	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}

	oldStatus := session.Status
	applyUpdate(session, update)
	session.LastUsedAt = s.nowFn().UTC()

	payload, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	ttl := s.ttl()
	pipe := client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(id), payload, ttl)
	if session.Status != oldStatus {
		pipe.SRem(ctx, s.statusIndexKey(oldStatus), id)
		pipe.SAdd(ctx, s.statusIndexKey(session.Status), id)
		pipe.Expire(ctx, s.statusIndexKey(session.Status), ttl)
	}
	pipe.Expire(ctx, s.ownerIndexKey(session.OwnerID), ttl)
	pipe.Expire(ctx, s.accountIndexKey(session.AccountIdentifier), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, wrapStoreErr(err)
	}

	return session, nil
}

func applyUpdate(session *models.Session, update SessionUpdate) {
	if update.AccountIdentifier != nil {
		session.AccountIdentifier = *update.AccountIdentifier
	}
	if update.Status != nil {
		session.Status = *update.Status
	}
	if update.Cookies != nil {
		session.Cookies = update.Cookies
	}
	if update.Storage != nil {
		session.Storage = *update.Storage
	}
	if update.UserAgent != nil {
		session.UserAgent = *update.UserAgent
	}
	if update.Metadata != nil {
		if session.Metadata == nil {
			session.Metadata = make(map[string]string, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			session.Metadata[k] = v
		}
	}
}

// GetSessionsByOwner returns every live session for an owner.
func (s *SessionStore) GetSessionsByOwner(ctx context.Context, ownerID string) ([]*models.Session, error) {
	client, err := s.manager.Client()
	if err != nil {
		return nil, err
	}

	ids, err := client.SMembers(ctx, s.ownerIndexKey(ownerID)).Result()
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return s.loadSessions(ctx, ids)
}

// GetActiveSession returns the most-recently-used active session for an
// owner, or nil when none exists. Lookup is keyed strictly by owner id; an
// account-identifier match alone never selects a session.
func (s *SessionStore) GetActiveSession(ctx context.Context, ownerID string) (*models.Session, error) {
	sessions, err := s.GetSessionsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	var best *models.Session
	for _, session := range sessions {
		if !session.IsActive() {
			continue
		}
		if best == nil || session.LastUsedAt.After(best.LastUsedAt) {
			best = session
		}
	}
	return best, nil
}

// DeleteSession removes the primary record and all index memberships as one
// atomic batch. Returns false when the record does not exist.
func (s *SessionStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	client, err := s.manager.Client()
	if err != nil {
		return false, err
	}

	session, err := s.GetSession(ctx, id)
	if err != nil {
		return false, err
	}
	if session == nil {
		return false, nil
	}

	pipe := client.TxPipeline()
	pipe.Del(ctx, s.sessionKey(id))
	pipe.SRem(ctx, s.ownerIndexKey(session.OwnerID), id)
	pipe.SRem(ctx, s.accountIndexKey(session.AccountIdentifier), id)
	pipe.SRem(ctx, s.statusIndexKey(session.Status), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, wrapStoreErr(err)
	}

	s.log.Debug("session deleted", map[string]interface{}{
		"sessionId": id,
		"ownerId":   session.OwnerID,
	})
	return true, nil
}

// SearchSessions filters sessions using the most selective available index
// first (owner > account identifier > status), applying the remaining
// filters in memory.
func (s *SessionStore) SearchSessions(ctx context.Context, filter models.SessionFilter) ([]*models.Session, error) {
	client, err := s.manager.Client()
	if err != nil {
		return nil, err
	}

	var ids []string
	switch {
	case filter.OwnerID != "":
		ids, err = client.SMembers(ctx, s.ownerIndexKey(filter.OwnerID)).Result()
	case filter.AccountIdentifier != "":
		ids, err = client.SMembers(ctx, s.accountIndexKey(filter.AccountIdentifier)).Result()
	case filter.Status != "":
		ids, err = client.SMembers(ctx, s.statusIndexKey(filter.Status)).Result()
	default:
		// No index applies; a session is always a member of exactly one
		// status set, so the union covers everything.
		for _, status := range []models.SessionStatus{models.SessionActive, models.SessionExpired, models.SessionError} {
			members, merr := client.SMembers(ctx, s.statusIndexKey(status)).Result()
			if merr != nil {
				err = merr
				break
			}
			ids = append(ids, members...)
		}
	}
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	sessions, err := s.loadSessions(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := s.nowFn().UTC()
	matched := make([]*models.Session, 0, len(sessions))
	for _, session := range sessions {
		if filter.OwnerID != "" && session.OwnerID != filter.OwnerID {
			continue
		}
		if filter.AccountIdentifier != "" && session.AccountIdentifier != filter.AccountIdentifier {
			continue
		}
		if filter.Status != "" && session.Status != filter.Status {
			continue
		}
		age := session.IdleFor(now)
		if filter.MinAge > 0 && age < filter.MinAge {
			continue
		}
		if filter.MaxAge > 0 && age > filter.MaxAge {
			continue
		}
		matched = append(matched, session)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastUsedAt.After(matched[j].LastUsedAt)
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// ExpireInactiveSessions transitions active sessions unused for longer than
// maxAge to expired. Returns the number of sessions transitioned.
func (s *SessionStore) ExpireInactiveSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	client, err := s.manager.Client()
	if err != nil {
		return 0, err
	}

	ids, err := client.SMembers(ctx, s.statusIndexKey(models.SessionActive)).Result()
	if err != nil {
		return 0, wrapStoreErr(err)
	}

	now := s.nowFn().UTC()
	expired := 0
	for _, id := range ids {
		session, err := s.GetSession(ctx, id)
		if err != nil {
			return expired, err
		}
		if session == nil {
			// TTL already reaped the record; drop the stale index entry.
			_ = client.SRem(ctx, s.statusIndexKey(models.SessionActive), id).Err()
			continue
		}
		if session.IdleFor(now) <= maxAge {
			continue
		}

		status := models.SessionExpired
		if _, err := s.UpdateSession(ctx, id, SessionUpdate{Status: &status}); err != nil {
			if err == autherrors.ErrSessionLocked {
				continue // someone is touching it; next sweep will catch it
			}
			return expired, err
		}
		expired++
	}

	if expired > 0 {
		s.log.Info("expired inactive sessions", map[string]interface{}{
			"count":  expired,
			"maxAge": maxAge.String(),
		})
	}
	return expired, nil
}

// CleanupExpiredSessions permanently deletes every session currently in
// expired status. Returns the number of sessions deleted.
func (s *SessionStore) CleanupExpiredSessions(ctx context.Context) (int, error) {
	client, err := s.manager.Client()
	if err != nil {
		return 0, err
	}

	ids, err := client.SMembers(ctx, s.statusIndexKey(models.SessionExpired)).Result()
	if err != nil {
		return 0, wrapStoreErr(err)
	}

	deleted := 0
	for _, id := range ids {
		ok, err := s.DeleteSession(ctx, id)
		if err != nil {
			return deleted, err
		}
		if !ok {
			_ = client.SRem(ctx, s.statusIndexKey(models.SessionExpired), id).Err()
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Count returns the number of live session records by status.
func (s *SessionStore) Count(ctx context.Context) (map[models.SessionStatus]int64, error) {
	client, err := s.manager.Client()
	if err != nil {
		return nil, err
	}

	counts := make(map[models.SessionStatus]int64, 3)
	for _, status := range []models.SessionStatus{models.SessionActive, models.SessionExpired, models.SessionError} {
		n, err := client.SCard(ctx, s.statusIndexKey(status)).Result()
		if err != nil {
			return nil, wrapStoreErr(err)
		}
		counts[status] = n
	}
	return counts, nil
}

func (s *SessionStore) loadSessions(ctx context.Context, ids []string) ([]*models.Session, error) {
	sessions := make([]*models.Session, 0, len(ids))
	for _, id := range ids {
		session, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if session == nil {
			continue // index entry outlived the record
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}
