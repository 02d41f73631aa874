// internal/common/database/redis.go
package database

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"browser-auth/internal/common/config"
	autherrors "browser-auth/internal/common/errors"
	"browser-auth/internal/common/logger"
)

// RedisManager owns the connection to the replicated session cache. It tries
// candidate URLs in priority order, advancing on connection-class errors, and
// reconnects with capped exponential backoff plus jitter. Consumers only ever
// see a health-checked client handle, never connection lifecycle events.
type RedisManager struct {
	cfg config.RedisConfig
	log logger.Logger

	mu       sync.RWMutex
	client   *redis.Client
	attempts int
}

func NewRedisManager(cfg config.RedisConfig, log logger.Logger) *RedisManager {
	return &RedisManager{cfg: cfg, log: log}
}

// NewRedisManagerWithClient wraps an already-connected client. Used by tests
// to inject miniredis or redismock clients.
func NewRedisManagerWithClient(client *redis.Client, cfg config.RedisConfig) *RedisManager {
	return &RedisManager{cfg: cfg, client: client, log: logger.NewNoOpLogger()}
}

// Connect establishes a connection, cycling through candidate URLs until one
// answers PING or the context is done. The attempt counter resets as soon as
// any endpoint works.
func (m *RedisManager) Connect(ctx context.Context) error {
	backoff := 500 * time.Millisecond
	maxBackoff := config.GetDuration(m.cfg.MaxBackoff)

	for {
		for _, url := range m.cfg.URLs {
			client, err := m.dial(ctx, url)
			if err == nil {
				m.mu.Lock()
				m.client = client
				m.attempts = 0
				m.mu.Unlock()
				m.log.Info("connected to session cache", map[string]interface{}{
					"url": redactURL(url),
				})
				return nil
			}

			if !isConnectionError(err) {
				return fmt.Errorf("redis connect to %s: %w", redactURL(url), err)
			}
			m.log.Warn("session cache endpoint unreachable, trying next", map[string]interface{}{
				"url":   redactURL(url),
				"error": err.Error(),
			})
		}

		m.mu.Lock()
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		// Capped exponential backoff with jitter before the next full cycle.
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
		if sleep > maxBackoff {
			sleep = maxBackoff
		}
		m.log.Warn("all session cache endpoints unreachable, backing off", map[string]interface{}{
			"attempt": attempt,
			"backoff": sleep.String(),
		})

		select {
		case <-ctx.Done():
			return fmt.Errorf("redis connect: %w", ctx.Err())
		case <-time.After(sleep):
		}

		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

func (m *RedisManager) dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opts.DialTimeout = config.GetDuration(m.cfg.DialTimeout)
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 5

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, config.GetDuration(m.cfg.DialTimeout))
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Client returns the live client handle, or ErrStoreUnavailable when the
// connection has not been established.
func (m *RedisManager) Client() (*redis.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, autherrors.ErrStoreUnavailable
	}
	return m.client, nil
}

// Ping tests the cache connection.
func (m *RedisManager) Ping(ctx context.Context) error {
	client, err := m.Client()
	if err != nil {
		return err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Healthy reports whether the cache currently answers PING.
func (m *RedisManager) Healthy(ctx context.Context) bool {
	return m.Ping(ctx) == nil
}

// Close closes the cache connection.
func (m *RedisManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		err := m.client.Close()
		m.client = nil
		return err
	}
	return nil
}

// isConnectionError reports whether the error is connection-class (refused,
// timed out, not found, reset) and therefore worth trying the next endpoint.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"connection refused", "connection reset", "i/o timeout", "no such host", "broken pipe", "EOF"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// redactURL strips embedded credentials before logging.
func redactURL(url string) string {
	if at := strings.LastIndex(url, "@"); at != -1 {
		if scheme := strings.Index(url, "://"); scheme != -1 {
			return url[:scheme+3] + "***" + url[at:]
		}
	}
	return url
}
