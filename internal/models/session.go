package models

import "time"

// SessionStatus is the lifecycle status of a persisted browser session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionExpired SessionStatus = "expired"
	SessionError   SessionStatus = "error"
)

// Cookie is one browser cookie record, serialized into the session store and
// restored into a fresh browser context on reactivation.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// StorageSnapshot captures the two page storage scopes.
type StorageSnapshot struct {
	Local   map[string]string `json:"local,omitempty"`
	Session map[string]string `json:"session,omitempty"`
}

// Session represents one authenticated browser identity tied to one owner.
// It is independent of any live browser process; the instance pool
// round-trips cookies and storage through it on hibernate and reactivate.
type Session struct {
	ID                string            `json:"id"`
	OwnerID           string            `json:"ownerId"`
	AccountIdentifier string            `json:"accountIdentifier"`
	Status            SessionStatus     `json:"status"`
	CreatedAt         time.Time         `json:"createdAt"`
	LastUsedAt        time.Time         `json:"lastUsedAt"`
	Cookies           []Cookie          `json:"cookies,omitempty"`
	Storage           StorageSnapshot   `json:"storage"`
	UserAgent         string            `json:"userAgent,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// IsActive reports whether the session may be reused.
func (s *Session) IsActive() bool {
	return s.Status == SessionActive
}

// IdleFor returns how long the session has gone unused.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastUsedAt)
}

// SessionFilter narrows SearchSessions results. Zero values mean "any".
type SessionFilter struct {
	OwnerID           string
	AccountIdentifier string
	Status            SessionStatus
	MinAge            time.Duration
	MaxAge            time.Duration
	Limit             int
}

// AuthRequest is one login request handed to the manager.
type AuthRequest struct {
	OwnerID           string      `json:"ownerId"`
	AccountIdentifier string      `json:"accountIdentifier"`
	Secret            string      `json:"secret"`
	Options           AuthOptions `json:"options"`
}

// AuthOptions override per-request orchestration policy.
type AuthOptions struct {
	DisableReuse   bool          `json:"disableReuse,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	MaxRetries     int           `json:"maxRetries,omitempty"`
	HumanEmulation *bool         `json:"humanEmulation,omitempty"`
}

// AuthResult is the caller-facing outcome of an authenticate call. It always
// carries a machine-readable code on failure, plus a recovery suggestion for
// challenge and credential errors.
type AuthResult struct {
	Success            bool              `json:"success"`
	SessionID          string            `json:"sessionId,omitempty"`
	SessionReused      bool              `json:"sessionReused"`
	TraceID            string            `json:"traceId"`
	Attempts           int               `json:"attempts"`
	ErrorCode          string            `json:"errorCode,omitempty"`
	Message            string            `json:"message,omitempty"`
	Challenge          string            `json:"challenge,omitempty"`
	RecoverySuggestion string            `json:"recoverySuggestion,omitempty"`
	Screenshot         []byte            `json:"-"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// SessionStatusReport is returned by CheckSession.
type SessionStatusReport struct {
	Valid             bool          `json:"valid"`
	SessionID         string        `json:"sessionId,omitempty"`
	AccountIdentifier string        `json:"accountIdentifier,omitempty"`
	CookieCount       int           `json:"cookieCount"`
	LastUsedAge       time.Duration `json:"lastUsedAge,omitempty"`
	Message           string        `json:"message,omitempty"`
}
