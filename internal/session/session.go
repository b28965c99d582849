package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrExpired      = errors.New("session expired")
	ErrForbidden    = errors.New("forbidden")
)

type EventType string

const (
	SignedIn  EventType = "SIGNED_IN"
	SignedOut EventType = "SIGNED_OUT"
)

type Session struct {
	UserID    string
	TenantID  string
	Scopes    map[string]struct{}
	ExpiresAt time.Time
}

func (s Session) HasScope(scope string) bool {
	if scope == "" {
		return true
	}
	_, ok := s.Scopes[scope]
	return ok
}

// ScopeList returns the scopes sorted, for logging and responses.
func (s Session) ScopeList() []string {
	out := make([]string, 0, len(s.Scopes))
	for scope := range s.Scopes {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

type Event struct {
	Type    EventType
	Session Session
}

type Listener func(Event)

type Config struct {
	JWTSecret string
	// TenantID, when set, rejects tokens issued for any other tenant.
	TenantID string
}

// Manager is the identity context handed to the engine and the API. It
// verifies provider tokens and broadcasts sign-in and sign-out transitions
// to explicit subscribers.
type Manager struct {
	secret []byte
	tenant string

	mu        sync.Mutex
	current   *Session
	listeners map[int]Listener
	nextID    int
	now       func() time.Time
}

type tokenClaims struct {
	TenantID string   `json:"tenant_id"`
	Scopes   []string `json:"scopes"`
	jwt.StandardClaims
}

func NewManager(cfg Config) (*Manager, error) {
	secret := strings.TrimSpace(cfg.JWTSecret)
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &Manager{
		secret:    []byte(secret),
		tenant:    strings.TrimSpace(cfg.TenantID),
		listeners: map[int]Listener{},
		now:       time.Now,
	}, nil
}

// Verify parses an HS256 bearer token without changing the current session.
func (m *Manager) Verify(raw string) (Session, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return Session{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		var validationErr *jwt.ValidationError
		if errors.As(err, &validationErr) && validationErr.Errors&jwt.ValidationErrorExpired != 0 {
			return Session{}, ErrExpired
		}
		return Session{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return Session{}, fmt.Errorf("%w: missing sub or tenant_id claim", ErrUnauthorized)
	}
	if m.tenant != "" && claims.TenantID != m.tenant {
		return Session{}, fmt.Errorf("%w: tenant mismatch", ErrForbidden)
	}
	s := Session{
		UserID:   claims.Subject,
		TenantID: claims.TenantID,
		Scopes:   map[string]struct{}{},
	}
	for _, scope := range claims.Scopes {
		if scope = strings.TrimSpace(scope); scope != "" {
			s.Scopes[scope] = struct{}{}
		}
	}
	if claims.ExpiresAt > 0 {
		s.ExpiresAt = time.Unix(claims.ExpiresAt, 0).UTC()
	}
	return s, nil
}

// SignIn verifies token, makes it the current session and emits SIGNED_IN.
func (m *Manager) SignIn(token string) (Session, error) {
	s, err := m.Verify(token)
	if err != nil {
		return Session{}, err
	}
	m.mu.Lock()
	m.current = &s
	listeners := m.listenersLocked()
	m.mu.Unlock()
	emit(listeners, Event{Type: SignedIn, Session: s})
	return s, nil
}

// SignOut clears the current session and emits SIGNED_OUT if one existed.
func (m *Manager) SignOut() {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return
	}
	prev := *m.current
	m.current = nil
	listeners := m.listenersLocked()
	m.mu.Unlock()
	emit(listeners, Event{Type: SignedOut, Session: prev})
}

// Current returns the active session. An expired session is signed out.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return Session{}, false
	}
	s := *m.current
	m.mu.Unlock()
	if !s.ExpiresAt.IsZero() && !m.now().Before(s.ExpiresAt) {
		m.SignOut()
		return Session{}, false
	}
	return s, true
}

// WatchExpiry checks the current session every interval and signs it out
// once it expires. It returns when ctx is done.
func (m *Manager) WatchExpiry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Current()
		}
	}
}

// Subscribe registers l for session transitions and returns its removal.
func (m *Manager) Subscribe(l Listener) func() {
	if l == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = l
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) listenersLocked() []Listener {
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.listeners[id])
	}
	return out
}

func emit(listeners []Listener, ev Event) {
	for _, l := range listeners {
		l(ev)
	}
}

// IssueToken signs a token the way the identity provider does. It backs
// local development and tests.
func IssueToken(secret string, s Session, ttl time.Duration) (string, error) {
	claims := tokenClaims{
		TenantID: s.TenantID,
		Scopes:   s.ScopeList(),
		StandardClaims: jwt.StandardClaims{
			Subject:  s.UserID,
			IssuedAt: time.Now().Unix(),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = time.Now().Add(ttl).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// NewSession builds a Session from a scope list.
func NewSession(userID, tenantID string, scopes ...string) Session {
	s := Session{UserID: userID, TenantID: tenantID, Scopes: map[string]struct{}{}}
	for _, scope := range scopes {
		s.Scopes[scope] = struct{}{}
	}
	return s
}
