package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/nadmax/queuewatch/internal/logger"
)

// Manager owns the current credentials. It is the TokenSource for the backend
// client and the target of unauthorized teardown.
type Manager struct {
	store Store

	mu       sync.RWMutex
	creds    Credentials
	id       string
	onLogout []func(ctx context.Context)
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// OnLogout registers fn to run after every logout, explicit or forced.
func (m *Manager) OnLogout(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onLogout = append(m.onLogout, fn)
}

// Begin stores credentials for a fresh login and returns the new session id.
func (m *Manager) Begin(ctx context.Context, c Credentials) (string, error) {
	if err := m.store.Save(ctx, c); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.creds = c
	m.id = uuid.New().String()
	id := m.id
	m.mu.Unlock()

	logger.Get(ctx).Info().Str("username", c.Username).Str("session_id", id).Msg("session started")
	return id, nil
}

// Resume loads previously stored credentials. ok is false when there are none.
func (m *Manager) Resume(ctx context.Context) (id string, ok bool, err error) {
	c, err := m.store.Load(ctx)
	if errors.Is(err, ErrNoSession) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	m.mu.Lock()
	m.creds = c
	m.id = uuid.New().String()
	id = m.id
	m.mu.Unlock()

	logger.Get(ctx).Info().Str("username", c.Username).Str("session_id", id).Msg("session resumed")
	return id, true, nil
}

func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.creds.Token
}

func (m *Manager) Username() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.creds.Username
}

func (m *Manager) ID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.id
}

func (m *Manager) Active() bool {
	return m.Token() != ""
}

// Logout clears the stored credentials and runs the logout hooks. Calling it
// without an active session is a no-op.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	if m.creds.Token == "" {
		m.mu.Unlock()
		return
	}
	m.creds = Credentials{}
	m.id = ""
	hooks := append([]func(context.Context){}, m.onLogout...)
	m.mu.Unlock()

	if err := m.store.Clear(ctx); err != nil {
		logger.Get(ctx).Warn().Err(err).Msg("failed to clear stored session")
	}

	for _, fn := range hooks {
		fn(ctx)
	}
}

// OnUnauthorized is called by the refresh cycle when the backend rejects the token.
func (m *Manager) OnUnauthorized(ctx context.Context) {
	logger.Get(ctx).Info().Msg("backend rejected session token, logging out")
	m.Logout(ctx)
}
