package chat

import (
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/realtime"
	"github.com/noah-isme/gema-chat/internal/service"
)

// ErrInvalidSessionKey is returned when a session is opened without a project or user.
var ErrInvalidSessionKey = errors.New("chat session requires project and user")

// sessionKey scopes the caller-chosen client id to its user so one user can
// never replace another user's session.
type sessionKey struct {
	userID    string
	clientID  string
	projectID string
}

// Manager owns the live sessions of a process, at most one per user, client and project.
type Manager struct {
	store     MessageStore
	auth      service.MembershipChecker
	transport realtime.Transport
	opts      Options
	logger    zerolog.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*Session
}

// NewManager constructs a session manager.
func NewManager(store MessageStore, auth service.MembershipChecker, transport realtime.Transport, opts Options) *Manager {
	return &Manager{
		store:     store,
		auth:      auth,
		transport: transport,
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "chat_manager").Logger(),
		sessions:  make(map[sessionKey]*Session),
	}
}

// Open starts a session for identity on projectID. A session already open for
// the same user, client and project is closed first so events are never delivered twice.
func (m *Manager) Open(projectID string, identity Identity, observer Observer) (*Session, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" || strings.TrimSpace(identity.UserID) == "" {
		return nil, ErrInvalidSessionKey
	}
	if identity.ClientID == "" {
		identity.ClientID = identity.UserID
	}
	key := sessionKey{userID: identity.UserID, clientID: identity.ClientID, projectID: projectID}

	for {
		m.mu.Lock()
		prior, exists := m.sessions[key]
		if !exists {
			session := NewSession(projectID, identity, m.store, m.auth, m.transport, observer, m.opts)
			session.onClose = func(s *Session) { m.forget(key, s) }
			m.sessions[key] = session
			m.mu.Unlock()

			session.Start()
			m.logger.Debug().Str("project_id", projectID).Str("client_id", identity.ClientID).Msg("chat session opened")
			return session, nil
		}
		delete(m.sessions, key)
		m.mu.Unlock()

		m.logger.Debug().Str("project_id", projectID).Str("client_id", identity.ClientID).Msg("replacing existing chat session")
		prior.Close()
	}
}

// Get returns the open session of userID's client on projectID.
func (m *Manager) Get(userID, clientID, projectID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionKey{userID: userID, clientID: clientID, projectID: projectID}]
	return session, ok
}

// Len reports the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll closes every open session, typically on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for key, session := range m.sessions {
		sessions = append(sessions, session)
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, session := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
		}(session)
	}
	wg.Wait()
}

func (m *Manager) forget(key sessionKey, session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[key] == session {
		delete(m.sessions, key)
	}
}
