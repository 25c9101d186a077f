package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"voicelink/config"
	"voicelink/functions"
	"voicelink/persist"
)

const defaultSystemPrompt = `You are a helpful, natural-sounding voice assistant.
Keep answers short and conversational; the user hears you rather than reads you.
Never fabricate information. If a tool is available for a question, use it instead
of guessing. If you are interrupted, stop immediately and listen.`

// Manager manages all client sessions
type Manager struct {
	sessions  map[string]*ClientSession
	mu        sync.RWMutex
	store     *persist.RedisStore
	config    *config.Config
	geminiKey string
}

// NewManager creates a session manager backed by the transcript store.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		sessions:  make(map[string]*ClientSession),
		store:     persist.NewRedisStore(cfg.RedisURL, cfg.RedisPassword, cfg.SessionTimeout),
		config:    cfg,
		geminiKey: cfg.GeminiAPIKey,
	}
}

func buildTools() []*genai.Tool {
	return []*genai.Tool{
		{
			FunctionDeclarations: functions.Declarations(),
		},
	}
}

// CreateSession creates a new client session from a fresh connection.
// The handshake (config frame plus Gemini connect) happens here.
func (sm *Manager) CreateSession(ctx context.Context, clientConn *websocket.Conn) (*ClientSession, error) {
	sm.mu.Lock()
	if len(sm.sessions) >= sm.config.MaxSessions {
		sm.mu.Unlock()
		return nil, fmt.Errorf("maximum sessions reached")
	}
	sm.mu.Unlock()

	sessionID := uuid.New().String()

	prompt := defaultSystemPrompt
	if sm.config.SystemPrompt != "" {
		prompt = sm.config.SystemPrompt
	}

	session, err := NewClientSession(ctx, sessionID, clientConn, sm.geminiKey, prompt, sm.store, buildTools())
	if err != nil {
		return nil, err
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = session
	sm.mu.Unlock()

	sm.store.OpenSession(ctx, sessionID,
		session.Config.Provider, session.Config.Voice, session.Config.Language)
	return session, nil
}

// GetSession retrieves a session by ID
func (sm *Manager) GetSession(sessionID string) (*ClientSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, exists := sm.sessions[sessionID]
	return session, exists
}

// RemoveSession cleans up and removes a session
func (sm *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	session, exists := sm.sessions[sessionID]
	if !exists {
		sm.mu.Unlock()
		return nil
	}
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()

	session.Close()
	sm.store.CloseSession(ctx, sessionID)
	return nil
}

// GetActiveSessionCount returns current session count
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions removes sessions that have been inactive
func (sm *Manager) CleanupInactiveSessions(ctx context.Context) {
	sm.mu.Lock()
	now := time.Now()
	var stale []*ClientSession
	for id, session := range sm.sessions {
		if now.Sub(session.LastActivity) > sm.config.SessionTimeout {
			stale = append(stale, session)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	for _, session := range stale {
		session.Close()
		sm.store.CloseSession(ctx, session.ID)
	}
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes all sessions
func (sm *Manager) Shutdown() {
	sm.mu.Lock()
	sessions := make([]*ClientSession, 0, len(sm.sessions))
	for id, session := range sm.sessions {
		sessions = append(sessions, session)
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
	sm.store.Close()
}
