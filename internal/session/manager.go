package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("conversation not found")

// Manager is the in-process conversation registry.
type Manager struct {
	mu                sync.RWMutex
	conversations     map[string]*Conversation
	byPair            map[string]string
	inactivityTimeout time.Duration
	onExpire          func(*Conversation)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		conversations:     make(map[string]*Conversation),
		byPair:            make(map[string]string),
		inactivityTimeout: inactivityTimeout,
	}
}

func pairKey(userID, coachID string) string { return userID + "\x00" + coachID }

func (m *Manager) SetExpireHook(hook func(*Conversation)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Resolve returns the conversation for the request, creating it when
// needed. An explicit id owned by another user starts a fresh conversation
// rather than leaking state across users.
func (m *Manager) Resolve(conversationID, userID, coachID string) *Conversation {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()

	if conversationID == "" {
		conversationID = m.byPair[pairKey(userID, coachID)]
	}
	if c, ok := m.conversations[conversationID]; ok && c.UserID == userID {
		if c.Status != StatusActive {
			c.Status = StatusActive
			c.Mode = ModeChat
			c.Flow = ""
			c.ActiveSessionID = ""
		}
		c.CoachID = coachID
		c.LastActivityAt = now
		m.byPair[pairKey(userID, coachID)] = c.ID
		return clone(c)
	}

	if conversationID == "" || m.conversations[conversationID] != nil {
		conversationID = uuid.NewString()
	}
	c := &Conversation{
		ID:             conversationID,
		UserID:         userID,
		CoachID:        coachID,
		Mode:           ModeChat,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	m.conversations[c.ID] = c
	m.byPair[pairKey(userID, coachID)] = c.ID
	return clone(c)
}

func (m *Manager) Get(conversationID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

// SetMode switches the indicator to a collection flow.
func (m *Manager) SetMode(conversationID, mode, flow, sessionID string) error {
	return m.update(conversationID, func(c *Conversation) {
		c.Mode = mode
		c.Flow = flow
		c.ActiveSessionID = sessionID
	})
}

// ResetMode returns the indicator to chat.
func (m *Manager) ResetMode(conversationID string) error {
	return m.update(conversationID, func(c *Conversation) {
		c.Mode = ModeChat
		c.Flow = ""
		c.ActiveSessionID = ""
	})
}

// Touch records a processed turn.
func (m *Manager) Touch(conversationID string) error {
	return m.update(conversationID, func(c *Conversation) {
		c.TurnCount++
	})
}

func (m *Manager) End(conversationID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	m.endLocked(c, time.Now().UTC())
	return clone(c), nil
}

func (m *Manager) update(conversationID string, fn func(*Conversation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	fn(c)
	c.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) endLocked(c *Conversation, now time.Time) {
	c.Status = StatusEnded
	c.Mode = ModeChat
	c.Flow = ""
	c.ActiveSessionID = ""
	c.LastActivityAt = now
	key := pairKey(c.UserID, c.CoachID)
	if m.byPair[key] == c.ID {
		delete(m.byPair, key)
	}
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.conversations {
		if c.Status == StatusActive {
			count++
		}
	}
	return count
}

// expireInactive ends idle conversations and drops ended ones that have
// been idle for another full timeout.
func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Conversation

	m.mu.Lock()
	for id, c := range m.conversations {
		idle := now.Sub(c.LastActivityAt)
		if c.Status != StatusActive {
			if idle >= m.inactivityTimeout {
				delete(m.conversations, id)
			}
			continue
		}
		if idle < m.inactivityTimeout {
			continue
		}
		m.endLocked(c, now)
		expired = append(expired, clone(c))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, c := range expired {
			hook(c)
		}
	}
}

func clone(c *Conversation) *Conversation {
	out := *c
	return &out
}
