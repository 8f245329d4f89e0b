package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"grokchat/pkg/domain"
)

// MemoryStore keeps all records in-process. Used for local development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	identities    map[string]domain.Identity
	settings      map[string]domain.Settings
	projects      map[string]domain.Project
	projectOrder  []string
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities:    make(map[string]domain.Identity),
		settings:      make(map[string]domain.Settings),
		projects:      make(map[string]domain.Project),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
	}
}

func (m *MemoryStore) CreateIdentity(identity domain.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[identity.ID] = identity
	return nil
}

func (m *MemoryStore) GetIdentity(id string) (domain.Identity, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	identity, ok := m.identities[id]
	return identity, ok, nil
}

func (m *MemoryStore) TouchIdentity(id string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok {
		return ErrNotFound
	}
	identity.LastSeenAt = seenAt.UTC()
	m.identities[id] = identity
	return nil
}

func (m *MemoryStore) GetSettings(identityID string) (domain.Settings, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	settings, ok := m.settings[identityID]
	return settings, ok, nil
}

func (m *MemoryStore) SaveSettings(settings domain.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[settings.IdentityID] = settings
	return nil
}

// SaveProject stores or replaces a project and tracks insertion order.
func (m *MemoryStore) SaveProject(p domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.projects[p.ID]; !exists {
		m.projectOrder = append(m.projectOrder, p.ID)
	}
	m.projects[p.ID] = p
	return nil
}

func (m *MemoryStore) GetProject(id string) (domain.Project, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	return p, ok, nil
}

// ListProjects returns an identity's projects in insertion order.
func (m *MemoryStore) ListProjects(identityID string) ([]domain.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Project, 0, len(m.projectOrder))
	for _, id := range m.projectOrder {
		if p, ok := m.projects[id]; ok && p.IdentityID == identityID {
			res = append(res, p)
		}
	}
	return res, nil
}

func (m *MemoryStore) UpdateProjectTitle(id, title string, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return ErrNotFound
	}
	p.Title = title
	p.UpdatedAt = updatedAt.UTC()
	m.projects[id] = p
	return nil
}

func (m *MemoryStore) UpdateProjectInstructions(id, instructions string, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return ErrNotFound
	}
	p.Instructions = instructions
	p.UpdatedAt = updatedAt.UTC()
	m.projects[id] = p
	return nil
}

func (m *MemoryStore) DeleteProject(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects, id)
	for i, pid := range m.projectOrder {
		if pid == id {
			m.projectOrder = append(m.projectOrder[:i], m.projectOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) CreateConversation(c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = c
	return nil
}

func (m *MemoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return c, ok, nil
}

func (m *MemoryStore) ListConversations(identityID string) ([]domain.Conversation, error) {
	return m.listConversations(func(c domain.Conversation) bool { return c.IdentityID == identityID }), nil
}

func (m *MemoryStore) ListConversationsByProject(projectID string) ([]domain.Conversation, error) {
	return m.listConversations(func(c domain.Conversation) bool { return c.ProjectID == projectID }), nil
}

func (m *MemoryStore) listConversations(keep func(domain.Conversation) bool) []domain.Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Conversation, 0)
	for _, c := range m.conversations {
		if keep(c) {
			res = append(res, c)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].UpdatedAt.Equal(res[j].UpdatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].UpdatedAt.After(res[j].UpdatedAt)
	})
	return res
}

func (m *MemoryStore) UpdateConversation(id, title string, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if t := strings.TrimSpace(title); t != "" {
		c.Title = t
	}
	c.UpdatedAt = updatedAt.UTC()
	m.conversations[id] = c
	return nil
}

func (m *MemoryStore) DeleteConversations(ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.conversations, id)
		delete(m.messages, id)
	}
	return nil
}

func (m *MemoryStore) AppendMessage(conversationID string, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[conversationID]; !ok {
		return ErrNotFound
	}
	msg.ConversationID = conversationID
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	return nil
}

// ListMessages returns a copy of the transcript.
func (m *MemoryStore) ListMessages(conversationID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[conversationID]
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}
