package store

import (
	"errors"
	"time"

	"grokchat/pkg/domain"
)

// ErrNotFound is returned by updates that match no row.
var ErrNotFound = errors.New("record not found")

// Store defines persistence operations for identities, settings, projects,
// conversations and messages. Every record except identities is scoped by
// identity ID.
type Store interface {
	// identities
	CreateIdentity(domain.Identity) error
	GetIdentity(id string) (domain.Identity, bool, error)
	TouchIdentity(id string, seenAt time.Time) error

	// settings
	GetSettings(identityID string) (domain.Settings, bool, error)
	SaveSettings(domain.Settings) error

	// projects
	SaveProject(domain.Project) error
	GetProject(id string) (domain.Project, bool, error)
	ListProjects(identityID string) ([]domain.Project, error)
	UpdateProjectTitle(id, title string, updatedAt time.Time) error
	UpdateProjectInstructions(id, instructions string, updatedAt time.Time) error
	DeleteProject(id string) error

	// conversations
	CreateConversation(domain.Conversation) error
	GetConversation(id string) (domain.Conversation, bool, error)
	ListConversations(identityID string) ([]domain.Conversation, error)
	ListConversationsByProject(projectID string) ([]domain.Conversation, error)
	UpdateConversation(id, title string, updatedAt time.Time) error
	// DeleteConversations removes the conversations and their messages.
	DeleteConversations(ids []string) error

	// messages
	AppendMessage(conversationID string, msg domain.Message) error
	ListMessages(conversationID string) ([]domain.Message, error)
}
