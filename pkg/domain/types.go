package domain

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the transcript roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

const (
	// DefaultBaseURL is the provider endpoint used until the user configures another one.
	DefaultBaseURL = "https://api.x.ai"
	// ModelAuto defers model choice to the provider default at call time.
	ModelAuto = "auto"
)

type Identity struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type Settings struct {
	IdentityID string    `json:"-"`
	APIKey     string    `json:"-"`
	BaseURL    string    `json:"baseUrl"`
	Model      string    `json:"model"`
	LogoURL    string    `json:"logoUrl"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// DefaultSettings returns the settings synthesized for an identity without a stored row.
func DefaultSettings(identityID string) Settings {
	return Settings{
		IdentityID: identityID,
		BaseURL:    DefaultBaseURL,
		Model:      ModelAuto,
	}
}

// HasAPIKey reports whether a non-blank key is configured.
func (s Settings) HasAPIKey() bool {
	return strings.TrimSpace(s.APIKey) != ""
}

type Project struct {
	ID           string    `json:"id"`
	IdentityID   string    `json:"-"`
	Title        string    `json:"title"`
	Instructions string    `json:"instructions,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Conversation is a transcript header. An empty ProjectID places it in the default bucket.
type Conversation struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"-"`
	ProjectID  string    `json:"projectId,omitempty"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Role           Role         `json:"role"`
	Content        string       `json:"content"`
	Timestamp      int64        `json:"timestamp"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Attachment carries either inline Content or a StorageKey into the project file namespace.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Content     string `json:"content,omitempty"`
	StorageKey  string `json:"storageKey,omitempty"`
}

type StoredFile struct {
	Key          string    `json:"key"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// ProjectNamespace is the object storage prefix holding a project's files.
func ProjectNamespace(projectID string) string {
	return "projects/" + projectID + "/"
}
