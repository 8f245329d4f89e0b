package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type IdentityModel struct {
	ID         string    `gorm:"primaryKey"`
	CreatedAt  time.Time `gorm:"not null"`
	LastSeenAt time.Time `gorm:"not null"`
}

type SettingsModel struct {
	IdentityID string    `gorm:"primaryKey"`
	APIKey     string    `gorm:"type:text"`
	BaseURL    string    `gorm:"not null"`
	Model      string    `gorm:"not null"`
	LogoURL    string    `gorm:"type:text"`
	UpdatedAt  time.Time `gorm:"not null"`
}

type ProjectModel struct {
	ID           string    `gorm:"primaryKey"`
	IdentityID   string    `gorm:"not null;index"`
	Title        string    `gorm:"not null"`
	Instructions string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

type ConversationModel struct {
	ID         string    `gorm:"primaryKey"`
	IdentityID string    `gorm:"not null;index"`
	ProjectID  *string   `gorm:"index"`
	Title      string    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null;index"`
}

type MessageModel struct {
	ID             string         `gorm:"primaryKey"`
	ConversationID string         `gorm:"not null;uniqueIndex:idx_message_conversation_position,priority:1"`
	Position       int64          `gorm:"not null;uniqueIndex:idx_message_conversation_position,priority:2"`
	Role           string         `gorm:"not null"`
	Content        string         `gorm:"type:text;not null"`
	Attachments    datatypes.JSON `gorm:"type:jsonb"`
	Timestamp      int64          `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null"`
}
