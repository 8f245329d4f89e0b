package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"grokchat/pkg/domain"
)

const migrateLockID int64 = 47265311

// SecretSealer encrypts values before they are written to the database.
type SecretSealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

type GormStoreOptions struct {
	Sealer SecretSealer
}

type GormStoreOption func(*GormStoreOptions)

// WithSealer seals settings API keys at rest.
func WithSealer(sealer SecretSealer) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Sealer = sealer
	}
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db     *gorm.DB
	sealer SecretSealer
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&IdentityModel{}, &SettingsModel{}, &ProjectModel{}, &ConversationModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM message_models m
				WHERE NOT EXISTS (SELECT 1 FROM conversation_models c WHERE c.id = m.conversation_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_conversation_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_conversation_id_fkey
					FOREIGN KEY (conversation_id) REFERENCES conversation_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure message foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, sealer: opts.Sealer}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateIdentity records a new anonymous identity.
func (s *GormStore) CreateIdentity(identity domain.Identity) error {
	model := IdentityModel{
		ID:         identity.ID,
		CreatedAt:  identity.CreatedAt,
		LastSeenAt: identity.LastSeenAt,
	}
	return s.db.Create(&model).Error
}

// GetIdentity returns an identity by ID.
func (s *GormStore) GetIdentity(id string) (domain.Identity, bool, error) {
	var model IdentityModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Identity{}, false, nil
		}
		return domain.Identity{}, false, err
	}
	return domain.Identity{ID: model.ID, CreatedAt: model.CreatedAt, LastSeenAt: model.LastSeenAt}, true, nil
}

// TouchIdentity refreshes the last-seen timestamp.
func (s *GormStore) TouchIdentity(id string, seenAt time.Time) error {
	return s.db.Model(&IdentityModel{}).Where("id = ?", id).Update("last_seen_at", seenAt.UTC()).Error
}

// GetSettings returns the settings row for an identity.
func (s *GormStore) GetSettings(identityID string) (domain.Settings, bool, error) {
	var model SettingsModel
	if err := s.db.First(&model, "identity_id = ?", identityID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Settings{}, false, nil
		}
		return domain.Settings{}, false, err
	}
	apiKey := model.APIKey
	if s.sealer != nil {
		opened, err := s.sealer.Open(apiKey)
		if err != nil {
			return domain.Settings{}, false, fmt.Errorf("open api key: %w", err)
		}
		apiKey = opened
	}
	return domain.Settings{
		IdentityID: model.IdentityID,
		APIKey:     apiKey,
		BaseURL:    model.BaseURL,
		Model:      model.Model,
		LogoURL:    model.LogoURL,
		UpdatedAt:  model.UpdatedAt,
	}, true, nil
}

// SaveSettings replaces the settings row for an identity.
func (s *GormStore) SaveSettings(settings domain.Settings) error {
	apiKey := settings.APIKey
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(apiKey)
		if err != nil {
			return fmt.Errorf("seal api key: %w", err)
		}
		apiKey = sealed
	}
	model := SettingsModel{
		IdentityID: settings.IdentityID,
		APIKey:     apiKey,
		BaseURL:    settings.BaseURL,
		Model:      settings.Model,
		LogoURL:    settings.LogoURL,
		UpdatedAt:  settings.UpdatedAt,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"api_key", "base_url", "model", "logo_url", "updated_at"}),
	}).Create(&model).Error
}

// SaveProject stores or updates a project.
func (s *GormStore) SaveProject(p domain.Project) error {
	model := projectToModel(p)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "instructions", "updated_at"}),
	}).Create(&model).Error
}

// GetProject retrieves a project.
func (s *GormStore) GetProject(id string) (domain.Project, bool, error) {
	var model ProjectModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Project{}, false, nil
		}
		return domain.Project{}, false, err
	}
	return projectFromModel(model), true, nil
}

// ListProjects returns an identity's projects ordered by created_at.
func (s *GormStore) ListProjects(identityID string) ([]domain.Project, error) {
	var models []ProjectModel
	if err := s.db.Where("identity_id = ?", identityID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Project, 0, len(models))
	for _, m := range models {
		res = append(res, projectFromModel(m))
	}
	return res, nil
}

// UpdateProjectTitle renames a project.
func (s *GormStore) UpdateProjectTitle(id, title string, updatedAt time.Time) error {
	return s.updateProject(id, map[string]any{
		"title":      title,
		"updated_at": updatedAt.UTC(),
	})
}

// UpdateProjectInstructions replaces the project's shared instructions.
func (s *GormStore) UpdateProjectInstructions(id, instructions string, updatedAt time.Time) error {
	return s.updateProject(id, map[string]any{
		"instructions": instructions,
		"updated_at":   updatedAt.UTC(),
	})
}

func (s *GormStore) updateProject(id string, updates map[string]any) error {
	res := s.db.Model(&ProjectModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProject removes the project row only; dependent conversations are
// removed by the caller beforehand.
func (s *GormStore) DeleteProject(id string) error {
	return s.db.Delete(&ProjectModel{}, "id = ?", id).Error
}

// CreateConversation creates a new conversation record.
func (s *GormStore) CreateConversation(conversation domain.Conversation) error {
	model := conversationToModel(conversation)
	return s.db.Create(&model).Error
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// ListConversations returns an identity's conversations, most recently updated first.
func (s *GormStore) ListConversations(identityID string) ([]domain.Conversation, error) {
	return s.listConversations("identity_id = ?", identityID)
}

// ListConversationsByProject returns the conversations owned by a project.
func (s *GormStore) ListConversationsByProject(projectID string) ([]domain.Conversation, error) {
	return s.listConversations("project_id = ?", projectID)
}

func (s *GormStore) listConversations(query string, args ...any) ([]domain.Conversation, error) {
	var models []ConversationModel
	if err := s.db.Where(query, args...).
		Order("updated_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		items = append(items, conversationFromModel(model))
	}
	return items, nil
}

// UpdateConversation refreshes title (when non-empty) and updated_at.
func (s *GormStore) UpdateConversation(id string, title string, updatedAt time.Time) error {
	updates := map[string]any{
		"updated_at": updatedAt.UTC(),
	}
	if strings.TrimSpace(title) != "" {
		updates["title"] = strings.TrimSpace(title)
	}
	res := s.db.Model(&ConversationModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversations removes conversations and their messages.
func (s *GormStore) DeleteConversations(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MessageModel{}, "conversation_id IN ?", ids).Error; err != nil {
			return err
		}
		return tx.Delete(&ConversationModel{}, "id IN ?", ids).Error
	})
}

// AppendMessage records a message at the end of the conversation. The
// conversation row is locked so concurrent appends get distinct positions.
func (s *GormStore) AppendMessage(conversationID string, msg domain.Message) error {
	model, err := messageToModel(msg)
	if err != nil {
		return err
	}
	model.ConversationID = conversationID
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := lockConversation(tx, conversationID).Take(&ConversationModel{}).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		var last sql.NullInt64
		if err := tx.Model(&MessageModel{}).
			Where("conversation_id = ?", conversationID).
			Select("MAX(position)").
			Scan(&last).Error; err != nil {
			return err
		}
		model.Position = last.Int64 + 1
		return tx.Create(&model).Error
	})
}

// ListMessages returns a conversation's messages in chronological order.
func (s *GormStore) ListMessages(conversationID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := messagesInOrder(s.db, conversationID).Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msg, err := messageFromModel(model)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func lockConversation(tx *gorm.DB, conversationID string) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", conversationID)
}

// messagesInOrder breaks position ties left by rows written before the
// unique position index existed.
func messagesInOrder(tx *gorm.DB, conversationID string) *gorm.DB {
	return tx.Where("conversation_id = ?", conversationID).
		Order("position ASC, timestamp ASC, id ASC")
}

func projectToModel(p domain.Project) ProjectModel {
	return ProjectModel{
		ID:           p.ID,
		IdentityID:   p.IdentityID,
		Title:        p.Title,
		Instructions: p.Instructions,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func projectFromModel(m ProjectModel) domain.Project {
	return domain.Project{
		ID:           m.ID,
		IdentityID:   m.IdentityID,
		Title:        m.Title,
		Instructions: m.Instructions,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func conversationToModel(c domain.Conversation) ConversationModel {
	var projectID *string
	if strings.TrimSpace(c.ProjectID) != "" {
		value := strings.TrimSpace(c.ProjectID)
		projectID = &value
	}
	return ConversationModel{
		ID:         c.ID,
		IdentityID: c.IdentityID,
		ProjectID:  projectID,
		Title:      c.Title,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	projectID := ""
	if m.ProjectID != nil {
		projectID = strings.TrimSpace(*m.ProjectID)
	}
	return domain.Conversation{
		ID:         m.ID,
		IdentityID: m.IdentityID,
		ProjectID:  projectID,
		Title:      m.Title,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) (MessageModel, error) {
	var attachments []byte
	if len(msg.Attachments) > 0 {
		raw, err := json.Marshal(msg.Attachments)
		if err != nil {
			return MessageModel{}, fmt.Errorf("encode attachments: %w", err)
		}
		attachments = raw
	}
	return MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		Attachments:    attachments,
		Timestamp:      msg.Timestamp,
		CreatedAt:      time.UnixMilli(msg.Timestamp).UTC(),
	}, nil
}

func messageFromModel(m MessageModel) (domain.Message, error) {
	var attachments []domain.Attachment
	if len(m.Attachments) > 0 {
		if err := json.Unmarshal(m.Attachments, &attachments); err != nil {
			return domain.Message{}, fmt.Errorf("decode attachments of message %s: %w", m.ID, err)
		}
	}
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           domain.Role(m.Role),
		Content:        m.Content,
		Timestamp:      m.Timestamp,
		Attachments:    attachments,
	}, nil
}
