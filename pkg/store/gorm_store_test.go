package store

import (
	"strings"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"grokchat/pkg/domain"
)

type reverseSealer struct{}

func (reverseSealer) Seal(v string) (string, error) { return "sealed:" + v, nil }
func (reverseSealer) Open(v string) (string, error) { return v[len("sealed:"):], nil }

func TestConversationModelMapsDefaultBucket(t *testing.T) {
	model := conversationToModel(domain.Conversation{ID: "c1", ProjectID: "  "})
	if model.ProjectID != nil {
		t.Fatalf("expected nil project id for default bucket, got %q", *model.ProjectID)
	}
	model = conversationToModel(domain.Conversation{ID: "c1", ProjectID: "p1"})
	if model.ProjectID == nil || *model.ProjectID != "p1" {
		t.Fatalf("expected project id p1, got %v", model.ProjectID)
	}
	if got := conversationFromModel(model); got.ProjectID != "p1" {
		t.Fatalf("round trip project id = %q", got.ProjectID)
	}
}

func TestMessageModelCarriesAttachments(t *testing.T) {
	msg := domain.Message{
		ID:        "m1",
		Role:      domain.RoleUser,
		Content:   "see file",
		Timestamp: 1700000000000,
		Attachments: []domain.Attachment{
			{Name: "notes.txt", Content: "hello"},
		},
	}
	model, err := messageToModel(msg)
	if err != nil {
		t.Fatalf("to model: %v", err)
	}
	if model.CreatedAt.UnixMilli() != msg.Timestamp {
		t.Fatalf("created_at = %v, want %d", model.CreatedAt, msg.Timestamp)
	}
	back, err := messageFromModel(model)
	if err != nil {
		t.Fatalf("from model: %v", err)
	}
	if len(back.Attachments) != 1 || back.Attachments[0].Content != "hello" {
		t.Fatalf("attachments lost: %+v", back.Attachments)
	}
}

func TestWithSealerOption(t *testing.T) {
	opts := GormStoreOptions{}
	WithSealer(reverseSealer{})(&opts)
	if opts.Sealer == nil {
		t.Fatalf("expected sealer to be set")
	}
}

func TestMessageFromModelRejectsCorruptAttachments(t *testing.T) {
	_, err := messageFromModel(MessageModel{ID: "m1", Role: "user", Attachments: []byte(`{not json`)})
	if err == nil || !strings.Contains(err.Error(), "m1") {
		t.Fatalf("expected decode error naming the message, got %v", err)
	}
}

// dryRunDB builds statements without a server.
func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=localhost user=grokchat dbname=grokchat sslmode=disable"}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
	})
	if err != nil {
		t.Fatalf("open dry-run db: %v", err)
	}
	return db
}

func TestListMessagesOrderHasTieBreakers(t *testing.T) {
	db := dryRunDB(t)
	query := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		var models []MessageModel
		return messagesInOrder(tx, "c1").Find(&models)
	})
	if !strings.Contains(query, "ORDER BY position ASC, timestamp ASC, id ASC") {
		t.Fatalf("unexpected message query: %s", query)
	}
}

func TestAppendMessageLocksConversation(t *testing.T) {
	db := dryRunDB(t)
	query := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return lockConversation(tx, "c1").Take(&ConversationModel{})
	})
	if !strings.Contains(query, "FOR UPDATE") || !strings.Contains(query, "conversation_models") {
		t.Fatalf("expected a row lock on the conversation, got %s", query)
	}
}
