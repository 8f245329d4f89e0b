package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"grokchat/pkg/domain"
	"grokchat/pkg/storage"
)

// CreateProject creates a project and selects it. An empty title becomes "New Project".
func (s *Session) CreateProject(ctx context.Context, title, instructions string) (domain.Project, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = newProjectTitle
	}
	now := s.app.now().UTC()
	p := domain.Project{
		ID:           newProjectID(),
		IdentityID:   s.identityID,
		Title:        title,
		Instructions: strings.TrimSpace(instructions),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.app.store.SaveProject(p); err != nil {
		return domain.Project{}, persistenceErr("create project", err)
	}

	s.mu.Lock()
	s.projects = append(s.projects, p)
	s.currentProject = p.ID
	s.currentConv = ""
	s.mu.Unlock()
	return p, nil
}

// RenameProject trims title and updates the backend row, then every cached
// reference under one lock.
func (s *Session) RenameProject(ctx context.Context, id, title string) (domain.Project, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Project{}, &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if _, ok := s.findProject(id); !ok {
		return domain.Project{}, invalidTarget("project", id)
	}
	now := s.app.now().UTC()
	if err := s.app.store.UpdateProjectTitle(id, title, now); err != nil {
		return domain.Project{}, persistenceErr("rename project", err)
	}
	return s.commitProject(id, func(p *domain.Project) {
		p.Title = title
		p.UpdatedAt = now
	})
}

// UpdateProjectInstructions replaces the instructions sent as the system message.
func (s *Session) UpdateProjectInstructions(ctx context.Context, id, instructions string) (domain.Project, error) {
	if _, ok := s.findProject(id); !ok {
		return domain.Project{}, invalidTarget("project", id)
	}
	instructions = strings.TrimSpace(instructions)
	now := s.app.now().UTC()
	if err := s.app.store.UpdateProjectInstructions(id, instructions, now); err != nil {
		return domain.Project{}, persistenceErr("update project instructions", err)
	}
	return s.commitProject(id, func(p *domain.Project) {
		p.Instructions = instructions
		p.UpdatedAt = now
	})
}

func (s *Session) commitProject(id string, mutate func(*domain.Project)) (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.projectIndexLocked(id)
	if i < 0 {
		// deleted while the write was in flight
		return domain.Project{}, invalidTarget("project", id)
	}
	mutate(&s.projects[i])
	return s.projects[i], nil
}

// SelectProject selects a project and clears the conversation selection.
// An empty id selects the default bucket.
func (s *Session) SelectProject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" && s.projectIndexLocked(id) < 0 {
		return invalidTarget("project", id)
	}
	s.currentProject = id
	s.currentConv = ""
	return nil
}

// OpenProject selects the project and its most recent conversation, creating
// one when the project has none.
func (s *Session) OpenProject(ctx context.Context, id string) (domain.Conversation, error) {
	if err := s.SelectProject(id); err != nil {
		return domain.Conversation{}, err
	}
	s.mu.RLock()
	var latest *domain.Conversation
	for i := range s.conversations {
		if s.conversations[i].ProjectID == id {
			c := s.conversations[i]
			latest = &c
			break
		}
	}
	s.mu.RUnlock()
	if latest != nil {
		if err := s.SelectConversation(latest.ID); err != nil {
			return domain.Conversation{}, err
		}
		return *latest, nil
	}
	return s.CreateConversation(ctx, "")
}

// OpenProjectConfig shows the configuration view for a project.
func (s *Session) OpenProjectConfig(id string) (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.projectIndexLocked(id)
	if i < 0 {
		return domain.Project{}, invalidTarget("project", id)
	}
	s.configProject = id
	return s.projects[i], nil
}

func (s *Session) CloseProjectConfig() {
	s.mu.Lock()
	s.configProject = ""
	s.mu.Unlock()
}

// SelectConversation selects a conversation and its owning project.
func (s *Session) SelectConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.conversationIndexLocked(id)
	if i < 0 {
		return invalidTarget("conversation", id)
	}
	s.currentConv = id
	s.currentProject = s.conversations[i].ProjectID
	return nil
}

// CreateConversation creates a conversation in the selected project (or the
// default bucket) and selects it.
func (s *Session) CreateConversation(ctx context.Context, title string) (domain.Conversation, error) {
	s.mu.RLock()
	projectID := s.currentProject
	s.mu.RUnlock()
	return s.CreateConversationIn(ctx, projectID, title)
}

// CreateConversationIn creates a conversation in projectID ("" is the default
// bucket) and selects it. Selections are left alone when the create fails.
func (s *Session) CreateConversationIn(ctx context.Context, projectID, title string) (domain.Conversation, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID != "" {
		if _, ok := s.findProject(projectID); !ok {
			return domain.Conversation{}, invalidTarget("project", projectID)
		}
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultConversationTitle
	}

	now := s.app.now().UTC()
	c := domain.Conversation{
		ID:         newConversationID(),
		IdentityID: s.identityID,
		ProjectID:  projectID,
		Title:      title,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.app.store.CreateConversation(c); err != nil {
		return domain.Conversation{}, persistenceErr("create conversation", err)
	}

	s.mu.Lock()
	s.conversations = append([]domain.Conversation{c}, s.conversations...)
	s.messages[c.ID] = []domain.Message{}
	s.currentConv = c.ID
	s.currentProject = projectID
	s.mu.Unlock()
	return c, nil
}

func (s *Session) RenameConversation(ctx context.Context, id, title string) (domain.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Conversation{}, &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if _, ok := s.findConversation(id); !ok {
		return domain.Conversation{}, invalidTarget("conversation", id)
	}
	now := s.app.now().UTC()
	if err := s.app.store.UpdateConversation(id, title, now); err != nil {
		return domain.Conversation{}, persistenceErr("rename conversation", err)
	}
	return s.commitConversation(id, title, now)
}

// commitConversation applies a title/updatedAt change and moves the
// conversation to the front of the list.
func (s *Session) commitConversation(id, title string, updatedAt time.Time) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.conversationIndexLocked(id)
	if i < 0 {
		return domain.Conversation{}, invalidTarget("conversation", id)
	}
	c := s.conversations[i]
	if title != "" {
		c.Title = title
	}
	c.UpdatedAt = updatedAt
	s.conversations = append(s.conversations[:i], s.conversations[i+1:]...)
	s.conversations = append([]domain.Conversation{c}, s.conversations...)
	return c, nil
}

// DeleteConversation removes one conversation and its messages. Project files
// are not touched.
func (s *Session) DeleteConversation(ctx context.Context, id string) error {
	if _, ok := s.findConversation(id); !ok {
		return invalidTarget("conversation", id)
	}
	if err := s.app.store.DeleteConversations([]string{id}); err != nil {
		return persistenceErr("delete conversation", err)
	}
	s.mu.Lock()
	s.forgetConversationsLocked([]string{id})
	s.mu.Unlock()
	return nil
}

// forgetConversationsLocked drops deleted conversations, their transcripts and
// a selection pointing at one of them.
func (s *Session) forgetConversationsLocked(ids []string) {
	gone := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		gone[id] = struct{}{}
	}
	kept := s.conversations[:0]
	for _, c := range s.conversations {
		if _, ok := gone[c.ID]; ok {
			continue
		}
		kept = append(kept, c)
	}
	s.conversations = kept
	for id := range gone {
		delete(s.messages, id)
	}
	if _, ok := gone[s.currentConv]; ok {
		s.currentConv = ""
	}
}

// LoadMessages returns the transcript, reading it from the backend on first use.
func (s *Session) LoadMessages(ctx context.Context, id string) ([]domain.Message, error) {
	if _, ok := s.findConversation(id); !ok {
		return nil, invalidTarget("conversation", id)
	}
	s.mu.RLock()
	cached, ok := s.messages[id]
	s.mu.RUnlock()
	if ok {
		return append([]domain.Message(nil), cached...), nil
	}

	msgs, err := s.app.store.ListMessages(id)
	if err != nil {
		return nil, persistenceErr("list messages", err)
	}
	s.mu.Lock()
	if _, still := s.messages[id]; !still && s.conversationIndexLocked(id) >= 0 {
		s.messages[id] = msgs
	}
	s.mu.Unlock()
	return append([]domain.Message(nil), msgs...), nil
}

// appendCachedMessage records a durably stored message in the cached transcript.
func (s *Session) appendCachedMessage(conversationID string, msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[conversationID]; ok {
		s.messages[conversationID] = append(s.messages[conversationID], msg)
	}
}

// ListProjectFiles lists the objects stored under the project's namespace.
func (s *Session) ListProjectFiles(ctx context.Context, projectID string) ([]domain.StoredFile, error) {
	if _, ok := s.findProject(projectID); !ok {
		return nil, invalidTarget("project", projectID)
	}
	if s.app.objects == nil {
		return []domain.StoredFile{}, nil
	}
	files, err := s.app.objects.List(ctx, domain.ProjectNamespace(projectID))
	if err != nil {
		return nil, persistenceErr("list project files", err)
	}
	return files, nil
}

// UploadProjectFile stores a file under the project's namespace. An existing
// file with the same name is replaced.
func (s *Session) UploadProjectFile(ctx context.Context, projectID, name string, r io.Reader, size int64, contentType string) (domain.StoredFile, error) {
	if _, ok := s.findProject(projectID); !ok {
		return domain.StoredFile{}, invalidTarget("project", projectID)
	}
	if s.app.objects == nil {
		return domain.StoredFile{}, fmt.Errorf("%w: file storage not configured", ErrPersistence)
	}
	name = storage.SafeFilename(name)
	key := domain.ProjectNamespace(projectID) + name
	if err := s.app.objects.Put(ctx, key, r, size, contentType); err != nil {
		return domain.StoredFile{}, persistenceErr("upload project file", err)
	}
	return domain.StoredFile{
		Key:          key,
		Name:         name,
		Size:         size,
		LastModified: s.app.now().UTC(),
	}, nil
}

// FileDownload is either a presigned URL or an open body.
type FileDownload struct {
	URL  string
	Body io.ReadCloser
}

// OpenProjectFile prepares a download of one project file.
func (s *Session) OpenProjectFile(ctx context.Context, projectID, name string, expiry time.Duration) (FileDownload, error) {
	if _, ok := s.findProject(projectID); !ok {
		return FileDownload{}, invalidTarget("project", projectID)
	}
	if s.app.objects == nil {
		return FileDownload{}, invalidTarget("file", name)
	}
	key := domain.ProjectNamespace(projectID) + storage.SafeFilename(name)
	if presigner, ok := s.app.objects.(storage.Presigner); ok {
		url, err := presigner.PresignGet(ctx, key, expiry)
		if err != nil {
			return FileDownload{}, persistenceErr("presign project file", err)
		}
		return FileDownload{URL: url}, nil
	}
	body, err := s.app.objects.Get(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return FileDownload{}, invalidTarget("file", name)
	}
	if err != nil {
		return FileDownload{}, persistenceErr("open project file", err)
	}
	return FileDownload{Body: body}, nil
}
