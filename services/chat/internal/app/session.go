package app

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"grokchat/internal/util"
	"grokchat/pkg/domain"
)

// Session is the per-identity client state: settings, cached projects and
// conversations, selections and the pending flag. Backend calls run outside
// mu; results are committed afterwards.
type Session struct {
	app        *App
	identityID string

	mu              sync.RWMutex
	settings        domain.Settings
	settingsLoading bool
	projects        []domain.Project
	conversations   []domain.Conversation
	messages        map[string][]domain.Message
	currentProject  string
	currentConv     string
	configProject   string
	pending         int
}

// State is a copy of a session for rendering.
type State struct {
	Settings              domain.Settings
	SettingsLoading       bool
	Projects              []domain.Project
	Conversations         []domain.Conversation
	CurrentProjectID      string
	CurrentConversationID string
	ConfigProjectID       string
	Pending               bool
}

func newSession(a *App, identityID string) *Session {
	return &Session{
		app:             a,
		identityID:      identityID,
		settings:        a.defaultSettings(identityID),
		settingsLoading: true,
		messages:        make(map[string][]domain.Message),
	}
}

func (s *Session) IdentityID() string {
	return s.identityID
}

// Init loads settings, projects and conversations concurrently and creates
// the default project when the identity has none.
func (s *Session) Init(ctx context.Context) error {
	var (
		settings      domain.Settings
		projects      []domain.Project
		conversations []domain.Conversation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// defaults stand in when the read fails
		settings, _ = s.fetchSettings(gctx)
		return nil
	})
	g.Go(func() error {
		var err error
		projects, err = s.app.store.ListProjects(s.identityID)
		if err != nil {
			return persistenceErr("list projects", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		conversations, err = s.app.store.ListConversations(s.identityID)
		if err != nil {
			return persistenceErr("list conversations", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if len(projects) == 0 {
		now := s.app.now().UTC()
		p := domain.Project{
			ID:         newProjectID(),
			IdentityID: s.identityID,
			Title:      defaultProjectTitle,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.app.store.SaveProject(p); err != nil {
			loggerFrom(ctx).Warn("default project create failed", "identity_id", s.identityID, "err", err)
		} else {
			projects = append(projects, p)
		}
	}
	sortConversations(conversations)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	s.settingsLoading = false
	s.projects = projects
	s.conversations = conversations
	s.messages = make(map[string][]domain.Message)
	return nil
}

// Reset returns the session to its pre-Init state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = s.app.defaultSettings(s.identityID)
	s.settingsLoading = true
	s.projects = nil
	s.conversations = nil
	s.messages = make(map[string][]domain.Message)
	s.currentProject = ""
	s.currentConv = ""
	s.configProject = ""
	s.pending = 0
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		Settings:              s.settings,
		SettingsLoading:       s.settingsLoading,
		Projects:              append([]domain.Project(nil), s.projects...),
		Conversations:         append([]domain.Conversation(nil), s.conversations...),
		CurrentProjectID:      s.currentProject,
		CurrentConversationID: s.currentConv,
		ConfigProjectID:       s.configProject,
		Pending:               s.pending > 0,
	}
}

func (s *Session) beginPending() {
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()
}

func (s *Session) endPending() {
	s.mu.Lock()
	if s.pending > 0 {
		s.pending--
	}
	s.mu.Unlock()
}

func (s *Session) projectIndexLocked(id string) int {
	for i, p := range s.projects {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) conversationIndexLocked(id string) int {
	for i, c := range s.conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) findProject(id string) (domain.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.projectIndexLocked(id); i >= 0 {
		return s.projects[i], true
	}
	return domain.Project{}, false
}

func (s *Session) findConversation(id string) (domain.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.conversationIndexLocked(id); i >= 0 {
		return s.conversations[i], true
	}
	return domain.Conversation{}, false
}

// sortConversations orders most recently updated first.
func sortConversations(items []domain.Conversation) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
}

func loggerFrom(ctx context.Context) *slog.Logger {
	return util.LoggerFromContext(ctx)
}

func newProjectID() string      { return util.NewID("prj") }
func newConversationID() string { return util.NewID("cnv") }
func newMessageID() string      { return util.NewID("msg") }
