package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"grokchat/pkg/ai"
	"grokchat/pkg/domain"
	"grokchat/pkg/events"
	"grokchat/pkg/queue"
	"grokchat/pkg/storage"
	"grokchat/pkg/store"
)

var errBackendDown = errors.New("backend down")

// faultyStore counts calls and fails operations listed in fail.
type faultyStore struct {
	*store.MemoryStore
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		MemoryStore: store.NewMemoryStore(),
		calls:       make(map[string]int),
		fail:        make(map[string]error),
	}
}

func (f *faultyStore) hit(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.fail[op]
}

func (f *faultyStore) failOn(op string, err error) {
	f.mu.Lock()
	f.fail[op] = err
	f.mu.Unlock()
}

func (f *faultyStore) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *faultyStore) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *faultyStore) resetCounts() {
	f.mu.Lock()
	f.calls = make(map[string]int)
	f.mu.Unlock()
}

func (f *faultyStore) GetSettings(id string) (domain.Settings, bool, error) {
	if err := f.hit("GetSettings"); err != nil {
		return domain.Settings{}, false, err
	}
	return f.MemoryStore.GetSettings(id)
}

func (f *faultyStore) SaveSettings(s domain.Settings) error {
	if err := f.hit("SaveSettings"); err != nil {
		return err
	}
	return f.MemoryStore.SaveSettings(s)
}

func (f *faultyStore) ListProjects(id string) ([]domain.Project, error) {
	if err := f.hit("ListProjects"); err != nil {
		return nil, err
	}
	return f.MemoryStore.ListProjects(id)
}

func (f *faultyStore) UpdateProjectTitle(id, title string, at time.Time) error {
	if err := f.hit("UpdateProjectTitle"); err != nil {
		return err
	}
	return f.MemoryStore.UpdateProjectTitle(id, title, at)
}

func (f *faultyStore) DeleteProject(id string) error {
	if err := f.hit("DeleteProject"); err != nil {
		return err
	}
	return f.MemoryStore.DeleteProject(id)
}

func (f *faultyStore) ListConversationsByProject(id string) ([]domain.Conversation, error) {
	if err := f.hit("ListConversationsByProject"); err != nil {
		return nil, err
	}
	return f.MemoryStore.ListConversationsByProject(id)
}

func (f *faultyStore) CreateConversation(c domain.Conversation) error {
	if err := f.hit("CreateConversation"); err != nil {
		return err
	}
	return f.MemoryStore.CreateConversation(c)
}

func (f *faultyStore) UpdateConversation(id, title string, at time.Time) error {
	if err := f.hit("UpdateConversation"); err != nil {
		return err
	}
	return f.MemoryStore.UpdateConversation(id, title, at)
}

func (f *faultyStore) DeleteConversations(ids []string) error {
	if err := f.hit("DeleteConversations"); err != nil {
		return err
	}
	return f.MemoryStore.DeleteConversations(ids)
}

// AppendMessage failures are keyed by role, e.g. "AppendMessage:user".
func (f *faultyStore) AppendMessage(id string, msg domain.Message) error {
	if err := f.hit("AppendMessage:" + string(msg.Role)); err != nil {
		return err
	}
	return f.MemoryStore.AppendMessage(id, msg)
}

func (f *faultyStore) ListMessages(id string) ([]domain.Message, error) {
	if err := f.hit("ListMessages"); err != nil {
		return nil, err
	}
	return f.MemoryStore.ListMessages(id)
}

// faultyObjects wraps a DiskStore with injectable List/Remove failures.
type faultyObjects struct {
	*storage.DiskStore
	mu        sync.Mutex
	listErr   error
	removeErr error
	calls     int
}

func (o *faultyObjects) List(ctx context.Context, prefix string) ([]domain.StoredFile, error) {
	o.mu.Lock()
	o.calls++
	err := o.listErr
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return o.DiskStore.List(ctx, prefix)
}

func (o *faultyObjects) Remove(ctx context.Context, keys []string) error {
	o.mu.Lock()
	o.calls++
	err := o.removeErr
	o.mu.Unlock()
	if err != nil {
		return err
	}
	return o.DiskStore.Remove(ctx, keys)
}

type stubCompleter struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []ai.CompletionRequest
}

func (c *stubCompleter) Complete(_ context.Context, _, _ string, req ai.CompletionRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return c.reply, c.err
}

func (c *stubCompleter) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type fakeSweeper struct {
	mu         sync.Mutex
	namespaces []string
}

func (f *fakeSweeper) Enqueue(_ context.Context, namespace, _ string) (queue.SweepJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.namespaces = append(f.namespaces, namespace)
	return queue.SweepJob{ID: "sweep-1", Namespace: namespace, Status: queue.StatusQueued}, nil
}

type harness struct {
	app       *App
	store     *faultyStore
	objects   *faultyObjects
	completer *stubCompleter
	events    *events.Recorder
	sweeper   *fakeSweeper
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, &stubCompleter{reply: "ok"})
}

func newHarnessWith(t *testing.T, completer ai.Completer) *harness {
	t.Helper()
	disk, err := storage.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("new disk store: %v", err)
	}
	h := &harness{
		store:   newFaultyStore(),
		objects: &faultyObjects{DiskStore: disk},
		events:  &events.Recorder{},
		sweeper: &fakeSweeper{},
	}
	if stub, ok := completer.(*stubCompleter); ok {
		h.completer = stub
	}
	a, err := New(Config{
		Store:     h.store,
		Objects:   h.objects,
		Completer: completer,
		Sweeper:   h.sweeper,
		Events:    h.events,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	h.app = a
	return h
}

func (h *harness) session(t *testing.T, identityID string) *Session {
	t.Helper()
	s, err := h.app.Session(context.Background(), identityID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return s
}

func (h *harness) seedProject(t *testing.T, identityID, id, title, instructions string) {
	t.Helper()
	now := time.Now().UTC()
	if err := h.store.MemoryStore.SaveProject(domain.Project{
		ID: id, IdentityID: identityID, Title: title, Instructions: instructions, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
}

func (h *harness) seedConversation(t *testing.T, identityID, id, projectID, title string, msgs ...domain.Message) {
	t.Helper()
	now := time.Now().UTC()
	if err := h.store.MemoryStore.CreateConversation(domain.Conversation{
		ID: id, IdentityID: identityID, ProjectID: projectID, Title: title, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	for _, msg := range msgs {
		if err := h.store.MemoryStore.AppendMessage(id, msg); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}
}

func (h *harness) seedAPIKey(t *testing.T, identityID string) {
	t.Helper()
	settings := domain.DefaultSettings(identityID)
	settings.APIKey = "xai-test"
	if err := h.store.MemoryStore.SaveSettings(settings); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
}

func roles(msgs []domain.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.Role)+":"+m.Content)
	}
	return out
}
