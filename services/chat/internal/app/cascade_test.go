package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"grokchat/pkg/domain"
	"grokchat/pkg/events"
)

func TestDeleteProjectUnknownIDMakesNoBackendCalls(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "id-1", "proj-1", "Research", "")
	s := h.session(t, "id-1")
	h.store.resetCounts()

	for _, id := range []string{"", "nope"} {
		err := s.DeleteProject(context.Background(), id)
		if !errors.Is(err, ErrInvalidTarget) {
			t.Fatalf("DeleteProject(%q): expected ErrInvalidTarget, got %v", id, err)
		}
	}
	if n := h.store.total(); n != 0 {
		t.Fatalf("expected no store calls, got %d", n)
	}
	if h.objects.calls != 0 {
		t.Fatalf("expected no object store calls, got %d", h.objects.calls)
	}
	if len(s.Snapshot().Projects) != 1 {
		t.Fatalf("project list must be unchanged")
	}
}

func TestDeleteProjectContinuesWhenFileListingFails(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "id-1", "proj-1", "Research", "")
	h.seedProject(t, "id-1", "proj-2", "Other", "")
	h.seedConversation(t, "id-1", "c1", "proj-1", "First",
		domain.Message{ID: "m1", Role: domain.RoleUser, Content: "hi", Timestamp: 1})
	h.seedConversation(t, "id-1", "c2", "proj-1", "Second")
	h.seedConversation(t, "id-1", "c3", "proj-2", "Kept")
	h.objects.listErr = errBackendDown
	s := h.session(t, "id-1")

	if err := s.DeleteProject(context.Background(), "proj-1"); err != nil {
		t.Fatalf("delete project: %v", err)
	}

	for _, id := range []string{"c1", "c2"} {
		if _, ok, _ := h.store.MemoryStore.GetConversation(id); ok {
			t.Fatalf("conversation %s should be deleted", id)
		}
	}
	if msgs, _ := h.store.MemoryStore.ListMessages("c1"); len(msgs) != 0 {
		t.Fatalf("messages of c1 should be deleted")
	}
	if _, ok, _ := h.store.MemoryStore.GetConversation("c3"); !ok {
		t.Fatalf("conversation of another project must survive")
	}
	if _, ok, _ := h.store.MemoryStore.GetProject("proj-1"); ok {
		t.Fatalf("project row should be deleted")
	}

	state := s.Snapshot()
	if len(state.Projects) != 1 || state.Projects[0].ID != "proj-2" {
		t.Fatalf("unexpected projects %+v", state.Projects)
	}
	if len(state.Conversations) != 1 || state.Conversations[0].ID != "c3" {
		t.Fatalf("unexpected conversations %+v", state.Conversations)
	}
	if len(h.sweeper.namespaces) != 1 || h.sweeper.namespaces[0] != "projects/proj-1/" {
		t.Fatalf("expected sweep for projects/proj-1/, got %v", h.sweeper.namespaces)
	}
	evts := h.events.Events()
	if len(evts) != 1 || evts[0].Type != events.TypeProjectDeleted || evts[0].ProjectID != "proj-1" {
		t.Fatalf("expected project.deleted event, got %+v", evts)
	}
}

func TestDeleteProjectRemovesFilesAndClearsSelections(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "id-1", "proj-1", "Research", "")
	h.seedConversation(t, "id-1", "c1", "proj-1", "First")
	s := h.session(t, "id-1")
	ctx := context.Background()

	if _, err := s.UploadProjectFile(ctx, "proj-1", "notes.txt", strings.NewReader("abc"), 3, "text/plain"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if err := s.SelectConversation("c1"); err != nil {
		t.Fatalf("select conversation: %v", err)
	}
	if _, err := s.OpenProjectConfig("proj-1"); err != nil {
		t.Fatalf("open config: %v", err)
	}

	if err := s.DeleteProject(ctx, "proj-1"); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	files, err := h.objects.DiskStore.List(ctx, "projects/proj-1/")
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected files removed, got %+v", files)
	}
	state := s.Snapshot()
	if state.CurrentProjectID != "" || state.CurrentConversationID != "" || state.ConfigProjectID != "" {
		t.Fatalf("selections must be cleared, got %+v", state)
	}
	if len(h.sweeper.namespaces) != 0 {
		t.Fatalf("no sweep expected, got %v", h.sweeper.namespaces)
	}
}

func TestDeleteProjectAbortsWhenConversationDeleteFails(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "id-1", "proj-1", "Research", "")
	h.seedConversation(t, "id-1", "c1", "proj-1", "First")
	h.store.failOn("DeleteConversations", errBackendDown)
	s := h.session(t, "id-1")

	err := s.DeleteProject(context.Background(), "proj-1")
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, errBackendDown) {
		t.Fatalf("expected ErrPersistence wrapping the cause, got %v", err)
	}
	if h.store.count("DeleteProject") != 0 {
		t.Fatalf("project row must not be deleted after a failed step")
	}
	state := s.Snapshot()
	if len(state.Projects) != 1 || len(state.Conversations) != 1 {
		t.Fatalf("session must be unchanged, got %+v", state)
	}

	// a retry completes the cascade
	h.store.failOn("DeleteConversations", nil)
	if err := s.DeleteProject(context.Background(), "proj-1"); err != nil {
		t.Fatalf("retry delete: %v", err)
	}
	if len(s.Snapshot().Projects) != 0 {
		t.Fatalf("project should be gone after retry")
	}
}

func TestDeleteProjectAbortsWhenRowDeleteFails(t *testing.T) {
	h := newHarness(t)
	h.seedProject(t, "id-1", "proj-1", "Research", "")
	h.store.failOn("DeleteProject", errBackendDown)
	s := h.session(t, "id-1")

	if err := s.DeleteProject(context.Background(), "proj-1"); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if _, ok := s.findProject("proj-1"); !ok {
		t.Fatalf("project must stay cached when the row delete fails")
	}
	if len(h.events.Events()) != 0 {
		t.Fatalf("no event expected")
	}
}

func TestDeleteProjectRowFailureForgetsDeletedConversations(t *testing.T) {
	h := newHarness(t)
	h.seedAPIKey(t, "id-1")
	h.seedProject(t, "id-1", "proj-1", "Research", "")
	h.seedConversation(t, "id-1", "c1", "proj-1", "First",
		domain.Message{ID: "m1", Role: domain.RoleUser, Content: "Hi", Timestamp: 1})
	h.seedConversation(t, "id-1", "c2", "", "Elsewhere")
	h.store.failOn("DeleteProject", errBackendDown)
	s := h.session(t, "id-1")
	ctx := context.Background()
	if err := s.SelectConversation("c1"); err != nil {
		t.Fatalf("select conversation: %v", err)
	}
	if _, err := s.LoadMessages(ctx, "c1"); err != nil {
		t.Fatalf("load messages: %v", err)
	}

	if err := s.DeleteProject(ctx, "proj-1"); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if _, ok, _ := h.store.MemoryStore.GetConversation("c1"); ok {
		t.Fatalf("backend should have deleted c1")
	}
	if _, ok := s.findConversation("c1"); ok {
		t.Fatalf("deleted conversation must leave the cache")
	}
	if _, ok := s.findConversation("c2"); !ok {
		t.Fatalf("conversations of other projects must stay cached")
	}
	if state := s.Snapshot(); state.CurrentConversationID != "" {
		t.Fatalf("selection must not point at a deleted conversation, got %q", state.CurrentConversationID)
	}
	if _, ok := s.findProject("proj-1"); !ok {
		t.Fatalf("project must stay cached for a retry")
	}
	if _, err := s.SendMessage(ctx, "Still there?", nil); !errors.Is(err, ErrNoActiveConversation) {
		t.Fatalf("expected ErrNoActiveConversation, got %v", err)
	}

	h.store.failOn("DeleteProject", nil)
	if err := s.DeleteProject(ctx, "proj-1"); err != nil {
		t.Fatalf("retry delete: %v", err)
	}
	if _, ok := s.findProject("proj-1"); ok {
		t.Fatalf("project must be gone after retry")
	}
}

func TestStepOutcomeString(t *testing.T) {
	if stepOK.String() != "ok" || stepSoftFail.String() != "soft_fail" || stepHardFail.String() != "hard_fail" {
		t.Fatalf("unexpected outcome names")
	}
}
