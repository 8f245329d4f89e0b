package app

import (
	"context"
	"fmt"

	"grokchat/pkg/domain"
	"grokchat/pkg/events"
	"grokchat/pkg/storage"
)

type stepPolicy int

const (
	// bestEffort failures are logged and the cascade continues.
	bestEffort stepPolicy = iota
	// mustSucceed failures abort the cascade with ErrPersistence.
	mustSucceed
)

type stepOutcome int

const (
	stepOK stepOutcome = iota
	stepSoftFail
	stepHardFail
)

func (o stepOutcome) String() string {
	switch o {
	case stepOK:
		return "ok"
	case stepSoftFail:
		return "soft_fail"
	default:
		return "hard_fail"
	}
}

// cascadeTarget is a value snapshot of the project being deleted, taken
// before any backend call.
type cascadeTarget struct {
	ProjectID  string
	IdentityID string
	Namespace  string
}

type cascadeStep struct {
	name       string
	policy     stepPolicy
	run        func(ctx context.Context, t cascadeTarget) error
	onSoftFail func(ctx context.Context, t cascadeTarget, err error)
}

// deletionCascade lists the project deletion steps in execution order.
func (s *Session) deletionCascade() []cascadeStep {
	return []cascadeStep{
		{name: "remove_files", policy: bestEffort, run: s.removeProjectFiles, onSoftFail: s.scheduleSweep},
		{name: "delete_conversations", policy: mustSucceed, run: s.deleteProjectConversations},
		{name: "delete_project", policy: mustSucceed, run: s.deleteProjectRow},
		{name: "reconcile", policy: mustSucceed, run: s.reconcileDeletedProject},
		{name: "announce", policy: bestEffort, run: s.announceDeletedProject},
	}
}

// DeleteProject removes the project's stored files, its conversations and the
// project row, then drops it from the session. Unknown ids fail with
// ErrInvalidTarget before any backend call. Re-running after a partial
// failure completes the remaining steps.
func (s *Session) DeleteProject(ctx context.Context, projectID string) error {
	target, err := s.resolveCascadeTarget(projectID)
	if err != nil {
		return err
	}
	logger := loggerFrom(ctx).With("project_id", target.ProjectID)
	for _, step := range s.deletionCascade() {
		outcome, err := runStep(ctx, step, target)
		switch outcome {
		case stepSoftFail:
			logger.Warn("project cascade step failed, continuing", "step", step.name, "err", err)
		case stepHardFail:
			logger.Error("project cascade aborted", "step", step.name, "err", err)
			return persistenceErr(step.name, err)
		}
	}
	logger.Info("project deleted")
	return nil
}

func runStep(ctx context.Context, step cascadeStep, t cascadeTarget) (stepOutcome, error) {
	err := step.run(ctx, t)
	if err == nil {
		return stepOK, nil
	}
	if step.policy == mustSucceed {
		return stepHardFail, err
	}
	if step.onSoftFail != nil {
		step.onSoftFail(ctx, t, err)
	}
	return stepSoftFail, err
}

func (s *Session) resolveCascadeTarget(projectID string) (cascadeTarget, error) {
	if projectID == "" {
		return cascadeTarget{}, invalidTarget("project", projectID)
	}
	p, ok := s.findProject(projectID)
	if !ok {
		return cascadeTarget{}, invalidTarget("project", projectID)
	}
	return cascadeTarget{
		ProjectID:  p.ID,
		IdentityID: s.identityID,
		Namespace:  domain.ProjectNamespace(p.ID),
	}, nil
}

func (s *Session) removeProjectFiles(ctx context.Context, t cascadeTarget) error {
	if s.app.objects == nil {
		return nil
	}
	removed, err := storage.RemovePrefix(ctx, s.app.objects, t.Namespace)
	if err != nil {
		return err
	}
	loggerFrom(ctx).Debug("project files removed", "namespace", t.Namespace, "count", removed)
	return nil
}

func (s *Session) scheduleSweep(ctx context.Context, t cascadeTarget, _ error) {
	if s.app.sweeper == nil {
		return
	}
	job, err := s.app.sweeper.Enqueue(ctx, t.Namespace, t.IdentityID)
	if err != nil {
		loggerFrom(ctx).Warn("sweep enqueue failed", "namespace", t.Namespace, "err", err)
		return
	}
	loggerFrom(ctx).Info("sweep scheduled", "namespace", t.Namespace, "job_id", job.ID)
}

func (s *Session) deleteProjectConversations(ctx context.Context, t cascadeTarget) error {
	conversations, err := s.app.store.ListConversationsByProject(t.ProjectID)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	if len(conversations) == 0 {
		return nil
	}
	ids := make([]string, 0, len(conversations))
	for _, c := range conversations {
		ids = append(ids, c.ID)
	}
	if err := s.app.store.DeleteConversations(ids); err != nil {
		return err
	}
	// The project stays cached until its row is gone so a retry can resolve it.
	s.mu.Lock()
	s.forgetConversationsLocked(ids)
	s.mu.Unlock()
	return nil
}

func (s *Session) deleteProjectRow(ctx context.Context, t cascadeTarget) error {
	return s.app.store.DeleteProject(t.ProjectID)
}

func (s *Session) reconcileDeletedProject(ctx context.Context, t cascadeTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.projectIndexLocked(t.ProjectID); i >= 0 {
		s.projects = append(s.projects[:i], s.projects[i+1:]...)
	}
	kept := s.conversations[:0]
	for _, c := range s.conversations {
		if c.ProjectID == t.ProjectID {
			delete(s.messages, c.ID)
			if s.currentConv == c.ID {
				s.currentConv = ""
			}
			continue
		}
		kept = append(kept, c)
	}
	s.conversations = kept
	if s.currentProject == t.ProjectID {
		s.currentProject = ""
		s.currentConv = ""
	}
	if s.configProject == t.ProjectID {
		s.configProject = ""
	}
	return nil
}

func (s *Session) announceDeletedProject(ctx context.Context, t cascadeTarget) error {
	return s.app.events.Publish(ctx, events.Event{
		Type:       events.TypeProjectDeleted,
		IdentityID: t.IdentityID,
		ProjectID:  t.ProjectID,
		At:         s.app.now().UTC(),
	})
}
