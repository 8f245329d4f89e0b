package app

import (
	"context"
	"errors"
	"strings"

	"grokchat/pkg/ai"
	"grokchat/pkg/domain"
	"grokchat/pkg/events"
)

// ExchangeResult holds the two messages appended by a successful send.
type ExchangeResult struct {
	UserMessage      domain.Message
	AssistantMessage domain.Message
	Conversation     domain.Conversation
}

// SendMessage appends a user message to the selected conversation, asks the
// completion API for a reply and appends it. Whitespace-only text is a no-op
// returning a zero result and nil.
//
// The user message is committed only after the backend stored it; a failed
// completion leaves it in place without an assistant reply.
func (s *Session) SendMessage(ctx context.Context, text string, attachments []domain.Attachment) (ExchangeResult, error) {
	s.mu.RLock()
	settings := s.settings
	conversationID := s.currentConv
	s.mu.RUnlock()

	if !settings.HasAPIKey() {
		return ExchangeResult{}, ErrConfigurationMissing
	}
	if conversationID == "" {
		return ExchangeResult{}, ErrNoActiveConversation
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ExchangeResult{}, nil
	}
	conversation, ok := s.findConversation(conversationID)
	if !ok {
		return ExchangeResult{}, ErrNoActiveConversation
	}
	history, err := s.LoadMessages(ctx, conversationID)
	if err != nil {
		return ExchangeResult{}, err
	}
	instructions := ""
	if conversation.ProjectID != "" {
		if p, ok := s.findProject(conversation.ProjectID); ok {
			instructions = strings.TrimSpace(p.Instructions)
		}
	}

	userMsg := domain.Message{
		ID:             newMessageID(),
		ConversationID: conversationID,
		Role:           domain.RoleUser,
		Content:        text,
		Timestamp:      s.app.nowMillis(),
		Attachments:    attachments,
	}
	if err := s.app.store.AppendMessage(conversationID, userMsg); err != nil {
		return ExchangeResult{}, persistenceErr("append user message", err)
	}
	s.appendCachedMessage(conversationID, userMsg)

	s.beginPending()
	defer s.endPending()

	temperature, maxTokens := s.app.temperature, s.app.maxTokens
	req := ai.CompletionRequest{
		Model:       s.app.resolveModel(settings.Model),
		Messages:    s.buildPrompt(ctx, conversation, instructions, history, userMsg),
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	}
	reply, err := s.app.completer.Complete(ctx, settings.BaseURL, settings.APIKey, req)
	if err != nil {
		var statusErr *ai.StatusError
		if errors.As(err, &statusErr) {
			return ExchangeResult{}, &CompletionRequestFailedError{Status: statusErr.StatusCode, Err: err}
		}
		return ExchangeResult{}, &CompletionRequestFailedError{Err: err}
	}
	if strings.TrimSpace(reply) == "" {
		reply = noResponsePlaceholder
	}

	assistantMsg := domain.Message{
		ID:             newMessageID(),
		ConversationID: conversationID,
		Role:           domain.RoleAssistant,
		Content:        reply,
		Timestamp:      max(s.app.nowMillis(), userMsg.Timestamp),
	}
	if err := s.app.store.AppendMessage(conversationID, assistantMsg); err != nil {
		return ExchangeResult{}, persistenceErr("append assistant message", err)
	}
	s.appendCachedMessage(conversationID, assistantMsg)

	conversation = s.touchConversation(ctx, conversation, history, text)
	s.app.publish(ctx, events.Event{
		Type:           events.TypeMessageExchanged,
		IdentityID:     s.identityID,
		ProjectID:      conversation.ProjectID,
		ConversationID: conversationID,
	})
	return ExchangeResult{UserMessage: userMsg, AssistantMessage: assistantMsg, Conversation: conversation}, nil
}

// buildPrompt reduces the transcript to role/content pairs, led by the
// project instructions when present.
func (s *Session) buildPrompt(ctx context.Context, conversation domain.Conversation, instructions string, history []domain.Message, userMsg domain.Message) []ai.ChatMessage {
	messages := make([]ai.ChatMessage, 0, len(history)+2)
	if instructions != "" {
		messages = append(messages, ai.ChatMessage{Role: string(domain.RoleSystem), Content: instructions})
	}
	for _, msg := range history {
		messages = append(messages, ai.ChatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	content := userMsg.Content
	if s.app.resolver != nil && len(userMsg.Attachments) > 0 {
		namespace := ""
		if conversation.ProjectID != "" {
			namespace = domain.ProjectNamespace(conversation.ProjectID)
		}
		expanded, errs := s.app.resolver.Expand(ctx, namespace, content, userMsg.Attachments)
		for _, err := range errs {
			loggerFrom(ctx).Warn("attachment skipped", "conversation_id", conversation.ID, "err", err)
		}
		content = expanded
	}
	return append(messages, ai.ChatMessage{Role: string(domain.RoleUser), Content: content})
}

// touchConversation bumps updatedAt and titles a default-named conversation
// after its first user message. Failures are logged only.
func (s *Session) touchConversation(ctx context.Context, conversation domain.Conversation, history []domain.Message, text string) domain.Conversation {
	title := ""
	if conversation.Title == defaultConversationTitle && !hasUserMessage(history) {
		title = generateConversationTitle(text)
	}
	now := s.app.now().UTC()
	if err := s.app.store.UpdateConversation(conversation.ID, title, now); err != nil {
		loggerFrom(ctx).Warn("conversation touch failed", "conversation_id", conversation.ID, "err", err)
		return conversation
	}
	updated, err := s.commitConversation(conversation.ID, title, now)
	if err != nil {
		return conversation
	}
	return updated
}

func hasUserMessage(msgs []domain.Message) bool {
	for _, msg := range msgs {
		if msg.Role == domain.RoleUser {
			return true
		}
	}
	return false
}
