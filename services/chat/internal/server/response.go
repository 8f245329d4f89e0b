package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"grokchat/internal/util"
	"grokchat/pkg/domain"
	"grokchat/services/chat/internal/app"
)

type errorDetail struct {
	Reason string `json:"reason"`
	Field  string `json:"field,omitempty"`
	Status int    `json:"status,omitempty"`
}

type errorResponse struct {
	Error     string        `json:"error"`
	Code      string        `json:"code"`
	RequestID string        `json:"requestId,omitempty"`
	Details   []errorDetail `json:"details,omitempty"`
}

type identityResponse struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt,omitzero"`
	Identity  domain.Identity `json:"identity"`
	Created   bool            `json:"created"`
}

// settingsView never carries the API key itself.
type settingsView struct {
	BaseURL    string    `json:"baseUrl"`
	Model      string    `json:"model"`
	LogoURL    string    `json:"logoUrl"`
	HasAPIKey  bool      `json:"hasApiKey"`
	APIKeyHint string    `json:"apiKeyHint,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt,omitzero"`
}

type sessionResponse struct {
	IdentityID            string                `json:"identityId"`
	Settings              settingsView          `json:"settings"`
	SettingsLoading       bool                  `json:"settingsLoading"`
	Projects              []domain.Project      `json:"projects"`
	Conversations         []domain.Conversation `json:"conversations"`
	CurrentProjectID      string                `json:"currentProjectId,omitempty"`
	CurrentConversationID string                `json:"currentConversationId,omitempty"`
	ConfigProjectID       string                `json:"configProjectId,omitempty"`
	Pending               bool                  `json:"pending"`
}

type exchangeResponse struct {
	UserMessage      domain.Message      `json:"userMessage"`
	AssistantMessage domain.Message      `json:"assistantMessage"`
	Conversation     domain.Conversation `json:"conversation"`
}

type settingsRequest struct {
	APIKey  *string `json:"apiKey"`
	BaseURL *string `json:"baseUrl"`
	Model   *string `json:"model"`
	LogoURL *string `json:"logoUrl"`
}

type projectRequest struct {
	Title        *string `json:"title"`
	Instructions *string `json:"instructions"`
}

type conversationRequest struct {
	Title     string  `json:"title"`
	ProjectID *string `json:"projectId"`
}

type messageRequest struct {
	Text        string              `json:"text"`
	Attachments []domain.Attachment `json:"attachments"`
}

func newSettingsView(s domain.Settings) settingsView {
	return settingsView{
		BaseURL:    s.BaseURL,
		Model:      s.Model,
		LogoURL:    s.LogoURL,
		HasAPIKey:  s.HasAPIKey(),
		APIKeyHint: maskAPIKey(s.APIKey),
		UpdatedAt:  s.UpdatedAt,
	}
}

func newSessionResponse(session *app.Session) sessionResponse {
	state := session.Snapshot()
	projects := state.Projects
	if projects == nil {
		projects = []domain.Project{}
	}
	conversations := state.Conversations
	if conversations == nil {
		conversations = []domain.Conversation{}
	}
	return sessionResponse{
		IdentityID:            session.IdentityID(),
		Settings:              newSettingsView(state.Settings),
		SettingsLoading:       state.SettingsLoading,
		Projects:              projects,
		Conversations:         conversations,
		CurrentProjectID:      state.CurrentProjectID,
		CurrentConversationID: state.CurrentConversationID,
		ConfigProjectID:       state.ConfigProjectID,
		Pending:               state.Pending,
	}
}

// maskAPIKey keeps the last four characters of keys long enough to hide the rest.
func maskAPIKey(key string) string {
	if len(key) <= 8 {
		if key == "" {
			return ""
		}
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string, details ...errorDetail) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: util.RequestIDFromRequest(r),
		Details:   details,
	})
}

// writeAppError maps app errors onto the HTTP error envelope.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *app.ValidationError
		completion *app.CompletionRequestFailedError
	)
	logger := util.LoggerFromContext(r.Context())
	switch {
	case errors.Is(err, app.ErrConfigurationMissing):
		writeError(w, r, http.StatusPreconditionFailed, "configuration_missing", "api key not configured",
			errorDetail{Reason: "configure_settings", Field: "apiKey"})
	case errors.Is(err, app.ErrNoActiveConversation):
		writeError(w, r, http.StatusConflict, "no_active_conversation", "no conversation selected",
			errorDetail{Reason: "select_conversation"})
	case errors.Is(err, app.ErrInvalidTarget):
		writeError(w, r, http.StatusNotFound, "invalid_target", err.Error())
	case errors.As(err, &validation):
		writeError(w, r, http.StatusBadRequest, "validation_error", err.Error(),
			errorDetail{Reason: validation.Reason, Field: validation.Field})
	case errors.Is(err, app.ErrValidation):
		writeError(w, r, http.StatusBadRequest, "validation_error", err.Error())
	case errors.As(err, &completion):
		logger.Warn("completion request failed", "status", completion.Status, "err", err)
		reason := "upstream_error"
		if completion.Status == 0 {
			reason = "upstream_unreachable"
		}
		writeError(w, r, http.StatusBadGateway, "completion_request_failed", completion.Error(),
			errorDetail{Reason: reason, Status: completion.Status})
	case errors.Is(err, app.ErrPersistence):
		logger.Error("persistence failure", "err", err)
		writeError(w, r, http.StatusBadGateway, "persistence_failure", "backend request failed")
	default:
		logger.Error("unhandled error", "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
