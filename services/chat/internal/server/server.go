package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"grokchat/internal/audit"
	"grokchat/internal/identity"
	"grokchat/internal/ratelimit"
	"grokchat/internal/util"
	"grokchat/pkg/domain"
	"grokchat/services/chat/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Identity *identity.Service
	// Limiters are optional; nil disables the limit.
	IdentityLimiter *ratelimit.FixedWindowLimiter
	MessageLimiter  *ratelimit.FixedWindowLimiter
	// Alerter escalates repeated failures from one client; nil disables it.
	Alerter        *audit.Alerter
	TrustedProxies *util.TrustedProxies
	AllowedOrigins []string
	MaxUploadBytes int64
	DownloadURLTTL time.Duration
}

// Server exposes the chat client API.
type Server struct {
	app             *app.App
	identity        *identity.Service
	identityLimiter *ratelimit.FixedWindowLimiter
	messageLimiter  *ratelimit.FixedWindowLimiter
	alerter         *audit.Alerter
	trustedProxies  *util.TrustedProxies
	allowedOrigins  []string
	maxUploadBytes  int64
	downloadURLTTL  time.Duration
	mux             *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("identity service required")
	}
	ttl := cfg.DownloadURLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	s := &Server{
		app:             cfg.App,
		identity:        cfg.Identity,
		identityLimiter: cfg.IdentityLimiter,
		messageLimiter:  cfg.MessageLimiter,
		alerter:         cfg.Alerter,
		trustedProxies:  cfg.TrustedProxies,
		allowedOrigins:  cfg.AllowedOrigins,
		maxUploadBytes:  normalizeMaxBytes(cfg.MaxUploadBytes),
		downloadURLTTL:  ttl,
		mux:             http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("chat", util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/api/identity", s.handleIdentity)
	s.mux.Handle("/api/session", s.identified(s.handleSession))
	s.mux.Handle("/api/settings", s.identified(s.handleSettings))

	s.mux.Handle("/api/projects", s.identified(s.handleProjects))
	s.mux.Handle("/api/projects/", s.identified(s.handleProjectByID))
	s.mux.Handle("/api/conversations", s.identified(s.handleConversations))
	s.mux.Handle("/api/conversations/", s.identified(s.handleConversationByID))
	s.mux.Handle("/api/messages", s.identified(s.handleMessages))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionHandler func(http.ResponseWriter, *http.Request, *app.Session)

// identified resolves the bearer token to an identity and its session.
func (s *Server) identified(next sessionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "chat.identity.verify", "fail", "reason", "missing_token")
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		ident, err := s.identity.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, identity.ErrInvalidToken) || errors.Is(err, identity.ErrTokenRevoked) {
				s.audit(r, "chat.identity.verify", "fail", "reason", err.Error())
				writeError(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}
			util.LoggerFromContext(r.Context()).Error("identity lookup failed", "err", err)
			writeError(w, r, http.StatusBadGateway, "persistence_failure", "identity lookup failed")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("identity_id", ident.ID))
		r = r.WithContext(ctx)
		session, err := s.app.Session(ctx, ident.ID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		next(w, r, session)
	})
}

// /api/identity
func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowRate(w, r, s.identityLimiter, util.ClientIP(r, s.trustedProxies), "too many sign-in attempts") {
		s.audit(r, "chat.identity.create", "rate_limited")
		return
	}
	token, _ := bearerToken(r)
	result, err := s.identity.GetOrCreate(r.Context(), token)
	if err != nil {
		s.audit(r, "chat.identity.create", "fail", "reason", err.Error())
		util.LoggerFromContext(r.Context()).Error("identity resolve failed", "err", err)
		writeError(w, r, http.StatusBadGateway, "persistence_failure", "identity unavailable")
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
		s.audit(r, "chat.identity.create", "success", "identity_id", result.Identity.ID)
	}
	writeJSON(w, status, identityResponse{
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
		Identity:  result.Identity,
		Created:   result.Created,
	})
}

// /api/session
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, session *app.Session) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, newSessionResponse(session))
	case http.MethodDelete:
		token, _ := bearerToken(r)
		if err := s.identity.SignOut(r.Context(), token); err != nil {
			s.audit(r, "chat.identity.signout", "fail", "reason", err.Error())
			writeError(w, r, http.StatusBadGateway, "persistence_failure", "sign-out failed")
			return
		}
		s.app.ResetSession(session.IdentityID())
		s.audit(r, "chat.identity.signout", "success", "identity_id", session.IdentityID())
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r)
	}
}

// /api/settings
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request, session *app.Session) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, newSettingsView(session.Settings()))
	case http.MethodPut:
		var req settingsRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		saved, err := session.SaveSettings(r.Context(), app.SettingsPatch{
			APIKey:  req.APIKey,
			BaseURL: req.BaseURL,
			Model:   req.Model,
			LogoURL: req.LogoURL,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newSettingsView(saved))
	default:
		methodNotAllowed(w, r)
	}
}

// /api/projects
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request, session *app.Session) {
	switch r.Method {
	case http.MethodGet:
		projects := session.Snapshot().Projects
		writeJSON(w, http.StatusOK, map[string]any{
			"items": projects,
			"count": len(projects),
		})
	case http.MethodPost:
		var req projectRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		title, instructions := "", ""
		if req.Title != nil {
			title = *req.Title
		}
		if req.Instructions != nil {
			instructions = *req.Instructions
		}
		p, err := session.CreateProject(r.Context(), title, instructions)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	default:
		methodNotAllowed(w, r)
	}
}

// defaultProjectSegment selects the default bucket in /api/projects/{id}/select.
const defaultProjectSegment = "default"

// /api/projects/{id}, /api/projects/{id}/{select|open|config|files}, /api/projects/{id}/files/{name}
func (s *Server) handleProjectByID(w http.ResponseWriter, r *http.Request, session *app.Session) {
	path := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	parts := strings.SplitN(path, "/", 3)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 1 {
		s.handleProject(w, r, session, id)
		return
	}
	switch parts[1] {
	case "select":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r)
			return
		}
		if id == defaultProjectSegment {
			id = ""
		}
		if err := session.SelectProject(id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newSessionResponse(session))
	case "open":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r)
			return
		}
		c, err := session.OpenProject(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	case "config":
		s.handleProjectConfig(w, r, session, id)
	case "files":
		if len(parts) == 3 && parts[2] != "" {
			s.handleProjectFile(w, r, session, id, parts[2])
			return
		}
		s.handleProjectFiles(w, r, session, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request, session *app.Session, id string) {
	switch r.Method {
	case http.MethodPatch:
		var req projectRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Title == nil && req.Instructions == nil {
			writeError(w, r, http.StatusBadRequest, "validation_error", "title or instructions is required")
			return
		}
		var (
			p   domain.Project
			err error
		)
		if req.Title != nil {
			if p, err = session.RenameProject(r.Context(), id, *req.Title); err != nil {
				writeAppError(w, r, err)
				return
			}
		}
		if req.Instructions != nil {
			if p, err = session.UpdateProjectInstructions(r.Context(), id, *req.Instructions); err != nil {
				writeAppError(w, r, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodDelete:
		if err := session.DeleteProject(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w, r)
	}
}

func (s *Server) handleProjectConfig(w http.ResponseWriter, r *http.Request, session *app.Session, id string) {
	switch r.Method {
	case http.MethodGet:
		p, err := session.OpenProjectConfig(id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPut:
		var req projectRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		instructions := ""
		if req.Instructions != nil {
			instructions = *req.Instructions
		}
		p, err := session.UpdateProjectInstructions(r.Context(), id, instructions)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodDelete:
		session.CloseProjectConfig()
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r)
	}
}

func (s *Server) handleProjectFiles(w http.ResponseWriter, r *http.Request, session *app.Session, id string) {
	switch r.Method {
	case http.MethodGet:
		files, err := session.ListProjectFiles(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": files,
			"count": len(files),
		})
	case http.MethodPost:
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, r, http.StatusBadRequest, "validation_error", "invalid form data")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "validation_error", "file is required (field: file)", errorDetail{Reason: "required", Field: "file"})
			return
		}
		defer file.Close()
		stored, err := session.UploadProjectFile(r.Context(), id, header.Filename, file, header.Size, header.Header.Get("Content-Type"))
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, stored)
	default:
		methodNotAllowed(w, r)
	}
}

// handleProjectFile returns a pre-signed URL when the store supports it and
// streams the file otherwise.
func (s *Server) handleProjectFile(w http.ResponseWriter, r *http.Request, session *app.Session, id, name string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	dl, err := session.OpenProjectFile(r.Context(), id, name, s.downloadURLTTL)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if dl.URL != "" {
		writeJSON(w, http.StatusOK, map[string]string{"url": dl.URL})
		return
	}
	defer dl.Body.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(name))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, dl.Body)
}

// /api/conversations
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, session *app.Session) {
	switch r.Method {
	case http.MethodGet:
		conversations := session.Snapshot().Conversations
		if projectID, ok := r.URL.Query()["projectId"]; ok {
			conversations = filterConversations(conversations, strings.TrimSpace(projectID[0]))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": conversations,
			"count": len(conversations),
		})
	case http.MethodPost:
		var req conversationRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		var (
			c   domain.Conversation
			err error
		)
		if req.ProjectID != nil {
			c, err = session.CreateConversationIn(r.Context(), *req.ProjectID, req.Title)
		} else {
			c, err = session.CreateConversation(r.Context(), req.Title)
		}
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, c)
	default:
		methodNotAllowed(w, r)
	}
}

// /api/conversations/{id}, /api/conversations/{id}/{select|messages}
func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, session *app.Session) {
	path := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "select":
			if r.Method != http.MethodPost {
				methodNotAllowed(w, r)
				return
			}
			if err := session.SelectConversation(id); err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, newSessionResponse(session))
		case "messages":
			if r.Method != http.MethodGet {
				methodNotAllowed(w, r)
				return
			}
			msgs, err := session.LoadMessages(r.Context(), id)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"items": msgs,
				"count": len(msgs),
			})
		default:
			http.NotFound(w, r)
		}
		return
	}
	switch r.Method {
	case http.MethodPatch:
		var req conversationRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		c, err := session.RenameConversation(r.Context(), id, req.Title)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	case http.MethodDelete:
		if err := session.DeleteConversation(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w, r)
	}
}

// /api/messages
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, session *app.Session) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	if !s.allowRate(w, r, s.messageLimiter, session.IdentityID(), "too many messages") {
		s.audit(r, "chat.message.send", "rate_limited", "identity_id", session.IdentityID())
		return
	}
	var req messageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := session.SendMessage(r.Context(), req.Text, req.Attachments)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if res.UserMessage.ID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, exchangeResponse{
		UserMessage:      res.UserMessage,
		AssistantMessage: res.AssistantMessage,
		Conversation:     res.Conversation,
	})
}

func filterConversations(items []domain.Conversation, projectID string) []domain.Conversation {
	out := make([]domain.Conversation, 0, len(items))
	for _, c := range items {
		if c.ProjectID == projectID {
			out = append(out, c)
		}
	}
	return out
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "validation_error", "invalid JSON body")
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 20 * 1024 * 1024
	}
	return value
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.trustedProxies)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)

	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security alert counter failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", result.Count,
			"threshold", result.Threshold,
			"window", result.Window.String(),
		)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, subject, msg string) bool {
	decision := limiter.Allow(r.Context(), r.URL.Path+"|"+subject)
	if decision.Allowed {
		return true
	}
	retry := int(decision.RetryAfter.Round(time.Second) / time.Second)
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeError(w, r, http.StatusTooManyRequests, "rate_limited", msg)
	return false
}
