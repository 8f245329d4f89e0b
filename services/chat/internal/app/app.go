package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/sync/singleflight"
	"grokchat/pkg/ai"
	"grokchat/pkg/attachment"
	"grokchat/pkg/domain"
	"grokchat/pkg/events"
	"grokchat/pkg/queue"
	"grokchat/pkg/storage"
	"grokchat/pkg/store"
)

const (
	defaultModel              = "grok-2-latest"
	defaultTemperature        = 0.7
	defaultMaxTokens          = 4096
	defaultProjectTitle       = "Default Project"
	newProjectTitle           = "New Project"
	defaultConversationTitle  = "New Chat"
	noResponsePlaceholder     = "No response"
	maxConversationTitleRunes = 40
)

// Sweeper schedules a later removal of every object under a namespace.
type Sweeper interface {
	Enqueue(ctx context.Context, namespace, identityID string) (queue.SweepJob, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	Store     store.Store
	Objects   storage.ObjectStore
	Completer ai.Completer
	// Resolver expands attachments into the outbound prompt. Nil disables it.
	Resolver *attachment.Resolver
	Sweeper  Sweeper
	Events   events.Publisher

	DefaultModel   string
	DefaultBaseURL string
	Temperature    float64
	MaxTokens      int
}

// App owns one Session per identity.
type App struct {
	store     store.Store
	objects   storage.ObjectStore
	completer ai.Completer
	resolver  *attachment.Resolver
	sweeper   Sweeper
	events    events.Publisher

	defaultModel   string
	defaultBaseURL string
	temperature    float64
	maxTokens      int
	now            func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	inits    singleflight.Group
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Completer == nil {
		return nil, errors.New("completion client required")
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	model := strings.TrimSpace(cfg.DefaultModel)
	if model == "" || model == domain.ModelAuto {
		model = defaultModel
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.DefaultBaseURL), "/")
	if baseURL == "" {
		baseURL = domain.DefaultBaseURL
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = defaultTemperature
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &App{
		store:          cfg.Store,
		objects:        cfg.Objects,
		completer:      cfg.Completer,
		resolver:       cfg.Resolver,
		sweeper:        cfg.Sweeper,
		events:         publisher,
		defaultModel:   model,
		defaultBaseURL: baseURL,
		temperature:    temperature,
		maxTokens:      maxTokens,
		now:            time.Now,
		sessions:       make(map[string]*Session),
	}, nil
}

// Session returns the initialized session for identityID, running Init once
// even when several requests for a new identity arrive together.
func (a *App) Session(ctx context.Context, identityID string) (*Session, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, fmt.Errorf("%w: identity required", ErrValidation)
	}
	if s := a.cached(identityID); s != nil {
		return s, nil
	}
	v, err, _ := a.inits.Do(identityID, func() (any, error) {
		if s := a.cached(identityID); s != nil {
			return s, nil
		}
		s := newSession(a, identityID)
		// Shared by every waiter, so one caller disconnecting must not abort it.
		if err := s.Init(context.WithoutCancel(ctx)); err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.sessions[identityID] = s
		a.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// ResetSession drops the identity's session; the next Session call reloads it.
func (a *App) ResetSession(identityID string) {
	a.mu.Lock()
	s := a.sessions[identityID]
	delete(a.sessions, identityID)
	a.mu.Unlock()
	if s != nil {
		s.Reset()
	}
}

func (a *App) cached(identityID string) *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[identityID]
}

func (a *App) defaultSettings(identityID string) domain.Settings {
	settings := domain.DefaultSettings(identityID)
	settings.BaseURL = a.defaultBaseURL
	return settings
}

// resolveModel never returns "auto".
func (a *App) resolveModel(model string) string {
	model = strings.TrimSpace(model)
	if model == "" || strings.EqualFold(model, domain.ModelAuto) {
		return a.defaultModel
	}
	return model
}

func (a *App) nowMillis() int64 {
	return a.now().UnixMilli()
}

// publish is best-effort.
func (a *App) publish(ctx context.Context, evt events.Event) {
	if evt.At.IsZero() {
		evt.At = a.now().UTC()
	}
	if err := a.events.Publish(ctx, evt); err != nil {
		loggerFrom(ctx).Warn("event publish failed", "type", evt.Type, "err", err)
	}
}

// Close releases the event publisher.
func (a *App) Close() error {
	return a.events.Close()
}

func generateConversationTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return defaultConversationTitle
	}
	lower := strings.ToLower(text)
	for _, prefix := range []string{"can you please ", "could you please ", "can you ", "could you ", "please ", "hey ", "hi, ", "hello, "} {
		if strings.HasPrefix(lower, prefix) {
			text = strings.TrimSpace(text[len(prefix):])
			break
		}
	}
	text = strings.TrimRight(text, "?!. ")
	if text == "" {
		return defaultConversationTitle
	}
	runes := []rune(text)
	runes[0] = unicode.ToUpper(runes[0])
	if len(runes) > maxConversationTitleRunes {
		return strings.TrimSpace(string(runes[:maxConversationTitleRunes])) + "…"
	}
	return string(runes)
}
