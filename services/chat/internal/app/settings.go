package app

import (
	"context"
	"net/url"
	"strings"

	"grokchat/pkg/domain"
	"grokchat/pkg/events"
)

// SettingsPatch carries the fields to change; nil fields keep their value.
type SettingsPatch struct {
	APIKey  *string
	BaseURL *string
	Model   *string
	LogoURL *string
}

// LoadSettings refreshes settings from the backend. It never fails: when the
// backend read fails the cached copy is kept.
func (s *Session) LoadSettings(ctx context.Context) domain.Settings {
	s.mu.Lock()
	s.settingsLoading = true
	s.mu.Unlock()

	settings, ok := s.fetchSettings(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.settings = settings
	}
	s.settingsLoading = false
	return s.settings
}

// Settings returns the cached settings.
func (s *Session) Settings() domain.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// fetchSettings reads the stored settings, persisting defaults when none exist.
// It reports false when the backend could not be read.
func (s *Session) fetchSettings(ctx context.Context) (domain.Settings, bool) {
	logger := loggerFrom(ctx)
	defaults := s.app.defaultSettings(s.identityID)
	if s.identityID == "" {
		logger.Warn("settings load without identity")
		return defaults, false
	}
	stored, ok, err := s.app.store.GetSettings(s.identityID)
	if err != nil {
		logger.Warn("settings load failed", "identity_id", s.identityID, "err", err)
		return defaults, false
	}
	if ok {
		return normalizeSettings(stored, defaults), true
	}
	defaults.UpdatedAt = s.app.now().UTC()
	if err := s.app.store.SaveSettings(defaults); err != nil {
		logger.Warn("default settings persist failed", "identity_id", s.identityID, "err", err)
	}
	return defaults, true
}

// SaveSettings merges patch over the current settings, writes the full record
// and commits it only after the write succeeds.
func (s *Session) SaveSettings(ctx context.Context, patch SettingsPatch) (domain.Settings, error) {
	s.mu.RLock()
	next := s.settings
	s.mu.RUnlock()

	if patch.APIKey != nil {
		next.APIKey = strings.TrimSpace(*patch.APIKey)
	}
	if patch.BaseURL != nil {
		baseURL, err := normalizeBaseURL(*patch.BaseURL)
		if err != nil {
			return domain.Settings{}, err
		}
		next.BaseURL = baseURL
	}
	if patch.Model != nil {
		next.Model = strings.TrimSpace(*patch.Model)
	}
	if patch.LogoURL != nil {
		next.LogoURL = strings.TrimSpace(*patch.LogoURL)
	}
	next.IdentityID = s.identityID
	next = normalizeSettings(next, s.app.defaultSettings(s.identityID))
	next.UpdatedAt = s.app.now().UTC()

	if err := s.app.store.SaveSettings(next); err != nil {
		return domain.Settings{}, persistenceErr("save settings", err)
	}

	s.mu.Lock()
	s.settings = next
	s.settingsLoading = false
	s.mu.Unlock()

	s.app.publish(ctx, events.Event{Type: events.TypeSettingsUpdated, IdentityID: s.identityID})
	return next, nil
}

func normalizeSettings(settings, defaults domain.Settings) domain.Settings {
	if strings.TrimSpace(settings.BaseURL) == "" {
		settings.BaseURL = defaults.BaseURL
	}
	settings.BaseURL = strings.TrimRight(strings.TrimSpace(settings.BaseURL), "/")
	if strings.TrimSpace(settings.Model) == "" {
		settings.Model = domain.ModelAuto
	}
	return settings
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", &ValidationError{Field: "baseUrl", Reason: "must be an absolute http(s) URL"}
	}
	return raw, nil
}
