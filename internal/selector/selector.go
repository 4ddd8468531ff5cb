// Package selector switches which already-issued session a client treats as current.
package selector

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeonx/timeago"

	"sessiongate/internal/models"
	"sessiongate/internal/registry"
)

type Selector struct {
	registry *registry.Registry
	log      zerolog.Logger
}

func New(reg *registry.Registry, log zerolog.Logger) *Selector {
	return &Selector{registry: reg, log: log}
}

// SwitchTo makes id current for clientID. It reports false, leaving the pointer alone,
// when the session is unknown, expired or was issued to another client.
func (s *Selector) SwitchTo(ctx context.Context, clientID, id string) (models.Session, bool, error) {
	session, ok, err := s.registry.Get(ctx, id)
	if err != nil {
		return models.Session{}, false, err
	}
	if !ok {
		return models.Session{}, false, nil
	}
	if session.Client.ID != clientID {
		s.log.Warn().
			Str("session_id", id).
			Str("client_id", clientID).
			Msg("switch to session of another client refused")
		return models.Session{}, false, nil
	}

	if err := s.registry.SetCurrent(ctx, clientID, id); err != nil {
		return models.Session{}, false, err
	}
	s.log.Debug().Str("session_id", id).Str("client_id", clientID).Msg("current session switched")
	return session, true, nil
}

func (s *Selector) Current(ctx context.Context, clientID string) (models.Session, bool, error) {
	return s.registry.Current(ctx, clientID)
}

// ListForSwitching returns the valid sessions of clientID, annotated for display.
func (s *Selector) ListForSwitching(ctx context.Context, clientID string) ([]models.SessionView, error) {
	sessions, err := s.registry.ForClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	currentID := ""
	if current, ok, err := s.registry.Current(ctx, clientID); err != nil {
		s.log.Warn().Err(err).Str("client_id", clientID).Msg("read current session failed")
	} else if ok {
		currentID = current.ID
	}

	return Annotate(sessions, currentID, s.registry.Now()), nil
}

// Annotate decorates sessions with remaining time, urgency and a relative last-active label.
func Annotate(sessions []models.Session, currentID string, now time.Time) []models.SessionView {
	views := make([]models.SessionView, 0, len(sessions))
	for _, session := range sessions {
		remaining := session.ExpiresAt.Sub(now)
		views = append(views, models.SessionView{
			Session:       session,
			Current:       session.ID == currentID,
			TimeRemaining: models.FormatRemaining(remaining),
			Urgency:       models.UrgencyFor(remaining),
			LastActive:    timeago.English.FormatReference(session.LastActivityAt, now),
			Browser:       models.BrowserName(session.Client),
		})
	}
	return views
}
