// README: SOS recorder; persists the alert first, then fans it out to the alert stream.
package sos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rideshare/internal/observability"
	"rideshare/internal/types"
)

// AlertPublisher hands a recorded alert to whatever pages the contacts.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, a *Alert) error
}

type Options struct {
	MaxContacts    int
	DefaultMessage string
	Now            func() time.Time
	Logger         *slog.Logger
}

type Service struct {
	store     Store
	publisher AlertPublisher
	opts      Options
	now       func() time.Time
	log       *slog.Logger
}

func NewService(store Store, publisher AlertPublisher, opts Options) *Service {
	if opts.MaxContacts <= 0 {
		opts.MaxContacts = 3
	}
	if opts.DefaultMessage == "" {
		opts.DefaultMessage = "I need help. This is my current location."
	}
	s := &Service{store: store, publisher: publisher, opts: opts, now: opts.Now, log: opts.Logger}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Trigger records an alert. A storage failure is returned to the caller; once the
// alert is stored, publishing problems are logged and counted but do not fail it.
func (s *Service) Trigger(ctx context.Context, userID types.ID, cmd TriggerCommand) (*Alert, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrBadRequest)
	}
	if cmd.Location != nil && !cmd.Location.Valid() {
		return nil, ErrInvalidLocation
	}

	profile, err := s.GetProfile(ctx, userID)
	if err != nil {
		// the alert must not depend on the profile lookup
		s.log.Warn("sos profile lookup failed", "user_id", userID, "error", err)
		profile = &Profile{UserID: userID, Message: s.opts.DefaultMessage}
	}
	msg := strings.TrimSpace(cmd.Message)
	if msg == "" {
		msg = profile.Message
	}

	a := &Alert{
		ID:        types.NewID(),
		UserID:    userID,
		RideID:    cmd.RideID,
		Location:  cmd.Location,
		Message:   msg,
		Contacts:  append([]string{}, profile.Contacts...),
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.AppendAlert(ctx, a); err != nil {
		observability.SOSAlertsTotal.WithLabelValues("error").Inc()
		s.log.Error("sos alert not recorded", "user_id", userID, "error", err)
		return nil, fmt.Errorf("record sos alert: %w", err)
	}
	s.log.Warn("sos alert recorded", "alert_id", a.ID, "user_id", userID, "ride_id", a.RideID, "contacts", len(a.Contacts))

	if s.publisher == nil {
		observability.SOSAlertsTotal.WithLabelValues("recorded").Inc()
		return a, nil
	}
	if err := s.publisher.PublishAlert(context.WithoutCancel(ctx), a); err != nil {
		observability.SOSAlertsTotal.WithLabelValues("unpublished").Inc()
		observability.PublishFailuresTotal.WithLabelValues("kafka").Inc()
		s.log.Error("sos alert publish failed", "alert_id", a.ID, "user_id", userID, "error", err)
		return a, nil
	}
	observability.SOSAlertsTotal.WithLabelValues("published").Inc()
	return a, nil
}

func (s *Service) ListAlerts(ctx context.Context, userID types.ID) ([]*Alert, error) {
	return s.store.ListAlerts(ctx, userID)
}

// GetProfile returns the user's profile, or an empty one with the default message.
func (s *Service) GetProfile(ctx context.Context, userID types.ID) (*Profile, error) {
	p, err := s.store.GetProfile(ctx, userID)
	if errors.Is(err, ErrProfileNotFound) {
		return &Profile{UserID: userID, Contacts: []string{}, Message: s.opts.DefaultMessage}, nil
	}
	if err != nil {
		return nil, err
	}
	if p.Message == "" {
		p.Message = s.opts.DefaultMessage
	}
	return p, nil
}

// SaveProfile replaces the contact list and message. Contacts are trimmed,
// duplicates dropped, and empty entries rejected.
func (s *Service) SaveProfile(ctx context.Context, userID types.ID, contacts []string, message string) (*Profile, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrBadRequest)
	}
	cleaned := make([]string, 0, len(contacts))
	seen := make(map[string]bool, len(contacts))
	for _, c := range contacts {
		c = strings.TrimSpace(c)
		if c == "" {
			return nil, fmt.Errorf("%w: contact must not be empty", ErrBadRequest)
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		cleaned = append(cleaned, c)
	}
	if len(cleaned) > s.opts.MaxContacts {
		return nil, fmt.Errorf("%w: at most %d", ErrTooManyContacts, s.opts.MaxContacts)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		message = s.opts.DefaultMessage
	}
	p := &Profile{UserID: userID, Contacts: cleaned, Message: message, UpdatedAt: s.now().UTC()}
	if err := s.store.SaveProfile(ctx, p); err != nil {
		return nil, fmt.Errorf("save sos profile: %w", err)
	}
	return p, nil
}
