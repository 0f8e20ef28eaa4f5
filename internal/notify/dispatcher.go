// Package notify decides when a generated insight becomes a user-facing
// message and produces the periodic digest. All delivery errors are
// logged and swallowed: notification failure never fails generation.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kalambet/debugpartner/internal/mailer"
	"github.com/kalambet/debugpartner/internal/storage"
)

// Per-user schedule types.
const (
	ScheduleImmediate = "immediate"
	ScheduleSmart     = "smart"
	ScheduleHourly    = "hourly"
	ScheduleDaily     = "daily"
)

// PrefReader loads a user's notification preference.
type PrefReader interface {
	GetNotificationPreference(userID string) (storage.NotificationPreference, error)
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, email mailer.Email) error
}

// InsightEvent describes a just-persisted insight.
type InsightEvent struct {
	UserID       string
	ProblemID    string
	ProblemTitle string
	Content      string
	Significant  bool
}

// Dispatcher applies per-user preference rules to insight events.
type Dispatcher struct {
	prefs        PrefReader
	sender       Sender
	from         string
	dashboardURL string
	logger       *slog.Logger
}

// NewDispatcher creates a Dispatcher. If logger is nil, slog.Default() is used.
func NewDispatcher(prefs PrefReader, sender Sender, from, dashboardURL string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		prefs:        prefs,
		sender:       sender,
		from:         from,
		dashboardURL: dashboardURL,
		logger:       logger,
	}
}

// preferenceFor returns the user's preference, defaulting to
// enabled + smart when no record exists.
func (d *Dispatcher) preferenceFor(userID string) storage.NotificationPreference {
	pref, err := d.prefs.GetNotificationPreference(userID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.NotificationPreference{
			UserID:       userID,
			Enabled:      true,
			ScheduleType: ScheduleSmart,
		}
	}
	if err != nil {
		d.logger.Warn("loading notification preference failed, using defaults", "user_id", userID, "error", err)
		return storage.NotificationPreference{
			UserID:       userID,
			Enabled:      true,
			ScheduleType: ScheduleSmart,
		}
	}
	if pref.ScheduleType == "" {
		pref.ScheduleType = ScheduleSmart
	}
	return pref
}

// shouldSend implements the per-event decision table. Hourly and daily
// schedules are handled by digest jobs, never per event.
func shouldSend(pref storage.NotificationPreference, significant bool) bool {
	if !pref.Enabled {
		return false
	}
	switch pref.ScheduleType {
	case ScheduleImmediate:
		return true
	case ScheduleSmart:
		return significant
	default:
		return false
	}
}

// InsightCreated sends an immediate notification for the event when the
// user's preference calls for one. It never returns an error.
func (d *Dispatcher) InsightCreated(ctx context.Context, ev InsightEvent) {
	pref := d.preferenceFor(ev.UserID)

	if !shouldSend(pref, ev.Significant) {
		d.logger.Debug("skipping notification",
			"user_id", ev.UserID, "schedule", pref.ScheduleType, "significant", ev.Significant)
		return
	}

	if pref.Email == "" {
		d.logger.Warn("no email on record for user, skipping notification", "user_id", ev.UserID)
		return
	}

	subject, html, err := Render(TypeNewInsight, TemplateData{
		ProblemTitle:   ev.ProblemTitle,
		InsightContent: ev.Content,
		ProblemID:      ev.ProblemID,
		DashboardURL:   d.dashboardURL,
	})
	if err != nil {
		d.logger.Error("rendering notification failed", "error", err)
		return
	}

	err = d.sender.Send(ctx, mailer.Email{
		From:    d.from,
		To:      []string{pref.Email},
		Subject: subject,
		HTML:    html,
	})
	if err != nil {
		d.logger.Error("sending insight notification failed", "user_id", ev.UserID, "error", err)
		return
	}
	d.logger.Info("insight notification sent", "user_id", ev.UserID, "problem_id", ev.ProblemID)
}

// ProblemResolved sends a resolution notification if the user is
// reachable and has notifications enabled. Best effort.
func (d *Dispatcher) ProblemResolved(ctx context.Context, userID, problemTitle string) {
	pref := d.preferenceFor(userID)
	if !pref.Enabled || pref.Email == "" {
		return
	}

	subject, html, err := Render(TypeProblemResolved, TemplateData{
		ProblemTitle: problemTitle,
		DashboardURL: d.dashboardURL,
	})
	if err != nil {
		d.logger.Error("rendering notification failed", "error", err)
		return
	}

	err = d.sender.Send(ctx, mailer.Email{
		From:    d.from,
		To:      []string{pref.Email},
		Subject: subject,
		HTML:    html,
	})
	if err != nil {
		d.logger.Error("sending resolved notification failed", "user_id", userID, "error", err)
	}
}
