package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/debugpartner/internal/mailer"
	"github.com/kalambet/debugpartner/internal/storage"
)

const digestWindow = 7 * 24 * time.Hour

// DigestStore provides the reads the weekly digest needs.
type DigestStore interface {
	ListDigestRecipients() ([]storage.NotificationPreference, error)
	CountProblemsSince(userID string, since time.Time) (int, error)
	ListUserInsightsSince(userID string, since time.Time) ([]storage.Insight, error)
}

// DigestJob aggregates the trailing week of activity into one message per
// opted-in user. It is invoked by an external periodic trigger.
type DigestJob struct {
	store        DigestStore
	sender       Sender
	from         string
	dashboardURL string
	logger       *slog.Logger
}

// NewDigestJob creates a DigestJob. If logger is nil, slog.Default() is used.
func NewDigestJob(store DigestStore, sender Sender, from, dashboardURL string, logger *slog.Logger) *DigestJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &DigestJob{
		store:        store,
		sender:       sender,
		from:         from,
		dashboardURL: dashboardURL,
		logger:       logger,
	}
}

// Run sends the digest to every opted-in user and returns the number of
// users processed. A failure for one user skips that user only.
func (j *DigestJob) Run(ctx context.Context) (int, error) {
	recipients, err := j.store.ListDigestRecipients()
	if err != nil {
		return 0, fmt.Errorf("listing digest recipients: %w", err)
	}

	since := time.Now().UTC().Add(-digestWindow)
	processed := 0
	for _, pref := range recipients {
		// Disabled suppresses the digest regardless of the weekly flag.
		if !pref.Enabled {
			continue
		}
		if pref.Email == "" {
			j.logger.Warn("digest recipient has no email, skipping", "user_id", pref.UserID)
			continue
		}

		problemCount, err := j.store.CountProblemsSince(pref.UserID, since)
		if err != nil {
			j.logger.Warn("digest: counting problems failed, skipping user", "user_id", pref.UserID, "error", err)
			continue
		}
		insights, err := j.store.ListUserInsightsSince(pref.UserID, since)
		if err != nil {
			j.logger.Warn("digest: listing insights failed, skipping user", "user_id", pref.UserID, "error", err)
			continue
		}

		significant := 0
		for _, ins := range insights {
			if ins.IsSignificant {
				significant++
			}
		}

		html := j.renderDigest(problemCount, insights, significant)
		err = j.sender.Send(ctx, mailer.Email{
			From:    j.from,
			To:      []string{pref.Email},
			Subject: "Your Weekly Debug Partner Summary",
			HTML:    html,
		})
		if err != nil {
			j.logger.Warn("digest: send failed, skipping user", "user_id", pref.UserID, "error", err)
			continue
		}
		processed++
	}

	j.logger.Info("weekly digest run finished", "recipients", len(recipients), "sent", processed)
	return processed, nil
}

func (j *DigestJob) renderDigest(problemCount int, insights []storage.Insight, significant int) string {
	var sb strings.Builder
	sb.WriteString(`<div style="font-family: sans-serif; max-width: 600px; margin: 0 auto;">`)
	sb.WriteString("<h1>Your Weekly Debug Partner Summary</h1>")
	sb.WriteString("<p>Here's what happened with your problems this week:</p>")
	sb.WriteString(`<div style="background: #f5f5f5; padding: 20px; border-radius: 8px;"><h3>Statistics</h3><ul>`)
	fmt.Fprintf(&sb, "<li><strong>%d</strong> problems submitted</li>", problemCount)
	fmt.Fprintf(&sb, "<li><strong>%d</strong> total insights generated</li>", len(insights))
	fmt.Fprintf(&sb, "<li><strong>%d</strong> significant breakthroughs</li>", significant)
	sb.WriteString("</ul></div>")

	if len(insights) > 0 {
		sb.WriteString("<h3>Recent Insights</h3>")
		limit := min(len(insights), 3)
		for _, ins := range insights[:limit] {
			fmt.Fprintf(&sb, `<div style="border: 1px solid #e5e5e5; padding: 15px; border-radius: 8px;"><p>%s</p></div>`,
				snippet(ins.Content, 150))
		}
	}

	fmt.Fprintf(&sb, `<a href="%s">View Dashboard</a>`, j.dashboardURL)
	sb.WriteString("</div>")
	return sb.String()
}
