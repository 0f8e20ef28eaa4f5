package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/debugpartner/internal/storage"
)

type mockDigestStore struct {
	recipients  []storage.NotificationPreference
	problems    map[string]int
	insights    map[string][]storage.Insight
	failProblem map[string]bool
}

func (m *mockDigestStore) ListDigestRecipients() ([]storage.NotificationPreference, error) {
	return m.recipients, nil
}

func (m *mockDigestStore) CountProblemsSince(userID string, since time.Time) (int, error) {
	if m.failProblem[userID] {
		return 0, errors.New("db error")
	}
	return m.problems[userID], nil
}

func (m *mockDigestStore) ListUserInsightsSince(userID string, since time.Time) ([]storage.Insight, error) {
	return m.insights[userID], nil
}

func digestPref(userID, email string) storage.NotificationPreference {
	return storage.NotificationPreference{
		UserID:       userID,
		Email:        email,
		Enabled:      true,
		ScheduleType: ScheduleSmart,
		WeeklyDigest: true,
	}
}

func TestDigest_SendsOnePerRecipient(t *testing.T) {
	store := &mockDigestStore{
		recipients: []storage.NotificationPreference{
			digestPref("u1", "a@example.com"),
			digestPref("u2", "b@example.com"),
		},
		problems: map[string]int{"u1": 2, "u2": 0},
		insights: map[string][]storage.Insight{
			"u1": {
				{Content: "first insight", IsSignificant: false},
				{Content: "second insight", IsSignificant: true},
			},
		},
	}
	sender := &mockSender{}
	job := NewDigestJob(store, sender, "noreply@example.com", "https://app.example.com", nil)

	n, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 2 {
		t.Errorf("processed = %d, want 2", n)
	}
	if sender.count() != 2 {
		t.Fatalf("sends = %d, want 2", sender.count())
	}

	html := sender.sent[0].HTML
	if !strings.Contains(html, "<strong>2</strong> problems submitted") {
		t.Errorf("digest body missing problem count: %s", html)
	}
	if !strings.Contains(html, "<strong>2</strong> total insights") {
		t.Errorf("digest body missing insight count: %s", html)
	}
	if !strings.Contains(html, "<strong>1</strong> significant") {
		t.Errorf("digest body missing significant count: %s", html)
	}
	if !strings.Contains(html, "first insight") {
		t.Error("digest body missing insight snippet")
	}
}

func TestDigest_FailedUserIsSkippedNotFatal(t *testing.T) {
	store := &mockDigestStore{
		recipients: []storage.NotificationPreference{
			digestPref("u1", "a@example.com"),
			digestPref("u2", "b@example.com"),
		},
		problems:    map[string]int{"u2": 1},
		failProblem: map[string]bool{"u1": true},
	}
	sender := &mockSender{}
	job := NewDigestJob(store, sender, "noreply@example.com", "https://app.example.com", nil)

	n, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Errorf("processed = %d, want 1 (u1 skipped)", n)
	}
	if sender.count() != 1 {
		t.Errorf("sends = %d, want 1", sender.count())
	}
	if sender.sent[0].To[0] != "b@example.com" {
		t.Errorf("sent to %v, want u2 only", sender.sent[0].To)
	}
}

func TestDigest_DisabledRecipientSkipped(t *testing.T) {
	disabled := digestPref("u1", "a@example.com")
	disabled.Enabled = false
	store := &mockDigestStore{
		recipients: []storage.NotificationPreference{
			disabled,
			digestPref("u2", "b@example.com"),
		},
	}
	sender := &mockSender{}
	job := NewDigestJob(store, sender, "noreply@example.com", "https://app.example.com", nil)

	n, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Errorf("processed = %d, want 1 (disabled recipient skipped)", n)
	}
	if sender.count() != 1 || sender.sent[0].To[0] != "b@example.com" {
		t.Errorf("sends = %d to %v, want u2 only", sender.count(), sender.sent)
	}
}

func TestDigest_RecipientWithoutEmailSkipped(t *testing.T) {
	store := &mockDigestStore{
		recipients: []storage.NotificationPreference{digestPref("u1", "")},
	}
	sender := &mockSender{}
	job := NewDigestJob(store, sender, "noreply@example.com", "https://app.example.com", nil)

	n, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 0 || sender.count() != 0 {
		t.Errorf("processed = %d sends = %d, want 0/0", n, sender.count())
	}
}
