package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Problem lifecycle statuses.
const (
	ProblemActive   = "active"
	ProblemPaused   = "paused"
	ProblemResolved = "resolved"
)

// ReasoningSession statuses. Transitions only go
// pending -> processing -> completed|failed; completed and failed are terminal.
const (
	SessionPending    = "pending"
	SessionProcessing = "processing"
	SessionCompleted  = "completed"
	SessionFailed     = "failed"
)

type Problem struct {
	ID              string
	UserID          string
	Title           string
	Description     string
	EnvironmentInfo string // JSON object stored as text
	Category        string
	Severity        string
	Tags            string // JSON array stored as text
	MaxBudget       float64
	AICost          float64
	Status          string
	Archived        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ResolvedAt      *time.Time
}

type ReasoningSession struct {
	ID           string
	ProblemID    string
	LayerName    string
	LayerOrder   int
	ScheduleTime time.Time
	Status       string
	CompletedAt  *time.Time
	CreatedAt    time.Time
}

type Insight struct {
	ID            string
	ProblemID     string
	SessionID     string
	Content       string
	InsightType   string
	CodeSamples   string // JSON array stored as text
	IsSignificant bool
	CreatedAt     time.Time
}

// NotificationPreference is one row per user. ScheduleType is one of
// immediate, smart, hourly, daily.
type NotificationPreference struct {
	UserID       string
	Email        string
	Enabled      bool
	ScheduleType string
	MaxPerDay    int
	WeeklyDigest bool
	CreatedAt    time.Time
}

type ProblemFile struct {
	ID          string
	ProblemID   string
	Name        string
	ContentType string
	Content     string // extracted text
	CreatedAt   time.Time
}
