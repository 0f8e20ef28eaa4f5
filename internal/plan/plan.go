// Package plan defines the fixed reasoning-layer table and builds the
// scheduled session plan for a newly submitted problem.
package plan

import (
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/debugpartner/internal/storage"
)

// Layer is one depth tier of reasoning. Layers are ordered shallow to
// deep; Offset is relative to problem creation.
type Layer struct {
	Name        string
	Offset      time.Duration
	Depth       string
	InsightType string
}

// Layers is the canonical schedule, indexed by layer order. Out-of-range
// orders clamp to the deepest entry.
var Layers = []Layer{
	{
		Name:        "Quick Fixes",
		Offset:      1 * time.Second,
		Depth:       "Quick fixes, immediate solutions, common mistakes",
		InsightType: "quick_fix",
	},
	{
		Name:        "Deep Debugging",
		Offset:      60 * time.Second,
		Depth:       "Deep debugging, root cause analysis, alternative approaches",
		InsightType: "debugging_path",
	},
	{
		Name:        "Architectural Review",
		Offset:      3 * time.Hour,
		Depth:       "Architectural review, design patterns, scalability concerns",
		InsightType: "architectural",
	},
	{
		Name:        "Refactor Strategies",
		Offset:      12 * time.Hour,
		Depth:       "Refactoring strategies, code organization, performance optimization",
		InsightType: "refactor",
	},
	{
		Name:        "Complete Redesign",
		Offset:      24 * time.Hour,
		Depth:       "Complete redesign, new paradigms, cutting-edge solutions",
		InsightType: "redesign",
	},
}

func clamp(order int) Layer {
	if order < 0 {
		return Layers[0]
	}
	if order >= len(Layers) {
		return Layers[len(Layers)-1]
	}
	return Layers[order]
}

// Sessions builds the five pending reasoning sessions for a problem
// created at createdAt, with strictly increasing schedule times.
func Sessions(problemID string, createdAt time.Time) []storage.ReasoningSession {
	sessions := make([]storage.ReasoningSession, len(Layers))
	for i, l := range Layers {
		sessions[i] = storage.ReasoningSession{
			ID:           uuid.New().String(),
			ProblemID:    problemID,
			LayerName:    l.Name,
			LayerOrder:   i,
			ScheduleTime: createdAt.Add(l.Offset),
			Status:       storage.SessionPending,
			CreatedAt:    createdAt,
		}
	}
	return sessions
}

// LayerName returns the human label for a layer order.
func LayerName(order int) string {
	return clamp(order).Name
}

// DepthInstruction returns the prompt depth description for a layer order.
func DepthInstruction(order int) string {
	return clamp(order).Depth
}

// InsightType maps a layer order to its insight type.
func InsightType(order int) string {
	return clamp(order).InsightType
}

// Significant reports whether an insight at the given layer order gates
// "smart" notifications: everything past the quick-fix layer does.
func Significant(order int) bool {
	return order > 0
}
