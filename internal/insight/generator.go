// Package insight turns one due reasoning session into a persisted
// insight by way of the text-generation collaborator.
package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/debugpartner/internal/gemini"
	"github.com/kalambet/debugpartner/internal/notify"
	"github.com/kalambet/debugpartner/internal/plan"
	"github.com/kalambet/debugpartner/internal/storage"
)

// Estimated cost: a fixed linear rate per 1000 generated characters.
const costPerThousandChars = 0.0005

// Fallback notice substituted when the model hits its output token limit.
const maxTokensNotice = "AI reasoning was cut off due to token limits. Here is a summary of what could be determined:\n\n" +
	"The problem requires deep investigation. Please check the logs or try a more specific query."

// Store is the slice of storage the generator needs.
type Store interface {
	GetProblem(id string) (storage.Problem, error)
	GetSessionByLayer(problemID string, layerOrder int) (storage.ReasoningSession, error)
	ClaimSession(id string) (bool, error)
	CompleteSession(id string, completedAt time.Time) error
	FailSession(id string) error
	ListInsightsBefore(problemID string, cutoff time.Time) ([]storage.Insight, error)
	ListProblemFiles(problemID string) ([]storage.ProblemFile, error)
	AddAICost(id string, delta float64) error
	InsertInsight(ins storage.Insight) error
}

// TextGenerator abstracts the text-generation collaborator.
type TextGenerator interface {
	Generate(ctx context.Context, system, user string) (gemini.Result, error)
}

// Notifier receives the best-effort post-completion event.
type Notifier interface {
	InsightCreated(ctx context.Context, ev notify.InsightEvent)
}

// Generator processes one (problem, layer) pair end to end.
type Generator struct {
	store    Store
	llm      TextGenerator
	notifier Notifier
	logger   *slog.Logger
}

// NewGenerator creates a Generator. notifier may be nil (no notifications).
// If logger is nil, slog.Default() is used.
func NewGenerator(store Store, llm TextGenerator, notifier Notifier, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{store: store, llm: llm, notifier: notifier, logger: logger}
}

// Process generates and persists the insight for one session. The session
// is claimed pending -> processing first; losing the claim is not an
// error, the work is simply already owned elsewhere. Any fatal error
// before the insight is persisted marks the session failed.
func (g *Generator) Process(ctx context.Context, problemID string, layerOrder int) error {
	session, err := g.store.GetSessionByLayer(problemID, layerOrder)
	if err != nil {
		return fmt.Errorf("loading session for problem %s layer %d: %w", problemID, layerOrder, err)
	}

	problem, err := g.store.GetProblem(problemID)
	if err != nil {
		return g.fail(session.ID, fmt.Errorf("loading problem %s: %w", problemID, err))
	}

	claimed, err := g.store.ClaimSession(session.ID)
	if err != nil {
		return err
	}
	if !claimed {
		g.logger.Info("session already claimed, skipping",
			"session_id", session.ID, "problem_id", problemID, "layer", layerOrder)
		return nil
	}

	now := time.Now().UTC()

	prior, err := g.store.ListInsightsBefore(problemID, now)
	if err != nil {
		return g.fail(session.ID, fmt.Errorf("loading prior insights: %w", err))
	}

	files, err := g.store.ListProblemFiles(problemID)
	if err != nil {
		return g.fail(session.ID, fmt.Errorf("loading problem files: %w", err))
	}

	systemPrompt := BuildSystemPrompt(session.LayerName, layerOrder, PriorSummary(prior))
	userPrompt := BuildUserPrompt(problem, layerOrder, files)

	res, err := g.llm.Generate(ctx, systemPrompt, userPrompt)
	if err != nil {
		return g.fail(session.ID, fmt.Errorf("generating insight: %w", err))
	}

	text := res.Text
	switch {
	case text != "":
		// Normal path.
	case res.FinishReason == gemini.FinishReasonMaxTokens:
		g.logger.Warn("generation hit token limit, substituting fallback notice",
			"session_id", session.ID)
		text = maxTokensNotice
	case res.FinishReason != "":
		g.logger.Warn("generation stopped early, substituting fallback notice",
			"session_id", session.ID, "finish_reason", res.FinishReason)
		text = fmt.Sprintf("AI reasoning stopped with reason: %s. This might be due to safety filters or other content restrictions. Please try rephrasing your problem.", res.FinishReason)
	default:
		return g.fail(session.ID, fmt.Errorf("empty generation result for session %s", session.ID))
	}

	cost := float64(utf8.RuneCountInString(text)) / 1000 * costPerThousandChars
	if err := g.store.AddAICost(problemID, cost); err != nil {
		return g.fail(session.ID, fmt.Errorf("recording cost: %w", err))
	}

	samples := ExtractCodeSamples(text)
	samplesJSON, err := json.Marshal(samples)
	if err != nil {
		return g.fail(session.ID, fmt.Errorf("marshaling code samples: %w", err))
	}

	ins := storage.Insight{
		ID:            uuid.New().String(),
		ProblemID:     problemID,
		SessionID:     session.ID,
		Content:       StripCodeBlocks(text),
		InsightType:   plan.InsightType(layerOrder),
		CodeSamples:   string(samplesJSON),
		IsSignificant: plan.Significant(layerOrder),
		CreatedAt:     now,
	}
	if err := g.store.InsertInsight(ins); err != nil {
		return g.fail(session.ID, fmt.Errorf("persisting insight: %w", err))
	}

	if err := g.store.CompleteSession(session.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("completing session %s: %w", session.ID, err)
	}

	g.logger.Info("insight generated",
		"problem_id", problemID, "layer", layerOrder, "type", ins.InsightType,
		"code_samples", len(samples), "cost", cost)

	if g.notifier != nil {
		g.notifier.InsightCreated(ctx, notify.InsightEvent{
			UserID:       problem.UserID,
			ProblemID:    problem.ID,
			ProblemTitle: problem.Title,
			Content:      ins.Content,
			Significant:  ins.IsSignificant,
		})
	}

	return nil
}

// fail marks the session failed and passes the original error through.
func (g *Generator) fail(sessionID string, err error) error {
	if failErr := g.store.FailSession(sessionID); failErr != nil {
		g.logger.Error("failed to mark session failed", "session_id", sessionID, "error", failErr)
	}
	return err
}
