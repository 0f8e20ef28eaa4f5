package insight

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/debugpartner/internal/gemini"
	"github.com/kalambet/debugpartner/internal/notify"
	"github.com/kalambet/debugpartner/internal/storage"
)

type mockStore struct {
	mu sync.Mutex

	problem storage.Problem
	session storage.ReasoningSession
	prior   []storage.Insight
	files   []storage.ProblemFile

	claimResult bool
	claimErr    error

	cost      float64
	insights  []storage.Insight
	completed []string
	failed    []string
}

func (m *mockStore) GetProblem(id string) (storage.Problem, error) {
	if m.problem.ID != id {
		return storage.Problem{}, storage.ErrNotFound
	}
	return m.problem, nil
}

func (m *mockStore) GetSessionByLayer(problemID string, layerOrder int) (storage.ReasoningSession, error) {
	if m.session.ProblemID != problemID || m.session.LayerOrder != layerOrder {
		return storage.ReasoningSession{}, storage.ErrNotFound
	}
	return m.session, nil
}

func (m *mockStore) ClaimSession(id string) (bool, error) {
	return m.claimResult, m.claimErr
}

func (m *mockStore) CompleteSession(id string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, id)
	return nil
}

func (m *mockStore) FailSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, id)
	return nil
}

func (m *mockStore) ListInsightsBefore(problemID string, cutoff time.Time) ([]storage.Insight, error) {
	return m.prior, nil
}

func (m *mockStore) ListProblemFiles(problemID string) ([]storage.ProblemFile, error) {
	return m.files, nil
}

func (m *mockStore) AddAICost(id string, delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cost += delta
	return nil
}

func (m *mockStore) InsertInsight(ins storage.Insight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insights = append(m.insights, ins)
	return nil
}

type mockLLM struct {
	result gemini.Result
	err    error

	mu      sync.Mutex
	systems []string
	users   []string
}

func (m *mockLLM) Generate(ctx context.Context, system, user string) (gemini.Result, error) {
	m.mu.Lock()
	m.systems = append(m.systems, system)
	m.users = append(m.users, user)
	m.mu.Unlock()
	return m.result, m.err
}

type mockNotifier struct {
	mu     sync.Mutex
	events []notify.InsightEvent
}

func (m *mockNotifier) InsightCreated(ctx context.Context, ev notify.InsightEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func testStore(layerOrder int) *mockStore {
	return &mockStore{
		problem: storage.Problem{
			ID:          "p1",
			UserID:      "u1",
			Title:       "Crash on startup",
			Description: "Segfault in init",
			Status:      storage.ProblemActive,
		},
		session: storage.ReasoningSession{
			ID:         "s1",
			ProblemID:  "p1",
			LayerName:  "immediate",
			LayerOrder: layerOrder,
			Status:     storage.SessionPending,
		},
		claimResult: true,
	}
}

func TestProcess_HappyPath(t *testing.T) {
	store := testStore(0)
	llm := &mockLLM{result: gemini.Result{
		Text: "Check the config.\n\n```go\nfmt.Println(\"hi\")\n```\n\nDone.",
	}}
	notifier := &mockNotifier{}
	g := NewGenerator(store, llm, notifier, nil)

	if err := g.Process(context.Background(), "p1", 0); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(store.insights) != 1 {
		t.Fatalf("insights = %d, want 1", len(store.insights))
	}
	ins := store.insights[0]
	if ins.ProblemID != "p1" || ins.SessionID != "s1" {
		t.Errorf("insight linkage = %q/%q", ins.ProblemID, ins.SessionID)
	}
	if ins.InsightType != "quick_fix" {
		t.Errorf("InsightType = %q, want quick_fix", ins.InsightType)
	}
	if ins.IsSignificant {
		t.Error("layer 0 insight must not be significant")
	}
	if strings.Contains(ins.Content, "```") {
		t.Errorf("content still contains fences: %q", ins.Content)
	}
	if !strings.Contains(ins.CodeSamples, "fmt.Println") {
		t.Errorf("code samples missing extracted block: %q", ins.CodeSamples)
	}

	if len(store.completed) != 1 || store.completed[0] != "s1" {
		t.Errorf("completed = %v, want [s1]", store.completed)
	}
	if len(store.failed) != 0 {
		t.Errorf("failed = %v, want none", store.failed)
	}
	if store.cost <= 0 {
		t.Errorf("cost = %v, want > 0", store.cost)
	}

	if len(notifier.events) != 1 {
		t.Fatalf("events = %d, want 1", len(notifier.events))
	}
	ev := notifier.events[0]
	if ev.UserID != "u1" || ev.ProblemTitle != "Crash on startup" || ev.Significant {
		t.Errorf("event = %+v", ev)
	}
}

func TestProcess_DeeperLayerIsSignificant(t *testing.T) {
	store := testStore(2)
	store.session.LayerName = "medium"
	llm := &mockLLM{result: gemini.Result{Text: "Consider the architecture."}}
	g := NewGenerator(store, llm, nil, nil)

	if err := g.Process(context.Background(), "p1", 2); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !store.insights[0].IsSignificant {
		t.Error("layer 2 insight must be significant")
	}
	if store.insights[0].InsightType != "architectural" {
		t.Errorf("InsightType = %q, want architectural", store.insights[0].InsightType)
	}
}

func TestProcess_LostClaimSkipsWithoutError(t *testing.T) {
	store := testStore(0)
	store.claimResult = false
	llm := &mockLLM{result: gemini.Result{Text: "never used"}}
	g := NewGenerator(store, llm, nil, nil)

	if err := g.Process(context.Background(), "p1", 0); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(llm.systems) != 0 {
		t.Error("generation must not run when the claim is lost")
	}
	if len(store.insights) != 0 || len(store.completed) != 0 || len(store.failed) != 0 {
		t.Error("no state change expected when the claim is lost")
	}
}

func TestProcess_GenerationErrorFailsSession(t *testing.T) {
	store := testStore(0)
	llm := &mockLLM{err: errors.New("upstream down")}
	g := NewGenerator(store, llm, nil, nil)

	if err := g.Process(context.Background(), "p1", 0); err == nil {
		t.Fatal("expected error")
	}
	if len(store.failed) != 1 || store.failed[0] != "s1" {
		t.Errorf("failed = %v, want [s1]", store.failed)
	}
	if len(store.insights) != 0 {
		t.Error("no insight expected on generation error")
	}
}

func TestProcess_MaxTokensFallback(t *testing.T) {
	store := testStore(1)
	store.session.LayerName = "short"
	llm := &mockLLM{result: gemini.Result{FinishReason: gemini.FinishReasonMaxTokens}}
	g := NewGenerator(store, llm, nil, nil)

	if err := g.Process(context.Background(), "p1", 1); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(store.insights) != 1 {
		t.Fatalf("insights = %d, want 1", len(store.insights))
	}
	if !strings.Contains(store.insights[0].Content, "cut off due to token limits") {
		t.Errorf("content = %q, want token-limit notice", store.insights[0].Content)
	}
	if len(store.completed) != 1 {
		t.Error("session must still complete on fallback")
	}
}

func TestProcess_OtherFinishReasonFallback(t *testing.T) {
	store := testStore(1)
	store.session.LayerName = "short"
	llm := &mockLLM{result: gemini.Result{FinishReason: "SAFETY"}}
	g := NewGenerator(store, llm, nil, nil)

	if err := g.Process(context.Background(), "p1", 1); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !strings.Contains(store.insights[0].Content, "AI reasoning stopped with reason: SAFETY.") {
		t.Errorf("content = %q, want reason-specific notice", store.insights[0].Content)
	}
}

func TestProcess_EmptyResultFailsSession(t *testing.T) {
	store := testStore(0)
	llm := &mockLLM{result: gemini.Result{}}
	g := NewGenerator(store, llm, nil, nil)

	if err := g.Process(context.Background(), "p1", 0); err == nil {
		t.Fatal("expected error for empty result")
	}
	if len(store.failed) != 1 {
		t.Errorf("failed = %v, want [s1]", store.failed)
	}
}

func TestProcess_MissingProblemFailsSession(t *testing.T) {
	store := testStore(0)
	store.problem.ID = "other"
	g := NewGenerator(store, &mockLLM{}, nil, nil)

	if err := g.Process(context.Background(), "p1", 0); err == nil {
		t.Fatal("expected error for missing problem")
	}
	if len(store.failed) != 1 {
		t.Errorf("failed = %v, want [s1]", store.failed)
	}
}

func TestProcess_PromptsCarryContext(t *testing.T) {
	store := testStore(1)
	store.session.LayerName = "short"
	store.prior = []storage.Insight{{InsightType: "quick_fix", Content: "Restart the service."}}
	store.files = []storage.ProblemFile{{Name: "crash.log", Content: "panic: nil deref"}}
	llm := &mockLLM{result: gemini.Result{Text: "Deeper answer."}}
	g := NewGenerator(store, llm, nil, nil)

	if err := g.Process(context.Background(), "p1", 1); err != nil {
		t.Fatalf("Process: %v", err)
	}

	system := llm.systems[0]
	if !strings.Contains(system, "[quick_fix] Restart the service....") {
		t.Errorf("system prompt missing prior summary: %q", system)
	}
	if !strings.Contains(system, "Layer: short (Level 1)") {
		t.Errorf("system prompt missing layer line: %q", system)
	}

	user := llm.users[0]
	if !strings.Contains(user, "Crash on startup") || !strings.Contains(user, "panic: nil deref") {
		t.Errorf("user prompt missing problem or file content: %q", user)
	}
	if !strings.Contains(user, "Generate 2-3 distinct, non-repetitive solutions") {
		t.Errorf("user prompt missing solution directive: %q", user)
	}
}

func TestProcess_ConcurrentCostAccumulates(t *testing.T) {
	store := testStore(0)
	text := strings.Repeat("a", 1000) // exactly one cost unit per call
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.AddAICost("p1", float64(len(text))/1000*costPerThousandChars)
		}()
	}
	wg.Wait()

	want := 10 * costPerThousandChars
	if diff := store.cost - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("cost = %v, want %v", store.cost, want)
	}
}
