package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/debugpartner/internal/plan"
	"github.com/kalambet/debugpartner/internal/storage"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{Store: store, Generator: &stubGenerator{}}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func seedProblem(t *testing.T, store *storage.Store) storage.Problem {
	t.Helper()
	now := time.Now().UTC()
	problem := storage.Problem{
		ID:              "p1",
		UserID:          "u1",
		Title:           "Crash on startup",
		Description:     "Segfault in init",
		EnvironmentInfo: "{}",
		Tags:            "[]",
		Status:          storage.ProblemActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := store.CreateProblem(problem, plan.Sessions(problem.ID, now)); err != nil {
		t.Fatalf("CreateProblem: %v", err)
	}
	return problem
}

func TestMCPTool_SubmitProblem(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	handler := mcpSubmitProblem(deps)

	req := makeCallToolRequest("submit_problem", map[string]interface{}{
		"user_id":     "u1",
		"title":       "Memory leak",
		"description": "RSS grows unbounded",
		"environment": `{"os":"linux"}`,
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), "5 reasoning sessions scheduled") {
		t.Errorf("response = %q", toolText(t, result))
	}

	problems, err := store.ListProblems(false, 10, 0)
	if err != nil {
		t.Fatalf("ListProblems: %v", err)
	}
	if len(problems) != 1 || problems[0].Title != "Memory leak" {
		t.Fatalf("problems = %+v", problems)
	}

	sessions, err := store.ListSessions(problems[0].ID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 5 {
		t.Errorf("sessions = %d, want 5", len(sessions))
	}
}

func TestMCPTool_SubmitProblem_MissingFields(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpSubmitProblem(deps)

	result, err := handler(context.Background(), makeCallToolRequest("submit_problem", map[string]interface{}{
		"user_id": "u1",
		"title":   "no description",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for missing description")
	}
}

func TestMCPTool_SubmitProblem_InvalidEnvironment(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpSubmitProblem(deps)

	result, err := handler(context.Background(), makeCallToolRequest("submit_problem", map[string]interface{}{
		"user_id":     "u1",
		"title":       "t",
		"description": "d",
		"environment": "not json",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for invalid environment JSON")
	}
}

func TestMCPTool_ProblemStatus(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	problem := seedProblem(t, store)
	handler := mcpProblemStatus(deps)

	result, err := handler(context.Background(), makeCallToolRequest("problem_status", map[string]interface{}{
		"problem_id": problem.ID,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var status struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Sessions []struct {
			Layer  string `json:"layer"`
			Order  int    `json:"order"`
			Status string `json:"status"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &status); err != nil {
		t.Fatalf("parsing status: %v", err)
	}
	if status.ID != problem.ID || status.Status != storage.ProblemActive {
		t.Errorf("status = %+v", status)
	}
	if len(status.Sessions) != 5 {
		t.Fatalf("sessions = %d, want 5", len(status.Sessions))
	}
	for i, s := range status.Sessions {
		if s.Order != i || s.Status != storage.SessionPending {
			t.Errorf("session %d = %+v", i, s)
		}
	}
}

func TestMCPTool_ListInsights(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	problem := seedProblem(t, store)
	handler := mcpListInsights(deps)

	// Empty first.
	result, err := handler(context.Background(), makeCallToolRequest("list_insights", map[string]interface{}{
		"problem_id": problem.ID,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if toolText(t, result) != "[]" {
		t.Errorf("empty response = %q, want []", toolText(t, result))
	}

	session, err := store.GetSessionByLayer(problem.ID, 0)
	if err != nil {
		t.Fatalf("GetSessionByLayer: %v", err)
	}
	if err := store.InsertInsight(storage.Insight{
		ID:          "i1",
		ProblemID:   problem.ID,
		SessionID:   session.ID,
		Content:     "Check the config.",
		InsightType: "quick_fix",
		CodeSamples: "[]",
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("InsertInsight: %v", err)
	}

	result, err = handler(context.Background(), makeCallToolRequest("list_insights", map[string]interface{}{
		"problem_id": problem.ID,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var insights []struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &insights); err != nil {
		t.Fatalf("parsing insights: %v", err)
	}
	if len(insights) != 1 || insights[0].Type != "quick_fix" {
		t.Errorf("insights = %+v", insights)
	}
}

func TestMCPResource_RecentProblems(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedProblem(t, store)
	handler := mcpResourceRecent(deps)

	contents, err := handler(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "problems://recent"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("contents = %d, want 1", len(contents))
	}

	text, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var summaries []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(text.Text), &summaries); err != nil {
		t.Fatalf("parsing summaries: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Title != "Crash on startup" {
		t.Errorf("summaries = %+v", summaries)
	}
}
