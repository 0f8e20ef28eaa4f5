package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/debugpartner/internal/plan"
	"github.com/kalambet/debugpartner/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Generator ProblemProcessor // optional; if nil, submission skips the synchronous quick-fix pass
}

// NewMCPServer creates an MCP server exposing problem submission and
// insight retrieval to agent clients.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"debugpartner",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("debugpartner — time-layered debugging assistant: submit a problem, get progressively deeper insights over the next 24 hours."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_problem",
			mcp.WithDescription("Submit a debugging problem. Quick fixes come back within seconds; deeper analyses are scheduled over the next 24 hours."),
			mcp.WithString("user_id", mcp.Description("User the problem belongs to"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Short problem title"), mcp.Required()),
			mcp.WithString("description", mcp.Description("Full problem description"), mcp.Required()),
			mcp.WithString("environment", mcp.Description("Optional JSON object describing the environment")),
		),
		mcpSubmitProblem(deps),
	)

	s.AddTool(
		mcp.NewTool("problem_status",
			mcp.WithDescription("Show a problem's lifecycle status and the state of its reasoning schedule."),
			mcp.WithString("problem_id", mcp.Description("Problem ID"), mcp.Required()),
		),
		mcpProblemStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_insights",
			mcp.WithDescription("List the insights generated so far for a problem, shallowest first."),
			mcp.WithString("problem_id", mcp.Description("Problem ID"), mcp.Required()),
		),
		mcpListInsights(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"problems://recent",
			"Recent Problems",
			mcp.WithResourceDescription("Most recently submitted problems (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSubmitProblem(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		title, err := req.RequireString("title")
		if err != nil {
			return mcpError("title is required"), nil
		}
		description, err := req.RequireString("description")
		if err != nil {
			return mcpError("description is required"), nil
		}

		envJSON := req.GetString("environment", "")
		if envJSON == "" {
			envJSON = "{}"
		} else if !json.Valid([]byte(envJSON)) {
			return mcpError("environment must be a JSON object"), nil
		}

		now := time.Now().UTC()
		problem := storage.Problem{
			ID:              uuid.New().String(),
			UserID:          userID,
			Title:           title,
			Description:     description,
			EnvironmentInfo: envJSON,
			Tags:            "[]",
			Status:          storage.ProblemActive,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		sessions := plan.Sessions(problem.ID, now)

		if err := deps.Store.CreateProblem(problem, sessions); err != nil {
			return mcpError(fmt.Sprintf("failed to save problem: %v", err)), nil
		}

		if deps.Generator != nil {
			// Best effort: a failed quick-fix pass does not undo the submission.
			_ = deps.Generator.Process(ctx, problem.ID, 0)
		}

		return mcpText(fmt.Sprintf("Submitted problem %s. %d reasoning sessions scheduled through %s.",
			problem.ID, len(sessions), sessions[len(sessions)-1].ScheduleTime.Format(time.RFC3339))), nil
	}
}

func mcpProblemStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		problemID, err := req.RequireString("problem_id")
		if err != nil {
			return mcpError("problem_id is required"), nil
		}

		problem, err := deps.Store.GetProblem(problemID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get problem: %v", err)), nil
		}
		sessions, err := deps.Store.ListSessions(problemID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list sessions: %v", err)), nil
		}

		type sessionStatus struct {
			Layer        string `json:"layer"`
			Order        int    `json:"order"`
			ScheduleTime string `json:"schedule_time"`
			Status       string `json:"status"`
		}
		type statusResult struct {
			ID       string          `json:"id"`
			Title    string          `json:"title"`
			Status   string          `json:"status"`
			Archived bool            `json:"archived"`
			AICost   float64         `json:"ai_cost"`
			Sessions []sessionStatus `json:"sessions"`
		}

		result := statusResult{
			ID:       problem.ID,
			Title:    problem.Title,
			Status:   problem.Status,
			Archived: problem.Archived,
			AICost:   problem.AICost,
		}
		for _, s := range sessions {
			result.Sessions = append(result.Sessions, sessionStatus{
				Layer:        s.LayerName,
				Order:        s.LayerOrder,
				ScheduleTime: s.ScheduleTime.Format(time.RFC3339),
				Status:       s.Status,
			})
		}

		b, err := json.Marshal(result)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListInsights(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		problemID, err := req.RequireString("problem_id")
		if err != nil {
			return mcpError("problem_id is required"), nil
		}

		insights, err := deps.Store.ListInsights(problemID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list insights: %v", err)), nil
		}
		if len(insights) == 0 {
			return mcpText("[]"), nil
		}

		type insightResult struct {
			ID          string `json:"id"`
			Type        string `json:"type"`
			Content     string `json:"content"`
			CodeSamples string `json:"code_samples,omitempty"`
			Significant bool   `json:"significant"`
			CreatedAt   string `json:"created_at"`
		}

		results := make([]insightResult, len(insights))
		for i, ins := range insights {
			results[i] = insightResult{
				ID:          ins.ID,
				Type:        ins.InsightType,
				Content:     ins.Content,
				CodeSamples: ins.CodeSamples,
				Significant: ins.IsSignificant,
				CreatedAt:   ins.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal insights: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		problems, err := deps.Store.ListProblems(false, 10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list problems: %w", err)
		}

		type problemSummary struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			Status    string `json:"status"`
			CreatedAt string `json:"created_at"`
		}

		summaries := make([]problemSummary, len(problems))
		for i, p := range problems {
			title := p.Title
			if utf8.RuneCountInString(title) > 200 {
				runes := []rune(title)
				title = string(runes[:200]) + "..."
			}
			summaries[i] = problemSummary{
				ID:        p.ID,
				Title:     title,
				Status:    p.Status,
				CreatedAt: p.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal problems: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
