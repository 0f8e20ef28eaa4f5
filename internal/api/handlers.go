// Package api exposes the HTTP surface: problem CRUD, schedule and
// insight reads, notification preferences, file uploads, and manual
// scheduler triggers.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/debugpartner/internal/attach"
	"github.com/kalambet/debugpartner/internal/notify"
	"github.com/kalambet/debugpartner/internal/plan"
	"github.com/kalambet/debugpartner/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxFileBodySize = 10 << 20   // 10MB

// ProblemProcessor generates the insight for one (problem, layer) pair.
// The API uses it for the synchronous quick-fix pass on submission.
type ProblemProcessor interface {
	Process(ctx context.Context, problemID string, layerOrder int) error
}

// PollRunner triggers one due-session sweep.
type PollRunner interface {
	RunOnce(ctx context.Context, now time.Time) (int, error)
}

// DigestRunner sends the weekly digest batch.
type DigestRunner interface {
	Run(ctx context.Context) (int, error)
}

// ResolveNotifier is told when a problem is marked resolved.
type ResolveNotifier interface {
	ProblemResolved(ctx context.Context, userID, problemTitle string)
}

type AppDeps struct {
	Store     *storage.Store
	Generator ProblemProcessor
	Poller    PollRunner
	Digest    DigestRunner
	Notifier  ResolveNotifier // optional; if nil, resolve notifications are skipped
	Token     string
	Logger    *slog.Logger
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/problems", handleCreateProblem(deps))
		r.Get("/problems", handleListProblems(deps))
		r.Get("/problems/{id}", handleGetProblem(deps))
		r.Post("/problems/{id}/status", handleSetStatus(deps))
		r.Post("/problems/{id}/archive", handleSetArchived(deps))
		r.Delete("/problems/{id}", handleDeleteProblem(deps))
		r.Get("/problems/{id}/sessions", handleListSessions(deps))
		r.Get("/problems/{id}/insights", handleListInsights(deps))
		r.Post("/problems/{id}/files", handleUploadFile(deps))
		r.Get("/problems/{id}/files", handleListFiles(deps))
		r.Get("/preferences/{user}", handleGetPreference(deps))
		r.Put("/preferences/{user}", handlePutPreference(deps))
		r.Post("/scheduler/poll", handlePoll(deps))
		r.Post("/scheduler/digest", handleDigest(deps))
	})

	return r
}

type CreateProblemRequest struct {
	UserID          string          `json:"user_id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	EnvironmentInfo json.RawMessage `json:"environment_info"`
	Category        string          `json:"category"`
	Severity        string          `json:"severity"`
	Tags            []string        `json:"tags"`
	MaxBudget       float64         `json:"max_budget"`
}

func handleCreateProblem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req CreateProblemRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.UserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		if req.Title == "" || req.Description == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title and description are required")
			return
		}

		envJSON := "{}"
		if len(req.EnvironmentInfo) > 0 {
			envJSON = string(req.EnvironmentInfo)
		}
		tagsJSON := "[]"
		if req.Tags != nil {
			b, err := json.Marshal(req.Tags)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to marshal tags: %v", err)
				return
			}
			tagsJSON = string(b)
		}

		now := time.Now().UTC()
		problem := storage.Problem{
			ID:              uuid.New().String(),
			UserID:          req.UserID,
			Title:           req.Title,
			Description:     req.Description,
			EnvironmentInfo: envJSON,
			Category:        req.Category,
			Severity:        req.Severity,
			Tags:            tagsJSON,
			MaxBudget:       req.MaxBudget,
			Status:          storage.ProblemActive,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		sessions := plan.Sessions(problem.ID, now)

		if err := deps.Store.CreateProblem(problem, sessions); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save problem: %v", err)
			return
		}

		// First layer runs right away so the user gets quick fixes in the
		// response path. A failure here does not fail the submission; the
		// session is marked failed and the rest of the schedule stands.
		if deps.Generator != nil {
			if err := deps.Generator.Process(r.Context(), problem.ID, 0); err != nil {
				deps.Logger.Warn("synchronous quick-fix generation failed",
					"problem_id", problem.ID, "error", err)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"problem":  problem,
			"sessions": sessions,
		})
	}
}

func handleListProblems(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)
		archived := r.URL.Query().Get("archived") == "true"

		problems, err := deps.Store.ListProblems(archived, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list problems: %v", err)
			return
		}
		if problems == nil {
			problems = []storage.Problem{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(problems)
	}
}

func handleGetProblem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		problem, err := deps.Store.GetProblem(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "problem not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get problem: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(problem)
	}
}

func handleSetStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Status != storage.ProblemActive && req.Status != storage.ProblemPaused && req.Status != storage.ProblemResolved {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "status must be one of active, paused, resolved")
			return
		}

		problem, err := deps.Store.GetProblem(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "problem not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get problem: %v", err)
			return
		}

		if err := deps.Store.SetProblemStatus(id, req.Status); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update status: %v", err)
			return
		}

		if req.Status == storage.ProblemResolved && deps.Notifier != nil {
			deps.Notifier.ProblemResolved(r.Context(), problem.UserID, problem.Title)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": req.Status})
	}
}

func handleSetArchived(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req struct {
			Archived bool `json:"archived"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		err := deps.Store.SetProblemArchived(id, req.Archived)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "problem not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update archived flag: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"archived": req.Archived})
	}
}

func handleDeleteProblem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteProblem(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "problem not found")
			return
		}
		if err != nil {
			// Refusing to delete an unarchived problem is a client error.
			httpError(w, http.StatusConflict, "invalid_request_error", "%v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func handleListSessions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		sessions, err := deps.Store.ListSessions(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sessions: %v", err)
			return
		}
		if sessions == nil {
			sessions = []storage.ReasoningSession{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sessions)
	}
}

func handleListInsights(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		insights, err := deps.Store.ListInsights(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list insights: %v", err)
			return
		}
		if insights == nil {
			insights = []storage.Insight{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(insights)
	}
}

type UploadFileRequest struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"` // base64
}

func handleUploadFile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, maxFileBodySize)

		var req UploadFileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" || req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name and content are required")
			return
		}

		if _, err := deps.Store.GetProblem(id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "problem not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get problem: %v", err)
			return
		}

		raw, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
			return
		}

		text, err := attach.ExtractText(req.Name, raw)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "could not extract text: %v", err)
			return
		}

		file := storage.ProblemFile{
			ID:          uuid.New().String(),
			ProblemID:   id,
			Name:        req.Name,
			ContentType: req.ContentType,
			Content:     text,
			CreatedAt:   time.Now().UTC(),
		}
		if err := deps.Store.SaveProblemFile(file); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save file: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": file.ID, "name": file.Name})
	}
}

func handleListFiles(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		files, err := deps.Store.ListProblemFiles(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list files: %v", err)
			return
		}
		if files == nil {
			files = []storage.ProblemFile{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(files)
	}
}

func handleGetPreference(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")

		pref, err := deps.Store.GetNotificationPreference(user)
		if errors.Is(err, storage.ErrNotFound) {
			// Unconfigured users get the defaults.
			pref = storage.NotificationPreference{
				UserID:       user,
				Enabled:      true,
				ScheduleType: notify.ScheduleSmart,
			}
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get preference: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pref)
	}
}

type PutPreferenceRequest struct {
	Email        string `json:"email"`
	Enabled      bool   `json:"enabled"`
	ScheduleType string `json:"schedule_type"`
	MaxPerDay    int    `json:"max_per_day"`
	WeeklyDigest bool   `json:"weekly_digest"`
}

func handlePutPreference(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := chi.URLParam(r, "user")

		var req PutPreferenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.ScheduleType == "" {
			req.ScheduleType = notify.ScheduleSmart
		}
		switch req.ScheduleType {
		case notify.ScheduleImmediate, notify.ScheduleSmart, notify.ScheduleHourly, notify.ScheduleDaily:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error",
				"schedule_type must be one of immediate, smart, hourly, daily")
			return
		}

		pref := storage.NotificationPreference{
			UserID:       user,
			Email:        req.Email,
			Enabled:      req.Enabled,
			ScheduleType: req.ScheduleType,
			MaxPerDay:    req.MaxPerDay,
			WeeklyDigest: req.WeeklyDigest,
		}
		if err := deps.Store.UpsertNotificationPreference(pref); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save preference: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pref)
	}
}

func handlePoll(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Poller.RunOnce(r.Context(), time.Now().UTC())
		if err != nil {
			deps.Logger.Warn("manual poll completed with errors", "sessions", n, "error", err)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"processed": n})
	}
}

func handleDigest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Digest.Run(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "digest failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"sent": n})
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
