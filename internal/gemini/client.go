// Package gemini implements a thin client for the Google Gemini
// generateContent REST API, the text-generation collaborator.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.5-flash"
	defaultTimeout = 120 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond

	temperature     = 0.8
	maxOutputTokens = 8192
)

// FinishReasonMaxTokens signals a token-limit truncation; callers treat it
// as a degraded response rather than an error.
const FinishReasonMaxTokens = "MAX_TOKENS"

// Result is one generation outcome. Text is empty when the model stopped
// without producing content; FinishReason then carries the stop reason.
type Result struct {
	Text         string
	FinishReason string
}

// Client communicates with the Gemini API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Gemini client with the given API key and model.
// If model is empty the default is used.
func NewClient(apiKey, model string) *Client {
	if model == "" {
		model = defaultModel
	}
	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, model, baseURL string) *Client {
	c := NewClient(apiKey, model)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

// Generate sends a single-turn request combining the system and user
// instructions, and returns the generated text or the finish reason when
// the model stopped without content. An unrecognized response shape is an
// error; rate limits are retried with exponential backoff.
func (c *Client) Generate(ctx context.Context, system, user string) (Result, error) {
	req := generateRequest{
		Contents: []content{
			{Parts: []part{{Text: system + "\n\n" + user}}},
		},
		GenerationConfig: generationConfig{
			Temperature:     temperature,
			MaxOutputTokens: maxOutputTokens,
		},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		res, err := c.doGenerate(ctx, body)
		if err == nil {
			return res, nil
		}

		if !isRateLimit(err) {
			return Result{}, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return Result{}, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

func (c *Client) doGenerate(ctx context.Context, body []byte) (Result, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Result{}, &rateLimitError{status: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, truncate(string(respBody), 500))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("reading response: %w", err)
	}

	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return Result{}, fmt.Errorf("decoding response: %w", err)
	}

	if len(gr.Candidates) == 0 {
		return Result{}, fmt.Errorf("invalid response format from gemini: %s", truncate(string(raw), 500))
	}

	cand := gr.Candidates[0]
	if len(cand.Content.Parts) > 0 && cand.Content.Parts[0].Text != "" {
		return Result{Text: cand.Content.Parts[0].Text, FinishReason: cand.FinishReason}, nil
	}
	if cand.FinishReason != "" {
		return Result{FinishReason: cand.FinishReason}, nil
	}
	return Result{}, fmt.Errorf("invalid response format from gemini: %s", truncate(string(raw), 500))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
