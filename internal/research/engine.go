// Package research calls the deep-research LLM API. Transient failures are
// retried here with bounded exponential backoff; callers see a single error
// once attempts are exhausted.
package research

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Engine produces long-form research text for a validated prompt.
type Engine interface {
	DeepResearch(ctx context.Context, prompt string) (string, error)
}

const (
	defaultBaseURL = "https://api.openai.com/v1"
	model          = "o3-deep-research"
	maxOutputTok   = 25000

	maxAttempts  = 3
	backoffFloor = 4 * time.Second
	backoffCeil  = 10 * time.Second
)

// OpenAIEngine talks to the OpenAI responses API with the web-search tool
// enabled.
type OpenAIEngine struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewOpenAIEngine(apiKey string) *OpenAIEngine {
	return &OpenAIEngine{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		// Deep research responses routinely take minutes.
		client: &http.Client{Timeout: 15 * time.Minute},
	}
}

// NewOpenAIEngineURL overrides the API base URL (tests, proxies).
func NewOpenAIEngineURL(apiKey, baseURL string) *OpenAIEngine {
	e := NewOpenAIEngine(apiKey)
	e.baseURL = baseURL
	return e
}

type responsesRequest struct {
	Model           string         `json:"model"`
	Input           string         `json:"input"`
	Tools           []responseTool `json:"tools"`
	MaxOutputTokens int            `json:"max_output_tokens"`
}

type responseTool struct {
	Type string `json:"type"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// apiError carries the HTTP status so retry logic can tell transient from
// terminal failures.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("research: API status %d: %s", e.status, e.body)
}

func (e *apiError) retryable() bool {
	if e.status == http.StatusRequestTimeout || e.status == http.StatusTooManyRequests {
		return true
	}
	return e.status >= 500
}

func (e *OpenAIEngine) DeepResearch(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := e.call(ctx, prompt)
		if err == nil {
			return out, nil
		}
		lastErr = err

		var ae *apiError
		if errors.As(err, &ae) && !ae.retryable() {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attempt < maxAttempts {
			wait := backoffExp(attempt)
			log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("research call failed, retrying")
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return "", fmt.Errorf("research: %d attempts exhausted: %w", maxAttempts, lastErr)
}

func (e *OpenAIEngine) call(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(responsesRequest{
		Model:           model,
		Input:           prompt,
		Tools:           []responseTool{{Type: "web_search_preview"}},
		MaxOutputTokens: maxOutputTok,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("research: request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("research: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", &apiError{status: resp.StatusCode, body: truncate(string(respBody), 512)}
	}

	var parsed responsesResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("research: decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("research: API error: %s", parsed.Error.Message)
	}

	var out bytes.Buffer
	for _, item := range parsed.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" {
				out.WriteString(c.Text)
			}
		}
	}
	if out.Len() == 0 {
		return "", errors.New("research: empty response output")
	}
	return out.String(), nil
}

// backoffExp doubles from the floor, capped at the ceiling: 4s, 8s, 10s...
func backoffExp(attempt int) time.Duration {
	d := backoffFloor << (attempt - 1)
	if d > backoffCeil {
		d = backoffCeil
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// StaticEngine returns a canned report. Used when no API key is configured
// and in tests.
type StaticEngine struct {
	Text string
}

func (s StaticEngine) DeepResearch(ctx context.Context, prompt string) (string, error) {
	if s.Text != "" {
		return s.Text, nil
	}
	return "No research engine configured. Prompt was: " + prompt, nil
}
