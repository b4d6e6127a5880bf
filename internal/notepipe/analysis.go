package notepipe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Analyzer classifies a transcript, produces a cleaned summary and
// extracts category-conditional fields, all in one call.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string) (Analysis, error)
}

type AnalysisClientOptions struct {
	BaseURL       string
	TokenProvider APITokenProvider
	HTTPClient    *http.Client
	Model         string
	MaxTokens     int
	Categories    CategoriesConfig
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// HTTPAnalysisClient talks to an OpenAI-compatible chat-completions
// endpoint with a fixed system instruction assembled from the
// categories configuration, requesting a JSON object response, and
// validates the payload before returning it.
type HTTPAnalysisClient struct {
	baseURL       string
	tokenProvider APITokenProvider
	httpClient    *http.Client
	model         string
	maxTokens     int
	systemPrompt  string
	validator     *AnalysisValidator
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewHTTPAnalysisClient(opts AnalysisClientOptions) (*HTTPAnalysisClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	cfg := opts.Categories
	if len(cfg.Categories) == 0 {
		cfg = DefaultCategoriesConfig()
	}
	validator, err := NewAnalysisValidator(cfg)
	if err != nil {
		return nil, err
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	return &HTTPAnalysisClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		model:         model,
		maxTokens:     maxTokens,
		systemPrompt:  cfg.SystemPrompt(),
		validator:     validator,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}, nil
}

type chatCompletionRequest struct {
	Model          string             `json:"model"`
	Messages       []chatMessage      `json:"messages"`
	MaxTokens      int                `json:"max_tokens,omitempty"`
	ResponseFormat chatResponseFormat `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *HTTPAnalysisClient) Analyze(ctx context.Context, transcript string) (Analysis, error) {
	if c == nil {
		return Analysis{}, fmt.Errorf("analysis client is nil")
	}
	if strings.TrimSpace(transcript) == "" {
		return Analysis{}, fmt.Errorf("transcript is empty")
	}
	token, err := c.resolveToken(ctx)
	if err != nil {
		return Analysis{}, err
	}

	payload := chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: c.systemPrompt},
			{Role: "user", Content: transcript},
		},
		MaxTokens:      c.maxTokens,
		ResponseFormat: chatResponseFormat{Type: "json_object"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Analysis{}, err
	}
	url := c.baseURL + "/v1/chat/completions"

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return Analysis{}, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, backoffDelay(attempt+1, c.baseDelay, c.maxDelay, "")); waitErr != nil {
					return Analysis{}, waitErr
				}
				continue
			}
			return Analysis{}, err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return Analysis{}, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			var completion chatCompletionResponse
			if err := json.Unmarshal(respBody, &completion); err != nil {
				return Analysis{}, fmt.Errorf("analysis response is not valid JSON: %w", err)
			}
			if len(completion.Choices) == 0 {
				return Analysis{}, fmt.Errorf("analysis response has no choices")
			}
			return c.validator.Parse(completion.Choices[0].Message.Content)
		}

		if retryableStatus(resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, backoffDelay(attempt+1, c.baseDelay, c.maxDelay, resp.Header.Get("Retry-After"))); waitErr != nil {
				return Analysis{}, waitErr
			}
			continue
		}
		return Analysis{}, serviceError("analysis", resp.StatusCode, respBody)
	}
}

func (c *HTTPAnalysisClient) resolveToken(ctx context.Context) (string, error) {
	if c.tokenProvider == nil {
		return "", fmt.Errorf("analysis API credential is not configured")
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("analysis API credential is not configured")
	}
	return token, nil
}

// serviceError extracts the provider's error message when the body is
// the usual {"error": {"message": ...}} envelope.
func serviceError(service string, statusCode int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && strings.TrimSpace(parsed.Error.Message) != "" {
		message = parsed.Error.Message
	}
	return fmt.Errorf("%s call failed: status=%d message=%s", service, statusCode, message)
}
