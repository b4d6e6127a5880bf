package notepipe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Transcriber converts recorded audio into a plain-text transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, fileName string, audio io.Reader) (string, error)
}

// APITokenProvider resolves the credential for an external service at
// call time. A missing credential is a pipeline failure on first use,
// not a startup failure.
type APITokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a provider that always yields token.
func StaticToken(token string) APITokenProvider {
	return func(ctx context.Context) (string, error) {
		return token, nil
	}
}

type TranscriptionClientOptions struct {
	BaseURL       string
	TokenProvider APITokenProvider
	HTTPClient    *http.Client
	Model         string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
}

// HTTPTranscriptionClient talks to an OpenAI-compatible speech-to-text
// endpoint (POST /v1/audio/transcriptions, multipart, plain-text
// response format).
type HTTPTranscriptionClient struct {
	baseURL       string
	tokenProvider APITokenProvider
	httpClient    *http.Client
	model         string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewHTTPTranscriptionClient(opts TranscriptionClientOptions) *HTTPTranscriptionClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "whisper-1"
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
	return &HTTPTranscriptionClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		model:         model,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

func (c *HTTPTranscriptionClient) Transcribe(ctx context.Context, fileName string, audio io.Reader) (string, error) {
	if c == nil {
		return "", fmt.Errorf("transcription client is nil")
	}
	token, err := c.resolveToken(ctx)
	if err != nil {
		return "", err
	}

	body, contentType, err := buildTranscriptionBody(fileName, c.model, audio)
	if err != nil {
		return "", err
	}
	url := c.baseURL + "/v1/audio/transcriptions"

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", contentType)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, backoffDelay(attempt+1, c.baseDelay, c.maxDelay, "")); waitErr != nil {
					return "", waitErr
				}
				continue
			}
			return "", err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return "", readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			transcript := strings.TrimSpace(string(respBody))
			if transcript == "" {
				return "", fmt.Errorf("transcription service returned an empty transcript")
			}
			return transcript, nil
		}

		if retryableStatus(resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, backoffDelay(attempt+1, c.baseDelay, c.maxDelay, resp.Header.Get("Retry-After"))); waitErr != nil {
				return "", waitErr
			}
			continue
		}
		return "", serviceError("transcription", resp.StatusCode, respBody)
	}
}

func (c *HTTPTranscriptionClient) resolveToken(ctx context.Context) (string, error) {
	if c.tokenProvider == nil {
		return "", fmt.Errorf("transcription API credential is not configured")
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("transcription API credential is not configured")
	}
	return token, nil
}

// buildTranscriptionBody renders the multipart form once so retries can
// replay the same bytes.
func buildTranscriptionBody(fileName, model string, audio io.Reader) ([]byte, string, error) {
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		fileName = "recording.m4a"
	}
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("model", model); err != nil {
		return nil, "", err
	}
	if err := writer.WriteField("response_format", "text"); err != nil {
		return nil, "", err
	}
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}
