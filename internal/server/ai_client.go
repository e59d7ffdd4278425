package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"mindwell/backend/internal/config"
)

// InferenceClient is the contract around the text-completion service.
// Generate blocks for the full completion; Stream forwards chunks through
// onChunk as they arrive and returns the accumulated text.
type InferenceClient interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
	Stream(ctx context.Context, model, prompt string, onChunk func(chunk string)) (string, error)
}

type generatePayload struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// OllamaClient speaks the /api/generate contract: a single JSON body when
// stream is false, newline-delimited JSON fragments when stream is true.
type OllamaClient struct {
	url        string
	httpClient *http.Client
}

func NewOllamaClient(cfg config.Config) *OllamaClient {
	return &OllamaClient{
		url: strings.TrimSpace(cfg.OllamaURL),
		// Deadlines are per call site (mood vs chat vs stream), so they
		// ride on the context rather than a client-wide timeout.
		httpClient: &http.Client{},
	}
}

func (c *OllamaClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	response, err := c.post(ctx, model, prompt, false)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return "", fmt.Errorf("inference error (%d): %s", response.StatusCode, truncateForLog(string(body), 400))
	}

	var parsed generateChunk
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("inference response is not JSON: %w", err)
	}
	return parsed.Response, nil
}

func (c *OllamaClient) Stream(ctx context.Context, model, prompt string, onChunk func(chunk string)) (string, error) {
	response, err := c.post(ctx, model, prompt, true)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		body, _ := io.ReadAll(response.Body)
		return "", fmt.Errorf("inference error (%d): %s", response.StatusCode, truncateForLog(string(body), 400))
	}

	var full strings.Builder
	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			// Malformed fragments are skipped, not fatal.
			continue
		}
		if chunk.Response != "" {
			full.WriteString(chunk.Response)
			if onChunk != nil {
				onChunk(chunk.Response)
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if full.Len() > 0 {
			// Partial output already forwarded; report what we have.
			return full.String(), err
		}
		return "", err
	}
	return full.String(), nil
}

func (c *OllamaClient) post(ctx context.Context, model, prompt string, stream bool) (*http.Response, error) {
	if c.url == "" {
		return nil, errors.New("OLLAMA_URL is not configured")
	}
	bodyRaw, err := json.Marshal(generatePayload{
		Model:  strings.TrimSpace(model),
		Prompt: prompt,
		Stream: stream,
	})
	if err != nil {
		return nil, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(bodyRaw))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(request)
}

func truncateForLog(value string, limit int) string {
	trimmed := strings.TrimSpace(value)
	if limit <= 0 || len(trimmed) <= limit {
		return trimmed
	}
	return trimmed[:limit] + "...(truncated)"
}

// MockInferenceClient is the test double for the inference service.
type MockInferenceClient struct {
	Response string
	Chunks   []string
	Err      error
	Calls    int
	Prompts  []string
}

func (m *MockInferenceClient) Generate(_ context.Context, _, prompt string) (string, error) {
	m.Calls++
	m.Prompts = append(m.Prompts, prompt)
	if m.Err != nil {
		return "", m.Err
	}
	return m.Response, nil
}

func (m *MockInferenceClient) Stream(_ context.Context, _, prompt string, onChunk func(chunk string)) (string, error) {
	m.Calls++
	m.Prompts = append(m.Prompts, prompt)
	if m.Err != nil {
		return "", m.Err
	}
	var full strings.Builder
	for _, chunk := range m.Chunks {
		full.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	if full.Len() == 0 {
		full.WriteString(m.Response)
		if m.Response != "" && onChunk != nil {
			onChunk(m.Response)
		}
	}
	return full.String(), nil
}
