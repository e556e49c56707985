package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const systemPrompt = `You are a Linux command expert. Analyze user requests and suggest appropriate bash commands.

Your task:
1. Understand what the user wants to accomplish
2. Suggest 2-4 relevant Linux/bash commands
3. Provide a brief explanation
4. Rate your confidence (0.1-1.0)
5. Categorize the request

Categories: files, system, network, processes, text, logs, services, docker, git, packages

Response format (JSON only):
{
  "commands": ["command1", "command2", "command3"],
  "explanation": "Brief explanation of what these commands do",
  "confidence": 0.8,
  "category": "files"
}

Rules:
- Always suggest practical, commonly used commands
- Include command options/flags when helpful
- Prioritize safer commands (avoid rm -rf unless clearly requested)
- If the user mentions specific filenames, incorporate them
- Keep commands concise and practical`

// Client talks to an OpenAI-compatible chat completion endpoint.
type Client struct {
	http *http.Client
	cfg  Config
	base *url.URL
}

// NewClient builds a Client, or (nil, nil) when the config is disabled so
// callers can wire the absence straight through.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, nil
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("SB_LLM_BASE_URL: %w", err)
	}
	return &Client{
		http: &http.Client{Timeout: cfg.Timeout},
		cfg:  cfg,
		base: base,
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Suggest asks the model for candidate commands matching the text.
func (c *Client) Suggest(ctx context.Context, text string) (*Suggestion, error) {
	reqURL := c.base.ResolveReference(&url.URL{Path: strings.TrimSpace(c.cfg.ChatPath)})
	payload := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: text},
		},
		MaxTokens:   300,
		Temperature: 0.3,
	}
	body, _ := json.Marshal(payload)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, fmt.Errorf("suggest http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	var out chatResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("suggest decode: %w", err)
	}
	if out.Error != nil && strings.TrimSpace(out.Error.Message) != "" {
		return nil, fmt.Errorf("suggest error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("suggest: empty choices")
	}
	return parseSuggestion(out.Choices[0].Message.Content)
}

// parseSuggestion decodes the model's JSON answer, tolerating fenced
// code blocks around it, and clamps confidence to [0.1, 1.0].
func parseSuggestion(content string) (*Suggestion, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	var s Suggestion
	if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
		return nil, fmt.Errorf("suggest: malformed reply: %w", err)
	}
	cleaned := s.Commands[:0]
	for _, cmd := range s.Commands {
		if c := strings.TrimSpace(cmd); c != "" {
			cleaned = append(cleaned, c)
		}
	}
	s.Commands = cleaned
	if len(s.Commands) == 0 {
		return nil, fmt.Errorf("suggest: reply contains no commands")
	}
	if s.Confidence == 0 {
		s.Confidence = 0.5
	}
	if s.Confidence < 0.1 {
		s.Confidence = 0.1
	}
	if s.Confidence > 1.0 {
		s.Confidence = 1.0
	}
	return &s, nil
}
