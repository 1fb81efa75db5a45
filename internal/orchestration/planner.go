package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bl4ck0w1/cyberscore/internal/sources"
	"github.com/bl4ck0w1/cyberscore/pkg/models"
)

const plannerSystemPrompt = "You are a cybersecurity scan planner. Given a vendor tier, " +
	"output a brief JSON scan plan with keys: osint, darkweb, nthparty " +
	"(boolean each). Tier 1=all, Tier 2=osint+darkweb, Tier 3=osint only."

type PlanRequest struct {
	TargetID string
	Domain   string
	Tier     int
}

// Planner produces an advisory, human-readable scan plan. The tier table stays authoritative.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (string, error)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// ChatPlanner calls an OpenAI-compatible chat completions endpoint.
type ChatPlanner struct {
	http      *http.Client
	endpoint  string
	model     string
	apiKey    string
	maxTokens int
}

func NewChatPlanner(cfg models.PlannerConfig, httpClient *http.Client) *ChatPlanner {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = sources.NewHTTPClient(timeout)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 200
	}
	return &ChatPlanner{
		http:      httpClient,
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		maxTokens: maxTokens,
	}
}

func (p *ChatPlanner) Plan(ctx context.Context, req PlanRequest) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: plannerSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Plan scan for vendor %s, tier %d.", req.TargetID, req.Tier)},
		},
		Temperature: 0,
		MaxTokens:   p.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("planner: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("planner: new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("planner: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", &sources.HTTPError{Source: "planner", Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("planner: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("planner: empty response")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
