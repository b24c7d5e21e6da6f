package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// AnalysisResult holds auto-generated PR metadata. Branch naming is not
// part of this: an attempt's branch is already derived deterministically
// from the attempt id before any agent runs, so the analyzer only ever
// needs to describe the change, not name it.
type AnalysisResult struct {
	PRTitle     string
	Description string
}

// Analyzer uses the Anthropic API to generate PR metadata from a task prompt.
type Analyzer struct {
	apiKey string
	client *http.Client
}

// NewAnalyzer creates a prompt analyzer.
func NewAnalyzer(apiKey string) *Analyzer {
	return &Analyzer{
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Analyze generates a PR title and description from the task prompt and
// the change stats. Falls back to generic values on any error so a PR is
// never blocked on the analyzer being reachable.
func (a *Analyzer) Analyze(ctx context.Context, prompt, diffStats string, taskID string) *AnalysisResult {
	if a.apiKey == "" {
		return fallbackResult(prompt, taskID)
	}

	result, err := a.callAPI(ctx, prompt, diffStats)
	if err != nil {
		return fallbackResult(prompt, taskID)
	}

	return result
}

func (a *Analyzer) callAPI(ctx context.Context, prompt, diffStats string) (*AnalysisResult, error) {
	systemPrompt := `You generate metadata for a git pull request. Given a task description and diff stats, produce:
1. pr_title: a concise PR title (max 72 chars)
2. description: a 1-3 sentence PR description

Respond ONLY with valid JSON: {"pr_title":"...","description":"..."}`

	userMsg := fmt.Sprintf("Task: %s\n\nChanges: %s", truncateStr(prompt, 1000), diffStats)

	body := map[string]interface{}{
		"model":      "claude-haiku-4-5-20250929",
		"max_tokens": 256,
		"messages": []map[string]string{
			{"role": "user", "content": systemPrompt + "\n\n" + userMsg},
		},
	}

	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", "https://api.anthropic.com/v1/messages", bytes.NewReader(bodyJSON))
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("content-type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic API returned %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return parseAnalyzerResponse(respBody)
}

func parseAnalyzerResponse(body []byte) (*AnalysisResult, error) {
	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	if len(resp.Content) == 0 {
		return nil, fmt.Errorf("empty response from analyzer")
	}

	var result struct {
		PRTitle     string `json:"pr_title"`
		Description string `json:"description"`
	}

	text := resp.Content[0].Text
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("parsing analyzer output: %w", err)
	}

	if result.PRTitle == "" {
		return nil, fmt.Errorf("empty PR title from analyzer")
	}

	return &AnalysisResult{
		PRTitle:     result.PRTitle,
		Description: result.Description,
	}, nil
}

func fallbackResult(prompt, taskID string) *AnalysisResult {
	shortID := taskID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}

	title := truncateStr(prompt, 60)
	if len(prompt) > 60 {
		title += "..."
	}

	return &AnalysisResult{
		PRTitle:     fmt.Sprintf("CodeForge: %s (%s)", title, shortID),
		Description: "Automated changes by CodeForge.",
	}
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
