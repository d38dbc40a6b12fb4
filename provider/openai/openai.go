// Package openai implements the summarization provider against OpenAI's
// chat-completions API over plain HTTP.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/maildigest/models"
)

const apiURL = "https://api.openai.com/v1/chat/completions"

// client talks to the OpenAI chat-completions endpoint.
type client struct {
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

// Message is one turn in a chat-completions conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type response struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// NewClient creates an OpenAI-backed provider client.
func NewClient(apiKey, model string, temperature float64, maxTokens int, timeout time.Duration) *client {
	return &client{
		apiKey:      apiKey,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

func (c *client) complete(ctx context.Context, system, user string) (string, error) {
	body := request{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API returned status: %d", resp.StatusCode)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return out.Choices[0].Message.Content, nil
}

// ClassifyEmail asks the model whether an email is a newsletter.
func (c *client) ClassifyEmail(ctx context.Context, email models.Email) (models.Classification, error) {
	system := `You classify emails. Answer with strict JSON of the shape
{"is_newsletter": bool, "type": "tech|business|marketing|personal|other", "confidence": 0.0-1.0}.`
	user := fmt.Sprintf("Subject: %s\nFrom: %s\n\n%s", email.Subject, email.Sender, truncate(email.ContentText, 4000))

	raw, err := c.complete(ctx, system, user)
	if err != nil {
		return models.Classification{}, err
	}
	var cls models.Classification
	if err := json.Unmarshal([]byte(extractJSON(raw)), &cls); err != nil {
		return models.Classification{}, fmt.Errorf("failed to parse classification: %w", err)
	}
	return cls, nil
}

// SummarizeNewsletter produces a short per-newsletter summary.
func (c *client) SummarizeNewsletter(ctx context.Context, email models.Email, nl models.Newsletter) (models.NewsletterSummary, error) {
	system := "You summarize newsletters in 2-4 sentences, keeping concrete facts and links out of the prose."
	user := fmt.Sprintf("Subject: %s\nFrom: %s\nType: %s\n\n%s",
		email.Subject, email.Sender, nl.Type, truncate(email.ContentText, 8000))

	raw, err := c.complete(ctx, system, user)
	if err != nil {
		return models.NewsletterSummary{}, err
	}
	return models.NewsletterSummary{
		Title:   email.Subject,
		Sender:  email.Sender,
		Summary: strings.TrimSpace(raw),
	}, nil
}

// GenerateDigest combines per-newsletter summaries into one HTML digest.
func (c *client) GenerateDigest(ctx context.Context, items []models.NewsletterSummary) (models.Digest, error) {
	system := `You write a daily newsletter digest as a standalone HTML fragment:
one section per newsletter with a heading and the provided summary, opened by a
two-sentence overview. Output HTML only.`
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "## %s (from %s)\n%s\n\n", it.Title, it.Sender, it.Summary)
	}

	raw, err := c.complete(ctx, system, b.String())
	if err != nil {
		return models.Digest{}, err
	}
	title := fmt.Sprintf("Newsletter Digest - %s", time.Now().Format("Jan 2, 2006"))
	return models.Digest{Title: title, HTML: strings.TrimSpace(raw)}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// extractJSON pulls the first {...} object out of a completion that may wrap
// it in prose or code fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
