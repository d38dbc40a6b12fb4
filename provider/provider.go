// Package provider abstracts the language-model backend used for newsletter
// classification and digest generation.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/mohammad-safakhou/maildigest/config"
	"github.com/mohammad-safakhou/maildigest/models"
	openai_provider "github.com/mohammad-safakhou/maildigest/provider/openai"
)

// Client names a supported LLM backend.
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
)

// Provider is the interface all LLM implementations must satisfy.
type Provider interface {
	ClassifyEmail(ctx context.Context, email models.Email) (models.Classification, error)
	SummarizeNewsletter(ctx context.Context, email models.Email, nl models.Newsletter) (models.NewsletterSummary, error)
	GenerateDigest(ctx context.Context, items []models.NewsletterSummary) (models.Digest, error)
}

// New creates an LLM provider from configuration.
func New(cfg config.AIConfig) (Provider, error) {
	switch Client(cfg.Provider) {
	case OpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("ai.api_key not set")
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		return openai_provider.NewClient(cfg.APIKey, cfg.Model, cfg.Temperature, cfg.MaxTokens, timeout), nil
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	default:
		return nil, errors.New("unsupported LLM provider")
	}
}
