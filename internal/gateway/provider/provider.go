// Package provider implements the AI signal collaborator.
package provider

import (
	"context"
	"time"

	"tradeloop/internal/types"
)

// SignalProvider turns a market sample into an advisory signal.
type SignalProvider interface {
	Name() string
	Authenticate(ctx context.Context) error
	AnalyzeMarket(ctx context.Context, sample types.MarketSample) (types.TradingSignal, error)
}

// ChatClient is the transport to a chat completion endpoint.
type ChatClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Ping(ctx context.Context) error
}

type Config struct {
	Name         string
	APIURL       string
	APIKey       string
	Model        string
	Headers      map[string]string
	Timeout      time.Duration
	Temperature  float64
	RequestsPerM int
}

// New builds the OpenAI-compatible provider described by cfg.
func New(cfg Config) *AISignalProvider {
	client := &OpenAIChatClient{
		BaseURL:      cfg.APIURL,
		APIKey:       cfg.APIKey,
		Model:        cfg.Model,
		Timeout:      cfg.Timeout,
		Temperature:  cfg.Temperature,
		ExtraHeaders: cfg.Headers,
	}
	client.SetRateLimit(cfg.RequestsPerM)
	name := cfg.Name
	if name == "" {
		name = "openai"
		if cfg.Model != "" {
			name = "openai:" + cfg.Model
		}
	}
	return NewAISignalProvider(name, client)
}
