package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int64
	Temperature float64
}

// Anthropic generates replies through the Messages API.
type Anthropic struct {
	client *anthropic.Client
	cfg    AnthropicConfig
}

func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return NewAnthropicFromClient(&client, cfg)
}

func NewAnthropicFromClient(client *anthropic.Client, cfg AnthropicConfig) *Anthropic {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.9
	}
	return &Anthropic{client: client, cfg: cfg}
}

func (a *Anthropic) Generate(ctx context.Context, req Request) (string, error) {
	var messages []anthropic.MessageParam
	for _, ex := range dialogue(req) {
		if ex.assistant {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(ex.text)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(ex.text)))
		}
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.cfg.Model),
		Messages:    messages,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: anthropic.Float(a.cfg.Temperature),
		System:      []anthropic.TextBlockParam{{Text: SystemPrompt(req)}},
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return cleanReply(req.Agent, b.String())
}
